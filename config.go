package replog

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the settings of a node. Use DefaultConfig and adjust.
type Config struct {
	// ID is the node id, its position in the cluster list.
	ID int

	// PromiseWait is how long a proposer collects PROMISE replies.
	PromiseWait time.Duration
	// AcceptWait is how long a proposer collects ACCEPT replies.
	AcceptWait time.Duration
	// ElectionWait is how long a candidate waits for an ALIVE answer
	// before declaring victory.
	ElectionWait time.Duration
	// VictoryWait is how long a node that got an ALIVE answer waits for a
	// VICTORY before restarting its election.
	VictoryWait time.Duration
	// HeartbeatInterval is the period of the failure detection loop.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is how long a peer may stay silent before it is
	// considered dead.
	HeartbeatTimeout time.Duration
	// RecoveryWait bounds how long the leader keeps clients paused while
	// pushing its log to a recovering peer.
	RecoveryWait time.Duration
	// PollInterval is the granularity of quorum and election waits.
	PollInterval time.Duration
	// ClientRetryInterval is how long clients wait for SUCCESS before
	// sending REPLICATE again.
	ClientRetryInterval time.Duration

	// SpeedLow, SpeedMedium and SpeedHigh are the handler delays set by
	// the matching harness commands.
	SpeedLow    time.Duration
	SpeedMedium time.Duration
	SpeedHigh   time.Duration

	// LogDir is the directory holding the log file.
	LogDir string
	// ClientListen is the multiaddress the leader serves clients on.
	// Empty disables the HTTP client path.
	ClientListen string
	// AdminListen is the multiaddress of the always-on admin endpoint.
	// Empty disables it.
	AdminListen string
}

// DefaultConfig returns the default settings.
func DefaultConfig() *Config {
	return &Config{
		PromiseWait:         3 * time.Second,
		AcceptWait:          5 * time.Second,
		ElectionWait:        5 * time.Second,
		VictoryWait:         15 * time.Second,
		HeartbeatInterval:   500 * time.Millisecond,
		HeartbeatTimeout:    3 * time.Second,
		RecoveryWait:        10 * time.Second,
		PollInterval:        10 * time.Millisecond,
		ClientRetryInterval: 10 * time.Second,
		SpeedLow:            500 * time.Millisecond,
		SpeedMedium:         100 * time.Millisecond,
		SpeedHigh:           0,
		LogDir:              "log",
		ClientListen:        "/ip4/127.0.0.1/tcp/0",
	}
}

// Validate checks the configuration for a cluster of the given size.
func (c *Config) Validate(clusterSize int) error {
	if clusterSize < 1 {
		return errors.New("cluster must have at least one node")
	}
	if c.ID < 0 || c.ID >= clusterSize {
		return fmt.Errorf("node id %d outside cluster of %d", c.ID, clusterSize)
	}
	for name, d := range map[string]time.Duration{
		"PromiseWait":         c.PromiseWait,
		"AcceptWait":          c.AcceptWait,
		"ElectionWait":        c.ElectionWait,
		"VictoryWait":         c.VictoryWait,
		"HeartbeatInterval":   c.HeartbeatInterval,
		"HeartbeatTimeout":    c.HeartbeatTimeout,
		"RecoveryWait":        c.RecoveryWait,
		"PollInterval":        c.PollInterval,
		"ClientRetryInterval": c.ClientRetryInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return errors.New("HeartbeatTimeout must be longer than HeartbeatInterval")
	}
	if c.LogDir == "" {
		return errors.New("LogDir is required")
	}
	return nil
}

// EnvConfig is what ConfigFromEnv reads besides the node Config.
type EnvConfig struct {
	Config *Config
	// Peers are the /p2p multiaddresses of every node, ordered by id.
	Peers []string
	// Listen is the libp2p listen multiaddress.
	Listen string
	// Key is the base64 encoded private key of the node.
	Key string
}

// ConfigFromEnv builds the configuration from REPLOG_* environment
// variables on top of DefaultConfig.
func ConfigFromEnv() (*EnvConfig, error) {
	cfg := DefaultConfig()
	env := &EnvConfig{Config: cfg, Listen: "/ip4/0.0.0.0/tcp/0"}

	if v := os.Getenv("REPLOG_ID"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("REPLOG_ID: %w", err)
		}
		cfg.ID = id
	}
	if v := os.Getenv("REPLOG_PEERS"); v != "" {
		env.Peers = strings.Split(v, ",")
	}
	if v := os.Getenv("REPLOG_LISTEN"); v != "" {
		env.Listen = v
	}
	env.Key = os.Getenv("REPLOG_KEY")
	if v := os.Getenv("REPLOG_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	if v, ok := os.LookupEnv("REPLOG_CLIENT_LISTEN"); ok {
		cfg.ClientListen = v
	}
	if v, ok := os.LookupEnv("REPLOG_ADMIN_LISTEN"); ok {
		cfg.AdminListen = v
	}

	durations := map[string]*time.Duration{
		"REPLOG_PROMISE_WAIT":       &cfg.PromiseWait,
		"REPLOG_ACCEPT_WAIT":        &cfg.AcceptWait,
		"REPLOG_ELECTION_WAIT":      &cfg.ElectionWait,
		"REPLOG_VICTORY_WAIT":       &cfg.VictoryWait,
		"REPLOG_HEARTBEAT_INTERVAL": &cfg.HeartbeatInterval,
		"REPLOG_HEARTBEAT_TIMEOUT":  &cfg.HeartbeatTimeout,
		"REPLOG_RECOVERY_WAIT":      &cfg.RecoveryWait,
		"REPLOG_CLIENT_RETRY":       &cfg.ClientRetryInterval,
	}
	for name, dst := range durations {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		*dst = d
	}
	return env, nil
}

package replog

import (
	"fmt"
	"strings"
)

var replParseMap = map[string]Code{
	"shutdown":     CodeShutdown,
	"start":        CodeStart,
	"speed-low":    CodeSpeedLow,
	"speed-medium": CodeSpeedMedium,
	"speed-high":   CodeSpeedHigh,
	"crash":        CodeCrash,
	"recover":      CodeRecover,
}

// ParseReplCommand returns the harness code named by cmd.
func ParseReplCommand(cmd string) (Code, error) {
	code, ok := replParseMap[strings.ToLower(strings.TrimSpace(cmd))]
	if !ok {
		return 0, fmt.Errorf("unknown command %q", cmd)
	}
	return code, nil
}

// ReplManager handles the harness messages used to drive a node from
// outside: start an election, slow the node down, crash it and bring it
// back. Harness messages pass the transport filter even while the node is
// crashed.
type ReplManager struct {
	transport Transport
	cfg       *Config
	registry  *Registry
	election  *ElectionManager
}

// NewReplManager returns the harness component of a node.
func NewReplManager(cfg *Config, transport Transport, registry *Registry, election *ElectionManager) *ReplManager {
	return &ReplManager{
		transport: transport,
		cfg:       cfg,
		registry:  registry,
		election:  election,
	}
}

// HandleMessage handles harness messages.
func (r *ReplManager) HandleMessage(src int, msg Message) {
	self := r.transport.ID()
	switch msg.Code {
	case CodeStart:
		logger.Infof("node %d: START from %d", self, src)
		r.election.StartElection()
	case CodeSpeedLow:
		r.registry.SetDelay(r.cfg.SpeedLow)
	case CodeSpeedMedium:
		r.registry.SetDelay(r.cfg.SpeedMedium)
	case CodeSpeedHigh:
		r.registry.SetDelay(r.cfg.SpeedHigh)
	case CodeCrash:
		logger.Infof("node %d: crashed by %d", self, src)
		r.transport.SetCrashed(true)
	case CodeRecover:
		logger.Infof("node %d: recovered by %d", self, src)
		r.transport.SetCrashed(false)
	default:
		logger.Warnf("node %d: unknown harness code %d from %d", self, msg.Code, src)
	}
}

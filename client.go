package replog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	multiaddr "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/ugorji/go/codec"
)

// Client submits values to a cluster from outside. It finds the leader
// through the admin endpoints of the nodes and posts to the leader's client
// server, retrying until a value is acknowledged.
type Client struct {
	admins []multiaddr.Multiaddr
	http   *http.Client

	// RetryInterval is the pause between attempts.
	RetryInterval time.Duration
}

// NewClient returns a client for the cluster whose admin endpoints are
// listed in admins.
func NewClient(admins []string) (*Client, error) {
	if len(admins) == 0 {
		return nil, errors.New("no admin address given")
	}
	c := &Client{
		http:          &http.Client{},
		RetryInterval: time.Second,
	}
	for _, a := range admins {
		maddr, err := multiaddr.NewMultiaddr(strings.TrimSpace(a))
		if err != nil {
			return nil, fmt.Errorf("parsing %q: %w", a, err)
		}
		c.admins = append(c.admins, maddr)
	}
	return c, nil
}

func httpURL(maddr multiaddr.Multiaddr, path string) (string, error) {
	_, hostport, err := manet.DialArgs(maddr)
	if err != nil {
		return "", err
	}
	return "http://" + hostport + path, nil
}

// Leader asks the admin endpoints in turn for the leader and returns the
// first answer that names one along with its client address.
func (c *Client) Leader(ctx context.Context) (LeaderInfo, error) {
	var lastErr error = ErrNoLeader
	for _, a := range c.admins {
		info, err := c.leaderFrom(ctx, a)
		if err != nil {
			lastErr = err
			continue
		}
		if info.Leader != -1 && info.ClientAddr != "" {
			return info, nil
		}
	}
	return LeaderInfo{Leader: -1}, lastErr
}

func (c *Client) leaderFrom(ctx context.Context, admin multiaddr.Multiaddr) (LeaderInfo, error) {
	var info LeaderInfo
	url, err := httpURL(admin, "/leader")
	if err != nil {
		return info, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return info, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return info, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return info, fmt.Errorf("%s: %s", url, resp.Status)
	}
	err = codec.NewDecoder(resp.Body, jsonHandle).Decode(&info)
	return info, err
}

// Replicate submits value and blocks until the leader acknowledges it or
// ctx ends. Values are retried on any failure, so a value may end up in
// the log more than once.
func (c *Client) Replicate(ctx context.Context, value string) error {
	if err := validValue(value); err != nil {
		return err
	}
	for {
		err := c.tryReplicate(ctx, value)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrInvalidValue) {
			return err
		}
		logger.Debugf("replicate %q: %s", value, err)
		if err := sleepCtx(ctx, c.RetryInterval); err != nil {
			return err
		}
	}
}

func (c *Client) tryReplicate(ctx context.Context, value string) error {
	info, err := c.Leader(ctx)
	if err != nil {
		return err
	}
	maddr, err := multiaddr.NewMultiaddr(info.ClientAddr)
	if err != nil {
		return err
	}
	url, err := httpURL(maddr, "/replicate")
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString(value))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := ioutil.ReadAll(resp.Body)
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidValue, strings.TrimSpace(string(body)))
	default:
		return fmt.Errorf("leader %d: %s: %s", info.Leader, resp.Status, strings.TrimSpace(string(body)))
	}
}

package replog

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ClientManager carries the client protocol between nodes: a follower
// forwards REPLICATE to the leader and waits for SUCCESS, and any node can
// ask a peer for the client address it knows with PORT.
//
// Requests and replies are matched by the id in Message.RoundID.
type ClientManager struct {
	transport Transport
	cfg       *Config
	actor     *Actor
	directory *Directory
	election  *ElectionManager
	metrics   *Metrics

	mux     sync.Mutex
	nextID  int64
	pending map[int64]chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClientManager returns the client component of a node.
func NewClientManager(cfg *Config, transport Transport, actor *Actor, election *ElectionManager, directory *Directory, metrics *Metrics) *ClientManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &ClientManager{
		transport: transport,
		cfg:       cfg,
		actor:     actor,
		directory: directory,
		election:  election,
		metrics:   metrics,
		pending:   make(map[int64]chan Message),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Stop cancels the REPLICATE requests being served and waits for them.
func (cm *ClientManager) Stop() {
	cm.cancel()
	cm.wg.Wait()
}

func (cm *ClientManager) register() (int64, chan Message) {
	cm.mux.Lock()
	defer cm.mux.Unlock()
	cm.nextID++
	ch := make(chan Message, 1)
	cm.pending[cm.nextID] = ch
	return cm.nextID, ch
}

func (cm *ClientManager) unregister(id int64) {
	cm.mux.Lock()
	defer cm.mux.Unlock()
	delete(cm.pending, id)
}

func (cm *ClientManager) resolve(id int64, msg Message) {
	cm.mux.Lock()
	ch, ok := cm.pending[id]
	cm.mux.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

// Replicate gets value committed. On the leader it runs consensus
// directly; elsewhere it sends REPLICATE to the leader until SUCCESS comes
// back, every ClientRetryInterval, so a value may be committed more than
// once.
func (cm *ClientManager) Replicate(ctx context.Context, value string) error {
	if err := validValue(value); err != nil {
		return err
	}
	msg, err := newMessage(TagClient, CodeReplicate, 0, valuePayload{Value: value})
	if err != nil {
		return err
	}

	for {
		leader := cm.election.LeaderNodeID()
		switch {
		case leader == cm.transport.ID():
			_, err := cm.actor.SetStateContext(ctx, AppendOp{Value: value})
			if err != ErrNotLeader {
				return err
			}
		case leader != -1:
			ok, err := cm.request(ctx, leader, msg, CodeSuccess)
			if err != nil {
				return err
			}
			if ok != nil {
				return nil
			}
		default:
			if err := sleepCtx(ctx, cm.cfg.PollInterval*10); err != nil {
				return err
			}
		}
	}
}

// RequestPort asks node dst for the client address it knows. It returns
// ErrNotPublished when dst knows none.
func (cm *ClientManager) RequestPort(ctx context.Context, dst int) (string, error) {
	reply, err := cm.request(ctx, dst, Message{Tag: TagClient, Code: CodePort}, CodePort)
	if err != nil {
		return "", err
	}
	if reply == nil {
		return "", context.DeadlineExceeded
	}
	var p portPayload
	if err := decodePayload(reply.Payload, &p); err != nil {
		return "", err
	}
	if p.Addr == "" {
		return "", ErrNotPublished
	}
	return p.Addr, nil
}

// request sends msg to dst and waits for the reply with the given code for
// up to ClientRetryInterval. A nil reply means the wait elapsed.
func (cm *ClientManager) request(ctx context.Context, dst int, msg Message, want Code) (*Message, error) {
	id, ch := cm.register()
	defer cm.unregister(id)

	msg.RoundID = id
	if err := cm.transport.Send(dst, msg); err != nil {
		if errors.Is(err, ErrTransportShutdown) {
			return nil, err
		}
		logger.Debugf("node %d: client request to %d: %s", cm.transport.ID(), dst, err)
	}

	timer := time.NewTimer(cm.cfg.ClientRetryInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case reply := <-ch:
			if reply.Code == want {
				return &reply, nil
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// HandleMessage handles client messages.
func (cm *ClientManager) HandleMessage(src int, msg Message) {
	switch msg.Code {
	case CodePort:
		if len(msg.Payload) > 0 {
			cm.resolve(msg.RoundID, msg)
			return
		}
		addr, err := cm.directory.Lookup(ServerName)
		if err != nil && err != ErrNotPublished {
			logger.Errorf("node %d: looking up %s: %s", cm.transport.ID(), ServerName, err)
		}
		reply, err := newMessage(TagClient, CodePort, msg.RoundID, portPayload{Addr: addr})
		if err != nil {
			logger.Errorf("node %d: encoding PORT: %s", cm.transport.ID(), err)
			return
		}
		cm.transport.Send(src, reply)
	case CodeReplicate:
		var p valuePayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			logger.Warnf("node %d: discarding malformed REPLICATE from %d: %s", cm.transport.ID(), src, err)
			cm.metrics.messageDiscarded(TagClient)
			return
		}
		cm.wg.Add(1)
		go cm.serveReplicate(src, msg.RoundID, p.Value)
	case CodeSuccess:
		cm.resolve(msg.RoundID, msg)
	case CodeConnect, CodeDisconnect:
		logger.Debugf("node %d: client notice %d from %d", cm.transport.ID(), msg.Code, src)
	default:
		logger.Warnf("node %d: unknown client code %d from %d", cm.transport.ID(), msg.Code, src)
	}
}

// serveReplicate runs consensus for a forwarded value and answers SUCCESS.
// Nothing is answered on failure; the requester retries.
func (cm *ClientManager) serveReplicate(src int, reqID int64, value string) {
	defer cm.wg.Done()
	ctx, cancel := context.WithTimeout(cm.ctx, SetStateTimeout)
	defer cancel()

	if _, err := cm.actor.SetStateContext(ctx, AppendOp{Value: value}); err != nil {
		logger.Debugf("node %d: REPLICATE %d from %d: %s", cm.transport.ID(), reqID, src, err)
		return
	}
	cm.transport.Send(src, Message{Tag: TagClient, Code: CodeSuccess, RoundID: reqID})
}

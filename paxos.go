package replog

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/raft"
)

// quorum returns how many peers, besides the proposer, must answer for a
// majority of a cluster of size n.
func quorum(n int) int {
	return n / 2
}

// proposerState is the round being driven by this node. roundID is -1 when
// no round is in flight.
type proposerState struct {
	roundID       int64
	promised      map[int]bool
	accepted      map[int]bool
	promiseCount  int
	acceptCount   int
	maxAcceptedID int64
	acceptedValue string
}

func newProposerState(roundID int64) proposerState {
	return proposerState{
		roundID:       roundID,
		promised:      make(map[int]bool),
		accepted:      make(map[int]bool),
		maxAcceptedID: -1,
	}
}

// acceptorState is what this node has promised and accepted.
type acceptorState struct {
	maxRoundID    int64
	valueAccepted bool
	acceptedID    int64
	acceptedValue string
}

// recoveryGate keeps log transfers from starting while a round runs.
type recoveryGate interface {
	DisallowRecovery()
	AllowRecovery()
}

// ConsensusManager runs single-decree Paxos for one value at a time. Every
// node is an acceptor; the node calling StartConsensus is the proposer.
type ConsensusManager struct {
	transport Transport
	fsm       *FSM
	clock     *roundClock
	cfg       *Config
	metrics   *Metrics

	// one proposal at a time on this node
	proposerMux sync.Mutex
	// gate is held for the length of each round, when set
	gate recoveryGate

	mux      sync.Mutex
	proposer proposerState
	acceptor acceptorState
	// lastCommitted is, per proposer, the highest round committed here.
	// A proposer's rounds increase and its ACCEPTED arrive in order.
	lastCommitted []int64
}

// NewConsensusManager returns the consensus component of a node.
func NewConsensusManager(cfg *Config, transport Transport, fsm *FSM, clock *roundClock, metrics *Metrics) *ConsensusManager {
	c := &ConsensusManager{
		transport: transport,
		fsm:       fsm,
		clock:     clock,
		cfg:       cfg,
		metrics:   metrics,
		proposer:  newProposerState(-1),
		acceptor: acceptorState{
			maxRoundID: -1,
			acceptedID: -1,
		},
		lastCommitted: make([]int64, transport.ClusterSize()),
	}
	for i := range c.lastCommitted {
		c.lastCommitted[i] = -1
	}
	return c
}

// StartConsensus gets value committed to the log of the cluster. It runs
// rounds until one of them commits value, retrying with a fresh round id
// whenever a quorum is not reached in time. A round may commit a value
// accepted in an earlier, unfinished round instead; value is then proposed
// again in a following round. It returns false only if ctx ends first.
func (c *ConsensusManager) StartConsensus(ctx context.Context, value string) bool {
	c.proposerMux.Lock()
	defer c.proposerMux.Unlock()

	for ctx.Err() == nil {
		if c.gate != nil {
			c.gate.DisallowRecovery()
		}
		chosen, ok := c.runRound(ctx, value)
		if c.gate != nil {
			c.gate.AllowRecovery()
		}
		c.metrics.roundFinished(ok)
		if !ok {
			continue
		}
		if chosen == value {
			return true
		}
		logger.Infof("node %d: completed earlier proposal %q, proposing %q again", c.transport.ID(), chosen, value)
	}
	return false
}

// runRound drives one round and returns the committed value.
func (c *ConsensusManager) runRound(ctx context.Context, value string) (string, bool) {
	defer c.resetProposer()

	n := c.transport.ClusterSize()
	roundID := c.clock.Next()

	// the proposer promises implicitly
	c.mux.Lock()
	if roundID <= c.acceptor.maxRoundID {
		c.mux.Unlock()
		return "", false
	}
	c.acceptor.maxRoundID = roundID
	c.proposer = newProposerState(roundID)
	if c.acceptor.valueAccepted {
		c.proposer.maxAcceptedID = c.acceptor.acceptedID
		c.proposer.acceptedValue = c.acceptor.acceptedValue
	}
	c.mux.Unlock()

	logger.Debugf("node %d: PREPARE round %d", c.transport.ID(), roundID)
	c.transport.Broadcast(Message{Tag: TagConsensus, Code: CodePrepare, RoundID: roundID}, 0, n, false)

	if !c.waitQuorum(ctx, c.cfg.PromiseWait, func() int { return c.proposer.promiseCount }) {
		logger.Debugf("node %d: round %d got no promise quorum", c.transport.ID(), roundID)
		return "", false
	}

	c.mux.Lock()
	proposal := value
	if c.proposer.maxAcceptedID != -1 {
		proposal = c.proposer.acceptedValue
	}
	if c.acceptor.maxRoundID != roundID {
		// a higher PREPARE arrived meanwhile
		c.mux.Unlock()
		return "", false
	}
	c.acceptor.valueAccepted = true
	c.acceptor.acceptedID = roundID
	c.acceptor.acceptedValue = proposal
	c.mux.Unlock()

	propose, err := newMessage(TagConsensus, CodePropose, roundID, valuePayload{Value: proposal})
	if err != nil {
		logger.Errorf("node %d: encoding PROPOSE: %s", c.transport.ID(), err)
		return "", false
	}
	logger.Debugf("node %d: PROPOSE round %d", c.transport.ID(), roundID)
	c.transport.Broadcast(propose, 0, n, false)

	if !c.waitQuorum(ctx, c.cfg.AcceptWait, func() int { return c.proposer.acceptCount }) {
		logger.Debugf("node %d: round %d got no accept quorum", c.transport.ID(), roundID)
		return "", false
	}

	if err := c.commit(roundID, proposal); err != nil {
		return "", false
	}
	accepted, err := newMessage(TagConsensus, CodeAccepted, roundID, valuePayload{Value: proposal})
	if err != nil {
		logger.Errorf("node %d: encoding ACCEPTED: %s", c.transport.ID(), err)
		return proposal, true
	}
	c.transport.Broadcast(accepted, 0, n, false)
	logger.Infof("node %d: consensus reached in round %d", c.transport.ID(), roundID)
	return proposal, true
}

// waitQuorum polls count until it reaches the quorum, the wait elapses or
// ctx ends. count is called with c.mux held.
func (c *ConsensusManager) waitQuorum(ctx context.Context, wait time.Duration, count func() int) bool {
	need := quorum(c.transport.ClusterSize())
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		c.mux.Lock()
		got := count()
		c.mux.Unlock()
		if got >= need {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (c *ConsensusManager) resetProposer() {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.proposer = newProposerState(-1)
}

// commit appends value to the local log once per round and clears the
// accepted value it settles.
func (c *ConsensusManager) commit(roundID int64, value string) error {
	if roundID < 0 {
		return nil
	}
	proposer := c.clock.nodeOf(roundID)
	c.mux.Lock()
	if roundID <= c.lastCommitted[proposer] {
		c.mux.Unlock()
		return nil
	}
	c.lastCommitted[proposer] = roundID
	if c.acceptor.valueAccepted && c.acceptor.acceptedID <= roundID {
		c.acceptor.valueAccepted = false
		c.acceptor.acceptedID = -1
		c.acceptor.acceptedValue = ""
	}
	c.mux.Unlock()

	// the round id stands in for the raft index
	res := c.fsm.Apply(&raft.Log{
		Index: uint64(roundID),
		Type:  raft.LogCommand,
		Data:  []byte(value),
	})
	if err, ok := res.(error); ok && err != nil {
		return err
	}
	return nil
}

// forgetAccepted drops the accepted value. Called when the log is replaced
// by the leader's, which already settles anything this node accepted.
func (c *ConsensusManager) forgetAccepted() {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.acceptor.valueAccepted = false
	c.acceptor.acceptedID = -1
	c.acceptor.acceptedValue = ""
}

// MaxRoundID returns the highest round id this node has promised.
func (c *ConsensusManager) MaxRoundID() int64 {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.acceptor.maxRoundID
}

// HandleMessage handles consensus messages.
func (c *ConsensusManager) HandleMessage(src int, msg Message) {
	switch msg.Code {
	case CodePrepare:
		c.handlePrepare(src, msg)
	case CodePromise:
		c.handlePromise(src, msg)
	case CodePropose:
		c.handlePropose(src, msg)
	case CodeAccept:
		c.handleAccept(src, msg)
	case CodeAccepted:
		c.handleAccepted(src, msg)
	default:
		logger.Warnf("node %d: unknown consensus code %d from %d", c.transport.ID(), msg.Code, src)
	}
}

func (c *ConsensusManager) handlePrepare(src int, msg Message) {
	id := msg.RoundID
	c.clock.Observe(id)

	c.mux.Lock()
	if id <= c.acceptor.maxRoundID {
		c.mux.Unlock()
		logger.Debugf("node %d: ignoring stale PREPARE %d from %d", c.transport.ID(), id, src)
		return
	}
	c.acceptor.maxRoundID = id
	p := promisePayload{
		HasAccepted:   c.acceptor.valueAccepted,
		AcceptedID:    c.acceptor.acceptedID,
		AcceptedValue: c.acceptor.acceptedValue,
	}
	c.mux.Unlock()

	promise, err := newMessage(TagConsensus, CodePromise, id, p)
	if err != nil {
		logger.Errorf("node %d: encoding PROMISE: %s", c.transport.ID(), err)
		return
	}
	c.transport.Send(src, promise)
}

func (c *ConsensusManager) handlePromise(src int, msg Message) {
	var p promisePayload
	if err := decodePayload(msg.Payload, &p); err != nil {
		logger.Warnf("node %d: discarding malformed PROMISE from %d: %s", c.transport.ID(), src, err)
		c.metrics.messageDiscarded(TagConsensus)
		return
	}

	c.mux.Lock()
	defer c.mux.Unlock()
	if c.proposer.roundID == -1 || msg.RoundID != c.proposer.roundID || c.proposer.promised[src] {
		return
	}
	c.proposer.promised[src] = true
	c.proposer.promiseCount++
	if p.HasAccepted && p.AcceptedID > c.proposer.maxAcceptedID {
		c.proposer.maxAcceptedID = p.AcceptedID
		c.proposer.acceptedValue = p.AcceptedValue
	}
}

func (c *ConsensusManager) handlePropose(src int, msg Message) {
	var p valuePayload
	if err := decodePayload(msg.Payload, &p); err != nil {
		logger.Warnf("node %d: discarding malformed PROPOSE from %d: %s", c.transport.ID(), src, err)
		c.metrics.messageDiscarded(TagConsensus)
		return
	}

	c.mux.Lock()
	if msg.RoundID != c.acceptor.maxRoundID {
		c.mux.Unlock()
		logger.Debugf("node %d: ignoring stale PROPOSE %d from %d", c.transport.ID(), msg.RoundID, src)
		return
	}
	c.acceptor.valueAccepted = true
	c.acceptor.acceptedID = msg.RoundID
	c.acceptor.acceptedValue = p.Value
	c.mux.Unlock()

	c.transport.Send(src, Message{Tag: TagConsensus, Code: CodeAccept, RoundID: msg.RoundID})
}

func (c *ConsensusManager) handleAccept(src int, msg Message) {
	c.mux.Lock()
	defer c.mux.Unlock()
	if c.proposer.roundID == -1 || msg.RoundID != c.proposer.roundID || c.proposer.accepted[src] {
		return
	}
	c.proposer.accepted[src] = true
	c.proposer.acceptCount++
}

func (c *ConsensusManager) handleAccepted(src int, msg Message) {
	var p valuePayload
	if err := decodePayload(msg.Payload, &p); err != nil {
		logger.Warnf("node %d: discarding malformed ACCEPTED from %d: %s", c.transport.ID(), src, err)
		c.metrics.messageDiscarded(TagConsensus)
		return
	}
	c.clock.Observe(msg.RoundID)
	if err := c.commit(msg.RoundID, p.Value); err != nil {
		logger.Errorf("node %d: committing round %d: %s", c.transport.ID(), msg.RoundID, err)
	}
}

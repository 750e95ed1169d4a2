package replog

import (
	"bytes"
	"sync"
	"time"
)

type peerStatus struct {
	lastHeartbeat time.Time
	isAlive       bool
}

// FailureDetector heartbeats every peer, tracks which ones are alive and,
// on the leader, pushes the log to peers that come back after being dead.
//
// The peer table is indexed by peer with the local node left out.
type FailureDetector struct {
	transport Transport
	cfg       *Config
	election  *ElectionManager
	consensus *ConsensusManager
	fsm       *FSM
	clock     *roundClock
	metrics   *Metrics

	mux   sync.Mutex
	cond  *sync.Cond
	peers []peerStatus
	// isolated is set while every peer is dead
	isolated bool

	curRecoveryID   int64
	recoveringPeer  int
	recoveryDigest  []byte
	recoveryDone    chan struct{}
	blockClientConn bool
	clientOps       int
	// recoveryPending is set while a peer waits for a recovery that a
	// running client operation holds back. No new operation is admitted
	// until the recovery starts or is no longer wanted.
	recoveryPending bool
	stopped         bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewFailureDetector returns the failure detection component of a node.
func NewFailureDetector(cfg *Config, transport Transport, election *ElectionManager, consensus *ConsensusManager, fsm *FSM, clock *roundClock, metrics *Metrics) *FailureDetector {
	f := &FailureDetector{
		transport:      transport,
		cfg:            cfg,
		election:       election,
		consensus:      consensus,
		fsm:            fsm,
		clock:          clock,
		metrics:        metrics,
		peers:          make([]peerStatus, transport.ClusterSize()-1),
		curRecoveryID:  -1,
		recoveringPeer: -1,
		stopCh:         make(chan struct{}),
	}
	f.cond = sync.NewCond(&f.mux)
	now := time.Now()
	for i := range f.peers {
		f.peers[i] = peerStatus{lastHeartbeat: now, isAlive: true}
	}
	return f
}

// index returns the position of node id in the peer table.
func (f *FailureDetector) index(id int) int {
	if id < f.transport.ID() {
		return id
	}
	return id - 1
}

// nodeID returns the node at position i of the peer table.
func (f *FailureDetector) nodeID(i int) int {
	if i < f.transport.ID() {
		return i
	}
	return i + 1
}

// Start launches the heartbeat loop.
func (f *FailureDetector) Start() {
	f.mux.Lock()
	now := time.Now()
	for i := range f.peers {
		f.peers[i].lastHeartbeat = now
	}
	f.mux.Unlock()
	f.metrics.setPeersAlive(len(f.peers))

	f.wg.Add(1)
	go f.loop()
}

// Stop ends the heartbeat loop and releases any client waiting on the
// recovery gate.
func (f *FailureDetector) Stop() {
	f.stopOnce.Do(func() {
		close(f.stopCh)
	})
	f.wg.Wait()
	f.mux.Lock()
	f.stopped = true
	f.blockClientConn = false
	f.recoveryPending = false
	f.cond.Broadcast()
	f.mux.Unlock()
}

func (f *FailureDetector) loop() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.check(time.Now())
			f.transport.Broadcast(Message{Tag: TagFailure, Code: CodePing}, 0, f.transport.ClusterSize(), false)
		}
	}
}

// check runs one pass over the peer table.
func (f *FailureDetector) check(now time.Time) {
	self := f.transport.ID()
	leader := f.election.LeaderNodeID()
	electionNeeded := false
	recoverPeer := -1
	var recoveryID int64
	var done chan struct{}
	pending := false

	f.mux.Lock()
	alive := 0
	for i := range f.peers {
		id := f.nodeID(i)
		st := &f.peers[i]
		elapsed := now.Sub(st.lastHeartbeat)

		switch {
		case st.isAlive && elapsed > f.cfg.HeartbeatTimeout:
			st.isAlive = false
			f.transport.SetNodeStatus(id, false)
			logger.Infof("node %d: peer %d is dead", self, id)
			if id == leader {
				electionNeeded = true
			}
		case !st.isAlive && elapsed < f.cfg.HeartbeatTimeout:
			if recoverPeer != -1 || f.curRecoveryID != -1 || leader != self {
				break
			}
			if f.clientOps > 0 {
				pending = true
				break
			}
			recoverPeer = id
			recoveryID = f.clock.Next()
			done = make(chan struct{})
			f.curRecoveryID = recoveryID
			f.recoveringPeer = id
			f.recoveryDone = done
			f.recoveryDigest = nil
			f.blockClientConn = true
		}
		if st.isAlive {
			alive++
		}
	}
	if pending != f.recoveryPending {
		f.recoveryPending = pending
		if !pending {
			f.cond.Broadcast()
		}
	}
	allDead := len(f.peers) > 0 && alive == 0
	becameIsolated := allDead && !f.isolated
	if allDead {
		f.isolated = true
	}
	f.mux.Unlock()

	f.metrics.setPeersAlive(alive)
	switch {
	case becameIsolated:
		f.election.stepDown()
	case electionNeeded && !allDead:
		logger.Infof("node %d: leader %d is dead, starting election", self, leader)
		f.election.StartElection()
	}
	if recoverPeer != -1 {
		f.wg.Add(1)
		go f.recover(recoverPeer, recoveryID, done)
	}
}

// recover pushes the local log to peer and waits for its STATE_UPDATED.
// Clients stay paused until it returns.
func (f *FailureDetector) recover(peer int, recoveryID int64, done chan struct{}) {
	defer f.wg.Done()
	defer func() {
		f.mux.Lock()
		f.curRecoveryID = -1
		f.recoveringPeer = -1
		f.recoveryDone = nil
		f.recoveryDigest = nil
		f.blockClientConn = false
		f.cond.Broadcast()
		f.mux.Unlock()
	}()

	logger.Infof("node %d: peer %d is back, starting recovery %d", f.transport.ID(), peer, recoveryID)
	bs, err := f.fsm.snapshotBytes()
	if err != nil {
		logger.Errorf("node %d: recovery %d: %s", f.transport.ID(), recoveryID, err)
		f.metrics.recoveryFinished("error")
		return
	}
	digest, err := logDigest(bs)
	if err != nil {
		logger.Errorf("node %d: recovery %d: %s", f.transport.ID(), recoveryID, err)
		f.metrics.recoveryFinished("error")
		return
	}
	f.mux.Lock()
	f.recoveryDigest = digest
	f.mux.Unlock()

	msg, err := newMessage(TagFailure, CodeState, recoveryID, statePayload{State: bs})
	if err != nil {
		logger.Errorf("node %d: encoding STATE: %s", f.transport.ID(), err)
		f.metrics.recoveryFinished("error")
		return
	}
	if err := f.transport.Send(peer, msg); err != nil {
		logger.Errorf("node %d: sending STATE to %d: %s", f.transport.ID(), peer, err)
		f.metrics.recoveryFinished("error")
		return
	}

	timer := time.NewTimer(f.cfg.RecoveryWait)
	defer timer.Stop()
	select {
	case <-done:
		logger.Infof("node %d: recovery %d of peer %d done", f.transport.ID(), recoveryID, peer)
		f.metrics.recoveryFinished("done")
	case <-timer.C:
		logger.Warnf("node %d: recovery %d of peer %d timed out", f.transport.ID(), recoveryID, peer)
		f.metrics.recoveryFinished("timeout")
	case <-f.stopCh:
	}
}

// DisallowRecovery registers a client operation. It waits while a recovery
// push is underway or waiting to start, and no recovery starts until the
// matching AllowRecovery. Operations must be short (one consensus round) so
// a returning peer is never held back for long.
func (f *FailureDetector) DisallowRecovery() {
	f.mux.Lock()
	defer f.mux.Unlock()
	for !f.stopped && (f.blockClientConn || f.recoveryPending) {
		f.cond.Wait()
	}
	f.clientOps++
}

// AllowRecovery ends a client operation started with DisallowRecovery.
func (f *FailureDetector) AllowRecovery() {
	f.mux.Lock()
	defer f.mux.Unlock()
	if f.clientOps > 0 {
		f.clientOps--
	}
}

// IsAlive reports whether peer id is considered alive.
func (f *FailureDetector) IsAlive(id int) bool {
	if id == f.transport.ID() {
		return true
	}
	f.mux.Lock()
	defer f.mux.Unlock()
	return f.peers[f.index(id)].isAlive
}

// Isolated reports whether every peer is considered dead.
func (f *FailureDetector) Isolated() bool {
	f.mux.Lock()
	defer f.mux.Unlock()
	return f.isolated
}

// RecoveryInFlight returns the id of the recovery in flight, or -1.
func (f *FailureDetector) RecoveryInFlight() int64 {
	f.mux.Lock()
	defer f.mux.Unlock()
	return f.curRecoveryID
}

// HandleMessage handles failure detection messages.
func (f *FailureDetector) HandleMessage(src int, msg Message) {
	if src == f.transport.ID() {
		return
	}
	switch msg.Code {
	case CodePing:
		f.mux.Lock()
		f.peers[f.index(src)].lastHeartbeat = time.Now()
		f.mux.Unlock()
	case CodeState:
		f.handleState(src, msg)
	case CodeStateUpdated:
		f.handleStateUpdated(src, msg)
	case CodeRecovered:
		f.handleRecovered(src, msg)
	default:
		logger.Warnf("node %d: unknown failure code %d from %d", f.transport.ID(), msg.Code, src)
	}
}

// handleState replaces the local log with the leader's.
func (f *FailureDetector) handleState(src int, msg Message) {
	var p statePayload
	if err := decodePayload(msg.Payload, &p); err != nil {
		logger.Warnf("node %d: discarding malformed STATE from %d: %s", f.transport.ID(), src, err)
		f.metrics.messageDiscarded(TagFailure)
		return
	}
	if err := f.fsm.restoreBytes(p.State); err != nil {
		logger.Errorf("node %d: restoring log from %d: %s", f.transport.ID(), src, err)
		return
	}
	f.consensus.forgetAccepted()

	restored, err := f.fsm.snapshotBytes()
	if err != nil {
		logger.Errorf("node %d: reading restored log: %s", f.transport.ID(), err)
		return
	}
	digest, err := logDigest(restored)
	if err != nil {
		logger.Errorf("node %d: digest of restored log: %s", f.transport.ID(), err)
		return
	}
	logger.Infof("node %d: log replaced by snapshot %d from %d", f.transport.ID(), msg.RoundID, src)

	reply, err := newMessage(TagFailure, CodeStateUpdated, msg.RoundID, stateUpdatedPayload{Digest: digest})
	if err != nil {
		logger.Errorf("node %d: encoding STATE_UPDATED: %s", f.transport.ID(), err)
		return
	}
	f.transport.Send(src, reply)
}

// handleStateUpdated completes a recovery on the leader.
func (f *FailureDetector) handleStateUpdated(src int, msg Message) {
	var p stateUpdatedPayload
	if err := decodePayload(msg.Payload, &p); err != nil {
		logger.Warnf("node %d: discarding malformed STATE_UPDATED from %d: %s", f.transport.ID(), src, err)
		f.metrics.messageDiscarded(TagFailure)
		return
	}
	if !f.election.IsLeader() {
		return
	}

	f.mux.Lock()
	if msg.RoundID != f.curRecoveryID || src != f.recoveringPeer || f.recoveryDone == nil {
		f.mux.Unlock()
		logger.Debugf("node %d: ignoring STATE_UPDATED %d from %d", f.transport.ID(), msg.RoundID, src)
		return
	}
	if !bytes.Equal(p.Digest, f.recoveryDigest) {
		f.mux.Unlock()
		logger.Warnf("node %d: peer %d restored a different log in recovery %d", f.transport.ID(), src, msg.RoundID)
		return
	}
	done := f.recoveryDone
	f.recoveryDone = nil
	f.mux.Unlock()

	recovered, err := newMessage(TagFailure, CodeRecovered, msg.RoundID, recoveredPayload{NodeID: src})
	if err != nil {
		logger.Errorf("node %d: encoding RECOVERED: %s", f.transport.ID(), err)
		return
	}
	f.transport.Broadcast(recovered, 0, f.transport.ClusterSize(), false)
	f.markAlive(src)
	close(done)
}

func (f *FailureDetector) handleRecovered(src int, msg Message) {
	var p recoveredPayload
	if err := decodePayload(msg.Payload, &p); err != nil {
		logger.Warnf("node %d: discarding malformed RECOVERED from %d: %s", f.transport.ID(), src, err)
		f.metrics.messageDiscarded(TagFailure)
		return
	}
	self := f.transport.ID()
	if p.NodeID < 0 || p.NodeID >= f.transport.ClusterSize() {
		return
	}
	if p.NodeID != self {
		f.markAlive(p.NodeID)
		return
	}

	// this node rejoined the cluster
	f.mux.Lock()
	now := time.Now()
	for i := range f.peers {
		f.peers[i].lastHeartbeat = now
		f.peers[i].isAlive = true
		f.transport.SetNodeStatus(f.nodeID(i), true)
	}
	f.isolated = false
	f.mux.Unlock()
	f.metrics.setPeersAlive(len(f.peers))
	logger.Infof("node %d: rejoined the cluster", self)
	f.election.StartElection()
}

func (f *FailureDetector) markAlive(id int) {
	f.mux.Lock()
	st := &f.peers[f.index(id)]
	st.isAlive = true
	st.lastHeartbeat = time.Now()
	alive := 0
	for _, p := range f.peers {
		if p.isAlive {
			alive++
		}
	}
	f.isolated = false
	f.mux.Unlock()
	f.transport.SetNodeStatus(id, true)
	f.metrics.setPeersAlive(alive)
	logger.Infof("node %d: peer %d is alive", f.transport.ID(), id)
}

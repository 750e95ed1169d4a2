package replog

import (
	"sync"
	"time"
)

// ElectionState is the state of the election component of a node.
type ElectionState int

// Election states.
const (
	Idle ElectionState = iota
	ElectionInProgress
	LeaderKnown
)

func (s ElectionState) String() string {
	switch s {
	case Idle:
		return "idle"
	case ElectionInProgress:
		return "election-in-progress"
	case LeaderKnown:
		return "leader-known"
	default:
		return "unknown"
	}
}

// ElectionManager elects the leader with the Bully algorithm: the live
// node with the highest id always wins.
type ElectionManager struct {
	transport Transport
	cfg       *Config
	metrics   *Metrics

	// advertise is called when this node wins. It returns the client
	// address sent along with VICTORY.
	advertise func() string
	// onChange is called after every VICTORY, sent or received.
	onChange func(leader int, clientAddr string)
	// canLead vetoes a victory, e.g. while the node has no live peer.
	canLead func() bool

	mux             sync.Mutex
	leaderNodeID    int
	aliveReceived   bool
	victoryReceived bool
	start           time.Time
	running         bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewElectionManager returns the election component of a node. No leader
// is known until the first election ends.
func NewElectionManager(cfg *Config, transport Transport, metrics *Metrics) *ElectionManager {
	return &ElectionManager{
		transport:    transport,
		cfg:          cfg,
		metrics:      metrics,
		leaderNodeID: -1,
		stopCh:       make(chan struct{}),
	}
}

// LeaderNodeID returns the current leader, or -1 while it is unknown.
func (e *ElectionManager) LeaderNodeID() int {
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.leaderNodeID
}

// IsLeader reports whether this node is the current leader.
func (e *ElectionManager) IsLeader() bool {
	return e.LeaderNodeID() == e.transport.ID()
}

// State returns the current election state.
func (e *ElectionManager) State() ElectionState {
	e.mux.Lock()
	defer e.mux.Unlock()
	switch {
	case e.running:
		return ElectionInProgress
	case e.leaderNodeID != -1:
		return LeaderKnown
	default:
		return Idle
	}
}

// StartElection starts an election in the background. If one is already
// running, ELECTION is sent again to the higher nodes.
func (e *ElectionManager) StartElection() {
	e.mux.Lock()
	if e.running {
		e.mux.Unlock()
		e.broadcastElection()
		return
	}
	e.running = true
	e.mux.Unlock()

	e.metrics.electionStarted()
	go e.run()
}

func (e *ElectionManager) run() {
	defer func() {
		e.mux.Lock()
		e.running = false
		took := time.Since(e.start)
		leader := e.leaderNodeID
		e.mux.Unlock()
		e.metrics.electionFinished(took)
		logger.Debugf("node %d: election over after %s, leader %d", e.transport.ID(), took, leader)
	}()

	for {
		e.mux.Lock()
		e.aliveReceived = false
		e.victoryReceived = false
		e.start = time.Now()
		prev := e.leaderNodeID
		e.leaderNodeID = -1
		e.mux.Unlock()
		e.metrics.leaderChanged(-1)
		if prev != -1 && e.onChange != nil {
			e.onChange(-1, "")
		}

		logger.Debugf("node %d: starting election", e.transport.ID())
		e.broadcastElection()

		answered, ok := e.waitFor(e.cfg.ElectionWait, func() bool {
			return e.aliveReceived || e.victoryReceived
		})
		if !ok {
			return
		}
		if !answered {
			e.declareVictory()
			return
		}

		// a higher node is alive, it should win
		won, ok := e.waitFor(e.cfg.VictoryWait, func() bool {
			return e.victoryReceived
		})
		if !ok || won {
			return
		}
		logger.Infof("node %d: no VICTORY after ALIVE, restarting election", e.transport.ID())
	}
}

// waitFor polls cond, called with e.mux held, until it holds or wait
// elapses. ok is false if the component was stopped.
func (e *ElectionManager) waitFor(wait time.Duration, cond func() bool) (met bool, ok bool) {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		e.mux.Lock()
		met = cond()
		e.mux.Unlock()
		if met {
			return true, true
		}
		if time.Now().After(deadline) {
			return false, true
		}
		select {
		case <-e.stopCh:
			return false, false
		case <-ticker.C:
		}
	}
}

func (e *ElectionManager) broadcastElection() {
	msg := Message{Tag: TagElection, Code: CodeElection}
	e.transport.Broadcast(msg, e.transport.ID()+1, e.transport.ClusterSize(), false)
}

func (e *ElectionManager) declareVictory() {
	e.mux.Lock()
	if e.victoryReceived {
		e.mux.Unlock()
		return
	}
	e.mux.Unlock()
	if e.canLead != nil && !e.canLead() {
		logger.Infof("node %d: no live peer, not declaring victory", e.transport.ID())
		return
	}

	addr := ""
	if e.advertise != nil {
		addr = e.advertise()
	}
	msg, err := newMessage(TagElection, CodeVictory, 0, victoryPayload{ClientAddr: addr})
	if err != nil {
		logger.Errorf("node %d: encoding VICTORY: %s", e.transport.ID(), err)
		return
	}
	logger.Infof("node %d: declaring victory", e.transport.ID())
	e.transport.Broadcast(msg, 0, e.transport.ClusterSize(), false)
	e.setLeader(e.transport.ID(), addr)
}

func (e *ElectionManager) setLeader(leader int, addr string) {
	e.mux.Lock()
	changed := e.leaderNodeID != leader
	e.leaderNodeID = leader
	e.victoryReceived = true
	e.mux.Unlock()

	e.metrics.leaderChanged(leader)
	if changed {
		logger.Infof("node %d: leader is %d", e.transport.ID(), leader)
	}
	if e.onChange != nil {
		e.onChange(leader, addr)
	}
}

// stepDown forgets the leader without starting an election. A node that
// lost every peer uses it so it never acts as leader while isolated.
func (e *ElectionManager) stepDown() {
	e.mux.Lock()
	was := e.leaderNodeID
	e.leaderNodeID = -1
	e.mux.Unlock()
	if was == -1 {
		return
	}
	e.metrics.leaderChanged(-1)
	logger.Infof("node %d: isolated, forgetting leader %d", e.transport.ID(), was)
	if e.onChange != nil {
		e.onChange(-1, "")
	}
}

// Stop ends a running election.
func (e *ElectionManager) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})
}

// HandleMessage handles election messages.
func (e *ElectionManager) HandleMessage(src int, msg Message) {
	self := e.transport.ID()
	switch msg.Code {
	case CodeElection:
		if src >= self {
			return
		}
		e.transport.Send(src, Message{Tag: TagElection, Code: CodeAlive})
		e.StartElection()
	case CodeAlive:
		if src <= self {
			return
		}
		e.mux.Lock()
		e.aliveReceived = true
		e.mux.Unlock()
	case CodeVictory:
		var p victoryPayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			logger.Warnf("node %d: discarding malformed VICTORY from %d: %s", self, src, err)
			e.metrics.messageDiscarded(TagElection)
			return
		}
		e.setLeader(src, p.ClientAddr)
	default:
		logger.Warnf("node %d: unknown election code %d from %d", self, msg.Code, src)
	}
}

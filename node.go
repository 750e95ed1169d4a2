package replog

import (
	"context"
	"fmt"
	"sync"

	multiaddr "github.com/multiformats/go-multiaddr"
)

// Node is one member of a replicated log cluster. It owns the components
// and routes every message tag to one of them.
type Node struct {
	cfg       *Config
	transport Transport

	store     LogStore
	fsm       *FSM
	clock     *roundClock
	metrics   *Metrics
	directory *Directory
	registry  *Registry

	consensus *ConsensusManager
	election  *ElectionManager
	failure   *FailureDetector
	clients   *ClientManager
	repl      *ReplManager

	actor *Actor
	opLog *OpLog

	clientServer *ClientServer
	admin        *AdminServer

	shutdownLock sync.Mutex
	started      bool
	shutdown     bool
}

// NewNode returns a node using transport, keeping its log in a file under
// cfg.LogDir. The transport is not closed by the node.
func NewNode(cfg *Config, transport Transport) (*Node, error) {
	store, err := NewFileLogStore(cfg.LogDir, cfg.ID)
	if err != nil {
		return nil, err
	}
	return NewNodeWithStore(cfg, transport, store)
}

// NewNodeWithStore returns a node keeping its log in store.
func NewNodeWithStore(cfg *Config, transport Transport, store LogStore) (*Node, error) {
	if err := cfg.Validate(transport.ClusterSize()); err != nil {
		return nil, err
	}
	if cfg.ID != transport.ID() {
		return nil, fmt.Errorf("config is for node %d but transport is node %d", cfg.ID, transport.ID())
	}

	n := &Node{
		cfg:       cfg,
		transport: transport,
		store:     store,
		fsm:       NewFSM(store),
		clock:     newRoundClock(cfg.ID, transport.ClusterSize()),
		metrics:   NewMetrics(cfg.ID),
		directory: NewDirectory(),
		registry:  NewRegistry(transport),
	}
	n.consensus = NewConsensusManager(cfg, transport, n.fsm, n.clock, n.metrics)
	n.election = NewElectionManager(cfg, transport, n.metrics)
	n.failure = NewFailureDetector(cfg, transport, n.election, n.consensus, n.fsm, n.clock, n.metrics)
	n.consensus.gate = n.failure
	n.actor = NewActor(n)
	n.opLog = NewOpLog(n.fsm)
	n.opLog.SetActor(n.actor)
	n.clients = NewClientManager(cfg, transport, n.actor, n.election, n.directory, n.metrics)
	n.repl = NewReplManager(cfg, transport, n.registry, n.election)
	if cfg.ClientListen != "" {
		n.clientServer = NewClientServer(cfg.ClientListen, n.actor, n.directory)
	}

	n.election.advertise = n.advertise
	n.election.onChange = n.leaderChanged
	n.election.canLead = func() bool { return !n.failure.Isolated() }

	n.registry.Register(TagElection, n.election)
	n.registry.Register(TagConsensus, n.consensus)
	n.registry.Register(TagRepl, n.repl)
	n.registry.Register(TagFailure, n.failure)
	n.registry.Register(TagClient, n.clients)
	return n, nil
}

// Start launches the receive loops, the failure detector and the admin
// endpoint. No election is held until StartElection or a START message.
func (n *Node) Start() error {
	n.shutdownLock.Lock()
	defer n.shutdownLock.Unlock()
	if n.shutdown {
		return ErrTransportShutdown
	}
	if n.started {
		return nil
	}
	if n.cfg.AdminListen != "" {
		admin, err := NewAdminServer(n, n.cfg.AdminListen)
		if err != nil {
			return err
		}
		n.admin = admin
	}
	n.registry.Start()
	n.failure.Start()
	n.started = true
	logger.Infof("node %d: started in a cluster of %d", n.ID(), n.transport.ClusterSize())
	return nil
}

// Stop shuts the node down. It does not close the transport.
func (n *Node) Stop() error {
	n.shutdownLock.Lock()
	defer n.shutdownLock.Unlock()
	if n.shutdown {
		return nil
	}
	n.shutdown = true

	if n.clientServer != nil {
		n.clientServer.Disable()
	}
	if n.admin != nil {
		n.admin.Close()
	}
	n.election.Stop()
	n.failure.Stop()
	// no client message may be handled once the client manager waits
	n.registry.Stop()
	n.clients.Stop()
	return n.directory.Close()
}

// advertise runs when this node wins an election. It enables the client
// server and returns its address.
func (n *Node) advertise() string {
	if n.clientServer == nil {
		return ""
	}
	n.shutdownLock.Lock()
	down := n.shutdown
	n.shutdownLock.Unlock()
	if down {
		return ""
	}
	addr, err := n.clientServer.Enable()
	if err != nil {
		logger.Errorf("node %d: enabling client server: %s", n.ID(), err)
		return ""
	}
	return addr
}

func (n *Node) leaderChanged(leader int, clientAddr string) {
	if leader == n.ID() {
		return
	}
	if n.clientServer != nil {
		n.clientServer.Disable()
	}
	var err error
	if leader == -1 || clientAddr == "" {
		err = n.directory.Unpublish(ServerName)
	} else {
		err = n.directory.Publish(ServerName, clientAddr)
	}
	if err != nil {
		logger.Errorf("node %d: updating %s: %s", n.ID(), ServerName, err)
	}
}

// ID returns the id of the node.
func (n *Node) ID() int {
	return n.cfg.ID
}

// LeaderNodeID returns the leader known to this node, or -1.
func (n *Node) LeaderNodeID() int {
	return n.election.LeaderNodeID()
}

// IsLeader reports whether this node is the leader.
func (n *Node) IsLeader() bool {
	return n.election.IsLeader()
}

// ElectionState returns the state of the election component.
func (n *Node) ElectionState() ElectionState {
	return n.election.State()
}

// StartElection starts an election without waiting for it to end.
func (n *Node) StartElection() {
	n.election.StartElection()
}

// Replicate gets value into the log of the cluster, forwarding it to the
// leader when this node is not.
func (n *Node) Replicate(ctx context.Context, value string) error {
	return n.clients.Replicate(ctx, value)
}

// SendHarness sends a harness command to node dst, which may be this node.
func (n *Node) SendHarness(dst int, code Code) error {
	return n.transport.Send(dst, Message{Tag: TagRepl, Code: code})
}

// Entries returns the local log.
func (n *Node) Entries() ([]string, error) {
	return n.fsm.Entries()
}

// IsAlive reports whether this node considers peer id alive.
func (n *Node) IsAlive(id int) bool {
	return n.failure.IsAlive(id)
}

// OpLog returns the go-libp2p-consensus view of the log.
func (n *Node) OpLog() *OpLog {
	return n.opLog
}

// Actor returns the actor submitting values through this node.
func (n *Node) Actor() *Actor {
	return n.actor
}

// Metrics returns the collectors of the node.
func (n *Node) Metrics() *Metrics {
	return n.metrics
}

// Directory returns the service directory of the node.
func (n *Node) Directory() *Directory {
	return n.directory
}

// ClientAddr returns the address of the client server when this node is
// serving it, or "".
func (n *Node) ClientAddr() string {
	if n.clientServer == nil {
		return ""
	}
	return n.clientServer.Addr()
}

// AdminAddr returns the address of the admin endpoint, or nil if it is
// disabled.
func (n *Node) AdminAddr() multiaddr.Multiaddr {
	if n.admin == nil {
		return nil
	}
	return n.admin.Addr()
}

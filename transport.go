package replog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/peerstore"
	"github.com/libp2p/go-libp2p-core/protocol"
	gostream "github.com/libp2p/go-libp2p-gostream"
	"github.com/ugorji/go/codec"
)

// ReplogProtocol is the protocol used for node to node messages.
const ReplogProtocol protocol.ID = "/replog/0.0.1/msg"

// MailboxSize is how many messages can be queued per tag before new ones
// are discarded.
var MailboxSize = 4096

var (
	// ErrTransportShutdown is returned when operations on a transport are
	// invoked after it's been terminated.
	ErrTransportShutdown = errors.New("transport shutdown")

	// ErrUnknownPeer is returned when sending to an id outside the cluster.
	ErrUnknownPeer = errors.New("unknown peer")
)

// Transport moves messages between the nodes of the cluster. Sends are best
// effort: messages whose tag is not TagFailure are silently dropped when the
// destination (or, on receipt, the source) is marked dead.
type Transport interface {
	// ID is the id of the local node.
	ID() int
	// ClusterSize is the number of nodes in the cluster.
	ClusterSize() int
	// Send sends msg to dst.
	Send(dst int, msg Message) error
	// Broadcast sends msg to every node in [start, end), skipping the
	// local node unless includeSelf is set.
	Broadcast(msg Message, start, end int, includeSelf bool)
	// Receive blocks until a message with the given tag arrives.
	Receive(tag Tag) (src int, msg Message, err error)
	// TryReceive returns a pending message with the given tag, if any.
	TryReceive(tag Tag) (src int, msg Message, ok bool)
	// SetNodeStatus toggles the drop filter for a peer.
	SetNodeStatus(peer int, alive bool)
	// SetCrashed makes the node drop all traffic except harness messages.
	SetCrashed(crashed bool)
	// Close terminates the transport.
	Close() error
}

type envelope struct {
	src int
	msg Message
}

// mailbox holds the per-tag queues and the liveness filter shared by all
// transport implementations.
type mailbox struct {
	self int
	size int

	queues []chan envelope

	mu      sync.RWMutex
	alive   []bool
	crashed bool

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
}

func newMailbox(self, size int) *mailbox {
	m := &mailbox{
		self:       self,
		size:       size,
		queues:     make([]chan envelope, numTags),
		alive:      make([]bool, size),
		shutdownCh: make(chan struct{}),
	}
	for i := range m.queues {
		m.queues[i] = make(chan envelope, MailboxSize)
	}
	for i := range m.alive {
		m.alive[i] = true
	}
	return m
}

func (m *mailbox) ID() int {
	return m.self
}

func (m *mailbox) ClusterSize() int {
	return m.size
}

// admit reports whether traffic with the given peer and tag passes the
// filter.
func (m *mailbox) admit(peer int, tag Tag) bool {
	if peer == m.self {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.crashed {
		return tag == TagRepl
	}
	if tag == TagFailure {
		return true
	}
	return m.alive[peer]
}

// deliver queues an incoming message.
func (m *mailbox) deliver(src int, msg Message) {
	if src < 0 || src >= m.size {
		logger.Warnf("node %d: dropping message from unknown node %d", m.self, src)
		return
	}
	if int(msg.Tag) < 0 || int(msg.Tag) >= numTags {
		logger.Warnf("node %d: dropping message with unknown tag %d", m.self, msg.Tag)
		return
	}
	if !m.admit(src, msg.Tag) {
		return
	}
	select {
	case m.queues[msg.Tag] <- envelope{src: src, msg: msg}:
	case <-m.shutdownCh:
	default:
		logger.Errorf("node %d: %s mailbox is full. Discarding message!", m.self, msg.Tag)
	}
}

func (m *mailbox) Receive(tag Tag) (int, Message, error) {
	select {
	case env := <-m.queues[tag]:
		return env.src, env.msg, nil
	case <-m.shutdownCh:
		return -1, Message{}, ErrTransportShutdown
	}
}

func (m *mailbox) TryReceive(tag Tag) (int, Message, bool) {
	select {
	case env := <-m.queues[tag]:
		return env.src, env.msg, true
	default:
		return -1, Message{}, false
	}
}

func (m *mailbox) SetNodeStatus(peer int, alive bool) {
	if peer < 0 || peer >= m.size || peer == m.self {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alive[peer] = alive
}

func (m *mailbox) SetCrashed(crashed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.crashed = crashed
}

func (m *mailbox) close() {
	m.shutdownLock.Lock()
	defer m.shutdownLock.Unlock()

	if !m.shutdown {
		close(m.shutdownCh)
		m.shutdown = true
	}
}

func (m *mailbox) isShutdown() bool {
	select {
	case <-m.shutdownCh:
		return true
	default:
		return false
	}
}

// broadcast implements Transport.Broadcast in terms of a send function.
func broadcast(send func(int, Message) error, self int, msg Message, start, end int, includeSelf bool) {
	for dst := start; dst < end; dst++ {
		if dst == self && !includeSelf {
			continue
		}
		if err := send(dst, msg); err != nil {
			logger.Debugf("node %d: broadcast to %d: %s", self, dst, err)
		}
	}
}

// Libp2pTransport implements Transport using libp2p streams opened through
// go-libp2p-gostream. Every node keeps one long lived outbound stream per
// peer and reads frames from every inbound stream. Peers are identified by
// their position in the cluster list.
type Libp2pTransport struct {
	*mailbox

	host  host.Host
	ctx   context.Context
	peers []*Peer

	listener net.Listener

	connsLock sync.Mutex
	conns     map[int]*streamWrap
}

// streamWrap wraps a stream connection. We encode/decode whenever we
// write/read from it, so we can just carry the encoders and bufios with us.
type streamWrap struct {
	conn net.Conn
	enc  *codec.Encoder
	dec  *codec.Decoder
	w    *bufio.Writer
	r    *bufio.Reader

	mux sync.Mutex
}

// wrapStream takes a connection and complements it with r/w bufios and
// decoder/encoder.
func wrapStream(c net.Conn) *streamWrap {
	reader := bufio.NewReader(c)
	writer := bufio.NewWriter(c)
	return &streamWrap{
		conn: c,
		r:    reader,
		w:    writer,
		enc:  codec.NewEncoder(writer, msgpackHandle),
		dec:  codec.NewDecoder(reader, msgpackHandle),
	}
}

// writeFrame encodes a frame and flushes it to the stream.
func (sw *streamWrap) writeFrame(f wireFrame) error {
	sw.mux.Lock()
	defer sw.mux.Unlock()
	if err := sw.enc.Encode(f); err != nil {
		return err
	}
	return sw.w.Flush()
}

// NewLibp2pTransport returns a transport for the node at position self in
// cluster. The addresses of the other peers are added to the host's
// peerstore and the peers are tagged in the connection manager so their
// connections are kept. Streams are opened on demand.
func NewLibp2pTransport(h host.Host, self int, cluster []*Peer) (*Libp2pTransport, error) {
	if self < 0 || self >= len(cluster) {
		return nil, fmt.Errorf("node id %d outside cluster of %d: %w", self, len(cluster), ErrUnknownPeer)
	}
	if cluster[self].ID != h.ID() {
		return nil, fmt.Errorf("host %s is not cluster member %d (%s)", h.ID(), self, cluster[self].ID)
	}

	listener, err := gostream.Listen(h, ReplogProtocol)
	if err != nil {
		return nil, err
	}

	t := &Libp2pTransport{
		mailbox:  newMailbox(self, len(cluster)),
		host:     h,
		ctx:      context.Background(),
		peers:    cluster,
		listener: listener,
		conns:    make(map[int]*streamWrap),
	}

	for i, p := range cluster {
		if i == self {
			continue
		}
		h.Peerstore().AddAddrs(p.ID, p.Addrs, peerstore.PermanentAddrTTL)
		h.ConnManager().TagPeer(p.ID, "replog-cluster", 100)
	}

	go t.acceptLoop()
	return t, nil
}

// Host returns the libp2p host used by this transport.
func (t *Libp2pTransport) Host() host.Host {
	return t.host
}

func (t *Libp2pTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if !t.isShutdown() {
				logger.Errorf("node %d: accept: %s", t.self, err)
			}
			return
		}
		go t.streamHandler(wrapStream(conn))
	}
}

// streamHandler reads frames from an inbound stream until it is closed and
// places them in the mailbox.
func (t *Libp2pTransport) streamHandler(wrap *streamWrap) {
	defer wrap.conn.Close()
	for {
		var f wireFrame
		err := wrap.dec.Decode(&f)
		if err == io.EOF {
			return
		}
		if err != nil {
			if !t.isShutdown() {
				logger.Warnf("node %d: error decoding frame: %s", t.self, err)
			}
			return
		}
		t.deliver(f.From, f.Msg)
	}
}

// stream returns the outbound stream to dst, dialing it if needed.
func (t *Libp2pTransport) stream(dst int) (*streamWrap, error) {
	t.connsLock.Lock()
	defer t.connsLock.Unlock()
	if sw, ok := t.conns[dst]; ok {
		return sw, nil
	}
	conn, err := gostream.Dial(t.ctx, t.host, t.peers[dst].ID, ReplogProtocol)
	if err != nil {
		return nil, err
	}
	sw := wrapStream(conn)
	t.conns[dst] = sw
	return sw, nil
}

func (t *Libp2pTransport) dropStream(dst int, sw *streamWrap) {
	t.connsLock.Lock()
	defer t.connsLock.Unlock()
	if t.conns[dst] == sw {
		delete(t.conns, dst)
	}
	sw.conn.Close()
}

// Send sends msg to dst. Messages to the local node never touch the network.
// A failed write drops the stream and retries once on a fresh one.
func (t *Libp2pTransport) Send(dst int, msg Message) error {
	if t.isShutdown() {
		return ErrTransportShutdown
	}
	if dst < 0 || dst >= t.size {
		return ErrUnknownPeer
	}
	if !t.admit(dst, msg.Tag) {
		return nil
	}
	if dst == t.self {
		t.deliver(t.self, msg)
		return nil
	}

	frame := wireFrame{From: t.self, Msg: msg}
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var sw *streamWrap
		sw, err = t.stream(dst)
		if err != nil {
			continue
		}
		if err = sw.writeFrame(frame); err == nil {
			return nil
		}
		t.dropStream(dst, sw)
	}
	return err
}

// Broadcast sends msg to the nodes in [start, end).
func (t *Libp2pTransport) Broadcast(msg Message, start, end int, includeSelf bool) {
	broadcast(t.Send, t.self, msg, start, end, includeSelf)
}

// OpenConns opens connections to all cluster peers. It is not necessary
// to use it, as streams are opened on demand, but it is useful to check
// connectivity before starting a node.
func (t *Libp2pTransport) OpenConns() error {
	for i, p := range t.peers {
		if i == t.self {
			continue
		}
		pinfo := t.host.Peerstore().PeerInfo(p.ID)
		if err := t.host.Connect(t.ctx, pinfo); err != nil {
			logger.Errorf("node %d: error opening connection: %s", t.self, err)
			return err
		}
	}
	return nil
}

// PeerIndex returns the cluster position of a libp2p peer.
func (t *Libp2pTransport) PeerIndex(id peer.ID) (int, error) {
	for i, p := range t.peers {
		if p.ID == id {
			return i, nil
		}
	}
	return -1, ErrUnknownPeer
}

// Close terminates the transport. It does not close the host.
func (t *Libp2pTransport) Close() error {
	t.mailbox.close()
	err := t.listener.Close()

	t.connsLock.Lock()
	defer t.connsLock.Unlock()
	for dst, sw := range t.conns {
		sw.conn.Close()
		delete(t.conns, dst)
	}
	return err
}

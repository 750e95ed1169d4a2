package replog

import (
	"sync"
)

// Network is an in-process network connecting a fixed number of
// MemTransports. Frames are serialized on send so that nodes never share
// message buffers, as they would not over a real network.
type Network struct {
	mu    sync.RWMutex
	nodes []*MemTransport
}

// NewNetwork returns a network with one transport per node id.
func NewNetwork(size int) *Network {
	n := &Network{nodes: make([]*MemTransport, size)}
	for i := range n.nodes {
		n.nodes[i] = &MemTransport{
			mailbox: newMailbox(i, size),
			net:     n,
		}
	}
	return n
}

// Transport returns the transport of node id.
func (n *Network) Transport(id int) *MemTransport {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.nodes[id]
}

// Inject delivers msg to dst as if it had been sent by src, bypassing the
// sender's filter. Tests and harness drivers use it to script scenarios.
func (n *Network) Inject(src, dst int, msg Message) {
	n.Transport(dst).receiveFrame(src, msg)
}

// MemTransport is the Transport of a node attached to a Network.
type MemTransport struct {
	*mailbox
	net *Network
}

func (t *MemTransport) receiveFrame(src int, msg Message) {
	bs, err := encodeFrame(wireFrame{From: src, Msg: msg})
	if err != nil {
		logger.Errorf("node %d: error encoding frame: %s", src, err)
		return
	}
	f, err := decodeFrame(bs)
	if err != nil {
		logger.Errorf("node %d: error decoding frame: %s", t.self, err)
		return
	}
	t.deliver(f.From, f.Msg)
}

// Send sends msg to dst through the network.
func (t *MemTransport) Send(dst int, msg Message) error {
	if t.isShutdown() {
		return ErrTransportShutdown
	}
	if dst < 0 || dst >= t.size {
		return ErrUnknownPeer
	}
	if !t.admit(dst, msg.Tag) {
		return nil
	}
	t.net.Transport(dst).receiveFrame(t.self, msg)
	return nil
}

// Broadcast sends msg to the nodes in [start, end).
func (t *MemTransport) Broadcast(msg Message, start, end int, includeSelf bool) {
	broadcast(t.Send, t.self, msg, start, end, includeSelf)
}

// Close terminates the transport. Messages sent to a closed transport are
// discarded.
func (t *MemTransport) Close() error {
	t.mailbox.close()
	return nil
}

package replog

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p"
	connmgr "github.com/libp2p/go-libp2p-connmgr"
	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/peer"
	multiaddr "github.com/multiformats/go-multiaddr"
)

// Peer is a container for information related to libp2p nodes so
// that they can be described consistently across replog.
type Peer struct {
	ID    peer.ID
	Addrs []multiaddr.Multiaddr
}

// NewPeer returns a pointer to a new peer.
func NewPeer(id peer.ID, addrs []multiaddr.Multiaddr) *Peer {
	return &Peer{
		ID:    id,
		Addrs: addrs,
	}
}

// NewPeerFromMultiaddress takes a multiaddress and creates a new
// peer.
//
// For example: with an address /ip4/1.2.3.5/tcp/2222/p2p/ABCDE will create
// a peer with ID=ABCDE and Addrs=[/ip4/1.2.3.5/tcp/2222].
func NewPeerFromMultiaddress(addr multiaddr.Multiaddr) (*Peer, error) {
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return nil, err
	}
	return &Peer{
		ID:    info.ID,
		Addrs: info.Addrs,
	}, nil
}

// ParsePeers parses a list of /p2p multiaddresses. The position of every
// address in the list is the node id of that peer.
func ParsePeers(addrs []string) ([]*Peer, error) {
	peers := make([]*Peer, 0, len(addrs))
	for _, a := range addrs {
		maddr, err := multiaddr.NewMultiaddr(strings.TrimSpace(a))
		if err != nil {
			return nil, fmt.Errorf("parsing %q: %w", a, err)
		}
		p, err := NewPeerFromMultiaddress(maddr)
		if err != nil {
			return nil, fmt.Errorf("parsing %q: %w", a, err)
		}
		peers = append(peers, p)
	}
	return peers, nil
}

// PeerFromHost describes a running host as a Peer.
func PeerFromHost(h host.Host) *Peer {
	return NewPeer(h.ID(), h.Addrs())
}

// GenerateKey returns a new Ed25519 private key and its base64 encoding, the
// format expected by DecodeKey.
func GenerateKey() (crypto.PrivKey, string, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, "", err
	}
	bs, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, "", err
	}
	return priv, base64.StdEncoding.EncodeToString(bs), nil
}

// DecodeKey decodes a base64 encoded libp2p private key.
func DecodeKey(keyb64 string) (crypto.PrivKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(keyb64)
	if err != nil {
		return nil, err
	}
	return crypto.UnmarshalPrivateKey(decoded)
}

// NewHost creates the libp2p host of a node. Cluster peers get tagged by the
// transport so the connection manager keeps their connections.
func NewHost(ctx context.Context, priv crypto.PrivKey, listen ...multiaddr.Multiaddr) (host.Host, error) {
	connman := connmgr.NewConnManager(100, 400, time.Minute)
	opts := []libp2p.Option{
		libp2p.ListenAddrs(listen...),
		libp2p.ConnectionManager(connman),
	}
	if priv != nil {
		opts = append(opts, libp2p.Identity(priv))
	}
	return libp2p.New(ctx, opts...)
}

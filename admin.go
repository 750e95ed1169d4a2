package replog

import (
	"context"
	"net/http"
	"time"

	multiaddr "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ugorji/go/codec"
)

var jsonHandle = &codec.JsonHandle{}

// LeaderInfo is the answer of GET /leader.
type LeaderInfo struct {
	Node       int    `codec:"node"`
	Leader     int    `codec:"leader"`
	ClientAddr string `codec:"client_addr"`
}

// AdminServer serves the state of a node over HTTP on every node:
//
//	GET /leader    LeaderInfo as JSON
//	GET /log       the log, one value per line
//	GET /metrics   prometheus metrics
type AdminServer struct {
	node     *Node
	server   *http.Server
	listener manet.Listener
}

// NewAdminServer starts the admin endpoint of n on the listen
// multiaddress.
func NewAdminServer(n *Node, listen string) (*AdminServer, error) {
	maddr, err := multiaddr.NewMultiaddr(listen)
	if err != nil {
		return nil, err
	}
	l, err := manet.Listen(maddr)
	if err != nil {
		return nil, err
	}

	a := &AdminServer{node: n, listener: l}
	mux := http.NewServeMux()
	mux.HandleFunc("/leader", a.handleLeader)
	mux.HandleFunc("/log", a.handleLog)
	mux.Handle("/metrics", promhttp.HandlerFor(n.metrics.Registry, promhttp.HandlerOpts{}))
	a.server = &http.Server{Handler: mux}

	go func() {
		if err := a.server.Serve(manet.NetListener(l)); err != nil && err != http.ErrServerClosed {
			logger.Errorf("admin server: %s", err)
		}
	}()
	logger.Infof("node %d: admin endpoint on %s", n.ID(), l.Multiaddr())
	return a, nil
}

// Addr returns the multiaddress the admin endpoint listens on.
func (a *AdminServer) Addr() multiaddr.Multiaddr {
	return a.listener.Multiaddr()
}

// Close stops the admin endpoint.
func (a *AdminServer) Close() error {
	return a.server.Close()
}

func (a *AdminServer) handleLeader(w http.ResponseWriter, r *http.Request) {
	info := LeaderInfo{Node: a.node.ID(), Leader: a.node.LeaderNodeID()}
	addr, err := a.node.directory.Lookup(ServerName)
	if err == ErrNotPublished && info.Leader != -1 && info.Leader != info.Node {
		// the VICTORY was missed, ask the leader itself
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		addr, err = a.node.clients.RequestPort(ctx, info.Leader)
		cancel()
		if err == nil {
			a.node.directory.Publish(ServerName, addr)
		}
	}
	if err == nil {
		info.ClientAddr = addr
	}

	var out []byte
	if err := codec.NewEncoderBytes(&out, jsonHandle).Encode(info); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(append(out, '\n'))
}

func (a *AdminServer) handleLog(w http.ResponseWriter, r *http.Request) {
	entries, err := a.node.fsm.Entries()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(joinEntries(entries))
}

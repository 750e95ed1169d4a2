package replog

import (
	"context"
	"errors"
	"io/ioutil"
	"net/http"
	"strings"
	"sync"

	multiaddr "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// MaxValueSize bounds the body of a replicate request.
var MaxValueSize int64 = 1 << 20

// ClientServer is the HTTP endpoint clients send values to. Only the
// leader serves it: it is enabled when the node wins an election and
// disabled when another node does.
//
//	POST /replicate   body is the value; 200 once it is committed
type ClientServer struct {
	listen    string
	actor     *Actor
	directory *Directory

	mux      sync.Mutex
	server   *http.Server
	listener manet.Listener
	addr     string
}

// NewClientServer returns a disabled client server that will listen on the
// listen multiaddress.
func NewClientServer(listen string, actor *Actor, directory *Directory) *ClientServer {
	return &ClientServer{
		listen:    listen,
		actor:     actor,
		directory: directory,
	}
}

// Enable starts serving, if not already, and publishes the address under
// ServerName. It returns the multiaddress the server listens on.
func (s *ClientServer) Enable() (string, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.server != nil {
		return s.addr, nil
	}

	maddr, err := multiaddr.NewMultiaddr(s.listen)
	if err != nil {
		return "", err
	}
	l, err := manet.Listen(maddr)
	if err != nil {
		return "", err
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/replicate", s.handleReplicate)
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(manet.NetListener(l)); err != nil && err != http.ErrServerClosed {
			logger.Errorf("client server: %s", err)
		}
	}()

	s.server = srv
	s.listener = l
	s.addr = l.Multiaddr().String()
	if err := s.directory.Publish(ServerName, s.addr); err != nil {
		logger.Errorf("publishing %s: %s", ServerName, err)
	}
	logger.Infof("serving clients on %s", s.addr)
	return s.addr, nil
}

// Disable stops serving. The directory entry is left to the caller, which
// knows the address of the new leader.
func (s *ClientServer) Disable() {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.server == nil {
		return
	}
	if err := s.server.Close(); err != nil {
		logger.Debugf("closing client server: %s", err)
	}
	logger.Infof("stopped serving clients on %s", s.addr)
	s.server = nil
	s.listener = nil
	s.addr = ""
}

// Addr returns the address being served, or "" when disabled.
func (s *ClientServer) Addr() string {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.addr
}

func (s *ClientServer) handleReplicate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := ioutil.ReadAll(http.MaxBytesReader(w, r.Body, MaxValueSize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	value := strings.TrimSuffix(string(body), "\n")

	_, err = s.actor.SetStateContext(r.Context(), AppendOp{Value: value})
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("SUCCESS\n"))
	case errors.Is(err, ErrInvalidValue):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrNotLeader):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

package replog

import (
	"sync"
	"time"
)

// Handler handles the messages of one tag. HandleMessage runs on the tag's
// receive loop; handlers that need to block must spawn a goroutine.
type Handler interface {
	HandleMessage(src int, msg Message)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(src int, msg Message)

// HandleMessage calls f(src, msg).
func (f HandlerFunc) HandleMessage(src int, msg Message) {
	f(src, msg)
}

// Registry owns one receive loop per registered tag and routes every
// message to the handler of its tag.
type Registry struct {
	transport Transport
	handlers  map[Tag]Handler

	delayMux sync.Mutex
	delay    time.Duration

	wg      sync.WaitGroup
	running bool
	mux     sync.Mutex
}

// NewRegistry returns an empty registry reading from transport.
func NewRegistry(transport Transport) *Registry {
	return &Registry{
		transport: transport,
		handlers:  make(map[Tag]Handler),
	}
}

// Register sets the handler of tag. It must be called before Start.
func (r *Registry) Register(tag Tag, h Handler) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.handlers[tag] = h
}

// SetDelay makes every handler wait d before handling a message. Harness
// messages are never delayed.
func (r *Registry) SetDelay(d time.Duration) {
	r.delayMux.Lock()
	defer r.delayMux.Unlock()
	r.delay = d
}

func (r *Registry) currentDelay() time.Duration {
	r.delayMux.Lock()
	defer r.delayMux.Unlock()
	return r.delay
}

// Start launches the receive loops.
func (r *Registry) Start() {
	r.mux.Lock()
	defer r.mux.Unlock()
	if r.running {
		return
	}
	r.running = true
	for tag, h := range r.handlers {
		r.wg.Add(1)
		go r.receiveLoop(tag, h)
	}
}

func (r *Registry) receiveLoop(tag Tag, h Handler) {
	defer r.wg.Done()
	for {
		src, msg, err := r.transport.Receive(tag)
		if err != nil {
			logger.Debugf("node %d: %s receive loop: %s", r.transport.ID(), tag, err)
			return
		}
		// code 0 is SHUTDOWN for all message tags
		if msg.Code == CodeShutdown {
			if src == r.transport.ID() {
				return
			}
			continue
		}
		if tag != TagRepl {
			if d := r.currentDelay(); d > 0 {
				time.Sleep(d)
			}
		}
		h.HandleMessage(src, msg)
	}
}

// Stop sends a SHUTDOWN message to every receive loop through the local
// node and waits for the loops to return.
func (r *Registry) Stop() {
	r.mux.Lock()
	if !r.running {
		r.mux.Unlock()
		return
	}
	r.running = false
	for tag := range r.handlers {
		msg := Message{Tag: tag, Code: CodeShutdown}
		if err := r.transport.Send(r.transport.ID(), msg); err != nil {
			logger.Debugf("node %d: stopping %s loop: %s", r.transport.ID(), tag, err)
		}
	}
	r.mux.Unlock()
	r.wg.Wait()
}

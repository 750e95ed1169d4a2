package replog

import "sync"

// roundClock generates round ids that are unique across the cluster and
// strictly increasing on every node. An id is counter*clusterSize + nodeID,
// so ids from different nodes never collide and the counter half orders
// them. Observing a foreign id moves the counter past it.
type roundClock struct {
	mu      sync.Mutex
	self    int
	size    int
	counter int64
}

func newRoundClock(self, size int) *roundClock {
	return &roundClock{self: self, size: size}
}

// Next returns a fresh id, greater than every id generated or observed so
// far.
func (c *roundClock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	return c.counter*int64(c.size) + int64(c.self)
}

// Observe records an id seen in a message.
func (c *roundClock) Observe(id int64) {
	if id < 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := id / int64(c.size); n > c.counter {
		c.counter = n
	}
}

// nodeOf returns the node that generated id.
func (c *roundClock) nodeOf(id int64) int {
	return int(id % int64(c.size))
}

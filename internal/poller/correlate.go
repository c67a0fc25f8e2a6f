package poller

import (
	"sync"

	"github.com/google/uuid"
)

// maxOutstanding is how many recent request IDs are remembered.
const maxOutstanding = 64

// correlator tags each request with a UUIDv7 and orders the responses
// that echo one back. A response to a request older than the newest
// one already applied is stale. Responses with no correlation data, or
// with an ID we never issued or have since forgotten, are applied: a
// relay is not required to echo correlation data.
type correlator struct {
	mu          sync.Mutex
	seq         uint64
	issued      map[uuid.UUID]uint64
	ring        []uuid.UUID
	next        int
	lastApplied uint64
}

func newCorrelator(size int) *correlator {
	return &correlator{
		issued: make(map[uuid.UUID]uint64, size),
		ring:   make([]uuid.UUID, size),
	}
}

// issue allocates the ID for the next request. On failure the request
// should go out without correlation data.
func (c *correlator) issue() ([]byte, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	if old := c.ring[c.next]; old != uuid.Nil {
		delete(c.issued, old)
	}
	c.ring[c.next] = id
	c.next = (c.next + 1) % len(c.ring)
	c.issued[id] = c.seq

	b := id[:]
	return append([]byte(nil), b...), nil
}

// fresh reports whether a response carrying data may replace the
// snapshot. It does not record anything; call commit once the payload
// has actually been applied.
func (c *correlator) fresh(data []byte) bool {
	id, ok := parseID(data)
	if !ok {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	seq, ok := c.issued[id]
	if !ok {
		return true
	}
	return seq >= c.lastApplied
}

// commit records the response carrying data as applied.
func (c *correlator) commit(data []byte) {
	id, ok := parseID(data)
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if seq, ok := c.issued[id]; ok && seq > c.lastApplied {
		c.lastApplied = seq
	}
}

func parseID(data []byte) (uuid.UUID, bool) {
	if len(data) == 0 {
		return uuid.Nil, false
	}
	id, err := uuid.FromBytes(data)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

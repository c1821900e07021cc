package reactor

// SendBufferSize is the fixed size of every buffer a SendBufferPool hands
// out.
const SendBufferSize = 512

// SendBufferCap is the maximum number of send buffers a client may have
// outstanding at once. Once all SendBufferCap buffers are checked out, Get
// reports exhaustion and the client must wait for a Put before sending
// again.
const SendBufferCap = 3

// SendBufferPool is a small, bounded pool of fixed-size send buffers owned
// by exactly one client. Because a client's state (and therefore its pool)
// is only ever touched from that client's own Task, the pool needs no
// internal locking - contention on it is structurally impossible.
type SendBufferPool struct {
	bufSize     int
	cap         int
	free        [][]byte
	outstanding int
}

// NewSendBufferPool creates a pool of bufSize buffers, capped at capacity
// simultaneously outstanding.
func NewSendBufferPool(bufSize, capacity int) *SendBufferPool {
	return &SendBufferPool{bufSize: bufSize, cap: capacity}
}

// Get checks out a zero-length buffer with capacity bufSize, allocating one
// if the pool has none free and has not yet reached capacity. ok is false
// if the pool is exhausted (capacity buffers are already checked out); the
// caller is then expected to enter a waiting state until a Put frees one.
func (p *SendBufferPool) Get() (buf []byte, ok bool) {
	if n := len(p.free); n > 0 {
		b := p.free[n-1]
		p.free = p.free[:n-1]
		p.outstanding++
		return b[:0], true
	}
	if p.outstanding >= p.cap {
		return nil, false
	}
	p.outstanding++
	return make([]byte, 0, p.bufSize), true
}

// Put returns a buffer checked out from Get back to the pool.
func (p *SendBufferPool) Put(buf []byte) {
	p.outstanding--
	if len(p.free) < p.cap {
		p.free = append(p.free, buf)
	}
}

// Outstanding reports how many buffers are currently checked out.
func (p *SendBufferPool) Outstanding() int { return p.outstanding }

// Exhausted reports whether the pool has no free buffer and cannot allocate
// another - the condition that forces a client into its waiting state.
func (p *SendBufferPool) Exhausted() bool {
	return len(p.free) == 0 && p.outstanding >= p.cap
}

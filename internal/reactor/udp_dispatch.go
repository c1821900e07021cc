package reactor

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/brackendns/clientd/internal/pool"
)

// Socket buffer sizes, large enough to absorb bursts between scheduler
// passes without kernel-side drops.
const (
	socketRecvBufferSize = 4 * 1024 * 1024
	socketSendBufferSize = 4 * 1024 * 1024
)

// DispatchEvent is handed to whichever client is next in line on a Dispatch
// when a datagram arrives.
type DispatchEvent struct {
	bufPtr *[]byte
	N      int
	Peer   netip.AddrPort
	Err    error
}

// Bytes returns the received datagram. Valid only until the event is
// released with Dispatch.Free.
func (e DispatchEvent) Bytes() []byte { return (*e.bufPtr)[:e.N] }

// dispatchEntry is one client's outstanding request for the next datagram.
type dispatchEntry struct {
	task *Task
	cb   func(DispatchEvent)
}

// Dispatch multiplexes one UDP socket across many clients, one datagram at a
// time. A client calls AddRequest to register interest in the next datagram;
// Dispatch's single receiver goroutine hands each arriving datagram to the
// oldest still-registered client and posts the completion onto that
// client's own Task, so the handler always runs there rather than on the
// receiver goroutine.
//
// This is the UDP analogue of a dispatch slot: exactly one client is ever
// "owed" a given datagram, so no client needs to guard its dispatch state
// with a lock.
type Dispatch struct {
	conn    *net.UDPConn
	bufPool *pool.Pool[*[]byte]

	mu      sync.Mutex
	waiting []*dispatchEntry
	closed  bool
}

// NewDispatch wraps an established UDP socket. bufSize bounds the size of a
// single received datagram.
func NewDispatch(conn *net.UDPConn, bufSize int) *Dispatch {
	d := &Dispatch{
		conn: conn,
		bufPool: pool.New(func() *[]byte {
			b := make([]byte, bufSize)
			return &b
		}),
	}
	go d.recvLoop()
	return d
}

// ListenDispatch opens a SO_REUSEPORT UDP socket bound to addr and wraps it
// in a Dispatch. Multiple sockets on the same addr (e.g. one per CPU core)
// let the kernel load-balance datagrams across them.
func ListenDispatch(addr string, bufSize int) (*Dispatch, error) {
	conn, err := listenReusePort(addr)
	if err != nil {
		return nil, err
	}
	_ = conn.SetReadBuffer(socketRecvBufferSize)
	_ = conn.SetWriteBuffer(socketSendBufferSize)
	return NewDispatch(conn, bufSize), nil
}

func (d *Dispatch) recvLoop() {
	for {
		bufPtr := d.bufPool.Get()
		n, peer, err := d.conn.ReadFromUDPAddrPort(*bufPtr)
		if err != nil {
			d.bufPool.Put(bufPtr)
			d.failAllWaiting(err)
			return
		}

		entry := d.popWaiting()
		if entry == nil {
			// No client currently registered for this slot; drop rather
			// than block the receive path.
			d.bufPool.Put(bufPtr)
			continue
		}

		ev := DispatchEvent{bufPtr: bufPtr, N: n, Peer: peer}
		entry.task.Post(func() { entry.cb(ev) })
	}
}

func (d *Dispatch) popWaiting() *dispatchEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.waiting) == 0 {
		return nil
	}
	e := d.waiting[0]
	d.waiting = d.waiting[1:]
	return e
}

func (d *Dispatch) failAllWaiting(err error) {
	d.mu.Lock()
	waiting := d.waiting
	d.waiting = nil
	d.closed = true
	d.mu.Unlock()

	for _, e := range waiting {
		entry := e
		entry.task.Post(func() { entry.cb(DispatchEvent{Err: err}) })
	}
}

// AddRequest registers task as the next recipient of a datagram from this
// socket. cb runs on task once a datagram arrives, or once the socket fails.
func (d *Dispatch) AddRequest(task *Task, cb func(DispatchEvent)) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		task.Post(func() { cb(DispatchEvent{Err: net.ErrClosed}) })
		return
	}
	d.waiting = append(d.waiting, &dispatchEntry{task: task, cb: cb})
	d.mu.Unlock()
}

// Free returns a received datagram's buffer to the pool. Call once the
// client is done reading ev.Bytes().
func (d *Dispatch) Free(ev DispatchEvent) {
	if ev.bufPtr != nil {
		d.bufPool.Put(ev.bufPtr)
	}
}

// SendTo writes buf to peer asynchronously and posts the result onto task.
func (d *Dispatch) SendTo(buf []byte, peer netip.AddrPort, task *Task, cb func(error)) {
	go func() {
		_, err := d.conn.WriteToUDPAddrPort(buf, peer)
		task.Post(func() { cb(err) })
	}()
}

// Close shuts down the underlying socket, which unblocks the receive loop.
func (d *Dispatch) Close() error {
	return d.conn.Close()
}

// listenReusePort opens a UDP socket with SO_REUSEPORT set, so several
// sockets (typically one per CPU core) can share a listen address with the
// kernel distributing datagrams between them.
func listenReusePort(addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp", udpAddr.String())
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

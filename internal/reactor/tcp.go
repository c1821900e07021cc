package reactor

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/brackendns/clientd/internal/pool"
)

// timeInPast is an already-elapsed deadline used to force a blocked
// net.Conn read to return immediately.
var timeInPast = time.Unix(1, 0)

// maxTCPMessageSize bounds the 16-bit length prefix DNS-over-TCP uses
// (RFC 1035 Section 4.2.2): messages are always shorter than 65536 bytes.
const maxTCPMessageSize = 65535

var lenPrefixPool = pool.New(func() *[2]byte { return new([2]byte) })

// Listener accepts TCP connections asynchronously, posting each accepted
// connection (or accept error) onto a Task rather than returning it
// synchronously, matching the pattern the rest of the reactor uses.
type Listener struct {
	ln net.Listener
}

// NewListener wraps an already-bound net.Listener.
func NewListener(ln net.Listener) *Listener { return &Listener{ln: ln} }

// Listen opens a TCP listener on addr.
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewListener(ln), nil
}

// Accept waits for the next inbound connection and posts the result onto
// task. Call again from within cb to keep accepting.
func (l *Listener) Accept(task *Task, cb func(net.Conn, error)) {
	go func() {
		conn, err := l.ln.Accept()
		task.Post(func() { cb(conn, err) })
	}()
}

// Close stops the listener, unblocking any goroutine waiting in Accept.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// TCPMessage reads length-prefixed DNS messages off one TCP connection
// (RFC 1035 Section 4.2.2: a 2-byte big-endian length prefix followed by the
// message). It is the TCP transport's equivalent of a Dispatch slot: a
// client owns one TCPMessage per connection and issues at most one
// ReadMessage at a time.
type TCPMessage struct {
	conn net.Conn

	mu     sync.Mutex
	cancel context.CancelFunc
	valid  bool
}

// NewTCPMessage creates an unbound reader; call Init before first use.
func NewTCPMessage() *TCPMessage { return &TCPMessage{} }

// Init binds the reader to conn, discarding any prior binding.
func (m *TCPMessage) Init(conn net.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conn = conn
	m.valid = true
}

// ReadMessage reads one framed message asynchronously and posts the result
// (message bytes, or an error) onto task. Only one read may be outstanding
// at a time per TCPMessage.
func (m *TCPMessage) ReadMessage(task *Task, cb func([]byte, error)) {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancel = cancel
	conn := m.conn
	m.mu.Unlock()

	go func() {
		buf, err := readFramedMessage(ctx, conn)
		task.Post(func() { cb(buf, err) })
	}()
}

// CancelRead aborts an in-flight ReadMessage by forcing the connection's read
// deadline into the past; its callback receives that deadline error (which
// matches os.ErrDeadlineExceeded) rather than a result.
func (m *TCPMessage) CancelRead() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
	}
}

// Invalidate marks the reader permanently unusable and cancels any pending
// read. Called when the owning connection is being torn down.
func (m *TCPMessage) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.valid = false
	if m.cancel != nil {
		m.cancel()
	}
}

// Valid reports whether the reader is still bound to a live connection.
func (m *TCPMessage) Valid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.valid
}

// readFramedMessage reads a 2-byte big-endian length prefix followed by
// that many bytes. Cancelling ctx forces any blocked read to fail by
// clearing the connection's read deadline into the past.
func readFramedMessage(ctx context.Context, conn net.Conn) ([]byte, error) {
	stop := watchCancellation(ctx, conn)
	defer stop()

	lenPtr := lenPrefixPool.Get()
	defer lenPrefixPool.Put(lenPtr)

	if _, err := io.ReadFull(conn, lenPtr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lenPtr[:])
	if n == 0 {
		return nil, nil
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// watchCancellation arranges for conn's pending read to be interrupted when
// ctx is cancelled, since net.Conn has no native context support. The
// returned stop func must be called once the read completes normally to
// avoid leaking the watcher goroutine.
func watchCancellation(ctx context.Context, conn net.Conn) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetReadDeadline(timeInPast)
		case <-done:
		}
	}()
	return func() { close(done) }
}

// writeMessage writes a length-prefixed message (used by the send path for
// TCP clients).
func writeMessage(conn net.Conn, msg []byte) error {
	if len(msg) > maxTCPMessageSize {
		return io.ErrShortBuffer
	}
	lenPtr := lenPrefixPool.Get()
	defer lenPrefixPool.Put(lenPtr)

	binary.BigEndian.PutUint16(lenPtr[:], uint16(len(msg)))
	buffers := net.Buffers{lenPtr[:], msg}
	_, err := buffers.WriteTo(conn)
	return err
}

// SendTCP writes a length-prefixed message to conn asynchronously and posts
// the result onto task.
func SendTCP(conn net.Conn, msg []byte, task *Task, cb func(error)) {
	go func() {
		err := writeMessage(conn, msg)
		task.Post(func() { cb(err) })
	}()
}

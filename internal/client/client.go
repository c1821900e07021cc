// Package client implements the per-connection client state machine: the
// actor that owns one UDP dispatch slot or one TCP connection, pinned to
// exactly one reactor.Task so its state never needs its own lock.
package client

import (
	"net"
	"net/netip"
	"time"

	"log/slog"

	"github.com/brackendns/clientd/internal/dns"
	"github.com/brackendns/clientd/internal/reactor"
	"github.com/brackendns/clientd/internal/view"
)

// acceptRetryDelay bounds how soon a client retries Accept after a failed
// one, so a persistently failing listener (e.g. fd exhaustion) idles between
// attempts instead of spinning its task.
const acceptRetryDelay = 1 * time.Second

// RequestHandler answers one accepted request on behalf of a Client. It is
// defined here, rather than imported from elsewhere, so that handler
// implementations can depend on this package without this package ever
// depending on them.
type RequestHandler interface {
	Handle(c *Client)
}

// Client is one actor-model client: it owns either a UDP dispatch slot or a
// TCP connection, and every mutation of its fields happens on its own Task,
// so none of them need a lock. A Client is created and destroyed only
// through its Manager.
type Client struct {
	task    *reactor.Task
	manager *Manager
	mode    Mode
	attrs   Attributes
	state   State

	// UDP-only.
	dispatch *reactor.Dispatch
	event    reactor.DispatchEvent
	hasEvent bool
	peer     netip.AddrPort

	// TCP-only.
	listener *reactor.Listener
	conn     net.Conn
	tcpMsg   *reactor.TCPMessage

	idleTimer *reactor.Timer
	lifeTimer *reactor.Timer

	codec    *dns.MessageCodec
	registry *view.Registry
	view     *view.View

	requesttime time.Time

	sendPool   *reactor.SendBufferPool
	nsends     int
	pendingRaw []byte

	nwaiting     int
	shutdownWant bool

	nextCB   func(Result)
	handlers map[dns.Opcode]RequestHandler

	logger *slog.Logger
}

// newClient builds an idle client sharing task, registry, handlers and
// logger with the rest of its manager. Callers (Manager) are responsible for
// wiring the transport-specific fields before the client starts listening.
func newClient(task *reactor.Task, manager *Manager, mode Mode, registry *view.Registry, handlers map[dns.Opcode]RequestHandler, logger *slog.Logger) *Client {
	return &Client{
		task:     task,
		manager:  manager,
		mode:     mode,
		state:    StateIdle,
		codec:    dns.NewMessageCodec(dns.IntentParse),
		registry: registry,
		handlers: handlers,
		sendPool: reactor.NewSendBufferPool(reactor.SendBufferSize, reactor.SendBufferCap),
		logger:   logger,
	}
}

// listenUDP arms the client to receive the next datagram on its dispatch
// slot and transitions it to Listening.
func (c *Client) listenUDP() {
	c.state = StateListening
	c.dispatch.AddRequest(c.task, func(ev reactor.DispatchEvent) {
		c.onUDPEvent(ev)
	})
}

func (c *Client) onUDPEvent(ev reactor.DispatchEvent) {
	if ev.Err != nil {
		c.onRequest(nil, ev.Err)
		return
	}
	c.event = ev
	c.hasEvent = true
	c.peer = ev.Peer
	c.onRequest(ev.Bytes(), nil)
}

// freeUDPEvent releases the client's held datagram buffer, if any.
func (c *Client) freeUDPEvent() {
	if !c.hasEvent {
		return
	}
	c.dispatch.Free(c.event)
	c.event = reactor.DispatchEvent{}
	c.hasEvent = false
}

// readTCP arms the client to read the next length-prefixed message on its
// connection and transitions it to Reading.
func (c *Client) readTCP() {
	c.state = StateReading
	c.tcpMsg.ReadMessage(c.task, func(buf []byte, err error) {
		c.onRequest(buf, err)
	})
}

// onRequest is the common entry point for both transports once bytes (or a
// transport error) are available: parse, validate, pick a view, dispatch.
func (c *Client) onRequest(buf []byte, transportErr error) {
	c.requesttime = time.Now()
	c.state = StateWorking

	if transportErr != nil {
		if c.mode == ModeTCP {
			c.Next(ResultTransportError)
			return
		}
		// A UDP dispatch slot only fails when its socket has died outright;
		// there is no connection to tear down, so the client shuts itself
		// down instead of looping back into listening.
		c.task.Shutdown()
		return
	}

	if err := c.codec.Parse(buf, false); err != nil {
		c.freeUDPEvent()
		c.Error(ResultParseError)
		return
	}
	c.freeUDPEvent()

	msg := c.codec.Message()
	if dns.IsResponse(msg.Header.Flags) {
		c.Error(ResultParseError)
		return
	}
	if len(msg.Questions) == 0 {
		c.Error(ResultParseError)
		return
	}
	qclass := msg.Questions[0].Class

	v := c.registry.MatchClass(qclass)
	if v == nil {
		c.Error(ResultViewMismatch)
		return
	}
	c.view = v

	opcode := dns.OpcodeFromFlags(msg.Header.Flags)
	switch opcode {
	case dns.OpcodeQuery, dns.OpcodeUpdate, dns.OpcodeNotify:
		c.dispatchHandler(opcode)
	case dns.OpcodeIQuery:
		c.Error(ResultOpcodeRefused)
	default:
		c.Error(ResultOpcodeNotImplemented)
	}
}

func (c *Client) dispatchHandler(op dns.Opcode) {
	h := c.handlers[op]
	if h == nil {
		c.Error(ResultOpcodeNotImplemented)
		return
	}
	h.Handle(c)
}

// Send renders the client's current message (already mutated into a
// response by a handler) and writes it asynchronously, finalizing with
// next(Success) once the send has been queued. A send-pool that is
// momentarily exhausted, with another send already outstanding, parks the
// client in Waiting rather than failing the request - see sendDone.
func (c *Client) Send() {
	buf, ok := c.sendPool.Get()
	if !ok {
		if c.nsends > 0 {
			c.state = StateWaiting
			return
		}
		c.Next(ResultNoMemory)
		return
	}

	c.codec.RenderBegin()
	limit := cap(buf)

	if _, err := c.codec.RenderSection(dns.SectionQuestion, limit); err != nil {
		c.sendPool.Put(buf)
		c.Next(ResultRenderError)
		return
	}
	if _, err := c.codec.RenderSection(dns.SectionAnswer, limit); err != nil {
		c.sendPool.Put(buf)
		c.Next(ResultRenderError)
		return
	}
	if _, err := c.codec.RenderSection(dns.SectionAuthority, limit); err != nil {
		c.sendPool.Put(buf)
		c.Next(ResultRenderError)
		return
	}
	// The additional section is the only one allowed to come up short: a
	// partially rendered OPT/glue section still yields a well-formed reply.
	if _, err := c.codec.RenderSection(dns.SectionAdditional, limit); err != nil && err != dns.ErrNoSpace {
		c.sendPool.Put(buf)
		c.Next(ResultRenderError)
		return
	}

	out, err := c.codec.RenderEnd()
	if err != nil {
		c.sendPool.Put(buf)
		c.Next(ResultRenderError)
		return
	}
	buf = append(buf[:0], out...)

	c.sendAsync(buf)
	c.Next(ResultSuccess)
}

// SendRaw sends a complete, already-rendered wire-format message as-is,
// bypassing the codec's section-by-section render path. This is the path
// handlers whose underlying resolver already produced a full response (the
// query handler, answering from the resolver chain) use instead of Send.
func (c *Client) SendRaw(msg []byte) {
	buf, ok := c.sendPool.Get()
	if !ok {
		if c.nsends > 0 {
			c.pendingRaw = append([]byte(nil), msg...)
			c.state = StateWaiting
			return
		}
		c.Next(ResultNoMemory)
		return
	}
	buf = append(buf[:0], msg...)
	c.sendAsync(buf)
	c.Next(ResultSuccess)
}

// Reply transforms the in-flight request into the skeleton of a response,
// for handlers that build their answer directly on the client's message
// rather than through a resolver. See MessageCodec.Reply.
func (c *Client) Reply(preserveQuestion bool) error {
	return c.codec.Reply(preserveQuestion)
}

// SetRCode overwrites the in-flight message's response code.
func (c *Client) SetRCode(rcode dns.RCode) {
	c.codec.SetRCode(rcode)
}

func (c *Client) sendAsync(buf []byte) {
	c.nsends++
	if c.mode == ModeUDP {
		c.dispatch.SendTo(buf, c.peer, c.task, func(err error) {
			c.sendDone(buf, err)
		})
		return
	}
	reactor.SendTCP(c.conn, buf, c.task, func(err error) {
		c.sendDone(buf, err)
	})
}

func (c *Client) sendDone(buf []byte, err error) {
	c.nsends--
	c.sendPool.Put(buf)
	if err != nil {
		c.logger.Warn("send failed", "error", err, "mode", c.mode)
	}
	if c.state == StateWaiting {
		c.state = StateWorking
		if c.pendingRaw != nil {
			msg := c.pendingRaw
			c.pendingRaw = nil
			c.SendRaw(msg)
			return
		}
		c.Send()
	}
}

// Error builds and sends an error response for result, falling back to a
// bare header-only reply if the question cannot be preserved. Both attempts
// start from the same pristine copy of the original request, since Reply
// mutates the codec's message into a response skeleton as a side effect.
func (c *Client) Error(result Result) {
	orig := *c.codec.Message()
	orig.Header.Flags &^= dns.QRFlag

	c.codec.SetMessage(orig)
	if err := c.codec.Reply(true); err != nil {
		c.codec.SetMessage(orig)
		if err2 := c.codec.Reply(false); err2 != nil {
			c.Next(ResultReplyFailed)
			return
		}
	}
	c.codec.SetRCode(result.RCode())
	c.Send()
}

// Next finalizes the current request with result: it invokes and clears the
// one-shot callback a handler may have registered, detaches the view, resets
// the codec, and re-arms the client to receive the next request - unless
// result or the client's own shutdown state say otherwise.
func (c *Client) Next(result Result) {
	if cb := c.nextCB; cb != nil {
		c.nextCB = nil
		cb(result)
	}
	c.view = nil
	c.codec.Reset(dns.IntentParse)

	if c.state == StateShuttingDown {
		return
	}

	if c.mode == ModeUDP {
		c.freeUDPEvent()
		c.listenUDP()
		return
	}

	// TCP: only a failed read tears the connection down. Every other
	// outcome - including a successful send, a parse error, or an error we
	// could not even build a reply for - keeps reading on the same
	// connection, since the connection itself is still healthy.
	if result == ResultTransportError {
		c.tcpMsg.Invalidate()
		c.conn = nil
		c.state = StateIdle
		c.armAccept()
		return
	}

	c.readTCP()
}

// armAccept issues the next Accept call on this client's listener. Callers
// hold the client in StateIdle until it resolves.
func (c *Client) armAccept() {
	c.listener.Accept(c.task, func(conn net.Conn, err error) {
		c.onAccept(conn, err)
	})
}

// onAccept handles the outcome of an Accept call. A failed accept (e.g. fd
// exhaustion on the listener) does not re-arm immediately - that would spin
// the task in a tight retry loop - it goes idle instead and lets its idle
// timer wake it for another attempt after acceptRetryDelay. The life timer,
// still running underneath, bounds how long a client can sit retrying before
// it is torn down regardless.
func (c *Client) onAccept(conn net.Conn, err error) {
	if err != nil {
		c.logger.Warn("accept failed", "error", err)
		c.state = StateIdle
		c.ArmIdleTimer(acceptRetryDelay)
		return
	}
	c.tcpMsg.Init(conn)
	c.conn = conn
	c.readTCP()
}

// Wait/Unwait let a RequestHandler mark that it is keeping this client alive
// past its own finalize callback - e.g. while an upstream call is in flight
// on another task. The counter exists for observability and shutdown
// bookkeeping; it also defers a shutdown requested while work is still
// outstanding, so the handler's eventual completion callback (posted back
// onto this client's task) is never dropped by a task already shut down.
func (c *Client) Wait() { c.nwaiting++ }

func (c *Client) Unwait() {
	c.nwaiting--
	if c.nwaiting == 0 && c.shutdownWant {
		c.doShutdown()
	}
}

// requestShutdown is how a Manager asks a client to shut down; it runs on
// the client's own task (posted there by Manager.Destroy), so it observes
// and mutates c.state under the same single-goroutine discipline every
// other client method does. If a handler is still waiting on outstanding
// work (nwaiting > 0), the shutdown is deferred to Unwait instead of
// cutting that work's eventual task.Post off from under it.
func (c *Client) requestShutdown() {
	if c.state == StateShuttingDown {
		return
	}
	if c.nwaiting > 0 {
		c.shutdownWant = true
		return
	}
	c.doShutdown()
}

func (c *Client) doShutdown() {
	c.state = StateShuttingDown
	if c.mode == ModeTCP && c.conn != nil {
		_ = c.conn.Close()
	}
	c.task.Shutdown()
}

// Replace asks the manager to spin up a fresh sibling client on the same
// dispatch slot or listener this client was created from, so capacity is
// restored even while this client is still finishing its own work (e.g.
// winding down toward shutdown).
func (c *Client) Replace() {
	if c.manager == nil {
		return
	}
	switch c.mode {
	case ModeUDP:
		c.manager.AddToDispatch(1, c.dispatch)
	case ModeTCP:
		c.manager.AcceptTCP(1, c.listener)
	}
}

// ShuttingDown reports whether this client's task has begun shutting down.
func (c *Client) ShuttingDown() bool { return c.state == StateShuttingDown }

// PeerSockaddr returns the remote endpoint of the in-flight request.
func (c *Client) PeerSockaddr() netip.AddrPort {
	if c.mode == ModeUDP {
		return c.peer
	}
	if c.conn == nil {
		return netip.AddrPort{}
	}
	addr, ok := netip.AddrFromSlice(c.conn.RemoteAddr().(*net.TCPAddr).IP)
	if !ok {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(addr, uint16(c.conn.RemoteAddr().(*net.TCPAddr).Port))
}

// Message returns the in-flight request/response message for a handler to
// inspect or mutate.
func (c *Client) Message() *dns.Packet { return c.codec.Message() }

// View returns the view matched for the in-flight request.
func (c *Client) View() *view.View { return c.view }

// Task returns the reactor.Task this client is pinned to.
func (c *Client) Task() *reactor.Task { return c.task }

// State reports the client's current position in its state machine.
func (c *Client) State() State { return c.state }

// Mode reports which transport this client serves.
func (c *Client) Mode() Mode { return c.mode }

// SetNextCallback registers the one-shot callback a handler wants invoked
// when this request is finalized via Error or Next, e.g. to release
// resources acquired for the request. At most one callback may be
// registered per request.
func (c *Client) SetNextCallback(cb func(Result)) { c.nextCB = cb }

// ArmIdleTimer/ArmLifeTimer (re)arm the client's two timers for handlers and
// the manager. The manager creates the timers only for TCP clients; on a
// client without them (every UDP client) both calls do nothing.
func (c *Client) ArmIdleTimer(d time.Duration) {
	if c.idleTimer != nil {
		c.idleTimer.Reset(d, reactor.TimerIdle)
	}
}

func (c *Client) ArmLifeTimer(d time.Duration) {
	if c.lifeTimer != nil {
		c.lifeTimer.Reset(d, reactor.TimerLife)
	}
}

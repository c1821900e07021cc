package client

import (
	"log/slog"
	"sync"
	"time"

	"github.com/brackendns/clientd/internal/dns"
	"github.com/brackendns/clientd/internal/reactor"
	"github.com/brackendns/clientd/internal/view"
)

// DefaultIdleTimeout and DefaultLifeTimeout are the intervals a TCP client's
// idle and life timers are armed with at creation when a caller does not
// override them. Client activity does not re-arm either timer.
const (
	DefaultIdleTimeout = 30 * time.Second
	DefaultLifeTimeout = 5 * time.Minute
)

// Manager is the factory and registry for every Client in the server: it
// creates clients, tracks how many are alive, and coordinates an orderly
// shutdown where the manager itself is destroyed only once every client it
// created has finished and a shutdown has been requested.
//
// The manager's lock is held for an entire client-creation sequence, not
// just the bookkeeping increment, so a concurrent shutdown can never observe
// (and destroy) a half-constructed client.
type Manager struct {
	registry *view.Registry
	handlers map[dns.Opcode]RequestHandler
	logger   *slog.Logger

	idleTimeout time.Duration
	lifeTimeout time.Duration

	mu       sync.Mutex
	clients  map[*Client]struct{}
	nclients int
	exiting  bool
	onEmpty  func()

	onEvent func(mode Mode, event string)
}

// NewManager creates a Manager that hands out clients dispatching by opcode
// to handlers, and looking up views in registry.
func NewManager(registry *view.Registry, handlers map[dns.Opcode]RequestHandler, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry:    registry,
		handlers:    handlers,
		logger:      logger,
		idleTimeout: DefaultIdleTimeout,
		lifeTimeout: DefaultLifeTimeout,
		clients:     make(map[*Client]struct{}),
	}
}

// OnEmpty registers a callback invoked exactly once, the moment the manager
// transitions to "destroyed": nclients has dropped to zero while exiting is
// set. Intended for a caller that wants to know when it is safe to release
// the manager itself.
func (m *Manager) OnEmpty(cb func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEmpty = cb
}

// OnEvent registers a callback invoked for every client creation and
// retirement, named "created"/"retired". Intended for audit logging. The
// "created" call runs with m.mu held (inside create) and the "retired" call
// runs just after m.mu is released (inside retire); the callback must not
// call back into the Manager.
func (m *Manager) OnEvent(cb func(mode Mode, event string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvent = cb
}

// AddToDispatch creates n new UDP clients, each immediately registering for
// the next datagram on dispatch. Held for the whole sequence so that a
// concurrent Destroy cannot observe nclients having been incremented before
// the corresponding client exists in the registry.
func (m *Manager) AddToDispatch(n int, dispatch *reactor.Dispatch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.exiting {
		return
	}
	for i := 0; i < n; i++ {
		c := m.create(ModeUDP)
		c.dispatch = dispatch
		c.listenUDP()
	}
}

// AcceptTCP creates n new TCP clients, each immediately issuing an Accept on
// listener.
func (m *Manager) AcceptTCP(n int, listener *reactor.Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.exiting {
		return
	}
	for i := 0; i < n; i++ {
		c := m.create(ModeTCP)
		c.listener = listener
		c.tcpMsg = reactor.NewTCPMessage()
		c.state = StateIdle
		c.armAccept()
	}
}

// create builds one client of the given mode, registers it, arms its
// shutdown callback, and arms its timers. Callers must hold m.mu.
func (m *Manager) create(mode Mode) *Client {
	task := reactor.NewTask()
	c := newClient(task, m, mode, m.registry, m.handlers, m.logger)

	if mode == ModeTCP {
		c.idleTimer = reactor.NewTimer(task, func(kind reactor.TimerKind) { c.onTimer(kind) })
		c.lifeTimer = reactor.NewTimer(task, func(kind reactor.TimerKind) { c.onTimer(kind) })
		c.ArmIdleTimer(m.idleTimeout)
		c.ArmLifeTimer(m.lifeTimeout)
	}

	m.clients[c] = struct{}{}
	m.nclients++

	task.OnShutdown(func() { m.retire(c) })

	if m.onEvent != nil {
		m.onEvent(mode, "created")
	}
	return c
}

// onTimer handles a fired idle or life timer. A TCP client sitting in
// StateIdle with no connection yet is one that went idle after a failed
// Accept (see onAccept); for it, the idle timer firing means "retry now",
// not "shut down". Every other case asks for a shutdown through the same
// requestShutdown path Manager.Destroy uses, so a handler still waiting on
// outstanding work (nwaiting > 0) gets the same deferral instead of having
// its eventual completion event dropped by a timer-triggered shutdown.
func (c *Client) onTimer(kind reactor.TimerKind) {
	if c.state == StateShuttingDown {
		return
	}
	if kind == reactor.TimerIdle && c.state == StateIdle && c.conn == nil && c.mode == ModeTCP {
		c.armAccept()
		return
	}
	c.logger.Debug("client timer fired", "kind", kind, "mode", c.mode)
	c.requestShutdown()
}

// retire is invoked, on the client's own task, as the last event it ever
// processes. It unregisters the client and, if this was the last live
// client and the manager is exiting, fires onEmpty.
func (m *Manager) retire(c *Client) {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	if c.lifeTimer != nil {
		c.lifeTimer.Stop()
	}
	if c.mode == ModeTCP && c.conn != nil {
		_ = c.conn.Close()
	}

	m.mu.Lock()
	delete(m.clients, c)
	m.nclients--
	done := m.exiting && m.nclients == 0
	cb := m.onEmpty
	onEvent := m.onEvent
	m.mu.Unlock()

	if onEvent != nil {
		onEvent(c.mode, "retired")
	}
	if done && cb != nil {
		cb()
	}
}

// Destroy begins an orderly shutdown: every live client is asked to shut
// down (finishing whatever request it is mid-flight on first, via its own
// task's serialized queue), and new client creation is refused from this
// point on. The manager itself is considered destroyed once the last client
// retires; register OnEmpty beforehand to be notified.
//
// The shutdown request is posted onto each client's own task rather than
// applied directly from this (the caller's) goroutine: a client's state may
// only be mutated on its own task, and a client with a handler still waiting
// on outstanding work must finish that work - see requestShutdown - before
// its task is actually torn down.
func (m *Manager) Destroy() {
	m.mu.Lock()
	m.exiting = true
	clients := make([]*Client, 0, len(m.clients))
	for c := range m.clients {
		clients = append(clients, c)
	}
	empty := len(clients) == 0
	cb := m.onEmpty
	m.mu.Unlock()

	for _, c := range clients {
		c.task.Post(func() { c.requestShutdown() })
	}

	if empty && cb != nil {
		cb()
	}
}

// NClients reports how many clients are currently live.
func (m *Manager) NClients() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nclients
}

// Exiting reports whether Destroy has been called.
func (m *Manager) Exiting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exiting
}

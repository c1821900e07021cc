package client

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brackendns/clientd/internal/dns"
	"github.com/brackendns/clientd/internal/reactor"
)

func TestManagerAddToDispatchTracksLiveClients(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	dispatch := reactor.NewDispatch(conn, 512)
	defer dispatch.Close()

	m := newTestManager(nil)
	m.AddToDispatch(3, dispatch)
	assert.Equal(t, 3, m.NClients())
	assert.False(t, m.Exiting())
}

func TestManagerDestroyWaitsForLastClient(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	dispatch := reactor.NewDispatch(conn, 512)
	defer dispatch.Close()

	m := newTestManager(nil)
	m.AddToDispatch(2, dispatch)
	require.Equal(t, 2, m.NClients())

	emptied := make(chan struct{})
	m.OnEmpty(func() { close(emptied) })

	m.Destroy()
	assert.True(t, m.Exiting())

	select {
	case <-emptied:
	case <-time.After(time.Second):
		require.Fail(t, "manager never reported empty after destroying its only clients")
	}
	assert.Equal(t, 0, m.NClients())
}

func TestManagerDestroyWithNoClientsFiresOnEmptyImmediately(t *testing.T) {
	m := newTestManager(nil)

	emptied := make(chan struct{})
	m.OnEmpty(func() { close(emptied) })

	m.Destroy()

	select {
	case <-emptied:
	case <-time.After(time.Second):
		require.Fail(t, "onEmpty never fired for a manager with zero live clients")
	}
}

func TestManagerRefusesNewClientsAfterDestroy(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	dispatch := reactor.NewDispatch(conn, 512)
	defer dispatch.Close()

	m := newTestManager(nil)
	m.Destroy()

	m.AddToDispatch(1, dispatch)
	assert.Equal(t, 0, m.NClients())
}

func TestManagerOnEventFiresForCreateAndRetire(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	dispatch := reactor.NewDispatch(conn, 512)
	defer dispatch.Close()

	var mu sync.Mutex
	var events []string
	m := newTestManager(nil)
	m.OnEvent(func(mode Mode, event string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, event)
	})

	m.AddToDispatch(2, dispatch)

	emptied := make(chan struct{})
	m.OnEmpty(func() { close(emptied) })
	m.Destroy()

	select {
	case <-emptied:
	case <-time.After(time.Second):
		require.Fail(t, "manager never emptied out")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"created", "created", "retired", "retired"}, events)
}

func TestManagerDestroyDefersShutdownForWaitingClient(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	dispatch := reactor.NewDispatch(conn, 512)
	defer dispatch.Close()

	m := newTestManager(nil)
	m.AddToDispatch(1, dispatch)
	require.Equal(t, 1, m.NClients())

	var c *Client
	for cl := range m.clients {
		c = cl
	}
	require.NotNil(t, c)

	// Mark the client as having a handler waiting on outstanding work, the
	// way QueryHandler.Handle does via Wait before spawning a resolver
	// goroutine. Posted rather than set directly, since state may only be
	// mutated on the client's own task.
	marked := make(chan struct{})
	c.task.Post(func() {
		c.Wait()
		close(marked)
	})
	<-marked

	emptied := make(chan struct{})
	m.OnEmpty(func() { close(emptied) })
	m.Destroy()

	// nwaiting > 0 must defer the shutdown: the client stays registered
	// rather than being torn down out from under its outstanding work.
	assert.Equal(t, 1, m.NClients())

	// Simulate the handler's eventual completion callback - exactly the
	// task.Post(func() { c.Unwait(); ... }) pattern QueryHandler uses once
	// its resolver goroutine returns - and confirm it is not silently
	// dropped by a task that already shut down while the work was pending.
	posted := make(chan struct{})
	ok := c.task.Post(func() {
		c.Unwait()
		close(posted)
	})
	require.True(t, ok, "completion callback dropped by a task shut down while work was outstanding")

	select {
	case <-posted:
	case <-time.After(time.Second):
		require.Fail(t, "posted completion callback never ran")
	}

	select {
	case <-emptied:
	case <-time.After(time.Second):
		require.Fail(t, "client never retired once its outstanding work completed")
	}
	assert.Equal(t, 0, m.NClients())
}

func TestManagerAcceptTCPCreatesClientAndDestroyRetiresIt(t *testing.T) {
	ln, err := reactor.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	m := newTestManager(map[dns.Opcode]RequestHandler{dns.OpcodeQuery: answerAHandler{}})
	m.AcceptTCP(1, ln)
	require.Equal(t, 1, m.NClients())

	emptied := make(chan struct{})
	m.OnEmpty(func() { close(emptied) })
	m.Destroy()

	select {
	case <-emptied:
	case <-time.After(time.Second):
		require.Fail(t, "manager never emptied out after destroying its one TCP client")
	}
}

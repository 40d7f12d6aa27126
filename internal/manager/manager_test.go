package manager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rickgao/keepsock/internal/connection"
	"github.com/rickgao/keepsock/internal/frame"
	"github.com/rickgao/keepsock/internal/workerpool"
)

type event struct {
	kind    string
	id      int
	conn    *connection.Conn
	payload string
	err     error
}

// recorder collects observer events in delivery order.
type recorder struct {
	events chan event
}

func newRecorder() *recorder {
	return &recorder{events: make(chan event, 1024)}
}

func (r *recorder) observer() ObserverFuncs {
	return ObserverFuncs{
		Succeeded: func(id int, conn *connection.Conn) {
			r.events <- event{kind: EventSucceeded, id: id, conn: conn}
		},
		Failed: func(id int, err error) {
			r.events <- event{kind: EventFailed, id: id, err: err}
		},
		Message: func(id int, conn *connection.Conn, payload []byte) error {
			r.events <- event{kind: EventMessage, id: id, conn: conn, payload: string(payload)}
			return nil
		},
		Disconnected: func(id int, conn *connection.Conn) {
			r.events <- event{kind: EventDisconnected, id: id, conn: conn}
		},
	}
}

func (r *recorder) next(t *testing.T, kind string) event {
	t.Helper()
	select {
	case e := <-r.events:
		require.Equal(t, kind, e.kind, "unexpected event %+v", e)
		return e
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", kind)
		return event{}
	}
}

func (r *recorder) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case e := <-r.events:
		t.Fatalf("unexpected event %+v", e)
	case <-time.After(wait):
	}
}

// pipeClient hands out one side of an in-memory pipe.
type pipeClient struct {
	id    int
	local net.Conn
	cfg   connection.Config
}

func (p *pipeClient) ID() int      { return p.id }
func (p *pipeClient) SetID(id int) { p.id = id }

func (p *pipeClient) Connect(ctx context.Context) (*connection.Conn, error) {
	c := connection.NewConn(p.cfg, nil)
	if err := c.Attach(p.local); err != nil {
		return nil, err
	}
	return c, nil
}

// blockingClient never connects until its context is cancelled.
type blockingClient struct {
	id int
}

func (b *blockingClient) ID() int      { return b.id }
func (b *blockingClient) SetID(id int) { b.id = id }
func (b *blockingClient) Connect(ctx context.Context) (*connection.Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func shutdown(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Pool.Size != 10 {
		t.Errorf("Pool.Size = %d, want 10", cfg.Pool.Size)
	}
	if cfg.Pool.QueueDepth != 10 {
		t.Errorf("Pool.QueueDepth = %d, want 10", cfg.Pool.QueueDepth)
	}
	if cfg.MaxInvokers != 1 {
		t.Errorf("MaxInvokers = %d, want 1", cfg.MaxInvokers)
	}
}

func TestManager_LoopbackEcho(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := New(DefaultConfig())

	srv, err := connection.Listen("tcp", "127.0.0.1:0", 1, connection.DefaultConfig(), nil)
	require.NoError(t, err)

	serverEvents := newRecorder()
	echo := serverEvents.observer()
	echo.Message = func(id int, conn *connection.Conn, payload []byte) error {
		return conn.Send(payload)
	}
	require.NoError(t, m.AddServer(srv, echo))

	client := newRecorder()
	require.NoError(t, m.AddClient(connection.NewClient(srv.Addr().String(), connection.DefaultConfig(), nil), client.observer()))

	up := client.next(t, EventSucceeded)
	accepted := serverEvents.next(t, EventSucceeded)
	require.NotZero(t, up.id)
	require.NotEqual(t, srv.ID(), accepted.id, "accepted connections get their own id")
	require.NotEqual(t, up.id, accepted.id)
	require.Equal(t, 2, m.Len())

	for i := 1; i <= 3; i++ {
		require.NoError(t, up.conn.Send([]byte(fmt.Sprintf("msg-%d", i))))
	}
	for i := 1; i <= 3; i++ {
		e := client.next(t, EventMessage)
		require.Equal(t, fmt.Sprintf("msg-%d", i), e.payload)
		require.Equal(t, up.id, e.id)
	}

	shutdown(t, m)
	srv.Close()

	client.next(t, EventDisconnected)
	serverEvents.next(t, EventDisconnected)
	require.Zero(t, m.Len())
}

func TestManager_FIFODelivery(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	m := New(DefaultConfig())
	defer shutdown(t, m)

	rec := newRecorder()
	require.NoError(t, m.AddClient(&pipeClient{local: local, cfg: connection.DefaultConfig()}, rec.observer()))
	rec.next(t, EventSucceeded)

	// The connection's first heartbeat goes out immediately; drain the
	// peer side so writes never block.
	go func() {
		r := frame.NewReader(remote, 0)
		for {
			if _, err := r.Read(); err != nil {
				return
			}
		}
	}()

	const n = 200
	go func() {
		for i := 0; i < n; i++ {
			if err := frame.Write(remote, []byte(fmt.Sprintf("%d", i))); err != nil {
				return
			}
		}
	}()

	for i := 0; i < n; i++ {
		e := rec.next(t, EventMessage)
		require.Equal(t, fmt.Sprintf("%d", i), e.payload)
	}
}

func TestManager_IdleHeartbeat(t *testing.T) {
	cfg := connection.DefaultConfig()
	cfg.Timeout = 200 * time.Millisecond
	cfg.SendMargin = 40 * time.Millisecond
	cfg.SkipMargin = 60 * time.Millisecond

	m := New(DefaultConfig())
	defer shutdown(t, m)

	srv, err := connection.Listen("tcp", "127.0.0.1:0", 1, cfg, nil)
	require.NoError(t, err)
	defer srv.Close()

	serverEvents := newRecorder()
	require.NoError(t, m.AddServer(srv, serverEvents.observer()))

	client := newRecorder()
	require.NoError(t, m.AddClient(connection.NewClient(srv.Addr().String(), cfg, nil), client.observer()))

	local := client.next(t, EventSucceeded)
	peer := serverEvents.next(t, EventSucceeded)

	// Idle for several intervals: heartbeats flow, no messages surface.
	client.none(t, time.Second)
	serverEvents.none(t, 0)

	for _, c := range []*connection.Conn{local.conn, peer.conn} {
		require.GreaterOrEqual(t, c.Stats().HeartbeatsReceived, int64(2))
		require.Zero(t, c.Stats().MessagesReceived)
		require.True(t, c.IsConnected())
	}
}

func TestManager_IdleHeartbeatDefaultMargins(t *testing.T) {
	if testing.Short() {
		t.Skip("idles for five seconds")
	}

	cfg := connection.DefaultConfig()
	cfg.Timeout = 2 * time.Second

	m := New(DefaultConfig())
	defer shutdown(t, m)

	srv, err := connection.Listen("tcp", "127.0.0.1:0", 1, cfg, nil)
	require.NoError(t, err)
	defer srv.Close()

	serverEvents := newRecorder()
	require.NoError(t, m.AddServer(srv, serverEvents.observer()))

	client := newRecorder()
	require.NoError(t, m.AddClient(connection.NewClient(srv.Addr().String(), cfg, nil), client.observer()))

	local := client.next(t, EventSucceeded)
	peer := serverEvents.next(t, EventSucceeded)

	client.none(t, 5*time.Second)
	serverEvents.none(t, 0)

	for _, c := range []*connection.Conn{local.conn, peer.conn} {
		require.GreaterOrEqual(t, c.Stats().HeartbeatsReceived, int64(1))
		require.Zero(t, c.Stats().MessagesReceived)
		require.True(t, c.IsConnected())
	}
}

func TestManager_LogSinkReceivesReadFailure(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	var (
		mu    sync.Mutex
		lines []string
	)
	cfg := DefaultConfig()
	cfg.LogSink = func(line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	}
	m := New(cfg)
	defer shutdown(t, m)

	rec := newRecorder()
	require.NoError(t, m.AddClient(&pipeClient{local: local, cfg: connection.DefaultConfig()}, rec.observer()))
	up := rec.next(t, EventSucceeded)

	go func() {
		r := frame.NewReader(remote, 0)
		for {
			if _, err := r.Read(); err != nil {
				return
			}
		}
	}()
	go remote.Write([]byte("garbage\n"))

	require.Equal(t, up.id, rec.next(t, EventDisconnected).id)

	mu.Lock()
	log := strings.Join(lines, "\n")
	mu.Unlock()
	require.Contains(t, log, "connection established")
	require.Contains(t, log, "read failed")
	require.Contains(t, log, "failed to parse protocol header")
	require.Contains(t, log, fmt.Sprintf("conn=%d", up.id))
}

func TestManager_ServerSendsClientEchoes(t *testing.T) {
	m := New(DefaultConfig())
	defer shutdown(t, m)

	srv, err := connection.Listen("tcp", "127.0.0.1:0", 1, connection.DefaultConfig(), nil)
	require.NoError(t, err)

	serverEvents := newRecorder()
	require.NoError(t, m.AddServer(srv, serverEvents.observer()))

	client := newRecorder()
	echo := client.observer()
	echo.Message = func(id int, conn *connection.Conn, payload []byte) error {
		client.events <- event{kind: EventMessage, id: id, payload: string(payload)}
		return conn.Send(payload)
	}
	require.NoError(t, m.AddClient(connection.NewClient(srv.Addr().String(), connection.DefaultConfig(), nil), echo))

	client.next(t, EventSucceeded)
	peer := serverEvents.next(t, EventSucceeded)

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, peer.conn.Send([]byte(p)))
		time.Sleep(50 * time.Millisecond)
	}

	for _, want := range []string{"a", "b", "c"} {
		require.Equal(t, want, client.next(t, EventMessage).payload)
	}
	for _, want := range []string{"a", "b", "c"} {
		require.Equal(t, want, serverEvents.next(t, EventMessage).payload)
	}
}

func TestManager_PoolSaturation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pool = workerpool.Config{Size: 2, QueueDepth: 2}
	m := New(cfg)
	defer shutdown(t, m)

	// Two tasks occupy the workers; wait until they do so the next two
	// sit in the queue.
	for i := 0; i < 2; i++ {
		require.NoError(t, m.AddClient(&blockingClient{}, nil))
	}
	require.Eventually(t, func() bool {
		return m.Stats().Pool.Running == 2
	}, time.Second, 5*time.Millisecond)

	for i := 0; i < 2; i++ {
		require.NoError(t, m.AddClient(&blockingClient{}, nil))
	}

	start := time.Now()
	err := m.AddClient(&blockingClient{}, nil)
	require.ErrorIs(t, err, ErrRejected)
	require.Less(t, time.Since(start), 100*time.Millisecond)
	require.EqualValues(t, 1, m.Stats().Pool.Rejected)
}

func TestManager_DisconnectedExactlyOnce(t *testing.T) {
	local, remote := net.Pipe()

	m := New(DefaultConfig())
	defer shutdown(t, m)

	rec := newRecorder()
	require.NoError(t, m.AddClient(&pipeClient{local: local, cfg: connection.DefaultConfig()}, rec.observer()))
	up := rec.next(t, EventSucceeded)
	require.Equal(t, 1, m.Len())

	// Every path that can end the connection, at once.
	var wg sync.WaitGroup
	for _, end := range []func(){
		func() { m.RemoveConnection(up.conn) },
		func() { up.conn.Close() },
		func() { remote.Close() },
	} {
		wg.Add(1)
		go func(end func()) {
			defer wg.Done()
			end()
		}(end)
	}
	wg.Wait()

	down := rec.next(t, EventDisconnected)
	require.Equal(t, up.id, down.id)
	rec.none(t, 200*time.Millisecond)
	require.Zero(t, m.Len())
	require.Equal(t, connection.StateClosed, up.conn.State())
}

func TestManager_CallbackFailureKeepsInvoker(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	var (
		mu    sync.Mutex
		lines []string
	)
	cfg := DefaultConfig()
	cfg.LogSink = func(line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	}
	m := New(cfg)
	defer shutdown(t, m)

	rec := newRecorder()
	obs := rec.observer()
	obs.Message = func(id int, conn *connection.Conn, payload []byte) error {
		switch string(payload) {
		case "panic":
			panic("observer blew up")
		case "fail":
			return errors.New("observer refused")
		}
		rec.events <- event{kind: EventMessage, id: id, payload: string(payload)}
		return nil
	}
	require.NoError(t, m.AddClient(&pipeClient{local: local, cfg: connection.DefaultConfig()}, obs))
	rec.next(t, EventSucceeded)

	go func() {
		r := frame.NewReader(remote, 0)
		for {
			if _, err := r.Read(); err != nil {
				return
			}
		}
	}()
	go func() {
		for _, msg := range []string{"panic", "fail", "ok"} {
			if err := frame.Write(remote, []byte(msg)); err != nil {
				return
			}
		}
	}()

	require.Equal(t, "ok", rec.next(t, EventMessage).payload)

	mu.Lock()
	log := strings.Join(lines, "\n")
	mu.Unlock()
	require.Contains(t, log, "observer blew up")
	require.Contains(t, log, "observer refused")
	require.Contains(t, log, "callback failed")
}

func TestManager_ConnectionFailed(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	m := New(DefaultConfig())
	defer shutdown(t, m)

	client := connection.NewClient(addr, connection.DefaultConfig(), nil)
	rec := newRecorder()
	require.NoError(t, m.AddClient(client, rec.observer()))

	e := rec.next(t, EventFailed)
	require.Equal(t, client.ID(), e.id)
	require.NotZero(t, e.id)
	require.True(t, connection.IsConnectionError(e.err), "got %v", e.err)
	require.Zero(t, m.Len())
	rec.none(t, 100*time.Millisecond)
}

func TestManager_KeepsFactoryID(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	m := New(DefaultConfig())
	defer shutdown(t, m)

	rec := newRecorder()
	require.NoError(t, m.AddClient(&pipeClient{id: 42, local: local, cfg: connection.DefaultConfig()}, rec.observer()))

	e := rec.next(t, EventSucceeded)
	require.Equal(t, 42, e.id)
	require.Equal(t, 42, e.conn.ID())
}

func TestManager_WebSocketLoopback(t *testing.T) {
	m := New(DefaultConfig())
	defer shutdown(t, m)

	ws := connection.NewWSServer(1, connection.DefaultConfig(), nil)
	server := httptest.NewServer(ws)
	defer server.Close()

	echo := newRecorder().observer()
	echo.Message = func(id int, conn *connection.Conn, payload []byte) error {
		return conn.Send(append([]byte("echo:"), payload...))
	}
	require.NoError(t, m.AddServer(ws, echo))

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	rec := newRecorder()
	require.NoError(t, m.AddClient(connection.NewWSClient(url, connection.DefaultConfig(), nil), rec.observer()))

	up := rec.next(t, EventSucceeded)
	require.NoError(t, up.conn.Send([]byte("hi")))
	require.Equal(t, "echo:hi", rec.next(t, EventMessage).payload)
}

func TestManager_AddAfterShutdown(t *testing.T) {
	m := New(DefaultConfig())
	shutdown(t, m)
	require.NoError(t, m.Shutdown(context.Background()), "Shutdown must be idempotent")

	require.ErrorIs(t, m.AddClient(&blockingClient{}, nil), ErrShutdown)

	srv, err := connection.Listen("tcp", "127.0.0.1:0", 1, connection.DefaultConfig(), nil)
	require.NoError(t, err)
	defer srv.Close()
	require.ErrorIs(t, m.AddServer(srv, nil), ErrShutdown)
}

func TestCallbackError(t *testing.T) {
	cause := errors.New("boom")
	err := error(&CallbackError{Event: EventMessage, ID: 7, Err: cause})
	require.ErrorIs(t, err, cause)
	require.Equal(t, "callback message (conn 7): boom", err.Error())

	p := &CallbackError{Event: EventDisconnected, ID: 1, Panic: "bad"}
	require.Equal(t, "callback disconnected (conn 1) panicked: bad", p.Error())
}

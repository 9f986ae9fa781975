package channel

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/realtime/internal/api"
	"github.com/rickgao/realtime/internal/auth"
	"github.com/rickgao/realtime/internal/config"
	"github.com/rickgao/realtime/internal/connection"
	"github.com/rickgao/realtime/internal/protocol"
	"github.com/rickgao/realtime/internal/queue"
	"github.com/rickgao/realtime/internal/testserver"
)

const waitTimeout = 3 * time.Second

func testOptions(srv *testserver.Server) *config.ClientOptions {
	opts := &config.ClientOptions{
		Key:                      "app.key:secret",
		RealtimeHost:             "127.0.0.1",
		Port:                     srv.Port(),
		NoTLS:                    true,
		SkipConnectivityCheck:    true,
		RealtimeRequestTimeout:   300 * time.Millisecond,
		DisconnectedRetryTimeout: 50 * time.Millisecond,
		SuspendedRetryTimeout:    time.Minute,
		ChannelRetryTimeout:      100 * time.Millisecond,
	}
	opts.ApplyDefaults()
	return opts
}

type harness struct {
	m        *connection.Manager
	channels *Channels
	conn     *stateLog[connection.StateChange]
}

func newHarness(t *testing.T, opts *config.ClientOptions) *harness {
	t.Helper()

	a, err := auth.New(auth.OptionsFrom(opts), nil, nil)
	if err != nil {
		t.Fatalf("auth.New failed: %v", err)
	}
	exec := queue.NewExecutor(nil)
	exec.Start()

	m := connection.NewManager(opts, a, exec, nil, connection.WithFallbackCache(api.NewFallbackCache()))
	channels := NewChannels(m, nil)
	m.SetChannelRouter(channels)

	h := &harness{m: m, channels: channels, conn: newStateLog[connection.StateChange]()}
	m.Emitter().OnAll(h.conn.add)

	var once sync.Once
	t.Cleanup(func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
			defer cancel()
			m.Close(ctx)
			exec.Stop()
		})
	})
	return h
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := h.m.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
}

// channel returns name with its state changes recorded.
func (h *harness) channel(name string) (*Channel, *stateLog[StateChange]) {
	ch := h.channels.Get(name)
	l := newStateLog[StateChange]()
	ch.OnAll(l.add)
	return ch, l
}

func withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), waitTimeout)
}

type stateLog[C any] struct {
	ch chan C
}

func newStateLog[C any]() *stateLog[C] {
	return &stateLog[C]{ch: make(chan C, 256)}
}

func (l *stateLog[C]) add(c C) {
	select {
	case l.ch <- c:
	default:
	}
}

// waitFor returns the next change for which match is true.
func (l *stateLog[C]) waitFor(t *testing.T, what string, match func(C) bool) C {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case c := <-l.ch:
			if match(c) {
				return c
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", what)
			var zero C
			return zero
		}
	}
}

func (l *stateLog[C]) drain() []C {
	var out []C
	for {
		select {
		case c := <-l.ch:
			out = append(out, c)
		default:
			return out
		}
	}
}

func waitChannel(t *testing.T, l *stateLog[StateChange], e Event) StateChange {
	t.Helper()
	return l.waitFor(t, e.String(), func(c StateChange) bool { return c.Event == e })
}

func waitConnection(t *testing.T, l *stateLog[connection.StateChange], e connection.Event) connection.StateChange {
	t.Helper()
	return l.waitFor(t, e.String(), func(c connection.StateChange) bool { return c.Event == e })
}

func currents(changes []StateChange) []State {
	out := make([]State, 0, len(changes))
	for _, c := range changes {
		out = append(out, c.Current)
	}
	return out
}

func TestChannel_AttachDetach(t *testing.T) {
	srv := testserver.New(testserver.Options{})
	defer srv.Close()

	h := newHarness(t, testOptions(srv))
	h.connect(t)
	ch, log := h.channel("orders")

	ctx, cancel := withTimeout()
	defer cancel()

	if err := ch.Attach(ctx); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	assert.Equal(t, ch.State(), StateAttached)
	assert.Equal(t, currents(log.drain()), []State{StateAttaching, StateAttached})

	// Attaching an attached channel is a no-op.
	if err := ch.Attach(ctx); err != nil {
		t.Fatalf("second Attach failed: %v", err)
	}
	assert.Equal(t, srv.Count(protocol.ActionAttach), 1)

	if err := ch.Detach(ctx); err != nil {
		t.Fatalf("Detach failed: %v", err)
	}
	assert.Equal(t, ch.State(), StateDetached)
	assert.Equal(t, currents(log.drain()), []State{StateDetaching, StateDetached})

	if err := ch.Detach(ctx); err != nil {
		t.Fatalf("second Detach failed: %v", err)
	}
	assert.Equal(t, srv.Count(protocol.ActionDetach), 1)
}

func TestChannel_ConcurrentAttachSendsOneAttach(t *testing.T) {
	srv := testserver.New(testserver.Options{})
	defer srv.Close()

	h := newHarness(t, testOptions(srv))
	h.connect(t)
	ch := h.channels.Get("orders")

	ctx, cancel := withTimeout()
	defer cancel()

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error { return ch.Attach(ctx) })
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if got := srv.Count(protocol.ActionAttach); got != 1 {
		t.Errorf("ATTACH sent = %d, want 1", got)
	}
}

func TestChannel_AttachConnectsInitializedConnection(t *testing.T) {
	srv := testserver.New(testserver.Options{})
	defer srv.Close()

	h := newHarness(t, testOptions(srv))
	ch := h.channels.Get("orders")

	ctx, cancel := withTimeout()
	defer cancel()
	if err := ch.Attach(ctx); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if got := h.m.State(); got != connection.StateConnected {
		t.Errorf("connection State() = %v, want %v", got, connection.StateConnected)
	}
	if got := ch.State(); got != StateAttached {
		t.Errorf("State() = %v, want %v", got, StateAttached)
	}
}

func TestChannel_AttachTimeoutSuspends(t *testing.T) {
	srv := testserver.New(testserver.Options{IgnoreAttach: true})
	defer srv.Close()

	h := newHarness(t, testOptions(srv))
	h.connect(t)
	ch, log := h.channel("orders")

	ctx, cancel := withTimeout()
	defer cancel()

	err := ch.Attach(ctx)
	if code := protocol.Code(err); code != protocol.ErrChannelOperationTimeout {
		t.Fatalf("Attach error code = %d, want %d (err %v)", code, protocol.ErrChannelOperationTimeout, err)
	}
	if status := protocol.StatusCode(err); status != http.StatusRequestTimeout {
		t.Errorf("Attach error status = %d, want %d", status, http.StatusRequestTimeout)
	}
	suspended := waitChannel(t, log, EventSuspended)
	if got := protocol.Code(suspended.Reason); got != protocol.ErrChannelOperationTimeout {
		t.Errorf("SUSPENDED reason code = %d, want %d", got, protocol.ErrChannelOperationTimeout)
	}

	srv.SetOptions(func(o *testserver.Options) { o.IgnoreAttach = false })
	waitChannel(t, log, EventAttached)
	if ch.ErrorReason() != nil {
		t.Errorf("ErrorReason = %v, want nil after reattach", ch.ErrorReason())
	}
}

func TestChannel_AttachRejectedWhenConnectionUnusable(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, srv *testserver.Server, h *harness)
	}{
		{
			name: "closed",
			prepare: func(t *testing.T, srv *testserver.Server, h *harness) {
				h.connect(t)
				ctx, cancel := withTimeout()
				defer cancel()
				if err := h.m.Close(ctx); err != nil {
					t.Fatalf("Close failed: %v", err)
				}
			},
		},
		{
			name: "failed",
			prepare: func(t *testing.T, srv *testserver.Server, h *harness) {
				srv.RejectWith(protocol.NewErrorInfo(40101, http.StatusUnauthorized, "invalid credentials"))
				h.m.StartConnecting()
				waitConnection(t, h.conn, connection.EventFailed)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testserver.New(testserver.Options{})
			defer srv.Close()

			h := newHarness(t, testOptions(srv))
			tt.prepare(t, srv, h)
			ch := h.channels.Get("orders")

			ctx, cancel := withTimeout()
			defer cancel()
			err := ch.Attach(ctx)
			if code := protocol.Code(err); code != protocol.ErrChannelOperationFailed {
				t.Errorf("Attach error code = %d, want %d (err %v)", code, protocol.ErrChannelOperationFailed, err)
			}
			if status := protocol.StatusCode(err); status != http.StatusBadRequest {
				t.Errorf("Attach error status = %d, want %d", status, http.StatusBadRequest)
			}
			if got := srv.Count(protocol.ActionAttach); got != 0 {
				t.Errorf("ATTACH sent = %d, want 0", got)
			}
			if got := ch.State(); got != StateInitialized {
				t.Errorf("State() = %v, want %v", got, StateInitialized)
			}
		})
	}
}

func TestChannel_ServerDetachedReattaches(t *testing.T) {
	srv := testserver.New(testserver.Options{})
	defer srv.Close()

	h := newHarness(t, testOptions(srv))
	h.connect(t)
	ch, log := h.channel("orders")

	ctx, cancel := withTimeout()
	defer cancel()
	if err := ch.Attach(ctx); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	log.drain()

	srv.Broadcast(&protocol.ProtocolMessage{
		Action:  protocol.ActionDetached,
		Channel: "orders",
		Error:   protocol.NewErrorInfo(90198, http.StatusBadRequest, "channel detached by server"),
	})

	attaching := waitChannel(t, log, EventAttaching)
	if got := protocol.Code(attaching.Reason); got != 90198 {
		t.Errorf("ATTACHING reason code = %d, want 90198", got)
	}
	waitChannel(t, log, EventAttached)
	if got := srv.Count(protocol.ActionAttach); got != 2 {
		t.Errorf("ATTACH sent = %d, want 2", got)
	}
}

func TestChannel_ResumedAfterConnectionDrop(t *testing.T) {
	srv := testserver.New(testserver.Options{})
	defer srv.Close()

	h := newHarness(t, testOptions(srv))
	h.connect(t)
	ch, log := h.channel("orders")

	received := make(chan *protocol.Message, 4)
	ctx, cancel := withTimeout()
	defer cancel()
	if _, err := ch.Subscribe(ctx, "created", func(m *protocol.Message) { received <- m }); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	log.drain()

	// The server carries on delivering as soon as the connection resumes.
	srv.OnConnected(func(c *testserver.Conn) {
		if !c.Resumed() {
			return
		}
		c.Send(&protocol.ProtocolMessage{
			Action:   protocol.ActionMessage,
			Channel:  "orders",
			ID:       "resumed-1",
			Messages: []*protocol.Message{{Name: "created", Data: "order-2"}},
		})
	})
	srv.DropAll()

	waitChannel(t, log, EventAttaching)
	attached := waitChannel(t, log, EventAttached)
	if !attached.Resumed {
		t.Error("expected channel continuity after a resumed connection")
	}

	select {
	case m := <-received:
		if m.ID != "resumed-1:0" {
			t.Errorf("ID = %s, want resumed-1:0", m.ID)
		}
	case <-time.After(waitTimeout):
		t.Fatal("message sent right after the resumed CONNECTED was not delivered")
	}

	if got := srv.Count(protocol.ActionAttach); got != 1 {
		t.Errorf("ATTACH sent = %d, want 1", got)
	}
}

func TestChannel_NotResumedWhenConnectionReplaced(t *testing.T) {
	srv := testserver.New(testserver.Options{RejectResume: true})
	defer srv.Close()

	h := newHarness(t, testOptions(srv))
	h.connect(t)
	ch, log := h.channel("orders")

	ctx, cancel := withTimeout()
	defer cancel()
	if err := ch.Attach(ctx); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	log.drain()

	srv.DropAll()

	attached := waitChannel(t, log, EventAttached)
	if attached.Resumed {
		t.Error("expected continuity loss on a new connection")
	}
	if got := ch.State(); got != StateAttached {
		t.Errorf("State() = %v, want %v", got, StateAttached)
	}
}

func TestChannel_SuspendedWithConnection(t *testing.T) {
	srv := testserver.New(testserver.Options{ConnectionStateTTL: 250 * time.Millisecond})
	defer srv.Close()

	opts := testOptions(srv)
	opts.RealtimeRequestTimeout = 100 * time.Millisecond
	h := newHarness(t, opts)
	h.connect(t)
	ch, log := h.channel("orders")

	ctx, cancel := withTimeout()
	defer cancel()
	if err := ch.Attach(ctx); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	srv.SetOptions(func(o *testserver.Options) { o.Silent = true })
	srv.DropAll()

	waitConnection(t, h.conn, connection.EventSuspended)
	suspended := waitChannel(t, log, EventSuspended)
	if got := protocol.Code(suspended.Reason); got != protocol.ErrConnectionSuspended {
		t.Errorf("SUSPENDED reason code = %d, want %d", got, protocol.ErrConnectionSuspended)
	}

	err := ch.Publish(ctx, "greeting", "hello")
	if code := protocol.Code(err); code != protocol.ErrChannelOperationFailed {
		t.Errorf("Publish error code = %d, want %d", code, protocol.ErrChannelOperationFailed)
	}

	if err := ch.Detach(ctx); err != nil {
		t.Fatalf("Detach failed: %v", err)
	}
	if got := ch.State(); got != StateDetached {
		t.Errorf("State() = %v, want %v", got, StateDetached)
	}
}

func TestChannel_DetachedWhenConnectionCloses(t *testing.T) {
	srv := testserver.New(testserver.Options{})
	defer srv.Close()

	h := newHarness(t, testOptions(srv))
	h.connect(t)
	ch, log := h.channel("orders")

	ctx, cancel := withTimeout()
	defer cancel()
	if err := ch.Attach(ctx); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if err := h.m.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	waitChannel(t, log, EventDetached)
	if got := ch.State(); got != StateDetached {
		t.Errorf("State() = %v, want %v", got, StateDetached)
	}
}

func TestChannel_FailedWithConnection(t *testing.T) {
	srv := testserver.New(testserver.Options{})
	defer srv.Close()

	h := newHarness(t, testOptions(srv))
	h.connect(t)
	ch, log := h.channel("orders")

	ctx, cancel := withTimeout()
	defer cancel()
	if err := ch.Attach(ctx); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	srv.Broadcast(&protocol.ProtocolMessage{
		Action: protocol.ActionError,
		Error:  protocol.NewErrorInfo(40000, http.StatusBadRequest, "protocol violation"),
	})

	failed := waitChannel(t, log, EventFailed)
	if got := protocol.Code(failed.Reason); got != 40000 {
		t.Errorf("FAILED reason code = %d, want 40000", got)
	}
	if err := ch.Detach(ctx); err == nil {
		t.Error("expected Detach on a failed channel to fail")
	}
}

func TestChannel_ChannelErrorFails(t *testing.T) {
	srv := testserver.New(testserver.Options{IgnoreAttach: true})
	defer srv.Close()

	h := newHarness(t, testOptions(srv))
	h.connect(t)
	ch, log := h.channel("orders")

	errc := make(chan error, 1)
	go func() {
		ctx, cancel := withTimeout()
		defer cancel()
		errc <- ch.Attach(ctx)
	}()
	if !srv.WaitCount(protocol.ActionAttach, 1, waitTimeout) {
		t.Fatal("ATTACH never sent")
	}

	srv.Broadcast(&protocol.ProtocolMessage{
		Action:  protocol.ActionError,
		Channel: "orders",
		Error:   protocol.NewErrorInfo(40160, http.StatusUnauthorized, "not permitted"),
	})

	err := <-errc
	if code := protocol.Code(err); code != 40160 {
		t.Errorf("Attach error code = %d, want 40160", code)
	}
	waitChannel(t, log, EventFailed)
	if got := h.m.State(); got != connection.StateConnected {
		t.Errorf("connection State() = %v, want %v", got, connection.StateConnected)
	}

	ctx, cancel := withTimeout()
	defer cancel()
	if err := ch.Publish(ctx, "greeting", "hello"); protocol.Code(err) != protocol.ErrChannelOperationFailed {
		t.Errorf("Publish error = %v, want code %d", err, protocol.ErrChannelOperationFailed)
	}
}

func TestChannel_DetachTimeoutStaysAttached(t *testing.T) {
	srv := testserver.New(testserver.Options{IgnoreDetach: true})
	defer srv.Close()

	h := newHarness(t, testOptions(srv))
	h.connect(t)
	ch, log := h.channel("orders")

	ctx, cancel := withTimeout()
	defer cancel()
	if err := ch.Attach(ctx); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	log.drain()

	err := ch.Detach(ctx)
	if code := protocol.Code(err); code != protocol.ErrChannelOperationTimeout {
		t.Errorf("Detach error code = %d, want %d", code, protocol.ErrChannelOperationTimeout)
	}
	if got := ch.State(); got != StateAttached {
		t.Errorf("State() = %v, want %v", got, StateAttached)
	}
	assert.Equal(t, currents(log.drain()), []State{StateDetaching, StateAttached})
}

func TestChannel_AttachDuringDetachRunsAfterward(t *testing.T) {
	srv := testserver.New(testserver.Options{})
	defer srv.Close()

	h := newHarness(t, testOptions(srv))
	h.connect(t)

	var hold sync.WaitGroup
	hold.Add(1)
	srv.Handle(func(c *testserver.Conn, msg *protocol.ProtocolMessage) bool {
		if msg.Action != protocol.ActionDetach {
			return false
		}
		go func() {
			hold.Wait()
			c.Send(&protocol.ProtocolMessage{Action: protocol.ActionDetached, Channel: msg.Channel})
		}()
		return true
	})

	ch, log := h.channel("orders")
	ctx, cancel := withTimeout()
	defer cancel()
	if err := ch.Attach(ctx); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	detached := make(chan error, 1)
	go func() { detached <- ch.Detach(ctx) }()
	waitChannel(t, log, EventDetaching)

	attached := make(chan error, 1)
	go func() { attached <- ch.Attach(ctx) }()
	waitDeferred(t, ch, 1)

	hold.Done()
	if err := <-detached; err != nil {
		t.Fatalf("Detach failed: %v", err)
	}
	if err := <-attached; err != nil {
		t.Fatalf("Attach after detach failed: %v", err)
	}
	if got := ch.State(); got != StateAttached {
		t.Errorf("State() = %v, want %v", got, StateAttached)
	}
}

// waitDeferred polls the dispatch goroutine until n operations are queued
// behind the pending one.
func waitDeferred(t *testing.T, ch *Channel, n int) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		got := make(chan int, 1)
		if err := ch.exec.Post(func() { got <- len(ch.deferred) }); err != nil {
			t.Fatalf("Post failed: %v", err)
		}
		if <-got == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("deferred operations never reached %d", n)
}

func TestChannel_Messages(t *testing.T) {
	srv := testserver.New(testserver.Options{})
	defer srv.Close()

	h := newHarness(t, testOptions(srv))
	h.connect(t)
	ch := h.channels.Get("orders")

	// Delivered before attach: dropped.
	srv.Broadcast(&protocol.ProtocolMessage{
		Action:   protocol.ActionMessage,
		Channel:  "orders",
		Messages: []*protocol.Message{{Name: "greeting", Data: "early"}},
	})

	named := make(chan *protocol.Message, 8)
	all := make(chan *protocol.Message, 8)

	ctx, cancel := withTimeout()
	defer cancel()
	unsubscribe, err := ch.Subscribe(ctx, "greeting", func(m *protocol.Message) { named <- m })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := ch.SubscribeAll(ctx, func(m *protocol.Message) { all <- m }); err != nil {
		t.Fatalf("SubscribeAll failed: %v", err)
	}

	srv.Broadcast(&protocol.ProtocolMessage{
		Action:       protocol.ActionMessage,
		Channel:      "orders",
		ID:           "proto-1",
		ConnectionID: "conn-x",
		Timestamp:    1700000000000,
		Messages: []*protocol.Message{
			{Name: "greeting", Data: "hello"},
			{Name: "other", Data: "ignored by name"},
		},
	})

	select {
	case m := <-named:
		assert.Equal(t, m.Data, "hello")
		assert.Equal(t, m.ID, "proto-1:0")
		assert.Equal(t, m.ConnectionID, "conn-x")
		assert.Equal(t, m.Timestamp, int64(1700000000000))
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for named message")
	}

	var got []string
	for len(got) < 2 {
		select {
		case m := <-all:
			got = append(got, m.ID)
		case <-time.After(waitTimeout):
			t.Fatalf("timeout waiting for catch-all messages, got %v", got)
		}
	}
	assert.Equal(t, got, []string{"proto-1:0", "proto-1:1"})

	unsubscribe()
	srv.Broadcast(&protocol.ProtocolMessage{
		Action:   protocol.ActionMessage,
		Channel:  "orders",
		ID:       "proto-2",
		Messages: []*protocol.Message{{Name: "greeting", Data: "again"}},
	})
	select {
	case m := <-all:
		assert.Equal(t, m.ID, "proto-2:0")
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for catch-all message")
	}
	select {
	case m := <-named:
		t.Errorf("unsubscribed listener received %v", m.Data)
	default:
	}
}

func TestChannel_Publish(t *testing.T) {
	srv := testserver.New(testserver.Options{})
	defer srv.Close()

	var published atomic.Pointer[protocol.ProtocolMessage]
	srv.Handle(func(c *testserver.Conn, msg *protocol.ProtocolMessage) bool {
		if msg.Action == protocol.ActionMessage {
			published.Store(msg)
		}
		return false
	})

	h := newHarness(t, testOptions(srv))
	h.connect(t)
	ch := h.channels.Get("orders")

	ctx, cancel := withTimeout()
	defer cancel()
	if err := ch.Publish(ctx, "greeting", "hello"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	msg := published.Load()
	if msg == nil {
		t.Fatal("server never saw the message")
	}
	assert.Equal(t, msg.Channel, "orders")
	assert.Equal(t, len(msg.Messages), 1)
	assert.Equal(t, msg.Messages[0].Name, "greeting")
	if msg.Messages[0].ID == "" {
		t.Error("expected a generated message id")
	}
}

func TestChannel_PublishNacked(t *testing.T) {
	srv := testserver.New(testserver.Options{
		NackWith: protocol.NewErrorInfo(40160, http.StatusUnauthorized, "publish denied"),
	})
	defer srv.Close()

	h := newHarness(t, testOptions(srv))
	h.connect(t)
	ch := h.channels.Get("orders")

	ctx, cancel := withTimeout()
	defer cancel()
	err := ch.Publish(ctx, "greeting", "hello")
	if code := protocol.Code(err); code != 40160 {
		t.Errorf("Publish error code = %d, want 40160", code)
	}
}

func TestChannel_ListenerPanicIsolated(t *testing.T) {
	srv := testserver.New(testserver.Options{})
	defer srv.Close()

	h := newHarness(t, testOptions(srv))
	h.connect(t)
	ch := h.channels.Get("orders")

	var good atomic.Int32
	ch.On(EventAttached, func(StateChange) { panic("listener failure") })
	ch.On(EventAttached, func(StateChange) { good.Add(1) })

	ctx, cancel := withTimeout()
	defer cancel()
	if err := ch.Attach(ctx); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if got := good.Load(); got != 1 {
		t.Errorf("second listener calls = %d, want 1", got)
	}
	if got := ch.State(); got != StateAttached {
		t.Errorf("State() = %v, want %v", got, StateAttached)
	}
}

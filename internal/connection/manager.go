package connection

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rickgao/realtime/internal/api"
	"github.com/rickgao/realtime/internal/auth"
	"github.com/rickgao/realtime/internal/config"
	"github.com/rickgao/realtime/internal/event"
	"github.com/rickgao/realtime/internal/protocol"
	"github.com/rickgao/realtime/internal/queue"
	"github.com/rickgao/realtime/internal/transport"
	"github.com/rickgao/realtime/internal/version"
)

// Authorizer supplies connection credentials.
type Authorizer interface {
	AuthParams(ctx context.Context) (url.Values, error)
	Authorize(ctx context.Context, force bool) (*auth.TokenDetails, error)
	CanRenew() bool
}

// ConnectivityChecker answers whether the network is reachable at all.
type ConnectivityChecker interface {
	CheckConnectivity(ctx context.Context, checkURL string) bool
}

// Option customises a Manager.
type Option func(*Manager)

// WithTransportFactory replaces the websocket transport.
func WithTransportFactory(f transport.Factory) Option {
	return func(m *Manager) {
		m.newTransport = f
	}
}

// WithConnectivityChecker sets the checker consulted after failed attempts.
func WithConnectivityChecker(c ConnectivityChecker) Option {
	return func(m *Manager) {
		m.checker = c
	}
}

// WithFallbackCache sets where a working fallback host is recorded.
func WithFallbackCache(c *api.FallbackCache) Option {
	return func(m *Manager) {
		m.fallbackCache = c
	}
}

// WithRandom sets the jitter source, for deterministic tests.
func WithRandom(r func() float64) Option {
	return func(m *Manager) {
		m.retry.rand = r
	}
}

type pendingMessage struct {
	msg  *protocol.ProtocolMessage
	done func(error)
}

type pendingPing struct {
	start time.Time
	reply chan pingResult
	timer *queue.Timer
}

type pingResult struct {
	rtt time.Duration
	err error
}

// Manager drives one logical realtime connection across any number of
// transports.
type Manager struct {
	cfg           *config.ClientOptions
	auth          Authorizer
	checker       ConnectivityChecker
	fallbackCache *api.FallbackCache
	newTransport  transport.Factory
	exec          *queue.Executor
	logger        *slog.Logger
	emitter       *event.Emitter[Event, StateChange]
	router        ChannelRouter

	// Snapshot for readers outside the dispatch goroutine.
	mu            sync.RWMutex
	state         State
	errorReason   *protocol.ErrorInfo
	connectionID  string
	connectionKey string
	details       *protocol.ConnectionDetails

	// Owned by the dispatch goroutine.
	transport     transport.Transport
	generation    uint64
	attemptCancel context.CancelFunc
	attemptResume string
	hosts         *hostChooser
	retry         *retryPolicy
	reauthorized  bool
	forceAuth     bool
	ttlExpired    bool

	connectTimer *queue.Timer
	retryTimer   *queue.Timer
	idleTimer    *queue.Timer
	ttlTimer     *queue.Timer

	connectWaiters []chan error
	closeWaiters   []chan error
	pings          map[string]*pendingPing

	msgSerial int64
	pending   []*pendingMessage
	queued    []*pendingMessage
}

// NewManager creates a manager in the INITIALIZED state. opts must have
// had defaults applied. Work runs on exec, which the caller starts.
func NewManager(opts *config.ClientOptions, authorizer Authorizer, exec *queue.Executor, logger *slog.Logger, options ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "connection")

	m := &Manager{
		cfg:           opts,
		auth:          authorizer,
		fallbackCache: api.DefaultFallbackCache,
		newTransport:  transport.NewWebSocketFactory(logger),
		exec:          exec,
		logger:        logger,
		emitter:       event.NewEmitter[Event, StateChange](logger),
		state:         StateInitialized,
		hosts:         newHostChooser(opts.RealtimeHostname(), opts.ShuffledFallbacks()),
		retry:         &retryPolicy{base: opts.DisconnectedRetryTimeout, rand: rand.Float64},
		connectTimer:  exec.NewTimer(),
		retryTimer:    exec.NewTimer(),
		idleTimer:     exec.NewTimer(),
		ttlTimer:      exec.NewTimer(),
		pings:         make(map[string]*pendingPing),
	}
	for _, o := range options {
		o(m)
	}
	return m
}

// SetChannelRouter installs the receiver of channel traffic. Call it before
// the first connect.
func (m *Manager) SetChannelRouter(r ChannelRouter) {
	m.router = r
}

// Executor returns the dispatch path shared with channels.
func (m *Manager) Executor() *queue.Executor {
	return m.exec
}

// Options returns the client options.
func (m *Manager) Options() *config.ClientOptions {
	return m.cfg
}

// Emitter returns the state change registry.
func (m *Manager) Emitter() *event.Emitter[Event, StateChange] {
	return m.emitter
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// ErrorReason returns the error behind the latest failure, if any.
func (m *Manager) ErrorReason() *protocol.ErrorInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.errorReason
}

// ID returns the server-assigned connection id.
func (m *Manager) ID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connectionID
}

// Key returns the connection key used for resumption.
func (m *Manager) Key() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connectionKey
}

// Details returns a copy of the latest connection details.
func (m *Manager) Details() *protocol.ConnectionDetails {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.details == nil {
		return nil
	}
	d := *m.details
	return &d
}

// call runs fn on the dispatch goroutine and waits for it to reply.
func (m *Manager) call(ctx context.Context, fn func(reply chan error)) error {
	reply := make(chan error, 1)
	if err := m.exec.Post(func() { fn(reply) }); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect starts connecting when idle and waits until CONNECTED, or until
// the attempt ends in DISCONNECTED, SUSPENDED, CLOSED or FAILED.
func (m *Manager) Connect(ctx context.Context) error {
	return m.call(ctx, m.requestConnect)
}

// StartConnecting begins connecting without waiting.
func (m *Manager) StartConnecting() {
	if err := m.exec.Post(func() { m.requestConnect(nil) }); err != nil {
		m.logger.Debug("connect after shutdown", "error", err)
	}
}

// RequestConnect is StartConnecting for callers already on the dispatch
// goroutine.
func (m *Manager) RequestConnect() {
	m.requestConnect(nil)
}

func (m *Manager) requestConnect(reply chan error) {
	switch m.state {
	case StateConnected:
		if reply != nil {
			reply <- nil
		}
		return
	case StateClosing:
		if reply != nil {
			reply <- protocol.NewErrorInfo(protocol.ErrConnectionClosed, http.StatusBadRequest, "connection is closing")
		}
		return
	}

	if reply != nil {
		m.connectWaiters = append(m.connectWaiters, reply)
	}
	if m.state == StateConnecting {
		return
	}

	switch m.state {
	case StateClosed, StateFailed, StateSuspended:
		m.ttlExpired = false
		m.retry.reset()
	}
	m.startCycle()
}

// startCycle begins a connect cycle at the primary host.
func (m *Manager) startCycle() {
	m.retryTimer.Stop()
	m.hosts.reset()
	m.reauthorized = false
	if !m.ttlTimer.Active() && !m.ttlExpired {
		m.ttlTimer.Reset(m.stateTTL(), m.onStateTTLExpired)
	}
	if m.state != StateConnecting {
		m.setState(StateConnecting, nil, 0, false)
	}
	m.attempt()
}

func (m *Manager) stateTTL() time.Duration {
	if m.details != nil && m.details.ConnectionStateTTL > 0 {
		return m.details.ConnectionStateTTL.Duration()
	}
	return m.cfg.ConnectionStateTTL
}

// attempt opens a transport to the current host. Credentials are fetched
// off the dispatch goroutine since they may need a token request.
func (m *Manager) attempt() {
	m.abandonTransport()
	gen := m.generation
	host := m.hosts.current
	force := m.forceAuth
	m.forceAuth = false

	m.mu.RLock()
	resume := m.connectionKey
	m.mu.RUnlock()
	m.attemptResume = resume

	ctx, cancel := context.WithCancel(context.Background())
	m.attemptCancel = cancel
	m.connectTimer.Reset(m.cfg.RealtimeRequestTimeout, func() {
		m.onAttemptFailed(gen, protocol.NewErrorInfo(protocol.ErrTimeout, http.StatusGatewayTimeout,
			"timed out connecting to %s after %s", host, m.cfg.RealtimeRequestTimeout))
	})

	m.logger.Debug("connecting", "host", host, "resume", resume != "", "attempt", gen)

	go func() {
		if force {
			if _, err := m.auth.Authorize(ctx, true); err != nil {
				m.exec.Post(func() { m.onAuthFailed(gen, err) })
				return
			}
		}
		params, err := m.auth.AuthParams(ctx)
		if err != nil {
			m.exec.Post(func() { m.onAuthFailed(gen, err) })
			return
		}

		t := m.newTransport(m.transportConfig(host, params, resume))
		err = t.Connect(ctx)
		m.exec.Post(func() { m.onTransportOpen(gen, t, err) })
	}()
}

func (m *Manager) transportConfig(host string, params url.Values, resume string) transport.Config {
	if params == nil {
		params = url.Values{}
	}
	params.Set("v", m.cfg.ProtocolVersion)
	params.Set("format", "json")
	params.Set("heartbeats", "true")
	params.Set("echo", strconv.FormatBool(m.cfg.EchoMessagesEnabled()))
	params.Set("agent", version.Agent())
	if resume != "" {
		params.Set("resume", resume)
	}
	if m.cfg.ClientID != "" {
		params.Set("client_id", m.cfg.ClientID)
	}

	cfg := transport.DefaultConfig()
	cfg.Scheme = m.cfg.RealtimeScheme()
	cfg.Host = m.cfg.HostPort(host)
	cfg.Params = params
	cfg.HandshakeTimeout = m.cfg.RealtimeRequestTimeout
	return cfg
}

// abandonTransport drops the current transport and invalidates every
// callback belonging to it.
func (m *Manager) abandonTransport() {
	m.generation++
	if m.attemptCancel != nil {
		m.attemptCancel()
		m.attemptCancel = nil
	}
	if m.transport != nil {
		m.transport.Dispose()
		m.transport = nil
	}
	m.connectTimer.Stop()
	m.idleTimer.Stop()
}

func (m *Manager) onTransportOpen(gen uint64, t transport.Transport, err error) {
	if gen != m.generation {
		t.Dispose()
		return
	}
	if err != nil {
		m.onAttemptFailed(gen, toErrorInfo(err))
		return
	}

	m.transport = t
	go m.pump(gen, t)
}

// pump forwards one transport's traffic to the dispatch goroutine, then
// reports how the transport ended.
func (m *Manager) pump(gen uint64, t transport.Transport) {
	for msg := range t.Messages() {
		m.exec.Post(func() { m.onMessage(gen, msg) })
	}
	<-t.Done()
	err := t.Err()
	m.exec.Post(func() { m.onTransportClosed(gen, err) })
}

func (m *Manager) onTransportClosed(gen uint64, err error) {
	if gen != m.generation {
		return
	}
	reason := toErrorInfo(err)
	if reason == nil {
		reason = protocol.NewErrorInfo(protocol.ErrDisconnected, http.StatusBadRequest, "transport closed")
	}

	switch m.state {
	case StateConnecting:
		m.onAttemptFailed(gen, reason)
	case StateConnected:
		m.lose(reason)
	case StateClosing:
		m.finishClose()
	}
}

func (m *Manager) onAuthFailed(gen uint64, err error) {
	if gen != m.generation || m.state != StateConnecting {
		return
	}
	m.abandonTransport()

	reason := toErrorInfo(err)
	if reason.Code == protocol.ErrTokenNotRenewable || reason.StatusCode == http.StatusForbidden {
		m.fail(reason)
		return
	}
	m.logger.Warn("authorization failed", "error", reason)
	m.disconnect(reason)
}

// onAttemptFailed handles an attempt that ended before CONNECTED.
func (m *Manager) onAttemptFailed(gen uint64, reason *protocol.ErrorInfo) {
	if gen != m.generation || m.state != StateConnecting {
		return
	}
	m.abandonTransport()
	m.logger.Warn("connection attempt failed", "host", m.hosts.current, "error", reason)

	if reason.IsTokenError() {
		if !m.auth.CanRenew() {
			m.fail(protocol.NewErrorInfo(protocol.ErrTokenNotRenewable, http.StatusUnauthorized,
				"token rejected and no means to renew it: %s", reason.Message))
			return
		}
		if !m.reauthorized {
			m.reauthorized = true
			m.forceAuth = true
			m.attempt()
			return
		}
	} else if reason.IsFatal() {
		m.fail(reason)
		return
	}

	m.recover(reason)
}

// recover decides between the next fallback host, SUSPENDED when the
// network is down, and a delayed retry.
func (m *Manager) recover(reason *protocol.ErrorInfo) {
	if m.cfg.SkipConnectivityCheck || m.checker == nil {
		m.nextHost(reason)
		return
	}

	gen := m.generation
	checkURL := m.cfg.ConnectivityCheckURL
	timeout := m.cfg.HTTPRequestTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		up := m.checker.CheckConnectivity(ctx, checkURL)
		m.exec.Post(func() {
			if gen != m.generation || m.state != StateConnecting {
				return
			}
			if !up {
				m.logger.Warn("connectivity check failed", "url", checkURL)
				m.suspend(protocol.NewErrorInfo(protocol.ErrConnectionFailed, http.StatusBadRequest,
					"no network connectivity: %s", reason.Message))
				return
			}
			m.nextHost(reason)
		})
	}()
}

func (m *Manager) nextHost(reason *protocol.ErrorInfo) {
	if host, ok := m.hosts.advance(); ok {
		m.logger.Info("trying fallback host", "host", host)
		m.attempt()
		return
	}
	m.disconnect(reason)
}

// disconnect enters DISCONNECTED and schedules the next cycle.
func (m *Manager) disconnect(reason *protocol.ErrorInfo) {
	if m.ttlExpired {
		m.suspend(reason)
		return
	}
	delay := m.retry.next()
	m.setState(StateDisconnected, reason, delay, false)
	m.retryTimer.Reset(delay, m.startCycle)
}

// lose handles loss of an established connection: DISCONNECTED, then an
// immediate reconnect with the connection key.
func (m *Manager) lose(reason *protocol.ErrorInfo) {
	m.abandonTransport()
	if reason.IsTokenError() {
		m.forceAuth = true
	}
	m.retry.reset()
	m.setState(StateDisconnected, reason, 0, false)
	m.exec.Post(func() {
		if m.state == StateDisconnected {
			m.startCycle()
		}
	})
}

// suspend enters SUSPENDED and schedules a retry.
func (m *Manager) suspend(reason *protocol.ErrorInfo) {
	m.abandonTransport()
	m.retryTimer.Stop()
	m.setState(StateSuspended, reason, m.cfg.SuspendedRetryTimeout, false)
	m.failMessages(reason)
	m.retryTimer.Reset(m.cfg.SuspendedRetryTimeout, m.startCycle)
}

func (m *Manager) onStateTTLExpired() {
	switch m.state {
	case StateConnecting, StateDisconnected:
	default:
		return
	}
	m.logger.Warn("connection state ttl exceeded", "ttl", m.stateTTL())
	m.ttlExpired = true
	m.clearSession()
	m.suspend(protocol.NewErrorInfo(protocol.ErrConnectionSuspended, http.StatusBadRequest,
		"connection state ttl exceeded"))
}

// fail enters FAILED. Only an explicit Connect leaves it.
func (m *Manager) fail(reason *protocol.ErrorInfo) {
	m.abandonTransport()
	m.stopTimers()
	m.clearSession()
	m.setState(StateFailed, reason, 0, false)
	m.failMessages(reason)
}

func (m *Manager) stopTimers() {
	m.connectTimer.Stop()
	m.retryTimer.Stop()
	m.idleTimer.Stop()
	m.ttlTimer.Stop()
}

func (m *Manager) clearSession() {
	m.mu.Lock()
	m.connectionID = ""
	m.connectionKey = ""
	m.details = nil
	m.mu.Unlock()
}

func (m *Manager) onMessage(gen uint64, msg *protocol.ProtocolMessage) {
	if gen != m.generation {
		return
	}
	if m.state == StateConnected {
		m.resetIdle()
	}

	switch msg.Action {
	case protocol.ActionHeartbeat:
		m.onHeartbeat(msg)
	case protocol.ActionConnected:
		m.onConnected(msg)
	case protocol.ActionDisconnected:
		m.onServerDisconnected(gen, msg)
	case protocol.ActionClosed:
		m.onClosed(msg)
	case protocol.ActionError:
		if msg.Channel != "" {
			m.route(msg)
			return
		}
		m.onError(gen, msg)
	case protocol.ActionAck:
		m.onAck(msg, nil)
	case protocol.ActionNack:
		reason := msg.Error
		if reason == nil {
			reason = protocol.NewErrorInfo(protocol.ErrInternal, http.StatusInternalServerError, "message rejected")
		}
		m.onAck(msg, reason)
	case protocol.ActionAuth:
		m.onAuthRequested()
	default:
		if msg.Action.ChannelScoped() {
			m.route(msg)
			return
		}
		m.logger.Debug("ignoring message", "action", msg.Action)
	}
}

func (m *Manager) route(msg *protocol.ProtocolMessage) {
	if m.router == nil {
		m.logger.Debug("no channel router", "channel", msg.Channel, "action", msg.Action)
		return
	}
	m.router.Route(msg)
}

func (m *Manager) onConnected(msg *protocol.ProtocolMessage) {
	switch m.state {
	case StateConnecting, StateConnected:
	default:
		return
	}
	m.connectTimer.Stop()
	m.ttlTimer.Stop()
	m.retryTimer.Stop()
	m.ttlExpired = false
	m.retry.reset()

	m.mu.RLock()
	previousID := m.connectionID
	m.mu.RUnlock()

	resumed := m.attemptResume != "" && msg.ConnectionID == previousID && msg.Error == nil
	reason := msg.Error

	m.mu.Lock()
	m.connectionID = msg.ConnectionID
	if msg.ConnectionDetails != nil {
		d := *msg.ConnectionDetails
		m.details = &d
		if d.ConnectionKey != "" {
			m.connectionKey = d.ConnectionKey
		}
	}
	m.mu.Unlock()
	m.attemptResume = ""

	if m.hosts.onFallback() && m.fallbackCache != nil {
		m.fallbackCache.Put(m.cfg.HostPort(m.hosts.current), m.cfg.FallbackRetryTimeout)
	}

	if m.state == StateConnected {
		m.emitUpdate(reason)
		m.resetIdle()
		return
	}

	m.logger.Info("connected",
		"host", m.hosts.current,
		"connection_id", msg.ConnectionID,
		"resumed", resumed,
	)
	m.setState(StateConnected, reason, 0, resumed)
	m.resetIdle()
	m.flushMessages(resumed)
}

func (m *Manager) resetIdle() {
	if m.details == nil || m.details.MaxIdleInterval <= 0 {
		return
	}
	limit := m.details.MaxIdleInterval.Duration() + m.cfg.RealtimeRequestTimeout
	m.idleTimer.Reset(limit, func() {
		if m.state != StateConnected {
			return
		}
		m.logger.Warn("no activity from server", "limit", limit)
		m.lose(protocol.NewErrorInfo(protocol.ErrDisconnected, http.StatusBadRequest,
			"no activity from server for %s", limit))
	})
}

func (m *Manager) onServerDisconnected(gen uint64, msg *protocol.ProtocolMessage) {
	reason := msg.Error
	if reason == nil {
		reason = protocol.NewErrorInfo(protocol.ErrDisconnected, http.StatusBadRequest, "disconnected by server")
	}
	switch m.state {
	case StateConnecting:
		m.onAttemptFailed(gen, reason)
	case StateConnected:
		m.lose(reason)
	}
}

func (m *Manager) onError(gen uint64, msg *protocol.ProtocolMessage) {
	reason := msg.Error
	if reason == nil {
		reason = protocol.NewErrorInfo(protocol.ErrInternal, http.StatusInternalServerError, "server error")
	}

	switch m.state {
	case StateConnecting:
		if reason.IsTokenError() || reason.StatusCode >= 500 {
			m.onAttemptFailed(gen, reason)
			return
		}
		m.fail(reason)
	case StateConnected:
		if reason.IsTokenError() && m.auth.CanRenew() {
			m.lose(reason)
			return
		}
		m.fail(reason)
	case StateClosing:
		m.finishClose()
	}
}

func (m *Manager) onClosed(msg *protocol.ProtocolMessage) {
	if m.state == StateClosing {
		m.finishClose()
		return
	}
	m.abandonTransport()
	m.stopTimers()
	m.clearSession()
	m.setState(StateClosed, msg.Error, 0, false)
	m.failMessages(closedError())
}

func (m *Manager) onAuthRequested() {
	gen := m.generation
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RealtimeRequestTimeout)
		defer cancel()
		token, err := m.auth.Authorize(ctx, true)
		m.exec.Post(func() {
			if gen != m.generation {
				return
			}
			m.sendAuth(token, err)
		})
	}()
}

// sendAuth answers an in-band reauthorization. The server replies with a
// CONNECTED that surfaces as an UPDATE.
func (m *Manager) sendAuth(token *auth.TokenDetails, err error) {
	if err != nil {
		reason := toErrorInfo(err)
		m.logger.Warn("reauthorization failed", "error", reason)
		if reason.Code == protocol.ErrTokenNotRenewable || reason.StatusCode == http.StatusForbidden {
			m.fail(reason)
		}
		return
	}
	if m.state != StateConnected {
		return
	}
	msg := &protocol.ProtocolMessage{
		Action: protocol.ActionAuth,
		Auth:   &protocol.AuthDetails{AccessToken: token.Token},
	}
	if err := m.transport.Send(msg); err != nil {
		m.logger.Warn("failed to send auth", "error", err)
	}
}

// Reauthorize obtains a new token and, when connected, hands it to the
// server without dropping the connection.
func (m *Manager) Reauthorize(ctx context.Context) (*auth.TokenDetails, error) {
	token, err := m.auth.Authorize(ctx, true)
	if err != nil {
		return nil, err
	}
	err = m.call(ctx, func(reply chan error) {
		m.sendAuth(token, nil)
		reply <- nil
	})
	return token, err
}

// Close closes the connection gracefully and waits for CLOSED. Closing a
// FAILED connection does nothing.
func (m *Manager) Close(ctx context.Context) error {
	return m.call(ctx, m.requestClose)
}

func (m *Manager) requestClose(reply chan error) {
	switch m.state {
	case StateClosed, StateFailed:
		reply <- nil
	case StateInitialized:
		m.setState(StateClosed, nil, 0, false)
		reply <- nil
	case StateClosing:
		m.closeWaiters = append(m.closeWaiters, reply)
	case StateConnected:
		m.closeWaiters = append(m.closeWaiters, reply)
		m.stopTimers()
		m.setState(StateClosing, nil, 0, false)

		t := m.transport
		gen := m.generation
		timeout := m.cfg.RealtimeRequestTimeout
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := t.Close(ctx); err != nil {
				m.logger.Debug("close handshake incomplete", "error", err)
			}
			m.exec.Post(func() {
				if gen == m.generation {
					m.finishClose()
				}
			})
		}()
	default:
		m.closeWaiters = append(m.closeWaiters, reply)
		m.abandonTransport()
		m.stopTimers()
		m.setState(StateClosing, nil, 0, false)
		m.finishClose()
	}
}

func (m *Manager) finishClose() {
	if m.state != StateClosing {
		return
	}
	m.abandonTransport()
	m.stopTimers()
	m.clearSession()
	m.setState(StateClosed, nil, 0, false)
	m.failMessages(closedError())

	for _, w := range m.closeWaiters {
		w <- nil
	}
	m.closeWaiters = nil
}

func closedError() *protocol.ErrorInfo {
	return protocol.NewErrorInfo(protocol.ErrConnectionClosed, http.StatusBadRequest, "connection closed")
}

// Ping sends a HEARTBEAT and returns the round trip time.
func (m *Manager) Ping(ctx context.Context) (time.Duration, error) {
	reply := make(chan pingResult, 1)
	if err := m.exec.Post(func() { m.startPing(reply) }); err != nil {
		return 0, err
	}
	select {
	case res := <-reply:
		return res.rtt, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (m *Manager) startPing(reply chan pingResult) {
	if m.state != StateConnected {
		reply <- pingResult{err: protocol.NewErrorInfo(protocol.ErrBadRequest, http.StatusBadRequest,
			"cannot ping while connection is %s", m.state)}
		return
	}

	id := ulid.Make().String()
	if err := m.transport.Send(&protocol.ProtocolMessage{Action: protocol.ActionHeartbeat, ID: id}); err != nil {
		reply <- pingResult{err: toErrorInfo(err)}
		return
	}

	p := &pendingPing{start: time.Now(), reply: reply, timer: m.exec.NewTimer()}
	m.pings[id] = p
	p.timer.Reset(m.cfg.RealtimeRequestTimeout, func() {
		delete(m.pings, id)
		p.reply <- pingResult{err: protocol.NewErrorInfo(protocol.ErrTimeout, http.StatusGatewayTimeout,
			"no heartbeat reply within %s", m.cfg.RealtimeRequestTimeout)}
	})
}

func (m *Manager) onHeartbeat(msg *protocol.ProtocolMessage) {
	if msg.ID == "" {
		return
	}
	p, ok := m.pings[msg.ID]
	if !ok {
		return
	}
	delete(m.pings, msg.ID)
	p.timer.Stop()
	p.reply <- pingResult{rtt: time.Since(p.start)}
}

// Send writes msg on the live transport. It must be called on the
// dispatch goroutine.
func (m *Manager) Send(msg *protocol.ProtocolMessage) error {
	if m.state != StateConnected || m.transport == nil {
		return transport.ErrNotConnected
	}
	return m.transport.Send(msg)
}

// Enqueue publishes msg and calls done with the server's verdict. While the
// connection is being established the message is queued, when queueing
// is enabled. It must be called on the dispatch goroutine.
func (m *Manager) Enqueue(msg *protocol.ProtocolMessage, done func(error)) {
	p := &pendingMessage{msg: msg, done: done}
	switch m.state {
	case StateConnected:
		m.sendPending(p)
	case StateInitialized, StateConnecting, StateDisconnected:
		if !m.cfg.QueueMessagesEnabled() {
			done(protocol.NewErrorInfo(protocol.ErrConnectionFailed, http.StatusBadRequest,
				"connection is %s and message queueing is disabled", m.state))
			return
		}
		m.queued = append(m.queued, p)
	default:
		reason := m.errorReason
		if reason == nil {
			reason = protocol.NewErrorInfo(protocol.ErrConnectionFailed, http.StatusBadRequest,
				"connection is %s", m.state)
		}
		done(reason)
	}
}

// Publish sends msg and waits for the ACK.
func (m *Manager) Publish(ctx context.Context, msg *protocol.ProtocolMessage) error {
	return m.call(ctx, func(reply chan error) {
		m.Enqueue(msg, func(err error) { reply <- err })
	})
}

func (m *Manager) sendPending(p *pendingMessage) {
	p.msg.MsgSerial = m.msgSerial
	m.msgSerial++
	m.pending = append(m.pending, p)
	if err := m.transport.Send(p.msg); err != nil {
		m.logger.Debug("send failed, message stays pending", "msg_serial", p.msg.MsgSerial, "error", err)
	}
}

// flushMessages resends unacknowledged messages, renumbered when the
// previous session is gone, then sends the queue.
func (m *Manager) flushMessages(resumed bool) {
	if resumed {
		for _, p := range m.pending {
			if err := m.transport.Send(p.msg); err != nil {
				m.logger.Debug("resend failed", "msg_serial", p.msg.MsgSerial, "error", err)
			}
		}
	} else {
		m.msgSerial = 0
		old := m.pending
		m.pending = nil
		for _, p := range old {
			m.sendPending(p)
		}
	}

	queued := m.queued
	m.queued = nil
	for _, p := range queued {
		m.sendPending(p)
	}
}

func (m *Manager) onAck(msg *protocol.ProtocolMessage, reason *protocol.ErrorInfo) {
	count := int64(msg.Count)
	if count < 1 {
		count = 1
	}
	first, last := msg.MsgSerial, msg.MsgSerial+count

	kept := make([]*pendingMessage, 0, len(m.pending))
	for _, p := range m.pending {
		if s := p.msg.MsgSerial; s >= first && s < last {
			if reason != nil {
				p.done(reason)
			} else {
				p.done(nil)
			}
			continue
		}
		kept = append(kept, p)
	}
	m.pending = kept
}

func (m *Manager) failMessages(reason *protocol.ErrorInfo) {
	for _, p := range m.pending {
		p.done(reason)
	}
	for _, p := range m.queued {
		p.done(reason)
	}
	m.pending = nil
	m.queued = nil
}

func (m *Manager) setState(to State, reason *protocol.ErrorInfo, retryIn time.Duration, resumed bool) {
	m.mu.Lock()
	from := m.state
	m.state = to
	if reason != nil || to == StateConnected {
		m.errorReason = reason
	}
	m.mu.Unlock()

	change := StateChange{
		Previous: from,
		Current:  to,
		Event:    EventFor(to),
		Reason:   reason,
		RetryIn:  retryIn,
		Resumed:  resumed,
	}
	if reason != nil {
		m.logger.Info("connection state changed", "from", from, "to", to, "reason", reason)
	} else {
		m.logger.Info("connection state changed", "from", from, "to", to)
	}

	if m.router != nil {
		m.router.OnConnectionStateChange(change)
	}
	m.emitter.Emit(change.Event, change)
	m.resolveConnectWaiters(to, reason)
}

func (m *Manager) emitUpdate(reason *protocol.ErrorInfo) {
	if reason != nil {
		m.mu.Lock()
		m.errorReason = reason
		m.mu.Unlock()
	}
	change := StateChange{
		Previous: StateConnected,
		Current:  StateConnected,
		Event:    EventUpdate,
		Reason:   reason,
		Resumed:  true,
	}
	if m.router != nil {
		m.router.OnConnectionStateChange(change)
	}
	m.emitter.Emit(EventUpdate, change)
}

func (m *Manager) resolveConnectWaiters(state State, reason *protocol.ErrorInfo) {
	var err error
	switch state {
	case StateConnected:
	case StateDisconnected, StateSuspended, StateFailed, StateClosed:
		if reason != nil {
			err = reason
		} else {
			err = protocol.NewErrorInfo(protocol.ErrConnectionFailed, http.StatusBadRequest, "connection %s", state)
		}
	default:
		return
	}
	for _, w := range m.connectWaiters {
		w <- err
	}
	m.connectWaiters = nil
}

// toErrorInfo maps any error onto the protocol taxonomy. Errors without an
// ErrorInfo in their chain are network failures.
func toErrorInfo(err error) *protocol.ErrorInfo {
	if err == nil {
		return nil
	}
	var info *protocol.ErrorInfo
	if errors.As(err, &info) {
		return info
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return protocol.WrapError(protocol.ErrTimeout, http.StatusGatewayTimeout, err)
	}
	return protocol.WrapError(protocol.ErrDisconnected, http.StatusBadRequest, err)
}

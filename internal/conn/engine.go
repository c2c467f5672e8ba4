package conn

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/agentmesh/mesh-go/internal/dedup"
	"github.com/agentmesh/mesh-go/internal/metrics"
	"github.com/agentmesh/mesh-go/internal/queue"
	"github.com/agentmesh/mesh-go/internal/ratelimit"
	"github.com/agentmesh/mesh-go/internal/registry"
	"github.com/agentmesh/mesh-go/internal/retry"
	"github.com/agentmesh/mesh-go/internal/signature"
	"github.com/agentmesh/mesh-go/pkg/events"
	"github.com/agentmesh/mesh-go/pkg/mesherr"
	"github.com/agentmesh/mesh-go/pkg/wire"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultAuthTimeout    = 15 * time.Second
	defaultCachedAuthWait = 2 * time.Second
	defaultPingInterval   = 30 * time.Second
	defaultPongWait       = 60 * time.Second // must exceed PingInterval
	defaultWriteWait      = 10 * time.Second
	defaultRequestTimeout = 30 * time.Second
	defaultRateWait       = 5 * time.Second
	defaultMaxMessageSize = 1 << 20
	defaultSendQueueCap   = 100
	defaultRate           = 10
	defaultBurst          = 20

	readBufferSize  = 4096
	writeBufferSize = 4096
)

// Options configures the connection engine. Zero values fall back to
// defaults.
type Options struct {
	// URL is the transport endpoint, scheme ws or wss.
	URL string

	// WebhookURL, when set, is appended to the transport URL as the
	// webhookUrl query parameter so the network can mirror traffic.
	WebhookURL string

	ConnectTimeout time.Duration
	AuthTimeout    time.Duration
	CachedAuthWait time.Duration
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	RequestTimeout time.Duration

	// RateWait bounds how long a send blocks on the rate limiter.
	RateWait time.Duration

	MaxMessageSize int
	SendQueueCap   int
	Rate           float64
	Burst          int

	// Reconnect enables the automatic reconnect loop on unexpected close.
	Reconnect bool

	// ReconnectPolicy schedules reconnect attempts. Nil uses exponential
	// backoff from 1s capped at 30s with jitter, 10 attempts.
	ReconnectPolicy *retry.Policy

	// Signer holds the identity key. Nil skips the auth handshake.
	Signer *signature.Signer

	// Dedup, when set, is cleared on disconnect so a fresh session does
	// not suppress replayed ids from the previous one.
	Dedup *dedup.Cache

	// OnFrame receives every inbound frame that did not resolve a pending
	// request. The message pipeline hangs off this hook.
	OnFrame func(*wire.Frame)
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = defaultAuthTimeout
	}
	if o.CachedAuthWait <= 0 {
		o.CachedAuthWait = defaultCachedAuthWait
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.PongWait <= 0 {
		o.PongWait = defaultPongWait
	}
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = defaultRequestTimeout
	}
	if o.RateWait <= 0 {
		o.RateWait = defaultRateWait
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
	if o.SendQueueCap <= 0 {
		o.SendQueueCap = defaultSendQueueCap
	}
	if o.Rate <= 0 {
		o.Rate = defaultRate
	}
	if o.Burst <= 0 {
		o.Burst = defaultBurst
	}
	if o.ReconnectPolicy == nil {
		o.ReconnectPolicy = &retry.Policy{
			Type:        retry.Exponential,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
			MaxAttempts: 10,
			Jitter:      true,
		}
	}
	return o
}

// session is one socket's lifetime. A new session replaces the old one on
// every connect; goroutines hold the session they were started for and
// stand down when it is no longer current.
type session struct {
	conn     *websocket.Conn
	done     chan struct{}
	authDone chan struct{}
	authErr  chan error

	once     sync.Once
	authOnce sync.Once
}

func newSession(c *websocket.Conn) *session {
	return &session{
		conn:     c,
		done:     make(chan struct{}),
		authDone: make(chan struct{}),
		authErr:  make(chan error, 1),
	}
}

// finish closes the socket exactly once and signals every goroutine
// waiting on the session.
func (s *session) finish() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *session) markAuthed() {
	s.authOnce.Do(func() {
		close(s.authDone)
	})
}

// Engine owns the transport. All writes are serialized through writeMu to
// preserve wire order; the read loop is the only reader.
type Engine struct {
	opts    Options
	bus     *events.Bus
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	limiter *ratelimit.Bucket
	outbox  *queue.Queue[*wire.Frame]
	pending *pendingTable
	dialer  *websocket.Dialer

	mu            sync.Mutex // guards state, authState, sess, rooms, attempt, lastErr, reconnectStop
	state         State
	authState     AuthState
	sess          *session
	rooms         *registry.Rooms
	attempt       int
	lastErr       error
	reconnectStop chan struct{}

	writeMu   sync.Mutex // serializes transport writes
	connectMu sync.Mutex // serializes connect attempts

	intentional atomic.Bool
	destroyed   atomic.Bool
}

// NewEngine builds an engine. Nothing touches the network until Connect.
func NewEngine(opts Options, bus *events.Bus, log logrus.FieldLogger, m *metrics.Metrics) *Engine {
	opts = opts.withDefaults()
	if log == nil {
		log = logrus.StandardLogger()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Engine{
		opts:    opts,
		bus:     bus,
		log:     log.WithField("component", "conn"),
		metrics: m,
		limiter: ratelimit.New(opts.Rate, opts.Burst),
		outbox:  queue.New[*wire.Frame](opts.SendQueueCap, queue.Reject),
		pending: newPendingTable(),
		dialer: &websocket.Dialer{
			HandshakeTimeout: opts.ConnectTimeout,
			ReadBufferSize:   readBufferSize,
			WriteBufferSize:  writeBufferSize,
		},
	}
}

// SetRoomRegistry attaches the room registry consulted for re-subscribe
// after a reconnect.
func (e *Engine) SetRoomRegistry(r *registry.Rooms) {
	e.mu.Lock()
	e.rooms = r
	e.mu.Unlock()
}

// ============================================================================
// CONNECT / DISCONNECT
// ============================================================================

// Connect opens the transport and runs the auth handshake. Any previous
// session is torn down first.
func (e *Engine) Connect(ctx context.Context) error {
	if e.destroyed.Load() {
		return mesherr.New(mesherr.CodeSDK, "engine destroyed")
	}
	e.connectMu.Lock()
	defer e.connectMu.Unlock()

	e.intentional.Store(false)
	e.mu.Lock()
	e.attempt = 0
	e.mu.Unlock()

	return e.connectOnce(ctx)
}

func (e *Engine) connectOnce(ctx context.Context) error {
	e.teardown(nil)

	wsURL, err := e.buildURL()
	if err != nil {
		return err
	}

	e.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, e.opts.ConnectTimeout)
	defer cancel()
	conn, resp, err := e.dialer.DialContext(dialCtx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		e.setState(StateIdle)
		return mesherr.Wrap(mesherr.CodeConnection, err, "websocket dial failed")
	}

	conn.SetReadLimit(int64(e.opts.MaxMessageSize))
	conn.SetReadDeadline(time.Now().Add(e.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(e.opts.PongWait))
		return nil
	})

	sess := newSession(conn)
	e.mu.Lock()
	e.sess = sess
	e.lastErr = nil
	e.mu.Unlock()

	e.log.WithField("url", e.opts.URL).Info("websocket connected")
	e.emit(events.TypeConnOpen, map[string]interface{}{"url": e.opts.URL}, nil)

	go e.readLoop(sess)
	go e.heartbeat(sess)

	if e.opts.Signer == nil {
		e.setAuthState(AuthNone)
		e.setState(StateReady)
		e.emit(events.TypeConnReady, nil, nil)
		e.rejoinRooms()
		e.drainOutbox()
		return nil
	}

	e.setState(StateAuthenticating)
	e.setAuthState(AuthPending)
	if err := e.authenticate(sess); err != nil {
		e.teardown(sess)
		e.setAuthState(AuthNone)
		e.setState(StateIdle)
		return err
	}

	e.setState(StateReady)
	e.emit(events.TypeConnReady, map[string]interface{}{"address": e.opts.Signer.Address()}, nil)
	e.rejoinRooms()
	e.drainOutbox()
	return nil
}

// buildURL validates the transport URL and appends the webhookUrl query
// parameter when a webhook target is configured.
func (e *Engine) buildURL() (string, error) {
	u, err := url.Parse(e.opts.URL)
	if err != nil {
		return "", mesherr.Wrap(mesherr.CodeConfiguration, err, "transport url does not parse")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", mesherr.Newf(mesherr.CodeConfiguration, "transport url scheme %q is not ws or wss", u.Scheme)
	}
	if e.opts.WebhookURL != "" {
		q := u.Query()
		q.Set("webhookUrl", e.opts.WebhookURL)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// authenticate runs the handshake: probe for a cached session, then fall
// back to the challenge flow. The pipeline's challenge handler sends the
// signed reply; this method only waits on the outcome latches.
func (e *Engine) authenticate(sess *session) error {
	deadline := time.NewTimer(e.opts.AuthTimeout)
	defer deadline.Stop()

	addr := e.opts.Signer.Address()

	probe := wire.New(wire.KindCheckCachedAuth)
	probe.From = addr
	if err := e.writeFrame(sess, probe); err != nil {
		e.metrics.RecordAuth("failure")
		return mesherr.Wrap(mesherr.CodeConnection, err, "cached-auth probe failed")
	}

	cached := time.NewTimer(e.opts.CachedAuthWait)
	defer cached.Stop()
	select {
	case <-sess.authDone:
		return nil
	case err := <-sess.authErr:
		return err
	case <-sess.done:
		e.metrics.RecordAuth("failure")
		err := mesherr.New(mesherr.CodeConnection, "connection lost during authentication")
		e.emit(events.TypeAuthError, nil, err)
		return err
	case <-deadline.C:
		return e.authTimeout()
	case <-cached.C:
	}

	req := wire.New(wire.KindRequestChallenge)
	req.From = addr
	if err := e.writeFrame(sess, req); err != nil {
		e.metrics.RecordAuth("failure")
		return mesherr.Wrap(mesherr.CodeConnection, err, "challenge request failed")
	}

	select {
	case <-sess.authDone:
		return nil
	case err := <-sess.authErr:
		return err
	case <-sess.done:
		e.metrics.RecordAuth("failure")
		err := mesherr.New(mesherr.CodeConnection, "connection lost during authentication")
		e.emit(events.TypeAuthError, nil, err)
		return err
	case <-deadline.C:
		return e.authTimeout()
	}
}

func (e *Engine) authTimeout() error {
	e.metrics.RecordAuth("timeout")
	err := mesherr.Newf(mesherr.CodeAuthentication, "authentication timed out after %s", e.opts.AuthTimeout)
	e.emit(events.TypeAuthError, nil, err)
	return err
}

// Disconnect closes the transport intentionally: no reconnect follows,
// pending requests are rejected, and the dedup cache is cleared.
func (e *Engine) Disconnect() {
	e.intentional.Store(true)

	e.mu.Lock()
	stop := e.reconnectStop
	e.reconnectStop = nil
	sess := e.sess
	e.sess = nil
	e.mu.Unlock()
	if stop != nil {
		close(stop)
	}

	e.setState(StateDisconnecting)
	e.pending.rejectAll(mesherr.New(mesherr.CodeConnection, "connection closed"))
	e.metrics.SetPendingRequests(0)

	if sess != nil {
		e.writeClose(sess)
		sess.finish()
	}
	if e.opts.Dedup != nil {
		e.opts.Dedup.Clear()
	}

	e.setAuthState(AuthNone)
	e.setState(StateIdle)
	e.emit(events.TypeConnDisconnect, nil, nil)
	e.log.Info("disconnected")
}

// Destroy disconnects and permanently disables the engine.
func (e *Engine) Destroy() {
	if !e.destroyed.CompareAndSwap(false, true) {
		return
	}
	e.Disconnect()
}

// teardown closes the current session. With target set, only that session
// is closed; a session that was already replaced is left alone.
func (e *Engine) teardown(target *session) {
	e.mu.Lock()
	sess := e.sess
	if sess == nil || (target != nil && sess != target) {
		e.mu.Unlock()
		return
	}
	e.sess = nil
	e.mu.Unlock()
	sess.finish()
}

// writeClose sends a normal-closure close frame before the socket drops.
func (e *Engine) writeClose(sess *session) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	sess.conn.SetWriteDeadline(time.Now().Add(e.opts.WriteWait))
	sess.conn.WriteMessage(websocket.CloseMessage, msg)
}

// ============================================================================
// OUTBOUND
// ============================================================================

var authKinds = map[wire.Kind]struct{}{
	wire.KindRequestChallenge: {},
	wire.KindCheckCachedAuth:  {},
	wire.KindAuth:             {},
}

// Send validates, stamps, rate-limits and writes one frame. While the
// engine authenticates or reconnects, non-auth frames are queued and
// drained in FIFO order once the session is ready.
func (e *Engine) Send(ctx context.Context, f *wire.Frame) error {
	if e.destroyed.Load() {
		return mesherr.New(mesherr.CodeSDK, "engine destroyed")
	}
	if f == nil {
		return mesherr.New(mesherr.CodeValidation, "nil frame")
	}
	if err := f.Validate(); err != nil {
		e.metrics.RecordFrameError("validate")
		return err
	}

	e.mu.Lock()
	state := e.state
	sess := e.sess
	e.mu.Unlock()

	_, isAuth := authKinds[f.Kind]
	switch {
	case state == StateReady && sess != nil:
	case state == StateAuthenticating && isAuth && sess != nil:
	case state == StateAuthenticating || state == StateReconnecting:
		return e.enqueueOutbound(f)
	default:
		return mesherr.Newf(mesherr.CodeConnection, "cannot send while %s", state)
	}

	f.Stamp()
	if err := e.limiter.Consume(ctx, e.opts.RateWait); err != nil {
		e.metrics.RecordFrameError("ratelimit")
		return err
	}

	data, err := f.Marshal()
	if err != nil {
		e.metrics.RecordFrameError("marshal")
		return err
	}
	if err := wire.CheckSize(data, e.opts.MaxMessageSize); err != nil {
		e.metrics.RecordFrameError("size")
		return err
	}

	started := time.Now()
	if err := e.writeData(sess, data); err != nil {
		e.metrics.RecordFrameError("write")
		return mesherr.Wrap(mesherr.CodeConnection, err, "transport write failed")
	}
	e.metrics.ObserveSend(time.Since(started).Seconds())
	e.metrics.RecordFrameSent(string(f.Kind))
	e.emitFrame(events.TypeMessageSent, f, nil)
	return nil
}

func (e *Engine) enqueueOutbound(f *wire.Frame) error {
	if _, _, err := e.outbox.Push(f); err != nil {
		return err
	}
	e.log.WithField("kind", f.Kind).Debug("frame queued until session is ready")
	return nil
}

// drainOutbox flushes frames queued during auth or reconnect through the
// normal send path. A frame that fails to send is reported and dropped;
// the rest keep draining.
func (e *Engine) drainOutbox() {
	for _, f := range e.outbox.Drain() {
		if err := e.Send(context.Background(), f); err != nil {
			e.log.WithError(err).WithField("kind", f.Kind).Warn("dropped queued frame")
			e.emitFrame(events.TypeMessageError, f, err)
		}
	}
}

// writeFrame stamps, serializes and writes a frame outside the Send state
// machine. The auth handshake and heartbeat use it directly.
func (e *Engine) writeFrame(sess *session, f *wire.Frame) error {
	f.Stamp()
	data, err := f.Marshal()
	if err != nil {
		return err
	}
	if err := wire.CheckSize(data, e.opts.MaxMessageSize); err != nil {
		return err
	}
	return e.writeData(sess, data)
}

func (e *Engine) writeData(sess *session, data []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	sess.conn.SetWriteDeadline(time.Now().Add(e.opts.WriteWait))
	return sess.conn.WriteMessage(websocket.TextMessage, data)
}

// ============================================================================
// REQUEST / RESPONSE
// ============================================================================

// Request sends a frame and waits for the inbound frame that echoes its
// id. A zero timeout uses the configured default.
func (e *Engine) Request(ctx context.Context, f *wire.Frame, timeout time.Duration) (*wire.Frame, error) {
	if f == nil {
		return nil, mesherr.New(mesherr.CodeValidation, "nil frame")
	}
	if timeout <= 0 {
		timeout = e.opts.RequestTimeout
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}

	ch := e.pending.add(f.ID)
	e.metrics.SetPendingRequests(float64(e.pending.len()))

	if err := e.Send(ctx, f); err != nil {
		e.pending.remove(f.ID)
		e.metrics.SetPendingRequests(float64(e.pending.len()))
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		e.metrics.SetPendingRequests(float64(e.pending.len()))
		return r.frame, r.err
	case <-timer.C:
		e.pending.remove(f.ID)
		e.metrics.SetPendingRequests(float64(e.pending.len()))
		return nil, mesherr.Newf(mesherr.CodeTimeout, "%s request timed out after %s", f.Kind, timeout)
	case <-ctx.Done():
		e.pending.remove(f.ID)
		e.metrics.SetPendingRequests(float64(e.pending.len()))
		return nil, mesherr.Wrap(mesherr.CodeTimeout, ctx.Err(), "request aborted")
	}
}

// ============================================================================
// INBOUND
// ============================================================================

func (e *Engine) readLoop(sess *session) {
	var readErr error
	defer func() {
		sess.finish()
		e.handleClosed(sess, readErr)
	}()

	for {
		_, raw, err := sess.conn.ReadMessage()
		if err != nil {
			readErr = err
			return
		}
		sess.conn.SetReadDeadline(time.Now().Add(e.opts.PongWait))
		e.handleInbound(raw)
	}
}

func (e *Engine) handleInbound(raw []byte) {
	f, err := wire.Decode(raw)
	if err != nil {
		e.metrics.RecordFrameError("decode")
		e.log.WithError(err).Warn("dropping frame that failed validation")
		e.emit(events.TypeMessageError, nil, err)
		return
	}

	e.metrics.RecordFrameReceived(string(f.Kind))
	e.emitFrame(events.TypeMessageReceived, f, nil)

	if f.ID != "" && e.pending.resolve(f.ID, f) {
		e.metrics.SetPendingRequests(float64(e.pending.len()))
		return
	}
	if e.opts.OnFrame != nil {
		e.opts.OnFrame(f)
	}
}

// heartbeat sends a ping frame every PingInterval while the session is
// current and the socket is usable. A failed write kills the session so
// the read loop notices and the reconnect policy takes over.
func (e *Engine) heartbeat(sess *session) {
	ticker := time.NewTicker(e.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
			e.mu.Lock()
			current := e.sess == sess
			open := current && (e.state == StateReady || e.state == StateAuthenticating)
			e.mu.Unlock()
			if !current {
				return
			}
			if !open {
				continue
			}
			if err := e.writeFrame(sess, wire.New(wire.KindPing)); err != nil {
				e.log.WithError(err).Warn("heartbeat write failed")
				sess.finish()
				return
			}
		}
	}
}

// ============================================================================
// RECONNECT
// ============================================================================

// handleClosed runs when a read loop exits. Only the current session
// drives state changes; replaced sessions fall through silently.
func (e *Engine) handleClosed(sess *session, err error) {
	e.mu.Lock()
	current := e.sess == sess
	if current {
		e.sess = nil
		e.lastErr = err
	}
	e.mu.Unlock()
	if !current {
		return
	}

	code, reason := closeInfo(err)
	e.log.WithFields(logrus.Fields{"code": code, "reason": reason}).Info("websocket closed")
	e.emit(events.TypeConnClose, map[string]interface{}{"code": code, "reason": reason}, nil)

	e.setAuthState(AuthNone)
	if e.intentional.Load() || e.destroyed.Load() || !e.opts.Reconnect {
		e.setState(StateIdle)
		return
	}
	e.reconnectLoop()
}

// reconnectLoop schedules one connect attempt per iteration until one
// succeeds, the retry budget runs out, or a disconnect interrupts it.
func (e *Engine) reconnectLoop() {
	policy := *e.opts.ReconnectPolicy
	for {
		if e.intentional.Load() || e.destroyed.Load() {
			e.setState(StateIdle)
			return
		}

		e.mu.Lock()
		e.attempt++
		attempt := e.attempt
		stop := make(chan struct{})
		e.reconnectStop = stop
		e.mu.Unlock()

		if !policy.ShouldRetry(attempt) {
			e.setState(StateIdle)
			err := mesherr.Newf(mesherr.CodeConnection, "gave up reconnecting after %d attempts", attempt-1)
			e.log.WithError(err).Error("reconnect budget exhausted")
			e.emit(events.TypeError, nil, err)
			return
		}

		delay, derr := policy.Delay(attempt)
		if derr != nil {
			delay = time.Second
		}
		e.setState(StateReconnecting)
		e.log.WithFields(logrus.Fields{"attempt": attempt, "delay": delay}).Info("reconnecting")
		e.emit(events.TypeConnReconnecting, map[string]interface{}{
			"attempt": attempt,
			"delay":   delay,
		}, nil)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-stop:
			timer.Stop()
			e.setState(StateIdle)
			return
		}

		if e.intentional.Load() || e.destroyed.Load() {
			e.setState(StateIdle)
			return
		}

		e.connectMu.Lock()
		err := e.connectOnce(context.Background())
		e.connectMu.Unlock()
		if err == nil {
			e.mu.Lock()
			e.attempt = 0
			e.reconnectStop = nil
			e.mu.Unlock()
			e.metrics.RecordReconnect()
			e.emit(events.TypeConnReconnected, map[string]interface{}{"attempt": attempt}, nil)
			e.log.WithField("attempt", attempt).Info("reconnected")
			return
		}
		e.log.WithError(err).WithField("attempt", attempt).Warn("reconnect attempt failed")
	}
}

// rejoinRooms re-subscribes every room the registry remembers. On a first
// connect the registry is empty and this is a no-op.
func (e *Engine) rejoinRooms() {
	e.mu.Lock()
	rooms := e.rooms
	e.mu.Unlock()
	if rooms == nil {
		return
	}
	for _, room := range rooms.List() {
		f := wire.New(wire.KindSubscribe)
		f.Room = room
		if err := e.Send(context.Background(), f); err != nil {
			e.log.WithError(err).WithField("room", room).Warn("room re-subscribe failed")
		}
	}
}

func closeInfo(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	if err == nil {
		return websocket.CloseNormalClosure, ""
	}
	return websocket.CloseAbnormalClosure, err.Error()
}

// ============================================================================
// AUTH HOOKS + STATE
// ============================================================================

// AuthSucceeded is called by the pipeline when an auth_success frame
// arrives. It releases the connect handshake and flips the auth state.
func (e *Engine) AuthSucceeded(address string) {
	e.mu.Lock()
	sess := e.sess
	changed := e.authState != AuthAuthenticated
	e.authState = AuthAuthenticated
	e.mu.Unlock()

	if sess != nil {
		sess.markAuthed()
	}
	if !changed {
		return
	}
	e.metrics.RecordAuth("success")
	e.log.WithField("address", address).Info("authenticated")
	e.emit(events.TypeAuthState, map[string]interface{}{"state": AuthAuthenticated.String()}, nil)
	e.emit(events.TypeAuthSuccess, map[string]interface{}{"address": address}, nil)
}

// AuthFailed is called by the pipeline when the network rejects the
// handshake.
func (e *Engine) AuthFailed(err error) {
	e.mu.Lock()
	sess := e.sess
	e.mu.Unlock()

	e.metrics.RecordAuth("failure")
	e.setAuthState(AuthNone)
	e.emit(events.TypeAuthError, nil, err)
	if sess != nil {
		select {
		case sess.authErr <- err:
		default:
		}
	}
}

// State reports the engine lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// AuthState reports the handshake state.
func (e *Engine) AuthState() AuthState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.authState
}

// LastError reports the error that ended the most recent session.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// QueuedFrames reports how many outbound frames await a ready session.
func (e *Engine) QueuedFrames() int {
	return e.outbox.Len()
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	old := e.state
	if old == s {
		e.mu.Unlock()
		return
	}
	e.state = s
	e.mu.Unlock()

	e.metrics.SetConnectionState(float64(s))
	e.log.WithFields(logrus.Fields{"from": old.String(), "to": s.String()}).Debug("connection state changed")
	e.emit(events.TypeConnState, map[string]interface{}{"from": old.String(), "to": s.String()}, nil)
}

func (e *Engine) setAuthState(a AuthState) {
	e.mu.Lock()
	old := e.authState
	if old == a {
		e.mu.Unlock()
		return
	}
	e.authState = a
	e.mu.Unlock()

	e.emit(events.TypeAuthState, map[string]interface{}{"state": a.String()}, nil)
}

func (e *Engine) emit(t events.Type, data map[string]interface{}, err error) {
	ev := events.New(t, "conn", data)
	if err != nil {
		ev = ev.WithError(err)
	}
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

func (e *Engine) emitFrame(t events.Type, f *wire.Frame, err error) {
	ev := events.New(t, "conn", nil).WithFrame(f)
	if err != nil {
		ev = ev.WithError(err)
	}
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

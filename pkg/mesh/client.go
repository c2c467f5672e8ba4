// Package mesh is the client runtime for the agent network: one persistent
// websocket with challenge-response authentication, typed frame traffic,
// and webhook fan-out of everything the server pushes.
//
// A Client owns a connection engine, an inbound pipeline, and an optional
// webhook delivery engine; they communicate over a typed event bus that
// callers can subscribe to via Events.
package mesh

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/agentmesh/mesh-go/internal/conn"
	"github.com/agentmesh/mesh-go/internal/dedup"
	"github.com/agentmesh/mesh-go/internal/keys"
	"github.com/agentmesh/mesh-go/internal/metrics"
	"github.com/agentmesh/mesh-go/internal/pipeline"
	"github.com/agentmesh/mesh-go/internal/registry"
	"github.com/agentmesh/mesh-go/internal/retry"
	"github.com/agentmesh/mesh-go/internal/signature"
	"github.com/agentmesh/mesh-go/internal/webhook"
	"github.com/agentmesh/mesh-go/pkg/events"
	"github.com/agentmesh/mesh-go/pkg/mesherr"
	"github.com/agentmesh/mesh-go/pkg/wire"
)

// Client is the public face of the SDK. All methods are safe for
// concurrent use.
type Client struct {
	cfg     Config
	baseLog logrus.FieldLogger
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	bus     *events.Bus

	engine *conn.Engine
	pipe   *pipeline.Pipeline
	signer *signature.Signer
	dedup  *dedup.Cache
	rooms  *registry.Rooms
	agents *registry.Agents

	mu    sync.Mutex // guards hooks
	hooks *webhook.Engine

	fwd     <-chan *events.Event
	fwdDone chan struct{}
	closed  atomic.Bool
}

// New validates the config and assembles a client. Nothing touches the
// network until Connect.
func New(cfg Config) (*Client, error) {
	cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	baseLog := cfg.Logger
	if baseLog == nil {
		baseLog = logrus.StandardLogger()
	}
	m := metrics.Nop()
	if cfg.MetricsRegisterer != nil {
		m = metrics.New(cfg.MetricsRegisterer)
	}

	c := &Client{
		cfg:     cfg,
		baseLog: baseLog,
		log:     baseLog.WithField("component", "mesh"),
		metrics: m,
		bus:     events.NewBus(cfg.EventBufferSize),
		rooms:   registry.NewRooms(),
		agents:  registry.NewAgents(0),
		fwdDone: make(chan struct{}),
	}

	key := cfg.Key
	if key == nil && cfg.PrivateKey != "" {
		var err error
		key, err = keys.FromHex(cfg.PrivateKey)
		if err != nil {
			c.bus.Close()
			return nil, mesherr.Wrap(mesherr.CodeConfiguration, err, "private key is not usable")
		}
	}
	if key != nil {
		c.signer = signature.NewSigner(key)
		if cfg.WalletAddress != "" && !strings.EqualFold(cfg.WalletAddress, c.signer.Address()) {
			c.bus.Close()
			return nil, mesherr.Newf(mesherr.CodeConfiguration,
				"wallet address %s does not match the signing key (derived %s)",
				cfg.WalletAddress, c.signer.Address())
		}
	}

	c.dedup = dedup.Disabled()
	if cfg.EnableMessageDeduplication {
		c.dedup = dedup.New(cfg.MessageDedupeTTL, cfg.MessageDedupeMaxSize)
	}

	var verifier *signature.Verifier
	if cfg.ValidateSignatures {
		verifier = signature.NewVerifier(signature.Config{
			TrustedAddresses: cfg.TrustedAgentAddresses,
			RequireFor:       cfg.RequireSignaturesFor,
			StrictMode:       cfg.StrictSignatureValidation,
		})
	}

	c.engine = conn.NewEngine(conn.Options{
		URL:            cfg.WSURL,
		WebhookURL:     cfg.WebhookURL,
		ConnectTimeout: cfg.ConnectionTimeout,
		RequestTimeout: cfg.MessageTimeout,
		MaxMessageSize: cfg.MaxMessageSize,
		SendQueueCap:   cfg.SendQueueCap,
		Rate:           cfg.MaxMessagesPerSecond,
		Burst:          cfg.SendBurst,
		Reconnect:      !cfg.DisableReconnect,
		ReconnectPolicy: &retry.Policy{
			Type:        cfg.ReconnectStrategy,
			BaseDelay:   cfg.ReconnectDelay,
			MaxDelay:    cfg.MaxReconnectDelay,
			MaxAttempts: cfg.MaxReconnectAttempts,
			Jitter:      true,
		},
		Signer:  c.signer,
		Dedup:   c.dedup,
		OnFrame: func(f *wire.Frame) { c.pipe.Process(f) },
	}, c.bus, baseLog, m)
	c.engine.SetRoomRegistry(c.rooms)

	c.pipe = pipeline.New(pipeline.Options{
		Context: pipeline.HandlerContext{
			Send:          c.engine.Send,
			ConnState:     c.engine.State,
			AuthState:     c.engine.AuthState,
			AuthSucceeded: c.engine.AuthSucceeded,
			AuthFailed:    c.engine.AuthFailed,
			Rooms:         c.rooms,
			Agents:        c.agents,
			Signer:        c.signer,
			AgentName:     cfg.AgentName,
			Capabilities:  cfg.Capabilities,
		},
		Dedup:    c.dedup,
		Verifier: verifier,
	}, c.bus, baseLog, m)

	if cfg.WebhookURL != "" {
		hooks, err := webhook.NewEngine(buildWebhookConfig(cfg.webhookTarget()), c.bus, baseLog, m)
		if err != nil {
			c.engine.Destroy()
			c.bus.Close()
			return nil, err
		}
		c.hooks = hooks
	}

	// Seeding the registry makes the engine subscribe these on every
	// connect.
	for _, room := range cfg.AutoJoinRooms {
		c.rooms.Join(room)
	}

	c.fwd = c.bus.Subscribe(
		events.TypeMessageReceived,
		events.TypeTaskCreated,
		events.TypeAgentResponse,
		events.TypeAgentSelected,
		events.TypeError,
		events.TypeConnState,
		events.TypeAuthState,
	)
	go c.forward()

	return c, nil
}

// ==================== Lifecycle ====================

// Connect dials the transport, runs the auth handshake when a key is
// configured, subscribes the auto-join rooms, and drains frames queued
// while offline. It blocks until the session is ready or failed.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return mesherr.New(mesherr.CodeSDK, "client is closed")
	}
	return c.engine.Connect(ctx)
}

// Disconnect closes the session intentionally: pending requests are
// rejected, the dedup cache is cleared, and no reconnect is attempted.
func (c *Client) Disconnect() {
	c.engine.Disconnect()
	c.dedup.Clear()
}

// Close disconnects and tears down every owned component. The client is
// unusable afterwards.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.engine.Destroy()

	c.mu.Lock()
	hooks := c.hooks
	c.hooks = nil
	c.mu.Unlock()
	if hooks != nil {
		hooks.Destroy()
	}

	c.bus.Close()
	<-c.fwdDone
}

// ==================== Traffic ====================

// Send validates, rate-limits, and writes one frame. Chat and
// task-response frames are signed when a key is configured. While the
// client is reconnecting the frame is queued and drained in order after
// the next successful handshake.
func (c *Client) Send(ctx context.Context, f *wire.Frame) error {
	if c.closed.Load() {
		return mesherr.New(mesherr.CodeSDK, "client is closed")
	}
	if err := c.sign(f); err != nil {
		return err
	}
	return c.engine.Send(ctx, f)
}

// Request sends a frame carrying a correlation id and blocks until the
// reply with the same id arrives, the configured message timeout passes,
// or ctx is done.
func (c *Client) Request(ctx context.Context, f *wire.Frame) (*wire.Frame, error) {
	return c.RequestTimeout(ctx, f, c.cfg.MessageTimeout)
}

// RequestTimeout is Request with an explicit deadline.
func (c *Client) RequestTimeout(ctx context.Context, f *wire.Frame, timeout time.Duration) (*wire.Frame, error) {
	if c.closed.Load() {
		return nil, mesherr.New(mesherr.CodeSDK, "client is closed")
	}
	if err := c.sign(f); err != nil {
		return nil, err
	}
	return c.engine.Request(ctx, f, timeout)
}

// sign stamps and signs outbound chat and task-response frames. The
// timestamp must be fixed first because it participates in the canonical
// signable content.
func (c *Client) sign(f *wire.Frame) error {
	if c.signer == nil || f == nil || f.Signature != "" {
		return nil
	}
	if f.Kind != wire.KindMessage && f.Kind != wire.KindTaskResponse {
		return nil
	}
	f.Stamp()
	if f.From == "" {
		f.From = c.signer.Address()
	}
	return c.signer.SignFrame(f)
}

// SendMessage sends a chat message to a room.
func (c *Client) SendMessage(ctx context.Context, room, text string) error {
	f := wire.New(wire.KindMessage)
	f.ID = uuid.NewString()
	f.Room = room
	f.Content = text
	f.ContentType = "text/plain"
	return c.Send(ctx, f)
}

// CreateTask submits a task to a room and returns the generated task id.
func (c *Client) CreateTask(ctx context.Context, room, content string) (string, error) {
	f := wire.New(wire.KindTask)
	f.ID = uuid.NewString()
	f.TaskID = uuid.NewString()
	f.Room = room
	f.Content = content
	if err := c.Send(ctx, f); err != nil {
		return "", err
	}
	return f.TaskID, nil
}

// RespondToTask sends a signed task_response with the outcome of a task.
func (c *Client) RespondToTask(ctx context.Context, taskID, content string, success bool) error {
	f := wire.New(wire.KindTaskResponse)
	f.ID = uuid.NewString()
	f.TaskID = taskID
	f.Content = content
	f.Data = map[string]interface{}{"task_id": taskID, "success": success}
	return c.Send(ctx, f)
}

// ==================== Rooms ====================

// Subscribe joins a room and remembers it for rejoin after reconnects.
func (c *Client) Subscribe(ctx context.Context, room string) error {
	if room == "" {
		return mesherr.New(mesherr.CodeValidation, "room must not be empty")
	}
	f := wire.New(wire.KindSubscribe)
	f.Room = room
	if err := c.Send(ctx, f); err != nil {
		return err
	}
	if c.rooms.Join(room) {
		c.bus.Publish(events.New(events.TypeRoomJoined, "mesh",
			map[string]interface{}{"room": room}))
	}
	return nil
}

// Unsubscribe leaves a room.
func (c *Client) Unsubscribe(ctx context.Context, room string) error {
	if room == "" {
		return mesherr.New(mesherr.CodeValidation, "room must not be empty")
	}
	f := wire.New(wire.KindUnsubscribe)
	f.Room = room
	if err := c.Send(ctx, f); err != nil {
		return err
	}
	if c.rooms.Leave(room) {
		c.bus.Publish(events.New(events.TypeRoomLeft, "mesh",
			map[string]interface{}{"room": room}))
	}
	return nil
}

// ListRooms asks the server for the room list and publishes it as a
// room:list event.
func (c *Client) ListRooms(ctx context.Context) ([]string, error) {
	reply, err := c.Request(ctx, wire.New(wire.KindListRooms))
	if err != nil {
		return nil, err
	}
	rooms := make([]string, 0)
	if raw, ok := reply.Data["rooms"].([]interface{}); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				rooms = append(rooms, s)
			}
		}
	}
	c.bus.Publish(events.New(events.TypeRoomList, "mesh",
		map[string]interface{}{"rooms": rooms}))
	return rooms, nil
}

// ==================== Registration ====================

// RegisterAgent announces this client as an agent. Capabilities default to
// the configured set.
func (c *Client) RegisterAgent(ctx context.Context, capabilities ...string) error {
	name := c.cfg.AgentName
	if name == "" {
		return mesherr.New(mesherr.CodeConfiguration, "agent registration requires AgentName")
	}
	caps := capabilities
	if len(caps) == 0 {
		caps = c.cfg.Capabilities
	}
	capList := make([]interface{}, 0, len(caps))
	for _, cp := range caps {
		capList = append(capList, cp)
	}
	f := wire.New(wire.KindRegister)
	f.From = c.Address()
	f.Data = map[string]interface{}{
		"name":         name,
		"capabilities": capList,
		"client_type":  string(c.cfg.ClientType),
	}
	return c.Send(ctx, f)
}

// ==================== Webhook management ====================

// ConfigureWebhook installs or replaces the webhook target. The URL is
// validated immediately; an invalid target leaves the previous one active.
func (c *Client) ConfigureWebhook(cfg WebhookConfig) error {
	if c.closed.Load() {
		return mesherr.New(mesherr.CodeSDK, "client is closed")
	}
	if cfg.Retries == 0 {
		cfg.Retries = defaultWebhookRetries
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultWebhookTimeout
	}
	if cfg.RetryStrategy == "" {
		cfg.RetryStrategy = RetryExponential
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hooks != nil {
		return c.hooks.Configure(buildWebhookConfig(cfg))
	}
	hooks, err := webhook.NewEngine(buildWebhookConfig(cfg), c.bus, c.baseLog, c.metrics)
	if err != nil {
		return err
	}
	c.hooks = hooks
	return nil
}

// RetryFailedWebhooks requeues every webhook item that has failed at least
// once and returns how many were reset.
func (c *Client) RetryFailedWebhooks() int {
	c.mu.Lock()
	hooks := c.hooks
	c.mu.Unlock()
	if hooks == nil {
		return 0
	}
	return hooks.RetryFailed()
}

// ClearWebhookQueue drops all queued webhook deliveries.
func (c *Client) ClearWebhookQueue() int {
	c.mu.Lock()
	hooks := c.hooks
	c.mu.Unlock()
	if hooks == nil {
		return 0
	}
	return hooks.ClearQueue()
}

// WebhookQueueLen reports the number of queued webhook deliveries.
func (c *Client) WebhookQueueLen() int {
	c.mu.Lock()
	hooks := c.hooks
	c.mu.Unlock()
	if hooks == nil {
		return 0
	}
	return hooks.QueueLen()
}

// ==================== Introspection ====================

// Events returns a subscription to the client's event stream. With no
// arguments every event type is delivered. The channel closes on Close.
func (c *Client) Events(types ...events.Type) <-chan *events.Event {
	return c.bus.Subscribe(types...)
}

// StopEvents cancels a subscription obtained from Events.
func (c *Client) StopEvents(ch <-chan *events.Event) {
	c.bus.Unsubscribe(ch)
}

// Handle installs a custom handler for a frame kind, replacing the default.
func (c *Client) Handle(kind wire.Kind, h FrameHandler) {
	c.pipe.Register(kind, h)
}

// Agents returns a copy of the known agent roster.
func (c *Client) Agents() []Agent { return c.agents.All() }

// Rooms returns the joined rooms, sorted.
func (c *Client) Rooms() []string { return c.rooms.List() }

// ConnectionState reports the connection lifecycle state.
func (c *Client) ConnectionState() ConnectionState { return c.engine.State() }

// AuthState reports the handshake state.
func (c *Client) AuthState() AuthState { return c.engine.AuthState() }

// Address returns the signer address, or empty when unauthenticated.
func (c *Client) Address() string {
	if c.signer == nil {
		return ""
	}
	return c.signer.Address()
}

// QueuedFrames reports how many outbound frames wait for the next session.
func (c *Client) QueuedFrames() int { return c.engine.QueuedFrames() }

// LastError returns the most recent transport error, if any.
func (c *Client) LastError() error { return c.engine.LastError() }

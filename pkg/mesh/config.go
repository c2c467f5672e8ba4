package mesh

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/agentmesh/mesh-go/internal/retry"
	"github.com/agentmesh/mesh-go/internal/webhook"
	"github.com/agentmesh/mesh-go/pkg/mesherr"
	"github.com/agentmesh/mesh-go/pkg/wire"
)

// ClientType is the participant role announced during registration.
type ClientType string

const (
	ClientUser        ClientType = "user"
	ClientAgent       ClientType = "agent"
	ClientCoordinator ClientType = "coordinator"
)

func (c ClientType) valid() bool {
	switch c {
	case ClientUser, ClientAgent, ClientCoordinator:
		return true
	}
	return false
}

const (
	defaultConnectionTimeout    = 10 * time.Second
	defaultMessageTimeout       = 30 * time.Second
	defaultMaxMessageSize       = 1 << 20
	defaultRate                 = 10.0
	defaultBurst                = 20
	defaultSendQueueCap         = 100
	defaultReconnectDelay       = time.Second
	defaultMaxReconnectDelay    = 30 * time.Second
	defaultMaxReconnectAttempts = 10
	defaultDedupTTL             = time.Minute
	defaultDedupCap             = 10000
	defaultWebhookRetries       = 3
	defaultWebhookTimeout       = 30 * time.Second
	defaultEventBuffer          = 128
)

// WebhookConfig describes one delivery target for side-channel events.
type WebhookConfig struct {
	URL     string
	Headers map[string]string
	// Events filters which kinds are delivered. Empty means all.
	Events []WebhookEvent
	// Secret enables the X-Mesh-Signature HMAC header on every delivery.
	Secret        string
	Retries       int
	Timeout       time.Duration
	RetryStrategy RetryStrategy
	// AllowInsecure permits plain-http and localhost targets. Development
	// only; every other SSRF rule still applies.
	AllowInsecure bool
}

// Config carries every recognized client option. Zero values fall back to
// the documented defaults.
type Config struct {
	// WSURL is the transport endpoint. Required; the scheme must be ws
	// or wss.
	WSURL string

	// PrivateKey is hex signing material; Key is the pre-sealed
	// alternative. Set at most one. Without either the client connects
	// unauthenticated.
	PrivateKey string
	Key        *Key
	// WalletAddress pins the expected signer address. Checked against
	// the key at construction.
	WalletAddress string

	ClientType   ClientType
	AgentName    string
	Capabilities []string

	// AutoJoinRooms are subscribed after every successful connect,
	// including reconnects.
	AutoJoinRooms []string

	ConnectionTimeout    time.Duration
	MessageTimeout       time.Duration
	MaxMessageSize       int
	MaxMessagesPerSecond float64
	SendBurst            int
	SendQueueCap         int

	DisableReconnect     bool
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int
	ReconnectStrategy    RetryStrategy

	ValidateSignatures        bool
	TrustedAgentAddresses     []string
	RequireSignaturesFor      []wire.Kind
	StrictSignatureValidation bool

	EnableMessageDeduplication bool
	MessageDedupeTTL           time.Duration
	MessageDedupeMaxSize       int

	WebhookURL            string
	WebhookHeaders        map[string]string
	WebhookEvents         []WebhookEvent
	WebhookSecret         string
	WebhookRetries        int
	WebhookTimeout        time.Duration
	WebhookRetryStrategy  RetryStrategy
	AllowInsecureWebhooks bool

	// Logger receives all client logging. Defaults to the logrus
	// standard logger.
	Logger logrus.FieldLogger
	// MetricsRegisterer enables Prometheus instrumentation when set.
	MetricsRegisterer prometheus.Registerer
	EventBufferSize   int
}

func (c *Config) withDefaults() {
	if c.ClientType == "" {
		c.ClientType = ClientUser
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = defaultConnectionTimeout
	}
	if c.MessageTimeout == 0 {
		c.MessageTimeout = defaultMessageTimeout
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.MaxMessagesPerSecond == 0 {
		c.MaxMessagesPerSecond = defaultRate
	}
	if c.SendBurst == 0 {
		c.SendBurst = defaultBurst
	}
	if c.SendQueueCap == 0 {
		c.SendQueueCap = defaultSendQueueCap
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = defaultMaxReconnectDelay
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if c.ReconnectStrategy == "" {
		c.ReconnectStrategy = RetryExponential
	}
	if c.MessageDedupeTTL == 0 {
		c.MessageDedupeTTL = defaultDedupTTL
	}
	if c.MessageDedupeMaxSize == 0 {
		c.MessageDedupeMaxSize = defaultDedupCap
	}
	if c.WebhookRetries == 0 {
		c.WebhookRetries = defaultWebhookRetries
	}
	if c.WebhookTimeout == 0 {
		c.WebhookTimeout = defaultWebhookTimeout
	}
	if c.WebhookRetryStrategy == "" {
		c.WebhookRetryStrategy = RetryExponential
	}
	if c.EventBufferSize == 0 {
		c.EventBufferSize = defaultEventBuffer
	}
}

func (c *Config) validate() error {
	if c.WSURL == "" {
		return mesherr.New(mesherr.CodeConfiguration, "WSURL is required")
	}
	if !strings.HasPrefix(c.WSURL, "ws://") && !strings.HasPrefix(c.WSURL, "wss://") {
		return mesherr.Newf(mesherr.CodeConfiguration, "transport URL must use the ws or wss scheme, got %q", c.WSURL)
	}
	if c.PrivateKey != "" && c.Key != nil {
		return mesherr.New(mesherr.CodeConfiguration, "set PrivateKey or Key, not both")
	}
	if c.WalletAddress != "" && (len(c.WalletAddress) != 42 || !strings.HasPrefix(c.WalletAddress, "0x")) {
		return mesherr.Newf(mesherr.CodeConfiguration, "wallet address %q is not a 0x-prefixed address", c.WalletAddress)
	}
	if !c.ClientType.valid() {
		return mesherr.Newf(mesherr.CodeConfiguration, "unknown client type %q", c.ClientType)
	}
	if !c.ReconnectStrategy.Valid() {
		return mesherr.Newf(mesherr.CodeConfiguration, "unknown reconnect strategy %q", c.ReconnectStrategy)
	}
	if !c.WebhookRetryStrategy.Valid() {
		return mesherr.Newf(mesherr.CodeConfiguration, "unknown webhook retry strategy %q", c.WebhookRetryStrategy)
	}
	for _, ev := range c.WebhookEvents {
		if !ev.Valid() {
			return mesherr.Newf(mesherr.CodeConfiguration, "unknown webhook event %q", ev)
		}
	}
	for _, d := range []time.Duration{
		c.ConnectionTimeout, c.MessageTimeout, c.ReconnectDelay,
		c.MaxReconnectDelay, c.MessageDedupeTTL, c.WebhookTimeout,
	} {
		if d < 0 {
			return mesherr.New(mesherr.CodeConfiguration, "durations must not be negative")
		}
	}
	if c.MaxMessageSize < 0 || c.SendBurst < 0 || c.SendQueueCap < 0 ||
		c.MaxReconnectAttempts < 0 || c.WebhookRetries < 0 ||
		c.MessageDedupeMaxSize < 0 || c.EventBufferSize < 0 {
		return mesherr.New(mesherr.CodeConfiguration, "counts and sizes must not be negative")
	}
	if c.MaxMessagesPerSecond < 0 {
		return mesherr.New(mesherr.CodeConfiguration, "MaxMessagesPerSecond must not be negative")
	}
	return nil
}

// webhookTarget collects the flat webhook options into one target config.
func (c *Config) webhookTarget() WebhookConfig {
	return WebhookConfig{
		URL:           c.WebhookURL,
		Headers:       c.WebhookHeaders,
		Events:        c.WebhookEvents,
		Secret:        c.WebhookSecret,
		Retries:       c.WebhookRetries,
		Timeout:       c.WebhookTimeout,
		RetryStrategy: c.WebhookRetryStrategy,
		AllowInsecure: c.AllowInsecureWebhooks,
	}
}

// buildWebhookConfig translates the public target description into the
// engine's config.
func buildWebhookConfig(w WebhookConfig) webhook.Config {
	var policy *retry.Policy
	if w.RetryStrategy != "" {
		policy = &retry.Policy{
			Type:        w.RetryStrategy,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
			MaxAttempts: w.Retries,
			Jitter:      true,
		}
	}
	return webhook.Config{
		URL:           w.URL,
		Headers:       w.Headers,
		Events:        w.Events,
		Secret:        w.Secret,
		MaxRetries:    w.Retries,
		Timeout:       w.Timeout,
		Policy:        policy,
		AllowInsecure: w.AllowInsecure,
	}
}

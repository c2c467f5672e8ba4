package mesh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/mesh-go/pkg/mesherr"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{WSURL: "wss://mesh.example.com/ws"}
	cfg.withDefaults()
	require.NoError(t, cfg.validate())

	assert.Equal(t, ClientUser, cfg.ClientType)
	assert.Equal(t, 10*time.Second, cfg.ConnectionTimeout)
	assert.Equal(t, 30*time.Second, cfg.MessageTimeout)
	assert.Equal(t, 1<<20, cfg.MaxMessageSize)
	assert.Equal(t, 10.0, cfg.MaxMessagesPerSecond)
	assert.Equal(t, 20, cfg.SendBurst)
	assert.Equal(t, RetryExponential, cfg.ReconnectStrategy)
	assert.Equal(t, 10, cfg.MaxReconnectAttempts)
	assert.Equal(t, time.Minute, cfg.MessageDedupeTTL)
	assert.Equal(t, 10000, cfg.MessageDedupeMaxSize)
	assert.Equal(t, 3, cfg.WebhookRetries)
	assert.Equal(t, 30*time.Second, cfg.WebhookTimeout)
}

func TestConfigValidation(t *testing.T) {
	key, err := NewKey(testKeyHex)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing url", func(c *Config) { c.WSURL = "" }, "WSURL is required"},
		{"http scheme", func(c *Config) { c.WSURL = "https://mesh.example.com" }, "ws or wss"},
		{"both key forms", func(c *Config) { c.PrivateKey = testKeyHex; c.Key = key }, "not both"},
		{"malformed wallet", func(c *Config) { c.WalletAddress = "not-an-address" }, "0x-prefixed"},
		{"unknown client type", func(c *Config) { c.ClientType = "robot" }, "client type"},
		{"unknown reconnect strategy", func(c *Config) { c.ReconnectStrategy = "fibonacci" }, "reconnect strategy"},
		{"unknown webhook strategy", func(c *Config) { c.WebhookRetryStrategy = "fibonacci" }, "webhook retry strategy"},
		{"unknown webhook event", func(c *Config) { c.WebhookEvents = []WebhookEvent{"everything"} }, "webhook event"},
		{"negative timeout", func(c *Config) { c.MessageTimeout = -time.Second }, "negative"},
		{"negative retries", func(c *Config) { c.WebhookRetries = -1 }, "negative"},
	}
	for _, tt := range tests {
		cfg := Config{WSURL: "wss://mesh.example.com/ws"}
		tt.mutate(&cfg)
		cfg.withDefaults()
		err := cfg.validate()
		require.Error(t, err, tt.name)
		assert.True(t, mesherr.HasCode(err, mesherr.CodeConfiguration), tt.name)
		assert.Contains(t, err.Error(), tt.want, tt.name)
	}
}

func TestNewRejectsWalletKeyMismatch(t *testing.T) {
	_, err := New(Config{
		WSURL:         "wss://mesh.example.com/ws",
		PrivateKey:    testKeyHex,
		WalletAddress: "0x1111111111111111111111111111111111111111",
	})
	require.Error(t, err)
	assert.True(t, mesherr.HasCode(err, mesherr.CodeConfiguration))
	assert.Contains(t, err.Error(), "does not match")
}

func TestNewRejectsGarbagePrivateKey(t *testing.T) {
	_, err := New(Config{WSURL: "wss://mesh.example.com/ws", PrivateKey: "zz-not-hex"})
	require.Error(t, err)
	assert.True(t, mesherr.HasCode(err, mesherr.CodeConfiguration))
}

func TestNewRejectsPrivateWebhookTarget(t *testing.T) {
	_, err := New(Config{
		WSURL:      "wss://mesh.example.com/ws",
		WebhookURL: "https://10.0.0.1/hook",
	})
	require.Error(t, err)
	assert.True(t, mesherr.HasCode(err, mesherr.CodeWebhook))
	assert.Contains(t, err.Error(), "private IP")
}

// Package config loads meshcli profiles. A profile is the YAML rendering of
// the client options; MESH_* environment variables overlay file values, and
// command-line flags win over both.
package config

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Profile mirrors the client options for the fields worth keeping in a file.
// Private keys have no YAML home on purpose; they ride in MESH_PRIVATE_KEY.
type Profile struct {
	WSURL         string   `yaml:"ws_url"`
	WalletAddress string   `yaml:"wallet_address"`
	ClientType    string   `yaml:"client_type"`
	AgentName     string   `yaml:"agent_name"`
	Capabilities  []string `yaml:"capabilities"`
	AutoJoinRooms []string `yaml:"auto_join_rooms"`
	LogLevel      string   `yaml:"log_level"`

	Reconnect  ReconnectConfig `yaml:"reconnect"`
	Rate       RateConfig      `yaml:"rate"`
	Dedup      DedupConfig     `yaml:"dedup"`
	Signatures SignatureConfig `yaml:"signatures"`
	Webhook    WebhookConfig   `yaml:"webhook"`
	Timeouts   TimeoutConfig   `yaml:"timeouts"`
}

type ReconnectConfig struct {
	Disable     bool   `yaml:"disable"`
	Strategy    string `yaml:"strategy"`
	DelayMs     int    `yaml:"delay_ms"`
	MaxDelayMs  int    `yaml:"max_delay_ms"`
	MaxAttempts int    `yaml:"max_attempts"`
}

type RateConfig struct {
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
}

type DedupConfig struct {
	Enable  bool `yaml:"enable"`
	TTLMs   int  `yaml:"ttl_ms"`
	MaxSize int  `yaml:"max_size"`
}

type SignatureConfig struct {
	Validate   bool     `yaml:"validate"`
	Strict     bool     `yaml:"strict"`
	Trusted    []string `yaml:"trusted"`
	RequireFor []string `yaml:"require_for"`
}

type WebhookConfig struct {
	URL           string            `yaml:"url"`
	Secret        string            `yaml:"secret"`
	Events        []string          `yaml:"events"`
	Headers       map[string]string `yaml:"headers"`
	Retries       int               `yaml:"retries"`
	TimeoutMs     int               `yaml:"timeout_ms"`
	Strategy      string            `yaml:"strategy"`
	AllowInsecure bool              `yaml:"allow_insecure"`
}

type TimeoutConfig struct {
	ConnectMs int `yaml:"connect_ms"`
	MessageMs int `yaml:"message_ms"`
}

// Load reads a single profile from path.
func Load(path string) (*Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening profile")
	}
	defer f.Close()

	var p Profile
	if err := yaml.NewDecoder(f).Decode(&p); err != nil {
		return nil, errors.Wrap(err, "decoding profile")
	}

	return &p, nil
}

// FromEnv overlays MESH_* variables onto p. Unset variables leave p alone.
func FromEnv(p *Profile) {
	if v := os.Getenv("MESH_WS_URL"); v != "" {
		p.WSURL = v
	}
	if v := os.Getenv("MESH_WALLET_ADDRESS"); v != "" {
		p.WalletAddress = v
	}
	if v := os.Getenv("MESH_CLIENT_TYPE"); v != "" {
		p.ClientType = v
	}
	if v := os.Getenv("MESH_AGENT_NAME"); v != "" {
		p.AgentName = v
	}
	if v := os.Getenv("MESH_CAPABILITIES"); v != "" {
		p.Capabilities = splitList(v)
	}
	if v := os.Getenv("MESH_ROOMS"); v != "" {
		p.AutoJoinRooms = splitList(v)
	}
	if v := os.Getenv("MESH_WEBHOOK_URL"); v != "" {
		p.Webhook.URL = v
	}
	if v := os.Getenv("MESH_WEBHOOK_SECRET"); v != "" {
		p.Webhook.Secret = v
	}
	if v := os.Getenv("MESH_LOG_LEVEL"); v != "" {
		p.LogLevel = v
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

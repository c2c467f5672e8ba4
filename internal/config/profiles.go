package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// File is a profile document. The top level is the base profile; entries
// under profiles override it when selected by name, kubeconfig style.
type File struct {
	Profile  `yaml:",inline"`
	Profiles map[string]Profile `yaml:"profiles"`
}

// Resolve loads path and returns the profile called name merged over the
// base. An empty name returns the base alone. A missing file resolves to an
// empty profile so callers can run on environment variables only, unless a
// name was asked for.
func Resolve(path, name string) (*Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) && name == "" {
			return &Profile{}, nil
		}
		return nil, errors.Wrap(err, "opening profile file")
	}
	defer f.Close()

	var doc File
	if err := yaml.NewDecoder(f).Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "decoding profile file")
	}

	base := doc.Profile
	if name == "" {
		return &base, nil
	}
	override, ok := doc.Profiles[name]
	if !ok {
		return nil, errors.Errorf("profile %q not found in %s", name, path)
	}
	merged := merge(base, override)
	return &merged, nil
}

// merge applies non-zero override fields on top of base. Sections replace
// as a unit once any of their fields is set.
func merge(base, o Profile) Profile {
	out := base

	if o.WSURL != "" {
		out.WSURL = o.WSURL
	}
	if o.WalletAddress != "" {
		out.WalletAddress = o.WalletAddress
	}
	if o.ClientType != "" {
		out.ClientType = o.ClientType
	}
	if o.AgentName != "" {
		out.AgentName = o.AgentName
	}
	if len(o.Capabilities) > 0 {
		out.Capabilities = o.Capabilities
	}
	if len(o.AutoJoinRooms) > 0 {
		out.AutoJoinRooms = o.AutoJoinRooms
	}
	if o.LogLevel != "" {
		out.LogLevel = o.LogLevel
	}

	if o.Reconnect != (ReconnectConfig{}) {
		out.Reconnect = o.Reconnect
	}
	if o.Rate != (RateConfig{}) {
		out.Rate = o.Rate
	}
	if o.Dedup != (DedupConfig{}) {
		out.Dedup = o.Dedup
	}
	if o.Signatures.Validate || o.Signatures.Strict ||
		len(o.Signatures.Trusted) > 0 || len(o.Signatures.RequireFor) > 0 {
		out.Signatures = o.Signatures
	}
	if o.Webhook.URL != "" {
		out.Webhook = o.Webhook
	}
	if o.Timeouts != (TimeoutConfig{}) {
		out.Timeouts = o.Timeouts
	}

	return out
}

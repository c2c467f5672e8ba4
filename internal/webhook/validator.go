// Package webhook delivers runtime events to a configured HTTP target,
// guarded by SSRF validation, a circuit breaker, and a retry schedule.
package webhook

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/agentmesh/mesh-go/pkg/mesherr"
)

// blockedLiterals are hostnames that always denote infrastructure
// endpoints, never legitimate webhook targets.
var blockedLiterals = map[string]struct{}{
	"169.254.169.254":            {}, // cloud metadata
	"fd00:ec2::254":              {},
	"instance-data":              {},
	"instance-data.ec2.internal": {},
	"metadata.google.internal":   {},
	"metadata.google.com":        {},
	"0.0.0.0":                    {}, // bind-all
	"::":                         {},
}

var localhostLiterals = map[string]struct{}{
	"localhost": {},
	"127.0.0.1": {},
	"::1":       {},
}

// blockedPorts are common internal services a forged webhook could probe.
var blockedPorts = map[int]struct{}{
	22: {}, 23: {}, 25: {}, 3306: {}, 5432: {}, 6379: {}, 9200: {}, 27017: {},
}

var privateV4 = mustCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"224.0.0.0/4",
)

var privateV6 = mustCIDRs(
	"fe80::/10",
	"fc00::/7",
)

func mustCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, n)
	}
	return out
}

// Validator enforces the webhook target policy. With AllowInsecure set,
// localhost targets and plain http to them are let through for local
// development.
type Validator struct {
	allowInsecure bool

	lookupIP func(host string) ([]net.IP, error)
}

// NewValidator builds a validator. DNS resolution uses the default
// resolver.
func NewValidator(allowInsecure bool) *Validator {
	return &Validator{
		allowInsecure: allowInsecure,
		lookupIP:      net.LookupIP,
	}
}

// Validate checks a webhook URL against the target policy, in rule order:
// scheme, blocked literals, cluster-internal names, localhost gating,
// private address ranges, plaintext scheme gating, and the internal port
// blocklist.
func (v *Validator) Validate(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return mesherr.Wrap(mesherr.CodeWebhook, err, "webhook url does not parse")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return mesherr.Newf(mesherr.CodeWebhook, "webhook url scheme %q is not http or https", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return mesherr.New(mesherr.CodeWebhook, "webhook url has no host")
	}

	if _, blocked := blockedLiterals[host]; blocked || strings.HasPrefix(host, "kubernetes.default") {
		return mesherr.Newf(mesherr.CodeWebhook, "host %q is a blocked infrastructure endpoint", host)
	}
	if strings.Contains(host, ".svc") || strings.HasPrefix(host, "kubernetes") {
		return mesherr.Newf(mesherr.CodeWebhook, "host %q looks like a cluster-internal service", host)
	}

	_, isLocalhost := localhostLiterals[host]
	if isLocalhost && !v.allowInsecure {
		return mesherr.New(mesherr.CodeWebhook, "localhost webhook targets require allow_insecure_webhooks")
	}

	if !isLocalhost {
		if err := v.checkResolvedAddresses(host); err != nil {
			return err
		}
		if u.Scheme == "http" {
			return mesherr.New(mesherr.CodeWebhook, "plain http is only allowed for localhost targets")
		}
	}

	if portStr := u.Port(); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return mesherr.Newf(mesherr.CodeWebhook, "webhook url port %q is not numeric", portStr)
		}
		if _, blocked := blockedPorts[port]; blocked {
			return mesherr.Newf(mesherr.CodeWebhook, "port %d is a blocked internal service port", port)
		}
	}
	return nil
}

// checkResolvedAddresses rejects hosts that are, or resolve to, private or
// special-purpose addresses.
func (v *Validator) checkResolvedAddresses(host string) error {
	ips := []net.IP{}
	if ip := net.ParseIP(host); ip != nil {
		ips = append(ips, ip)
	} else {
		resolved, err := v.lookupIP(host)
		if err != nil {
			return mesherr.Wrap(mesherr.CodeWebhook, err, "webhook host did not resolve")
		}
		ips = resolved
	}

	for _, ip := range ips {
		if blockedIP(ip) {
			return mesherr.Newf(mesherr.CodeWebhook, "host %q resolves to private IP %s", host, ip)
		}
	}
	return nil
}

func blockedIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		if v4.Equal(net.IPv4bcast) {
			return true
		}
		for _, n := range privateV4 {
			if n.Contains(v4) {
				return true
			}
		}
		return false
	}
	if ip.IsLoopback() || ip.IsUnspecified() {
		return true
	}
	for _, n := range privateV6 {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

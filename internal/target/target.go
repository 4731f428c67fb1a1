// Package target validates and resolves the domain an HSTS session targets.
package target

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const resolveTimeout = 5 * time.Second

// ErrInvalidDomain is returned for input that is not a plain DNS hostname.
var ErrInvalidDomain = errors.New("invalid domain")

// Target is the domain whose HSTS state is inspected and cleared.
type Target struct {
	Domain string `json:"domain"`
	IP     net.IP `json:"ip,omitempty"`
}

// Parse normalizes raw into a Target. Schemes, ports and paths are stripped;
// IP literals and single-label names are rejected.
func Parse(raw string) (Target, error) {
	d := strings.TrimSpace(strings.ToLower(raw))
	if i := strings.Index(d, "://"); i >= 0 {
		d = d[i+3:]
	}
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	if h, _, err := net.SplitHostPort(d); err == nil {
		d = h
	}
	d = strings.TrimSuffix(d, ".")

	if d == "" {
		return Target{}, fmt.Errorf("%w: empty", ErrInvalidDomain)
	}
	if net.ParseIP(d) != nil {
		return Target{}, fmt.Errorf("%w: %q is an IP address", ErrInvalidDomain, d)
	}
	if !strings.Contains(d, ".") || strings.Contains(d, "..") {
		return Target{}, fmt.Errorf("%w: %q", ErrInvalidDomain, d)
	}
	if _, ok := dns.IsDomainName(d); !ok {
		return Target{}, fmt.Errorf("%w: %q", ErrInvalidDomain, d)
	}
	for _, label := range dns.SplitDomainName(d) {
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return Target{}, fmt.Errorf("%w: label %q", ErrInvalidDomain, label)
		}
	}
	return Target{Domain: d}, nil
}

// Matches reports whether host equals the target domain or is one of its
// subdomains.
func (t Target) Matches(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	return host == t.Domain || strings.HasSuffix(host, "."+t.Domain)
}

// Resolver looks up the IPv4 address of a target.
type Resolver struct {
	// Servers are host:port nameservers. Empty means /etc/resolv.conf, and
	// the system resolver when that is unavailable.
	Servers []string
	Timeout time.Duration
}

// Resolve fills t.IP with the first A record found.
func (r *Resolver) Resolve(ctx context.Context, t *Target) error {
	servers := r.Servers
	if len(servers) == 0 {
		if conf, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil {
			for _, s := range conf.Servers {
				servers = append(servers, net.JoinHostPort(s, conf.Port))
			}
		}
	}
	if len(servers) == 0 {
		return r.resolveSystem(ctx, t)
	}

	timeout := r.Timeout
	if timeout == 0 {
		timeout = resolveTimeout
	}
	c := &dns.Client{Timeout: timeout}
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(t.Domain), dns.TypeA)
	m.RecursionDesired = true

	var lastErr error
	for _, s := range servers {
		if err := ctx.Err(); err != nil {
			return err
		}
		in, _, err := c.ExchangeContext(ctx, m, s)
		if err != nil {
			lastErr = err
			continue
		}
		if in.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("%s: %s", s, dns.RcodeToString[in.Rcode])
			continue
		}
		for _, rr := range in.Answer {
			if a, ok := rr.(*dns.A); ok {
				t.IP = a.A
				return nil
			}
		}
		lastErr = fmt.Errorf("no A record for %s", t.Domain)
	}
	return fmt.Errorf("resolve %s: %w", t.Domain, lastErr)
}

func (r *Resolver) resolveSystem(ctx context.Context, t *Target) error {
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", t.Domain)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", t.Domain, err)
	}
	if len(ips) == 0 {
		return fmt.Errorf("no A record for %s", t.Domain)
	}
	t.IP = ips[0]
	return nil
}

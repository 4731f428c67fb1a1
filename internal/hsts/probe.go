// Package hsts inspects a target's HSTS policy over the network and runs the
// HTTP-level bypass checks.
package hsts

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/vulnverified/hstsbypass/internal/engine"
	"golang.org/x/sync/errgroup"
)

const maxBody = 64 * 1024

// Probe method names, in report order.
const (
	MethodHTTPSDirect      = "https_direct"
	MethodHTTPDirect       = "http_direct"
	MethodSubdomain        = "subdomain"
	MethodDisableSSLVerify = "disable_ssl_verify"
)

// Prober issues the HTTP requests. The zero value is usable.
type Prober struct {
	Timeout   time.Duration
	UserAgent string
	// RootCAs overrides the system roots for verified requests.
	RootCAs *x509.CertPool
	// DialContext overrides how connections are made.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
}

func (p *Prober) client(insecure, follow bool) *http.Client {
	timeout := p.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	tr := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: insecure,
			RootCAs:            p.RootCAs,
		},
		TLSHandshakeTimeout: timeout,
	}
	if p.DialContext != nil {
		tr.DialContext = p.DialContext
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: tr,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if !follow {
				return http.ErrUseLastResponse
			}
			if len(via) >= 5 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}
}

func (p *Prober) get(ctx context.Context, c *http.Client, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if p.UserAgent != "" {
		req.Header.Set("User-Agent", p.UserAgent)
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
	resp.Body.Close()
	return resp, nil
}

// Check fetches https://domain and reports the HSTS policy it advertises.
// Network failures are reported in the status, not as an error.
func (p *Prober) Check(ctx context.Context, domain string) engine.HSTSStatus {
	resp, err := p.get(ctx, p.client(false, true), "https://"+domain+"/")
	if err != nil {
		return engine.HSTSStatus{Error: err.Error()}
	}
	return ParseHeader(resp.Header.Get(HeaderName))
}

// Probe runs every bypass check concurrently and returns the results in a
// fixed order.
func (p *Prober) Probe(ctx context.Context, domain string) []engine.BypassResult {
	checks := []struct {
		method string
		fn     func(context.Context, string) (bool, string)
	}{
		{MethodHTTPSDirect, p.httpsDirect},
		{MethodHTTPDirect, p.httpDirect},
		{MethodSubdomain, p.subdomain},
		{MethodDisableSSLVerify, p.insecure},
	}

	results := make([]engine.BypassResult, len(checks))
	var g errgroup.Group
	for i, c := range checks {
		i, c := i, c
		g.Go(func() error {
			ok, msg := c.fn(ctx, domain)
			results[i] = engine.BypassResult{Method: c.method, Success: ok, Message: msg, Timestamp: time.Now()}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// httpsDirect is the baseline: a verified HTTPS request.
func (p *Prober) httpsDirect(ctx context.Context, domain string) (bool, string) {
	resp, err := p.get(ctx, p.client(false, true), "https://"+domain+"/")
	if err != nil {
		return false, err.Error()
	}
	return true, fmt.Sprintf("status %d, %s", resp.StatusCode, hstsPresence(resp))
}

// httpDirect succeeds when the host serves content over plain HTTP instead
// of redirecting to HTTPS.
func (p *Prober) httpDirect(ctx context.Context, domain string) (bool, string) {
	return p.plainHTTP(ctx, domain)
}

// subdomain checks whether a subdomain outside an includeSubDomains policy
// is reachable over plain HTTP.
func (p *Prober) subdomain(ctx context.Context, domain string) (bool, string) {
	return p.plainHTTP(ctx, "test."+domain)
}

func (p *Prober) plainHTTP(ctx context.Context, host string) (bool, string) {
	resp, err := p.get(ctx, p.client(false, false), "http://"+host+"/")
	if err != nil {
		return false, err.Error()
	}
	loc := resp.Header.Get("Location")
	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		if strings.HasPrefix(strings.ToLower(loc), "https://") {
			return false, fmt.Sprintf("status %d, redirects to %s", resp.StatusCode, loc)
		}
		return true, fmt.Sprintf("status %d, redirects over plain HTTP to %s", resp.StatusCode, loc)
	}
	return true, fmt.Sprintf("status %d served over plain HTTP", resp.StatusCode)
}

// insecure repeats the HTTPS request with certificate verification off,
// as a client accepting an interception certificate would.
func (p *Prober) insecure(ctx context.Context, domain string) (bool, string) {
	resp, err := p.get(ctx, p.client(true, true), "https://"+domain+"/")
	if err != nil {
		return false, err.Error()
	}
	return true, fmt.Sprintf("status %d without certificate verification, %s", resp.StatusCode, hstsPresence(resp))
}

func hstsPresence(resp *http.Response) string {
	if resp.Header.Get(HeaderName) != "" {
		return "HSTS header present"
	}
	return "no HSTS header"
}

// Package ports provides the port redirect mappings used for traffic interception.
package ports

import (
	"fmt"
	"strconv"
	"strings"
)

// Redirect maps an inbound destination port to the local port an
// interception proxy listens on.
type Redirect struct {
	Proto string `json:"proto"`
	From  int    `json:"from"`
	To    int    `json:"to"`
}

func (r Redirect) String() string {
	return fmt.Sprintf("%s/%d->%d", r.Proto, r.From, r.To)
}

// Default listen ports for the supported interception tools.
const (
	SSLStripPort  = 10000
	MITMProxyPort = 8080
)

// SSLStrip returns the redirects for sslstrip. Only plain HTTP is redirected;
// sslstrip rewrites HTTPS links in the responses it proxies.
func SSLStrip(listen int) []Redirect {
	return []Redirect{{Proto: "tcp", From: 80, To: listen}}
}

// MITMProxy returns the redirects for mitmproxy in transparent mode.
func MITMProxy(listen int) []Redirect {
	return []Redirect{
		{Proto: "tcp", From: 80, To: listen},
		{Proto: "tcp", From: 443, To: listen},
	}
}

// ParseRedirects parses "80:10000,443:8080" style mappings. A mapping may be
// prefixed with a protocol ("udp/53:5353"); tcp is assumed otherwise.
func ParseRedirects(s string) ([]Redirect, error) {
	var result []Redirect
	seen := make(map[string]bool)

	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		proto := "tcp"
		if i := strings.Index(item, "/"); i >= 0 {
			proto = strings.ToLower(item[:i])
			item = item[i+1:]
		}
		if proto != "tcp" && proto != "udp" {
			return nil, fmt.Errorf("invalid protocol %q", proto)
		}
		from, to, ok := strings.Cut(item, ":")
		if !ok {
			return nil, fmt.Errorf("invalid redirect %q (want FROM:TO)", item)
		}
		fromPort, err := parsePort(from)
		if err != nil {
			return nil, err
		}
		toPort, err := parsePort(to)
		if err != nil {
			return nil, err
		}
		r := Redirect{Proto: proto, From: fromPort, To: toPort}
		key := fmt.Sprintf("%s/%d", r.Proto, r.From)
		if seen[key] {
			return nil, fmt.Errorf("duplicate redirect for %s", key)
		}
		seen[key] = true
		result = append(result, r)
	}

	if len(result) == 0 {
		return nil, fmt.Errorf("no redirects specified")
	}
	return result, nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", port)
	}
	return port, nil
}

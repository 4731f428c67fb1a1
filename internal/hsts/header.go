package hsts

import (
	"strconv"
	"strings"

	"github.com/vulnverified/hstsbypass/internal/engine"
)

// HeaderName is the response header carrying an HSTS policy.
const HeaderName = "Strict-Transport-Security"

// ParseHeader parses a Strict-Transport-Security value. Directive names are
// case-insensitive and max-age may be quoted. An empty value means HSTS is
// not enabled.
func ParseHeader(value string) engine.HSTSStatus {
	value = strings.TrimSpace(value)
	if value == "" {
		return engine.HSTSStatus{}
	}

	st := engine.HSTSStatus{Header: value, MaxAge: -1}
	for _, d := range strings.Split(value, ";") {
		d = strings.TrimSpace(d)
		name, arg, _ := strings.Cut(d, "=")
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "max-age":
			if n, err := strconv.ParseInt(strings.Trim(strings.TrimSpace(arg), `"`), 10, 64); err == nil && n >= 0 {
				st.MaxAge = n
			}
		case "includesubdomains":
			st.IncludeSubDomains = true
		case "preload":
			st.Preload = true
		}
	}

	// A policy without a valid max-age is ignored by browsers; max-age=0
	// tells them to forget the host.
	st.Enabled = st.MaxAge > 0
	if st.MaxAge < 0 {
		st.MaxAge = 0
		st.Error = "missing or invalid max-age"
	}
	return st
}

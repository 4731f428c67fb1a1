package target

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"example.com", "example.com", false},
		{"Example.COM.", "example.com", false},
		{"https://www.example.com/login?x=1", "www.example.com", false},
		{"example.com:8443", "example.com", false},
		{"", "", true},
		{"localhost", "", true},
		{"10.0.0.1", "", true},
		{"a..b", "", true},
		{"-bad.example.com", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidDomain)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Domain)
		})
	}
}

func TestTarget_Matches(t *testing.T) {
	tg := Target{Domain: "example.com"}
	assert.True(t, tg.Matches("example.com"))
	assert.True(t, tg.Matches("WWW.example.com."))
	assert.False(t, tg.Matches("badexample.com"))
	assert.False(t, tg.Matches("example.org"))
}

func TestResolver_Resolve(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	mux := dns.NewServeMux()
	mux.HandleFunc("example.com.", func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
			A:   net.ParseIP("93.184.216.34").To4(),
		})
		_ = w.WriteMsg(m)
	})
	server := &dns.Server{PacketConn: pc, Handler: mux}
	go func() { _ = server.ActivateAndServe() }()
	defer server.Shutdown()

	r := &Resolver{Servers: []string{pc.LocalAddr().String()}, Timeout: 2 * time.Second}
	tg := Target{Domain: "example.com"}
	require.NoError(t, r.Resolve(context.Background(), &tg))
	assert.Equal(t, "93.184.216.34", tg.IP.String())
}

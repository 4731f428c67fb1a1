// Package netcfgtest provides an in-memory iptables for testing code that
// drives netcfg.Manager.
package netcfgtest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// FakeIPTables simulates the nat table of iptables. It implements
// netcfg.Runner for the iptables and iptables-save commands.
type FakeIPTables struct {
	mu     sync.Mutex
	chains map[string][]string
	calls  []string

	// Fail makes any command whose joined argv contains the key fail.
	Fail map[string]error
}

// New returns a nat table holding only the PREROUTING chain.
func New() *FakeIPTables {
	return &FakeIPTables{
		chains: map[string][]string{"PREROUTING": nil, "POSTROUTING": nil, "OUTPUT": nil},
		Fail:   make(map[string]error),
	}
}

// Calls returns every command line run so far.
func (f *FakeIPTables) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Dump renders the table in iptables -S form.
func (f *FakeIPTables) Dump() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dump("")
}

// Run implements netcfg.Runner.
func (f *FakeIPTables) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	line := strings.TrimSpace(name + " " + strings.Join(args, " "))
	f.calls = append(f.calls, line)
	for k, err := range f.Fail {
		if strings.Contains(line, k) {
			return nil, err
		}
	}

	if strings.HasSuffix(name, "iptables-save") {
		return []byte("*nat\n" + f.dump("") + "COMMIT\n"), nil
	}

	if len(args) >= 2 && args[0] == "-t" {
		args = args[2:]
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("iptables: no command")
	}

	op, rest := args[0], args[1:]
	switch op {
	case "-S":
		if len(rest) == 0 {
			return []byte(f.dump("")), nil
		}
		if _, ok := f.chains[rest[0]]; !ok {
			return nil, fmt.Errorf("iptables: No chain/target/match by that name")
		}
		return []byte(f.dump(rest[0])), nil
	case "-N":
		if _, ok := f.chains[rest[0]]; ok {
			return nil, fmt.Errorf("iptables: Chain already exists")
		}
		f.chains[rest[0]] = nil
	case "-X":
		rules, ok := f.chains[rest[0]]
		if !ok {
			return nil, fmt.Errorf("iptables: No chain/target/match by that name")
		}
		if len(rules) > 0 || f.referenced(rest[0]) {
			return nil, fmt.Errorf("iptables: Directory not empty")
		}
		delete(f.chains, rest[0])
	case "-F":
		if _, ok := f.chains[rest[0]]; !ok {
			return nil, fmt.Errorf("iptables: No chain/target/match by that name")
		}
		f.chains[rest[0]] = nil
	case "-A":
		if _, ok := f.chains[rest[0]]; !ok {
			return nil, fmt.Errorf("iptables: No chain/target/match by that name")
		}
		f.chains[rest[0]] = append(f.chains[rest[0]], strings.Join(rest[1:], " "))
	case "-I":
		chain := rest[0]
		if _, ok := f.chains[chain]; !ok {
			return nil, fmt.Errorf("iptables: No chain/target/match by that name")
		}
		spec := rest[1:]
		if len(spec) > 0 && isNumber(spec[0]) {
			spec = spec[1:]
		}
		f.chains[chain] = append([]string{strings.Join(spec, " ")}, f.chains[chain]...)
	case "-D", "-C":
		chain := rest[0]
		spec := strings.Join(rest[1:], " ")
		for i, r := range f.chains[chain] {
			if r == spec {
				if op == "-D" {
					f.chains[chain] = append(f.chains[chain][:i:i], f.chains[chain][i+1:]...)
				}
				return nil, nil
			}
		}
		return nil, fmt.Errorf("iptables: Bad rule (does a matching rule exist in that chain?)")
	default:
		return nil, fmt.Errorf("iptables: unsupported op %s", op)
	}
	return nil, nil
}

// HasChain reports whether chain exists.
func (f *FakeIPTables) HasChain(chain string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.chains[chain]
	return ok
}

// Rules returns the rules of chain.
func (f *FakeIPTables) Rules(chain string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.chains[chain]...)
}

func (f *FakeIPTables) referenced(chain string) bool {
	for _, rules := range f.chains {
		for _, r := range rules {
			if strings.HasSuffix(r, "-j "+chain) {
				return true
			}
		}
	}
	return false
}

func (f *FakeIPTables) dump(only string) string {
	names := make([]string, 0, len(f.chains))
	for n := range f.chains {
		if only == "" || n == only {
			names = append(names, n)
		}
	}
	sort.Strings(names)

	var b strings.Builder
	for _, n := range names {
		switch n {
		case "PREROUTING", "POSTROUTING", "OUTPUT", "INPUT":
			fmt.Fprintf(&b, "-P %s ACCEPT\n", n)
		default:
			fmt.Fprintf(&b, "-N %s\n", n)
		}
	}
	for _, n := range names {
		for _, r := range f.chains[n] {
			fmt.Fprintf(&b, "-A %s %s\n", n, r)
		}
	}
	return b.String()
}

func isNumber(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

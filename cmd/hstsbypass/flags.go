package main

import (
	"fmt"
	"net"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/vulnverified/hstsbypass/internal/config"
)

func bind(v *viper.Viper, fs *pflag.FlagSet, key, flag string) {
	if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
		panic(fmt.Sprintf("bind %s: %v", flag, err))
	}
}

// loadConfig reads the config file and layers environment and flags over it.
func loadConfig(v *viper.Viper, path string) (config.Config, []string, error) {
	cfg, warnings, err := config.Load(path)
	if err != nil {
		return cfg, nil, err
	}
	if err := cfg.Overlay(v); err != nil {
		return cfg, nil, err
	}
	return cfg, warnings, nil
}

// parseIPv4s parses a list of IPv4 addresses.
func parseIPv4s(values []string) ([]net.IP, error) {
	var ips []net.IP
	seen := make(map[string]bool)
	for _, s := range values {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		ip := net.ParseIP(s).To4()
		if ip == nil {
			return nil, fmt.Errorf("invalid IPv4 address %q", s)
		}
		if !seen[ip.String()] {
			seen[ip.String()] = true
			ips = append(ips, ip)
		}
	}
	return ips, nil
}

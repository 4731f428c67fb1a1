package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vulnverified/hstsbypass/internal/config"
	"github.com/vulnverified/hstsbypass/internal/engine"
	"github.com/vulnverified/hstsbypass/internal/netcfg"
	"github.com/vulnverified/hstsbypass/internal/output"
)

// Set via ldflags at build time.
var version = "dev"

// Exit codes.
const (
	exitOK           = 0
	exitGeneric      = 1
	exitPrecondition = 2
	exitTool         = 3
	exitRestore      = 4
)

// options holds the flags of the root command.
type options struct {
	configPath string

	browsers    []string
	allBrowsers bool
	clearMode   string
	restore     bool
	checkOnly   bool

	mitm       bool
	victims    []string
	allTargets bool
	dns        bool
	duration   time.Duration

	jsonOutput bool
	noColor    bool
	verbose    bool
}

func main() {
	output.Version = version
	os.Exit(execute(os.Args[1:]))
}

func execute(args []string) int {
	v := config.NewViper()
	root := newRootCmd(v)
	root.SetArgs(args)

	err := root.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	}
	return exitCode(err)
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	var opts options

	rootCmd := &cobra.Command{
		Use:   "hstsbypass <domain>",
		Short: "Re-test HSTS-pinned domains over plain HTTP",
		Long: "HSTS bypass harness for authorized testing: checks a domain's HSTS policy, clears it from " +
			"local browser stores, and runs an ARP/DNS spoofing and SSL interception session against a lab network.",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Respect NO_COLOR env var.
			if _, ok := os.LookupEnv("NO_COLOR"); ok {
				opts.noColor = true
			}
			return run(cmd.Context(), v, opts, args[0])
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", config.DefaultPath, "Path to TOML config file")
	pf.String("log-level", "", "Log level (debug, info, warn, error)")
	pf.String("workdir", "", "Directory for session artifacts")

	f := rootCmd.Flags()
	f.StringSliceVar(&opts.browsers, "browser", nil, "Browser to clear (repeatable): chrome, edge, brave, opera, firefox, safari")
	f.BoolVar(&opts.allBrowsers, "all-browsers", false, "Clear every installed browser")
	f.StringVar(&opts.clearMode, "clear-mode", "", "What to clear: domain or all")
	f.BoolVar(&opts.restore, "restore", false, "Restore browser stores from their latest backup")
	f.BoolVar(&opts.checkOnly, "check-only", false, "Only check the HSTS policy and run the HTTP probes")
	f.BoolVar(&opts.mitm, "mitm", false, "Run an interception session (Linux, root)")
	f.String("interface", "", "Network interface for the session")
	f.String("gateway", "", "Gateway IPv4 address to impersonate")
	f.StringSliceVar(&opts.victims, "target", nil, "Victim IPv4 address (repeatable)")
	f.BoolVar(&opts.allTargets, "all-targets", false, "Spoof the gateway for every host on the segment")
	f.BoolVar(&opts.dns, "dns", false, "Answer DNS for the domain with this host's address")
	f.String("intercept", "", "Interception tool: none, sslstrip or mitmproxy")
	f.String("arp-tool", "", "ARP spoofing tool: arpspoof, ettercap or bettercap")
	f.String("dns-tool", "", "DNS spoofing tool: dnsspoof or bettercap")
	f.String("redirect", "", "Port redirects for the interception tool, e.g. 80:10000,8080:10000")
	f.DurationVar(&opts.duration, "duration", 0, "Stop the session after this long (default: until interrupted)")
	f.String("output", "", "Write the JSON report to this file")
	f.BoolVar(&opts.jsonOutput, "json", false, "Output structured JSON to stdout")
	f.BoolVar(&opts.noColor, "no-color", false, "Disable terminal colors")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "Verbose progress")

	bind(v, pf, "log.level", "log-level")
	bind(v, pf, "workdir", "workdir")
	bind(v, f, "mitm.interface", "interface")
	bind(v, f, "mitm.gateway", "gateway")
	bind(v, f, "mitm.intercept", "intercept")
	bind(v, f, "mitm.arp_tool", "arp-tool")
	bind(v, f, "mitm.dns_tool", "dns-tool")
	bind(v, f, "mitm.redirects", "redirect")
	bind(v, f, "browsers.clear_mode", "clear-mode")
	bind(v, f, "output", "output")

	rootCmd.AddCommand(newCleanupCmd(v, &opts), newConfigCmd(&opts))

	rootCmd.Version = version
	rootCmd.SetVersionTemplate("hstsbypass {{.Version}}\n")
	return rootCmd
}

// exitCode maps an error to the process exit status. A restore failure wins
// over everything else because it means the host was left modified.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, netcfg.ErrRestoreFailed):
		return exitRestore
	case errors.Is(err, engine.ErrPreconditionFailed):
		return exitPrecondition
	case errors.Is(err, engine.ErrToolFailure):
		return exitTool
	}
	return exitGeneric
}

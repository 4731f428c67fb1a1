package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vulnverified/hstsbypass/internal/cleanup"
	"github.com/vulnverified/hstsbypass/internal/config"
	"github.com/vulnverified/hstsbypass/internal/engine"
	"github.com/vulnverified/hstsbypass/internal/logging"
	"github.com/vulnverified/hstsbypass/internal/netcfg"
	"github.com/vulnverified/hstsbypass/internal/supervisor"
)

func newCleanupCmd(v *viper.Viper, opts *options) *cobra.Command {
	var resetForwarding bool

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove state left behind by a crashed session",
		Long: "Terminates orphaned spoofing tools recorded in the work directory, restores the persisted " +
			"network snapshot and removes any leftover HSTSB_* NAT chains.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if os.Geteuid() != 0 {
				return &engine.PreconditionError{Reasons: []string{"cleanup must run as root"}}
			}
			cfg, warnings, err := loadConfig(v, opts.configPath)
			if err != nil {
				return err
			}
			logger, closer, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
			if err != nil {
				return err
			}
			defer closer.Close()
			for _, w := range warnings {
				logger.Warn(w)
			}

			nm := netcfg.NewManager(netcfg.WithLogger(logging.Component(logger, "netcfg")))
			actions, err := cleanup.Remediate(context.Background(), cleanup.Remediation{
				Net:             nm,
				WorkDir:         cfg.WorkDir,
				ResetForwarding: resetForwarding,
				Grace:           supervisor.DefaultGrace,
				Log:             logging.Component(logger, "cleanup"),
			})
			out := cmd.OutOrStdout()
			for _, a := range actions {
				fmt.Fprintf(out, "  %s\n", a)
			}
			if len(actions) == 0 && err == nil {
				fmt.Fprintln(out, "Nothing to clean up.")
			}
			if err != nil {
				return fmt.Errorf("%w: %v", netcfg.ErrRestoreFailed, err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&resetForwarding, "reset-forwarding", false, "Also turn IPv4 forwarding off when no snapshot records its original value")
	return cmd
}

func newConfigCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configPath
			if err := config.WriteDefault(path, force); err != nil {
				if errors.Is(err, config.ErrExists) {
					return fmt.Errorf("%w (use --force to overwrite)", err)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default config to %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	cmd.AddCommand(initCmd)
	return cmd
}

package cleanup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vulnverified/hstsbypass/internal/netcfg"
	"github.com/vulnverified/hstsbypass/internal/supervisor"
	"go.uber.org/multierr"
)

// Work dir layout shared by a session and the cleanup command.
const (
	PIDDirName    = "pids"
	StateFileName = "network.json"
)

// PIDDir returns where tool pid files live under workDir.
func PIDDir(workDir string) string { return filepath.Join(workDir, PIDDirName) }

// StateFile returns where the network snapshot is persisted under workDir.
func StateFile(workDir string) string { return filepath.Join(workDir, StateFileName) }

// NetworkCleaner is the part of netcfg.Manager remediation needs.
type NetworkCleaner interface {
	Restore(ctx context.Context, cfg *netcfg.NetworkConfig) error
	Purge(ctx context.Context) ([]string, error)
	SetForwarding(value string) error
}

// Remediation describes a manual cleanup of state left by a crashed run.
type Remediation struct {
	Net             NetworkCleaner
	WorkDir         string
	ResetForwarding bool
	Grace           time.Duration
	Log             *logrus.Entry
}

// Remediate reaps orphaned tools, restores the persisted network snapshot,
// purges leftover NAT chains and optionally forces forwarding off. It
// returns a line per action taken; every step runs even if an earlier one
// failed.
func Remediate(ctx context.Context, r Remediation) ([]string, error) {
	log := r.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	var (
		actions []string
		errs    error
	)

	reaped, err := supervisor.ReapOrphans(PIDDir(r.WorkDir), r.Grace)
	for _, name := range reaped {
		actions = append(actions, "terminated orphaned "+name)
	}
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("reap tools: %w", err))
	}

	forwardingRestored := false
	state := StateFile(r.WorkDir)
	cfg, err := netcfg.LoadState(state)
	switch {
	case err == nil:
		if err := r.Net.Restore(ctx, cfg); err != nil {
			errs = multierr.Append(errs, err)
		} else {
			actions = append(actions, fmt.Sprintf("restored network snapshot %s", cfg.ID))
			forwardingRestored = true
			os.Remove(state)
		}
	case errors.Is(err, os.ErrNotExist):
		log.Debug("no persisted network snapshot")
	default:
		errs = multierr.Append(errs, err)
	}

	purged, err := r.Net.Purge(ctx)
	for _, p := range purged {
		actions = append(actions, "removed "+p)
	}
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("purge nat rules: %w", err))
	}

	if r.ResetForwarding && !forwardingRestored {
		if err := r.Net.SetForwarding("0"); err != nil {
			errs = multierr.Append(errs, err)
		} else {
			actions = append(actions, "disabled ip forwarding")
		}
	}

	log.WithField("actions", len(actions)).Info("remediation finished")
	return actions, errs
}

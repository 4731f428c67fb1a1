package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/vulnverified/hstsbypass/internal/browser"
	"github.com/vulnverified/hstsbypass/internal/cleanup"
	"github.com/vulnverified/hstsbypass/internal/config"
	"github.com/vulnverified/hstsbypass/internal/engine"
	"github.com/vulnverified/hstsbypass/internal/hsts"
	"github.com/vulnverified/hstsbypass/internal/logging"
	"github.com/vulnverified/hstsbypass/internal/netcfg"
	"github.com/vulnverified/hstsbypass/internal/output"
	"github.com/vulnverified/hstsbypass/internal/platform"
	"github.com/vulnverified/hstsbypass/internal/report"
	"github.com/vulnverified/hstsbypass/internal/supervisor"
	"github.com/vulnverified/hstsbypass/internal/target"
	"github.com/vulnverified/hstsbypass/pkg/ports"
	"go.uber.org/multierr"
)

func run(parent context.Context, v *viper.Viper, opts options, rawTarget string) error {
	tgt, err := target.Parse(rawTarget)
	if err != nil {
		return err
	}

	cfg, warnings, err := loadConfig(v, opts.configPath)
	if err != nil {
		return err
	}

	logger, logCloser, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return err
	}
	defer logCloser.Close()
	log := logging.Component(logger, "cli").WithField("target", tgt.Domain)

	osys, err := platform.DetectOS()
	if err != nil {
		return err
	}
	rep := report.New(tgt.Domain, string(osys))
	for _, w := range warnings {
		log.Warn(w)
		rep.Warn(w)
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	// Set up signal handling so Ctrl+C tears the session down exactly once.
	cm := cleanup.Default()
	cm.SetLogger(logging.Component(logger, "cleanup"))
	cm.HandleSignals(cancel)
	defer cm.Stop()

	showProgress := !opts.jsonOutput
	progress := output.NewProgress(os.Stderr, opts.verbose, !showProgress).
		WithLog(logging.Component(logger, "progress"))
	if showProgress {
		output.WriteHeader(os.Stderr, opts.noColor)
	}

	userAgent := cfg.Probe.UserAgent
	if userAgent == "" {
		userAgent = fmt.Sprintf("hstsbypass/%s", version)
	}
	prober := &hsts.Prober{Timeout: cfg.Probe.Timeout.Duration, UserAgent: userAgent}

	progress.Detail(fmt.Sprintf("Checking HSTS policy of %s", tgt.Domain))
	status := prober.Check(ctx, tgt.Domain)
	rep.SetInitialStatus(status)
	if status.Error != "" {
		warn(progress, rep, fmt.Sprintf("HSTS check: %s", status.Error))
	}
	if !opts.restore {
		rep.AddBypassResults(prober.Probe(ctx, tgt.Domain)...)
	}

	var (
		runErr  error
		session *engine.Session
	)
	if !opts.checkOnly {
		if opts.allBrowsers || len(opts.browsers) > 0 {
			runErr = multierr.Append(runErr, clearBrowsers(ctx, opts, cfg, tgt, rep, progress, logger))
		}
		if opts.mitm && ctx.Err() == nil {
			var err error
			session, err = runSession(ctx, opts, cfg, tgt, rep, progress, logger)
			runErr = multierr.Append(runErr, err)
		}
	}

	// Finalizers run here on the normal path; after a signal this waits for
	// the run already in progress.
	runErr = multierr.Append(runErr, cm.Run(context.Background()))

	final := rep.Report()
	if cfg.Output != "" {
		if err := output.SaveJSON(cfg.Output, final); err != nil {
			log.WithError(err).Error("failed to save report")
			runErr = multierr.Append(runErr, err)
		} else {
			progress.Detail(fmt.Sprintf("Report written to %s", cfg.Output))
		}
	}

	if opts.jsonOutput {
		if err := output.WriteJSON(os.Stdout, final); err != nil {
			runErr = multierr.Append(runErr, err)
		}
	} else {
		progress.Complete()
		output.WriteTable(os.Stdout, final, opts.noColor)
		output.WriteSummary(os.Stdout, final, opts.noColor)
	}

	if session != nil {
		output.WriteRestoreFailure(os.Stderr, runErr, session.Network(), opts.noColor)
	}
	return runErr
}

func clearBrowsers(ctx context.Context, opts options, cfg config.Config, tgt target.Target, rep *report.Reporter, progress *output.Progress, logger *logrus.Logger) error {
	mode, err := browser.ParseClearMode(cfg.Browsers.ClearMode)
	if err != nil {
		return err
	}
	det, err := platform.NewDetector()
	if err != nil {
		return err
	}

	var profiles []platform.BrowserProfile
	seen := make(map[string]bool)
	add := func(p platform.BrowserProfile) {
		if !seen[p.Name] {
			seen[p.Name] = true
			profiles = append(profiles, p)
		}
	}

	if opts.allBrowsers {
		for _, p := range det.DetectInstalledBrowsers() {
			add(p)
		}
	}
	for _, name := range opts.browsers {
		if !det.Supported(name) {
			return fmt.Errorf("browser %q is not supported on %s (known: %v)", name, det.OS, platform.BrowserNames())
		}
		p, ok := det.Lookup(name)
		if !ok {
			rep.AddBrowserResult(engine.BrowserClearResult{
				Browser:   name,
				Method:    clearMethod(opts.restore, mode),
				Message:   fmt.Sprintf("%s: %s", name, browser.ErrProfileNotFound),
				Timestamp: time.Now(),
			})
			continue
		}
		add(p)
	}
	if len(profiles) == 0 {
		warn(progress, rep, "No installed browsers to process")
	}

	stores := make([]browser.Store, 0, len(profiles))
	for _, p := range profiles {
		st, err := browser.New(p)
		if err != nil {
			return err
		}
		stores = append(stores, st)
	}

	verb := "Clearing"
	if opts.restore {
		verb = "Restoring"
	}
	progress.Detail(fmt.Sprintf("%s HSTS state in %d browser(s)", verb, len(stores)))

	results := browser.Run(ctx, stores, browser.Options{
		Domain:      tgt.Domain,
		Mode:        mode,
		Restore:     opts.restore,
		Concurrency: cfg.Browsers.Concurrency,
		Log:         logging.Component(logger, "browser"),
	})
	rep.AddBrowserResults(results)

	failed := 0
	total := 0
	for _, r := range rep.Report().BrowserResults {
		total++
		if !r.Success {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d browser operations failed", failed, total)
	}
	return nil
}

func clearMethod(restore bool, mode browser.ClearMode) string {
	switch {
	case restore:
		return "restore"
	case mode == browser.ClearModeAll:
		return "clear_all"
	}
	return "clear_domain"
}

func runSession(ctx context.Context, opts options, cfg config.Config, tgt target.Target, rep *report.Reporter, progress *output.Progress, logger *logrus.Logger) (*engine.Session, error) {
	victims, err := parseIPv4s(opts.victims)
	if err != nil {
		return nil, err
	}
	intercept, err := engine.ParseIntercept(cfg.MITM.Intercept)
	if err != nil {
		return nil, err
	}
	arpTool, err := engine.ParseARPTool(cfg.MITM.ARPTool)
	if err != nil {
		return nil, err
	}
	dnsTool, err := engine.ParseDNSTool(cfg.MITM.DNSTool)
	if err != nil {
		return nil, err
	}
	var redirects []ports.Redirect
	if cfg.MITM.Redirects != "" {
		if redirects, err = ports.ParseRedirects(cfg.MITM.Redirects); err != nil {
			return nil, fmt.Errorf("invalid redirects: %w", err)
		}
	}

	var attacker net.IP
	if cfg.MITM.Interface != "" {
		if ip, err := engine.InterfaceIPv4(cfg.MITM.Interface); err == nil {
			attacker = ip
		}
	}

	resolver := &target.Resolver{Timeout: cfg.Probe.Timeout.Duration}
	if err := resolver.Resolve(ctx, &tgt); err != nil {
		warn(progress, rep, fmt.Sprintf("Could not resolve %s: %s", tgt.Domain, err))
	} else {
		progress.Detail(fmt.Sprintf("%s resolves to %s", tgt.Domain, tgt.IP))
	}

	if err := os.MkdirAll(cfg.WorkDir, 0o700); err != nil {
		return nil, fmt.Errorf("create workdir: %w", err)
	}

	ecfg := engine.Config{
		Target:     tgt,
		Interface:  cfg.MITM.Interface,
		Gateway:    net.ParseIP(cfg.MITM.Gateway).To4(),
		Victims:    victims,
		AllTargets: opts.allTargets,
		AttackerIP: attacker,
		Mode: engine.Mode{
			ARP:       true,
			DNS:       opts.dns,
			Intercept: intercept,
			ARPTool:   arpTool,
			DNSTool:   dnsTool,
		},
		Tools:          cfg.EngineTools(),
		SSLStripPort:   cfg.MITM.SSLStripPort,
		MITMProxyPort:  cfg.MITM.MITMProxyPort,
		Redirects:      redirects,
		HealthInterval: cfg.MITM.HealthInterval.Duration,
		StartupWait:    cfg.MITM.StartupWait.Duration,
		GracePeriod:    cfg.MITM.GracePeriod.Duration,
		WorkDir:        cfg.WorkDir,
	}

	nm := netcfg.NewManager(
		netcfg.WithStateFile(cleanup.StateFile(cfg.WorkDir)),
		netcfg.WithLogger(logging.Component(logger, "netcfg")),
	)
	sup := supervisor.New(
		supervisor.WithPIDDir(cleanup.PIDDir(cfg.WorkDir)),
		supervisor.WithLogger(logging.Component(logger, "supervisor")),
	)
	s := engine.NewSession(ecfg, engine.Deps{
		Net:        nm,
		Supervisor: sup,
		Checker:    engine.DefaultChecks(),
		Progress:   progress,
		Log:        logging.Component(logger, "engine"),
	})
	rep.SetSessionID(s.ID)
	cleanup.Default().Register("session", s.Close)

	if err := s.Start(ctx); err != nil {
		rep.AddBypassResults(s.Results()...)
		return s, err
	}

	if opts.duration > 0 {
		t := time.AfterFunc(opts.duration, s.Stop)
		defer t.Stop()
		progress.Detail(fmt.Sprintf("Session running for %s", opts.duration))
	} else {
		progress.Detail("Session running, press Ctrl+C to stop")
	}

	err = s.Wait(ctx)
	rep.AddBypassResults(s.Results()...)
	return s, err
}

// warn shows msg on the console and records it in the report.
func warn(progress *output.Progress, rep *report.Reporter, msg string) {
	progress.Warn(msg)
	rep.Warn(msg)
}

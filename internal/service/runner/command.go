package runner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/oshokin/service-core/internal/api/http/diag"
	"github.com/oshokin/service-core/internal/config"
	"github.com/oshokin/service-core/internal/events"
	"github.com/oshokin/service-core/internal/logger"
	"github.com/oshokin/service-core/internal/metrics"
	"github.com/oshokin/service-core/internal/repository/store"
	"github.com/oshokin/service-core/internal/service/fetch"
	"github.com/oshokin/service-core/internal/service/installer"
	"github.com/oshokin/service-core/internal/service/program"
	"github.com/oshokin/service-core/internal/service/recovery"
	"github.com/oshokin/service-core/internal/service/release"
	"github.com/oshokin/service-core/internal/service/servers"
	"github.com/oshokin/service-core/internal/service/supervisor"
)

// Process exit codes.
const (
	ExitOK               = 0
	ExitStoreUnreadable  = 2
	ExitBootFailed       = 3
	ExitFatal            = 4
	ExitNothingRunning   = 5
	ExitBadConfiguration = 10
	ExitRelaunch         = 100
)

// shutdownSlack is added to the stop timeout when bounding the final shutdown.
const shutdownSlack = 5 * time.Second

var errBootPanicked = errors.New("boot panicked")

// ExitError carries the process exit code out of Run.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return "exit " + strconv.Itoa(e.Code)
	}

	return fmt.Sprintf("exit %d: %v", e.Code, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Options are inputs accepted by the supervisor entry point.
type Options struct {
	// ConfigPath is the path to the settings YAML file.
	ConfigPath string
	// LogLevel overrides the level from the settings when set.
	LogLevel string
}

// Run loads the settings, boots both services and blocks until ctx is
// canceled or a relaunch is requested. A panic fires the crash hooks
// before it is turned into ExitFatal.
func Run(ctx context.Context, opts *Options) (err error) {
	ctx = logger.WithName(ctx, "service-core")

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return &ExitError{Code: ExitBadConfiguration, Err: err}
	}

	setupLogger(cfg, opts.LogLevel)

	repo, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return &ExitError{Code: ExitStoreUnreadable, Err: err}
	}

	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			logger.WarnKV(ctx, "Unable to close store", "error", closeErr)
		}
	}()

	// Read once so a corrupt store stops the boot here.
	if _, err = store.CoreDocument(ctx, repo); err != nil {
		return &ExitError{Code: ExitStoreUnreadable, Err: err}
	}

	if err = metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.WarnKV(ctx, "Metrics are disabled", "error", err)
	}

	bus := events.NewBus()
	client := fetch.New()
	mgr := servers.NewManager()
	hooks := recovery.NewRegistry(repo)

	sup := supervisor.New(supervisor.Deps{
		Config:    cfg,
		Store:     repo,
		Resolver:  release.NewResolver(cfg, client, repo, bus),
		Installer: installer.New(cfg, client, repo, bus),
		Launcher:  supervisor.NewProcessLauncher(program.NewLauncher(cfg)),
		Pinger:    client,
		Servers:   mgr,
		Recovery:  hooks,
		Bus:       bus,
	})

	defer func() {
		if r := recover(); r != nil {
			n := hooks.Fire()
			logger.ErrorKV(ctx, "Fatal error", "panic", r, "interrupted_starts", n)
			closeAll(ctx, cfg, mgr)

			err = &ExitError{Code: ExitFatal, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if cfg.DiagPort > 0 {
		addr := net.JoinHostPort("", strconv.Itoa(cfg.DiagPort))
		if _, bindErr := mgr.Bind(ctx, servers.Diag, servers.Options{Addr: addr},
			diag.NewRouter(sup, repo, bus).Handler()); bindErr != nil {
			logger.ErrorKV(ctx, "Diagnostic API unavailable", "error", bindErr)
		}

		if mgr.Bound(servers.Diag) {
			logger.InfoKV(ctx, "Diagnostic API ready", "address", mgr.Addr(servers.Diag))
		}
	}

	logger.InfoKV(ctx, "Starting services", "name", cfg.Name, "config", cfg.Path(), "level", logger.Level())

	booted := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				booted <- fmt.Errorf("%w: %v", errBootPanicked, r)
			}
		}()

		booted <- sup.Boot(context.WithoutCancel(ctx))
	}()

	select {
	case <-ctx.Done():
		// Boot is still running: mark the start in flight and take the endpoints down.
		hooks.Fire()
		closeAll(ctx, cfg, mgr)

		return nil
	case <-sup.Relaunch():
		hooks.Fire()
		closeAll(ctx, cfg, mgr)

		return &ExitError{Code: ExitRelaunch}
	case bootErr := <-booted:
		if bootErr != nil {
			if errors.Is(bootErr, errBootPanicked) {
				hooks.Fire()
			}

			shutdown(ctx, cfg, sup, mgr)

			if errors.Is(bootErr, supervisor.ErrNothingRunning) {
				return &ExitError{Code: ExitNothingRunning, Err: bootErr}
			}

			return &ExitError{Code: ExitBootFailed, Err: bootErr}
		}
	}

	logger.Info(ctx, "Services started")

	select {
	case <-ctx.Done():
		logger.Info(ctx, "Shutting down")
		hooks.Fire()
		shutdown(ctx, cfg, sup, mgr)

		return nil
	case <-sup.Relaunch():
		logger.Warn(ctx, "Relaunch requested")
		hooks.Fire()
		shutdown(ctx, cfg, sup, mgr)

		return &ExitError{Code: ExitRelaunch}
	}
}

func setupLogger(cfg *config.Config, level string) {
	if level == "" {
		level = cfg.Log.Level
	}

	logger.Setup(&logger.Options{
		Level:      level,
		Production: cfg.Production,
		Filename:   cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
}

func shutdown(ctx context.Context, cfg *config.Config, sup *supervisor.Supervisor, mgr *servers.Manager) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.StopTimeout+shutdownSlack)
	defer cancel()

	if err := sup.Shutdown(stopCtx); err != nil {
		logger.ErrorKV(ctx, "Unable to stop services", "error", err)
	}

	if err := mgr.CloseAll(stopCtx); err != nil {
		logger.ErrorKV(ctx, "Unable to close servers", "error", err)
	}
}

func closeAll(ctx context.Context, cfg *config.Config, mgr *servers.Manager) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.StopTimeout+shutdownSlack)
	defer cancel()

	if err := mgr.CloseAll(stopCtx); err != nil {
		logger.ErrorKV(ctx, "Unable to close servers", "error", err)
	}
}

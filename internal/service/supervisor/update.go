package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oshokin/service-core/internal/domain/core"
	"github.com/oshokin/service-core/internal/events"
	"github.com/oshokin/service-core/internal/logger"
	"github.com/oshokin/service-core/internal/metrics"
	"github.com/oshokin/service-core/internal/service/program"
	"github.com/oshokin/service-core/internal/service/release"
)

// cycleContext names the logger and tags it with a fresh cycle id.
func cycleContext(ctx context.Context, service core.ServiceName) context.Context {
	ctx = logger.WithName(ctx, service.String())

	return logger.WithKV(ctx, "cycle_id", uuid.NewString())
}

// UpdateProgram runs one update cycle: resolve the newest release and
// install it. It reports whether a new version was installed. A call
// made while a cycle is in flight for the service does nothing.
func (s *Supervisor) UpdateProgram(ctx context.Context, service core.ServiceName) (installed bool, err error) {
	defer s.survive(ctx, service, "update", &err)

	if !s.acquire(service, guardUpdating) {
		logger.WarnKV(ctx, "Update already in progress", "service", service)

		return false, nil
	}

	defer s.release(service, guardUpdating)

	ctx = cycleContext(ctx, service)
	s.resetLogs(service)

	j := s.journal(ctx, service)
	j.Logf("Checking for updates of %s", service)

	candidate, err := s.resolver.ResolveLatest(ctx, service)
	if err != nil {
		if errors.Is(err, release.ErrConfigurationMissing) && service == core.Manage {
			j.Warnf("No repository configured for %s, skipping update", service)
			metrics.IncUpdateCheck(service.String(), "skipped")

			return false, nil
		}

		j.Warnf("Error checking for updates: %v", err)
		metrics.IncUpdateCheck(service.String(), "failed")

		return false, fmt.Errorf("resolve %s: %w", service, err)
	}

	if candidate == nil {
		metrics.IncUpdateCheck(service.String(), "current")

		pointers, ptrErr := s.store.Pointers(ctx, service)
		if ptrErr != nil {
			pointers = core.Pointers{}
		}

		s.replayInstalledLogs(ctx, service, pointers.LatestInstalled, j)

		return false, nil
	}

	// A tag installed before keeps its score: the feed may fall back to an
	// older release after a newer one is withdrawn.
	if rec, recErr := s.store.Record(ctx, service, candidate.Tag); recErr == nil && rec.Installed() {
		metrics.IncUpdateCheck(service.String(), "current")
		s.replayInstalledLogs(ctx, service, candidate.Tag, j)

		return false, nil
	}

	metrics.IncUpdateCheck(service.String(), "new")
	j.Logf("Found new version %s, installing", candidate.Tag)

	if err = s.installer.Install(ctx, service, candidate, j); err != nil {
		j.Warnf("Error installing %s: %v", candidate.Tag, err)
		metrics.IncInstall(service.String(), "failed")

		logs := j.Text()
		if recErr := s.store.UpdateRecord(ctx, service, candidate.Tag, func(r *core.VersionRecord) {
			r.Logs = logs
		}); recErr != nil {
			logger.ErrorKV(ctx, "Unable to save install logs", "tag", candidate.Tag, "error", recErr)
		}

		return false, fmt.Errorf("install %s %s: %w", service, candidate.Tag, err)
	}

	metrics.IncInstall(service.String(), "ok")
	j.Logf("Installed %s", candidate.Tag)

	return true, nil
}

// replayInstalledLogs copies the install log of an installed tag into
// the cycle log so observers still see how it got there.
func (s *Supervisor) replayInstalledLogs(ctx context.Context, service core.ServiceName, tag string, j *journal) {
	if tag == "" {
		j.Logf("No new version found")

		return
	}

	j.Logf("Version %s already installed", tag)

	rec, err := s.store.Record(ctx, service, tag)
	if err != nil || rec.Logs == "" {
		return
	}

	for _, line := range strings.Split(strings.TrimRight(rec.Logs, "\n"), "\n") {
		s.appendLog(service, line)
	}
}

// Start updates a service and then starts the best installed version.
// Update errors are logged and do not prevent the start.
func (s *Supervisor) Start(ctx context.Context, service core.ServiceName) error {
	if _, err := s.UpdateProgram(ctx, service); err != nil {
		logger.ErrorKV(ctx, "Update failed", "service", service, "error", err)
	}

	return s.TryStartProgram(ctx, service)
}

// Boot reaps programs left behind by a previous run, starts app then
// manage and launches the monitor.
func (s *Supervisor) Boot(ctx context.Context) error {
	s.reapOrphans(ctx)

	for _, service := range core.Services() {
		if err := s.Start(ctx, service); err != nil {
			logger.WarnKV(ctx, "Service did not start", "service", service, "error", err)
		}
	}

	monitorCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.monitorCancel = cancel

	s.monitorWG.Add(1)

	go func() {
		defer s.monitorWG.Done()

		s.Monitor(monitorCtx)
	}()

	status := s.Status()
	if !status.App && !status.Manage {
		return ErrNothingRunning
	}

	return nil
}

// Monitor runs the update-then-start cycle of every service, one after
// the other, on each tick of the monitor interval until ctx ends.
func (s *Supervisor) Monitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.MonitorOnce(ctx)
		}
	}
}

// MonitorOnce runs one monitor pass. A service is started again only
// when a new version was installed or it is not running.
func (s *Supervisor) MonitorOnce(ctx context.Context) {
	for _, service := range core.Services() {
		if ctx.Err() != nil {
			return
		}

		if s.State(service).Updating {
			logger.WarnKV(ctx, "Update already in progress, skipping monitor pass", "service", service)

			continue
		}

		installed, err := s.UpdateProgram(ctx, service)
		if err != nil {
			logger.ErrorKV(ctx, "Monitor update failed", "service", service, "error", err)
		}

		if !installed && s.State(service).Running {
			continue
		}

		if err = s.TryStartProgram(ctx, service); err != nil {
			logger.WarnKV(ctx, "Monitor start failed", "service", service, "error", err)
		}
	}
}

// Shutdown stops the monitor and every running program.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if s.monitorCancel != nil {
		s.monitorCancel()
	}

	s.monitorWG.Wait()

	var errs []error

	for _, service := range core.Services() {
		if err := s.stopRunning(ctx, service); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// stopRunning closes the endpoint of a running service and clears its
// persisted process id. When the program cannot be stopped it is still
// considered running.
func (s *Supervisor) stopRunning(ctx context.Context, service core.ServiceName) error {
	s.mu.Lock()
	st := s.states[service]
	proc := st.proc
	st.proc = nil
	st.Running = false
	s.mu.Unlock()

	if proc == nil {
		return nil
	}

	s.publishStatus()

	if _, err := s.servers.Close(ctx, service.String()); err != nil {
		select {
		case <-proc.Done():
		default:
			s.mu.Lock()
			if st.proc == nil {
				st.proc = proc
				st.Running = true
			}
			s.mu.Unlock()
		}

		s.publishStatus()

		return err
	}

	s.savePointers(ctx, service, func(p *core.Pointers) {
		p.Active = ""
		p.PID = 0
	})

	return nil
}

// reapOrphans kills programs recorded by a previous run that still hold
// their process id.
func (s *Supervisor) reapOrphans(ctx context.Context) {
	for _, service := range core.Services() {
		pointers, err := s.store.Pointers(ctx, service)
		if err != nil || pointers.PID == 0 {
			continue
		}

		reaped, err := program.ReapOrphan(pointers.PID, s.cfg.Runtime[0])
		if err != nil {
			logger.WarnKV(ctx, "Unable to reap orphan program", "service", service, "pid", pointers.PID, "error", err)
		} else if reaped {
			logger.WarnKV(ctx, "Killed orphan program", "service", service, "pid", pointers.PID)
		}

		s.savePointers(ctx, service, func(p *core.Pointers) {
			p.Active = ""
			p.PID = 0
		})
	}
}

// savePointers persists a pointer change and publishes it. Failures are logged.
func (s *Supervisor) savePointers(ctx context.Context, service core.ServiceName, fn func(*core.Pointers)) {
	pointers, err := s.store.UpdatePointers(ctx, service, fn)
	if err != nil {
		logger.ErrorKV(ctx, "Unable to save pointers", "service", service, "error", err)

		return
	}

	s.bus.Pointers.Publish(events.PointersUpdated{Service: service, Pointers: pointers})
}

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/oshokin/service-core/internal/domain/core"
	"github.com/oshokin/service-core/internal/logger"
	"github.com/oshokin/service-core/internal/metrics"
	"github.com/oshokin/service-core/internal/service/fetch"
	"github.com/oshokin/service-core/internal/service/program"
	"github.com/oshokin/service-core/internal/service/recovery"
)

// TryStartProgram starts the best installed version of a service.
//
// It does nothing when a start is already in flight, or when the service
// runs and no newer installed version is waiting. A running older version
// is stopped first; if it cannot be stopped in production the process
// asks to be relaunched. Installed versions are then tried newest first.
func (s *Supervisor) TryStartProgram(ctx context.Context, service core.ServiceName) (err error) {
	defer s.survive(ctx, service, "start", &err)

	if !s.acquire(service, guardStarting) {
		logger.WarnKV(ctx, "Start already in progress", "service", service)

		return nil
	}

	defer s.release(service, guardStarting)

	ctx = cycleContext(ctx, service)

	pointers, err := s.store.Pointers(ctx, service)
	if err != nil {
		return fmt.Errorf("read pointers: %w", err)
	}

	running := s.State(service).Running
	if running && !s.newerPending(ctx, service, pointers) {
		logger.WarnKV(ctx, "Already running and no newer version is installed",
			"service", service, "active", pointers.Active)

		return nil
	}

	s.resetLogs(service)
	j := s.journal(ctx, service)

	if running {
		j.Logf("Stopping %s to start %s", pointers.Active, pointers.LatestInstalled)

		if err = s.stopRunning(ctx, service); err != nil {
			j.Warnf("Unable to stop the running version: %v", err)

			if s.cfg.Production {
				j.Warnf("Requesting a full restart")
				s.requestRelaunch()
			}

			return err
		}
	}

	history, err := s.store.History(ctx, service)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}

	return s.walk(ctx, service, core.SortByInstalledDesc(history), j)
}

// newerPending reports whether the latest installed version differs from
// the active one and may be attempted.
func (s *Supervisor) newerPending(ctx context.Context, service core.ServiceName, pointers core.Pointers) bool {
	if pointers.LatestInstalled == "" || pointers.LatestInstalled == pointers.Active {
		return false
	}

	rec, err := s.store.Record(ctx, service, pointers.LatestInstalled)
	if err != nil {
		return false
	}

	return !core.Skip(rec.Stable, s.State(service).Fresh)
}

// walk tries candidates in order until one starts.
func (s *Supervisor) walk(
	ctx context.Context,
	service core.ServiceName,
	candidates []*core.VersionRecord,
	j *journal,
) error {
	fresh := s.State(service).Fresh

	defer s.setFresh(service, false)

	for i, rec := range candidates {
		if ctx.Err() != nil {
			return s.interrupted(ctx, service, j)
		}

		if core.Skip(rec.Stable, fresh) {
			j.Logf("Skipping %s, stable %d", rec.Tag, rec.Stable)

			continue
		}

		j.Logf("Attempting to start %s", rec.Tag)

		err := s.tryStartProgramVersion(ctx, service, rec, fresh)
		if err == nil {
			if i > 0 {
				metrics.IncRollback(service.String())
			}

			return nil
		}

		// Cancellation is not a verdict on the version.
		if ctx.Err() != nil {
			j.Warnf("Start of %s interrupted: %v", rec.Tag, err)

			return s.interrupted(ctx, service, j)
		}

		metrics.IncStartFailure(service.String())

		stable := core.OnFailure(rec.Stable, fresh)
		j.Warnf("Error starting %s: %v", rec.Tag, err)
		j.Warnf("Marking %s with stable %d", rec.Tag, stable)

		logs := j.Text()
		if recErr := s.store.UpdateRecord(ctx, service, rec.Tag, func(r *core.VersionRecord) {
			r.Stable = stable
			r.Logs = logs
		}); recErr != nil {
			logger.ErrorKV(ctx, "Unable to save stable score", "tag", rec.Tag, "error", recErr)
		}

		s.savePointers(ctx, service, func(p *core.Pointers) {
			p.Active = ""
			p.PID = 0
		})

		fresh = false
		s.setFresh(service, false)
	}

	j.Warnf("No version of %s could be started", service)

	return fmt.Errorf("%s: %w", service, ErrNoStableVersion)
}

// interrupted ends a walk whose context was canceled. No stable score is
// written; a start cut short by process teardown is marked by its hook.
func (s *Supervisor) interrupted(ctx context.Context, service core.ServiceName, j *journal) error {
	s.savePointers(context.WithoutCancel(ctx), service, func(p *core.Pointers) {
		p.Active = ""
		p.PID = 0
	})

	j.Warnf("Start of %s canceled", service)

	return fmt.Errorf("%s: %w", service, context.Cause(ctx))
}

func (s *Supervisor) setFresh(service core.ServiceName, fresh bool) {
	s.mu.Lock()
	s.states[service].Fresh = fresh
	s.mu.Unlock()
}

// tryStartProgramVersion launches one version, waits until it is ready,
// adopts it and health-checks it. On success the version is marked
// stable, becomes active and the service is running.
func (s *Supervisor) tryStartProgramVersion(
	ctx context.Context,
	service core.ServiceName,
	rec *core.VersionRecord,
	fresh bool,
) (err error) {
	port := s.cfg.PortFor(service.String())
	s.servers.SetContext(service.String())

	releaseHook := s.recovery.Register(recovery.Hook{
		Service: service,
		Tag:     rec.Tag,
		Stable:  rec.Stable,
		Fresh:   fresh,
	})
	defer releaseHook()

	startCtx, cancel := context.WithTimeout(ctx, s.cfg.StartTimeout)
	defer cancel()

	startedAt := time.Now()

	var proc Program

	// A panic while starting is a failed attempt like any other.
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorKV(ctx, "Panic while starting", "tag", rec.Tag, "panic", r)

			if proc != nil {
				s.stopQuietly(ctx, proc)
			}

			err = fmt.Errorf("%w: %v", ErrPanicked, r)
		}
	}()

	proc, err = s.launcher.Launch(startCtx, program.Spec{
		Service: service,
		Tag:     rec.Tag,
		Dir:     s.installer.VersionDir(service, rec.Tag),
		Port:    port,
	}, s.programOutput(ctx, service, rec.Tag))
	if err != nil {
		return err
	}

	if err = proc.WaitReady(startCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", ErrStartTimeout, s.cfg.StartTimeout)
		}

		s.stopQuietly(ctx, proc)

		return err
	}

	if err = s.servers.Adopt(service.String(), proc); err != nil {
		s.stopQuietly(ctx, proc)

		return err
	}

	s.savePointers(ctx, service, func(p *core.Pointers) { p.PID = proc.PID() })

	if err = s.healthCheck(ctx, port); err != nil {
		if _, closeErr := s.servers.Close(ctx, service.String()); closeErr != nil {
			logger.ErrorKV(ctx, "Unable to stop unhealthy program", "service", service, "error", closeErr)
		}

		return err
	}

	if name, bound := s.servers.Current(); name != service.String() || !bound {
		logger.WarnKV(ctx, "Program did not leave an endpoint bound", "service", service, "context", name)
	}

	// The port may have answered for someone else while this program died.
	select {
	case <-proc.Done():
		_, _ = s.servers.Close(ctx, service.String())

		return fmt.Errorf("%w: %v", ErrExited, proc.Err())
	default:
	}

	if err = s.store.UpdateRecord(ctx, service, rec.Tag, func(r *core.VersionRecord) {
		r.Stable = core.StableOK
	}); err != nil {
		_, _ = s.servers.Close(ctx, service.String())

		return fmt.Errorf("save stable score: %w", err)
	}

	releaseHook()

	s.mu.Lock()
	st := s.states[service]
	st.Running = true
	st.proc = proc
	s.mu.Unlock()

	s.savePointers(ctx, service, func(p *core.Pointers) { p.Active = rec.Tag })
	s.publishStatus()

	metrics.IncStart(service.String())
	metrics.ObserveStartDuration(service.String(), time.Since(startedAt).Seconds())
	s.journal(ctx, service).Logf("Started %s on port %d", rec.Tag, port)

	go s.watch(context.WithoutCancel(ctx), service, rec.Tag, proc)

	return nil
}

// watch marks the service down when its program exits on its own.
func (s *Supervisor) watch(ctx context.Context, service core.ServiceName, tag string, proc Program) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorKV(ctx, "Panic while watching program", "service", service, "tag", tag, "panic", r)
		}
	}()

	<-proc.Done()

	s.mu.Lock()
	st := s.states[service]

	if st.proc != proc {
		s.mu.Unlock()

		return
	}

	st.proc = nil
	st.Running = false
	s.mu.Unlock()

	logger.WarnKV(ctx, "Program exited", "service", service, "tag", tag, "error", proc.Err())

	if _, err := s.servers.Close(ctx, service.String()); err != nil {
		logger.ErrorKV(ctx, "Unable to release exited program", "service", service, "error", err)
	}

	s.savePointers(ctx, service, func(p *core.Pointers) {
		p.Active = ""
		p.PID = 0
	})
	s.publishStatus()
}

func (s *Supervisor) stopQuietly(ctx context.Context, proc Program) {
	if err := proc.Stop(context.WithoutCancel(ctx)); err != nil {
		logger.WarnKV(ctx, "Unable to stop program", "pid", proc.PID(), "error", err)
	}
}

// healthCheck requests http://localhost:<port>/ until it answers or the
// window is over. Any HTTP status counts as an answer.
func (s *Supervisor) healthCheck(ctx context.Context, port int) error {
	url := "http://localhost:" + strconv.Itoa(port) + "/"
	deadline := time.Now().Add(s.healthWindow)

	var lastErr error

	for {
		reqCtx, cancel := context.WithDeadline(ctx, deadline)
		_, err := s.pinger.GetText(reqCtx, url)
		cancel()

		var httpErr *fetch.HTTPError
		if err == nil || errors.As(err, &httpErr) {
			return nil
		}

		lastErr = err

		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrHealthCheckFailed, ctx.Err())
		}

		if time.Now().Add(s.healthInterval).After(deadline) {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrHealthCheckFailed, ctx.Err())
		case <-time.After(s.healthInterval):
		}
	}

	return fmt.Errorf("%w: %w", ErrHealthCheckFailed, lastErr)
}

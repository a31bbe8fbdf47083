package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oshokin/service-core/internal/config"
	"github.com/oshokin/service-core/internal/domain/core"
	"github.com/oshokin/service-core/internal/events"
	"github.com/oshokin/service-core/internal/logger"
	"github.com/oshokin/service-core/internal/metrics"
	"github.com/oshokin/service-core/internal/repository/store"
	"github.com/oshokin/service-core/internal/service/installer"
	"github.com/oshokin/service-core/internal/service/program"
	"github.com/oshokin/service-core/internal/service/recovery"
	"github.com/oshokin/service-core/internal/service/servers"
)

const (
	// HealthInterval is the pause between health requests.
	HealthInterval = 3 * time.Second
	// HealthWindow bounds the whole health check.
	HealthWindow = 10 * time.Second

	// maxLogBytes caps the in-memory log of one service.
	maxLogBytes = 256 * 1024

	noLogs = "< no logs found >"
)

var (
	// ErrStartTimeout is returned when a program is not ready within the start timeout.
	ErrStartTimeout = errors.New("start timed out")
	// ErrHealthCheckFailed is returned when the port never answers during the health window.
	ErrHealthCheckFailed = errors.New("health check failed")
	// ErrNoStableVersion is returned when every installed version was skipped or failed.
	ErrNoStableVersion = errors.New("no version could be started")
	// ErrNothingRunning is returned by Boot when neither service started.
	ErrNothingRunning = errors.New("neither service is running")
	// ErrExited is returned when a program exits before its start is confirmed.
	ErrExited = errors.New("program exited during start")
	// ErrPanicked is returned when an update or start cycle panics.
	ErrPanicked = errors.New("cycle panicked")
)

// Resolver finds the newest release of a service.
type Resolver interface {
	ResolveLatest(ctx context.Context, service core.ServiceName) (*core.Candidate, error)
}

// Installer places a release on disk.
type Installer interface {
	Install(ctx context.Context, service core.ServiceName, candidate *core.Candidate, journal installer.Journal) error
	VersionDir(service core.ServiceName, tag string) string
}

// Program is a launched version.
type Program interface {
	PID() int
	Done() <-chan struct{}
	Err() error
	WaitReady(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Launcher starts a version.
type Launcher interface {
	Launch(ctx context.Context, spec program.Spec, onLine func(string)) (Program, error)
}

// Pinger performs the health GET.
type Pinger interface {
	GetText(ctx context.Context, url string) (string, error)
}

// Deps are the collaborators of a Supervisor.
type Deps struct {
	Config    *config.Config
	Store     store.Repository
	Resolver  Resolver
	Installer Installer
	Launcher  Launcher
	Pinger    Pinger
	Servers   *servers.Manager
	Recovery  *recovery.Registry
	Bus       *events.Bus
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithHealthCheck overrides the health request interval and window.
func WithHealthCheck(interval, window time.Duration) Option {
	return func(s *Supervisor) {
		if interval > 0 {
			s.healthInterval = interval
		}

		if window > 0 {
			s.healthWindow = window
		}
	}
}

type serviceState struct {
	core.RuntimeState

	proc Program
}

// Supervisor owns the runtime state of both services.
type Supervisor struct {
	cfg       *config.Config
	store     store.Repository
	resolver  Resolver
	installer Installer
	launcher  Launcher
	pinger    Pinger
	servers   *servers.Manager
	recovery  *recovery.Registry
	bus       *events.Bus

	healthInterval time.Duration
	healthWindow   time.Duration

	mu     sync.Mutex
	states map[core.ServiceName]*serviceState

	relaunchOnce sync.Once
	relaunch     chan struct{}

	monitorWG     sync.WaitGroup
	monitorCancel context.CancelFunc
}

// New creates a supervisor. Every service starts fresh.
func New(d Deps, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:            d.Config,
		store:          d.Store,
		resolver:       d.Resolver,
		installer:      d.Installer,
		launcher:       d.Launcher,
		pinger:         d.Pinger,
		servers:        d.Servers,
		recovery:       d.Recovery,
		bus:            d.Bus,
		healthInterval: HealthInterval,
		healthWindow:   HealthWindow,
		states:         make(map[core.ServiceName]*serviceState, len(core.Services())),
		relaunch:       make(chan struct{}),
	}

	for _, service := range core.Services() {
		s.states[service] = &serviceState{RuntimeState: core.RuntimeState{Fresh: true}}
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// NewProcessLauncher adapts a program.Launcher to Launcher.
//
//nolint:ireturn // The supervisor depends on the interface.
func NewProcessLauncher(l *program.Launcher) Launcher {
	return processLauncher{l: l}
}

type processLauncher struct {
	l *program.Launcher
}

//nolint:ireturn // See NewProcessLauncher.
func (p processLauncher) Launch(ctx context.Context, spec program.Spec, onLine func(string)) (Program, error) {
	proc, err := p.l.Launch(ctx, spec, onLine)
	if err != nil {
		return nil, err
	}

	return proc, nil
}

type guard int

const (
	guardUpdating guard = iota
	guardStarting
)

// acquire sets a guard flag unless it is already set.
func (s *Supervisor) acquire(service core.ServiceName, g guard) bool {
	s.mu.Lock()

	st := s.states[service]

	flag := &st.Updating
	if g == guardStarting {
		flag = &st.Starting
	}

	if *flag {
		s.mu.Unlock()

		return false
	}

	*flag = true
	s.mu.Unlock()

	s.publishStatus()

	return true
}

func (s *Supervisor) release(service core.ServiceName, g guard) {
	s.mu.Lock()

	st := s.states[service]
	if g == guardStarting {
		st.Starting = false
	} else {
		st.Updating = false
	}

	s.mu.Unlock()

	s.publishStatus()
}

// Status reports the running and guard flags of both services.
func (s *Supervisor) Status() core.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	app, manage := s.states[core.App], s.states[core.Manage]

	return core.Status{
		App:            app.Running,
		Manage:         manage.Running,
		AppUpdating:    app.Updating,
		ManageUpdating: manage.Updating,
		AppStarting:    app.Starting,
		ManageStarting: manage.Starting,
	}
}

// State returns a copy of the runtime state of a service.
func (s *Supervisor) State(service core.ServiceName) core.RuntimeState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.states[service].RuntimeState
}

func (s *Supervisor) publishStatus() {
	status := s.Status()
	s.bus.Status.Publish(events.StatusChanged{Status: status})
	metrics.SetRunning(core.App.String(), status.App)
	metrics.SetRunning(core.Manage.String(), status.Manage)
}

// ProgramLogs returns the log text observers should see for a service:
// the running operation's log, else the logs stored with the latest seen
// version, else those of the latest installed one.
func (s *Supervisor) ProgramLogs(ctx context.Context, service core.ServiceName) string {
	if logs := s.State(service).Logs; logs != "" {
		return logs
	}

	pointers, err := s.store.Pointers(ctx, service)
	if err != nil {
		return noLogs
	}

	for _, tag := range []string{pointers.LatestVersion, pointers.LatestInstalled} {
		if tag == "" {
			continue
		}

		rec, recErr := s.store.Record(ctx, service, tag)
		if recErr == nil && rec.Logs != "" {
			return rec.Logs
		}
	}

	return noLogs
}

// Restart asks the host process to exit so its service manager relaunches it.
func (s *Supervisor) Restart() {
	s.requestRelaunch()
}

// Relaunch is closed once the process should exit and be started again.
func (s *Supervisor) Relaunch() <-chan struct{} {
	return s.relaunch
}

func (s *Supervisor) requestRelaunch() {
	s.relaunchOnce.Do(func() {
		close(s.relaunch)
	})
}

// survive turns a panic in an update or start cycle into an error so a
// faulty cycle never takes the supervisor down. It must be deferred.
func (s *Supervisor) survive(ctx context.Context, service core.ServiceName, cycle string, err *error) {
	r := recover()
	if r == nil {
		return
	}

	logger.ErrorKV(ctx, "Cycle panicked", "service", service, "cycle", cycle, "panic", r)

	*err = fmt.Errorf("%s %s: %w: %v", cycle, service, ErrPanicked, r)
}

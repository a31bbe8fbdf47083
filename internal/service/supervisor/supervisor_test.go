package supervisor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/service-core/internal/config"
	"github.com/oshokin/service-core/internal/domain/core"
	"github.com/oshokin/service-core/internal/events"
	"github.com/oshokin/service-core/internal/repository/store"
	"github.com/oshokin/service-core/internal/service/fetch"
	"github.com/oshokin/service-core/internal/service/installer"
	"github.com/oshokin/service-core/internal/service/program"
	"github.com/oshokin/service-core/internal/service/recovery"
	"github.com/oshokin/service-core/internal/service/release"
	"github.com/oshokin/service-core/internal/service/servers"
)

var errBoom = errors.New("boom")

type fakeProgram struct {
	pid     int
	done    chan struct{}
	once    sync.Once
	ready   func(ctx context.Context) error
	stopErr error
	stopped atomic.Bool
}

func (p *fakeProgram) PID() int              { return p.pid }
func (p *fakeProgram) Done() <-chan struct{} { return p.done }
func (p *fakeProgram) Err() error            { return nil }

func (p *fakeProgram) WaitReady(ctx context.Context) error {
	if p.ready == nil {
		return nil
	}

	return p.ready(ctx)
}

func (p *fakeProgram) Stop(context.Context) error {
	if p.stopErr != nil {
		return p.stopErr
	}

	p.stopped.Store(true)
	p.exit()

	return nil
}

func (p *fakeProgram) exit() {
	p.once.Do(func() { close(p.done) })
}

// fakeLauncher hands out fake programs whose readiness depends on the tag.
type fakeLauncher struct {
	mu       sync.Mutex
	ready    map[string]func(ctx context.Context) error
	stopErr  map[string]error
	launched []string
	procs    map[string]*fakeProgram
	nextPID  int
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		ready:   make(map[string]func(ctx context.Context) error),
		stopErr: make(map[string]error),
		procs:   make(map[string]*fakeProgram),
		nextPID: 1000,
	}
}

//nolint:ireturn // Fake of the Launcher interface.
func (l *fakeLauncher) Launch(_ context.Context, spec program.Spec, onLine func(string)) (Program, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextPID++
	l.launched = append(l.launched, spec.Tag)

	p := &fakeProgram{
		pid:     l.nextPID,
		done:    make(chan struct{}),
		ready:   l.ready[spec.Tag],
		stopErr: l.stopErr[spec.Tag],
	}
	l.procs[spec.Tag] = p

	onLine("listening on " + spec.Tag)

	return p, nil
}

func (l *fakeLauncher) fail(tag string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.ready[tag] = func(context.Context) error { return errBoom }
}

func (l *fakeLauncher) launches() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]string(nil), l.launched...)
}

func (l *fakeLauncher) proc(tag string) *fakeProgram {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.procs[tag]
}

type fakePinger struct {
	mu  sync.Mutex
	err error
	// hang makes every request wait for its context.
	hang bool
}

func (p *fakePinger) GetText(ctx context.Context, _ string) (string, error) {
	p.mu.Lock()
	err, hang := p.err, p.hang
	p.mu.Unlock()

	if hang {
		<-ctx.Done()

		return "", ctx.Err()
	}

	return "", err
}

type fakeResolver struct {
	mu      sync.Mutex
	results map[core.ServiceName]func() (*core.Candidate, error)
}

func (r *fakeResolver) ResolveLatest(_ context.Context, service core.ServiceName) (*core.Candidate, error) {
	r.mu.Lock()
	fn := r.results[service]
	r.mu.Unlock()

	if fn == nil {
		return nil, nil
	}

	return fn()
}

func (r *fakeResolver) set(service core.ServiceName, fn func() (*core.Candidate, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.results[service] = fn
}

type fakeInstaller struct {
	root string
	repo store.Repository
	err  error
}

func (i *fakeInstaller) Install(
	ctx context.Context,
	service core.ServiceName,
	candidate *core.Candidate,
	journal installer.Journal,
) error {
	if i.err != nil {
		return i.err
	}

	journal.Logf("unpacked %s", candidate.Tag)

	rec := core.RecordFromCandidate(candidate)
	now := time.Now()
	rec.InstalledAt = &now
	rec.Logs = journal.Text()

	if err := i.repo.Upsert(ctx, service, rec); err != nil {
		return err
	}

	_, err := i.repo.UpdatePointers(ctx, service, func(p *core.Pointers) {
		p.LatestInstalled = candidate.Tag
	})

	return err
}

func (i *fakeInstaller) VersionDir(service core.ServiceName, tag string) string {
	return filepath.Join(i.root, service.String(), tag)
}

type fixture struct {
	cfg       *config.Config
	repo      store.Repository
	launcher  *fakeLauncher
	pinger    *fakePinger
	resolver  *fakeResolver
	installer *fakeInstaller
	servers   *servers.Manager
	recovery  *recovery.Registry
	bus       *events.Bus
	sup       *Supervisor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	repo := store.NewFileRepository(filepath.Join(dir, "db.json"))

	f := &fixture{
		cfg: &config.Config{
			Port:            18080,
			ManagePort:      18081,
			Runtime:         []string{"node"},
			MonitorInterval: time.Hour,
			StartTimeout:    2 * time.Second,
			StopTimeout:     time.Second,
		},
		repo:      repo,
		launcher:  newFakeLauncher(),
		pinger:    new(fakePinger),
		resolver:  &fakeResolver{results: make(map[core.ServiceName]func() (*core.Candidate, error))},
		installer: &fakeInstaller{root: dir, repo: repo},
		servers:   servers.NewManager(servers.WithGrace(0)),
		recovery:  recovery.NewRegistry(repo),
		bus:       events.NewBus(),
	}

	f.sup = New(Deps{
		Config:    f.cfg,
		Store:     f.repo,
		Resolver:  f.resolver,
		Installer: f.installer,
		Launcher:  f.launcher,
		Pinger:    f.pinger,
		Servers:   f.servers,
		Recovery:  f.recovery,
		Bus:       f.bus,
	}, WithHealthCheck(5*time.Millisecond, 30*time.Millisecond))

	t.Cleanup(func() {
		_ = f.sup.Shutdown(context.Background())
	})

	return f
}

// seed stores an installed record; a larger age means an older install.
func (f *fixture) seed(t *testing.T, service core.ServiceName, tag string, stable int, age time.Duration) {
	t.Helper()

	at := time.Now().Add(-age)
	require.NoError(t, f.repo.Upsert(context.Background(), service, &core.VersionRecord{
		Tag:         tag,
		Stable:      stable,
		InstalledAt: &at,
	}))
}

func (f *fixture) setLatestInstalled(t *testing.T, service core.ServiceName, tag string) {
	t.Helper()

	_, err := f.repo.UpdatePointers(context.Background(), service, func(p *core.Pointers) {
		p.LatestInstalled = tag
	})
	require.NoError(t, err)
}

func (f *fixture) stable(t *testing.T, service core.ServiceName, tag string) int {
	t.Helper()

	rec, err := f.repo.Record(context.Background(), service, tag)
	require.NoError(t, err)

	return rec.Stable
}

func (f *fixture) pointers(t *testing.T, service core.ServiceName) core.Pointers {
	t.Helper()

	p, err := f.repo.Pointers(context.Background(), service)
	require.NoError(t, err)

	return p
}

// TestTryStartProgram_RollsBackToStableVersion walks T1 (failed), T2 (untested, fails) and T3 (stable).
func TestTryStartProgram_RollsBackToStableVersion(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seed(t, core.App, "t3", core.StableOK, 3*time.Hour)
	f.seed(t, core.App, "t2", core.StableUntested, 2*time.Hour)
	f.seed(t, core.App, "t1", core.StableFailed, time.Hour)
	f.setLatestInstalled(t, core.App, "t1")
	f.launcher.fail("t2")

	require.NoError(t, f.sup.TryStartProgram(context.Background(), core.App))

	require.Equal(t, []string{"t2", "t3"}, f.launcher.launches())
	require.Equal(t, core.StableFailed, f.stable(t, core.App, "t1"))
	require.Equal(t, core.StableFailed, f.stable(t, core.App, "t2"))
	require.Equal(t, core.StableOK, f.stable(t, core.App, "t3"))

	p := f.pointers(t, core.App)
	require.Equal(t, "t3", p.Active)
	require.Equal(t, f.launcher.proc("t3").PID(), p.PID)

	state := f.sup.State(core.App)
	require.True(t, state.Running)
	require.False(t, state.Fresh)
	require.False(t, state.Starting)
	require.True(t, f.servers.Bound(servers.App))

	rec, err := f.repo.Record(context.Background(), core.App, "t2")
	require.NoError(t, err)
	require.Contains(t, rec.Logs, "Error starting t2")
	require.Zero(t, f.recovery.Pending())
}

// TestTryStartProgram_StabilityTransitions checks failures after the fresh attempt.
func TestTryStartProgram_StabilityTransitions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	// Fresh failure is decisive.
	f.seed(t, core.App, "v1", core.StableUntested, 2*time.Hour)
	f.launcher.fail("v1")
	require.ErrorIs(t, f.sup.TryStartProgram(ctx, core.App), ErrNoStableVersion)
	require.Equal(t, core.StableFailed, f.stable(t, core.App, "v1"))
	require.False(t, f.sup.State(core.App).Fresh)

	// Later failure of an untested version allows one retry.
	f.seed(t, core.App, "v2", core.StableUntested, time.Hour)
	f.launcher.fail("v2")
	require.ErrorIs(t, f.sup.TryStartProgram(ctx, core.App), ErrNoStableVersion)
	require.Equal(t, core.StableRetry, f.stable(t, core.App, "v2"))

	// Not fresh: -1 is skipped.
	require.ErrorIs(t, f.sup.TryStartProgram(ctx, core.App), ErrNoStableVersion)
	require.Equal(t, []string{"v1", "v2"}, f.launcher.launches())
	require.Empty(t, f.pointers(t, core.App).Active)
}

// TestTryStartProgram_FreshRetriesOnce verifies a -1 version is tried on a fresh start and drops to -2.
func TestTryStartProgram_FreshRetriesOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seed(t, core.App, "v1", core.StableRetry, time.Hour)
	f.launcher.fail("v1")

	require.ErrorIs(t, f.sup.TryStartProgram(context.Background(), core.App), ErrNoStableVersion)
	require.Equal(t, []string{"v1"}, f.launcher.launches())
	require.Equal(t, core.StableFailed, f.stable(t, core.App, "v1"))
}

// TestTryStartProgram_StartTimeout ensures a program that never gets ready is stopped and marked.
func TestTryStartProgram_StartTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.cfg.StartTimeout = 50 * time.Millisecond
	f.seed(t, core.App, "v1", core.StableUntested, time.Hour)
	f.launcher.ready["v1"] = func(ctx context.Context) error {
		<-ctx.Done()

		return ctx.Err()
	}

	err := f.sup.TryStartProgram(context.Background(), core.App)
	require.ErrorIs(t, err, ErrNoStableVersion)

	rec, recErr := f.repo.Record(context.Background(), core.App, "v1")
	require.NoError(t, recErr)
	require.Equal(t, core.StableFailed, rec.Stable)
	require.Contains(t, rec.Logs, ErrStartTimeout.Error())
	require.True(t, f.launcher.proc("v1").stopped.Load())
	require.False(t, f.servers.Bound(servers.App))
}

// TestTryStartProgram_HealthCheckFailure closes the endpoint when the port never answers.
func TestTryStartProgram_HealthCheckFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seed(t, core.App, "v1", core.StableUntested, time.Hour)
	f.pinger.err = fetch.ErrNetwork

	require.ErrorIs(t, f.sup.TryStartProgram(context.Background(), core.App), ErrNoStableVersion)
	require.True(t, f.launcher.proc("v1").stopped.Load())
	require.False(t, f.servers.Bound(servers.App))
	require.Equal(t, core.StableFailed, f.stable(t, core.App, "v1"))

	p := f.pointers(t, core.App)
	require.Empty(t, p.Active)
	require.Zero(t, p.PID)
}

// TestHealthCheck_AnyStatusIsHealthy verifies an HTTP error response passes the health check.
func TestHealthCheck_AnyStatusIsHealthy(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.pinger.err = &fetch.HTTPError{StatusCode: 404, Body: "not found"}

	require.NoError(t, f.sup.healthCheck(context.Background(), 18080))

	f.pinger.err = fetch.ErrNetwork
	require.ErrorIs(t, f.sup.healthCheck(context.Background(), 18080), ErrHealthCheckFailed)
}

// TestTryStartProgram_SwapsToNewerVersion stops the running version when a newer one is installed.
func TestTryStartProgram_SwapsToNewerVersion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, core.App, "v1", core.StableOK, 2*time.Hour)
	f.setLatestInstalled(t, core.App, "v1")

	require.NoError(t, f.sup.TryStartProgram(ctx, core.App))
	require.Equal(t, "v1", f.pointers(t, core.App).Active)

	// Nothing newer: no-op.
	require.NoError(t, f.sup.TryStartProgram(ctx, core.App))
	require.Equal(t, []string{"v1"}, f.launcher.launches())

	f.seed(t, core.App, "v2", core.StableUntested, time.Hour)
	f.setLatestInstalled(t, core.App, "v2")

	require.NoError(t, f.sup.TryStartProgram(ctx, core.App))
	require.Equal(t, []string{"v1", "v2"}, f.launcher.launches())
	require.True(t, f.launcher.proc("v1").stopped.Load())
	require.Equal(t, "v2", f.pointers(t, core.App).Active)
	require.Equal(t, core.StableOK, f.stable(t, core.App, "v2"))
}

// TestTryStartProgram_FailedSwapRollsBack restarts the previous version when the newer one fails.
func TestTryStartProgram_FailedSwapRollsBack(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, core.App, "v1", core.StableOK, 2*time.Hour)
	require.NoError(t, f.sup.TryStartProgram(ctx, core.App))

	f.seed(t, core.App, "v2", core.StableUntested, time.Hour)
	f.setLatestInstalled(t, core.App, "v2")
	f.launcher.fail("v2")

	require.NoError(t, f.sup.TryStartProgram(ctx, core.App))
	require.Equal(t, []string{"v1", "v2", "v1"}, f.launcher.launches())
	require.Equal(t, core.StableRetry, f.stable(t, core.App, "v2"))
	require.Equal(t, "v1", f.pointers(t, core.App).Active)
}

// TestTryStartProgram_StopFailureRequestsRelaunch verifies production relaunch when the old version will not stop.
func TestTryStartProgram_StopFailureRequestsRelaunch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.cfg.Production = true
	f.seed(t, core.App, "v1", core.StableOK, 2*time.Hour)
	f.launcher.stopErr["v1"] = errBoom

	require.NoError(t, f.sup.TryStartProgram(ctx, core.App))

	f.seed(t, core.App, "v2", core.StableUntested, time.Hour)
	f.setLatestInstalled(t, core.App, "v2")

	err := f.sup.TryStartProgram(ctx, core.App)
	require.ErrorIs(t, err, servers.ErrShutdownFailed)
	require.ErrorIs(t, err, errBoom)

	select {
	case <-f.sup.Relaunch():
	default:
		t.Fatal("relaunch was not requested")
	}

	require.Equal(t, []string{"v1"}, f.launcher.launches())
	require.Equal(t, core.StableUntested, f.stable(t, core.App, "v2"))
}

// TestTryStartProgram_MutualExclusion holds a start open and checks the hook and the guard.
func TestTryStartProgram_MutualExclusion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, core.App, "v1", core.StableUntested, time.Hour)

	gate := make(chan struct{})
	f.launcher.ready["v1"] = func(ctx context.Context) error {
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	result := make(chan error, 1)

	go func() { result <- f.sup.TryStartProgram(ctx, core.App) }()

	require.Eventually(t, func() bool { return f.recovery.Pending() == 1 }, time.Second, 5*time.Millisecond)
	require.True(t, f.sup.Status().AppStarting)

	// A second start while one is in flight does nothing.
	require.NoError(t, f.sup.TryStartProgram(ctx, core.App))
	require.Len(t, f.launcher.launches(), 1)

	close(gate)
	require.NoError(t, <-result)
	require.Zero(t, f.recovery.Pending())
	require.False(t, f.sup.Status().AppStarting)
	require.True(t, f.sup.Status().App)
}

// TestRecoveryHook_MarksInterruptedStart fires the hook during a start, as the signal handler would.
func TestRecoveryHook_MarksInterruptedStart(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seed(t, core.App, "v1", core.StableUntested, time.Hour)

	gate := make(chan struct{})
	f.launcher.ready["v1"] = func(ctx context.Context) error {
		<-gate

		return errBoom
	}

	result := make(chan error, 1)

	go func() { result <- f.sup.TryStartProgram(context.Background(), core.App) }()

	require.Eventually(t, func() bool { return f.recovery.Pending() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, f.recovery.Fire())
	require.Equal(t, core.StableFailed, f.stable(t, core.App, "v1"))

	close(gate)
	require.ErrorIs(t, <-result, ErrNoStableVersion)
}

// TestWatch_UnexpectedExit clears the running state when the program dies.
func TestWatch_UnexpectedExit(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seed(t, core.App, "v1", core.StableOK, time.Hour)
	require.NoError(t, f.sup.TryStartProgram(context.Background(), core.App))

	statuses, cancel := f.bus.Status.Subscribe()
	defer cancel()

	f.launcher.proc("v1").exit()

	require.Eventually(t, func() bool {
		return f.pointers(t, core.App).Active == "" && !f.sup.State(core.App).Running
	}, time.Second, 5*time.Millisecond)
	require.False(t, f.servers.Bound(servers.App))

	select {
	case ev := <-statuses:
		require.False(t, ev.Status.App)
	case <-time.After(time.Second):
		t.Fatal("no status published")
	}
}

// TestUpdateProgram installs a new version and reports it.
func TestUpdateProgram(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	f.resolver.set(core.App, func() (*core.Candidate, error) {
		return &core.Candidate{Tag: "v2", Filename: "v2-sc.zip"}, nil
	})

	installed, err := f.sup.UpdateProgram(ctx, core.App)
	require.NoError(t, err)
	require.True(t, installed)
	require.Equal(t, "v2", f.pointers(t, core.App).LatestInstalled)
	require.Contains(t, f.sup.State(core.App).Logs, "Installed v2")
	require.False(t, f.sup.State(core.App).Updating)

	// Manage without a repository is skipped, not failed.
	f.resolver.set(core.Manage, func() (*core.Candidate, error) {
		return nil, release.ErrConfigurationMissing
	})

	installed, err = f.sup.UpdateProgram(ctx, core.Manage)
	require.NoError(t, err)
	require.False(t, installed)

	// App without a repository fails.
	f.resolver.set(core.App, func() (*core.Candidate, error) {
		return nil, release.ErrConfigurationMissing
	})

	_, err = f.sup.UpdateProgram(ctx, core.App)
	require.ErrorIs(t, err, release.ErrConfigurationMissing)
}

// TestUpdateProgram_InstallFailure keeps the install log on the record.
func TestUpdateProgram_InstallFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.installer.err = errBoom

	require.NoError(t, f.repo.Upsert(ctx, core.App, &core.VersionRecord{Tag: "v3"}))
	f.resolver.set(core.App, func() (*core.Candidate, error) {
		return &core.Candidate{Tag: "v3"}, nil
	})

	installed, err := f.sup.UpdateProgram(ctx, core.App)
	require.ErrorIs(t, err, errBoom)
	require.False(t, installed)

	rec, err := f.repo.Record(ctx, core.App, "v3")
	require.NoError(t, err)
	require.Contains(t, rec.Logs, "Error installing v3")
	require.False(t, rec.Installed())
}

// TestProgramLogs_Fallback checks the order in which log text is chosen.
func TestProgramLogs_Fallback(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	require.Equal(t, noLogs, f.sup.ProgramLogs(ctx, core.Manage))

	require.NoError(t, f.repo.Upsert(ctx, core.Manage, &core.VersionRecord{Tag: "m1", Logs: "installed m1\n"}))
	_, err := f.repo.UpdatePointers(ctx, core.Manage, func(p *core.Pointers) {
		p.LatestVersion = "m2"
		p.LatestInstalled = "m1"
	})
	require.NoError(t, err)
	require.Equal(t, "installed m1\n", f.sup.ProgramLogs(ctx, core.Manage))

	f.sup.appendLog(core.Manage, "live line")
	require.Equal(t, "live line\n", f.sup.ProgramLogs(ctx, core.Manage))
}

// TestAppendLog_Capped keeps the newest whole lines.
func TestAppendLog_Capped(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	line := string(make([]byte, 1023))

	for range maxLogBytes/1024 + 10 {
		f.sup.appendLog(core.App, line)
	}

	logs := f.sup.State(core.App).Logs
	require.LessOrEqual(t, len(logs), maxLogBytes)
	require.Zero(t, len(logs)%1024)
}

// TestBoot starts app, tolerates manage without versions and reports when nothing runs.
func TestBoot(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.resolver.set(core.App, func() (*core.Candidate, error) {
		return &core.Candidate{Tag: "v1"}, nil
	})

	require.NoError(t, f.sup.Boot(context.Background()))
	require.True(t, f.sup.Status().App)
	require.False(t, f.sup.Status().Manage)
	require.Equal(t, "v1", f.pointers(t, core.App).Active)

	require.NoError(t, f.sup.Shutdown(context.Background()))
	require.False(t, f.sup.Status().App)
	require.Empty(t, f.pointers(t, core.App).Active)
	require.True(t, f.launcher.proc("v1").stopped.Load())

	empty := newFixture(t)
	require.ErrorIs(t, empty.sup.Boot(context.Background()), ErrNothingRunning)
}

// TestMonitorOnce installs and swaps to a new version, and restarts a stopped service.
func TestMonitorOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, core.App, "v1", core.StableOK, time.Hour)
	require.NoError(t, f.sup.TryStartProgram(ctx, core.App))

	// No new version and running: untouched.
	f.sup.MonitorOnce(ctx)
	require.Equal(t, []string{"v1"}, f.launcher.launches())

	f.resolver.set(core.App, func() (*core.Candidate, error) {
		return &core.Candidate{Tag: "v2"}, nil
	})

	f.sup.MonitorOnce(ctx)
	require.Equal(t, []string{"v1", "v2"}, f.launcher.launches())
	require.Equal(t, "v2", f.pointers(t, core.App).Active)
}

// TestTryStartProgram_CanceledWalkKeepsScores stops the walk on cancellation without demoting any version.
func TestTryStartProgram_CanceledWalkKeepsScores(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seed(t, core.App, "old", core.StableOK, 3*time.Hour)
	f.seed(t, core.App, "mid", core.StableOK, 2*time.Hour)
	f.seed(t, core.App, "new", core.StableUntested, time.Hour)
	f.sup.setFresh(core.App, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.launcher.ready["new"] = func(c context.Context) error {
		cancel()
		<-c.Done()

		return c.Err()
	}

	err := f.sup.TryStartProgram(ctx, core.App)
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, ErrNoStableVersion)

	require.Equal(t, []string{"new"}, f.launcher.launches())
	require.True(t, f.launcher.proc("new").stopped.Load())
	require.Equal(t, core.StableUntested, f.stable(t, core.App, "new"))
	require.Equal(t, core.StableOK, f.stable(t, core.App, "mid"))
	require.Equal(t, core.StableOK, f.stable(t, core.App, "old"))
	require.Empty(t, f.pointers(t, core.App).Active)
	require.Zero(t, f.recovery.Pending())
	require.False(t, f.sup.Status().AppStarting)
}

// TestUpdateProgram_InstalledTagIsNotReinstalled keeps a failed tag out of reach when the feed falls back to it.
func TestUpdateProgram_InstalledTagIsNotReinstalled(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.installer.err = errBoom

	at := time.Now().Add(-time.Hour)
	require.NoError(t, f.repo.Upsert(ctx, core.App, &core.VersionRecord{
		Tag:         "v2",
		Stable:      core.StableFailed,
		InstalledAt: &at,
		Logs:        "unpacked v2\n",
	}))
	f.setLatestInstalled(t, core.App, "v3")

	f.resolver.set(core.App, func() (*core.Candidate, error) {
		return &core.Candidate{Tag: "v2", Filename: "v2-sc.zip"}, nil
	})

	installed, err := f.sup.UpdateProgram(ctx, core.App)
	require.NoError(t, err)
	require.False(t, installed)
	require.Equal(t, core.StableFailed, f.stable(t, core.App, "v2"))
	require.Equal(t, "v3", f.pointers(t, core.App).LatestInstalled)

	logs := f.sup.State(core.App).Logs
	require.Contains(t, logs, "Version v2 already installed")
	require.Contains(t, logs, "unpacked v2")
}

// TestTryStartProgram_PanicIsAFailedAttempt rolls back past a version whose start panics.
func TestTryStartProgram_PanicIsAFailedAttempt(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seed(t, core.App, "v1", core.StableOK, 2*time.Hour)
	f.seed(t, core.App, "v2", core.StableUntested, time.Hour)
	f.launcher.ready["v2"] = func(context.Context) error {
		panic("entry point exploded")
	}

	require.NoError(t, f.sup.TryStartProgram(context.Background(), core.App))
	require.Equal(t, []string{"v2", "v1"}, f.launcher.launches())
	require.True(t, f.launcher.proc("v2").stopped.Load())
	require.Equal(t, core.StableFailed, f.stable(t, core.App, "v2"))
	require.Equal(t, "v1", f.pointers(t, core.App).Active)

	name, bound := f.servers.Current()
	require.Equal(t, servers.App, name)
	require.True(t, bound)

	rec, err := f.repo.Record(context.Background(), core.App, "v2")
	require.NoError(t, err)
	require.Contains(t, rec.Logs, "entry point exploded")
}

// TestUpdateProgram_PanicIsReturned turns a panicking cycle into an error and releases the guard.
func TestUpdateProgram_PanicIsReturned(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.resolver.set(core.App, func() (*core.Candidate, error) {
		panic("feed exploded")
	})

	installed, err := f.sup.UpdateProgram(context.Background(), core.App)
	require.ErrorIs(t, err, ErrPanicked)
	require.False(t, installed)
	require.False(t, f.sup.State(core.App).Updating)

	// MonitorOnce survives it and still starts what is installed.
	f.seed(t, core.App, "v1", core.StableOK, time.Hour)
	f.sup.MonitorOnce(context.Background())
	require.True(t, f.sup.Status().App)
}

// TestTryStartProgram_StopFailureKeepsOldVersion leaves the old version in charge outside production.
func TestTryStartProgram_StopFailureKeepsOldVersion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, core.App, "v1", core.StableOK, 2*time.Hour)
	f.launcher.stopErr["v1"] = errBoom

	require.NoError(t, f.sup.TryStartProgram(ctx, core.App))

	f.seed(t, core.App, "v2", core.StableUntested, time.Hour)
	f.setLatestInstalled(t, core.App, "v2")

	require.ErrorIs(t, f.sup.TryStartProgram(ctx, core.App), servers.ErrShutdownFailed)
	require.True(t, f.sup.Status().App)
	require.True(t, f.servers.Bound(servers.App))
	require.Equal(t, "v1", f.pointers(t, core.App).Active)
	require.Equal(t, []string{"v1"}, f.launcher.launches())

	select {
	case <-f.sup.Relaunch():
		t.Fatal("relaunch requested outside production")
	default:
	}

	// The next attempt tries the stop again instead of starting beside v1.
	require.ErrorIs(t, f.sup.TryStartProgram(ctx, core.App), servers.ErrShutdownFailed)
	require.Equal(t, []string{"v1"}, f.launcher.launches())
}

// TestTryStartProgram_ExitAfterHealthCheck fails a version whose program died while the port answered.
func TestTryStartProgram_ExitAfterHealthCheck(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seed(t, core.App, "v1", core.StableUntested, time.Hour)
	f.launcher.ready["v1"] = func(context.Context) error {
		f.launcher.proc("v1").exit()

		return nil
	}

	require.ErrorIs(t, f.sup.TryStartProgram(context.Background(), core.App), ErrNoStableVersion)
	require.Equal(t, core.StableFailed, f.stable(t, core.App, "v1"))
	require.False(t, f.servers.Bound(servers.App))
	require.False(t, f.sup.Status().App)

	rec, err := f.repo.Record(context.Background(), core.App, "v1")
	require.NoError(t, err)
	require.Contains(t, rec.Logs, ErrExited.Error())
}

// TestHealthCheck_WindowBoundsSlowRequests ends the check when the window closes even if a request hangs.
func TestHealthCheck_WindowBoundsSlowRequests(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.pinger.hang = true

	started := time.Now()
	err := f.sup.healthCheck(context.Background(), 18080)
	require.ErrorIs(t, err, ErrHealthCheckFailed)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(started), time.Second)
}

// TestAppendLog_PublishesLineOnly sends each appended line once, not the accumulated log.
func TestAppendLog_PublishesLineOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ch, cancel := f.bus.Logs.Subscribe()
	defer cancel()

	f.sup.appendLog(core.App, "first")
	f.sup.appendLog(core.App, "second")

	for _, want := range []string{"first", "second"} {
		select {
		case ev := <-ch:
			require.Equal(t, core.App, ev.Service)
			require.Equal(t, want, ev.Line)
		case <-time.After(time.Second):
			t.Fatalf("no event for %q", want)
		}
	}

	require.Contains(t, f.sup.State(core.App).Logs, "first")
}

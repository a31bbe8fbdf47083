package program

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	lj "gopkg.in/natefinch/lumberjack.v2"

	"github.com/oshokin/service-core/internal/config"
	"github.com/oshokin/service-core/internal/domain/core"
	"github.com/oshokin/service-core/internal/logger"
)

const (
	// killGrace is how long Stop waits for the group to die after SIGKILL.
	killGrace = 2 * time.Second

	readyPollInterval = 100 * time.Millisecond
	readyDialTimeout  = time.Second
)

var (
	// ErrLoadFailed is returned when a version cannot be launched at all.
	ErrLoadFailed = errors.New("program load failed")
	// ErrExited is returned when the program exits before it becomes ready.
	ErrExited = errors.New("program exited")

	errStillRunning = errors.New("program did not exit after kill")
)

// Environment variables passed to every program.
const (
	EnvPort    = "PORT"
	EnvService = "SERVICE_CORE_SERVICE"
	EnvVersion = "SERVICE_CORE_VERSION"
	EnvConfig  = "SERVICE_CORE_CONFIG"
	EnvStore   = "SERVICE_CORE_STORE"
)

// Spec describes one launch.
type Spec struct {
	Service core.ServiceName
	Tag     string
	// Dir is the version directory; the program runs inside it.
	Dir string
	// Port is the port the program must bind.
	Port int
	// Env is appended to the supervisor's own environment.
	Env []string
}

// Launcher starts programs the way the configuration says.
type Launcher struct {
	cfg *config.Config
}

// NewLauncher creates a launcher.
func NewLauncher(cfg *config.Config) *Launcher {
	return &Launcher{cfg: cfg}
}

// Launch starts the entry point of spec.Dir under the configured runtime.
// Every output line goes to the service log file and to onLine.
func (l *Launcher) Launch(_ context.Context, spec Spec, onLine func(string)) (*Process, error) {
	entry := filepath.Join(spec.Dir, l.cfg.EntryPoint)
	if _, err := os.Stat(entry); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}

	argv := append(append([]string{}, l.cfg.Runtime...), l.cfg.EntryPoint)

	//nolint:gosec // The runtime comes from the operator's configuration.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(),
		EnvPort+"="+strconv.Itoa(spec.Port),
		EnvService+"="+spec.Service.String(),
		EnvVersion+"="+spec.Tag,
		EnvConfig+"="+l.cfg.Path(),
		EnvStore+"="+l.cfg.Store.Path,
	)
	cmd.Env = append(cmd.Env, spec.Env...)
	configureSysProcAttr(cmd)
	// Grandchildren holding the output pipe must not keep Wait blocked.
	cmd.WaitDelay = time.Second

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pw.Close()

		return nil, fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}

	p := &Process{
		cmd:         cmd,
		spec:        spec,
		done:        make(chan struct{}),
		stopTimeout: l.cfg.StopTimeout,
	}

	out := l.output(spec.Service)

	var lines sync.WaitGroup

	lines.Add(1)

	go func() {
		defer lines.Done()

		p.pump(pr, out, onLine)
	}()

	go func() {
		err := cmd.Wait()
		_ = pw.Close()

		lines.Wait()

		if out != nil {
			_ = out.Close()
		}

		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()

		close(p.done)
	}()

	return p, nil
}

// output returns the rotated file for a service, or nil without log.dir.
func (l *Launcher) output(service core.ServiceName) io.WriteCloser {
	if l.cfg.Log.Dir == "" {
		return nil
	}

	return &lj.Logger{
		Filename:   filepath.Join(l.cfg.Log.Dir, service.String()+".log"),
		MaxSize:    valOr(l.cfg.Log.MaxSizeMB, logger.DefaultMaxSizeMB),
		MaxBackups: valOr(l.cfg.Log.MaxBackups, logger.DefaultMaxBackups),
		MaxAge:     valOr(l.cfg.Log.MaxAgeDays, logger.DefaultMaxAgeDays),
		Compress:   l.cfg.Log.Compress,
	}
}

// Process is a launched program.
type Process struct {
	cmd         *exec.Cmd
	spec        Spec
	done        chan struct{}
	stopTimeout time.Duration

	mu      sync.Mutex
	exitErr error
}

// PID returns the process id of the program.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Done is closed once the program has exited and its output is drained.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Err returns the exit error after Done is closed.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.exitErr
}

// Exited reports whether the program has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// WaitReady blocks until the program's port accepts a connection, the
// program exits, or ctx ends.
func (p *Process) WaitReady(ctx context.Context) error {
	addr := net.JoinHostPort("localhost", strconv.Itoa(p.spec.Port))
	dialer := net.Dialer{Timeout: readyDialTimeout}
	ticker := time.NewTicker(readyPollInterval)

	defer ticker.Stop()

	for {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			_ = conn.Close()

			return nil
		}

		select {
		case <-p.done:
			return fmt.Errorf("%w before binding port %d: %v", ErrExited, p.spec.Port, p.Err())
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop sends SIGTERM to the process group, escalates to SIGKILL after the
// stop timeout and waits for the exit.
func (p *Process) Stop(ctx context.Context) error {
	if p.Exited() {
		return nil
	}

	pid := p.PID()
	_ = terminateGroup(pid)

	timer := time.NewTimer(p.stopTimeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	_ = killGroup(pid)

	select {
	case <-p.done:
		return nil
	case <-time.After(killGrace):
		return fmt.Errorf("pid %d: %w", pid, errStillRunning)
	}
}

func (p *Process) pump(r io.Reader, out io.Writer, onLine func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		if out != nil {
			_, _ = io.WriteString(out, line+"\n")
		}

		if onLine != nil {
			onLine(line)
		}
	}

	_, _ = io.Copy(io.Discard, r)
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}

	return v
}

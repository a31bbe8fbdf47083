package servers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/oshokin/service-core/internal/logger"
)

// Context names.
const (
	App    = "app"
	Manage = "manage"
	Diag   = "diag"
)

const (
	// DefaultGrace is the pause after a close before it is reported done.
	DefaultGrace = time.Second

	defaultReadHeaderTimeout = 10 * time.Second
)

var (
	// ErrShutdownFailed is matched by every ShutdownError.
	ErrShutdownFailed = errors.New("shutdown failed")

	errAlreadyBound = errors.New("context already has a server")
	errNilStopper   = errors.New("stopper must be provided")
)

// ShutdownError reports which context could not be closed.
type ShutdownError struct {
	Context string
	Err     error
}

func (e *ShutdownError) Error() string {
	return fmt.Sprintf("close %s server: %v", e.Context, e.Err)
}

// Is makes errors.Is(err, ErrShutdownFailed) true.
func (e *ShutdownError) Is(target error) bool {
	return target == ErrShutdownFailed
}

func (e *ShutdownError) Unwrap() error {
	return e.Err
}

// Stopper is an endpoint bound outside this process.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Options configures an in-process server.
type Options struct {
	// Addr is the listen address, e.g. ":8080" or "127.0.0.1:0".
	Addr string
	// ReadHeaderTimeout defaults to ten seconds.
	ReadHeaderTimeout time.Duration
}

type handle struct {
	srv     *http.Server
	addr    net.Addr
	stopper Stopper

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func (h *handle) track(c net.Conn, state http.ConnState) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch state {
	case http.StateNew:
		h.conns[c] = struct{}{}
	case http.StateHijacked, http.StateClosed:
		delete(h.conns, c)
	case http.StateActive, http.StateIdle:
	}
}

// cut closes every tracked connection and clears the set.
func (h *handle) cut() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.conns)
	for c := range h.conns {
		_ = c.Close()
	}

	clear(h.conns)

	return n
}

// Manager tracks one endpoint per context.
type Manager struct {
	mu      sync.Mutex
	handles map[string]*handle
	current string
	grace   time.Duration
}

// Option configures the manager.
type Option func(*Manager)

// WithGrace sets the post-close pause.
func WithGrace(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.grace = d
		}
	}
}

// NewManager creates a manager with no endpoints.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		handles: make(map[string]*handle),
		grace:   DefaultGrace,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Bind listens on opts.Addr and serves h under the context name.
func (m *Manager) Bind(ctx context.Context, name string, opts Options, h http.Handler) (*http.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.handles[name]; ok {
		return nil, fmt.Errorf("%s: %w", name, errAlreadyBound)
	}

	lc := net.ListenConfig{}

	lis, err := lc.Listen(ctx, "tcp", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", opts.Addr, err)
	}

	hnd := &handle{addr: lis.Addr(), conns: make(map[net.Conn]struct{})}

	timeout := opts.ReadHeaderTimeout
	if timeout <= 0 {
		timeout = defaultReadHeaderTimeout
	}

	hnd.srv = &http.Server{
		Handler:           h,
		ReadHeaderTimeout: timeout,
		ConnState:         hnd.track,
	}

	m.handles[name] = hnd

	go func() {
		if serveErr := hnd.srv.Serve(lis); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			logger.ErrorKV(ctx, "Server stopped unexpectedly", "context", name, "error", serveErr)
		}
	}()

	logger.InfoKV(ctx, "Server listening", "context", name, "address", lis.Addr().String())

	return hnd.srv, nil
}

// Adopt registers an endpoint bound by another process under the context name.
func (m *Manager) Adopt(name string, s Stopper) error {
	if s == nil {
		return errNilStopper
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.handles[name]; ok {
		return fmt.Errorf("%s: %w", name, errAlreadyBound)
	}

	m.handles[name] = &handle{stopper: s, conns: make(map[net.Conn]struct{})}

	return nil
}

// Addr returns the listen address of an in-process server, or "".
func (m *Manager) Addr(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.handles[name]; ok && h.addr != nil {
		return h.addr.String()
	}

	return ""
}

// Bound reports whether the context has an endpoint.
func (m *Manager) Bound(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.handles[name]

	return ok
}

// SetContext records which context the program being started should bind.
func (m *Manager) SetContext(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = name
}

// Current returns the context set last and whether it has an endpoint.
func (m *Manager) Current() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.handles[m.current]

	return m.current, ok
}

// Close takes the endpoint of a context down. It returns false when
// nothing was bound. Failures are reported as *ShutdownError and leave
// the endpoint registered.
func (m *Manager) Close(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	h, ok := m.handles[name]
	delete(m.handles, name)
	m.mu.Unlock()

	if !ok {
		return false, nil
	}

	cut := h.cut()
	logger.DebugKV(ctx, "Closing server", "context", name, "connections", cut)

	var err error

	switch {
	case h.srv != nil:
		err = h.srv.Shutdown(ctx)
	case h.stopper != nil:
		err = h.stopper.Stop(ctx)
	}

	if err != nil {
		// Still up: keep it registered so a later close can try again.
		m.mu.Lock()
		if _, taken := m.handles[name]; !taken {
			m.handles[name] = h
		}
		m.mu.Unlock()

		return false, &ShutdownError{Context: name, Err: err}
	}

	select {
	case <-time.After(m.grace):
	case <-ctx.Done():
	}

	logger.InfoKV(ctx, "Server closed", "context", name)

	return true, nil
}

// CloseAll closes every context and joins the failures.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	names := make([]string, 0, len(m.handles))

	for name := range m.handles {
		names = append(names, name)
	}
	m.mu.Unlock()

	var errs []error

	for _, name := range names {
		if _, err := m.Close(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

package supervisor

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/oshokin/service-core/internal/domain/core"
	"github.com/oshokin/service-core/internal/events"
	"github.com/oshokin/service-core/internal/logger"
)

// journal appends to the in-memory log of one service. It implements
// installer.Journal.
type journal struct {
	ctx     context.Context //nolint:containedctx // Carries the cycle logger.
	s       *Supervisor
	service core.ServiceName
}

func (s *Supervisor) journal(ctx context.Context, service core.ServiceName) *journal {
	return &journal{ctx: ctx, s: s, service: service}
}

// Logf appends one line and logs it.
func (j *journal) Logf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	logger.InfoKV(j.ctx, line, "service", j.service)
	j.s.appendLog(j.service, line)
}

// Warnf appends one line and logs it as a warning.
func (j *journal) Warnf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	logger.WarnKV(j.ctx, line, "service", j.service)
	j.s.appendLog(j.service, line)
}

// Text returns the log of the running operation.
func (j *journal) Text() string {
	return j.s.State(j.service).Logs
}

// resetLogs clears the log at the start of an update or start cycle.
func (s *Supervisor) resetLogs(service core.ServiceName) {
	s.mu.Lock()
	s.states[service].Logs = ""
	s.mu.Unlock()
}

func (s *Supervisor) appendLog(service core.ServiceName, line string) {
	s.mu.Lock()

	st := s.states[service]
	logs := st.Logs + line + "\n"

	if len(logs) > maxLogBytes {
		logs = logs[len(logs)-maxLogBytes:]
		if i := strings.IndexByte(logs, '\n'); i >= 0 {
			logs = logs[i+1:]
		}
	}

	st.Logs = logs
	s.mu.Unlock()

	s.bus.Logs.Publish(events.LogAppended{Service: service, Line: line})
}

// programOutput returns the line handler of a launched program. Lines are
// kept in the service log and echoed to the main log at the configured
// program level.
func (s *Supervisor) programOutput(ctx context.Context, service core.ServiceName, tag string) func(string) {
	echo := logger.FromContext(ctx).Desugar().Named(service.String())

	if lvl, ok := logger.ParseLogLevel(s.cfg.Log.ProgramLevel); ok {
		echo = echo.WithOptions(logger.WithLevel(lvl))
	}

	echo = echo.With(zap.String("tag", tag))

	return func(line string) {
		echo.Info(line)
		s.appendLog(service, line)
	}
}

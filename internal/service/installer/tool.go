package installer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// ErrExternalToolFailed is matched by every ToolError.
var ErrExternalToolFailed = errors.New("external tool failed")

// ToolError reports an external tool that could not run or exited non-zero.
type ToolError struct {
	Tool string
	// ExitCode is -1 when the tool could not be started.
	ExitCode int
	Err      error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s exited with code %d: %v", e.Tool, e.ExitCode, e.Err)
}

// Is makes errors.Is(err, ErrExternalToolFailed) true.
func (e *ToolError) Is(target error) bool {
	return target == ErrExternalToolFailed
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// expand substitutes {archive} and {dir} in a command template.
func expand(template []string, archive, dir string) []string {
	r := strings.NewReplacer("{archive}", archive, "{dir}", dir)
	out := make([]string, len(template))

	for i, arg := range template {
		out[i] = r.Replace(arg)
	}

	return out
}

// runTool runs argv inside dir with stdin closed, handing every output
// line to logf as soon as it is written.
func runTool(ctx context.Context, dir string, argv []string, logf func(string)) error {
	if len(argv) == 0 {
		return &ToolError{Tool: "<empty>", ExitCode: -1, Err: exec.ErrNotFound}
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...) //nolint:gosec // Commands come from the operator's configuration.
	cmd.Dir = dir

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			logf(scanner.Text())
		}

		// Keep draining so the tool never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, pr)
	}()

	err := cmd.Run()
	_ = pw.Close()

	wg.Wait()

	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ToolError{Tool: argv[0], ExitCode: exitErr.ExitCode(), Err: err}
	}

	return &ToolError{Tool: argv[0], ExitCode: -1, Err: err}
}

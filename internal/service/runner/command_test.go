package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()

	path := filepath.Join(dir, "service-core.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func exitCode(t *testing.T, err error) int {
	t.Helper()

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)

	return exitErr.Code
}

// TestExitError checks the message and unwrapping.
func TestExitError(t *testing.T) {
	t.Parallel()

	cause := errors.New("cause")

	require.Equal(t, "exit 100", (&ExitError{Code: ExitRelaunch}).Error())
	require.Equal(t, "exit 2: cause", (&ExitError{Code: ExitStoreUnreadable, Err: cause}).Error())
	require.ErrorIs(t, &ExitError{Code: ExitFatal, Err: cause}, cause)
}

// TestRun_BadConfiguration exits with the configuration code.
func TestRun_BadConfiguration(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	err := Run(context.Background(), &Options{ConfigPath: filepath.Join(dir, "missing.yaml")})
	require.Equal(t, ExitBadConfiguration, exitCode(t, err))

	path := writeConfig(t, dir, "port: 8080\nmanage_port: 8080\n")
	err = Run(context.Background(), &Options{ConfigPath: path})
	require.Equal(t, ExitBadConfiguration, exitCode(t, err))
}

// TestRun_StoreUnreadable exits when the store file is corrupt.
func TestRun_StoreUnreadable(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "db.json")
	require.NoError(t, os.WriteFile(storePath, []byte("{not json"), 0o600))

	path := writeConfig(t, dir, fmt.Sprintf("port: 18090\nmanage_port: 18091\nstore:\n  path: %s\n", storePath))

	err := Run(context.Background(), &Options{ConfigPath: path, LogLevel: "error"})
	require.Equal(t, ExitStoreUnreadable, exitCode(t, err))
}

// TestRun_NothingRunning boots against an empty feed and reports that no service started.
func TestRun_NothingRunning(t *testing.T) {
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("[]"))
	}))
	t.Cleanup(feed.Close)

	dir := t.TempDir()
	path := writeConfig(t, dir, fmt.Sprintf(`port: 18092
manage_port: 18093
app_repository: acme/app
release_api: %s
install_root: %s
store:
  path: %s
`, feed.URL, dir, filepath.Join(dir, "db.json")))

	err := Run(context.Background(), &Options{ConfigPath: path, LogLevel: "error"})
	require.Equal(t, ExitNothingRunning, exitCode(t, err))
}

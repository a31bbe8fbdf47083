package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/service-core/internal/config"
	"github.com/oshokin/service-core/internal/domain/core"
)

func backends(t *testing.T) map[string]Repository {
	t.Helper()

	dir := t.TempDir()

	file, err := Open(context.Background(), config.Store{Type: config.StoreFile, Path: filepath.Join(dir, "db.json")})
	require.NoError(t, err)

	sqlite, err := Open(context.Background(), config.Store{Type: config.StoreSQLite, Path: filepath.Join(dir, "db.sqlite")})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = file.Close()
		_ = sqlite.Close()
	})

	return map[string]Repository{"file": file, "sqlite": sqlite}
}

// TestRepository_EmptyStore verifies a new store has zero pointers and no history.
func TestRepository_EmptyStore(t *testing.T) {
	t.Parallel()

	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			p, err := repo.Pointers(ctx, core.App)
			require.NoError(t, err)
			require.Equal(t, core.Pointers{}, p)

			history, err := repo.History(ctx, core.App)
			require.NoError(t, err)
			require.Empty(t, history)

			_, err = repo.Record(ctx, core.App, "v1")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

// TestRepository_PointersPerService checks pointers of app and manage are independent.
func TestRepository_PointersPerService(t *testing.T) {
	t.Parallel()

	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			got, err := repo.UpdatePointers(ctx, core.App, func(p *core.Pointers) {
				p.LatestVersion = "v2"
				p.Active = "v1"
				p.PID = 42
			})
			require.NoError(t, err)
			require.Equal(t, "v2", got.LatestVersion)

			_, err = repo.UpdatePointers(ctx, core.Manage, func(p *core.Pointers) {
				p.LatestInstalled = "m1"
			})
			require.NoError(t, err)

			app, err := repo.Pointers(ctx, core.App)
			require.NoError(t, err)
			require.Equal(t, core.Pointers{LatestVersion: "v2", Active: "v1", PID: 42}, app)

			manage, err := repo.Pointers(ctx, core.Manage)
			require.NoError(t, err)
			require.Equal(t, core.Pointers{LatestInstalled: "m1"}, manage)

			doc, err := CoreDocument(ctx, repo)
			require.NoError(t, err)
			require.Equal(t, "v2", doc["appLatestVersion"])
			require.Equal(t, 42, doc["appPid"])
			require.Equal(t, "m1", doc["manageLatestInstalled"])
			require.Empty(t, doc["manageActive"])
		})
	}
}

// TestRepository_UpsertKeepsOneRecordPerTag ensures a tag is stored once and keeps its position.
func TestRepository_UpsertKeepsOneRecordPerTag(t *testing.T) {
	t.Parallel()

	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			installed := time.Now().UTC().Truncate(time.Second)

			require.NoError(t, repo.Upsert(ctx, core.App, &core.VersionRecord{Tag: "v1", AssetFilename: "v1-sc.zip"}))
			require.NoError(t, repo.Upsert(ctx, core.App, &core.VersionRecord{Tag: "v2"}))
			require.NoError(t, repo.Upsert(ctx, core.App, &core.VersionRecord{
				Tag:         "v1",
				Logs:        "installed\n",
				InstalledAt: &installed,
			}))

			history, err := repo.History(ctx, core.App)
			require.NoError(t, err)
			require.Len(t, history, 2)
			require.Equal(t, "v1", history[0].Tag)
			require.Equal(t, "v2", history[1].Tag)
			require.Equal(t, "installed\n", history[0].Logs)
			require.True(t, history[0].Installed())
			require.True(t, installed.Equal(*history[0].InstalledAt))
			require.False(t, history[1].Installed())

			manage, err := repo.History(ctx, core.Manage)
			require.NoError(t, err)
			require.Empty(t, manage)
		})
	}
}

// TestRepository_UpdateRecord verifies read-modify-write of one record.
func TestRepository_UpdateRecord(t *testing.T) {
	t.Parallel()

	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			err := repo.UpdateRecord(ctx, core.App, "missing", func(*core.VersionRecord) {})
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, repo.Upsert(ctx, core.App, &core.VersionRecord{Tag: "v1", Logs: "a\n"}))
			require.NoError(t, repo.UpdateRecord(ctx, core.App, "v1", func(r *core.VersionRecord) {
				r.Stable = core.StableOK
				r.Logs += "b\n"
			}))

			rec, err := repo.Record(ctx, core.App, "v1")
			require.NoError(t, err)
			require.Equal(t, core.StableOK, rec.Stable)
			require.Equal(t, "a\nb\n", rec.Logs)
		})
	}
}

// TestRepository_WriteStableDirect checks the teardown write path changes only the stable field.
func TestRepository_WriteStableDirect(t *testing.T) {
	t.Parallel()

	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.ErrorIs(t, repo.WriteStableDirect(core.App, "v9", core.StableFailed), ErrNotFound)

			require.NoError(t, repo.Upsert(ctx, core.App, &core.VersionRecord{Tag: "v1", Logs: "keep"}))
			require.NoError(t, repo.WriteStableDirect(core.App, "v1", core.StableFailed))

			rec, err := repo.Record(ctx, core.App, "v1")
			require.NoError(t, err)
			require.Equal(t, core.StableFailed, rec.Stable)
			require.Equal(t, "keep", rec.Logs)
		})
	}
}

// TestFileRepository_WriteStableDirectWhileLocked verifies the write proceeds when another writer holds the lock.
func TestFileRepository_WriteStableDirectWhileLocked(t *testing.T) {
	t.Parallel()

	repo := NewFileRepository(filepath.Join(t.TempDir(), "db.json"))
	require.NoError(t, repo.Upsert(context.Background(), core.App, &core.VersionRecord{Tag: "v1"}))

	repo.mu.Lock()
	require.NoError(t, repo.WriteStableDirect(core.App, "v1", core.StableRetry))
	repo.mu.Unlock()

	rec, err := repo.Record(context.Background(), core.App, "v1")
	require.NoError(t, err)
	require.Equal(t, core.StableRetry, rec.Stable)
}

// TestFileRepository_WriteStableDirectUsesOwnTempFile checks the lock-free write never touches the writer's temp file.
func TestFileRepository_WriteStableDirectUsesOwnTempFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "db.json")
	repo := NewFileRepository(path)
	require.NoError(t, repo.Upsert(context.Background(), core.App, &core.VersionRecord{Tag: "v1"}))

	// A writer holding the lock is halfway through its own save.
	partial := []byte(`{"core":`)
	require.NoError(t, os.WriteFile(path+tempSuffix, partial, 0o600))

	repo.mu.Lock()
	require.NoError(t, repo.WriteStableDirect(core.App, "v1", core.StableFailed))
	repo.mu.Unlock()

	kept, err := os.ReadFile(path + tempSuffix)
	require.NoError(t, err)
	require.Equal(t, partial, kept)
	require.NoFileExists(t, path+directTempSuffix)

	rec, err := repo.Record(context.Background(), core.App, "v1")
	require.NoError(t, err)
	require.Equal(t, core.StableFailed, rec.Stable)
}

func newSQLite(t *testing.T) *SQLiteRepository {
	t.Helper()

	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "db.sqlite"))
	require.NoError(t, err)
	require.NoError(t, repo.EnsureSchema(context.Background()))

	t.Cleanup(func() { _ = repo.Close() })

	return repo
}

// TestSQLiteRepository_WriteStableDirectBesideOpenTransaction writes while the main pool's only connection is busy.
func TestSQLiteRepository_WriteStableDirectBesideOpenTransaction(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := newSQLite(t)
	require.NoError(t, repo.Upsert(ctx, core.App, &core.VersionRecord{Tag: "v1"}))

	tx, err := repo.db.BeginTx(ctx, nil)
	require.NoError(t, err)

	var stable int
	require.NoError(t, tx.QueryRowContext(ctx,
		`SELECT stable FROM core_history WHERE service = ? AND tag = ?`, "app", "v1").Scan(&stable))

	done := make(chan error, 1)

	go func() { done <- repo.WriteStableDirect(core.App, "v1", core.StableRetry) }()

	select {
	case err = <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("direct write waited for the open transaction")
	}

	require.NoError(t, tx.Rollback())

	rec, err := repo.Record(ctx, core.App, "v1")
	require.NoError(t, err)
	require.Equal(t, core.StableRetry, rec.Stable)
}

// TestSQLiteRepository_WriteStableDirectFailsFastOnWriteLock reports busy instead of waiting for a writer.
func TestSQLiteRepository_WriteStableDirectFailsFastOnWriteLock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := newSQLite(t)
	require.NoError(t, repo.Upsert(ctx, core.App, &core.VersionRecord{Tag: "v1"}))

	tx, err := repo.db.BeginTx(ctx, nil)
	require.NoError(t, err)

	_, err = tx.ExecContext(ctx, `UPDATE core_history SET logs = 'writing' WHERE tag = 'v1'`)
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() { done <- repo.WriteStableDirect(core.App, "v1", core.StableFailed) }()

	select {
	case err = <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("direct write waited for the writer")
	}

	require.NoError(t, tx.Rollback())
}

// TestNewSQLiteRepository_RejectsMemory needs a file both connections can share.
func TestNewSQLiteRepository_RejectsMemory(t *testing.T) {
	t.Parallel()

	_, err := NewSQLiteRepository(":memory:")
	require.ErrorIs(t, err, errMemorySQLitePath)
}

// TestFileRepository_DocumentLayout ensures the file keeps the core.<service><Field> naming.
func TestFileRepository_DocumentLayout(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "db.json")
	repo := NewFileRepository(path)
	ctx := context.Background()

	_, err := repo.UpdatePointers(ctx, core.Manage, func(p *core.Pointers) { p.Active = "m2" })
	require.NoError(t, err)
	require.NoError(t, repo.Upsert(ctx, core.Manage, &core.VersionRecord{Tag: "m2", Stable: core.StableOK}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))

	coreDoc, ok := doc["core"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "m2", coreDoc["manageActive"])

	history, ok := doc["core_manageHistory"].([]any)
	require.True(t, ok)
	require.Len(t, history, 1)
	require.Equal(t, "m2", history[0].(map[string]any)["id"])
}

// TestOpen_UnknownType verifies unsupported backends are rejected.
func TestOpen_UnknownType(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), config.Store{Type: "redis"})
	require.ErrorIs(t, err, errUnknownStoreType)
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/oshokin/service-core/internal/domain/core"
)

// SQLiteRepository keeps pointers and history in a SQLite database
// (modernc.org/sqlite, no cgo).
type SQLiteRepository struct {
	db *sql.DB
	// directDB owns direct, a connection reserved for WriteStableDirect
	// so it never queues behind the main pool.
	directDB *sql.DB
	direct   *sql.Conn
}

var (
	errEmptySQLitePath  = errors.New("empty sqlite path")
	errMemorySQLitePath = errors.New("sqlite store needs a file path")
)

// NewSQLiteRepository opens the database at path.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errEmptySQLitePath
	}

	if p == ":memory:" {
		return nil, errMemorySQLitePath
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{"PRAGMA busy_timeout=3000;", "PRAGMA journal_mode=WAL;"} {
		if _, err = db.Exec(pragma); err != nil {
			_ = db.Close()

			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteRepository{db: db}
	if err = s.openDirect(p); err != nil {
		_ = db.Close()

		return nil, err
	}

	return s, nil
}

// openDirect reserves the teardown connection. It does not wait for
// locks: a write that would block fails at once.
func (s *SQLiteRepository) openDirect(path string) error {
	directDB, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}

	directDB.SetMaxOpenConns(1)

	ctx := context.Background()

	conn, err := directDB.Conn(ctx)
	if err != nil {
		_ = directDB.Close()

		return fmt.Errorf("reserve sqlite connection: %w", err)
	}

	if _, err = conn.ExecContext(ctx, "PRAGMA busy_timeout=0;"); err != nil {
		_ = conn.Close()
		_ = directDB.Close()

		return fmt.Errorf("set busy timeout: %w", err)
	}

	s.directDB, s.direct = directDB, conn

	return nil
}

// EnsureSchema creates the tables when missing.
func (s *SQLiteRepository) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS core_pointers(
			service TEXT PRIMARY KEY,
			latest_version TEXT NOT NULL DEFAULT '',
			latest_installed TEXT NOT NULL DEFAULT '',
			active TEXT NOT NULL DEFAULT '',
			pid INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS core_history(
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			service TEXT NOT NULL,
			tag TEXT NOT NULL,
			filename TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			checksum_url TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			logs TEXT NOT NULL DEFAULT '',
			stable INTEGER NOT NULL DEFAULT 0,
			installed_at TIMESTAMP NULL,
			UNIQUE(service, tag)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_core_history_service ON core_history(service);`,
	}

	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}

	return nil
}

// Pointers returns the pointers of a service.
func (s *SQLiteRepository) Pointers(ctx context.Context, service core.ServiceName) (core.Pointers, error) {
	return selectPointers(ctx, s.db, service)
}

// UpdatePointers applies fn to the pointers of a service inside a transaction.
func (s *SQLiteRepository) UpdatePointers(
	ctx context.Context,
	service core.ServiceName,
	fn func(*core.Pointers),
) (core.Pointers, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Pointers{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	p, err := selectPointers(ctx, tx, service)
	if err != nil {
		return core.Pointers{}, err
	}

	fn(&p)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO core_pointers(service, latest_version, latest_installed, active, pid)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(service) DO UPDATE SET
			latest_version=excluded.latest_version,
			latest_installed=excluded.latest_installed,
			active=excluded.active,
			pid=excluded.pid;`,
		service.String(), p.LatestVersion, p.LatestInstalled, p.Active, p.PID)
	if err != nil {
		return core.Pointers{}, fmt.Errorf("write pointers: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return core.Pointers{}, fmt.Errorf("commit: %w", err)
	}

	return p, nil
}

// History returns every record of a service in insertion order.
func (s *SQLiteRepository) History(ctx context.Context, service core.ServiceName) ([]*core.VersionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tag, filename, url, checksum_url, description, logs, stable, installed_at
		FROM core_history WHERE service = ? ORDER BY seq`, service.String())
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []*core.VersionRecord

	for rows.Next() {
		rec, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		out = append(out, rec)
	}

	return out, rows.Err()
}

// Record returns one record or ErrNotFound.
func (s *SQLiteRepository) Record(ctx context.Context, service core.ServiceName, tag string) (*core.VersionRecord, error) {
	return selectRecord(ctx, s.db, service, tag)
}

// Upsert inserts the record or replaces the one with the same tag,
// keeping its position in the history.
func (s *SQLiteRepository) Upsert(ctx context.Context, service core.ServiceName, record *core.VersionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO core_history(service, tag, filename, url, checksum_url, description, logs, stable, installed_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(service, tag) DO UPDATE SET
			filename=excluded.filename,
			url=excluded.url,
			checksum_url=excluded.checksum_url,
			description=excluded.description,
			logs=excluded.logs,
			stable=excluded.stable,
			installed_at=excluded.installed_at;`,
		service.String(), record.Tag, record.AssetFilename, record.DownloadURL, record.ChecksumURL,
		record.Description, record.Logs, record.Stable, nullTime(record.InstalledAt))
	if err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}

	return nil
}

// UpdateRecord applies fn to an existing record inside a transaction.
func (s *SQLiteRepository) UpdateRecord(
	ctx context.Context,
	service core.ServiceName,
	tag string,
	fn func(*core.VersionRecord),
) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := selectRecord(ctx, tx, service, tag)
	if err != nil {
		return err
	}

	fn(rec)

	_, err = tx.ExecContext(ctx, `
		UPDATE core_history SET filename=?, url=?, checksum_url=?, description=?, logs=?, stable=?, installed_at=?
		WHERE service=? AND tag=?`,
		rec.AssetFilename, rec.DownloadURL, rec.ChecksumURL, rec.Description, rec.Logs, rec.Stable,
		nullTime(rec.InstalledAt), service.String(), tag)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	return nil
}

// WriteStableDirect runs one autocommit UPDATE on the reserved
// connection. With WAL readers never block it; while another writer holds
// the lock it fails with SQLITE_BUSY instead of waiting.
func (s *SQLiteRepository) WriteStableDirect(service core.ServiceName, tag string, stable int) error {
	res, err := s.direct.ExecContext(context.Background(),
		`UPDATE core_history SET stable=? WHERE service=? AND tag=?`,
		stable, service.String(), tag)
	if err != nil {
		return fmt.Errorf("write stable: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return nil
}

// Close closes the reserved connection and both pools.
func (s *SQLiteRepository) Close() error {
	return errors.Join(s.direct.Close(), s.directDB.Close(), s.db.Close())
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func selectPointers(ctx context.Context, q queryer, service core.ServiceName) (core.Pointers, error) {
	var p core.Pointers

	err := q.QueryRowContext(ctx, `
		SELECT latest_version, latest_installed, active, pid
		FROM core_pointers WHERE service = ?`, service.String()).
		Scan(&p.LatestVersion, &p.LatestInstalled, &p.Active, &p.PID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return core.Pointers{}, fmt.Errorf("read pointers: %w", err)
	}

	return p, nil
}

func selectRecord(ctx context.Context, q queryer, service core.ServiceName, tag string) (*core.VersionRecord, error) {
	row := q.QueryRowContext(ctx, `
		SELECT tag, filename, url, checksum_url, description, logs, stable, installed_at
		FROM core_history WHERE service = ? AND tag = ?`, service.String(), tag)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	return rec, err
}

func scanRecord(row scanner) (*core.VersionRecord, error) {
	var (
		rec       core.VersionRecord
		installed sql.NullTime
	)

	err := row.Scan(&rec.Tag, &rec.AssetFilename, &rec.DownloadURL, &rec.ChecksumURL,
		&rec.Description, &rec.Logs, &rec.Stable, &installed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("scan record: %w", err)
	}

	if installed.Valid {
		at := installed.Time
		rec.InstalledAt = &at
	}

	return &rec, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: t.UTC(), Valid: true}
}

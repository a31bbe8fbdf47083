package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/oshokin/service-core/internal/config"
	"github.com/oshokin/service-core/internal/domain/core"
)

// Repository defines persistence operations for pointers and history.
// Every method reads and writes whole records; callers serialize access
// per service with their own guards.
type Repository interface {
	// Pointers returns the pointers of a service, zero values when unset.
	Pointers(ctx context.Context, service core.ServiceName) (core.Pointers, error)
	// UpdatePointers applies fn to the pointers of a service and persists the result.
	UpdatePointers(ctx context.Context, service core.ServiceName, fn func(*core.Pointers)) (core.Pointers, error)
	// History returns every record of a service in insertion order.
	History(ctx context.Context, service core.ServiceName) ([]*core.VersionRecord, error)
	// Record returns one record or ErrNotFound.
	Record(ctx context.Context, service core.ServiceName, tag string) (*core.VersionRecord, error)
	// Upsert inserts the record or replaces the one with the same tag.
	Upsert(ctx context.Context, service core.ServiceName, record *core.VersionRecord) error
	// UpdateRecord applies fn to an existing record and persists it, or returns ErrNotFound.
	UpdateRecord(ctx context.Context, service core.ServiceName, tag string, fn func(*core.VersionRecord)) error
	// WriteStableDirect sets one record's stable score without waiting on
	// other writers. It is meant for process teardown only.
	WriteStableDirect(service core.ServiceName, tag string, stable int) error
	// Close releases the backend.
	Close() error
}

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	errUnknownStoreType = errors.New("unknown store type")
)

// Open creates the repository selected by the configuration.
//
//nolint:ireturn // Callers depend on the interface, the backend is a config choice.
func Open(ctx context.Context, cfg config.Store) (Repository, error) {
	switch cfg.Type {
	case config.StoreFile, "":
		return NewFileRepository(cfg.Path), nil
	case config.StoreSQLite:
		repo, err := NewSQLiteRepository(cfg.Path)
		if err != nil {
			return nil, err
		}

		if err = repo.EnsureSchema(ctx); err != nil {
			_ = repo.Close()

			return nil, fmt.Errorf("ensure schema: %w", err)
		}

		return repo, nil
	default:
		return nil, fmt.Errorf("%w: %s", errUnknownStoreType, cfg.Type)
	}
}

// CoreDocument renders pointers of every service under the
// `<service><Field>` keys observers expect.
func CoreDocument(ctx context.Context, repo Repository) (map[string]any, error) {
	doc := make(map[string]any, len(core.Services())*4)

	for _, service := range core.Services() {
		p, err := repo.Pointers(ctx, service)
		if err != nil {
			return nil, err
		}

		name := service.String()
		doc[name+"LatestVersion"] = p.LatestVersion
		doc[name+"LatestInstalled"] = p.LatestInstalled
		doc[name+"Active"] = p.Active
		doc[name+"Pid"] = p.PID
	}

	return doc, nil
}

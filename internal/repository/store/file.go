package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/oshokin/service-core/internal/config"
	"github.com/oshokin/service-core/internal/domain/core"
)

// FileRepository persists everything as one JSON document on disk:
//
//	{
//	  "core": {"appLatestVersion": "...", "appLatestInstalled": "...", "appActive": "...", "appPid": 0, ...},
//	  "core_appHistory": [{"id": "v2", "stable": 1, ...}],
//	  "core_manageHistory": []
//	}
//
// Every operation reads the file, changes it and writes it back atomically.
type FileRepository struct {
	// path is the filesystem location of the JSON document.
	path string
	// mu serializes read-modify-write cycles.
	mu sync.Mutex
}

const (
	tempSuffix       = ".tmp"
	directTempSuffix = ".direct.tmp"
)

type document struct {
	Core          corePointers          `json:"core"`
	AppHistory    []*core.VersionRecord `json:"core_appHistory"`
	ManageHistory []*core.VersionRecord `json:"core_manageHistory"`
}

type corePointers struct {
	AppLatestVersion      string `json:"appLatestVersion"`
	AppLatestInstalled    string `json:"appLatestInstalled"`
	AppActive             string `json:"appActive"`
	AppPid                int    `json:"appPid"`
	ManageLatestVersion   string `json:"manageLatestVersion"`
	ManageLatestInstalled string `json:"manageLatestInstalled"`
	ManageActive          string `json:"manageActive"`
	ManagePid             int    `json:"managePid"`
}

// NewFileRepository creates a repository that reads/writes JSON at the provided path.
func NewFileRepository(path string) *FileRepository {
	return &FileRepository{
		path: filepath.Clean(path),
	}
}

// Pointers returns the pointers of a service.
func (r *FileRepository) Pointers(_ context.Context, service core.ServiceName) (core.Pointers, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.load()
	if err != nil {
		return core.Pointers{}, err
	}

	return doc.pointers(service), nil
}

// UpdatePointers applies fn to the pointers of a service and persists the result.
func (r *FileRepository) UpdatePointers(
	_ context.Context,
	service core.ServiceName,
	fn func(*core.Pointers),
) (core.Pointers, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.load()
	if err != nil {
		return core.Pointers{}, err
	}

	p := doc.pointers(service)
	fn(&p)
	doc.setPointers(service, p)

	return p, r.save(doc)
}

// History returns every record of a service in insertion order.
func (r *FileRepository) History(_ context.Context, service core.ServiceName) ([]*core.VersionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.load()
	if err != nil {
		return nil, err
	}

	history := *doc.history(service)
	out := make([]*core.VersionRecord, 0, len(history))

	for _, rec := range history {
		out = append(out, rec.Clone())
	}

	return out, nil
}

// Record returns one record or ErrNotFound.
func (r *FileRepository) Record(_ context.Context, service core.ServiceName, tag string) (*core.VersionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.load()
	if err != nil {
		return nil, err
	}

	rec := doc.find(service, tag)
	if rec == nil {
		return nil, ErrNotFound
	}

	return rec.Clone(), nil
}

// Upsert inserts the record or replaces the one with the same tag.
func (r *FileRepository) Upsert(_ context.Context, service core.ServiceName, record *core.VersionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.load()
	if err != nil {
		return err
	}

	history := doc.history(service)
	for i, rec := range *history {
		if rec.Tag == record.Tag {
			(*history)[i] = record.Clone()

			return r.save(doc)
		}
	}

	*history = append(*history, record.Clone())

	return r.save(doc)
}

// UpdateRecord applies fn to an existing record and persists it.
func (r *FileRepository) UpdateRecord(
	_ context.Context,
	service core.ServiceName,
	tag string,
	fn func(*core.VersionRecord),
) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.load()
	if err != nil {
		return err
	}

	rec := doc.find(service, tag)
	if rec == nil {
		return ErrNotFound
	}

	fn(rec)
	rec.Tag = tag

	return r.save(doc)
}

// WriteStableDirect sets one stable score straight in the file.
// It does not wait for a writer holding the lock: during teardown that
// writer may never run again. It writes through its own temporary file,
// so the two never share one; a writer that loaded the document earlier
// and renames after this call still replaces the score with its copy.
func (r *FileRepository) WriteStableDirect(service core.ServiceName, tag string, stable int) error {
	tmp := r.path + directTempSuffix

	if r.mu.TryLock() {
		defer r.mu.Unlock()

		tmp = r.path + tempSuffix
	}

	doc, err := r.load()
	if err != nil {
		return err
	}

	rec := doc.find(service, tag)
	if rec == nil {
		return ErrNotFound
	}

	rec.Stable = stable

	return r.saveAs(doc, tmp)
}

// Close is a no-op, the file is not held open.
func (r *FileRepository) Close() error {
	return nil
}

func (r *FileRepository) load() (*document, error) {
	doc := new(document)

	contents, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, nil
		}

		return nil, fmt.Errorf("read store file: %w", err)
	}

	if len(contents) == 0 {
		return doc, nil
	}

	if err = json.Unmarshal(contents, doc); err != nil {
		return nil, fmt.Errorf("decode store file: %w", err)
	}

	return doc, nil
}

// save writes to a sibling temporary file and renames it over the store,
// so a reader never sees a half-written document.
func (r *FileRepository) save(doc *document) error {
	return r.saveAs(doc, r.path+tempSuffix)
}

func (r *FileRepository) saveAs(doc *document, tmp string) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}

	if err = os.WriteFile(tmp, data, config.DefaultFilePermissions); err != nil {
		return fmt.Errorf("write store file: %w", err)
	}

	if err = os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}

	return nil
}

func (d *document) pointers(service core.ServiceName) core.Pointers {
	if service == core.Manage {
		return core.Pointers{
			LatestVersion:   d.Core.ManageLatestVersion,
			LatestInstalled: d.Core.ManageLatestInstalled,
			Active:          d.Core.ManageActive,
			PID:             d.Core.ManagePid,
		}
	}

	return core.Pointers{
		LatestVersion:   d.Core.AppLatestVersion,
		LatestInstalled: d.Core.AppLatestInstalled,
		Active:          d.Core.AppActive,
		PID:             d.Core.AppPid,
	}
}

func (d *document) setPointers(service core.ServiceName, p core.Pointers) {
	if service == core.Manage {
		d.Core.ManageLatestVersion = p.LatestVersion
		d.Core.ManageLatestInstalled = p.LatestInstalled
		d.Core.ManageActive = p.Active
		d.Core.ManagePid = p.PID

		return
	}

	d.Core.AppLatestVersion = p.LatestVersion
	d.Core.AppLatestInstalled = p.LatestInstalled
	d.Core.AppActive = p.Active
	d.Core.AppPid = p.PID
}

func (d *document) history(service core.ServiceName) *[]*core.VersionRecord {
	if service == core.Manage {
		return &d.ManageHistory
	}

	return &d.AppHistory
}

func (d *document) find(service core.ServiceName, tag string) *core.VersionRecord {
	for _, rec := range *d.history(service) {
		if rec.Tag == tag {
			return rec
		}
	}

	return nil
}

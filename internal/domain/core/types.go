package core

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ServiceName identifies one of the two managed services.
type ServiceName string

const (
	// App is the mandatory service.
	App ServiceName = "app"
	// Manage is the optional management service.
	Manage ServiceName = "manage"
)

// ErrUnknownService is returned for names other than app and manage.
var ErrUnknownService = errors.New("unknown service")

// Services returns the managed services in boot order.
func Services() []ServiceName {
	return []ServiceName{App, Manage}
}

// ParseService validates a service name.
func ParseService(s string) (ServiceName, error) {
	switch ServiceName(s) {
	case App, Manage:
		return ServiceName(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownService, s)
	}
}

// String implements fmt.Stringer.
func (s ServiceName) String() string {
	return string(s)
}

// Candidate is a release found on the feed carrying an installable asset.
type Candidate struct {
	Tag         string
	Filename    string
	URL         string
	ChecksumURL string
	Description string
}

// VersionRecord is everything known about one tag of one service.
type VersionRecord struct {
	Tag           string     `json:"id"`
	AssetFilename string     `json:"filename"`
	DownloadURL   string     `json:"url"`
	ChecksumURL   string     `json:"checksumUrl,omitempty"`
	Description   string     `json:"description"`
	Logs          string     `json:"logs"`
	Stable        int        `json:"stable"`
	InstalledAt   *time.Time `json:"installed"`
}

// Installed reports whether the tag was ever successfully installed.
func (r *VersionRecord) Installed() bool {
	return r != nil && r.InstalledAt != nil
}

// Clone returns a copy of the record to avoid leaking internal references.
func (r *VersionRecord) Clone() *VersionRecord {
	if r == nil {
		return nil
	}

	cloned := *r

	if r.InstalledAt != nil {
		at := *r.InstalledAt
		cloned.InstalledAt = &at
	}

	return &cloned
}

// RecordFromCandidate builds a never-installed record for a freshly seen release.
func RecordFromCandidate(c *Candidate) *VersionRecord {
	return &VersionRecord{
		Tag:           c.Tag,
		AssetFilename: c.Filename,
		DownloadURL:   c.URL,
		ChecksumURL:   c.ChecksumURL,
		Description:   c.Description,
		Stable:        StableUntested,
	}
}

// SortByInstalledDesc orders installed records newest first and drops the rest.
func SortByInstalledDesc(records []*VersionRecord) []*VersionRecord {
	out := make([]*VersionRecord, 0, len(records))

	for _, r := range records {
		if r.Installed() {
			out = append(out, r)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].InstalledAt.After(*out[j].InstalledAt)
	})

	return out
}

// Pointers are the persisted per-service positions in the history.
type Pointers struct {
	// LatestVersion is the newest tag seen on the feed, maybe not installed.
	LatestVersion string `json:"latestVersion"`
	// LatestInstalled is the newest tag installed locally.
	LatestInstalled string `json:"latestInstalled"`
	// Active is the tag bound to the running process, empty when none.
	Active string `json:"active"`
	// PID is the process id of the running program, zero when none.
	PID int `json:"pid"`
}

// RuntimeState is the in-memory state of one service.
type RuntimeState struct {
	Running  bool
	Updating bool
	Starting bool
	// Fresh stays true until the first start attempt since launch completes.
	Fresh bool
	Logs  string
}

// Status summarises both services for observers.
type Status struct {
	App            bool `json:"app"`
	Manage         bool `json:"manage"`
	AppUpdating    bool `json:"appUpdating"`
	ManageUpdating bool `json:"manageUpdating"`
	AppStarting    bool `json:"appStarting"`
	ManageStarting bool `json:"manageStarting"`
}

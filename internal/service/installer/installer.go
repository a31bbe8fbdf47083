package installer

import (
	"context"
	"crypto"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	goupdate "github.com/doitdistributed/go-update"

	"github.com/oshokin/service-core/internal/config"
	"github.com/oshokin/service-core/internal/domain/core"
	"github.com/oshokin/service-core/internal/events"
	"github.com/oshokin/service-core/internal/logger"
	"github.com/oshokin/service-core/internal/repository/store"

	// Ensure SHA512 available for checksum verification.
	_ "crypto/sha512"
)

const (
	// DirectoryMode is used for the install root and version directories.
	DirectoryMode os.FileMode = 0o755

	// ArchiveMode is the mode of the placed archive.
	ArchiveMode os.FileMode = 0o644

	// ChecksumFunction verifies archives against their .sha512 companion.
	ChecksumFunction crypto.Hash = crypto.SHA512

	partSuffix = ".part"
)

var (
	// ErrMissingEntryPoint is returned when the unpacked tree has no entry point.
	ErrMissingEntryPoint = errors.New("entry point missing")

	errBadChecksum = errors.New("malformed checksum")
)

// Downloader is the part of the HTTP client the installer needs.
type Downloader interface {
	Download(ctx context.Context, url, path string) error
	GetText(ctx context.Context, url string) (string, error)
}

// Journal collects the log text of the running operation.
type Journal interface {
	// Logf appends one formatted line.
	Logf(format string, args ...any)
	// Text returns everything appended so far.
	Text() string
}

// Installer places release assets under the install root.
type Installer struct {
	cfg    *config.Config
	client Downloader
	repo   store.Repository
	bus    *events.Bus
}

// New creates an installer.
func New(cfg *config.Config, client Downloader, repo store.Repository, bus *events.Bus) *Installer {
	return &Installer{cfg: cfg, client: client, repo: repo, bus: bus}
}

// VersionDir returns the directory holding one tag of one service.
func (i *Installer) VersionDir(service core.ServiceName, tag string) string {
	return filepath.Join(i.cfg.InstallRoot, service.String(), tag)
}

// Install downloads, unpacks and prepares candidate. On success the tag
// becomes LatestInstalled and its record is marked installed. A tag seen
// for the first time is untested; one installed before keeps its score.
func (i *Installer) Install(
	ctx context.Context,
	service core.ServiceName,
	candidate *core.Candidate,
	journal Journal,
) error {
	dir := i.VersionDir(service, candidate.Tag)

	if err := os.MkdirAll(filepath.Dir(dir), DirectoryMode); err != nil {
		return fmt.Errorf("create install root: %w", err)
	}

	if _, err := os.Stat(dir); err == nil {
		journal.Logf("Removing existing directory %s", dir)

		if err = os.RemoveAll(dir); err != nil {
			return fmt.Errorf("remove %s: %w", dir, err)
		}
	}

	if err := os.MkdirAll(dir, DirectoryMode); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	archive := filepath.Join(dir, candidate.Tag+archiveExt(candidate.Filename))

	journal.Logf("Downloading %s", candidate.URL)

	if err := i.download(ctx, candidate, archive); err != nil {
		return err
	}

	journal.Logf("Extracting %s", filepath.Base(archive))

	extract := expand(i.cfg.ExtractCommand, archive, dir)
	if err := runTool(ctx, dir, extract, lineLogger(journal)); err != nil {
		return fmt.Errorf("extract: %w", err)
	}

	entry := filepath.Join(dir, i.cfg.EntryPoint)
	if _, err := os.Stat(entry); err != nil {
		return fmt.Errorf("%s: %w", i.cfg.EntryPoint, ErrMissingEntryPoint)
	}

	journal.Logf("Installing dependencies")

	install := expand(i.cfg.InstallCommand, archive, dir)
	if err := runTool(ctx, dir, install, lineLogger(journal)); err != nil {
		return fmt.Errorf("install dependencies: %w", err)
	}

	return i.record(ctx, service, candidate, journal)
}

// download fetches the asset to a .part file and moves it into place
// with go-update, verifying the checksum when one is published.
func (i *Installer) download(ctx context.Context, candidate *core.Candidate, archive string) error {
	part := archive + partSuffix

	if err := i.client.Download(ctx, candidate.URL, part); err != nil {
		return fmt.Errorf("download %s: %w", candidate.Filename, err)
	}

	defer func() {
		_ = os.Remove(part)
	}()

	options := goupdate.Options{
		TargetPath: archive,
		TargetMode: ArchiveMode,
	}

	if candidate.ChecksumURL != "" {
		sum, err := i.checksum(ctx, candidate.ChecksumURL)
		if err != nil {
			return err
		}

		options.Checksum = sum
		options.Hash = ChecksumFunction
	}

	// go-update swaps the target aside before moving the new file in.
	if err := os.WriteFile(archive, nil, ArchiveMode); err != nil {
		return fmt.Errorf("prepare %s: %w", archive, err)
	}

	data, err := os.Open(part) //nolint:gosec // Path is built from the install root.
	if err != nil {
		return fmt.Errorf("open %s: %w", part, err)
	}

	defer func() {
		_ = data.Close()
	}()

	if err = goupdate.Apply(data, options); err != nil {
		return fmt.Errorf("place archive: %w", err)
	}

	return nil
}

// checksum reads a sha512sum style line: "<hex>  <filename>".
func (i *Installer) checksum(ctx context.Context, url string) ([]byte, error) {
	text, err := i.client.GetText(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("download checksum: %w", err)
	}

	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil, errBadChecksum
	}

	sum, err := hex.DecodeString(fields[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errBadChecksum, err)
	}

	return sum, nil
}

func (i *Installer) record(
	ctx context.Context,
	service core.ServiceName,
	candidate *core.Candidate,
	journal Journal,
) error {
	pointers, err := i.repo.UpdatePointers(ctx, service, func(p *core.Pointers) {
		p.LatestInstalled = candidate.Tag
	})
	if err != nil {
		return fmt.Errorf("save latest installed: %w", err)
	}

	rec, err := i.repo.Record(ctx, service, candidate.Tag)
	if errors.Is(err, store.ErrNotFound) {
		rec, err = core.RecordFromCandidate(candidate), nil
	}

	if err != nil {
		return err
	}

	// A reinstalled tag keeps the score it earned.
	if !rec.Installed() {
		rec.Stable = core.StableUntested
	}

	now := time.Now().UTC()
	rec.AssetFilename = candidate.Filename
	rec.DownloadURL = candidate.URL
	rec.ChecksumURL = candidate.ChecksumURL
	rec.Description = candidate.Description
	rec.InstalledAt = &now
	rec.Logs = journal.Text()

	if err = i.repo.Upsert(ctx, service, rec); err != nil {
		return fmt.Errorf("save record: %w", err)
	}

	i.bus.Pointers.Publish(events.PointersUpdated{Service: service, Pointers: pointers})
	logger.InfoKV(ctx, "Installed version", "tag", candidate.Tag, "dir", i.VersionDir(service, candidate.Tag))

	return nil
}

func lineLogger(journal Journal) func(string) {
	return func(line string) {
		journal.Logf("%s", line)
	}
}

// archiveExt keeps the asset's extension so extractors can detect the format.
func archiveExt(filename string) string {
	ext := filepath.Ext(filename)
	if ext == "" {
		return ".zip"
	}

	return ext
}

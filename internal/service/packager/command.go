package packager

import (
	"archive/zip"
	"context"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/oshokin/service-core/internal/config"
	"github.com/oshokin/service-core/internal/logger"
	"github.com/oshokin/service-core/internal/service/release"
)

// DefaultFileMode is the mode of the written bundle files.
const DefaultFileMode os.FileMode = 0o644

// Options contains inputs for the packager entry point.
type Options struct {
	// SourceDir is the program directory to pack.
	SourceDir string
	// Tag is the release tag the bundle is built for.
	Tag string
	// OutputDir is where the archive and its checksum are written.
	OutputDir string
	// EntryPoint must exist in SourceDir; defaults to config.DefaultEntryPoint.
	EntryPoint string
	// Suffix is appended to the tag to name the archive; defaults to config.DefaultAssetSuffix.
	Suffix string
}

// Bundle lists the files Run produced.
type Bundle struct {
	Archive  string
	Checksum string
	// Sum is the hex encoded SHA-512 of the archive.
	Sum string
	// Files are the packed paths relative to SourceDir, sorted.
	Files []string
}

var (
	errNoTag             = errors.New("tag must be provided")
	errInvalidTag        = errors.New("tag must not contain path separators")
	errUnsupportedSuffix = errors.New("only .zip bundles can be built")
	errNoEntryPoint      = errors.New("entry point not found in source directory")
)

// Run packs the source directory and writes the checksum companion.
func Run(ctx context.Context, opts *Options) (*Bundle, error) {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "packager")

	if err := normalize(opts); err != nil {
		return nil, err
	}

	if _, err := os.Stat(filepath.Join(opts.SourceDir, opts.EntryPoint)); err != nil {
		return nil, fmt.Errorf("%s: %w", opts.EntryPoint, errNoEntryPoint)
	}

	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	name := opts.Tag + opts.Suffix
	bundle := &Bundle{
		Archive:  filepath.Join(opts.OutputDir, name),
		Checksum: filepath.Join(opts.OutputDir, name+release.ChecksumSuffix),
	}

	logger.InfoKV(ctx, "Packing program", "source", opts.SourceDir, "archive", bundle.Archive)

	files, err := pack(opts.SourceDir, bundle.Archive)
	if err != nil {
		_ = os.Remove(bundle.Archive)

		return nil, err
	}

	bundle.Files = files

	sum, err := fileChecksum(bundle.Archive)
	if err != nil {
		return nil, err
	}

	bundle.Sum = hex.EncodeToString(sum)

	line := bundle.Sum + "  " + name + "\n"
	if err = os.WriteFile(bundle.Checksum, []byte(line), DefaultFileMode); err != nil {
		return nil, fmt.Errorf("write checksum: %w", err)
	}

	printNextSteps(ctx, opts.Tag, bundle)

	return bundle, nil
}

func normalize(opts *Options) error {
	if opts.Tag == "" {
		return errNoTag
	}

	if strings.ContainsAny(opts.Tag, `/\`) || strings.Contains(opts.Tag, "..") {
		return fmt.Errorf("%q: %w", opts.Tag, errInvalidTag)
	}

	if opts.EntryPoint == "" {
		opts.EntryPoint = config.DefaultEntryPoint
	}

	if opts.Suffix == "" {
		opts.Suffix = config.DefaultAssetSuffix
	}

	if !strings.HasSuffix(opts.Suffix, ".zip") {
		return fmt.Errorf("%q: %w", opts.Suffix, errUnsupportedSuffix)
	}

	if opts.SourceDir == "" {
		opts.SourceDir = "."
	}

	if opts.OutputDir == "" {
		opts.OutputDir = "dist"
	}

	var err error

	if opts.SourceDir, err = filepath.Abs(opts.SourceDir); err != nil {
		return err
	}

	opts.OutputDir, err = filepath.Abs(opts.OutputDir)

	return err
}

// pack writes every regular file under src into a zip at target. The
// directory holding target is skipped when it lies inside src.
func pack(src, target string) ([]string, error) {
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, DefaultFileMode)
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	outDir := filepath.Dir(target)

	var files []string

	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if d.IsDir() {
			if path == outDir && path != src {
				return filepath.SkipDir
			}

			return nil
		}

		if !d.Type().IsRegular() || path == target {
			return nil
		}

		rel, relErr := filepath.Rel(src, path)
		if relErr != nil {
			return relErr
		}

		files = append(files, filepath.ToSlash(rel))

		return addFile(zw, path, filepath.ToSlash(rel))
	})
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", src, err)
	}

	if err = zw.Close(); err != nil {
		return nil, fmt.Errorf("finish archive: %w", err)
	}

	sort.Strings(files)

	return files, out.Close()
}

func addFile(zw *zip.Writer, path, name string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}

	header.Name = name
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(w, f)

	return err
}

func fileChecksum(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	h := sha512.New()
	if _, err = io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("hash archive: %w", err)
	}

	return h.Sum(nil), nil
}

// printNextSteps logs human-readable guidance for publishing the bundle.
func printNextSteps(ctx context.Context, tag string, bundle *Bundle) {
	var builder strings.Builder

	builder.WriteString("Attach the following files to the release ")
	builder.WriteString(tag)
	builder.WriteString(":\n")
	builder.WriteString(bundle.Archive)
	builder.WriteString(",\n")
	builder.WriteString(bundle.Checksum)
	builder.WriteString("\nPacked ")
	builder.WriteString(strconv.Itoa(len(bundle.Files)))
	builder.WriteString(" files, sha512 ")
	builder.WriteString(bundle.Sum)

	logger.Info(ctx, builder.String())
}

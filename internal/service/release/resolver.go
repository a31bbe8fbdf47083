package release

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/oshokin/service-core/internal/config"
	"github.com/oshokin/service-core/internal/domain/core"
	"github.com/oshokin/service-core/internal/events"
	"github.com/oshokin/service-core/internal/logger"
	"github.com/oshokin/service-core/internal/repository/store"
)

// ChecksumSuffix names the optional SHA-512 companion of an asset.
const ChecksumSuffix = ".sha512"

// ErrConfigurationMissing is returned when no repository is configured for a service.
var ErrConfigurationMissing = errors.New("repository is not configured")

// Release is one entry of the release feed.
type Release struct {
	Name    string  `json:"name"`
	TagName string  `json:"tag_name"`
	Body    string  `json:"body"`
	Assets  []Asset `json:"assets"`
}

// Asset is a downloadable file attached to a release.
type Asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// Tag returns the release name, falling back to the git tag.
func (r *Release) Tag() string {
	if r.Name != "" {
		return r.Name
	}

	return r.TagName
}

// JSONGetter fetches and decodes a JSON document.
type JSONGetter interface {
	GetJSON(ctx context.Context, url string, out any) error
}

// Resolver queries the release feed of each service.
type Resolver struct {
	cfg    *config.Config
	client JSONGetter
	repo   store.Repository
	bus    *events.Bus
}

// NewResolver creates a resolver.
func NewResolver(cfg *config.Config, client JSONGetter, repo store.Repository, bus *events.Bus) *Resolver {
	return &Resolver{cfg: cfg, client: client, repo: repo, bus: bus}
}

// ResolveLatest returns the newest release carrying an installable asset.
// It returns nil when no release qualifies or when the newest one is
// already the latest installed. On a match LatestVersion is persisted and
// a record for the tag is created if it was never seen.
func (r *Resolver) ResolveLatest(ctx context.Context, service core.ServiceName) (*core.Candidate, error) {
	repository := r.cfg.Repository(service.String())
	if repository == "" {
		return nil, fmt.Errorf("%s: %w", service, ErrConfigurationMissing)
	}

	feedURL := strings.TrimRight(r.cfg.ReleaseAPI, "/") + "/repos/" + repository + "/releases"

	var releases []Release
	if err := r.client.GetJSON(ctx, feedURL, &releases); err != nil {
		return nil, fmt.Errorf("list releases of %s: %w", repository, err)
	}

	candidate := pick(releases, r.cfg.AssetSuffix)
	if candidate == nil {
		logger.InfoKV(ctx, "No installable release found", "repository", repository)

		return nil, nil
	}

	pointers, err := r.repo.Pointers(ctx, service)
	if err != nil {
		return nil, err
	}

	if candidate.Tag == pointers.LatestInstalled {
		logger.InfoKV(ctx, "Latest release is already installed", "tag", candidate.Tag)

		return nil, nil
	}

	pointers, err = r.repo.UpdatePointers(ctx, service, func(p *core.Pointers) {
		p.LatestVersion = candidate.Tag
	})
	if err != nil {
		return nil, fmt.Errorf("save latest version: %w", err)
	}

	if _, err = r.repo.Record(ctx, service, candidate.Tag); errors.Is(err, store.ErrNotFound) {
		err = r.repo.Upsert(ctx, service, core.RecordFromCandidate(candidate))
	}

	if err != nil {
		return nil, fmt.Errorf("save release record: %w", err)
	}

	r.bus.Pointers.Publish(events.PointersUpdated{Service: service, Pointers: pointers})
	logger.InfoKV(ctx, "Found release", "tag", candidate.Tag, "asset", candidate.Filename)

	return candidate, nil
}

// pick returns the first release, in feed order, with an asset ending in suffix.
func pick(releases []Release, suffix string) *core.Candidate {
	for i := range releases {
		rel := &releases[i]

		for _, asset := range rel.Assets {
			if !strings.HasSuffix(asset.Name, suffix) {
				continue
			}

			return &core.Candidate{
				Tag:         rel.Tag(),
				Filename:    asset.Name,
				URL:         asset.BrowserDownloadURL,
				ChecksumURL: checksumURL(rel.Assets, asset.Name),
				Description: rel.Body,
			}
		}
	}

	return nil
}

func checksumURL(assets []Asset, name string) string {
	for _, a := range assets {
		if a.Name == name+ChecksumSuffix {
			return a.BrowserDownloadURL
		}
	}

	return ""
}

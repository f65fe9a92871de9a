package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mediacrawler/harvester/internal/model"
	"github.com/mediacrawler/harvester/internal/parallel"
)

const harvestWorkers = 4

var (
	ErrNoArtifact  = errors.New("no credential artifact")
	ErrBadArtifact = errors.New("credential artifact is not a list of name/value pairs")
	ErrStale       = errors.New("credential artifact is older than the cached credential")
)

// ArtifactPattern is the glob of the cookie files the crawler writes for
// platform p.
func ArtifactPattern(p model.Platform) string {
	return string(p) + "_cookies_*.json"
}

// IsArtifact reports whether base names a cookie file of platform p.
func IsArtifact(p model.Platform, base string) bool {
	ok, _ := filepath.Match(ArtifactPattern(p), base)
	return ok
}

type artifactCookie struct {
	Name  *string `json:"name"`
	Value *string `json:"value"`
}

// Newest returns the most recently modified artifact of p in dir.
func Newest(dir string, p model.Platform) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, ArtifactPattern(p)))
	if err != nil {
		return "", err
	}
	var (
		best    string
		bestMod time.Time
	)
	for _, m := range matches {
		fi, err := os.Stat(m)
		if err != nil || fi.IsDir() {
			continue
		}
		if best == "" || fi.ModTime().After(bestMod) {
			best, bestMod = m, fi.ModTime()
		}
	}
	if best == "" {
		return "", fmt.Errorf("%w: %s in %s", ErrNoArtifact, ArtifactPattern(p), dir)
	}
	return best, nil
}

// ReadArtifact turns a cookie file into a "name=value; name=value" blob.
// Entries without a name or value are skipped.
func ReadArtifact(path string) (blob string, count int, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", 0, err
	}
	var cookies []artifactCookie
	if err := json.Unmarshal(b, &cookies); err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrBadArtifact, err)
	}
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		if c.Name == nil || c.Value == nil {
			continue
		}
		parts = append(parts, *c.Name+"="+*c.Value)
	}
	if len(parts) == 0 {
		return "", 0, ErrBadArtifact
	}
	return strings.Join(parts, "; "), len(parts), nil
}

// Harvest stores the newest artifact of p found in dir into the cache.
// An artifact older than the cached credential is not stored and ErrStale
// is returned.
func (c *Cache) Harvest(ctx context.Context, dir string, p model.Platform, jobID string) (string, error) {
	path, err := Newest(dir, p)
	if err != nil {
		return "", err
	}
	return path, c.harvestFile(ctx, path, p, jobID)
}

// HarvestAll harvests the newest artifact of every platform in dir and
// returns the harvested paths. Platforms without an artifact, or with one
// older than the cached credential, are skipped.
func (c *Cache) HarvestAll(ctx context.Context, dir string, platforms []model.Platform) (map[model.Platform]string, error) {
	found := make(map[model.Platform]string)
	var errs []error
	harvest := func(ctx context.Context, p model.Platform) (string, error) {
		return c.Harvest(ctx, dir, p, "")
	}
	for r := range parallel.Map(ctx, harvestWorkers, platforms, harvest) {
		switch {
		case errors.Is(r.Err, ErrNoArtifact), errors.Is(r.Err, ErrStale):
		case r.Err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", r.In, r.Err))
		default:
			found[r.In] = r.Out
		}
	}
	return found, errors.Join(errs...)
}

// harvestFile caches the artifact at path with its modification time as
// the saved time, so a harvested credential ages from when the crawler
// wrote it.
func (c *Cache) harvestFile(ctx context.Context, path string, p model.Platform, jobID string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	written := fi.ModTime()
	if now := time.Now(); written.After(now) {
		written = now
	}
	if cached, err := c.read(p); err == nil && written.Before(cached.SavedAt()) {
		return fmt.Errorf("%w: %s written %s, cached %s", ErrStale, path,
			written.Format(dateLayout), cached.SavedDate)
	}
	blob, _, err := ReadArtifact(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	return c.saveAt(ctx, p, blob, jobID, written)
}

// Package credential persists login cookies per platform and harvests the
// cookie files the crawler leaves behind.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mediacrawler/harvester/internal/model"
)

const (
	DefaultMaxAge = 7 * 24 * time.Hour
	fileSuffix    = "_cookies.json"
	dateLayout    = "2006-01-02 15:04:05"
)

// Entry is the on-disk form of one cached credential.
type Entry struct {
	Platform  model.Platform `json:"platform"`
	Cookies   string         `json:"cookies"`
	JobID     string         `json:"task_id,omitempty"`
	SavedTime float64        `json:"saved_time"` // unix seconds, millisecond precision
	SavedDate string         `json:"saved_date"`
}

func (e Entry) SavedAt() time.Time {
	return time.UnixMilli(int64(math.Round(e.SavedTime * 1000)))
}

// age is measured at the precision saved_time is stored with.
func (e Entry) age() time.Duration {
	return time.Now().Truncate(time.Millisecond).Sub(e.SavedAt())
}

// Info describes a cached credential without exposing the blob.
type Info struct {
	Platform  model.Platform `json:"platform"`
	SavedAt   time.Time      `json:"saved_at"`
	SavedDate string         `json:"saved_date"`
	Age       time.Duration  `json:"-"`
	AgeDays   float64        `json:"age_days"`
	JobID     string         `json:"task_id,omitempty"`
	HasBlob   bool           `json:"has_cookies"`
	Path      string         `json:"file_path"`
}

type Status struct {
	Platform  model.Platform `json:"platform"`
	HasCache  bool           `json:"has_cache"`
	IsValid   bool           `json:"is_valid"`
	AgeDays   float64        `json:"age_days"`
	SavedDate string         `json:"saved_date,omitempty"`
	Path      string         `json:"file_path"`
}

// Cache keeps one file per platform under a directory. Each save replaces
// the whole file. Writers of the same platform are not serialized.
type Cache struct {
	dir  string
	root *os.Root
}

func NewCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating cookies dir: %w", err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	return &Cache{dir: dir, root: root}, nil
}

func (c *Cache) Close() error {
	if c.root == nil {
		return nil
	}
	err := c.root.Close()
	c.root = nil
	return err
}

func fileName(p model.Platform) string {
	return string(p) + fileSuffix
}

// Path returns the file backing the credential of p.
func (c *Cache) Path(p model.Platform) string {
	return filepath.Join(c.dir, fileName(p))
}

// Save stores blob for platform p, replacing any previous entry.
func (c *Cache) Save(ctx context.Context, p model.Platform, blob, jobID string) error {
	return c.saveAt(ctx, p, blob, jobID, time.Now())
}

// saveAt stores blob as if it had been saved at t. Ages are counted from t.
func (c *Cache) saveAt(ctx context.Context, p model.Platform, blob, jobID string, t time.Time) error {
	if p == "" {
		return &model.ValidationError{Field: "platform", Reason: "is required"}
	}
	t = t.Truncate(time.Millisecond)
	entry := Entry{
		Platform:  p,
		Cookies:   blob,
		JobID:     jobID,
		SavedTime: float64(t.UnixMilli()) / 1000,
		SavedDate: t.Format(dateLayout),
	}
	b, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return err
	}

	tmp := fileName(p) + "." + uuid.NewString() + ".tmp"
	f, err := c.root.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmp, err)
	}
	if _, err := f.Write(b); err != nil {
		return errors.Join(err, f.Close(), c.root.Remove(tmp))
	}
	if err := f.Close(); err != nil {
		return errors.Join(err, c.root.Remove(tmp))
	}
	if err := c.root.Rename(tmp, fileName(p)); err != nil {
		return fmt.Errorf("replacing %s: %w", fileName(p), err)
	}
	slog.InfoContext(ctx, "credential cached", "platform", p, "path", c.Path(p))
	return nil
}

func (c *Cache) read(p model.Platform) (Entry, error) {
	b, err := c.root.ReadFile(fileName(p))
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, fmt.Errorf("decoding %s: %w", fileName(p), err)
	}
	return e, nil
}

// Load returns the blob of p when it exists and is not older than maxAge.
// An entry exactly maxAge old is still returned.
func (c *Cache) Load(ctx context.Context, p model.Platform, maxAge time.Duration) (string, bool) {
	e, err := c.read(p)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.WarnContext(ctx, "reading cached credential", "platform", p, "error", err)
		}
		return "", false
	}
	age := e.age()
	if age > maxAge {
		slog.DebugContext(ctx, "cached credential expired", "platform", p, "age", age.String(), "max_age", maxAge.String())
		return "", false
	}
	if e.Cookies == "" {
		return "", false
	}
	return e.Cookies, true
}

// Clear deletes the entry of p, or every entry when p is empty.
func (c *Cache) Clear(ctx context.Context, p model.Platform) error {
	if p != "" {
		err := c.root.Remove(fileName(p))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		slog.InfoContext(ctx, "credential cleared", "platform", p)
		return nil
	}
	names, err := c.names()
	if err != nil {
		return err
	}
	var errs []error
	for _, name := range names {
		if err := c.root.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	slog.InfoContext(ctx, "all credentials cleared", "count", len(names))
	return errors.Join(errs...)
}

func (c *Cache) names() ([]string, error) {
	entries, err := fs.ReadDir(c.root.FS(), ".")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), fileSuffix) {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// List describes every cached credential. Unreadable files are skipped.
func (c *Cache) List(ctx context.Context) (map[model.Platform]Info, error) {
	names, err := c.names()
	if err != nil {
		return nil, err
	}
	out := make(map[model.Platform]Info, len(names))
	for _, name := range names {
		p := model.Platform(strings.TrimSuffix(name, fileSuffix))
		e, err := c.read(p)
		if err != nil {
			slog.WarnContext(ctx, "skipping cached credential", "platform", p, "error", err)
			continue
		}
		age := e.age()
		out[p] = Info{
			Platform:  p,
			SavedAt:   e.SavedAt(),
			SavedDate: e.SavedDate,
			Age:       age,
			AgeDays:   days(age),
			JobID:     e.JobID,
			HasBlob:   e.Cookies != "",
			Path:      c.Path(p),
		}
	}
	return out, nil
}

// Status reports whether a usable credential is cached for p.
func (c *Cache) Status(ctx context.Context, p model.Platform, maxAge time.Duration) Status {
	st := Status{Platform: p, Path: c.Path(p)}
	e, err := c.read(p)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.WarnContext(ctx, "reading cached credential", "platform", p, "error", err)
		}
		return st
	}
	age := e.age()
	st.HasCache = true
	st.SavedDate = e.SavedDate
	st.AgeDays = days(age)
	st.IsValid = e.Cookies != "" && age <= maxAge
	return st
}

func days(d time.Duration) float64 {
	return math.Round(d.Hours()/24*10) / 10
}

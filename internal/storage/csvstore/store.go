// Package csvstore persists each entity's records as one CSV file and merges
// new records into it on every write.
package csvstore

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ThachTung/WebScraper/internal/crawler"
	"github.com/ThachTung/WebScraper/internal/lock"
	"github.com/ThachTung/WebScraper/internal/metrics"
)

const (
	ext = ".csv"
	// DefaultCombined is the file name of the all-entities export.
	DefaultCombined = "all_players.csv"
)

// ErrNotFound is returned by Load when no file exists for the key.
var ErrNotFound = errors.New("no stored records for key")

// Config captures the parameters for the CSV store.
type Config struct {
	// Dir holds one file per entity key.
	Dir string `mapstructure:"dir"`
	// Combined names the file written by Combine.
	Combined string `mapstructure:"combined"`
}

// Option customizes a Store.
type Option func(*Store)

// WithLocker adds a cross-process lock taken after the in-process one.
func WithLocker(l crawler.Locker) Option {
	return func(s *Store) {
		s.remote = l
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store implements crawler.Merger on the local filesystem. Every
// read-modify-write of a key runs under that key's lock, and files are replaced
// atomically so readers never observe a partial file.
type Store struct {
	dir      string
	combined string
	local    *lock.Local
	remote   crawler.Locker
	logger   *zap.Logger
}

// New creates the store, creating Dir when missing.
func New(cfg Config, opts ...Option) (*Store, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("store directory is required")
	}
	info, err := os.Stat(cfg.Dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if mkErr := os.MkdirAll(cfg.Dir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create store directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat store directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("store path %s is not a directory", cfg.Dir)
	}
	combined := cfg.Combined
	if combined == "" {
		combined = DefaultCombined
	}
	s := &Store{
		dir:      cfg.Dir,
		combined: combined,
		local:    lock.NewLocal(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path returns the file backing key.
func (s *Store) Path(key string) string {
	return filepath.Join(s.dir, key+ext)
}

// CombinedPath returns the file written by Combine.
func (s *Store) CombinedPath() string {
	return filepath.Join(s.dir, s.combined)
}

// Merge appends records to the stored set for key, dropping any record whose
// normalized link is already present. Existing records win. It returns the
// number of records stored for key afterwards. On any read or parse error the
// stored file is left untouched.
func (s *Store) Merge(ctx context.Context, key string, records []crawler.Record) (int, error) {
	start := time.Now()
	var final int
	err := s.withKey(ctx, key, func() error {
		existing, err := s.read(s.Path(key))
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		merged := MergeByLink(existing, records)
		if err := writeAtomic(s.Path(key), merged); err != nil {
			return err
		}
		final = len(merged)
		s.logger.Debug("merged records",
			zap.String("key", key),
			zap.Int("existing", len(existing)),
			zap.Int("incoming", len(records)),
			zap.Int("stored", final),
		)
		return nil
	})
	if err != nil {
		return 0, err
	}
	metrics.ObserveMerge("csv", time.Since(start))
	return final, nil
}

// Rewrite replaces the stored set for key with fn's result under the key lock.
// It returns the record counts before and after.
func (s *Store) Rewrite(
	ctx context.Context,
	key string,
	fn func([]crawler.Record) ([]crawler.Record, error),
) (before, after int, err error) {
	err = s.withKey(ctx, key, func() error {
		records, err := s.read(s.Path(key))
		if err != nil {
			return err
		}
		out, err := fn(records)
		if err != nil {
			return err
		}
		if err := writeAtomic(s.Path(key), out); err != nil {
			return err
		}
		before, after = len(records), len(out)
		return nil
	})
	return before, after, err
}

// Load returns the stored records for key in file order.
func (s *Store) Load(_ context.Context, key string) ([]crawler.Record, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	return s.read(s.Path(key))
}

// Keys lists stored entity keys in lexical order. The combined export is not a key.
func (s *Store) Keys(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list store directory: %w", err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ext || name == s.combined {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ext))
	}
	slices.Sort(keys)
	return keys, nil
}

// Combine writes the union of every stored key, deduplicated by link, to the
// combined export and returns its path and record count.
func (s *Store) Combine(ctx context.Context) (string, int, error) {
	path := s.CombinedPath()
	n, err := CombineFrom(ctx, s, path)
	if err != nil {
		return "", 0, err
	}
	return path, n, nil
}

// Source lists entity keys and loads their records. Both record stores
// implement it.
type Source interface {
	Keys(ctx context.Context) ([]string, error)
	Load(ctx context.Context, key string) ([]crawler.Record, error)
}

// CombineFrom writes every key of src, in key order and deduplicated by link,
// to the CSV file at path.
func CombineFrom(ctx context.Context, src Source, path string) (int, error) {
	keys, err := src.Keys(ctx)
	if err != nil {
		return 0, err
	}
	var all []crawler.Record
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		records, err := src.Load(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("load %s: %w", key, err)
		}
		all = MergeByLink(all, records)
	}
	if err := writeAtomic(path, all); err != nil {
		return 0, err
	}
	return len(all), nil
}

func (s *Store) withKey(ctx context.Context, key string, fn func() error) error {
	if err := validateKey(key); err != nil {
		return err
	}
	unlock, err := s.local.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	if s.remote != nil {
		unlockRemote, err := s.remote.Lock(ctx, key)
		if err != nil {
			return err
		}
		defer unlockRemote()
	}
	return fn()
}

// MergeByLink concatenates existing and incoming, keeping the first record for
// each normalized link.
func MergeByLink(existing, incoming []crawler.Record) []crawler.Record {
	out := make([]crawler.Record, 0, len(existing)+len(incoming))
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, batch := range [][]crawler.Record{existing, incoming} {
		for _, rec := range batch {
			k := rec.Key()
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, rec)
		}
	}
	return out
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("entity key is required")
	}
	if strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return fmt.Errorf("invalid entity key %q", key)
	}
	return nil
}

func (s *Store) read(path string) ([]crawler.Record, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	records, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return records, nil
}

// Decode parses a header row followed by one record per row.
func Decode(r io.Reader) ([]crawler.Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(crawler.Columns)
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	if !slices.Equal(header, crawler.Columns) {
		return nil, fmt.Errorf("unexpected header %v", header)
	}
	var records []crawler.Record
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return nil, err
		}
		records = append(records, crawler.Record{
			Title:    row[0],
			Price:    row[1],
			Link:     row[2],
			ImageURL: row[3],
			SoldDate: row[4],
		})
	}
}

// Encode writes the header row and records.
func Encode(w io.Writer, records []crawler.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(crawler.Columns); err != nil {
		return err
	}
	for _, rec := range records {
		if err := cw.Write(rec.Row()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// writeAtomic writes to a temp file in the target directory, syncs it and
// renames it over path.
func writeAtomic(path string, records []crawler.Record) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if err = Encode(tmp, records); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err = os.Chmod(tmp.Name(), 0o640); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

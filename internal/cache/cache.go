// Package cache persists resolved element locations across runs so that a
// stable page never costs a second model call. The on-disk format is a
// single YAML file per cache ID, rewritten whole on every flush.
package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"pinpoint/internal/types"
)

// FormatVersion is the only cache file layout this build reads or writes.
// Files carrying any other version are rejected, never migrated in place.
const FormatVersion = 1

const maxCacheIDLen = 200

// Key identifies a cache record. Two interactions share a record only when
// both the interaction type and the exact prompt match.
type Key struct {
	Type   types.InteractionType
	Prompt string
}

// Entry is a cached resolution. Exactly one of XPaths or Box is set:
// XPaths when the element had a derivable DOM path, Box as the raw
// coordinate fallback for canvas-like content.
type Entry struct {
	XPaths []string
	Box    []float64
}

type fileRecord struct {
	Type   string    `yaml:"type"`
	Prompt string    `yaml:"prompt"`
	XPaths []string  `yaml:"xpaths,omitempty"`
	Box    []float64 `yaml:"bbox,omitempty,flow"`
}

type fileFormat struct {
	FormatVersion int          `yaml:"formatVersion"`
	CacheID       string       `yaml:"cacheId"`
	Records       []fileRecord `yaml:"records"`
}

// Stats summarizes a store for reporting.
type Stats struct {
	CacheID        string
	Path           string
	Strategy       types.CacheStrategy
	TotalRecords   int
	MatchedRecords int
}

// Store holds the records for one cache ID. Safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	path     string
	cacheID  string
	strategy types.CacheStrategy
	entries  map[Key]Entry
	order    []Key
	matched  map[Key]struct{}
	log      *zap.Logger
}

// Open loads or creates the cache file for cacheID under dir. The ID is
// sanitized into a safe file name first. In write-only mode any existing
// file content is ignored; the next flush replaces it.
func Open(dir, cacheID string, strategy types.CacheStrategy, log *zap.Logger) (*Store, error) {
	if !strategy.Valid() {
		return nil, fmt.Errorf("unknown cache strategy %q", strategy)
	}
	if log == nil {
		log = zap.NewNop()
	}
	safe := SanitizeID(cacheID)
	s := &Store{
		path:     filepath.Join(dir, safe+".cache.yaml"),
		cacheID:  cacheID,
		strategy: strategy,
		entries:  make(map[Key]Entry),
		matched:  make(map[Key]struct{}),
		log:      log,
	}
	if strategy == types.StrategyWriteOnly {
		return s, nil
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read cache file: %w", err)
	}
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse cache file %s: %w", s.path, err)
	}
	if f.FormatVersion != FormatVersion {
		return fmt.Errorf("cache file %s has format version %d, want %d", s.path, f.FormatVersion, FormatVersion)
	}
	for _, r := range f.Records {
		k := Key{Type: types.InteractionType(r.Type), Prompt: r.Prompt}
		if _, dup := s.entries[k]; !dup {
			s.order = append(s.order, k)
		}
		s.entries[k] = Entry{XPaths: r.XPaths, Box: r.Box}
	}
	s.log.Debug("cache loaded",
		zap.String("path", s.path),
		zap.Int("records", len(s.entries)))
	return nil
}

// Get returns the entry for k. In write-only mode every lookup misses.
func (s *Store) Get(k Key) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.strategy == types.StrategyWriteOnly {
		return Entry{}, false
	}
	e, ok := s.entries[k]
	return e, ok
}

// Put records or overwrites the entry for k. In read-only mode it is a
// no-op. Flush must be called to persist.
func (s *Store) Put(k Key, e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.strategy == types.StrategyReadOnly {
		return
	}
	if _, exists := s.entries[k]; !exists {
		s.order = append(s.order, k)
	}
	s.entries[k] = e
}

// MarkMatched flags k as served from cache this session, for Stats.
func (s *Store) MarkMatched(k Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matched[k] = struct{}{}
}

// Flush rewrites the whole cache file from the in-memory records. In
// read-only mode it is a no-op.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.strategy == types.StrategyReadOnly {
		return nil
	}
	f := fileFormat{
		FormatVersion: FormatVersion,
		CacheID:       s.cacheID,
		Records:       make([]fileRecord, 0, len(s.order)),
	}
	for _, k := range s.order {
		e := s.entries[k]
		f.Records = append(f.Records, fileRecord{
			Type:   string(k.Type),
			Prompt: k.Prompt,
			XPaths: e.XPaths,
			Box:    e.Box,
		})
	}
	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("encode cache file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write cache file: %w", err)
	}
	s.log.Debug("cache flushed",
		zap.String("path", s.path),
		zap.Int("records", len(f.Records)))
	return nil
}

// Stats reports record counts under the lock.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		CacheID:        s.cacheID,
		Path:           s.path,
		Strategy:       s.strategy,
		TotalRecords:   len(s.entries),
		MatchedRecords: len(s.matched),
	}
}

// Path returns the on-disk location of the cache file.
func (s *Store) Path() string {
	return s.path
}

// SanitizeID maps an arbitrary cache ID onto a safe file name stem.
// Path separators and characters Windows rejects become underscores,
// whitespace becomes hyphens, and over-long IDs are truncated with a hash
// suffix so distinct long IDs stay distinct.
func SanitizeID(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case strings.ContainsRune(`<>:"|?*/\`, r):
			b.WriteRune('_')
		case unicode.IsSpace(r):
			b.WriteRune('-')
		case unicode.IsControl(r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	safe := b.String()
	if safe == "" {
		safe = "default"
	}
	if len(safe) > maxCacheIDLen {
		sum := xxhash.Sum64String(safe)
		safe = fmt.Sprintf("%.32s-%016x", safe, sum)
	}
	return safe
}

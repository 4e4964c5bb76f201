// Package dedupe removes exact duplicates from one entity's records and places
// near-duplicate titles next to each other.
package dedupe

import (
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/ThachTung/WebScraper/internal/crawler"
)

// Defaults used when Config fields are zero.
const (
	DefaultThreshold = 0.8
	DefaultCacheSize = 10000
)

// Config tunes the Deduplicator.
type Config struct {
	// Threshold is the minimum similarity for a record to join a group seed,
	// in (0, 1]. Zero selects DefaultThreshold.
	Threshold float64 `mapstructure:"threshold"`
	// RequireEntityName drops records whose title lacks the entity name.
	RequireEntityName bool `mapstructure:"require_entity_name"`
	// CacheSize bounds the similarity memo.
	CacheSize int `mapstructure:"cache_size"`
}

// DefaultConfig returns the nominal settings.
func DefaultConfig() Config {
	return Config{
		Threshold:         DefaultThreshold,
		RequireEntityName: true,
		CacheSize:         DefaultCacheSize,
	}
}

// Result reports what one Run did.
type Result struct {
	Records []crawler.Record
	// ExactDuplicates counts records dropped as byte-identical repeats.
	ExactDuplicates int
	// NameMismatches counts records dropped by the entity-name filter.
	NameMismatches int
	// Groups holds indices into Records' input (after filtering) for every group
	// with at least two members, in discovery order.
	Groups [][]int
}

// GroupedRecords counts the records that landed in a group.
func (r Result) GroupedRecords() int {
	n := 0
	for _, g := range r.Groups {
		n += len(g)
	}
	return n
}

type pair struct{ a, b string }

// Deduplicator implements crawler.Deduplicator. The similarity memo is owned by
// the instance and safe for concurrent use.
type Deduplicator struct {
	cfg   Config
	cache *lru.Cache[pair, float64]
}

// New builds a Deduplicator. A zero Threshold means unset and takes the
// default; grouping every pair is not a supported setting.
func New(cfg Config) (*Deduplicator, error) {
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return nil, fmt.Errorf("threshold must be in (0,1], got %v", cfg.Threshold)
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	cache, err := lru.New[pair, float64](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("similarity cache: %w", err)
	}
	return &Deduplicator{cfg: cfg, cache: cache}, nil
}

// Dedupe returns the cleaned, reordered records.
func (d *Deduplicator) Dedupe(records []crawler.Record, entity string) []crawler.Record {
	return d.Run(records, entity).Records
}

// Run removes exact duplicates, applies the entity-name filter when enabled, then
// clusters titles around group seeds. Grouped records come first in discovery
// order, followed by the ungrouped ones in input order.
func (d *Deduplicator) Run(records []crawler.Record, entity string) Result {
	var res Result

	unique := make([]crawler.Record, 0, len(records))
	seen := make(map[crawler.Record]struct{}, len(records))
	for _, rec := range records {
		if _, dup := seen[rec]; dup {
			res.ExactDuplicates++
			continue
		}
		seen[rec] = struct{}{}
		unique = append(unique, rec)
	}

	if d.cfg.RequireEntityName {
		unique, res.NameMismatches = FilterByName(unique, entity)
	}

	res.Groups = d.Groups(unique)
	res.Records = reorder(unique, res.Groups)
	return res
}

// FilterByName keeps the records whose title contains entity, ignoring case,
// and reports how many were dropped. A blank entity keeps everything. The
// input slice is reused.
func FilterByName(records []crawler.Record, entity string) ([]crawler.Record, int) {
	name := strings.ToLower(strings.TrimSpace(entity))
	if name == "" {
		return records, 0
	}
	kept := records[:0]
	for _, rec := range records {
		if strings.Contains(strings.ToLower(rec.Title), name) {
			kept = append(kept, rec)
		}
	}
	return kept, len(records) - len(kept)
}

// Groups clusters records greedily: each unclustered record seeds a group and
// claims every later unclustered record whose title is similar enough to the
// seed. Only groups with two or more members are returned.
func (d *Deduplicator) Groups(records []crawler.Record) [][]int {
	clustered := make([]bool, len(records))
	var groups [][]int
	for i := range records {
		if clustered[i] {
			continue
		}
		clustered[i] = true
		group := []int{i}
		for j := i + 1; j < len(records); j++ {
			if clustered[j] {
				continue
			}
			if d.Similarity(records[i].Title, records[j].Title) >= d.cfg.Threshold {
				clustered[j] = true
				group = append(group, j)
			}
		}
		if len(group) > 1 {
			groups = append(groups, group)
		}
	}
	return groups
}

// Similarity returns the memoized ratio of a and b.
func (d *Deduplicator) Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if b < a {
		a, b = b, a
	}
	key := pair{a, b}
	if v, ok := d.cache.Get(key); ok {
		return v
	}
	v := Similarity(a, b)
	d.cache.Add(key, v)
	return v
}

// Similarity is the character-level sequence-matching ratio 2*M/T, where M is
// the number of characters in matching blocks and T the combined length.
// Identical strings score 1, an empty string scores 0 against anything else,
// and the result does not depend on argument order.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	if b < a {
		a, b = b, a
	}
	ca, cb := chars(a), chars(b)
	if !shareAny(ca, cb) {
		return 0
	}
	return difflib.NewMatcher(ca, cb).Ratio()
}

func chars(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

func shareAny(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, c := range a {
		set[c] = struct{}{}
	}
	for _, c := range b {
		if _, ok := set[c]; ok {
			return true
		}
	}
	return false
}

func reorder(records []crawler.Record, groups [][]int) []crawler.Record {
	out := make([]crawler.Record, 0, len(records))
	grouped := make([]bool, len(records))
	for _, g := range groups {
		for _, idx := range g {
			grouped[idx] = true
			out = append(out, records[idx])
		}
	}
	for i, rec := range records {
		if !grouped[i] {
			out = append(out, rec)
		}
	}
	return out
}

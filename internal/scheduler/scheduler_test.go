package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThachTung/WebScraper/internal/crawler"
	"github.com/ThachTung/WebScraper/internal/fetcher"
	"github.com/ThachTung/WebScraper/internal/publisher/memory"
)

// scriptedFetcher encodes the request into the body; pages listed in fail
// return an exhausted-retries error.
type scriptedFetcher struct {
	mu       sync.Mutex
	requests []crawler.FetchRequest
	fail     map[string]bool
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
}

func (f *scriptedFetcher) Fetch(_ context.Context, req crawler.FetchRequest) ([]byte, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.fail[req.Region.Name] {
		return nil, fmt.Errorf("%w: 503", crawler.ErrRetriesExhausted)
	}
	return []byte(fmt.Sprintf("%s|%s|%d", req.Entity, req.Region.Name, req.Page)), nil
}

func (f *scriptedFetcher) pages(region string) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int
	for _, r := range f.requests {
		if r.Region.Name == region {
			out = append(out, r.Page)
		}
	}
	return out
}

// scriptedExtractor serves PageResults keyed by "entity|region|page".
type scriptedExtractor struct {
	pages map[string]crawler.PageResult
}

func (e *scriptedExtractor) Extract(body []byte) (crawler.PageResult, error) {
	if strings.Contains(string(body), "garbage") {
		return crawler.PageResult{}, errors.New("unparsable")
	}
	return e.pages[string(body)], nil
}

type acceptAll struct{ reject string }

func (a acceptAll) Accept(title string) bool {
	return a.reject == "" || !strings.Contains(title, a.reject)
}

func listing(title, link string) crawler.Record {
	return crawler.Record{Title: title, Price: "$1", Link: link, ImageURL: crawler.NoImage, SoldDate: "Sold"}
}

func newPool(t *testing.T, size int, f crawler.Fetcher) *fetcher.Pool {
	t.Helper()
	p, err := fetcher.NewPool(size, func(int) (crawler.Fetcher, error) { return f, nil })
	require.NoError(t, err)
	return p
}

func regions(names ...string) []crawler.Region {
	out := make([]crawler.Region, 0, len(names))
	for i, n := range names {
		out = append(out, crawler.Region{Name: n, Params: map[string]string{"LH_PrefLoc": strconv.Itoa(i + 1)}})
	}
	return out
}

func TestCollectStopsAtLastPage(t *testing.T) {
	t.Parallel()

	f := &scriptedFetcher{}
	ex := &scriptedExtractor{pages: map[string]crawler.PageResult{
		"e|A|1": {Records: []crawler.Record{listing("p1", "l1")}, HasNextPage: true},
		"e|A|2": {Records: []crawler.Record{listing("p2", "l2")}, HasNextPage: true},
		"e|A|3": {Records: []crawler.Record{listing("p3", "l3")}, HasNextPage: false},
		"e|A|4": {Records: []crawler.Record{listing("p4", "l4")}, HasNextPage: false},
		"e|A|5": {Records: []crawler.Record{listing("p5", "l5")}, HasNextPage: true},
	}}
	rs, err := NewRegionScheduler(RegionConfig{Regions: regions("A"), PageBatch: 2, MaxPages: 5},
		newPool(t, 1, f), ex, acceptAll{}, nil)
	require.NoError(t, err)

	records, stats, err := rs.Collect(context.Background(), "e")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{1, 2, 3, 4}, f.pages("A"), "batch 3-4 has no next page")
	require.Len(t, records, 4)
	for i, r := range records {
		assert.Equal(t, fmt.Sprintf("l%d", i+1), r.Link, "pages stay in order")
	}
	require.Len(t, stats, 1)
	assert.Equal(t, 4, stats[0].Pages)
	assert.False(t, stats[0].EndedEarly)
}

func TestCollectRespectsPageCap(t *testing.T) {
	t.Parallel()

	f := &scriptedFetcher{}
	pages := map[string]crawler.PageResult{}
	for p := 1; p <= 10; p++ {
		pages[fmt.Sprintf("e|A|%d", p)] = crawler.PageResult{
			Records:     []crawler.Record{listing("t", fmt.Sprintf("l%d", p))},
			HasNextPage: true,
		}
	}
	rs, err := NewRegionScheduler(RegionConfig{Regions: regions("A")}, newPool(t, 1, f),
		&scriptedExtractor{pages: pages}, acceptAll{}, nil)
	require.NoError(t, err)

	records, _, err := rs.Collect(context.Background(), "e")
	require.NoError(t, err)
	assert.Len(t, records, DefaultMaxPages)
	assert.ElementsMatch(t, []int{1, 2, 3, 4, 5}, f.pages("A"))
}

func TestCollectIsolatesFailingRegion(t *testing.T) {
	t.Parallel()

	f := &scriptedFetcher{fail: map[string]bool{"A": true}}
	ex := &scriptedExtractor{pages: map[string]crawler.PageResult{
		"e|B|1": {Records: []crawler.Record{
			listing("b1", "l1"), listing("b2", "l2"), listing("b3", "l3"),
		}},
	}}
	rs, err := NewRegionScheduler(RegionConfig{Regions: regions("A", "B")}, newPool(t, 2, f), ex, acceptAll{}, nil)
	require.NoError(t, err)

	records, stats, err := rs.Collect(context.Background(), "e")
	require.NoError(t, err)
	assert.Len(t, records, 3)
	assert.True(t, stats[0].EndedEarly)
	assert.Zero(t, stats[0].Pages)
	assert.False(t, stats[1].EndedEarly)
	assert.ElementsMatch(t, []int{1, 2}, f.pages("A"), "only the first batch of A is tried")
}

func TestCollectClassifiesAndConcatenatesRegionsInOrder(t *testing.T) {
	t.Parallel()

	f := &scriptedFetcher{delay: 5 * time.Millisecond}
	ex := &scriptedExtractor{pages: map[string]crawler.PageResult{
		"e|A|1": {Records: []crawler.Record{listing("a keep", "la"), listing("a jersey", "lx")}, Skipped: 2},
		"e|B|1": {Records: []crawler.Record{listing("b keep", "lb")}},
		"e|C|1": {Records: []crawler.Record{listing("c keep", "la")}},
	}}
	rs, err := NewRegionScheduler(RegionConfig{Regions: regions("A", "B", "C"), Workers: 2},
		newPool(t, 2, f), ex, acceptAll{reject: "jersey"}, nil)
	require.NoError(t, err)

	records, stats, err := rs.Collect(context.Background(), "e")
	require.NoError(t, err)
	titles := make([]string, 0, len(records))
	for _, r := range records {
		titles = append(titles, r.Title)
	}
	assert.Equal(t, []string{"a keep", "b keep", "c keep"}, titles, "cross-region duplicates kept")
	assert.Equal(t, 1, stats[0].Rejected)
	assert.Equal(t, 2, stats[0].Skipped)
	assert.LessOrEqual(t, f.maxSeen.Load(), int32(2*DefaultPageBatch))
}

func TestCollectEndsRegionOnExtractError(t *testing.T) {
	t.Parallel()

	f := &scriptedFetcher{}
	rs, err := NewRegionScheduler(RegionConfig{Regions: regions("A")}, newPool(t, 1, f),
		&scriptedExtractor{}, acceptAll{}, nil)
	require.NoError(t, err)

	records, stats, err := rs.Collect(context.Background(), "garbage")
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.True(t, stats[0].EndedEarly)
}

func TestCollectCanceled(t *testing.T) {
	t.Parallel()

	f := &scriptedFetcher{}
	rs, err := NewRegionScheduler(RegionConfig{Regions: regions("A")}, newPool(t, 1, f),
		&scriptedExtractor{}, acceptAll{}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = rs.Collect(ctx, "e")
	require.ErrorIs(t, err, context.Canceled)
}

// fakeCollector returns scripted records per entity.
type fakeCollector struct {
	records map[string][]crawler.Record
	panicOn string
	failOn  string
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (c *fakeCollector) Collect(_ context.Context, entity string) ([]crawler.Record, []RegionStats, error) {
	n := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		m := c.maxSeen.Load()
		if n <= m || c.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)
	if entity == c.panicOn {
		panic("boom")
	}
	if entity == c.failOn {
		return nil, nil, errors.New("collect failed")
	}
	return c.records[entity], nil, nil
}

type linkDedupe struct{}

func (linkDedupe) Dedupe(records []crawler.Record, _ string) []crawler.Record {
	seen := map[string]bool{}
	var out []crawler.Record
	for _, r := range records {
		if !seen[r.Key()] {
			seen[r.Key()] = true
			out = append(out, r)
		}
	}
	return out
}

type mapMerger struct {
	mu     sync.Mutex
	stored map[string][]crawler.Record
	failOn string
}

func (m *mapMerger) Merge(_ context.Context, key string, records []crawler.Record) (int, error) {
	if key == m.failOn {
		return 0, errors.New("disk full")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stored == nil {
		m.stored = map[string][]crawler.Record{}
	}
	m.stored[key] = append(m.stored[key], records...)
	return len(m.stored[key]), nil
}

type staticIDs struct{ err error }

func (s staticIDs) NewID() (string, error) { return "run-1", s.err }

func newEntityScheduler(t *testing.T, c Collector, m crawler.Merger, pub crawler.Publisher, workers int) *EntityScheduler {
	t.Helper()
	s, err := NewEntityScheduler(EntityConfig{Workers: workers}, Deps{
		Collector: c,
		Dedupe:    linkDedupe{},
		Merger:    m,
		Publisher: pub,
		IDs:       staticIDs{},
	})
	require.NoError(t, err)
	return s
}

func TestRunIngestsEntity(t *testing.T) {
	t.Parallel()

	// Two regions returned the same listing.
	c := &fakeCollector{records: map[string][]crawler.Record{
		"Kevin Agudelo": {
			listing("Kevin Agudelo Prizm", "https://x/itm/1"),
			listing("Kevin Agudelo Prizm", "https://x/itm/1?region=b"),
		},
	}}
	m := &mapMerger{}
	pub := memory.New()
	s := newEntityScheduler(t, c, m, pub, 0)

	summary, err := s.Run(context.Background(), []string{"Kevin Agudelo"})
	require.NoError(t, err)
	assert.Equal(t, "run-1", summary.RunID)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.RecordsIngested)
	require.Len(t, summary.PerEntity, 1)
	assert.Equal(t, crawler.EntityResult{
		Entity: "Kevin Agudelo", Key: "kevin_agudelo", Collected: 2, Ingested: 1, Stored: 1,
	}, summary.PerEntity[0])
	assert.Len(t, m.stored["kevin_agudelo"], 1)

	events := pub.Topic(DefaultEntityTopic)
	require.Len(t, events, 1)
	ev, ok := events[0].(EntityIngested)
	require.True(t, ok)
	assert.Equal(t, "run-1", ev.RunID)
	assert.Equal(t, "kevin_agudelo", ev.Key)

	runs := pub.Topic(DefaultRunTopic)
	require.Len(t, runs, 1)
	assert.Equal(t, summary, runs[0])
}

func TestRunIsolatesEntityFailures(t *testing.T) {
	t.Parallel()

	c := &fakeCollector{
		panicOn: "Panicky",
		failOn:  "Broken",
		records: map[string][]crawler.Record{
			"Good One":  {listing("g", "l1")},
			"Bad Merge": {listing("b", "l2"), listing("b2", "l3")},
		},
	}
	m := &mapMerger{failOn: "bad_merge"}
	s := newEntityScheduler(t, c, m, nil, 2)

	summary, err := s.Run(context.Background(), []string{"Panicky", "Good One", "Broken", "Bad Merge", "  "})
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Entities)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 4, summary.Failed)
	assert.Equal(t, 1, summary.RecordsIngested)
	assert.Equal(t, 1, summary.RecordsStored)

	byName := map[string]crawler.EntityResult{}
	for _, r := range summary.PerEntity {
		byName[r.Entity] = r
	}
	assert.Contains(t, byName["Panicky"].Error, "panic")
	assert.Equal(t, "collect failed", byName["Broken"].Error)
	assert.Equal(t, "disk full", byName["Bad Merge"].Error)
	assert.Zero(t, byName["Bad Merge"].Ingested)
	assert.Zero(t, byName["Bad Merge"].Stored)
	assert.Equal(t, 2, byName["Bad Merge"].Collected)
	assert.False(t, byName["Good One"].Failed())
	assert.LessOrEqual(t, c.maxSeen.Load(), int32(2))
}

func recordsCounter(t *testing.T, stage string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "soldprice_records_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "stage" && lp.GetValue() == stage {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

// Not parallel: reads process-wide counters.
func TestRunCountsStoredRecordsSeparately(t *testing.T) {
	existing := make([]crawler.Record, 5)
	for i := range existing {
		existing[i] = listing("old", fmt.Sprintf("https://x/itm/old%d", i))
	}
	m := &mapMerger{stored: map[string][]crawler.Record{"pre_loaded": existing}}
	c := &fakeCollector{records: map[string][]crawler.Record{
		"Pre Loaded": {listing("a", "https://x/itm/1"), listing("b", "https://x/itm/2")},
	}}
	s := newEntityScheduler(t, c, m, nil, 1)

	ingestedBefore := recordsCounter(t, "ingested")
	storedBefore := recordsCounter(t, "stored")
	summary, err := s.Run(context.Background(), []string{"Pre Loaded"})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.RecordsIngested)
	assert.Equal(t, 7, summary.RecordsStored)
	assert.InDelta(t, 2, recordsCounter(t, "ingested")-ingestedBefore, 0)
	assert.InDelta(t, 7, recordsCounter(t, "stored")-storedBefore, 0)
}

func TestRunPreservesInputOrderInSummary(t *testing.T) {
	t.Parallel()

	names := []string{"e1", "e2", "e3", "e4", "e5", "e6", "e7"}
	s := newEntityScheduler(t, &fakeCollector{}, &mapMerger{}, nil, 3)
	summary, err := s.Run(context.Background(), names)
	require.NoError(t, err)
	for i, r := range summary.PerEntity {
		assert.Equal(t, names[i], r.Entity)
	}
}

func TestRunRequiresEntities(t *testing.T) {
	t.Parallel()

	s := newEntityScheduler(t, &fakeCollector{}, &mapMerger{}, nil, 1)
	_, err := s.Run(context.Background(), nil)
	require.ErrorIs(t, err, crawler.ErrNoEntities)
}

func TestRunIDFailure(t *testing.T) {
	t.Parallel()

	s, err := NewEntityScheduler(EntityConfig{}, Deps{
		Collector: &fakeCollector{},
		Dedupe:    linkDedupe{},
		Merger:    &mapMerger{},
		IDs:       staticIDs{err: errors.New("entropy")},
	})
	require.NoError(t, err)
	_, err = s.Run(context.Background(), []string{"x"})
	require.Error(t, err)
}

func TestConstructorsValidateDeps(t *testing.T) {
	t.Parallel()

	_, err := NewRegionScheduler(RegionConfig{}, nil, nil, nil, nil)
	require.Error(t, err)
	_, err = NewEntityScheduler(EntityConfig{}, Deps{})
	require.Error(t, err)
}

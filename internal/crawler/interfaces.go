package crawler

import (
	"context"
	"time"
)

// Fetcher retrieves the raw body of one upstream search page.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) ([]byte, error)
}

// Extractor parses one fetched page. Implementations own the markup selectors so
// the rest of the pipeline never sees them.
type Extractor interface {
	Extract(body []byte) (PageResult, error)
}

// Classifier accepts or rejects a listing by its title.
type Classifier interface {
	Accept(title string) bool
}

// Deduplicator removes exact duplicates and groups near-duplicates for one entity.
type Deduplicator interface {
	Dedupe(records []Record, entity string) []Record
}

// Merger persists records for an entity key with merge-on-write semantics and
// returns the number of records stored for that key afterwards.
type Merger interface {
	Merge(ctx context.Context, entityKey string, records []Record) (int, error)
}

// Publisher pushes ingestion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Locker grants exclusive access to one entity key across processes.
// The returned func releases the lock.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// RetryPolicy decides whether and when a failed fetch is retried.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reports UTC wall time.
var SystemClock Clock = ClockFunc(func() time.Time { return time.Now().UTC() })

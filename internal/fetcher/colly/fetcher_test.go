package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThachTung/WebScraper/internal/crawler"
)

func newTestFetcher(t *testing.T, serverURL string, opts ...Option) *Fetcher {
	t.Helper()
	f := New(Config{UserAgent: "test-agent", Timeout: 2 * time.Second}, crawler.NewSearchEndpoint(serverURL), opts...)
	f.sleep = func(context.Context, time.Duration) error { return nil }
	t.Cleanup(f.Close)
	return f
}

func TestFetchBuildsSearchQuery(t *testing.T) {
	t.Parallel()

	var got url.Values
	var agent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query()
		agent = r.UserAgent()
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL)
	body, err := f.Fetch(context.Background(), crawler.FetchRequest{
		Entity: "Kevin Agudelo",
		Region: crawler.Region{Name: "domestic", Params: map[string]string{"LH_PrefLoc": "1"}},
		Page:   2,
	})
	require.NoError(t, err)
	assert.Equal(t, "<html>ok</html>", string(body))
	assert.Equal(t, "Kevin Agudelo", got.Get("_nkw"))
	assert.Equal(t, "2", got.Get("_pgn"))
	assert.Equal(t, "1", got.Get("LH_PrefLoc"))
	assert.Equal(t, "1", got.Get("LH_Sold"))
	assert.Equal(t, "test-agent", agent)
}

func TestFetchRetriesTransientStatus(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	var backoffs []time.Duration
	f := newTestFetcher(t, srv.URL)
	f.sleep = func(_ context.Context, d time.Duration) error {
		backoffs = append(backoffs, d)
		return nil
	}

	body, err := f.Fetch(context.Background(), crawler.FetchRequest{Entity: "x", Page: 1})
	require.NoError(t, err)
	assert.Equal(t, "recovered", string(body))
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, backoffs)
}

func TestFetchExhaustsRetries(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL)
	_, err := f.Fetch(context.Background(), crawler.FetchRequest{Entity: "x", Page: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, crawler.ErrRetriesExhausted)

	var statusErr *crawler.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	assert.Equal(t, int32(4), hits.Load(), "first attempt plus three retries")
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL)
	_, err := f.Fetch(context.Background(), crawler.FetchRequest{Entity: "x", Page: 1})
	require.Error(t, err)
	assert.NotErrorIs(t, err, crawler.ErrRetriesExhausted)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchRetriesConnectionFailures(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := srv.URL
	srv.Close()

	f := newTestFetcher(t, addr, WithRetryPolicy(crawler.NewExponentialRetryPolicy(crawler.WithMaxRetries(1))))
	_, err := f.Fetch(context.Background(), crawler.FetchRequest{Entity: "x", Page: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, crawler.ErrRetriesExhausted)
}

func TestFetchRetriesRequestTimeout(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			time.Sleep(300 * time.Millisecond)
		}
		_, _ = w.Write([]byte("late but fine"))
	}))
	defer srv.Close()

	f := New(Config{Timeout: 100 * time.Millisecond}, crawler.NewSearchEndpoint(srv.URL))
	f.sleep = func(context.Context, time.Duration) error { return nil }
	t.Cleanup(f.Close)

	body, err := f.Fetch(context.Background(), crawler.FetchRequest{Entity: "x", Page: 1})
	require.NoError(t, err)
	assert.Equal(t, "late but fine", string(body))
	assert.Equal(t, int32(2), hits.Load())
}

func TestFetchTimeoutsExhaustRetries(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte("too slow"))
	}))
	defer srv.Close()

	f := New(Config{Timeout: 50 * time.Millisecond}, crawler.NewSearchEndpoint(srv.URL),
		WithRetryPolicy(crawler.NewExponentialRetryPolicy(crawler.WithMaxRetries(1))))
	f.sleep = func(context.Context, time.Duration) error { return nil }
	t.Cleanup(f.Close)

	_, err := f.Fetch(context.Background(), crawler.FetchRequest{Entity: "x", Page: 1})
	require.ErrorIs(t, err, crawler.ErrRetriesExhausted)
	assert.Equal(t, int32(2), hits.Load())
}

func TestFetchStopsWhenCallerDeadlinePasses(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.Fetch(ctx, crawler.FetchRequest{Entity: "x", Page: 1})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, crawler.ErrRetriesExhausted)
	assert.LessOrEqual(t, hits.Load(), int32(1))
}

func TestFetchRejectsInvalidRequest(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(t, "http://127.0.0.1:1")
	_, err := f.Fetch(context.Background(), crawler.FetchRequest{Entity: " ", Page: 1})
	require.Error(t, err)
}

func TestFetchUsesPacer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	pacer := &countingPacer{}
	f := newTestFetcher(t, srv.URL, WithPacer(pacer))
	for page := 1; page <= 2; page++ {
		_, err := f.Fetch(context.Background(), crawler.FetchRequest{Entity: "x", Page: page})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), pacer.calls.Load())
}

func TestFetchPacerErrorStopsFetch(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(t, "http://127.0.0.1:1", WithPacer(&countingPacer{err: context.Canceled}))
	_, err := f.Fetch(context.Background(), crawler.FetchRequest{Entity: "x", Page: 1})
	require.ErrorIs(t, err, context.Canceled)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{}, crawler.NewSearchEndpoint(""))
	var body []byte
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, &body, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	assert.NotEmpty(t, collyReq.Headers.Get("Accept"))

	hooks.onResponse(&colly.Response{StatusCode: http.StatusOK, Body: []byte("body")})
	assert.Equal(t, "body", string(body))

	hooks.onError(&colly.Response{
		StatusCode: http.StatusGatewayTimeout,
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com/sch")},
	}, errors.New("Gateway Timeout"))
	var statusErr *crawler.StatusError
	require.ErrorAs(t, fetchErr, &statusErr)
	assert.True(t, statusErr.Transient())
	assert.Equal(t, "https://example.com/sch", statusErr.URL)

	hooks.onError(&colly.Response{}, errors.New("unexpected EOF"))
	var connErr *crawler.ConnectionError
	require.ErrorAs(t, fetchErr, &connErr)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type countingPacer struct {
	calls atomic.Int32
	err   error
}

func (p *countingPacer) Wait(context.Context) error {
	p.calls.Add(1)
	return p.err
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}

package fetcher

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shelfsync/pkg/types"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestProxyFetcherRewritesTargetIntoProxyQuery(t *testing.T) {
	var got url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query()
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	f, err := NewProxyFetcher(Options{ProxyBaseURL: srv.URL + "/", ProxyToken: "secret", ProxyFormat: "raw"})
	require.NoError(t, err)

	target := "https://www.goodreads.com/review/list/42?shelf=read&page=2"
	page, err := f.Fetch(context.Background(), types.FetchRequest{URL: mustURL(t, target)})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, page.StatusCode)
	require.Equal(t, "<html></html>", string(page.Body))
	require.Equal(t, "secret", got.Get("token"))
	require.Equal(t, target, got.Get("url"))
	require.Equal(t, "raw", got.Get("format"))
}

func TestProxyFetcherDecodesGzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		_, _ = gz.Write([]byte("compressed page"))
		_ = gz.Close()
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	// A custom transport keeps net/http from transparently decoding.
	f, err := NewProxyFetcher(Options{Transport: &http.Transport{DisableCompression: true}})
	require.NoError(t, err)

	page, err := f.Fetch(context.Background(), types.FetchRequest{URL: mustURL(t, srv.URL)})
	require.NoError(t, err)
	require.Equal(t, "compressed page", string(page.Body))
}

func TestProxyFetcherTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f, err := NewProxyFetcher(Options{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), types.FetchRequest{URL: mustURL(t, srv.URL)})
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Equal(t, 50*time.Millisecond, timeoutErr.Timeout)
}

func TestProxyFetcherNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	f, err := NewProxyFetcher(Options{Timeout: time.Second})
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), types.FetchRequest{URL: mustURL(t, addr)})
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
}

func TestProxyFetcherRejectsOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("x"), 64))
	}))
	defer srv.Close()

	f, err := NewProxyFetcher(Options{MaxBodyBytes: 16})
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), types.FetchRequest{URL: mustURL(t, srv.URL)})
	require.Error(t, err)
	require.Contains(t, err.Error(), "exceeds limit")
}

type scriptedFetcher struct {
	calls     atomic.Int32
	responses []func() (*types.Page, error)
}

func (s *scriptedFetcher) Fetch(ctx context.Context, req types.FetchRequest) (*types.Page, error) {
	n := int(s.calls.Add(1)) - 1
	if n >= len(s.responses) {
		n = len(s.responses) - 1
	}
	return s.responses[n]()
}

func page(status int, body string) func() (*types.Page, error) {
	return func() (*types.Page, error) {
		return &types.Page{StatusCode: status, Body: []byte(body)}, nil
	}
}

type recordingSleep struct {
	delays []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func TestFetchWithRetryEmptyBodyExhaustsAttempts(t *testing.T) {
	for _, attempts := range []int{1, 3, 4} {
		fake := &scriptedFetcher{responses: []func() (*types.Page, error){page(200, "")}}
		rec := &recordingSleep{}
		r := NewRetrier(fake, RetryOptions{MaxAttempts: attempts, Sleep: rec.sleep})

		_, err := r.FetchWithRetry(context.Background(), "https://example.com/list", nil)

		var exhausted *ExhaustedRetriesError
		require.ErrorAs(t, err, &exhausted)
		require.ErrorIs(t, err, ErrEmptyBody)
		require.Equal(t, attempts, exhausted.Attempts)
		require.Equal(t, int32(attempts), fake.calls.Load())

		require.Len(t, rec.delays, attempts-1)
		var total, want time.Duration
		for i, d := range rec.delays {
			require.Equal(t, time.Duration(1<<i)*2*time.Second, d)
			total += d
			want += time.Duration(1<<i) * 2000 * time.Millisecond
		}
		require.Equal(t, want, total)
	}
}

func TestFetchWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	fake := &scriptedFetcher{responses: []func() (*types.Page, error){
		page(503, "busy"),
		func() (*types.Page, error) { return nil, &NetworkError{URL: "x", Err: errors.New("reset")} },
		page(200, "<html>ok</html>"),
	}}
	rec := &recordingSleep{}
	r := NewRetrier(fake, RetryOptions{MaxAttempts: 3, Sleep: rec.sleep})

	body, err := r.FetchWithRetry(context.Background(), "https://example.com/list", nil)
	require.NoError(t, err)
	require.Equal(t, "<html>ok</html>", body)
	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, rec.delays)
}

func TestFetchWithRetryWrapsLastStatusError(t *testing.T) {
	fake := &scriptedFetcher{responses: []func() (*types.Page, error){page(500, "proxy overloaded")}}
	r := NewRetrier(fake, RetryOptions{MaxAttempts: 2, Sleep: (&recordingSleep{}).sleep})

	_, err := r.FetchWithRetry(context.Background(), "https://example.com/list", nil)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, 500, statusErr.StatusCode)
	require.Contains(t, err.Error(), "failed after 2 attempts")
}

func TestFetchWithRetryStopsOnCancellation(t *testing.T) {
	fake := &scriptedFetcher{responses: []func() (*types.Page, error){page(500, "")}}
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRetrier(fake, RetryOptions{MaxAttempts: 5, Sleep: func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}})

	_, err := r.FetchWithRetry(ctx, "https://example.com/list", nil)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, int32(1), fake.calls.Load())
}

func TestThrottleSpacesCalls(t *testing.T) {
	th := NewThrottle(20*time.Millisecond, RateLimiterSettings{})
	require.NotNil(t, th)

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, th.Wait(context.Background()))
	}
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	require.Nil(t, NewThrottle(0, RateLimiterSettings{}))
	var nilThrottle *Throttle
	require.NoError(t, nilThrottle.Wait(context.Background()))
}

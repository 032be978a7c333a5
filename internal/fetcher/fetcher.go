package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"shelfsync/pkg/types"
)

// Fetcher retrieves a single upstream page.
type Fetcher interface {
	Fetch(ctx context.Context, req types.FetchRequest) (*types.Page, error)
}

// Options controls HTTP fetching behaviour.
type Options struct {
	// ProxyBaseURL is the proxying fetch endpoint. When empty, targets are
	// requested directly.
	ProxyBaseURL string
	ProxyToken   string
	ProxyFormat  string
	UserAgent    string
	Headers      map[string]string
	Timeout      time.Duration
	MaxBodyBytes int64
	Transport    http.RoundTripper
}

// ProxyFetcher implements Fetcher by routing GETs through the proxy service.
type ProxyFetcher struct {
	client       *http.Client
	proxy        *url.URL
	token        string
	format       string
	userAgent    string
	extraHeaders map[string]string
	timeout      time.Duration
	maxBodyBytes int64
}

// NewProxyFetcher constructs a fetcher using the provided options.
func NewProxyFetcher(opts Options) (*ProxyFetcher, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 90 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 8 * 1024 * 1024
	}

	var proxy *url.URL
	if strings.TrimSpace(opts.ProxyBaseURL) != "" {
		parsed, err := url.Parse(opts.ProxyBaseURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		proxy = parsed
	}

	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
	}

	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}

	return &ProxyFetcher{
		// The per-request context carries the deadline; no client-wide timeout.
		client:       &http.Client{Transport: transport},
		proxy:        proxy,
		token:        opts.ProxyToken,
		format:       opts.ProxyFormat,
		userAgent:    opts.UserAgent,
		extraHeaders: headers,
		timeout:      opts.Timeout,
		maxBodyBytes: opts.MaxBodyBytes,
	}, nil
}

// Fetch performs one GET with a request-scoped deadline. It never retries.
func (f *ProxyFetcher) Fetch(ctx context.Context, req types.FetchRequest) (*types.Page, error) {
	if req.URL == nil {
		return nil, errors.New("request URL is nil")
	}
	timeout := f.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint(req.URL), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	if f.userAgent != "" {
		httpReq.Header.Set("User-Agent", f.userAgent)
	}
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")
	for k, v := range f.extraHeaders {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, classify(ctx, req.URL, timeout, err)
	}

	body, err := f.readBody(resp)
	if err != nil {
		return nil, classify(ctx, req.URL, timeout, err)
	}

	return &types.Page{
		URL:             req.URL,
		Body:            body,
		ContentType:     resp.Header.Get("Content-Type"),
		StatusCode:      resp.StatusCode,
		Headers:         resp.Header.Clone(),
		FetchedAt:       time.Now(),
		ResponseLatency: time.Since(start),
	}, nil
}

// endpoint rewrites target into the proxy's query form.
func (f *ProxyFetcher) endpoint(target *url.URL) string {
	if f.proxy == nil {
		return target.String()
	}
	u := *f.proxy
	q := u.Query()
	if f.token != "" {
		q.Set("token", f.token)
	}
	q.Set("url", target.String())
	if f.format != "" {
		q.Set("format", f.format)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (f *ProxyFetcher) readBody(resp *http.Response) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, errors.New("empty response body")
	}

	reader := io.Reader(resp.Body)
	closers := []io.Closer{resp.Body}

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		reader = gz
		closers = append(closers, gz)
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		reader = fl
		closers = append(closers, fl)
	}

	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	limited := io.LimitReader(reader, f.maxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, fmt.Errorf("response body exceeds limit of %d bytes", f.maxBodyBytes)
	}
	return body, nil
}

func classify(ctx context.Context, target *url.URL, timeout time.Duration, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{URL: target.String(), Timeout: timeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{URL: target.String(), Timeout: timeout, Err: err}
	}
	return &NetworkError{URL: target.String(), Err: err}
}

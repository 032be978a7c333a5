package types

import (
	"net/http"
	"net/url"
	"time"
)

// FetchRequest describes a single upstream page fetch.
type FetchRequest struct {
	URL     *url.URL
	Headers map[string]string
	// Timeout overrides the fetcher's default deadline when positive.
	Timeout time.Duration
}

// Page represents the fetched content.
type Page struct {
	URL             *url.URL
	Body            []byte
	ContentType     string
	StatusCode      int
	Headers         http.Header
	FetchedAt       time.Time
	Rendered        bool
	ResponseLatency time.Duration
}

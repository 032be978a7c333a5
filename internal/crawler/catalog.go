// Package crawler discovers a profile's shelves and walks each shelf page by
// page, turning list pages into book records.
package crawler

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// PageFetcher returns the body of a catalog page, retrying as it sees fit.
// *fetcher.Retrier satisfies it.
type PageFetcher interface {
	FetchWithRetry(ctx context.Context, target string, headers map[string]string) (string, error)
}

// Guard vets a target before it is fetched. *robots.Agent satisfies it.
type Guard interface {
	Allowed(ctx context.Context, target *url.URL) bool
}

// Catalog builds list-page URLs for the source catalog.
type Catalog struct {
	base *url.URL
}

// NewCatalog parses the catalog base URL.
func NewCatalog(baseURL string) (*Catalog, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse catalog url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("catalog url %q must be absolute", baseURL)
	}
	return &Catalog{base: u}, nil
}

// ShelfURL returns the list page of shelf for profileID. A page of 0 leaves
// out paging and ordering parameters, which is what the probe and shelf
// discovery requests use.
func (c *Catalog) ShelfURL(profileID, shelf string, perPage, page int) *url.URL {
	u := *c.base
	u.Path = c.base.Path + "/review/list/" + url.PathEscape(profileID)
	q := url.Values{}
	q.Set("shelf", shelf)
	q.Set("per_page", strconv.Itoa(perPage))
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
		q.Set("view", "table")
		q.Set("sort", "date_read")
		q.Set("order", "d")
	}
	u.RawQuery = q.Encode()
	return &u
}

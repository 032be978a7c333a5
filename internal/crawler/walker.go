package crawler

import (
	"context"
	"log/slog"

	"shelfsync/internal/extract"
	"shelfsync/pkg/types"
)

const (
	defaultPageSize = 100
	defaultMaxPages = 500
)

// PageFunc observes walk progress: records gathered so far on the shelf, the
// advertised shelf size (0 if unknown) and the page just processed.
type PageFunc func(fetched, total, page int)

// WalkerOptions configures a Walker.
type WalkerOptions struct {
	PageSize int
	// MaxPages caps a single shelf walk regardless of what the pages claim.
	MaxPages int
	Guard    Guard
	Logger   *slog.Logger
}

// Walker pages through one shelf at a time.
type Walker struct {
	fetch    PageFetcher
	catalog  *Catalog
	pageSize int
	maxPages int
	guard    Guard
	logger   *slog.Logger
}

// NewWalker wires a Walker.
func NewWalker(fetch PageFetcher, catalog *Catalog, opts WalkerOptions) *Walker {
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = defaultMaxPages
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Walker{
		fetch:    fetch,
		catalog:  catalog,
		pageSize: opts.PageSize,
		maxPages: opts.MaxPages,
		guard:    opts.Guard,
		logger:   opts.Logger,
	}
}

// WalkShelf collects every record on shelf, duplicates included, so their
// ratings and shelf labels reach the merge. Pagination stops on an empty page,
// on a page whose rows were all seen before, or when no next page is offered.
// On failure the records gathered so far are returned along with the error.
func (w *Walker) WalkShelf(ctx context.Context, profileID, shelf string, onPage PageFunc) ([]types.BookRecord, error) {
	logger := w.logger.With("profile_id", profileID, "shelf", shelf)
	total := w.probe(ctx, profileID, shelf, logger)

	var records []types.BookRecord
	seen := make(map[string]struct{})

	for page := 1; page <= w.maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return records, err
		}
		target := w.catalog.ShelfURL(profileID, shelf, w.pageSize, page)
		if w.guard != nil && !w.guard.Allowed(ctx, target) {
			return records, &DisallowedError{URL: target.String()}
		}

		body, err := w.fetch.FetchWithRetry(ctx, target.String(), nil)
		if err != nil {
			logger.Warn("page fetch failed", "page", page, "error", err)
			return records, err
		}

		found := extract.Extract(body)
		added := 0
		for _, rec := range found {
			rec.Shelves = types.ShelfSet(rec.Shelves, []string{shelf})
			records = append(records, rec)
			key := types.CanonicalKey(rec)
			if _, dup := seen[key]; !dup {
				seen[key] = struct{}{}
				added++
			}
		}
		logger.Debug("page walked", "page", page, "found", len(found), "new", added, "total_so_far", len(records))

		if onPage != nil {
			onPage(len(records), total, page)
		}

		if len(found) == 0 || added == 0 || !extract.HasNextPage(body) {
			break
		}
		if page == w.maxPages {
			logger.Warn("page cap reached", "max_pages", w.maxPages)
		}
	}
	return records, nil
}

// probe reads the advertised shelf size for progress reporting. Failures only
// cost the estimate.
func (w *Walker) probe(ctx context.Context, profileID, shelf string, logger *slog.Logger) int {
	target := w.catalog.ShelfURL(profileID, shelf, 1, 0)
	if w.guard != nil && !w.guard.Allowed(ctx, target) {
		return 0
	}
	body, err := w.fetch.FetchWithRetry(ctx, target.String(), nil)
	if err != nil {
		logger.Warn("shelf size probe failed", "error", err)
		return 0
	}
	return extract.ShelfCount(body)
}

package crawler

import (
	"context"
	"fmt"
	"log/slog"

	"shelfsync/internal/extract"
)

// Enumerator discovers the shelf labels of a profile.
type Enumerator struct {
	fetch   PageFetcher
	catalog *Catalog
	guard   Guard
	logger  *slog.Logger
}

// NewEnumerator wires an Enumerator. guard may be nil.
func NewEnumerator(fetch PageFetcher, catalog *Catalog, guard Guard, logger *slog.Logger) *Enumerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enumerator{fetch: fetch, catalog: catalog, guard: guard, logger: logger}
}

// ListShelves fetches the "all" shelf with a page size of one and reads every
// shelf label it advertises. A page with no shelves yields
// *NoShelvesFoundError.
func (e *Enumerator) ListShelves(ctx context.Context, profileID string) ([]string, error) {
	target := e.catalog.ShelfURL(profileID, "all", 1, 0)
	if e.guard != nil && !e.guard.Allowed(ctx, target) {
		return nil, &DisallowedError{URL: target.String()}
	}

	body, err := e.fetch.FetchWithRetry(ctx, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("list shelves for profile %s: %w", profileID, err)
	}

	shelves := extract.ParseShelves(body)
	if len(shelves) == 0 {
		return nil, &NoShelvesFoundError{ProfileID: profileID}
	}
	e.logger.Info("shelves discovered", "profile_id", profileID, "count", len(shelves), "shelves", shelves)
	return shelves, nil
}

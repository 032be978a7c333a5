// Package syncer runs one reading-history sync: shelf discovery, shelf walks,
// merge, persistence and the progress stream tying them together.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"shelfsync/internal/crawler"
	"shelfsync/internal/merge"
	"shelfsync/internal/quota"
	"shelfsync/internal/sessionstate"
	"shelfsync/internal/storage"
	"shelfsync/pkg/types"
)

// ErrSyncInProgress rejects a sync while another one runs for the same user.
var ErrSyncInProgress = errors.New("a sync is already in progress for this user")

// ErrCancelled ends a run whose context was cancelled.
var ErrCancelled = errors.New("sync cancelled")

// State is a step of the sync state machine.
type State string

const (
	StateIdle      State = "idle"
	StateEnumerate State = "enumerating_shelves"
	StateWalk      State = "walking_shelves"
	StateMerge     State = "merging"
	StatePersist   State = "persisting"
	StateComplete  State = "complete"
	StateFailed    State = "failed"
)

// ShelfLister discovers the shelves of a profile.
type ShelfLister interface {
	ListShelves(ctx context.Context, profileID string) ([]string, error)
}

// ShelfWalker collects the records of one shelf.
type ShelfWalker interface {
	WalkShelf(ctx context.Context, profileID, shelf string, onPage crawler.PageFunc) ([]types.BookRecord, error)
}

// BookStore persists merged books and reads a user's collection back.
type BookStore interface {
	Persist(ctx context.Context, userID, profileID string, books []types.MergedBook, onSaved storage.SavedFunc) (storage.PersistResult, error)
	Books(ctx context.Context, userID string) ([]types.StoredBook, error)
}

// Deps are the collaborators shared by every run.
type Deps struct {
	Shelves ShelfLister
	Walker  ShelfWalker
	Books   BookStore

	// Quota may be nil to skip the pre-flight check.
	Quota      quota.Checker
	QuotaClass string

	// Locker may be nil to allow overlapping syncs per user.
	Locker sessionstate.Locker
	Logger *slog.Logger
}

// Request identifies whose history to sync.
type Request struct {
	UserID    string `json:"user_id"`
	ProfileID string `json:"source_profile_id"`
}

// Outcome is what a completed run produced.
type Outcome struct {
	Books  []types.StoredBook
	Stats  types.ReadingStats
	Result types.SyncResult
}

// Orchestrator drives a single sync run. Create one per run.
type Orchestrator struct {
	deps   Deps
	logger *slog.Logger

	mu    sync.Mutex
	state State
	shelf int
}

// NewOrchestrator prepares a run over deps.
func NewOrchestrator(deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{deps: deps, logger: logger, state: StateIdle}
}

// State returns the current state and, while walking, the shelf index.
func (o *Orchestrator) State() (State, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state, o.shelf
}

func (o *Orchestrator) transition(next State, shelf int) {
	o.mu.Lock()
	prev := o.state
	o.state, o.shelf = next, shelf
	o.mu.Unlock()
	if next == StateWalk {
		o.logger.Debug("sync state changed", "from", prev, "to", next, "shelf_index", shelf)
		return
	}
	o.logger.Info("sync state changed", "from", prev, "to", next)
}

// Run executes the sync and reports through progress, which always ends with
// exactly one terminal event. The returned error is the one carried by a
// terminal error event.
func (o *Orchestrator) Run(ctx context.Context, req Request, progress *Progress) (*Outcome, error) {
	o.logger = o.logger.With("user_id", req.UserID, "profile_id", req.ProfileID)

	outcome, err := o.run(ctx, req, progress)
	if err != nil {
		o.transition(StateFailed, 0)
		o.logger.Warn("sync failed", "error", err)
		_ = progress.Emit(types.ProgressEvent{Error: errorMessage(err)})
		return outcome, err
	}
	return outcome, nil
}

func (o *Orchestrator) run(ctx context.Context, req Request, progress *Progress) (*Outcome, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.ProfileID = strings.TrimSpace(req.ProfileID)
	if req.UserID == "" || req.ProfileID == "" {
		return nil, errors.New("user id and source profile id are required")
	}

	if err := o.checkQuota(ctx, req.UserID); err != nil {
		return nil, err
	}

	if o.deps.Locker != nil {
		token, err := o.deps.Locker.TryLock(ctx, req.UserID)
		if errors.Is(err, sessionstate.ErrLocked) {
			return nil, ErrSyncInProgress
		}
		if err != nil {
			return nil, fmt.Errorf("acquire sync lock: %w", err)
		}
		defer func() {
			if err := o.deps.Locker.Unlock(context.WithoutCancel(ctx), req.UserID, token); err != nil {
				o.logger.Warn("release sync lock failed", "error", err)
			}
		}()
	}

	if o.deps.Quota != nil {
		if err := o.deps.Quota.IncrementUsage(ctx, req.UserID, o.deps.QuotaClass); err != nil {
			o.logger.Warn("record api usage failed", "error", err)
		}
	}

	o.transition(StateEnumerate, 0)
	_ = progress.Emit(types.ProgressEvent{Stage: types.StageFetching, Message: "Discovering shelves"})
	shelves, err := o.deps.Shelves.ListShelves(ctx, req.ProfileID)
	if err != nil {
		return nil, err
	}

	records, failedShelves, cancelled := o.walkShelves(ctx, req.ProfileID, shelves, progress)

	o.transition(StateMerge, 0)
	merged := merge.Merge(records)
	o.logger.Info("records merged", "records", len(records), "books", len(merged))

	o.transition(StatePersist, 0)
	persistCtx := ctx
	if cancelled {
		// What was gathered is still written before the run reports its
		// cancellation.
		persistCtx = context.WithoutCancel(ctx)
	}
	res, err := o.deps.Books.Persist(persistCtx, req.UserID, req.ProfileID, merged, func(current, total int, book types.MergedBook) {
		_ = progress.Emit(types.ProgressEvent{
			Stage:   types.StageSaving,
			Current: current,
			Total:   total,
			Message: fmt.Sprintf("Saving %q (%d of %d)", book.Title, current, total),
		})
	})
	if err != nil {
		o.logger.Warn("persist bookkeeping failed", "error", err)
	}

	result := types.SyncResult{
		Merged:        len(merged),
		Saved:         res.Saved,
		Failed:        res.Failed,
		Partial:       cancelled || len(failedShelves) > 0,
		FailedShelves: failedShelves,
	}
	if cancelled {
		return &Outcome{Result: result}, ErrCancelled
	}

	books, err := o.deps.Books.Books(ctx, req.UserID)
	if err != nil {
		return &Outcome{Result: result}, fmt.Errorf("calculate statistics: %w", err)
	}
	stats := storage.ComputeStats(books)

	o.transition(StateComplete, 0)
	_ = progress.Emit(types.ProgressEvent{
		Stage:   types.StageComplete,
		Current: len(merged),
		Total:   len(merged),
		Message: fmt.Sprintf("Successfully synced %d books", len(merged)),
		Books:   books,
		Stats:   &stats,
		Result:  &result,
	})
	o.logger.Info("sync complete", "merged", result.Merged, "saved", result.Saved, "failed", result.Failed, "partial", result.Partial)
	return &Outcome{Books: books, Stats: stats, Result: result}, nil
}

func (o *Orchestrator) checkQuota(ctx context.Context, userID string) error {
	if o.deps.Quota == nil {
		return nil
	}
	ok, err := o.deps.Quota.CheckLimit(ctx, userID, o.deps.QuotaClass)
	if err != nil {
		return fmt.Errorf("check api usage: %w", err)
	}
	if !ok {
		limit := 0
		if l, has := o.deps.Quota.(interface{ Limit() int }); has {
			limit = l.Limit()
		}
		return &quota.ExceededError{UserID: userID, Class: o.deps.QuotaClass, Limit: limit}
	}
	return nil
}

// walkShelves walks every shelf in order. A failing shelf keeps the records
// it produced before failing and is reported in failed.
func (o *Orchestrator) walkShelves(ctx context.Context, profileID string, shelves []string, progress *Progress) (records []types.BookRecord, failed []string, cancelled bool) {
	for i, shelf := range shelves {
		if ctx.Err() != nil {
			return records, failed, true
		}
		o.transition(StateWalk, i)
		_ = progress.Emit(types.ProgressEvent{
			Stage:   types.StageFetching,
			Current: i,
			Total:   len(shelves),
			Shelf:   shelf,
			Message: fmt.Sprintf("Fetching shelf %s (%d of %d)", shelf, i+1, len(shelves)),
		})

		got, err := o.deps.Walker.WalkShelf(ctx, profileID, shelf, func(fetched, total, page int) {
			_ = progress.Emit(types.ProgressEvent{
				Stage:   types.StageFetching,
				Current: fetched,
				Total:   total,
				Shelf:   shelf,
				Message: fmt.Sprintf("Fetched %d books from %s (page %d)", fetched, shelf, page),
			})
		})
		records = append(records, got...)
		if err != nil {
			if ctx.Err() != nil {
				return records, failed, true
			}
			o.logger.Warn("shelf walk failed", "shelf", shelf, "kept", len(got), "error", err)
			failed = append(failed, shelf)
		}
	}
	return records, failed, ctx.Err() != nil
}

func errorMessage(err error) string {
	var none *crawler.NoShelvesFoundError
	switch {
	case errors.As(err, &none):
		return fmt.Sprintf("No shelves found for profile %s: profile is not public or has no data", none.ProfileID)
	case errors.Is(err, context.Canceled):
		return ErrCancelled.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "sync timed out"
	}
	return err.Error()
}

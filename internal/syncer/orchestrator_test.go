package syncer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shelfsync/internal/crawler"
	"shelfsync/internal/quota"
	"shelfsync/internal/sessionstate"
	"shelfsync/internal/storage"
	"shelfsync/pkg/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type listerFunc func(ctx context.Context, profileID string) ([]string, error)

func (f listerFunc) ListShelves(ctx context.Context, profileID string) ([]string, error) {
	return f(ctx, profileID)
}

// shelfScript describes what one shelf walk yields: pages of records and an
// optional error after the last page.
type shelfScript struct {
	pages [][]types.BookRecord
	err   error
	// onPage runs after each page is reported.
	onPage func(page int)
}

type scriptedWalker struct {
	shelves map[string]shelfScript
	walked  []string
}

func (w *scriptedWalker) WalkShelf(ctx context.Context, _ string, shelf string, onPage crawler.PageFunc) ([]types.BookRecord, error) {
	w.walked = append(w.walked, shelf)
	script := w.shelves[shelf]
	var out []types.BookRecord
	for i, page := range script.pages {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		for _, rec := range page {
			rec.Shelves = types.ShelfSet(rec.Shelves, []string{shelf})
			out = append(out, rec)
		}
		onPage(len(out), 0, i+1)
		if script.onPage != nil {
			script.onPage(i + 1)
		}
	}
	return out, script.err
}

// countingBooks wraps a Persister and counts Persist calls.
type countingBooks struct {
	*storage.Persister
	persists int
}

func (c *countingBooks) Persist(ctx context.Context, userID, profileID string, books []types.MergedBook, onSaved storage.SavedFunc) (storage.PersistResult, error) {
	c.persists++
	return c.Persister.Persist(ctx, userID, profileID, books, onSaved)
}

func book(id string) types.BookRecord {
	return types.BookRecord{SourceID: id, Title: "Title " + id, Author: "Author " + id}
}

func page(ids ...string) []types.BookRecord {
	out := make([]types.BookRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, book(id))
	}
	return out
}

type harness struct {
	deps   Deps
	walker *scriptedWalker
	books  *countingBooks
	lists  int
}

func newHarness(shelves []string, scripts map[string]shelfScript) *harness {
	h := &harness{
		walker: &scriptedWalker{shelves: scripts},
		books:  &countingBooks{Persister: storage.NewPersister(storage.NewMemoryStore(), quietLogger())},
	}
	h.deps = Deps{
		Shelves: listerFunc(func(context.Context, string) ([]string, error) {
			h.lists++
			if len(shelves) == 0 {
				return nil, &crawler.NoShelvesFoundError{ProfileID: "p"}
			}
			return shelves, nil
		}),
		Walker:     h.walker,
		Books:      h.books,
		Quota:      quota.NewMemoryQuota(10),
		QuotaClass: "javascript",
		Locker:     sessionstate.NewMemoryLocker(time.Minute),
		Logger:     quietLogger(),
	}
	return h
}

func runAndCollect(t *testing.T, ctx context.Context, o *Orchestrator, req Request) (*Outcome, []types.ProgressEvent, error) {
	t.Helper()
	progress := NewProgress(1024)
	outcome, err := o.Run(ctx, req, progress)

	var events []types.ProgressEvent
	for ev := range progress.Events() {
		events = append(events, ev)
	}
	requireSingleTerminalLast(t, events)
	return outcome, events, err
}

func requireSingleTerminalLast(t *testing.T, events []types.ProgressEvent) {
	t.Helper()
	require.NotEmpty(t, events)
	for i, ev := range events {
		if i == len(events)-1 {
			require.True(t, ev.IsTerminal(), "last event must be terminal: %+v", ev)
			continue
		}
		require.False(t, ev.IsTerminal(), "event %d is terminal before the end: %+v", i, ev)
	}
}

var syncReq = Request{UserID: "user-1", ProfileID: "p"}

func TestRunCompletes(t *testing.T) {
	h := newHarness([]string{"read", "favorites"}, map[string]shelfScript{
		"read":      {pages: [][]types.BookRecord{page("1", "2"), page("3")}},
		"favorites": {pages: [][]types.BookRecord{page("2")}},
	})
	o := NewOrchestrator(h.deps)

	outcome, events, err := runAndCollect(t, context.Background(), o, syncReq)
	require.NoError(t, err)

	last := events[len(events)-1]
	require.Equal(t, types.StageComplete, last.Stage)
	require.Empty(t, last.Error)
	require.Len(t, last.Books, 3)
	require.NotNil(t, last.Stats)
	require.Equal(t, 3, last.Stats.TotalBooks)
	require.Equal(t, types.SyncResult{Merged: 3, Saved: 3}, *last.Result)

	var fetching, saving int
	for _, ev := range events[:len(events)-1] {
		switch ev.Stage {
		case types.StageFetching:
			fetching++
		case types.StageSaving:
			saving++
		}
	}
	// discovery + 2 shelf starts + 3 pages
	require.Equal(t, 6, fetching)
	require.Equal(t, 3, saving)

	state, _ := o.State()
	require.Equal(t, StateComplete, state)
	require.Equal(t, 3, outcome.Result.Merged)

	for _, b := range outcome.Books {
		if b.SourceID == "2" {
			require.Equal(t, []string{"favorites", "read"}, b.Shelves)
		}
	}
}

func TestRunWithNoShelvesFailsWithoutPersisting(t *testing.T) {
	h := newHarness(nil, nil)
	o := NewOrchestrator(h.deps)

	_, events, err := runAndCollect(t, context.Background(), o, syncReq)

	var none *crawler.NoShelvesFoundError
	require.ErrorAs(t, err, &none)
	require.Equal(t, "No shelves found for profile p: profile is not public or has no data", events[len(events)-1].Error)
	require.Contains(t, err.Error(), "no shelves found")
	require.Zero(t, h.books.persists)
	require.Empty(t, h.walker.walked)

	state, _ := o.State()
	require.Equal(t, StateFailed, state)
}

func TestRunKeepsPartialShelfAndContinues(t *testing.T) {
	h := newHarness([]string{"read", "to-read"}, map[string]shelfScript{
		// Third page fails after retries.
		"read":    {pages: [][]types.BookRecord{page("1", "2"), page("3", "4")}, err: errors.New("failed after 3 attempts")},
		"to-read": {pages: [][]types.BookRecord{page("5")}},
	})
	o := NewOrchestrator(h.deps)

	outcome, events, err := runAndCollect(t, context.Background(), o, syncReq)
	require.NoError(t, err)

	last := events[len(events)-1]
	require.Equal(t, types.StageComplete, last.Stage)
	require.Len(t, last.Books, 5)
	require.True(t, last.Result.Partial)
	require.Equal(t, []string{"read"}, last.Result.FailedShelves)
	require.Equal(t, []string{"read", "to-read"}, h.walker.walked)
	require.Equal(t, 5, outcome.Result.Saved)
}

func TestRunAllShelvesFailingIsAnEmptySync(t *testing.T) {
	boom := errors.New("proxy down")
	h := newHarness([]string{"read"}, map[string]shelfScript{"read": {err: boom}})

	_, events, err := runAndCollect(t, context.Background(), NewOrchestrator(h.deps), syncReq)
	require.NoError(t, err)
	last := events[len(events)-1]
	require.Equal(t, types.StageComplete, last.Stage)
	require.Zero(t, last.Result.Merged)
	require.Equal(t, 1, h.books.persists)
}

func TestRunRejectsOverQuota(t *testing.T) {
	h := newHarness([]string{"read"}, nil)
	q := quota.NewMemoryQuota(1)
	require.NoError(t, q.IncrementUsage(context.Background(), syncReq.UserID, "javascript"))
	h.deps.Quota = q

	_, events, err := runAndCollect(t, context.Background(), NewOrchestrator(h.deps), syncReq)

	var exceeded *quota.ExceededError
	require.ErrorAs(t, err, &exceeded)
	require.Equal(t, 1, exceeded.Limit)
	require.Len(t, events, 1)
	require.Contains(t, events[0].Error, "limit exceeded")
	require.Zero(t, h.lists)
}

func TestRunCountsUsageOncePerSync(t *testing.T) {
	h := newHarness([]string{"read"}, map[string]shelfScript{"read": {pages: [][]types.BookRecord{page("1")}}})
	q := quota.NewMemoryQuota(2)
	h.deps.Quota = q

	for i := 0; i < 2; i++ {
		_, _, err := runAndCollect(t, context.Background(), NewOrchestrator(h.deps), syncReq)
		require.NoError(t, err)
	}
	ok, err := q.CheckLimit(context.Background(), syncReq.UserID, "javascript")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRunRejectsConcurrentSyncForSameUser(t *testing.T) {
	h := newHarness([]string{"read"}, nil)
	token, err := h.deps.Locker.TryLock(context.Background(), syncReq.UserID)
	require.NoError(t, err)

	_, events, err := runAndCollect(t, context.Background(), NewOrchestrator(h.deps), syncReq)
	require.ErrorIs(t, err, ErrSyncInProgress)
	require.Len(t, events, 1)
	require.Zero(t, h.lists)

	require.NoError(t, h.deps.Locker.Unlock(context.Background(), syncReq.UserID, token))
	_, _, err = runAndCollect(t, context.Background(), NewOrchestrator(h.deps), syncReq)
	require.NoError(t, err)
}

func TestRunReleasesLockOnFailure(t *testing.T) {
	h := newHarness(nil, nil)
	_, _, err := runAndCollect(t, context.Background(), NewOrchestrator(h.deps), syncReq)
	require.Error(t, err)

	token, err := h.deps.Locker.TryLock(context.Background(), syncReq.UserID)
	require.NoError(t, err)
	require.NotEmpty(t, token)
}

func TestRunCancelledPersistsGatheredRecords(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness([]string{"read", "to-read"}, map[string]shelfScript{
		"read": {
			pages:  [][]types.BookRecord{page("1", "2"), page("3")},
			onPage: func(p int) {
				if p == 1 {
					cancel()
				}
			},
		},
		"to-read": {pages: [][]types.BookRecord{page("9")}},
	})

	_, events, err := runAndCollect(t, ctx, NewOrchestrator(h.deps), syncReq)
	require.ErrorIs(t, err, ErrCancelled)
	require.Equal(t, "sync cancelled", events[len(events)-1].Error)
	require.Equal(t, []string{"read"}, h.walker.walked)

	stored, err := h.books.Books(context.Background(), syncReq.UserID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
}

func TestRunValidatesRequest(t *testing.T) {
	h := newHarness([]string{"read"}, nil)
	_, events, err := runAndCollect(t, context.Background(), NewOrchestrator(h.deps), Request{UserID: " "})
	require.Error(t, err)
	require.Len(t, events, 1)
	require.Zero(t, h.lists)
}

func TestProgressRefusesEventsAfterTerminal(t *testing.T) {
	p := NewProgress(4)
	require.NoError(t, p.Emit(types.ProgressEvent{Stage: types.StageFetching}))
	require.NoError(t, p.Emit(types.ProgressEvent{Error: "boom"}))
	require.ErrorIs(t, p.Emit(types.ProgressEvent{Stage: types.StageComplete}), ErrProgressClosed)
	require.True(t, p.Terminated())

	var got []types.ProgressEvent
	for ev := range p.Events() {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
}

func TestProgressAbandonUnblocksWriter(t *testing.T) {
	p := NewProgress(0)
	done := make(chan error, 1)
	go func() {
		for i := 0; i < 3; i++ {
			if err := p.Emit(types.ProgressEvent{Stage: types.StageFetching, Current: i}); err != nil {
				done <- err
				return
			}
		}
		done <- p.Emit(types.ProgressEvent{Stage: types.StageComplete})
	}()

	first := <-p.Events()
	require.Equal(t, 0, first.Current)
	p.Abandon()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("writer still blocked after abandon")
	}
}

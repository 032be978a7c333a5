package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"shelfsync/pkg/types"
)

// PersistenceRowError reports one book that could not be written. It never
// aborts the rest of the batch.
type PersistenceRowError struct {
	Key   string
	Title string
	Err   error
}

func (e *PersistenceRowError) Error() string {
	return fmt.Sprintf("persist %q (%s): %v", e.Title, e.Key, e.Err)
}

func (e *PersistenceRowError) Unwrap() error { return e.Err }

// SavedFunc observes persistence progress after each book, whether or not
// the write succeeded.
type SavedFunc func(current, total int, book types.MergedBook)

// PersistResult summarises a Persist call.
type PersistResult struct {
	Saved    int
	Failed   int
	Rows     []types.StoredBook
	Failures []*PersistenceRowError
}

// Persister writes merged books for a user and reads them back.
type Persister struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

// NewPersister wires a Persister over store.
func NewPersister(store Store, logger *slog.Logger) *Persister {
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{store: store, now: time.Now, logger: logger}
}

// Persist upserts every book keyed by (userID, canonical key). Existing rows
// keep their id and created_at. Row failures are collected in the result;
// the returned error only reports a failure to record the sync on the
// user's profile.
func (p *Persister) Persist(ctx context.Context, userID, profileID string, books []types.MergedBook, onSaved SavedFunc) (PersistResult, error) {
	var res PersistResult
	for i, book := range books {
		stored, err := p.persistOne(ctx, userID, profileID, book)
		if err != nil {
			rowErr := &PersistenceRowError{Key: book.Key, Title: book.Title, Err: err}
			p.logger.Warn("book not persisted", "user_id", userID, "key", book.Key, "error", err)
			res.Failed++
			res.Failures = append(res.Failures, rowErr)
		} else {
			res.Saved++
			res.Rows = append(res.Rows, stored)
		}
		if onSaved != nil {
			onSaved(i+1, len(books), book)
		}
	}

	err := p.store.Upsert(ctx, TableProfiles, Filter{"user_id": userID}, Row{
		"source_profile_id": profileID,
		"last_sync":         p.now().UTC(),
	})
	if err != nil {
		return res, fmt.Errorf("record last sync: %w", err)
	}
	return res, nil
}

func (p *Persister) persistOne(ctx context.Context, userID, profileID string, book types.MergedBook) (types.StoredBook, error) {
	key := Filter{"user_id": userID, "canonical_key": book.Key}
	existing, err := p.store.Query(ctx, TableBooks, key)
	if err != nil {
		return types.StoredBook{}, fmt.Errorf("lookup: %w", err)
	}

	now := p.now().UTC()
	stored := types.StoredBook{
		MergedBook: book,
		ID:         BookID(userID, book.Key),
		UserID:     userID,
		ProfileID:  profileID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if len(existing) > 0 {
		prev := rowToBook(existing[0])
		if prev.ID != "" {
			stored.ID = prev.ID
		}
		if !prev.CreatedAt.IsZero() {
			stored.CreatedAt = prev.CreatedAt
		}
	}

	row, err := bookToRow(stored)
	if err != nil {
		return types.StoredBook{}, err
	}
	if err := p.store.Upsert(ctx, TableBooks, key, row); err != nil {
		return types.StoredBook{}, err
	}
	return stored, nil
}

// Books returns every stored book of a user, most recently updated first.
func (p *Persister) Books(ctx context.Context, userID string) ([]types.StoredBook, error) {
	rows, err := p.store.Query(ctx, TableBooks, Filter{"user_id": userID})
	if err != nil {
		return nil, fmt.Errorf("load books: %w", err)
	}
	books := make([]types.StoredBook, 0, len(rows))
	for _, r := range rows {
		books = append(books, rowToBook(r))
	}
	sort.SliceStable(books, func(i, j int) bool {
		return books[i].UpdatedAt.After(books[j].UpdatedAt)
	})
	return books, nil
}

// Cleanup removes every book and the profile record of a user.
func (p *Persister) Cleanup(ctx context.Context, userID string) (int64, error) {
	n, err := p.store.Delete(ctx, TableBooks, Filter{"user_id": userID})
	if err != nil {
		return 0, fmt.Errorf("delete books: %w", err)
	}
	if _, err := p.store.Delete(ctx, TableProfiles, Filter{"user_id": userID}); err != nil {
		return n, fmt.Errorf("reset profile: %w", err)
	}
	p.logger.Info("user data removed", "user_id", userID, "books", n)
	return n, nil
}

// LastSync reports when the user's last sync was recorded.
func (p *Persister) LastSync(ctx context.Context, userID string) (time.Time, bool, error) {
	rows, err := p.store.Query(ctx, TableProfiles, Filter{"user_id": userID})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("load profile: %w", err)
	}
	if len(rows) == 0 {
		return time.Time{}, false, nil
	}
	t, ok := asTime(rows[0]["last_sync"])
	return t, ok, nil
}

func bookToRow(b types.StoredBook) (Row, error) {
	shelves := b.Shelves
	if shelves == nil {
		shelves = []string{}
	}
	encoded, err := json.Marshal(shelves)
	if err != nil {
		return nil, fmt.Errorf("encode shelves: %w", err)
	}
	var dateRead any
	if b.DateRead != nil {
		dateRead = b.DateRead.UTC()
	}
	return Row{
		"id":                b.ID,
		"source_profile_id": b.ProfileID,
		"source_id":         b.SourceID,
		"title":             b.Title,
		"author":            b.Author,
		"isbn":              b.ISBN,
		"rating":            b.Rating,
		"date_read":         dateRead,
		"date_read_raw":     b.DateReadRaw,
		"review":            b.Review,
		"cover_url":         b.CoverURL,
		"page_count":        b.PageCount,
		"shelves":           string(encoded),
		"format":            b.Format,
		"publisher":         b.Publisher,
		"published_date":    b.PublishedDate,
		"created_at":        b.CreatedAt,
		"updated_at":        b.UpdatedAt,
	}, nil
}

func rowToBook(r Row) types.StoredBook {
	var b types.StoredBook
	b.ID = asString(r["id"])
	b.UserID = asString(r["user_id"])
	b.ProfileID = asString(r["source_profile_id"])
	b.Key = asString(r["canonical_key"])
	b.SourceID = asString(r["source_id"])
	b.Title = asString(r["title"])
	b.Author = asString(r["author"])
	b.ISBN = asString(r["isbn"])
	b.Rating = asInt(r["rating"])
	if t, ok := asTime(r["date_read"]); ok {
		b.DateRead = &t
	}
	b.DateReadRaw = asString(r["date_read_raw"])
	b.Review = asString(r["review"])
	b.CoverURL = asString(r["cover_url"])
	b.PageCount = asInt(r["page_count"])
	b.Format = asString(r["format"])
	b.Publisher = asString(r["publisher"])
	b.PublishedDate = asString(r["published_date"])
	b.CreatedAt, _ = asTime(r["created_at"])
	b.UpdatedAt, _ = asTime(r["updated_at"])

	b.Shelves = []string{}
	if raw := asString(r["shelves"]); raw != "" {
		var shelves []string
		if err := json.Unmarshal([]byte(raw), &shelves); err == nil {
			b.Shelves = types.ShelfSet(shelves)
		}
	}
	return b
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

func asInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int32:
		return int(t)
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(t)
		return n
	case []byte:
		n, _ := strconv.Atoi(string(t))
		return n
	}
	return 0
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return time.Time{}, false
		}
		return t.UTC(), true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return t.UTC(), true
	case string:
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

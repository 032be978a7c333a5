package types

import (
	"sort"
	"strings"
	"time"
)

// BookRecord is one entry extracted from a catalog page.
type BookRecord struct {
	SourceID      string     `json:"source_id,omitempty"`
	Title         string     `json:"title"`
	Author        string     `json:"author"`
	ISBN          string     `json:"isbn,omitempty"`
	Rating        int        `json:"rating"`
	DateRead      *time.Time `json:"date_read,omitempty"`
	DateReadRaw   string     `json:"date_read_raw,omitempty"`
	Review        string     `json:"review,omitempty"`
	CoverURL      string     `json:"cover_url,omitempty"`
	PageCount     int        `json:"page_count"`
	Shelves       []string   `json:"shelves"`
	Format        string     `json:"format,omitempty"`
	Publisher     string     `json:"publisher,omitempty"`
	PublishedDate string     `json:"published_date,omitempty"`
}

// MergedBook is a record reconciled across every shelf and page it was seen on.
type MergedBook struct {
	BookRecord
	Key string `json:"canonical_key"`
}

// StoredBook is a merged book as persisted for a user.
type StoredBook struct {
	MergedBook
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ProfileID string    `json:"source_profile_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const (
	keyPrefixID    = "id:"
	keyPrefixISBN  = "isbn:"
	keyPrefixTitle = "ta:"
)

// CanonicalKey returns the deduplication identity of a record: the source id,
// else the ISBN, else the normalised title/author pair.
func CanonicalKey(r BookRecord) string {
	if id := strings.TrimSpace(r.SourceID); id != "" {
		return keyPrefixID + id
	}
	if isbn := strings.TrimSpace(r.ISBN); isbn != "" {
		return keyPrefixISBN + isbn
	}
	return TitleAuthorKey(r)
}

// TitleAuthorKey returns the title/author form of the canonical key regardless
// of whether the record carries a stronger identifier.
func TitleAuthorKey(r BookRecord) string {
	return keyPrefixTitle + normalise(r.Title) + "|" + normalise(r.Author)
}

// IsTitleAuthorKey reports whether key is a title/author fallback key.
func IsTitleAuthorKey(key string) bool {
	return strings.HasPrefix(key, keyPrefixTitle)
}

func normalise(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ShelfSet returns the sorted, de-duplicated union of the given shelf lists.
// Labels are trimmed and empty labels dropped.
func ShelfSet(lists ...[]string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, list := range lists {
		for _, shelf := range list {
			shelf = strings.TrimSpace(shelf)
			if shelf == "" {
				continue
			}
			if _, ok := seen[shelf]; ok {
				continue
			}
			seen[shelf] = struct{}{}
			out = append(out, shelf)
		}
	}
	sort.Strings(out)
	return out
}

// HasShelf reports whether the record is tagged with shelf.
func (r BookRecord) HasShelf(shelf string) bool {
	for _, s := range r.Shelves {
		if s == shelf {
			return true
		}
	}
	return false
}

package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shelfsync/pkg/types"
)

func date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestMergeUnionsShelvesAndPrefersRichestValues(t *testing.T) {
	records := []types.BookRecord{
		{SourceID: "1", Title: "Emma", Author: "Jane Austen", Rating: 0, Shelves: []string{"read"},
			DateRead: date(2020, 1, 1), Review: "Good."},
		{SourceID: "1", Title: "Emma (Annotated)", Author: "J. Austen", Rating: 4, Shelves: []string{"favorites", "read"},
			DateRead: date(2022, 5, 3), Review: "Good. Better on a second read."},
		{SourceID: "1", Title: "Emma", Author: "Jane Austen", Rating: 2, Shelves: []string{"classics"},
			DateRead: date(2021, 7, 9)},
	}

	merged := Merge(records)
	require.Len(t, merged, 1)
	book := merged[0]

	require.Equal(t, "id:1", book.Key)
	require.Equal(t, []string{"classics", "favorites", "read"}, book.Shelves)
	require.Equal(t, 4, book.Rating)
	require.Equal(t, date(2022, 5, 3), book.DateRead)
	require.Equal(t, "Good. Better on a second read.", book.Review)
	require.Equal(t, "Emma", book.Title)
	require.Equal(t, "Jane Austen", book.Author)
}

func TestMergeRatingZeroNeverSuppresses(t *testing.T) {
	merged := Merge([]types.BookRecord{
		{ISBN: "9780141439587", Title: "Emma", Author: "Jane Austen", Rating: 4},
		{ISBN: "9780141439587", Title: "Emma", Author: "Jane Austen", Rating: 0},
	})
	require.Len(t, merged, 1)
	require.Equal(t, 4, merged[0].Rating)
}

func TestMergeKeyPrecedence(t *testing.T) {
	merged := Merge([]types.BookRecord{
		{SourceID: "9", ISBN: "111", Title: "A", Author: "X"},
		{ISBN: "111", Title: "A", Author: "X"},
		{Title: " Dune ", Author: "Frank Herbert"},
		{Title: "dune", Author: "FRANK HERBERT "},
	})

	keys := make([]string, 0, len(merged))
	for _, b := range merged {
		keys = append(keys, b.Key)
	}
	// The isbn-only row for "A" keeps its own group: it is not a title/author
	// key, so nothing folds it into id:9.
	require.Equal(t, []string{"id:9", "isbn:111", "ta:dune|frank herbert"}, keys)
}

func TestMergeFoldsTitleAuthorIntoStrongerIdentity(t *testing.T) {
	merged := Merge([]types.BookRecord{
		{Title: "Dune", Author: "Frank Herbert", Shelves: []string{"to-read"}, Rating: 3},
		{SourceID: "77", Title: "Dune", Author: "Frank Herbert", Shelves: []string{"read"}, PageCount: 412},
		{Title: "Emma", Author: "Jane Austen", Shelves: []string{"read"}},
	})

	require.Len(t, merged, 2)
	require.Equal(t, "id:77", merged[0].Key)
	require.Equal(t, []string{"read", "to-read"}, merged[0].Shelves)
	require.Equal(t, 3, merged[0].Rating)
	require.Equal(t, 412, merged[0].PageCount)
	require.Equal(t, "ta:emma|jane austen", merged[1].Key)
}

func TestMergeFoldKeepsFirstSeenScalarsAndPosition(t *testing.T) {
	merged := Merge([]types.BookRecord{
		{Title: "Dune", Author: "Frank Herbert", Format: "Paperback", Shelves: []string{"to-read"}},
		{SourceID: "9", Title: "Emma", Author: "Jane Austen"},
		{SourceID: "77", Title: "Dune", Author: "Frank Herbert", Format: "Hardcover", Publisher: "Ace", Rating: 5, Shelves: []string{"read"}},
	})

	require.Len(t, merged, 2)
	require.Equal(t, "id:77", merged[0].Key)
	require.Equal(t, "77", merged[0].SourceID)
	require.Equal(t, "Paperback", merged[0].Format)
	require.Equal(t, "Ace", merged[0].Publisher)
	require.Equal(t, 5, merged[0].Rating)
	require.Equal(t, []string{"read", "to-read"}, merged[0].Shelves)
	require.Equal(t, "id:9", merged[1].Key)
}

func TestMergeFillsEmptyScalarsOnly(t *testing.T) {
	merged := Merge([]types.BookRecord{
		{SourceID: "5", Title: "T", Author: "A", Format: "Paperback"},
		{SourceID: "5", Title: "T", Author: "A", Format: "Hardcover", Publisher: "Penguin", CoverURL: "c.jpg", PageCount: 300},
	})
	require.Len(t, merged, 1)
	require.Equal(t, "Paperback", merged[0].Format)
	require.Equal(t, "Penguin", merged[0].Publisher)
	require.Equal(t, "c.jpg", merged[0].CoverURL)
	require.Equal(t, 300, merged[0].PageCount)
}

func TestMergeKeepsFirstSeenOrderAndEmptyInput(t *testing.T) {
	require.Empty(t, Merge(nil))

	merged := Merge([]types.BookRecord{
		{SourceID: "3", Title: "C", Author: "Z"},
		{SourceID: "1", Title: "A", Author: "Z"},
		{SourceID: "3", Title: "C", Author: "Z"},
		{SourceID: "2", Title: "B", Author: "Z"},
	})
	require.Equal(t, "id:3", merged[0].Key)
	require.Equal(t, "id:1", merged[1].Key)
	require.Equal(t, "id:2", merged[2].Key)
	require.Equal(t, []string{}, merged[0].Shelves)
}

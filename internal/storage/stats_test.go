package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"shelfsync/pkg/types"
)

func stored(title, author string, rating int, shelves ...string) types.StoredBook {
	var b types.StoredBook
	b.Title = title
	b.Author = author
	b.Rating = rating
	b.Shelves = shelves
	return b
}

func TestComputeStats(t *testing.T) {
	books := []types.StoredBook{
		stored("Emma", "Jane Austen", 4, "read", "favorites"),
		stored("Persuasion", "Jane Austen", 5, "read"),
		stored("Dune", "Frank Herbert", 0, "to-read"),
		stored("Ulysses", "James Joyce", 3, "currently-reading"),
		stored("Hyperion", "Dan Simmons", 0, "want-to-read"),
	}
	books[0].Format = "Paperback"
	books[1].Format = " Paperback "
	books[0].Publisher = "Penguin"
	books[1].Publisher = "Penguin"
	books[2].Publisher = "Ace"

	stats := ComputeStats(books)

	require.Equal(t, 5, stats.TotalBooks)
	require.Equal(t, 5, stats.TotalShelves)
	require.Equal(t, 4.0, stats.AverageRating)
	require.Equal(t, types.ShelfCount{Shelf: "read", Count: 2}, stats.BooksPerShelf[0])
	require.Equal(t, types.ReadingProgress{Total: 5, Read: 2, Reading: 1, ToRead: 2, ReadingRate: 40}, stats.ReadingProgress)
	require.Equal(t, map[int]int{1: 0, 2: 0, 3: 1, 4: 1, 5: 1}, stats.RatingDistribution)
	require.Equal(t, map[string]int{"Paperback": 2}, stats.FormatDistribution)

	require.Equal(t, "Jane Austen", stats.TopAuthors[0].Author)
	require.Equal(t, 2, stats.TopAuthors[0].Count)
	require.Equal(t, 4.5, stats.TopAuthors[0].AverageRating)
	require.Equal(t, []string{"Emma", "Persuasion"}, stats.TopAuthors[0].Titles)
	require.Equal(t, "James Joyce", stats.TopAuthors[1].Author)

	require.Equal(t, []types.PublisherStat{
		{Name: "Penguin", Count: 2, Titles: []string{"Emma", "Persuasion"}},
		{Name: "Ace", Count: 1, Titles: []string{"Dune"}},
	}, stats.TopPublishers)
}

func TestComputeStatsEmptyAndRounding(t *testing.T) {
	empty := ComputeStats(nil)
	require.Zero(t, empty.TotalBooks)
	require.Zero(t, empty.AverageRating)
	require.Zero(t, empty.ReadingProgress.ReadingRate)
	require.Empty(t, empty.TopAuthors)

	stats := ComputeStats([]types.StoredBook{
		stored("A", "X", 5, "read"),
		stored("B", "Y", 4, "read"),
		stored("C", "Z", 4, "to-read"),
	})
	require.Equal(t, 4.33, stats.AverageRating)
	require.Equal(t, 66.7, stats.ReadingProgress.ReadingRate)
}

func TestComputeStatsCapsTopLists(t *testing.T) {
	var books []types.StoredBook
	for i := 0; i < 15; i++ {
		b := stored(string(rune('A'+i)), string(rune('a'+i)), 0)
		b.Publisher = string(rune('a' + i))
		books = append(books, b)
	}
	stats := ComputeStats(books)
	require.Len(t, stats.TopAuthors, 10)
	require.Len(t, stats.TopPublishers, 10)
	require.Equal(t, "a", stats.TopAuthors[0].Author)
}

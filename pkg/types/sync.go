package types

// Stage identifies the phase a progress event belongs to.
type Stage string

const (
	StageFetching Stage = "fetching"
	StageSaving   Stage = "saving"
	StageComplete Stage = "complete"
)

// ProgressEvent is one message on a sync run's progress stream. An event is
// either a stage update or, when Error is set, a terminal error.
type ProgressEvent struct {
	Stage   Stage  `json:"stage,omitempty"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message,omitempty"`
	Shelf   string `json:"shelf,omitempty"`
	Error   string `json:"error,omitempty"`

	// Set on the complete event only.
	Books  []StoredBook  `json:"books,omitempty"`
	Stats  *ReadingStats `json:"stats,omitempty"`
	Result *SyncResult   `json:"result,omitempty"`
}

// IsTerminal reports whether no further event may follow this one.
func (e ProgressEvent) IsTerminal() bool {
	return e.Error != "" || e.Stage == StageComplete
}

// SyncResult summarises a finished run.
type SyncResult struct {
	Merged        int      `json:"merged"`
	Saved         int      `json:"saved"`
	Failed        int      `json:"failed"`
	Partial       bool     `json:"partial"`
	FailedShelves []string `json:"failed_shelves,omitempty"`
}

// ReadingStats aggregates a user's full persisted collection.
type ReadingStats struct {
	TotalBooks         int             `json:"total_books"`
	TotalShelves       int             `json:"total_shelves"`
	AverageRating      float64         `json:"average_rating"`
	BooksPerShelf      []ShelfCount    `json:"books_per_shelf"`
	ReadingProgress    ReadingProgress `json:"reading_progress"`
	TopAuthors         []AuthorStat    `json:"top_authors"`
	RatingDistribution map[int]int     `json:"rating_distribution"`
	FormatDistribution map[string]int  `json:"format_distribution"`
	TopPublishers      []PublisherStat `json:"top_publishers"`
}

// ShelfCount is the number of books on one shelf.
type ShelfCount struct {
	Shelf string `json:"shelf"`
	Count int    `json:"count"`
}

// ReadingProgress counts books by reading status.
type ReadingProgress struct {
	Total       int     `json:"total"`
	Read        int     `json:"read"`
	Reading     int     `json:"reading"`
	ToRead      int     `json:"to_read"`
	ReadingRate float64 `json:"reading_rate"`
}

// AuthorStat aggregates books by one author.
type AuthorStat struct {
	Author        string   `json:"author"`
	Count         int      `json:"count"`
	AverageRating float64  `json:"average_rating"`
	Titles        []string `json:"titles"`
}

// PublisherStat aggregates books by one publisher.
type PublisherStat struct {
	Name   string   `json:"name"`
	Count  int      `json:"count"`
	Titles []string `json:"titles"`
}

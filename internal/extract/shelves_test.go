package extract

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseShelvesUnionsStrategies(t *testing.T) {
	html := `<html><body>
	<select id="paginatedShelfList"><option value="read">read</option><option value="to-read">to-read</option></select>
	<div id="shelvesSection">
	  <div class="userShelf" data-shelf="favorites"><a href="/review/list/1?shelf=favorites">favorites (3)</a></div>
	  <div class="userShelf"><a href="/review/list/1?shelf=currently-reading">currently-reading (1)</a></div>
	  <a href="/review/list/1?shelf=read">read (10)</a>
	</div>
	<span class="selectedShelf" data-shelf="All">All (14)</span>
	</body></html>`

	require.Equal(t,
		[]string{"read", "to-read", "favorites", "currently-reading", "all"},
		ParseShelves(html),
	)
}

func TestParseShelvesFallsBackToCurrentShelf(t *testing.T) {
	html := `<h1><span class="selectedShelf">To-Read (42)</span></h1>`
	require.Equal(t, []string{"to-read"}, ParseShelves(html))
}

func TestParseShelvesEmpty(t *testing.T) {
	require.Empty(t, ParseShelves(`<html><body><p>This profile is private.</p></body></html>`))
}

func TestShelfCount(t *testing.T) {
	require.Equal(t, 1234, ShelfCount(`<span class="selectedShelf">read (1,234)</span>`))
	require.Equal(t, 7, ShelfCount(`<span class="selectedBookShelf">to-read (7 books)</span>`))
	require.Equal(t, 0, ShelfCount(`<span class="selectedShelf">read</span>`))
}

func TestHasNextPage(t *testing.T) {
	require.True(t, HasNextPage(`<div><a class="next_page" rel="next" href="?page=2">next »</a></div>`))
	require.False(t, HasNextPage(`<div><span class="next_page disabled">next »</span></div>`))
	require.False(t, HasNextPage(`<div>no pagination</div>`))
	require.True(t, HasNextPage(`<div><a rel="next" href="?page=3">›</a></div>`))
}

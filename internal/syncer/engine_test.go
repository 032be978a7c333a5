package syncer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shelfsync/internal/config"
	"shelfsync/internal/storage"
	"shelfsync/pkg/types"
)

// catalogSite serves list pages for a profile with a "read" and a "to-read"
// shelf, and robots.txt when robots is set.
type catalogSite struct {
	books  map[string][]string
	robots string
}

func row(id, title, author string) string {
	return fmt.Sprintf(`<tr id="review_%s" class="bookalike review">
  <td class="field title"><div class="value"><a title="%s" href="/book/show/%s">%s</a></div></td>
  <td class="field author"><div class="value"><a href="/author/show/1">%s</a></div></td>
</tr>`, id, title, id, title, author)
}

func (s catalogSite) Fetch(_ context.Context, req types.FetchRequest) (*types.Page, error) {
	if req.URL.Path == "/robots.txt" {
		if s.robots == "" {
			return &types.Page{URL: req.URL, StatusCode: 404}, nil
		}
		return &types.Page{URL: req.URL, StatusCode: 200, Body: []byte(s.robots)}, nil
	}
	q := req.URL.Query()
	shelf := q.Get("shelf")
	page, _ := strconv.Atoi(q.Get("page"))

	var body string
	switch {
	case shelf == "all":
		body = `<select id="paginatedShelfList"><option value="read">read</option><option value="to-read">to-read</option></select>`
	case page == 0:
		body = fmt.Sprintf(`<a class="selectedShelf">%s (%d)</a>`, shelf, len(s.books[shelf]))
	default:
		var rows []string
		for _, id := range s.books[shelf] {
			rows = append(rows, row(id, "Book "+id, "Author "+id))
		}
		body = `<table><tbody id="booksBody">` + strings.Join(rows, "\n") + `</tbody></table>`
	}
	return &types.Page{URL: req.URL, StatusCode: 200, Body: []byte(body), FetchedAt: time.Now()}, nil
}

func TestEngineRunsSyncEndToEnd(t *testing.T) {
	cfg := config.Default()
	site := catalogSite{books: map[string][]string{
		"read":    {"1", "2"},
		"to-read": {"2", "3"},
	}}
	store := storage.NewMemoryStore()

	engine, err := NewEngine(cfg, quietLogger(), WithFetcher(site), WithStore(store))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, engine.Close()) })

	outcome, _, err := runAndCollect(t, context.Background(), engine.NewOrchestrator(), syncReq)
	require.NoError(t, err)
	require.Equal(t, 3, outcome.Result.Merged)
	require.False(t, outcome.Result.Partial)

	books, err := engine.Persister().Books(context.Background(), syncReq.UserID)
	require.NoError(t, err)
	require.Len(t, books, 3)
	for _, b := range books {
		if b.SourceID == "2" {
			require.Equal(t, []string{"read", "to-read"}, b.Shelves)
		}
	}

	usage, err := store.Query(context.Background(), storage.TableAPIUsage, storage.Filter{"user_id": syncReq.UserID})
	require.NoError(t, err)
	require.Len(t, usage, 1)
}

func TestEngineGuardsShelvesWithRobots(t *testing.T) {
	cfg := config.Default()
	cfg.Robots.Respect = true
	site := catalogSite{
		books: map[string][]string{
			"read":    {"1", "2"},
			"to-read": {"3"},
		},
		robots: "User-agent: *\nDisallow: /*shelf=to-read\n",
	}

	engine, err := NewEngine(cfg, quietLogger(), WithFetcher(site), WithStore(storage.NewMemoryStore()))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, engine.Close()) })

	outcome, _, err := runAndCollect(t, context.Background(), engine.NewOrchestrator(), syncReq)
	require.NoError(t, err)
	require.Equal(t, 2, outcome.Result.Merged)
	require.True(t, outcome.Result.Partial)
	require.Equal(t, []string{"to-read"}, outcome.Result.FailedShelves)
}

func TestEngineRejectsUnknownFetchEngine(t *testing.T) {
	cfg := config.Default()
	cfg.Fetch.Engine = "telnet"
	_, err := NewEngine(cfg, quietLogger())
	require.Error(t, err)
}

func TestEngineCloseIsIdempotent(t *testing.T) {
	engine, err := NewEngine(config.Default(), quietLogger(), WithFetcher(catalogSite{}))
	require.NoError(t, err)
	require.NoError(t, engine.Close())
	require.NoError(t, engine.Close())
	require.NotNil(t, engine.Runs())
}

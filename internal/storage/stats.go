package storage

import (
	"math"
	"sort"
	"strings"

	"shelfsync/pkg/types"
)

const topN = 10

// ComputeStats aggregates a user's whole collection. It is recomputed from
// the stored rows on every call and never cached.
func ComputeStats(books []types.StoredBook) types.ReadingStats {
	stats := types.ReadingStats{
		TotalBooks:         len(books),
		BooksPerShelf:      []types.ShelfCount{},
		TopAuthors:         []types.AuthorStat{},
		RatingDistribution: map[int]int{1: 0, 2: 0, 3: 0, 4: 0, 5: 0},
		FormatDistribution: map[string]int{},
		TopPublishers:      []types.PublisherStat{},
	}

	distinct := make(map[string]struct{})
	perShelf := make(map[string]int)
	ratedSum, rated := 0, 0

	type authorAgg struct {
		stat  types.AuthorStat
		sum   int
		rated int
		order int
	}
	authors := make(map[string]*authorAgg)
	publishers := make(map[string]*types.PublisherStat)
	var publisherOrder []string

	for _, b := range books {
		for _, shelf := range b.Shelves {
			distinct[shelf] = struct{}{}
			if norm := strings.ToLower(strings.TrimSpace(shelf)); norm != "" {
				perShelf[norm]++
			}
		}

		if b.Rating > 0 && b.Rating <= 5 {
			ratedSum += b.Rating
			rated++
			stats.RatingDistribution[b.Rating]++
		}

		classifyProgress(&stats.ReadingProgress, b.Shelves)

		if name := strings.TrimSpace(b.Author); name != "" {
			agg, ok := authors[name]
			if !ok {
				agg = &authorAgg{stat: types.AuthorStat{Author: name, Titles: []string{}}, order: len(authors)}
				authors[name] = agg
			}
			agg.stat.Count++
			agg.stat.Titles = append(agg.stat.Titles, b.Title)
			if b.Rating > 0 {
				agg.sum += b.Rating
				agg.rated++
			}
		}

		if f := strings.TrimSpace(b.Format); f != "" {
			stats.FormatDistribution[f]++
		}

		if name := strings.TrimSpace(b.Publisher); name != "" {
			ps, ok := publishers[name]
			if !ok {
				ps = &types.PublisherStat{Name: name, Titles: []string{}}
				publishers[name] = ps
				publisherOrder = append(publisherOrder, name)
			}
			ps.Count++
			ps.Titles = append(ps.Titles, b.Title)
		}
	}

	stats.TotalShelves = len(distinct)
	if rated > 0 {
		stats.AverageRating = round(float64(ratedSum)/float64(rated), 2)
	}

	for shelf, n := range perShelf {
		stats.BooksPerShelf = append(stats.BooksPerShelf, types.ShelfCount{Shelf: shelf, Count: n})
	}
	sort.Slice(stats.BooksPerShelf, func(i, j int) bool {
		a, b := stats.BooksPerShelf[i], stats.BooksPerShelf[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Shelf < b.Shelf
	})

	progress := &stats.ReadingProgress
	progress.Total = len(books)
	if progress.Read > 0 {
		progress.ReadingRate = round(float64(progress.Read)/float64(progress.Total)*100, 1)
	}

	aggs := make([]*authorAgg, 0, len(authors))
	for _, agg := range authors {
		if agg.rated > 0 {
			agg.stat.AverageRating = round(float64(agg.sum)/float64(agg.rated), 1)
		}
		aggs = append(aggs, agg)
	}
	sort.Slice(aggs, func(i, j int) bool {
		a, b := aggs[i], aggs[j]
		if a.stat.Count != b.stat.Count {
			return a.stat.Count > b.stat.Count
		}
		if a.stat.AverageRating != b.stat.AverageRating {
			return a.stat.AverageRating > b.stat.AverageRating
		}
		return a.order < b.order
	})
	for i := 0; i < len(aggs) && i < topN; i++ {
		stats.TopAuthors = append(stats.TopAuthors, aggs[i].stat)
	}

	pubs := make([]types.PublisherStat, 0, len(publisherOrder))
	for _, name := range publisherOrder {
		pubs = append(pubs, *publishers[name])
	}
	sort.SliceStable(pubs, func(i, j int) bool { return pubs[i].Count > pubs[j].Count })
	if len(pubs) > topN {
		pubs = pubs[:topN]
	}
	stats.TopPublishers = append(stats.TopPublishers, pubs...)

	return stats
}

// classifyProgress counts a book once per status it qualifies for. A shelf
// mentioning "read" counts as read unless it is a to-read or
// currently-reading shelf.
func classifyProgress(p *types.ReadingProgress, shelves []string) {
	var read, reading, toRead bool
	for _, s := range shelves {
		s = strings.ToLower(s)
		switch {
		case strings.Contains(s, "currently-reading"):
			reading = true
		case strings.Contains(s, "to-read"):
			toRead = true
		case strings.Contains(s, "read"):
			read = true
		}
	}
	if read {
		p.Read++
	}
	if reading {
		p.Reading++
	}
	if toRead {
		p.ToRead++
	}
}

func round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}

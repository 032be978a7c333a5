// Package merge reconciles the records of every shelf walk into one book per
// canonical identity.
package merge

import (
	"shelfsync/pkg/types"
)

type group struct {
	book    types.MergedBook
	shelves [][]string
	// first is the input index of the group's first record.
	first int
}

// Merge groups records by canonical key in first-seen order. Within a group
// shelves are unioned, the highest rating and the latest read date win, the
// longest review is kept, and every other field comes from the first record
// unless that record left it empty.
//
// A book seen with a source id on one shelf and only a title and author on
// another is folded into the stronger identity.
func Merge(records []types.BookRecord) []types.MergedBook {
	var order []string
	groups := make(map[string]*group)

	for i, rec := range records {
		key := types.CanonicalKey(rec)
		g, ok := groups[key]
		if !ok {
			g = &group{book: types.MergedBook{BookRecord: rec, Key: key}, first: i}
			g.book.Shelves = nil
			groups[key] = g
			order = append(order, key)
		} else {
			absorb(&g.book.BookRecord, rec)
		}
		g.shelves = append(g.shelves, rec.Shelves)
	}

	order = foldTitleAuthor(order, groups)

	out := make([]types.MergedBook, 0, len(order))
	for _, key := range order {
		g := groups[key]
		g.book.Shelves = types.ShelfSet(g.shelves...)
		out = append(out, g.book)
	}
	return out
}

// foldTitleAuthor merges every title/author keyed group into the first
// id or isbn keyed group describing the same title and author. The folded
// group keeps the stronger key but takes the earlier group's position and
// scalars, so the first record seen still wins.
func foldTitleAuthor(order []string, groups map[string]*group) []string {
	strong := make(map[string]string)
	for _, key := range order {
		if types.IsTitleAuthorKey(key) {
			continue
		}
		ta := types.TitleAuthorKey(groups[key].book.BookRecord)
		if _, ok := strong[ta]; !ok {
			strong[ta] = key
		}
	}
	if len(strong) == 0 {
		return order
	}

	kept := order[:0:0]
	placed := make(map[string]struct{}, len(order))
	place := func(key string) {
		if _, ok := placed[key]; !ok {
			placed[key] = struct{}{}
			kept = append(kept, key)
		}
	}
	for _, key := range order {
		target, ok := strong[key]
		if !types.IsTitleAuthorKey(key) || !ok {
			place(key)
			continue
		}
		weak, into := groups[key], groups[target]
		if weak.first < into.first {
			base := weak.book.BookRecord
			absorb(&base, into.book.BookRecord)
			into.book.BookRecord = base
			into.first = weak.first
		} else {
			absorb(&into.book.BookRecord, weak.book.BookRecord)
		}
		into.shelves = append(into.shelves, weak.shelves...)
		delete(groups, key)
		place(target)
	}
	return kept
}

// absorb folds a later record into the accumulated one.
func absorb(acc *types.BookRecord, rec types.BookRecord) {
	if rec.Rating > acc.Rating {
		acc.Rating = rec.Rating
	}
	if rec.DateRead != nil && (acc.DateRead == nil || rec.DateRead.After(*acc.DateRead)) {
		acc.DateRead = rec.DateRead
		acc.DateReadRaw = rec.DateReadRaw
	}
	if acc.DateRead == nil && acc.DateReadRaw == "" {
		acc.DateReadRaw = rec.DateReadRaw
	}
	if len(rec.Review) > len(acc.Review) {
		acc.Review = rec.Review
	}

	fill(&acc.SourceID, rec.SourceID)
	fill(&acc.ISBN, rec.ISBN)
	fill(&acc.CoverURL, rec.CoverURL)
	fill(&acc.Format, rec.Format)
	fill(&acc.Publisher, rec.Publisher)
	fill(&acc.PublishedDate, rec.PublishedDate)
	if acc.PageCount == 0 {
		acc.PageCount = rec.PageCount
	}
}

func fill(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

// Package extract turns catalog list pages into book records.
//
// The catalog has served several markup layouts over the years (the old
// table view, the card view, review pages). Every field is read through an
// ordered chain of strategies and the first non-empty answer wins, so a
// layout change degrades single fields instead of whole pages.
package extract

import (
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"shelfsync/pkg/types"
)

// RowSelector matches every known book row marker.
const RowSelector = "tr.bookalike, tr.review, .review--show, div.bookalike"

var (
	sourceIDField = firstOf(
		mapped(rowAttr("id"), func(v string) string {
			if !strings.HasPrefix(v, "review_") {
				return ""
			}
			return strings.TrimPrefix(v, "review_")
		}),
		mapped(attrOf(".title a, .field.title a, a.bookTitle", "href"), func(v string) string {
			if m := bookIDPath.FindStringSubmatch(v); m != nil {
				return m[1]
			}
			return ""
		}),
		attrOf(`input[name="book_id"]`, "value"),
	)

	titleField = firstOf(append(
		texts(".title a", ".field.title a", ".bookTitle"),
		attrOf(".title a, .field.title a", "title"),
	)...)

	authorField = mapped(
		firstOf(texts(".author a", ".field.author a", ".authorName")...),
		reorderAuthor,
	)

	isbnField = firstOf(
		mapped(textOf(".isbn13 .value"), cleanISBN),
		mapped(textOf(".isbn .value"), cleanISBN),
		mapped(textOf(".isbn13, .field.isbn13"), cleanISBN),
		mapped(textOf(".isbn"), cleanISBN),
		mapped(attrOf(`[itemprop="isbn"]`, "content"), cleanISBN),
		mapped(textOf(".infoBoxRowItem"), cleanISBN),
	)

	dateReadField = firstOf(
		attrOf(".date_read span[title], .field.date_read span[title]", "title"),
		attrOf(".readDate[title]", "title"),
		textOf(".date_read_value"),
		textOf(".readDate"),
	)

	coverField = mapped(firstOf(
		attrOf(".cover img, .field.cover img", "src"),
		attrOf("img.bookCover, .bookCover img", "src"),
	), fullSizeCover)

	pagesField = firstOf(
		mapped(textOf(".num_pages .value"), firstDigits),
		mapped(textOf(".num_pages, .field.num_pages"), firstDigits),
		mapped(textOf(".pageNumberFormat"), firstDigits),
	)

	formatField = firstOf(texts(
		".format .value", ".field.format .value", ".format",
	)...)

	publisherField = firstOf(texts(
		".publisher .value", ".field.publisher .value", ".publisher",
	)...)

	publishedField = firstOf(texts(
		".date_pub .value", ".published .value", ".field.published .value", ".published",
	)...)
)

// shelfSelectors are all read; every label found is kept.
var shelfSelectors = []string{
	".shelves .value a",
	"a.shelfLink",
	".shelf",
	".shelfStatus",
}

// Extract parses a list page into book records. It never fails: rows that
// do not yield both a title and an author are skipped.
func Extract(html string) []types.BookRecord {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	rows := doc.Find(RowSelector)
	records := make([]types.BookRecord, 0, rows.Length())
	rows.Each(func(_ int, row *goquery.Selection) {
		if rec, ok := extractRow(row); ok {
			records = append(records, rec)
		}
	})
	return records
}

func extractRow(row *goquery.Selection) (types.BookRecord, bool) {
	title := collapse(titleField(row))
	author := collapse(authorField(row))
	if title == "" || author == "" {
		return types.BookRecord{}, false
	}

	rec := types.BookRecord{
		SourceID:      sourceIDField(row),
		Title:         title,
		Author:        author,
		ISBN:          isbnField(row),
		Rating:        extractRating(row),
		Review:        extractReview(row),
		CoverURL:      coverField(row),
		PageCount:     firstInt(pagesField(row)),
		Shelves:       extractShelves(row),
		Format:        formatField(row),
		Publisher:     publisherField(row),
		PublishedDate: publishedField(row),
	}
	if raw := dateReadField(row); raw != "" && !strings.EqualFold(raw, "not set") {
		rec.DateReadRaw = raw
		if t, ok := ParseDate(raw); ok {
			rec.DateRead = &t
		}
	}
	return rec, true
}

func extractShelves(row *goquery.Selection) []string {
	var labels []string
	for _, sel := range shelfSelectors {
		row.Find(sel).Each(func(_ int, s *goquery.Selection) {
			label := strings.ToLower(collapse(s.Text()))
			if label != "" {
				labels = append(labels, label)
			}
		})
	}
	return types.ShelfSet(labels)
}

var dateLayouts = []string{
	"Jan 02, 2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"Jan 2006",
	"January 2006",
	"2006-01-02",
	"2006/01/02",
	time.RFC3339,
	"Mon Jan 02 15:04:05 -0700 2006",
	"2006",
}

// ParseDate parses the date formats the catalog renders.
func ParseDate(raw string) (time.Time, bool) {
	raw = collapse(raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

package extract

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// shelfStrategy returns the shelf labels one part of the page advertises.
type shelfStrategy func(doc *goquery.Document) []string

var shelfStrategies = []shelfStrategy{
	dropdownShelves,
	sidebarShelves,
	headerShelves,
}

// ParseShelves returns the union of the shelf labels found by every known
// layout, in discovery order. When none is found it falls back to the label
// of the currently selected shelf; an empty result means the page exposes no
// shelves at all.
func ParseShelves(html string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	seen := make(map[string]struct{})
	var shelves []string
	add := func(label string) {
		label = normaliseShelf(label)
		if label == "" {
			return
		}
		if _, ok := seen[label]; ok {
			return
		}
		seen[label] = struct{}{}
		shelves = append(shelves, label)
	}
	for _, strategy := range shelfStrategies {
		for _, label := range strategy(doc) {
			add(label)
		}
	}
	if len(shelves) == 0 {
		add(currentShelf(doc))
	}
	return shelves
}

func dropdownShelves(doc *goquery.Document) []string {
	var out []string
	doc.Find("#paginatedShelfList option").Each(func(_ int, s *goquery.Selection) {
		if v, ok := s.Attr("value"); ok {
			out = append(out, v)
		}
	})
	return out
}

func sidebarShelves(doc *goquery.Document) []string {
	var out []string
	doc.Find(".userShelf").Each(func(_ int, s *goquery.Selection) {
		if v, ok := s.Attr("data-shelf"); ok && strings.TrimSpace(v) != "" {
			out = append(out, v)
			return
		}
		if href, ok := s.Find("a[href]").First().Attr("href"); ok {
			if label := shelfFromHref(href); label != "" {
				out = append(out, label)
			}
		}
	})
	doc.Find("#shelvesSection a[href*='shelf=']").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if label := shelfFromHref(href); label != "" {
			out = append(out, label)
		}
	})
	return out
}

func headerShelves(doc *goquery.Document) []string {
	var out []string
	doc.Find(".selectedShelf").Each(func(_ int, s *goquery.Selection) {
		if v, ok := s.Attr("data-shelf"); ok {
			out = append(out, v)
		}
	})
	return out
}

var countSuffix = regexp.MustCompile(`\s*\([^)]*\)\s*$`)

func currentShelf(doc *goquery.Document) string {
	label := collapse(doc.Find(".selectedShelf").First().Text())
	return countSuffix.ReplaceAllString(label, "")
}

func shelfFromHref(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return u.Query().Get("shelf")
}

func normaliseShelf(label string) string {
	return strings.ToLower(collapse(label))
}

var shelfCount = regexp.MustCompile(`\(([\d,]+)[^)]*\)`)

// ShelfCount reads the advertised number of books on the selected shelf, or 0
// when the page does not show one. The value is an estimate for progress
// display only.
func ShelfCount(html string) int {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return 0
	}
	text := doc.Find(".selectedShelf, .selectedBookShelf").Text()
	m := shelfCount.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", ""))
	if err != nil {
		return 0
	}
	return n
}

// HasNextPage reports whether the page offers an enabled "next page" link.
func HasNextPage(html string) bool {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return false
	}
	next := doc.Find(".next_page")
	if next.Length() == 0 {
		return doc.Find(`a[rel="next"]`).Length() > 0
	}
	return next.Filter(".disabled").Length() == 0
}

package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

const maxRating = 5

var ratingText = firstOf(
	mapped(textOf(".rating .value, .field.rating .value"), firstDigits),
	mapped(textOf(".staticStars"), firstDigits),
	mapped(textOf(`[itemprop="ratingValue"]`), firstDigits),
	attrOf(".stars[data-rating]", "data-rating"),
	attrOf(`[itemprop="ratingValue"]`, "content"),
)

// filledStars lists the markers of a lit star across layouts.
const filledStars = ".staticStar.p10, .star.on, .p10"

// extractRating reads a numeric rating, falling back to counting filled stars.
// Anything outside 0..5 is treated as unrated.
func extractRating(row *goquery.Selection) int {
	if v := ratingText(row); v != "" {
		if n := firstInt(v); n >= 0 && n <= maxRating {
			return n
		}
		return 0
	}
	stars := row.Find(filledStars).Length()
	if stars > maxRating {
		return 0
	}
	return stars
}

var reviewSelectors = []string{
	".review .readable",
	".field.review .readable",
	".reviewText",
}

// extractReview returns the longest review rendering in the row. Truncated
// and full versions of a review are often both present.
func extractReview(row *goquery.Selection) string {
	for _, sel := range reviewSelectors {
		best := ""
		row.Find(sel).Each(func(_ int, s *goquery.Selection) {
			if txt := readableText(s); len(txt) > len(best) {
				best = txt
			}
		})
		if best != "" {
			return best
		}
	}
	return ""
}

// readableText flattens a review node, keeping line breaks and dropping the
// expand/collapse toggles.
func readableText(s *goquery.Selection) string {
	var b strings.Builder
	for _, n := range s.Nodes {
		walkText(n, &b)
	}
	lines := strings.Split(b.String(), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = collapse(line)
		if line == "" {
			if len(out) > 0 && !blank {
				blank = true
				out = append(out, "")
			}
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func walkText(n *html.Node, b *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.ElementNode:
		switch n.Data {
		case "br":
			b.WriteString("\n")
			return
		case "script", "style":
			return
		case "a":
			if isToggle(n) {
				return
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkText(c, b)
	}
	if n.Type == html.ElementNode && (n.Data == "p" || n.Data == "div") {
		b.WriteString("\n")
	}
}

func isToggle(n *html.Node) bool {
	for _, a := range n.Attr {
		if a.Key == "class" && strings.Contains(a.Val, "js-reviewToggle") {
			return true
		}
	}
	if n.FirstChild != nil && n.FirstChild == n.LastChild && n.FirstChild.Type == html.TextNode {
		switch strings.TrimSpace(n.FirstChild.Data) {
		case "...more", "…more", "(less)", "more", "less":
			return true
		}
	}
	return false
}

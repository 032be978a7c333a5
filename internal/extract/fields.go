package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// fieldFunc pulls one field out of a row. An empty result means "not found
// here, try the next strategy".
type fieldFunc func(row *goquery.Selection) string

// firstOf returns the first non-empty result of fns, in order.
func firstOf(fns ...fieldFunc) fieldFunc {
	return func(row *goquery.Selection) string {
		for _, fn := range fns {
			if v := fn(row); v != "" {
				return v
			}
		}
		return ""
	}
}

// textOf reads the trimmed, whitespace-collapsed text of the first match.
func textOf(selector string) fieldFunc {
	return func(row *goquery.Selection) string {
		return collapse(row.Find(selector).First().Text())
	}
}

// attrOf reads an attribute of the first match.
func attrOf(selector, name string) fieldFunc {
	return func(row *goquery.Selection) string {
		v, _ := row.Find(selector).First().Attr(name)
		return strings.TrimSpace(v)
	}
}

// rowAttr reads an attribute of the row itself.
func rowAttr(name string) fieldFunc {
	return func(row *goquery.Selection) string {
		v, _ := row.Attr(name)
		return strings.TrimSpace(v)
	}
}

// mapped post-processes the result of fn.
func mapped(fn fieldFunc, transform func(string) string) fieldFunc {
	return func(row *goquery.Selection) string {
		v := fn(row)
		if v == "" {
			return ""
		}
		return transform(v)
	}
}

// texts builds one textOf per selector.
func texts(selectors ...string) []fieldFunc {
	out := make([]fieldFunc, 0, len(selectors))
	for _, sel := range selectors {
		out = append(out, textOf(sel))
	}
	return out
}

var (
	whitespace  = regexp.MustCompile(`\s+`)
	digits      = regexp.MustCompile(`\d+`)
	isbnPattern = regexp.MustCompile(`\d{13}|\d{9}[\dXx]`)
	bookIDPath  = regexp.MustCompile(`/show/(\d+)`)
	coverSize   = regexp.MustCompile(`\._[A-Za-z0-9,_]+_\.`)
)

func collapse(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

// firstInt returns the first run of digits in s, or 0.
func firstInt(s string) int {
	m := digits.FindString(strings.ReplaceAll(s, ",", ""))
	if m == "" {
		return 0
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0
	}
	return n
}

func firstDigits(s string) string {
	return digits.FindString(strings.ReplaceAll(s, ",", ""))
}

func cleanISBN(s string) string {
	s = strings.NewReplacer("=", "", `"`, "", "-", "").Replace(s)
	return strings.ToUpper(isbnPattern.FindString(s))
}

// reorderAuthor turns "Last, First" into "First Last". Names with more than
// one comma are left alone.
func reorderAuthor(s string) string {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return s
	}
	last, first := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	if last == "" || first == "" {
		return s
	}
	return first + " " + last
}

func fullSizeCover(src string) string {
	return coverSize.ReplaceAllString(src, ".")
}

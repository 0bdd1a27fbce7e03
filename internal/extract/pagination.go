package extract

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var nextTextExact = map[string]bool{
	"next page":   true,
	"next >":      true,
	"older posts": true,
	"next":        true,
	"下一页":         true,
}

// extractPagination finds next-page links across the full document. The
// content block is deliberately not used here: pagination controls usually
// live outside it.
func extractPagination(doc *goquery.Document, base *url.URL) []string {
	seen := make(map[string]bool)
	var links []string

	add := func(href string) {
		resolved, ok := resolveURL(base, href)
		if !ok || seen[resolved] {
			return
		}
		seen[resolved] = true
		links = append(links, resolved)
	}

	doc.Find(`a[rel="next"]`).Each(func(_ int, s *goquery.Selection) {
		add(s.AttrOr("href", ""))
	})

	doc.Find(".next, .pagination-next, .nav-next").Each(func(_ int, s *goquery.Selection) {
		if goquery.NodeName(s) == "a" {
			add(s.AttrOr("href", ""))
			return
		}
		if a := s.Find("a[href]").First(); a.Length() > 0 {
			add(a.AttrOr("href", ""))
		}
	})

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		text := strings.ToLower(strings.TrimSpace(s.Text()))
		if text == "" || len(text) >= 20 {
			return
		}
		if nextTextExact[text] || strings.HasPrefix(text, "next ") {
			add(s.AttrOr("href", ""))
		}
	})

	return links
}

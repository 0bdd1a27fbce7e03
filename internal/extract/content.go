package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var positiveClassKeywords = []string{"content", "article", "main", "post", "entry", "text", "body"}

var negativeClassKeywords = []string{"sidebar", "footer", "nav", "menu", "ads", "ad", "comment", "aside", "widget"}

// selectMainContent scores every candidate container and returns the best
// one. When no candidate scores positive the whole document is used, so
// pages without a recognizable layout still yield their media.
func selectMainContent(doc *goquery.Document) *goquery.Selection {
	var best *goquery.Selection
	bestScore := -1 << 30

	doc.Find("div, article, section, main").Each(func(_ int, s *goquery.Selection) {
		score := scoreBlock(s)
		if score > bestScore {
			bestScore = score
			best = s
		}
	})

	if best == nil || bestScore < 0 {
		return doc.Selection
	}
	return best
}

func scoreBlock(s *goquery.Selection) int {
	score := 0

	class := strings.ToLower(s.AttrOr("class", ""))
	for _, kw := range positiveClassKeywords {
		if strings.Contains(class, kw) {
			score += 10
		}
	}
	for _, kw := range negativeClassKeywords {
		if strings.Contains(class, kw) {
			score -= 20
		}
	}

	score += 10 * s.Find("h1").Length()
	score += 5 * s.Find("h2").Length()
	score += 2 * s.Find("p").Length()
	score += 3 * s.Find("img").Length()

	textLen := len(strings.TrimSpace(s.Text()))
	if textLen < 50 {
		score -= 10
	} else if textLen > 500 {
		score += 15
	}

	return score
}

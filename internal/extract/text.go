package extract

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/ternarybob/colligo/internal/models"
)

var scriptStatePattern = regexp.MustCompile(`window\.(__INITIAL_STATE__|__NUXT__)\s*=\s*`)

// extractStructuredText pulls text content from the selected block.
// Strategies are tried in priority order; the first that yields anything
// wins.
func extractStructuredText(block *goquery.Selection, doc *goquery.Document, pageURL string) []*models.Resource {
	if quotes := extractQuotes(block, pageURL); len(quotes) > 0 {
		return quotes
	}

	pageTitle := strings.TrimSpace(doc.Find("title").First().Text())

	var article *models.Resource
	within(block, "article").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.TrimSpace(s.Text())
		if len(text) > 100 {
			article = inlineTextResource(text, pageTitle, pageURL)
			return false
		}
		return true
	})
	if article != nil {
		return []*models.Resource{article}
	}

	var main *models.Resource
	within(block, "main, #content, .content").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.TrimSpace(s.Text())
		if len(text) > 200 {
			main = inlineTextResource(text, pageTitle, pageURL)
			return false
		}
		return true
	})
	if main != nil {
		return []*models.Resource{main}
	}

	return nil
}

// extractQuotes handles the quote/text/author/tag pattern used by quote
// listing sites. Each quote becomes its own rich_text resource.
func extractQuotes(block *goquery.Selection, pageURL string) []*models.Resource {
	var resources []*models.Resource

	within(block, ".quote").Each(func(_ int, q *goquery.Selection) {
		text := strings.TrimSpace(q.Find(".text").First().Text())
		if text == "" {
			return
		}

		author := strings.TrimSpace(q.Find(".author").First().Text())
		var tags []string
		q.Find(".tag").Each(func(_ int, t *goquery.Selection) {
			if tag := strings.TrimSpace(t.Text()); tag != "" {
				tags = append(tags, tag)
			}
		})

		title := text
		if runes := []rune(title); len(runes) > 50 {
			title = string(runes[:50])
		}

		r := &models.Resource{
			Type:    models.TypeRichText,
			Title:   title,
			Referer: pageURL,
			Content: text,
			Metadata: map[string]any{
				"author": author,
				"tags":   tags,
				"type":   "quote",
			},
		}
		r.Normalize()
		resources = append(resources, r)
	})

	return resources
}

func inlineTextResource(text, title, pageURL string) *models.Resource {
	r := &models.Resource{
		Type:    models.TypeText,
		Title:   title,
		Referer: pageURL,
		Content: text,
	}
	r.Normalize()
	return r
}

// sniffScripts looks for SPA state objects assigned in script bodies and
// captures them as JSON resources.
func sniffScripts(doc *goquery.Document, pageURL string) []*models.Resource {
	var resources []*models.Resource

	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		body := s.Text()
		loc := scriptStatePattern.FindStringIndex(body)
		if loc == nil {
			return
		}

		raw, ok := extractJSONObject(body[loc[1]:])
		if !ok {
			return
		}

		var parsed any
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return
		}

		r := &models.Resource{
			Type:    models.TypeJSON,
			Title:   "page_state",
			Referer: pageURL,
			Content: raw,
			Metadata: map[string]any{
				"source": "script_sniffing",
			},
		}
		r.Normalize()
		resources = append(resources, r)
	})

	return resources
}

// extractJSONObject reads one balanced-brace object from the start of s,
// honoring string literals and escapes. Trailing characters (a `;`) are
// ignored.
func extractJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}

	return "", false
}

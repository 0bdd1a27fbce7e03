package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/models"
)

// Result is the outcome of extracting one fetched page: the resources it
// contains and the follow-up links to crawl.
type Result struct {
	Resources []*models.Resource
	Links     []string
}

// Extractor turns fetched responses into resources and crawl links.
// It is stateless and safe for concurrent use.
type Extractor struct {
	logger arbor.ILogger
}

// New creates an extractor.
func New(logger arbor.ILogger) *Extractor {
	return &Extractor{logger: logger}
}

// Extract dispatches on content type: JSON responses become a single inline
// resource, everything else is parsed as HTML. pageURL must be the final
// URL after redirects so relative references resolve correctly.
func (e *Extractor) Extract(pageURL string, body []byte, contentType string, statusCode int) (*Result, error) {
	if strings.Contains(strings.ToLower(contentType), "json") {
		return e.extractJSON(pageURL, body, statusCode), nil
	}
	return e.extractHTML(pageURL, body)
}

// extractJSON wraps a JSON response body in an inline resource. Bodies
// that fail to parse are kept verbatim.
func (e *Extractor) extractJSON(pageURL string, body []byte, statusCode int) *Result {
	content := string(body)
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err == nil {
		content = pretty.String()
	}

	r := &models.Resource{
		URL:     pageURL,
		Type:    models.TypeJSON,
		Content: content,
		Metadata: map[string]any{
			"status_code": statusCode,
		},
	}
	r.Normalize()

	return &Result{Resources: []*models.Resource{r}}
}

func (e *Extractor) extractHTML(pageURL string, body []byte) (*Result, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, &common.ParseError{URL: pageURL, Err: err}
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid page URL %q: %w", pageURL, common.ErrInvalidInput)
	}

	block := selectMainContent(doc)

	var resources []*models.Resource
	resources = append(resources, extractMedia(block, base, pageURL)...)
	resources = append(resources, scanScriptsForHLS(doc, pageURL)...)
	resources = append(resources, extractStructuredText(block, doc, pageURL)...)
	resources = append(resources, sniffScripts(doc, pageURL)...)

	result := &Result{
		Resources: dedupeResources(resources),
		Links:     extractPagination(doc, base),
	}

	e.logger.Debug().
		Str("url", pageURL).
		Int("resources", len(result.Resources)).
		Int("links", len(result.Links)).
		Msg("Page extracted")

	return result, nil
}

// dedupeResources drops later duplicates by URL. Inline resources carry no
// URL and always pass through.
func dedupeResources(in []*models.Resource) []*models.Resource {
	seen := make(map[string]bool, len(in))
	out := make([]*models.Resource, 0, len(in))
	for _, r := range in {
		if r.URL != "" {
			if seen[r.URL] {
				continue
			}
			seen[r.URL] = true
		}
		out = append(out, r)
	}
	return out
}

// resolveURL resolves href against the page URL, rejecting pseudo-schemes
// and fragment-only references. The fragment is stripped from the result.
func resolveURL(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	lower := strings.ToLower(href)
	for _, prefix := range []string{"data:", "javascript:", "mailto:", "tel:"} {
		if strings.HasPrefix(lower, prefix) {
			return "", false
		}
	}

	resolved, err := base.Parse(href)
	if err != nil {
		return "", false
	}
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", false
	}
	resolved.Fragment = ""
	return resolved.String(), true
}

// within matches selector against the block itself as well as its
// descendants; the selected content block may itself be an <article>.
func within(block *goquery.Selection, selector string) *goquery.Selection {
	return block.Filter(selector).AddSelection(block.Find(selector))
}

package extract

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/ternarybob/colligo/internal/models"
)

var m3u8Pattern = regexp.MustCompile(`https?://[^\s'"<>]+\.m3u8[^\s'"<>]*`)

// extractMedia pulls images, video, audio, HLS references and file anchors
// out of the selected content block.
func extractMedia(block *goquery.Selection, base *url.URL, pageURL string) []*models.Resource {
	var resources []*models.Resource

	within(block, "img").Each(func(_ int, s *goquery.Selection) {
		src := firstAttr(s, "src", "data-src", "data-lazy-src")
		if src == "" || isTinyImage(s) {
			return
		}
		if resolved, ok := resolveURL(base, src); ok {
			r := models.NewResource(resolved, pageURL)
			r.Type = models.TypeImage
			if alt := strings.TrimSpace(s.AttrOr("alt", "")); alt != "" {
				r.Title = alt
			}
			resources = append(resources, r)
		}
	})

	within(block, "video, video source").Each(func(_ int, s *goquery.Selection) {
		src := firstAttr(s, "src", "data-src")
		if src == "" {
			return
		}
		if resolved, ok := resolveURL(base, src); ok {
			r := models.NewResource(resolved, pageURL)
			if !strings.Contains(strings.ToLower(resolved), ".m3u8") {
				r.Type = models.TypeVideo
			}
			resources = append(resources, r)
		}
	})

	within(block, "audio, audio source").Each(func(_ int, s *goquery.Selection) {
		src := s.AttrOr("src", "")
		if src == "" {
			return
		}
		if resolved, ok := resolveURL(base, src); ok {
			r := models.NewResource(resolved, pageURL)
			r.Type = models.TypeAudio
			resources = append(resources, r)
		}
	})

	within(block, "a[href]").Each(func(_ int, s *goquery.Selection) {
		href := s.AttrOr("href", "")
		resolved, ok := resolveURL(base, href)
		if !ok {
			return
		}

		var t models.ResourceType
		switch {
		case strings.Contains(strings.ToLower(resolved), ".m3u8"):
			t = models.TypeHLS
		case models.HasExtension(resolved, models.ImageExtensions):
			t = models.TypeImage
		case models.HasExtension(resolved, models.VideoExtensions):
			t = models.TypeVideo
		case models.HasExtension(resolved, models.AudioExtensions):
			t = models.TypeAudio
		case models.HasExtension(resolved, models.DocumentExtensions):
			t = models.TypeDocument
		default:
			return
		}

		r := models.NewResource(resolved, pageURL)
		r.Type = t
		if text := strings.TrimSpace(s.Text()); text != "" && len(text) < 100 {
			r.Title = text
		}
		resources = append(resources, r)
	})

	return resources
}

// scanScriptsForHLS finds playlist URLs embedded in script bodies anywhere
// in the document. Players commonly inject the stream URL via JS rather
// than markup.
func scanScriptsForHLS(doc *goquery.Document, pageURL string) []*models.Resource {
	var resources []*models.Resource

	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		for _, match := range m3u8Pattern.FindAllString(s.Text(), -1) {
			r := models.NewResource(match, pageURL)
			r.Type = models.TypeHLS
			resources = append(resources, r)
		}
	})

	return resources
}

// isTinyImage reports whether both width and height attributes parse to
// values under 100. Icons and spacers are not worth downloading.
func isTinyImage(s *goquery.Selection) bool {
	w, werr := strconv.Atoi(strings.TrimSpace(s.AttrOr("width", "")))
	h, herr := strconv.Atoi(strings.TrimSpace(s.AttrOr("height", "")))
	return werr == nil && herr == nil && w < 100 && h < 100
}

func firstAttr(s *goquery.Selection, names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(s.AttrOr(name, "")); v != "" {
			return v
		}
	}
	return ""
}

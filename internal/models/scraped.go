package models

import (
	"fmt"
	"strings"
)

// Category partitions aggregated resources for selection in the UI/CLI
type Category string

const (
	CategoryImages    Category = "images"
	CategoryVideos    Category = "videos"
	CategoryAudios    Category = "audios"
	CategoryHLS       Category = "hls_playlists"
	CategoryDocuments Category = "documents"
)

// AllCategories lists categories in their canonical order. Download order
// follows this ordering when multiple categories are selected.
var AllCategories = []Category{CategoryImages, CategoryVideos, CategoryAudios, CategoryHLS, CategoryDocuments}

// ScrapedData aggregates one crawl run's discovered resources by category.
// URLs are unique within each category; inline resources (empty URL,
// non-empty content) bypass deduplication. ScrapedData itself is not
// synchronized; the owning pool serializes mutations.
type ScrapedData struct {
	SourceURL    string      `json:"source_url"`
	Images       []*Resource `json:"images"`
	Videos       []*Resource `json:"videos"`
	Audios       []*Resource `json:"audios"`
	HLSPlaylists []*Resource `json:"hls_playlists"`
	Documents    []*Resource `json:"documents"`

	seen map[string]bool
}

// NewScrapedData creates an empty aggregation for the given seed URL.
func NewScrapedData(sourceURL string) *ScrapedData {
	return &ScrapedData{
		SourceURL: sourceURL,
		seen:      make(map[string]bool),
	}
}

// Add classifies a resource into its category list, deduplicating by URL
// across the whole run. Returns false when the resource was dropped as a
// duplicate or as unclassifiable.
func (s *ScrapedData) Add(r *Resource) bool {
	if r.URL != "" {
		if s.seen == nil {
			s.seen = make(map[string]bool)
		}
		if s.seen[r.URL] {
			return false
		}
		s.seen[r.URL] = true
	}

	switch r.Type {
	case TypeImage:
		s.Images = append(s.Images, r)
	case TypeVideo:
		s.Videos = append(s.Videos, r)
	case TypeAudio:
		s.Audios = append(s.Audios, r)
	case TypeHLS:
		s.HLSPlaylists = append(s.HLSPlaylists, r)
	case TypeText, TypeJSON, TypeRichText, TypeDocument:
		s.Documents = append(s.Documents, r)
	default:
		// Unknown types with a document-like extension still land in documents
		if DocumentExtensions[r.Extension] {
			s.Documents = append(s.Documents, r)
		} else {
			return false
		}
	}
	return true
}

// ByCategory returns the resource list for a category.
func (s *ScrapedData) ByCategory(c Category) []*Resource {
	switch c {
	case CategoryImages:
		return s.Images
	case CategoryVideos:
		return s.Videos
	case CategoryAudios:
		return s.Audios
	case CategoryHLS:
		return s.HLSPlaylists
	case CategoryDocuments:
		return s.Documents
	}
	return nil
}

// TotalCount returns the number of resources across all categories.
func (s *ScrapedData) TotalCount() int {
	return len(s.Images) + len(s.Videos) + len(s.Audios) + len(s.HLSPlaylists) + len(s.Documents)
}

// IsEmpty reports whether no resources were found.
func (s *ScrapedData) IsEmpty() bool {
	return s.TotalCount() == 0
}

// Summary generates a human-readable result line.
func (s *ScrapedData) Summary() string {
	var parts []string
	if n := len(s.Images); n > 0 {
		parts = append(parts, fmt.Sprintf("%d images", n))
	}
	if n := len(s.Videos); n > 0 {
		parts = append(parts, fmt.Sprintf("%d videos", n))
	}
	if n := len(s.Audios); n > 0 {
		parts = append(parts, fmt.Sprintf("%d audios", n))
	}
	if n := len(s.HLSPlaylists); n > 0 {
		parts = append(parts, fmt.Sprintf("%d HLS playlists", n))
	}
	if n := len(s.Documents); n > 0 {
		parts = append(parts, fmt.Sprintf("%d documents", n))
	}
	if len(parts) == 0 {
		return "no resources found"
	}
	return "found: " + strings.Join(parts, ", ")
}

// Snapshot returns a deep copy safe to hand to event subscribers while the
// crawl continues mutating the original.
func (s *ScrapedData) Snapshot() *ScrapedData {
	c := &ScrapedData{SourceURL: s.SourceURL}
	c.Images = cloneResources(s.Images)
	c.Videos = cloneResources(s.Videos)
	c.Audios = cloneResources(s.Audios)
	c.HLSPlaylists = cloneResources(s.HLSPlaylists)
	c.Documents = cloneResources(s.Documents)
	return c
}

func cloneResources(in []*Resource) []*Resource {
	if in == nil {
		return nil
	}
	out := make([]*Resource, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}

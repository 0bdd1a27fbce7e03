package models

import (
	"crypto/md5"
	"encoding/hex"
	"path"
	"strings"
	"time"
)

// ResourceType classifies a discovered resource
type ResourceType string

const (
	TypeImage    ResourceType = "image"
	TypeVideo    ResourceType = "video"
	TypeAudio    ResourceType = "audio"
	TypeHLS      ResourceType = "hls_playlist"
	TypeDocument ResourceType = "document"
	TypeText     ResourceType = "text"
	TypeJSON     ResourceType = "json"
	TypeRichText ResourceType = "rich_text"
	TypeUnknown  ResourceType = "unknown"
)

// DownloadStatus tracks the download lifecycle of a resource
type DownloadStatus string

const (
	StatusPending     DownloadStatus = "pending"
	StatusDownloading DownloadStatus = "downloading"
	StatusMerging     DownloadStatus = "merging"
	StatusCompleted   DownloadStatus = "completed"
	StatusFailed      DownloadStatus = "failed"
	StatusCancelled   DownloadStatus = "cancelled"
)

// Extension sets used for type inference and anchor classification
var (
	ImageExtensions    = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".bmp": true, ".svg": true, ".ico": true, ".avif": true}
	VideoExtensions    = map[string]bool{".mp4": true, ".webm": true, ".avi": true, ".mov": true, ".mkv": true, ".flv": true, ".wmv": true}
	AudioExtensions    = map[string]bool{".mp3": true, ".wav": true, ".ogg": true, ".flac": true, ".aac": true, ".m4a": true, ".wma": true}
	DocumentExtensions = map[string]bool{".pdf": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true, ".ppt": true, ".pptx": true, ".txt": true}
)

// Resource is a single discovered item: either a URL to fetch later, or an
// inline text/JSON body already captured during extraction. An empty URL is
// valid only when Content is non-empty.
type Resource struct {
	URL       string            `json:"url"`
	Type      ResourceType      `json:"type"`
	Title     string            `json:"title"`
	Extension string            `json:"extension"`
	Referer   string            `json:"referer,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Size      int64             `json:"size,omitempty"`
	Content   string            `json:"content,omitempty"`
	Metadata  map[string]any    `json:"metadata,omitempty"`

	Status    DownloadStatus `json:"status"`
	Progress  float64        `json:"progress"`
	Error     string         `json:"error,omitempty"`
	LocalPath string         `json:"local_path,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewResource creates a resource for the given URL, inferring type,
// extension, and title where they were not supplied by the extractor.
func NewResource(rawURL, referer string) *Resource {
	r := &Resource{
		URL:       rawURL,
		Type:      TypeUnknown,
		Referer:   referer,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
	r.Normalize()
	return r
}

// Normalize fills in missing type, extension, and title from the URL.
func (r *Resource) Normalize() {
	if r.Type == TypeUnknown || r.Type == "" {
		r.Type = InferType(r.URL)
	}
	if r.Extension == "" && r.URL != "" {
		r.Extension = extractExtension(r.URL, r.Type)
	}
	if r.Title == "" {
		r.Title = r.fallbackTitle()
	}
}

// InferType classifies a URL by extension patterns.
func InferType(rawURL string) ResourceType {
	lower := strings.ToLower(rawURL)
	switch {
	case strings.Contains(lower, ".m3u8"):
		return TypeHLS
	case hasAnyExtension(lower, VideoExtensions):
		return TypeVideo
	case hasAnyExtension(lower, ImageExtensions):
		return TypeImage
	case hasAnyExtension(lower, AudioExtensions):
		return TypeAudio
	case hasAnyExtension(lower, DocumentExtensions):
		return TypeDocument
	default:
		return TypeUnknown
	}
}

// HasExtension reports whether the URL path ends with one of the given
// extensions, ignoring query parameters.
func HasExtension(rawURL string, extensions map[string]bool) bool {
	clean := strings.ToLower(strings.SplitN(rawURL, "?", 2)[0])
	return extensions[path.Ext(clean)]
}

func hasAnyExtension(lowerURL string, extensions map[string]bool) bool {
	clean := strings.SplitN(lowerURL, "?", 2)[0]
	return extensions[path.Ext(clean)]
}

// DefaultExtension maps a resource type to the extension used when the URL
// carries none. HLS playlists merge to MP4.
func DefaultExtension(t ResourceType) string {
	switch t {
	case TypeImage:
		return ".jpg"
	case TypeVideo, TypeHLS:
		return ".mp4"
	case TypeAudio:
		return ".mp3"
	case TypeText, TypeJSON, TypeRichText:
		return ".txt"
	default:
		return ".dat"
	}
}

func extractExtension(rawURL string, t ResourceType) string {
	clean := strings.SplitN(rawURL, "?", 2)[0]
	ext := strings.ToLower(path.Ext(clean))
	if len(ext) > 1 && len(ext) <= 6 && isAlnum(ext[1:]) {
		return ext
	}
	return DefaultExtension(t)
}

func isAlnum(s string) bool {
	for _, c := range s {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return false
		}
	}
	return s != ""
}

func (r *Resource) fallbackTitle() string {
	clean := strings.SplitN(r.URL, "?", 2)[0]
	name := path.Base(clean)
	if name != "" && name != "/" && name != "." && len(name) < 100 {
		return name
	}
	return string(r.Type) + "_" + r.CreatedAt.Format("20060102_150405")
}

// IsInline reports whether the resource carries its body inline rather than
// pointing at a URL to fetch.
func (r *Resource) IsInline() bool {
	return r.Content != ""
}

// CatalogKey returns the key the resource is stored under in the catalog.
// Inline resources have no URL, so a content hash stands in; otherwise
// every inline row would collide on the empty string.
func (r *Resource) CatalogKey() string {
	if r.URL != "" {
		return r.URL
	}
	sum := md5.Sum([]byte(r.Content))
	return "inline:" + hex.EncodeToString(sum[:])[:10]
}

// MarkProgress updates download progress, clamped to [0,1].
func (r *Resource) MarkProgress(progress float64) {
	r.Progress = min(1.0, max(0.0, progress))
	if r.Status == StatusPending {
		r.Status = StatusDownloading
	}
}

// MarkCompleted records a successful download.
func (r *Resource) MarkCompleted(localPath string) {
	r.Status = StatusCompleted
	r.Progress = 1.0
	r.LocalPath = localPath
	r.Error = ""
}

// MarkFailed records a failed download.
func (r *Resource) MarkFailed(errMsg string) {
	r.Status = StatusFailed
	r.Error = errMsg
}

// Clone returns a deep copy, used for event snapshots.
func (r *Resource) Clone() *Resource {
	c := *r
	if r.Headers != nil {
		c.Headers = make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			c.Headers[k] = v
		}
	}
	if r.Metadata != nil {
		c.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

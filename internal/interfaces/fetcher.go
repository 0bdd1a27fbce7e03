package interfaces

import (
	"context"
	"net/http"
)

// FetchOptions tune a single request.
type FetchOptions struct {
	Headers  map[string]string
	Referer  string
	RotateUA bool

	// UserAgent pins the UA for this request, overriding rotation. Multi-step
	// flows (login) use it to present one identity across requests.
	UserAgent string
}

// FetchResponse is a fully-read HTTP response. FinalURL reflects redirects.
type FetchResponse struct {
	StatusCode int
	FinalURL   string
	Header     http.Header
	Body       []byte
}

// ContentType returns the response Content-Type header.
func (r *FetchResponse) ContentType() string {
	return r.Header.Get("Content-Type")
}

// Fetcher performs HTTP requests with retry and backoff invisible to the
// caller. Crawl workers each own their own Fetcher instance (cookie jar and
// connection pool are not shared across workers).
type Fetcher interface {
	// Get fetches and buffers the whole body.
	Get(ctx context.Context, url string, opts *FetchOptions) (*FetchResponse, error)

	// Head issues a HEAD request; the returned body is empty.
	Head(ctx context.Context, url string, opts *FetchOptions) (*FetchResponse, error)

	// GetStream returns the raw response for chunked streaming; the caller
	// closes the body. Retries cover connection establishment only.
	GetStream(ctx context.Context, url string, opts *FetchOptions) (*http.Response, error)
}

// FetcherFactory builds a fresh Fetcher; each crawl worker calls it once.
type FetcherFactory func() (Fetcher, error)

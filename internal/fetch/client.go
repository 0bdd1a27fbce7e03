package fetch

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	xproxy "golang.org/x/net/proxy"
	"golang.org/x/time/rate"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/interfaces"
)

// Client is an HTTP fetcher with retry, user-agent rotation, cookie
// persistence and optional per-host rate limiting. Each crawl worker owns
// its own Client; the cookie jar and connection pool are not shared.
type Client struct {
	httpClient *http.Client
	transport  *http.Transport
	config     *common.HTTPConfig
	policy     *RetryPolicy
	logger     arbor.ILogger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient builds a fetcher from the HTTP section of the config. The
// configured proxy URL, if any, is applied immediately.
func NewClient(config *common.HTTPConfig, logger arbor.ILogger) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	c := &Client{
		httpClient: &http.Client{
			Jar:       jar,
			Transport: transport,
		},
		transport: transport,
		config:    config,
		policy: &RetryPolicy{
			MaxRetries:     config.MaxRetries,
			InitialBackoff: config.BackoffFactor,
			RetryOnStatus:  DefaultRetryPolicy().RetryOnStatus,
		},
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}

	if config.ProxyURL != "" {
		if err := c.SetProxy(config.ProxyURL); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// SetProxy routes all subsequent requests through the given proxy.
// http, https and socks5 schemes are supported; an empty string clears
// the proxy.
func (c *Client) SetProxy(proxyURL string) error {
	if proxyURL == "" {
		c.transport.Proxy = nil
		c.transport.DialContext = nil
		return nil
	}

	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return fmt.Errorf("invalid proxy URL %q: %w", proxyURL, err)
	}

	switch parsed.Scheme {
	case "http", "https":
		c.transport.Proxy = http.ProxyURL(parsed)
		c.transport.DialContext = nil
	case "socks5":
		var auth *xproxy.Auth
		if parsed.User != nil {
			password, _ := parsed.User.Password()
			auth = &xproxy.Auth{User: parsed.User.Username(), Password: password}
		}
		dialer, err := xproxy.SOCKS5("tcp", parsed.Host, auth, xproxy.Direct)
		if err != nil {
			return fmt.Errorf("failed to create socks5 dialer: %w", err)
		}
		c.transport.Proxy = nil
		if ctxDialer, ok := dialer.(xproxy.ContextDialer); ok {
			c.transport.DialContext = ctxDialer.DialContext
		} else {
			c.transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	default:
		return fmt.Errorf("unsupported proxy scheme %q: %w", parsed.Scheme, common.ErrInvalidInput)
	}

	c.logger.Info().Str("proxy", parsed.Scheme+"://"+parsed.Host).Msg("Proxy configured")
	return nil
}

// Get fetches a URL and buffers the decoded body.
func (c *Client) Get(ctx context.Context, rawURL string, opts *interfaces.FetchOptions) (*interfaces.FetchResponse, error) {
	return c.do(ctx, http.MethodGet, rawURL, nil, "", opts, c.config.RequestTimeout)
}

// Head issues a HEAD request. Used for size probes before downloads.
func (c *Client) Head(ctx context.Context, rawURL string, opts *interfaces.FetchOptions) (*interfaces.FetchResponse, error) {
	return c.do(ctx, http.MethodHead, rawURL, nil, "", opts, c.config.HeadTimeout)
}

// PostForm submits form values. Used by the login flow; the user agent is
// held constant so the session is not fingerprinted mid-handshake.
func (c *Client) PostForm(ctx context.Context, rawURL string, form url.Values, opts *interfaces.FetchOptions) (*interfaces.FetchResponse, error) {
	body := form.Encode()
	return c.do(ctx, http.MethodPost, rawURL, strings.NewReader(body), "application/x-www-form-urlencoded", opts, c.config.RequestTimeout)
}

// GetStream returns the raw response for chunked reads; the caller must
// close the body. Retries cover connection establishment and retryable
// status codes, not mid-stream failures.
func (c *Client) GetStream(ctx context.Context, rawURL string, opts *interfaces.FetchOptions) (*http.Response, error) {
	var resp *http.Response

	err := c.policy.Do(ctx, c.logger, rawURL, func() error {
		req, err := c.buildRequest(ctx, http.MethodGet, rawURL, nil, "", opts)
		if err != nil {
			return err
		}
		// Streams are consumed raw; do not invite compressed bodies.
		req.Header.Set("Accept-Encoding", "identity")

		if err := c.waitRate(ctx, req.URL.Host); err != nil {
			return err
		}

		timeoutCtx, cancel := context.WithTimeout(ctx, c.config.DownloadTimeout)
		r, err := c.httpClient.Do(req.WithContext(timeoutCtx))
		if err != nil {
			cancel()
			return &common.NetworkError{URL: rawURL, Err: err}
		}
		if r.StatusCode >= 400 {
			r.Body.Close()
			cancel()
			return &common.HTTPError{URL: rawURL, StatusCode: r.StatusCode}
		}

		// Tie the cancel to body close so the deadline survives the return.
		r.Body = &cancelReadCloser{ReadCloser: r.Body, cancel: cancel}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, rawURL string, body io.Reader, contentType string, opts *interfaces.FetchOptions, timeout time.Duration) (*interfaces.FetchResponse, error) {
	var result *interfaces.FetchResponse

	// Rewindable body for retried POSTs.
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
	}

	err := c.policy.Do(ctx, c.logger, rawURL, func() error {
		var reader io.Reader
		if bodyBytes != nil {
			reader = strings.NewReader(string(bodyBytes))
		}

		req, err := c.buildRequest(ctx, method, rawURL, reader, contentType, opts)
		if err != nil {
			return err
		}

		if err := c.waitRate(ctx, req.URL.Host); err != nil {
			return err
		}

		timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		resp, err := c.httpClient.Do(req.WithContext(timeoutCtx))
		if err != nil {
			return &common.NetworkError{URL: rawURL, Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			io.Copy(io.Discard, resp.Body)
			return &common.HTTPError{URL: rawURL, StatusCode: resp.StatusCode}
		}

		decoded, err := decodeBody(resp)
		if err != nil {
			return &common.NetworkError{URL: rawURL, Err: err}
		}

		result = &interfaces.FetchResponse{
			StatusCode: resp.StatusCode,
			FinalURL:   resp.Request.URL.String(),
			Header:     resp.Header,
			Body:       decoded,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// buildRequest assembles a request with the browser-like default headers.
// When rotation is enabled a fresh UA is drawn per attempt.
func (c *Client) buildRequest(ctx context.Context, method, rawURL string, body io.Reader, contentType string, opts *interfaces.FetchOptions) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", rawURL, common.ErrInvalidInput)
	}

	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	req.Header.Set("DNT", "1")
	req.Header.Set("Connection", "keep-alive")

	ua := c.config.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	rotate := c.config.UserAgentRotation
	if opts != nil && opts.RotateUA {
		rotate = true
	}
	if rotate {
		ua = RandomUserAgent()
	}
	if opts != nil && opts.UserAgent != "" {
		ua = opts.UserAgent
	}
	req.Header.Set("User-Agent", ua)

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	if opts != nil {
		if opts.Referer != "" {
			req.Header.Set("Referer", opts.Referer)
		}
		for k, v := range opts.Headers {
			req.Header.Set(k, v)
		}
	}

	return req, nil
}

// sessionUserAgent resolves the UA once so multi-request flows can pin it.
func (c *Client) sessionUserAgent() string {
	if c.config.UserAgent != "" {
		return c.config.UserAgent
	}
	if c.config.UserAgentRotation {
		return RandomUserAgent()
	}
	return DefaultUserAgent
}

// waitRate blocks on the per-host limiter when one is configured.
func (c *Client) waitRate(ctx context.Context, host string) error {
	if c.config.RatePerHost <= 0 {
		return nil
	}

	c.mu.Lock()
	limiter, ok := c.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(c.config.RatePerHost), 1)
		c.limiters[host] = limiter
	}
	c.mu.Unlock()

	return limiter.Wait(ctx)
}

// decodeBody reads and decompresses the response body. Setting
// Accept-Encoding explicitly disables the transport's transparent gzip,
// so decompression is handled here.
func decodeBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body

	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		defer gz.Close()
		reader = gz
	case "deflate":
		fl := flate.NewReader(resp.Body)
		defer fl.Close()
		reader = fl
	}

	return io.ReadAll(reader)
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

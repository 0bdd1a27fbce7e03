package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/events"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
)

// stubFetcher serves canned bodies and counts attempts per URL.
type stubFetcher struct {
	mu       sync.Mutex
	bodies   map[string][]byte
	failures map[string]int // fail this many attempts before succeeding; -1 fails forever
	attempts map[string]int
}

func newDownloadStub() *stubFetcher {
	return &stubFetcher{
		bodies:   make(map[string][]byte),
		failures: make(map[string]int),
		attempts: make(map[string]int),
	}
}

func (f *stubFetcher) Get(ctx context.Context, url string, opts *interfaces.FetchOptions) (*interfaces.FetchResponse, error) {
	return nil, errors.New("not used")
}

func (f *stubFetcher) Head(ctx context.Context, url string, opts *interfaces.FetchOptions) (*interfaces.FetchResponse, error) {
	f.mu.Lock()
	body, ok := f.bodies[url]
	f.mu.Unlock()
	if !ok {
		return nil, &common.HTTPError{URL: url, StatusCode: http.StatusNotFound}
	}
	header := http.Header{}
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &interfaces.FetchResponse{StatusCode: http.StatusOK, FinalURL: url, Header: header}, nil
}

func (f *stubFetcher) GetStream(ctx context.Context, url string, opts *interfaces.FetchOptions) (*http.Response, error) {
	f.mu.Lock()
	f.attempts[url]++
	remaining := f.failures[url]
	if remaining != 0 {
		if remaining > 0 {
			f.failures[url] = remaining - 1
		}
		f.mu.Unlock()
		return nil, &common.NetworkError{URL: url, Err: errors.New("connection reset")}
	}
	body, ok := f.bodies[url]
	f.mu.Unlock()

	if !ok {
		return nil, &common.HTTPError{URL: url, StatusCode: http.StatusNotFound}
	}
	return &http.Response{
		StatusCode:    http.StatusOK,
		ContentLength: int64(len(body)),
		Body:          io.NopCloser(bytes.NewReader(body)),
	}, nil
}

func (f *stubFetcher) attemptCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[url]
}

// recordingCatalog captures resource status updates.
type recordingCatalog struct {
	mu       sync.Mutex
	statuses map[string][]string
	errors   map[string]string
	task     models.TaskStatus
}

func newRecordingCatalog() *recordingCatalog {
	return &recordingCatalog{
		statuses: make(map[string][]string),
		errors:   make(map[string]string),
	}
}

func (c *recordingCatalog) CreateTask(ctx context.Context, sourceURL, savePath string) int64 { return 1 }

func (c *recordingCatalog) UpdateTaskStatus(ctx context.Context, taskID int64, status models.TaskStatus, finished bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.task = status
}

func (c *recordingCatalog) UpdateTaskProgress(ctx context.Context, taskID int64, downloaded, total int) {
}
func (c *recordingCatalog) DeleteTask(ctx context.Context, taskID int64) error { return nil }
func (c *recordingCatalog) ClearAllTasks(ctx context.Context) error            { return nil }
func (c *recordingCatalog) Close() error                                       { return nil }
func (c *recordingCatalog) GetAllTasks(ctx context.Context) ([]*models.Task, error) {
	return nil, nil
}
func (c *recordingCatalog) GetTaskDetails(ctx context.Context, taskID int64) (*models.Task, []*models.ResourceRecord, error) {
	return nil, nil, nil
}
func (c *recordingCatalog) AddResource(ctx context.Context, taskID int64, r *models.Resource) int64 {
	return 1
}

func (c *recordingCatalog) UpdateResourceStatus(ctx context.Context, taskID int64, url, status, localPath string, size int64, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[url] = append(c.statuses[url], status)
	if errMsg != "" {
		c.errors[url] = errMsg
	}
}

func (c *recordingCatalog) lastStatus(url string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.statuses[url]) == 0 {
		return ""
	}
	return c.statuses[url][len(c.statuses[url])-1]
}

func (c *recordingCatalog) lastError(url string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors[url]
}

func (c *recordingCatalog) taskStatus() models.TaskStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.task
}

func testDownloadConfig() *common.DownloadConfig {
	return &common.DownloadConfig{
		Workers:    2,
		ChunkSize:  8192,
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	}
}

func newTestDownloadPool(t *testing.T, fetcher interfaces.Fetcher, catalog interfaces.Catalog) (*DownloadPool, interfaces.EventService) {
	t.Helper()
	logger := arbor.NewLogger()
	bus := events.NewEventService(logger)
	t.Cleanup(func() { bus.Close() })

	factory := func() (interfaces.Fetcher, error) { return fetcher, nil }
	return NewDownloadPool(testDownloadConfig(), factory, catalog, bus, logger), bus
}

func imageResource(url string) *models.Resource {
	r := models.NewResource(url, "http://site.test/")
	r.Type = models.TypeImage
	return r
}

func dataWith(resources ...*models.Resource) *models.ScrapedData {
	data := models.NewScrapedData("http://site.test/")
	for _, r := range resources {
		data.Add(r)
	}
	return data
}

func TestDownloadWritesFiles(t *testing.T) {
	fetcher := newDownloadStub()
	fetcher.bodies["http://site.test/a.jpg"] = []byte("image-a-bytes")
	fetcher.bodies["http://site.test/b.jpg"] = []byte("image-b-bytes")

	catalog := newRecordingCatalog()
	pool, _ := newTestDownloadPool(t, fetcher, catalog)
	dir := t.TempDir()

	data := dataWith(imageResource("http://site.test/a.jpg"), imageResource("http://site.test/b.jpg"))
	success, total, err := pool.Run(context.Background(), 1, data, nil, dir, 2)
	require.NoError(t, err)

	assert.Equal(t, 2, success)
	assert.Equal(t, 2, total)

	content, err := os.ReadFile(filepath.Join(dir, "a.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "image-a-bytes", string(content))

	assert.Equal(t, "completed", catalog.lastStatus("http://site.test/a.jpg"))
	assert.Equal(t, models.TaskCompleted, catalog.taskStatus())

	// No temp files left behind.
	matches, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	assert.Empty(t, matches)
}

func TestDownloadRetriesThenSucceeds(t *testing.T) {
	fetcher := newDownloadStub()
	fetcher.bodies["http://site.test/flaky.jpg"] = []byte("payload")
	fetcher.failures["http://site.test/flaky.jpg"] = 2

	catalog := newRecordingCatalog()
	pool, _ := newTestDownloadPool(t, fetcher, catalog)
	dir := t.TempDir()

	success, total, err := pool.Run(context.Background(), 1, dataWith(imageResource("http://site.test/flaky.jpg")), nil, dir, 1)
	require.NoError(t, err)

	assert.Equal(t, 1, success)
	assert.Equal(t, 1, total)
	assert.Equal(t, 3, fetcher.attemptCount("http://site.test/flaky.jpg"))
}

func TestDownloadFailsAfterFourAttempts(t *testing.T) {
	fetcher := newDownloadStub()
	fetcher.failures["http://site.test/dead.jpg"] = -1

	catalog := newRecordingCatalog()
	pool, _ := newTestDownloadPool(t, fetcher, catalog)
	dir := t.TempDir()

	success, total, err := pool.Run(context.Background(), 1, dataWith(imageResource("http://site.test/dead.jpg")), nil, dir, 1)
	require.NoError(t, err)

	assert.Equal(t, 0, success)
	assert.Equal(t, 1, total)
	assert.Equal(t, 4, fetcher.attemptCount("http://site.test/dead.jpg"))
	assert.Equal(t, "failed", catalog.lastStatus("http://site.test/dead.jpg"))
}

func TestDownloadSkipsCachedFile(t *testing.T) {
	body := []byte("cached-image-bytes")
	fetcher := newDownloadStub()
	fetcher.bodies["http://site.test/cached.jpg"] = body

	catalog := newRecordingCatalog()
	pool, _ := newTestDownloadPool(t, fetcher, catalog)
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "cached.jpg"), body, 0644))

	success, _, err := pool.Run(context.Background(), 1, dataWith(imageResource("http://site.test/cached.jpg")), nil, dir, 1)
	require.NoError(t, err)

	assert.Equal(t, 1, success)
	assert.Equal(t, 0, fetcher.attemptCount("http://site.test/cached.jpg"))
	assert.Equal(t, "Skipped (cached)", catalog.lastError("http://site.test/cached.jpg"))
}

func TestDownloadUniquifiesOnSizeMismatch(t *testing.T) {
	fresh := bytes.Repeat([]byte("fresh version of the image payload "), 10)
	fetcher := newDownloadStub()
	fetcher.bodies["http://site.test/photo.jpg"] = fresh

	catalog := newRecordingCatalog()
	pool, _ := newTestDownloadPool(t, fetcher, catalog)
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "photo.jpg"), []byte("old"), 0644))

	success, _, err := pool.Run(context.Background(), 1, dataWith(imageResource("http://site.test/photo.jpg")), nil, dir, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, success)

	content, err := os.ReadFile(filepath.Join(dir, "photo_1.jpg"))
	require.NoError(t, err)
	assert.Equal(t, fresh, content)

	old, err := os.ReadFile(filepath.Join(dir, "photo.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(old))
}

func TestDownloadWritesInlineContent(t *testing.T) {
	catalog := newRecordingCatalog()
	pool, _ := newTestDownloadPool(t, newDownloadStub(), catalog)
	dir := t.TempDir()

	r := &models.Resource{
		Type:    models.TypeRichText,
		Title:   "a quote",
		Content: "The only limit is the one you set yourself.",
	}
	r.Normalize()

	success, _, err := pool.Run(context.Background(), 1, dataWith(r), nil, dir, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, success)

	content, err := os.ReadFile(filepath.Join(dir, "a quote.txt"))
	require.NoError(t, err)
	assert.Equal(t, r.Content, string(content))
}

func TestDownloadDecodesDataURI(t *testing.T) {
	catalog := newRecordingCatalog()
	pool, _ := newTestDownloadPool(t, newDownloadStub(), catalog)
	dir := t.TempDir()

	r := &models.Resource{
		URL:   "data:image/png;base64,aGVsbG8=",
		Type:  models.TypeImage,
		Title: "tiny",
	}
	r.Normalize()

	success, _, err := pool.Run(context.Background(), 1, dataWith(r), nil, dir, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, success)

	content, err := os.ReadFile(filepath.Join(dir, "tiny.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))
}

func TestDownloadSelectsCategories(t *testing.T) {
	fetcher := newDownloadStub()
	fetcher.bodies["http://site.test/a.jpg"] = []byte("img")
	fetcher.bodies["http://site.test/v.mp4"] = []byte("vid")

	catalog := newRecordingCatalog()
	pool, _ := newTestDownloadPool(t, fetcher, catalog)
	dir := t.TempDir()

	video := models.NewResource("http://site.test/v.mp4", "")
	data := dataWith(imageResource("http://site.test/a.jpg"), video)

	success, total, err := pool.Run(context.Background(), 1, data, []models.Category{models.CategoryImages}, dir, 1)
	require.NoError(t, err)

	assert.Equal(t, 1, success)
	assert.Equal(t, 1, total)
	assert.Equal(t, 0, fetcher.attemptCount("http://site.test/v.mp4"))
}

func TestDownloadProgressMonotonic(t *testing.T) {
	fetcher := newDownloadStub()
	for _, u := range []string{"http://site.test/1.jpg", "http://site.test/2.jpg", "http://site.test/3.jpg"} {
		fetcher.bodies[u] = []byte("x")
	}

	catalog := newRecordingCatalog()
	pool, bus := newTestDownloadPool(t, fetcher, catalog)

	var mu sync.Mutex
	var seen []int
	require.NoError(t, bus.Subscribe(interfaces.EventProgress, func(ctx context.Context, event interfaces.Event) error {
		mu.Lock()
		seen = append(seen, event.Payload.(interfaces.ProgressPayload).Done)
		mu.Unlock()
		return nil
	}))

	data := dataWith(
		imageResource("http://site.test/1.jpg"),
		imageResource("http://site.test/2.jpg"),
		imageResource("http://site.test/3.jpg"),
	)
	_, _, err := pool.Run(context.Background(), 1, data, nil, t.TempDir(), 1)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestDownloadFinishedEventPayload(t *testing.T) {
	fetcher := newDownloadStub()
	fetcher.bodies["http://site.test/ok.jpg"] = []byte("x")
	fetcher.failures["http://site.test/bad.jpg"] = -1

	catalog := newRecordingCatalog()
	pool, bus := newTestDownloadPool(t, fetcher, catalog)

	done := make(chan interfaces.DownloadFinishedPayload, 1)
	require.NoError(t, bus.Subscribe(interfaces.EventDownloadFinished, func(ctx context.Context, event interfaces.Event) error {
		done <- event.Payload.(interfaces.DownloadFinishedPayload)
		return nil
	}))

	data := dataWith(imageResource("http://site.test/ok.jpg"), imageResource("http://site.test/bad.jpg"))
	_, _, err := pool.Run(context.Background(), 1, data, nil, t.TempDir(), 1)
	require.NoError(t, err)

	payload := <-done
	assert.Equal(t, 1, payload.Success)
	assert.Equal(t, 2, payload.Total)
}

func TestDownloadEmptySelection(t *testing.T) {
	catalog := newRecordingCatalog()
	pool, bus := newTestDownloadPool(t, newDownloadStub(), catalog)

	done := make(chan interfaces.DownloadFinishedPayload, 1)
	require.NoError(t, bus.Subscribe(interfaces.EventDownloadFinished, func(ctx context.Context, event interfaces.Event) error {
		done <- event.Payload.(interfaces.DownloadFinishedPayload)
		return nil
	}))

	success, total, err := pool.Run(context.Background(), 1, dataWith(), nil, t.TempDir(), 1)
	require.NoError(t, err)
	assert.Equal(t, 0, success)
	assert.Equal(t, 0, total)

	payload := <-done
	assert.Equal(t, 0, payload.Total)
}

func TestDownloadUsesHLSMerger(t *testing.T) {
	catalog := newRecordingCatalog()
	pool, _ := newTestDownloadPool(t, newDownloadStub(), catalog)
	dir := t.TempDir()

	merger := &stubMerger{}
	pool.SetHLSDownloader(merger)

	r := models.NewResource("http://site.test/stream/master.m3u8", "http://site.test/")

	success, _, err := pool.Run(context.Background(), 1, dataWith(r), nil, dir, 1)
	require.NoError(t, err)

	assert.Equal(t, 1, success)
	assert.Equal(t, "http://site.test/stream/master.m3u8", merger.playlistURL)
	assert.Equal(t, ".mp4", filepath.Ext(merger.outputPath))
	assert.Contains(t, catalog.statuses["http://site.test/stream/master.m3u8"], "merging")
}

type stubMerger struct {
	playlistURL string
	outputPath  string
}

func (m *stubMerger) DownloadAndMerge(ctx context.Context, playlistURL, referer, outputPath string) error {
	m.playlistURL = playlistURL
	m.outputPath = outputPath
	return os.WriteFile(outputPath, []byte("merged"), 0644)
}

// gatedFetcher blocks GetStream until the gate opens, signalling when the
// first stream begins.
type gatedFetcher struct {
	started chan struct{}
	gate    chan struct{}
}

func (f *gatedFetcher) Get(ctx context.Context, url string, opts *interfaces.FetchOptions) (*interfaces.FetchResponse, error) {
	return nil, errors.New("not used")
}

func (f *gatedFetcher) Head(ctx context.Context, url string, opts *interfaces.FetchOptions) (*interfaces.FetchResponse, error) {
	return nil, &common.HTTPError{URL: url, StatusCode: http.StatusNotFound}
}

func (f *gatedFetcher) GetStream(ctx context.Context, url string, opts *interfaces.FetchOptions) (*http.Response, error) {
	select {
	case f.started <- struct{}{}:
	default:
	}
	<-f.gate
	body := []byte("payload")
	return &http.Response{
		StatusCode:    http.StatusOK,
		ContentLength: int64(len(body)),
		Body:          io.NopCloser(bytes.NewReader(body)),
	}, nil
}

func TestDownloadCancelMidRun(t *testing.T) {
	fetcher := &gatedFetcher{started: make(chan struct{}, 1), gate: make(chan struct{})}
	catalog := newRecordingCatalog()
	pool, bus := newTestDownloadPool(t, fetcher, catalog)
	dir := t.TempDir()

	var mu sync.Mutex
	finished := 0
	require.NoError(t, bus.Subscribe(interfaces.EventDownloadFinished, func(ctx context.Context, event interfaces.Event) error {
		mu.Lock()
		finished++
		mu.Unlock()
		return nil
	}))

	data := dataWith(
		imageResource("http://site.test/1.jpg"),
		imageResource("http://site.test/2.jpg"),
		imageResource("http://site.test/3.jpg"),
	)

	type result struct {
		success, total int
		err            error
	}
	done := make(chan result, 1)
	go func() {
		s, n, err := pool.Run(context.Background(), 1, data, nil, dir, 1)
		done <- result{s, n, err}
	}()

	<-fetcher.started
	pool.Cancel(context.Background())
	close(fetcher.gate)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, 0, res.success)
	assert.Equal(t, 3, res.total)

	// Cancel wins; the run must not flip the task back to completed.
	assert.Equal(t, models.TaskCancelled, catalog.taskStatus())
	assert.Equal(t, "cancelled", catalog.lastStatus("http://site.test/2.jpg"))
	assert.Equal(t, "cancelled", catalog.lastStatus("http://site.test/3.jpg"))

	mu.Lock()
	assert.Equal(t, 1, finished)
	mu.Unlock()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Cancel is idempotent.
	pool.Cancel(context.Background())
}

// jitterCatalog delays progress writes to widen the window between a
// counter update and its event.
type jitterCatalog struct {
	*recordingCatalog
	jmu   sync.Mutex
	calls int
}

func (c *jitterCatalog) UpdateTaskProgress(ctx context.Context, taskID int64, downloaded, total int) {
	c.jmu.Lock()
	c.calls++
	n := c.calls
	c.jmu.Unlock()
	time.Sleep(time.Duration(n%7) * 50 * time.Microsecond)
}

func TestDownloadProgressOrderedAcrossWorkers(t *testing.T) {
	fetcher := newDownloadStub()
	var resources []*models.Resource
	for i := 0; i < 24; i++ {
		u := fmt.Sprintf("http://site.test/img-%d.jpg", i)
		fetcher.bodies[u] = []byte("x")
		resources = append(resources, imageResource(u))
	}

	catalog := &jitterCatalog{recordingCatalog: newRecordingCatalog()}
	logger := arbor.NewLogger()
	bus := events.NewEventService(logger)
	t.Cleanup(func() { bus.Close() })

	cfg := testDownloadConfig()
	cfg.Workers = 8
	factory := func() (interfaces.Fetcher, error) { return fetcher, nil }
	pool := NewDownloadPool(cfg, factory, catalog, bus, logger)

	var mu sync.Mutex
	var seen []int
	require.NoError(t, bus.Subscribe(interfaces.EventProgress, func(ctx context.Context, event interfaces.Event) error {
		mu.Lock()
		seen = append(seen, event.Payload.(interfaces.ProgressPayload).Done)
		mu.Unlock()
		return nil
	}))

	_, _, err := pool.Run(context.Background(), 1, dataWith(resources...), nil, t.TempDir(), 8)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 24)
	for i, done := range seen {
		assert.Equal(t, i+1, done)
	}
}

package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
)

const (
	diskReserve    = 50 * 1024 * 1024
	minPreflight   = 10 * 1024 * 1024
	cacheTolerance = 100
)

// HLSDownloader turns a playlist URL into a single merged media file.
type HLSDownloader interface {
	DownloadAndMerge(ctx context.Context, playlistURL, referer, outputPath string) error
}

// DownloadPool downloads a filtered selection of aggregated resources
// concurrently, with retries, atomic writes, cached-skip, and catalog
// bookkeeping.
type DownloadPool struct {
	config         *common.DownloadConfig
	fetcherFactory interfaces.FetcherFactory
	catalog        interfaces.Catalog
	events         interfaces.EventService
	logger         arbor.ILogger
	hls            HLSDownloader

	cancelled atomic.Bool
	taskID    int64

	mu        sync.Mutex
	completed int
	succeeded int
	total     int
}

// NewDownloadPool assembles a pool for one download run.
func NewDownloadPool(
	config *common.DownloadConfig,
	fetcherFactory interfaces.FetcherFactory,
	catalog interfaces.Catalog,
	events interfaces.EventService,
	logger arbor.ILogger,
) *DownloadPool {
	return &DownloadPool{
		config:         config,
		fetcherFactory: fetcherFactory,
		catalog:        catalog,
		events:         events,
		logger:         logger,
	}
}

// SetHLSDownloader installs the merger used for HLS playlist items. When
// absent, playlist files are downloaded as-is.
func (p *DownloadPool) SetHLSDownloader(h HLSDownloader) {
	p.hls = h
}

// Run downloads the selected categories into outputDir and blocks until
// every item has finished or the pool is cancelled. Returns the success
// and total counts.
func (p *DownloadPool) Run(
	ctx context.Context,
	taskID int64,
	data *models.ScrapedData,
	categories []models.Category,
	outputDir string,
	workers int,
) (int, int, error) {
	if len(categories) == 0 {
		categories = models.AllCategories
	}

	items := p.flatten(data, categories)
	p.taskID = taskID

	p.mu.Lock()
	p.completed = 0
	p.succeeded = 0
	p.total = len(items)
	p.mu.Unlock()

	if len(items) == 0 {
		p.events.PublishSync(ctx, interfaces.Event{
			Type:    interfaces.EventDownloadFinished,
			Payload: interfaces.DownloadFinishedPayload{Success: 0, Total: 0},
		})
		return 0, 0, nil
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return 0, len(items), &common.StorageError{Op: "create output directory", Err: err}
	}

	if workers <= 0 {
		workers = p.config.Workers
	}
	if workers <= 0 {
		workers = 5
	}
	if workers > 20 {
		workers = 20
	}
	if workers > len(items) {
		workers = len(items)
	}

	p.events.PublishSync(ctx, interfaces.Event{
		Type:    interfaces.EventDownloadStarted,
		Payload: map[string]any{"total": len(items), "output_dir": outputDir},
	})
	p.logger.Info().
		Int("items", len(items)).
		Int("workers", workers).
		Str("output_dir", outputDir).
		Msg("Download started")

	queue := make(chan *models.Resource)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go p.worker(ctx, &wg, queue, outputDir)
	}

	for _, r := range items {
		queue <- r
	}
	close(queue)
	wg.Wait()

	p.mu.Lock()
	succeeded, total := p.succeeded, p.total
	p.mu.Unlock()

	if !p.cancelled.Load() {
		p.catalog.UpdateTaskStatus(ctx, taskID, models.TaskCompleted, true)
	}

	p.events.PublishSync(ctx, interfaces.Event{
		Type:    interfaces.EventDownloadFinished,
		Payload: interfaces.DownloadFinishedPayload{Success: succeeded, Total: total},
	})
	p.logger.Info().
		Int("success", succeeded).
		Int("total", total).
		Bool("cancelled", p.cancelled.Load()).
		Msg("Download finished")

	return succeeded, total, nil
}

// Cancel drains items not yet started and marks the catalog task. In-flight
// downloads notice the flag at chunk boundaries. Idempotent.
func (p *DownloadPool) Cancel(ctx context.Context) {
	if p.cancelled.Swap(true) {
		return
	}
	p.catalog.UpdateTaskStatus(ctx, p.taskID, models.TaskCancelled, true)
	p.events.PublishSync(ctx, interfaces.Event{
		Type:    interfaces.EventLog,
		Payload: "download cancelled",
	})
	p.logger.Info().Int64("task_id", p.taskID).Msg("Download cancelled")
}

// flatten unions the selected categories in canonical category order,
// preserving aggregation order within each.
func (p *DownloadPool) flatten(data *models.ScrapedData, categories []models.Category) []*models.Resource {
	selected := make(map[models.Category]bool, len(categories))
	for _, c := range categories {
		selected[c] = true
	}

	var items []*models.Resource
	for _, c := range models.AllCategories {
		if selected[c] {
			items = append(items, data.ByCategory(c)...)
		}
	}
	return items
}

func (p *DownloadPool) worker(ctx context.Context, wg *sync.WaitGroup, queue <-chan *models.Resource, outputDir string) {
	defer wg.Done()

	fetcher, err := p.fetcherFactory()
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to create download fetcher")
		// Drain so Run does not block feeding the channel.
		for range queue {
			p.finishItem(ctx, nil, false, "no fetcher available")
		}
		return
	}

	for r := range queue {
		if p.cancelled.Load() || ctx.Err() != nil {
			r.Status = models.StatusCancelled
			p.catalog.UpdateResourceStatus(ctx, p.taskID, r.CatalogKey(), string(models.StatusCancelled), "", 0, "")
			p.finishItem(ctx, r, false, "cancelled")
			continue
		}

		ok := p.processItem(ctx, fetcher, r, outputDir)
		msg := fmt.Sprintf("downloaded %s", r.Title)
		if !ok {
			msg = fmt.Sprintf("failed %s: %s", r.Title, r.Error)
		} else if r.Error == "Skipped (cached)" {
			msg = fmt.Sprintf("skipped %s (cached)", r.Title)
		}
		p.finishItem(ctx, r, ok, msg)
	}
}

// finishItem updates counters and emits the progress event under one lock
// so subscribers see done counts in order.
func (p *DownloadPool) finishItem(ctx context.Context, r *models.Resource, ok bool, msg string) {
	p.mu.Lock()
	p.completed++
	if ok {
		p.succeeded++
	}
	completed, succeeded, total := p.completed, p.succeeded, p.total

	p.catalog.UpdateTaskProgress(ctx, p.taskID, succeeded, total)
	p.events.PublishSync(ctx, interfaces.Event{
		Type:    interfaces.EventProgress,
		Payload: interfaces.ProgressPayload{Done: completed, Total: total},
	})
	p.mu.Unlock()

	p.events.Publish(ctx, interfaces.Event{
		Type:    interfaces.EventLog,
		Payload: msg,
	})
}

// processItem runs the full per-item pipeline and reports success.
func (p *DownloadPool) processItem(ctx context.Context, fetcher interfaces.Fetcher, r *models.Resource, outputDir string) bool {
	name := deriveFilename(r)
	if r.Type == models.TypeHLS && p.hls != nil {
		// Merged playlists land as MP4 regardless of the playlist name.
		name = strings.TrimSuffix(name, filepath.Ext(name)) + ".mp4"
	}
	originalPath := filepath.Join(outputDir, name)
	finalPath, existed := uniquePath(originalPath)

	r.Status = models.StatusDownloading
	p.catalog.UpdateResourceStatus(ctx, p.taskID, r.CatalogKey(), string(models.StatusDownloading), "", 0, "")

	if r.IsInline() {
		return p.writeInline(ctx, r, finalPath)
	}

	if existed && p.cachedMatch(ctx, fetcher, r, originalPath) {
		size := localSize(originalPath)
		r.MarkCompleted(originalPath)
		r.Error = "Skipped (cached)"
		r.Size = size
		p.catalog.UpdateResourceStatus(ctx, p.taskID, r.CatalogKey(), string(models.StatusCompleted), originalPath, size, "Skipped (cached)")
		return true
	}

	if strings.HasPrefix(r.URL, "data:") {
		return p.writeDataURI(ctx, r, finalPath)
	}

	if r.Type == models.TypeHLS && p.hls != nil {
		return p.mergeHLS(ctx, r, finalPath)
	}

	return p.downloadWithRetries(ctx, fetcher, r, finalPath)
}

func (p *DownloadPool) writeInline(ctx context.Context, r *models.Resource, finalPath string) bool {
	if err := os.WriteFile(finalPath, []byte(r.Content), 0644); err != nil {
		return p.fail(ctx, r, &common.StorageError{Op: "write inline content", Err: err})
	}
	size := int64(len(r.Content))
	r.Size = size
	r.MarkCompleted(finalPath)
	p.catalog.UpdateResourceStatus(ctx, p.taskID, r.CatalogKey(), string(models.StatusCompleted), finalPath, size, "")
	return true
}

func (p *DownloadPool) writeDataURI(ctx context.Context, r *models.Resource, finalPath string) bool {
	payload, err := decodeDataURI(r.URL)
	if err != nil {
		return p.fail(ctx, r, err)
	}
	if err := os.WriteFile(finalPath, payload, 0644); err != nil {
		return p.fail(ctx, r, &common.StorageError{Op: "write data URI payload", Err: err})
	}
	r.Size = int64(len(payload))
	r.MarkCompleted(finalPath)
	p.catalog.UpdateResourceStatus(ctx, p.taskID, r.CatalogKey(), string(models.StatusCompleted), finalPath, r.Size, "")
	return true
}

func (p *DownloadPool) mergeHLS(ctx context.Context, r *models.Resource, finalPath string) bool {
	r.Status = models.StatusMerging
	p.catalog.UpdateResourceStatus(ctx, p.taskID, r.CatalogKey(), string(models.StatusMerging), "", 0, "")

	if err := p.hls.DownloadAndMerge(ctx, r.URL, r.Referer, finalPath); err != nil {
		return p.fail(ctx, r, err)
	}

	size := localSize(finalPath)
	r.Size = size
	r.MarkCompleted(finalPath)
	p.catalog.UpdateResourceStatus(ctx, p.taskID, r.CatalogKey(), string(models.StatusCompleted), finalPath, size, "")
	return true
}

// cachedMatch probes the origin with HEAD and compares the declared length
// against the existing local file.
func (p *DownloadPool) cachedMatch(ctx context.Context, fetcher interfaces.Fetcher, r *models.Resource, localPath string) bool {
	resp, err := fetcher.Head(ctx, r.URL, &interfaces.FetchOptions{Referer: r.Referer, Headers: r.Headers})
	if err != nil {
		return false
	}

	cl, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	if err != nil || cl <= 0 {
		return false
	}

	local := localSize(localPath)
	diff := cl - local
	if diff < 0 {
		diff = -diff
	}
	return diff <= cacheTolerance
}

func (p *DownloadPool) downloadWithRetries(ctx context.Context, fetcher interfaces.Fetcher, r *models.Resource, finalPath string) bool {
	maxRetries := p.config.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	retryDelay := p.config.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if p.cancelled.Load() || ctx.Err() != nil {
			lastErr = common.ErrCancelled
			break
		}

		lastErr = p.downloadOnce(ctx, fetcher, r, finalPath)
		if lastErr == nil {
			r.MarkCompleted(finalPath)
			p.catalog.UpdateResourceStatus(ctx, p.taskID, r.CatalogKey(), string(models.StatusCompleted), finalPath, r.Size, "")
			return true
		}

		var diskErr *common.DiskSpaceError
		if errors.As(lastErr, &diskErr) || errors.Is(lastErr, common.ErrCancelled) {
			break
		}

		if attempt < maxRetries {
			delay := retryDelay * time.Duration(attempt+1)
			p.logger.Debug().
				Str("url", r.URL).
				Int("attempt", attempt+1).
				Dur("delay", delay).
				Err(lastErr).
				Msg("Retrying download")

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				lastErr = common.ErrCancelled
			case <-timer.C:
				continue
			}
			break
		}
	}

	return p.fail(ctx, r, lastErr)
}

// downloadOnce streams one attempt into a .tmp sibling and renames it into
// place on success.
func (p *DownloadPool) downloadOnce(ctx context.Context, fetcher interfaces.Fetcher, r *models.Resource, finalPath string) error {
	resp, err := fetcher.GetStream(ctx, r.URL, &interfaces.FetchOptions{Referer: r.Referer, Headers: r.Headers})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	required := uint64(minPreflight)
	if resp.ContentLength > minPreflight {
		required = uint64(resp.ContentLength)
	}
	if free, err := freeSpace(filepath.Dir(finalPath)); err == nil {
		if free < required+diskReserve {
			return &common.DiskSpaceError{
				Path:     filepath.Dir(finalPath),
				Required: required + diskReserve,
				Free:     free,
			}
		}
	}

	tmpPath := finalPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return &common.StorageError{Op: "create temp file", Err: err}
	}

	chunkSize := p.config.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 8192
	}
	buf := make([]byte, chunkSize)
	var written int64

	for {
		if p.cancelled.Load() || ctx.Err() != nil {
			f.Close()
			os.Remove(tmpPath)
			return common.ErrCancelled
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := f.Write(buf[:n]); writeErr != nil {
				f.Close()
				os.Remove(tmpPath)
				return &common.StorageError{Op: "write chunk", Err: writeErr}
			}
			written += int64(n)
			if resp.ContentLength > 0 {
				r.MarkProgress(float64(written) / float64(resp.ContentLength))
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			f.Close()
			os.Remove(tmpPath)
			return &common.NetworkError{URL: r.URL, Err: readErr}
		}
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return &common.StorageError{Op: "close temp file", Err: err}
	}

	// Replace any stale final file before the rename.
	os.Remove(finalPath)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return &common.StorageError{Op: "rename temp file", Err: err}
	}

	r.Size = written
	return nil
}

func (p *DownloadPool) fail(ctx context.Context, r *models.Resource, err error) bool {
	msg := "download failed"
	if err != nil {
		msg = err.Error()
	}
	r.MarkFailed(msg)
	p.catalog.UpdateResourceStatus(ctx, p.taskID, r.CatalogKey(), string(models.StatusFailed), "", 0, msg)
	p.logger.Warn().Str("url", r.URL).Str("error", msg).Msg("Download failed")
	return false
}

func localSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

package crawler

import (
	"context"
	"fmt"
	"net/url"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/extract"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
)

// CrawlPool drives concurrent page crawling: workers pop tasks off the
// queue, fetch and extract them, feed resources into the shared
// aggregation, and enqueue pagination links within the depth bound.
// Completion is detected when the queue is drained with nothing in flight.
type CrawlPool struct {
	config         *common.CrawlerConfig
	fetcherFactory interfaces.FetcherFactory
	extractor      *extract.Extractor
	catalog        interfaces.Catalog
	events         interfaces.EventService
	logger         arbor.ILogger

	queue  *CrawlQueue
	data   *models.ScrapedData
	dataMu sync.Mutex

	taskID    int64
	stopped   atomic.Bool
	cancelled atomic.Bool
	finish    sync.Once
	wg        sync.WaitGroup

	// progressMu serializes TaskDone with the progress event it emits so
	// subscribers see done counts in order.
	progressMu sync.Mutex

	workerMu    sync.Mutex
	workerCount int

	adaptDone chan struct{}
	adaptOnce sync.Once
}

// NewCrawlPool assembles a pool; Start launches it.
func NewCrawlPool(
	config *common.CrawlerConfig,
	fetcherFactory interfaces.FetcherFactory,
	extractor *extract.Extractor,
	catalog interfaces.Catalog,
	events interfaces.EventService,
	logger arbor.ILogger,
) *CrawlPool {
	return &CrawlPool{
		config:         config,
		fetcherFactory: fetcherFactory,
		extractor:      extractor,
		catalog:        catalog,
		events:         events,
		logger:         logger,
		queue:          NewCrawlQueue(),
		adaptDone:      make(chan struct{}),
	}
}

// Start registers a catalog task, seeds the queue and spawns the workers.
// It returns the catalog task id without blocking; use Wait to join.
func (p *CrawlPool) Start(ctx context.Context, seedURL string) (int64, error) {
	parsed, err := url.Parse(seedURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return -1, fmt.Errorf("seed URL %q: %w", seedURL, common.ErrInvalidInput)
	}

	p.data = models.NewScrapedData(seedURL)
	p.taskID = p.catalog.CreateTask(ctx, seedURL, "")
	if p.taskID < 0 {
		p.logger.Warn().Str("url", seedURL).Msg("Catalog rejected the task; crawl continues without persistence")
	}
	p.catalog.UpdateTaskStatus(ctx, p.taskID, models.TaskScanning, false)

	p.events.PublishSync(ctx, interfaces.Event{
		Type:    interfaces.EventCrawlStarted,
		Payload: map[string]any{"url": seedURL, "task_id": p.taskID},
	})

	p.queue.Put(&models.CrawlTask{
		URL:      seedURL,
		Depth:    1,
		Priority: models.PriorityHigh,
	})

	workers := p.initialWorkers()
	p.addWorkers(ctx, workers)

	if p.config.AutoAdapt {
		p.wg.Add(1)
		go p.adaptLoop(ctx)
	}

	p.logger.Info().
		Str("url", seedURL).
		Int("workers", workers).
		Int("max_depth", p.config.MaxDepth).
		Msg("Crawl started")

	return p.taskID, nil
}

// Wait blocks until all workers have exited.
func (p *CrawlPool) Wait() {
	p.wg.Wait()
}

// Cancel stops the pool: queued tasks are dropped, in-flight fetches run
// to completion, and the catalog task is marked cancelled. Idempotent.
func (p *CrawlPool) Cancel(ctx context.Context) {
	if p.cancelled.Swap(true) {
		return
	}

	// Burn the finish slot so draining the queue after cancel does not
	// flip the task to scanned.
	p.finish.Do(func() {})

	p.stopped.Store(true)
	p.adaptOnce.Do(func() { close(p.adaptDone) })
	p.queue.Clear()

	p.catalog.UpdateTaskStatus(ctx, p.taskID, models.TaskCancelled, true)
	p.events.PublishSync(ctx, interfaces.Event{
		Type:    interfaces.EventLog,
		Payload: "crawl cancelled",
	})

	p.logger.Info().Int64("task_id", p.taskID).Msg("Crawl cancelled")
}

// Data returns a snapshot of the aggregation so far.
func (p *CrawlPool) Data() *models.ScrapedData {
	p.dataMu.Lock()
	defer p.dataMu.Unlock()
	return p.data.Snapshot()
}

// Stats exposes the queue counters.
func (p *CrawlPool) Stats() QueueStats {
	return p.queue.Stats()
}

// WorkerCount returns the current number of workers.
func (p *CrawlPool) WorkerCount() int {
	p.workerMu.Lock()
	defer p.workerMu.Unlock()
	return p.workerCount
}

// initialWorkers resolves the configured worker count: explicit values are
// clamped to [1, max]; zero means derive from CPU count.
func (p *CrawlPool) initialWorkers() int {
	maxWorkers := p.config.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 20
	}

	n := p.config.Workers
	if n <= 0 {
		n = 2 * runtime.NumCPU()
		if n < 5 {
			n = 5
		}
		if n > 10 {
			n = 10
		}
	}
	if n < 1 {
		n = 1
	}
	if n > maxWorkers {
		n = maxWorkers
	}
	return n
}

func (p *CrawlPool) addWorkers(ctx context.Context, n int) {
	p.workerMu.Lock()
	defer p.workerMu.Unlock()

	for i := 0; i < n; i++ {
		id := p.workerCount
		p.workerCount++
		p.wg.Add(1)
		go p.worker(ctx, id)
	}
}

func (p *CrawlPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	fetcher, err := p.fetcherFactory()
	if err != nil {
		p.logger.Error().Err(err).Int("worker", id).Msg("Failed to create fetcher")
		return
	}

	for {
		if p.stopped.Load() || ctx.Err() != nil {
			return
		}

		task := p.queue.Get(p.config.PopTimeout)
		if task == nil {
			continue
		}

		success := p.process(ctx, fetcher, task)

		p.progressMu.Lock()
		p.queue.TaskDone(success)
		stats := p.queue.Stats()
		p.events.PublishSync(ctx, interfaces.Event{
			Type:    interfaces.EventProgress,
			Payload: interfaces.ProgressPayload{Done: stats.Completed + stats.Failed, Total: stats.TotalQueued},
		})
		p.progressMu.Unlock()

		p.checkComplete(ctx)
	}
}

func (p *CrawlPool) process(ctx context.Context, fetcher interfaces.Fetcher, task *models.CrawlTask) bool {
	opts := &interfaces.FetchOptions{Referer: task.Referer}

	resp, err := fetcher.Get(ctx, task.URL, opts)
	if err != nil {
		p.logger.Warn().
			Str("url", task.URL).
			Int("depth", task.Depth).
			Err(err).
			Msg("Fetch failed")
		p.events.Publish(ctx, interfaces.Event{
			Type:    interfaces.EventError,
			Payload: map[string]any{"url": task.URL, "error": err.Error()},
		})
		return false
	}

	result, err := p.extractor.Extract(resp.FinalURL, resp.Body, resp.ContentType(), resp.StatusCode)
	if err != nil {
		p.logger.Warn().Str("url", task.URL).Err(err).Msg("Extraction failed")
		return false
	}

	added := 0
	p.dataMu.Lock()
	for _, r := range result.Resources {
		if r.Referer == "" {
			r.Referer = resp.FinalURL
		}
		if p.data.Add(r) {
			added++
		}
	}
	p.dataMu.Unlock()

	if added > 0 {
		p.events.Publish(ctx, interfaces.Event{
			Type:    interfaces.EventResultsUpdated,
			Payload: interfaces.ResultsPayload{Data: p.Data()},
		})
	}

	if task.Depth < p.config.MaxDepth {
		for _, link := range result.Links {
			p.queue.Put(&models.CrawlTask{
				URL:      link,
				Depth:    task.Depth + 1,
				Priority: models.PriorityNormal,
				Referer:  task.URL,
			})
		}
	}

	p.logger.Debug().
		Str("url", task.URL).
		Int("depth", task.Depth).
		Int("resources", added).
		Int("links", len(result.Links)).
		Msg("Page processed")

	return true
}

// checkComplete finishes the run exactly once when the queue drains with
// nothing in flight.
func (p *CrawlPool) checkComplete(ctx context.Context) {
	if !p.queue.IsEmpty() || p.queue.Unfinished() != 0 {
		return
	}

	p.finish.Do(func() {
		snapshot := p.Data()
		total := snapshot.TotalCount()

		p.persistResources(ctx, snapshot)
		p.catalog.UpdateTaskProgress(ctx, p.taskID, 0, total)
		p.catalog.UpdateTaskStatus(ctx, p.taskID, models.TaskScanned, false)

		p.events.PublishSync(ctx, interfaces.Event{
			Type:    interfaces.EventCrawlFinished,
			Payload: interfaces.ResultsPayload{Data: snapshot},
		})

		p.stopped.Store(true)
		p.adaptOnce.Do(func() { close(p.adaptDone) })

		stats := p.queue.Stats()
		p.logger.Info().
			Int64("task_id", p.taskID).
			Int("pages", stats.Completed).
			Int("failed", stats.Failed).
			Int("resources", total).
			Msg("Crawl finished")
	})
}

func (p *CrawlPool) persistResources(ctx context.Context, data *models.ScrapedData) {
	for _, category := range models.AllCategories {
		for _, r := range data.ByCategory(category) {
			p.catalog.AddResource(ctx, p.taskID, r)
		}
	}
}

// adaptLoop grows the worker pool while the queue backs up. Workers are
// only ever added; they retire naturally when the run stops.
func (p *CrawlPool) adaptLoop(ctx context.Context) {
	defer p.wg.Done()

	interval := p.config.AdaptInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.adaptDone:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.maybeGrow(ctx)
		}
	}
}

func (p *CrawlPool) maybeGrow(ctx context.Context) {
	if p.stopped.Load() {
		return
	}
	if p.queue.Size() <= p.config.AdaptThreshold {
		return
	}

	p.workerMu.Lock()
	current := p.workerCount
	p.workerMu.Unlock()

	maxWorkers := p.config.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 20
	}
	if current >= maxWorkers {
		return
	}

	grow := p.config.AdaptStep
	if grow <= 0 {
		grow = 5
	}
	if current+grow > maxWorkers {
		grow = maxWorkers - current
	}

	p.logger.Info().
		Int("queue_size", p.queue.Size()).
		Int("current_workers", current).
		Int("adding", grow).
		Msg("Scaling up crawl workers")

	p.addWorkers(ctx, grow)
}

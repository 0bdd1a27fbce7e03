package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/crawler"
	"github.com/ternarybob/colligo/internal/download"
	"github.com/ternarybob/colligo/internal/extract"
	"github.com/ternarybob/colligo/internal/fetch"
	"github.com/ternarybob/colligo/internal/hls"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
)

// State is the controller's coarse run state.
type State string

const (
	StateIdle        State = "idle"
	StateCrawling    State = "crawling"
	StateDownloading State = "downloading"
)

// Controller is the public facade over the crawl and download pipelines.
// It holds the current run's aggregation, enforces that at most one crawl
// and one download run at a time, and routes lifecycle events to the bus.
type Controller struct {
	config  *common.Config
	catalog interfaces.Catalog
	events  interfaces.EventService
	logger  arbor.ILogger

	mu        sync.Mutex
	state     State
	runID     string
	crawlPool *crawler.CrawlPool
	dlPool    *download.DownloadPool
	data      *models.ScrapedData
	done      chan struct{}
}

// NewController wires a controller over the given collaborators.
func NewController(
	config *common.Config,
	catalog interfaces.Catalog,
	events interfaces.EventService,
	logger arbor.ILogger,
) *Controller {
	return &Controller{
		config:  config,
		catalog: catalog,
		events:  events,
		logger:  logger,
		state:   StateIdle,
	}
}

// State returns the current run state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Results returns a snapshot of the most recent crawl's aggregation, or
// nil when nothing has been crawled yet.
func (c *Controller) Results() *models.ScrapedData {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		return nil
	}
	return c.data.Snapshot()
}

// Wait blocks until the active run finishes. Returns immediately when
// idle.
func (c *Controller) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	if done != nil {
		<-done
	}
}

func (c *Controller) newFetcherFactory() interfaces.FetcherFactory {
	return func() (interfaces.Fetcher, error) {
		return fetch.NewClient(&c.config.HTTP, c.logger)
	}
}

// StartCrawl begins a crawl run from seedURL. Returns the run id. Fails
// when another run is active.
func (c *Controller) StartCrawl(ctx context.Context, seedURL string, autoAdapt bool) (string, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return "", fmt.Errorf("cannot start crawl while %s: %w", c.state, common.ErrInvalidInput)
	}

	crawlConfig := c.config.Crawler
	crawlConfig.AutoAdapt = autoAdapt

	pool := crawler.NewCrawlPool(
		&crawlConfig,
		c.newFetcherFactory(),
		extract.New(c.logger),
		c.catalog,
		c.events,
		c.logger,
	)

	runID := uuid.NewString()
	done := make(chan struct{})

	c.state = StateCrawling
	c.runID = runID
	c.crawlPool = pool
	c.done = done
	c.mu.Unlock()

	if _, err := pool.Start(ctx, seedURL); err != nil {
		c.mu.Lock()
		c.state = StateIdle
		c.crawlPool = nil
		c.done = nil
		c.mu.Unlock()
		close(done)
		return "", err
	}

	go func() {
		pool.Wait()
		data := pool.Data()

		c.mu.Lock()
		c.data = data
		c.state = StateIdle
		c.crawlPool = nil
		c.done = nil
		c.mu.Unlock()
		close(done)

		c.logger.Info().Str("run_id", runID).Msg("Crawl run ended")
	}()

	return runID, nil
}

// StartDownload begins downloading the selected categories of the last
// crawl's results. An empty category list selects everything. Returns the
// run id.
func (c *Controller) StartDownload(ctx context.Context, categories []models.Category, outputDir string, workers int) (string, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return "", fmt.Errorf("cannot start download while %s: %w", c.state, common.ErrInvalidInput)
	}
	if c.data == nil || c.data.IsEmpty() {
		c.mu.Unlock()
		return "", fmt.Errorf("nothing to download: %w", common.ErrInvalidInput)
	}
	data := c.data.Snapshot()

	if outputDir == "" {
		outputDir = c.config.Download.OutputDir
	}

	pool := download.NewDownloadPool(
		&c.config.Download,
		c.newFetcherFactory(),
		c.catalog,
		c.events,
		c.logger,
	)

	mergeFetcher, err := fetch.NewClient(&c.config.HTTP, c.logger)
	if err != nil {
		c.mu.Unlock()
		return "", err
	}
	pool.SetHLSDownloader(hls.NewMerger(&c.config.Merger, mergeFetcher, c.logger))

	runID := uuid.NewString()
	done := make(chan struct{})

	c.state = StateDownloading
	c.runID = runID
	c.dlPool = pool
	c.done = done
	c.mu.Unlock()

	taskID := c.catalog.CreateTask(ctx, data.SourceURL, outputDir)
	if taskID < 0 {
		c.logger.Warn().Str("run_id", runID).Msg("Catalog rejected the task; download continues without persistence")
	}
	c.catalog.UpdateTaskStatus(ctx, taskID, models.TaskRunning, false)

	go func() {
		_, _, err := pool.Run(ctx, taskID, data, categories, outputDir, workers)
		if err != nil {
			c.catalog.UpdateTaskStatus(ctx, taskID, models.TaskFailed, true)
			c.events.Publish(ctx, interfaces.Event{
				Type:    interfaces.EventError,
				Payload: err.Error(),
			})
			c.logger.Error().Err(err).Str("run_id", runID).Msg("Download run failed")
		}

		c.mu.Lock()
		c.state = StateIdle
		c.dlPool = nil
		c.done = nil
		c.mu.Unlock()
		close(done)

		c.logger.Info().Str("run_id", runID).Msg("Download run ended")
	}()

	return runID, nil
}

// Cancel stops whichever run is active. Safe to call repeatedly or when
// idle.
func (c *Controller) Cancel(ctx context.Context) {
	c.mu.Lock()
	crawlPool := c.crawlPool
	dlPool := c.dlPool
	c.mu.Unlock()

	if crawlPool != nil {
		crawlPool.Cancel(ctx)
	}
	if dlPool != nil {
		dlPool.Cancel(ctx)
	}
}

package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/events"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
	"github.com/ternarybob/colligo/internal/storage/sqlite"
)

func testSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<html><body>
			<div class="content">
				<h1>Gallery</h1>
				<img src="/img/one.jpg"><img src="/img/two.jpg">
			</div>
			<a rel="next" href="/page/2">next</a>
		</body></html>`)
	})
	mux.HandleFunc("/page/2", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<html><body><div class="content">
			<h1>Gallery 2</h1><img src="/img/three.jpg">
		</div></body></html>`)
	})
	for _, name := range []string{"one", "two", "three"} {
		payload := []byte("jpeg-bytes-for-" + name)
		mux.HandleFunc("/img/"+name+".jpg", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "image/jpeg")
			w.Write(payload)
		})
	}
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestController(t *testing.T) (*Controller, interfaces.EventService) {
	t.Helper()
	logger := arbor.NewLogger()

	cfg := common.NewDefaultConfig()
	cfg.Crawler.Workers = 2
	cfg.Crawler.MaxDepth = 2
	cfg.Crawler.PopTimeout = 20 * time.Millisecond
	cfg.Download.Workers = 2
	cfg.Download.RetryDelay = time.Millisecond
	cfg.Download.OutputDir = t.TempDir()
	cfg.HTTP.RequestTimeout = 5 * time.Second
	cfg.HTTP.DownloadTimeout = 5 * time.Second

	catalog, err := sqlite.NewCatalog(&common.SQLiteConfig{
		Path:          filepath.Join(t.TempDir(), "catalog.db"),
		WALMode:       true,
		BusyTimeoutMS: 5000,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { catalog.Close() })

	bus := events.NewEventService(logger)
	t.Cleanup(func() { bus.Close() })

	return NewController(cfg, catalog, bus, logger), bus
}

func TestCrawlThenDownload(t *testing.T) {
	server := testSite(t)
	ctrl, bus := newTestController(t)
	ctx := context.Background()

	finished := make(chan struct{}, 1)
	require.NoError(t, bus.Subscribe(interfaces.EventCrawlFinished, func(ctx context.Context, event interfaces.Event) error {
		finished <- struct{}{}
		return nil
	}))

	runID, err := ctrl.StartCrawl(ctx, server.URL+"/", false)
	require.NoError(t, err)
	assert.NotEmpty(t, runID)
	assert.Equal(t, StateCrawling, ctrl.State())

	select {
	case <-finished:
	case <-time.After(10 * time.Second):
		t.Fatal("crawl did not finish")
	}
	ctrl.Wait()
	assert.Equal(t, StateIdle, ctrl.State())

	results := ctrl.Results()
	require.NotNil(t, results)
	assert.Len(t, results.Images, 3)

	outDir := t.TempDir()
	dlID, err := ctrl.StartDownload(ctx, []models.Category{models.CategoryImages}, outDir, 2)
	require.NoError(t, err)
	assert.NotEqual(t, runID, dlID)
	assert.Equal(t, StateDownloading, ctrl.State())

	ctrl.Wait()
	assert.Equal(t, StateIdle, ctrl.State())

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestStartCrawlWhileBusy(t *testing.T) {
	gate := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-gate
		io.WriteString(w, "<html></html>")
	}))
	t.Cleanup(func() {
		close(gate)
		slow.Close()
	})

	ctrl, _ := newTestController(t)
	ctx := context.Background()

	_, err := ctrl.StartCrawl(ctx, slow.URL, false)
	require.NoError(t, err)

	_, err = ctrl.StartCrawl(ctx, slow.URL+"/other", false)
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	_, err = ctrl.StartDownload(ctx, nil, t.TempDir(), 1)
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	ctrl.Cancel(ctx)
}

func TestStartDownloadWithoutResults(t *testing.T) {
	ctrl, _ := newTestController(t)
	_, err := ctrl.StartDownload(context.Background(), nil, t.TempDir(), 1)
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestCancelWhenIdleIsNoop(t *testing.T) {
	ctrl, _ := newTestController(t)
	ctrl.Cancel(context.Background())
	assert.Equal(t, StateIdle, ctrl.State())
}

func TestStartCrawlInvalidSeed(t *testing.T) {
	ctrl, _ := newTestController(t)
	_, err := ctrl.StartCrawl(context.Background(), "ftp://not-supported", false)
	assert.Error(t, err)
	assert.Equal(t, StateIdle, ctrl.State())
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/app"
	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/events"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
	"github.com/ternarybob/colligo/internal/storage/sqlite"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to TOML configuration file")
		seedURL     = flag.String("url", "", "Seed URL to crawl")
		outputDir   = flag.String("out", "", "Download output directory (overrides config)")
		workers     = flag.Int("workers", 0, "Download worker count (0 = config default)")
		maxDepth    = flag.Int("depth", 0, "Maximum crawl depth (0 = config default)")
		categories  = flag.String("categories", "", "Comma-separated categories to download (default all): images,videos,audios,hls_playlists,documents")
		autoAdapt   = flag.Bool("auto-adapt", false, "Grow crawl workers under queue pressure")
		crawlOnly   = flag.Bool("crawl-only", false, "Crawl and report results without downloading")
		showVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(common.GetFullVersion())
		return
	}

	if *seedURL == "" {
		fmt.Fprintln(os.Stderr, "error: -url is required")
		flag.Usage()
		os.Exit(1)
	}

	config, err := common.LoadFromFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *maxDepth > 0 {
		config.Crawler.MaxDepth = *maxDepth
	}
	if *outputDir != "" {
		config.Download.OutputDir = *outputDir
	}

	logger := common.InitLogger(config)
	common.PrintBanner(common.GetVersion())

	catalog, err := sqlite.NewCatalog(&config.Storage.SQLite, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open catalog")
	}
	defer catalog.Close()

	bus := events.NewEventService(logger)
	defer bus.Close()

	if config.Events.WebSocketEnabled {
		bridge, err := events.NewWebSocketBridge(bus, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create websocket bridge")
		}
		if err := bridge.Start(config.Events.WebSocketAddr); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start websocket bridge")
		}
		defer bridge.Close()
	}

	subscribeCLI(bus, logger)

	controller := app.NewController(config, catalog, bus, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logger.Info().Msg("Shutdown requested")
		controller.Cancel(context.Background())
	}()

	if _, err := controller.StartCrawl(ctx, *seedURL, *autoAdapt); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start crawl")
	}
	controller.Wait()

	results := controller.Results()
	if results == nil || results.IsEmpty() {
		logger.Info().Msg("No resources found")
		return
	}
	logger.Info().Str("summary", results.Summary()).Msg("Crawl results")

	if *crawlOnly || ctx.Err() != nil {
		return
	}

	selection := parseCategories(*categories)
	if _, err := controller.StartDownload(ctx, selection, config.Download.OutputDir, *workers); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start download")
	}
	controller.Wait()
}

func parseCategories(s string) []models.Category {
	if s == "" {
		return nil
	}
	var out []models.Category
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(strings.ToLower(part))
		if part == "" {
			continue
		}
		out = append(out, models.Category(part))
	}
	return out
}

// subscribeCLI mirrors bus events into the log stream so a terminal run
// shows live progress.
func subscribeCLI(bus interfaces.EventService, logger arbor.ILogger) {
	bus.Subscribe(interfaces.EventProgress, func(ctx context.Context, event interfaces.Event) error {
		if p, ok := event.Payload.(interfaces.ProgressPayload); ok {
			logger.Info().Int("done", p.Done).Int("total", p.Total).Msg("Progress")
		}
		return nil
	})
	bus.Subscribe(interfaces.EventLog, func(ctx context.Context, event interfaces.Event) error {
		if msg, ok := event.Payload.(string); ok {
			logger.Info().Msg(msg)
		}
		return nil
	})
	bus.Subscribe(interfaces.EventError, func(ctx context.Context, event interfaces.Event) error {
		logger.Warn().Str("detail", fmt.Sprintf("%v", event.Payload)).Msg("Run error")
		return nil
	})
	bus.Subscribe(interfaces.EventCrawlFinished, func(ctx context.Context, event interfaces.Event) error {
		if p, ok := event.Payload.(interfaces.ResultsPayload); ok && p.Data != nil {
			logger.Info().Str("summary", p.Data.Summary()).Msg("Crawl finished")
		}
		return nil
	})
	bus.Subscribe(interfaces.EventDownloadFinished, func(ctx context.Context, event interfaces.Event) error {
		if p, ok := event.Payload.(interfaces.DownloadFinishedPayload); ok {
			logger.Info().Int("success", p.Success).Int("total", p.Total).Msg("Download finished")
		}
		return nil
	})
}

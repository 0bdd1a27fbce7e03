package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string         `toml:"environment"` // "development" or "production"
	Crawler     CrawlerConfig  `toml:"crawler"`
	Download    DownloadConfig `toml:"download"`
	HTTP        HTTPConfig     `toml:"http"`
	Storage     StorageConfig  `toml:"storage"`
	Logging     LoggingConfig  `toml:"logging"`
	Merger      MergerConfig   `toml:"merger"`
	Events      EventsConfig   `toml:"events"`
}

// CrawlerConfig controls the crawl pool
type CrawlerConfig struct {
	Workers        int           `toml:"workers" validate:"min=0,max=20"` // 0 = derive from CPU count
	MaxDepth       int           `toml:"max_depth" validate:"min=1"`      // 1-based; seed page is depth 1
	PopTimeout     time.Duration `toml:"pop_timeout"`                     // queue wait per poll
	AutoAdapt      bool          `toml:"auto_adapt"`                      // grow worker count under queue pressure
	AdaptInterval  time.Duration `toml:"adapt_interval"`                  // how often to examine queue size
	AdaptThreshold int           `toml:"adapt_threshold"`                 // queue size that triggers scale-up
	AdaptStep      int           `toml:"adapt_step"`                      // workers added per scale-up
	MaxWorkers     int           `toml:"max_workers" validate:"min=1,max=20"`
}

// DownloadConfig controls the download pool
type DownloadConfig struct {
	Workers    int           `toml:"workers" validate:"min=1,max=50"`
	ChunkSize  int           `toml:"chunk_size" validate:"min=512"`
	MaxRetries int           `toml:"max_retries" validate:"min=0,max=10"` // retries after the initial attempt
	RetryDelay time.Duration `toml:"retry_delay"`                         // linear backoff base
	OutputDir  string        `toml:"output_dir"`
}

// HTTPConfig controls the fetch client shared by crawl and download workers
type HTTPConfig struct {
	UserAgent         string        `toml:"user_agent"`
	UserAgentRotation bool          `toml:"user_agent_rotation"`
	RequestTimeout    time.Duration `toml:"request_timeout"`  // page analysis requests
	DownloadTimeout   time.Duration `toml:"download_timeout"` // streaming body requests
	HeadTimeout       time.Duration `toml:"head_timeout"`
	ProxyURL          string        `toml:"proxy_url"` // http, https, or socks5 scheme
	MaxRetries        int           `toml:"max_retries" validate:"min=0,max=10"`
	BackoffFactor     time.Duration `toml:"backoff_factor"` // delays are factor * 2^attempt
	RatePerHost       float64       `toml:"rate_per_host"`  // requests per second per host, 0 = unlimited
}

type StorageConfig struct {
	SQLite SQLiteConfig `toml:"sqlite"`
}

// SQLiteConfig represents catalog database configuration
type SQLiteConfig struct {
	Path          string `toml:"path"`
	WALMode       bool   `toml:"wal_mode"`
	BusyTimeoutMS int    `toml:"busy_timeout_ms"`
	CacheSizeMB   int    `toml:"cache_size_mb"`
}

type LoggingConfig struct {
	Level      string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output     []string `toml:"output"` // "stdout", "file"
	TimeFormat string   `toml:"time_format"`
}

// MergerConfig describes the external HLS segment merger program
type MergerConfig struct {
	Command string        `toml:"command"` // merger binary, e.g. "ffmpeg"
	Timeout time.Duration `toml:"timeout"`
}

type EventsConfig struct {
	WebSocketEnabled bool   `toml:"websocket_enabled"` // expose the event feed over a websocket endpoint
	WebSocketAddr    string `toml:"websocket_addr"`
}

// NewDefaultConfig returns the default configuration
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "production",
		Crawler: CrawlerConfig{
			Workers:        0, // clamp(5, 10, 2*NumCPU)
			MaxDepth:       2,
			PopTimeout:     500 * time.Millisecond,
			AutoAdapt:      false,
			AdaptInterval:  2 * time.Second,
			AdaptThreshold: 50,
			AdaptStep:      5,
			MaxWorkers:     20,
		},
		Download: DownloadConfig{
			Workers:    5,
			ChunkSize:  8192,
			MaxRetries: 3,
			RetryDelay: 2 * time.Second,
			OutputDir:  "./downloads",
		},
		HTTP: HTTPConfig{
			UserAgent:         "",
			UserAgentRotation: true,
			RequestTimeout:    10 * time.Second,
			DownloadTimeout:   30 * time.Second,
			HeadTimeout:       5 * time.Second,
			MaxRetries:        3,
			BackoffFactor:     500 * time.Millisecond,
			RatePerHost:       0,
		},
		Storage: StorageConfig{
			SQLite: SQLiteConfig{
				Path:          "./data/colligo.db",
				WALMode:       true,
				BusyTimeoutMS: 5000,
				CacheSizeMB:   64,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05",
		},
		Merger: MergerConfig{
			Command: "ffmpeg",
			Timeout: 300 * time.Second,
		},
		Events: EventsConfig{
			WebSocketEnabled: false,
			WebSocketAddr:    "localhost:8920",
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env
func LoadFromFile(path string) (*Config, error) {
	config := NewDefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks field constraints via struct tags
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("COLLIGO_ENV"); env != "" {
		config.Environment = env
	}

	if workers := os.Getenv("COLLIGO_CRAWLER_WORKERS"); workers != "" {
		if w, err := strconv.Atoi(workers); err == nil {
			config.Crawler.Workers = w
		}
	}
	if depth := os.Getenv("COLLIGO_CRAWLER_MAX_DEPTH"); depth != "" {
		if d, err := strconv.Atoi(depth); err == nil {
			config.Crawler.MaxDepth = d
		}
	}

	if workers := os.Getenv("COLLIGO_DOWNLOAD_WORKERS"); workers != "" {
		if w, err := strconv.Atoi(workers); err == nil {
			config.Download.Workers = w
		}
	}
	if dir := os.Getenv("COLLIGO_DOWNLOAD_DIR"); dir != "" {
		config.Download.OutputDir = dir
	}

	if proxy := os.Getenv("COLLIGO_HTTP_PROXY"); proxy != "" {
		config.HTTP.ProxyURL = proxy
	}

	if path := os.Getenv("COLLIGO_SQLITE_PATH"); path != "" {
		config.Storage.SQLite.Path = path
	}

	if level := os.Getenv("COLLIGO_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("COLLIGO_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	if cmd := os.Getenv("COLLIGO_MERGER_COMMAND"); cmd != "" {
		config.Merger.Command = cmd
	}
}

package common

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/joseph-ayodele/docpipeline/constants"
)

const envPrefix = "DOCPIPE"

// Config holds all application configuration
type Config struct {
	Database   DatabaseConfig
	Server     ServerConfig
	Storage    StorageConfig
	Conversion ConversionConfig
	OCR        OCRConfig
	Preprocess PreprocessConfig
	Pipeline   PipelineConfig
	Metrics    MetricsConfig
	Ingest     IngestConfig
	Log        LogConfig
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver           string // "postgres" | "sqlite"
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	HTTPAddr       string
	GRPCAddr       string // health only
	MaxUploadBytes int64
}

// StorageConfig selects the object store.
type StorageConfig struct {
	Backend   string // "local" | "gcs"
	LocalRoot string
	GCSBucket string
}

// ConversionConfig configures the external conversion tools.
type ConversionConfig struct {
	OfficeTool    string
	Pdftoppm      string
	Unpaper       string
	EnableUnpaper bool
	DPI           int
	MaxPages      int
	Timeout       time.Duration
}

// OCRConfig selects and configures the OCR inference provider.
type OCRConfig struct {
	Provider        string // "openai" | "vertex" | "tesseract"
	Model           string
	BaseURL         string
	APIKey          string
	GCPProject      string
	GCPRegion       string
	Tesseract       string
	TesseractLang   string
	TessdataDir     string
	Timeout         time.Duration
	PageConcurrency int
}

// PreprocessConfig toggles the specialized preprocessing backend for office and markup formats.
type PreprocessConfig struct {
	Enabled bool
}

// PipelineConfig holds orchestration knobs.
type PipelineConfig struct {
	Precedence     []string
	Workers        int
	QueueSize      int
	ProcessTimeout time.Duration
	BackendTimeout time.Duration
	RetryMaxTries  uint
	RetryInitial   time.Duration
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// IngestConfig configures the directory watcher. No directories means no watcher.
type IngestConfig struct {
	WatchDirs  []string
	SkipHidden bool
	Debounce   time.Duration
}

type LogConfig struct {
	Level  string
	Format string // "text" | "json"
}

// DefaultConfig returns a configuration usable for local runs against sqlite.
func DefaultConfig() *Config {
	precedence := make([]string, 0, len(constants.DefaultPrecedence))
	for _, s := range constants.DefaultPrecedence {
		precedence = append(precedence, string(s))
	}
	return &Config{
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "file:docpipeline.db",
			MaxConns:        20,
			MinConns:        5,
			MaxConnLifetime: 30 * time.Minute,
			MaxConnIdleTime: 5 * time.Minute,
			DialTimeout:     3 * time.Second,
		},
		Server: ServerConfig{
			HTTPAddr:       ":8080",
			GRPCAddr:       ":9090",
			MaxUploadBytes: 50 << 20,
		},
		Storage: StorageConfig{
			Backend:   "local",
			LocalRoot: "./data/objects",
		},
		Conversion: ConversionConfig{
			OfficeTool: "soffice",
			Pdftoppm:   "pdftoppm",
			Unpaper:    "unpaper",
			DPI:        200,
			Timeout:    60 * time.Second,
		},
		OCR: OCRConfig{
			Provider:        "openai",
			Model:           "gpt-4o-mini",
			BaseURL:         "https://api.openai.com/v1",
			GCPRegion:       "us-central1",
			Tesseract:       "tesseract",
			TesseractLang:   "eng",
			Timeout:         45 * time.Second,
			PageConcurrency: 4,
		},
		Preprocess: PreprocessConfig{Enabled: true},
		Pipeline: PipelineConfig{
			Precedence:     precedence,
			Workers:        4,
			QueueSize:      256,
			ProcessTimeout: 10 * time.Minute,
			BackendTimeout: 2 * time.Minute,
			RetryMaxTries:  2,
			RetryInitial:   500 * time.Millisecond,
		},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
		Ingest:  IngestConfig{SkipHidden: true, Debounce: 500 * time.Millisecond},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// LoadConfig resolves configuration from defaults, an optional config file,
// DOCPIPE_* environment variables and command line flags (highest wins).
func LoadConfig(args []string) (*Config, error) {
	cfg, _, err := Load(args, nil)
	return cfg, err
}

// Load is LoadConfig for commands with their own flags. extra registers them on the shared
// flag set before parsing; the positional arguments are returned.
func Load(args []string, extra func(fs *pflag.FlagSet)) (*Config, []string, error) {
	cfg := DefaultConfig()
	v := viper.New()
	fs := pflag.NewFlagSet("docpipeline", pflag.ContinueOnError)

	defineFlags(fs, cfg)
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, nil, NewAppError(CodeConfig, "parse flags", err)
	}
	if err := v.BindPFlags(fs); err != nil {
		return nil, nil, NewAppError(CodeConfig, "bind flags", err)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	// Names used by earlier deployments.
	_ = v.BindEnv("database.dsn", envPrefix+"_DATABASE_DSN", "DB_URL")
	_ = v.BindEnv("ocr.api-key", envPrefix+"_OCR_API_KEY", "OPENAI_API_KEY")

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, NewAppError(CodeConfig, fmt.Sprintf("read config file %s", path), err)
		}
	}

	populate(v, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, fs.Args(), nil
}

func defineFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.String("config", "", "Optional config file (yaml, json, toml)")

	fs.String("database.driver", cfg.Database.Driver, "Database driver: postgres or sqlite")
	fs.String("database.dsn", cfg.Database.DSN, "Database DSN")
	fs.Int32("database.max-conns", cfg.Database.MaxConns, "Max pool connections (postgres)")
	fs.Int32("database.min-conns", cfg.Database.MinConns, "Min pool connections (postgres)")
	fs.Duration("database.max-conn-lifetime", cfg.Database.MaxConnLifetime, "Max connection lifetime")
	fs.Duration("database.max-conn-idle-time", cfg.Database.MaxConnIdleTime, "Max connection idle time")
	fs.Duration("database.dial-timeout", cfg.Database.DialTimeout, "Dial timeout")
	fs.Duration("database.statement-timeout", cfg.Database.StatementTimeout, "Server-side statement timeout (0 = none)")

	fs.String("server.http-addr", cfg.Server.HTTPAddr, "HTTP API listen address")
	fs.String("server.grpc-addr", cfg.Server.GRPCAddr, "gRPC health listen address (empty disables)")
	fs.Int64("server.max-upload-bytes", cfg.Server.MaxUploadBytes, "Maximum accepted upload size")

	fs.String("storage.backend", cfg.Storage.Backend, "Object store: local or gcs")
	fs.String("storage.local-root", cfg.Storage.LocalRoot, "Root directory of the local object store")
	fs.String("storage.gcs-bucket", cfg.Storage.GCSBucket, "GCS bucket name")

	fs.String("conversion.office-tool", cfg.Conversion.OfficeTool, "Office to PDF converter binary")
	fs.String("conversion.pdftoppm", cfg.Conversion.Pdftoppm, "pdftoppm binary")
	fs.String("conversion.unpaper", cfg.Conversion.Unpaper, "unpaper binary")
	fs.Bool("conversion.enable-unpaper", cfg.Conversion.EnableUnpaper, "Clean raster pages with unpaper")
	fs.Int("conversion.dpi", cfg.Conversion.DPI, "Rasterisation DPI")
	fs.Int("conversion.max-pages", cfg.Conversion.MaxPages, "Maximum pages rasterised (0 = all)")
	fs.Duration("conversion.timeout", cfg.Conversion.Timeout, "Timeout per conversion command")

	fs.String("ocr.provider", cfg.OCR.Provider, "OCR provider: openai, vertex or tesseract")
	fs.String("ocr.model", cfg.OCR.Model, "OCR model name")
	fs.String("ocr.base-url", cfg.OCR.BaseURL, "Base URL of the OpenAI-compatible OCR API")
	fs.String("ocr.api-key", cfg.OCR.APIKey, "API key of the OpenAI-compatible OCR API")
	fs.String("ocr.gcp-project", cfg.OCR.GCPProject, "GCP project (vertex)")
	fs.String("ocr.gcp-region", cfg.OCR.GCPRegion, "GCP region (vertex)")
	fs.String("ocr.tesseract", cfg.OCR.Tesseract, "tesseract binary")
	fs.String("ocr.tesseract-lang", cfg.OCR.TesseractLang, "tesseract language")
	fs.String("ocr.tessdata-dir", cfg.OCR.TessdataDir, "tesseract data directory")
	fs.Duration("ocr.timeout", cfg.OCR.Timeout, "Timeout per OCR request")
	fs.Int("ocr.page-concurrency", cfg.OCR.PageConcurrency, "Pages OCRed concurrently per document")

	fs.Bool("preprocess.enabled", cfg.Preprocess.Enabled, "Use the preprocessing backend for office and markup formats")

	fs.StringSlice("pipeline.precedence", cfg.Pipeline.Precedence, "Merge precedence of text sources")
	fs.Int("pipeline.workers", cfg.Pipeline.Workers, "Documents processed concurrently")
	fs.Int("pipeline.queue-size", cfg.Pipeline.QueueSize, "Submission queue capacity")
	fs.Duration("pipeline.process-timeout", cfg.Pipeline.ProcessTimeout, "Timeout per document")
	fs.Duration("pipeline.backend-timeout", cfg.Pipeline.BackendTimeout, "Timeout per backend invocation")
	fs.Uint("pipeline.retry-max-tries", cfg.Pipeline.RetryMaxTries, "Attempts per backend for transient errors")
	fs.Duration("pipeline.retry-initial", cfg.Pipeline.RetryInitial, "Initial retry backoff")

	fs.Bool("metrics.enabled", cfg.Metrics.Enabled, "Expose Prometheus metrics on the HTTP API")
	fs.String("metrics.path", cfg.Metrics.Path, "Path of the metrics endpoint")

	fs.StringSlice("ingest.watch-dirs", cfg.Ingest.WatchDirs, "Directories whose new files are ingested and submitted")
	fs.Bool("ingest.skip-hidden", cfg.Ingest.SkipHidden, "Ignore hidden files and directories")
	fs.Duration("ingest.debounce", cfg.Ingest.Debounce, "Quiet period before a changed file is ingested")

	fs.String("log.level", cfg.Log.Level, "Log level (debug, info, warn, error)")
	fs.String("log.format", cfg.Log.Format, "Log format (text, json)")
}

func populate(v *viper.Viper, cfg *Config) {
	cfg.Database.Driver = v.GetString("database.driver")
	cfg.Database.DSN = v.GetString("database.dsn")
	cfg.Database.MaxConns = v.GetInt32("database.max-conns")
	cfg.Database.MinConns = v.GetInt32("database.min-conns")
	cfg.Database.MaxConnLifetime = v.GetDuration("database.max-conn-lifetime")
	cfg.Database.MaxConnIdleTime = v.GetDuration("database.max-conn-idle-time")
	cfg.Database.DialTimeout = v.GetDuration("database.dial-timeout")
	cfg.Database.StatementTimeout = v.GetDuration("database.statement-timeout")

	cfg.Server.HTTPAddr = v.GetString("server.http-addr")
	cfg.Server.GRPCAddr = v.GetString("server.grpc-addr")
	cfg.Server.MaxUploadBytes = v.GetInt64("server.max-upload-bytes")

	cfg.Storage.Backend = v.GetString("storage.backend")
	cfg.Storage.LocalRoot = v.GetString("storage.local-root")
	cfg.Storage.GCSBucket = v.GetString("storage.gcs-bucket")

	cfg.Conversion.OfficeTool = v.GetString("conversion.office-tool")
	cfg.Conversion.Pdftoppm = v.GetString("conversion.pdftoppm")
	cfg.Conversion.Unpaper = v.GetString("conversion.unpaper")
	cfg.Conversion.EnableUnpaper = v.GetBool("conversion.enable-unpaper")
	cfg.Conversion.DPI = v.GetInt("conversion.dpi")
	cfg.Conversion.MaxPages = v.GetInt("conversion.max-pages")
	cfg.Conversion.Timeout = v.GetDuration("conversion.timeout")

	cfg.OCR.Provider = v.GetString("ocr.provider")
	cfg.OCR.Model = v.GetString("ocr.model")
	cfg.OCR.BaseURL = v.GetString("ocr.base-url")
	cfg.OCR.APIKey = v.GetString("ocr.api-key")
	cfg.OCR.GCPProject = v.GetString("ocr.gcp-project")
	cfg.OCR.GCPRegion = v.GetString("ocr.gcp-region")
	cfg.OCR.Tesseract = v.GetString("ocr.tesseract")
	cfg.OCR.TesseractLang = v.GetString("ocr.tesseract-lang")
	cfg.OCR.TessdataDir = v.GetString("ocr.tessdata-dir")
	cfg.OCR.Timeout = v.GetDuration("ocr.timeout")
	cfg.OCR.PageConcurrency = v.GetInt("ocr.page-concurrency")

	cfg.Preprocess.Enabled = v.GetBool("preprocess.enabled")

	cfg.Pipeline.Precedence = splitList(v.GetStringSlice("pipeline.precedence"))
	cfg.Pipeline.Workers = v.GetInt("pipeline.workers")
	cfg.Pipeline.QueueSize = v.GetInt("pipeline.queue-size")
	cfg.Pipeline.ProcessTimeout = v.GetDuration("pipeline.process-timeout")
	cfg.Pipeline.BackendTimeout = v.GetDuration("pipeline.backend-timeout")
	cfg.Pipeline.RetryMaxTries = v.GetUint("pipeline.retry-max-tries")
	cfg.Pipeline.RetryInitial = v.GetDuration("pipeline.retry-initial")

	cfg.Metrics.Enabled = v.GetBool("metrics.enabled")
	cfg.Metrics.Path = v.GetString("metrics.path")

	cfg.Ingest.WatchDirs = splitList(v.GetStringSlice("ingest.watch-dirs"))
	cfg.Ingest.SkipHidden = v.GetBool("ingest.skip-hidden")
	cfg.Ingest.Debounce = v.GetDuration("ingest.debounce")

	cfg.Log.Level = v.GetString("log.level")
	cfg.Log.Format = v.GetString("log.format")
}

// splitList flattens comma separated entries coming from the environment.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// PrecedenceSources returns the configured precedence as typed sources.
func (c *Config) PrecedenceSources() []constants.Source {
	out := make([]constants.Source, 0, len(c.Pipeline.Precedence))
	for _, s := range c.Pipeline.Precedence {
		out = append(out, constants.Source(s))
	}
	return out
}

// Validate checks the loaded configuration
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return NewAppError(CodeConfig, "database.dsn is required", ErrInvalidInput)
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return NewAppError(CodeConfig, fmt.Sprintf("unknown database.driver %q", c.Database.Driver), ErrInvalidInput)
	}
	switch c.Storage.Backend {
	case "local":
		if c.Storage.LocalRoot == "" {
			return NewAppError(CodeConfig, "storage.local-root is required", ErrInvalidInput)
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return NewAppError(CodeConfig, "storage.gcs-bucket is required", ErrInvalidInput)
		}
	default:
		return NewAppError(CodeConfig, fmt.Sprintf("unknown storage.backend %q", c.Storage.Backend), ErrInvalidInput)
	}
	switch c.OCR.Provider {
	case "openai":
		if c.OCR.APIKey == "" {
			return NewAppError(CodeConfig, "ocr.api-key is required for the openai provider", ErrInvalidInput)
		}
	case "vertex":
		if c.OCR.GCPProject == "" || c.OCR.GCPRegion == "" {
			return NewAppError(CodeConfig, "ocr.gcp-project and ocr.gcp-region are required for the vertex provider", ErrInvalidInput)
		}
	case "tesseract":
	default:
		return NewAppError(CodeConfig, fmt.Sprintf("unknown ocr.provider %q", c.OCR.Provider), ErrInvalidInput)
	}
	if c.Conversion.DPI <= 0 {
		return NewAppError(CodeConfig, "conversion.dpi must be positive", ErrInvalidInput)
	}
	if len(c.Pipeline.Precedence) == 0 {
		return NewAppError(CodeConfig, "pipeline.precedence must list at least one source", ErrInvalidInput)
	}
	known := map[constants.Source]bool{
		constants.SourceStructuredText: true,
		constants.SourceOCR:            true,
		constants.SourcePreprocess:     true,
		constants.SourcePDFText:        true,
	}
	seen := map[string]bool{}
	for _, s := range c.Pipeline.Precedence {
		if !known[constants.Source(s)] {
			return NewAppError(CodeConfig, fmt.Sprintf("unknown source %q in pipeline.precedence", s), ErrInvalidInput)
		}
		if seen[s] {
			return NewAppError(CodeConfig, fmt.Sprintf("duplicate source %q in pipeline.precedence", s), ErrInvalidInput)
		}
		seen[s] = true
	}
	if c.Pipeline.Workers <= 0 {
		return NewAppError(CodeConfig, "pipeline.workers must be positive", ErrInvalidInput)
	}
	return nil
}

// Hostname is used as the postgres application_name suffix.
func Hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/pagesync/internal/logging"
	"github.com/ppiankov/pagesync/internal/privacy"
)

const (
	DefaultConfigFile        = "config.yaml"
	DefaultEnvFile           = ".env"
	DefaultActorID           = "apify~facebook-posts-scraper"
	DefaultTokenEnv          = "APIFY_TOKEN"
	DefaultApifyBaseURL      = "https://api.apify.com"
	DefaultApifyTimeout      = 10 * time.Minute
	DefaultMaxRetries        = 2
	DefaultRequestsPerMinute = 30
	DefaultDriver            = "mongo"
	DefaultURIEnv            = "MONGO_URI"
	DefaultDatabase          = "web_listener"
	DefaultPostsCollection   = "Posts"
	DefaultStoragePath       = ".pagesync/pagesync.db"
	DefaultStorageTimeout    = 30 * time.Second
	DefaultPollInterval      = 900 * time.Second
	DefaultConcurrency       = 1
	DefaultSourceType        = "facebook"
	DefaultPostType          = "post"
	DefaultCategory          = "Social Media"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"

	// Legacy deployment env vars; they override the YAML values.
	EnvDatabase   = "DB_NAME"
	EnvCollection = "COLLECTION_NAME"
	EnvLogLevel   = "LOG_LEVEL"
)

// ErrInvalid marks configuration problems. They are fatal at startup.
var ErrInvalid = errors.New("invalid configuration")

// Duration wraps time.Duration for YAML. It accepts Go duration strings
// like "15m" and bare integers, which are read as seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if secs, err := strconv.Atoi(s); err == nil {
		d.Duration = time.Duration(secs) * time.Second
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

type Config struct {
	Source  SourceConfig  `yaml:"source"`
	Storage StorageConfig `yaml:"storage"`
	Sync    SyncConfig    `yaml:"sync"`
	Pages   []PageConfig  `yaml:"pages"`
	Log     LogConfig     `yaml:"log"`
}

type SourceConfig struct {
	Apify ApifyConfig `yaml:"apify"`
}

type ApifyConfig struct {
	ActorID           string         `yaml:"actor_id"`
	TokenEnv          string         `yaml:"token_env"`
	BaseURL           string         `yaml:"base_url"`
	Timeout           Duration       `yaml:"timeout"`
	MaxRetries        *int           `yaml:"max_retries"`
	RequestsPerMinute *int           `yaml:"requests_per_minute"`
	ArchiveDir        string         `yaml:"archive_dir"`
	InputTemplate     map[string]any `yaml:"input_template"`

	// Resolved from env at load time.
	Token string `yaml:"-"`
}

type StorageConfig struct {
	Driver          string   `yaml:"driver"`
	URIEnv          string   `yaml:"uri_env"`
	Database        string   `yaml:"database"`
	PostsCollection string   `yaml:"posts_collection"`
	Path            string   `yaml:"path"`
	Timeout         Duration `yaml:"timeout"`

	// Resolved from env at load time.
	URI string `yaml:"-"`
}

type SyncConfig struct {
	PollInterval Duration        `yaml:"poll_interval"`
	Concurrency  int             `yaml:"concurrency"`
	SourceTag    SourceTagConfig `yaml:"source_tag"`
}

// SourceTagConfig holds the static provenance metadata merged into every record.
type SourceTagConfig struct {
	SourceType string `yaml:"source_type"`
	PostType   string `yaml:"post_type"`
	SourceName string `yaml:"source_name"`
	Category   string `yaml:"category"`
}

type PageConfig struct {
	ID           string   `yaml:"id"`
	PollInterval Duration `yaml:"poll_interval"`
	SourceName   string   `yaml:"source_name"`
	Category     string   `yaml:"category"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// Extra regexps scrubbed from recorded errors, on top of the token and
	// storage URI.
	Redact []string `yaml:"redact"`
}

// Load reads config.yaml from dir, loads .env files, applies defaults,
// resolves env vars, and validates.
func Load(dir string) (*Config, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("config dir is required")
	}

	loadEnvFiles(dir)

	path := filepath.Join(dir, DefaultConfigFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)
	resolveEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// loadEnvFiles loads <dir>/.env and ./.env. Variables already present in the
// process environment are never overwritten.
func loadEnvFiles(dir string) {
	for _, p := range []string{filepath.Join(dir, DefaultEnvFile), DefaultEnvFile} {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		_ = godotenv.Load(p)
	}
}

func applyDefaults(cfg *Config) {
	a := &cfg.Source.Apify
	if a.ActorID == "" {
		a.ActorID = DefaultActorID
	}
	if a.TokenEnv == "" {
		a.TokenEnv = DefaultTokenEnv
	}
	if a.BaseURL == "" {
		a.BaseURL = DefaultApifyBaseURL
	}
	if a.Timeout.Duration == 0 {
		a.Timeout.Duration = DefaultApifyTimeout
	}
	if a.MaxRetries == nil {
		n := DefaultMaxRetries
		a.MaxRetries = &n
	}
	if a.RequestsPerMinute == nil {
		n := DefaultRequestsPerMinute
		a.RequestsPerMinute = &n
	}

	s := &cfg.Storage
	if s.Driver == "" {
		s.Driver = DefaultDriver
	}
	if s.URIEnv == "" {
		s.URIEnv = DefaultURIEnv
	}
	if s.Database == "" {
		s.Database = DefaultDatabase
	}
	if s.PostsCollection == "" {
		s.PostsCollection = DefaultPostsCollection
	}
	if s.Path == "" {
		s.Path = DefaultStoragePath
	}
	if s.Timeout.Duration == 0 {
		s.Timeout.Duration = DefaultStorageTimeout
	}

	if cfg.Sync.PollInterval.Duration == 0 {
		cfg.Sync.PollInterval.Duration = DefaultPollInterval
	}
	if cfg.Sync.Concurrency == 0 {
		cfg.Sync.Concurrency = DefaultConcurrency
	}
	tag := &cfg.Sync.SourceTag
	if tag.SourceType == "" {
		tag.SourceType = DefaultSourceType
	}
	if tag.PostType == "" {
		tag.PostType = DefaultPostType
	}
	if tag.Category == "" {
		tag.Category = DefaultCategory
	}

	for i := range cfg.Pages {
		cfg.Pages[i].ID = strings.TrimSpace(cfg.Pages[i].ID)
		if cfg.Pages[i].PollInterval.Duration == 0 {
			cfg.Pages[i].PollInterval = cfg.Sync.PollInterval
		}
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}
}

func resolveEnv(cfg *Config) {
	cfg.Source.Apify.Token = strings.TrimSpace(os.Getenv(cfg.Source.Apify.TokenEnv))
	cfg.Storage.URI = strings.TrimSpace(os.Getenv(cfg.Storage.URIEnv))
	if v := os.Getenv(EnvDatabase); v != "" {
		cfg.Storage.Database = v
	}
	if v := os.Getenv(EnvCollection); v != "" {
		cfg.Storage.PostsCollection = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}
}

func validate(cfg *Config) error {
	if len(cfg.Pages) == 0 {
		return fmt.Errorf("%w: pages: at least one page must be configured", ErrInvalid)
	}

	seen := make(map[string]bool, len(cfg.Pages))
	for i, p := range cfg.Pages {
		if p.ID == "" {
			return fmt.Errorf("%w: pages[%d]: id is required", ErrInvalid, i)
		}
		if seen[p.ID] {
			return fmt.Errorf("%w: pages[%d]: duplicate id %q", ErrInvalid, i, p.ID)
		}
		seen[p.ID] = true
		if p.PollInterval.Duration < 0 {
			return fmt.Errorf("%w: pages[%d]: poll_interval must be positive", ErrInvalid, i)
		}
	}

	if cfg.Sync.PollInterval.Duration < 0 {
		return fmt.Errorf("%w: sync.poll_interval must be positive", ErrInvalid)
	}
	if cfg.Sync.Concurrency < 1 {
		return fmt.Errorf("%w: sync.concurrency must be at least 1", ErrInvalid)
	}

	if cfg.Source.Apify.Token == "" {
		return fmt.Errorf("%w: source.apify: token not found in $%s", ErrInvalid, cfg.Source.Apify.TokenEnv)
	}
	if *cfg.Source.Apify.MaxRetries < 0 {
		return fmt.Errorf("%w: source.apify.max_retries must not be negative", ErrInvalid)
	}
	if *cfg.Source.Apify.RequestsPerMinute < 0 {
		return fmt.Errorf("%w: source.apify.requests_per_minute must not be negative", ErrInvalid)
	}

	switch cfg.Storage.Driver {
	case "mongo":
		if cfg.Storage.URI == "" {
			return fmt.Errorf("%w: storage: mongo uri not found in $%s", ErrInvalid, cfg.Storage.URIEnv)
		}
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("%w: storage.path is required for sqlite", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: storage.driver: unknown driver %q (want mongo or sqlite)", ErrInvalid, cfg.Storage.Driver)
	}

	if _, err := logging.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %w", ErrInvalid, err)
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log.format: unknown format %q (want text or json)", ErrInvalid, cfg.Log.Format)
	}
	if _, err := privacy.Compile(cfg.Log.Redact); err != nil {
		return fmt.Errorf("%w: log.redact: %w", ErrInvalid, err)
	}

	return nil
}

// PageIDs returns the configured page identifiers in order.
func (c *Config) PageIDs() []string {
	ids := make([]string, 0, len(c.Pages))
	for _, p := range c.Pages {
		ids = append(ids, p.ID)
	}
	return ids
}

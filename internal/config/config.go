// Package config loads the imgsrv service configuration.
// Values come from defaults, then an optional TOML file, then IMGSRV_*
// environment variables; command-line flags are applied last by the CLI.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Backend names.
const (
	MetadataJSON   = "json"
	MetadataBbolt  = "bbolt"
	MetadataSQLite = "sqlite"

	StorageFS = "fs"
	StorageS3 = "s3"
)

// Layout of the data directory.
const (
	LocksDir      = "locks"
	RenditionsDir = "renditions"
	ScratchDir    = "tmp"
)

// Duration is a time.Duration written as a string such as "15s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config represents the service configuration
type Config struct {
	Listen            string `toml:"listen"`
	DataDir           string `toml:"data_dir"`
	LogLevel          string `toml:"log_level"`
	LogFormat         string `toml:"log_format"`
	MaxUploadBytes    int64  `toml:"max_upload_bytes"`
	RequestsPerMinute int    `toml:"requests_per_minute"` // 0 disables rate limiting
	TLSCert           string `toml:"tls_cert,omitempty"`
	TLSKey            string `toml:"tls_key,omitempty"`

	Lock       LockConfig      `toml:"lock"`
	Metadata   MetadataConfig  `toml:"metadata"`
	Storage    StorageConfig   `toml:"storage"`
	Webhooks   WebhookConfig   `toml:"webhooks"`
	Renditions RenditionConfig `toml:"renditions"`
}

// LockConfig configures the per-project lock.
type LockConfig struct {
	Timeout Duration `toml:"timeout"`
}

// MetadataConfig selects the metadata backend.
type MetadataConfig struct {
	Backend string `toml:"backend"`
}

// StorageConfig selects where renditions are stored.
type StorageConfig struct {
	Backend string   `toml:"backend"`
	S3      S3Config `toml:"s3"`
}

// S3Config configures the S3 rendition backend.
type S3Config struct {
	Bucket          string `toml:"bucket"`
	Region          string `toml:"region"`
	Endpoint        string `toml:"endpoint,omitempty"`
	Prefix          string `toml:"prefix,omitempty"`
	PathStyle       bool   `toml:"path_style"`
	AccessKeyID     string `toml:"access_key_id,omitempty"`
	SecretAccessKey string `toml:"secret_access_key,omitempty"`
}

// WebhookConfig lists URLs notified of changes.
type WebhookConfig struct {
	URLs []string `toml:"urls"`
}

// RenditionConfig sets JPEG qualities and the largest accepted input.
type RenditionConfig struct {
	OriginalQuality int `toml:"original_quality"`
	DerivedQuality  int `toml:"derived_quality"`
	// MaxPixels rejects inputs whose header declares more pixels.
	MaxPixels int `toml:"max_pixels"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:         "127.0.0.1:8080",
		DataDir:        "~/.imgsrv",
		LogLevel:       "info",
		LogFormat:      "json",
		MaxUploadBytes: 32 << 20,
		Lock:           LockConfig{Timeout: Duration{15 * time.Second}},
		Metadata:       MetadataConfig{Backend: MetadataJSON},
		Storage:        StorageConfig{Backend: StorageFS, S3: S3Config{Region: "us-east-1"}},
		Webhooks:       WebhookConfig{URLs: []string{}},
		Renditions:     RenditionConfig{OriginalQuality: 92, DerivedQuality: 85, MaxPixels: 89_478_485},
	}
}

// Load builds the configuration from defaults, the TOML file at path (if
// not empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays IMGSRV_* variables found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("IMGSRV_LISTEN", &c.Listen)
	str("IMGSRV_DATA_DIR", &c.DataDir)
	str("IMGSRV_LOG_LEVEL", &c.LogLevel)
	str("IMGSRV_LOG_FORMAT", &c.LogFormat)
	str("IMGSRV_TLS_CERT", &c.TLSCert)
	str("IMGSRV_TLS_KEY", &c.TLSKey)
	str("IMGSRV_METADATA_BACKEND", &c.Metadata.Backend)
	str("IMGSRV_STORAGE_BACKEND", &c.Storage.Backend)
	str("IMGSRV_S3_BUCKET", &c.Storage.S3.Bucket)
	str("IMGSRV_S3_REGION", &c.Storage.S3.Region)
	str("IMGSRV_S3_ENDPOINT", &c.Storage.S3.Endpoint)
	str("IMGSRV_S3_PREFIX", &c.Storage.S3.Prefix)
	str("IMGSRV_S3_ACCESS_KEY_ID", &c.Storage.S3.AccessKeyID)
	str("IMGSRV_S3_SECRET_ACCESS_KEY", &c.Storage.S3.SecretAccessKey)

	if v, ok := lookup("IMGSRV_MAX_UPLOAD_BYTES"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("IMGSRV_MAX_UPLOAD_BYTES: %w", err)
		}
		c.MaxUploadBytes = n
	}
	if v, ok := lookup("IMGSRV_MAX_PIXELS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("IMGSRV_MAX_PIXELS: %w", err)
		}
		c.Renditions.MaxPixels = n
	}
	if v, ok := lookup("IMGSRV_REQUESTS_PER_MINUTE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("IMGSRV_REQUESTS_PER_MINUTE: %w", err)
		}
		c.RequestsPerMinute = n
	}
	if v, ok := lookup("IMGSRV_LOCK_TIMEOUT"); ok && v != "" {
		if err := c.Lock.Timeout.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("IMGSRV_LOCK_TIMEOUT: %w", err)
		}
	}
	if v, ok := lookup("IMGSRV_S3_PATH_STYLE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("IMGSRV_S3_PATH_STYLE: %w", err)
		}
		c.Storage.S3.PathStyle = b
	}
	if v, ok := lookup("IMGSRV_WEBHOOK_URLS"); ok {
		c.Webhooks.URLs = SplitList(v)
	}
	return nil
}

// Finalize expands the data directory and validates the result. The CLI
// calls it again after applying flags.
func (c *Config) Finalize() error {
	dir, err := expandHome(c.DataDir)
	if err != nil {
		return err
	}
	c.DataDir = dir
	return c.Validate()
}

// Validate rejects unknown backends and out-of-range values.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log_format %q", c.LogFormat)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("max_upload_bytes must be positive")
	}
	if c.Renditions.MaxPixels <= 0 {
		return fmt.Errorf("renditions.max_pixels must be positive")
	}
	if c.RequestsPerMinute < 0 {
		return fmt.Errorf("requests_per_minute must not be negative")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls_cert and tls_key must be set together")
	}
	if c.Lock.Timeout.Duration <= 0 {
		return fmt.Errorf("lock.timeout must be positive")
	}
	switch c.Metadata.Backend {
	case MetadataJSON, MetadataBbolt, MetadataSQLite:
	default:
		return fmt.Errorf("unknown metadata.backend %q", c.Metadata.Backend)
	}
	switch c.Storage.Backend {
	case StorageFS:
	case StorageS3:
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	for name, q := range map[string]int{
		"renditions.original_quality": c.Renditions.OriginalQuality,
		"renditions.derived_quality":  c.Renditions.DerivedQuality,
	} {
		if q < 1 || q > 100 {
			return fmt.Errorf("%s %d out of range 1-100", name, q)
		}
	}
	return nil
}

// Path returns a path inside the data directory.
func (c *Config) Path(elem ...string) string {
	return filepath.Join(append([]string{c.DataDir}, elem...)...)
}

// Encode writes the configuration as TOML with secrets masked.
func (c *Config) Encode(w io.Writer) error {
	out := *c
	if out.Storage.S3.SecretAccessKey != "" {
		out.Storage.S3.SecretAccessKey = "********"
	}
	data, err := toml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// SplitList splits a comma-separated list, dropping empty items.
func SplitList(s string) []string {
	out := []string{}
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// Package config loads daemon configuration from an optional JSON file,
// validates it against an embedded JSON schema, and applies MARKSYNC_*
// environment overrides on top.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type Config struct {
	// ListenAddr is the admin HTTP API bind address.
	ListenAddr string `json:"listenAddr"`
	// AdminToken guards the admin API. Empty disables auth.
	AdminToken string `json:"adminToken"`

	// RemoteBaseURL is the bookmark service endpoint.
	RemoteBaseURL string `json:"remoteBaseUrl"`
	// RemoteToken is the bearer credential for the bookmark service.
	RemoteToken string `json:"remoteToken"`

	// RegistryDSN and QueueDSN select the state backends (file://, memory://,
	// postgres://).
	RegistryDSN string `json:"registryDsn"`
	QueueDSN    string `json:"queueDsn"`
	// BookmarksFile is the local bookmark tree JSON document.
	BookmarksFile string `json:"bookmarksFile"`

	PullInterval   time.Duration `json:"-"`
	DrainInterval  time.Duration `json:"-"`
	CoalesceWindow time.Duration `json:"-"`

	// RateLimit is remote requests allowed per RateWindow. Zero disables.
	RateLimit  int           `json:"rateLimit"`
	RateWindow time.Duration `json:"-"`
	MaxRetries int           `json:"maxRetries"`

	LogLevel string `json:"logLevel"`
}

// fileConfig mirrors Config with durations as strings for JSON.
type fileConfig struct {
	ListenAddr     string `json:"listenAddr"`
	AdminToken     string `json:"adminToken"`
	RemoteBaseURL  string `json:"remoteBaseUrl"`
	RemoteToken    string `json:"remoteToken"`
	RegistryDSN    string `json:"registryDsn"`
	QueueDSN       string `json:"queueDsn"`
	BookmarksFile  string `json:"bookmarksFile"`
	PullInterval   string `json:"pullInterval"`
	DrainInterval  string `json:"drainInterval"`
	CoalesceWindow string `json:"coalesceWindow"`
	RateLimit      int    `json:"rateLimit"`
	RateWindow     string `json:"rateWindow"`
	MaxRetries     int    `json:"maxRetries"`
	LogLevel       string `json:"logLevel"`
}

const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "listenAddr": {"type": "string"},
    "adminToken": {"type": "string"},
    "remoteBaseUrl": {"type": "string"},
    "remoteToken": {"type": "string"},
    "registryDsn": {"type": "string"},
    "queueDsn": {"type": "string"},
    "bookmarksFile": {"type": "string"},
    "pullInterval": {"type": "string"},
    "drainInterval": {"type": "string"},
    "coalesceWindow": {"type": "string"},
    "rateLimit": {"type": "integer", "minimum": 0},
    "rateWindow": {"type": "string"},
    "maxRetries": {"type": "integer", "minimum": 0},
    "logLevel": {"type": "string", "enum": ["trace", "debug", "info", "warn", "error"]}
  }
}`

func Default() Config {
	return Config{
		ListenAddr:     "127.0.0.1:8484",
		RemoteBaseURL:  "https://api.raindrop.io",
		RegistryDSN:    "file://marksync-registry.json",
		QueueDSN:       "file://marksync-queue.json",
		BookmarksFile:  "bookmarks.json",
		PullInterval:   5 * time.Minute,
		DrainInterval:  15 * time.Second,
		CoalesceWindow: 300 * time.Millisecond,
		RateLimit:      120,
		RateWindow:     time.Minute,
		MaxRetries:     3,
		LogLevel:       "info",
	}
}

// Load reads the config file at path (skipped when path is empty or the file
// does not exist), validates it, then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, err
			}
		} else {
			if err := applyFile(&cfg, data); err != nil {
				return Config{}, fmt.Errorf("config file %s: %w", path, err)
			}
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, data []byte) error {
	if err := validateSchema(data); err != nil {
		return err
	}
	var fc fileConfig
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&fc); err != nil {
		return err
	}
	setString(&cfg.ListenAddr, fc.ListenAddr)
	setString(&cfg.AdminToken, fc.AdminToken)
	setString(&cfg.RemoteBaseURL, fc.RemoteBaseURL)
	setString(&cfg.RemoteToken, fc.RemoteToken)
	setString(&cfg.RegistryDSN, fc.RegistryDSN)
	setString(&cfg.QueueDSN, fc.QueueDSN)
	setString(&cfg.BookmarksFile, fc.BookmarksFile)
	setString(&cfg.LogLevel, fc.LogLevel)
	if fc.RateLimit > 0 {
		cfg.RateLimit = fc.RateLimit
	}
	if fc.MaxRetries > 0 {
		cfg.MaxRetries = fc.MaxRetries
	}
	for _, pair := range []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{fc.PullInterval, &cfg.PullInterval, "pullInterval"},
		{fc.DrainInterval, &cfg.DrainInterval, "drainInterval"},
		{fc.CoalesceWindow, &cfg.CoalesceWindow, "coalesceWindow"},
		{fc.RateWindow, &cfg.RateWindow, "rateWindow"},
	} {
		if pair.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(pair.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", pair.name, err)
		}
		*pair.dst = parsed
	}
	return nil
}

func validateSchema(data []byte) error {
	schema, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(schemaJSON)))
	if err != nil {
		return err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config-schema.json", schema); err != nil {
		return err
	}
	compiled, err := compiler.Compile("config-schema.json")
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return compiled.Validate(doc)
}

func applyEnv(cfg *Config) error {
	setString(&cfg.ListenAddr, os.Getenv("MARKSYNC_LISTEN_ADDR"))
	setString(&cfg.AdminToken, os.Getenv("MARKSYNC_ADMIN_TOKEN"))
	setString(&cfg.RemoteBaseURL, os.Getenv("MARKSYNC_REMOTE_BASE_URL"))
	setString(&cfg.RemoteToken, os.Getenv("MARKSYNC_REMOTE_TOKEN"))
	setString(&cfg.RegistryDSN, os.Getenv("MARKSYNC_REGISTRY_DSN"))
	setString(&cfg.QueueDSN, os.Getenv("MARKSYNC_QUEUE_DSN"))
	setString(&cfg.BookmarksFile, os.Getenv("MARKSYNC_BOOKMARKS_FILE"))
	setString(&cfg.LogLevel, os.Getenv("MARKSYNC_LOG_LEVEL"))
	if err := durationEnv("MARKSYNC_PULL_INTERVAL", &cfg.PullInterval); err != nil {
		return err
	}
	if err := durationEnv("MARKSYNC_DRAIN_INTERVAL", &cfg.DrainInterval); err != nil {
		return err
	}
	if err := durationEnv("MARKSYNC_COALESCE_WINDOW", &cfg.CoalesceWindow); err != nil {
		return err
	}
	if err := durationEnv("MARKSYNC_RATE_WINDOW", &cfg.RateWindow); err != nil {
		return err
	}
	if err := intEnv("MARKSYNC_RATE_LIMIT", &cfg.RateLimit); err != nil {
		return err
	}
	if err := intEnv("MARKSYNC_MAX_RETRIES", &cfg.MaxRetries); err != nil {
		return err
	}
	return nil
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func intEnv(name string, dst *int) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = parsed
	return nil
}

func durationEnv(name string, dst *time.Duration) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = parsed
	return nil
}

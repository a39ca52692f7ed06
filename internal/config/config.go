package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"suitebackup/internal/database"
	"suitebackup/storage"
)

// Config is the top-level configuration.
type Config struct {
	// ScratchDir holds per-run working directories.
	ScratchDir string `yaml:"scratchDir" validate:"required"`
	// UploadRoot is the live upload tree backed up and restored.
	UploadRoot string `yaml:"uploadRoot" validate:"required"`
	// RecordStoreURL is a PostgreSQL URL. Empty selects the in-memory store.
	RecordStoreURL string `yaml:"recordStoreUrl"`

	SecretKey     string `yaml:"secretKey"`
	SecretKeyFile string `yaml:"secretKeyFile"`

	CommandTimeout time.Duration `yaml:"commandTimeout" validate:"gte=0"`
	MaxOutputLines int           `yaml:"maxOutputLines" validate:"gte=0"`

	Log      LogConfig           `yaml:"log"`
	Database database.ConnParams `yaml:"database" validate:"-"`
	Targets  []TargetConfig      `yaml:"targets,omitempty" validate:"dive"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`
}

// TargetConfig declares a storage target to create or update on sync.
type TargetConfig struct {
	Owner   string            `yaml:"owner" validate:"required"`
	Name    string            `yaml:"name,omitempty"` // optional display name; defaults to kind
	Kind    storage.Kind      `yaml:"kind" validate:"required,oneof=local s3 sftp webdav"`
	Default bool              `yaml:"default,omitempty"`
	Config  map[string]string `yaml:"config,omitempty"`
}

// DisplayName returns the effective name for a target entry.
func (t TargetConfig) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return string(t.Kind)
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		ScratchDir: "storage/tmp",
		UploadRoot: "storage/uploads",
		Log:        LogConfig{Level: "info", Format: "json"},
		Database:   database.ConnParams{Host: "localhost", Port: "5432"},
	}
}

// Parse reads and parses the config file at the given path on top of the
// defaults.
func Parse(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("error reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("error parsing config: %w", err)
	}
	return cfg, nil
}

// Load parses the file at path when it exists, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		parsed, err := Parse(path)
		switch {
		case err == nil:
			cfg = parsed
		case !errors.Is(err, os.ErrNotExist):
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides fields from the environment. Database connection
// parameters are only ever taken from here or the config file.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"SCRATCH_DIR":      &c.ScratchDir,
		"UPLOAD_ROOT":      &c.UploadRoot,
		"RECORD_STORE_URL": &c.RecordStoreURL,
		"SECRET_KEY":       &c.SecretKey,
		"SECRET_KEY_FILE":  &c.SecretKeyFile,
		"LOG_LEVEL":        &c.Log.Level,
		"LOG_FORMAT":       &c.Log.Format,
		"DB_HOST":          &c.Database.Host,
		"DB_PORT":          &c.Database.Port,
		"DB_NAME":          &c.Database.Name,
		"DB_USER":          &c.Database.User,
		"DB_PASSWORD":      &c.Database.Password,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("COMMAND_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			secs, serr := strconv.Atoi(v)
			if serr != nil {
				return fmt.Errorf("invalid COMMAND_TIMEOUT %q: %w", v, err)
			}
			d = time.Duration(secs) * time.Second
		}
		c.CommandTimeout = d
	}
	return nil
}

var validate = validator.New()

// Validate checks required fields and enumerations.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ValidateDatabase checks the connection parameters needed by commands that
// dump or restore the live database.
func (c Config) ValidateDatabase() error {
	if err := validate.Struct(c.Database); err != nil {
		return fmt.Errorf("invalid database config: %w", err)
	}
	return nil
}

// Path resolves the config file path from (in order of priority):
// 1. SUITEBACKUP_CONFIG environment variable
// 2. /config/config.yml (Docker default)
// 3. ./config.yml (local development fallback)
func Path() string {
	if v := os.Getenv("SUITEBACKUP_CONFIG"); v != "" {
		return v
	}
	// Docker default location
	if _, err := os.Stat("/config/config.yml"); err == nil {
		return "/config/config.yml"
	}
	return "config.yml"
}

// Package config loads server configuration from defaults, an optional YAML
// file and environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all server configuration. Keys in a config file are the
// lower-case forms of the environment variable names.
type Config struct {
	// Server
	ListenAddr  string `mapstructure:"listen_addr" validate:"required"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	// Logging
	LogLevel  string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `mapstructure:"log_format" validate:"oneof=json console"`

	// Metadata store ("postgres" or "badger")
	MetadataBackend string `mapstructure:"metadata_backend" validate:"oneof=postgres badger"`
	DatabaseURL     string `mapstructure:"database_url"`
	BadgerPath      string `mapstructure:"badger_path"`

	// Storage backend ("local" or "s3")
	StorageBackend   string `mapstructure:"storage_backend" validate:"oneof=local s3"`
	LocalStoragePath string `mapstructure:"local_storage_path"`

	// S3 storage
	S3Endpoint  string `mapstructure:"s3_endpoint"`
	S3Bucket    string `mapstructure:"s3_bucket"`
	S3AccessKey string `mapstructure:"s3_access_key"`
	S3SecretKey string `mapstructure:"s3_secret_key"`
	S3Region    string `mapstructure:"s3_region"`
	S3UseSSL    bool   `mapstructure:"s3_use_ssl"`

	// TLS (optional, both or neither)
	TLSCertFile string `mapstructure:"tls_cert_file" validate:"required_with=TLSKeyFile"`
	TLSKeyFile  string `mapstructure:"tls_key_file" validate:"required_with=TLSCertFile"`

	// Auth
	JWTSecret string        `mapstructure:"jwt_secret" validate:"required"`
	TokenTTL  time.Duration `mapstructure:"token_ttl" validate:"gt=0"`

	// Uploads
	MaxUploadSize int64 `mapstructure:"max_upload_size" validate:"gt=0"`

	// Per-user request limit, 0 = unlimited
	DefaultRequestsPerMin int `mapstructure:"default_requests_per_minute" validate:"gte=0"`

	// Folders created for every new account, parents before children
	DefaultFolders []string `mapstructure:"default_folders" validate:"dive,required"`
}

var defaults = map[string]any{
	"listen_addr":                 ":8080",
	"metrics_addr":                ":9090",
	"log_level":                   "info",
	"log_format":                  "json",
	"metadata_backend":            "postgres",
	"database_url":                "",
	"badger_path":                 "/data/metadata",
	"storage_backend":             "local",
	"local_storage_path":          "/data/storage",
	"s3_endpoint":                 "http://localhost:9000",
	"s3_bucket":                   "docvault",
	"s3_access_key":               "minioadmin",
	"s3_secret_key":               "minioadmin",
	"s3_region":                   "us-east-1",
	"s3_use_ssl":                  false,
	"tls_cert_file":               "",
	"tls_key_file":                "",
	"jwt_secret":                  "",
	"token_ttl":                   24 * time.Hour,
	"max_upload_size":             int64(100 * 1024 * 1024),
	"default_requests_per_minute": 0,
	"default_folders":             []string{"CDRRMO", "CDRRMO/Operation", "CDRRMO/Research", "CDRRMO/Training"},
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads configuration. configPath may be empty; a named file that does
// not exist is an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks struct tags and the rules between fields.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	switch cfg.MetadataBackend {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres metadata backend")
		}
	case "badger":
		if cfg.BadgerPath == "" {
			return errors.New("BADGER_PATH is required for the badger metadata backend")
		}
	}

	switch cfg.StorageBackend {
	case "local":
		if cfg.LocalStoragePath == "" {
			return errors.New("LOCAL_STORAGE_PATH is required for the local storage backend")
		}
	case "s3":
		if cfg.S3Endpoint == "" || cfg.S3Bucket == "" {
			return errors.New("S3_ENDPOINT and S3_BUCKET are required for the s3 storage backend")
		}
	}
	return nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Field(), e.Tag(), e.Value())
	}
	return err
}

// StorageOptions returns the option map for the configured storage backend.
func (c *Config) StorageOptions() map[string]any {
	if c.StorageBackend == "s3" {
		return map[string]any{
			"endpoint":   c.S3Endpoint,
			"bucket":     c.S3Bucket,
			"access_key": c.S3AccessKey,
			"secret_key": c.S3SecretKey,
			"region":     c.S3Region,
			"use_ssl":    c.S3UseSSL,
		}
	}
	return map[string]any{
		"root_path":   c.LocalStoragePath,
		"create_dirs": true,
	}
}

// TLSEnabled reports whether the server should use HTTPS.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

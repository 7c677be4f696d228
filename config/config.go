// Package config loads and validates the settings shared by every command.
// Values come from an optional .env file and CLOUDFACADE_* environment
// variables; command-line flags override them in main.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "CLOUDFACADE"

// MaxPresignExpiry is the longest validity S3 accepts for a SigV4 presigned URL.
const MaxPresignExpiry = 7 * 24 * time.Hour

// Config holds all settings for the object store, queue and consumer.
type Config struct {
	Region          string        // AWS region; derived from QueueURL for SQS when unset
	Bucket          string        // Bucket every object operation targets
	QueueURL        string        // Primary SQS queue URL
	DLQURL          string        // Dead-letter SQS queue URL
	Endpoint        string        // Custom endpoint for S3 and SQS (e.g. LocalStack)
	UsePathStyle    bool          // Path-style S3 addressing
	LogLevel        string        // zerolog level name
	LogFormat       string        // "json"|"console"
	PresignExpiry   time.Duration // Default validity of presigned URLs
	PartConcurrency int           // Concurrent multipart part uploads
	Workers         int           // Consumer worker count
	ShutdownTimeout time.Duration // Grace period for in-flight messages on shutdown
}

// Load reads envFiles (or ./.env when none are given and it exists) and the
// environment into a Config. The result is not validated.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	} else if err := godotenv.Load(envFiles...); err != nil {
		return nil, fmt.Errorf("failed to load env files: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	v.SetDefault("region", "")
	v.SetDefault("bucket", "")
	v.SetDefault("queue_url", "")
	v.SetDefault("dlq_url", "")
	v.SetDefault("endpoint", "")
	v.SetDefault("path_style", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("presign_expiry", 15*time.Minute)
	v.SetDefault("part_concurrency", 1)
	v.SetDefault("workers", 4)
	v.SetDefault("shutdown_timeout", 30*time.Second)

	return &Config{
		Region:          v.GetString("region"),
		Bucket:          v.GetString("bucket"),
		QueueURL:        v.GetString("queue_url"),
		DLQURL:          v.GetString("dlq_url"),
		Endpoint:        v.GetString("endpoint"),
		UsePathStyle:    v.GetBool("path_style"),
		LogLevel:        v.GetString("log_level"),
		LogFormat:       v.GetString("log_format"),
		PresignExpiry:   v.GetDuration("presign_expiry"),
		PartConcurrency: v.GetInt("part_concurrency"),
		Workers:         v.GetInt("workers"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
	}, nil
}

// Validate checks settings common to every command. Per-command requirements
// are checked with RequireBucket and RequireQueues.
func (c *Config) Validate() error {
	if c.Region == "" && c.QueueURL == "" {
		return fmt.Errorf("region is required")
	}

	if c.QueueURL != "" {
		if err := validateHTTPURL("queue URL", c.QueueURL); err != nil {
			return err
		}
	}
	if c.DLQURL != "" {
		if err := validateHTTPURL("dead-letter queue URL", c.DLQURL); err != nil {
			return err
		}
	}
	if c.Endpoint != "" {
		if err := validateHTTPURL("endpoint", c.Endpoint); err != nil {
			return err
		}
	}

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log format must be json or console")
	}

	if c.PresignExpiry < time.Second || c.PresignExpiry > MaxPresignExpiry {
		return fmt.Errorf("presign expiry must be between 1s and %s", MaxPresignExpiry)
	}

	if c.PartConcurrency < 1 {
		return fmt.Errorf("part concurrency must be at least 1")
	}

	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}

	if c.ShutdownTimeout < time.Second {
		return fmt.Errorf("shutdown timeout must be at least 1 second")
	}

	return nil
}

// RequireBucket fails when no bucket is configured.
func (c *Config) RequireBucket() error {
	if c.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	return nil
}

// RequireQueues fails unless both the primary and dead-letter queue URLs are set.
func (c *Config) RequireQueues() error {
	if c.QueueURL == "" {
		return fmt.Errorf("queue URL is required")
	}
	if c.DLQURL == "" {
		return fmt.Errorf("dead-letter queue URL is required")
	}
	return nil
}

func validateHTTPURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%s must use http or https scheme", name)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host", name)
	}
	return nil
}

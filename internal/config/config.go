// Package config loads the settings shared by the attachment service and the
// integrity checker from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	DefaultFilesPath      = "./uploads"
	DefaultDbFile         = "attachments.db"
	DefaultPort           = "8080"
	DefaultMaxUploadSize  = 10 << 20
	DefaultRequestTimeout = 30 * time.Second
	DefaultAuditBatchSize = 200
)

var (
	ErrEmptyFilesPath    = errors.New("FILES_PATH must not be empty")
	ErrBadMaxUploadSize  = errors.New("MAX_UPLOAD_SIZE must be positive")
	ErrBadAuditBatchSize = errors.New("AUDIT_BATCH_SIZE must be positive")
	ErrBadRequestTimeout = errors.New("REQUEST_TIMEOUT must be positive")
	ErrUnknownLogFormat  = errors.New("LOG_FORMAT must be text or json")
	ErrJWTSecretNotGiven = errors.New("JWT_SECRET is required")
)

type Config struct {
	FilesPath       string
	DbFile          string
	Port            string
	MaxUploadSize   int64
	RequestTimeout  time.Duration
	JWTSecret       string
	AdminReadAccess bool
	AuditBatchSize  int
	LogLevel        log.Level
	LogFormat       string
}

// Load reads the configuration from environment variables, falling back to
// defaults for everything but JWT_SECRET.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("FILES_PATH", DefaultFilesPath)
	v.SetDefault("DB_FILE", DefaultDbFile)
	v.SetDefault("REST_PORT", DefaultPort)
	v.SetDefault("MAX_UPLOAD_SIZE", DefaultMaxUploadSize)
	v.SetDefault("REQUEST_TIMEOUT", DefaultRequestTimeout)
	v.SetDefault("ADMIN_READ_ACCESS", true)
	v.SetDefault("AUDIT_BATCH_SIZE", DefaultAuditBatchSize)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")

	level, err := log.ParseLevel(v.GetString("LOG_LEVEL"))
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	cfg := &Config{
		FilesPath:       v.GetString("FILES_PATH"),
		DbFile:          v.GetString("DB_FILE"),
		Port:            v.GetString("REST_PORT"),
		MaxUploadSize:   v.GetInt64("MAX_UPLOAD_SIZE"),
		RequestTimeout:  v.GetDuration("REQUEST_TIMEOUT"),
		JWTSecret:       v.GetString("JWT_SECRET"),
		AdminReadAccess: v.GetBool("ADMIN_READ_ACCESS"),
		AuditBatchSize:  v.GetInt("AUDIT_BATCH_SIZE"),
		LogLevel:        level,
		LogFormat:       v.GetString("LOG_FORMAT"),
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	switch {
	case c.FilesPath == "":
		return ErrEmptyFilesPath
	case c.MaxUploadSize <= 0:
		return ErrBadMaxUploadSize
	case c.AuditBatchSize <= 0:
		return ErrBadAuditBatchSize
	case c.RequestTimeout <= 0:
		return ErrBadRequestTimeout
	case c.LogFormat != "text" && c.LogFormat != "json":
		return ErrUnknownLogFormat
	}
	return nil
}

// RequireJWTSecret is checked by the HTTP service only; the integrity checker
// never verifies tokens.
func (c *Config) RequireJWTSecret() error {
	if c.JWTSecret == "" {
		return ErrJWTSecretNotGiven
	}
	return nil
}

func (c *Config) NewLogger() *log.Logger {
	l := log.New()
	l.SetOutput(os.Stdout)
	l.SetLevel(c.LogLevel)
	if c.LogFormat == "json" {
		l.SetFormatter(&log.JSONFormatter{})
	} else {
		l.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return l
}

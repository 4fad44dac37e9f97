// Package logger holds the process-wide zerolog logger used by every mediaq component.
//
// The logger writes JSON to stdout when APP_ENV=production and a human readable console
// format otherwise. Configure can be called once at startup to change the level, the
// output format, or to additionally write to a rotated log file.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log is the global logger instance
var Log zerolog.Logger

func init() {
	// Default to JSON output for production
	Log = zerolog.New(os.Stdout).
		With().
		Timestamp().
		Logger()

	// Pretty print for development if requested
	if os.Getenv("APP_ENV") != "production" {
		Log = Log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// FileConfig enables an additional rotated log file.
type FileConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path" validate:"required_if=Enabled true"`
	MaxSizeMB  int    `mapstructure:"maxSizeMb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"maxBackups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"maxAgeDays" validate:"gte=0"`
}

// Config controls the global logger.
type Config struct {
	// Level is any level accepted by zerolog.ParseLevel ("debug", "info", ...).
	Level string `mapstructure:"level"`
	// Format is "json" or "console". Empty keeps the APP_ENV based default.
	Format string     `mapstructure:"format" validate:"omitempty,oneof=json console"`
	File   FileConfig `mapstructure:"file"`
}

// Configure rebuilds Log from cfg. It returns an error only for an unknown level.
func Configure(cfg Config) error {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		l, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return err
		}
		level = l
	}

	var console io.Writer
	switch cfg.Format {
	case "json":
		console = os.Stdout
	case "console":
		console = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	default:
		if os.Getenv("APP_ENV") == "production" {
			console = os.Stdout
		} else {
			console = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		}
	}

	out := console
	if cfg.File.Enabled && cfg.File.Path != "" {
		out = zerolog.MultiLevelWriter(console, &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
		})
	}

	Log = zerolog.New(out).Level(level).With().Timestamp().Logger()
	return nil
}

// With returns a child of the global logger tagged with a component name.
func With(component string) zerolog.Logger {
	return Log.With().Str("component", component).Logger()
}

// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
	"github.com/zulandar/labyard/internal/config"
)

// Configure applies the level and formatter from cfg to the standard logger.
func Configure(cfg config.LogConfig) error {
	return apply(log.StandardLogger(), cfg)
}

// New returns a logger configured from cfg writing to w.
func New(cfg config.LogConfig, w io.Writer) (*log.Logger, error) {
	l := log.New()
	l.SetOutput(w)
	if err := apply(l, cfg); err != nil {
		return nil, err
	}
	return l, nil
}

func apply(l *log.Logger, cfg config.LogConfig) error {
	level := log.InfoLevel
	if cfg.Level != "" {
		var err error
		if level, err = log.ParseLevel(cfg.Level); err != nil {
			return fmt.Errorf("logging: %w", err)
		}
	}
	l.SetLevel(level)

	switch cfg.Format {
	case "", "text":
		l.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		l.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("logging: unknown format %q", cfg.Format)
	}
	return nil
}

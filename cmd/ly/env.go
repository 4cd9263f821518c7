package main

import (
	"io"

	"github.com/zulandar/labyard/internal/config"
	"github.com/zulandar/labyard/internal/logging"
	"github.com/zulandar/labyard/internal/notify"
	"gorm.io/gorm"
)

// env is what commands that publish notices need: the config, an open
// database, and the configured notifier.
type env struct {
	cfg      *config.Config
	db       *gorm.DB
	notifier notify.Notifier
	closer   io.Closer
}

func openEnv(configPath string) (*env, error) {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := logging.Configure(cfg.Log); err != nil {
		return nil, err
	}
	notifier, closer, err := notify.FromConfig(cfg.Notify)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, db: gormDB, notifier: notifier, closer: closer}, nil
}

func (e *env) Close() error {
	return e.closer.Close()
}

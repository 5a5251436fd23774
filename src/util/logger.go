package util

import (
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
)

// InitLogger replaces the global logger. An empty file logs to stderr.
func InitLogger(level, file string) error {
	cfg := &log.Config{
		Level:  level,
		Format: "text",
		File:   log.FileLogConfig{Filename: file},
	}
	lg, props, err := log.InitLogger(cfg)
	if err != nil {
		return errors.Annotatef(err, "init logger with level %s", level)
	}
	log.ReplaceGlobals(lg, props)
	return nil
}

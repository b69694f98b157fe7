// Package logging builds the experiment logger: logrus output rotated by
// lumberjack inside the output folder and optionally mirrored to stdout.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"seqasr/internal/config"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Configure returns the logger for one experiment. Every entry carries the
// experiment name and seed so logs of parallel runs can be told apart.
func Configure(cfg *config.Config) (*logrus.Logger, error) {
	if err := config.EnsureDirs(cfg); err != nil {
		return nil, err
	}
	level, err := logrus.ParseLevel(strings.ToLower(cfg.Logging.Level))
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	logger := logrus.New()
	logger.SetLevel(level)
	if strings.EqualFold(cfg.Logging.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	var out io.Writer = &lumberjack.Logger{
		Filename:   cfg.Paths.LogPath,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	}
	if cfg.Logging.Stdout {
		out = io.MultiWriter(os.Stdout, out)
	}
	logger.SetOutput(out)
	logger.AddHook(fieldsHook{
		"experiment": filepath.Base(filepath.Clean(cfg.Paths.OutputFolder)),
		"seed":       cfg.Seed,
	})
	return logger, nil
}

// fieldsHook adds fixed fields to entries that do not set them already.
type fieldsHook logrus.Fields

func (fieldsHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h fieldsHook) Fire(e *logrus.Entry) error {
	for k, v := range h {
		if _, ok := e.Data[k]; !ok {
			e.Data[k] = v
		}
	}
	return nil
}

// NewTestLogger returns a logger that discards output.
func NewTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.DebugLevel)
	return logger
}

// Package logging
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Fields is an alias for logrus.Fields so callers don't import logrus directly.
type Fields = logrus.Fields

// Options controls logger construction.
type Options struct {
	Level      string // debug, info, warn, error
	JSONFormat bool
	FilePath   string // when set, logs rotate via lumberjack
	MaxSizeMB  int
	MaxBackups int
}

var (
	logger *logrus.Logger
	once   sync.Once
)

// Init configures the process-wide logger. Safe to call more than once; only
// the first call takes effect.
func Init(opts Options) {
	once.Do(func() {
		logger = build(opts)
	})
}

// GetLogger returns the process-wide logger, initializing a default one if
// Init was never called.
func GetLogger() *logrus.Logger {
	once.Do(func() {
		logger = build(Options{Level: os.Getenv("LOG_LEVEL")})
	})
	return logger
}

// WithComponent returns an entry scoped to one component, e.g. "stream" or
// "gateway". All core packages log through this.
func WithComponent(component string) *logrus.Entry {
	return GetLogger().WithField("component", component)
}

func build(opts Options) *logrus.Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(opts.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if opts.JSONFormat {
		l.SetFormatter(&logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if opts.FilePath != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 50
		}
		maxBackups := opts.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 5
		}
		rotated := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			Compress:   true,
		}
		l.SetOutput(io.MultiWriter(os.Stdout, rotated))
	}

	return l
}

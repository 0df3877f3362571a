package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger owns the process logger and the file it writes to, if any.
// Standard output and standard error carry the command result, so log
// records never go there.
type Logger struct {
	logger *logrus.Logger
	file   *os.File
}

// Options configures where and how verbosely records are written
type Options struct {
	Debug   bool
	LogPath string
}

// New creates a logger. Without Debug, records are discarded.
func New(opts Options) (*Logger, error) {
	if !opts.Debug {
		return &Logger{logger: newProductionLogger()}, nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.LogPath), 0755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(opts.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetOutput(file)
	logger.SetLevel(getLogLevel())
	logger.SetFormatter(jsonFormatter())

	return &Logger{logger: logger, file: file}, nil
}

func newProductionLogger() *logrus.Logger {
	logger := logrus.New()
	logger.Out = io.Discard
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func jsonFormatter() logrus.Formatter {
	return &logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	}
}

func getLogLevel() logrus.Level {
	level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		return logrus.DebugLevel
	}
	return level
}

// Component returns an entry tagged with the component name
func (l *Logger) Component(name string) *logrus.Entry {
	return l.logger.WithField("component", name)
}

// Close flushes and closes the log file
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// NewDiscard returns an entry that drops every record, for tests
func NewDiscard() *logrus.Entry {
	logger := logrus.New()
	logger.Out = io.Discard
	return logrus.NewEntry(logger)
}

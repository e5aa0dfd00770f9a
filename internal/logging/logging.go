// Package logging builds the process-wide structured logger: a
// logrus.Logger with a JSON formatter, writing through a lumberjack
// rotating file (falling back to stdout when no file is configured).
// This mirrors the teacher's ece.NewECE, which pipes its *log.Logger
// through a lumberjack.Logger for rotation.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the rotating writer. A zero value logs to stdout
// with no rotation, which is what the CLI uses in debug/foreground mode.
type Options struct {
	Filename   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// New builds a component-scoped logger. Every subsystem calls this
// once at construction and stores the returned entry; there is no
// package-level logger instance in this package (see DESIGN.md's
// Logging note).
func New(component string, opts Options) *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	logger.SetOutput(writer(opts))
	return logger.WithField("component", component)
}

func writer(opts Options) io.Writer {
	if opts.Filename == "" {
		return os.Stdout
	}
	return &lumberjack.Logger{
		Filename:   opts.Filename,
		MaxSize:    orDefault(opts.MaxSizeMB, 100),
		MaxBackups: orDefault(opts.MaxBackups, 5),
		MaxAge:     orDefault(opts.MaxAgeDays, 28),
		Compress:   opts.Compress,
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

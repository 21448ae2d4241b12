// Package logutil provides the append-only access/error sinks a worker
// writes to. It wraps github.com/sirupsen/logrus: one *logrus.Logger per
// sink, JSON formatting, explicit file targets opened for append.
package logutil

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger bundles the access and error sinks a worker writes to. Both are
// append-only; nothing in the engine ever truncates or rotates them.
type Logger struct {
	Access *logrus.Logger
	Error  *logrus.Logger
}

// New opens accessPath and errorPath for append and returns a Logger
// writing structured JSON lines to each. A blank path falls back to
// stderr so a worker never silently loses log output.
func New(accessPath, errorPath string) (*Logger, error) {
	access, err := openSink(accessPath)
	if err != nil {
		return nil, err
	}
	errLog, err := openSink(errorPath)
	if err != nil {
		return nil, err
	}
	return &Logger{Access: access, Error: errLog}, nil
}

func openSink(path string) (*logrus.Logger, error) {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	l.SetLevel(logrus.InfoLevel)

	if path == "" {
		l.SetOutput(os.Stderr)
		return l, nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	l.SetOutput(f)
	return l, nil
}

// WorkerFields returns the base fields every log line from a worker
// carries, so access/error lines can be correlated back to a process.
func WorkerFields(pid int) logrus.Fields {
	return logrus.Fields{"worker": pid}
}

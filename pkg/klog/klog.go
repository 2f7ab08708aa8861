// Package klog is lux's kernel log sink. It mirrors the development/
// production logger split lazydocker's pkg/log used, but also keeps a
// bounded ring buffer of recent entries, read back with Recent. The
// COMMAND_LOG general request records lumen's text into this logger.
package klog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

const ringCapacity = 512

// Line is one ring-buffer entry, mirroring the LogCommand wire record
// (level + server name + message) from the router protocol.
type Line struct {
	Level   logrus.Level
	Server  string
	Message string
}

// Logger wraps a logrus.Entry with a ring buffer of recent lines.
type Logger struct {
	*logrus.Entry

	mu   sync.Mutex
	ring []Line
	next int
}

// Options configures NewLogger. ConfigDir is where development.log is
// written; Debug selects the development (file, debug-level) logger over
// the production (discard, error-level) logger, same split lazydocker used.
type Options struct {
	ConfigDir string
	Debug     bool
	Version   string
}

// NewLogger returns a kernel logger, grounded on pkg/log/log.go's
// NewLogger from lazydocker's pkg/log/log.go.
func NewLogger(opts Options) *Logger {
	var base *logrus.Logger
	if opts.Debug || os.Getenv("DEBUG") == "TRUE" {
		base = newDevelopmentLogger(opts.ConfigDir)
	} else {
		base = newProductionLogger()
	}
	base.Formatter = &logrus.JSONFormatter{}

	l := &Logger{ring: make([]Line, ringCapacity)}
	l.Entry = base.WithFields(logrus.Fields{
		"component": "lux-kernel",
		"version":   opts.Version,
	})
	return l
}

func newDevelopmentLogger(configDir string) *logrus.Logger {
	log := logrus.New()
	log.SetLevel(getLogLevel())
	file, err := os.OpenFile(filepath.Join(configDir, "development.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		fmt.Println("unable to log to file")
		os.Exit(1)
	}
	log.SetOutput(file)
	return log
}

func newProductionLogger() *logrus.Logger {
	log := logrus.New()
	log.Out = io.Discard
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func getLogLevel() logrus.Level {
	strLevel := os.Getenv("LOG_LEVEL")
	level, err := logrus.ParseLevel(strLevel)
	if err != nil {
		return logrus.DebugLevel
	}
	return level
}

// Record appends a line to the ring buffer and emits it through logrus,
// the path COMMAND_LOG general requests (spec.md §4.6) take.
func (l *Logger) Record(level logrus.Level, server, message string) {
	l.mu.Lock()
	l.ring[l.next] = Line{Level: level, Server: server, Message: message}
	l.next = (l.next + 1) % ringCapacity
	l.mu.Unlock()

	l.WithField("server", server).Log(level, message)
}

// Recent returns up to n of the most recently recorded lines, oldest first.
func (l *Logger) Recent(n int) []Line {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n > ringCapacity {
		n = ringCapacity
	}
	out := make([]Line, 0, n)
	for i := 0; i < n; i++ {
		idx := (l.next - n + i + ringCapacity*2) % ringCapacity
		if l.ring[idx].Server == "" && l.ring[idx].Message == "" {
			continue
		}
		out = append(out, l.ring[idx])
	}
	return out
}

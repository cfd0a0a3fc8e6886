// Package logging hands out per-component loggers so every subsystem of
// the daemon tags its lines the same way.
package logging

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	root     *logrus.Logger
	rootOnce sync.Once

	entries   = make(map[string]*logrus.Entry)
	entriesMu sync.Mutex
)

// NewLogger returns the shared logger for a component. Level comes from
// VOXMUX_LOG_LEVEL (default info).
func NewLogger(component string) *logrus.Entry {
	entriesMu.Lock()
	defer entriesMu.Unlock()

	if e, ok := entries[component]; ok {
		return e
	}
	e := rootLogger().WithField("component", component)
	entries[component] = e
	return e
}

func rootLogger() *logrus.Logger {
	rootOnce.Do(func() {
		root = logrus.New()
		root.SetOutput(os.Stderr)
		root.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})
		level, err := logrus.ParseLevel(os.Getenv("VOXMUX_LOG_LEVEL"))
		if err != nil {
			level = logrus.InfoLevel
		}
		root.SetLevel(level)
	})
	return root
}

// SetOutput redirects all component loggers, used by tests to keep
// output quiet or captured.
func SetOutput(w *os.File) {
	rootLogger().SetOutput(w)
}

package memory

import (
	"sync/atomic"

	"github.com/charmbracelet/log"
)

var base atomic.Pointer[log.Logger]

// SetLogger replaces the logger every package derives its prefixed logger from.
func SetLogger(l *log.Logger) {
	base.Store(l)
}

// Logger returns the current base logger with prefix applied.
func Logger(prefix string) *log.Logger {
	l := base.Load()
	if l == nil {
		l = log.Default()
	}
	return l.WithPrefix(prefix)
}

// SetLevel sets the level of the base logger. Loggers returned by Logger
// afterwards inherit it.
func SetLevel(lvl log.Level) {
	l := base.Load()
	if l == nil {
		l = log.Default()
	}
	l.SetLevel(lvl)
}

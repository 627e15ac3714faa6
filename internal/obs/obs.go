// Package obs provides structured, component-scoped logging for the engine.
package obs

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu   sync.RWMutex
	base *zap.Logger
)

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	base = l
}

// SetLogger replaces the base logger. Tests use this to install an
// observed or no-op logger.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	base = l
}

// Component returns a sugared logger tagged with the given component name.
func Component(name string) *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return base.With(zap.String("component", name)).Sugar()
}

// Package logging provides category-routed structured logging for the
// behavior engine. Each subsystem logs under a named category so that a
// single noisy agent population can be filtered down to the subsystem
// under investigation (compiler output vs. per-tick VM chatter vs. planner
// search traces).
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a logging subsystem.
type Category string

const (
	CategoryCompiler  Category = "compiler"  // Authoring-format compilation
	CategoryDocument  Category = "document"  // Document registry, composition, hot reload
	CategoryVM        Category = "vm"        // Bytecode execution
	CategoryPlanner   Category = "planner"   // GOAP search
	CategoryCognition Category = "cognition" // Perception pipeline
	CategoryEngine    Category = "engine"    // Agent lifecycle, worker pools
)

// Factory hands out per-category loggers backed by a shared zap core.
// Categories can be enabled/disabled individually; a disabled category
// logs nothing regardless of level.
type Factory struct {
	mu       sync.RWMutex
	root     *zap.Logger
	enabled  map[Category]bool
	loggers  map[Category]*zap.Logger
	filterOn bool
}

// New creates a Factory over the given zap logger. If categories is
// non-empty, only the listed categories produce output.
func New(root *zap.Logger, categories map[Category]bool) *Factory {
	return &Factory{
		root:     root,
		enabled:  categories,
		loggers:  make(map[Category]*zap.Logger),
		filterOn: len(categories) > 0,
	}
}

// NewDevelopment creates a Factory with a human-readable console logger,
// all categories enabled. Intended for the CLI and examples.
func NewDevelopment(verbose bool) *Factory {
	cfg := zap.NewDevelopmentConfig()
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return New(logger, nil)
}

// Nop returns a Factory that discards everything. Used by tests.
func Nop() *Factory {
	return New(zap.NewNop(), nil)
}

// Get returns the logger for a category. Disabled categories get a nop
// logger so call sites never need to check.
func (f *Factory) Get(cat Category) *zap.Logger {
	f.mu.RLock()
	if l, ok := f.loggers[cat]; ok {
		f.mu.RUnlock()
		return l
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.loggers[cat]; ok {
		return l
	}
	var l *zap.Logger
	if f.filterOn && !f.enabled[cat] {
		l = zap.NewNop()
	} else {
		l = f.root.Named(string(cat))
	}
	f.loggers[cat] = l
	return l
}

// Sync flushes buffered log entries.
func (f *Factory) Sync() error {
	return f.root.Sync()
}

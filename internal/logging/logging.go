// Package logging provides the structured-logging conventions shared by
// every woodstock component.
//
// Design principles:
//   - Logging is dependency-injected, never global.
//   - Each component scopes its own logger once, at construction time,
//     via slog.With("component", "...").
//   - If no logger is supplied, a discard logger is used so that callers
//     never need a nil check.
//   - Output format, level, and destination are chosen once in main();
//     nothing below main ever touches slog.SetDefault.
//
// Logging is intentionally sparse: lifecycle boundaries (lock acquired,
// backup started, chunk pool opened, compaction finished) are log points;
// per-record or per-chunk hot loops are not.
package logging

import (
	"context"
	"log/slog"
	"maps"
	"sync/atomic"
)

// discardHandler drops every record it is handed.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that produces no output.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns logger if non-nil, otherwise a discard logger. The
// standard way to accept an optional *slog.Logger in a constructor:
//
//	func New(logger *slog.Logger) *Pool {
//	    logger = logging.Default(logger)
//	    return &Pool{logger: logger.With("component", "pool")}
//	}
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// ComponentFilterHandler wraps an slog.Handler and applies a per-component
// minimum level, so a single process can run the pool at Info while the
// manifest engine logs at Debug, without threading per-component *Logger
// values through every constructor.
//
// Handle() looks for a "component" attached earlier via WithAttrs
// (falling back to the record's own "component" attribute) and compares the
// record's level against that component's configured minimum, defaulting
// to defaultLevel when the component has none.
//
// The level table is held behind an atomic pointer and updated with
// copy-on-write, so concurrent Handle() calls never take a lock.
type ComponentFilterHandler struct {
	next         slog.Handler
	defaultLevel slog.Level

	// preAttrs carries attributes bound via WithAttrs before the record
	// reaches Handle(), so a "component" fixed at construction time is
	// still visible for filtering.
	preAttrs []slog.Attr

	// levels is shared (by pointer) across every handler derived from the
	// same root via WithAttrs/WithGroup, so SetLevel affects all of them.
	levels *atomic.Pointer[map[string]slog.Level]
}

// NewComponentFilterHandler builds a handler delegating accepted records
// to next, filtering everything else by component.
func NewComponentFilterHandler(next slog.Handler, defaultLevel slog.Level) *ComponentFilterHandler {
	levels := &atomic.Pointer[map[string]slog.Level]{}
	empty := make(map[string]slog.Level)
	levels.Store(&empty)
	return &ComponentFilterHandler{next: next, defaultLevel: defaultLevel, levels: levels}
}

// Enabled always reports true: the component isn't known until Handle
// inspects the record's attributes, so filtering happens there.
func (h *ComponentFilterHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	min := h.defaultLevel
	if component := h.component(r); component != "" {
		if lvl, ok := (*h.levels.Load())[component]; ok {
			min = lvl
		}
	}
	if r.Level < min || !h.next.Enabled(ctx, r.Level) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *ComponentFilterHandler) component(r slog.Record) string {
	for _, attr := range h.preAttrs {
		if attr.Key == "component" {
			if s, ok := attr.Value.Resolve().Any().(string); ok {
				return s
			}
		}
	}
	var component string
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			if s, ok := a.Value.Resolve().Any().(string); ok {
				component = s
				return false
			}
		}
		return true
	})
	return component
}

func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	pre := make([]slog.Attr, len(h.preAttrs), len(h.preAttrs)+len(attrs))
	copy(pre, h.preAttrs)
	pre = append(pre, attrs...)
	return &ComponentFilterHandler{next: h.next.WithAttrs(attrs), defaultLevel: h.defaultLevel, preAttrs: pre, levels: h.levels}
}

func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &ComponentFilterHandler{next: h.next.WithGroup(name), defaultLevel: h.defaultLevel, preAttrs: h.preAttrs, levels: h.levels}
}

// SetLevel sets the minimum level for component, taking effect immediately
// for every logger sharing this handler's root.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	old := *h.levels.Load()
	next := make(map[string]slog.Level, len(old)+1)
	maps.Copy(next, old)
	next[component] = level
	h.levels.Store(&next)
}

// ClearLevel reverts component to defaultLevel.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	old := *h.levels.Load()
	if _, ok := old[component]; !ok {
		return
	}
	next := make(map[string]slog.Level, len(old))
	for k, v := range old {
		if k != component {
			next[k] = v
		}
	}
	h.levels.Store(&next)
}

// Level returns the effective minimum level for component.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	if lvl, ok := (*h.levels.Load())[component]; ok {
		return lvl
	}
	return h.defaultLevel
}

// DefaultLevel returns the level applied to components with no override.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	return h.defaultLevel
}

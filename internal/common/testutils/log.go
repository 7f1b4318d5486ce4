package testutils

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// MockHandler records log records and implements slog.Handler.
type MockHandler struct {
	IgnoreBelow slog.Level
	HandleCalls []slog.Record

	mu sync.Mutex
}

// NewMockHandler returns a new MockHandler.
// Records at or below ignoreBelow are not handled.
func NewMockHandler(ignoreBelow slog.Level) *MockHandler {
	return &MockHandler{IgnoreBelow: ignoreBelow}
}

// GetLevels returns how many records were logged per level.
func (h *MockHandler) GetLevels() map[slog.Level]uint {
	h.mu.Lock()
	defer h.mu.Unlock()
	levels := make(map[slog.Level]uint)
	for _, r := range h.HandleCalls {
		levels[r.Level]++
	}
	return levels
}

// AssertLevels asserts that the logging levels observed match the expected amount.
func (h *MockHandler) AssertLevels(t *testing.T, levels map[slog.Level]uint) bool {
	t.Helper()
	if levels == nil {
		levels = map[slog.Level]uint{}
	}
	return assert.Equal(t, levels, h.GetLevels(), "Logged levels should match")
}

// HasAttr reports whether a record logged with the given message carries key=value.
func (h *MockHandler) HasAttr(msg, key string, value any) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, r := range h.HandleCalls {
		if r.Message != msg {
			continue
		}
		found := false
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == key && a.Value.Equal(slog.AnyValue(value)) {
				found = true
				return false
			}
			return true
		})
		if found {
			return true
		}
	}
	return false
}

// OutputLogs outputs the logs collected by the handler in a readable format.
func (h *MockHandler) OutputLogs(t *testing.T) {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, call := range h.HandleCalls {
		t.Logf("Logged %v %s:", call.Level, call.Message)
		call.Attrs(func(attr slog.Attr) bool {
			t.Log(attr.String())
			return true
		})
	}
}

// Enabled implements Handler.Enabled.
func (h *MockHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level > h.IgnoreBelow
}

// Handle implements Handler.Handle.
func (h *MockHandler) Handle(_ context.Context, record slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.HandleCalls = append(h.HandleCalls, record.Clone())
	return nil
}

// WithAttrs implements Handler.WithAttrs.
func (h *MockHandler) WithAttrs([]slog.Attr) slog.Handler {
	return h
}

// WithGroup implements Handler.WithGroup.
func (h *MockHandler) WithGroup(string) slog.Handler {
	return h
}

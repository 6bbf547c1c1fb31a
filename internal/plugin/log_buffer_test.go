package plugin

import (
	"testing"
)

func TestLogBuffer(t *testing.T) {
	t.Run("newest first", func(t *testing.T) {
		buf := NewLogBuffer(10)
		buf.Log("swap", "warn", "slow quote", nil)
		buf.Log("swap", "error", "run failed", map[string]any{"profile": "alice"})

		entries := buf.GetAll()
		if len(entries) != 2 {
			t.Fatalf("expected 2 entries, got %d", len(entries))
		}
		if entries[0].Message != "run failed" || entries[0].Fields["profile"] != "alice" {
			t.Errorf("unexpected newest entry: %+v", entries[0])
		}
		if entries[0].Timestamp.IsZero() {
			t.Error("expected timestamp")
		}
	})

	t.Run("ring overwrites oldest", func(t *testing.T) {
		buf := NewLogBuffer(3)
		for _, msg := range []string{"m1", "m2", "m3", "m4"} {
			buf.Log("p", "info", msg, nil)
		}
		entries := buf.GetAll()
		if len(entries) != 3 {
			t.Fatalf("expected 3 entries, got %d", len(entries))
		}
		if entries[2].Message != "m2" {
			t.Errorf("expected oldest surviving entry m2, got %s", entries[2].Message)
		}
	})

	t.Run("filters", func(t *testing.T) {
		buf := NewLogBuffer(10)
		buf.Log("a", "debug", "d", nil)
		buf.Log("b", "info", "i", nil)
		buf.Log("a", "warn", "w", nil)
		buf.Log("a", "error", "e", nil)

		if got := len(buf.GetByPlugin("a")); got != 3 {
			t.Errorf("GetByPlugin: expected 3, got %d", got)
		}
		if got := len(buf.GetByLevel("warn")); got != 2 {
			t.Errorf("GetByLevel(warn): expected 2, got %d", got)
		}
		if got := buf.GetRecent(2); len(got) != 2 || got[0].Message != "e" {
			t.Errorf("GetRecent(2) = %+v", got)
		}
		if got := len(buf.GetRecent(100)); got != 4 {
			t.Errorf("GetRecent(100): expected 4, got %d", got)
		}
	})

	t.Run("clear", func(t *testing.T) {
		buf := NewLogBuffer(10)
		buf.Log("p", "info", "x", nil)
		buf.Clear()
		if buf.Count() != 0 || len(buf.GetAll()) != 0 {
			t.Error("expected empty buffer after clear")
		}
	})
}

func TestNewLogBufferInvalidSize(t *testing.T) {
	for _, size := range []int{0, -5} {
		if buf := NewLogBuffer(size); buf.maxSize != 1000 {
			t.Errorf("size %d: expected default 1000, got %d", size, buf.maxSize)
		}
	}
}

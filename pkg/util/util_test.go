package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestManualClock(t *testing.T) {
	start := time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)
	c := NewManualClock(start)

	c.Advance(time.Minute)
	if got := c.Now(); !got.Equal(start.Add(time.Minute)) {
		t.Fatalf("now = %v", got)
	}

	select {
	case <-c.After(5 * time.Millisecond):
	default:
		t.Fatal("After must fire immediately")
	}
	if w := c.Waits(); len(w) != 1 || w[0] != 5*time.Millisecond {
		t.Fatalf("waits = %v", w)
	}
}

func TestLoggerWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "center.log")
	logger, err := NewLogger(path)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("ledger_opened")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"msg":"ledger_opened"`) {
		t.Fatalf("log file = %s", data)
	}
}

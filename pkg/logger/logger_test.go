package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func captureConsole(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	prev := GetLevel()
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetLevel(prev)
		DisableFileLogging()
	})
	return &buf
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"", INFO},
		{"warning", WARN},
		{"Error", ERROR},
		{"fatal", FATAL},
	}
	for _, tc := range tests {
		got, err := ParseLevel(tc.in)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestLevelFiltering(t *testing.T) {
	buf := captureConsole(t)
	SetLevel(WARN)

	InfoC("session", "hidden")
	WarnC("session", "shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered: %q", out)
	}
	if !strings.Contains(out, "[WARN] session: shown") {
		t.Fatalf("warn line missing: %q", out)
	}
}

func TestFieldsAreSorted(t *testing.T) {
	buf := captureConsole(t)
	SetLevel(DEBUG)

	DebugCF("egress", "sent", map[string]any{"session_id": "s1", "bytes": 12})

	if !strings.Contains(buf.String(), "{bytes=12, session_id=s1}") {
		t.Fatalf("unexpected field rendering: %q", buf.String())
	}
}

func TestFileLoggingWritesJSONLines(t *testing.T) {
	captureConsole(t)
	SetLevel(INFO)

	path := filepath.Join(t.TempDir(), "logs", "minima.log")
	if err := EnableFileLogging(path); err != nil {
		t.Fatalf("EnableFileLogging: %v", err)
	}

	InfoCF("server", "listening", map[string]any{"addr": ":8003"})
	DisableFileLogging()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}

	var entry LogEntry
	if err := json.Unmarshal(bytes.TrimSpace(data), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, data)
	}
	if entry.Component != "server" || entry.Message != "listening" || entry.Level != "INFO" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.Fields["addr"] != ":8003" {
		t.Fatalf("fields not persisted: %+v", entry.Fields)
	}
}

func TestFileLoggingRotatesOnSize(t *testing.T) {
	captureConsole(t)
	SetLevel(INFO)

	dir := t.TempDir()
	path := filepath.Join(dir, "minima.log")
	if err := EnableFileLoggingWithRotation(path, 1, 0); err != nil {
		t.Fatalf("EnableFileLoggingWithRotation: %v", err)
	}

	std.mu.Lock()
	std.currentSize = std.maxSizeBytes
	std.mu.Unlock()

	Info("after rotation")
	DisableFileLogging()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected active + rotated file, got %d entries", len(entries))
	}
}

func TestFatalCallsExit(t *testing.T) {
	captureConsole(t)

	code := -1
	std.mu.Lock()
	prevExit := std.exit
	std.exit = func(c int) { code = c }
	std.mu.Unlock()
	defer func() {
		std.mu.Lock()
		std.exit = prevExit
		std.mu.Unlock()
	}()

	FatalC("main", "boom")
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}

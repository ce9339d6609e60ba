package logging

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/meshgate/meshgate/internal/config"
)

func TestRotatingWriter_CreateFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")

	rw, err := NewRotatingWriter(path, 1, 3)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer rw.Close()

	n, err := rw.Write([]byte("hello\n"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 6 {
		t.Fatalf("Write returned %d, want 6", n)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hello\n" {
		t.Fatalf("file content = %q, want %q", string(data), "hello\n")
	}
}

func TestRotatingWriter_RotatesOnSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")

	rw, err := NewRotatingWriter(path, 1, 3)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	// Shrink the limit so two small writes force a rotation.
	rw.maxBytes = 100
	defer rw.Close()

	data := strings.Repeat("x", 60)
	rw.Write([]byte(data))
	rw.Write([]byte(data))

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}

	rotatedCount := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "test-") && strings.HasSuffix(e.Name(), ".log") {
			rotatedCount++
		}
	}
	if rotatedCount < 1 {
		t.Errorf("expected at least 1 rotated file, got %d", rotatedCount)
	}
}

func TestRotatingWriter_MaxBackupsEnforced(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")

	rw, err := NewRotatingWriter(path, 1, 2)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	rw.maxBytes = 50
	defer rw.Close()

	data := strings.Repeat("y", 40)
	for i := 0; i < 5; i++ {
		rw.Write([]byte(data))
	}

	// rotate prunes asynchronously; run one synchronous sweep for the check.
	rw.prune()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}

	rotatedCount := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "test-") && strings.HasSuffix(e.Name(), ".log") {
			rotatedCount++
		}
	}
	if rotatedCount > 2 {
		t.Errorf("expected at most 2 rotated files (maxBackups=2), got %d", rotatedCount)
	}
}

func TestRotatingWriter_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subdir", "nested", "test.log")

	rw, err := NewRotatingWriter(path, 1, 3)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer rw.Close()

	rw.Write([]byte("test"))

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("log file was not created")
	}
}

func TestNew_Stdout(t *testing.T) {
	logger, closer, err := New(config.LoggingConfig{Level: "info", Output: "stdout"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if logger == nil {
		t.Fatal("expected a logger")
	}
	if closer != nil {
		t.Error("stdout output must not return a closer")
	}
}

func TestNew_FileOutput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.log")

	logger, closer, err := New(config.LoggingConfig{
		Level:      "debug",
		Output:     path,
		MaxSizeMB:  1,
		MaxBackups: 2,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if closer == nil {
		t.Fatal("file output must return a closer")
	}

	logger.Debug("probe", "service", "users")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, data)
	}
	if entry["msg"] != "probe" {
		t.Errorf("msg = %v, want probe", entry["msg"])
	}
	if entry["service"] != "users" {
		t.Errorf("service = %v, want users", entry["service"])
	}
}

func TestNew_BadFilePath(t *testing.T) {
	// A path under an existing file cannot be created.
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, _, err := New(config.LoggingConfig{Output: filepath.Join(blocker, "gateway.log"), MaxSizeMB: 1})
	if err == nil {
		t.Fatal("expected error for unusable log path")
	}
}

func TestLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := Level(tc.in); got != tc.want {
			t.Errorf("Level(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

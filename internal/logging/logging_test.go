package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(Config{Format: "json"}, &buf, slog.LevelInfo)
	if err != nil {
		t.Fatal(err)
	}

	logger.Debug("hidden")
	logger.Info("connected", "conn_id", 3)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1 (debug filtered): %q", len(lines), buf.String())
	}

	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if rec["msg"] != "connected" {
		t.Errorf("msg = %v, want connected", rec["msg"])
	}
	if rec["conn_id"] != float64(3) {
		t.Errorf("conn_id = %v, want 3", rec["conn_id"])
	}
}

func TestNewWithWriter_Text(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(Config{}, &buf, slog.LevelDebug)
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("retrying", "attempt", 2)

	if !strings.Contains(buf.String(), "attempt=2") {
		t.Errorf("text output = %q, want attempt=2", buf.String())
	}
}

func TestNew_Errors(t *testing.T) {
	if _, _, err := New(Config{Level: "loud"}); err == nil {
		t.Error("expected error for unknown level")
	}
	if _, _, err := New(Config{Format: "xml"}); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestNew_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "execwatch.log")

	logger, closer, err := New(Config{File: path, Format: "json"})
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("hello")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not created: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"hello"`) {
		t.Errorf("log file = %q", data)
	}
}

func TestWriter_RotationDefaults(t *testing.T) {
	w := Config{File: "x.log"}.Writer()
	l, ok := w.(*lj.Logger)
	if !ok {
		t.Fatalf("writer is %T, want *lumberjack.Logger", w)
	}
	if l.MaxSize != DefaultMaxSizeMB || l.MaxBackups != DefaultMaxBackups || l.MaxAge != DefaultMaxAgeDays {
		t.Errorf("rotation = %d/%d/%d, want defaults", l.MaxSize, l.MaxBackups, l.MaxAge)
	}

	w = Config{File: "x.log", MaxSizeMB: 50, MaxBackups: 1, MaxAgeDays: 30, Compress: true}.Writer()
	l = w.(*lj.Logger)
	if l.MaxSize != 50 || l.MaxBackups != 1 || l.MaxAge != 30 || !l.Compress {
		t.Errorf("rotation = %+v, want configured values", l)
	}
}

func TestWriter_Stdout(t *testing.T) {
	w := Config{}.Writer()
	if _, ok := w.(*lj.Logger); ok {
		t.Error("stdout config returned a file writer")
	}
	if err := w.Close(); err != nil {
		t.Errorf("Close on stdout writer: %v", err)
	}
}

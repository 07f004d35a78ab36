package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"", zapcore.InfoLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"WARN", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"verbose", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNew_ConsoleRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log, closeFn, err := newLogger(Options{Level: "warn"}, &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()

	log.Info("hidden")
	log.Warn("shown", zap.String("task_id", "t-1"))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info line should be filtered at warn level")
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "t-1") {
		t.Errorf("output = %q", out)
	}
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log, closeFn, err := newLogger(Options{Format: "json"}, &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()

	log.Info("task done", zap.Bool("success", true))

	var entry map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("not JSON: %q", buf.String())
	}
	if entry["msg"] != "task done" || entry["level"] != "info" || entry["success"] != true {
		t.Errorf("entry = %v", entry)
	}
}

func TestNew_FileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "worker.log")
	var console bytes.Buffer
	log, closeFn, err := newLogger(Options{File: path, MaxSizeMB: 1}, &console)
	if err != nil {
		t.Fatal(err)
	}

	log.Info("to both sinks")
	if err := closeFn(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"msg":"to both sinks"`) {
		t.Errorf("file = %q", data)
	}
	if !strings.Contains(console.String(), "to both sinks") {
		t.Errorf("console = %q", console.String())
	}
}

func TestNew_InvalidOptions(t *testing.T) {
	if _, _, err := New(Options{Level: "loud"}); err == nil {
		t.Error("invalid level should error")
	}
	if _, _, err := New(Options{Format: "xml"}); err == nil {
		t.Error("invalid format should error")
	}
}

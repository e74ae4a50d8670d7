package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesConsoleAndFile(t *testing.T) {
	var console bytes.Buffer
	file := filepath.Join(t.TempDir(), "orgmigrator.log")
	logger, closeFn, err := New(Options{Level: "debug", File: file, Console: &console})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("restore started")
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if !strings.Contains(console.String(), "restore started") {
		t.Errorf("console = %q", console.String())
	}
	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatal(err)
	}
	var entry map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(data), &entry); err != nil {
		t.Fatalf("file entry is not JSON: %q", data)
	}
	if entry["msg"] != "restore started" {
		t.Errorf("entry = %v", entry)
	}
}

func TestNewLevel(t *testing.T) {
	var console bytes.Buffer
	logger, _, err := New(Options{Level: "warn", Console: &console})
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(console.String(), "hidden") || !strings.Contains(console.String(), "shown") {
		t.Errorf("console = %q", console.String())
	}

	if _, _, err := New(Options{Level: "chatty"}); err == nil {
		t.Error("expected error for an unknown level")
	}
}

func TestTee(t *testing.T) {
	var a, b bytes.Buffer
	log := Tee(Progress(&a), nil, Progress(&b))
	log("CREATED: T1")
	if a.String() != "CREATED: T1\n" || b.String() != "CREATED: T1\n" {
		t.Errorf("a=%q b=%q", a.String(), b.String())
	}
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunWritesDocument(t *testing.T) {
	out := filepath.Join(t.TempDir(), "nested", "openapi.json")
	var stdout bytes.Buffer

	if err := run(context.Background(), []string{"--out", out}, &stdout); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(stdout.String(), out) {
		t.Fatalf("expected output path in message, got %q", stdout.String())
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read document: %v", err)
	}
	var doc struct {
		Paths map[string]any `json:"paths"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode document: %v", err)
	}
	if _, ok := doc.Paths["/api/values/exception"]; !ok {
		t.Fatalf("expected exception route in document paths")
	}
}

func TestRunRejectsUnknownFlag(t *testing.T) {
	if err := run(context.Background(), []string{"--bogus"}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected flag error")
	}
}

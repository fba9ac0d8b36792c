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

func TestRunNoArgsPrintsUsage(t *testing.T) {
	var out, errOut bytes.Buffer
	if err := run(context.Background(), &out, &errOut, nil); err != nil {
		t.Fatalf("run() with no args: %v", err)
	}
	if !strings.Contains(out.String(), "Usage: parley") {
		t.Errorf("usage text missing from output:\n%s", out.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	err := run(context.Background(), &out, &errOut, []string{"bogus"})
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("run(bogus) error = %v, want unknown command", err)
	}
}

func TestRunUnknownFlag(t *testing.T) {
	var out, errOut bytes.Buffer
	err := run(context.Background(), &out, &errOut, []string{"-bogus"})
	if err == nil || !strings.Contains(err.Error(), "unknown flag") {
		t.Errorf("run(-bogus) error = %v, want unknown flag", err)
	}
}

func TestVersionText(t *testing.T) {
	var out, errOut bytes.Buffer
	if err := run(context.Background(), &out, &errOut, []string{"version"}); err != nil {
		t.Fatalf("run(version): %v", err)
	}
	if !strings.Contains(out.String(), "Parley") {
		t.Errorf("version output missing banner:\n%s", out.String())
	}
}

func TestVersionJSON(t *testing.T) {
	var out, errOut bytes.Buffer
	if err := run(context.Background(), &out, &errOut, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run(-o json version): %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("version JSON parse: %v\n%s", err, out.String())
	}
	if info["version"] == "" {
		t.Error("version field missing from JSON output")
	}
}

func TestVersionBadFormat(t *testing.T) {
	var out, errOut bytes.Buffer
	err := run(context.Background(), &out, &errOut, []string{"-o", "yaml", "version"})
	if err == nil || !strings.Contains(err.Error(), "unknown output format") {
		t.Errorf("run(-o yaml) error = %v, want unknown output format", err)
	}
}

func TestInitWritesConfig(t *testing.T) {
	dir := t.TempDir()

	var out bytes.Buffer
	if err := runInit(&out, dir); err != nil {
		t.Fatalf("runInit: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "parley.yaml"))
	if err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if !strings.Contains(string(data), "base_url") {
		t.Error("written config missing server section")
	}
}

func TestInitRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "parley.yaml")
	if err := os.WriteFile(target, []byte("keep me"), 0644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := runInit(&out, dir); err == nil {
		t.Fatal("runInit overwrote an existing config")
	}
	data, _ := os.ReadFile(target)
	if string(data) != "keep me" {
		t.Errorf("existing config was modified: %q", data)
	}
}

func TestRunDaemonMissingConfig(t *testing.T) {
	var out, errOut bytes.Buffer
	err := run(context.Background(), &out, &errOut, []string{"-config", "/nonexistent/parley.yaml", "run"})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("run with missing config error = %v, want not found", err)
	}
}

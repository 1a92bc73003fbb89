package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// captureOutput captures stdout while running a function
func captureOutput(t *testing.T, fn func() error) (string, error) {
	t.Helper()

	origStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("failed to create pipe: %v", err)
	}
	os.Stdout = w

	done := make(chan struct{})
	var buf bytes.Buffer
	go func() {
		defer close(done)
		_, _ = buf.ReadFrom(r)
	}()

	fnErr := fn()

	w.Close()
	<-done
	os.Stdout = origStdout

	return buf.String(), fnErr
}

// writeConfig writes a small YAML configuration and points --config at it
func writeConfig(t *testing.T, body string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "atomalloc.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	resetFlags(t)
	configPath = path
}

// resetFlags restores the global flags after a test
func resetFlags(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		verbose, jsonOut = false, false
		configPath, luaConfig, luaLib = "", "", ""
	})
}

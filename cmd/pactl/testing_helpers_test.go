package main

import (
	"bytes"
	"encoding/json"
	"os"
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

	// Drain concurrently so large outputs cannot fill the pipe.
	done := make(chan struct{})
	var buf bytes.Buffer
	go func() {
		defer close(done)
		_, _ = buf.ReadFrom(r)
	}()

	fnErr := fn()

	w.Close()
	os.Stdout = origStdout
	<-done
	r.Close()

	return buf.String(), fnErr
}

// decodeJSON unmarshals output into v, failing the test if it is not JSON
func decodeJSON(t *testing.T, output string, v any) {
	t.Helper()
	if err := json.Unmarshal([]byte(output), v); err != nil {
		t.Fatalf("output is not valid JSON: %v\nOutput: %s", err, output)
	}
}

// withFlags sets global flags for one test and restores them afterwards
func withFlags(t *testing.T, asJSON, v bool) {
	t.Helper()
	oldJSON, oldVerbose, oldQuiet, oldPools := jsonOut, verbose, quiet, poolsCfg
	jsonOut, verbose, quiet, poolsCfg = asJSON, v, false, "small"
	t.Cleanup(func() {
		jsonOut, verbose, quiet, poolsCfg = oldJSON, oldVerbose, oldQuiet, oldPools
	})
}

package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "smartmark.log")

	logs, err := Open(Options{File: path})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	logs.New("api").Printf("Listening on %s", ":8080")
	logs.New("feed").Printf("Client connected")

	if err := logs.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	out := string(data)
	for _, want := range []string{"[api] ", "Listening on :8080", "[feed] ", "Client connected"} {
		if !strings.Contains(out, want) {
			t.Errorf("log file missing %q:\n%s", want, out)
		}
	}
}

func TestOpen_Stderr(t *testing.T) {
	logs, err := Open(Options{})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if logs.Writer() != os.Stderr {
		t.Error("expected stderr when no file is configured")
	}
	if err := logs.Close(); err != nil {
		t.Errorf("Close() without a file should be a no-op: %v", err)
	}
}

func TestDiscard(t *testing.T) {
	logs := Discard()
	logs.New("mirror").Printf("dropped")
	if err := logs.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}
}

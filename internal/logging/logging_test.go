package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSink_Stderr(t *testing.T) {
	var buf bytes.Buffer
	sink, err := Open(Config{Stderr: &buf})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer sink.Close()

	sink.Logger("realtime").Printf("state %s", "streaming")

	line := buf.String()
	if !strings.HasPrefix(line, "[realtime] ") {
		t.Errorf("missing component prefix: %q", line)
	}
	if !strings.Contains(line, "state streaming") {
		t.Errorf("missing message: %q", line)
	}
}

func TestSink_Quiet(t *testing.T) {
	var buf bytes.Buffer
	sink, err := Open(Config{Quiet: true, Stderr: &buf})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	sink.Logger("bus").Println("hello")
	if buf.Len() != 0 {
		t.Errorf("quiet sink wrote %q", buf.String())
	}
}

func TestSink_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "syncd.log")

	var console bytes.Buffer
	sink, err := Open(Config{File: path, Stderr: &console})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	sink.Logger("rowsync").Println("pulled 3 rows")
	if err := sink.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(data), "[rowsync] ") {
		t.Errorf("log file missing prefix: %q", data)
	}
	if console.Len() != 0 {
		t.Errorf("non-verbose file sink also wrote to console: %q", console.String())
	}
}

func TestSink_FileVerbose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syncd.log")

	var console bytes.Buffer
	sink, err := Open(Config{File: path, Stderr: &console, Verbose: true})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer sink.Close()

	sink.Logger("docstore").Println("saved")
	if !strings.Contains(console.String(), "[docstore] saved") {
		t.Errorf("verbose sink did not mirror to console: %q", console.String())
	}
}

func TestSink_Rotate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "syncd.log")

	sink, err := Open(Config{File: path})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer sink.Close()

	sink.Logger("x").Println("before")
	if err := sink.Rotate(); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	sink.Logger("x").Println("after")

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) < 2 {
		t.Errorf("expected a rotated backup next to the log, got %d files", len(entries))
	}

	stderrSink, _ := Open(Config{})
	if err := stderrSink.Rotate(); err != nil {
		t.Errorf("Rotate on stderr sink should be a no-op, got %v", err)
	}
}

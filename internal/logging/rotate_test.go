package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRotatingWriterRotatesAtLimit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "delivery.jsonl")

	w, err := NewRotatingWriter(path)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer w.Close()
	w.MaxBytes = 16

	line := []byte(strings.Repeat("x", 10) + "\n")
	for i := 0; i < 3; i++ {
		if _, err := w.Write(line); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected backup file: %v", err)
	}
	active, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read active: %v", err)
	}
	if len(active) == 0 {
		t.Fatal("expected active file to have the last write")
	}
}

func TestRotatingWriterAppendsWithoutRotationBelowLimit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peer-comms.jsonl")

	w, err := NewRotatingWriter(path)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer w.Close()

	for i := 0; i < 5; i++ {
		if _, err := w.Write([]byte("{}\n")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	if _, err := os.Stat(path + ".1"); err == nil {
		t.Fatal("did not expect rotation below the size limit")
	}
}

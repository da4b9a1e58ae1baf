package backend

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHasLineDebugInfo_MissingFile(t *testing.T) {
	if HasLineDebugInfo("/nonexistent/binary") {
		t.Fatal("expected false for missing file")
	}
}

func TestHasLineDebugInfo_NotABinary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("just text"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if HasLineDebugInfo(path) {
		t.Fatal("expected false for non-binary file")
	}
}

func TestNewFromProgram_RequiresExistingBinary(t *testing.T) {
	if _, err := NewFromProgram(""); err == nil {
		t.Fatal("expected error for empty program path")
	}
	if _, err := NewFromProgram("/nonexistent/app-binary"); err == nil {
		t.Fatal("expected error for missing program")
	}
}

func TestNewFromProgram_ReturnsBackendBoundToProgram(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("current executable: %v", err)
	}
	b, err := NewFromProgram(exe)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.ProgramPath() != exe {
		t.Fatalf("expected program path %q, got %q", exe, b.ProgramPath())
	}

	// Without a connection, queries degrade to empty sequences and
	// disconnect is a no-op.
	if frames := b.StackTrace(1); len(frames) != 0 {
		t.Fatalf("expected no frames, got %d", len(frames))
	}
	if err := b.Disconnect(); err != nil {
		t.Fatalf("disconnect without connection must succeed: %v", err)
	}
	if _, err := b.Continue(1); err == nil {
		t.Fatal("continue without connection must fail")
	}
}

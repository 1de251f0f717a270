package fs_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/calvinalkan/lstore/pkg/fs"
)

const testContentHello = "hello, atomic write"

func TestAtomicWriteFile_ReplacesExistingFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "final.txt")

	real := fs.NewReal()
	writer := fs.NewAtomicWriter(real)

	err := writer.WriteWithDefaults(path, strings.NewReader("stale content"))
	if err != nil {
		t.Fatalf("first write: %v", err)
	}

	err = writer.WriteWithDefaults(path, strings.NewReader(testContentHello))
	if err != nil {
		t.Fatalf("second write: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if string(got) != testContentHello {
		t.Fatalf("content=%q, want %q", string(got), testContentHello)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}

	if len(entries) != 1 {
		t.Fatalf("leftover temp files in %q: %v", dir, entries)
	}
}

func TestAtomicWriteFile_RejectsEmptyPath(t *testing.T) {
	t.Parallel()

	writer := fs.NewAtomicWriter(fs.NewReal())

	err := writer.WriteWithDefaults("", strings.NewReader(testContentHello))
	if err == nil {
		t.Fatalf("expected error for empty path")
	}
}

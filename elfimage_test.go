package udl

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/xyproto/udl/internal/sofixture"
)

func TestReadELFRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.so")
	if err := os.WriteFile(path, sofixture.BadMagic(), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	if _, err := readELF(path); err == nil {
		t.Fatalf("readELF(bad magic): expected error, got nil")
	}
}

func TestReadELFRejectsTruncated(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "truncated.so")
	if err := os.WriteFile(path, []byte{0x7f, 'E', 'L', 'F'}, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	if _, err := readELF(path); err == nil {
		t.Fatalf("readELF(truncated): expected error, got nil")
	}
}

func TestReadELFRejectsMissingFile(t *testing.T) {
	if _, err := readELF(filepath.Join(t.TempDir(), "does_not_exist.so")); err == nil {
		t.Fatalf("readELF(missing file): expected error, got nil")
	}
}

func TestReadELFParsesWellFormedObject(t *testing.T) {
	data, _ := sofixture.Build([]sofixture.Symbol{sofixture.Func("add", sofixture.AddCode())}, 0)
	dir := t.TempDir()
	path := filepath.Join(dir, "ok.so")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	ri, err := readELF(path)
	if err != nil {
		t.Fatalf("readELF: %v", err)
	}
	defer ri.close()

	if len(ri.phdrs) != 3 {
		t.Fatalf("phdrs = %d, want 3", len(ri.phdrs))
	}
	if ri.ehdr.Machine != 62 { // EM_X86_64
		t.Fatalf("e_machine = %d, want 62", ri.ehdr.Machine)
	}
}

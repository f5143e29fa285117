package ipc

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFileAtomic_NoPartialFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")
	if err := WriteFileAtomic(path, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Fatalf("content = %q", data)
	}

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("stray files in dir: %d entries", len(entries))
	}
}

func TestListMailboxFiles_SortedAndFiltered(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0000000000002-b.json", "0000000000001-a.json", ".hidden"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "subdir"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	files, err := ListMailboxFiles(dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %v", files)
	}
	if filepath.Base(files[0]) != "0000000000001-a.json" {
		t.Fatalf("not sorted by arrival: %v", files)
	}
}

func TestListMailboxFiles_MissingDirIsEmpty(t *testing.T) {
	files, err := ListMailboxFiles(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("missing dir should not error: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("files = %v", files)
	}
}

func TestMoveToErrors_PrefixesSourceGroup(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "inbox", "cmd.json")
	if err := WriteFileAtomic(src, []byte("{}")); err != nil {
		t.Fatalf("write: %v", err)
	}
	errorsDir := filepath.Join(dir, "errors")

	if err := MoveToErrors(errorsDir, "family", src); err != nil {
		t.Fatalf("move: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatal("source file still present")
	}
	if _, err := os.Stat(filepath.Join(errorsDir, "family-cmd.json")); err != nil {
		t.Fatalf("moved file missing: %v", err)
	}
}

func TestWriteCommand_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteCommand(dir, Command{Type: CmdSendMessage, Text: "hi"})
	if err != nil {
		t.Fatalf("write command: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	cmd, err := DecodeCommand(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cmd.Type != CmdSendMessage || cmd.Text != "hi" {
		t.Fatalf("round trip = %+v", cmd)
	}
}

func TestWriteCloseSentinel(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "input")
	if err := WriteCloseSentinel(dir); err != nil {
		t.Fatalf("write sentinel: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, CloseSentinel)); err != nil {
		t.Fatalf("sentinel missing: %v", err)
	}
}

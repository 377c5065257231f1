package storage

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestLocal(t *testing.T) *Local {
	t.Helper()
	local, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	return local
}

func TestNewLocalRequiresRoot(t *testing.T) {
	if _, err := NewLocal(""); err == nil {
		t.Error("expected error for empty root")
	}
}

func TestSaveAndOpen(t *testing.T) {
	local := newTestLocal(t)

	path, err := local.Save("job-1", "meeting.wav", strings.NewReader("audio-bytes"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Base(path) != "meeting.wav" {
		t.Errorf("unexpected path: %s", path)
	}

	f, err := local.Open(path)
	if err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("failed to read: %v", err)
	}
	if string(content) != "audio-bytes" {
		t.Errorf("unexpected content: %q", content)
	}
}

// TestSaveStripsPathElements はファイル名のパス要素が保存先に影響しないことを確認します。
func TestSaveStripsPathElements(t *testing.T) {
	local := newTestLocal(t)

	path, err := local.Save("job-1", "nested/dir/audio.mp3", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Base(path) != "audio.mp3" {
		t.Errorf("path elements not stripped: %s", path)
	}
	if filepath.Dir(path) != filepath.Join(local.root, "job-1") {
		t.Errorf("file stored outside job directory: %s", path)
	}
}

func TestSaveRejectsTraversal(t *testing.T) {
	local := newTestLocal(t)

	if _, err := local.Save("job-1", "..", strings.NewReader("x")); err == nil {
		t.Error("expected error for traversal filename")
	}
	if _, err := local.Save("", "audio.wav", strings.NewReader("x")); err == nil {
		t.Error("expected error for empty jobID")
	}
}

func TestOpenRejectsOutsideRoot(t *testing.T) {
	local := newTestLocal(t)

	outside := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(outside, []byte("secret"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	if _, err := local.Open(outside); err == nil {
		t.Error("expected error for path outside root")
	}
	if _, err := local.Open(filepath.Join(local.root, "..", "etc", "passwd")); err == nil {
		t.Error("expected error for traversal path")
	}
}

func TestRemoveJob(t *testing.T) {
	local := newTestLocal(t)

	path, err := local.Save("job-1", "audio.wav", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := local.RemoveJob("job-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected file to be removed")
	}

	// 存在しないジョブの削除はエラーにならない
	if err := local.RemoveJob("job-1"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRemoveJobRejectsPathSeparators(t *testing.T) {
	local := newTestLocal(t)

	if err := local.RemoveJob("../other"); err == nil {
		t.Error("expected error for jobID with path separator")
	}
	if err := local.RemoveJob(""); err == nil {
		t.Error("expected error for empty jobID")
	}
}

func TestRemoveOlderThan(t *testing.T) {
	local := newTestLocal(t)

	if _, err := local.Save("old-job", "a.wav", strings.NewReader("x")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := local.Save("new-job", "b.wav", strings.NewReader("x")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// old-job のディレクトリを過去の時刻に倒す
	oldTime := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(filepath.Join(local.root, "old-job"), oldTime, oldTime); err != nil {
		t.Fatalf("failed to change mtime: %v", err)
	}

	removed, err := local.RemoveOlderThan(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}

	if _, err := os.Stat(filepath.Join(local.root, "old-job")); !os.IsNotExist(err) {
		t.Error("expected old-job to be removed")
	}
	if _, err := os.Stat(filepath.Join(local.root, "new-job")); err != nil {
		t.Error("expected new-job to remain")
	}
}

// Package storage はアップロードされた音声ファイルの保存レイヤーを提供します。
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Storage は音声ファイルの保存先の抽象です。
// 現状はローカルファイルシステム実装のみで、オブジェクトストレージ実装を
// 追加する場合もこのインターフェースを満たします。
type Storage interface {
	// Save はジョブのアップロードファイルを保存し、保存先の絶対パスを返します。
	Save(jobID string, filename string, r io.Reader) (string, error)
	// Open は保存済みファイルを読み取り用に開きます。
	Open(path string) (io.ReadCloser, error)
	// RemoveJob はジョブのファイル一式を削除します。
	RemoveJob(jobID string) error
}

// Local はローカルファイルシステムへの保存実装です。
// ファイルは <root>/<jobID>/<filename> に置かれます。
type Local struct {
	root string
}

// NewLocal は保存先ディレクトリを用意して Local を作成します。
func NewLocal(root string) (*Local, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &Local{root: absRoot}, nil
}

// Save はアップロード内容をジョブ専用ディレクトリに書き込みます。
// ファイル名はパス要素を取り除いてから使います。
func (l *Local) Save(jobID string, filename string, r io.Reader) (string, error) {
	if jobID == "" {
		return "", fmt.Errorf("jobID is required")
	}
	name := filepath.Base(filepath.Clean(filename))
	if name == "." || name == string(filepath.Separator) || strings.HasPrefix(name, "..") {
		return "", fmt.Errorf("invalid filename: %s", filename)
	}

	dir := filepath.Join(l.root, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create job directory: %w", err)
	}

	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	return path, nil
}

// Open は保存済みファイルを開きます。ルート外のパスは拒否します。
func (l *Local) Open(path string) (io.ReadCloser, error) {
	if !l.contains(path) {
		return nil, fmt.Errorf("path is outside storage root: %s", path)
	}
	return os.Open(path)
}

// RemoveJob はジョブのディレクトリごと削除します。存在しなくてもエラーにしません。
func (l *Local) RemoveJob(jobID string) error {
	if jobID == "" || strings.ContainsRune(jobID, os.PathSeparator) {
		return fmt.Errorf("invalid jobID: %s", jobID)
	}
	return os.RemoveAll(filepath.Join(l.root, jobID))
}

// RemoveOlderThan は更新時刻が基準より古いジョブディレクトリを削除し、
// 削除した件数を返します。期限切れジョブの後始末に使います。
func (l *Local) RemoveOlderThan(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return 0, fmt.Errorf("failed to read storage root: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.RemoveAll(filepath.Join(l.root, entry.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func (l *Local) contains(path string) bool {
	rel, err := filepath.Rel(l.root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Package storage はアップロード原本の保存先を提供します。
//
// ローカル実装の保存先は <dir>/<jobID>/in/<filename> です。
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrInvalidJobID はパスとして使えないジョブIDを表します。
var ErrInvalidJobID = errors.New("invalid job id")

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Local はローカルファイルシステムへの保存を行います。
type Local struct {
	dir string
}

// NewLocal は保存先ディレクトリを作成して Local を返します。
func NewLocal(dir string) (*Local, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("upload dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}
	return &Local{dir: dir}, nil
}

// Save は原本を保存し、保存先のパスを返します。
func (l *Local) Save(ctx context.Context, jobID, filename string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	jobDir, err := l.jobDir(jobID)
	if err != nil {
		return "", err
	}
	inDir := filepath.Join(jobDir, "in")
	if err := os.MkdirAll(inDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create job dir: %w", err)
	}
	path := filepath.Join(inDir, SanitizeFilename(filename))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write upload: %w", err)
	}
	return path, nil
}

// Open は保存済みの原本を読み込みます。
func (l *Local) Open(path string) ([]byte, error) {
	rel, err := filepath.Rel(l.dir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("path %s is outside of the upload dir", path)
	}
	return os.ReadFile(path)
}

// Remove はジョブ配下のファイルをすべて削除します。
func (l *Local) Remove(jobID string) error {
	jobDir, err := l.jobDir(jobID)
	if err != nil {
		return err
	}
	return os.RemoveAll(jobDir)
}

func (l *Local) jobDir(jobID string) (string, error) {
	if jobID == "" || jobID != filepath.Base(jobID) || jobID == "." || jobID == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}
	return filepath.Join(l.dir, jobID), nil
}

// SanitizeFilename はディレクトリ成分と記号を取り除いたファイル名を返します。
func SanitizeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	base = unsafeChars.ReplaceAllString(base, "_")
	base = strings.Trim(base, "._")
	if base == "" {
		return "upload"
	}
	return base
}

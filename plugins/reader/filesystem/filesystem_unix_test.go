//go:build !windows

package filesystem

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"chunkgen/pkg/contract"
)

// TestLoadSymlink 指向常规文件的符号链接被跟随 (Unix only)
func TestLoadSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "t.txt")
	os.WriteFile(target, []byte("ok"), 0o644)
	link := filepath.Join(dir, "l.txt")
	os.Symlink(target, link)
	got, err := New(nil).Load(context.Background(), link)
	if err != nil || got != "ok" {
		t.Fatalf("symlink: %v %q", err, got)
	}
}

// TestLoadSymlinkDangling 符号链接失效返回错误 (Unix only)
func TestLoadSymlinkDangling(t *testing.T) {
	dir := t.TempDir()
	link := filepath.Join(dir, "dangling")
	os.Symlink(filepath.Join(dir, "no"), link)
	if _, err := New(nil).Load(context.Background(), link); err == nil {
		t.Fatalf("expect error for dangling symlink")
	}
}

// TestLoadFifo 非常规文件被拒绝 (Unix only - uses mkfifo)
func TestLoadFifo(t *testing.T) {
	fifo := filepath.Join(t.TempDir(), "fifo")
	if err := syscall.Mkfifo(fifo, 0o644); err != nil {
		t.Fatalf("mkfifo: %v", err)
	}
	if _, err := New(nil).Load(context.Background(), fifo); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("expect ErrInvalidInput, got %v", err)
	}
}

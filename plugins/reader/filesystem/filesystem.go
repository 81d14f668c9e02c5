package filesystem

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	"chunkgen/pkg/contract"
)

// Options 为 FileSystem Reader 的可选配置（最小必要）。
type Options struct {
	// BufSize 为读缓冲区大小（字节）。默认 64KiB。
	BufSize int `json:"buf_size"`
	// MaxBytes: 输入上限（字节）；0 表示不限制。
	MaxBytes int64 `json:"max_bytes"`
	// AllowInvalidUTF8: 默认拒绝非法 UTF-8 输入。
	AllowInvalidUTF8 bool `json:"allow_invalid_utf8"`
}

// FileSystem 实现基于文件与 STDIN 的 Reader。
type FileSystem struct {
	bufSize  int
	maxBytes int64
	allowBad bool
}

// New 创建 FileSystem Reader。
func New(opts *Options) *FileSystem {
	const defaultBuf = 64 * 1024
	r := &FileSystem{bufSize: defaultBuf}
	if opts != nil {
		if opts.BufSize > 0 {
			r.bufSize = opts.BufSize
		}
		if opts.MaxBytes > 0 {
			r.maxBytes = opts.MaxBytes
		}
		r.allowBad = opts.AllowInvalidUTF8
	}
	return r
}

// Load 一次读入完整文本。source 为空或 "-" 时读取 STDIN；
// 符号链接仅跟随到常规文件，目录与其他非常规文件返回 ErrInvalidInput。
func (r *FileSystem) Load(ctx context.Context, source string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	if source == "" || source == "-" {
		return r.readAll(ctx, "stdin", os.Stdin)
	}
	info, err := os.Stat(source)
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("reader: %s is not a regular file: %w", source, contract.ErrInvalidInput)
	}
	if r.maxBytes > 0 && info.Size() > r.maxBytes {
		return "", fmt.Errorf("reader: %s exceeds %d bytes: %w", source, r.maxBytes, contract.ErrInvalidInput)
	}
	f, err := os.Open(source)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return r.readAll(ctx, source, f)
}

func (r *FileSystem) readAll(ctx context.Context, name string, src io.Reader) (string, error) {
	var in io.Reader = bufio.NewReaderSize(&ctxReader{ctx: ctx, r: src}, r.bufSize)
	if r.maxBytes > 0 {
		// 多读 1 字节用于判定超限
		in = io.LimitReader(in, r.maxBytes+1)
	}
	b, err := io.ReadAll(in)
	if err != nil {
		return "", err
	}
	if r.maxBytes > 0 && int64(len(b)) > r.maxBytes {
		return "", fmt.Errorf("reader: %s exceeds %d bytes: %w", name, r.maxBytes, contract.ErrInvalidInput)
	}
	if !r.allowBad && !utf8.Valid(b) {
		return "", fmt.Errorf("reader: %s is not valid UTF-8: %w", name, contract.ErrInvalidInput)
	}
	return string(b), nil
}

// ctxReader: 在每次 Read 前检查 ctx 是否已取消。
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	select {
	case <-cr.ctx.Done():
		return 0, cr.ctx.Err()
	default:
	}
	return cr.r.Read(p)
}

var _ contract.Reader = (*FileSystem)(nil)

package filesystem

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"chunkgen/pkg/contract"
)

// DefaultDir: 默认工件目录。
const DefaultDir = "responses"

// Options: 最小必要选项。
type Options struct {
	// OutputDir: 工件根目录；为空使用 "responses"。
	OutputDir string `json:"output_dir"`
	// RunSubdir: 为每次运行建立 <run_id>/ 子目录，避免跨运行同秒同名覆盖。
	RunSubdir bool `json:"run_subdir,omitempty"`
	// Atomic: 是否使用原子替换（同目录临时文件 + rename）。
	// 默认 true；显式 false 可关闭。
	Atomic *bool `json:"atomic,omitempty"`
	// PermFile/PermDir: 可选权限；为 0 表示使用默认 0644/0755。
	PermFile os.FileMode `json:"perm_file,omitempty"`
	PermDir  os.FileMode `json:"perm_dir,omitempty"`
	// BufSize: 写缓冲区大小；<=0 使用默认 64KiB。
	BufSize int `json:"buf_size,omitempty"`
}

// FS 将每个分块结果写为 <root>/[run_id/]chunk_<i>_<ts>[_error].txt。
type FS struct {
	root      string
	runSubdir bool
	atomic    bool
	permF     os.FileMode
	permD     os.FileMode
	bufSize   int
}

// New 创建文件系统 Store。
func New(opts *Options) (*FS, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	root := strings.TrimSpace(o.OutputDir)
	if root == "" {
		root = DefaultDir
	}
	fs := &FS{root: root, runSubdir: o.RunSubdir, atomic: true, permF: o.PermFile, permD: o.PermDir, bufSize: o.BufSize}
	if o.Atomic != nil {
		fs.atomic = *o.Atomic
	}
	if fs.permF == 0 {
		fs.permF = 0o644
	}
	if fs.permD == 0 {
		fs.permD = 0o755
	}
	if fs.bufSize <= 0 {
		fs.bufSize = 64 * 1024
	}
	return fs, nil
}

// Root 返回工件根目录。
func (w *FS) Root() string { return w.root }

// Put 持久化单个结果；文本为成功输出或失败消息。
func (w *FS) Put(ctx context.Context, a contract.Artifact) error {
	name := contract.ArtifactName(a.Result.Index, a.Result.Outcome.Kind, a.Result.At)
	if w.runSubdir && a.RunID != "" {
		name = filepath.Join(a.RunID, name)
	}
	return w.WriteNamed(ctx, name, strings.NewReader(a.Result.Outcome.Text))
}

// WriteNamed 将 r 的全部字节写入 root 下的相对路径 name。
func (w *FS) WriteNamed(ctx context.Context, name string, r io.Reader) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	dest, err := w.mapPath(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), w.permD); err != nil {
		return err
	}
	if w.atomic {
		return w.writeAtomic(ctx, dest, r)
	}
	return w.writeOverwrite(ctx, dest, r)
}

// mapPath: Clean + Join + 越界校验。禁止绝对路径、父级逃逸、Windows 卷名。
func (w *FS) mapPath(name string) (string, error) {
	rel := filepath.Clean(name)
	if rel == "." || rel == "" || filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return "", contract.ErrPathInvalid
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", contract.ErrPathInvalid
	}
	return filepath.Join(w.root, rel), nil
}

func (w *FS) writeOverwrite(ctx context.Context, dest string, r io.Reader) error {
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, w.permF)
	if err != nil {
		return err
	}
	defer f.Close()

	bw := bufio.NewWriterSize(f, w.bufSize)
	if _, err := io.Copy(bw, readerWithCtx(ctx, r)); err != nil {
		return err
	}
	return bw.Flush()
}

func (w *FS) writeAtomic(ctx context.Context, dest string, r io.Reader) (err error) {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	closed := false
	defer func() {
		if err != nil {
			if !closed {
				_ = tmp.Close()
			}
			_ = os.Remove(tmpPath)
		}
	}()
	_ = os.Chmod(tmpPath, w.permF)

	bw := bufio.NewWriterSize(tmp, w.bufSize)
	if _, err = io.Copy(bw, readerWithCtx(ctx, r)); err != nil {
		return err
	}
	if err = bw.Flush(); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	closed = true
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = osReplace(tmpPath, dest); err != nil {
		return err
	}
	// 最佳努力：同步父目录元数据
	_ = syncDir(dir)
	return nil
}

// readerWithCtx: 在每次 Read 前检查 ctx 是否已取消。
func readerWithCtx(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

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

var _ contract.Store = (*FS)(nil)

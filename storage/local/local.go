package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"suitebackup/storage"
)

// Ensure Backend implements storage.Backend at compile time.
var _ storage.Backend = (*Backend)(nil)

// DefaultPath is used when the target config has no "path" key.
const DefaultPath = "storage/backups"

// Backend stores archives on a local (or locally mounted) filesystem path.
type Backend struct {
	basePath string
}

// New creates a local backend from a target config. Only "path" is read.
func New(cfg storage.Config) *Backend {
	return &Backend{basePath: cfg.String("path", DefaultPath)}
}

func (b *Backend) Kind() storage.Kind {
	return storage.KindLocal
}

// Test creates the base directory if it is missing and proves it is writable
// by creating and removing a probe file.
func (b *Backend) Test(ctx context.Context) (string, error) {
	if err := os.MkdirAll(b.basePath, 0o755); err != nil {
		return "", b.fail("test", b.basePath, err)
	}
	probe, err := os.CreateTemp(b.basePath, ".write-test-*")
	if err != nil {
		return "", b.fail("test", b.basePath, err)
	}
	name := probe.Name()
	probe.Close()
	if err := os.Remove(name); err != nil {
		return "", b.fail("test", name, err)
	}
	return fmt.Sprintf("directory %s is writable", b.basePath), nil
}

// Upload renames localPath to <basePath>/<destName>, creating parent
// directories. When the rename crosses devices the file is copied and the
// source removed.
func (b *Backend) Upload(ctx context.Context, localPath, destName string) (string, error) {
	dest := filepath.Join(b.basePath, filepath.FromSlash(destName))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", b.fail("upload", dest, err)
	}

	err := os.Rename(localPath, dest)
	if err == nil {
		return dest, nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return "", b.fail("upload", dest, err)
	}

	if err := copyFile(ctx, localPath, dest); err != nil {
		os.Remove(dest)
		return "", b.fail("upload", dest, err)
	}
	os.Remove(localPath)
	return dest, nil
}

// Download copies remotePath (a path previously returned by Upload) to localPath.
func (b *Backend) Download(ctx context.Context, remotePath, localPath string) error {
	if err := copyFile(ctx, remotePath, localPath); err != nil {
		return b.fail("download", remotePath, err)
	}
	return nil
}

// Delete removes remotePath. A missing file is not an error.
func (b *Backend) Delete(ctx context.Context, remotePath string) error {
	if err := os.Remove(remotePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return b.fail("delete", remotePath, err)
	}
	return nil
}

func (b *Backend) fail(op, path string, err error) error {
	var class error
	switch {
	case errors.Is(err, fs.ErrPermission):
		class = storage.ErrPermission
	case errors.Is(err, fs.ErrNotExist):
		class = storage.ErrNotFound
	}
	return storage.NewError(storage.KindLocal, op, path, class, err)
}

func copyFile(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, ctxReader{ctx: ctx, r: in}); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// ctxReader stops a long copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

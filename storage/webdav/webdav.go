package webdav

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"time"

	"github.com/rs/zerolog"
	"github.com/studio-b12/gowebdav"

	"suitebackup/storage"
)

// Ensure Backend implements storage.Backend at compile time.
var _ storage.Backend = (*Backend)(nil)

const (
	defaultPath    = "backups"
	defaultTimeout = 60 * time.Second
	defaultRetries = 3
)

// Config holds the settings of a WebDAV target (Nextcloud, ownCloud, NAS shares).
type Config struct {
	URL      string
	User     string
	Password string
	Path     string
	Timeout  time.Duration
	Retries  int
}

// ConfigFrom maps a storage target's key/value config onto Config.
func ConfigFrom(c storage.Config) Config {
	return Config{
		URL:      c.String("url", ""),
		User:     c.String("user", ""),
		Password: c["password"],
		Path:     c.String("path", defaultPath),
		Timeout:  c.Duration("timeout", defaultTimeout),
		Retries:  c.Int("retries", defaultRetries),
	}
}

// Backend stores archives on a WebDAV server.
type Backend struct {
	client *gowebdav.Client
	root   string
}

// New builds a WebDAV client. Requests go through a RetryTransport; streamed
// archive uploads are sent once since their body cannot be replayed.
func New(cfg Config, logger zerolog.Logger) (*Backend, error) {
	if cfg.URL == "" {
		return nil, storage.NewError(storage.KindWebDAV, "configure", "", storage.ErrConfig, errors.New("url is required"))
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	root := cfg.Path
	if root == "" {
		root = defaultPath
	}

	rt := storage.NewRetryTransport(http.DefaultTransport, logger.With().Str("backend", "webdav").Logger())
	rt.MaxRetries = cfg.Retries

	client := gowebdav.NewClient(cfg.URL, cfg.User, cfg.Password)
	client.SetTimeout(timeout)
	client.SetTransport(rt)

	return &Backend{client: client, root: path.Join("/", root)}, nil
}

func (b *Backend) Kind() storage.Kind {
	return storage.KindWebDAV
}

func (b *Backend) remotePath(destName string) string {
	return path.Join(b.root, destName)
}

// Test checks the server answers and ensures the base collection exists.
func (b *Backend) Test(ctx context.Context) (string, error) {
	if err := b.client.Connect(); err != nil {
		return "", b.fail("test", "/", err)
	}
	if err := b.client.MkdirAll(b.root, 0o755); err != nil {
		return "", b.fail("test", b.root, err)
	}
	return fmt.Sprintf("connected, collection %s is available", b.root), nil
}

// Upload streams localPath to <root>/<destName> and removes the local file.
func (b *Backend) Upload(ctx context.Context, localPath, destName string) (string, error) {
	remote := b.remotePath(destName)

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("webdav: failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	if err := b.client.MkdirAll(path.Dir(remote), 0o755); err != nil {
		return "", b.fail("upload", remote, err)
	}
	if err := b.client.WriteStream(remote, f, 0o644); err != nil {
		return "", b.fail("upload", remote, err)
	}

	f.Close()
	os.Remove(localPath)
	return remote, nil
}

// Download fetches remotePath into localPath.
func (b *Backend) Download(ctx context.Context, remotePath, localPath string) error {
	rc, err := b.client.ReadStream(remotePath)
	if err != nil {
		return b.fail("download", remotePath, err)
	}
	defer rc.Close()

	out, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("webdav: failed to create %s: %w", localPath, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return b.fail("download", remotePath, err)
	}
	return out.Close()
}

// Delete removes remotePath. A missing resource is not an error.
func (b *Backend) Delete(ctx context.Context, remotePath string) error {
	if err := b.client.Remove(remotePath); err != nil && !gowebdav.IsErrNotFound(err) {
		return b.fail("delete", remotePath, err)
	}
	return nil
}

func (b *Backend) fail(op, p string, err error) error {
	return storage.NewError(storage.KindWebDAV, op, p, classify(err), err)
}

func classify(err error) error {
	switch {
	case gowebdav.IsErrCode(err, http.StatusUnauthorized), gowebdav.IsErrCode(err, http.StatusForbidden):
		return storage.ErrPermission
	case gowebdav.IsErrNotFound(err):
		return storage.ErrNotFound
	case storage.IsConnectivityError(err):
		return storage.ErrConnectivity
	}
	for _, code := range []int{http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout} {
		if gowebdav.IsErrCode(err, code) {
			return storage.ErrConnectivity
		}
	}
	return nil
}

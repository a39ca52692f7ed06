package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"suitebackup/storage"
)

// Ensure Backend implements storage.Backend at compile time.
var _ storage.Backend = (*Backend)(nil)

const (
	defaultPort    = 22
	defaultPath    = "backups"
	defaultTimeout = 30 * time.Second
)

// Config holds the connection settings of an SFTP target.
type Config struct {
	Host       string
	Port       int
	User       string
	Password   string
	PrivateKey string // PEM-encoded, optional
	// HostKey is the server's public key in authorized_keys format.
	HostKey               string
	InsecureIgnoreHostKey bool
	Path                  string
	Timeout               time.Duration
}

// ConfigFrom maps a storage target's key/value config onto Config.
func ConfigFrom(c storage.Config) Config {
	return Config{
		Host:                  c.String("host", ""),
		Port:                  c.Int("port", defaultPort),
		User:                  c.String("user", ""),
		Password:              c["password"],
		PrivateKey:            c["private_key"],
		HostKey:               c.String("host_key", ""),
		InsecureIgnoreHostKey: c.Bool("insecure_ignore_host_key", false),
		Path:                  c.String("path", defaultPath),
		Timeout:               c.Duration("timeout", defaultTimeout),
	}
}

// session is one open SFTP connection.
type session struct {
	client *sftp.Client
	close  func() error
}

// dialFunc opens a session. Tests replace it with an in-memory pipe.
type dialFunc func(ctx context.Context) (*session, error)

// Backend stores archives on a remote host over SFTP. Each operation opens
// its own connection.
type Backend struct {
	root string
	dial dialFunc
}

// New validates cfg and returns a backend that dials on demand.
func New(cfg Config) (*Backend, error) {
	if cfg.Host == "" {
		return nil, configError(errors.New("host is required"))
	}
	if cfg.User == "" {
		return nil, configError(errors.New("user is required"))
	}

	var auth []ssh.AuthMethod
	if cfg.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(cfg.PrivateKey))
		if err != nil {
			return nil, configError(fmt.Errorf("parse private_key: %w", err))
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, configError(errors.New("password or private_key is required"))
	}

	var hostKeyCallback ssh.HostKeyCallback
	switch {
	case cfg.HostKey != "":
		pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(cfg.HostKey))
		if err != nil {
			return nil, configError(fmt.Errorf("parse host_key: %w", err))
		}
		hostKeyCallback = ssh.FixedHostKey(pub)
	case cfg.InsecureIgnoreHostKey:
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	default:
		return nil, configError(errors.New("host_key is required unless insecure_ignore_host_key is set"))
	}

	port := cfg.Port
	if port == 0 {
		port = defaultPort
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))
	sshConfig := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	root := cfg.Path
	if root == "" {
		root = defaultPath
	}

	return &Backend{
		root: root,
		dial: func(ctx context.Context) (*session, error) {
			return dialSSH(ctx, addr, sshConfig)
		},
	}, nil
}

func dialSSH(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*session, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	conn.SetDeadline(time.Now().Add(cfg.Timeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})

	sshClient := ssh.NewClient(c, chans, reqs)
	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, err
	}
	return &session{
		client: client,
		close: func() error {
			client.Close()
			return sshClient.Close()
		},
	}, nil
}

func (b *Backend) Kind() storage.Kind {
	return storage.KindSFTP
}

func (b *Backend) remotePath(destName string) string {
	return path.Join(b.root, destName)
}

// Test connects, ensures the base directory exists and writes then removes
// a probe file.
func (b *Backend) Test(ctx context.Context) (string, error) {
	s, err := b.dial(ctx)
	if err != nil {
		return "", b.fail("test", b.root, err)
	}
	defer s.close()

	if err := s.client.MkdirAll(b.root); err != nil {
		return "", b.fail("test", b.root, err)
	}
	probe := path.Join(b.root, fmt.Sprintf(".write-test-%d", time.Now().UnixNano()))
	f, err := s.client.Create(probe)
	if err != nil {
		return "", b.fail("test", probe, err)
	}
	f.Close()
	if err := s.client.Remove(probe); err != nil {
		return "", b.fail("test", probe, err)
	}
	return fmt.Sprintf("connected, %s is writable", b.root), nil
}

// Upload copies localPath to <root>/<destName> and removes the local file.
func (b *Backend) Upload(ctx context.Context, localPath, destName string) (string, error) {
	remote := b.remotePath(destName)

	src, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("sftp: failed to open %s: %w", localPath, err)
	}
	defer src.Close()

	s, err := b.dial(ctx)
	if err != nil {
		return "", b.fail("upload", remote, err)
	}
	defer s.close()

	if err := s.client.MkdirAll(path.Dir(remote)); err != nil {
		return "", b.fail("upload", remote, err)
	}
	dst, err := s.client.Create(remote)
	if err != nil {
		return "", b.fail("upload", remote, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		s.client.Remove(remote)
		return "", b.fail("upload", remote, err)
	}
	if err := dst.Close(); err != nil {
		s.client.Remove(remote)
		return "", b.fail("upload", remote, err)
	}

	src.Close()
	os.Remove(localPath)
	return remote, nil
}

// Download copies remotePath to localPath.
func (b *Backend) Download(ctx context.Context, remotePath, localPath string) error {
	s, err := b.dial(ctx)
	if err != nil {
		return b.fail("download", remotePath, err)
	}
	defer s.close()

	src, err := s.client.Open(remotePath)
	if err != nil {
		return b.fail("download", remotePath, err)
	}
	defer src.Close()

	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("sftp: failed to create %s: %w", localPath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return b.fail("download", remotePath, err)
	}
	return dst.Close()
}

// Delete removes remotePath. A missing file is not an error.
func (b *Backend) Delete(ctx context.Context, remotePath string) error {
	s, err := b.dial(ctx)
	if err != nil {
		return b.fail("delete", remotePath, err)
	}
	defer s.close()

	if err := s.client.Remove(remotePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return b.fail("delete", remotePath, err)
	}
	return nil
}

func (b *Backend) fail(op, p string, err error) error {
	return storage.NewError(storage.KindSFTP, op, p, classify(err), err)
}

func classify(err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return storage.ErrPermission
	case errors.Is(err, fs.ErrNotExist):
		return storage.ErrNotFound
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "host key") {
		return storage.ErrPermission
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || storage.IsConnectivityError(err) {
		return storage.ErrConnectivity
	}
	return nil
}

func configError(err error) error {
	return storage.NewError(storage.KindSFTP, "configure", "", storage.ErrConfig, err)
}

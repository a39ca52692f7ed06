package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind identifies a storage target backend.
type Kind string

const (
	KindLocal  Kind = "local"
	KindS3     Kind = "s3"
	KindSFTP   Kind = "sftp"
	KindWebDAV Kind = "webdav"
)

// Kinds lists every supported backend kind.
var Kinds = []Kind{KindLocal, KindS3, KindSFTP, KindWebDAV}

// Valid reports whether k is a supported backend kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Backend is the interface every storage target implements. A Backend is
// bound to one target's configuration when it is constructed.
type Backend interface {
	// Kind returns the backend type identifier.
	Kind() Kind
	// Test verifies the target is reachable and writable and returns a
	// human-readable status message.
	Test(ctx context.Context) (string, error)
	// Upload moves or copies the file at localPath into the target under
	// destName and returns the remote path used to address it later.
	Upload(ctx context.Context, localPath, destName string) (string, error)
	// Download fetches remotePath into localPath, creating or truncating it.
	Download(ctx context.Context, remotePath, localPath string) error
	// Delete removes remotePath. A missing object is not an error.
	Delete(ctx context.Context, remotePath string) error
}

// Error classes. Every backend failure that the pipeline can act on wraps
// one of these so callers can branch with errors.Is.
var (
	ErrPermission   = errors.New("permission denied")
	ErrConnectivity = errors.New("connectivity failure")
	ErrNotFound     = errors.New("object not found")
	ErrConfig       = errors.New("invalid configuration")
)

// OpError records a failed backend operation.
type OpError struct {
	Kind  Kind
	Op    string
	Path  string
	Class error
	Err   error
}

func (e *OpError) Error() string {
	msg := string(e.Kind) + ": " + e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Class != nil {
		msg += ": " + e.Class.Error()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the error class and the underlying cause.
func (e *OpError) Unwrap() []error {
	var errs []error
	if e.Class != nil {
		errs = append(errs, e.Class)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// NewError builds an *OpError.
func NewError(kind Kind, op, path string, class, err error) error {
	return &OpError{Kind: kind, Op: op, Path: path, Class: class, Err: err}
}

// Config is the decrypted key/value configuration of a storage target.
// Getters apply defaults for missing keys and never fail on absence.
type Config map[string]string

// String returns the trimmed value of key, or def when it is unset or blank.
func (c Config) String(key, def string) string {
	if v := strings.TrimSpace(c[key]); v != "" {
		return v
	}
	return def
}

// Bool parses key as a boolean, returning def when unset or unparsable.
func (c Config) Bool(key string, def bool) bool {
	v := strings.TrimSpace(c[key])
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Int parses key as an integer, returning def when unset or unparsable.
func (c Config) Int(key string, def int) int {
	v := strings.TrimSpace(c[key])
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Duration parses key as a time.Duration ("30s") or a bare number of
// seconds, returning def when unset or unparsable.
func (c Config) Duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(c[key])
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

// Require returns an ErrConfig error naming the first missing key.
func (c Config) Require(kind Kind, keys ...string) error {
	for _, k := range keys {
		if strings.TrimSpace(c[k]) == "" {
			return NewError(kind, "configure", "", ErrConfig, fmt.Errorf("%s is required", k))
		}
	}
	return nil
}

// FormatBackupName creates a consistent archive filename from a run id,
// timestamp and extension.
// Format: backup_<YYYY-MM-DDTHHMMSSZ>_<id><ext>
func FormatBackupName(id string, t time.Time, ext string) string {
	return "backup_" + t.UTC().Format("2006-01-02T150405Z") + "_" + id + ext
}

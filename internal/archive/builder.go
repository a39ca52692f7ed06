// Package archive packages a database dump and the upload tree into a single
// archive file and unpacks such archives again.
//
// Layout of every archive:
//
//	database.sql    plain SQL dump (optional)
//	uploads/...     the upload root, relative paths preserved (optional)
package archive

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/rs/zerolog"

	"suitebackup/internal/command"
	"suitebackup/internal/model"
)

const (
	DumpEntry    = "database.sql"
	UploadsEntry = "uploads"
)

// Request describes one archive to build.
type Request struct {
	WorkDir  string
	BaseName string
	// IncludeDBDump embeds <WorkDir>/<BaseName>_db.sql when that file exists.
	IncludeDBDump bool
	IncludeFiles  bool
	UploadRoot    string
	Compression   model.Compression
}

// DumpPath returns where the builder expects the database dump for req.
func (r Request) DumpPath() string {
	return filepath.Join(r.WorkDir, r.BaseName+"_db.sql")
}

// Result describes a built archive.
type Result struct {
	Path string
	// Entries is the number of regular files embedded.
	Entries int
}

// Builder creates archives. Zip archives are written in-process; tar based
// formats are produced by the tar and gzip tools.
type Builder struct {
	runner command.Runner
	logger zerolog.Logger
}

func NewBuilder(runner command.Runner, logger zerolog.Logger) *Builder {
	return &Builder{
		runner: runner,
		logger: logger.With().Str("component", "archive").Logger(),
	}
}

// Build writes the archive for req into req.WorkDir. The loose dump file is
// removed whatever the outcome; so is a partially written archive.
func (b *Builder) Build(ctx context.Context, req Request) (res Result, err error) {
	compression := req.Compression
	if compression == "" {
		compression = model.CompressionGzip
	}
	if !compression.Valid() {
		return Result{}, fmt.Errorf("unsupported compression %q", compression)
	}

	dumpPath := req.DumpPath()
	defer func() {
		if rmErr := os.Remove(dumpPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			b.logger.Warn().Err(rmErr).Str("path", dumpPath).Msg("failed to remove database dump")
		}
	}()

	withDump := false
	if req.IncludeDBDump {
		if _, statErr := os.Stat(dumpPath); statErr == nil {
			withDump = true
		}
	}
	withFiles := false
	if req.IncludeFiles && req.UploadRoot != "" {
		if info, statErr := os.Stat(req.UploadRoot); statErr == nil && info.IsDir() {
			withFiles = true
		}
	}

	archivePath := filepath.Join(req.WorkDir, req.BaseName+compression.Extension())
	defer func() {
		if err != nil {
			os.Remove(archivePath)
		}
	}()

	switch compression {
	case model.CompressionZip:
		res, err = b.buildZip(ctx, archivePath, dumpPath, withDump, req.UploadRoot, withFiles)
	default:
		res, err = b.buildTar(ctx, req, archivePath, withDump, withFiles, compression == model.CompressionGzip)
	}
	if err != nil {
		return Result{}, err
	}

	b.logger.Debug().
		Str("archive", archivePath).
		Bool("database", withDump).
		Int("entries", res.Entries).
		Msg("archive built")
	return res, nil
}

func (b *Builder) buildZip(ctx context.Context, archivePath, dumpPath string, withDump bool, uploadRoot string, withFiles bool) (Result, error) {
	out, err := os.Create(archivePath)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create archive: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	entries := 0

	if withDump {
		info, err := os.Stat(dumpPath)
		if err != nil {
			return Result{}, fmt.Errorf("failed to stat dump: %w", err)
		}
		if err := addZipFile(zw, dumpPath, DumpEntry, info); err != nil {
			return Result{}, err
		}
		entries++
	}

	if withFiles {
		err := filepath.WalkDir(uploadRoot, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			rel, err := filepath.Rel(uploadRoot, path)
			if err != nil {
				return err
			}
			name := UploadsEntry
			if rel != "." {
				name += "/" + filepath.ToSlash(rel)
			}

			info, err := d.Info()
			if err != nil {
				return err
			}
			if d.IsDir() {
				header, err := zip.FileInfoHeader(info)
				if err != nil {
					return fmt.Errorf("failed to create dir header for %s: %w", rel, err)
				}
				header.Name = name + "/"
				_, err = zw.CreateHeader(header)
				return err
			}
			if !info.Mode().IsRegular() {
				b.logger.Warn().Str("path", rel).Str("mode", info.Mode().Type().String()).Msg("skipping non-regular file in zip archive")
				return nil
			}
			if err := addZipFile(zw, path, name, info); err != nil {
				return err
			}
			entries++
			return nil
		})
		if err != nil {
			return Result{}, fmt.Errorf("failed to add uploads: %w", err)
		}
	}

	if err := zw.Close(); err != nil {
		return Result{}, fmt.Errorf("failed to finalize zip: %w", err)
	}
	if err := out.Close(); err != nil {
		return Result{}, fmt.Errorf("failed to close archive: %w", err)
	}
	return Result{Path: archivePath, Entries: entries}, nil
}

func addZipFile(zw *zip.Writer, path, name string, info fs.FileInfo) error {
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("failed to create header for %s: %w", name, err)
	}
	header.Name = name
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("failed to create zip entry %s: %w", name, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

// buildTar runs GNU tar, renaming members on the fly with --transform, then
// gzip when compressed output is requested.
func (b *Builder) buildTar(ctx context.Context, req Request, archivePath string, withDump, withFiles, compress bool) (Result, error) {
	tarPath := filepath.Join(req.WorkDir, req.BaseName+".tar")
	if compress {
		defer os.Remove(tarPath)
	}

	// -C is cumulative for relative directories.
	workDir, err := filepath.Abs(req.WorkDir)
	if err != nil {
		return Result{}, err
	}
	uploadRoot, err := filepath.Abs(req.UploadRoot)
	if err != nil {
		return Result{}, err
	}

	dumpName := filepath.Base(req.DumpPath())
	args := []string{
		"--create",
		"--file", tarPath,
		"--files-from", os.DevNull,
		"--transform", "s,^" + regexp.QuoteMeta(dumpName) + "$," + DumpEntry + ",",
		"--transform", `s,^\.,` + UploadsEntry + ",",
	}
	if withDump {
		args = append(args, "-C", workDir, dumpName)
	}
	entries := 0
	if withFiles {
		n, err := CountFiles(uploadRoot)
		if err != nil {
			return Result{}, fmt.Errorf("failed to scan uploads: %w", err)
		}
		entries += n
		args = append(args, "-C", uploadRoot, ".")
	}
	if withDump {
		entries++
	}

	if _, err := b.runner.Run(ctx, command.Cmd{Name: "tar", Args: args}); err != nil {
		os.Remove(tarPath)
		return Result{}, fmt.Errorf("tar failed: %w", err)
	}

	if !compress {
		return Result{Path: archivePath, Entries: entries}, nil
	}

	if _, err := b.runner.Run(ctx, command.Cmd{Name: "gzip", Args: []string{"-f", tarPath}}); err != nil {
		return Result{}, fmt.Errorf("gzip failed: %w", err)
	}
	return Result{Path: archivePath, Entries: entries}, nil
}

// CountFiles returns the number of regular files under root. A missing root
// counts as empty.
func CountFiles(root string) (int, error) {
	count := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipAll
			}
			return err
		}
		if d.Type().IsRegular() {
			count++
		}
		return nil
	})
	return count, err
}

// Checksum returns the hex SHA-256 digest and size of the file at path.
func Checksum(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	hasher := sha256.New()
	n, err := io.Copy(hasher, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}

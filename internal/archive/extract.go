package archive

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"suitebackup/internal/command"
	"suitebackup/internal/model"
)

// Extractor unpacks archives produced by Builder.
type Extractor struct {
	runner command.Runner
}

func NewExtractor(runner command.Runner) *Extractor {
	return &Extractor{runner: runner}
}

// Extract unpacks archivePath into destDir. An empty compression is inferred
// from the file name.
func (e *Extractor) Extract(ctx context.Context, archivePath, destDir string, compression model.Compression) error {
	if compression == "" {
		c, ok := model.CompressionFromName(archivePath)
		if !ok {
			return fmt.Errorf("cannot infer archive format of %s", filepath.Base(archivePath))
		}
		compression = c
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("failed to create extraction dir: %w", err)
	}

	switch compression {
	case model.CompressionZip:
		return extractZip(ctx, archivePath, destDir)
	case model.CompressionGzip:
		return e.extractTar(ctx, archivePath, destDir, "-xzf")
	case model.CompressionNone:
		return e.extractTar(ctx, archivePath, destDir, "-xf")
	}
	return fmt.Errorf("unsupported compression %q", compression)
}

func (e *Extractor) extractTar(ctx context.Context, archivePath, destDir, mode string) error {
	args := []string{mode, archivePath, "-C", destDir, "--no-same-owner"}
	if _, err := e.runner.Run(ctx, command.Cmd{Name: "tar", Args: args}); err != nil {
		return fmt.Errorf("tar extract failed: %w", err)
	}
	return nil
}

func extractZip(ctx context.Context, archivePath, destDir string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open zip: %w", err)
	}
	defer reader.Close()

	destDir = filepath.Clean(destDir)
	for _, file := range reader.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		destPath := filepath.Join(destDir, filepath.FromSlash(file.Name))

		// Security: prevent zip slip (path traversal)
		if !strings.HasPrefix(destPath, destDir+string(os.PathSeparator)) && destPath != destDir {
			return fmt.Errorf("unsafe path in archive: %s", file.Name)
		}

		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(destPath, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", file.Name, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return fmt.Errorf("failed to create parent dir for %s: %w", file.Name, err)
		}
		if err := extractFile(file, destPath); err != nil {
			return fmt.Errorf("failed to extract %s: %w", file.Name, err)
		}
	}
	return nil
}

func extractFile(file *zip.File, destPath string) error {
	rc, err := file.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	mode := file.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

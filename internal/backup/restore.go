package backup

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"suitebackup/internal/archive"
	"suitebackup/internal/metrics"
	"suitebackup/internal/model"
	"suitebackup/storage"
)

// dumpCandidates are checked at the archive root, in order, before falling
// back to the first *.sql file anywhere in the archive.
var dumpCandidates = []string{archive.DumpEntry, "db.sql", "dump.sql"}

// RestoreRequest describes one restore run.
type RestoreRequest struct {
	// Type defaults to the backup's own type.
	Type model.BackupType
}

// RunRestore restores a completed backup over the live database and upload
// tree.
//
// The restore is not transactional. The database is restored before the
// files, and a failure part way leaves whatever was already written in
// place.
func (s *Service) RunRestore(ctx context.Context, owner, backupID string, req RestoreRequest) (*model.BackupRestore, error) {
	b, err := s.store.GetBackup(ctx, backupID)
	if err != nil {
		return nil, err
	}
	if b.Owner != owner {
		return nil, fmt.Errorf("backup %s: %w", backupID, ErrForbidden)
	}
	if b.Status != model.StatusCompleted {
		return nil, fmt.Errorf("%w: backup %s is %s", ErrBackupNotRestorable, backupID, b.Status)
	}
	if b.FilePath == nil {
		return nil, fmt.Errorf("%w: backup %s has no archive", ErrBackupNotRestorable, backupID)
	}

	restoreType := req.Type
	if restoreType == "" {
		restoreType = b.Type
	}
	if !restoreType.Valid() {
		return nil, fmt.Errorf("%w: unknown restore type %q", ErrInvalidRequest, restoreType)
	}
	withDB := restoreType.IncludesDatabase() && b.Type.IncludesDatabase()
	withFiles := restoreType.IncludesFiles() && b.Type.IncludesFiles()
	if !withDB && !withFiles {
		return nil, fmt.Errorf("%w: a %s backup holds nothing for a %s restore", ErrInvalidRequest, b.Type, restoreType)
	}

	target, err := s.targets.Get(ctx, owner, b.TargetID)
	if err != nil {
		return nil, err
	}
	backend, err := s.targets.Open(ctx, target)
	if err != nil {
		return nil, err
	}

	r := &model.BackupRestore{
		ID:          s.newID(),
		Owner:       owner,
		BackupID:    b.ID,
		Status:      model.StatusRunning,
		RestoreType: restoreType,
		StartedAt:   s.now(),
	}
	if err := s.store.CreateRestore(ctx, r); err != nil {
		return nil, fmt.Errorf("create restore record: %w", err)
	}

	log := s.logger.With().Str("restore_id", r.ID).Str("backup_id", b.ID).Str("owner", owner).Logger()
	log.Info().Str("type", string(restoreType)).Msg("restore started")

	runErr := s.executeRestore(ctx, r, b, backend, withDB, withFiles)

	r.Status, r.CompletedAt, r.DurationSeconds, r.ErrorMessage = s.finish(r.StartedAt, runErr)
	if err := s.store.UpdateRestore(context.WithoutCancel(ctx), r); err != nil {
		log.Error().Err(err).Str("status", string(r.Status)).Msg("failed to finalize restore record")
		if runErr == nil {
			// The stored row is still running; the caller sees a failure
			// rather than a success that was never recorded.
			runErr = fmt.Errorf("finalize restore record: %w", err)
			r.Status, r.CompletedAt, r.DurationSeconds, r.ErrorMessage = s.finish(r.StartedAt, runErr)
		}
	}
	s.metrics.ObserveRun(metrics.PipelineRestore, string(r.Status), s.now().Sub(r.StartedAt))

	if runErr != nil {
		log.Error().Err(runErr).Msg("restore failed")
		return r, runErr
	}
	log.Info().Float64("duration", *r.DurationSeconds).Msg("restore completed")
	return r, nil
}

func (s *Service) executeRestore(ctx context.Context, r *model.BackupRestore, b *model.Backup, backend storage.Backend, withDB, withFiles bool) error {
	workDir := filepath.Join(s.scratchDir, "restore-"+r.ID)
	if err := os.MkdirAll(workDir, 0o700); err != nil {
		return fmt.Errorf("create scratch directory: %w", err)
	}
	defer s.removeScratch(workDir)

	name := path.Base(*b.FilePath)
	if b.FileName != nil {
		name = *b.FileName
	}
	archivePath := filepath.Join(workDir, filepath.Base(name))
	if err := backend.Download(ctx, *b.FilePath, archivePath); err != nil {
		return fmt.Errorf("download archive: %w", err)
	}

	if b.Checksum != nil {
		sum, _, err := archive.Checksum(archivePath)
		if err != nil {
			return fmt.Errorf("checksum archive: %w", err)
		}
		if sum != *b.Checksum {
			return fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, *b.Checksum, sum)
		}
	}

	extractDir := filepath.Join(workDir, "extracted")
	if err := s.extractor.Extract(ctx, archivePath, extractDir, b.Compression); err != nil {
		return fmt.Errorf("extract archive: %w", err)
	}

	if withDB {
		dump, err := findDump(extractDir)
		if err != nil {
			return err
		}
		if err := s.restorer.Restore(ctx, dump); err != nil {
			return fmt.Errorf("restore database: %w", err)
		}
	}

	if withFiles {
		uploads := filepath.Join(extractDir, archive.UploadsEntry)
		if _, err := os.Stat(uploads); err == nil {
			n, err := copyTree(ctx, uploads, s.uploadRoot, s.logger)
			if err != nil {
				return fmt.Errorf("restore files: %w", err)
			}
			s.logger.Debug().Str("restore_id", r.ID).Int("files", n).Msg("files restored")
		}
	}
	return nil
}

// findDump locates the SQL dump inside an extracted archive.
func findDump(root string) (string, error) {
	for _, name := range dumpCandidates {
		p := filepath.Join(root, name)
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p, nil
		}
	}

	var found []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && strings.EqualFold(filepath.Ext(p), ".sql") {
			found = append(found, p)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("search for database dump: %w", err)
	}
	if len(found) == 0 {
		return "", ErrDumpNotFound
	}
	sort.Strings(found)
	return found[0], nil
}

// copyTree copies the regular files under src over dst, creating
// directories as needed. Anything else, such as a symlink, is skipped with a
// warning. It returns the number of files copied.
func copyTree(ctx context.Context, src, dst string, logger zerolog.Logger) (int, error) {
	copied := 0
	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				return err
			}
			if err := copyFile(p, target, info.Mode().Perm()); err != nil {
				return fmt.Errorf("copy %s: %w", rel, err)
			}
			copied++
		default:
			logger.Warn().Str("path", rel).Str("mode", d.Type().String()).Msg("skipping non-regular file on restore")
		}
		return nil
	})
	return copied, err
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

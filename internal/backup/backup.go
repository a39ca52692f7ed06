package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"suitebackup/internal/archive"
	"suitebackup/internal/metrics"
	"suitebackup/internal/model"
	"suitebackup/storage"
)

// BackupRequest describes one backup run.
type BackupRequest struct {
	// TargetID selects the storage target. Empty selects the owner's default.
	TargetID string
	// Type defaults to full.
	Type model.BackupType
	// Compression defaults to gzip.
	Compression model.Compression
	// IncludeUploads adds the upload tree to full and files backups.
	IncludeUploads bool
	// ScheduleID links the run to the schedule that triggered it.
	ScheduleID string
}

func (r *BackupRequest) normalize() error {
	if r.Type == "" {
		r.Type = model.TypeFull
	}
	if r.Compression == "" {
		r.Compression = model.CompressionGzip
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown backup type %q", ErrInvalidRequest, r.Type)
	}
	if !r.Compression.Valid() {
		return fmt.Errorf("%w: unknown compression %q", ErrInvalidRequest, r.Compression)
	}
	return nil
}

// RunBackup executes one backup for owner and returns its final record.
//
// Configuration errors are returned before any record exists. Once the
// record is created the returned backup is always in a terminal state; on
// failure it is returned together with the error that caused it.
func (s *Service) RunBackup(ctx context.Context, owner string, req BackupRequest) (*model.Backup, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}

	target, err := s.targets.Resolve(ctx, owner, req.TargetID)
	if err != nil {
		return nil, err
	}
	backend, err := s.targets.Open(ctx, target)
	if err != nil {
		return nil, err
	}

	b := &model.Backup{
		ID:          s.newID(),
		Owner:       owner,
		TargetID:    target.ID,
		Type:        req.Type,
		Status:      model.StatusRunning,
		Compression: req.Compression,
		StartedAt:   s.now(),
	}
	if req.ScheduleID != "" {
		b.ScheduleID = &req.ScheduleID
	}
	if err := s.store.CreateBackup(ctx, b); err != nil {
		return nil, fmt.Errorf("create backup record: %w", err)
	}

	log := s.logger.With().Str("backup_id", b.ID).Str("owner", owner).Str("target", target.ID).Logger()
	log.Info().Str("type", string(b.Type)).Str("compression", string(b.Compression)).Msg("backup started")

	runErr := s.executeBackup(ctx, b, backend, req.IncludeUploads)

	b.Status, b.CompletedAt, b.DurationSeconds, b.ErrorMessage = s.finish(b.StartedAt, runErr)
	if err := s.store.UpdateBackup(context.WithoutCancel(ctx), b); err != nil {
		log.Error().Err(err).Str("status", string(b.Status)).Msg("failed to finalize backup record")
		if runErr == nil {
			// The stored row is still running; the caller sees a failure
			// rather than a success that was never recorded.
			runErr = fmt.Errorf("finalize backup record: %w", err)
			b.Status, b.CompletedAt, b.DurationSeconds, b.ErrorMessage = s.finish(b.StartedAt, runErr)
		}
	}
	s.metrics.ObserveRun(metrics.PipelineBackup, string(b.Status), s.now().Sub(b.StartedAt))

	if runErr != nil {
		log.Error().Err(runErr).Msg("backup failed")
		return b, runErr
	}
	s.metrics.ObserveArchive(*b.FileSize)
	log.Info().
		Str("file", *b.FileName).
		Int64("size", *b.FileSize).
		Int("files", b.FilesIncluded).
		Float64("duration", *b.DurationSeconds).
		Msg("backup completed")
	return b, nil
}

// executeBackup dumps, archives, checksums and uploads. The scratch
// directory is removed before it returns.
func (s *Service) executeBackup(ctx context.Context, b *model.Backup, backend storage.Backend, includeUploads bool) error {
	workDir := filepath.Join(s.scratchDir, "backup-"+b.ID)
	if err := os.MkdirAll(workDir, 0o700); err != nil {
		return fmt.Errorf("create scratch directory: %w", err)
	}
	defer s.removeScratch(workDir)

	req := archive.Request{
		WorkDir:       workDir,
		BaseName:      storage.FormatBackupName(b.ID, b.StartedAt, ""),
		IncludeDBDump: b.Type.IncludesDatabase(),
		IncludeFiles:  b.Type.IncludesFiles() && includeUploads,
		UploadRoot:    s.uploadRoot,
		Compression:   b.Compression,
	}

	if req.IncludeDBDump {
		if err := s.dumper.Dump(ctx, req.DumpPath()); err != nil {
			return fmt.Errorf("dump database: %w", err)
		}
		b.TablesIncluded = s.listTables(ctx, b.ID)
	}

	if req.IncludeFiles {
		n, err := archive.CountFiles(s.uploadRoot)
		if err != nil {
			return fmt.Errorf("count uploaded files: %w", err)
		}
		b.FilesIncluded = n
	}

	res, err := s.builder.Build(ctx, req)
	if err != nil {
		return fmt.Errorf("build archive: %w", err)
	}

	sum, size, err := archive.Checksum(res.Path)
	if err != nil {
		return fmt.Errorf("checksum archive: %w", err)
	}

	fileName := filepath.Base(res.Path)
	remotePath, err := backend.Upload(ctx, res.Path, path.Join(b.Owner, fileName))
	if err != nil {
		return fmt.Errorf("upload archive: %w", err)
	}

	b.FilePath = &remotePath
	b.FileName = &fileName
	b.FileSize = &size
	b.Checksum = &sum
	return nil
}

// listTables records which tables were captured. It never fails the run.
func (s *Service) listTables(ctx context.Context, backupID string) []string {
	if s.tables == nil {
		return nil
	}
	tables, err := s.tables.ListTables(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Str("backup_id", backupID).Msg("failed to list tables")
		return nil
	}
	return tables
}

// DeleteBackup removes a finished backup's archive from its target and then
// its record. A missing target or remote object does not block removing the
// record.
func (s *Service) DeleteBackup(ctx context.Context, owner, id string) error {
	b, err := s.store.GetBackup(ctx, id)
	if err != nil {
		return err
	}
	if b.Owner != owner {
		return fmt.Errorf("backup %s: %w", id, ErrForbidden)
	}
	if b.Status == model.StatusRunning {
		return fmt.Errorf("%w: backup %s is still running", ErrInvalidRequest, id)
	}
	return s.deleteBackup(ctx, b)
}

func (s *Service) deleteBackup(ctx context.Context, b *model.Backup) error {
	if b.FilePath != nil {
		if err := s.deleteRemote(ctx, b); err != nil {
			s.logger.Warn().Err(err).Str("backup_id", b.ID).Str("path", *b.FilePath).Msg("failed to delete remote archive")
		}
	}
	if err := s.store.DeleteBackup(ctx, b.ID); err != nil {
		return fmt.Errorf("delete backup record: %w", err)
	}
	s.logger.Info().Str("backup_id", b.ID).Str("owner", b.Owner).Msg("backup deleted")
	return nil
}

func (s *Service) deleteRemote(ctx context.Context, b *model.Backup) error {
	target, err := s.targets.Get(ctx, b.Owner, b.TargetID)
	if err != nil {
		return err
	}
	backend, err := s.targets.Open(ctx, target)
	if err != nil {
		return err
	}
	if err := backend.Delete(ctx, *b.FilePath); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

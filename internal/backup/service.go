// Package backup runs the backup and restore pipelines and the schedule
// bookkeeping around them.
//
// A run is synchronous. Its record is created in the running state before
// any heavy work, every failure after that marks the record failed, and the
// run's scratch directory is removed on every return path.
package backup

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"suitebackup/internal/archive"
	"suitebackup/internal/metrics"
	"suitebackup/internal/model"
	"suitebackup/internal/store"
	"suitebackup/storage"
)

var (
	// ErrInvalidRequest is returned for malformed backup, restore or
	// schedule requests. No record is created.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrForbidden is returned when a backup or schedule belongs to another
	// owner.
	ErrForbidden = errors.New("record belongs to another owner")
	// ErrBackupNotRestorable is returned when restoring a backup that is not
	// completed or has no archive.
	ErrBackupNotRestorable = errors.New("backup is not restorable")
	// ErrChecksumMismatch is returned when a downloaded archive does not match
	// the checksum recorded at backup time.
	ErrChecksumMismatch = errors.New("archive checksum mismatch")
	// ErrDumpNotFound is returned when a restore needs a database dump and
	// the archive holds none.
	ErrDumpNotFound = errors.New("no database dump in archive")
)

// Dumper writes a database dump to a file.
type Dumper interface {
	Dump(ctx context.Context, outputFile string) error
}

// Restorer loads a database dump file.
type Restorer interface {
	Restore(ctx context.Context, inputFile string) error
}

// TableLister lists the tables captured by a dump.
type TableLister interface {
	ListTables(ctx context.Context) ([]string, error)
}

// ArchiveBuilder packages a run's dump and uploads.
type ArchiveBuilder interface {
	Build(ctx context.Context, req archive.Request) (archive.Result, error)
}

// Extractor unpacks an archive.
type Extractor interface {
	Extract(ctx context.Context, archivePath, destDir string, compression model.Compression) error
}

// Targets resolves storage targets and opens their backends.
type Targets interface {
	Resolve(ctx context.Context, owner, id string) (*model.StorageTarget, error)
	Get(ctx context.Context, owner, id string) (*model.StorageTarget, error)
	Open(ctx context.Context, t *model.StorageTarget) (storage.Backend, error)
}

// Records is the part of the record store the pipelines use.
type Records interface {
	store.ScheduleStore
	store.BackupStore
	store.RestoreStore
}

// Options wires a Service.
type Options struct {
	// ScratchDir holds per-run working directories.
	ScratchDir string
	// UploadRoot is the live upload tree.
	UploadRoot string

	Store     Records
	Targets   Targets
	Dumper    Dumper
	Restorer  Restorer
	Tables    TableLister // optional
	Builder   ArchiveBuilder
	Extractor Extractor
	Metrics   *metrics.Metrics // optional
	Logger    zerolog.Logger

	// Now and NewID default to the wall clock and random UUIDs.
	Now   func() time.Time
	NewID func() string
}

type Service struct {
	scratchDir string
	uploadRoot string

	store     Records
	targets   Targets
	dumper    Dumper
	restorer  Restorer
	tables    TableLister
	builder   ArchiveBuilder
	extractor Extractor
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time
	newID     func() string
}

func NewService(opts Options) *Service {
	s := &Service{
		scratchDir: opts.ScratchDir,
		uploadRoot: opts.UploadRoot,
		store:      opts.Store,
		targets:    opts.Targets,
		dumper:     opts.Dumper,
		restorer:   opts.Restorer,
		tables:     opts.Tables,
		builder:    opts.Builder,
		extractor:  opts.Extractor,
		metrics:    opts.Metrics,
		logger:     opts.Logger.With().Str("component", "backup").Logger(),
		now:        opts.Now,
		newID:      opts.NewID,
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.newID == nil {
		s.newID = func() string { return uuid.New().String() }
	}
	return s
}

// removeScratch deletes a run's working directory. Failures are logged.
func (s *Service) removeScratch(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		s.logger.Warn().Err(err).Str("path", dir).Msg("failed to remove scratch directory")
	}
}

// finish computes the terminal fields of a run that started at started.
func (s *Service) finish(started time.Time, runErr error) (model.Status, *time.Time, *float64, *string) {
	completed := s.now()
	duration := completed.Sub(started).Seconds()
	if runErr != nil {
		msg := runErr.Error()
		return model.StatusFailed, &completed, &duration, &msg
	}
	return model.StatusCompleted, &completed, &duration, nil
}

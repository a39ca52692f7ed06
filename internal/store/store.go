// Package store defines the record store capabilities the backup and restore
// pipelines depend on. Implementations live in the memstore and postgres
// subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"suitebackup/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// TargetStore persists storage targets.
type TargetStore interface {
	CreateTarget(ctx context.Context, t *model.StorageTarget) error
	GetTarget(ctx context.Context, id string) (*model.StorageTarget, error)
	ListTargets(ctx context.Context, owner string) ([]*model.StorageTarget, error)
	// UpdateTarget saves every field except the default flag, which only
	// SetDefaultTarget changes.
	UpdateTarget(ctx context.Context, t *model.StorageTarget) error
	DeleteTarget(ctx context.Context, id string) error
	// DefaultTarget returns the owner's default target or ErrNotFound.
	DefaultTarget(ctx context.Context, owner string) (*model.StorageTarget, error)
	// SetDefaultTarget marks id as the owner's only default target in a
	// single atomic operation.
	SetDefaultTarget(ctx context.Context, owner, id string) error
}

// ScheduleStore persists backup schedules.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *model.BackupSchedule) error
	GetSchedule(ctx context.Context, id string) (*model.BackupSchedule, error)
	ListSchedules(ctx context.Context, owner string) ([]*model.BackupSchedule, error)
	UpdateSchedule(ctx context.Context, s *model.BackupSchedule) error
	DeleteSchedule(ctx context.Context, id string) error
	// DueSchedules returns enabled schedules whose next run is at or before now.
	DueSchedules(ctx context.Context, now time.Time) ([]*model.BackupSchedule, error)
}

// BackupStore persists backup records.
type BackupStore interface {
	CreateBackup(ctx context.Context, b *model.Backup) error
	GetBackup(ctx context.Context, id string) (*model.Backup, error)
	ListBackups(ctx context.Context, owner string) ([]*model.Backup, error)
	ListScheduleBackups(ctx context.Context, scheduleID string) ([]*model.Backup, error)
	UpdateBackup(ctx context.Context, b *model.Backup) error
	DeleteBackup(ctx context.Context, id string) error
}

// RestoreStore persists restore records.
type RestoreStore interface {
	CreateRestore(ctx context.Context, r *model.BackupRestore) error
	GetRestore(ctx context.Context, id string) (*model.BackupRestore, error)
	ListRestores(ctx context.Context, backupID string) ([]*model.BackupRestore, error)
	UpdateRestore(ctx context.Context, r *model.BackupRestore) error
}

// Store is the full record store.
type Store interface {
	TargetStore
	ScheduleStore
	BackupStore
	RestoreStore
}

// Package model holds the entities the backup and restore pipelines read and
// write through the record store.
package model

import (
	"strings"
	"time"

	"suitebackup/storage"
)

// BackupType selects what a backup or restore covers.
type BackupType string

const (
	TypeFull     BackupType = "full"
	TypeDatabase BackupType = "database"
	TypeFiles    BackupType = "files"
)

func (t BackupType) Valid() bool {
	switch t {
	case TypeFull, TypeDatabase, TypeFiles:
		return true
	}
	return false
}

// IncludesDatabase reports whether the type covers the database.
func (t BackupType) IncludesDatabase() bool { return t == TypeFull || t == TypeDatabase }

// IncludesFiles reports whether the type covers uploaded files.
func (t BackupType) IncludesFiles() bool { return t == TypeFull || t == TypeFiles }

// Compression is the archive format.
type Compression string

const (
	CompressionGzip Compression = "gzip"
	CompressionZip  Compression = "zip"
	CompressionNone Compression = "none"
)

func (c Compression) Valid() bool {
	switch c {
	case CompressionGzip, CompressionZip, CompressionNone:
		return true
	}
	return false
}

// Extension returns the archive file extension including the leading dot.
func (c Compression) Extension() string {
	switch c {
	case CompressionZip:
		return ".zip"
	case CompressionNone:
		return ".tar"
	default:
		return ".tar.gz"
	}
}

// CompressionFromName infers the compression from an archive file name.
func CompressionFromName(name string) (Compression, bool) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return CompressionGzip, true
	case strings.HasSuffix(lower, ".zip"):
		return CompressionZip, true
	case strings.HasSuffix(lower, ".tar"):
		return CompressionNone, true
	}
	return "", false
}

// Status is the lifecycle state of a backup or restore run. Completed and
// failed are terminal.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// StorageTarget is a named, configured destination for archives. Config is
// kept sealed; only the target service sees it in plaintext.
type StorageTarget struct {
	ID             string
	Owner          string
	Name           string
	Kind           storage.Kind
	SealedConfig   string
	IsDefault      bool
	IsEnabled      bool
	LastTestResult string
	LastTestedAt   *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BackupSchedule is a periodic backup policy.
type BackupSchedule struct {
	ID             string
	Owner          string
	TargetID       string
	Type           BackupType
	CronExpression string
	// RetentionDays and RetentionCount of zero mean no limit.
	RetentionDays  int
	RetentionCount int
	IncludeUploads bool
	IncludeLogs    bool
	Compression    Compression
	NextRunAt      *time.Time
	LastRunAt      *time.Time
	IsEnabled      bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Backup records one backup run.
type Backup struct {
	ID              string
	Owner           string
	TargetID        string
	ScheduleID      *string
	Type            BackupType
	Status          Status
	Compression     Compression
	FilePath        *string
	FileName        *string
	FileSize        *int64
	Checksum        *string
	TablesIncluded  []string
	FilesIncluded   int
	StartedAt       time.Time
	CompletedAt     *time.Time
	DurationSeconds *float64
	ErrorMessage    *string
}

// BackupRestore records one restore run.
type BackupRestore struct {
	ID              string
	Owner           string
	BackupID        string
	Status          Status
	RestoreType     BackupType
	StartedAt       time.Time
	CompletedAt     *time.Time
	DurationSeconds *float64
	ErrorMessage    *string
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

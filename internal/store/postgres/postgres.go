// Package postgres implements the record store on PostgreSQL using pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"suitebackup/internal/model"
	"suitebackup/internal/store"
)

var _ store.Store = (*Store)(nil)

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db DB
}

func New(db DB) *Store {
	return &Store{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

// notFound maps pgx.ErrNoRows to store.ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func affected(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Targets

const targetColumns = `id, owner, name, kind, sealed_config, is_default, is_enabled, last_test_result, last_tested_at, created_at, updated_at`

func scanTarget(row scanner) (*model.StorageTarget, error) {
	var t model.StorageTarget
	err := row.Scan(&t.ID, &t.Owner, &t.Name, &t.Kind, &t.SealedConfig, &t.IsDefault, &t.IsEnabled,
		&t.LastTestResult, &t.LastTestedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) CreateTarget(ctx context.Context, t *model.StorageTarget) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO storage_targets (`+targetColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.Owner, t.Name, t.Kind, t.SealedConfig, t.IsDefault, t.IsEnabled,
		t.LastTestResult, t.LastTestedAt, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert storage target: %w", err)
	}
	return nil
}

func (s *Store) GetTarget(ctx context.Context, id string) (*model.StorageTarget, error) {
	t, err := scanTarget(s.db.QueryRow(ctx, `SELECT `+targetColumns+` FROM storage_targets WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get storage target %s: %w", id, notFound(err))
	}
	return t, nil
}

func (s *Store) ListTargets(ctx context.Context, owner string) ([]*model.StorageTarget, error) {
	rows, err := s.db.Query(ctx, `SELECT `+targetColumns+` FROM storage_targets WHERE owner = $1 ORDER BY name`, owner)
	if err != nil {
		return nil, fmt.Errorf("list storage targets for %s: %w", owner, err)
	}
	defer rows.Close()

	var out []*model.StorageTarget
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan storage target: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate storage targets: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateTarget(ctx context.Context, t *model.StorageTarget) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE storage_targets
		 SET name = $2, kind = $3, sealed_config = $4, is_enabled = $5, last_test_result = $6, last_tested_at = $7, updated_at = $8
		 WHERE id = $1`,
		t.ID, t.Name, t.Kind, t.SealedConfig, t.IsEnabled, t.LastTestResult, t.LastTestedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update storage target %s: %w", t.ID, err)
	}
	if err := affected(tag); err != nil {
		return fmt.Errorf("update storage target %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) DeleteTarget(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM storage_targets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete storage target %s: %w", id, err)
	}
	if err := affected(tag); err != nil {
		return fmt.Errorf("delete storage target %s: %w", id, err)
	}
	return nil
}

func (s *Store) DefaultTarget(ctx context.Context, owner string) (*model.StorageTarget, error) {
	t, err := scanTarget(s.db.QueryRow(ctx,
		`SELECT `+targetColumns+` FROM storage_targets WHERE owner = $1 AND is_default LIMIT 1`, owner))
	if err != nil {
		return nil, fmt.Errorf("get default storage target for %s: %w", owner, notFound(err))
	}
	return t, nil
}

// SetDefaultTarget makes id the owner's only default. The owner's rows are
// locked first so concurrent switches run one after another; the partial
// unique index on (owner) WHERE is_default rejects anything that slips past.
func (s *Store) SetDefaultTarget(ctx context.Context, owner, id string) error {
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT id FROM storage_targets WHERE owner = $1 FOR UPDATE`, owner); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE storage_targets SET is_default = FALSE, updated_at = now()
			 WHERE owner = $1 AND is_default AND id <> $2`,
			owner, id,
		); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`UPDATE storage_targets SET is_default = TRUE, updated_at = now()
			 WHERE owner = $1 AND id = $2`,
			owner, id,
		)
		if err != nil {
			return err
		}
		return affected(tag)
	})
	if err != nil {
		return fmt.Errorf("set default storage target %s: %w", id, err)
	}
	return nil
}

// Schedules

const scheduleColumns = `id, owner, target_id, type, cron_expression, retention_days, retention_count, include_uploads, include_logs, compression, next_run_at, last_run_at, is_enabled, created_at, updated_at`

func scanSchedule(row scanner) (*model.BackupSchedule, error) {
	var s model.BackupSchedule
	err := row.Scan(&s.ID, &s.Owner, &s.TargetID, &s.Type, &s.CronExpression, &s.RetentionDays, &s.RetentionCount,
		&s.IncludeUploads, &s.IncludeLogs, &s.Compression, &s.NextRunAt, &s.LastRunAt, &s.IsEnabled, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Store) querySchedules(ctx context.Context, what, sql string, args ...any) ([]*model.BackupSchedule, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", what, err)
	}
	defer rows.Close()

	var out []*model.BackupSchedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", what, err)
	}
	return out, nil
}

func (s *Store) CreateSchedule(ctx context.Context, sc *model.BackupSchedule) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO backup_schedules (`+scheduleColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		sc.ID, sc.Owner, sc.TargetID, sc.Type, sc.CronExpression, sc.RetentionDays, sc.RetentionCount,
		sc.IncludeUploads, sc.IncludeLogs, sc.Compression, sc.NextRunAt, sc.LastRunAt, sc.IsEnabled, sc.CreatedAt, sc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*model.BackupSchedule, error) {
	sc, err := scanSchedule(s.db.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM backup_schedules WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get schedule %s: %w", id, notFound(err))
	}
	return sc, nil
}

func (s *Store) ListSchedules(ctx context.Context, owner string) ([]*model.BackupSchedule, error) {
	return s.querySchedules(ctx, "schedules for "+owner,
		`SELECT `+scheduleColumns+` FROM backup_schedules WHERE owner = $1 ORDER BY created_at`, owner)
}

func (s *Store) UpdateSchedule(ctx context.Context, sc *model.BackupSchedule) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE backup_schedules
		 SET target_id = $2, type = $3, cron_expression = $4, retention_days = $5, retention_count = $6,
		     include_uploads = $7, include_logs = $8, compression = $9, next_run_at = $10, last_run_at = $11,
		     is_enabled = $12, updated_at = $13
		 WHERE id = $1`,
		sc.ID, sc.TargetID, sc.Type, sc.CronExpression, sc.RetentionDays, sc.RetentionCount,
		sc.IncludeUploads, sc.IncludeLogs, sc.Compression, sc.NextRunAt, sc.LastRunAt, sc.IsEnabled, sc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update schedule %s: %w", sc.ID, err)
	}
	if err := affected(tag); err != nil {
		return fmt.Errorf("update schedule %s: %w", sc.ID, err)
	}
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM backup_schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete schedule %s: %w", id, err)
	}
	if err := affected(tag); err != nil {
		return fmt.Errorf("delete schedule %s: %w", id, err)
	}
	return nil
}

func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]*model.BackupSchedule, error) {
	return s.querySchedules(ctx, "due schedules",
		`SELECT `+scheduleColumns+` FROM backup_schedules
		 WHERE is_enabled AND next_run_at IS NOT NULL AND next_run_at <= $1
		 ORDER BY next_run_at`, now)
}

// Backups

const backupColumns = `id, owner, target_id, schedule_id, type, status, compression, file_path, file_name, file_size, checksum, tables_included, files_included, started_at, completed_at, duration_seconds, error_message`

func scanBackup(row scanner) (*model.Backup, error) {
	var b model.Backup
	err := row.Scan(&b.ID, &b.Owner, &b.TargetID, &b.ScheduleID, &b.Type, &b.Status, &b.Compression,
		&b.FilePath, &b.FileName, &b.FileSize, &b.Checksum, &b.TablesIncluded, &b.FilesIncluded,
		&b.StartedAt, &b.CompletedAt, &b.DurationSeconds, &b.ErrorMessage)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) queryBackups(ctx context.Context, what, sql string, args ...any) ([]*model.Backup, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", what, err)
	}
	defer rows.Close()

	var out []*model.Backup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backup: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", what, err)
	}
	return out, nil
}

func tables(b *model.Backup) []string {
	if b.TablesIncluded == nil {
		return []string{}
	}
	return b.TablesIncluded
}

func (s *Store) CreateBackup(ctx context.Context, b *model.Backup) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO backups (`+backupColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		b.ID, b.Owner, b.TargetID, b.ScheduleID, b.Type, b.Status, b.Compression,
		b.FilePath, b.FileName, b.FileSize, b.Checksum, tables(b), b.FilesIncluded,
		b.StartedAt, b.CompletedAt, b.DurationSeconds, b.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("insert backup: %w", err)
	}
	return nil
}

func (s *Store) GetBackup(ctx context.Context, id string) (*model.Backup, error) {
	b, err := scanBackup(s.db.QueryRow(ctx, `SELECT `+backupColumns+` FROM backups WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get backup %s: %w", id, notFound(err))
	}
	return b, nil
}

func (s *Store) ListBackups(ctx context.Context, owner string) ([]*model.Backup, error) {
	return s.queryBackups(ctx, "backups for "+owner,
		`SELECT `+backupColumns+` FROM backups WHERE owner = $1 ORDER BY started_at DESC`, owner)
}

func (s *Store) ListScheduleBackups(ctx context.Context, scheduleID string) ([]*model.Backup, error) {
	return s.queryBackups(ctx, "backups for schedule "+scheduleID,
		`SELECT `+backupColumns+` FROM backups WHERE schedule_id = $1 ORDER BY started_at DESC`, scheduleID)
}

func (s *Store) UpdateBackup(ctx context.Context, b *model.Backup) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE backups
		 SET status = $2, file_path = $3, file_name = $4, file_size = $5, checksum = $6, tables_included = $7,
		     files_included = $8, completed_at = $9, duration_seconds = $10, error_message = $11
		 WHERE id = $1`,
		b.ID, b.Status, b.FilePath, b.FileName, b.FileSize, b.Checksum, tables(b),
		b.FilesIncluded, b.CompletedAt, b.DurationSeconds, b.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("update backup %s: %w", b.ID, err)
	}
	if err := affected(tag); err != nil {
		return fmt.Errorf("update backup %s: %w", b.ID, err)
	}
	return nil
}

func (s *Store) DeleteBackup(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM backups WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete backup %s: %w", id, err)
	}
	if err := affected(tag); err != nil {
		return fmt.Errorf("delete backup %s: %w", id, err)
	}
	return nil
}

// Restores

const restoreColumns = `id, owner, backup_id, status, restore_type, started_at, completed_at, duration_seconds, error_message`

func scanRestore(row scanner) (*model.BackupRestore, error) {
	var r model.BackupRestore
	err := row.Scan(&r.ID, &r.Owner, &r.BackupID, &r.Status, &r.RestoreType,
		&r.StartedAt, &r.CompletedAt, &r.DurationSeconds, &r.ErrorMessage)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) CreateRestore(ctx context.Context, r *model.BackupRestore) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO backup_restores (`+restoreColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.Owner, r.BackupID, r.Status, r.RestoreType, r.StartedAt, r.CompletedAt, r.DurationSeconds, r.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("insert restore: %w", err)
	}
	return nil
}

func (s *Store) GetRestore(ctx context.Context, id string) (*model.BackupRestore, error) {
	r, err := scanRestore(s.db.QueryRow(ctx, `SELECT `+restoreColumns+` FROM backup_restores WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get restore %s: %w", id, notFound(err))
	}
	return r, nil
}

func (s *Store) ListRestores(ctx context.Context, backupID string) ([]*model.BackupRestore, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+restoreColumns+` FROM backup_restores WHERE backup_id = $1 ORDER BY started_at DESC`, backupID)
	if err != nil {
		return nil, fmt.Errorf("list restores for backup %s: %w", backupID, err)
	}
	defer rows.Close()

	var out []*model.BackupRestore
	for rows.Next() {
		r, err := scanRestore(rows)
		if err != nil {
			return nil, fmt.Errorf("scan restore: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate restores: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateRestore(ctx context.Context, r *model.BackupRestore) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE backup_restores
		 SET status = $2, completed_at = $3, duration_seconds = $4, error_message = $5
		 WHERE id = $1`,
		r.ID, r.Status, r.CompletedAt, r.DurationSeconds, r.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("update restore %s: %w", r.ID, err)
	}
	if err := affected(tag); err != nil {
		return fmt.Errorf("update restore %s: %w", r.ID, err)
	}
	return nil
}

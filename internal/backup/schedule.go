package backup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"suitebackup/internal/model"
	"suitebackup/internal/retention"
	"suitebackup/internal/schedule"
)

// ScheduleRequest creates or replaces a backup schedule.
type ScheduleRequest struct {
	TargetID       string           `validate:"required"`
	Type           model.BackupType `validate:"required,oneof=full database files"`
	CronExpression string           `validate:"required"`
	RetentionDays  int              `validate:"gte=0"`
	RetentionCount int              `validate:"gte=0"`
	IncludeUploads bool
	IncludeLogs    bool
	Compression    model.Compression `validate:"required,oneof=gzip zip none"`
	IsEnabled      bool
}

var validate = validator.New()

func (r ScheduleRequest) validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := schedule.Validate(r.CronExpression); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// CreateSchedule stores a new schedule with its first run computed from now.
func (s *Service) CreateSchedule(ctx context.Context, owner string, req ScheduleRequest) (*model.BackupSchedule, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if _, err := s.targets.Get(ctx, owner, req.TargetID); err != nil {
		return nil, err
	}

	now := s.now()
	sc := &model.BackupSchedule{
		ID:        s.newID(),
		Owner:     owner,
		CreatedAt: now,
	}
	apply(sc, req, now)
	if err := s.advance(sc, now); err != nil {
		return nil, err
	}
	if err := s.store.CreateSchedule(ctx, sc); err != nil {
		return nil, fmt.Errorf("create schedule: %w", err)
	}
	return sc, nil
}

// UpdateSchedule replaces a schedule's settings. The next run is recomputed
// when the expression changes or the schedule is re-enabled.
func (s *Service) UpdateSchedule(ctx context.Context, owner, id string, req ScheduleRequest) (*model.BackupSchedule, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	sc, err := s.getSchedule(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if req.TargetID != sc.TargetID {
		if _, err := s.targets.Get(ctx, owner, req.TargetID); err != nil {
			return nil, err
		}
	}

	recompute := req.CronExpression != sc.CronExpression || (req.IsEnabled && !sc.IsEnabled) || sc.NextRunAt == nil
	now := s.now()
	apply(sc, req, now)
	if recompute {
		if err := s.advance(sc, now); err != nil {
			return nil, err
		}
	}
	if err := s.store.UpdateSchedule(ctx, sc); err != nil {
		return nil, fmt.Errorf("update schedule: %w", err)
	}
	return sc, nil
}

func (s *Service) DeleteSchedule(ctx context.Context, owner, id string) error {
	if _, err := s.getSchedule(ctx, owner, id); err != nil {
		return err
	}
	return s.store.DeleteSchedule(ctx, id)
}

func (s *Service) getSchedule(ctx context.Context, owner, id string) (*model.BackupSchedule, error) {
	sc, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if sc.Owner != owner {
		return nil, fmt.Errorf("schedule %s: %w", id, ErrForbidden)
	}
	return sc, nil
}

func apply(sc *model.BackupSchedule, req ScheduleRequest, now time.Time) {
	sc.TargetID = req.TargetID
	sc.Type = req.Type
	sc.CronExpression = req.CronExpression
	sc.RetentionDays = req.RetentionDays
	sc.RetentionCount = req.RetentionCount
	sc.IncludeUploads = req.IncludeUploads
	sc.IncludeLogs = req.IncludeLogs
	sc.Compression = req.Compression
	sc.IsEnabled = req.IsEnabled
	sc.UpdatedAt = now
}

// advance sets NextRunAt to the first match strictly after now. A schedule
// that can never fire again is left without a next run.
func (s *Service) advance(sc *model.BackupSchedule, now time.Time) error {
	next, err := schedule.NextRun(sc.CronExpression, now)
	switch {
	case errors.Is(err, schedule.ErrNoNextRun):
		s.logger.Warn().Str("schedule_id", sc.ID).Str("cron", sc.CronExpression).Msg("schedule has no future run")
		sc.NextRunAt = nil
	case err != nil:
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	default:
		sc.NextRunAt = &next
	}
	return nil
}

// DueResult is the outcome of one schedule executed by RunDue.
type DueResult struct {
	ScheduleID string
	Backup     *model.Backup
	Pruned     int
	Err        error
}

// RunDue runs every enabled schedule whose next run is at or before now,
// one after another. A failing schedule does not stop the others; its error
// is reported in its result. The returned error covers only listing the due
// schedules.
func (s *Service) RunDue(ctx context.Context, now time.Time) ([]DueResult, error) {
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}

	results := make([]DueResult, 0, len(due))
	for _, sc := range due {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		results = append(results, s.runSchedule(ctx, sc, now))
	}
	return results, nil
}

func (s *Service) runSchedule(ctx context.Context, sc *model.BackupSchedule, now time.Time) DueResult {
	res := DueResult{ScheduleID: sc.ID}
	log := s.logger.With().Str("schedule_id", sc.ID).Str("owner", sc.Owner).Logger()

	res.Backup, res.Err = s.RunBackup(ctx, sc.Owner, BackupRequest{
		TargetID:       sc.TargetID,
		Type:           sc.Type,
		Compression:    sc.Compression,
		IncludeUploads: sc.IncludeUploads,
		ScheduleID:     sc.ID,
	})

	// The schedule advances whatever the outcome so a broken schedule does
	// not run again on every tick.
	sc.LastRunAt = &now
	sc.UpdatedAt = s.now()
	if err := s.advance(sc, now); err != nil {
		log.Error().Err(err).Msg("failed to compute next run")
		sc.NextRunAt = nil
	}
	if err := s.store.UpdateSchedule(context.WithoutCancel(ctx), sc); err != nil {
		log.Error().Err(err).Msg("failed to update schedule")
		res.Err = errors.Join(res.Err, fmt.Errorf("update schedule: %w", err))
	}

	if res.Err == nil {
		pruned, err := s.ApplyRetention(ctx, sc)
		res.Pruned = pruned
		if err != nil {
			log.Warn().Err(err).Msg("retention failed")
		}
	}
	return res
}

// ApplyRetention deletes the schedule's completed backups that fall outside
// its retention policy and returns how many were removed.
func (s *Service) ApplyRetention(ctx context.Context, sc *model.BackupSchedule) (int, error) {
	policy := retention.PolicyFor(sc)
	if policy.Unlimited() {
		return 0, nil
	}

	backups, err := s.store.ListScheduleBackups(ctx, sc.ID)
	if err != nil {
		return 0, fmt.Errorf("list schedule backups: %w", err)
	}
	_, prune := retention.Select(backups, policy, s.now())

	deleted := 0
	var errs []error
	for _, b := range prune {
		if err := s.deleteBackup(ctx, b); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		s.logger.Info().Str("schedule_id", sc.ID).Int("deleted", deleted).Msg("retention applied")
	}
	return deleted, errors.Join(errs...)
}

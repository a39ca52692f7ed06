// Package memstore is an in-memory record store used by tests and by the CLI
// when no database URL is configured.
package memstore

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"suitebackup/internal/model"
	"suitebackup/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store keeps records in maps guarded by one mutex. Records are copied on the
// way in and out so callers never share memory with the store.
type Store struct {
	mu        sync.Mutex
	targets   map[string]model.StorageTarget
	schedules map[string]model.BackupSchedule
	backups   map[string]model.Backup
	restores  map[string]model.BackupRestore
}

func New() *Store {
	return &Store{
		targets:   map[string]model.StorageTarget{},
		schedules: map[string]model.BackupSchedule{},
		backups:   map[string]model.Backup{},
		restores:  map[string]model.BackupRestore{},
	}
}

// Targets

func (s *Store) CreateTarget(_ context.Context, t *model.StorageTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[t.ID] = *t
	return nil
}

func (s *Store) GetTarget(_ context.Context, id string) (*model.StorageTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &t, nil
}

func (s *Store) ListTargets(_ context.Context, owner string) ([]*model.StorageTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.StorageTarget
	for _, t := range s.targets {
		if t.Owner == owner {
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpdateTarget stores t. The default flag is only changed by SetDefaultTarget,
// so a stale copy cannot bring back a default that has since moved.
func (s *Store) UpdateTarget(_ context.Context, t *model.StorageTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.targets[t.ID]
	if !ok {
		return store.ErrNotFound
	}
	updated := *t
	updated.IsDefault = cur.IsDefault
	s.targets[t.ID] = updated
	return nil
}

func (s *Store) DeleteTarget(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.targets[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.targets, id)
	return nil
}

func (s *Store) DefaultTarget(_ context.Context, owner string) (*model.StorageTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.targets {
		if t.Owner == owner && t.IsDefault {
			return &t, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) SetDefaultTarget(_ context.Context, owner, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.targets[id]; !ok || t.Owner != owner {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	for tid, t := range s.targets {
		if t.Owner != owner {
			continue
		}
		isDefault := tid == id
		if t.IsDefault != isDefault {
			t.IsDefault = isDefault
			t.UpdatedAt = now
			s.targets[tid] = t
		}
	}
	return nil
}

// Schedules

func (s *Store) CreateSchedule(_ context.Context, sc *model.BackupSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[sc.ID] = *sc
	return nil
}

func (s *Store) GetSchedule(_ context.Context, id string) (*model.BackupSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &sc, nil
}

func (s *Store) ListSchedules(_ context.Context, owner string) ([]*model.BackupSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.BackupSchedule
	for _, sc := range s.schedules {
		if sc.Owner == owner {
			out = append(out, &sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateSchedule(_ context.Context, sc *model.BackupSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[sc.ID]; !ok {
		return store.ErrNotFound
	}
	s.schedules[sc.ID] = *sc
	return nil
}

func (s *Store) DeleteSchedule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.schedules, id)
	return nil
}

func (s *Store) DueSchedules(_ context.Context, now time.Time) ([]*model.BackupSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.BackupSchedule
	for _, sc := range s.schedules {
		if sc.IsEnabled && sc.NextRunAt != nil && !sc.NextRunAt.After(now) {
			out = append(out, &sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(*out[j].NextRunAt) })
	return out, nil
}

// Backups

func (s *Store) CreateBackup(_ context.Context, b *model.Backup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backups[b.ID] = cloneBackup(*b)
	return nil
}

func (s *Store) GetBackup(_ context.Context, id string) (*model.Backup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backups[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	b = cloneBackup(b)
	return &b, nil
}

func (s *Store) ListBackups(_ context.Context, owner string) ([]*model.Backup, error) {
	return s.listBackups(func(b model.Backup) bool { return b.Owner == owner }), nil
}

func (s *Store) ListScheduleBackups(_ context.Context, scheduleID string) ([]*model.Backup, error) {
	return s.listBackups(func(b model.Backup) bool {
		return b.ScheduleID != nil && *b.ScheduleID == scheduleID
	}), nil
}

// listBackups returns matching backups newest first.
func (s *Store) listBackups(match func(model.Backup) bool) []*model.Backup {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Backup
	for _, b := range s.backups {
		if match(b) {
			b = cloneBackup(b)
			out = append(out, &b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (s *Store) UpdateBackup(_ context.Context, b *model.Backup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.backups[b.ID]; !ok {
		return store.ErrNotFound
	}
	s.backups[b.ID] = cloneBackup(*b)
	return nil
}

func (s *Store) DeleteBackup(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.backups[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.backups, id)
	return nil
}

// Restores

func (s *Store) CreateRestore(_ context.Context, r *model.BackupRestore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restores[r.ID] = *r
	return nil
}

func (s *Store) GetRestore(_ context.Context, id string) (*model.BackupRestore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.restores[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &r, nil
}

func (s *Store) ListRestores(_ context.Context, backupID string) ([]*model.BackupRestore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.BackupRestore
	for _, r := range s.restores {
		if r.BackupID == backupID {
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (s *Store) UpdateRestore(_ context.Context, r *model.BackupRestore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.restores[r.ID]; !ok {
		return store.ErrNotFound
	}
	s.restores[r.ID] = *r
	return nil
}

func cloneBackup(b model.Backup) model.Backup {
	b.TablesIncluded = slices.Clone(b.TablesIncluded)
	return b
}

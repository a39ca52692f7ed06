// Package retention decides which completed backups of a schedule fall
// outside its retention policy.
package retention

import (
	"sort"
	"time"

	"suitebackup/internal/model"
)

// Policy bounds how many backups are kept and for how long. Zero values
// disable the corresponding limit.
type Policy struct {
	KeepLast int
	MaxAge   time.Duration
}

// PolicyFor derives the policy of a backup schedule.
func PolicyFor(s *model.BackupSchedule) Policy {
	return Policy{
		KeepLast: s.RetentionCount,
		MaxAge:   time.Duration(s.RetentionDays) * 24 * time.Hour,
	}
}

// Unlimited reports whether the policy never prunes anything.
func (p Policy) Unlimited() bool {
	return p.KeepLast <= 0 && p.MaxAge <= 0
}

// Select splits backups into those to keep and those to prune. Only
// completed backups are considered for pruning; running and failed records
// are neither kept nor pruned. The newest completed backup is always kept,
// even when it is older than MaxAge.
func Select(backups []*model.Backup, policy Policy, now time.Time) (keep, prune []*model.Backup) {
	var completed []*model.Backup
	for _, b := range backups {
		if b.Status == model.StatusCompleted {
			completed = append(completed, b)
		}
	}
	if len(completed) == 0 {
		return nil, nil
	}

	// Newest first
	sort.SliceStable(completed, func(i, j int) bool {
		return completed[i].StartedAt.After(completed[j].StartedAt)
	})

	if policy.Unlimited() {
		return completed, nil
	}

	cutoff := now.Add(-policy.MaxAge)
	for i, b := range completed {
		switch {
		case i == 0:
			keep = append(keep, b)
		case policy.KeepLast > 0 && i >= policy.KeepLast:
			prune = append(prune, b)
		case policy.MaxAge > 0 && b.StartedAt.Before(cutoff):
			prune = append(prune, b)
		default:
			keep = append(keep, b)
		}
	}
	return keep, prune
}

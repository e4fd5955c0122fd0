package services

import (
	"time"

	"github.com/google/uuid"

	"github.com/rankwatch/backend/internal/models"
)

// DueOptions controls which cadences ComputeDue honours.
type DueOptions struct {
	// AllowDebugCadence makes keywords with models.IntervalEveryMinute due.
	// Only the gated test pass sets it.
	AllowDebugCadence bool
}

// IsDue reports whether a single keyword should be checked at now.
func IsDue(s models.KeywordSchedule, now time.Time, opts DueOptions) bool {
	if !s.IsActive {
		return false
	}
	if s.IntervalHours == models.IntervalEveryMinute {
		return opts.AllowDebugCadence
	}
	if !models.ValidInterval(s.IntervalHours) {
		return false
	}
	if s.LastCheckedAt == nil {
		return true
	}
	next := s.LastCheckedAt.Add(time.Duration(s.IntervalHours) * time.Hour)
	return !now.Before(next)
}

// ComputeDue returns the ids of the keywords due at now, in input order and
// without duplicates. It has no side effects.
func ComputeDue(schedules []models.KeywordSchedule, now time.Time, opts DueOptions) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(schedules))
	var due []uuid.UUID
	for _, s := range schedules {
		if _, ok := seen[s.KeywordID]; ok {
			continue
		}
		if !IsDue(s, now, opts) {
			continue
		}
		seen[s.KeywordID] = struct{}{}
		due = append(due, s.KeywordID)
	}
	return due
}

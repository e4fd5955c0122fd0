package models

import (
	"time"

	"github.com/google/uuid"
)

// IntervalEveryMinute marks a keyword as due on every pass. Only honoured by
// the gated test pass.
const IntervalEveryMinute = -1

// DefaultIntervalHours applies when the catalog has no interval stored.
const DefaultIntervalHours = 24

type Keyword struct {
	ID            uuid.UUID `json:"id"`
	ProjectID     uuid.UUID `json:"project_id"`
	Term          string    `json:"term"`
	CountryCode   string    `json:"country_code"`
	Language      string    `json:"language"`
	IntervalHours int       `json:"tracking_interval_hours"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
}

// KeywordSchedule is the scheduling view of a keyword. LastCheckedAt is the
// checked_at of its most recent rank result, nil if it was never checked.
type KeywordSchedule struct {
	KeywordID     uuid.UUID
	IntervalHours int
	IsActive      bool
	LastCheckedAt *time.Time
}

// ValidInterval reports whether h is a positive hour count or the debug sentinel.
func ValidInterval(h int) bool {
	return h > 0 || h == IntervalEveryMinute
}

type Project struct {
	ID         uuid.UUID `json:"id"`
	OwnerID    uuid.UUID `json:"owner_id"`
	Name       string    `json:"name"`
	RootDomain string    `json:"root_domain"`
	Subdomain  string    `json:"subdomain,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// TargetDomain is the domain ranks are matched against: the subdomain when
// one is configured, the root domain otherwise.
func (p *Project) TargetDomain() string {
	if p.Subdomain != "" {
		return p.Subdomain
	}
	return p.RootDomain
}

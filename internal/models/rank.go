package models

import (
	"time"

	"github.com/google/uuid"
)

// SnapshotSize is the number of leading search results stored with every check.
const SnapshotSize = 10

// SerpEntry is one organic search result. Position is 1-based.
type SerpEntry struct {
	Position int    `json:"position"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	Snippet  string `json:"snippet"`
	Domain   string `json:"domain"`
}

// RankCheckResult is written once per recorded check and never updated.
type RankCheckResult struct {
	ID             uuid.UUID   `json:"id"`
	KeywordID      uuid.UUID   `json:"keyword_id"`
	Position       *int        `json:"position"`
	URL            *string     `json:"url,omitempty"`
	Title          *string     `json:"title,omitempty"`
	Snippet        *string     `json:"snippet,omitempty"`
	Snapshot       []SerpEntry `json:"serp_results"`
	CreditsCharged int64       `json:"credits_charged"`
	CheckedAt      time.Time   `json:"checked_at"`
}

package services

import (
	"strings"

	"github.com/rankwatch/backend/internal/models"
)

// MatchResult is the outcome of locating a target domain in a result list.
type MatchResult struct {
	Position *int
	Match    *models.SerpEntry
	Snapshot []models.SerpEntry
}

// MatchRank finds the first result whose domain contains target as a
// substring (case-insensitive). The snapshot is always the leading
// models.SnapshotSize results, copied so callers may keep it.
//
// Substring matching means "example.com" also matches "notexample.com";
// an empty target never matches.
func MatchRank(results []models.SerpEntry, target string) MatchResult {
	n := len(results)
	if n > models.SnapshotSize {
		n = models.SnapshotSize
	}
	snapshot := make([]models.SerpEntry, n)
	copy(snapshot, results[:n])

	res := MatchResult{Snapshot: snapshot}
	target = strings.ToLower(strings.TrimSpace(target))
	if target == "" {
		return res
	}
	for i := range results {
		if strings.Contains(strings.ToLower(results[i].Domain), target) {
			entry := results[i]
			pos := entry.Position
			res.Position = &pos
			res.Match = &entry
			return res
		}
	}
	return res
}

// models/rankings.go
package models

import "time"

// PlayerRating is derived state, rebuilt from the full match history on every generation.
type PlayerRating struct {
	Player        string  `json:"-"`
	Rating        float64 `json:"rating"`
	Wins          int     `json:"wins"`
	Losses        int     `json:"losses"`
	GamesWon      int     `json:"games_won"`
	GamesLost     int     `json:"games_lost"`
	MatchesPlayed int     `json:"matches_played"`
}

// RankingEntry is the published view of a PlayerRating.
type RankingEntry struct {
	Rank          int     `json:"rank"`
	Rating        float64 `json:"rating"` // rounded to 0.1
	Wins          int     `json:"wins"`
	Losses        int     `json:"losses"`
	WinPct        float64 `json:"win_pct"`
	GamesWon      int     `json:"games_won"`
	GamesLost     int     `json:"games_lost"`
	MatchesPlayed int     `json:"matches_played"`
}

// SkippedRecord describes a malformed match excluded from a generation.
type SkippedRecord struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Rankings is the artifact consumed by the page renderer (rankings/rankings.json).
type Rankings struct {
	GeneratedAt      time.Time               `json:"generated_at"`
	SourceModifiedAt time.Time               `json:"source_modified_at"`
	MatchCount       int                     `json:"match_count"`
	Singles          map[string]RankingEntry `json:"singles"`
	Doubles          map[string]RankingEntry `json:"doubles"`
	DoublesTeams     map[string]RankingEntry `json:"doubles_teams"`
	Skipped          []SkippedRecord         `json:"skipped,omitempty"`
}

// GenerationMarker records the last successful generation (rankings/marker.json).
type GenerationMarker struct {
	LastGeneratedAt  time.Time `json:"last_generated_at"`
	SourceModifiedAt time.Time `json:"source_modified_at"` // newest match mtime included
	MatchCount       int       `json:"match_count"`
}

// CoversMore reports whether m describes a strictly newer snapshot than other:
// a later newest-match time, or the same time with more matches.
func (m GenerationMarker) CoversMore(other GenerationMarker) bool {
	if !m.SourceModifiedAt.Equal(other.SourceModifiedAt) {
		return m.SourceModifiedAt.After(other.SourceModifiedAt)
	}
	return m.MatchCount > other.MatchCount
}

package services

import (
	"context"
	"time"

	"league-rankings/models"
)

// Decision is the Gate's answer plus what it saw.
type Decision struct {
	Regenerate     bool
	Reason         string
	LatestModified time.Time
	MatchCount     int
	Marker         *models.GenerationMarker
}

// GenerationGate compares the newest match against the last marker. It is a
// cheap, possibly stale read; the lock is what serializes generations.
type GenerationGate struct {
	matches *MatchStore
	markers *Publisher
}

func NewGenerationGate(matches *MatchStore, markers *Publisher) *GenerationGate {
	return &GenerationGate{matches: matches, markers: markers}
}

func (g *GenerationGate) ShouldRegenerate(ctx context.Context) (Decision, error) {
	newest, count, err := g.matches.LatestModificationTime(ctx)
	if err != nil {
		return Decision{}, err
	}
	marker, err := g.markers.Marker(ctx)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{LatestModified: newest, MatchCount: count, Marker: marker}
	switch {
	case marker == nil && count == 0:
		d.Regenerate, d.Reason = true, "empty store has never been published"
	case marker == nil:
		d.Regenerate, d.Reason = true, "no generation marker"
	case count != marker.MatchCount:
		// catches matches written within the store's mtime resolution
		d.Regenerate, d.Reason = true, "match count changed"
	case newest.After(marker.SourceModifiedAt):
		d.Regenerate, d.Reason = true, "newer matches than last generation"
	default:
		d.Reason = "rankings are up to date"
	}
	return d, nil
}

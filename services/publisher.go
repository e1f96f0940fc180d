package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"league-rankings/models"
	"league-rankings/storage"

	"go.uber.org/zap"
)

const (
	RankingsKey = "rankings/rankings.json"
	MarkerKey   = "rankings/marker.json"
)

var (
	ErrNoRankings = errors.New("rankings have not been generated yet")
	// ErrStaleSnapshot means a newer generation was published while this one
	// was computing; nothing was written.
	ErrStaleSnapshot = errors.New("a newer generation is already published")
)

// Publisher writes the rankings document and then the marker. A crash between
// the two leaves new rankings under an old marker, which only costs one
// redundant regeneration.
type Publisher struct {
	results    storage.KVStore
	markers    storage.KVStore
	retries    int
	retryDelay time.Duration
	log        *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewPublisher stores rankings in results and the marker in markers, which may
// be the same store.
func NewPublisher(results, markers storage.KVStore, retries int, log *zap.Logger) *Publisher {
	if retries < 1 {
		retries = 1
	}
	if markers == nil {
		markers = results
	}
	return &Publisher{
		results:    results,
		markers:    markers,
		retries:    retries,
		retryDelay: 200 * time.Millisecond,
		log:        log.Named("publisher"),
		sleep:      sleepCtx,
	}
}

// Marker returns the last marker, or nil if none was ever written. A marker
// that cannot be parsed is treated as absent.
func (p *Publisher) Marker(ctx context.Context) (*models.GenerationMarker, error) {
	obj, err := p.markers.Get(ctx, MarkerKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("read marker: %w", err)
	}
	var m models.GenerationMarker
	if err := json.Unmarshal(obj.Data, &m); err != nil {
		p.log.Warn("ignoring unreadable generation marker", zap.Error(err))
		return nil, nil
	}
	return &m, nil
}

// Latest returns the published rankings document as stored.
func (p *Publisher) Latest(ctx context.Context) (*storage.Object, error) {
	obj, err := p.results.Get(ctx, RankingsKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNoRankings
		}
		return nil, fmt.Errorf("read rankings: %w", err)
	}
	return obj, nil
}

// Publish writes rankings, then the marker. A snapshot older than the stored
// marker is refused with ErrStaleSnapshot before anything is written, so the
// marker always describes the rankings that are actually published.
func (p *Publisher) Publish(ctx context.Context, rankings *models.Rankings, marker models.GenerationMarker) error {
	prev, err := p.Marker(ctx)
	if err != nil {
		return err
	}
	if prev != nil {
		if prev.CoversMore(marker) {
			return fmt.Errorf("%w: stored marker has %d matches up to %s",
				ErrStaleSnapshot, prev.MatchCount, prev.SourceModifiedAt.Format(time.RFC3339))
		}
		if prev.LastGeneratedAt.After(marker.LastGeneratedAt) {
			marker.LastGeneratedAt = prev.LastGeneratedAt
		}
	}

	doc, err := json.MarshalIndent(rankings, "", "  ")
	if err != nil {
		return fmt.Errorf("encode rankings: %w", err)
	}
	if err := p.put(ctx, p.results, RankingsKey, doc); err != nil {
		return fmt.Errorf("write rankings: %w", err)
	}

	data, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("encode marker: %w", err)
	}
	if err := p.put(ctx, p.markers, MarkerKey, data); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	return nil
}

func (p *Publisher) put(ctx context.Context, store storage.KVStore, key string, data []byte) error {
	var err error
	for attempt := 1; attempt <= p.retries; attempt++ {
		if err = store.Put(ctx, key, data); err == nil {
			return nil
		}
		p.log.Warn("write failed",
			zap.String("key", key),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < p.retries {
			if serr := p.sleep(ctx, p.retryDelay*time.Duration(attempt)); serr != nil {
				return serr
			}
		}
	}
	return err
}

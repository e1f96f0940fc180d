package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"league-rankings/models"

	"go.uber.org/zap"
)

type Status string

const (
	StatusRegenerated Status = "regenerated"
	StatusSkipped     Status = "skipped_no_new_data"
	StatusBusy        Status = "busy"
	StatusFailed      Status = "failed"
)

// Outcome is what a trigger gets back from Regenerate.
type Outcome struct {
	Status      Status        `json:"status"`
	Reason      string        `json:"reason,omitempty"`
	GeneratedAt time.Time     `json:"generated_at,omitzero"`
	Processed   int           `json:"processed"`
	Skipped     int           `json:"skipped"`
	Duration    time.Duration `json:"duration_ns"`
}

func (o Outcome) OK() bool {
	return o.Status == StatusRegenerated || o.Status == StatusSkipped
}

// Generator runs the gate, lock, engine and publisher as one pass.
type Generator struct {
	matches   *MatchStore
	gate      *GenerationGate
	lock      *Lock
	engine    *RatingEngine
	publisher *Publisher
	metrics   *Metrics
	log       *zap.Logger
	now       func() time.Time
}

func NewGenerator(matches *MatchStore, lock *Lock, engine *RatingEngine, publisher *Publisher, metrics *Metrics, log *zap.Logger) *Generator {
	if metrics == nil {
		metrics = NewMetrics("league", nil)
	}
	return &Generator{
		matches:   matches,
		gate:      NewGenerationGate(matches, publisher),
		lock:      lock,
		engine:    engine,
		publisher: publisher,
		metrics:   metrics,
		log:       log.Named("generator"),
		now:       time.Now,
	}
}

// Regenerate is safe to call repeatedly and concurrently, from any number of
// instances sharing the same stores.
func (g *Generator) Regenerate(ctx context.Context) (out Outcome) {
	start := g.now()
	defer func() {
		out.Duration = g.now().Sub(start)
		g.metrics.observe(out)
		fields := []zap.Field{
			zap.String("status", string(out.Status)),
			zap.Duration("duration", out.Duration),
		}
		switch out.Status {
		case StatusFailed:
			g.log.Error("regeneration failed", append(fields, zap.String("reason", out.Reason))...)
		case StatusRegenerated:
			g.log.Info("rankings regenerated", append(fields,
				zap.Int("processed", out.Processed),
				zap.Int("skipped", out.Skipped))...)
		default:
			g.log.Info("regeneration not needed", append(fields, zap.String("reason", out.Reason))...)
		}
	}()

	decision, err := g.gate.ShouldRegenerate(ctx)
	if err != nil {
		return failed("check generation gate", err)
	}
	if !decision.Regenerate {
		return Outcome{Status: StatusSkipped, Reason: decision.Reason}
	}

	lease, err := g.lock.Acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrLockBusy) {
			return Outcome{Status: StatusBusy, Reason: "another generation holds the lock"}
		}
		return failed("acquire lock", err)
	}
	if lease.Reclaimed {
		g.metrics.LockReclaims.Inc()
	}
	defer func() {
		if err := g.lock.Release(ctx, lease); err != nil {
			if errors.Is(err, ErrLeaseExpired) {
				g.log.Warn("lease ran out before release", zap.String("token", lease.Token))
				return
			}
			g.log.Error("release lock", zap.Error(err))
		}
	}()

	// Whoever held the lock before us may already have covered our data.
	decision, err = g.gate.ShouldRegenerate(ctx)
	if err != nil {
		return failed("re-check generation gate", err)
	}
	if !decision.Regenerate {
		return Outcome{Status: StatusSkipped, Reason: decision.Reason}
	}

	return g.generate(ctx, lease)
}

func (g *Generator) generate(ctx context.Context, lease *Lease) Outcome {
	snap, err := g.matches.ListAll(ctx)
	if err != nil {
		return failed("read matches", err)
	}
	if len(snap.Undecodable) > 0 && g.engine.Policy == MalformedFail {
		bad := snap.Undecodable[0]
		return failed("decode matches", fmt.Errorf("%w: %s: %s", ErrMalformedRecord, bad.ID, bad.Reason))
	}

	res, err := g.engine.Compute(snap.Records)
	if err != nil {
		return failed("compute ratings", err)
	}
	skipped := append(append([]models.SkippedRecord(nil), snap.Undecodable...), res.Skipped...)
	for _, s := range skipped {
		g.log.Warn("skipping malformed match", zap.String("id", s.ID), zap.String("reason", s.Reason))
	}

	now := g.now().UTC()
	if lease.Expired(now) {
		return failed("publish", errors.New("lock lease expired during computation"))
	}

	rankings := &models.Rankings{
		GeneratedAt:      now,
		SourceModifiedAt: snap.LatestModified,
		MatchCount:       snap.Count,
		Singles:          Rank(res.Singles),
		Doubles:          Rank(res.Doubles),
		DoublesTeams:     Rank(res.DoublesTeams),
		Skipped:          skipped,
	}
	marker := models.GenerationMarker{
		LastGeneratedAt:  now,
		SourceModifiedAt: snap.LatestModified,
		MatchCount:       snap.Count,
	}
	if err := g.publisher.Publish(ctx, rankings, marker); err != nil {
		if errors.Is(err, ErrStaleSnapshot) {
			return Outcome{Status: StatusSkipped, Reason: err.Error()}
		}
		return failed("publish rankings", err)
	}

	g.metrics.published(ladderSizes{
		singles: len(rankings.Singles),
		doubles: len(rankings.Doubles),
		teams:   len(rankings.DoublesTeams),
	}, now, len(skipped))

	return Outcome{
		Status:      StatusRegenerated,
		GeneratedAt: now,
		Processed:   res.Processed,
		Skipped:     len(skipped),
	}
}

func failed(step string, err error) Outcome {
	return Outcome{Status: StatusFailed, Reason: fmt.Sprintf("%s: %v", step, err)}
}

package billing

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/weldqai/weldqai-functions/internal/functions/fnmetrics"
)

const (
	pruneInterval = 1 * time.Hour

	// DefaultEventRetention keeps processed event ids long enough to cover
	// the provider's redelivery window.
	DefaultEventRetention = 30 * 24 * time.Hour
)

// EventPruneStore removes processed webhook event records.
type EventPruneStore interface {
	PruneEvents(ctx context.Context, cutoff time.Time) (int64, error)
}

// EventPruner periodically deletes processed events older than the retention window.
type EventPruner struct {
	store     EventPruneStore
	retention time.Duration
	now       func() time.Time
}

// NewEventPruner creates an EventPruner. A non-positive retention selects DefaultEventRetention.
func NewEventPruner(s EventPruneStore, retention time.Duration) *EventPruner {
	if retention <= 0 {
		retention = DefaultEventRetention
	}
	return &EventPruner{store: s, retention: retention, now: time.Now}
}

// Run starts the prune loop. It blocks until ctx is cancelled.
func (p *EventPruner) Run(ctx context.Context) {
	log.Info().Dur("retention", p.retention).Msg("Webhook event pruner started")

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	p.prune(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Webhook event pruner stopped")
			return
		case <-ticker.C:
			p.prune(ctx)
		}
	}
}

// PruneOnce deletes processed events older than the retention window.
func (p *EventPruner) PruneOnce(ctx context.Context) (int64, error) {
	cutoff := p.now().UTC().Add(-p.retention)
	n, err := p.store.PruneEvents(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	fnmetrics.EventsPruned.Add(float64(n))
	return n, nil
}

func (p *EventPruner) prune(ctx context.Context) {
	n, err := p.PruneOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("Webhook event pruner: prune failed")
		}
		return
	}
	if n > 0 {
		log.Info().Int64("removed", n).Msg("Pruned processed webhook events")
	}
}

package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/weldqai/weldqai-functions/internal/functions/store"
)

// DefaultEventLockTTL bounds how long a processing claim blocks redelivery.
const DefaultEventLockTTL = 10 * time.Minute

// ErrEventInFlight is returned while another delivery of the same event is processing.
var ErrEventInFlight = errors.New("billing: webhook event already in flight")

// EventStore persists webhook processing claims.
type EventStore interface {
	ClaimEvent(ctx context.Context, eventID, eventType string, lockTTL time.Duration) (store.EventClaim, error)
	CompleteEvent(ctx context.Context, eventID string) error
	ReleaseEvent(ctx context.Context, eventID string) error
}

// Deduper runs each webhook event's side effects at most once to completion.
type Deduper struct {
	store   EventStore
	lockTTL time.Duration
}

// NewDeduper creates a Deduper. A non-positive lockTTL selects DefaultEventLockTTL.
func NewDeduper(s EventStore, lockTTL time.Duration) *Deduper {
	if lockTTL <= 0 {
		lockTTL = DefaultEventLockTTL
	}
	return &Deduper{store: s, lockTTL: lockTTL}
}

// Do claims eventID and runs fn. It returns duplicate=true without running fn
// when the event already completed. A failing fn releases the claim so the
// provider's redelivery retries it.
func (d *Deduper) Do(ctx context.Context, eventID, eventType string, fn func(context.Context) error) (duplicate bool, err error) {
	claim, err := d.store.ClaimEvent(ctx, eventID, eventType, d.lockTTL)
	if err != nil {
		return false, fmt.Errorf("claim webhook event: %w", err)
	}
	switch claim {
	case store.ClaimDone:
		return true, nil
	case store.ClaimInFlight:
		return false, ErrEventInFlight
	}

	if err := fn(ctx); err != nil {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if relErr := d.store.ReleaseEvent(releaseCtx, eventID); relErr != nil {
			log.Error().Err(relErr).Str("event_id", eventID).Msg("Failed to release webhook event claim")
		}
		return false, err
	}

	if err := d.store.CompleteEvent(context.WithoutCancel(ctx), eventID); err != nil {
		// Side effects already landed; a redelivery is absorbed by the purchase dedup key.
		log.Error().Err(err).Str("event_id", eventID).Msg("Failed to mark webhook event done")
	}
	return false, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	eventStateProcessing = "processing"
	eventStateDone       = "done"
)

// ClaimEvent records that eventID is being processed. A processing claim older
// than lockTTL is treated as abandoned and taken over.
func (s *Store) ClaimEvent(ctx context.Context, eventID, eventType string, lockTTL time.Duration) (EventClaim, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return ClaimAcquired, fmt.Errorf("claim event: missing event id")
	}

	now := s.now().UTC()
	claim := ClaimAcquired
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			state     string
			startedAt int64
		)
		err := tx.QueryRowContext(ctx,
			`SELECT state, started_at FROM webhook_events WHERE event_id = ?`, eventID,
		).Scan(&state, &startedAt)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO webhook_events (event_id, type, state, started_at)
				VALUES (?, ?, ?, ?)`,
				eventID, eventType, eventStateProcessing, now.UnixMilli(),
			); err != nil {
				return fmt.Errorf("insert event claim: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("load event claim: %w", err)
		}

		if state == eventStateDone {
			claim = ClaimDone
			return nil
		}
		if lockTTL > 0 && now.Sub(time.UnixMilli(startedAt)) < lockTTL {
			claim = ClaimInFlight
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE webhook_events SET started_at = ? WHERE event_id = ?`,
			now.UnixMilli(), eventID,
		); err != nil {
			return fmt.Errorf("take over event claim: %w", err)
		}
		return nil
	})
	if err != nil {
		return ClaimAcquired, err
	}
	return claim, nil
}

// CompleteEvent marks a claimed event as processed.
func (s *Store) CompleteEvent(ctx context.Context, eventID string) error {
	now := s.now().UTC().UnixMilli()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE webhook_events SET state = ?, handled_at = ? WHERE event_id = ?`,
		eventStateDone, now, eventID,
	); err != nil {
		return fmt.Errorf("complete event: %w", err)
	}
	return nil
}

// ReleaseEvent drops an unfinished claim so a provider retry can process it.
func (s *Store) ReleaseEvent(ctx context.Context, eventID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_events WHERE event_id = ? AND state = ?`,
		eventID, eventStateProcessing,
	); err != nil {
		return fmt.Errorf("release event: %w", err)
	}
	return nil
}

// PruneEvents deletes processed events handled before cutoff.
func (s *Store) PruneEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_events WHERE state = ? AND handled_at < ?`,
		eventStateDone, cutoff.UTC().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune events rows: %w", err)
	}
	return n, nil
}

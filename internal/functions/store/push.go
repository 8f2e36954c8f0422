package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// AddPushToken registers a device token for the user. Re-registering is a no-op.
func (s *Store) AddPushToken(ctx context.Context, userID, token string) error {
	userID = strings.TrimSpace(userID)
	token = strings.TrimSpace(token)
	if userID == "" || token == "" {
		return fmt.Errorf("add push token: missing user id or token")
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO push_tokens (user_id, token, created_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id, token) DO NOTHING`,
		userID, token, s.now().UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("add push token: %w", err)
	}
	return nil
}

// PushTokens returns the user's device tokens, oldest first.
func (s *Store) PushTokens(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token FROM push_tokens WHERE user_id = ? ORDER BY created_at, token`, userID)
	if err != nil {
		return nil, fmt.Errorf("list push tokens: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, fmt.Errorf("scan push token: %w", err)
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate push tokens: %w", err)
	}
	return tokens, nil
}

// RemovePushTokens deletes the given tokens from the user's set.
func (s *Store) RemovePushTokens(ctx context.Context, userID string, tokens []string) (int64, error) {
	if len(tokens) == 0 {
		return 0, nil
	}
	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, token := range tokens {
			res, err := tx.ExecContext(ctx,
				`DELETE FROM push_tokens WHERE user_id = ? AND token = ?`, userID, token)
			if err != nil {
				return fmt.Errorf("remove push token: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("remove push token rows: %w", err)
			}
			removed += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// CreateInboxMessage stores msg under the user's inbox and bumps the unread
// counter in the same transaction, returning the new count. A message ID that
// already exists is left untouched: created is false and unread is the
// current counter.
func (s *Store) CreateInboxMessage(ctx context.Context, userID string, msg InboxMessage) (created bool, unread int64, err error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || strings.TrimSpace(msg.ID) == "" {
		return false, 0, fmt.Errorf("create inbox message: missing user id or message id")
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO inbox_messages (user_id, id, title, body, subtitle, type, schema_id, report_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, id) DO NOTHING`,
			userID, msg.ID, msg.Title, msg.Body, msg.Subtitle, msg.Type, msg.SchemaID, msg.ReportID,
			createdAt.UTC().UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("create inbox message: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("create inbox message rows: %w", err)
		}
		if n == 0 {
			unread, err = inboxUnread(ctx, tx, userID)
			return err
		}
		created = true
		err = tx.QueryRowContext(ctx, `
			INSERT INTO user_meta (user_id, inbox_unread, updated_at) VALUES (?, 1, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				inbox_unread = inbox_unread + 1,
				updated_at = excluded.updated_at
			RETURNING inbox_unread`,
			userID, s.now().UTC().UnixMilli(),
		).Scan(&unread)
		if err != nil {
			return fmt.Errorf("increment inbox unread: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, 0, err
	}
	return created, unread, nil
}

// InboxMessages returns the user's inbox, newest first.
func (s *Store) InboxMessages(ctx context.Context, userID string, limit int) ([]InboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, body, subtitle, type, schema_id, report_id, created_at
		FROM inbox_messages WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}
	defer rows.Close()

	out := []InboxMessage{}
	for rows.Next() {
		var (
			m         InboxMessage
			createdAt sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &m.Title, &m.Body, &m.Subtitle, &m.Type, &m.SchemaID, &m.ReportID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan inbox message: %w", err)
		}
		if t := timeFromMillis(createdAt); t != nil {
			m.CreatedAt = *t
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inbox: %w", err)
	}
	return out, nil
}

// ResetInboxUnread zeroes the user's unread counter.
func (s *Store) ResetInboxUnread(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO user_meta (user_id, inbox_unread, updated_at) VALUES (?, 0, ?)
		ON CONFLICT(user_id) DO UPDATE SET inbox_unread = 0, updated_at = excluded.updated_at`,
		userID, s.now().UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("reset inbox unread: %w", err)
	}
	return nil
}

// InboxUnread returns the user's unread counter.
func (s *Store) InboxUnread(ctx context.Context, userID string) (int64, error) {
	return inboxUnread(ctx, s.db, userID)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func inboxUnread(ctx context.Context, q rowQuerier, userID string) (int64, error) {
	var unread int64
	err := q.QueryRowContext(ctx, `SELECT inbox_unread FROM user_meta WHERE user_id = ?`, userID).Scan(&unread)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get inbox unread: %w", err)
	}
	return unread, nil
}

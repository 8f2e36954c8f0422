package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// AddCredits appends a purchase record and increments the user's credit
// balance in one transaction. dedupKey identifies the payment; a key that was
// already applied leaves the balance untouched and returns applied=false.
func (s *Store) AddCredits(ctx context.Context, userID, dedupKey string, p Purchase) (bool, error) {
	userID = strings.TrimSpace(userID)
	dedupKey = strings.TrimSpace(dedupKey)
	if userID == "" {
		return false, fmt.Errorf("add credits: missing user id")
	}
	if dedupKey == "" {
		return false, fmt.Errorf("add credits: missing dedup key")
	}

	applied := false
	now := s.now().UTC().UnixMilli()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO purchase_history (user_id, dedup_key, credits, payment_id, purchased_at, amount, currency)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(dedup_key) DO NOTHING`,
			userID, dedupKey, p.Credits, p.PaymentID, p.PurchasedAt, p.Amount, p.Currency,
		)
		if err != nil {
			return fmt.Errorf("insert purchase: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert purchase rows: %w", err)
		}
		if n == 0 {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_credits (user_id, report_credits, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				report_credits = report_credits + excluded.report_credits,
				updated_at = excluded.updated_at`,
			userID, p.Credits, now,
		); err != nil {
			return fmt.Errorf("increment credits: %w", err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// Credits returns the user's report credit balance (zero when never credited).
func (s *Store) Credits(ctx context.Context, userID string) (int64, error) {
	var credits int64
	err := s.db.QueryRowContext(ctx, `SELECT report_credits FROM user_credits WHERE user_id = ?`, userID).Scan(&credits)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get credits: %w", err)
	}
	return credits, nil
}

// PurchaseHistory returns the user's purchases in the order they were applied.
func (s *Store) PurchaseHistory(ctx context.Context, userID string) ([]Purchase, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT credits, payment_id, purchased_at, amount, currency
		FROM purchase_history WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	defer rows.Close()

	var out []Purchase
	for rows.Next() {
		var p Purchase
		if err := rows.Scan(&p.Credits, &p.PaymentID, &p.PurchasedAt, &p.Amount, &p.Currency); err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate purchases: %w", err)
	}
	return out, nil
}

// ActivateSubscription overwrites the user's subscription info and, when the
// user has a trial record, marks it converted to convertedTo. Both writes land
// in one transaction. Any other user still bound to the same provider
// subscription ID is detached and loses access, so reverse lookups stay
// unambiguous and no orphaned row keeps an entitlement.
func (s *Store) ActivateSubscription(ctx context.Context, userID string, info SubscriptionInfo, convertedTo string) (trialConverted bool, err error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, fmt.Errorf("activate subscription: missing user id")
	}

	now := s.now().UTC()
	nowMs := now.UnixMilli()
	createdAt := info.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if info.StripeSubscriptionID != "" {
			if _, err := tx.ExecContext(ctx, `
				UPDATE subscription_info
				SET stripe_subscription_id = '', has_access = 0, status = ?,
					cancelled_at = COALESCE(cancelled_at, ?), updated_at = ?
				WHERE stripe_subscription_id = ? AND user_id <> ?`,
				string(StatusCancelled), nowMs, nowMs, info.StripeSubscriptionID, userID,
			); err != nil {
				return fmt.Errorf("detach subscription id: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO subscription_info (
				user_id, has_access, status, subscription_type, stripe_subscription_id, stripe_customer_id,
				current_period_start, current_period_end, cancel_at_period_end, cancelled_at, last_payment_failed,
				created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				has_access = excluded.has_access,
				status = excluded.status,
				subscription_type = excluded.subscription_type,
				stripe_subscription_id = excluded.stripe_subscription_id,
				stripe_customer_id = excluded.stripe_customer_id,
				current_period_start = excluded.current_period_start,
				current_period_end = excluded.current_period_end,
				cancel_at_period_end = excluded.cancel_at_period_end,
				cancelled_at = excluded.cancelled_at,
				last_payment_failed = excluded.last_payment_failed,
				updated_at = excluded.updated_at`,
			userID,
			boolToInt(info.HasAccess),
			string(info.Status),
			info.SubscriptionType,
			info.StripeSubscriptionID,
			info.StripeCustomerID,
			nullableMillis(info.CurrentPeriodStart),
			nullableMillis(info.CurrentPeriodEnd),
			boolToInt(info.CancelAtPeriodEnd),
			nullableMillis(info.CancelledAt),
			nullableMillis(info.LastPaymentFailed),
			createdAt.UTC().UnixMilli(),
			nowMs,
		); err != nil {
			return fmt.Errorf("upsert subscription info: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE subscription_trial
			SET status = ?, converted_at = ?, converted_to = ?, updated_at = ?
			WHERE user_id = ?`,
			string(TrialStatusConverted), nowMs, convertedTo, nowMs, userID,
		)
		if err != nil {
			return fmt.Errorf("convert trial: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("convert trial rows: %w", err)
		}
		trialConverted = n > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return trialConverted, nil
}

const subscriptionColumns = `user_id, has_access, status, subscription_type, stripe_subscription_id, stripe_customer_id,
	current_period_start, current_period_end, cancel_at_period_end, cancelled_at, last_payment_failed,
	created_at, updated_at`

func scanSubscription(row scanner) (*SubscriptionInfo, error) {
	var (
		info                                      SubscriptionInfo
		userID, status                            string
		hasAccess, cancelAtPeriodEnd              int
		periodStart, periodEnd, cancelled, failed sql.NullInt64
		createdAt, updatedAt                      int64
	)
	if err := row.Scan(
		&userID, &hasAccess, &status, &info.SubscriptionType, &info.StripeSubscriptionID, &info.StripeCustomerID,
		&periodStart, &periodEnd, &cancelAtPeriodEnd, &cancelled, &failed,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	info.HasAccess = hasAccess != 0
	info.Status = SubscriptionStatus(status)
	info.CurrentPeriodStart = timeFromMillis(periodStart)
	info.CurrentPeriodEnd = timeFromMillis(periodEnd)
	info.CancelAtPeriodEnd = cancelAtPeriodEnd != 0
	info.CancelledAt = timeFromMillis(cancelled)
	info.LastPaymentFailed = timeFromMillis(failed)
	info.CreatedAt = time.UnixMilli(createdAt).UTC()
	info.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &info, nil
}

// GetSubscription returns the user's subscription info, or nil when absent.
func (s *Store) GetSubscription(ctx context.Context, userID string) (*SubscriptionInfo, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscription_info WHERE user_id = ?`, userID)
	info, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return info, nil
}

// FindUserBySubscriptionID resolves the user bound to a provider subscription ID.
func (s *Store) FindUserBySubscriptionID(ctx context.Context, subscriptionID string) (string, bool, error) {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return "", false, nil
	}
	var userID string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM subscription_info WHERE stripe_subscription_id = ?`, subscriptionID,
	).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("find user by subscription: %w", err)
	}
	return userID, true, nil
}

// FindUserByCustomerID resolves the user bound to a provider customer ID. When
// several users share the customer, the most recently updated one wins.
func (s *Store) FindUserByCustomerID(ctx context.Context, customerID string) (string, bool, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return "", false, nil
	}
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM subscription_info
		WHERE stripe_customer_id = ?
		ORDER BY updated_at DESC, user_id
		LIMIT 1`, customerID,
	).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("find user by customer: %w", err)
	}
	return userID, true, nil
}

// MarkSubscriptionCancelled revokes access and stamps the cancellation time.
func (s *Store) MarkSubscriptionCancelled(ctx context.Context, userID string, at time.Time) error {
	return s.updateSubscription(ctx, "mark subscription cancelled", `
		UPDATE subscription_info
		SET status = ?, has_access = 0, cancelled_at = ?, updated_at = ?
		WHERE user_id = ?`,
		string(StatusCancelled), at.UTC().UnixMilli(), s.now().UTC().UnixMilli(), userID,
	)
}

// UpdateSubscriptionStatus stores status verbatim and derives access from it.
func (s *Store) UpdateSubscriptionStatus(ctx context.Context, userID string, status SubscriptionStatus, period SubscriptionPeriod) error {
	return s.updateSubscription(ctx, "update subscription status", `
		UPDATE subscription_info
		SET status = ?,
			has_access = ?,
			current_period_start = COALESCE(?, current_period_start),
			current_period_end = COALESCE(?, current_period_end),
			cancel_at_period_end = ?,
			updated_at = ?
		WHERE user_id = ?`,
		string(status),
		boolToInt(status.GrantsAccess()),
		nullableMillis(period.Start),
		nullableMillis(period.End),
		boolToInt(period.CancelAtPeriodEnd),
		s.now().UTC().UnixMilli(),
		userID,
	)
}

// MarkPaymentFailed moves the subscription to past_due and revokes access.
func (s *Store) MarkPaymentFailed(ctx context.Context, userID string, at time.Time) error {
	return s.updateSubscription(ctx, "mark payment failed", `
		UPDATE subscription_info
		SET status = ?, has_access = 0, last_payment_failed = ?, updated_at = ?
		WHERE user_id = ?`,
		string(StatusPastDue), at.UTC().UnixMilli(), s.now().UTC().UnixMilli(), userID,
	)
}

func (s *Store) updateSubscription(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveTrial creates or replaces the user's trial record.
func (s *Store) SaveTrial(ctx context.Context, userID string, trial TrialInfo) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("save trial: missing user id")
	}
	status := trial.Status
	if status == "" {
		status = TrialStatusTrial
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscription_trial (user_id, status, started_at, converted_at, converted_to, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			status = excluded.status,
			started_at = excluded.started_at,
			converted_at = excluded.converted_at,
			converted_to = excluded.converted_to,
			updated_at = excluded.updated_at`,
		userID, string(status), nullableMillis(trial.StartedAt), nullableMillis(trial.ConvertedAt),
		trial.ConvertedTo, s.now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save trial: %w", err)
	}
	return nil
}

// GetTrial returns the user's trial record, or nil when absent.
func (s *Store) GetTrial(ctx context.Context, userID string) (*TrialInfo, error) {
	var (
		trial                  TrialInfo
		status                 string
		startedAt, convertedAt sql.NullInt64
		updatedAt              int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT status, started_at, converted_at, converted_to, updated_at
		FROM subscription_trial WHERE user_id = ?`, userID,
	).Scan(&status, &startedAt, &convertedAt, &trial.ConvertedTo, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trial: %w", err)
	}
	trial.Status = TrialStatus(status)
	trial.StartedAt = timeFromMillis(startedAt)
	trial.ConvertedAt = timeFromMillis(convertedAt)
	trial.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &trial, nil
}

// GetEntitlement assembles the full billing view of a user.
func (s *Store) GetEntitlement(ctx context.Context, userID string) (*Entitlement, error) {
	credits, err := s.Credits(ctx, userID)
	if err != nil {
		return nil, err
	}
	history, err := s.PurchaseHistory(ctx, userID)
	if err != nil {
		return nil, err
	}
	sub, err := s.GetSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	trial, err := s.GetTrial(ctx, userID)
	if err != nil {
		return nil, err
	}
	if history == nil {
		history = []Purchase{}
	}
	return &Entitlement{
		UserID:          userID,
		ReportCredits:   credits,
		PurchaseHistory: history,
		Subscription:    sub,
		Trial:           trial,
	}, nil
}

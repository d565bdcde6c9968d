package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// DisputeCase is one immutable resolution record. Rows are only ever
// inserted; corrections happen as new cases.
type DisputeCase struct {
	ID                  uuid.UUID
	CounterpartyID      uuid.UUID
	InvoiceID           *uuid.UUID
	InvoiceNumber       string
	ClaimedAmount       *float64
	AuthoritativeAmount *float64
	DisputeValid        bool
	Confidence          float64
	ResolutionReason    string
	CreatedAt           time.Time
}

// RiskProfile is a counterparty's dispute aggregate: lifetime counters plus
// 30 and 90 day windows recomputed from the case history.
type RiskProfile struct {
	CounterpartyID  uuid.UUID
	TotalDisputes   int
	ValidDisputes   int
	FakeDisputes    int
	RiskScore       float64
	FirstDisputeAt  time.Time
	LastDisputeAt   time.Time
	Rolling30Total  int
	Rolling30Valid  int
	Rolling30Fake   int
	Rolling30Amount float64
	Rolling30Risk   float64
	Rolling90Total  int
	Rolling90Valid  int
	Rolling90Fake   int
	Rolling90Amount float64
	Rolling90Risk   float64
}

// WriteDisputeCase inserts the case row and updates the counterparty's risk
// aggregate in one transaction, so the aggregate can never drift from the
// case history on partial failure.
func (s *Store) WriteDisputeCase(ctx context.Context, c *DisputeCase) (*RiskProfile, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Insert the immutable case row
	c.ID = uuid.New()
	err = tx.QueryRow(ctx, `
		INSERT INTO dispute_cases (id, counterparty_id, invoice_id, invoice_number, claimed_amount, authoritative_amount, dispute_valid, confidence_score, resolution_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		RETURNING created_at`,
		c.ID, c.CounterpartyID, c.InvoiceID, c.InvoiceNumber, c.ClaimedAmount, c.AuthoritativeAmount, c.DisputeValid, c.Confidence, c.ResolutionReason,
	).Scan(&c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert dispute case: %w", err)
	}

	// 2. Ensure the aggregate row exists
	_, err = tx.Exec(ctx, `
		INSERT INTO counterparty_risk (counterparty_id)
		VALUES ($1)
		ON CONFLICT (counterparty_id) DO NOTHING`,
		c.CounterpartyID,
	)
	if err != nil {
		return nil, fmt.Errorf("seed risk row: %w", err)
	}

	// 3. Advance the lifetime counters and risk score
	_, err = tx.Exec(ctx, `
		UPDATE counterparty_risk
		SET
			total_disputes = total_disputes + 1,
			valid_disputes = valid_disputes + CASE WHEN $1 THEN 1 ELSE 0 END,
			fake_disputes = fake_disputes + CASE WHEN $1 THEN 0 ELSE 1 END,
			risk_score = ROUND(
				((fake_disputes + CASE WHEN $1 THEN 0 ELSE 1 END)::numeric
				/ (total_disputes + 1)::numeric) * 100,
				2
			),
			first_dispute_at = COALESCE(first_dispute_at, now()),
			last_dispute_at = now()
		WHERE counterparty_id = $2`,
		c.DisputeValid, c.CounterpartyID,
	)
	if err != nil {
		return nil, fmt.Errorf("update lifetime aggregate: %w", err)
	}

	// 4. Recompute the rolling windows from the case history, including the
	// row just inserted
	row := tx.QueryRow(ctx, `
		WITH stats AS (
			SELECT
				COUNT(*) FILTER (WHERE created_at >= now() - INTERVAL '30 days') AS total_30d,
				COUNT(*) FILTER (WHERE created_at >= now() - INTERVAL '30 days' AND dispute_valid) AS valid_30d,
				COUNT(*) FILTER (WHERE created_at >= now() - INTERVAL '30 days' AND NOT dispute_valid) AS fake_30d,
				COALESCE(SUM(claimed_amount) FILTER (WHERE created_at >= now() - INTERVAL '30 days'), 0)::numeric(14,2) AS amount_30d,
				COUNT(*) FILTER (WHERE created_at >= now() - INTERVAL '90 days') AS total_90d,
				COUNT(*) FILTER (WHERE created_at >= now() - INTERVAL '90 days' AND dispute_valid) AS valid_90d,
				COUNT(*) FILTER (WHERE created_at >= now() - INTERVAL '90 days' AND NOT dispute_valid) AS fake_90d,
				COALESCE(SUM(claimed_amount) FILTER (WHERE created_at >= now() - INTERVAL '90 days'), 0)::numeric(14,2) AS amount_90d
			FROM dispute_cases
			WHERE counterparty_id = $1
		)
		UPDATE counterparty_risk r
		SET
			rolling_30d_total = s.total_30d,
			rolling_30d_valid = s.valid_30d,
			rolling_30d_fake = s.fake_30d,
			rolling_30d_amount = s.amount_30d,
			rolling_30d_risk = CASE WHEN s.total_30d = 0 THEN 0 ELSE ROUND((s.fake_30d::numeric / s.total_30d::numeric) * 100, 2) END,
			rolling_90d_total = s.total_90d,
			rolling_90d_valid = s.valid_90d,
			rolling_90d_fake = s.fake_90d,
			rolling_90d_amount = s.amount_90d,
			rolling_90d_risk = CASE WHEN s.total_90d = 0 THEN 0 ELSE ROUND((s.fake_90d::numeric / s.total_90d::numeric) * 100, 2) END
		FROM stats s
		WHERE r.counterparty_id = $1
		RETURNING r.counterparty_id, r.total_disputes, r.valid_disputes, r.fake_disputes, r.risk_score,
			r.first_dispute_at, r.last_dispute_at,
			r.rolling_30d_total, r.rolling_30d_valid, r.rolling_30d_fake, r.rolling_30d_amount, r.rolling_30d_risk,
			r.rolling_90d_total, r.rolling_90d_valid, r.rolling_90d_fake, r.rolling_90d_amount, r.rolling_90d_risk`,
		c.CounterpartyID,
	)

	var p RiskProfile
	err = row.Scan(
		&p.CounterpartyID, &p.TotalDisputes, &p.ValidDisputes, &p.FakeDisputes, &p.RiskScore,
		&p.FirstDisputeAt, &p.LastDisputeAt,
		&p.Rolling30Total, &p.Rolling30Valid, &p.Rolling30Fake, &p.Rolling30Amount, &p.Rolling30Risk,
		&p.Rolling90Total, &p.Rolling90Valid, &p.Rolling90Fake, &p.Rolling90Amount, &p.Rolling90Risk,
	)
	if err != nil {
		return nil, fmt.Errorf("recompute rolling windows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &p, nil
}

// GetRiskProfile fetches the current aggregate for a counterparty, or nil
// when no disputes have been recorded yet.
func (s *Store) GetRiskProfile(ctx context.Context, counterpartyID uuid.UUID) (*RiskProfile, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT counterparty_id, total_disputes, valid_disputes, fake_disputes, risk_score,
			COALESCE(first_dispute_at, to_timestamp(0)), COALESCE(last_dispute_at, to_timestamp(0)),
			rolling_30d_total, rolling_30d_valid, rolling_30d_fake, rolling_30d_amount, rolling_30d_risk,
			rolling_90d_total, rolling_90d_valid, rolling_90d_fake, rolling_90d_amount, rolling_90d_risk
		FROM counterparty_risk
		WHERE counterparty_id = $1`,
		counterpartyID,
	)

	var p RiskProfile
	err := row.Scan(
		&p.CounterpartyID, &p.TotalDisputes, &p.ValidDisputes, &p.FakeDisputes, &p.RiskScore,
		&p.FirstDisputeAt, &p.LastDisputeAt,
		&p.Rolling30Total, &p.Rolling30Valid, &p.Rolling30Fake, &p.Rolling30Amount, &p.Rolling30Risk,
		&p.Rolling90Total, &p.Rolling90Valid, &p.Rolling90Fake, &p.Rolling90Amount, &p.Rolling90Risk,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get risk profile: %w", err)
	}
	return &p, nil
}

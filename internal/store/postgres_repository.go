/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the SQL needed for milestone payments, the contractor account cache,
 * webhook event deduplication and the event outbox.
 *
 * @notes
 * - `webhook_events.event_id` is the primary key, so deduplication holds across replicas.
 * - A partial unique index allows at most one non-final attempt per milestone; the insert
 *   that would violate it is reported as ErrActivePaymentExists.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/payout-service/internal/domain"
)

const uniqueViolation = "23505"

const paymentColumns = `
	id, milestone_id, attempt, contractor_account_ref, funding_source_ref, amount_minor_units,
	currency, processor, idempotency_key, state, processor_charge_ref, last_error, failure_category,
	retryable, next_attempt_at, reconcile_attempts, last_reconciled_at, next_reconcile_at,
	requires_attention, created_at, updated_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func scanPayment(row pgx.Row) (*domain.MilestonePayment, error) {
	var (
		p        domain.MilestonePayment
		state    string
		category string
	)
	err := row.Scan(
		&p.ID, &p.MilestoneID, &p.Attempt, &p.ContractorAccountRef, &p.FundingSourceRef, &p.AmountMinorUnits,
		&p.Currency, &p.Processor, &p.IdempotencyKey, &state, &p.ProcessorChargeRef, &p.LastError, &category,
		&p.Retryable, &p.NextAttemptAt, &p.ReconcileAttempts, &p.LastReconciledAt, &p.NextReconcileAt,
		&p.RequiresAttention, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.State = domain.PaymentState(state)
	p.FailureCategory = domain.ReasonCategory(category)
	return &p, nil
}

func (r *PostgresRepository) queryPayments(ctx context.Context, query string, args ...interface{}) ([]domain.MilestonePayment, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []domain.MilestonePayment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

func (r *PostgresRepository) queryPayment(ctx context.Context, query string, args ...interface{}) (*domain.MilestonePayment, error) {
	p, err := scanPayment(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return p, nil
}

// CreatePayment inserts a new payment attempt.
func (r *PostgresRepository) CreatePayment(ctx context.Context, p *domain.MilestonePayment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	query := `
		INSERT INTO milestone_payments (
			id, milestone_id, attempt, contractor_account_ref, funding_source_ref, amount_minor_units,
			currency, processor, idempotency_key, state, processor_charge_ref, last_error, failure_category,
			retryable, next_attempt_at, requires_attention
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		p.ID, p.MilestoneID, p.Attempt, p.ContractorAccountRef, p.FundingSourceRef, p.AmountMinorUnits,
		p.Currency, p.Processor, p.IdempotencyKey, string(p.State), p.ProcessorChargeRef, p.LastError,
		string(p.FailureCategory), p.Retryable, p.NextAttemptAt, p.RequiresAttention,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			if pgErr.ConstraintName == "milestone_payments_one_active_idx" {
				return ErrActivePaymentExists
			}
			return ErrDuplicateAttempt
		}
		return fmt.Errorf("insert milestone payment: %w", err)
	}
	return nil
}

func (r *PostgresRepository) FindPaymentByID(ctx context.Context, id uuid.UUID) (*domain.MilestonePayment, error) {
	return r.queryPayment(ctx, `SELECT `+paymentColumns+` FROM milestone_payments WHERE id = $1`, id)
}

func (r *PostgresRepository) FindLatestPaymentByMilestone(ctx context.Context, milestoneID string) (*domain.MilestonePayment, error) {
	return r.queryPayment(ctx, `
		SELECT `+paymentColumns+`
		FROM milestone_payments
		WHERE milestone_id = $1
		ORDER BY attempt DESC
		LIMIT 1
	`, milestoneID)
}

func (r *PostgresRepository) ListPaymentsByMilestone(ctx context.Context, milestoneID string) ([]domain.MilestonePayment, error) {
	return r.queryPayments(ctx, `
		SELECT `+paymentColumns+`
		FROM milestone_payments
		WHERE milestone_id = $1
		ORDER BY attempt ASC
	`, milestoneID)
}

func (r *PostgresRepository) FindPaymentByIdempotencyKey(ctx context.Context, idempotencyKey string) (*domain.MilestonePayment, error) {
	return r.queryPayment(ctx, `SELECT `+paymentColumns+` FROM milestone_payments WHERE idempotency_key = $1`, idempotencyKey)
}

func (r *PostgresRepository) FindPaymentByChargeRef(ctx context.Context, processor string, chargeRef string) (*domain.MilestonePayment, error) {
	return r.queryPayment(ctx, `
		SELECT `+paymentColumns+`
		FROM milestone_payments
		WHERE processor = $1 AND processor_charge_ref = $2
	`, processor, chargeRef)
}

// TransitionPayment applies a compare-and-set on the payment state and, for terminal
// transitions, enqueues the terminal event in the same transaction.
func (r *PostgresRepository) TransitionPayment(ctx context.Context, params TransitionParams) (*domain.MilestonePayment, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE milestone_payments
		SET state = $3,
			processor_charge_ref = COALESCE($4, processor_charge_ref),
			last_error = COALESCE($5, last_error),
			failure_category = CASE WHEN $6 = '' THEN failure_category ELSE $6 END,
			retryable = $7,
			next_attempt_at = $8,
			requires_attention = requires_attention OR $9,
			updated_at = NOW()
		WHERE id = $1 AND state = $2
		RETURNING ` + paymentColumns
	updated, err := scanPayment(tx.QueryRow(ctx, query,
		params.PaymentID, string(params.From), string(params.To), params.ProcessorChargeRef, params.LastError,
		string(params.FailureCategory), params.Retryable, params.NextAttemptAt, params.RequiresAttention,
	))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("transition payment: %w", err)
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM milestone_payments WHERE id = $1)`, params.PaymentID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check payment existence: %w", err)
		}
		if !exists {
			return nil, ErrPaymentNotFound
		}
		return nil, ErrStaleTransition
	}

	if params.Terminal != nil {
		event := params.Terminal.Event
		if event.ProcessorChargeRef == "" {
			event.ProcessorChargeRef = updated.ChargeRef()
		}
		blob, err := json.Marshal(event)
		if err != nil {
			return nil, err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO event_outbox (exchange, routing_key, payload, terminal_payment_id)
			VALUES ($1, $2, $3::jsonb, $4)
			ON CONFLICT (terminal_payment_id) DO NOTHING
		`, strings.TrimSpace(params.Terminal.Exchange), strings.TrimSpace(params.Terminal.RoutingKey), string(blob), updated.ID); err != nil {
			return nil, fmt.Errorf("failed to enqueue terminal event: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *PostgresRepository) RecordReconcileAttempt(ctx context.Context, paymentID uuid.UUID, attempt ReconcileAttempt) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE milestone_payments
		SET reconcile_attempts = reconcile_attempts + 1,
			last_reconciled_at = NOW(),
			next_reconcile_at = COALESCE($4::timestamptz, next_reconcile_at),
			last_error = CASE WHEN $2 = '' THEN last_error ELSE $2 END,
			requires_attention = requires_attention OR $3
		WHERE id = $1
	`, paymentID, attempt.LastError, attempt.RequiresAttention, attempt.NextReconcileAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (r *PostgresRepository) ListPaymentsInStates(ctx context.Context, filter PaymentFilter) ([]domain.MilestonePayment, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	names := make([]string, 0, len(filter.States))
	for _, s := range filter.States {
		names = append(names, string(s))
	}
	return r.queryPayments(ctx, `
		SELECT `+paymentColumns+`
		FROM milestone_payments
		WHERE state = ANY($1)
			AND updated_at < $2
			AND ($3::timestamptz IS NULL OR next_reconcile_at IS NULL OR next_reconcile_at <= $3)
			AND NOT ($4::boolean AND requires_attention)
		ORDER BY next_reconcile_at ASC NULLS FIRST, updated_at ASC
		LIMIT $5
	`, names, filter.UpdatedBefore, filter.ReconcileDueBy, filter.ExcludeFlagged, limit)
}

// ListDueRetries returns retryable failed attempts whose backoff elapsed and which have
// not been superseded by a newer attempt.
func (r *PostgresRepository) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.MilestonePayment, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryPayments(ctx, `
		SELECT `+paymentColumns+`
		FROM milestone_payments p
		WHERE p.state = 'dispatch_failed'
			AND p.retryable
			AND NOT p.requires_attention
			AND p.next_attempt_at <= $1
			AND NOT EXISTS (
				SELECT 1 FROM milestone_payments n
				WHERE n.milestone_id = p.milestone_id AND n.attempt > p.attempt
			)
		ORDER BY p.next_attempt_at ASC
		LIMIT $2
	`, now, limit)
}

func (r *PostgresRepository) GetContractorAccount(ctx context.Context, accountRef string) (*domain.ContractorAccount, error) {
	var (
		acct  domain.ContractorAccount
		state string
	)
	err := r.db.QueryRow(ctx, `
		SELECT account_ref, payable_state, requirements_outstanding, last_synced_at
		FROM contractor_accounts
		WHERE account_ref = $1
	`, accountRef).Scan(&acct.AccountRef, &state, &acct.RequirementsOutstanding, &acct.LastSyncedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	acct.PayableState = domain.ParsePayableState(state)
	return &acct, nil
}

func (r *PostgresRepository) UpsertContractorAccount(ctx context.Context, acct domain.ContractorAccount) error {
	requirements := acct.RequirementsOutstanding
	if requirements == nil {
		requirements = []string{}
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO contractor_accounts (account_ref, payable_state, requirements_outstanding, last_synced_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_ref) DO UPDATE
		SET payable_state = EXCLUDED.payable_state,
			requirements_outstanding = EXCLUDED.requirements_outstanding,
			last_synced_at = EXCLUDED.last_synced_at
		WHERE contractor_accounts.last_synced_at <= EXCLUDED.last_synced_at
	`, acct.AccountRef, string(acct.PayableState), requirements, acct.LastSyncedAt)
	return err
}

// ClaimWebhookEvent records the event if unseen and takes a processing lease on it.
func (r *PostgresRepository) ClaimWebhookEvent(ctx context.Context, event domain.WebhookEvent, lease time.Duration) (ClaimStatus, error) {
	var claimed string
	err := r.db.QueryRow(ctx, `
		INSERT INTO webhook_events (event_id, provider, event_type, payload_digest, received_at, lease_until)
		VALUES ($1, $2, $3, $4, NOW(), NOW() + ($5 * INTERVAL '1 millisecond'))
		ON CONFLICT (event_id) DO UPDATE
		SET lease_until = EXCLUDED.lease_until
		WHERE webhook_events.processed_at IS NULL
			AND (webhook_events.lease_until IS NULL OR webhook_events.lease_until < NOW())
		RETURNING event_id
	`, event.EventID, event.Provider, event.EventType, event.PayloadDigest, lease.Milliseconds()).Scan(&claimed)
	if err == nil {
		return ClaimAcquired, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("claim webhook event: %w", err)
	}

	var processedAt *time.Time
	if err := r.db.QueryRow(ctx, `SELECT processed_at FROM webhook_events WHERE event_id = $1`, event.EventID).Scan(&processedAt); err != nil {
		return "", fmt.Errorf("read webhook event: %w", err)
	}
	if processedAt != nil {
		return ClaimProcessed, nil
	}
	return ClaimBusy, nil
}

func (r *PostgresRepository) MarkWebhookEventProcessed(ctx context.Context, eventID string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE webhook_events
		SET processed_at = NOW(), lease_until = NULL
		WHERE event_id = $1
	`, eventID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrWebhookEventNotFound
	}
	return nil
}

func (r *PostgresRepository) ReleaseWebhookEvent(ctx context.Context, eventID string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE webhook_events
		SET lease_until = NULL
		WHERE event_id = $1 AND processed_at IS NULL
	`, eventID)
	return err
}

func (r *PostgresRepository) PurgeWebhookEvents(ctx context.Context, processedBefore time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM webhook_events WHERE processed_at IS NOT NULL AND processed_at < $1`, processedBefore)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) EnqueueOutboxMessage(ctx context.Context, exchange, routingKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO event_outbox (exchange, routing_key, payload)
		VALUES ($1, $2, $3::jsonb)
	`, strings.TrimSpace(exchange), strings.TrimSpace(routingKey), string(blob))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	query := `
		WITH candidates AS (
			SELECT id
			FROM event_outbox
			WHERE (
				(status = 'pending' AND next_attempt_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE event_outbox AS o
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = o.attempts + 1
		FROM candidates
		WHERE o.id = candidates.id
		RETURNING o.id, o.exchange, o.routing_key, o.payload::text, o.attempts
	`

	rows, err := r.db.Query(ctx, query, limit, staleAfterSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]OutboxMessage, 0, limit)
	for rows.Next() {
		var (
			msg         OutboxMessage
			payloadText string
		)
		if err := rows.Scan(&msg.ID, &msg.Exchange, &msg.RoutingKey, &payloadText, &msg.Attempts); err != nil {
			return nil, err
		}
		msg.Payload = []byte(payloadText)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'published',
			published_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = $1
	`, id)
	return err
}

func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	if len(reason) > 2000 {
		reason = reason[:2000]
	}
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'pending',
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1
	`, id, retryAfterSeconds, reason)
	if err != nil {
		log.Printf("level=warn component=store msg=\"outbox failure not recorded\" outbox_id=%d err=%v", id, err)
	}
	return err
}

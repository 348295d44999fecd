package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrTargetNotFound is returned when a target lookup matches no row
var ErrTargetNotFound = errors.New("execution target not found")

// ErrTargetConflict is returned when a state change is rejected because the
// target already moved to a conflicting status
var ErrTargetConflict = errors.New("execution target status conflict")

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// EXECUTION TARGETS
// ============================================================================

const targetColumns = `id, owner_id, symbol, asset_id, side, quantity, limit_price,
	confidence, risk_level, entry_strategy, stop_loss_pct, take_profit_pct, priority,
	status, not_before, expires_at, current_retries, max_retries,
	next_attempt_at, last_error, order_id, filled_qty, avg_fill_price, source, archived,
	created_at, updated_at, claimed_at, finished_at`

func scanTarget(row pgx.Row) (*ExecutionTarget, error) {
	t := &ExecutionTarget{}
	var assetID, lastError, orderID *string
	err := row.Scan(
		&t.ID, &t.OwnerID, &t.Symbol, &assetID, &t.Side, &t.Quantity, &t.LimitPrice,
		&t.Confidence, &t.RiskLevel, &t.EntryStrategy, &t.StopLossPct, &t.TakeProfitPct,
		&t.Priority, &t.Status, &t.NotBefore, &t.ExpiresAt,
		&t.CurrentRetries, &t.MaxRetries, &t.NextAttemptAt, &lastError, &orderID,
		&t.FilledQty, &t.AvgFillPrice, &t.Source, &t.Archived,
		&t.CreatedAt, &t.UpdatedAt, &t.ClaimedAt, &t.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTargetNotFound
		}
		return nil, err
	}
	if assetID != nil {
		t.AssetID = *assetID
	}
	if lastError != nil {
		t.LastError = *lastError
	}
	if orderID != nil {
		t.OrderID = *orderID
	}
	return t, nil
}

// CreateTarget inserts a new target. Duplicate live targets for the same
// owner and symbol are dropped silently so replayed pattern batches are
// harmless. Returns true when a row was actually inserted.
func (r *Repository) CreateTarget(ctx context.Context, t *ExecutionTarget) (bool, error) {
	if t.Status == "" {
		t.Status = TargetStatusPending
	}
	if t.Source == "" {
		t.Source = TargetSourcePatternFeed
	}
	if t.OwnerID == "" {
		t.OwnerID = "system"
	}
	if t.RiskLevel == "" {
		t.RiskLevel = "medium"
	}
	if t.EntryStrategy == "" {
		t.EntryStrategy = EntryStrategyMarket
	}
	query := `
		INSERT INTO execution_targets
			(id, owner_id, symbol, asset_id, side, quantity, limit_price, confidence,
			 risk_level, entry_strategy, priority, status, not_before, expires_at,
			 max_retries, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (owner_id, symbol)
			WHERE status IN ('pending', 'ready') AND NOT archived
			DO NOTHING
	`
	tag, err := r.db.Pool.Exec(
		ctx, query,
		t.ID, t.OwnerID, t.Symbol, nullable(t.AssetID), t.Side, t.Quantity, t.LimitPrice,
		t.Confidence, t.RiskLevel, t.EntryStrategy, t.Priority, t.Status, t.NotBefore,
		t.ExpiresAt, t.MaxRetries, t.Source,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create target: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetTargetByID retrieves a target by ID
func (r *Repository) GetTargetByID(ctx context.Context, id string) (*ExecutionTarget, error) {
	query := `SELECT ` + targetColumns + ` FROM execution_targets WHERE id = $1`
	return scanTarget(r.db.Pool.QueryRow(ctx, query, id))
}

// HasLiveTarget reports whether a pending or ready target exists for the
// owner and symbol
func (r *Repository) HasLiveTarget(ctx context.Context, ownerID, symbol string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM execution_targets
			WHERE owner_id = $1 AND symbol = $2
			  AND status IN ('pending', 'ready') AND NOT archived
		)
	`
	var exists bool
	if err := r.db.Pool.QueryRow(ctx, query, ownerID, symbol).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// ListTargets returns targets filtered by status, newest first. An empty
// status returns all non-archived targets.
func (r *Repository) ListTargets(ctx context.Context, status string, limit int) ([]*ExecutionTarget, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows pgx.Rows
	var err error
	if status == "" {
		query := `SELECT ` + targetColumns + `
			FROM execution_targets WHERE NOT archived
			ORDER BY created_at DESC LIMIT $1`
		rows, err = r.db.Pool.Query(ctx, query, limit)
	} else {
		query := `SELECT ` + targetColumns + `
			FROM execution_targets WHERE status = $1 AND NOT archived
			ORDER BY created_at DESC LIMIT $2`
		rows, err = r.db.Pool.Query(ctx, query, status, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTargets(rows)
}

// GetClaimableTargets returns ready targets whose time gates have passed.
// Lower priority values sort first.
func (r *Repository) GetClaimableTargets(ctx context.Context, now time.Time, limit int) ([]*ExecutionTarget, error) {
	query := `SELECT ` + targetColumns + `
		FROM execution_targets
		WHERE status = 'ready' AND NOT archived
		  AND (not_before IS NULL OR not_before <= $1)
		  AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		  AND (expires_at IS NULL OR expires_at > $1)
		ORDER BY priority ASC, created_at ASC
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTargets(rows)
}

func collectTargets(rows pgx.Rows) ([]*ExecutionTarget, error) {
	targets := []*ExecutionTarget{}
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// MarkReady promotes a pending target to ready
func (r *Repository) MarkReady(ctx context.Context, id string) error {
	query := `
		UPDATE execution_targets
		SET status = 'ready', updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = 'pending'
	`
	tag, err := r.db.Pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTargetConflict
	}
	return nil
}

// PromoteBySymbol promotes the live pending target for an owner+symbol to
// ready, returning its id. Returns "" with no error when nothing is pending,
// which is the normal case for a repeated canonical match.
func (r *Repository) PromoteBySymbol(ctx context.Context, ownerID, symbol string) (string, error) {
	query := `
		UPDATE execution_targets
		SET status = 'ready', updated_at = CURRENT_TIMESTAMP
		WHERE owner_id = $1 AND symbol = $2 AND status = 'pending' AND NOT archived
		RETURNING id
	`
	var id string
	err := r.db.Pool.QueryRow(ctx, query, ownerID, symbol).Scan(&id)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to promote target: %w", err)
	}
	return id, nil
}

// ClaimTarget atomically moves a ready target to executing. Exactly one
// concurrent caller wins; the rest observe false with no error. Losing a
// claim is normal operation, not a failure.
func (r *Repository) ClaimTarget(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE execution_targets
		SET status = 'executing', claimed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = 'ready'
	`
	tag, err := r.db.Pool.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to claim target: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetProtectiveLevels stores the dynamic stop-loss and take-profit percents
// computed at claim time
func (r *Repository) SetProtectiveLevels(ctx context.Context, id string, stopLossPct, takeProfitPct float64) error {
	query := `
		UPDATE execution_targets
		SET stop_loss_pct = $2, take_profit_pct = $3, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = 'executing'
	`
	tag, err := r.db.Pool.Exec(ctx, query, id, stopLossPct, takeProfitPct)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTargetConflict
	}
	return nil
}

// MarkCompleted records a successful execution with its fill details
func (r *Repository) MarkCompleted(ctx context.Context, id, orderID string, filledQty, avgPrice float64) error {
	query := `
		UPDATE execution_targets
		SET status = 'completed', order_id = $2, filled_qty = $3, avg_fill_price = $4,
		    last_error = NULL, finished_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = 'executing'
	`
	tag, err := r.db.Pool.Exec(ctx, query, id, orderID, filledQty, avgPrice)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTargetConflict
	}
	return nil
}

// MarkFailed moves a target to the terminal failed status
func (r *Repository) MarkFailed(ctx context.Context, id, reason string) error {
	query := `
		UPDATE execution_targets
		SET status = 'failed', last_error = $2,
		    finished_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status IN ('pending', 'ready', 'executing')
	`
	tag, err := r.db.Pool.Exec(ctx, query, id, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTargetConflict
	}
	return nil
}

// MarkFailedFromReady fails a target only while it is still ready. Pre-claim
// rejections use this so a verdict that lost the claim race cannot overwrite
// a target another instance is already executing.
func (r *Repository) MarkFailedFromReady(ctx context.Context, id, reason string) error {
	query := `
		UPDATE execution_targets
		SET status = 'failed', last_error = $2,
		    finished_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = 'ready'
	`
	tag, err := r.db.Pool.Exec(ctx, query, id, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTargetConflict
	}
	return nil
}

// RequeueForRetry returns an executing target to ready with an incremented
// retry count and a future attempt time
func (r *Repository) RequeueForRetry(ctx context.Context, id, reason string, nextAttempt time.Time) error {
	query := `
		UPDATE execution_targets
		SET status = 'ready', current_retries = current_retries + 1,
		    next_attempt_at = $3, last_error = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = 'executing'
	`
	tag, err := r.db.Pool.Exec(ctx, query, id, reason, nextAttempt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTargetConflict
	}
	return nil
}

// CancelTarget cancels a pending or ready target. A target already picked up
// by a worker or already finished reports a conflict.
func (r *Repository) CancelTarget(ctx context.Context, id, reason string) error {
	query := `
		UPDATE execution_targets
		SET status = 'cancelled', last_error = $2,
		    finished_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status IN ('pending', 'ready')
	`
	tag, err := r.db.Pool.Exec(ctx, query, id, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, lookupErr := r.GetTargetByID(ctx, id); lookupErr != nil {
			return lookupErr
		}
		return ErrTargetConflict
	}
	return nil
}

// ExpireOverdueTargets fails live targets whose expiry has passed and
// returns how many were expired
func (r *Repository) ExpireOverdueTargets(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE execution_targets
		SET status = 'failed', last_error = 'expired before execution',
		    finished_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE status IN ('pending', 'ready') AND NOT archived
		  AND expires_at IS NOT NULL AND expires_at <= $1
	`
	tag, err := r.db.Pool.Exec(ctx, query, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ArchiveFinishedTargets archives terminal targets older than the cutoff
func (r *Repository) ArchiveFinishedTargets(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE execution_targets
		SET archived = TRUE, updated_at = CURRENT_TIMESTAMP
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND NOT archived AND finished_at < $1
	`
	tag, err := r.db.Pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CountTargetsByStatus returns a status -> count map over non-archived rows
func (r *Repository) CountTargetsByStatus(ctx context.Context) (map[string]int, error) {
	query := `
		SELECT status, COUNT(*) FROM execution_targets
		WHERE NOT archived GROUP BY status
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// ============================================================================
// SYSTEM EVENTS
// ============================================================================

// RecordSystemEvent appends one row to the event journal
func (r *Repository) RecordSystemEvent(ctx context.Context, eventType, targetID, symbol string, detail []byte) error {
	query := `
		INSERT INTO system_events (event_type, target_id, symbol, detail)
		VALUES ($1, $2, $3, $4)
	`
	_, err := r.db.Pool.Exec(ctx, query, eventType, nullable(targetID), nullable(symbol), detail)
	return err
}

// GetRecentEvents returns the newest journal entries
func (r *Repository) GetRecentEvents(ctx context.Context, limit int) ([]*SystemEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, event_type, target_id, symbol, detail, created_at
		FROM system_events ORDER BY created_at DESC LIMIT $1
	`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []*SystemEvent{}
	for rows.Next() {
		e := &SystemEvent{}
		var targetID, symbol *string
		if err := rows.Scan(&e.ID, &e.EventType, &targetID, &symbol, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if targetID != nil {
			e.TargetID = *targetID
		}
		if symbol != nil {
			e.Symbol = *symbol
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ============================================================================
// SAFETY ALERTS
// ============================================================================

// SaveAlert persists a safety alert
func (r *Repository) SaveAlert(ctx context.Context, a *StoredAlert) error {
	query := `
		INSERT INTO safety_alerts (id, alert_type, severity, title, message, source)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := r.db.Pool.Exec(ctx, query, a.ID, a.AlertType, a.Severity, a.Title, a.Message, a.Source)
	return err
}

// AcknowledgeAlert marks a persisted alert acknowledged
func (r *Repository) AcknowledgeAlert(ctx context.Context, id string) error {
	query := `UPDATE safety_alerts SET acknowledged = TRUE WHERE id = $1`
	tag, err := r.db.Pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("alert %s not found", id)
	}
	return nil
}

// ListUnresolvedAlerts returns unresolved alerts, newest first
func (r *Repository) ListUnresolvedAlerts(ctx context.Context, limit int) ([]*StoredAlert, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, alert_type, severity, title, message, source, acknowledged, resolved, created_at
		FROM safety_alerts WHERE NOT resolved
		ORDER BY created_at DESC LIMIT $1
	`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts := []*StoredAlert{}
	for rows.Next() {
		a := &StoredAlert{}
		var message, source *string
		if err := rows.Scan(&a.ID, &a.AlertType, &a.Severity, &a.Title, &message, &source,
			&a.Acknowledged, &a.Resolved, &a.CreatedAt); err != nil {
			return nil, err
		}
		if message != nil {
			a.Message = *message
		}
		if source != nil {
			a.Source = *source
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

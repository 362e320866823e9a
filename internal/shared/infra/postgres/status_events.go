package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cornjacket/ses-transmitter/internal/shared/domain/clock"
	"github.com/cornjacket/ses-transmitter/internal/shared/domain/events"
)

const statusEventColumns = `id, transaction_id, resource_type, resource_id, record_id, client_id, facility_id,
	ship_id, correlation_id, status, message, data,
	callback_status, callback_attempts, callback_next_attempt_at, callback_last_error,
	callback_delivered_at, callback_response, emr_target_url,
	probe_status, probe_attempts, probe_next_attempt_at, probe_last_error,
	created_at, updated_at`

// StatusEventRepo is the outbox shared by the callback dispatcher and the status prober.
// The two state machines live in separate columns and are claimed independently.
type StatusEventRepo struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStatusEventRepo creates a new StatusEventRepo.
func NewStatusEventRepo(pool *pgxpool.Pool, logger *slog.Logger) *StatusEventRepo {
	return &StatusEventRepo{
		pool:   pool,
		logger: logger.With("repository", "status_events"),
	}
}

// Insert adds an event. Returns events.ErrDuplicate if the transaction id already exists.
func (r *StatusEventRepo) Insert(ctx context.Context, ev *events.StatusEvent) error {
	query := `
		INSERT INTO status_events (id, transaction_id, resource_type, resource_id, record_id, client_id,
			facility_id, ship_id, correlation_id, status, message, data,
			callback_status, callback_attempts, callback_next_attempt_at, emr_target_url,
			probe_status, probe_attempts, probe_next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`

	_, err := r.pool.Exec(ctx, query,
		ev.ID,
		ev.TransactionID,
		ev.ResourceType,
		nullIfEmpty(ev.ResourceID),
		ev.RecordID,
		ev.ClientID,
		ev.FacilityID,
		nullIfEmpty(ev.ShipID),
		nullIfEmpty(ev.CorrelationID),
		string(ev.Status),
		nullIfEmpty(ev.Message),
		nullJSON(ev.Data),
		string(ev.CallbackStatus),
		ev.CallbackAttempts,
		ev.CallbackNextAttemptAt,
		nullIfEmpty(ev.EMRTargetURL),
		string(ev.ProbeStatus),
		ev.ProbeAttempts,
		ev.ProbeNextAttemptAt,
		ev.CreatedAt,
		ev.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: transaction %s", events.ErrDuplicate, ev.TransactionID)
		}
		return fmt.Errorf("failed to insert status event: %w", err)
	}

	r.logger.Debug("status event inserted",
		"event_id", ev.ID,
		"transaction_id", ev.TransactionID,
		"status", ev.Status,
	)
	return nil
}

// Get returns an event by id.
func (r *StatusEventRepo) Get(ctx context.Context, id uuid.UUID) (*events.StatusEvent, error) {
	query := fmt.Sprintf(`SELECT %s FROM status_events WHERE id = $1`, statusEventColumns)
	return r.getOne(ctx, query, id)
}

// GetByTransactionID returns the event for an upstream transaction.
func (r *StatusEventRepo) GetByTransactionID(ctx context.Context, transactionID string) (*events.StatusEvent, error) {
	query := fmt.Sprintf(`SELECT %s FROM status_events WHERE transaction_id = $1`, statusEventColumns)
	return r.getOne(ctx, query, transactionID)
}

func (r *StatusEventRepo) getOne(ctx context.Context, query string, arg any) (*events.StatusEvent, error) {
	ev, err := scanStatusEvent(r.pool.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, events.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get status event: %w", err)
	}
	return ev, nil
}

// ResolveByTransaction sets the outcome of a Pending event from an upstream callback.
// Events that are already terminal are returned unchanged.
func (r *StatusEventRepo) ResolveByTransaction(ctx context.Context, transactionID string, outcome events.Outcome, message string, data json.RawMessage) (*events.StatusEvent, error) {
	query := `
		UPDATE status_events
		SET status = $2, message = COALESCE($3, message), data = COALESCE($4, data), updated_at = $5
		WHERE transaction_id = $1 AND status = 'Pending'
	`

	if _, err := r.pool.Exec(ctx, query, transactionID, string(outcome), nullIfEmpty(message), nullJSON(data), clock.Now()); err != nil {
		return nil, fmt.Errorf("failed to resolve status event: %w", err)
	}
	return r.GetByTransactionID(ctx, transactionID)
}

// FetchDueCallbacks returns terminal events whose callback is Pending and due.
func (r *StatusEventRepo) FetchDueCallbacks(ctx context.Context, now time.Time, limit int) ([]events.StatusEvent, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM status_events
		WHERE callback_status = 'Pending'
		  AND status <> 'Pending'
		  AND callback_next_attempt_at <= $1
		ORDER BY callback_next_attempt_at ASC
		LIMIT $2
	`, statusEventColumns)
	return r.list(ctx, query, now, limit)
}

// TryClaimCallback moves a callback from Pending to InFlight.
func (r *StatusEventRepo) TryClaimCallback(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE status_events
		SET callback_status = 'InFlight', updated_at = $2
		WHERE id = $1 AND callback_status = 'Pending'
	`
	tag, err := r.pool.Exec(ctx, query, id, clock.Now())
	if err != nil {
		return false, fmt.Errorf("failed to claim callback: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetCallbackTarget caches the resolved EMR URL on the event.
func (r *StatusEventRepo) SetCallbackTarget(ctx context.Context, id uuid.UUID, url string) error {
	query := `UPDATE status_events SET emr_target_url = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.pool.Exec(ctx, query, id, url, clock.Now()); err != nil {
		return fmt.Errorf("failed to set callback target: %w", err)
	}
	return nil
}

// MarkCallbackSucceeded records a delivered callback.
func (r *StatusEventRepo) MarkCallbackSucceeded(ctx context.Context, id uuid.UUID, attempts int, deliveredAt time.Time, response string) error {
	query := `
		UPDATE status_events
		SET callback_status = 'Succeeded',
		    callback_attempts = $2,
		    callback_delivered_at = $3,
		    callback_response = $4,
		    callback_last_error = NULL,
		    updated_at = $3
		WHERE id = $1 AND callback_status = 'InFlight'
	`
	if _, err := r.pool.Exec(ctx, query, id, attempts, deliveredAt, nullIfEmpty(response)); err != nil {
		return fmt.Errorf("failed to mark callback succeeded: %w", err)
	}
	return nil
}

// ScheduleCallbackRetry releases a claimed callback for a later attempt, or fails it.
func (r *StatusEventRepo) ScheduleCallbackRetry(ctx context.Context, id uuid.UUID, retry events.CallbackRetry) error {
	status := events.CallbackPending
	if retry.GiveUp {
		status = events.CallbackFailed
	}

	query := `
		UPDATE status_events
		SET callback_status = $2,
		    callback_attempts = $3,
		    callback_next_attempt_at = $4,
		    callback_last_error = $5,
		    updated_at = $6
		WHERE id = $1 AND callback_status = 'InFlight'
	`
	if _, err := r.pool.Exec(ctx, query, id, string(status), retry.Attempts, retry.NextAttemptAt, retry.LastError, clock.Now()); err != nil {
		return fmt.Errorf("failed to reschedule callback: %w", err)
	}
	return nil
}

// FetchDueProbes returns Pending events created before createdBefore whose probe is due.
func (r *StatusEventRepo) FetchDueProbes(ctx context.Context, createdBefore, now time.Time, limit int) ([]events.StatusEvent, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM status_events
		WHERE status = 'Pending'
		  AND probe_status = 'Pending'
		  AND created_at <= $1
		  AND probe_next_attempt_at <= $2
		ORDER BY created_at ASC
		LIMIT $3
	`, statusEventColumns)
	return r.list(ctx, query, createdBefore, now, limit)
}

// TryClaimProbe moves a probe from Pending to InFlight.
func (r *StatusEventRepo) TryClaimProbe(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE status_events
		SET probe_status = 'InFlight', updated_at = $2
		WHERE id = $1 AND probe_status = 'Pending'
	`
	tag, err := r.pool.Exec(ctx, query, id, clock.Now())
	if err != nil {
		return false, fmt.Errorf("failed to claim probe: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ResolveProbe closes the probe and, if the event is still Pending, marks it
// Success with the fetched payload and events.ProbeResolvedMessage. It
// reports whether the event outcome changed.
func (r *StatusEventRepo) ResolveProbe(ctx context.Context, id uuid.UUID, attempts int, data json.RawMessage) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin probe resolution: %w", err)
	}
	defer tx.Rollback(ctx)

	now := clock.Now()

	tag, err := tx.Exec(ctx, `
		UPDATE status_events
		SET status = 'Success', message = $4, data = COALESCE($2, data), updated_at = $3
		WHERE id = $1 AND status = 'Pending'
	`, id, nullJSON(data), now, events.ProbeResolvedMessage)
	if err != nil {
		return false, fmt.Errorf("failed to resolve probed event: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE status_events
		SET probe_status = 'Resolved', probe_attempts = $2, probe_last_error = NULL, updated_at = $3
		WHERE id = $1
	`, id, attempts, now); err != nil {
		return false, fmt.Errorf("failed to close probe: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit probe resolution: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkProbeNotFound ends probing for an event upstream does not know about.
func (r *StatusEventRepo) MarkProbeNotFound(ctx context.Context, id uuid.UUID, attempts int) error {
	query := `
		UPDATE status_events
		SET probe_status = 'NotFound', probe_attempts = $2, updated_at = $3
		WHERE id = $1 AND probe_status = 'InFlight'
	`
	if _, err := r.pool.Exec(ctx, query, id, attempts, clock.Now()); err != nil {
		return fmt.Errorf("failed to mark probe not found: %w", err)
	}
	return nil
}

// ScheduleProbeRetry releases a claimed probe for a later attempt, or abandons it.
func (r *StatusEventRepo) ScheduleProbeRetry(ctx context.Context, id uuid.UUID, retry events.ProbeRetry) error {
	status := events.ProbePending
	if retry.GiveUp {
		status = events.ProbeAbandoned
	}

	query := `
		UPDATE status_events
		SET probe_status = $2,
		    probe_attempts = $3,
		    probe_next_attempt_at = $4,
		    probe_last_error = $5,
		    updated_at = $6
		WHERE id = $1 AND probe_status = 'InFlight'
	`
	if _, err := r.pool.Exec(ctx, query, id, string(status), retry.Attempts, retry.NextAttemptAt, retry.LastError, clock.Now()); err != nil {
		return fmt.Errorf("failed to reschedule probe: %w", err)
	}
	return nil
}

func (r *StatusEventRepo) list(ctx context.Context, query string, args ...any) ([]events.StatusEvent, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query status events: %w", err)
	}
	defer rows.Close()

	var out []events.StatusEvent
	for rows.Next() {
		ev, err := scanStatusEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan status event: %w", err)
		}
		out = append(out, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status events: %w", err)
	}
	return out, nil
}

func scanStatusEvent(row pgx.Row) (*events.StatusEvent, error) {
	var ev events.StatusEvent
	var resourceID, shipID, corrID, message, cbErr, cbResp, target, probeErr *string
	var status, cbStatus, probeStatus string
	var data []byte

	err := row.Scan(
		&ev.ID,
		&ev.TransactionID,
		&ev.ResourceType,
		&resourceID,
		&ev.RecordID,
		&ev.ClientID,
		&ev.FacilityID,
		&shipID,
		&corrID,
		&status,
		&message,
		&data,
		&cbStatus,
		&ev.CallbackAttempts,
		&ev.CallbackNextAttemptAt,
		&cbErr,
		&ev.CallbackDeliveredAt,
		&cbResp,
		&target,
		&probeStatus,
		&ev.ProbeAttempts,
		&ev.ProbeNextAttemptAt,
		&probeErr,
		&ev.CreatedAt,
		&ev.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	ev.ResourceID = deref(resourceID)
	ev.ShipID = deref(shipID)
	ev.CorrelationID = deref(corrID)
	ev.Status = events.Outcome(status)
	ev.Message = deref(message)
	ev.Data = data
	ev.CallbackStatus = events.CallbackStatus(cbStatus)
	ev.CallbackLastError = deref(cbErr)
	ev.CallbackResponse = deref(cbResp)
	ev.EMRTargetURL = deref(target)
	ev.ProbeStatus = events.ProbeStatus(probeStatus)
	ev.ProbeLastError = deref(probeErr)

	return &ev, nil
}

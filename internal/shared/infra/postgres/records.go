package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cornjacket/ses-transmitter/internal/shared/domain/clock"
	"github.com/cornjacket/ses-transmitter/internal/shared/domain/records"
)

const recordColumns = `id, resource_type, resource_id, client_id, facility_id, operation, payload,
	status, retry_count, last_attempt_at, error_message, transaction_id,
	api_response_payload, synced_at, emr_callback_url, correlation_id, created_at, updated_at`

// RecordRepo stores SyncRecords in one table per resource type.
// Every state transition is a single conditional UPDATE so concurrent
// engine instances can share the tables.
type RecordRepo struct {
	pool     *pgxpool.Pool
	registry *records.Registry
	logger   *slog.Logger
}

// NewRecordRepo creates a new RecordRepo.
func NewRecordRepo(pool *pgxpool.Pool, registry *records.Registry, logger *slog.Logger) *RecordRepo {
	return &RecordRepo{
		pool:     pool,
		registry: registry,
		logger:   logger.With("repository", "sync_records"),
	}
}

func (r *RecordRepo) table(resourceType string) (string, error) {
	name, err := r.registry.Table(resourceType)
	if err != nil {
		return "", err
	}
	return pgx.Identifier{name}.Sanitize(), nil
}

// Insert stages a new record.
func (r *RecordRepo) Insert(ctx context.Context, rec *records.SyncRecord) error {
	table, err := r.table(rec.ResourceType)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, resource_type, resource_id, client_id, facility_id, operation, payload,
			status, retry_count, emr_callback_url, correlation_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, table)

	_, err = r.pool.Exec(ctx, query,
		rec.ID,
		rec.ResourceType,
		nullIfEmpty(rec.ResourceID),
		rec.ClientID,
		rec.FacilityID,
		string(rec.Operation),
		[]byte(rec.Payload),
		string(rec.Status),
		rec.RetryCount,
		nullIfEmpty(rec.EMRCallbackURL),
		nullIfEmpty(rec.CorrelationID),
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sync record: %w", err)
	}

	r.logger.Debug("sync record inserted",
		"record_id", rec.ID,
		"resource_type", rec.ResourceType,
	)

	return nil
}

// Get returns a single record.
func (r *RecordRepo) Get(ctx context.Context, resourceType string, id uuid.UUID) (*records.SyncRecord, error) {
	table, err := r.table(resourceType)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, recordColumns, table)

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, records.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get sync record: %w", err)
	}
	return rec, nil
}

// FetchPending returns up to limit Pending records, oldest first.
// An empty clientID matches every tenant.
func (r *RecordRepo) FetchPending(ctx context.Context, resourceType, clientID string, limit int) ([]records.SyncRecord, error) {
	table, err := r.table(resourceType)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE status = 'Pending' AND ($1 = '' OR client_id = $1)
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`, recordColumns, table)

	rows, err := r.pool.Query(ctx, query, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending records: %w", err)
	}
	defer rows.Close()

	var out []records.SyncRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync record: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending records: %w", err)
	}

	return out, nil
}

// TryClaim moves a record from Pending to InFlight. It returns false when
// another claimant won the race or the record is no longer Pending.
func (r *RecordRepo) TryClaim(ctx context.Context, resourceType string, id uuid.UUID) (bool, error) {
	table, err := r.table(resourceType)
	if err != nil {
		return false, err
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'InFlight', last_attempt_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'Pending'
	`, table)

	tag, err := r.pool.Exec(ctx, query, id, clock.Now())
	if err != nil {
		return false, fmt.Errorf("failed to claim sync record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkSynced records a successful transmission.
func (r *RecordRepo) MarkSynced(ctx context.Context, resourceType string, id uuid.UUID, res records.SyncResult) error {
	table, err := r.table(resourceType)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'Synced',
		    transaction_id = $2,
		    resource_id = COALESCE($3, resource_id),
		    api_response_payload = $4,
		    synced_at = $5,
		    error_message = NULL,
		    updated_at = $5
		WHERE id = $1 AND status = 'InFlight'
	`, table)

	tag, err := r.pool.Exec(ctx, query, id, nullIfEmpty(res.TransactionID), nullIfEmpty(res.ResourceID), nullJSON(res.Response), clock.Now())
	if err != nil {
		return fmt.Errorf("failed to mark sync record synced: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return records.ErrNotClaimed
	}
	return nil
}

// MarkFailed moves a claimed record to Failed.
func (r *RecordRepo) MarkFailed(ctx context.Context, resourceType string, id uuid.UUID, errMsg string) error {
	table, err := r.table(resourceType)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'Failed', error_message = $2, updated_at = $3
		WHERE id = $1 AND status = 'InFlight'
	`, table)

	tag, err := r.pool.Exec(ctx, query, id, errMsg, clock.Now())
	if err != nil {
		return fmt.Errorf("failed to mark sync record failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return records.ErrNotClaimed
	}
	return nil
}

// MarkRetry counts a failed attempt. The record returns to Pending while
// retry_count stays below ceiling and becomes Failed once it reaches it;
// the Failed write also stores transactionID. The resulting status and
// retry count are returned.
func (r *RecordRepo) MarkRetry(ctx context.Context, resourceType string, id uuid.UUID, errMsg, transactionID string, ceiling int) (records.Status, int, error) {
	table, err := r.table(resourceType)
	if err != nil {
		return "", 0, err
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET retry_count = retry_count + 1,
		    status = CASE WHEN retry_count + 1 >= $3 THEN 'Failed' ELSE 'Pending' END,
		    transaction_id = CASE WHEN retry_count + 1 >= $3 THEN COALESCE(NULLIF($5, ''), transaction_id) ELSE transaction_id END,
		    error_message = $2,
		    updated_at = $4
		WHERE id = $1 AND status = 'InFlight'
		RETURNING status, retry_count
	`, table)

	var status string
	var retryCount int
	err = r.pool.QueryRow(ctx, query, id, errMsg, ceiling, clock.Now(), transactionID).Scan(&status, &retryCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", 0, records.ErrNotClaimed
		}
		return "", 0, fmt.Errorf("failed to mark sync record for retry: %w", err)
	}
	return records.Status(status), retryCount, nil
}

// BulkUpdateStatus applies many outcomes in one round trip. Each row keeps
// the InFlight guard, so ids that were not claimed are left untouched.
func (r *RecordRepo) BulkUpdateStatus(ctx context.Context, resourceType string, updates map[uuid.UUID]records.Outcome) error {
	if len(updates) == 0 {
		return nil
	}
	table, err := r.table(resourceType)
	if err != nil {
		return err
	}

	syncedSQL := fmt.Sprintf(`
		UPDATE %s
		SET status = 'Synced', transaction_id = $2, resource_id = COALESCE($3, resource_id),
		    api_response_payload = $4, synced_at = $5, error_message = NULL, updated_at = $5
		WHERE id = $1 AND status = 'InFlight'
	`, table)
	otherSQL := fmt.Sprintf(`
		UPDATE %s
		SET status = $2, error_message = $3, updated_at = $4
		WHERE id = $1 AND status = 'InFlight'
	`, table)

	now := clock.Now()
	batch := &pgx.Batch{}
	for id, o := range updates {
		switch o.Status {
		case records.StatusSynced:
			batch.Queue(syncedSQL, id, nullIfEmpty(o.Result.TransactionID), nullIfEmpty(o.Result.ResourceID), nullJSON(o.Result.Response), now)
		case records.StatusFailed, records.StatusPending:
			batch.Queue(otherSQL, id, string(o.Status), nullIfEmpty(o.ErrorMsg), now)
		default:
			return fmt.Errorf("unsupported bulk status %q for record %s", o.Status, id)
		}
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	var skipped int
	for i := 0; i < batch.Len(); i++ {
		tag, err := br.Exec()
		if err != nil {
			return fmt.Errorf("failed to apply bulk status update: %w", err)
		}
		if tag.RowsAffected() == 0 {
			skipped++
		}
	}

	if skipped > 0 {
		r.logger.Warn("bulk update skipped records that were not in flight",
			"resource_type", resourceType,
			"skipped", skipped,
		)
	}
	return nil
}

// RequeueStale returns records claimed before staleBefore to Pending.
func (r *RecordRepo) RequeueStale(ctx context.Context, resourceType string, staleBefore time.Time) (int64, error) {
	table, err := r.table(resourceType)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'Pending', error_message = 'claim expired', updated_at = $2
		WHERE status = 'InFlight' AND last_attempt_at < $1
	`, table)

	tag, err := r.pool.Exec(ctx, query, staleBefore, clock.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanRecord(row pgx.Row) (*records.SyncRecord, error) {
	var rec records.SyncRecord
	var resourceID, errMsg, txID, callbackURL, corrID *string
	var operation, status string
	var payload, response []byte

	err := row.Scan(
		&rec.ID,
		&rec.ResourceType,
		&resourceID,
		&rec.ClientID,
		&rec.FacilityID,
		&operation,
		&payload,
		&status,
		&rec.RetryCount,
		&rec.LastAttemptAt,
		&errMsg,
		&txID,
		&response,
		&rec.SyncedAt,
		&callbackURL,
		&corrID,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.ResourceID = deref(resourceID)
	rec.Operation = records.Operation(operation)
	rec.Payload = payload
	rec.Status = records.Status(status)
	rec.ErrorMessage = deref(errMsg)
	rec.TransactionID = deref(txID)
	rec.APIResponsePayload = response
	rec.EMRCallbackURL = deref(callbackURL)
	rec.CorrelationID = deref(corrID)

	return &rec, nil
}

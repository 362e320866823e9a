// Package transmission moves staged records upstream under the claim protocol.
package transmission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gofrs/uuid/v5"

	"github.com/cornjacket/ses-transmitter/internal/client/upstream"
	"github.com/cornjacket/ses-transmitter/internal/shared/domain/clock"
	"github.com/cornjacket/ses-transmitter/internal/shared/domain/events"
	"github.com/cornjacket/ses-transmitter/internal/shared/domain/records"
)

// ProcessorConfig holds configuration for the processor.
type ProcessorConfig struct {
	BatchSize   int
	MaxRetries  int
	BulkUpdates bool
}

// Batch selects the records one Process call works through.
type Batch struct {
	ClientID     string
	ResourceType string
}

// Summary counts what happened to the fetched records.
type Summary struct {
	Total   int
	Synced  int
	Failed  int
	Retried int
	Skipped int
}

// Add accumulates another summary.
func (s *Summary) Add(o Summary) {
	s.Total += o.Total
	s.Synced += o.Synced
	s.Failed += o.Failed
	s.Retried += o.Retried
	s.Skipped += o.Skipped
}

// Processor transmits Pending records and records the outcome of every attempt.
type Processor struct {
	store     RecordStore
	events    StatusEventWriter
	publisher EventPublisher
	sender    Sender
	config    ProcessorConfig
	logger    *slog.Logger
}

// NewProcessor creates a new processor. publisher may be nil.
func NewProcessor(
	store RecordStore,
	eventWriter StatusEventWriter,
	publisher EventPublisher,
	sender Sender,
	config ProcessorConfig,
	logger *slog.Logger,
) *Processor {
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	return &Processor{
		store:     store,
		events:    eventWriter,
		publisher: publisher,
		sender:    sender,
		config:    config,
		logger:    logger.With("component", "transmission"),
	}
}

// pendingEmit is a status event held back until a bulk flush succeeds.
type pendingEmit struct {
	rec     records.SyncRecord
	outcome events.Outcome
	resp    events.Response
}

// Process works through one batch of Pending records. Cancelling ctx stops
// new claims; an attempt that has been claimed always runs to completion
// and its outcome is recorded. Only configuration errors are returned.
func (p *Processor) Process(ctx context.Context, b Batch) (Summary, error) {
	var sum Summary
	logger := p.logger.With("client_id", b.ClientID, "resource_type", b.ResourceType)

	recs, err := p.store.FetchPending(ctx, b.ResourceType, b.ClientID, p.config.BatchSize)
	if err != nil {
		if errors.Is(err, records.ErrUnknownResourceType) {
			return sum, err
		}
		if ctx.Err() != nil {
			return sum, nil
		}
		logger.Error("failed to fetch pending records", "error", err)
		return sum, nil
	}
	if len(recs) == 0 {
		return sum, nil
	}
	sum.Total = len(recs)
	logger.Debug("fetched pending records", "count", len(recs))

	// Writes after a claim must land even when ctx is cancelled mid-attempt.
	bg := context.WithoutCancel(ctx)

	var bulk map[uuid.UUID]records.Outcome
	var deferred []pendingEmit
	if p.config.BulkUpdates {
		bulk = make(map[uuid.UUID]records.Outcome)
	}

	var cfgErr error
	for i := range recs {
		if ctx.Err() != nil {
			sum.Skipped += len(recs) - i
			break
		}
		rec := recs[i]

		claimed, err := p.store.TryClaim(bg, rec.ResourceType, rec.ID)
		if err != nil {
			logger.Error("failed to claim record", "record_id", rec.ID, "error", err)
			sum.Skipped++
			continue
		}
		if !claimed {
			logger.Debug("record claimed elsewhere", "record_id", rec.ID)
			sum.Skipped++
			continue
		}

		res, sendErr := p.sender.Send(bg, requestFor(&rec))
		if sendErr != nil && errors.Is(sendErr, upstream.ErrRouteNotConfigured) {
			p.release(bg, logger, &rec, sendErr)
			sum.Skipped += len(recs) - i
			cfgErr = fmt.Errorf("failed to route %s: %w", rec.ResourceType, sendErr)
			break
		}

		if sendErr == nil && res.Succeeded() {
			outcome := events.OutcomeSuccess
			if res.Accepted() {
				outcome = events.OutcomePending
			}
			resp := responseFrom(res)
			resp.TransactionID = transactionIDFor(&rec, resp)
			result := records.SyncResult{
				TransactionID: resp.TransactionID,
				ResourceID:    res.ResourceID(),
				Response:      res.Raw(),
			}

			if bulk != nil {
				bulk[rec.ID] = records.Outcome{Status: records.StatusSynced, Result: result}
				deferred = append(deferred, pendingEmit{rec: rec, outcome: outcome, resp: resp})
				sum.Synced++
				continue
			}

			if err := p.store.MarkSynced(bg, rec.ResourceType, rec.ID, result); err != nil {
				logger.Error("failed to mark record synced", "record_id", rec.ID, "error", err)
				sum.Skipped++
				continue
			}
			sum.Synced++
			logger.Info("record synced", "record_id", rec.ID, "transaction_id", result.TransactionID, "code", res.Code)
			p.emit(bg, logger, &rec, outcome, resp)
			continue
		}

		errMsg, resp := failureFrom(res, sendErr)
		resp.TransactionID = transactionIDFor(&rec, resp)
		status, retries, err := p.store.MarkRetry(bg, rec.ResourceType, rec.ID, errMsg, resp.TransactionID, p.config.MaxRetries)
		if err != nil {
			logger.Error("failed to record attempt", "record_id", rec.ID, "error", err)
			sum.Skipped++
			continue
		}

		if status == records.StatusFailed {
			sum.Failed++
			logger.Warn("record failed",
				"record_id", rec.ID,
				"retry_count", retries,
				"error", errMsg,
			)
			p.emit(bg, logger, &rec, events.OutcomeFailed, resp)
			continue
		}

		sum.Retried++
		logger.Info("record scheduled for retry",
			"record_id", rec.ID,
			"retry_count", retries,
			"error", errMsg,
		)
	}

	if len(bulk) > 0 {
		if err := p.store.BulkUpdateStatus(bg, b.ResourceType, bulk); err != nil {
			logger.Error("failed to flush bulk status update", "count", len(bulk), "error", err)
			sum.Synced -= len(bulk)
			sum.Skipped += len(bulk)
		} else {
			for i := range deferred {
				p.emit(bg, logger, &deferred[i].rec, deferred[i].outcome, deferred[i].resp)
			}
		}
	}

	logger.Info("batch processed",
		"total", sum.Total,
		"synced", sum.Synced,
		"failed", sum.Failed,
		"retried", sum.Retried,
		"skipped", sum.Skipped,
	)
	return sum, cfgErr
}

// release returns a claimed record to Pending without counting an attempt.
func (p *Processor) release(ctx context.Context, logger *slog.Logger, rec *records.SyncRecord, cause error) {
	err := p.store.BulkUpdateStatus(ctx, rec.ResourceType, map[uuid.UUID]records.Outcome{
		rec.ID: {Status: records.StatusPending, ErrorMsg: cause.Error()},
	})
	if err != nil {
		logger.Error("failed to release record", "record_id", rec.ID, "error", err)
	}
}

// emit stores a status event and forwards it to the event sink.
func (p *Processor) emit(ctx context.Context, logger *slog.Logger, rec *records.SyncRecord, outcome events.Outcome, resp events.Response) {
	ev, err := events.NewStatusEvent(rec, outcome, resp, clock.Now())
	if err != nil {
		logger.Error("failed to build status event", "record_id", rec.ID, "error", err)
		return
	}

	if err := p.events.Insert(ctx, ev); err != nil {
		if !errors.Is(err, events.ErrDuplicate) {
			logger.Error("failed to store status event", "record_id", rec.ID, "error", err)
			return
		}
		logger.Debug("status event already emitted", "transaction_id", ev.TransactionID)
		return
	}

	if p.publisher == nil {
		return
	}
	if err := p.publisher.PublishStatusEvent(ctx, ev); err != nil {
		logger.Warn("failed to publish status event", "transaction_id", ev.TransactionID, "error", err)
	}
}

// transactionIDFor is the id shared by the record and its status event:
// upstream's transaction id, else the record id.
func transactionIDFor(rec *records.SyncRecord, resp events.Response) string {
	if resp.TransactionID != "" {
		return resp.TransactionID
	}
	return rec.ID.String()
}

func requestFor(rec *records.SyncRecord) upstream.Request {
	method := upstream.MethodFor(rec.Operation)
	req := upstream.Request{
		Method:        method,
		ResourceType:  rec.ResourceType,
		Payload:       rec.Payload,
		FacilityID:    rec.FacilityID,
		TransactionID: rec.ID.String(),
	}
	if method != upstream.MethodPost {
		req.ResourceID = rec.ResourceID
	}
	return req
}

func responseFrom(res *upstream.Result) events.Response {
	return events.Response{
		TransactionID: res.TransactionID,
		ShipID:        res.ShipID,
		ResourceID:    res.ResourceID(),
		Message:       res.Message,
		Data:          res.Data,
	}
}

func failureFrom(res *upstream.Result, sendErr error) (string, events.Response) {
	if sendErr != nil {
		return sendErr.Error(), events.Response{Message: sendErr.Error()}
	}
	msg := fmt.Sprintf("upstream returned %d: %s", res.Code, res.Message)
	resp := responseFrom(res)
	if resp.Message == "" {
		resp.Message = msg
	}
	return msg, resp
}

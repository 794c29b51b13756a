// Package records persists externally sourced items idempotently and decodes
// third-party actor payloads into typed records.
package records

import (
	"context"

	"go.uber.org/zap"

	"github.com/sitekraft/presence/internal/ingest"
)

// Ingester writes batches of external records, skipping items whose dedup key
// is already stored. A single item's failure never aborts the batch.
type Ingester struct {
	store  ingest.RecordStore
	clock  ingest.Clock
	logger *zap.Logger
}

// NewIngester constructs an Ingester.
func NewIngester(store ingest.RecordStore, clock ingest.Clock, logger *zap.Logger) *Ingester {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingester{store: store, clock: clock, logger: logger}
}

// Ingest persists each item independently. Items without an external ID are
// reported as failures; duplicates count as skips. The returned summary
// reflects partial success, which is expected and not an error.
func (i *Ingester) Ingest(
	ctx context.Context,
	tenantID string,
	items []ingest.Record,
) (ingest.IngestSummary, error) {
	summary := ingest.IngestSummary{}
	now := i.clock.Now()

	for _, item := range items {
		if ctx.Err() != nil {
			return summary, ingest.WrapError(ingest.KindInternal, ctx.Err(), "ingest batch canceled")
		}
		externalID := item.ExternalID()
		if externalID == "" {
			summary.Failures = append(summary.Failures, ingest.ItemError{
				Message: "missing external id",
			})
			continue
		}
		inserted, err := i.store.InsertRecord(ctx, tenantID, item, now)
		if err != nil {
			i.logger.Warn("record insert failed",
				zap.String("tenant_id", tenantID),
				zap.String("source", string(item.Source)),
				zap.String("external_id", externalID),
				zap.Error(err),
			)
			summary.Failures = append(summary.Failures, ingest.ItemError{
				ExternalID: externalID,
				Message:    err.Error(),
			})
			continue
		}
		if inserted {
			summary.Saved++
		} else {
			summary.Skipped++
		}
	}
	return summary, nil
}

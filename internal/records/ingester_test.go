package records

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sitekraft/presence/internal/ingest"
	"github.com/sitekraft/presence/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func reviewRecord(id string) ingest.Record {
	return ingest.Record{
		Source: ingest.SourceGoogleReviews,
		Review: &ingest.Review{ExternalID: id, Author: "A", Rating: 5},
	}
}

func TestIngestIsIdempotent(t *testing.T) {
	t.Parallel()

	store := memory.NewRecordStore()
	ing := NewIngester(store, fixedClock{now: time.Unix(1700000000, 0).UTC()}, nil)

	batch := []ingest.Record{reviewRecord("r1"), reviewRecord("r2"), reviewRecord("r3")}

	first, err := ing.Ingest(context.Background(), "tenant-1", batch)
	require.NoError(t, err)
	require.Equal(t, 3, first.Saved)
	require.Zero(t, first.Skipped)
	require.Empty(t, first.Failures)

	// Re-running the same batch writes nothing new.
	second, err := ing.Ingest(context.Background(), "tenant-1", batch)
	require.NoError(t, err)
	require.Zero(t, second.Saved)
	require.Equal(t, 3, second.Skipped)
	require.Equal(t, 3, store.Count())
}

func TestIngestPartialBatchFailure(t *testing.T) {
	t.Parallel()

	store := memory.NewRecordStore()
	store.FailExternalIDs = map[string]bool{"r2": true}
	ing := NewIngester(store, fixedClock{now: time.Unix(1700000000, 0).UTC()}, nil)

	summary, err := ing.Ingest(context.Background(), "tenant-1", []ingest.Record{
		reviewRecord("r1"), reviewRecord("r2"), reviewRecord("r3"),
	})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Saved)
	require.Zero(t, summary.Skipped)
	require.Len(t, summary.Failures, 1)
	require.Equal(t, "r2", summary.Failures[0].ExternalID)
	require.Equal(t, 2, store.Count())
}

func TestIngestRejectsMissingExternalID(t *testing.T) {
	t.Parallel()

	store := memory.NewRecordStore()
	ing := NewIngester(store, fixedClock{now: time.Now().UTC()}, nil)

	summary, err := ing.Ingest(context.Background(), "tenant-1", []ingest.Record{
		{Source: ingest.SourceGoogleReviews, Review: &ingest.Review{Author: "no id"}},
		reviewRecord("r1"),
	})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Saved)
	require.Len(t, summary.Failures, 1)
	require.Empty(t, summary.Failures[0].ExternalID)
}

func TestIngestTenantsAreIsolated(t *testing.T) {
	t.Parallel()

	store := memory.NewRecordStore()
	ing := NewIngester(store, fixedClock{now: time.Now().UTC()}, nil)

	_, err := ing.Ingest(context.Background(), "tenant-1", []ingest.Record{reviewRecord("r1")})
	require.NoError(t, err)

	// Same external ID under a different tenant is a fresh insert.
	summary, err := ing.Ingest(context.Background(), "tenant-2", []ingest.Record{reviewRecord("r1")})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Saved)
	require.Equal(t, 2, store.Count())
}

package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/sitekraft/presence/internal/ingest"
	"github.com/sitekraft/presence/internal/progress"
)

func TestPrometheusSinkTracksLifecycle(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	start := time.Unix(1700000000, 0).UTC()
	ctx := context.Background()

	require.NoError(t, sink.Consume(ctx, progress.Event{
		TaskID: "t1", TS: start, Stage: progress.StageRendering, Progress: 5,
		Status: ingest.StatusRunning,
	}))
	// A second running event for the same task must not double-count.
	require.NoError(t, sink.Consume(ctx, progress.Event{
		TaskID: "t1", TS: start.Add(time.Second), Stage: progress.StagePersisting, Progress: 85,
		Status: ingest.StatusRunning,
	}))
	require.InDelta(t, 1, testutil.ToFloat64(sink.tasksRunning), 0.001)

	require.NoError(t, sink.Consume(ctx, progress.Event{
		TaskID: "t1", TS: start.Add(3 * time.Second), Stage: progress.StageDone, Progress: 100,
		Status: ingest.StatusSucceeded,
	}))
	require.InDelta(t, 0, testutil.ToFloat64(sink.tasksRunning), 0.001)
	require.InDelta(t, 1, testutil.ToFloat64(sink.tasksCompleted.WithLabelValues("success")), 0.001)

	require.NoError(t, sink.Consume(ctx, progress.Event{
		TaskID: "t2", TS: start, Stage: progress.StageDone, Progress: 100,
		Status: ingest.StatusFailed,
	}))
	require.InDelta(t, 1, testutil.ToFloat64(sink.tasksCompleted.WithLabelValues("error")), 0.001)
}

package tracking

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/datalens/opwatch/internal/domain/tracking"
	"github.com/datalens/opwatch/pkg/common/logger"
)

var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *logger.Logger {
	return logger.New(io.Discard, logger.LevelDebug, "test", nil)
}

func newTestReconciler(t *testing.T) *Reconciler {
	t.Helper()
	tracer := noop.NewTracerProvider().Tracer("test")
	return NewReconciler("job-1", testStart, testLogger(), tracer, NoopMetrics())
}

func testSnap(source tracking.SourceChannel, phase tracking.Phase, progress float64, seq uint64, opts ...tracking.SnapshotOption) tracking.Snapshot {
	return tracking.NewSnapshot("job-1", source, phase, progress, seq, testStart.Add(time.Duration(seq)*time.Second), opts...)
}

func TestReconciler_Fold(t *testing.T) {
	t.Parallel()

	r := newTestReconciler(t)
	ctx := context.Background()

	state, changed, err := r.Fold(ctx, testSnap(tracking.SourcePoll, tracking.PhaseRunning, 0.3, 1))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, tracking.PhaseRunning, state.Phase())
	assert.Equal(t, 0.3, state.Progress())
}

func TestReconciler_Fold_RejectsStaleSequence(t *testing.T) {
	t.Parallel()

	r := newTestReconciler(t)
	ctx := context.Background()

	_, _, err := r.Fold(ctx, testSnap(tracking.SourcePoll, tracking.PhaseRunning, 0.5, 2))
	require.NoError(t, err)

	// Same sequence again: a duplicate delivery.
	_, changed, err := r.Fold(ctx, testSnap(tracking.SourcePoll, tracking.PhaseRunning, 0.5, 2))
	assert.False(t, changed)
	var oooErr *tracking.OutOfOrderSnapshotError
	require.ErrorAs(t, err, &oooErr)

	// Lower sequence: a reordered delivery.
	_, changed, err = r.Fold(ctx, testSnap(tracking.SourcePoll, tracking.PhaseRunning, 0.9, 1))
	assert.False(t, changed)
	require.ErrorAs(t, err, &oooErr)

	assert.Equal(t, 0.5, r.State().Progress())
}

func TestReconciler_Fold_SequencesAreChannelScoped(t *testing.T) {
	t.Parallel()

	r := newTestReconciler(t)
	ctx := context.Background()

	_, _, err := r.Fold(ctx, testSnap(tracking.SourcePush, tracking.PhaseRunning, 0.5, 10))
	require.NoError(t, err)

	// The poll channel's own sequence starts fresh; a low number is fine.
	_, _, err = r.Fold(ctx, testSnap(tracking.SourcePoll, tracking.PhaseRunning, 0.6, 1))
	require.NoError(t, err)
	assert.Equal(t, 0.6, r.State().Progress())
}

func TestReconciler_Fold_TerminalDiscardIsNotAnError(t *testing.T) {
	t.Parallel()

	r := newTestReconciler(t)
	ctx := context.Background()

	_, _, err := r.Fold(ctx, testSnap(tracking.SourcePush, tracking.PhaseCompleted, 1.0, 1))
	require.NoError(t, err)
	require.True(t, r.State().IsTerminal())

	state, changed, err := r.Fold(ctx, testSnap(tracking.SourcePoll, tracking.PhaseRunning, 0.8, 1))
	assert.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, tracking.PhaseCompleted, state.Phase())
}

func TestReconciler_Cancel(t *testing.T) {
	t.Parallel()

	r := newTestReconciler(t)
	ctx := context.Background()

	_, _, err := r.Fold(ctx, testSnap(tracking.SourcePoll, tracking.PhaseRunning, 0.4, 1))
	require.NoError(t, err)

	state, ok := r.Cancel(ctx, "shutting down", testStart.Add(time.Minute))
	require.True(t, ok)
	assert.Equal(t, tracking.PhaseFailed, state.Phase())
	assert.True(t, state.Failure().IsCancellation())
	assert.Equal(t, 0.4, state.Progress())

	_, ok = r.Cancel(ctx, "again", testStart.Add(2*time.Minute))
	assert.False(t, ok)
}

package callwatch

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/219WD/videoporteroqr-core/internal/model"
	apperrors "github.com/219WD/videoporteroqr-core/pkg/errors"
	"github.com/219WD/videoporteroqr-core/pkg/logger"
)

var testLogger = logger.NewLogger(&logger.Config{Level: logger.FatalLevel, Output: io.Discard})

// scriptedFetcher replays a fixed sequence of results, repeating the last one.
type scriptedFetcher struct {
	mu      sync.Mutex
	results []fetchResult
	calls   int
}

type fetchResult struct {
	status model.FlowStatus
	err    error
}

func (f *scriptedFetcher) FetchStatus(_ context.Context, _ uuid.UUID) (model.FlowStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	f.calls++
	r := f.results[i]
	return r.status, r.err
}

func awaitOutcome(t *testing.T, wt *Watch) Outcome {
	t.Helper()
	select {
	case out, ok := <-wt.Outcome():
		require.True(t, ok, "outcome channel closed without a resolution")
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not resolve")
		return Outcome{}
	}
}

func TestWatchResolvesFromPoll(t *testing.T) {
	fetcher := &scriptedFetcher{results: []fetchResult{
		{status: model.FlowStatusPending},
		{status: model.FlowStatusPending},
		{status: model.FlowStatusAnswered},
	}}
	w := NewWatcher(fetcher, Config{Interval: 10 * time.Millisecond, Deadline: time.Second}, testLogger)

	wt := w.Watch(context.Background(), uuid.New())
	out := awaitOutcome(t, wt)

	assert.Equal(t, model.FlowStatusAnswered, out.Status)
	assert.Equal(t, SourcePoll, out.Source)
}

func TestObservedRealtimeReportWins(t *testing.T) {
	fetcher := &scriptedFetcher{results: []fetchResult{{status: model.FlowStatusPending}}}
	w := NewWatcher(fetcher, Config{Interval: 50 * time.Millisecond, Deadline: time.Second}, testLogger)

	wt := w.Watch(context.Background(), uuid.New())
	wt.Observe(model.FlowStatusRejected)

	out := awaitOutcome(t, wt)
	assert.Equal(t, model.FlowStatusRejected, out.Status)
	assert.Equal(t, SourceRealtime, out.Source)
}

func TestNonTerminalObservationsIgnored(t *testing.T) {
	fetcher := &scriptedFetcher{results: []fetchResult{
		{status: model.FlowStatusPending},
		{status: model.FlowStatusAnswered},
	}}
	w := NewWatcher(fetcher, Config{Interval: 10 * time.Millisecond, Deadline: time.Second}, testLogger)

	wt := w.Watch(context.Background(), uuid.New())
	wt.Observe(model.FlowStatusPending)

	out := awaitOutcome(t, wt)
	assert.Equal(t, model.FlowStatusAnswered, out.Status)
	assert.Equal(t, SourcePoll, out.Source)
}

func TestNotFoundResolvesAsTimeout(t *testing.T) {
	fetcher := &scriptedFetcher{results: []fetchResult{
		{err: apperrors.NewNotFound("flow", nil)},
	}}
	w := NewWatcher(fetcher, Config{Interval: 10 * time.Millisecond, Deadline: time.Second}, testLogger)

	wt := w.Watch(context.Background(), uuid.New())
	out := awaitOutcome(t, wt)

	assert.Equal(t, model.FlowStatusTimeout, out.Status)
	assert.Equal(t, SourcePoll, out.Source)
}

func TestDeadlineSynthesizesLocalTimeout(t *testing.T) {
	fetcher := &scriptedFetcher{results: []fetchResult{{status: model.FlowStatusPending}}}
	w := NewWatcher(fetcher, Config{Interval: 10 * time.Millisecond, Deadline: 50 * time.Millisecond}, testLogger)

	wt := w.Watch(context.Background(), uuid.New())
	out := awaitOutcome(t, wt)

	assert.Equal(t, model.FlowStatusTimeout, out.Status)
	assert.Equal(t, SourceDeadline, out.Source)
}

func TestTransientFetchErrorsKeepPolling(t *testing.T) {
	fetcher := &scriptedFetcher{results: []fetchResult{
		{err: errors.New("connection refused")},
		{err: errors.New("connection refused")},
		{status: model.FlowStatusAnswered},
	}}
	w := NewWatcher(fetcher, Config{Interval: 10 * time.Millisecond, Deadline: time.Second}, testLogger)

	wt := w.Watch(context.Background(), uuid.New())
	out := awaitOutcome(t, wt)

	assert.Equal(t, model.FlowStatusAnswered, out.Status)
}

// stalledFetcher hangs until its context expires, like a poll against an
// unresponsive server.
type stalledFetcher struct{}

func (stalledFetcher) FetchStatus(ctx context.Context, _ uuid.UUID) (model.FlowStatus, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(5 * time.Second):
		return model.FlowStatusPending, nil
	}
}

func TestStalledPollDoesNotDelayDeadline(t *testing.T) {
	w := NewWatcher(stalledFetcher{}, Config{Interval: 20 * time.Millisecond, Deadline: 80 * time.Millisecond}, testLogger)

	start := time.Now()
	wt := w.Watch(context.Background(), uuid.New())
	out := awaitOutcome(t, wt)

	assert.Equal(t, model.FlowStatusTimeout, out.Status)
	assert.Equal(t, SourceDeadline, out.Source)
	assert.Less(t, time.Since(start), time.Second, "deadline must fire on time despite stalled polls")
}

func TestStopEndsWatchWithoutOutcome(t *testing.T) {
	fetcher := &scriptedFetcher{results: []fetchResult{{status: model.FlowStatusPending}}}
	w := NewWatcher(fetcher, Config{Interval: 10 * time.Millisecond, Deadline: time.Second}, testLogger)

	wt := w.Watch(context.Background(), uuid.New())
	wt.Stop()

	select {
	case _, ok := <-wt.Outcome():
		assert.False(t, ok, "a stopped watch must not emit an outcome")
	case <-time.After(time.Second):
		t.Fatal("outcome channel did not close")
	}
}

func TestOutcomeChannelClosesAfterResolution(t *testing.T) {
	fetcher := &scriptedFetcher{results: []fetchResult{{status: model.FlowStatusAnswered}}}
	w := NewWatcher(fetcher, Config{Interval: 10 * time.Millisecond, Deadline: time.Second}, testLogger)

	wt := w.Watch(context.Background(), uuid.New())
	awaitOutcome(t, wt)

	_, ok := <-wt.Outcome()
	assert.False(t, ok)
}

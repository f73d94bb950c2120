// Package callwatch resolves the outcome of a pending flow from the caller's
// side. Realtime pushes are fast but lossy, so the watcher polls the flow
// status on an interval and holds a hard deadline; whichever source reports a
// terminal status first wins, and every later report is ignored. A missing
// flow and an expired deadline both resolve to timeout — the caller cannot
// tell them apart and should not try.
//
// The status stream is deliberately collapsed to its single terminal
// observation: a pending snapshot carries nothing the caller can act on, so a
// watch emits exactly one Outcome instead of re-emitting every poll result.
package callwatch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/219WD/videoporteroqr-core/internal/model"
	apperrors "github.com/219WD/videoporteroqr-core/pkg/errors"
	"github.com/219WD/videoporteroqr-core/pkg/logger"
)

// Source names where a terminal status was learned from.
type Source string

const (
	SourcePoll     Source = "poll"
	SourceRealtime Source = "realtime"
	SourceDeadline Source = "deadline"
)

// Outcome is the single resolution of a watch.
type Outcome struct {
	FlowID uuid.UUID
	Status model.FlowStatus
	Source Source
	At     time.Time
}

// StatusFetcher reads the current status of a flow. A NotFound error means
// the flow was archived or never existed; the watcher resolves it as timeout.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, flowID uuid.UUID) (model.FlowStatus, error)
}

type Config struct {
	// Interval between status polls.
	Interval time.Duration
	// Deadline after which the watch resolves timeout locally, regardless of
	// what the server may still commit.
	Deadline time.Duration
}

// Watcher starts watches. One watcher serves many flows; each watch runs its
// own goroutine and owns its own timers.
type Watcher struct {
	fetcher StatusFetcher
	cfg     Config
	logger  *logger.Logger
}

func NewWatcher(fetcher StatusFetcher, cfg Config, log *logger.Logger) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 35 * time.Second
	}
	return &Watcher{
		fetcher: fetcher,
		cfg:     cfg,
		logger:  log.With("component", "callwatch"),
	}
}

// Watch is one in-flight resolution. Observe feeds it realtime reports;
// Outcome delivers exactly one result and is then closed.
type Watch struct {
	flowID   uuid.UUID
	observed chan model.FlowStatus
	outcome  chan Outcome
	cancel   context.CancelFunc
}

// Watch begins resolving flowID. The watch ends on the first terminal status
// from any source, on deadline, or when ctx is cancelled (then no outcome is
// emitted).
func (w *Watcher) Watch(ctx context.Context, flowID uuid.UUID) *Watch {
	ctx, cancel := context.WithCancel(ctx)
	watch := &Watch{
		flowID:   flowID,
		observed: make(chan model.FlowStatus, 8),
		outcome:  make(chan Outcome, 1),
		cancel:   cancel,
	}
	go w.run(ctx, watch)
	return watch
}

// Observe injects a status learned over the realtime channel. Non-terminal
// and post-resolution reports are discarded.
func (wt *Watch) Observe(status model.FlowStatus) {
	select {
	case wt.observed <- status:
	default:
	}
}

// Outcome yields the resolution. The channel closes after the single send,
// or without one if the watch was cancelled.
func (wt *Watch) Outcome() <-chan Outcome {
	return wt.outcome
}

// Stop cancels the watch. Safe to call after resolution.
func (wt *Watch) Stop() {
	wt.cancel()
}

// run is the only goroutine touching watch state, so first-wins needs no
// locking: the first terminal status to reach a select arm resolves.
func (w *Watcher) run(ctx context.Context, wt *Watch) {
	defer close(wt.outcome)
	defer wt.cancel()

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	deadline := time.NewTimer(w.cfg.Deadline)
	defer deadline.Stop()

	// The fetch runs inline with the select loop, so it is bounded below the
	// interval: a stalled poll must not hold the deadline arm past its due
	// time.
	fetchTimeout := w.cfg.Interval * 4 / 5

	resolve := func(status model.FlowStatus, source Source) {
		wt.outcome <- Outcome{
			FlowID: wt.flowID,
			Status: status,
			Source: source,
			At:     time.Now(),
		}
		w.logger.Info("flow resolved",
			"flow_id", wt.flowID.String(), "status", string(status), "source", string(source))
	}

	for {
		select {
		case <-ctx.Done():
			return

		case status := <-wt.observed:
			if status.Terminal() {
				resolve(status, SourceRealtime)
				return
			}

		case <-ticker.C:
			fetchCtx, cancelFetch := context.WithTimeout(ctx, fetchTimeout)
			status, err := w.fetcher.FetchStatus(fetchCtx, wt.flowID)
			cancelFetch()
			if err != nil {
				if apperrors.IsNotFound(err) {
					// Archived or never existed; indistinguishable from a
					// timed-out ring.
					resolve(model.FlowStatusTimeout, SourcePoll)
					return
				}
				if ctx.Err() != nil {
					return
				}
				w.logger.Warn("status poll failed",
					"flow_id", wt.flowID.String(), "error", err.Error())
				continue
			}
			if status.Terminal() {
				resolve(status, SourcePoll)
				return
			}

		case <-deadline.C:
			resolve(model.FlowStatusTimeout, SourceDeadline)
			return
		}
	}
}

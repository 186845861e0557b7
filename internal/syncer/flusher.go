package syncer

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/fleetsync/internal/metrics"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// DefaultMaxRejections is the rejection count after which a record is dead-lettered.
const DefaultMaxRejections = 5

// Refresher re-fetches remote state after queued changes were applied.
type Refresher interface {
	Refresh(ctx context.Context, includeUsers bool) error
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, includeUsers bool) error

func (f RefresherFunc) Refresh(ctx context.Context, includeUsers bool) error {
	return f(ctx, includeUsers)
}

// FlusherConfig wires the queue flusher.
type FlusherConfig struct {
	Log       *ActionLog
	Executor  *Executor
	Refresher Refresher
	// ManagesUsers reports whether the session may read user administration tables.
	ManagesUsers func() bool
	Notifier     Notifier
	Logger       *zap.Logger
	Metrics      *metrics.SyncMetrics
	// MaxRejections dead-letters a record after this many backend rejections; 0 retries forever.
	MaxRejections int
	// MaxRetryInterval caps the backoff used by Run while records stay pending.
	MaxRetryInterval time.Duration
}

// FlushReport summarizes one flush.
type FlushReport struct {
	Skipped      bool
	Flushed      int
	Failed       int
	DeadLettered int
	Pending      int
	Refreshed    bool
	Err          error
}

// Flusher replays the action log. Only one flush runs at a time per flusher;
// a device must own exactly one flusher for its action log.
type Flusher struct {
	log              *ActionLog
	executor         *Executor
	refresher        Refresher
	managesUsers     func() bool
	notifier         Notifier
	logger           *zap.Logger
	metrics          *metrics.SyncMetrics
	maxRejections    int
	maxRetryInterval time.Duration

	flushing    atomic.Bool
	lastPending int
}

// NewFlusher validates the configuration and builds a flusher.
func NewFlusher(cfg FlusherConfig) (*Flusher, error) {
	if cfg.Log == nil {
		return nil, ErrMissingActionLog
	}
	if cfg.Executor == nil {
		return nil, ErrMissingExecutor
	}
	if cfg.MaxRejections < 0 {
		return nil, errors.New("syncer: max rejections must not be negative")
	}
	flusher := &Flusher{
		log:              cfg.Log,
		executor:         cfg.Executor,
		refresher:        cfg.Refresher,
		managesUsers:     cfg.ManagesUsers,
		notifier:         cfg.Notifier,
		logger:           cfg.Logger,
		metrics:          cfg.Metrics,
		maxRejections:    cfg.MaxRejections,
		maxRetryInterval: cfg.MaxRetryInterval,
	}
	if flusher.managesUsers == nil {
		flusher.managesUsers = func() bool { return false }
	}
	if flusher.notifier == nil {
		flusher.notifier = noOpNotifier{}
	}
	if flusher.logger == nil {
		flusher.logger = zap.NewNop()
	}
	return flusher, nil
}

// Flushing reports whether a flush is in progress.
func (f *Flusher) Flushing() bool {
	return f.flushing.Load()
}

// Flush drains the action log through the executor in FIFO order. Records that
// fail are written back ahead of anything queued meanwhile. A flush that starts
// runs to completion even if ctx is cancelled.
func (f *Flusher) Flush(ctx context.Context) FlushReport {
	if !f.flushing.CompareAndSwap(false, true) {
		return FlushReport{Skipped: true}
	}
	defer f.flushing.Store(false)
	ctx = context.WithoutCancel(ctx)

	entries, err := f.log.Drain()
	if err != nil {
		f.logger.Error("failed to drain action log", zap.Error(err))
		return FlushReport{Err: err}
	}

	var report FlushReport
	var failed, dead []LogEntry
	for _, entry := range entries {
		execErr := f.executor.Execute(ctx, entry.Record)
		if execErr == nil {
			report.Flushed++
			continue
		}
		failure := classify(execErr).Failure
		f.metrics.ObserveFlushFailure(failure.String())
		entry.LastError = execErr.Error()
		if failure == FailureRejected {
			entry.Rejections++
		}
		if f.maxRejections > 0 && entry.Rejections >= f.maxRejections {
			f.logger.Error(
				"mutation dead-lettered after repeated rejections",
				zap.String("record_id", entry.Record.ID),
				zap.String("table", entry.Record.Mutation.Table()),
				zap.Int("rejections", entry.Rejections),
				zap.Error(execErr),
			)
			dead = append(dead, entry)
			continue
		}
		failed = append(failed, entry)
	}
	report.Failed = len(failed)

	if err := f.log.Restore(failed); err != nil {
		f.logger.Error("failed to restore unsent mutations", zap.Int("count", len(failed)), zap.Error(err))
		report.Err = err
	}
	if len(dead) > 0 {
		if err := f.log.appendDeadLetters(dead); err != nil {
			f.logger.Error("failed to persist dead letters", zap.Int("count", len(dead)), zap.Error(err))
			report.Err = err
		}
		report.DeadLettered = len(dead)
	}

	pending, err := f.log.Len()
	if err != nil {
		f.logger.Error("failed to count pending mutations", zap.Error(err))
		pending = len(failed)
	}
	report.Pending = pending

	f.metrics.AddFlushed(report.Flushed)
	f.metrics.AddDeadLetters(report.DeadLettered)
	f.metrics.SetPending(report.Pending)

	if report.Flushed > 0 && f.refresher != nil {
		if err := f.refresher.Refresh(ctx, f.managesUsers()); err != nil {
			f.logger.Warn("refresh after flush failed", zap.Error(err))
		} else {
			report.Refreshed = true
		}
	}

	f.announce(report)
	if len(entries) > 0 {
		f.logger.Info(
			"action log flushed",
			zap.Int("flushed", report.Flushed),
			zap.Int("failed", report.Failed),
			zap.Int("dead_lettered", report.DeadLettered),
			zap.Int("pending", report.Pending),
		)
	}
	return report
}

// announce runs under the flushing guard.
func (f *Flusher) announce(report FlushReport) {
	if report.Flushed > 0 {
		f.notifier.Notify(Notice{Kind: NoticeSyncSucceeded, Count: report.Flushed})
	}
	if report.Pending != f.lastPending {
		if report.Pending > 0 {
			f.notifier.Notify(Notice{Kind: NoticeStillPending, Count: report.Pending})
		}
		f.lastPending = report.Pending
	}
}

// Run flushes every interval until ctx is done. While records stay pending and
// nothing gets through, the wait grows exponentially up to MaxRetryInterval.
func (f *Flusher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	maxInterval := f.maxRetryInterval
	if maxInterval < interval {
		maxInterval = interval * 16
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = interval
	policy.MaxInterval = maxInterval
	policy.MaxElapsedTime = 0
	policy.Reset()

	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		report := f.Flush(ctx)
		next := interval
		if report.Pending > 0 && report.Flushed == 0 && !report.Skipped {
			next = policy.NextBackOff()
		} else {
			policy.Reset()
		}
		timer.Reset(next)
	}
}

package store

import (
	"context"
	"time"

	"hongbaobot/internal/logger"
)

// ResetWorker clears stale daily qualifications right after each day boundary.
type ResetWorker struct {
	q          *Qualifier
	retryDelay time.Duration
	// 过零点后稍等，避免时钟漂移导致仍算作前一天
	slack time.Duration
}

func NewResetWorker(q *Qualifier) *ResetWorker {
	return &ResetWorker{
		q:          q,
		retryDelay: time.Minute,
		slack:      2 * time.Second,
	}
}

func (w *ResetWorker) Run(ctx context.Context) {
	if w == nil || w.q == nil {
		logger.L().Warn("qualify reset worker: qualifier not configured")
		return
	}
	// a restart may have skipped a boundary
	w.processOnce(ctx)
	for {
		now := w.q.now()
		wait := w.q.NextReset(now).Sub(now) + w.slack
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if !w.processOnce(ctx) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.retryDelay):
			}
			w.processOnce(ctx)
		}
	}
}

func (w *ResetWorker) processOnce(ctx context.Context) bool {
	n, err := w.q.Reset(ctx)
	if err != nil {
		logger.L().Errorw("qualify reset error", "err", err)
		return false
	}
	logger.L().Infow("qualify reset", "day", w.q.Day(w.q.now()), "rows", n)
	return true
}

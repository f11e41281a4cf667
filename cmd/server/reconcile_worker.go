package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

type sessionReconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

type reconcileTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) reconcileTicker

// startReconcileWorker runs one reconciliation pass immediately, which clears
// records left active by a previous crash, then one per interval. The
// returned stop function is idempotent and waits for the worker to exit.
func startReconcileWorker(ctx context.Context, logger *slog.Logger, sessions sessionReconciler, interval time.Duration) func() {
	return startReconcileWorkerWithTicker(ctx, logger, sessions, interval, func(d time.Duration) reconcileTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startReconcileWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	sessions sessionReconciler,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if sessions == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	reconcile := func() {
		passCtx, passCancel := context.WithTimeout(workerCtx, interval)
		defer passCancel()
		if _, err := sessions.Reconcile(passCtx); err != nil && logger != nil && !errors.Is(err, context.Canceled) {
			logger.Error("failed to reconcile webrtc sessions", "error", err)
		}
	}
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		reconcile()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				reconcile()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

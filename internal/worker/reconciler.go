package worker

import (
	"context"
	"log/slog"
	"time"
)

const reconcileBatch = 100

type Requeuer interface {
	Requeue(ctx context.Context, olderThan time.Time, limit int) (int, error)
}

type RefundSettler interface {
	SettleFailedGenerations(ctx context.Context) (int, error)
}

// Reconciler repairs state that lives only in MySQL after a restart or a
// lost queue push: it re-enqueues unfinished generations and settles
// refunds of failed ones.
type Reconciler struct {
	log        *slog.Logger
	gens       Requeuer
	refunds    RefundSettler
	interval   time.Duration
	staleAfter time.Duration
	now        func() time.Time
}

func NewReconciler(log *slog.Logger, gens Requeuer, refunds RefundSettler, interval, staleAfter time.Duration) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{
		log:        log,
		gens:       gens,
		refunds:    refunds,
		interval:   interval,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Start recovers everything unfinished once, then sweeps stale rows on every tick.
func (r *Reconciler) Start(ctx context.Context) {
	r.log.Info("reconciler started", "interval", r.interval.String())
	r.sweep(ctx, r.now())

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconciler stopped")
			return
		case <-ticker.C:
			r.sweep(ctx, r.now().Add(-r.staleAfter))
		}
	}
}

func (r *Reconciler) sweep(ctx context.Context, olderThan time.Time) {
	requeued, err := r.gens.Requeue(ctx, olderThan, reconcileBatch)
	if err != nil {
		r.log.Error("requeue unfinished generations", "err", err)
	} else if requeued > 0 {
		r.log.Info("requeued unfinished generations", "count", requeued)
	}

	settled, err := r.refunds.SettleFailedGenerations(ctx)
	if err != nil {
		r.log.Error("settle failed generations", "err", err)
	} else if settled > 0 {
		r.log.Info("settled lost refunds", "count", settled)
	}
}

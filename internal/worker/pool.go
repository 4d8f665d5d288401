package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/digkill/MeeMeeBot/internal/queue"
)

const (
	defaultPopTimeout = 5 * time.Second
	popErrorBackoff   = time.Second
)

// Processor runs one generation to completion.
type Processor interface {
	Process(ctx context.Context, generationID string) error
}

type source interface {
	Pop(ctx context.Context, timeout time.Duration) (string, error)
}

type locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

type PoolConfig struct {
	Workers    int
	LockTTL    time.Duration
	PopTimeout time.Duration
}

// Pool pulls generation ids from the Redis queue and processes them with a
// fixed number of goroutines. A per-generation lock keeps duplicate queue
// entries from running twice.
type Pool struct {
	cfg     PoolConfig
	log     *slog.Logger
	queue   source
	proc    Processor
	newLock func(generationID string) locker
}

func NewPool(cfg PoolConfig, log *slog.Logger, q *queue.Queue, client *redis.Client, proc Processor) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = defaultPopTimeout
	}
	return &Pool{
		cfg:   cfg,
		log:   log,
		queue: q,
		proc:  proc,
		newLock: func(id string) locker {
			return queue.NewGenerationLock(client, id, cfg.LockTTL)
		},
	}
}

// LockTTL covers the longest possible poll loop plus a margin for submit and archive.
func LockTTL(pollInterval time.Duration, pollAttempts int) time.Duration {
	return time.Duration(pollAttempts)*pollInterval + 5*time.Minute
}

// Run blocks until ctx is cancelled and every worker has returned.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			p.loop(ctx, worker)
			return nil
		})
	}
	p.log.Info("generation workers started", "workers", p.cfg.Workers)
	err := g.Wait()
	p.log.Info("generation workers stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}
		id, err := p.queue.Pop(ctx, p.cfg.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Error("pop generation", "worker", worker, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(popErrorBackoff):
			}
			continue
		}
		if id == "" {
			continue
		}
		p.handle(ctx, worker, id)
	}
}

func (p *Pool) handle(ctx context.Context, worker int, id string) {
	lock := p.newLock(id)
	ok, err := lock.TryLock(ctx)
	if err != nil {
		p.log.Error("lock generation", "worker", worker, "generation_id", id, "err", err)
		return
	}
	if !ok {
		p.log.Debug("generation already being processed", "worker", worker, "generation_id", id)
		return
	}
	defer func() {
		if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
			p.log.Warn("unlock generation", "generation_id", id, "err", err)
		}
	}()

	if err := p.proc.Process(ctx, id); err != nil {
		if errors.Is(err, context.Canceled) {
			p.log.Info("generation interrupted", "worker", worker, "generation_id", id)
			return
		}
		p.log.Error("process generation", "worker", worker, "generation_id", id, "err", err)
	}
}

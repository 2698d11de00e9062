// Package worker runs job handlers against queue kinds with bounded
// concurrency and retry.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/LuKev/chess-db-sub001/internal/jobs"
	"github.com/LuKev/chess-db-sub001/internal/queue"
)

// Config configures one pool.
type Config struct {
	Kind        jobs.Kind
	Concurrency int
	MaxAttempts int           // total deliveries of one payload, default 5
	BaseBackoff time.Duration // default 1s
	MaxBackoff  time.Duration // default 30s
	Logger      zerolog.Logger
}

// Pool pulls payloads of one kind and hands them to a handler. Each worker
// processes one payload at a time.
type Pool struct {
	cfg     Config
	q       queue.Queue
	handler jobs.Handler
	log     zerolog.Logger

	retries sync.WaitGroup

	processed int64
	failed    int64
	retried   int64
}

func New(q queue.Queue, h jobs.Handler, cfg Config) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Pool{
		cfg:     cfg,
		q:       q,
		handler: h,
		log:     cfg.Logger.With().Str("component", "worker").Str("kind", string(cfg.Kind)).Logger(),
	}
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
}

// Kind returns the queue the pool serves.
func (p *Pool) Kind() jobs.Kind { return p.cfg.Kind }

func (p *Pool) Stats() Stats {
	return Stats{
		Processed: atomic.LoadInt64(&p.processed),
		Failed:    atomic.LoadInt64(&p.failed),
		Retried:   atomic.LoadInt64(&p.retried),
	}
}

// Run blocks until ctx is cancelled or the queue is closed. It returns nil on
// a clean shutdown.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info().Int("concurrency", p.cfg.Concurrency).Msg("pool started")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		workerID := i
		g.Go(func() error {
			return p.runWorker(gctx, workerID)
		})
	}
	err := g.Wait()
	p.retries.Wait()

	st := p.Stats()
	p.log.Info().
		Int64("processed", st.Processed).
		Int64("failed", st.Failed).
		Int64("retried", st.Retried).
		Msg("pool stopped")
	return err
}

func (p *Pool) runWorker(ctx context.Context, workerID int) error {
	log := p.log.With().Int("worker_id", workerID).Logger()
	for {
		payload, err := p.q.Dequeue(ctx, p.cfg.Kind)
		switch {
		case ctx.Err() != nil, errors.Is(err, queue.ErrClosed):
			return nil
		case err != nil:
			log.Warn().Err(err).Msg("dequeue failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		p.dispatch(ctx, payload, log)
	}
}

func (p *Pool) dispatch(ctx context.Context, payload jobs.Payload, log zerolog.Logger) {
	log = log.With().Str("job_id", payload.ID.String()).Int("attempt", payload.Attempt).Logger()
	start := time.Now()

	err := p.invoke(ctx, payload)
	atomic.AddInt64(&p.processed, 1)
	if err == nil {
		log.Debug().Dur("elapsed", time.Since(start)).Msg("job done")
		p.ack(ctx, payload, log)
		return
	}

	atomic.AddInt64(&p.failed, 1)
	if ctx.Err() != nil {
		// Shutting down: leave the payload unacknowledged for redelivery.
		log.Warn().Err(err).Msg("job interrupted")
		return
	}
	next := payload.Attempt + 1
	if jobs.IsPermanent(err) || next >= p.cfg.MaxAttempts {
		log.Error().Err(err).Bool("permanent", jobs.IsPermanent(err)).Msg("job failed, giving up")
		p.ack(ctx, payload, log)
		return
	}

	delay := Backoff(payload.Attempt, p.cfg.BaseBackoff, p.cfg.MaxBackoff)
	log.Warn().Err(err).Dur("retry_in", delay).Msg("job failed, retrying")
	atomic.AddInt64(&p.retried, 1)

	p.retries.Add(1)
	go func() {
		defer p.retries.Done()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		retry := payload
		retry.Attempt = next
		retry.EnqueuedAt = time.Time{}
		if err := p.q.Enqueue(ctx, retry); err != nil {
			log.Error().Err(err).Msg("re-enqueue failed")
			return
		}
		p.ack(ctx, payload, log)
	}()
}

// invoke runs the handler, converting a panic into an error.
func (p *Pool) invoke(ctx context.Context, payload jobs.Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Str("stack", string(debug.Stack())).Msg("handler panic")
			err = fmt.Errorf("panic in %s handler: %v", p.cfg.Kind, r)
		}
	}()
	return p.handler.Process(ctx, payload)
}

func (p *Pool) ack(ctx context.Context, payload jobs.Payload, log zerolog.Logger) {
	if err := p.q.Ack(ctx, payload); err != nil {
		log.Warn().Err(err).Msg("ack failed")
	}
}

// Backoff returns base doubled attempt times, capped at max.
func Backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// RunAll runs pools until ctx is done; the first pool error cancels the rest.
func RunAll(ctx context.Context, pools ...*Pool) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range pools {
		g.Go(func() error { return p.Run(gctx) })
	}
	return g.Wait()
}

package executor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/VictorVVedtion/delta-terminal-sub000/internal/queue"
)

// emptyPollWait is the worker back-off when the queue comes up empty.
const emptyPollWait = time.Second

// WorkerPool runs the executor workers: independent loops that each carry
// one envelope through one Execute call and complete it.
type WorkerPool struct {
	ex    *Executor
	queue *queue.Queue
	count int
	log   zerolog.Logger
}

// NewWorkerPool sizes the pool. count < 1 runs a single worker.
func NewWorkerPool(ex *Executor, q *queue.Queue, count int, log zerolog.Logger) *WorkerPool {
	if count < 1 {
		count = 1
	}
	return &WorkerPool{
		ex:    ex,
		queue: q,
		count: count,
		log:   log.With().Str("component", "executor_workers").Logger(),
	}
}

// Run launches the workers and blocks until ctx is canceled.
func (p *WorkerPool) Run(ctx context.Context) {
	p.log.Info().Int("workers", p.count).Msg("Executor workers started")
	done := make(chan struct{})
	for i := 0; i < p.count; i++ {
		go func(id int) {
			defer func() { done <- struct{}{} }()
			p.worker(ctx, id)
		}(i)
	}
	for i := 0; i < p.count; i++ {
		<-done
	}
	p.log.Info().Msg("Executor workers stopped")
}

func (p *WorkerPool) worker(ctx context.Context, id int) {
	log := p.log.With().Int("worker", id).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		env, intent, err := p.queue.Dequeue(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Dequeue failed")
			p.idle(ctx)
			continue
		}
		if env == nil {
			p.idle(ctx)
			continue
		}

		finalAttempt := env.Attempts+1 >= env.MaxAttempts
		status, execErr := p.ex.Execute(ctx, env.OrderID, intent, finalAttempt)

		outcome := queue.Outcome{Status: status}
		if execErr != nil {
			outcome.Error = execErr.Error()
			log.Warn().Err(execErr).Str("order_id", env.OrderID).Str("status", string(status)).Msg("Execution attempt failed")
		}
		if err := p.queue.Complete(ctx, env, outcome); err != nil {
			log.Error().Err(err).Str("item_id", env.ID).Msg("Queue completion failed")
		}
	}
}

func (p *WorkerPool) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(emptyPollWait):
	}
}

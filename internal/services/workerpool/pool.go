// Package workerpool runs strategy-processing jobs on a bounded set of
// goroutines. Baseline trades can close in bursts; the pool keeps the
// optimize/validate/persist pipeline off the signal hot path without
// spawning a goroutine per event.
package workerpool

import (
	"context"
	"fmt"
	"sync"

	"github.com/edgelab/signalforge/internal/logging"
)

// Job is one unit of pipeline work, usually keyed by the
// (symbol, direction, source) it processes.
type Job struct {
	Key string
	Run func(ctx context.Context) error
}

// Config sizes the pool.
type Config struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

func DefaultConfig() Config {
	return Config{Workers: 4, QueueSize: 64}
}

// Pool executes submitted jobs with bounded concurrency. Jobs run with the
// pool's lifecycle context so a shutdown cancels in-flight pipelines.
type Pool struct {
	queue  chan Job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *logging.Logger

	mu      sync.RWMutex
	running bool
}

func New(cfg Config, logger *logging.Logger) *Pool {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:  make(chan Job, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
	p.start(cfg.Workers)
	return p
}

func (p *Pool) start(workers int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.running = true
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case job, ok := <-p.queue:
			if !ok {
				return
			}
			if err := job.Run(p.ctx); err != nil {
				p.logger.WithError(err).WithField("key", job.Key).Error("pipeline job failed")
			}
		}
	}
}

// Submit queues a job. It blocks while the queue is full and fails once the
// pool is shutting down.
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	running := p.running
	p.mu.RUnlock()
	if !running {
		return fmt.Errorf("worker pool stopped")
	}

	select {
	case p.queue <- job:
		return nil
	case <-p.ctx.Done():
		return fmt.Errorf("worker pool shutting down")
	}
}

// TrySubmit queues a job without blocking, reporting whether it was taken.
func (p *Pool) TrySubmit(job Job) bool {
	p.mu.RLock()
	running := p.running
	p.mu.RUnlock()
	if !running {
		return false
	}
	select {
	case p.queue <- job:
		return true
	default:
		return false
	}
}

// Stop drains queued jobs and waits for workers to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.queue)
	p.wg.Wait()
	p.cancel()
}

// QueueDepth is the number of jobs waiting to run.
func (p *Pool) QueueDepth() int {
	return len(p.queue)
}

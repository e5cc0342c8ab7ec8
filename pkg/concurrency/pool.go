package concurrency

import (
	"fmt"
	"time"

	"signal_router/internal/core"

	"github.com/alitto/pond"
)

// PoolConfig holds configuration for a worker pool
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
}

// WorkerPool runs bounded fan-outs on alitto/pond
type WorkerPool struct {
	pool   *pond.WorkerPool
	name   string
	logger core.ILogger
}

func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 100
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = time.Minute
	}

	log := logger.WithField("component", "worker_pool").WithField("pool", cfg.Name)
	return &WorkerPool{
		pool: pond.New(cfg.MaxWorkers, cfg.MaxCapacity,
			pond.IdleTimeout(cfg.IdleTimeout),
			pond.PanicHandler(func(p interface{}) {
				log.Error("Worker pool panic recovered", "panic", p)
			}),
		),
		name:   cfg.Name,
		logger: log,
	}
}

// RunAll runs every task and waits for all of them. errs[i] is the result of tasks[i];
// a panicking task yields an error in its slot instead of stopping the others.
func (wp *WorkerPool) RunAll(tasks []func() error) []error {
	errs := make([]error, len(tasks))
	group := wp.pool.Group()
	for i, task := range tasks {
		group.Submit(func() {
			defer func() {
				if p := recover(); p != nil {
					wp.logger.Error("Task panicked", "index", i, "panic", p)
					errs[i] = fmt.Errorf("task %d in pool %s panicked: %v", i, wp.name, p)
				}
			}()
			errs[i] = task()
		})
	}
	group.Wait()
	return errs
}

// Stop waits for queued tasks and releases the workers
func (wp *WorkerPool) Stop() {
	wp.pool.StopAndWait()
}

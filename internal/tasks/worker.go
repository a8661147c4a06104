package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/chunkvault/chunkvault/internal/metrics"
	"github.com/chunkvault/chunkvault/pkg/errtypes"
)

// Handler executes one task type. The returned value becomes the result
// payload. A Transient error is retried by the pool; anything else fails
// the task on the first attempt.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// PoolConfig sizes and paces the worker pool.
type PoolConfig struct {
	Workers    int           // concurrent workers, default 1
	MaxTasks   int           // tasks per worker before recycle, default 1000
	MaxRetries uint64        // transient retries per task
	RetryDelay time.Duration // constant backoff between retries
	SoftLimit  time.Duration // warning threshold per task
	HardLimit  time.Duration // deadline per task
}

// DefaultPoolConfig returns the stock pool settings: one worker recycled
// every 1000 tasks, 3 retries at 60 s, soft limit 25 min, hard limit 30 min.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:    1,
		MaxTasks:   1000,
		MaxRetries: 3,
		RetryDelay: 60 * time.Second,
		SoftLimit:  25 * time.Minute,
		HardLimit:  30 * time.Minute,
	}
}

// Pool drains the broker with a fixed set of workers. Each worker pulls one
// task at a time (prefetch 1) and replaces itself after MaxTasks tasks.
type Pool struct {
	broker   *Broker
	cfg      PoolConfig
	handlers map[string]Handler
	met      *metrics.Metrics
	log      *logrus.Logger
	wg       sync.WaitGroup
}

// NewPool builds an empty pool; register handlers before Start.
func NewPool(broker *Broker, cfg PoolConfig, met *metrics.Metrics, log *logrus.Logger) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Pool{
		broker:   broker,
		cfg:      cfg,
		handlers: make(map[string]Handler),
		met:      met,
		log:      log,
	}
}

// Register binds a handler to a task name.
func (p *Pool) Register(name string, h Handler) {
	p.handlers[name] = h
}

// Start launches the workers. They stop when ctx is canceled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.spawn(ctx, i)
	}
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) spawn(ctx context.Context, id int) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.worker(ctx, id)
	}()
}

func (p *Pool) worker(ctx context.Context, id int) {
	served := 0
	for {
		task, err := p.broker.Dequeue(ctx)
		if err != nil {
			return // ctx done
		}
		p.run(ctx, task)
		served++

		if p.cfg.MaxTasks > 0 && served >= p.cfg.MaxTasks {
			p.log.WithFields(logrus.Fields{"worker": id, "tasks": served}).
				Info("recycling worker")
			p.spawn(ctx, id)
			return
		}
	}
}

func (p *Pool) run(ctx context.Context, task *Task) {
	log := p.log.WithFields(logrus.Fields{"task": task.Name, "task_id": task.ID})

	handler, ok := p.handlers[task.Name]
	if !ok {
		log.Error("no handler registered")
		p.complete(task, nil, errtypes.Fatal{Err: fmt.Errorf("unknown task %q", task.Name)})
		return
	}

	hardCtx, cancel := context.WithTimeout(ctx, p.cfg.HardLimit)
	defer cancel()
	soft := time.AfterFunc(p.cfg.SoftLimit, func() {
		log.Warn("task passed soft time limit")
	})
	defer soft.Stop()

	var payload any
	attempt := 0
	op := func() error {
		attempt++
		out, err := handler(hardCtx, task.Args)
		if err == nil {
			payload = out
			return nil
		}
		if errtypes.IsTransient(err) {
			log.WithError(err).WithField("attempt", attempt).Warn("task failed, will retry")
			p.met.TaskRetries.WithLabelValues(task.Name).Inc()
			return err
		}
		return backoff.Permanent(err)
	}
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.cfg.RetryDelay), p.cfg.MaxRetries),
		hardCtx)
	err := backoff.Retry(op, bo)

	if err != nil {
		if errtypes.IsFatal(err) {
			log.WithError(err).Error("task failed fatally")
		} else {
			log.WithError(err).Error("task failed")
		}
	}
	p.complete(task, payload, err)
}

func (p *Pool) complete(task *Task, payload any, err error) {
	res := Result{Name: task.Name, OK: err == nil}
	if err != nil {
		res.Error = err.Error()
	}
	if payload != nil {
		raw, mErr := json.Marshal(payload)
		if mErr != nil {
			p.log.WithError(mErr).WithField("task_id", task.ID).Error("encode result payload")
		} else {
			res.Payload = raw
		}
	}
	if cErr := p.broker.Complete(task.ID, res); cErr != nil {
		p.log.WithError(cErr).WithField("task_id", task.ID).Error("store task result")
	}
}

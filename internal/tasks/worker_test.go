package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chunkvault/chunkvault/internal/metrics"
	"github.com/chunkvault/chunkvault/pkg/errtypes"
	"github.com/chunkvault/chunkvault/pkg/logging"
)

func startTestPool(t *testing.T, b *Broker, register func(*Pool)) {
	t.Helper()
	pool := NewPool(b, PoolConfig{
		Workers:    1,
		MaxTasks:   100,
		MaxRetries: 3,
		RetryDelay: 10 * time.Millisecond,
		SoftLimit:  5 * time.Second,
		HardLimit:  10 * time.Second,
	}, metrics.New(nil), logging.NewLogger(true))
	register(pool)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		pool.Wait()
	})
}

func TestPoolRetriesTransientFailures(t *testing.T) {
	b := openTestBroker(t, t.TempDir())
	t.Cleanup(func() { b.Close() })
	ctx := context.Background()

	var attempts atomic.Int32
	startTestPool(t, b, func(p *Pool) {
		p.Register("flaky", func(context.Context, json.RawMessage) (any, error) {
			if attempts.Add(1) < 3 {
				return nil, errtypes.Transient{Err: errors.New("node hiccup")}
			}
			return map[string]bool{"done": true}, nil
		})
	})

	id, err := b.Enqueue(ctx, "flaky", struct{}{}, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	res, err := b.Await(waitCtx, id)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected success after retries, got %q", res.Error)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestPoolDoesNotRetryFatal(t *testing.T) {
	b := openTestBroker(t, t.TempDir())
	t.Cleanup(func() { b.Close() })
	ctx := context.Background()

	var attempts atomic.Int32
	startTestPool(t, b, func(p *Pool) {
		p.Register("broken", func(context.Context, json.RawMessage) (any, error) {
			attempts.Add(1)
			return nil, errtypes.Fatal{Err: errors.New("bad arguments")}
		})
	})

	id, err := b.Enqueue(ctx, "broken", struct{}{}, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	res, err := b.Await(waitCtx, id)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if res.OK {
		t.Fatal("fatal handler must fail the task")
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("fatal errors must not retry, got %d attempts", got)
	}
}

func TestPoolFailsUnknownTask(t *testing.T) {
	b := openTestBroker(t, t.TempDir())
	t.Cleanup(func() { b.Close() })
	ctx := context.Background()

	startTestPool(t, b, func(*Pool) {})

	id, err := b.Enqueue(ctx, "nobody-home", struct{}{}, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	res, err := b.Await(waitCtx, id)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if res.OK {
		t.Fatal("unregistered task must fail")
	}
}

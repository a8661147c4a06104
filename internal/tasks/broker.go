package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/chunkvault/chunkvault/pkg/errtypes"
)

// Key layout inside badger:
//
//	t|<task id>           task record
//	q|<prio>|<seq>        queue entry, value is the task id
//	l|<task id>           lease, value is the original queue key
//	r|<task id>           result record (kept with a TTL)
//
// Queue keys sort by priority class first and sequence second, which gives
// FIFO within a priority. A dequeued entry moves to a lease; leases found
// on open are requeued, which is what makes delivery at-least-once.
const (
	taskPrefix   = "t|"
	queuePrefix  = "q|"
	leasePrefix  = "l|"
	resultPrefix = "r|"

	resultTTL = 24 * time.Hour
)

// Broker is the durable FIFO task queue.
type Broker struct {
	db  *badger.DB
	seq *badger.Sequence
	log *logrus.Logger

	mu       sync.Mutex
	inflight map[string]bool
	waiters  map[string][]chan Result

	notify chan struct{}
}

// OpenBroker opens (or creates) the queue database at path and requeues any
// leases left behind by a previous process.
func OpenBroker(path string, log *logrus.Logger) (*Broker, error) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open broker database: %w", err)
	}
	seq, err := db.GetSequence([]byte("broker-seq"), 128)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open broker sequence: %w", err)
	}

	b := &Broker{
		db:       db,
		seq:      seq,
		log:      log,
		inflight: make(map[string]bool),
		waiters:  make(map[string][]chan Result),
		notify:   make(chan struct{}, 1),
	}
	if err := b.requeueLeases(); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

// Close releases the sequence and the database.
func (b *Broker) Close() error {
	if err := b.seq.Release(); err != nil {
		b.log.WithError(err).Warn("release broker sequence")
	}
	return b.db.Close()
}

func (b *Broker) requeueLeases() error {
	return b.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(leasePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		requeued := 0
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			queueKey, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("read lease: %w", err)
			}
			taskID := string(item.Key())[len(leasePrefix):]
			if err := txn.Set(queueKey, []byte(taskID)); err != nil {
				return fmt.Errorf("requeue %s: %w", taskID, err)
			}
			if err := txn.Delete(item.KeyCopy(nil)); err != nil {
				return fmt.Errorf("drop lease %s: %w", taskID, err)
			}
			requeued++
		}
		if requeued > 0 {
			b.log.WithField("count", requeued).Info("requeued leased tasks from previous run")
		}
		return nil
	})
}

// Enqueue persists a task and returns its id.
func (b *Broker) Enqueue(ctx context.Context, name string, args any, priority int) (string, error) {
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode args of %s: %w", name, err)
	}
	task := Task{
		ID:         uuid.New().String(),
		Name:       name,
		Args:       rawArgs,
		Priority:   priority,
		EnqueuedAt: time.Now().UTC(),
	}
	rawTask, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("encode task %s: %w", name, err)
	}
	seq, err := b.seq.Next()
	if err != nil {
		return "", errtypes.Transient{Err: fmt.Errorf("next sequence: %w", err)}
	}
	queueKey := fmt.Sprintf("%s%03d|%020d", queuePrefix, priority, seq)

	err = b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(taskPrefix+task.ID), rawTask); err != nil {
			return err
		}
		return txn.Set([]byte(queueKey), []byte(task.ID))
	})
	if err != nil {
		return "", errtypes.Transient{Err: fmt.Errorf("enqueue %s: %w", name, err)}
	}

	select {
	case b.notify <- struct{}{}:
	default:
	}
	b.log.WithFields(logrus.Fields{"task": name, "task_id": task.ID}).Debug("task enqueued")
	return task.ID, nil
}

// Dequeue blocks until a task is available or ctx is done. The returned
// task is leased: no other Dequeue returns it until Complete is called, and
// a process crash requeues it on the next open.
func (b *Broker) Dequeue(ctx context.Context) (*Task, error) {
	for {
		task, err := b.tryClaim()
		if err != nil {
			// concurrent claims of the same queue window abort each other
			// under badger's SSI; the loser just claims again
			if errors.Is(err, badger.ErrConflict) {
				continue
			}
			return nil, err
		}
		if task != nil {
			return task, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.notify:
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (b *Broker) tryClaim() (*Task, error) {
	var claimed *Task
	var claimedID string

	err := b.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(queuePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			idBytes, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("read queue entry: %w", err)
			}
			taskID := string(idBytes)

			b.mu.Lock()
			busy := b.inflight[taskID]
			if !busy {
				b.inflight[taskID] = true
			}
			b.mu.Unlock()
			if busy {
				continue
			}
			claimedID = taskID

			rawTask, err := getValue(txn, taskPrefix+taskID)
			if err != nil {
				return fmt.Errorf("read task %s: %w", taskID, err)
			}
			var task Task
			if err := json.Unmarshal(rawTask, &task); err != nil {
				return fmt.Errorf("decode task %s: %w", taskID, err)
			}

			queueKey := item.KeyCopy(nil)
			if err := txn.Set([]byte(leasePrefix+taskID), queueKey); err != nil {
				return err
			}
			if err := txn.Delete(queueKey); err != nil {
				return err
			}
			claimed = &task
			return nil
		}
		return nil
	})
	if err != nil {
		// the transaction did not commit (conflict included), so the claim
		// marked in memory must not outlive it
		if claimedID != "" {
			b.release(claimedID)
		}
		return nil, err
	}
	return claimed, nil
}

func (b *Broker) release(taskID string) {
	b.mu.Lock()
	delete(b.inflight, taskID)
	b.mu.Unlock()
}

// Complete stores the task result, drops the lease and wakes any waiters.
func (b *Broker) Complete(taskID string, res Result) error {
	res.TaskID = taskID
	res.CompletedAt = time.Now().UTC()
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result of %s: %w", taskID, err)
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(resultPrefix+taskID), raw).WithTTL(resultTTL)
		if err := txn.SetEntry(entry); err != nil {
			return err
		}
		if err := txn.Delete([]byte(leasePrefix + taskID)); err != nil {
			return err
		}
		return txn.Delete([]byte(taskPrefix + taskID))
	})
	if err != nil {
		return errtypes.Transient{Err: fmt.Errorf("complete %s: %w", taskID, err)}
	}

	b.release(taskID)

	b.mu.Lock()
	waiters := b.waiters[taskID]
	delete(b.waiters, taskID)
	b.mu.Unlock()
	for _, ch := range waiters {
		ch <- res
	}
	return nil
}

// Result returns the stored result for a task id, or errtypes.NotFound when
// the task has not completed.
func (b *Broker) Result(taskID string) (*Result, error) {
	var res Result
	err := b.db.View(func(txn *badger.Txn) error {
		raw, err := getValue(txn, resultPrefix+taskID)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, &res)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, errtypes.NotFound("result of task " + taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("read result of %s: %w", taskID, err)
	}
	return &res, nil
}

// Await blocks until the task completes or ctx is done.
func (b *Broker) Await(ctx context.Context, taskID string) (*Result, error) {
	if res, err := b.Result(taskID); err == nil {
		return res, nil
	}

	ch := make(chan Result, 1)
	b.mu.Lock()
	b.waiters[taskID] = append(b.waiters[taskID], ch)
	b.mu.Unlock()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			chans := b.waiters[taskID]
			for i, c := range chans {
				if c == ch {
					b.waiters[taskID] = append(chans[:i], chans[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			return nil, ctx.Err()
		case res := <-ch:
			return &res, nil
		case <-ticker.C:
			// covers results written by another process on the same queue
			if res, err := b.Result(taskID); err == nil {
				return res, nil
			}
		}
	}
}

func getValue(txn *badger.Txn, key string) ([]byte, error) {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

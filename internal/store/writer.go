// ABOUTME: Serialized write queue: one goroutine applies every mutation in FIFO order
// ABOUTME: Each write runs in its own transaction and reports its outcome only to its submitter

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// writeOp is one queued mutation and the channel its result is delivered on.
type writeOp struct {
	ctx   context.Context
	name  string
	apply func(ctx context.Context, tx *sql.Tx) (any, error)
	done  chan writeResult
}

type writeResult struct {
	value any
	err   error
}

// submit places op on the queue. Once submit returns without error the write is
// guaranteed to be applied, even if ctx is later cancelled.
func (s *SQLiteStore) submit(ctx context.Context, name string, apply func(context.Context, *sql.Tx) (any, error)) (<-chan writeResult, error) {
	op := &writeOp{
		ctx:   context.WithoutCancel(ctx),
		name:  name,
		apply: apply,
		done:  make(chan writeResult, 1),
	}

	s.closeMu.RLock()
	defer s.closeMu.RUnlock()

	if s.draining {
		return nil, ErrClosed
	}

	select {
	case s.queue <- op:
		return op.done, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// write submits fn and waits for the writer to commit or reject it.
func write[T any](ctx context.Context, s *SQLiteStore, name string, fn func(context.Context, *sql.Tx) (T, error)) (T, error) {
	var zero T

	done, err := s.submit(ctx, name, func(ctx context.Context, tx *sql.Tx) (any, error) {
		return fn(ctx, tx)
	})
	if err != nil {
		return zero, err
	}

	select {
	case res := <-done:
		if res.err != nil {
			return zero, res.err
		}
		v, _ := res.value.(T)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// runWriter is the only goroutine that mutates the database.
func (s *SQLiteStore) runWriter() {
	defer close(s.writerDone)

	for op := range s.queue {
		value, err := s.applyOp(op)
		if err != nil {
			s.logger.Warn("write failed", "op", op.name, "error", err)
		}
		op.done <- writeResult{value: value, err: err}
	}
}

func (s *SQLiteStore) applyOp(op *writeOp) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("%s: panic: %v", op.name, r)
		}
	}()

	tx, err := s.db.BeginTx(op.ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: beginning transaction: %w", op.name, err)
	}
	// No-op once committed.
	defer func() { _ = tx.Rollback() }()

	value, err = op.apply(op.ctx, tx)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%s: committing: %w", op.name, err)
	}
	return value, nil
}

// QueueDepth returns the number of writes waiting for the writer.
func (s *SQLiteStore) QueueDepth() int {
	return len(s.queue)
}

// Drain stops accepting writes and waits until every accepted write is applied.
// Writes submitted afterwards fail with ErrClosed.
func (s *SQLiteStore) Drain(ctx context.Context) error {
	s.closeMu.Lock()
	if !s.draining {
		s.draining = true
		close(s.queue)
		s.logger.Info("draining write queue", "pending", len(s.queue))
	}
	s.closeMu.Unlock()

	select {
	case <-s.writerDone:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining write queue: %w", ctx.Err())
	}
}

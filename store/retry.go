package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Operation names used in metrics and logs.
const (
	OpGetItem       = "GetItem"
	OpBatchGetItems = "BatchGetItems"
	OpQueryPrefix   = "QueryPrefix"
	OpPutItem       = "PutItem"
	OpDeleteItem    = "DeleteItem"
	OpTransactWrite = "TransactWrite"
)

// IsTransient reports whether err is eligible for the single retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// retryingTable applies the per-operation timeout and retries a transient failure once.
type retryingTable struct {
	next    Table
	timeout time.Duration
	metrics *Metrics
	logger  *zap.Logger
}

// retryingTransactor is a retryingTable over a table that also supports transactions.
type retryingTransactor struct {
	*retryingTable
	tx Transactor
}

// withRetry wraps table. The result implements Transactor iff table does.
func withRetry(table Table, timeout time.Duration, metrics *Metrics, logger *zap.Logger) Table {
	rt := &retryingTable{next: table, timeout: timeout, metrics: metrics, logger: logger}
	if tx, ok := table.(Transactor); ok {
		return &retryingTransactor{retryingTable: rt, tx: tx}
	}
	return rt
}

func (r *retryingTable) do(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		err = r.attempt(ctx, fn)
		if err == nil || !IsTransient(err) || ctx.Err() != nil {
			break
		}
		if attempt == 0 {
			r.metrics.retried(op)
			r.logger.Warn("retrying table operation",
				zap.String("operation", op),
				zap.Error(err),
			)
		}
	}
	r.metrics.observe(op, err)
	return err
}

func (r *retryingTable) attempt(ctx context.Context, fn func(context.Context) error) error {
	if r.timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	err := fn(attemptCtx)
	// A deadline of our own making is a transient store failure; the caller's is not.
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil && !IsTransient(err) {
		return fmt.Errorf("%w: operation timed out after %s", ErrStoreUnavailable, r.timeout)
	}
	return err
}

func (r *retryingTable) GetItem(ctx context.Context, key Key) (Item, error) {
	var item Item
	err := r.do(ctx, OpGetItem, func(ctx context.Context) error {
		var err error
		item, err = r.next.GetItem(ctx, key)
		return err
	})
	return item, err
}

func (r *retryingTable) BatchGetItems(ctx context.Context, keys []Key) ([]Item, error) {
	var items []Item
	err := r.do(ctx, OpBatchGetItems, func(ctx context.Context) error {
		var err error
		items, err = r.next.BatchGetItems(ctx, keys)
		return err
	})
	return items, err
}

func (r *retryingTable) QueryPrefix(ctx context.Context, q PrefixQuery) (QueryPage, error) {
	var page QueryPage
	err := r.do(ctx, OpQueryPrefix, func(ctx context.Context) error {
		var err error
		page, err = r.next.QueryPrefix(ctx, q)
		return err
	})
	return page, err
}

func (r *retryingTable) PutItem(ctx context.Context, item Item) error {
	return r.do(ctx, OpPutItem, func(ctx context.Context) error {
		return r.next.PutItem(ctx, item)
	})
}

func (r *retryingTable) DeleteItem(ctx context.Context, key Key) error {
	return r.do(ctx, OpDeleteItem, func(ctx context.Context) error {
		return r.next.DeleteItem(ctx, key)
	})
}

func (r *retryingTransactor) TransactWrite(ctx context.Context, ops []WriteOp) error {
	return r.do(ctx, OpTransactWrite, func(ctx context.Context) error {
		return r.tx.TransactWrite(ctx, ops)
	})
}

// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package spannerconn

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/googleapis/gax-go/v2"
	"github.com/jizhuozhi/go-future"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RetryResult is the outcome of one internal retry attempt of an aborted
// read/write transaction.
type RetryResult int

const (
	// RetrySucceeded means that the replay observed the same results as the
	// original attempt and the transaction continues.
	RetrySucceeded RetryResult = iota
	// RetryAbortedAndRestarting means that the replay itself was aborted and
	// another attempt follows after a backoff.
	RetryAbortedAndRestarting
	// RetryDifferentResult means that the replay observed a different result
	// than the original attempt. The transaction is terminal and the caller
	// receives an Aborted error.
	RetryDifferentResult
)

func (r RetryResult) String() string {
	switch r {
	case RetrySucceeded:
		return "RETRY_SUCCEEDED"
	case RetryAbortedAndRestarting:
		return "RETRY_ABORTED_AND_RESTARTING"
	default:
		return "RETRY_DIFFERENT_RESULT"
	}
}

// TransactionRetryListener observes the internal retry attempts of aborted
// read/write transactions. Listeners are notified in registration order on
// the goroutine that performs the retry.
type TransactionRetryListener interface {
	// RetryStarted is called when an internal retry attempt starts.
	RetryStarted(attempt int)
	// RetryFinished is called when an internal retry attempt finishes with
	// the given result.
	RetryFinished(attempt int, result RetryResult)
}

// retriableStatement is a statement that has been executed on a read/write
// transaction together with its observed result, so that it can be replayed
// on a new transaction and the results compared.
type retriableStatement interface {
	retry(ctx context.Context, handle ReadWriteTxHandle) error
}

// readWriteTransaction is a multi-statement read/write transaction. If
// retryAborts is enabled, the transaction keeps an ordered history of every
// statement and its observed result until commit, and replays that history on
// a new transaction when Spanner aborts the current one.
type readWriteTransaction struct {
	baseUnitOfWork
	logger      *slog.Logger
	dbClient    DatabaseClient
	retryAborts bool
	maxRetries  int
	listeners   []TransactionRetryListener

	// txMu serializes all access to the server transaction, both from the
	// executor worker and from result-set consumers.
	txMu       sync.Mutex
	txHandle   ReadWriteTxHandle
	statements []retriableStatement
	mutations  []*spanner.Mutation
	commitTs   *time.Time
}

var _ unitOfWork = &readWriteTransaction{}

func newReadWriteTransaction(dbClient DatabaseClient, retryAborts bool, maxRetries int, listeners []TransactionRetryListener, timeout *statementTimeout, executor *statementExecutor, logger *slog.Logger) *readWriteTransaction {
	return &readWriteTransaction{
		baseUnitOfWork: baseUnitOfWork{executor: executor, timeout: timeout},
		logger:         logger.With("tx", "rw"),
		dbClient:       dbClient,
		retryAborts:    retryAborts,
		maxRetries:     maxRetries,
		listeners:      listeners,
	}
}

// ensureStarted starts the server transaction on first use.
func (tx *readWriteTransaction) ensureStarted(ctx context.Context) error {
	if tx.txHandle != nil {
		return nil
	}
	handle, err := tx.dbClient.BeginReadWriteTransaction(ctx)
	if err != nil {
		return err
	}
	tx.txHandle = handle
	return nil
}

func (tx *readWriteTransaction) executeQueryAsync(ctx context.Context, stmt *ParsedStatement, analyzeMode AnalyzeMode, opts spanner.QueryOptions) *future.Future[RowIterator] {
	if !tx.isActive() {
		return resolvedFuture[RowIterator](nil, transactionNotActive(tx.state()))
	}
	return submit(tx.executor, ctx, &tx.baseUnitOfWork, stmt, func(ctx context.Context) (RowIterator, error) {
		tx.txMu.Lock()
		defer tx.txMu.Unlock()
		if err := tx.ensureStarted(ctx); err != nil {
			return nil, err
		}
		tx.setState(UnitOfWorkStateStarted)
		queryOpts := opts
		mode := analyzeMode.queryMode()
		queryOpts.Mode = &mode
		it := tx.txHandle.Query(ctx, stmt.Statement, queryOpts)
		rs := newChecksumResultSet(ctx, tx, stmt.Statement, queryOpts, it)
		if tx.retryAborts {
			tx.statements = append(tx.statements, rs)
		}
		return rs, nil
	})
}

func (tx *readWriteTransaction) executeUpdateAsync(ctx context.Context, stmt *ParsedStatement) *future.Future[int64] {
	if !tx.isActive() {
		return resolvedFuture[int64](0, transactionNotActive(tx.state()))
	}
	return submit(tx.executor, ctx, &tx.baseUnitOfWork, stmt, func(ctx context.Context) (int64, error) {
		var count int64
		var updateErr error
		err := tx.runWithRetry(ctx, func(ctx context.Context) error {
			tx.txMu.Lock()
			defer tx.txMu.Unlock()
			if err := tx.ensureStarted(ctx); err != nil {
				return err
			}
			tx.setState(UnitOfWorkStateStarted)
			count, updateErr = tx.txHandle.Update(ctx, stmt.Statement, spanner.QueryOptions{})
			return updateErr
		})
		if err != nil && spanner.ErrCode(err) == codes.Aborted {
			return 0, err
		}
		tx.txMu.Lock()
		if tx.retryAborts {
			tx.statements = append(tx.statements, &retriableUpdate{stmt: stmt.Statement, count: count, err: err})
		}
		tx.txMu.Unlock()
		return count, err
	})
}

func (tx *readWriteTransaction) executeBatchUpdateAsync(ctx context.Context, stmts []*ParsedStatement) *future.Future[[]int64] {
	if !tx.isActive() {
		return resolvedFuture[[]int64](nil, transactionNotActive(tx.state()))
	}
	statements := make([]spanner.Statement, len(stmts))
	for i, stmt := range stmts {
		statements[i] = stmt.Statement
	}
	var first *ParsedStatement
	if len(stmts) > 0 {
		first = stmts[0]
	}
	return submit(tx.executor, ctx, &tx.baseUnitOfWork, first, func(ctx context.Context) ([]int64, error) {
		var counts []int64
		var updateErr error
		err := tx.runWithRetry(ctx, func(ctx context.Context) error {
			tx.txMu.Lock()
			defer tx.txMu.Unlock()
			if err := tx.ensureStarted(ctx); err != nil {
				return err
			}
			tx.setState(UnitOfWorkStateStarted)
			counts, updateErr = tx.txHandle.BatchUpdate(ctx, statements, spanner.QueryOptions{})
			return updateErr
		})
		if err != nil && spanner.ErrCode(err) == codes.Aborted {
			return nil, err
		}
		tx.txMu.Lock()
		if tx.retryAborts {
			tx.statements = append(tx.statements, &retriableBatchUpdate{stmts: statements, counts: counts, err: err})
		}
		tx.txMu.Unlock()
		return counts, err
	})
}

func (tx *readWriteTransaction) executeDdlAsync(ctx context.Context, stmt *ParsedStatement) *future.Future[struct{}] {
	return resolvedFuture(struct{}{}, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "DDL statements are not allowed in read/write transactions")))
}

// writeAsync buffers the mutations locally. They are sent to Spanner as part
// of the commit.
func (tx *readWriteTransaction) writeAsync(_ context.Context, ms []*spanner.Mutation) *future.Future[struct{}] {
	if !tx.isActive() {
		return resolvedFuture(struct{}{}, transactionNotActive(tx.state()))
	}
	tx.txMu.Lock()
	tx.mutations = append(tx.mutations, ms...)
	tx.txMu.Unlock()
	tx.setState(UnitOfWorkStateStarted)
	return resolvedFuture(struct{}{}, nil)
}

func (tx *readWriteTransaction) commitAsync(ctx context.Context) *future.Future[struct{}] {
	if !tx.isActive() {
		return resolvedFuture(struct{}{}, transactionNotActive(tx.state()))
	}
	return submit(tx.executor, ctx, &tx.baseUnitOfWork, nil, func(ctx context.Context) (struct{}, error) {
		tx.setState(UnitOfWorkStateCommitting)
		var commitTs time.Time
		err := tx.runWithRetry(ctx, func(ctx context.Context) error {
			tx.txMu.Lock()
			defer tx.txMu.Unlock()
			if err := tx.ensureStarted(ctx); err != nil {
				return err
			}
			if len(tx.mutations) > 0 {
				if err := tx.txHandle.BufferWrite(tx.mutations); err != nil {
					return err
				}
			}
			var commitErr error
			commitTs, commitErr = tx.txHandle.Commit(ctx)
			return commitErr
		})
		if err != nil {
			if spanner.ErrCode(err) == codes.Aborted {
				tx.setState(UnitOfWorkStateAborted)
			} else {
				tx.setState(UnitOfWorkStateRolledBack)
			}
			return struct{}{}, err
		}
		tx.txMu.Lock()
		tx.commitTs = &commitTs
		tx.txMu.Unlock()
		tx.setState(UnitOfWorkStateCommitted)
		return struct{}{}, nil
	})
}

func (tx *readWriteTransaction) rollbackAsync(ctx context.Context) *future.Future[struct{}] {
	if !tx.isActive() {
		return resolvedFuture(struct{}{}, transactionNotActive(tx.state()))
	}
	return submit(tx.executor, ctx, &tx.baseUnitOfWork, nil, func(ctx context.Context) (struct{}, error) {
		tx.txMu.Lock()
		defer tx.txMu.Unlock()
		if tx.txHandle != nil {
			tx.txHandle.Rollback(ctx)
		}
		tx.setState(UnitOfWorkStateRolledBack)
		return struct{}{}, nil
	})
}

func (tx *readWriteTransaction) runBatchAsync(_ context.Context) *future.Future[[]int64] {
	return resolvedFuture[[]int64](nil, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "this transaction is not a batch")))
}

func (tx *readWriteTransaction) abortBatch() error {
	return spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "this transaction is not a batch"))
}

func (tx *readWriteTransaction) readTimestamp() (time.Time, error) {
	return time.Time{}, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "read/write transactions do not have a read timestamp"))
}

func (tx *readWriteTransaction) readTimestampOrNil() *time.Time {
	return nil
}

func (tx *readWriteTransaction) commitTimestamp() (time.Time, error) {
	ts := tx.commitTimestampOrNil()
	if ts == nil {
		return time.Time{}, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "this transaction has not committed"))
	}
	return *ts, nil
}

func (tx *readWriteTransaction) commitTimestampOrNil() *time.Time {
	tx.txMu.Lock()
	defer tx.txMu.Unlock()
	return tx.commitTs
}

// runWithRetry runs f and retries the entire transaction internally if f
// returns Aborted and internal retries are enabled. f is re-invoked after
// each successful replay of the statement history.
func (tx *readWriteTransaction) runWithRetry(ctx context.Context, f func(ctx context.Context) error) error {
	for {
		err := f(ctx)
		if err == nil || spanner.ErrCode(err) != codes.Aborted {
			return err
		}
		if errors.Is(err, ErrAbortedDueToConcurrentModification) {
			return err
		}
		if !tx.retryAborts {
			tx.setState(UnitOfWorkStateAborted)
			return err
		}
		if retryErr := tx.retryTransaction(ctx, err); retryErr != nil {
			return retryErr
		}
	}
}

// retryTransaction begins a new server transaction and replays the recorded
// statement history on it, comparing each replayed result with the recorded
// result. The retry is repeated with exponential backoff when the replay
// itself is aborted, up to maxRetries attempts.
func (tx *readWriteTransaction) retryTransaction(ctx context.Context, aborted error) error {
	backoff := gax.Backoff{Initial: 10 * time.Millisecond, Max: 10 * time.Second, Multiplier: 1.3}
	for attempt := 1; attempt <= tx.maxRetries; attempt++ {
		delay, ok := spanner.ExtractRetryDelay(aborted)
		if !ok {
			delay = backoff.Pause()
		}
		if err := gax.Sleep(ctx, delay); err != nil {
			tx.setState(UnitOfWorkStateAborted)
			return errStatementCancelled
		}
		tx.notifyRetryStarted(attempt)
		tx.logger.Debug("starting transaction retry", "attempt", attempt)
		replayErr := tx.replay(ctx)
		if replayErr == nil {
			tx.notifyRetryFinished(attempt, RetrySucceeded)
			tx.logger.Debug("transaction retry succeeded", "attempt", attempt)
			return nil
		}
		if errors.Is(replayErr, ErrAbortedDueToConcurrentModification) {
			tx.notifyRetryFinished(attempt, RetryDifferentResult)
			tx.setState(UnitOfWorkStateAborted)
			return replayErr
		}
		if spanner.ErrCode(replayErr) == codes.Aborted {
			tx.notifyRetryFinished(attempt, RetryAbortedAndRestarting)
			aborted = replayErr
			continue
		}
		tx.setState(UnitOfWorkStateAborted)
		return replayErr
	}
	tx.setState(UnitOfWorkStateAborted)
	tx.logger.Debug("transaction retry attempts exhausted", "maxRetries", tx.maxRetries)
	return aborted
}

// replay begins a new server transaction and replays the statement history on
// it. On success the new transaction replaces the aborted one.
func (tx *readWriteTransaction) replay(ctx context.Context) error {
	tx.txMu.Lock()
	defer tx.txMu.Unlock()
	handle, err := tx.dbClient.BeginReadWriteTransaction(ctx)
	if err != nil {
		return err
	}
	for _, stmt := range tx.statements {
		if err := stmt.retry(ctx, handle); err != nil {
			if spanner.ErrCode(err) != codes.Aborted || errors.Is(err, ErrAbortedDueToConcurrentModification) {
				handle.Rollback(ctx)
			}
			return err
		}
	}
	tx.txHandle = handle
	return nil
}

func (tx *readWriteTransaction) notifyRetryStarted(attempt int) {
	for _, listener := range tx.listeners {
		listener.RetryStarted(attempt)
	}
}

func (tx *readWriteTransaction) notifyRetryFinished(attempt int, result RetryResult) {
	for _, listener := range tx.listeners {
		listener.RetryFinished(attempt, result)
	}
}

func transactionNotActive(state UnitOfWorkState) error {
	return spanner.ToSpannerError(status.Errorf(codes.FailedPrecondition, "this transaction is no longer active: %v", state))
}

// retriableUpdate is a DML statement that was executed on a read/write
// transaction, together with the update count or error that it returned.
type retriableUpdate struct {
	stmt  spanner.Statement
	count int64
	err   error
}

func (u *retriableUpdate) retry(ctx context.Context, handle ReadWriteTxHandle) error {
	count, err := handle.Update(ctx, u.stmt, spanner.QueryOptions{})
	if err != nil && spanner.ErrCode(err) == codes.Aborted {
		return err
	}
	if !sameErrorKind(u.err, err) {
		return ErrAbortedDueToConcurrentModification
	}
	if err == nil && count != u.count {
		return ErrAbortedDueToConcurrentModification
	}
	return nil
}

// retriableBatchUpdate is a batch of DML statements that was executed on a
// read/write transaction, together with the update counts that it returned.
type retriableBatchUpdate struct {
	stmts  []spanner.Statement
	counts []int64
	err    error
}

func (u *retriableBatchUpdate) retry(ctx context.Context, handle ReadWriteTxHandle) error {
	counts, err := handle.BatchUpdate(ctx, u.stmts, spanner.QueryOptions{})
	if err != nil && spanner.ErrCode(err) == codes.Aborted {
		return err
	}
	if !sameErrorKind(u.err, err) {
		return ErrAbortedDueToConcurrentModification
	}
	if len(counts) != len(u.counts) {
		return ErrAbortedDueToConcurrentModification
	}
	for i := range counts {
		if counts[i] != u.counts[i] {
			return ErrAbortedDueToConcurrentModification
		}
	}
	return nil
}

// sameErrorKind reports whether two statement results failed in the same way.
func sameErrorKind(a, b error) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return spanner.ErrCode(a) == spanner.ErrCode(b)
}

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
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/spanner"
	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/jizhuozhi/go-future"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// singleUseTransaction executes exactly one statement and then becomes
// terminal. It is the unit of work that is used for each statement while the
// connection is in autocommit mode without an explicit transaction.
type singleUseTransaction struct {
	baseUnitOfWork
	logger    *slog.Logger
	dbClient  DatabaseClient
	ddlClient DdlClient
	readOnly  bool
	staleness spanner.TimestampBound
	dmlMode   AutocommitDmlMode

	tsMu     sync.Mutex
	used     bool
	readTs   *time.Time
	commitTs *time.Time
}

var _ unitOfWork = &singleUseTransaction{}

func newSingleUseTransaction(dbClient DatabaseClient, ddlClient DdlClient, readOnly bool, staleness spanner.TimestampBound, dmlMode AutocommitDmlMode, timeout *statementTimeout, executor *statementExecutor, logger *slog.Logger) *singleUseTransaction {
	return &singleUseTransaction{
		baseUnitOfWork: baseUnitOfWork{executor: executor, timeout: timeout},
		logger:         logger.With("tx", "single"),
		dbClient:       dbClient,
		ddlClient:      ddlClient,
		readOnly:       readOnly,
		staleness:      staleness,
		dmlMode:        dmlMode,
	}
}

// markUsed reserves this transaction for one statement.
func (tx *singleUseTransaction) markUsed() error {
	tx.tsMu.Lock()
	defer tx.tsMu.Unlock()
	if tx.used {
		return spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "this single-use transaction has already been used"))
	}
	tx.used = true
	return nil
}

func (tx *singleUseTransaction) executeQueryAsync(ctx context.Context, stmt *ParsedStatement, analyzeMode AnalyzeMode, opts spanner.QueryOptions) *future.Future[RowIterator] {
	if err := tx.markUsed(); err != nil {
		return resolvedFuture[RowIterator](nil, err)
	}
	return submit(tx.executor, ctx, &tx.baseUnitOfWork, stmt, func(ctx context.Context) (RowIterator, error) {
		tx.setState(UnitOfWorkStateStarted)
		handle := tx.dbClient.SingleUse(tx.staleness)
		queryOpts := opts
		mode := analyzeMode.queryMode()
		queryOpts.Mode = &mode
		it := handle.Query(ctx, stmt.Statement, queryOpts)
		tx.setState(UnitOfWorkStateCommitted)
		return &singleUseRowIterator{it: it, tx: tx, handle: handle}, nil
	})
}

// singleUseRowIterator captures the read timestamp of the snapshot as soon as
// it is available, which is after the first call to Next.
type singleUseRowIterator struct {
	it     RowIterator
	tx     *singleUseTransaction
	handle ReadOnlyTxHandle
}

func (it *singleUseRowIterator) Next() (*spanner.Row, error) {
	row, err := it.it.Next()
	if ts, tsErr := it.handle.ReadTimestamp(); tsErr == nil {
		it.tx.setReadTimestamp(ts)
	}
	return row, err
}

func (it *singleUseRowIterator) Stop() {
	it.it.Stop()
	it.handle.Close()
}

func (it *singleUseRowIterator) Metadata() *spannerpb.ResultSetMetadata {
	return it.it.Metadata()
}

func (tx *singleUseTransaction) setReadTimestamp(ts time.Time) {
	tx.tsMu.Lock()
	defer tx.tsMu.Unlock()
	tx.readTs = &ts
}

func (tx *singleUseTransaction) executeUpdateAsync(ctx context.Context, stmt *ParsedStatement) *future.Future[int64] {
	if tx.readOnly {
		return resolvedFuture[int64](0, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "update statements are not allowed on a read-only connection")))
	}
	if err := tx.markUsed(); err != nil {
		return resolvedFuture[int64](0, err)
	}
	return submit(tx.executor, ctx, &tx.baseUnitOfWork, stmt, func(ctx context.Context) (int64, error) {
		tx.setState(UnitOfWorkStateStarted)
		var count int64
		var err error
		switch tx.dmlMode {
		case Transactional:
			count, err = tx.executeTransactionalUpdate(ctx, stmt.Statement, false)
		case TransactionalWithRetry:
			count, err = tx.executeTransactionalUpdate(ctx, stmt.Statement, true)
		case PartitionedNonAtomic:
			count, err = tx.dbClient.PartitionedUpdate(ctx, stmt.Statement, spanner.QueryOptions{})
		default:
			err = spanner.ToSpannerError(status.Errorf(codes.FailedPrecondition, "invalid autocommit dml mode: %v", tx.dmlMode))
		}
		tx.finish(err)
		return count, err
	})
}

// executeTransactionalUpdate wraps the statement in a one-statement
// read/write transaction. If withRetry is set, an abort triggers a single
// internal replay of the statement.
func (tx *singleUseTransaction) executeTransactionalUpdate(ctx context.Context, stmt spanner.Statement, withRetry bool) (int64, error) {
	attempts := 1
	if withRetry {
		attempts = 2
	}
	var count int64
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		var handle ReadWriteTxHandle
		handle, err = tx.dbClient.BeginReadWriteTransaction(ctx)
		if err != nil {
			return 0, err
		}
		count, err = handle.Update(ctx, stmt, spanner.QueryOptions{})
		if err == nil {
			var ts time.Time
			ts, err = handle.Commit(ctx)
			if err == nil {
				tx.tsMu.Lock()
				tx.commitTs = &ts
				tx.tsMu.Unlock()
				return count, nil
			}
		} else {
			tx.rollbackFireAndForget(handle)
		}
		if spanner.ErrCode(err) != codes.Aborted {
			return 0, err
		}
	}
	return 0, err
}

func (tx *singleUseTransaction) executeBatchUpdateAsync(ctx context.Context, stmts []*ParsedStatement) *future.Future[[]int64] {
	if tx.readOnly {
		return resolvedFuture[[]int64](nil, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "update statements are not allowed on a read-only connection")))
	}
	if err := tx.markUsed(); err != nil {
		return resolvedFuture[[]int64](nil, err)
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
		tx.setState(UnitOfWorkStateStarted)
		handle, err := tx.dbClient.BeginReadWriteTransaction(ctx)
		if err != nil {
			tx.finish(err)
			return nil, err
		}
		counts, err := handle.BatchUpdate(ctx, statements, spanner.QueryOptions{})
		if err == nil {
			var ts time.Time
			ts, err = handle.Commit(ctx)
			if err == nil {
				tx.tsMu.Lock()
				tx.commitTs = &ts
				tx.tsMu.Unlock()
			}
		} else {
			tx.rollbackFireAndForget(handle)
		}
		tx.finish(err)
		if err != nil {
			return nil, err
		}
		return counts, nil
	})
}

func (tx *singleUseTransaction) executeDdlAsync(ctx context.Context, stmt *ParsedStatement) *future.Future[struct{}] {
	if tx.readOnly {
		return resolvedFuture(struct{}{}, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "DDL statements are not allowed on a read-only connection")))
	}
	if err := tx.markUsed(); err != nil {
		return resolvedFuture(struct{}{}, err)
	}
	return submit(tx.executor, ctx, &tx.baseUnitOfWork, stmt, func(ctx context.Context) (struct{}, error) {
		tx.setState(UnitOfWorkStateStarted)
		err := tx.ddlClient.UpdateDatabaseDdl(ctx, []string{stmt.Statement.SQL})
		tx.finish(err)
		return struct{}{}, err
	})
}

// writeAsync applies the mutations atomically outside a transaction.
func (tx *singleUseTransaction) writeAsync(ctx context.Context, ms []*spanner.Mutation) *future.Future[struct{}] {
	if tx.readOnly {
		return resolvedFuture(struct{}{}, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "mutations are not allowed on a read-only connection")))
	}
	if err := tx.markUsed(); err != nil {
		return resolvedFuture(struct{}{}, err)
	}
	return submit(tx.executor, ctx, &tx.baseUnitOfWork, nil, func(ctx context.Context) (struct{}, error) {
		tx.setState(UnitOfWorkStateStarted)
		ts, err := tx.dbClient.Apply(ctx, ms)
		if err == nil {
			tx.tsMu.Lock()
			tx.commitTs = &ts
			tx.tsMu.Unlock()
		}
		tx.finish(err)
		return struct{}{}, err
	})
}

// rollbackFireAndForget rolls the transaction back on the fire-and-forget
// pool with a fresh context, so that a cancelled or timed-out statement does
// not leave the rollback unexecuted.
func (tx *singleUseTransaction) rollbackFireAndForget(handle ReadWriteTxHandle) {
	tx.executor.fireAndForget(func() {
		handle.Rollback(context.Background())
	})
}

// finish moves the transaction to its terminal state based on the outcome of
// its one statement.
func (tx *singleUseTransaction) finish(err error) {
	switch {
	case err == nil:
		tx.setState(UnitOfWorkStateCommitted)
	case spanner.ErrCode(err) == codes.Aborted:
		tx.setState(UnitOfWorkStateAborted)
	default:
		tx.setState(UnitOfWorkStateRolledBack)
	}
}

func (tx *singleUseTransaction) commitAsync(_ context.Context) *future.Future[struct{}] {
	return resolvedFuture(struct{}{}, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "commit is not supported for single-use transactions")))
}

func (tx *singleUseTransaction) rollbackAsync(_ context.Context) *future.Future[struct{}] {
	return resolvedFuture(struct{}{}, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "rollback is not supported for single-use transactions")))
}

func (tx *singleUseTransaction) runBatchAsync(_ context.Context) *future.Future[[]int64] {
	return resolvedFuture[[]int64](nil, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "this transaction is not a batch")))
}

func (tx *singleUseTransaction) abortBatch() error {
	return spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "this transaction is not a batch"))
}

func (tx *singleUseTransaction) readTimestamp() (time.Time, error) {
	ts := tx.readTimestampOrNil()
	if ts == nil {
		return time.Time{}, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "this transaction does not have a read timestamp"))
	}
	return *ts, nil
}

func (tx *singleUseTransaction) readTimestampOrNil() *time.Time {
	tx.tsMu.Lock()
	defer tx.tsMu.Unlock()
	return tx.readTs
}

func (tx *singleUseTransaction) commitTimestamp() (time.Time, error) {
	ts := tx.commitTimestampOrNil()
	if ts == nil {
		return time.Time{}, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "this transaction has not committed"))
	}
	return *ts, nil
}

func (tx *singleUseTransaction) commitTimestampOrNil() *time.Time {
	tx.tsMu.Lock()
	defer tx.tsMu.Unlock()
	return tx.commitTs
}

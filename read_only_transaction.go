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
	"github.com/jizhuozhi/go-future"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// readOnlyTransaction is a multi-statement snapshot at the staleness that was
// configured when the transaction was created. Commit and rollback are
// semantically equivalent: both release the snapshot.
type readOnlyTransaction struct {
	baseUnitOfWork
	logger    *slog.Logger
	dbClient  DatabaseClient
	staleness spanner.TimestampBound

	handleMu sync.Mutex
	handle   ReadOnlyTxHandle
	readTs   *time.Time
}

var _ unitOfWork = &readOnlyTransaction{}

func newReadOnlyTransaction(dbClient DatabaseClient, staleness spanner.TimestampBound, timeout *statementTimeout, executor *statementExecutor, logger *slog.Logger) *readOnlyTransaction {
	return &readOnlyTransaction{
		baseUnitOfWork: baseUnitOfWork{executor: executor, timeout: timeout},
		logger:         logger.With("tx", "ro"),
		dbClient:       dbClient,
		staleness:      staleness,
	}
}

func (tx *readOnlyTransaction) executeQueryAsync(ctx context.Context, stmt *ParsedStatement, analyzeMode AnalyzeMode, opts spanner.QueryOptions) *future.Future[RowIterator] {
	if !tx.isActive() {
		return resolvedFuture[RowIterator](nil, transactionNotActive(tx.state()))
	}
	return submit(tx.executor, ctx, &tx.baseUnitOfWork, stmt, func(ctx context.Context) (RowIterator, error) {
		tx.handleMu.Lock()
		defer tx.handleMu.Unlock()
		if tx.handle == nil {
			tx.handle = tx.dbClient.BeginReadOnlyTransaction(tx.staleness)
		}
		tx.setState(UnitOfWorkStateStarted)
		queryOpts := opts
		mode := analyzeMode.queryMode()
		queryOpts.Mode = &mode
		it := tx.handle.Query(ctx, stmt.Statement, queryOpts)
		// The read timestamp is assigned by the server when the snapshot is
		// created, which happens at the first query.
		if tx.readTs == nil {
			if ts, err := tx.handle.ReadTimestamp(); err == nil {
				tx.readTs = &ts
			}
		}
		return it, nil
	})
}

func (tx *readOnlyTransaction) executeUpdateAsync(_ context.Context, _ *ParsedStatement) *future.Future[int64] {
	return resolvedFuture[int64](0, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "update statements are not allowed in read-only transactions")))
}

func (tx *readOnlyTransaction) executeBatchUpdateAsync(_ context.Context, _ []*ParsedStatement) *future.Future[[]int64] {
	return resolvedFuture[[]int64](nil, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "batch update statements are not allowed in read-only transactions")))
}

func (tx *readOnlyTransaction) executeDdlAsync(_ context.Context, _ *ParsedStatement) *future.Future[struct{}] {
	return resolvedFuture(struct{}{}, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "DDL statements are not allowed in read-only transactions")))
}

func (tx *readOnlyTransaction) writeAsync(_ context.Context, _ []*spanner.Mutation) *future.Future[struct{}] {
	return resolvedFuture(struct{}{}, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "mutations are not allowed in read-only transactions")))
}

// commitAsync releases the snapshot. There is nothing to commit on the
// server.
func (tx *readOnlyTransaction) commitAsync(_ context.Context) *future.Future[struct{}] {
	tx.closeHandle()
	tx.setState(UnitOfWorkStateCommitted)
	return resolvedFuture(struct{}{}, nil)
}

func (tx *readOnlyTransaction) rollbackAsync(_ context.Context) *future.Future[struct{}] {
	tx.closeHandle()
	tx.setState(UnitOfWorkStateRolledBack)
	return resolvedFuture(struct{}{}, nil)
}

func (tx *readOnlyTransaction) closeHandle() {
	tx.handleMu.Lock()
	defer tx.handleMu.Unlock()
	if tx.handle != nil {
		tx.handle.Close()
		tx.handle = nil
	}
}

func (tx *readOnlyTransaction) runBatchAsync(_ context.Context) *future.Future[[]int64] {
	return resolvedFuture[[]int64](nil, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "this transaction is not a batch")))
}

func (tx *readOnlyTransaction) abortBatch() error {
	return spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "this transaction is not a batch"))
}

func (tx *readOnlyTransaction) readTimestamp() (time.Time, error) {
	ts := tx.readTimestampOrNil()
	if ts == nil {
		return time.Time{}, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "this transaction does not have a read timestamp yet"))
	}
	return *ts, nil
}

func (tx *readOnlyTransaction) readTimestampOrNil() *time.Time {
	tx.handleMu.Lock()
	defer tx.handleMu.Unlock()
	return tx.readTs
}

func (tx *readOnlyTransaction) commitTimestamp() (time.Time, error) {
	return time.Time{}, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "read-only transactions do not have a commit timestamp"))
}

func (tx *readOnlyTransaction) commitTimestampOrNil() *time.Time {
	return nil
}

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

// dmlBatch accumulates DML statements and submits them through the host unit
// of work's batch-update API when the batch is run. The batch temporarily
// shadows the host transaction on the connection; commit and rollback apply
// only to the host.
type dmlBatch struct {
	baseUnitOfWork
	logger *slog.Logger
	host   unitOfWork

	stmtMu     sync.Mutex
	statements []*ParsedStatement
}

var _ unitOfWork = &dmlBatch{}

func newDmlBatch(host unitOfWork, timeout *statementTimeout, executor *statementExecutor, logger *slog.Logger) *dmlBatch {
	return &dmlBatch{
		baseUnitOfWork: baseUnitOfWork{executor: executor, timeout: timeout},
		logger:         logger.With("batch", "dml"),
		host:           host,
	}
}

func (b *dmlBatch) executeQueryAsync(_ context.Context, _ *ParsedStatement, _ AnalyzeMode, _ spanner.QueryOptions) *future.Future[RowIterator] {
	return resolvedFuture[RowIterator](nil, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "queries are not allowed in DML batches")))
}

// executeUpdateAsync buffers the statement locally. The returned update count
// is -1; the actual counts are returned by RunBatch.
func (b *dmlBatch) executeUpdateAsync(_ context.Context, stmt *ParsedStatement) *future.Future[int64] {
	if !b.isActive() {
		return resolvedFuture[int64](0, transactionNotActive(b.state()))
	}
	b.stmtMu.Lock()
	b.statements = append(b.statements, stmt)
	b.stmtMu.Unlock()
	b.setState(UnitOfWorkStateStarted)
	return resolvedFuture[int64](-1, nil)
}

func (b *dmlBatch) executeBatchUpdateAsync(_ context.Context, stmts []*ParsedStatement) *future.Future[[]int64] {
	if !b.isActive() {
		return resolvedFuture[[]int64](nil, transactionNotActive(b.state()))
	}
	b.stmtMu.Lock()
	b.statements = append(b.statements, stmts...)
	b.stmtMu.Unlock()
	b.setState(UnitOfWorkStateStarted)
	counts := make([]int64, len(stmts))
	for i := range counts {
		counts[i] = -1
	}
	return resolvedFuture(counts, nil)
}

func (b *dmlBatch) executeDdlAsync(_ context.Context, _ *ParsedStatement) *future.Future[struct{}] {
	return resolvedFuture(struct{}{}, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "DDL statements are not allowed in DML batches")))
}

func (b *dmlBatch) writeAsync(_ context.Context, _ []*spanner.Mutation) *future.Future[struct{}] {
	return resolvedFuture(struct{}{}, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "mutations are not allowed in DML batches")))
}

func (b *dmlBatch) commitAsync(_ context.Context) *future.Future[struct{}] {
	return resolvedFuture(struct{}{}, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "commit is not allowed for DML batches, use RunBatch or AbortBatch")))
}

func (b *dmlBatch) rollbackAsync(_ context.Context) *future.Future[struct{}] {
	return resolvedFuture(struct{}{}, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "rollback is not allowed for DML batches, use RunBatch or AbortBatch")))
}

// runBatchAsync submits all buffered statements through the host transaction
// and returns the per-statement update counts.
func (b *dmlBatch) runBatchAsync(ctx context.Context) *future.Future[[]int64] {
	if !b.isActive() {
		return resolvedFuture[[]int64](nil, transactionNotActive(b.state()))
	}
	b.stmtMu.Lock()
	statements := b.statements
	b.stmtMu.Unlock()
	if len(statements) == 0 {
		b.setState(UnitOfWorkStateCommitted)
		return resolvedFuture([]int64{}, nil)
	}
	p := future.NewPromise[[]int64]()
	hostFuture := b.host.executeBatchUpdateAsync(ctx, statements)
	b.executor.fireAndForget(func() {
		counts, err := hostFuture.Get()
		if err != nil {
			b.setState(UnitOfWorkStateRolledBack)
		} else {
			b.setState(UnitOfWorkStateCommitted)
		}
		p.Set(counts, err)
	})
	return p.Future()
}

// abortBatch discards all buffered statements. The host transaction is not
// affected.
func (b *dmlBatch) abortBatch() error {
	if !b.isActive() {
		return nil
	}
	b.stmtMu.Lock()
	b.statements = nil
	b.stmtMu.Unlock()
	b.setState(UnitOfWorkStateRolledBack)
	return nil
}

func (b *dmlBatch) readTimestamp() (time.Time, error) {
	return time.Time{}, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "DML batches do not have a read timestamp"))
}

func (b *dmlBatch) readTimestampOrNil() *time.Time {
	return nil
}

func (b *dmlBatch) commitTimestamp() (time.Time, error) {
	return time.Time{}, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "DML batches do not have a commit timestamp"))
}

func (b *dmlBatch) commitTimestampOrNil() *time.Time {
	return nil
}

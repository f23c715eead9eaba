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

// ddlBatch accumulates DDL statements and submits them to the admin client as
// one operation when the batch is run. A DDL batch is not atomic: some
// statements may have been applied when the operation fails.
type ddlBatch struct {
	baseUnitOfWork
	logger    *slog.Logger
	ddlClient DdlClient

	stmtMu     sync.Mutex
	statements []string
}

var _ unitOfWork = &ddlBatch{}

func newDdlBatch(ddlClient DdlClient, timeout *statementTimeout, executor *statementExecutor, logger *slog.Logger) *ddlBatch {
	return &ddlBatch{
		baseUnitOfWork: baseUnitOfWork{executor: executor, timeout: timeout},
		logger:         logger.With("batch", "ddl"),
		ddlClient:      ddlClient,
	}
}

func (b *ddlBatch) executeQueryAsync(_ context.Context, _ *ParsedStatement, _ AnalyzeMode, _ spanner.QueryOptions) *future.Future[RowIterator] {
	return resolvedFuture[RowIterator](nil, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "queries are not allowed in DDL batches")))
}

func (b *ddlBatch) executeUpdateAsync(_ context.Context, _ *ParsedStatement) *future.Future[int64] {
	return resolvedFuture[int64](0, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "update statements are not allowed in DDL batches")))
}

func (b *ddlBatch) executeBatchUpdateAsync(_ context.Context, _ []*ParsedStatement) *future.Future[[]int64] {
	return resolvedFuture[[]int64](nil, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "update statements are not allowed in DDL batches")))
}

// executeDdlAsync buffers the statement locally. It is sent to the server
// when the batch is run.
func (b *ddlBatch) executeDdlAsync(_ context.Context, stmt *ParsedStatement) *future.Future[struct{}] {
	if !b.isActive() {
		return resolvedFuture(struct{}{}, transactionNotActive(b.state()))
	}
	b.stmtMu.Lock()
	b.statements = append(b.statements, stmt.Statement.SQL)
	b.stmtMu.Unlock()
	b.setState(UnitOfWorkStateStarted)
	return resolvedFuture(struct{}{}, nil)
}

func (b *ddlBatch) writeAsync(_ context.Context, _ []*spanner.Mutation) *future.Future[struct{}] {
	return resolvedFuture(struct{}{}, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "mutations are not allowed in DDL batches")))
}

func (b *ddlBatch) commitAsync(_ context.Context) *future.Future[struct{}] {
	return resolvedFuture(struct{}{}, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "commit is not allowed for DDL batches, use RunBatch or AbortBatch")))
}

func (b *ddlBatch) rollbackAsync(_ context.Context) *future.Future[struct{}] {
	return resolvedFuture(struct{}{}, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "rollback is not allowed for DDL batches, use RunBatch or AbortBatch")))
}

// runBatchAsync submits all buffered statements as one admin operation. The
// returned update counts are always zero; DDL statements do not affect rows.
func (b *ddlBatch) runBatchAsync(ctx context.Context) *future.Future[[]int64] {
	if !b.isActive() {
		return resolvedFuture[[]int64](nil, transactionNotActive(b.state()))
	}
	return submit(b.executor, ctx, &b.baseUnitOfWork, nil, func(ctx context.Context) ([]int64, error) {
		b.stmtMu.Lock()
		statements := b.statements
		b.stmtMu.Unlock()
		if err := b.ddlClient.UpdateDatabaseDdl(ctx, statements); err != nil {
			b.setState(UnitOfWorkStateRolledBack)
			return nil, err
		}
		b.setState(UnitOfWorkStateCommitted)
		return make([]int64, len(statements)), nil
	})
}

// abortBatch discards all buffered statements.
func (b *ddlBatch) abortBatch() error {
	if !b.isActive() {
		return nil
	}
	b.stmtMu.Lock()
	b.statements = nil
	b.stmtMu.Unlock()
	b.setState(UnitOfWorkStateRolledBack)
	return nil
}

func (b *ddlBatch) readTimestamp() (time.Time, error) {
	return time.Time{}, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "DDL batches do not have a read timestamp"))
}

func (b *ddlBatch) readTimestampOrNil() *time.Time {
	return nil
}

func (b *ddlBatch) commitTimestamp() (time.Time, error) {
	return time.Time{}, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "DDL batches do not have a commit timestamp"))
}

func (b *ddlBatch) commitTimestampOrNil() *time.Time {
	return nil
}

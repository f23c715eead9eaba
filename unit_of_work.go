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
	"sync"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/jizhuozhi/go-future"
)

// TransactionMode is the mode of the current transaction on a connection.
type TransactionMode int

const (
	TransactionModeReadOnly TransactionMode = iota
	TransactionModeReadWrite
)

func (m TransactionMode) String() string {
	if m == TransactionModeReadOnly {
		return "READ_ONLY"
	}
	return "READ_WRITE"
}

// AutocommitDmlMode determines how DML statements are executed while the
// connection is in autocommit mode.
type AutocommitDmlMode int

const (
	// Transactional executes the statement in a new single-statement
	// read/write transaction.
	Transactional AutocommitDmlMode = iota
	// TransactionalWithRetry is the same as Transactional, but the statement
	// is replayed once if the transaction is aborted by Spanner.
	TransactionalWithRetry
	// PartitionedNonAtomic executes the statement as Partitioned DML. The
	// returned update count is a lower bound of the number of affected rows.
	PartitionedNonAtomic
)

func (m AutocommitDmlMode) String() string {
	switch m {
	case TransactionalWithRetry:
		return "TRANSACTIONAL_WITH_RETRY"
	case PartitionedNonAtomic:
		return "PARTITIONED_NON_ATOMIC"
	default:
		return "TRANSACTIONAL"
	}
}

// unitOfWorkType is the combination of all transaction modes and batch modes
// of a connection.
type unitOfWorkType int

const (
	unitOfWorkReadOnlyTransaction unitOfWorkType = iota
	unitOfWorkReadWriteTransaction
	unitOfWorkDmlBatch
	unitOfWorkDdlBatch
)

func (t unitOfWorkType) transactionMode() TransactionMode {
	if t == unitOfWorkReadOnlyTransaction {
		return TransactionModeReadOnly
	}
	return TransactionModeReadWrite
}

// UnitOfWorkState is the lifecycle state of a unit of work. State transitions
// are irreversible.
type UnitOfWorkState int

const (
	UnitOfWorkStateNew UnitOfWorkState = iota
	UnitOfWorkStateStarted
	UnitOfWorkStateCommitting
	UnitOfWorkStateCommitted
	UnitOfWorkStateRolledBack
	UnitOfWorkStateAborted
)

func (s UnitOfWorkState) String() string {
	switch s {
	case UnitOfWorkStateNew:
		return "NEW"
	case UnitOfWorkStateStarted:
		return "STARTED"
	case UnitOfWorkStateCommitting:
		return "COMMITTING"
	case UnitOfWorkStateCommitted:
		return "COMMITTED"
	case UnitOfWorkStateRolledBack:
		return "ROLLED_BACK"
	default:
		return "ABORTED"
	}
}

// isTerminal returns true if no more statements can be executed on a unit of
// work in this state.
func (s UnitOfWorkState) isTerminal() bool {
	return s == UnitOfWorkStateCommitted || s == UnitOfWorkStateRolledBack || s == UnitOfWorkStateAborted
}

// unitOfWork is the contract that is implemented by each execution vehicle
// that a connection can route statements to: single-use transactions,
// read-only transactions, read/write transactions, and DDL/DML batches.
//
// Operations that are not supported by the specific type fail with
// FailedPrecondition.
type unitOfWork interface {
	executeQueryAsync(ctx context.Context, stmt *ParsedStatement, analyzeMode AnalyzeMode, opts spanner.QueryOptions) *future.Future[RowIterator]
	executeUpdateAsync(ctx context.Context, stmt *ParsedStatement) *future.Future[int64]
	executeBatchUpdateAsync(ctx context.Context, stmts []*ParsedStatement) *future.Future[[]int64]
	executeDdlAsync(ctx context.Context, stmt *ParsedStatement) *future.Future[struct{}]
	writeAsync(ctx context.Context, ms []*spanner.Mutation) *future.Future[struct{}]

	commitAsync(ctx context.Context) *future.Future[struct{}]
	rollbackAsync(ctx context.Context) *future.Future[struct{}]
	runBatchAsync(ctx context.Context) *future.Future[[]int64]
	abortBatch() error
	cancel()

	state() UnitOfWorkState
	isActive() bool
	readTimestamp() (time.Time, error)
	readTimestampOrNil() *time.Time
	commitTimestamp() (time.Time, error)
	commitTimestampOrNil() *time.Time
}

// baseUnitOfWork holds the state that is shared by all unit of work
// implementations.
type baseUnitOfWork struct {
	mu       sync.Mutex
	st       UnitOfWorkState
	executor *statementExecutor
	timeout  *statementTimeout
}

func (b *baseUnitOfWork) state() UnitOfWorkState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st
}

func (b *baseUnitOfWork) isActive() bool {
	return !b.state().isTerminal()
}

func (b *baseUnitOfWork) setState(state UnitOfWorkState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.st.isTerminal() {
		return
	}
	b.st = state
}

// cancel cancels the statement that is currently being executed for this unit
// of work (if any). Cancelling a terminal unit of work is a no-op.
func (b *baseUnitOfWork) cancel() {
	b.executor.cancelCurrent(b)
}

// resolvedFuture returns a future that has already completed with the given
// value and error.
func resolvedFuture[T any](v T, err error) *future.Future[T] {
	p := future.NewPromise[T]()
	p.Set(v, err)
	return p.Future()
}

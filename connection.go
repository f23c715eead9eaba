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
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/spanner"
	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/google/uuid"
	"github.com/jizhuozhi/go-future"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

var errConnectionClosed = spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "this connection is closed"))

// Connection is a stateful handle to a Spanner database through which a
// client submits SQL statements, mutations and control directives. Each
// statement is transparently routed to the correct execution vehicle based on
// the current mode flags of the connection: a one-shot read, a read-only
// transaction, a read/write transaction with transparent retry of aborts, or
// a DDL or DML batch.
//
// A Connection is not safe for concurrent mutating operations. At most one
// statement may be executing on a connection at any time; the futures that
// are returned by the asynchronous methods may be consumed on any goroutine.
type Connection interface {
	// Close releases the connection. A transaction that is still running is
	// rolled back best-effort. Close is idempotent and never returns an
	// error.
	Close() error
	IsClosed() bool

	SetAutocommit(autocommit bool) error
	IsAutocommit() bool
	SetReadOnly(readOnly bool) error
	IsReadOnly() bool
	SetAutocommitDmlMode(mode AutocommitDmlMode) error
	AutocommitDmlMode() AutocommitDmlMode
	SetReadOnlyStaleness(staleness spanner.TimestampBound) error
	ReadOnlyStaleness() spanner.TimestampBound
	SetOptimizerVersion(version string) error
	OptimizerVersion() string
	SetStatementTimeout(timeout int64, unit time.Duration) error
	ClearStatementTimeout() error
	StatementTimeout(unit time.Duration) (int64, error)
	HasStatementTimeout() bool
	SetRetryAbortsInternally(retry bool) error
	RetryAbortsInternally() bool
	SetTransactionMode(mode TransactionMode) error
	TransactionMode() (TransactionMode, error)

	AddTransactionRetryListener(listener TransactionRetryListener)
	RemoveTransactionRetryListener(listener TransactionRetryListener) bool
	TransactionRetryListeners() []TransactionRetryListener

	// BeginTransaction marks the begin of a transaction. The physical
	// transaction is not started until the first statement is executed.
	BeginTransaction() error
	Commit(ctx context.Context) error
	CommitAsync(ctx context.Context) *future.Future[struct{}]
	Rollback(ctx context.Context) error
	RollbackAsync(ctx context.Context) *future.Future[struct{}]

	// Write applies the mutations atomically to the database. This method may
	// only be called in autocommit mode.
	Write(ctx context.Context, ms []*spanner.Mutation) error
	WriteAsync(ctx context.Context, ms []*spanner.Mutation) *future.Future[struct{}]
	WriteMutation(ctx context.Context, m *spanner.Mutation) error
	// BufferedWrite buffers the mutations in the current read/write
	// transaction. They are sent to Spanner when the transaction commits.
	// This method may not be called in autocommit mode.
	BufferedWrite(ctx context.Context, ms []*spanner.Mutation) error
	BufferedWriteMutation(ctx context.Context, m *spanner.Mutation) error

	StartBatchDdl() error
	StartBatchDml() error
	RunBatch(ctx context.Context) ([]int64, error)
	RunBatchAsync(ctx context.Context) *future.Future[[]int64]
	AbortBatch() error
	IsDdlBatchActive() bool
	IsDmlBatchActive() bool

	// Cancel cancels the statement that is currently executing on the
	// connection (if any). It is safe to call from any goroutine.
	Cancel() error

	Execute(ctx context.Context, stmt spanner.Statement) (*StatementResult, error)
	ExecuteAsync(ctx context.Context, stmt spanner.Statement) *future.Future[*StatementResult]
	ExecuteQuery(ctx context.Context, stmt spanner.Statement) (RowIterator, error)
	ExecuteQueryAsync(ctx context.Context, stmt spanner.Statement) *future.Future[RowIterator]
	AnalyzeQuery(ctx context.Context, stmt spanner.Statement, mode AnalyzeMode) (RowIterator, error)
	ExecuteUpdate(ctx context.Context, stmt spanner.Statement) (int64, error)
	ExecuteUpdateAsync(ctx context.Context, stmt spanner.Statement) *future.Future[int64]
	ExecuteBatchUpdate(ctx context.Context, stmts []spanner.Statement) ([]int64, error)
	ExecuteBatchUpdateAsync(ctx context.Context, stmts []spanner.Statement) *future.Future[[]int64]

	ReadTimestamp() (time.Time, error)
	ReadTimestampOrNil() *time.Time
	CommitTimestamp() (time.Time, error)
	CommitTimestampOrNil() *time.Time
	IsInTransaction() bool
	IsTransactionStarted() bool
}

// batchMode is the active batch mode of a connection.
type batchMode int

const (
	batchModeNone batchMode = iota
	batchModeDdl
	batchModeDml
)

type connection struct {
	options      *ConnectionOptions
	connID       string
	logger       *slog.Logger
	parser       StatementParser
	pool         *spannerPool
	dbClient     DatabaseClient
	ddlClient    DdlClient
	executor     *statementExecutor
	timeout      *statementTimeout
	stmtExecutor *connectionStatementExecutor

	closed            bool
	autocommit        bool
	readOnly          bool
	autocommitDmlMode AutocommitDmlMode
	readOnlyStaleness spanner.TimestampBound
	queryOptions      *spannerpb.ExecuteSqlRequest_QueryOptions
	retryAborts       bool
	maxRetries        int
	listeners         []TransactionRetryListener

	batchMode  batchMode
	uowType    unitOfWorkType
	inTransaction          bool
	transactionBeginMarked bool
	currentUnitOfWork      unitOfWork
	// previousUnitOfWork holds the host transaction while a DML batch
	// temporarily shadows it. The semantics never require a deeper stack; a
	// second push is rejected.
	previousUnitOfWork unitOfWork

	// uowMu guards the currentUnitOfWork pointer. Cancel may be invoked
	// from any goroutine; all other methods run on the owning goroutine.
	uowMu sync.Mutex

	leakMu    sync.Mutex
	leakTrace []byte
}

var _ Connection = &connection{}

// CreateConnection opens a connection to the database that is identified by
// the given connection string and registers it in the process-wide pool of
// Spanner clients.
func CreateConnection(ctx context.Context, dsn string, parser StatementParser) (Connection, error) {
	options, err := ParseConnectionString(dsn)
	if err != nil {
		return nil, err
	}
	return NewConnection(ctx, options, parser)
}

// NewConnection opens a connection with the given options. The underlying
// Spanner clients are shared with other connections to the same
// configuration.
func NewConnection(ctx context.Context, options ConnectionOptions, parser StatementParser) (Connection, error) {
	c := newConnection(&options, parser, pool)
	clients, err := pool.acquire(ctx, &options, c)
	if err != nil {
		return nil, err
	}
	c.dbClient = clients.dbClient
	c.ddlClient = clients.ddlClient
	return c, nil
}

// newConnection creates the connection without acquiring clients from the
// pool. It is the test seam: tests pass their own pool and clients.
func newConnection(options *ConnectionOptions, parser StatementParser, p *spannerPool) *connection {
	connID := uuid.New().String()
	logger := options.logger().With("connId", connID)
	if options.MaxInternalRetries <= 0 {
		options.MaxInternalRetries = defaultMaxInternalRetries
	}
	c := &connection{
		options:           options,
		connID:            connID,
		logger:            logger,
		parser:            parser,
		pool:              p,
		timeout:           &statementTimeout{},
		autocommit:        options.Autocommit,
		readOnly:          options.ReadOnly,
		autocommitDmlMode: Transactional,
		readOnlyStaleness: spanner.StrongRead(),
		retryAborts:       options.RetryAbortsInternally,
		maxRetries:        options.MaxInternalRetries,
		leakTrace:         debug.Stack(),
	}
	if options.QueryOptions != nil {
		c.queryOptions = proto.Clone(options.QueryOptions).(*spannerpb.ExecuteSqlRequest_QueryOptions)
	}
	c.executor = newStatementExecutor(logger, nil, options.StatementExecutionInterceptors)
	c.stmtExecutor = &connectionStatementExecutor{c: c}
	c.setDefaultTransactionOptions()
	logger.Log(context.Background(), LevelNotice, "connection opened")
	runtime.SetFinalizer(c, func(leaked *connection) {
		leaked.leakMu.Lock()
		trace := leaked.leakTrace
		leaked.leakMu.Unlock()
		if trace != nil {
			leaked.options.logger().Warn("connection was never closed", "connId", leaked.connID, "openedAt", string(trace))
		}
	})
	return c
}

func (c *connection) checkOpen() error {
	if c.closed {
		return errConnectionClosed
	}
	return nil
}

func (c *connection) IsClosed() bool {
	return c.closed
}

func (c *connection) Close() error {
	if c.closed {
		return nil
	}
	if c.internalIsTransactionStarted() {
		// Best-effort rollback. The rollback is queued on the statement
		// executor and its result is read on the fire-and-forget pool, where
		// errors are only logged. Close waits for the executor to drain
		// below, so it does wait for this rollback, for at most 10 seconds.
		uow := c.currentUnitOfWork
		rollback := uow.rollbackAsync(context.Background())
		c.executor.fireAndForget(func() {
			if _, err := rollback.Get(); err != nil {
				c.logger.Debug("rollback during close failed", "err", err)
			}
		})
	}
	c.closed = true
	c.executor.beginShutdown()
	c.leakMu.Lock()
	c.leakTrace = nil
	c.leakMu.Unlock()
	runtime.SetFinalizer(c, nil)
	if c.pool != nil {
		c.pool.release(c.options, c)
	}
	if !c.executor.awaitTermination(10 * time.Second) {
		c.logger.Warn("statement executor did not terminate, forcing shutdown")
		c.executor.forceShutdown()
	}
	c.logger.Log(context.Background(), LevelNotice, "connection closed")
	return nil
}

func (c *connection) SetAutocommit(autocommit bool) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if c.isBatchActive() {
		return spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "cannot set autocommit while in a batch"))
	}
	if c.internalIsTransactionStarted() {
		return spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "cannot set autocommit while a transaction is active"))
	}
	if c.autocommit && c.inTransaction {
		return spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "cannot set autocommit while in a temporary transaction"))
	}
	if c.transactionBeginMarked {
		return spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "cannot set autocommit when a transaction has begun"))
	}
	c.autocommit = autocommit
	c.clearLastTransactionAndSetDefaultTransactionOptions()
	// Reset the staleness if it is no longer compatible with the new
	// autocommit value.
	if !autocommit && isSingleUseOnlyStaleness(c.readOnlyStaleness) {
		c.logger.Warn("resetting read-only staleness to strong, the current staleness is only valid in autocommit mode", "staleness", c.readOnlyStaleness)
		c.readOnlyStaleness = spanner.StrongRead()
	}
	return nil
}

func (c *connection) IsAutocommit() bool {
	return c.autocommit
}

func (c *connection) SetReadOnly(readOnly bool) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if c.isBatchActive() {
		return spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "cannot set read-only while in a batch"))
	}
	if c.internalIsTransactionStarted() {
		return spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "cannot set read-only while a transaction is active"))
	}
	if c.autocommit && c.inTransaction {
		return spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "cannot set read-only while in a temporary transaction"))
	}
	if c.transactionBeginMarked {
		return spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "cannot set read-only when a transaction has begun"))
	}
	c.readOnly = readOnly
	c.clearLastTransactionAndSetDefaultTransactionOptions()
	return nil
}

func (c *connection) IsReadOnly() bool {
	return c.readOnly
}

func (c *connection) clearLastTransactionAndSetDefaultTransactionOptions() {
	c.setDefaultTransactionOptions()
	c.setCurrentUnitOfWork(nil)
}

func (c *connection) setCurrentUnitOfWork(uow unitOfWork) {
	c.uowMu.Lock()
	c.currentUnitOfWork = uow
	c.uowMu.Unlock()
}

// setDefaultTransactionOptions resets the unit-of-work type and batch mode to
// the defaults for the current mode flags, or pops the host transaction back
// in after a DML batch.
func (c *connection) setDefaultTransactionOptions() {
	if c.previousUnitOfWork == nil {
		if c.readOnly {
			c.uowType = unitOfWorkReadOnlyTransaction
		} else {
			c.uowType = unitOfWorkReadWriteTransaction
		}
		c.batchMode = batchModeNone
	} else {
		c.setCurrentUnitOfWork(c.previousUnitOfWork)
		c.previousUnitOfWork = nil
	}
}

func (c *connection) SetAutocommitDmlMode(mode AutocommitDmlMode) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if c.isBatchActive() {
		return spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "cannot set autocommit dml mode while in a batch"))
	}
	if !c.autocommit || c.internalIsInTransaction() {
		return spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "cannot set autocommit dml mode while not in autocommit mode or while a transaction is active"))
	}
	if c.readOnly {
		return spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "cannot set autocommit dml mode for a read-only connection"))
	}
	c.autocommitDmlMode = mode
	return nil
}

func (c *connection) AutocommitDmlMode() AutocommitDmlMode {
	return c.autocommitDmlMode
}

func (c *connection) SetReadOnlyStaleness(staleness spanner.TimestampBound) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if c.isBatchActive() {
		return spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "cannot set read-only staleness while in a batch"))
	}
	if c.internalIsTransactionStarted() {
		return spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "cannot set read-only staleness when a transaction has been started"))
	}
	if isSingleUseOnlyStaleness(staleness) {
		if !c.autocommit || c.inTransaction {
			return spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "MAX_STALENESS and MIN_READ_TIMESTAMP are only allowed in autocommit mode"))
		}
	}
	c.readOnlyStaleness = staleness
	return nil
}

func (c *connection) ReadOnlyStaleness() spanner.TimestampBound {
	return c.readOnlyStaleness
}

// isSingleUseOnlyStaleness reports whether the staleness bound may only be
// used for single-use reads (MaxStaleness and MinReadTimestamp). The mode of
// a TimestampBound is not exported by the Spanner client, but its string form
// always starts with it: "(strong)", "(maxStaleness: 10s)", ...
func isSingleUseOnlyStaleness(tb spanner.TimestampBound) bool {
	s := strings.TrimPrefix(tb.String(), "(")
	if i := strings.IndexAny(s, ":)"); i > 0 {
		s = s[:i]
	}
	switch s {
	case "maxStaleness", "max_staleness", "minReadTimestamp", "min_read_timestamp":
		return true
	}
	return false
}

func (c *connection) SetOptimizerVersion(version string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if c.queryOptions == nil {
		c.queryOptions = &spannerpb.ExecuteSqlRequest_QueryOptions{}
	}
	c.queryOptions.OptimizerVersion = version
	return nil
}

func (c *connection) OptimizerVersion() string {
	return c.queryOptions.GetOptimizerVersion()
}

func (c *connection) SetStatementTimeout(timeout int64, unit time.Duration) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.timeout.setTimeoutValue(timeout, unit)
}

func (c *connection) ClearStatementTimeout() error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	c.timeout.clearTimeoutValue()
	return nil
}

func (c *connection) StatementTimeout(unit time.Duration) (int64, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	return c.timeout.timeoutValue(unit)
}

func (c *connection) HasStatementTimeout() bool {
	return c.timeout.hasTimeout()
}

func (c *connection) SetRetryAbortsInternally(retry bool) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if c.internalIsTransactionStarted() {
		return spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "cannot change retry mode while a transaction is active"))
	}
	c.retryAborts = retry
	return nil
}

func (c *connection) RetryAbortsInternally() bool {
	return c.retryAborts
}

func (c *connection) SetTransactionMode(mode TransactionMode) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if c.isBatchActive() {
		return spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "cannot set transaction mode while in a batch"))
	}
	if !c.internalIsInTransaction() {
		return spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "this connection has no transaction"))
	}
	if c.internalIsTransactionStarted() {
		return spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "the transaction mode cannot be set after the transaction has started"))
	}
	if c.readOnly && mode != TransactionModeReadOnly {
		return spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "the transaction mode can only be READ_ONLY when the connection is in read-only mode"))
	}
	c.transactionBeginMarked = true
	if mode == TransactionModeReadOnly {
		c.uowType = unitOfWorkReadOnlyTransaction
	} else {
		c.uowType = unitOfWorkReadWriteTransaction
	}
	return nil
}

func (c *connection) TransactionMode() (TransactionMode, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	if c.IsDdlBatchActive() {
		return 0, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "this connection is in a DDL batch"))
	}
	if !c.internalIsInTransaction() {
		return 0, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "this connection has no transaction"))
	}
	return c.uowType.transactionMode(), nil
}

func (c *connection) AddTransactionRetryListener(listener TransactionRetryListener) {
	c.listeners = append(c.listeners, listener)
}

func (c *connection) RemoveTransactionRetryListener(listener TransactionRetryListener) bool {
	for i, l := range c.listeners {
		if l == listener {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return true
		}
	}
	return false
}

func (c *connection) TransactionRetryListeners() []TransactionRetryListener {
	listeners := make([]TransactionRetryListener, len(c.listeners))
	copy(listeners, c.listeners)
	return listeners
}

func (c *connection) IsInTransaction() bool {
	return c.internalIsInTransaction()
}

// internalIsInTransaction returns true if this connection currently is in a
// transaction (and not a DDL batch).
func (c *connection) internalIsInTransaction() bool {
	return c.batchMode != batchModeDdl && (!c.autocommit || c.inTransaction)
}

func (c *connection) IsTransactionStarted() bool {
	return c.internalIsTransactionStarted()
}

func (c *connection) internalIsTransactionStarted() bool {
	if c.autocommit && !c.inTransaction {
		return false
	}
	return c.internalIsInTransaction() &&
		c.currentUnitOfWork != nil &&
		c.currentUnitOfWork.state() == UnitOfWorkStateStarted
}

func (c *connection) ReadTimestamp() (time.Time, error) {
	if err := c.checkOpen(); err != nil {
		return time.Time{}, err
	}
	if c.currentUnitOfWork == nil {
		return time.Time{}, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "there is no transaction on this connection"))
	}
	return c.currentUnitOfWork.readTimestamp()
}

func (c *connection) ReadTimestampOrNil() *time.Time {
	if c.closed || c.currentUnitOfWork == nil {
		return nil
	}
	return c.currentUnitOfWork.readTimestampOrNil()
}

func (c *connection) CommitTimestamp() (time.Time, error) {
	if err := c.checkOpen(); err != nil {
		return time.Time{}, err
	}
	if c.currentUnitOfWork == nil {
		return time.Time{}, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "there is no transaction on this connection"))
	}
	return c.currentUnitOfWork.commitTimestamp()
}

func (c *connection) CommitTimestampOrNil() *time.Time {
	if c.closed || c.currentUnitOfWork == nil {
		return nil
	}
	return c.currentUnitOfWork.commitTimestampOrNil()
}

func (c *connection) BeginTransaction() error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if c.isBatchActive() {
		return spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "this connection has an active batch and cannot begin a transaction"))
	}
	if c.internalIsTransactionStarted() {
		return spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "beginning a new transaction is not allowed when a transaction is already running"))
	}
	if c.transactionBeginMarked {
		return spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "a transaction has already begun"))
	}
	c.transactionBeginMarked = true
	c.clearLastTransactionAndSetDefaultTransactionOptions()
	if c.autocommit {
		c.inTransaction = true
	}
	return nil
}

func (c *connection) Commit(ctx context.Context) error {
	_, err := c.CommitAsync(ctx).Get()
	return err
}

func (c *connection) CommitAsync(ctx context.Context) *future.Future[struct{}] {
	if err := c.checkOpen(); err != nil {
		return resolvedFuture(struct{}{}, err)
	}
	return c.endCurrentTransactionAsync(ctx, func(uow unitOfWork) *future.Future[struct{}] {
		return uow.commitAsync(ctx)
	})
}

func (c *connection) Rollback(ctx context.Context) error {
	_, err := c.RollbackAsync(ctx).Get()
	return err
}

func (c *connection) RollbackAsync(ctx context.Context) *future.Future[struct{}] {
	if err := c.checkOpen(); err != nil {
		return resolvedFuture(struct{}{}, err)
	}
	return c.endCurrentTransactionAsync(ctx, func(uow unitOfWork) *future.Future[struct{}] {
		return uow.rollbackAsync(ctx)
	})
}

func (c *connection) endCurrentTransactionAsync(ctx context.Context, end func(uow unitOfWork) *future.Future[struct{}]) *future.Future[struct{}] {
	if c.isBatchActive() {
		return resolvedFuture(struct{}{}, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "this connection has an active batch")))
	}
	if !c.internalIsInTransaction() {
		return resolvedFuture(struct{}{}, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "this connection has no transaction")))
	}
	var res *future.Future[struct{}]
	if c.internalIsTransactionStarted() {
		res = end(c.currentUnitOfWork)
	} else {
		c.setCurrentUnitOfWork(nil)
		res = resolvedFuture(struct{}{}, nil)
	}
	c.transactionBeginMarked = false
	if c.autocommit {
		c.inTransaction = false
	}
	c.setDefaultTransactionOptions()
	return res
}

func (c *connection) Execute(ctx context.Context, stmt spanner.Statement) (*StatementResult, error) {
	return c.execute(ctx, stmt)
}

func (c *connection) ExecuteAsync(ctx context.Context, stmt spanner.Statement) *future.Future[*StatementResult] {
	if err := c.checkOpen(); err != nil {
		return resolvedFuture[*StatementResult](nil, err)
	}
	parsed, err := c.parser.Parse(stmt, c.queryOptions)
	if err != nil {
		return resolvedFuture[*StatementResult](nil, err)
	}
	switch parsed.Kind {
	case StatementKindClientSide:
		return resolvedFuture(c.stmtExecutor.execute(ctx, parsed.ClientSideStatement))
	case StatementKindQuery:
		return mapFuture(c.internalExecuteQueryAsync(ctx, parsed, AnalyzeModeNone), resultSetResult)
	case StatementKindUpdate:
		return mapFuture(c.internalExecuteUpdateAsync(ctx, parsed), updateCountResult)
	case StatementKindDdl:
		return mapFuture(c.internalExecuteDdlAsync(ctx, parsed), func(struct{}) *StatementResult { return noResult() })
	default:
		return resolvedFuture[*StatementResult](nil, unknownStatement(stmt))
	}
}

func (c *connection) execute(ctx context.Context, stmt spanner.Statement) (*StatementResult, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	parsed, err := c.parser.Parse(stmt, c.queryOptions)
	if err != nil {
		return nil, err
	}
	switch parsed.Kind {
	case StatementKindClientSide:
		return c.stmtExecutor.execute(ctx, parsed.ClientSideStatement)
	case StatementKindQuery:
		it, err := c.internalExecuteQueryAsync(ctx, parsed, AnalyzeModeNone).Get()
		if err != nil {
			return nil, err
		}
		return resultSetResult(it), nil
	case StatementKindUpdate:
		count, err := c.internalExecuteUpdateAsync(ctx, parsed).Get()
		if err != nil {
			return nil, err
		}
		return updateCountResult(count), nil
	case StatementKindDdl:
		if _, err := c.internalExecuteDdlAsync(ctx, parsed).Get(); err != nil {
			return nil, err
		}
		return noResult(), nil
	default:
		return nil, unknownStatement(stmt)
	}
}

func unknownStatement(stmt spanner.Statement) error {
	return spanner.ToSpannerError(status.Errorf(codes.InvalidArgument, "unknown statement: %s", stmt.SQL))
}

func (c *connection) ExecuteQuery(ctx context.Context, stmt spanner.Statement) (RowIterator, error) {
	return c.AnalyzeQuery(ctx, stmt, AnalyzeModeNone)
}

func (c *connection) ExecuteQueryAsync(ctx context.Context, stmt spanner.Statement) *future.Future[RowIterator] {
	if err := c.checkOpen(); err != nil {
		return resolvedFuture[RowIterator](nil, err)
	}
	parsed, err := c.parseQuery(stmt)
	if err != nil {
		return resolvedFuture[RowIterator](nil, err)
	}
	if parsed.Kind == StatementKindClientSide {
		return resolvedFuture(c.executeClientSideQuery(ctx, parsed))
	}
	return c.internalExecuteQueryAsync(ctx, parsed, AnalyzeModeNone)
}

func (c *connection) AnalyzeQuery(ctx context.Context, stmt spanner.Statement, mode AnalyzeMode) (RowIterator, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	parsed, err := c.parseQuery(stmt)
	if err != nil {
		return nil, err
	}
	if parsed.Kind == StatementKindClientSide {
		return c.executeClientSideQuery(ctx, parsed)
	}
	return c.internalExecuteQueryAsync(ctx, parsed, mode).Get()
}

// parseQuery parses the statement and verifies that it is a query or a
// client-side statement that returns a result set.
func (c *connection) parseQuery(stmt spanner.Statement) (*ParsedStatement, error) {
	parsed, err := c.parser.Parse(stmt, c.queryOptions)
	if err != nil {
		return nil, err
	}
	if parsed.Kind == StatementKindQuery {
		return parsed, nil
	}
	if parsed.Kind == StatementKindClientSide && parsed.ClientSideStatement.isQuery() {
		return parsed, nil
	}
	return nil, spanner.ToSpannerError(status.Errorf(codes.InvalidArgument, "statement is not a query: %s", stmt.SQL))
}

func (c *connection) executeClientSideQuery(ctx context.Context, parsed *ParsedStatement) (RowIterator, error) {
	result, err := c.stmtExecutor.execute(ctx, parsed.ClientSideStatement)
	if err != nil {
		return nil, err
	}
	if result.Type != ResultTypeResultSet {
		return nil, spanner.ToSpannerError(status.Error(codes.InvalidArgument, "statement is not a query"))
	}
	return result.ResultSet, nil
}

func (c *connection) ExecuteUpdate(ctx context.Context, stmt spanner.Statement) (int64, error) {
	return c.ExecuteUpdateAsync(ctx, stmt).Get()
}

func (c *connection) ExecuteUpdateAsync(ctx context.Context, stmt spanner.Statement) *future.Future[int64] {
	if err := c.checkOpen(); err != nil {
		return resolvedFuture[int64](0, err)
	}
	parsed, err := c.parser.Parse(stmt, c.queryOptions)
	if err != nil {
		return resolvedFuture[int64](0, err)
	}
	if parsed.Kind != StatementKindUpdate {
		return resolvedFuture[int64](0, spanner.ToSpannerError(status.Errorf(codes.InvalidArgument, "statement is not an update statement: %s", stmt.SQL)))
	}
	return c.internalExecuteUpdateAsync(ctx, parsed)
}

func (c *connection) ExecuteBatchUpdate(ctx context.Context, stmts []spanner.Statement) ([]int64, error) {
	return c.ExecuteBatchUpdateAsync(ctx, stmts).Get()
}

func (c *connection) ExecuteBatchUpdateAsync(ctx context.Context, stmts []spanner.Statement) *future.Future[[]int64] {
	if err := c.checkOpen(); err != nil {
		return resolvedFuture[[]int64](nil, err)
	}
	// Parse and validate all statements before any of them is executed: the
	// whole batch is rejected if any statement is not DML.
	parsed := make([]*ParsedStatement, len(stmts))
	for i, stmt := range stmts {
		p, err := c.parser.Parse(stmt, c.queryOptions)
		if err != nil {
			return resolvedFuture[[]int64](nil, err)
		}
		if p.Kind != StatementKindUpdate {
			return resolvedFuture[[]int64](nil, spanner.ToSpannerError(status.Errorf(codes.InvalidArgument, "the batch update list contains a statement that is not an update statement: %s", stmt.SQL)))
		}
		parsed[i] = p
	}
	uow, err := c.getCurrentOrNewUnitOfWork()
	if err != nil {
		return resolvedFuture[[]int64](nil, err)
	}
	return uow.executeBatchUpdateAsync(ctx, parsed)
}

func (c *connection) internalExecuteQueryAsync(ctx context.Context, parsed *ParsedStatement, mode AnalyzeMode) *future.Future[RowIterator] {
	uow, err := c.getCurrentOrNewUnitOfWork()
	if err != nil {
		return resolvedFuture[RowIterator](nil, err)
	}
	opts := spanner.QueryOptions{Options: c.queryOptions}
	return uow.executeQueryAsync(ctx, parsed, mode, opts)
}

func (c *connection) internalExecuteUpdateAsync(ctx context.Context, parsed *ParsedStatement) *future.Future[int64] {
	uow, err := c.getCurrentOrNewUnitOfWork()
	if err != nil {
		return resolvedFuture[int64](0, err)
	}
	return uow.executeUpdateAsync(ctx, parsed)
}

func (c *connection) internalExecuteDdlAsync(ctx context.Context, parsed *ParsedStatement) *future.Future[struct{}] {
	uow, err := c.getCurrentOrNewUnitOfWork()
	if err != nil {
		return resolvedFuture(struct{}{}, err)
	}
	return uow.executeDdlAsync(ctx, parsed)
}

// getCurrentOrNewUnitOfWork returns the current unit of work of this
// connection, or creates a new one based on the current transaction settings.
func (c *connection) getCurrentOrNewUnitOfWork() (unitOfWork, error) {
	if c.currentUnitOfWork != nil && c.currentUnitOfWork.isActive() {
		return c.currentUnitOfWork, nil
	}
	uow, err := c.createNewUnitOfWork()
	if err != nil {
		return nil, err
	}
	c.setCurrentUnitOfWork(uow)
	return c.currentUnitOfWork, nil
}

func (c *connection) createNewUnitOfWork() (unitOfWork, error) {
	if c.autocommit && !c.internalIsInTransaction() && !c.isBatchActive() {
		return newSingleUseTransaction(c.dbClient, c.ddlClient, c.readOnly, c.readOnlyStaleness, c.autocommitDmlMode, c.timeout, c.executor, c.logger), nil
	}
	switch c.uowType {
	case unitOfWorkReadOnlyTransaction:
		return newReadOnlyTransaction(c.dbClient, c.readOnlyStaleness, c.timeout, c.executor, c.logger), nil
	case unitOfWorkReadWriteTransaction:
		return newReadWriteTransaction(c.dbClient, c.retryAborts, c.maxRetries, c.TransactionRetryListeners(), c.timeout, c.executor, c.logger), nil
	case unitOfWorkDmlBatch:
		// A DML batch runs inside the current transaction and only
		// temporarily replaces it.
		if c.previousUnitOfWork != nil {
			return nil, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "nested DML batches are not supported"))
		}
		if c.currentUnitOfWork == nil {
			return nil, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "there is no current transaction to run the DML batch in"))
		}
		c.previousUnitOfWork = c.currentUnitOfWork
		return newDmlBatch(c.previousUnitOfWork, c.timeout, c.executor, c.logger), nil
	case unitOfWorkDdlBatch:
		return newDdlBatch(c.ddlClient, c.timeout, c.executor, c.logger), nil
	}
	return nil, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "this connection does not have an active transaction and the state of this connection does not allow any new transactions to be started"))
}

func (c *connection) Write(ctx context.Context, ms []*spanner.Mutation) error {
	_, err := c.WriteAsync(ctx, ms).Get()
	return err
}

func (c *connection) WriteAsync(ctx context.Context, ms []*spanner.Mutation) *future.Future[struct{}] {
	if err := c.checkOpen(); err != nil {
		return resolvedFuture(struct{}{}, err)
	}
	if !c.autocommit {
		return resolvedFuture(struct{}{}, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "Write is only allowed in autocommit mode, use BufferedWrite in transactions")))
	}
	uow, err := c.getCurrentOrNewUnitOfWork()
	if err != nil {
		return resolvedFuture(struct{}{}, err)
	}
	return uow.writeAsync(ctx, ms)
}

func (c *connection) WriteMutation(ctx context.Context, m *spanner.Mutation) error {
	return c.Write(ctx, []*spanner.Mutation{m})
}

func (c *connection) BufferedWrite(ctx context.Context, ms []*spanner.Mutation) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if c.autocommit {
		return spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "BufferedWrite is not allowed in autocommit mode, use Write instead"))
	}
	uow, err := c.getCurrentOrNewUnitOfWork()
	if err != nil {
		return err
	}
	_, err = uow.writeAsync(ctx, ms).Get()
	return err
}

func (c *connection) BufferedWriteMutation(ctx context.Context, m *spanner.Mutation) error {
	return c.BufferedWrite(ctx, []*spanner.Mutation{m})
}

func (c *connection) StartBatchDdl() error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if c.isBatchActive() {
		return spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "cannot start a DDL batch when a batch is already active"))
	}
	if c.readOnly {
		return spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "cannot start a DDL batch when the connection is in read-only mode"))
	}
	if c.internalIsTransactionStarted() {
		return spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "cannot start a DDL batch while a transaction is active"))
	}
	if c.autocommit && c.inTransaction {
		return spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "cannot start a DDL batch while in a temporary transaction"))
	}
	if c.transactionBeginMarked {
		return spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "cannot start a DDL batch when a transaction has begun"))
	}
	c.batchMode = batchModeDdl
	c.uowType = unitOfWorkDdlBatch
	uow, err := c.createNewUnitOfWork()
	if err != nil {
		return err
	}
	c.setCurrentUnitOfWork(uow)
	c.logger.Debug("started ddl batch")
	return nil
}

func (c *connection) StartBatchDml() error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if c.isBatchActive() {
		return spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "cannot start a DML batch when a batch is already active"))
	}
	if c.readOnly {
		return spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "cannot start a DML batch when the connection is in read-only mode"))
	}
	if c.internalIsInTransaction() && c.uowType == unitOfWorkReadOnlyTransaction {
		return spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "cannot start a DML batch when a read-only transaction is in progress"))
	}
	// Make sure that there is a current unit of work that the batch can use.
	if _, err := c.getCurrentOrNewUnitOfWork(); err != nil {
		return err
	}
	c.batchMode = batchModeDml
	c.uowType = unitOfWorkDmlBatch
	uow, err := c.createNewUnitOfWork()
	if err != nil {
		return err
	}
	c.setCurrentUnitOfWork(uow)
	c.logger.Debug("started dml batch")
	return nil
}

func (c *connection) RunBatch(ctx context.Context) ([]int64, error) {
	return c.RunBatchAsync(ctx).Get()
}

func (c *connection) RunBatchAsync(ctx context.Context) *future.Future[[]int64] {
	if err := c.checkOpen(); err != nil {
		return resolvedFuture[[]int64](nil, err)
	}
	if !c.isBatchActive() {
		return resolvedFuture[[]int64](nil, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "this connection has no active batch")))
	}
	defer func() {
		c.batchMode = batchModeNone
		c.setDefaultTransactionOptions()
	}()
	if c.currentUnitOfWork == nil {
		return resolvedFuture([]int64{}, nil)
	}
	return c.currentUnitOfWork.runBatchAsync(ctx)
}

func (c *connection) AbortBatch() error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if !c.isBatchActive() {
		return spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "this connection has no active batch"))
	}
	defer func() {
		c.batchMode = batchModeNone
		c.setDefaultTransactionOptions()
	}()
	if c.currentUnitOfWork == nil {
		return nil
	}
	return c.currentUnitOfWork.abortBatch()
}

func (c *connection) isBatchActive() bool {
	return c.batchMode != batchModeNone
}

func (c *connection) IsDdlBatchActive() bool {
	return c.batchMode == batchModeDdl
}

func (c *connection) IsDmlBatchActive() bool {
	return c.batchMode == batchModeDml
}

func (c *connection) Cancel() error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	c.uowMu.Lock()
	uow := c.currentUnitOfWork
	c.uowMu.Unlock()
	if uow != nil {
		uow.cancel()
	}
	return nil
}

// mapFuture returns a future that completes with fn applied to the value of
// f.
func mapFuture[T, U any](f *future.Future[T], fn func(T) U) *future.Future[U] {
	p := future.NewPromise[U]()
	go func() {
		v, err := f.Get()
		var u U
		if err == nil {
			u = fn(v)
		}
		p.Set(u, err)
	}()
	return p.Future()
}

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
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/spanner"
	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// testParser is a keyword-based stand-in for the external statement parser.
// It only recognizes the statements that the tests use.
type testParser struct{}

var clientSideStatements = map[string]func(params string) *ClientSideStatement{
	"SET AUTOCOMMIT":         func(p string) *ClientSideStatement { return &ClientSideStatement{Type: StatementSetAutocommit, BoolValue: p == "TRUE"} },
	"SHOW AUTOCOMMIT":        func(string) *ClientSideStatement { return &ClientSideStatement{Type: StatementShowAutocommit} },
	"SET READONLY":           func(p string) *ClientSideStatement { return &ClientSideStatement{Type: StatementSetReadOnly, BoolValue: p == "TRUE"} },
	"SHOW READONLY":          func(string) *ClientSideStatement { return &ClientSideStatement{Type: StatementShowReadOnly} },
	"SHOW AUTOCOMMIT_DML_MODE": func(string) *ClientSideStatement {
		return &ClientSideStatement{Type: StatementShowAutocommitDmlMode}
	},
	"SET AUTOCOMMIT_DML_MODE": func(p string) *ClientSideStatement {
		return &ClientSideStatement{Type: StatementSetAutocommitDmlMode, StringValue: p}
	},
	"SHOW READ_TIMESTAMP":   func(string) *ClientSideStatement { return &ClientSideStatement{Type: StatementShowReadTimestamp} },
	"SHOW COMMIT_TIMESTAMP": func(string) *ClientSideStatement { return &ClientSideStatement{Type: StatementShowCommitTimestamp} },
	"BEGIN": func(p string) *ClientSideStatement {
		mode := TransactionModeReadWrite
		if p == "READ ONLY" {
			mode = TransactionModeReadOnly
		}
		return &ClientSideStatement{Type: StatementBeginTransaction, TransactionMode: mode}
	},
	"COMMIT":          func(string) *ClientSideStatement { return &ClientSideStatement{Type: StatementCommit} },
	"ROLLBACK":        func(string) *ClientSideStatement { return &ClientSideStatement{Type: StatementRollback} },
	"START BATCH DDL": func(string) *ClientSideStatement { return &ClientSideStatement{Type: StatementStartBatchDdl} },
	"START BATCH DML": func(string) *ClientSideStatement { return &ClientSideStatement{Type: StatementStartBatchDml} },
	"RUN BATCH":       func(string) *ClientSideStatement { return &ClientSideStatement{Type: StatementRunBatch} },
	"ABORT BATCH":     func(string) *ClientSideStatement { return &ClientSideStatement{Type: StatementAbortBatch} },
}

func (p *testParser) Parse(stmt spanner.Statement, _ *spannerpb.ExecuteSqlRequest_QueryOptions) (*ParsedStatement, error) {
	sql := strings.TrimSpace(stmt.SQL)
	upper := strings.ToUpper(sql)
	for prefix, create := range clientSideStatements {
		if upper == prefix || strings.HasPrefix(upper, prefix+" ") {
			params := strings.TrimSpace(upper[len(prefix):])
			params = strings.TrimSpace(strings.TrimPrefix(params, "="))
			return &ParsedStatement{Kind: StatementKindClientSide, ClientSideStatement: create(params)}, nil
		}
	}
	switch {
	case strings.HasPrefix(upper, "SELECT") || strings.HasPrefix(upper, "WITH"):
		return &ParsedStatement{Kind: StatementKindQuery, Statement: stmt}, nil
	case strings.HasPrefix(upper, "INSERT") || strings.HasPrefix(upper, "UPDATE") || strings.HasPrefix(upper, "DELETE"):
		return &ParsedStatement{Kind: StatementKindUpdate, Statement: stmt}, nil
	case strings.HasPrefix(upper, "CREATE") || strings.HasPrefix(upper, "ALTER") || strings.HasPrefix(upper, "DROP"):
		return &ParsedStatement{Kind: StatementKindDdl, Statement: stmt}, nil
	}
	return &ParsedStatement{Kind: StatementKindUnknown, Statement: stmt}, nil
}

// testRowIterator is an in-memory result set.
type testRowIterator struct {
	rows  []*spanner.Row
	index int
	err   error
}

func (it *testRowIterator) Next() (*spanner.Row, error) {
	if it.err != nil {
		return nil, it.err
	}
	if it.index == len(it.rows) {
		return nil, iterator.Done
	}
	row := it.rows[it.index]
	it.index++
	return row, nil
}

func (it *testRowIterator) Stop() {}

func (it *testRowIterator) Metadata() *spannerpb.ResultSetMetadata {
	return &spannerpb.ResultSetMetadata{}
}

func singleColRows(t *testing.T, col string, values ...interface{}) []*spanner.Row {
	t.Helper()
	rows := make([]*spanner.Row, len(values))
	for i, v := range values {
		row, err := spanner.NewRow([]string{col}, []interface{}{v})
		if err != nil {
			t.Fatalf("failed to create row: %v", err)
		}
		rows[i] = row
	}
	return rows
}

func abortedErr() error {
	return spanner.ToSpannerError(status.Error(codes.Aborted, "transaction was aborted"))
}

// testDatabaseClient is a scriptable fake of the database client.
type testDatabaseClient struct {
	mu sync.Mutex

	// results per SQL text.
	rows         map[string][]*spanner.Row
	updateCounts map[string]int64

	// queryBlocks makes Query calls block until the context is cancelled or
	// the channel is closed.
	queryBlocks chan struct{}

	// updateFn and commitFn override the default behavior when set.
	updateFn func(handle *testReadWriteTxHandle, sql string) (int64, error)
	commitFn func(handle *testReadWriteTxHandle) (time.Time, error)
	queryFn  func(handle *testReadWriteTxHandle, sql string) (RowIterator, error)

	beginCount       int
	partitionedCount int64
	partitionedErr   error
	applyTs          time.Time
	applyErr         error
	appliedMutations [][]*spanner.Mutation
	commitCount      int

	readTs time.Time

	singleUseHandles []*testReadOnlyTxHandle
	readOnlyHandles  []*testReadOnlyTxHandle
	rwHandles        []*testReadWriteTxHandle
}

func newTestDatabaseClient() *testDatabaseClient {
	return &testDatabaseClient{
		rows:         make(map[string][]*spanner.Row),
		updateCounts: make(map[string]int64),
		readTs:       time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		applyTs:      time.Date(2025, 1, 1, 0, 0, 1, 0, time.UTC),
	}
}

func (c *testDatabaseClient) rowsFor(sql string) []*spanner.Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	rows := c.rows[sql]
	out := make([]*spanner.Row, len(rows))
	copy(out, rows)
	return out
}

func (c *testDatabaseClient) maybeBlock(ctx context.Context) {
	c.mu.Lock()
	blocks := c.queryBlocks
	c.mu.Unlock()
	if blocks == nil {
		return
	}
	select {
	case <-ctx.Done():
	case <-blocks:
	}
}

func (c *testDatabaseClient) SingleUse(staleness spanner.TimestampBound) ReadOnlyTxHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := &testReadOnlyTxHandle{client: c, staleness: staleness, readTs: c.readTs}
	c.singleUseHandles = append(c.singleUseHandles, h)
	return h
}

func (c *testDatabaseClient) BeginReadOnlyTransaction(staleness spanner.TimestampBound) ReadOnlyTxHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := &testReadOnlyTxHandle{client: c, staleness: staleness, readTs: c.readTs}
	c.readOnlyHandles = append(c.readOnlyHandles, h)
	return h
}

func (c *testDatabaseClient) BeginReadWriteTransaction(_ context.Context) (ReadWriteTxHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.beginCount++
	h := &testReadWriteTxHandle{client: c, id: c.beginCount}
	c.rwHandles = append(c.rwHandles, h)
	return h, nil
}

func (c *testDatabaseClient) PartitionedUpdate(_ context.Context, stmt spanner.Statement, _ spanner.QueryOptions) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.partitionedErr != nil {
		return 0, c.partitionedErr
	}
	return c.partitionedCount, nil
}

func (c *testDatabaseClient) Apply(_ context.Context, ms []*spanner.Mutation) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.applyErr != nil {
		return time.Time{}, c.applyErr
	}
	c.appliedMutations = append(c.appliedMutations, ms)
	return c.applyTs, nil
}

// nextCommitTs returns a strictly increasing commit timestamp.
func (c *testDatabaseClient) nextCommitTs() time.Time {
	c.commitCount++
	return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(c.commitCount) * time.Second)
}

type testReadOnlyTxHandle struct {
	client    *testDatabaseClient
	staleness spanner.TimestampBound
	readTs    time.Time
	queried   bool
	closed    bool
}

func (h *testReadOnlyTxHandle) Query(ctx context.Context, stmt spanner.Statement, _ spanner.QueryOptions) RowIterator {
	h.client.maybeBlock(ctx)
	h.queried = true
	return &testRowIterator{rows: h.client.rowsFor(stmt.SQL)}
}

func (h *testReadOnlyTxHandle) ReadTimestamp() (time.Time, error) {
	if !h.queried {
		return time.Time{}, status.Error(codes.FailedPrecondition, "no reads have been executed")
	}
	return h.readTs, nil
}

func (h *testReadOnlyTxHandle) Close() {
	h.closed = true
}

type testReadWriteTxHandle struct {
	client     *testDatabaseClient
	id         int
	committed  bool
	rolledBack bool
	commitTs   time.Time
	buffered   []*spanner.Mutation
	updates    []string
}

func (h *testReadWriteTxHandle) Query(ctx context.Context, stmt spanner.Statement, _ spanner.QueryOptions) RowIterator {
	h.client.maybeBlock(ctx)
	h.client.mu.Lock()
	queryFn := h.client.queryFn
	h.client.mu.Unlock()
	if queryFn != nil {
		it, err := queryFn(h, stmt.SQL)
		if err != nil {
			return &testRowIterator{err: err}
		}
		return it
	}
	return &testRowIterator{rows: h.client.rowsFor(stmt.SQL)}
}

func (h *testReadWriteTxHandle) Update(ctx context.Context, stmt spanner.Statement, _ spanner.QueryOptions) (int64, error) {
	h.client.maybeBlock(ctx)
	h.client.mu.Lock()
	updateFn := h.client.updateFn
	h.client.mu.Unlock()
	h.updates = append(h.updates, stmt.SQL)
	if updateFn != nil {
		return updateFn(h, stmt.SQL)
	}
	h.client.mu.Lock()
	defer h.client.mu.Unlock()
	count, ok := h.client.updateCounts[stmt.SQL]
	if !ok {
		return 0, status.Errorf(codes.InvalidArgument, "unknown update statement: %s", stmt.SQL)
	}
	return count, nil
}

func (h *testReadWriteTxHandle) BatchUpdate(ctx context.Context, stmts []spanner.Statement, opts spanner.QueryOptions) ([]int64, error) {
	counts := make([]int64, len(stmts))
	for i, stmt := range stmts {
		count, err := h.Update(ctx, stmt, opts)
		if err != nil {
			return nil, err
		}
		counts[i] = count
	}
	return counts, nil
}

func (h *testReadWriteTxHandle) BufferWrite(ms []*spanner.Mutation) error {
	h.buffered = append(h.buffered, ms...)
	return nil
}

func (h *testReadWriteTxHandle) Commit(_ context.Context) (time.Time, error) {
	h.client.mu.Lock()
	commitFn := h.client.commitFn
	h.client.mu.Unlock()
	if commitFn != nil {
		ts, err := commitFn(h)
		if err == nil {
			h.committed = true
			h.commitTs = ts
		}
		return ts, err
	}
	h.client.mu.Lock()
	defer h.client.mu.Unlock()
	h.committed = true
	h.commitTs = h.client.nextCommitTs()
	return h.commitTs, nil
}

func (h *testReadWriteTxHandle) Rollback(_ context.Context) {
	h.rolledBack = true
}

// testDdlClient records the DDL statements that were submitted.
type testDdlClient struct {
	mu      sync.Mutex
	batches [][]string
	err     error
}

func (c *testDdlClient) UpdateDatabaseDdl(_ context.Context, statements []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.batches = append(c.batches, statements)
	return nil
}

// retryListenerRecorder records the retry events that it observes.
type retryListenerRecorder struct {
	mu     sync.Mutex
	events []string
}

func (l *retryListenerRecorder) RetryStarted(attempt int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf("RETRY_STARTED(%d)", attempt))
}

func (l *retryListenerRecorder) RetryFinished(attempt int, result RetryResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf("%v(%d)", result, attempt))
}

func (l *retryListenerRecorder) recorded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	copy(out, l.events)
	return out
}

// newTestConnection creates a connection that uses fake clients and the test
// parser. The connection is not registered in any pool.
func newTestConnection(t *testing.T, modify ...func(options *ConnectionOptions)) (*connection, *testDatabaseClient, *testDdlClient) {
	t.Helper()
	options := &ConnectionOptions{
		Project:               "p",
		Instance:              "i",
		Database:              "d",
		Autocommit:            true,
		RetryAbortsInternally: true,
		MaxInternalRetries:    defaultMaxInternalRetries,
		Logger:                noopLogger,
	}
	for _, m := range modify {
		m(options)
	}
	dbClient := newTestDatabaseClient()
	ddlClient := &testDdlClient{}
	c := newConnection(options, &testParser{}, nil)
	c.dbClient = dbClient
	c.ddlClient = ddlClient
	t.Cleanup(func() {
		_ = c.Close()
	})
	return c, dbClient, ddlClient
}

func mustQueryAllInt64(t *testing.T, it RowIterator) []int64 {
	t.Helper()
	var values []int64
	for {
		row, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			t.Fatalf("failed to get next row: %v", err)
		}
		var v int64
		if err := row.Column(0, &v); err != nil {
			t.Fatalf("failed to get column value: %v", err)
		}
		values = append(values, v)
	}
	it.Stop()
	return values
}

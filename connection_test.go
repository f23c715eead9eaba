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
	"testing"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/google/go-cmp/cmp"
	"google.golang.org/grpc/codes"
)

func TestDefaultConnectionState(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestConnection(t)
	if !c.IsAutocommit() {
		t.Error("connection should default to autocommit")
	}
	if c.IsReadOnly() {
		t.Error("connection should not default to read-only")
	}
	if g, w := c.AutocommitDmlMode(), Transactional; g != w {
		t.Errorf("autocommit dml mode mismatch\n Got: %v\nWant: %v", g, w)
	}
	if g, w := c.ReadOnlyStaleness(), spanner.StrongRead(); g.String() != w.String() {
		t.Errorf("staleness mismatch\n Got: %v\nWant: %v", g, w)
	}
	if !c.RetryAbortsInternally() {
		t.Error("connection should default to retrying aborts internally")
	}
	if c.HasStatementTimeout() {
		t.Error("connection should not have a statement timeout by default")
	}
	if c.IsTransactionStarted() {
		t.Error("connection should not have a started transaction")
	}
	if c.IsInTransaction() {
		t.Error("autocommit connection should not be in a transaction")
	}
}

func TestExecuteQueryInAutocommit(t *testing.T) {
	t.Parallel()
	c, dbClient, _ := newTestConnection(t)
	dbClient.rows["SELECT 1"] = singleColRows(t, "", int64(1))

	res, err := c.Execute(context.Background(), spanner.NewStatement("SELECT 1"))
	if err != nil {
		t.Fatalf("failed to execute query: %v", err)
	}
	if g, w := res.Type, ResultTypeResultSet; g != w {
		t.Fatalf("result type mismatch\n Got: %v\nWant: %v", g, w)
	}
	if g, w := mustQueryAllInt64(t, res.ResultSet), []int64{1}; !cmp.Equal(g, w) {
		t.Errorf("rows mismatch\n Got: %v\nWant: %v", g, w)
	}
	if c.IsTransactionStarted() {
		t.Error("no transaction should be started after an autocommit query")
	}
}

func TestExecuteUnknownStatement(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestConnection(t)
	_, err := c.Execute(context.Background(), spanner.NewStatement("GRANT ALL"))
	if g, w := spanner.ErrCode(err), codes.InvalidArgument; g != w {
		t.Errorf("error code mismatch\n Got: %v\nWant: %v", g, w)
	}
}

func TestClosedConnection(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestConnection(t)
	if err := c.Close(); err != nil {
		t.Fatalf("failed to close connection: %v", err)
	}
	if !c.IsClosed() {
		t.Fatal("connection should be closed")
	}
	// Repeated close is a no-op.
	if err := c.Close(); err != nil {
		t.Fatalf("failed to close connection twice: %v", err)
	}

	for name, f := range map[string]func() error{
		"SetAutocommit":        func() error { return c.SetAutocommit(false) },
		"SetReadOnly":          func() error { return c.SetReadOnly(true) },
		"SetAutocommitDmlMode": func() error { return c.SetAutocommitDmlMode(PartitionedNonAtomic) },
		"SetReadOnlyStaleness": func() error { return c.SetReadOnlyStaleness(spanner.ExactStaleness(time.Second)) },
		"SetStatementTimeout":  func() error { return c.SetStatementTimeout(1, time.Second) },
		"BeginTransaction":     func() error { return c.BeginTransaction() },
		"Commit":               func() error { return c.Commit(context.Background()) },
		"Rollback":             func() error { return c.Rollback(context.Background()) },
		"StartBatchDdl":        func() error { return c.StartBatchDdl() },
		"StartBatchDml":        func() error { return c.StartBatchDml() },
		"AbortBatch":           func() error { return c.AbortBatch() },
		"Cancel":               func() error { return c.Cancel() },
		"Execute": func() error {
			_, err := c.Execute(context.Background(), spanner.NewStatement("SELECT 1"))
			return err
		},
		"ExecuteUpdate": func() error {
			_, err := c.ExecuteUpdate(context.Background(), spanner.NewStatement("UPDATE foo SET bar=1"))
			return err
		},
		"Write": func() error {
			return c.Write(context.Background(), []*spanner.Mutation{spanner.Delete("foo", spanner.AllKeys())})
		},
		"RunBatch": func() error {
			_, err := c.RunBatch(context.Background())
			return err
		},
	} {
		if g, w := spanner.ErrCode(f()), codes.FailedPrecondition; g != w {
			t.Errorf("%s: error code mismatch\n Got: %v\nWant: %v", name, g, w)
		}
	}
}

func TestSetAutocommitWhileTransactionStarted(t *testing.T) {
	t.Parallel()
	c, dbClient, _ := newTestConnection(t)
	dbClient.updateCounts["UPDATE foo SET bar=1"] = 1

	if err := c.BeginTransaction(); err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}
	if _, err := c.ExecuteUpdate(context.Background(), spanner.NewStatement("UPDATE foo SET bar=1")); err != nil {
		t.Fatalf("failed to execute update: %v", err)
	}
	if g, w := spanner.ErrCode(c.SetAutocommit(false)), codes.FailedPrecondition; g != w {
		t.Errorf("error code mismatch\n Got: %v\nWant: %v", g, w)
	}
	if err := c.Rollback(context.Background()); err != nil {
		t.Fatalf("failed to rollback: %v", err)
	}
	// After the transaction has ended the mode can be changed.
	if err := c.SetAutocommit(false); err != nil {
		t.Fatalf("failed to set autocommit: %v", err)
	}
}

func TestBeginTransactionTwice(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestConnection(t)
	if err := c.BeginTransaction(); err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}
	if g, w := spanner.ErrCode(c.BeginTransaction()), codes.FailedPrecondition; g != w {
		t.Errorf("error code mismatch\n Got: %v\nWant: %v", g, w)
	}
}

func TestCommitWithoutStartedTransaction(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestConnection(t)
	if err := c.BeginTransaction(); err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}
	// No statement has been executed, so there is nothing to commit.
	if err := c.Commit(context.Background()); err != nil {
		t.Fatalf("failed to commit empty transaction: %v", err)
	}
	if c.IsTransactionStarted() {
		t.Error("no transaction should be started after commit")
	}
}

func TestExplicitTransactionCommit(t *testing.T) {
	t.Parallel()
	c, dbClient, _ := newTestConnection(t)
	dbClient.updateCounts["INSERT INTO foo (bar) SELECT 1 FROM three"] = 3
	dbClient.updateCounts["INSERT INTO foo (bar) SELECT 1 FROM two"] = 2

	if err := c.BeginTransaction(); err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}
	count, err := c.ExecuteUpdate(context.Background(), spanner.NewStatement("INSERT INTO foo (bar) SELECT 1 FROM three"))
	if err != nil {
		t.Fatalf("failed to execute update: %v", err)
	}
	if g, w := count, int64(3); g != w {
		t.Errorf("update count mismatch\n Got: %v\nWant: %v", g, w)
	}
	count, err = c.ExecuteUpdate(context.Background(), spanner.NewStatement("INSERT INTO foo (bar) SELECT 1 FROM two"))
	if err != nil {
		t.Fatalf("failed to execute update: %v", err)
	}
	if g, w := count, int64(2); g != w {
		t.Errorf("update count mismatch\n Got: %v\nWant: %v", g, w)
	}
	if !c.IsTransactionStarted() {
		t.Fatal("transaction should be started")
	}
	if err := c.Commit(context.Background()); err != nil {
		t.Fatalf("failed to commit: %v", err)
	}
	ts, err := c.CommitTimestamp()
	if err != nil {
		t.Fatalf("failed to get commit timestamp: %v", err)
	}
	if ts.IsZero() {
		t.Error("commit timestamp should not be zero")
	}
	// The commit timestamp remains available until a new transaction starts.
	ts2, err := c.CommitTimestamp()
	if err != nil {
		t.Fatalf("failed to get commit timestamp again: %v", err)
	}
	if !ts.Equal(ts2) {
		t.Errorf("commit timestamp changed\n Got: %v\nWant: %v", ts2, ts)
	}
}

func TestCommitTimestampsAreMonotonic(t *testing.T) {
	t.Parallel()
	c, dbClient, _ := newTestConnection(t)
	dbClient.updateCounts["UPDATE foo SET bar=1"] = 1

	var prev time.Time
	for i := 0; i < 3; i++ {
		if err := c.BeginTransaction(); err != nil {
			t.Fatalf("failed to begin transaction: %v", err)
		}
		if _, err := c.ExecuteUpdate(context.Background(), spanner.NewStatement("UPDATE foo SET bar=1")); err != nil {
			t.Fatalf("failed to execute update: %v", err)
		}
		if err := c.Commit(context.Background()); err != nil {
			t.Fatalf("failed to commit: %v", err)
		}
		ts, err := c.CommitTimestamp()
		if err != nil {
			t.Fatalf("failed to get commit timestamp: %v", err)
		}
		if !ts.After(prev) {
			t.Errorf("commit timestamp is not monotonic\n Got: %v\nPrev: %v", ts, prev)
		}
		prev = ts
	}
}

func TestRollbackRestoresModeState(t *testing.T) {
	t.Parallel()
	c, dbClient, _ := newTestConnection(t)
	dbClient.rows["SELECT 1"] = singleColRows(t, "", int64(1))

	autocommit := c.IsAutocommit()
	readOnly := c.IsReadOnly()
	staleness := c.ReadOnlyStaleness()
	dmlMode := c.AutocommitDmlMode()

	if err := c.BeginTransaction(); err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}
	if _, err := c.ExecuteQuery(context.Background(), spanner.NewStatement("SELECT 1")); err != nil {
		t.Fatalf("failed to execute query: %v", err)
	}
	if err := c.Rollback(context.Background()); err != nil {
		t.Fatalf("failed to rollback: %v", err)
	}

	if g, w := c.IsAutocommit(), autocommit; g != w {
		t.Errorf("autocommit mismatch after rollback\n Got: %v\nWant: %v", g, w)
	}
	if g, w := c.IsReadOnly(), readOnly; g != w {
		t.Errorf("read-only mismatch after rollback\n Got: %v\nWant: %v", g, w)
	}
	if g, w := c.ReadOnlyStaleness().String(), staleness.String(); g != w {
		t.Errorf("staleness mismatch after rollback\n Got: %v\nWant: %v", g, w)
	}
	if g, w := c.AutocommitDmlMode(), dmlMode; g != w {
		t.Errorf("dml mode mismatch after rollback\n Got: %v\nWant: %v", g, w)
	}
	if c.IsTransactionStarted() {
		t.Error("no transaction should be started after rollback")
	}
}

func TestMaxStalenessOnlyInAutocommit(t *testing.T) {
	t.Parallel()
	c, dbClient, _ := newTestConnection(t)
	dbClient.rows["SELECT 1"] = singleColRows(t, "", int64(1))

	// MAX_STALENESS is allowed in autocommit mode.
	if err := c.SetReadOnlyStaleness(spanner.MaxStaleness(5 * time.Second)); err != nil {
		t.Fatalf("failed to set max staleness: %v", err)
	}
	if _, err := c.ExecuteQuery(context.Background(), spanner.NewStatement("SELECT 1")); err != nil {
		t.Fatalf("failed to execute query: %v", err)
	}

	// Switching to transactional mode silently resets the staleness.
	if err := c.SetAutocommit(false); err != nil {
		t.Fatalf("failed to set autocommit: %v", err)
	}
	if g, w := c.ReadOnlyStaleness().String(), spanner.StrongRead().String(); g != w {
		t.Errorf("staleness mismatch\n Got: %v\nWant: %v", g, w)
	}

	// Setting MAX_STALENESS or MIN_READ_TIMESTAMP is not allowed outside
	// autocommit mode.
	for _, staleness := range []spanner.TimestampBound{
		spanner.MaxStaleness(5 * time.Second),
		spanner.MinReadTimestamp(time.Now()),
	} {
		if g, w := spanner.ErrCode(c.SetReadOnlyStaleness(staleness)), codes.FailedPrecondition; g != w {
			t.Errorf("%v: error code mismatch\n Got: %v\nWant: %v", staleness, g, w)
		}
	}
	// Other staleness values are allowed.
	if err := c.SetReadOnlyStaleness(spanner.ExactStaleness(10 * time.Second)); err != nil {
		t.Fatalf("failed to set exact staleness: %v", err)
	}
}

func TestSetTransactionModeOnReadOnlyConnection(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestConnection(t, func(options *ConnectionOptions) {
		options.ReadOnly = true
		options.Autocommit = false
	})
	if g, w := spanner.ErrCode(c.SetTransactionMode(TransactionModeReadWrite)), codes.FailedPrecondition; g != w {
		t.Errorf("error code mismatch\n Got: %v\nWant: %v", g, w)
	}
	if err := c.SetTransactionMode(TransactionModeReadOnly); err != nil {
		t.Fatalf("failed to set read-only transaction mode: %v", err)
	}
}

func TestReadOnlyTransactionUsesSameReadTimestamp(t *testing.T) {
	t.Parallel()
	c, dbClient, _ := newTestConnection(t, func(options *ConnectionOptions) {
		options.Autocommit = false
		options.ReadOnly = true
	})
	dbClient.rows["SELECT 1"] = singleColRows(t, "", int64(1))
	dbClient.rows["SELECT 2"] = singleColRows(t, "", int64(2))

	if _, err := c.ExecuteQuery(context.Background(), spanner.NewStatement("SELECT 1")); err != nil {
		t.Fatalf("failed to execute query: %v", err)
	}
	ts1, err := c.ReadTimestamp()
	if err != nil {
		t.Fatalf("failed to get read timestamp: %v", err)
	}
	if _, err := c.ExecuteQuery(context.Background(), spanner.NewStatement("SELECT 2")); err != nil {
		t.Fatalf("failed to execute query: %v", err)
	}
	ts2, err := c.ReadTimestamp()
	if err != nil {
		t.Fatalf("failed to get read timestamp: %v", err)
	}
	if !ts1.Equal(ts2) {
		t.Errorf("read timestamps differ\n Got: %v\nWant: %v", ts2, ts1)
	}
	// Only one snapshot should have been created.
	if g, w := len(dbClient.readOnlyHandles), 1; g != w {
		t.Errorf("number of read-only transactions mismatch\n Got: %v\nWant: %v", g, w)
	}
	if err := c.Commit(context.Background()); err != nil {
		t.Fatalf("failed to commit: %v", err)
	}
	if !dbClient.readOnlyHandles[0].closed {
		t.Error("snapshot should be released by commit")
	}
}

func TestUpdatesRejectedInReadOnlyTransaction(t *testing.T) {
	t.Parallel()
	c, dbClient, _ := newTestConnection(t, func(options *ConnectionOptions) {
		options.Autocommit = false
		options.ReadOnly = true
	})
	dbClient.rows["SELECT 1"] = singleColRows(t, "", int64(1))
	if _, err := c.ExecuteQuery(context.Background(), spanner.NewStatement("SELECT 1")); err != nil {
		t.Fatalf("failed to execute query: %v", err)
	}
	_, err := c.ExecuteUpdate(context.Background(), spanner.NewStatement("UPDATE foo SET bar=1"))
	if g, w := spanner.ErrCode(err), codes.FailedPrecondition; g != w {
		t.Errorf("error code mismatch\n Got: %v\nWant: %v", g, w)
	}
}

func TestExecuteBatchUpdateRejectsNonDml(t *testing.T) {
	t.Parallel()
	c, dbClient, _ := newTestConnection(t)
	dbClient.updateCounts["UPDATE foo SET bar=1"] = 1

	_, err := c.ExecuteBatchUpdate(context.Background(), []spanner.Statement{
		spanner.NewStatement("UPDATE foo SET bar=1"),
		spanner.NewStatement("SELECT 1"),
	})
	if g, w := spanner.ErrCode(err), codes.InvalidArgument; g != w {
		t.Fatalf("error code mismatch\n Got: %v\nWant: %v", g, w)
	}
	// No statement may have been executed.
	if g, w := dbClient.beginCount, 0; g != w {
		t.Errorf("number of started transactions mismatch\n Got: %v\nWant: %v", g, w)
	}
}

func TestExecuteQueryWithUpdateStatement(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestConnection(t)
	_, err := c.ExecuteQuery(context.Background(), spanner.NewStatement("UPDATE foo SET bar=1"))
	if g, w := spanner.ErrCode(err), codes.InvalidArgument; g != w {
		t.Errorf("error code mismatch\n Got: %v\nWant: %v", g, w)
	}
}

func TestExecuteUpdateWithQueryStatement(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestConnection(t)
	_, err := c.ExecuteUpdate(context.Background(), spanner.NewStatement("SELECT 1"))
	if g, w := spanner.ErrCode(err), codes.InvalidArgument; g != w {
		t.Errorf("error code mismatch\n Got: %v\nWant: %v", g, w)
	}
}

func TestCancelQueryFromOtherGoroutine(t *testing.T) {
	t.Parallel()
	c, dbClient, _ := newTestConnection(t)
	dbClient.rows["SELECT 1"] = singleColRows(t, "", int64(1))
	dbClient.mu.Lock()
	dbClient.queryBlocks = make(chan struct{})
	dbClient.mu.Unlock()

	fut := c.ExecuteQueryAsync(context.Background(), spanner.NewStatement("SELECT * FROM slow"))
	// Wait until the statement is running on the executor.
	waitFor(t, func() bool {
		c.executor.mu.Lock()
		defer c.executor.mu.Unlock()
		return c.executor.current != nil
	})
	if err := c.Cancel(); err != nil {
		t.Fatalf("failed to cancel: %v", err)
	}
	_, err := fut.Get()
	if g, w := spanner.ErrCode(err), codes.Canceled; g != w {
		t.Fatalf("error code mismatch\n Got: %v\nWant: %v", g, w)
	}

	// The connection remains usable in autocommit mode.
	dbClient.mu.Lock()
	dbClient.queryBlocks = nil
	dbClient.mu.Unlock()
	res, err := c.ExecuteQuery(context.Background(), spanner.NewStatement("SELECT 1"))
	if err != nil {
		t.Fatalf("failed to execute query after cancel: %v", err)
	}
	if g, w := mustQueryAllInt64(t, res), []int64{1}; !cmp.Equal(g, w) {
		t.Errorf("rows mismatch\n Got: %v\nWant: %v", g, w)
	}
}

func TestStatementTimeout(t *testing.T) {
	t.Parallel()
	c, dbClient, _ := newTestConnection(t)
	dbClient.rows["SELECT 1"] = singleColRows(t, "", int64(1))
	dbClient.mu.Lock()
	dbClient.queryBlocks = make(chan struct{})
	dbClient.mu.Unlock()

	if err := c.SetStatementTimeout(5, time.Millisecond); err != nil {
		t.Fatalf("failed to set statement timeout: %v", err)
	}
	_, err := c.ExecuteQuery(context.Background(), spanner.NewStatement("SELECT * FROM slow"))
	if g, w := spanner.ErrCode(err), codes.DeadlineExceeded; g != w {
		t.Fatalf("error code mismatch\n Got: %v\nWant: %v", g, w)
	}

	// The connection remains usable after a timeout.
	dbClient.mu.Lock()
	dbClient.queryBlocks = nil
	dbClient.mu.Unlock()
	if err := c.ClearStatementTimeout(); err != nil {
		t.Fatalf("failed to clear statement timeout: %v", err)
	}
	if _, err := c.ExecuteQuery(context.Background(), spanner.NewStatement("SELECT 1")); err != nil {
		t.Fatalf("failed to execute query after timeout: %v", err)
	}
}

func TestStatementTimeoutValidation(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestConnection(t)
	if g, w := spanner.ErrCode(c.SetStatementTimeout(0, time.Second)), codes.InvalidArgument; g != w {
		t.Errorf("error code mismatch for zero timeout\n Got: %v\nWant: %v", g, w)
	}
	if g, w := spanner.ErrCode(c.SetStatementTimeout(1, time.Minute)), codes.InvalidArgument; g != w {
		t.Errorf("error code mismatch for invalid unit\n Got: %v\nWant: %v", g, w)
	}
	if err := c.SetStatementTimeout(100, time.Millisecond); err != nil {
		t.Fatalf("failed to set statement timeout: %v", err)
	}
	timeout, err := c.StatementTimeout(time.Millisecond)
	if err != nil {
		t.Fatalf("failed to get statement timeout: %v", err)
	}
	if g, w := timeout, int64(100); g != w {
		t.Errorf("timeout mismatch\n Got: %v\nWant: %v", g, w)
	}
}

func TestWriteInAutocommit(t *testing.T) {
	t.Parallel()
	c, dbClient, _ := newTestConnection(t)
	m := spanner.Insert("foo", []string{"bar"}, []interface{}{int64(1)})
	if err := c.Write(context.Background(), []*spanner.Mutation{m}); err != nil {
		t.Fatalf("failed to write mutations: %v", err)
	}
	if g, w := len(dbClient.appliedMutations), 1; g != w {
		t.Fatalf("number of applied mutation groups mismatch\n Got: %v\nWant: %v", g, w)
	}
	ts, err := c.CommitTimestamp()
	if err != nil {
		t.Fatalf("failed to get commit timestamp: %v", err)
	}
	if !ts.Equal(dbClient.applyTs) {
		t.Errorf("commit timestamp mismatch\n Got: %v\nWant: %v", ts, dbClient.applyTs)
	}

	// BufferedWrite is not allowed in autocommit mode.
	if g, w := spanner.ErrCode(c.BufferedWrite(context.Background(), []*spanner.Mutation{m})), codes.FailedPrecondition; g != w {
		t.Errorf("error code mismatch\n Got: %v\nWant: %v", g, w)
	}
}

func TestBufferedWriteInTransaction(t *testing.T) {
	t.Parallel()
	c, dbClient, _ := newTestConnection(t, func(options *ConnectionOptions) {
		options.Autocommit = false
	})
	dbClient.updateCounts["UPDATE foo SET bar=1"] = 1

	// Write is not allowed outside autocommit mode.
	m := spanner.Insert("foo", []string{"bar"}, []interface{}{int64(1)})
	if g, w := spanner.ErrCode(c.Write(context.Background(), []*spanner.Mutation{m})), codes.FailedPrecondition; g != w {
		t.Errorf("error code mismatch\n Got: %v\nWant: %v", g, w)
	}

	if err := c.BufferedWrite(context.Background(), []*spanner.Mutation{m}); err != nil {
		t.Fatalf("failed to buffer mutations: %v", err)
	}
	if _, err := c.ExecuteUpdate(context.Background(), spanner.NewStatement("UPDATE foo SET bar=1")); err != nil {
		t.Fatalf("failed to execute update: %v", err)
	}
	if err := c.Commit(context.Background()); err != nil {
		t.Fatalf("failed to commit: %v", err)
	}
	// The buffered mutations must have been sent with the commit.
	if g, w := len(dbClient.rwHandles[0].buffered), 1; g != w {
		t.Errorf("number of buffered mutations mismatch\n Got: %v\nWant: %v", g, w)
	}
}

func waitFor(t *testing.T, f func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !f() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(time.Millisecond)
	}
}

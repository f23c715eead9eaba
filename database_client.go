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
	"time"

	"cloud.google.com/go/spanner"
	"cloud.google.com/go/spanner/apiv1/spannerpb"
)

// RowIterator is the narrow result-set interface that the connection consumes.
// It is implemented by the Spanner row iterator and by the in-memory result
// sets that are returned for client-side statements.
type RowIterator interface {
	Next() (*spanner.Row, error)
	Stop()
	Metadata() *spannerpb.ResultSetMetadata
}

// DatabaseClient is the interface to the underlying database RPC client. The
// production implementation wraps a *spanner.Client. Tests inject fakes.
type DatabaseClient interface {
	// SingleUse returns a handle for a one-shot read at the given staleness.
	SingleUse(staleness spanner.TimestampBound) ReadOnlyTxHandle
	// BeginReadOnlyTransaction returns a handle for a multi-use snapshot at
	// the given staleness. The server-side transaction is started lazily by
	// the first query on the handle.
	BeginReadOnlyTransaction(staleness spanner.TimestampBound) ReadOnlyTxHandle
	// BeginReadWriteTransaction starts a new read/write transaction.
	BeginReadWriteTransaction(ctx context.Context) (ReadWriteTxHandle, error)
	// PartitionedUpdate executes the statement as Partitioned DML and returns
	// a lower bound of the number of affected rows.
	PartitionedUpdate(ctx context.Context, stmt spanner.Statement, opts spanner.QueryOptions) (int64, error)
	// Apply writes the mutations atomically outside any transaction.
	Apply(ctx context.Context, ms []*spanner.Mutation) (time.Time, error)
}

// ReadOnlyTxHandle is a server-side snapshot. Closing the handle releases the
// underlying session.
type ReadOnlyTxHandle interface {
	Query(ctx context.Context, stmt spanner.Statement, opts spanner.QueryOptions) RowIterator
	// ReadTimestamp returns the timestamp at which the snapshot is reading.
	// It is only available after the first query has been executed.
	ReadTimestamp() (time.Time, error)
	Close()
}

// ReadWriteTxHandle is a server-side read/write transaction.
type ReadWriteTxHandle interface {
	Query(ctx context.Context, stmt spanner.Statement, opts spanner.QueryOptions) RowIterator
	Update(ctx context.Context, stmt spanner.Statement, opts spanner.QueryOptions) (int64, error)
	BatchUpdate(ctx context.Context, stmts []spanner.Statement, opts spanner.QueryOptions) ([]int64, error)
	BufferWrite(ms []*spanner.Mutation) error
	Commit(ctx context.Context) (time.Time, error)
	Rollback(ctx context.Context)
}

// readOnlyRowIterator adapts *spanner.RowIterator to the RowIterator
// interface.
type readOnlyRowIterator struct {
	*spanner.RowIterator
}

func (it *readOnlyRowIterator) Metadata() *spannerpb.ResultSetMetadata {
	return it.RowIterator.Metadata
}

type databaseClient struct {
	client *spanner.Client
}

var _ DatabaseClient = &databaseClient{}

func newDatabaseClient(client *spanner.Client) DatabaseClient {
	return &databaseClient{client: client}
}

func (c *databaseClient) SingleUse(staleness spanner.TimestampBound) ReadOnlyTxHandle {
	return &readOnlyTxHandle{tx: c.client.Single().WithTimestampBound(staleness)}
}

func (c *databaseClient) BeginReadOnlyTransaction(staleness spanner.TimestampBound) ReadOnlyTxHandle {
	return &readOnlyTxHandle{tx: c.client.ReadOnlyTransaction().WithTimestampBound(staleness)}
}

func (c *databaseClient) BeginReadWriteTransaction(ctx context.Context) (ReadWriteTxHandle, error) {
	tx, err := spanner.NewReadWriteStmtBasedTransaction(ctx, c.client)
	if err != nil {
		return nil, err
	}
	return &readWriteTxHandle{tx: tx}, nil
}

func (c *databaseClient) PartitionedUpdate(ctx context.Context, stmt spanner.Statement, opts spanner.QueryOptions) (int64, error) {
	return c.client.PartitionedUpdateWithOptions(ctx, stmt, opts)
}

func (c *databaseClient) Apply(ctx context.Context, ms []*spanner.Mutation) (time.Time, error) {
	return c.client.Apply(ctx, ms)
}

type readOnlyTxHandle struct {
	tx *spanner.ReadOnlyTransaction
}

func (h *readOnlyTxHandle) Query(ctx context.Context, stmt spanner.Statement, opts spanner.QueryOptions) RowIterator {
	return &readOnlyRowIterator{h.tx.QueryWithOptions(ctx, stmt, opts)}
}

func (h *readOnlyTxHandle) ReadTimestamp() (time.Time, error) {
	return h.tx.Timestamp()
}

func (h *readOnlyTxHandle) Close() {
	h.tx.Close()
}

type readWriteTxHandle struct {
	tx *spanner.ReadWriteStmtBasedTransaction
}

func (h *readWriteTxHandle) Query(ctx context.Context, stmt spanner.Statement, opts spanner.QueryOptions) RowIterator {
	return &readOnlyRowIterator{h.tx.QueryWithOptions(ctx, stmt, opts)}
}

func (h *readWriteTxHandle) Update(ctx context.Context, stmt spanner.Statement, opts spanner.QueryOptions) (int64, error) {
	return h.tx.UpdateWithOptions(ctx, stmt, opts)
}

func (h *readWriteTxHandle) BatchUpdate(ctx context.Context, stmts []spanner.Statement, opts spanner.QueryOptions) ([]int64, error) {
	return h.tx.BatchUpdateWithOptions(ctx, stmts, opts)
}

func (h *readWriteTxHandle) BufferWrite(ms []*spanner.Mutation) error {
	return h.tx.BufferWrite(ms)
}

func (h *readWriteTxHandle) Commit(ctx context.Context) (time.Time, error) {
	return h.tx.Commit(ctx)
}

func (h *readWriteTxHandle) Rollback(ctx context.Context) {
	h.tx.Rollback(ctx)
}

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

	"cloud.google.com/go/spanner"
	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/cespare/xxhash/v2"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrAbortedDueToConcurrentModification is returned when a transaction replay
// observed a different result than the original attempt. This error is not
// retryable.
var ErrAbortedDueToConcurrentModification = spanner.ToSpannerError(status.Error(codes.Aborted, "transaction was aborted due to a concurrent modification"))

// checksumResultSet records an order-sensitive digest over the logical values
// of the rows that the caller has consumed. When the transaction is replayed
// after an abort, the same number of rows is consumed from the replayed query
// and the digests are compared. Equal result sets compare equal regardless of
// transport encoding; a different digest means a concurrent modification.
type checksumResultSet struct {
	ctx  context.Context
	tx   *readWriteTransaction
	stmt spanner.Statement
	opts spanner.QueryOptions

	it RowIterator
	// nc is the number of rows that have been consumed by the caller.
	nc       int64
	seenDone bool
	digest   *xxhash.Digest
}

var _ RowIterator = &checksumResultSet{}
var _ retriableStatement = &checksumResultSet{}

func newChecksumResultSet(ctx context.Context, tx *readWriteTransaction, stmt spanner.Statement, opts spanner.QueryOptions, it RowIterator) *checksumResultSet {
	return &checksumResultSet{
		ctx:    ctx,
		tx:     tx,
		stmt:   stmt,
		opts:   opts,
		it:     it,
		digest: xxhash.New(),
	}
}

func (rs *checksumResultSet) Next() (*spanner.Row, error) {
	var row *spanner.Row
	err := rs.tx.runWithRetry(rs.ctx, func(ctx context.Context) error {
		rs.tx.txMu.Lock()
		defer rs.tx.txMu.Unlock()
		var err error
		row, err = rs.it.Next()
		if err == iterator.Done {
			rs.seenDone = true
			return err
		}
		if err != nil {
			return err
		}
		rs.nc++
		return updateRowDigest(rs.digest, row)
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (rs *checksumResultSet) Stop() {
	rs.it.Stop()
}

func (rs *checksumResultSet) Metadata() *spannerpb.ResultSetMetadata {
	return rs.it.Metadata()
}

// retry re-executes the query on the replayed transaction, consumes the same
// number of rows as the original attempt, and compares the digests.
func (rs *checksumResultSet) retry(ctx context.Context, handle ReadWriteTxHandle) error {
	it := handle.Query(ctx, rs.stmt, rs.opts)
	digest := xxhash.New()
	for n := int64(0); n < rs.nc; n++ {
		row, err := it.Next()
		if err != nil {
			it.Stop()
			if spanner.ErrCode(err) == codes.Aborted {
				return err
			}
			// Fewer rows or another error than the original attempt.
			return ErrAbortedDueToConcurrentModification
		}
		if err := updateRowDigest(digest, row); err != nil {
			it.Stop()
			return ErrAbortedDueToConcurrentModification
		}
	}
	if rs.seenDone {
		if _, err := it.Next(); err != iterator.Done {
			it.Stop()
			if spanner.ErrCode(err) == codes.Aborted {
				return err
			}
			return ErrAbortedDueToConcurrentModification
		}
	}
	if digest.Sum64() != rs.digest.Sum64() {
		it.Stop()
		return ErrAbortedDueToConcurrentModification
	}
	rs.it.Stop()
	rs.it = it
	rs.digest = digest
	return nil
}

// updateRowDigest hashes the logical value of each column of the row into the
// digest. The type code is included so that values of different types never
// hash equal.
func updateRowDigest(digest *xxhash.Digest, row *spanner.Row) error {
	for i := 0; i < row.Size(); i++ {
		var v spanner.GenericColumnValue
		if err := row.Column(i, &v); err != nil {
			return err
		}
		_, _ = digest.WriteString(v.Type.GetCode().String())
		_, _ = digest.WriteString(":")
		_, _ = digest.WriteString(v.Value.String())
		_, _ = digest.WriteString(";")
	}
	_, _ = digest.WriteString("\n")
	return nil
}

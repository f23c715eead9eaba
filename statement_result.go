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
	"time"

	"cloud.google.com/go/spanner"
	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"google.golang.org/api/iterator"
)

// ResultType indicates the type of result that the execution of a statement
// produced.
type ResultType int

const (
	// ResultTypeNoResult is returned by statements that produce neither a row
	// set nor an update count, such as SET statements and DDL.
	ResultTypeNoResult ResultType = iota
	// ResultTypeResultSet is returned by queries and SHOW statements.
	ResultTypeResultSet
	// ResultTypeUpdateCount is returned by DML statements.
	ResultTypeUpdateCount
)

// StatementResult is the result of executing a statement through
// Connection.Execute.
type StatementResult struct {
	Type        ResultType
	ResultSet   RowIterator
	UpdateCount int64
}

func noResult() *StatementResult {
	return &StatementResult{Type: ResultTypeNoResult}
}

func resultSetResult(it RowIterator) *StatementResult {
	return &StatementResult{Type: ResultTypeResultSet, ResultSet: it}
}

func updateCountResult(count int64) *StatementResult {
	return &StatementResult{Type: ResultTypeUpdateCount, UpdateCount: count}
}

// clientSideResultSet is an in-memory result set that is returned for SHOW
// statements and other statements that are handled by the connection itself.
type clientSideResultSet struct {
	metadata *spannerpb.ResultSetMetadata
	rows     []*spanner.Row
	index    int
}

var _ RowIterator = &clientSideResultSet{}

func (rs *clientSideResultSet) Next() (*spanner.Row, error) {
	if rs.index == len(rs.rows) {
		return nil, iterator.Done
	}
	row := rs.rows[rs.index]
	rs.index++
	return row, nil
}

func (rs *clientSideResultSet) Stop() {
	rs.rows = nil
	rs.metadata = nil
}

func (rs *clientSideResultSet) Metadata() *spannerpb.ResultSetMetadata {
	return rs.metadata
}

func createBooleanResultSet(column string, value bool) (RowIterator, error) {
	return createSingleValueResultSet(column, value, spannerpb.TypeCode_BOOL)
}

func createStringResultSet(column string, value string) (RowIterator, error) {
	return createSingleValueResultSet(column, value, spannerpb.TypeCode_STRING)
}

func createInt64ResultSet(column string, value int64) (RowIterator, error) {
	return createSingleValueResultSet(column, value, spannerpb.TypeCode_INT64)
}

func createTimestampResultSet(column string, value time.Time) (RowIterator, error) {
	return createSingleValueResultSet(column, value, spannerpb.TypeCode_TIMESTAMP)
}

func createSingleValueResultSet(column string, value interface{}, code spannerpb.TypeCode) (RowIterator, error) {
	row, err := spanner.NewRow([]string{column}, []interface{}{value})
	if err != nil {
		return nil, err
	}
	return &clientSideResultSet{
		metadata: &spannerpb.ResultSetMetadata{
			RowType: &spannerpb.StructType{
				Fields: []*spannerpb.StructType_Field{
					{Name: column, Type: &spannerpb.Type{Code: code}},
				},
			},
		},
		rows: []*spanner.Row{row},
	}, nil
}

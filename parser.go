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
)

// StatementKind is the classification of a SQL statement as determined by the
// statement parser.
type StatementKind int

const (
	// StatementKindUnknown means that the parser could not classify the
	// statement. Executing an unknown statement fails with InvalidArgument.
	StatementKindUnknown StatementKind = iota
	// StatementKindClientSide means that the statement is a control directive
	// that is handled by the connection itself and never sent to Spanner.
	StatementKindClientSide
	// StatementKindQuery is a statement that returns a result set.
	StatementKindQuery
	// StatementKindUpdate is a DML statement that returns an update count.
	StatementKindUpdate
	// StatementKindDdl is a DDL statement that is executed through the admin
	// client.
	StatementKindDdl
)

func (k StatementKind) String() string {
	switch k {
	case StatementKindClientSide:
		return "CLIENT_SIDE"
	case StatementKindQuery:
		return "QUERY"
	case StatementKindUpdate:
		return "UPDATE"
	case StatementKindDdl:
		return "DDL"
	default:
		return "UNKNOWN"
	}
}

// AnalyzeMode indicates how a query should be executed: normally, only
// planned, or executed with additional statistics.
type AnalyzeMode int

const (
	AnalyzeModeNone AnalyzeMode = iota
	AnalyzeModePlan
	AnalyzeModeProfile
)

func (m AnalyzeMode) queryMode() spannerpb.ExecuteSqlRequest_QueryMode {
	switch m {
	case AnalyzeModePlan:
		return spannerpb.ExecuteSqlRequest_PLAN
	case AnalyzeModeProfile:
		return spannerpb.ExecuteSqlRequest_PROFILE
	default:
		return spannerpb.ExecuteSqlRequest_NORMAL
	}
}

// ParsedStatement is the result of parsing a statement. It is produced by a
// StatementParser implementation and consumed by the connection.
type ParsedStatement struct {
	Kind StatementKind
	// Statement contains the normalized SQL and any query parameters. It is
	// not set for client-side statements.
	Statement spanner.Statement
	// ClientSideStatement is set if and only if Kind is
	// StatementKindClientSide.
	ClientSideStatement *ClientSideStatement
}

// StatementParser parses and classifies SQL statements. Implementations are
// supplied by the caller; this package contains no SQL parsing logic.
type StatementParser interface {
	// Parse parses the given statement. The query options of the connection
	// are passed in so the parser can attach them to the returned statement.
	Parse(stmt spanner.Statement, options *spannerpb.ExecuteSqlRequest_QueryOptions) (*ParsedStatement, error)
}

// ClientSideStatementType identifies a control directive that is handled by
// the connection instead of being sent to Spanner.
type ClientSideStatementType int

const (
	StatementShowAutocommit ClientSideStatementType = iota
	StatementSetAutocommit
	StatementShowReadOnly
	StatementSetReadOnly
	StatementShowAutocommitDmlMode
	StatementSetAutocommitDmlMode
	StatementShowReadOnlyStaleness
	StatementSetReadOnlyStaleness
	StatementShowOptimizerVersion
	StatementSetOptimizerVersion
	StatementShowRetryAbortsInternally
	StatementSetRetryAbortsInternally
	StatementShowStatementTimeout
	StatementSetStatementTimeout
	StatementShowReadTimestamp
	StatementShowCommitTimestamp
	StatementBeginTransaction
	StatementSetTransactionMode
	StatementCommit
	StatementRollback
	StatementStartBatchDdl
	StatementStartBatchDml
	StatementRunBatch
	StatementAbortBatch
)

// ClientSideStatement is the parsed form of a control directive. The parser
// fills in the value field that corresponds to the statement type.
type ClientSideStatement struct {
	Type ClientSideStatementType

	BoolValue       bool
	StringValue     string
	Staleness       spanner.TimestampBound
	Timeout         time.Duration
	HasTimeout      bool
	TransactionMode TransactionMode
}

// isQuery reports whether the directive returns a result set.
func (s *ClientSideStatement) isQuery() bool {
	switch s.Type {
	case StatementShowAutocommit, StatementShowReadOnly, StatementShowAutocommitDmlMode,
		StatementShowReadOnlyStaleness, StatementShowOptimizerVersion,
		StatementShowRetryAbortsInternally, StatementShowStatementTimeout,
		StatementShowReadTimestamp, StatementShowCommitTimestamp:
		return true
	}
	return false
}

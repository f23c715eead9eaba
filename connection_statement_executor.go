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
	"strings"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// connectionStatementExecutor translates parsed client-side statements into
// method calls on the connection. The statement 'SET AUTOCOMMIT = TRUE' is
// translated into the call SetAutocommit(true). Client-side statements are
// executed synchronously with respect to the caller; they are never queued
// behind in-flight statements.
type connectionStatementExecutor struct {
	c *connection
}

func (e *connectionStatementExecutor) execute(ctx context.Context, stmt *ClientSideStatement) (*StatementResult, error) {
	switch stmt.Type {
	case StatementShowAutocommit:
		return showBool("AUTOCOMMIT", e.c.IsAutocommit())
	case StatementSetAutocommit:
		return execNoResult(e.c.SetAutocommit(stmt.BoolValue))
	case StatementShowReadOnly:
		return showBool("READONLY", e.c.IsReadOnly())
	case StatementSetReadOnly:
		return execNoResult(e.c.SetReadOnly(stmt.BoolValue))
	case StatementShowAutocommitDmlMode:
		return showString("AUTOCOMMIT_DML_MODE", e.c.AutocommitDmlMode().String())
	case StatementSetAutocommitDmlMode:
		mode, err := parseAutocommitDmlMode(stmt.StringValue)
		if err != nil {
			return nil, err
		}
		return execNoResult(e.c.SetAutocommitDmlMode(mode))
	case StatementShowReadOnlyStaleness:
		return showString("READ_ONLY_STALENESS", e.c.ReadOnlyStaleness().String())
	case StatementSetReadOnlyStaleness:
		return execNoResult(e.c.SetReadOnlyStaleness(stmt.Staleness))
	case StatementShowOptimizerVersion:
		return showString("OPTIMIZER_VERSION", e.c.OptimizerVersion())
	case StatementSetOptimizerVersion:
		return execNoResult(e.c.SetOptimizerVersion(stmt.StringValue))
	case StatementShowRetryAbortsInternally:
		return showBool("RETRY_ABORTS_INTERNALLY", e.c.RetryAbortsInternally())
	case StatementSetRetryAbortsInternally:
		return execNoResult(e.c.SetRetryAbortsInternally(stmt.BoolValue))
	case StatementShowStatementTimeout:
		return e.showStatementTimeout()
	case StatementSetStatementTimeout:
		if !stmt.HasTimeout {
			return execNoResult(e.c.ClearStatementTimeout())
		}
		return execNoResult(e.c.SetStatementTimeout(int64(stmt.Timeout), time.Nanosecond))
	case StatementShowReadTimestamp:
		return showTimestamp("READ_TIMESTAMP", e.c.ReadTimestampOrNil())
	case StatementShowCommitTimestamp:
		return showTimestamp("COMMIT_TIMESTAMP", e.c.CommitTimestampOrNil())
	case StatementBeginTransaction:
		if err := e.c.BeginTransaction(); err != nil {
			return nil, err
		}
		if stmt.TransactionMode == TransactionModeReadOnly {
			if err := e.c.SetTransactionMode(TransactionModeReadOnly); err != nil {
				return nil, err
			}
		}
		return noResult(), nil
	case StatementSetTransactionMode:
		return execNoResult(e.c.SetTransactionMode(stmt.TransactionMode))
	case StatementCommit:
		return execNoResult(e.c.Commit(ctx))
	case StatementRollback:
		return execNoResult(e.c.Rollback(ctx))
	case StatementStartBatchDdl:
		return execNoResult(e.c.StartBatchDdl())
	case StatementStartBatchDml:
		return execNoResult(e.c.StartBatchDml())
	case StatementRunBatch:
		if _, err := e.c.RunBatch(ctx); err != nil {
			return nil, err
		}
		return noResult(), nil
	case StatementAbortBatch:
		return execNoResult(e.c.AbortBatch())
	}
	return nil, spanner.ToSpannerError(status.Errorf(codes.InvalidArgument, "unsupported client-side statement type: %d", stmt.Type))
}

func (e *connectionStatementExecutor) showStatementTimeout() (*StatementResult, error) {
	if !e.c.HasStatementTimeout() {
		return showString("STATEMENT_TIMEOUT", "")
	}
	timeout, err := e.c.StatementTimeout(time.Nanosecond)
	if err != nil {
		return nil, err
	}
	return showString("STATEMENT_TIMEOUT", time.Duration(timeout).String())
}

func execNoResult(err error) (*StatementResult, error) {
	if err != nil {
		return nil, err
	}
	return noResult(), nil
}

func showBool(column string, value bool) (*StatementResult, error) {
	it, err := createBooleanResultSet(column, value)
	if err != nil {
		return nil, err
	}
	return resultSetResult(it), nil
}

func showString(column string, value string) (*StatementResult, error) {
	it, err := createStringResultSet(column, value)
	if err != nil {
		return nil, err
	}
	return resultSetResult(it), nil
}

func showTimestamp(column string, value *time.Time) (*StatementResult, error) {
	if value == nil {
		return showString(column, "")
	}
	it, err := createTimestampResultSet(column, *value)
	if err != nil {
		return nil, err
	}
	return resultSetResult(it), nil
}

func parseAutocommitDmlMode(value string) (AutocommitDmlMode, error) {
	switch strings.ToUpper(strings.Trim(value, "'")) {
	case "TRANSACTIONAL":
		return Transactional, nil
	case "TRANSACTIONAL_WITH_RETRY":
		return TransactionalWithRetry, nil
	case "PARTITIONED_NON_ATOMIC":
		return PartitionedNonAtomic, nil
	}
	return 0, spanner.ToSpannerError(status.Errorf(codes.InvalidArgument, "invalid autocommit dml mode: %s", value))
}

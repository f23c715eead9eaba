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

// Package spannerconn provides a stateful connection API for Google Cloud
// Spanner. A Connection routes each statement that is submitted to it to the
// correct execution vehicle based on its current mode flags: a one-shot read
// in autocommit mode, a multi-statement read-only snapshot, a read/write
// transaction with transparent retry of aborted transactions, or a DDL or
// DML batch.
//
// Connections share their underlying Spanner clients through a process-wide
// pool. SQL statements are classified by a StatementParser that is supplied
// by the caller; control directives such as SET AUTOCOMMIT and SHOW
// READ_TIMESTAMP are handled by the connection itself and never sent to
// Spanner.
package spannerconn

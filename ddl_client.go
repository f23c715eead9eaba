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

	adminapi "cloud.google.com/go/spanner/admin/database/apiv1"
	adminpb "cloud.google.com/go/spanner/admin/database/apiv1/databasepb"
)

// DdlClient is the interface to the database admin client that executes DDL
// statements. The production implementation wraps a DatabaseAdminClient.
type DdlClient interface {
	// UpdateDatabaseDdl submits the given DDL statements as one operation and
	// waits for the operation to finish. A batch of DDL statements is not
	// atomic: some statements may have been applied when the operation fails.
	UpdateDatabaseDdl(ctx context.Context, statements []string) error
}

type ddlClient struct {
	adminClient *adminapi.DatabaseAdminClient
	database    string
}

var _ DdlClient = &ddlClient{}

func newDdlClient(adminClient *adminapi.DatabaseAdminClient, database string) DdlClient {
	return &ddlClient{adminClient: adminClient, database: database}
}

func (c *ddlClient) UpdateDatabaseDdl(ctx context.Context, statements []string) error {
	if len(statements) == 0 {
		return nil
	}
	op, err := c.adminClient.UpdateDatabaseDdl(ctx, &adminpb.UpdateDatabaseDdlRequest{
		Database:   c.database,
		Statements: statements,
	})
	if err != nil {
		return err
	}
	return op.Wait(ctx)
}

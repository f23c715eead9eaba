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
	"sync"

	"cloud.google.com/go/spanner"
	adminapi "cloud.google.com/go/spanner/admin/database/apiv1"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const userAgent = "go-spanner-connection/0.1.0" // x-release-please-version

// spannerClients is the pair of back-end clients that connections to the same
// database configuration share.
type spannerClients struct {
	dbClient  DatabaseClient
	ddlClient DdlClient

	client      *spanner.Client
	adminClient *adminapi.DatabaseAdminClient
}

func (c *spannerClients) close() {
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
	if c.adminClient != nil {
		_ = c.adminClient.Close()
		c.adminClient = nil
	}
}

type poolEntry struct {
	clients *spannerClients
	// owners are the connections that are registered for this entry.
	owners map[interface{}]bool
}

// spannerPool is a process-wide pool that owns one pair of Spanner clients
// per connection configuration. Connections register themselves when they
// acquire the clients and deregister on close; the clients are closed when
// the last connection releases them.
type spannerPool struct {
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*poolEntry
	// factory creates the clients for an entry. Tests replace it to inject
	// fakes.
	factory func(ctx context.Context, options *ConnectionOptions) (*spannerClients, error)
}

// pool is the singleton that production connections register with.
var pool = newSpannerPool()

func newSpannerPool() *spannerPool {
	return &spannerPool{
		logger:  noopLogger,
		entries: make(map[string]*poolEntry),
		factory: createClients,
	}
}

// acquire returns the shared clients for the given options, creating them if
// this is the first connection for the configuration, and registers owner.
func (p *spannerPool) acquire(ctx context.Context, options *ConnectionOptions, owner interface{}) (*spannerClients, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := options.poolKey()
	entry, ok := p.entries[key]
	if !ok {
		options.logger().Log(ctx, LevelNotice, "creating Spanner clients", "database", options.DatabaseName())
		clients, err := p.factory(ctx, options)
		if err != nil {
			return nil, err
		}
		entry = &poolEntry{clients: clients, owners: make(map[interface{}]bool)}
		p.entries[key] = entry
	}
	entry.owners[owner] = true
	return entry.clients, nil
}

// release deregisters owner and closes the shared clients if it was the last
// connection for the configuration.
func (p *spannerPool) release(options *ConnectionOptions, owner interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := options.poolKey()
	entry, ok := p.entries[key]
	if !ok {
		return
	}
	delete(entry.owners, owner)
	if len(entry.owners) == 0 {
		options.logger().Debug("closing Spanner clients", "database", options.DatabaseName())
		entry.clients.close()
		delete(p.entries, key)
	}
}

func createClients(ctx context.Context, options *ConnectionOptions) (*spannerClients, error) {
	opts := []option.ClientOption{option.WithUserAgent(userAgent)}
	if options.Host != "" {
		opts = append(opts, option.WithEndpoint(options.Host))
	}
	if options.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(options.CredentialsFile))
	}
	if options.UsePlainText {
		opts = append(opts,
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
			option.WithoutAuthentication())
	}
	if options.NumChannels > 0 {
		opts = append(opts, option.WithGRPCConnectionPool(options.NumChannels))
	}
	config := spanner.ClientConfig{
		SessionPoolConfig: spanner.DefaultSessionPoolConfig,
		UserAgent:         userAgent,
	}
	if options.MinSessions > 0 {
		config.MinOpened = options.MinSessions
	}
	if options.MaxSessions > 0 {
		config.MaxOpened = options.MaxSessions
	}
	if options.QueryOptions != nil {
		config.QueryOptions = spanner.QueryOptions{Options: options.QueryOptions}
	}

	client, err := spanner.NewClientWithConfig(ctx, options.DatabaseName(), config, opts...)
	if err != nil {
		return nil, err
	}
	adminClient, err := adminapi.NewDatabaseAdminClient(ctx, opts...)
	if err != nil {
		client.Close()
		return nil, err
	}
	return &spannerClients{
		dbClient:    newDatabaseClient(client),
		ddlClient:   newDdlClient(adminClient, options.DatabaseName()),
		client:      client,
		adminClient: adminClient,
	}, nil
}

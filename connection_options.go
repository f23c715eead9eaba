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
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"cloud.google.com/go/spanner"
	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// LevelNotice is the default logging level that this library uses for
// informational logs. This level is deliberately chosen to be one level lower
// than the default log level, which is slog.LevelInfo. This prevents the
// library from adding noise to any default logger that has been set for the
// application.
const LevelNotice = slog.LevelInfo - 1

// Logger that discards everything and skips (almost) all logs.
var noopLogger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))

const defaultMaxInternalRetries = 50

// dsnRegExp describes the valid values for a connection string:
//  1. (Optional) Host: The host name and port number to connect to.
//  2. Database name: The database name to connect to in the format
//     `projects/my-project/instances/my-instance/databases/my-database`
//  3. (Optional) Parameters: One or more parameters in the format
//     `name=value`. Multiple entries are separated by `;`.
var dsnRegExp = regexp.MustCompile(`((?P<HOSTGROUP>[\w.-]+(?:\.[\w\.-]+)*[\w\-\._~:/?#\[\]@!\$&'\(\)\*\+,;=.]+)/)?projects/(?P<PROJECTGROUP>(([a-z]|[-.:]|[0-9])+|(DEFAULT_PROJECT_ID)))(/instances/(?P<INSTANCEGROUP>([a-z]|[-]|[0-9])+)(/databases/(?P<DATABASEGROUP>([a-z]|[-]|[_]|[0-9])+))?)?(([\?|;])(?P<PARAMSGROUP>.*))?`)

// ConnectionOptions contains the configuration for a connection.
type ConnectionOptions struct {
	Host     string
	Project  string
	Instance string
	Database string

	// ReadOnly is the initial read-only mode of the connection.
	ReadOnly bool
	// Autocommit is the initial autocommit mode of the connection.
	// ParseConnectionString sets it to true unless the connection string
	// sets it; the zero value of the field is false.
	Autocommit bool
	// RetryAbortsInternally determines whether aborted read/write
	// transactions are replayed internally. ParseConnectionString sets it to
	// true unless the connection string sets it; the zero value of the field
	// is false.
	RetryAbortsInternally bool
	// MaxInternalRetries is the maximum number of replay attempts for one
	// aborted transaction.
	MaxInternalRetries int

	// QueryOptions are merged into the query options of every statement that
	// is executed on the connection.
	QueryOptions *spannerpb.ExecuteSqlRequest_QueryOptions

	// StatementExecutionInterceptors are invoked before and after every
	// statement that is executed on the connection.
	StatementExecutionInterceptors []StatementExecutionInterceptor

	// CredentialsFile is the file name of the credentials to use. The
	// connection uses the default credentials of the environment if no
	// credentials file is specified.
	CredentialsFile string
	// UsePlainText indicates whether the connection should use plain text
	// communication. Set this to connect to local mock servers without SSL.
	UsePlainText bool
	MinSessions  uint64
	MaxSessions  uint64
	NumChannels  int

	// Logger is used for all logs of the connection. slog.Default() is used
	// if no logger is set.
	Logger *slog.Logger

	name string
}

func (o *ConnectionOptions) String() string {
	return o.name
}

// DatabaseName returns the fully qualified database name of the options.
func (o *ConnectionOptions) DatabaseName() string {
	return fmt.Sprintf("projects/%s/instances/%s/databases/%s", o.Project, o.Instance, o.Database)
}

// poolKey identifies the shared client entry in the SpannerPool that serves
// these options.
func (o *ConnectionOptions) poolKey() string {
	return fmt.Sprintf("%s/%s;credentials=%s;usePlainText=%v;minSessions=%d;maxSessions=%d;numChannels=%d",
		o.Host, o.DatabaseName(), o.CredentialsFile, o.UsePlainText, o.MinSessions, o.MaxSessions, o.NumChannels)
}

func (o *ConnectionOptions) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	if d := slog.Default(); d != nil {
		return d
	}
	return noopLogger
}

// ParseConnectionString parses a connection string into ConnectionOptions.
//
// Example: `localhost:9010/projects/test-project/instances/test-instance/databases/test-database;usePlainText=true`
func ParseConnectionString(dsn string) (ConnectionOptions, error) {
	match := dsnRegExp.FindStringSubmatch(dsn)
	if match == nil {
		return ConnectionOptions{}, spanner.ToSpannerError(status.Errorf(codes.InvalidArgument, "invalid connection string: %s", dsn))
	}
	matches := make(map[string]string)
	for i, name := range dsnRegExp.SubexpNames() {
		if i != 0 && name != "" {
			matches[name] = match[i]
		}
	}
	params, err := extractConnectionParams(matches["PARAMSGROUP"])
	if err != nil {
		return ConnectionOptions{}, err
	}

	options := ConnectionOptions{
		Host:                  matches["HOSTGROUP"],
		Project:               matches["PROJECTGROUP"],
		Instance:              matches["INSTANCEGROUP"],
		Database:              matches["DATABASEGROUP"],
		Autocommit:            true,
		RetryAbortsInternally: true,
		MaxInternalRetries:    defaultMaxInternalRetries,
		name:                  dsn,
	}
	if strval, ok := params["readonly"]; ok {
		if val, err := strconv.ParseBool(strval); err == nil {
			options.ReadOnly = val
		}
	}
	if strval, ok := params["autocommit"]; ok {
		if val, err := strconv.ParseBool(strval); err == nil {
			options.Autocommit = val
		}
	}
	if strval, ok := params["retryabortsinternally"]; ok {
		if val, err := strconv.ParseBool(strval); err == nil {
			options.RetryAbortsInternally = val
		}
	}
	if strval, ok := params["maxinternalretries"]; ok {
		if val, err := strconv.Atoi(strval); err == nil && val > 0 {
			options.MaxInternalRetries = val
		}
	}
	if strval, ok := params["credentials"]; ok {
		options.CredentialsFile = strval
	}
	if strval, ok := params["useplaintext"]; ok {
		if val, err := strconv.ParseBool(strval); err == nil {
			options.UsePlainText = val
		}
	}
	if strval, ok := params["minsessions"]; ok {
		if val, err := strconv.ParseUint(strval, 10, 64); err == nil {
			options.MinSessions = val
		}
	}
	if strval, ok := params["maxsessions"]; ok {
		if val, err := strconv.ParseUint(strval, 10, 64); err == nil {
			options.MaxSessions = val
		}
	}
	if strval, ok := params["numchannels"]; ok {
		if val, err := strconv.Atoi(strval); err == nil && val > 0 {
			options.NumChannels = val
		}
	}
	if strval, ok := params["optimizerversion"]; ok {
		options.QueryOptions = &spannerpb.ExecuteSqlRequest_QueryOptions{OptimizerVersion: strval}
	}
	if strval, ok := params["optimizerstatisticspackage"]; ok {
		if options.QueryOptions == nil {
			options.QueryOptions = &spannerpb.ExecuteSqlRequest_QueryOptions{}
		}
		options.QueryOptions.OptimizerStatisticsPackage = strval
	}
	return options, nil
}

func extractConnectionParams(paramsString string) (map[string]string, error) {
	params := make(map[string]string)
	if paramsString == "" {
		return params, nil
	}
	keyValuePairs := strings.Split(paramsString, ";")
	for _, keyValueString := range keyValuePairs {
		if keyValueString == "" {
			// Ignore empty parameter entries in the string, for example if
			// the connection string contains a trailing ';'.
			continue
		}
		keyValue := strings.SplitN(keyValueString, "=", 2)
		if len(keyValue) != 2 {
			return nil, spanner.ToSpannerError(status.Errorf(codes.InvalidArgument, "invalid connection property: %s", keyValueString))
		}
		params[strings.ToLower(keyValue[0])] = keyValue[1]
	}
	return params, nil
}

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
	"time"

	"cloud.google.com/go/spanner"
	"github.com/jizhuozhi/go-future"
	"github.com/jonboulle/clockwork"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	errStatementTimeout   = spanner.ToSpannerError(status.Error(codes.DeadlineExceeded, "statement execution deadline exceeded"))
	errStatementCancelled = spanner.ToSpannerError(status.Error(codes.Canceled, "statement execution was cancelled"))
	errExecutorShutdown   = spanner.ToSpannerError(status.Error(codes.Canceled, "connection has been closed"))
)

// StatementExecutionInterceptor is an observer hook that is invoked before and
// after each statement that is executed on the internal statement executor.
// Interceptors are called on the executor worker in registration order.
type StatementExecutionInterceptor interface {
	BeforeStatement(ctx context.Context, stmt *ParsedStatement)
	AfterStatement(ctx context.Context, stmt *ParsedStatement, err error)
}

// statementTimeout holds the timeout value that is applied to each statement
// that is executed on a connection. The supported time units are nanoseconds,
// microseconds, milliseconds and seconds.
type statementTimeout struct {
	mu      sync.Mutex
	timeout time.Duration
	has     bool
}

func isValidTimeoutUnit(unit time.Duration) bool {
	return unit == time.Nanosecond || unit == time.Microsecond || unit == time.Millisecond || unit == time.Second
}

func (t *statementTimeout) setTimeoutValue(timeout int64, unit time.Duration) error {
	if timeout <= 0 {
		return spanner.ToSpannerError(status.Error(codes.InvalidArgument, "zero or negative timeout values are not allowed"))
	}
	if !isValidTimeoutUnit(unit) {
		return spanner.ToSpannerError(status.Error(codes.InvalidArgument, "time unit must be one of Nanosecond, Microsecond, Millisecond or Second"))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = time.Duration(timeout) * unit
	t.has = true
	return nil
}

func (t *statementTimeout) clearTimeoutValue() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = 0
	t.has = false
}

func (t *statementTimeout) timeoutValue(unit time.Duration) (int64, error) {
	if !isValidTimeoutUnit(unit) {
		return 0, spanner.ToSpannerError(status.Error(codes.InvalidArgument, "time unit must be one of Nanosecond, Microsecond, Millisecond or Second"))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return int64(t.timeout / unit), nil
}

func (t *statementTimeout) hasTimeout() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.has
}

func (t *statementTimeout) value() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timeout, t.has
}

// executorTask is one statement invocation that has been handed to the
// executor worker.
type executorTask struct {
	owner  *baseUnitOfWork
	stmt   *ParsedStatement
	ctx    context.Context
	cancel context.CancelCauseFunc
	run    func()
}

// statementExecutor executes statements serially on a single worker goroutine
// so that a running statement can be pre-empted by cancel() or by the
// statement timeout. Statements complete in submission order.
type statementExecutor struct {
	logger       *slog.Logger
	clock        clockwork.Clock
	interceptors []StatementExecutionInterceptor

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*executorTask
	current  *executorTask
	shutdown bool
	done     chan struct{}
}

func newStatementExecutor(logger *slog.Logger, clock clockwork.Clock, interceptors []StatementExecutionInterceptor) *statementExecutor {
	if logger == nil {
		logger = noopLogger
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	e := &statementExecutor{
		logger:       logger,
		clock:        clock,
		interceptors: interceptors,
		done:         make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)
	go e.worker()
	return e
}

func (e *statementExecutor) worker() {
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.shutdown {
			e.cond.Wait()
		}
		if len(e.queue) == 0 {
			e.mu.Unlock()
			close(e.done)
			return
		}
		task := e.queue[0]
		e.queue = e.queue[1:]
		e.current = task
		e.mu.Unlock()

		task.run()

		e.mu.Lock()
		e.current = nil
		e.mu.Unlock()
	}
}

// submit schedules f on the executor worker and returns a future for its
// result. The statement timeout of the owning unit of work is armed when the
// task starts, not when it is submitted.
func submit[T any](e *statementExecutor, ctx context.Context, owner *baseUnitOfWork, stmt *ParsedStatement, f func(ctx context.Context) (T, error)) *future.Future[T] {
	p := future.NewPromise[T]()
	taskCtx, cancel := context.WithCancelCause(ctx)
	task := &executorTask{owner: owner, stmt: stmt, ctx: taskCtx, cancel: cancel}
	task.run = func() {
		defer cancel(nil)
		if timeout, ok := owner.timeout.value(); ok {
			timer := e.clock.AfterFunc(timeout, func() {
				cancel(errStatementTimeout)
			})
			defer timer.Stop()
		}
		for _, interceptor := range e.interceptors {
			interceptor.BeforeStatement(taskCtx, stmt)
		}
		var v T
		var err error
		if taskCtx.Err() != nil {
			err = taskError(taskCtx, taskCtx.Err())
		} else {
			v, err = f(taskCtx)
			err = taskError(taskCtx, err)
		}
		for _, interceptor := range e.interceptors {
			interceptor.AfterStatement(taskCtx, stmt, err)
		}
		p.Set(v, err)
	}

	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		cancel(nil)
		var zero T
		p.Set(zero, errExecutorShutdown)
		return p.Future()
	}
	e.queue = append(e.queue, task)
	e.cond.Signal()
	e.mu.Unlock()
	return p.Future()
}

// taskError maps a context cancellation to the status code that the caller
// should observe: DeadlineExceeded for timeouts, Cancelled otherwise.
func taskError(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	cause := context.Cause(ctx)
	switch cause {
	case errStatementTimeout, errStatementCancelled, errExecutorShutdown:
		return cause
	}
	if ctx.Err() == context.DeadlineExceeded {
		return spanner.ToSpannerError(status.Error(codes.DeadlineExceeded, "statement execution deadline exceeded"))
	}
	if err == nil {
		return errStatementCancelled
	}
	if spanner.ErrCode(err) == codes.Canceled || spanner.ErrCode(err) == codes.DeadlineExceeded || spanner.ErrCode(err) == codes.Unknown {
		return errStatementCancelled
	}
	return err
}

// cancelCurrent cancels the running and queued statements of the given unit
// of work. It is safe to call from any goroutine.
func (e *statementExecutor) cancelCurrent(owner *baseUnitOfWork) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, task := range e.queue {
		if task.owner == owner {
			task.cancel(errStatementCancelled)
		}
	}
	if e.current != nil && e.current.owner == owner {
		e.current.cancel(errStatementCancelled)
	}
}

// beginShutdown stops the executor from accepting new statements. Queued
// statements are still executed.
func (e *statementExecutor) beginShutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shutdown = true
	e.cond.Broadcast()
}

// awaitTermination waits until the worker has drained the queue and exited,
// or until the given duration has passed.
func (e *statementExecutor) awaitTermination(d time.Duration) bool {
	timer := e.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-e.done:
		return true
	case <-timer.Chan():
		return false
	}
}

// forceShutdown cancels the running statement and fails all queued statements
// with Cancelled.
func (e *statementExecutor) forceShutdown() {
	e.mu.Lock()
	e.shutdown = true
	queue := e.queue
	e.queue = nil
	if e.current != nil {
		e.current.cancel(errExecutorShutdown)
	}
	e.cond.Broadcast()
	e.mu.Unlock()
	for _, task := range queue {
		task.cancel(errExecutorShutdown)
		// The worker no longer sees this task, so complete it here. The task
		// context has already been cancelled, so run only resolves the promise.
		task.run()
	}
}

// fireAndForget runs f on its own goroutine, outside the executor worker.
// Single-use transactions run best-effort rollbacks on it, DML batches wait
// for the result of their host there, and close reads the result of its
// rollback there; that rollback itself runs on the executor worker.
func (e *statementExecutor) fireAndForget(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("fire-and-forget task panicked", "panic", r)
			}
		}()
		f()
	}()
}

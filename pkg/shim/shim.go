// Package shim adapts an application instance process to the executor
// agent (spec §4.6/§1): on_session_enter, on_task_invoke, on_session_leave.
// Only the host-process variant is fully implemented; container and wasm
// are out of scope (spec Non-goals) and get stub adapters that fail fast
// with a clear error instead of silently no-opping.
package shim

import (
	"context"

	"github.com/flame-sh/flame/pkg/apis"
)

// SessionContext is handed to an instance on session entry.
type SessionContext struct {
	SessionID   string
	Application string
	Slots       int32
	CommonData  []byte
}

// TaskContext is handed to an instance for a single task invocation.
type TaskContext struct {
	SessionID string
	TaskID    uint64
	Input     []byte
}

// TaskResult is the instance's reply to a task invocation.
type TaskResult struct {
	Output []byte
	Failed bool
	Message string
}

// Adapter drives one application instance through its lifecycle. An
// Adapter is owned by exactly one executor for exactly one bound session.
type Adapter interface {
	OnSessionEnter(ctx context.Context, sctx *SessionContext) error
	OnTaskInvoke(ctx context.Context, tctx *TaskContext) (*TaskResult, error)
	OnSessionLeave(ctx context.Context) error
	// Close releases any resources the adapter holds (child process,
	// connection, temp directory), regardless of lifecycle state.
	Close() error
}

// New builds the Adapter for an application's declared shim kind.
func New(execID string, app *apis.Application) (Adapter, error) {
	switch app.Shim {
	case apis.ShimContainer:
		return newUnsupportedAdapter(apis.ShimContainer), nil
	case apis.ShimWasm:
		return newUnsupportedAdapter(apis.ShimWasm), nil
	case apis.ShimHost, "":
		return newHostAdapter(execID, app)
	default:
		return newUnsupportedAdapter(app.Shim), nil
	}
}

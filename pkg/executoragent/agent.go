// Package executoragent drives a single executor through the
// Void→Binding→Bound→Unbinding→Idle→Releasing→Released state machine from
// the worker side (spec §4.5/§4.6), talking to the session manager over
// the backend RPC surface and to the application instance over a shim
// Adapter.
package executoragent

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/flame-sh/flame/pkg/apis"
	"github.com/flame-sh/flame/pkg/flameerr"
	"github.com/flame-sh/flame/pkg/rpc/backend"
	"github.com/flame-sh/flame/pkg/shim"
)

// OnSessionEnterMaxRetries and the quadratic backoff base match the
// original executor manager's idle-state retry loop: attempt² × base.
const (
	OnSessionEnterMaxRetries  = 5
	OnSessionEnterRetryDelay  = 5 * time.Second
)

// Backend is the subset of backend.Client an Agent drives.
type Backend interface {
	BindSession(ctx context.Context, execID string) (*apis.Session, error)
	BindSessionCompleted(ctx context.Context, execID string) error
	LaunchTask(ctx context.Context, execID string) (*apis.Task, error)
	CompleteTask(ctx context.Context, execID string, taskID uint64, state apis.TaskState, output []byte) error
	AwaitUnbind(ctx context.Context, execID string) error
	UnbindExecutorCompleted(ctx context.Context, execID string) error
	ReleaseExecutor(ctx context.Context, execID string) error
}

// ApplicationFetcher resolves the full application definition for a
// session; the backend surface only hands the agent the session, not the
// application's shim/command details.
type ApplicationFetcher interface {
	GetApplication(ctx context.Context, name string) (*apis.Application, error)
}

var _ Backend = (*backend.Client)(nil)

// Agent owns one executor's lifecycle for as long as it is scheduled
// onto this node.
type Agent struct {
	execID   string
	backend  Backend
	apps     ApplicationFetcher
	newShim  func(execID string, app *apis.Application) (shim.Adapter, error)
	retryDelay time.Duration
	log      zerolog.Logger
}

// New builds an Agent. newShim defaults to shim.New; tests override it to
// avoid spawning real processes.
func New(execID string, be Backend, apps ApplicationFetcher, log zerolog.Logger) *Agent {
	return &Agent{
		execID:     execID,
		backend:    be,
		apps:       apps,
		newShim:    shim.New,
		retryDelay: OnSessionEnterRetryDelay,
		log:        log.With().Str("component", "executor-agent").Str("executor", execID).Logger(),
	}
}

// Run drives the executor through repeated bind→run→unbind cycles until
// ctx is cancelled or the executor is released by the scheduler. A
// Releasing signal surfaces as an InvalidState error from BindSession
// (controller.AwaitBindSession), which reaches the agent as a
// FailedPrecondition status over the backend RPC; on that path the agent
// must still confirm teardown via ReleaseExecutor before stopping, or the
// executor lingers in Releasing forever on the server side.
func (a *Agent) Run(ctx context.Context) error {
	for {
		ssn, err := a.backend.BindSession(ctx, a.execID)
		if err != nil {
			if flameerr.Is(err, flameerr.InvalidState) || status.Code(err) == codes.FailedPrecondition {
				a.log.Info().Msg("executor released by scheduler, confirming teardown")
				if relErr := a.backend.ReleaseExecutor(ctx, a.execID); relErr != nil {
					a.log.Warn().Err(relErr).Msg("release_executor failed")
				}
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := a.cycle(ctx, ssn); err != nil {
			return err
		}
	}
}

// cycle runs a single bound-session task-loop→unbind pass.
func (a *Agent) cycle(ctx context.Context, ssn *apis.Session) error {
	a.log.Debug().Str("session", ssn.ID).Msg("bound to session")

	app, err := a.apps.GetApplication(ctx, ssn.Application)
	if err != nil {
		return err
	}

	adapter, err := a.newShim(a.execID, app)
	if err != nil {
		return err
	}
	defer adapter.Close()

	if err := a.enterWithRetry(ctx, adapter, ssn); err != nil {
		return err
	}
	if err := a.backend.BindSessionCompleted(ctx, a.execID); err != nil {
		return err
	}

	a.runTasks(ctx, adapter, ssn)

	if err := adapter.OnSessionLeave(ctx); err != nil {
		a.log.Warn().Err(err).Msg("on_session_leave failed")
	}
	return a.backend.UnbindExecutorCompleted(ctx, a.execID)
}

func (a *Agent) enterWithRetry(ctx context.Context, adapter shim.Adapter, ssn *apis.Session) error {
	sctx := &shim.SessionContext{SessionID: ssn.ID, Application: ssn.Application, Slots: ssn.Slots, CommonData: ssn.CommonData}

	var lastErr error
	for attempt := 1; attempt <= OnSessionEnterMaxRetries; attempt++ {
		lastErr = adapter.OnSessionEnter(ctx, sctx)
		if lastErr == nil {
			return nil
		}
		a.log.Warn().Err(lastErr).Int("attempt", attempt).Msg("on_session_enter failed")
		if attempt < OnSessionEnterMaxRetries {
			delay := time.Duration(attempt*attempt) * a.retryDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return lastErr
}

// runTasks loops LaunchTask→OnTaskInvoke→CompleteTask until the executor
// stops being Bound (LaunchTask returns a nil task with no error). A
// background watch on the server-streamed unbind signal cancels the
// local context as soon as preemption is issued, so an in-flight
// LaunchTask long-poll returns immediately instead of waiting for its
// own next wakeup.
func (a *Agent) runTasks(ctx context.Context, adapter shim.Adapter, ssn *apis.Session) {
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := a.backend.AwaitUnbind(taskCtx, a.execID); err == nil {
			cancel()
		}
	}()

	for {
		task, err := a.backend.LaunchTask(taskCtx, a.execID)
		if err != nil {
			a.log.Warn().Err(err).Msg("launch_task failed")
			return
		}
		if task == nil {
			return
		}

		result, err := adapter.OnTaskInvoke(ctx, &shim.TaskContext{SessionID: ssn.ID, TaskID: task.ID.TaskID, Input: task.Input})
		state := apis.TaskSucceeded
		var output []byte
		if err != nil || result.Failed {
			state = apis.TaskFailed
			if result != nil {
				output = result.Output
			}
			a.log.Warn().Err(err).Uint64("task", task.ID.TaskID).Msg("task invocation failed")
		} else {
			output = result.Output
		}

		if err := a.backend.CompleteTask(ctx, a.execID, task.ID.TaskID, state, output); err != nil {
			a.log.Warn().Err(err).Uint64("task", task.ID.TaskID).Msg("complete_task failed")
		}
	}
}

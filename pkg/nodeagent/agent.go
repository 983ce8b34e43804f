// Package nodeagent is the per-worker-host heartbeat and executor
// supervisor (spec §1's Node Agent component), styled on the teacher's
// pkg/worker ticker-driven loop: register once, then sync on an interval,
// spawning an executoragent.Agent for every new executor and tearing one
// down for every one the server asks to release.
package nodeagent

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flame-sh/flame/pkg/apis"
	"github.com/flame-sh/flame/pkg/executoragent"
	"github.com/flame-sh/flame/pkg/rpc/backend"
)

const defaultSyncInterval = time.Second

// Backend is the subset of backend.Client a node agent drives.
type Backend interface {
	RegisterNode(ctx context.Context, node *apis.Node) (*apis.Node, error)
	SyncNode(ctx context.Context, nodeName string, executorIDs []string) (*backend.SyncNodeResponse, error)
	ReleaseExecutor(ctx context.Context, execID string) error
}

var _ Backend = (*backend.Client)(nil)

// ExecutorRunner spawns an executoragent.Agent for one executor id; split
// out as a field so tests can stub process/shim startup.
type ExecutorRunner func(ctx context.Context, execID string, slots int32, resource apis.ResourceRequirement)

// Agent supervises every executor scheduled onto this node.
type Agent struct {
	node         *apis.Node
	backend      Backend
	syncInterval time.Duration
	runExecutor  ExecutorRunner
	log          zerolog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New builds a node agent. runExecutor is called once per new executor id
// in its own goroutine; it should block for the executor's lifetime.
func New(node *apis.Node, be Backend, runExecutor ExecutorRunner, log zerolog.Logger) *Agent {
	return &Agent{
		node:         node,
		backend:      be,
		syncInterval: defaultSyncInterval,
		runExecutor:  runExecutor,
		log:          log.With().Str("component", "node-agent").Str("node", node.Name).Logger(),
		running:      make(map[string]context.CancelFunc),
	}
}

// Run registers the node then syncs on an interval until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if _, err := a.backend.RegisterNode(ctx, a.node); err != nil {
		return err
	}
	a.log.Info().Msg("node registered")

	ticker := time.NewTicker(a.syncInterval)
	defer ticker.Stop()

	for {
		if err := a.sync(ctx); err != nil {
			a.log.Warn().Err(err).Msg("sync_node failed")
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			a.stopAll()
			return ctx.Err()
		}
	}
}

func (a *Agent) sync(ctx context.Context) error {
	a.mu.Lock()
	known := make([]string, 0, len(a.running))
	for id := range a.running {
		known = append(known, id)
	}
	a.mu.Unlock()

	resp, err := a.backend.SyncNode(ctx, a.node.Name, known)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, exec := range resp.ExecutorsToRun {
		if exec.State == apis.ExecutorReleasing || exec.State == apis.ExecutorReleased {
			a.stopLocked(exec.ID)
			// The per-executor agent confirms its own release when it
			// notices Releasing via AwaitBindSession, but stopLocked may
			// cancel its context first (e.g. it was idling on a poll
			// whose ctx just got cancelled) and race that confirmation
			// away. Confirm here too so the executor never lingers in
			// Releasing: a second, redundant ReleaseExecutor call is a
			// harmless NotFound once the first confirmation has landed.
			if exec.State == apis.ExecutorReleasing {
				if err := a.backend.ReleaseExecutor(ctx, exec.ID); err != nil {
					a.log.Warn().Err(err).Str("executor", exec.ID).Msg("release_executor failed")
				}
			}
			continue
		}
		if _, ok := a.running[exec.ID]; ok {
			continue
		}
		execCtx, cancel := context.WithCancel(context.Background())
		a.running[exec.ID] = cancel
		go a.runExecutor(execCtx, exec.ID, exec.Slots, exec.Resource)
	}

	for _, id := range resp.ToRelease {
		a.stopLocked(id)
		if err := a.backend.ReleaseExecutor(ctx, id); err != nil {
			a.log.Warn().Err(err).Str("executor", id).Msg("release_executor failed")
		}
	}
	return nil
}

func (a *Agent) stopLocked(execID string) {
	if cancel, ok := a.running[execID]; ok {
		cancel()
		delete(a.running, execID)
	}
}

func (a *Agent) stopAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, cancel := range a.running {
		cancel()
		delete(a.running, id)
	}
}

// DefaultExecutorRunner builds the standard ExecutorRunner backed by a
// real executoragent.Agent talking to be over the backend RPC surface.
func DefaultExecutorRunner(be executoragent.Backend, apps executoragent.ApplicationFetcher, log zerolog.Logger) ExecutorRunner {
	return func(ctx context.Context, execID string, slots int32, resource apis.ResourceRequirement) {
		agent := executoragent.New(execID, be, apps, log)
		if err := agent.Run(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("executor", execID).Msg("executor agent exited")
		}
	}
}

package nodeagent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/flame-sh/flame/pkg/apis"
	"github.com/flame-sh/flame/pkg/rpc/backend"
)

type fakeBackend struct {
	mu        sync.Mutex
	registered bool
	syncCalls int
	toRun     []*apis.Executor
	toRelease []string
	released  []string
}

func (f *fakeBackend) RegisterNode(ctx context.Context, node *apis.Node) (*apis.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = true
	return node, nil
}

func (f *fakeBackend) SyncNode(ctx context.Context, nodeName string, executorIDs []string) (*backend.SyncNodeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncCalls++
	return &backend.SyncNodeResponse{ExecutorsToRun: f.toRun, ToRelease: f.toRelease}, nil
}

func (f *fakeBackend) ReleaseExecutor(ctx context.Context, execID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, execID)
	return nil
}

func TestAgentSpawnsAndStopsExecutors(t *testing.T) {
	be := &fakeBackend{toRun: []*apis.Executor{{ID: "e1", State: apis.ExecutorVoid, Slots: 1}}}

	var started, cancelled int32
	var mu sync.Mutex
	runner := func(ctx context.Context, execID string, slots int32, resource apis.ResourceRequirement) {
		mu.Lock()
		started++
		mu.Unlock()
		<-ctx.Done()
		mu.Lock()
		cancelled++
		mu.Unlock()
	}

	a := New(&apis.Node{Name: "n1"}, be, runner, zerolog.Nop())
	a.syncInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return started == 1
	}, time.Second, 5*time.Millisecond)

	require.True(t, be.registered)

	be.mu.Lock()
	be.toRelease = []string{"e1"}
	be.toRun = nil
	be.mu.Unlock()

	require.Eventually(t, func() bool {
		be.mu.Lock()
		defer be.mu.Unlock()
		return len(be.released) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

// TestAgentConfirmsReleaseForExecutorReportedReleasing covers the case
// where SyncNode reports an executor the node already knows about as
// Releasing in ExecutorsToRun (not in ToRelease, which is only for
// unrecognized ids): the node agent must both stop its local goroutine
// and confirm the release, or the executor lingers server-side forever.
func TestAgentConfirmsReleaseForExecutorReportedReleasing(t *testing.T) {
	be := &fakeBackend{toRun: []*apis.Executor{{ID: "e1", State: apis.ExecutorVoid, Slots: 1}}}

	var mu sync.Mutex
	var cancelled bool
	runner := func(ctx context.Context, execID string, slots int32, resource apis.ResourceRequirement) {
		<-ctx.Done()
		mu.Lock()
		cancelled = true
		mu.Unlock()
	}

	a := New(&apis.Node{Name: "n1"}, be, runner, zerolog.Nop())
	a.syncInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		be.mu.Lock()
		defer be.mu.Unlock()
		return be.syncCalls > 0
	}, time.Second, 5*time.Millisecond)

	be.mu.Lock()
	be.toRun = []*apis.Executor{{ID: "e1", State: apis.ExecutorReleasing, Slots: 1}}
	be.mu.Unlock()

	require.Eventually(t, func() bool {
		be.mu.Lock()
		defer be.mu.Unlock()
		return len(be.released) == 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return cancelled
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

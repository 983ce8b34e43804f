package shim

import (
	"context"
	"fmt"

	"github.com/flame-sh/flame/pkg/apis"
)

// unsupportedAdapter fails every lifecycle call (Close alone succeeds)
// instead of silently no-opping, so a
// misconfigured application surfaces at session-enter time rather than
// pretending to run. Container and wasm instances are explicitly out of
// scope.
type unsupportedAdapter struct {
	kind apis.ShimKind
}

func newUnsupportedAdapter(kind apis.ShimKind) Adapter {
	return &unsupportedAdapter{kind: kind}
}

func (u *unsupportedAdapter) OnSessionEnter(ctx context.Context, sctx *SessionContext) error {
	return fmt.Errorf("shim kind %q is not implemented", u.kind)
}

func (u *unsupportedAdapter) OnTaskInvoke(ctx context.Context, tctx *TaskContext) (*TaskResult, error) {
	return nil, fmt.Errorf("shim kind %q is not implemented", u.kind)
}

func (u *unsupportedAdapter) OnSessionLeave(ctx context.Context) error {
	return fmt.Errorf("shim kind %q is not implemented", u.kind)
}

func (u *unsupportedAdapter) Close() error {
	return nil
}

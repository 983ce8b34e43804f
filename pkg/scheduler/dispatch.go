package scheduler

import (
	"context"

	"github.com/flame-sh/flame/pkg/apis"
	"github.com/flame-sh/flame/pkg/fairshare"
	"github.com/flame-sh/flame/pkg/flameerr"
	"github.com/flame-sh/flame/pkg/snapshot"
)

// dispatch first carries forward every Void executor Allocate created on
// a prior tick (spec §4.5 Void --bind_session--> Binding), then binds
// existing Idle executors with a matching slot count to the most-starved
// underused sessions first. It stops once no underused session remains or
// no idle executor matches any remaining underused session's slot width,
// skipping over (not terminating on) a session whose width just happens
// to have no match this pass, so other widths still get serviced (spec
// §4.4 action 1).
func dispatch(ctx context.Context, ctrl Controller, snap *snapshot.Snapshot, plugin *fairshare.Plugin) error {
	if err := bindVoidExecutors(ctx, ctrl, snap); err != nil {
		return err
	}

	var idle []*apis.Executor
	for _, e := range snap.Executors {
		if e.State == apis.ExecutorIdle && e.SessionID == "" {
			idle = append(idle, e)
		}
	}

	skip := make(map[string]bool)
	for {
		sess := mostStarvedUnderused(snap, plugin, skip)
		if sess == nil || len(idle) == 0 {
			return nil
		}

		matched := -1
		for i, e := range idle {
			if fairshare.IsAvailable(e, sess.Session.Slots) {
				matched = i
				break
			}
		}
		if matched == -1 {
			// No idle executor matches this session's slot width; skip it
			// so underused sessions of a different width still get a
			// chance at the remaining idle executors this pass.
			skip[sess.Session.ID] = true
			continue
		}

		exec := idle[matched]
		idle = append(idle[:matched], idle[matched+1:]...)

		if _, err := ctrl.BindSession(ctx, exec.ID, sess.Session.ID); err != nil {
			return err
		}
		plugin.OnSessionBind(sess.Session.ID, exec.Slots)
	}
}

// bindVoidExecutors transitions every Void executor that already carries
// an intended session (set by Allocate when it created the executor)
// into Binding, so the executor agent's AwaitBindSession long-poll can
// stop blocking and proceed to on_session_enter. Without this step a
// fresh cluster never has an Idle executor to match against, and a
// Void executor sits forever, since nothing else ever moves it forward.
// A session that closed or changed shape between Allocate and this tick
// makes BindSession return InvalidState; that executor is left Void for
// a later tick to resolve rather than aborting the whole pass.
func bindVoidExecutors(ctx context.Context, ctrl Controller, snap *snapshot.Snapshot) error {
	for _, e := range snap.Executors {
		if e.State != apis.ExecutorVoid || e.SessionID == "" {
			continue
		}
		if _, err := ctrl.BindSession(ctx, e.ID, e.SessionID); err != nil {
			if flameerr.Is(err, flameerr.InvalidState) || flameerr.Is(err, flameerr.NotFound) {
				continue
			}
			return err
		}
	}
	return nil
}

// mostStarvedUnderused returns the underused session view with the
// smallest allocated/deserved ratio (plugin.SessionLess order),
// excluding ids already in skip.
func mostStarvedUnderused(snap *snapshot.Snapshot, plugin *fairshare.Plugin, skip map[string]bool) *snapshot.SessionView {
	var best *snapshot.SessionView
	for _, sv := range snap.Sessions {
		if skip != nil && skip[sv.Session.ID] {
			continue
		}
		if !plugin.IsUnderused(sv.Session.ID) {
			continue
		}
		if best == nil || plugin.SessionLess(sv.Session.ID, best.Session.ID) {
			best = sv
		}
	}
	return best
}

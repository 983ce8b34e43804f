package scheduler

import (
	"context"

	"github.com/flame-sh/flame/pkg/apis"
	"github.com/flame-sh/flame/pkg/fairshare"
	"github.com/flame-sh/flame/pkg/snapshot"
)

// shuffle finds a preemption victim for each remaining underused session
// and unbinds it, then releases Idle executors no remaining underused
// session could use this tick (spec §4.4 action 3).
func shuffle(ctx context.Context, ctrl Controller, snap *snapshot.Snapshot, plugin *fairshare.Plugin) error {
	for _, sv := range snap.Sessions {
		if !plugin.IsUnderused(sv.Session.ID) {
			continue
		}
		victim := preemptionVictim(snap, plugin, sv.Session.ID)
		if victim == nil {
			continue
		}
		if _, err := ctrl.UnbindExecutor(ctx, victim.ID); err != nil {
			return err
		}
		plugin.OnSessionUnbind(victim.SessionID, victim.Slots)
	}

	for _, e := range snap.Executors {
		if e.State != apis.ExecutorIdle || e.SessionID != "" {
			continue
		}
		if neededByAnySession(snap, plugin, e.Slots) {
			continue
		}
		if _, err := ctrl.ReleaseExecutor(ctx, e.ID); err != nil {
			return err
		}
	}
	return nil
}

func preemptionVictim(snap *snapshot.Snapshot, plugin *fairshare.Plugin, wantingSession string) *apis.Executor {
	for _, e := range snap.Executors {
		if e.State != apis.ExecutorBound || e.SessionID == "" || e.SessionID == wantingSession {
			continue
		}
		if plugin.IsPreemptible(e.SessionID, e.Slots) {
			return e
		}
	}
	return nil
}

func neededByAnySession(snap *snapshot.Snapshot, plugin *fairshare.Plugin, slots int32) bool {
	for _, sv := range snap.Sessions {
		if plugin.IsUnderused(sv.Session.ID) && sv.Session.Slots == slots {
			return true
		}
	}
	return false
}

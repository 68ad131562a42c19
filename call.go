package parlo

import (
	"context"
	"log/slog"
	"time"
)

// PermissionStatus is the result of a microphone permission check.
type PermissionStatus string

const (
	PermissionGranted PermissionStatus = "granted"
	PermissionDenied  PermissionStatus = "denied"
	PermissionBlocked PermissionStatus = "blocked"
	PermissionUnknown PermissionStatus = "unknown"
)

// PermissionProvider answers and requests microphone access on behalf of the
// platform. Injected at construction.
type PermissionProvider interface {
	Check(ctx context.Context) (PermissionStatus, error)
	Request(ctx context.Context) (PermissionStatus, error)
}

// Notifier surfaces out-of-band prompts to the user.
type Notifier interface {
	// ShowIncomingCallNotification alerts the user to a call while the app
	// is backgrounded.
	ShowIncomingCallNotification(ev CallEvent)
	// ShowPermissionSettingsPrompt tells the user microphone access is
	// denied and where to fix it.
	ShowPermissionSettingsPrompt()
}

// ActivityState reports whether the consuming app is in the foreground.
type ActivityState int

const (
	ActivityForeground ActivityState = iota
	ActivityBackground
)

// ActivityObserver reports the app's current activity state.
type ActivityObserver interface {
	State() ActivityState
}

// connectionKeeper is what the coordinator needs from the connection: a way
// to nudge an idle session back to life before the user answers.
type connectionKeeper interface {
	ensureConnected()
}

// callCoordinator drives the response to inbound call signals. One instance
// per client; no per-call state is retained after dispatch.
type callCoordinator struct {
	permissions PermissionProvider
	notifier    Notifier
	activity    ActivityObserver
	keeper      connectionKeeper
	calls       *Bus[CallEvent]

	// delay before the background path nudges the connection
	retryDelay time.Duration
}

func newCallCoordinator(p PermissionProvider, n Notifier, a ActivityObserver, k connectionKeeper, calls *Bus[CallEvent]) *callCoordinator {
	return &callCoordinator{
		permissions: p,
		notifier:    n,
		activity:    a,
		keeper:      k,
		calls:       calls,
		retryDelay:  2 * time.Second,
	}
}

// handleIncoming gates an incoming call on microphone permission, then
// dispatches per the app's activity state. ctx is the session context;
// if the session was torn down while the permission round trip was in
// flight, the dispatch is discarded.
func (cc *callCoordinator) handleIncoming(ctx context.Context, ev CallEvent) {
	switch cc.ensureMicPermission(ctx) {
	case PermissionDenied, PermissionBlocked:
		slog.Info("incoming call dropped, microphone permission missing", "callId", ev.CallID)
		cc.notifier.ShowPermissionSettingsPrompt()
		return
	}

	if ctx.Err() != nil {
		return
	}

	if cc.activity.State() == ActivityBackground {
		// The UI cannot ring; alert out-of-band. Answering needs a live
		// connection, so nudge it after a beat.
		cc.notifier.ShowIncomingCallNotification(ev)
		go func() {
			select {
			case <-ctx.Done():
			case <-time.After(cc.retryDelay):
				cc.keeper.ensureConnected()
			}
		}()
		return
	}

	cc.calls.publish(ev)
	cc.keeper.ensureConnected()
}

// handleCancelled dispatches a cancellation. No permission gate and no
// activity branch: cancelling never needs microphone access.
func (cc *callCoordinator) handleCancelled(ev CallEvent) {
	cc.calls.publish(ev)
}

// ensureMicPermission checks microphone access, requesting it if not yet
// granted. Check or request failures are logged and reported as unknown so
// the call still reaches the UI.
func (cc *callCoordinator) ensureMicPermission(ctx context.Context) PermissionStatus {
	status, err := cc.permissions.Check(ctx)
	if err != nil {
		slog.Warn("microphone permission check failed", "error", err)
		return PermissionUnknown
	}
	if status == PermissionGranted || status == PermissionBlocked {
		return status
	}

	status, err = cc.permissions.Request(ctx)
	if err != nil {
		slog.Warn("microphone permission request failed", "error", err)
		return PermissionUnknown
	}
	return status
}

// --------------------------------------------------------------------------
// Default collaborators
// --------------------------------------------------------------------------

// grantedPermissions is the default provider for headless consumers with no
// platform permission layer.
type grantedPermissions struct{}

func (grantedPermissions) Check(context.Context) (PermissionStatus, error) {
	return PermissionGranted, nil
}

func (grantedPermissions) Request(context.Context) (PermissionStatus, error) {
	return PermissionGranted, nil
}

type nopNotifier struct{}

func (nopNotifier) ShowIncomingCallNotification(CallEvent) {}
func (nopNotifier) ShowPermissionSettingsPrompt()          {}

// foregroundActivity treats a consumer without a platform activity observer
// as always foregrounded.
type foregroundActivity struct{}

func (foregroundActivity) State() ActivityState { return ActivityForeground }

package offline

import (
	"time"

	"edusync/internal/model"
)

// Thresholds are the offline-duration policy boundaries, in whole days
// since the last successful server sync.
type Thresholds struct {
	Light   int // warn gently at this many days offline
	Urgent  int // warn urgently
	Blocked int // refuse further offline writes
}

// DefaultThresholds is the stock policy: warn at 3 days, urge at 7,
// block writes at 14.
var DefaultThresholds = Thresholds{Light: 3, Urgent: 7, Blocked: 14}

// Gate computes whether continued offline operation is permitted.
// It is a pure function of its inputs: the only thing that resets the
// offline counter is a successful sync updating lastServerSyncAt.
type Gate struct {
	thresholds Thresholds
	checker    EntitlementChecker
	clock      Clock
}

// NewGate creates a Gate. A nil checker entitles everyone; a nil clock
// uses the real clock.
func NewGate(thresholds Thresholds, checker EntitlementChecker, clock Clock) *Gate {
	if thresholds.Blocked <= 0 {
		thresholds = DefaultThresholds
	}
	if checker == nil {
		checker = EntitlementCheckerFunc(func(string) bool { return true })
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &Gate{thresholds: thresholds, checker: checker, clock: clock}
}

// State computes the entitlement snapshot for the given last-sync time.
// A zero lastSyncAt means the device has no sync baseline yet (fresh
// install); it is treated as zero days offline so first-run offline use
// is not blocked outright.
func (g *Gate) State(lastSyncAt time.Time, userID string) model.OfflineEntitlementState {
	days := 0
	if !lastSyncAt.IsZero() {
		if elapsed := g.clock.Now().Sub(lastSyncAt); elapsed > 0 {
			days = int(elapsed / (24 * time.Hour))
		}
	}

	st := model.OfflineEntitlementState{
		DaysOffline:        days,
		LastServerSyncAt:   lastSyncAt,
		WarningLevel:       model.WarningNone,
		OfflineModeEnabled: g.checker.IsOfflineModeEnabled(userID),
	}

	switch {
	case days >= g.thresholds.Blocked:
		st.WarningLevel = model.WarningUrgent
		st.WritesBlocked = true
	case days >= g.thresholds.Urgent:
		st.WarningLevel = model.WarningUrgent
	case days >= g.thresholds.Light:
		st.WarningLevel = model.WarningLight
	}

	if !st.OfflineModeEnabled {
		st.WritesBlocked = true
	}

	return st
}

// Authorize decides whether an offline write may be queued right now.
// Online writes are never gated here. Returns an *EntitlementError with
// the refusal reason, or nil.
func (g *Gate) Authorize(lastSyncAt time.Time, userID string, online bool) error {
	if online {
		return nil
	}

	st := g.State(lastSyncAt, userID)
	if !st.OfflineModeEnabled {
		return &EntitlementError{Reason: "offline mode is not enabled for this account"}
	}
	if st.WritesBlocked {
		return &EntitlementError{
			Reason: "device has been offline too long; connect to the server to continue",
		}
	}
	return nil
}

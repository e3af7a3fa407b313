package session

import "time"

// Timer is a pending scheduled callback.
type Timer interface {
	Stop() bool
}

// Scheduler runs a callback after a delay.
type Scheduler interface {
	AfterFunc(delay time.Duration, fn func()) Timer
}

// TimeScheduler schedules on the runtime timer wheel.
type TimeScheduler struct{}

// AfterFunc implements Scheduler.
func (TimeScheduler) AfterFunc(delay time.Duration, fn func()) Timer {
	return time.AfterFunc(delay, fn)
}

// Timeouts bounds how long a session may idle in each non-active state.
type Timeouts struct {
	Waitlisted             time.Duration
	PendingProviderConfirm time.Duration
	ProviderConfirmed      time.Duration
	DisconnectGrace        time.Duration
}

// DefaultTimeouts returns the production timeouts.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Waitlisted:             15 * time.Minute,
		PendingProviderConfirm: 60 * time.Second,
		ProviderConfirmed:      2 * time.Minute,
		DisconnectGrace:        30 * time.Second,
	}
}

func (timeouts Timeouts) forStatus(status Status) time.Duration {
	switch status {
	case StatusWaitlisted:
		return timeouts.Waitlisted
	case StatusPendingProviderConfirm:
		return timeouts.PendingProviderConfirm
	case StatusProviderConfirmed:
		return timeouts.ProviderConfirmed
	default:
		return 0
	}
}

func (timeouts Timeouts) withDefaults() Timeouts {
	defaults := DefaultTimeouts()
	if timeouts.Waitlisted <= 0 {
		timeouts.Waitlisted = defaults.Waitlisted
	}
	if timeouts.PendingProviderConfirm <= 0 {
		timeouts.PendingProviderConfirm = defaults.PendingProviderConfirm
	}
	if timeouts.ProviderConfirmed <= 0 {
		timeouts.ProviderConfirmed = defaults.ProviderConfirmed
	}
	if timeouts.DisconnectGrace <= 0 {
		timeouts.DisconnectGrace = defaults.DisconnectGrace
	}
	return timeouts
}

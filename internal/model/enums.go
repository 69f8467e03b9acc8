package model

type SessionState string

const (
	SessionStateIdle         SessionState = "idle"
	SessionStateIssuing      SessionState = "issuing"
	SessionStateAwaitingLink SessionState = "awaiting_link"
	SessionStateLinked       SessionState = "linked"
	SessionStateFailed       SessionState = "failed"
	SessionStateTimedOut     SessionState = "timed_out"
	SessionStateCancelled    SessionState = "cancelled"
)

// IsTerminal reports whether no automatic transition leaves the state.
func (s SessionState) IsTerminal() bool {
	switch s {
	case SessionStateLinked, SessionStateFailed, SessionStateTimedOut, SessionStateCancelled:
		return true
	}
	return false
}

// IsActive reports whether the state has work in flight.
func (s SessionState) IsActive() bool {
	return s == SessionStateIssuing || s == SessionStateAwaitingLink
}

type PlatformClass string

const (
	PlatformMobile  PlatformClass = "mobile"
	PlatformDesktop PlatformClass = "desktop"
)

func (p PlatformClass) Valid() bool {
	return p == PlatformMobile || p == PlatformDesktop
}

type PollStatus string

const (
	PollStatusPending   PollStatus = "pending"
	PollStatusLinked    PollStatus = "linked"
	PollStatusTransient PollStatus = "transient_error"
	PollStatusFatal     PollStatus = "fatal_error"
	PollStatusTimedOut  PollStatus = "timed_out"
)

type NotificationKind string

const (
	NotificationInfo    NotificationKind = "info"
	NotificationSuccess NotificationKind = "success"
	NotificationWarning NotificationKind = "warning"
	NotificationError   NotificationKind = "error"
)

type EventType string

const (
	EventStateEntered EventType = "state_entered"
	EventLinked       EventType = "linked"
	EventFailed       EventType = "failed"
	EventTimedOut     EventType = "timed_out"
)

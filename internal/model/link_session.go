package model

import (
	"encoding/json"
	"time"
)

type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	Username    string `json:"username,omitempty"`
}

type ErrorRecord struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

type DeepLinks struct {
	Primary   string   `json:"primary"`
	Secondary []string `json:"secondary"`
}

// All returns the primary link followed by the secondaries in priority order.
func (d DeepLinks) All() []string {
	if d.Primary == "" {
		return append([]string(nil), d.Secondary...)
	}
	return append([]string{d.Primary}, d.Secondary...)
}

// IssueRequest carries the caller's prerequisite data for code issuance.
type IssueRequest struct {
	SubjectID string          `json:"subjectId"`
	Platform  PlatformClass   `json:"platform"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// IssuedCode is the remote system's answer to an issuance request.
type IssuedCode struct {
	Code      string
	BotID     string
	ExpiresAt time.Time
}

type LinkStatus struct {
	Linked   bool
	Identity *Identity
}

type LinkSession struct {
	ID             string       `json:"id"`
	Code           string       `json:"code,omitempty"`
	BotID          string       `json:"botId,omitempty"`
	IssuedAt       time.Time    `json:"issuedAt,omitempty"`
	ExpiresAt      time.Time    `json:"expiresAt,omitempty"`
	State          SessionState `json:"state"`
	Attempt        int          `json:"attempt"`
	Request        IssueRequest `json:"request"`
	Links          *DeepLinks   `json:"links,omitempty"`
	LinkedIdentity *Identity    `json:"linkedIdentity,omitempty"`
	LastError      *ErrorRecord `json:"lastError,omitempty"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// Resumable reports whether a persisted session may be picked up again.
func (s *LinkSession) Resumable(now time.Time) bool {
	if s == nil || s.Code == "" || s.State.IsTerminal() {
		return false
	}
	if s.State != SessionStateAwaitingLink {
		return false
	}
	return now.Before(s.ExpiresAt)
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s LinkSession) Clone() LinkSession {
	out := s
	if s.Request.Metadata != nil {
		out.Request.Metadata = append(json.RawMessage(nil), s.Request.Metadata...)
	}
	if s.Links != nil {
		links := DeepLinks{Primary: s.Links.Primary, Secondary: append([]string(nil), s.Links.Secondary...)}
		out.Links = &links
	}
	if s.LinkedIdentity != nil {
		id := *s.LinkedIdentity
		out.LinkedIdentity = &id
	}
	if s.LastError != nil {
		rec := *s.LastError
		out.LastError = &rec
	}
	return out
}

type PollResult struct {
	Status   PollStatus
	Identity *Identity
	Err      error
}

type Event struct {
	Type    EventType    `json:"type"`
	State   SessionState `json:"state"`
	Session LinkSession  `json:"session"`
}

type Notification struct {
	Kind    NotificationKind `json:"kind"`
	Message string           `json:"message"`
}

package domain

import "time"

type SessionID string
type UserID string
type BidID string

// Money is an amount in minor currency units (cents).
type Money int64

type SessionStatus string

const (
	SessionPending SessionStatus = "PENDING"
	SessionLive    SessionStatus = "LIVE"
	SessionEnded   SessionStatus = "ENDED"
)

// rank orders statuses so transitions can be checked for monotonicity.
func (s SessionStatus) rank() int {
	switch s {
	case SessionPending:
		return 0
	case SessionLive:
		return 1
	case SessionEnded:
		return 2
	default:
		return -1
	}
}

// CanTransitionTo reports whether moving from s to next keeps PENDING→LIVE→ENDED order.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	return next.rank() >= 0 && next.rank() > s.rank()
}

type Session struct {
	ID             SessionID     `json:"sessionId"`
	HostID         UserID        `json:"hostId"`
	CurrentGuestID UserID        `json:"currentGuestId,omitempty"`
	Status         SessionStatus `json:"status"`
	AllowsBids     bool          `json:"allowsBids"`
	BaseRate       Money         `json:"baseRate"`
	StartedAt      *time.Time    `json:"startedAt,omitempty"`
	EndedAt        *time.Time    `json:"endedAt,omitempty"`
}

// Occupied reports whether a guest currently holds the session.
func (s *Session) Occupied() bool {
	return s.CurrentGuestID != ""
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a broadcast session.
type SessionStatus string

const (
	SessionScheduled SessionStatus = "scheduled"
	SessionLive      SessionStatus = "live"
	SessionEnded     SessionStatus = "ended"
	SessionCancelled SessionStatus = "cancelled"
)

// Session is a scheduled live broadcast owned by its host.
// Display data for the host is not stored here; clients resolve it by HostID.
type Session struct {
	ID          uuid.UUID     `json:"id"`
	HostID      uuid.UUID     `json:"host_id"`
	Title       string        `json:"title"`
	StartsAt    time.Time     `json:"starts_at"`
	EndsAt      time.Time     `json:"ends_at"`
	Status      SessionStatus `json:"status"`
	IsLive      bool          `json:"is_live"`
	ActualStart *time.Time    `json:"actual_start,omitempty"`
	ActualEnd   *time.Time    `json:"actual_end,omitempty"`
	ViewerCount int           `json:"viewer_count"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Terminal reports whether no further transition is possible.
func (s *Session) Terminal() bool {
	return s.Status == SessionEnded || s.Status == SessionCancelled
}

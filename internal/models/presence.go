package models

import (
	"time"

	"github.com/google/uuid"
)

// PresenceRecord is one user's attendance interval on a live stream. LeftAt nil means present.
type PresenceRecord struct {
	ID       uuid.UUID  `json:"id"`
	StreamID uuid.UUID  `json:"stream_id"`
	UserID   uuid.UUID  `json:"user_id"`
	JoinedAt time.Time  `json:"joined_at"`
	LeftAt   *time.Time `json:"left_at,omitempty"`
}

// Open reports whether the record is still open.
func (p *PresenceRecord) Open() bool { return p.LeftAt == nil }

// Attendee is one attendance interval as listed to the host.
type Attendee struct {
	UserID       uuid.UUID  `json:"user_id"`
	JoinedAt     time.Time  `json:"joined_at"`
	LeftAt       *time.Time `json:"left_at,omitempty"`
	WatchSeconds int64      `json:"watch_seconds"`
}

package models

import "time"

// SessionState represents where a pooled browser session is in its lifecycle
type SessionState string

const (
	StateIdle     SessionState = "IDLE"
	StateInUse    SessionState = "IN_USE"
	StateDraining SessionState = "DRAINING"
	StateDead     SessionState = "DEAD"
)

// SessionInfo is a read-only snapshot of a pooled session
type SessionInfo struct {
	ID           string       `json:"id"`
	State        SessionState `json:"state"`
	Engine       string       `json:"engine"`
	UseCount     int          `json:"useCount"`
	CreatedAt    time.Time    `json:"createdAt"`
	LastActivity time.Time    `json:"lastActivity"`
	TaskID       string       `json:"taskId,omitempty"`
}

// PoolStats summarizes pool occupancy
type PoolStats struct {
	Capacity int `json:"capacity"`
	Size     int `json:"size"`
	Idle     int `json:"idle"`
	InUse    int `json:"inUse"`
	Draining int `json:"draining"`
	Creating int `json:"creating"`
	Waiters  int `json:"waiters"`

	Created int64 `json:"created"`
	Retired int64 `json:"retired"`
	Reaped  int64 `json:"reaped"`
}

// Free returns how many more leases the pool could hand out right now
func (s PoolStats) Free() int {
	return s.Capacity - s.InUse - s.Draining - s.Creating
}

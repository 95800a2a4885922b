package domain

import (
	"time"

	"github.com/google/uuid"
)

type CallID string

type CallStatus string

const (
	CallStatusWaiting CallStatus = "waiting"
	CallStatusActive  CallStatus = "active"
	CallStatusEnded   CallStatus = "ended"
)

// Call is one session record. Status moves waiting -> active on first join
// and reaches ended exactly once; the record is immutable afterwards.
type Call struct {
	ID        CallID     `json:"id"`
	JoinCode  string     `json:"join_code"`
	Title     string     `json:"title"`
	Scope     string     `json:"scope,omitempty"`
	Status    CallStatus `json:"status"`
	HostID    UserID     `json:"host_id"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// NewCall builds a waiting call record with a fresh id and join code.
func NewCall(title, scope string, host UserID) (*Call, error) {
	code, err := NewJoinCode()
	if err != nil {
		return nil, err
	}
	return &Call{
		ID:        CallID(uuid.NewString()),
		JoinCode:  code,
		Title:     title,
		Scope:     scope,
		Status:    CallStatusWaiting,
		HostID:    host,
		CreatedAt: time.Now(),
	}, nil
}

func (c *Call) Joinable() bool {
	return c.Status == CallStatusWaiting || c.Status == CallStatusActive
}

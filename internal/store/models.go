package store

import (
	"time"

	"github.com/hivedesk/callkit/internal/domain"
)

type callRecord struct {
	ID        string `gorm:"primaryKey;size:36"`
	JoinCode  string `gorm:"uniqueIndex;size:8"`
	Title     string
	Scope     string
	Status    string `gorm:"index;size:16"`
	HostID    string `gorm:"size:36"`
	StartedAt *time.Time
	EndedAt   *time.Time
	CreatedAt time.Time
}

func (callRecord) TableName() string { return "calls" }

type participantRecord struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	CallID        string `gorm:"index:idx_call_user;size:36"`
	UserID        string `gorm:"index:idx_call_user;size:36"`
	Username      string
	Role          string `gorm:"size:16"`
	JoinedAt      time.Time
	LeftAt        *time.Time
	Muted         bool
	CameraOff     bool
	ScreenSharing bool
}

func (participantRecord) TableName() string { return "participants" }

func callToDomain(r *callRecord) *domain.Call {
	return &domain.Call{
		ID:        domain.CallID(r.ID),
		JoinCode:  r.JoinCode,
		Title:     r.Title,
		Scope:     r.Scope,
		Status:    domain.CallStatus(r.Status),
		HostID:    domain.UserID(r.HostID),
		StartedAt: r.StartedAt,
		EndedAt:   r.EndedAt,
		CreatedAt: r.CreatedAt,
	}
}

func callFromDomain(c *domain.Call) *callRecord {
	return &callRecord{
		ID:        string(c.ID),
		JoinCode:  c.JoinCode,
		Title:     c.Title,
		Scope:     c.Scope,
		Status:    string(c.Status),
		HostID:    string(c.HostID),
		StartedAt: c.StartedAt,
		EndedAt:   c.EndedAt,
		CreatedAt: c.CreatedAt,
	}
}

func participantToDomain(r *participantRecord) *domain.Participant {
	return &domain.Participant{
		CallID:   domain.CallID(r.CallID),
		UserID:   domain.UserID(r.UserID),
		Username: r.Username,
		Role:     domain.Role(r.Role),
		JoinedAt: r.JoinedAt,
		LeftAt:   r.LeftAt,
		Toggles: domain.Toggles{
			Muted:         r.Muted,
			CameraOff:     r.CameraOff,
			ScreenSharing: r.ScreenSharing,
		},
	}
}

func participantFromDomain(p *domain.Participant) *participantRecord {
	return &participantRecord{
		CallID:        string(p.CallID),
		UserID:        string(p.UserID),
		Username:      p.Username,
		Role:          string(p.Role),
		JoinedAt:      p.JoinedAt,
		LeftAt:        p.LeftAt,
		Muted:         p.Toggles.Muted,
		CameraOff:     p.Toggles.CameraOff,
		ScreenSharing: p.Toggles.ScreenSharing,
	}
}

package domain

import "time"

type Role string

const (
	RoleHost        Role = "host"
	RoleParticipant Role = "participant"
)

// Toggles is the participant-local device state mirrored into the record
// store on a best-effort basis.
type Toggles struct {
	Muted         bool `json:"muted"`
	CameraOff     bool `json:"camera_off"`
	ScreenSharing bool `json:"screen_sharing"`
}

// Participant is one (call, user) membership row. A nil LeftAt is the sole
// authoritative "is present" signal; at most one non-left row exists per
// (call, user).
type Participant struct {
	CallID   CallID     `json:"call_id"`
	UserID   UserID     `json:"user_id"`
	Username string     `json:"username"`
	Role     Role       `json:"role"`
	JoinedAt time.Time  `json:"joined_at"`
	LeftAt   *time.Time `json:"left_at,omitempty"`
	Toggles  Toggles    `json:"toggles"`

	// Synthetic marks a locally fabricated self entry used while the change
	// feed catches up; any authoritative feed event supersedes it.
	Synthetic bool `json:"-"`
}

func NewParticipant(callID CallID, user *User, role Role) *Participant {
	return &Participant{
		CallID:   callID,
		UserID:   user.ID,
		Username: user.Username,
		Role:     role,
		JoinedAt: time.Now(),
	}
}

func (p *Participant) Present() bool { return p.LeftAt == nil }

// Package domain holds the call, participant and user entities and the
// join-code helpers. Entities carry data and invariants only; behavior
// lives in the layers above.
package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

// MaxUsernameLen caps display names at what the roster UI renders without
// truncation.
const MaxUsernameLen = 36

var (
	ErrUsernameEmpty   = errors.New("username empty")
	ErrUsernameTooLong = errors.New("username too long")
)

type UserID string

// User is the authenticated actor calls and participant rows refer to.
// Identity comes from the surrounding suite; only the display name is
// editable here.
type User struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
}

// normalizeUsername trims and validates a display name.
func normalizeUsername(username string) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return "", ErrUsernameTooLong
	}
	return username, nil
}

func NewUser(username string) (*User, error) {
	name, err := normalizeUsername(username)
	if err != nil {
		return nil, err
	}
	return &User{ID: UserID(uuid.NewString()), Username: name}, nil
}

func (u *User) SetUsername(username string) error {
	name, err := normalizeUsername(username)
	if err != nil {
		return err
	}
	u.Username = name
	return nil
}

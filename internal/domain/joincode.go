package domain

import (
	"errors"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Join codes are typed by humans, sometimes read aloud or handwritten, so
// the alphabet drops 0/O and 1/I.
const (
	joinCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	joinCodeLen      = 6

	// JoinCodePrefix is prepended when a code is rendered as a shareable URL
	// slug, e.g. hd-K7M-P2X.
	JoinCodePrefix = "hd-"
)

var ErrBadJoinCode = errors.New("malformed join code")

// NewJoinCode returns a fresh code in XXX-XXX form.
func NewJoinCode() (string, error) {
	raw, err := gonanoid.Generate(joinCodeAlphabet, joinCodeLen)
	if err != nil {
		return "", err
	}
	return raw[:3] + "-" + raw[3:], nil
}

// NormalizeJoinCode canonicalizes user input: trims, uppercases, strips the
// URL prefix and any separator, and re-inserts the dash.
func NormalizeJoinCode(s string) (string, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, strings.ToUpper(JoinCodePrefix))
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, " ", "")
	if len(s) != joinCodeLen {
		return "", ErrBadJoinCode
	}
	for _, r := range s {
		if !strings.ContainsRune(joinCodeAlphabet, r) {
			return "", ErrBadJoinCode
		}
	}
	return s[:3] + "-" + s[3:], nil
}

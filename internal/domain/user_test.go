package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestNewUserNormalizesUsername(t *testing.T) {
	u, err := NewUser("  Alice ")
	if err != nil {
		t.Fatalf("new user: %v", err)
	}
	if u.Username != "Alice" {
		t.Fatalf("expected trimmed username, got %q", u.Username)
	}
	if u.ID == "" {
		t.Fatalf("expected generated id")
	}
}

func TestNewUserRejectsBadUsernames(t *testing.T) {
	cases := []struct {
		in   string
		want error
	}{
		{"", ErrUsernameEmpty},
		{"   ", ErrUsernameEmpty},
		{strings.Repeat("a", MaxUsernameLen+1), ErrUsernameTooLong},
	}
	for _, c := range cases {
		if _, err := NewUser(c.in); !errors.Is(err, c.want) {
			t.Errorf("NewUser(%q): got %v, want %v", c.in, err, c.want)
		}
	}
}

func TestSetUsernameKeepsOldNameOnError(t *testing.T) {
	u, err := NewUser("Alice")
	if err != nil {
		t.Fatalf("new user: %v", err)
	}
	if err := u.SetUsername(" Bob "); err != nil {
		t.Fatalf("set username: %v", err)
	}
	if u.Username != "Bob" {
		t.Fatalf("expected Bob, got %q", u.Username)
	}
	if err := u.SetUsername("  "); !errors.Is(err, ErrUsernameEmpty) {
		t.Fatalf("expected ErrUsernameEmpty, got %v", err)
	}
	if u.Username != "Bob" {
		t.Fatalf("failed update must not clobber the name, got %q", u.Username)
	}
}

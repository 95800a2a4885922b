package domain

import (
	"strings"
	"testing"
)

func TestNewJoinCodeShape(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		code, err := NewJoinCode()
		if err != nil {
			t.Fatalf("generate join code: %v", err)
		}
		if len(code) != 7 || code[3] != '-' {
			t.Fatalf("unexpected code shape %q", code)
		}
		for _, r := range strings.ReplaceAll(code, "-", "") {
			if !strings.ContainsRune(joinCodeAlphabet, r) {
				t.Fatalf("code %q uses rune %q outside alphabet", code, r)
			}
		}
		if seen[code] {
			t.Fatalf("duplicate code %q after %d draws", code, i)
		}
		seen[code] = true
	}
}

func TestJoinCodeAlphabetExcludesLookalikes(t *testing.T) {
	for _, r := range "0O1Il" {
		if strings.ContainsRune(joinCodeAlphabet, r) {
			t.Fatalf("alphabet must not contain %q", r)
		}
	}
}

func TestNormalizeJoinCode(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"ABC-234", "ABC-234", true},
		{"abc234", "ABC-234", true},
		{"  hd-ABC-234 ", "ABC-234", true},
		{"HD-abc-234", "ABC-234", true},
		{"ABC-23", "", false},
		{"ABC-2340", "", false},
		{"AB0-234", "", false}, // 0 not in alphabet
		{"", "", false},
	}
	for _, c := range cases {
		got, err := NormalizeJoinCode(c.in)
		if c.ok && err != nil {
			t.Errorf("NormalizeJoinCode(%q): unexpected error %v", c.in, err)
			continue
		}
		if !c.ok {
			if err == nil {
				t.Errorf("NormalizeJoinCode(%q): expected error, got %q", c.in, got)
			}
			continue
		}
		if got != c.want {
			t.Errorf("NormalizeJoinCode(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNewCallIsJoinable(t *testing.T) {
	call, err := NewCall("standup", "team", UserID("host"))
	if err != nil {
		t.Fatalf("new call: %v", err)
	}
	if !call.Joinable() {
		t.Fatalf("fresh call must be joinable")
	}
	call.Status = CallStatusEnded
	if call.Joinable() {
		t.Fatalf("ended call must not be joinable")
	}
}

package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivedesk/callkit/internal/domain"
)

func TestTokenRoundTrip(t *testing.T) {
	user := domain.User{ID: "u-1", Username: "alice"}

	token, err := IssueToken("secret", user, time.Hour)
	require.NoError(t, err)

	got, err := ParseToken("secret", token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
	assert.Equal(t, user.Username, got.Username)
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	token, err := IssueToken("secret", domain.User{ID: "u-1", Username: "alice"}, time.Hour)
	require.NoError(t, err)

	_, err = ParseToken("other", token)
	assert.ErrorIs(t, err, ErrBadToken)
}

func TestParseTokenRejectsExpired(t *testing.T) {
	token, err := IssueToken("secret", domain.User{ID: "u-1", Username: "alice"}, -time.Minute)
	require.NoError(t, err)

	_, err = ParseToken("secret", token)
	assert.ErrorIs(t, err, ErrBadToken)
}

func TestParseTokenRejectsGarbage(t *testing.T) {
	_, err := ParseToken("secret", "not-a-token")
	assert.ErrorIs(t, err, ErrBadToken)
}

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestService(ttl time.Duration) *Service {
	return NewService("test-secret", ttl, WithCost(bcrypt.MinCost))
}

func TestService_HashPassword(t *testing.T) {
	s := newTestService(time.Hour)

	tests := []struct {
		name        string
		password    string
		check       string
		expectError bool
	}{
		{
			name:        "Match",
			password:    "password123",
			check:       "password123",
			expectError: false,
		},
		{
			name:        "Mismatch",
			password:    "password123",
			check:       "wrongpass",
			expectError: true,
		},
		{
			name:        "EmptyCheck",
			password:    "password123",
			check:       "",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash, err := s.HashPassword(tt.password)
			require.NoError(t, err)
			assert.NotEqual(t, tt.password, hash, "password must not be stored in plaintext")

			err = s.CheckPassword(hash, tt.check)
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestService_Token(t *testing.T) {
	s := newTestService(time.Hour)

	token, err := s.IssueToken(42, "alice")
	require.NoError(t, err)

	userID, err := s.UserFromToken(token)
	require.NoError(t, err)
	assert.Equal(t, 42, userID)
}

func TestService_UserFromToken_Invalid(t *testing.T) {
	s := newTestService(time.Hour)

	expired, err := newTestService(-time.Hour).IssueToken(1, "alice")
	require.NoError(t, err)

	forged, err := NewService("other-secret", time.Hour).IssueToken(1, "alice")
	require.NoError(t, err)

	noUser, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{name: "Garbage", token: "not-a-token"},
		{name: "Expired", token: expired},
		{name: "WrongSecret", token: forged},
		{name: "MissingUserID", token: noUser},
		{name: "Empty", token: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.UserFromToken(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

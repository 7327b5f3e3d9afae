package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-for-jwt-testing"

func TestGenerateTokenPair(t *testing.T) {
	tokens, err := GenerateTokenPair("u-1", "test@example.com", testSecret, 15*time.Minute, 7*24*time.Hour)
	require.NoError(t, err)
	require.NotNil(t, tokens)

	assert.NotEmpty(t, tokens.AccessToken)
	assert.NotEmpty(t, tokens.RefreshToken)
	assert.NotEqual(t, tokens.AccessToken, tokens.RefreshToken)
	assert.True(t, tokens.ExpiresAt.After(time.Now()))
}

func TestValidateToken(t *testing.T) {
	userID := "7f2d8c1e-0000-4000-8000-000000000001"
	email := "test@example.com"

	tokens, err := GenerateTokenPair(userID, email, testSecret, 15*time.Minute, 7*24*time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name     string
		token    string
		secret   string
		wantType string
		wantErr  error
	}{
		{name: "Valid access token", token: tokens.AccessToken, secret: testSecret, wantType: TokenTypeAccess},
		{name: "Valid refresh token", token: tokens.RefreshToken, secret: testSecret, wantType: TokenTypeRefresh},
		{name: "Invalid secret", token: tokens.AccessToken, secret: "wrong-secret", wantErr: ErrInvalidToken},
		{name: "Invalid token format", token: "invalid.token.format", secret: testSecret, wantErr: ErrInvalidToken},
		{name: "Empty token", token: "", secret: testSecret, wantErr: ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := ValidateToken(tt.token, tt.secret)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, claims)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, userID, claims.UserID)
			assert.Equal(t, email, claims.Email)
			assert.Equal(t, tt.wantType, claims.TokenType)
		})
	}
}

func TestValidateTokenOfType(t *testing.T) {
	tokens, err := GenerateTokenPair("u-1", "a@b.c", testSecret, time.Minute, time.Hour)
	require.NoError(t, err)

	_, err = ValidateTokenOfType(tokens.RefreshToken, testSecret, TokenTypeAccess)
	assert.ErrorIs(t, err, ErrWrongTokenType)

	claims, err := ValidateTokenOfType(tokens.RefreshToken, testSecret, TokenTypeRefresh)
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.UserID)
}

func TestExpiredToken(t *testing.T) {
	tokens, err := GenerateTokenPair("u-1", "test@example.com", testSecret, time.Nanosecond, time.Nanosecond)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	claims, err := ValidateToken(tokens.AccessToken, testSecret)
	assert.ErrorIs(t, err, ErrExpiredToken)
	assert.Nil(t, claims)
}

func TestTokenClaims(t *testing.T) {
	tokens, err := GenerateTokenPair("u-42", "user@example.com", testSecret, 15*time.Minute, 7*24*time.Hour)
	require.NoError(t, err)

	claims, err := ValidateToken(tokens.AccessToken, testSecret)
	require.NoError(t, err)

	assert.Equal(t, "u-42", claims.Subject)
	assert.NotEmpty(t, claims.ID)
	require.NotNil(t, claims.ExpiresAt)
	require.NotNil(t, claims.IssuedAt)
	assert.True(t, claims.IssuedAt.Before(claims.ExpiresAt.Time))
	assert.InDelta(t, (15 * time.Minute).Seconds(), claims.RemainingLifetime().Seconds(), 5)
}

func TestSessionID(t *testing.T) {
	first, err := GenerateTokenPair("u-1", "a@b.c", testSecret, time.Minute, time.Hour)
	require.NoError(t, err)
	access, err := ValidateToken(first.AccessToken, testSecret)
	require.NoError(t, err)
	refresh, err := ValidateToken(first.RefreshToken, testSecret)
	require.NoError(t, err)
	require.NotEmpty(t, access.SessionID)
	assert.Equal(t, access.SessionID, refresh.SessionID)

	renewed, err := GenerateSessionTokenPair("u-1", "a@b.c", refresh.SessionID, testSecret, time.Minute, time.Hour)
	require.NoError(t, err)
	claims, err := ValidateToken(renewed.AccessToken, testSecret)
	require.NoError(t, err)
	assert.Equal(t, access.SessionID, claims.SessionID)

	other, err := GenerateTokenPair("u-1", "a@b.c", testSecret, time.Minute, time.Hour)
	require.NoError(t, err)
	claims, err = ValidateToken(other.AccessToken, testSecret)
	require.NoError(t, err)
	assert.NotEqual(t, access.SessionID, claims.SessionID)
}

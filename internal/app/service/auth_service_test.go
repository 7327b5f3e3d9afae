package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/facturapp/factura-backend/internal/app/repository"
	"github.com/facturapp/factura-backend/internal/db"
	appredis "github.com/facturapp/factura-backend/pkg/redis"
	"github.com/facturapp/factura-backend/pkg/util"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJWTSecret = "test-jwt-secret"

type recordingListener struct {
	mu       sync.Mutex
	users    []string
	sessions []string
}

func (l *recordingListener) SessionEnded(userID, sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.users = append(l.users, userID)
	l.sessions = append(l.sessions, sessionID)
}

func setupAuthServiceTest(t *testing.T) (AuthService, *appredis.TokenBlacklist) {
	testDB, err := db.SetupTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { db.CleanupTestDB(testDB) })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	blacklist := appredis.NewTokenBlacklist(client)

	authService := NewAuthService(
		repository.NewUserRepository(testDB),
		blacklist,
		testJWTSecret,
		15*time.Minute,
		7*24*time.Hour,
	)
	return authService, blacklist
}

func TestAuthService_Register(t *testing.T) {
	authService, _ := setupAuthServiceTest(t)

	tests := []struct {
		name     string
		email    string
		password string
		wantErr  error
	}{
		{name: "Valid registration", email: "Test@Example.com ", password: "password123"},
		{name: "Duplicate email", email: "test@example.com", password: "password456", wantErr: ErrEmailAlreadyExists},
		{name: "Bad email", email: "not-an-email", password: "password123", wantErr: ErrInvalidEmail},
		{name: "Short password", email: "short@example.com", password: "12345", wantErr: util.ErrPasswordTooShort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, tokens, err := authService.Register(tt.email, tt.password)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, user)
				assert.Nil(t, tokens)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "test@example.com", user.Email)
			assert.NotEqual(t, tt.password, user.PasswordHash)
			assert.NotEmpty(t, tokens.AccessToken)
			assert.NotEmpty(t, tokens.RefreshToken)
		})
	}
}

func TestAuthService_Login(t *testing.T) {
	authService, _ := setupAuthServiceTest(t)

	_, _, err := authService.Register("test@example.com", "password123")
	require.NoError(t, err)

	tests := []struct {
		name     string
		email    string
		password string
		wantErr  error
	}{
		{name: "Valid login", email: "test@example.com", password: "password123"},
		{name: "Wrong password", email: "test@example.com", password: "wrongpassword", wantErr: ErrWrongPassword},
		{name: "Non-existing user", email: "notfound@example.com", password: "password123", wantErr: ErrUserNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, tokens, err := authService.Login(tt.email, tt.password)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, user)
				assert.Nil(t, tokens)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.email, user.Email)

			claims, err := util.ValidateTokenOfType(tokens.AccessToken, testJWTSecret, util.TokenTypeAccess)
			require.NoError(t, err)
			assert.Equal(t, user.ID, claims.UserID)
		})
	}
}

func TestAuthService_Refresh(t *testing.T) {
	authService, _ := setupAuthServiceTest(t)

	user, tokens, err := authService.Register("test@example.com", "password123")
	require.NoError(t, err)

	fresh, err := authService.Refresh(tokens.RefreshToken)
	require.NoError(t, err)
	claims, err := util.ValidateToken(fresh.AccessToken, testJWTSecret)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)

	_, err = authService.Refresh(tokens.AccessToken)
	assert.ErrorIs(t, err, util.ErrWrongTokenType)
}

func TestAuthService_Logout(t *testing.T) {
	authService, blacklist := setupAuthServiceTest(t)
	listener := &recordingListener{}
	authService.AddSignOutListener(listener)

	user, tokens, err := authService.Register("test@example.com", "password123")
	require.NoError(t, err)
	claims, err := util.ValidateToken(tokens.AccessToken, testJWTSecret)
	require.NoError(t, err)

	require.NoError(t, authService.Logout(context.Background(), tokens.AccessToken, claims))

	revoked, err := blacklist.IsTokenBlacklisted(context.Background(), tokens.AccessToken)
	require.NoError(t, err)
	assert.True(t, revoked)
	assert.Equal(t, []string{user.ID}, listener.users)
	assert.Equal(t, []string{claims.SessionID}, listener.sessions)

	assert.ErrorIs(t, authService.Logout(context.Background(), "", nil), repository.ErrNotAuthenticated)
}

func TestAuthService_RefreshKeepsSession(t *testing.T) {
	authService, _ := setupAuthServiceTest(t)

	_, tokens, err := authService.Register("test@example.com", "password123")
	require.NoError(t, err)
	original, err := util.ValidateToken(tokens.AccessToken, testJWTSecret)
	require.NoError(t, err)
	require.NotEmpty(t, original.SessionID)

	refreshed, err := authService.Refresh(tokens.RefreshToken)
	require.NoError(t, err)
	claims, err := util.ValidateToken(refreshed.AccessToken, testJWTSecret)
	require.NoError(t, err)
	assert.Equal(t, original.SessionID, claims.SessionID)

	_, other, err := authService.Login("test@example.com", "password123")
	require.NoError(t, err)
	claims, err = util.ValidateToken(other.AccessToken, testJWTSecret)
	require.NoError(t, err)
	assert.NotEqual(t, original.SessionID, claims.SessionID, "each login is its own session")
}

func TestAuthService_GetUserByID(t *testing.T) {
	authService, _ := setupAuthServiceTest(t)

	user, _, err := authService.Register("test@example.com", "password123")
	require.NoError(t, err)

	found, err := authService.GetUserByID(user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.Email, found.Email)

	_, err = authService.GetUserByID("missing")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestTranslateAuthError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "Ha ocurrido un error inesperado."},
		{ErrInvalidEmail, "Formato de correo inválido."},
		{ErrUserNotFound, "El usuario no existe."},
		{ErrWrongPassword, "Contraseña incorrecta."},
		{ErrEmailAlreadyExists, "Este correo ya está registrado."},
		{util.ErrPasswordTooShort, "La contraseña debe tener al menos 6 caracteres."},
		{errors.New("disk full"), "Error: disk full"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TranslateAuthError(tt.err))
	}
}

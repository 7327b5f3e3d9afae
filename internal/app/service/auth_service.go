package service

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/facturapp/factura-backend/internal/app/model"
	"github.com/facturapp/factura-backend/internal/app/repository"
	"github.com/facturapp/factura-backend/pkg/logger"
	"github.com/facturapp/factura-backend/pkg/util"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrEmailAlreadyExists = errors.New("email already exists")
	ErrInvalidEmail       = errors.New("email address is badly formatted")
	ErrUserNotFound       = errors.New("user not found")
	ErrWrongPassword      = errors.New("password is invalid")
)

// SignOutListener is told when a session of a principal logs out. An empty
// sessionID means every session of the user.
type SignOutListener interface {
	SessionEnded(userID, sessionID string)
}

// TokenRevoker remembers logged out tokens until they expire.
type TokenRevoker interface {
	BlacklistToken(ctx context.Context, token string, expiry time.Duration) error
}

type AuthService interface {
	Register(email, password string) (*model.User, *util.TokenPair, error)
	Login(email, password string) (*model.User, *util.TokenPair, error)
	Refresh(refreshToken string) (*util.TokenPair, error)
	// Logout revokes the access token and ends the live views of its session.
	Logout(ctx context.Context, accessToken string, claims *util.Claims) error
	GetUserByID(id string) (*model.User, error)
	AddSignOutListener(l SignOutListener)
}

type authService struct {
	userRepo      repository.UserRepository
	revoker       TokenRevoker
	jwtSecret     string
	accessExpiry  time.Duration
	refreshExpiry time.Duration

	mu        sync.RWMutex
	listeners []SignOutListener
}

// NewAuthService builds the auth service. revoker may be nil, in which case
// logged out tokens stay valid until they expire.
func NewAuthService(
	userRepo repository.UserRepository,
	revoker TokenRevoker,
	jwtSecret string,
	accessExpiry, refreshExpiry time.Duration,
) AuthService {
	return &authService{
		userRepo:      userRepo,
		revoker:       revoker,
		jwtSecret:     jwtSecret,
		accessExpiry:  accessExpiry,
		refreshExpiry: refreshExpiry,
	}
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}

func (s *authService) Register(email, password string) (*model.User, *util.TokenPair, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Attempting user registration", logger.Fields{
		"email": email,
	})

	if err := util.CheckPasswordStrength(password); err != nil {
		return nil, nil, err
	}

	existingUser, err := s.userRepo.FindByEmail(email)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		logger.Error("Failed to check existing user", err, logger.Fields{
			"email": email,
		})
		return nil, nil, err
	}
	if existingUser != nil {
		logger.Warn("Registration failed: email already exists", logger.Fields{
			"email": email,
		})
		return nil, nil, ErrEmailAlreadyExists
	}

	hashedPassword, err := util.HashPassword(password)
	if err != nil {
		logger.Error("Failed to hash password", err, logger.Fields{
			"email": email,
		})
		return nil, nil, err
	}

	user := &model.User{
		Email:        email,
		PasswordHash: hashedPassword,
	}
	if err := s.userRepo.Create(user); err != nil {
		logger.Error("Failed to create user in database", err, logger.Fields{
			"email": email,
		})
		return nil, nil, err
	}

	tokens, err := s.issue(user, "")
	if err != nil {
		return nil, nil, err
	}

	logger.Info("User registered successfully", logger.Fields{
		"user_id": user.ID,
		"email":   email,
	})
	return user, tokens, nil
}

func (s *authService) Login(email, password string) (*model.User, *util.TokenPair, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Login attempt", logger.Fields{
		"email": email,
	})

	user, err := s.userRepo.FindByEmail(email)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logger.Warn("Login failed: user not found", logger.Fields{
				"email": email,
			})
			return nil, nil, ErrUserNotFound
		}
		logger.Error("Failed to find user", err, logger.Fields{
			"email": email,
		})
		return nil, nil, err
	}

	if !util.VerifyPassword(user.PasswordHash, password) {
		logger.Warn("Login failed: invalid password", logger.Fields{
			"email":   email,
			"user_id": user.ID,
		})
		return nil, nil, ErrWrongPassword
	}

	tokens, err := s.issue(user, "")
	if err != nil {
		return nil, nil, err
	}

	logger.Info("User logged in successfully", logger.Fields{
		"user_id": user.ID,
		"email":   email,
	})
	return user, tokens, nil
}

func (s *authService) Refresh(refreshToken string) (*util.TokenPair, error) {
	claims, err := util.ValidateTokenOfType(refreshToken, s.jwtSecret, util.TokenTypeRefresh)
	if err != nil {
		logger.Warn("Refresh token rejected", logger.Fields{
			"error": err.Error(),
		})
		return nil, err
	}

	user, err := s.GetUserByID(claims.UserID)
	if err != nil {
		return nil, err
	}
	return s.issue(user, claims.SessionID)
}

// issue signs a pair for the session, or for a new one when sessionID is empty.
func (s *authService) issue(user *model.User, sessionID string) (*util.TokenPair, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	tokens, err := util.GenerateSessionTokenPair(
		user.ID,
		user.Email,
		sessionID,
		s.jwtSecret,
		s.accessExpiry,
		s.refreshExpiry,
	)
	if err != nil {
		logger.Error("Failed to generate tokens", err, logger.Fields{
			"user_id": user.ID,
		})
		return nil, err
	}
	return tokens, nil
}

func (s *authService) Logout(ctx context.Context, accessToken string, claims *util.Claims) error {
	if claims == nil || claims.UserID == "" {
		return repository.ErrNotAuthenticated
	}

	var revokeErr error
	if s.revoker != nil {
		revokeErr = s.revoker.BlacklistToken(ctx, accessToken, claims.RemainingLifetime())
		if revokeErr != nil {
			logger.Error("Failed to revoke access token", revokeErr, logger.Fields{
				"user_id": claims.UserID,
			})
		}
	}

	s.mu.RLock()
	listeners := append([]SignOutListener(nil), s.listeners...)
	s.mu.RUnlock()
	for _, l := range listeners {
		l.SessionEnded(claims.UserID, claims.SessionID)
	}

	logger.Info("User logged out", logger.Fields{
		"user_id":    claims.UserID,
		"session_id": claims.SessionID,
	})
	return revokeErr
}

func (s *authService) AddSignOutListener(l SignOutListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *authService) GetUserByID(id string) (*model.User, error) {
	user, err := s.userRepo.FindByID(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logger.Warn("User not found", logger.Fields{
				"user_id": id,
			})
			return nil, ErrUserNotFound
		}
		logger.Error("Failed to fetch user", err, logger.Fields{
			"user_id": id,
		})
		return nil, err
	}
	return user, nil
}

// TranslateAuthError returns the Spanish message for an authentication error.
func TranslateAuthError(err error) string {
	switch {
	case err == nil || err.Error() == "":
		return "Ha ocurrido un error inesperado."
	case errors.Is(err, ErrInvalidEmail):
		return "Formato de correo inválido."
	case errors.Is(err, ErrUserNotFound):
		return "El usuario no existe."
	case errors.Is(err, ErrWrongPassword):
		return "Contraseña incorrecta."
	case errors.Is(err, ErrEmailAlreadyExists):
		return "Este correo ya está registrado."
	case errors.Is(err, util.ErrPasswordTooShort):
		return "La contraseña debe tener al menos 6 caracteres."
	case errors.Is(err, util.ErrExpiredToken):
		return "La sesión ha caducado."
	case errors.Is(err, util.ErrInvalidToken), errors.Is(err, util.ErrWrongTokenType):
		return "Token inválido."
	}
	return "Error: " + err.Error()
}

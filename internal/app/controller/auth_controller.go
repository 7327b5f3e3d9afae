package controller

import (
	"errors"
	"net/http"

	"github.com/facturapp/factura-backend/internal/app/model"
	"github.com/facturapp/factura-backend/internal/app/service"
	apperrors "github.com/facturapp/factura-backend/internal/errors"
	"github.com/facturapp/factura-backend/internal/middleware"
	"github.com/facturapp/factura-backend/pkg/util"
	"github.com/gin-gonic/gin"
)

type AuthController struct {
	authService service.AuthService
}

func NewAuthController(authService service.AuthService) *AuthController {
	return &AuthController{
		authService: authService,
	}
}

type CredentialsRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

func userBody(user *model.User) gin.H {
	return gin.H{
		"id":         user.ID,
		"email":      user.Email,
		"created_at": user.CreatedAt,
	}
}

// respondAuthError maps sign-in and sign-up failures to a status and code;
// the message always comes from TranslateAuthError.
func respondAuthError(c *gin.Context, err error) {
	message := service.TranslateAuthError(err)
	switch {
	case errors.Is(err, service.ErrInvalidEmail):
		apperrors.BadRequest(c, apperrors.AuthEmailInvalid, message)
	case errors.Is(err, util.ErrPasswordTooShort):
		apperrors.BadRequest(c, apperrors.AuthWeakPassword, message)
	case errors.Is(err, service.ErrEmailAlreadyExists):
		apperrors.Conflict(c, apperrors.AuthEmailAlreadyExists, message)
	case errors.Is(err, service.ErrUserNotFound):
		apperrors.RespondWithError(c, http.StatusUnauthorized, apperrors.AuthUserNotFound, message)
	case errors.Is(err, service.ErrWrongPassword):
		apperrors.RespondWithError(c, http.StatusUnauthorized, apperrors.AuthInvalidCredentials, message)
	case errors.Is(err, util.ErrExpiredToken):
		apperrors.RespondWithError(c, http.StatusUnauthorized, apperrors.AuthTokenExpired, message)
	case errors.Is(err, util.ErrInvalidToken), errors.Is(err, util.ErrWrongTokenType):
		apperrors.RespondWithError(c, http.StatusUnauthorized, apperrors.AuthTokenInvalid, message)
	default:
		apperrors.RespondWithError(c, http.StatusInternalServerError, apperrors.InternalServerError, message)
	}
}

// Register handles user registration
// POST /api/v1/auth/register
func (ctrl *AuthController) Register(c *gin.Context) {
	log := middleware.GetLoggerFromContext(c)

	var req CredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn("Invalid registration request", map[string]interface{}{
			"error": err.Error(),
		})
		apperrors.BadRequest(c, apperrors.ValidationInvalidInput, "Introduce correo y contraseña.")
		return
	}

	user, tokens, err := ctrl.authService.Register(req.Email, req.Password)
	if err != nil {
		log.Warn("Registration failed", map[string]interface{}{
			"email": req.Email,
			"error": err.Error(),
		})
		respondAuthError(c, err)
		return
	}

	log.Info("User registered successfully", map[string]interface{}{
		"user_id": user.ID,
	})

	c.JSON(http.StatusCreated, gin.H{
		"message": "Cuenta creada con éxito",
		"user":    userBody(user),
		"tokens":  tokens,
	})
}

// Login handles user login
// POST /api/v1/auth/login
func (ctrl *AuthController) Login(c *gin.Context) {
	log := middleware.GetLoggerFromContext(c)

	var req CredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn("Invalid login request", map[string]interface{}{
			"error": err.Error(),
		})
		apperrors.BadRequest(c, apperrors.ValidationInvalidInput, "Introduce correo y contraseña.")
		return
	}

	user, tokens, err := ctrl.authService.Login(req.Email, req.Password)
	if err != nil {
		log.Warn("Login failed", map[string]interface{}{
			"email": req.Email,
			"error": err.Error(),
		})
		respondAuthError(c, err)
		return
	}

	log.Info("Login successful", map[string]interface{}{
		"user_id": user.ID,
	})

	c.JSON(http.StatusOK, gin.H{
		"message": "Sesión iniciada",
		"user":    userBody(user),
		"tokens":  tokens,
	})
}

// Refresh issues a new token pair from a refresh token
// POST /api/v1/auth/refresh
func (ctrl *AuthController) Refresh(c *gin.Context) {
	log := middleware.GetLoggerFromContext(c)

	var req RefreshTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.BadRequest(c, apperrors.ValidationInvalidInput, "Falta el token de renovación.")
		return
	}

	tokens, err := ctrl.authService.Refresh(req.RefreshToken)
	if err != nil {
		log.Warn("Token refresh failed", map[string]interface{}{
			"error": err.Error(),
		})
		respondAuthError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tokens": tokens,
	})
}

// Logout revokes the current access token and closes the user's live views
// POST /api/v1/auth/logout
func (ctrl *AuthController) Logout(c *gin.Context) {
	log := middleware.GetLoggerFromContext(c)

	token, claims, ok := middleware.GetAccessToken(c)
	if !ok {
		apperrors.Unauthorized(c, "")
		return
	}

	if err := ctrl.authService.Logout(c.Request.Context(), token, claims); err != nil {
		log.Error("Logout failed", err, map[string]interface{}{
			"user_id": claims.UserID,
		})
		apperrors.ParseAndRespond(c, http.StatusInternalServerError, err, "logout")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Sesión cerrada",
	})
}

// GetMe returns current user information
// GET /api/v1/auth/me
func (ctrl *AuthController) GetMe(c *gin.Context) {
	log := middleware.GetLoggerFromContext(c)

	userID, exists := middleware.GetUserID(c)
	if !exists {
		log.Warn("Unauthorized access to GetMe endpoint", nil)
		apperrors.Unauthorized(c, "")
		return
	}

	user, err := ctrl.authService.GetUserByID(userID)
	if err != nil {
		if errors.Is(err, service.ErrUserNotFound) {
			apperrors.NotFound(c, apperrors.AuthUserNotFound, service.TranslateAuthError(err))
			return
		}
		log.Error("Failed to get user information", err, map[string]interface{}{
			"user_id": userID,
		})
		apperrors.ParseAndRespond(c, http.StatusInternalServerError, err, "get user")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user": userBody(user),
	})
}

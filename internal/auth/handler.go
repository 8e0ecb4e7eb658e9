package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/aura-meet/backend/internal/models"
	"github.com/aura-meet/backend/pkg/response"
	"github.com/aura-meet/backend/pkg/utils"
)

// ContextUserID is the gin context key holding the authenticated user's ID.
const ContextUserID = "user_id"

// RegisterRequest is the body for POST /auth/register.
type RegisterRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6"`
	FullName string `json:"full_name" binding:"required"`
}

// LoginRequest is the body for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// TokenResponse is the auth response with JWT.
type TokenResponse struct {
	Token string            `json:"token"`
	User  models.UserPublic `json:"user"`
}

// Users is the user store the handler needs.
type Users interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	Create(ctx context.Context, email, passwordHash, fullName string) (*models.User, error)
}

// Handler handles auth HTTP endpoints.
type Handler struct {
	repo   Users
	jwt    *JWTService
	logger *zap.Logger
}

// NewHandler creates an auth handler.
func NewHandler(repo Users, jwt *JWTService, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, jwt: jwt, logger: logger}
}

// Register handles POST /auth/register.
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	_, err := h.repo.GetByEmail(c.Request.Context(), req.Email)
	if err == nil {
		response.Conflict(c, "email already registered")
		return
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		h.logger.Error("lookup user", zap.Error(err))
		response.Internal(c, "failed to create user")
		return
	}

	hash, err := utils.HashPassword(req.Password)
	if errors.Is(err, utils.ErrPasswordTooLong) {
		response.BadRequest(c, err.Error())
		return
	}
	if err != nil {
		response.Internal(c, "failed to hash password")
		return
	}

	user, err := h.repo.Create(c.Request.Context(), req.Email, hash, req.FullName)
	if err != nil {
		h.logger.Error("create user", zap.Error(err))
		response.Internal(c, "failed to create user")
		return
	}

	token, err := h.jwt.Generate(user.ID, user.Email, user.FullName)
	if err != nil {
		response.Internal(c, "failed to generate token")
		return
	}

	response.Created(c, TokenResponse{Token: token, User: user.ToPublic()})
}

// Login handles POST /auth/login.
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	user, err := h.repo.GetByEmail(c.Request.Context(), req.Email)
	if err != nil {
		response.Unauthorized(c, "invalid email or password")
		return
	}

	if !utils.CheckPassword(req.Password, user.Password) {
		response.Unauthorized(c, "invalid email or password")
		return
	}

	token, err := h.jwt.Generate(user.ID, user.Email, user.FullName)
	if err != nil {
		response.Internal(c, "failed to generate token")
		return
	}

	c.JSON(http.StatusOK, response.Body{Success: true, Data: TokenResponse{Token: token, User: user.ToPublic()}})
}

// Me handles GET /api/me.
func (h *Handler) Me(c *gin.Context) {
	id, ok := c.MustGet(ContextUserID).(uuid.UUID)
	if !ok {
		response.Unauthorized(c, "invalid session")
		return
	}
	user, err := h.repo.GetByID(c.Request.Context(), id)
	if errors.Is(err, pgx.ErrNoRows) {
		response.NotFound(c, "user not found")
		return
	}
	if err != nil {
		h.logger.Error("load user", zap.String("user_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to load user")
		return
	}
	response.OK(c, user.ToPublic())
}

package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-meet/backend/internal/models"
	"github.com/aura-meet/backend/pkg/utils"
)

func TestJWT_RoundTrip(t *testing.T) {
	svc := NewJWTService("secret", 1)
	id := uuid.New()

	token, err := svc.Generate(id, "ada@example.com", "Ada")
	require.NoError(t, err)

	claims, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, id, claims.UserID)
	assert.Equal(t, "Ada", claims.Name)

	userID, name, err := svc.ValidateUser(token)
	require.NoError(t, err)
	assert.Equal(t, id, userID)
	assert.Equal(t, "Ada", name)
}

func TestJWT_RejectsForeignAndExpired(t *testing.T) {
	svc := NewJWTService("secret", 1)
	other := NewJWTService("other", 1)
	token, err := other.Generate(uuid.New(), "a@b.c", "A")
	require.NoError(t, err)
	_, err = svc.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	svc.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err = svc.Generate(uuid.New(), "a@b.c", "A")
	require.NoError(t, err)
	svc.now = time.Now
	_, err = svc.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

type memUsers struct {
	byEmail map[string]*models.User
}

func (m *memUsers) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	for _, u := range m.byEmail {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *memUsers) GetByEmail(_ context.Context, email string) (*models.User, error) {
	u, ok := m.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return u, nil
}

func (m *memUsers) Create(_ context.Context, email, hash, name string) (*models.User, error) {
	u := &models.User{ID: uuid.New(), Email: email, Password: hash, FullName: name, CreatedAt: time.Now()}
	m.byEmail[strings.ToLower(email)] = u
	return u, nil
}

func authRouter() (*gin.Engine, *JWTService) {
	gin.SetMode(gin.TestMode)
	jwtSvc := NewJWTService("secret", 1)
	h := NewHandler(&memUsers{byEmail: make(map[string]*models.User)}, jwtSvc, zap.NewNop())
	r := gin.New()
	r.POST("/auth/register", h.Register)
	r.POST("/auth/login", h.Login)
	me := r.Group("/api", func(c *gin.Context) {
		claims, err := jwtSvc.Validate(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if err != nil {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Set(ContextUserID, claims.UserID)
	})
	me.GET("/me", h.Me)
	return r, jwtSvc
}

func post(r http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRegisterAndLogin(t *testing.T) {
	r, jwtSvc := authRouter()

	w := post(r, "/auth/register", RegisterRequest{Email: "ada@example.com", Password: "hunter22", FullName: "Ada"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = post(r, "/auth/register", RegisterRequest{Email: "ADA@example.com", Password: "hunter22", FullName: "Ada"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = post(r, "/auth/login", LoginRequest{Email: "ada@example.com", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = post(r, "/auth/login", LoginRequest{Email: "ada@example.com", Password: "hunter22"})
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data TokenResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	_, name, err := jwtSvc.ValidateUser(body.Data.Token)
	require.NoError(t, err)
	assert.Equal(t, "Ada", name)
}

func TestMe_ReturnsCurrentUser(t *testing.T) {
	r, jwtSvc := authRouter()
	w := post(r, "/auth/register", RegisterRequest{Email: "ada@example.com", Password: "hunter22", FullName: "Ada"})
	require.Equal(t, http.StatusCreated, w.Code)
	var body struct {
		Data TokenResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer "+body.Data.Token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var me struct {
		Data models.UserPublic `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &me))
	assert.Equal(t, body.Data.User.ID, me.Data.ID)
	assert.Equal(t, "Ada", me.Data.FullName)

	stranger, err := jwtSvc.Generate(uuid.New(), "ghost@example.com", "Ghost")
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer "+stranger)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRegister_Validation(t *testing.T) {
	r, _ := authRouter()
	w := post(r, "/auth/register", map[string]string{"email": "not-an-email", "password": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHashPassword_TooLong(t *testing.T) {
	_, err := utils.HashPassword(strings.Repeat("a", 73))
	assert.ErrorIs(t, err, utils.ErrPasswordTooLong)

	hash, err := utils.HashPassword("hunter22")
	require.NoError(t, err)
	assert.True(t, utils.CheckPassword("hunter22", hash))
	assert.False(t, utils.CheckPassword("hunter23", hash))
}

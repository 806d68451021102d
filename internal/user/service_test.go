package user

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"go-chat-rooms/internal/apperr"
	"go-chat-rooms/internal/auth"
	"go-chat-rooms/internal/testfixtures"
)

func newService(t *testing.T) (*Service, *testfixtures.Clock) {
	t.Helper()
	clock := testfixtures.NewClock(time.Time{})
	svc := NewService(NewMemoryStore(), "test-secret", time.Hour)
	svc.now = clock.Now
	return svc, clock
}

func newServiceWithStore(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	svc := NewService(store, "test-secret", time.Hour)
	svc.now = testfixtures.NewClock(time.Time{}).Now
	return svc, store
}

func TestRegisterAndLoginIssuesMemberToken(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	reg, err := svc.Register(ctx, &RegisterRequest{Username: " ana ", Password: "secret1"})
	require.NoError(t, err)
	assert.Equal(t, "ana", reg.Username)
	assert.Equal(t, auth.RoleMember, reg.Role)

	res, err := svc.Login(ctx, &LoginRequest{Username: "ana", Password: "secret1"})
	require.NoError(t, err)
	assert.Equal(t, reg.ID, res.ID)

	id, err := svc.ValidateToken(res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, auth.Identity{ID: reg.ID, Username: "ana", Role: auth.RoleMember}, id)
}

func TestRegisterIgnoresRequestedRole(t *testing.T) {
	svc, _ := newService(t)
	h := NewHandler(svc, zerolog.Nop())

	rec := httptest.NewRecorder()
	body := strings.NewReader(`{"username":"mallory","password":"secret1","role":"host"}`)
	h.Register(rec, httptest.NewRequest(http.MethodPost, "/register", body))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var res RegisterResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, auth.RoleMember, res.Role)
	assert.False(t, res.Role.CanModerate())

	login, err := svc.Login(context.Background(), &LoginRequest{Username: "mallory", Password: "secret1"})
	require.NoError(t, err)
	id, err := svc.ValidateToken(login.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, auth.RoleMember, id.Role)
}

func TestSeededRoleIsCarriedInToken(t *testing.T) {
	svc, store := newServiceWithStore(t)
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("secret1"), bcrypt.MinCost)
	require.NoError(t, err)
	_, err = store.CreateUser(ctx, &User{Username: "host", Password: string(hash), Role: auth.RoleHost})
	require.NoError(t, err)

	res, err := svc.Login(ctx, &LoginRequest{Username: "host", Password: "secret1"})
	require.NoError(t, err)
	assert.Equal(t, auth.RoleHost, res.Role)

	id, err := svc.ValidateToken(res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, auth.RoleHost, id.Role)
}

func TestRegisterRejectsDuplicatesAndWeakInput(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, &RegisterRequest{Username: "ana", Password: "secret1"})
	require.NoError(t, err)

	_, err = svc.Register(ctx, &RegisterRequest{Username: "ana", Password: "secret2"})
	assert.True(t, apperr.Is(err, apperr.KindConflict))

	_, err = svc.Register(ctx, &RegisterRequest{Username: "al", Password: "secret1"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = svc.Register(ctx, &RegisterRequest{Username: "albert", Password: "123"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_, err := svc.Register(ctx, &RegisterRequest{Username: "ana", Password: "secret1"})
	require.NoError(t, err)

	_, wrongPassword := svc.Login(ctx, &LoginRequest{Username: "ana", Password: "nope"})
	_, unknownUser := svc.Login(ctx, &LoginRequest{Username: "bob", Password: "secret1"})

	assert.ErrorIs(t, wrongPassword, ErrInvalidCredentials)
	assert.ErrorIs(t, unknownUser, ErrInvalidCredentials)
}

func TestValidateTokenRejectsExpiredAndForeignTokens(t *testing.T) {
	svc, clock := newService(t)
	ctx := context.Background()
	_, err := svc.Register(ctx, &RegisterRequest{Username: "ana", Password: "secret1"})
	require.NoError(t, err)
	res, err := svc.Login(ctx, &LoginRequest{Username: "ana", Password: "secret1"})
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	_, err = svc.ValidateToken(res.AccessToken)
	assert.True(t, apperr.Is(err, apperr.KindUnauthenticated))

	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, MyJWTClaims{
		ID:               1,
		Username:         "ana",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer},
	})
	signed, err := forged.SignedString([]byte("other-secret"))
	require.NoError(t, err)
	_, err = svc.ValidateToken(signed)
	assert.True(t, apperr.Is(err, apperr.KindUnauthenticated))
}

func TestSearchUsersIgnoresBlankQuery(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_, err := svc.Register(ctx, &RegisterRequest{Username: "ana", Password: "secret1"})
	require.NoError(t, err)

	users, err := svc.SearchUsers(ctx, "  ")
	require.NoError(t, err)
	assert.Empty(t, users)

	users, err = svc.SearchUsers(ctx, "an")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "ana", users[0].Username)
}

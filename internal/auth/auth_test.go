package auth

import (
	"context"
	"testing"
	"time"

	"bizinbox/internal/database"
	"bizinbox/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

func init() {
	passwordCost = bcrypt.MinCost
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestService(t *testing.T) (*Service, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Now()}
	issuer := NewTokenIssuer("test-secret", 0, 0)
	issuer.now = clock.now
	return NewService(database.OpenTest(t), issuer, zap.NewNop()), clock
}

func TestTokenLifetimes(t *testing.T) {
	issuer := NewTokenIssuer("k", 0, 0)
	start := time.Unix(1_700_000_000, 0)
	issuer.now = func() time.Time { return start }

	pair, err := issuer.Issue("u1", "b1", models.RoleOwner, "s1")
	require.NoError(t, err)
	assert.Equal(t, start.Add(30*time.Minute), pair.AccessExpiresAt)
	assert.Equal(t, start.Add(14*24*time.Hour), pair.RefreshExpiresAt)

	claims, err := issuer.ParseAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "b1", claims.BusinessID)
	assert.Equal(t, models.RoleOwner, claims.Role)

	issuer.now = func() time.Time { return start.Add(31 * time.Minute) }
	_, err = issuer.ParseAccess(pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// The refresh token is still good after the access token died.
	_, err = issuer.Parse(pair.RefreshToken, TokenTypeRefresh)
	assert.NoError(t, err)
}

func TestTokenTypesAreNotInterchangeable(t *testing.T) {
	issuer := NewTokenIssuer("k", 0, 0)
	pair, err := issuer.Issue("u1", "b1", models.RoleAgent, "s1")
	require.NoError(t, err)

	_, err = issuer.ParseAccess(pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = issuer.Parse(pair.AccessToken, TokenTypeRefresh)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenRejectsForeignSignatures(t *testing.T) {
	issuer := NewTokenIssuer("k", 0, 0)
	other := NewTokenIssuer("other", 0, 0)
	pair, err := other.Issue("u1", "", models.RoleAdmin, "s1")
	require.NoError(t, err)

	_, err = issuer.ParseAccess(pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		UserID: "u1",
		Type:   TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = issuer.ParseAccess(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRegisterAndLogin(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	user, profile, pair, err := svc.Register(ctx, RegisterInput{
		BusinessName: "Acme Shoes",
		Name:         "Ana",
		Email:        " Ana@Example.com ",
		Password:     "correct-horse",
	})
	require.NoError(t, err)
	assert.Equal(t, "acme-shoes", profile.Slug)
	assert.Equal(t, models.RoleOwner, user.Role)
	assert.Equal(t, profile.ID, user.BusinessID)
	assert.NotEmpty(t, pair.AccessToken)

	_, _, _, err = svc.Register(ctx, RegisterInput{BusinessName: "Other", Email: "ana@example.com", Password: "correct-horse"})
	assert.ErrorIs(t, err, ErrEmailTaken)

	_, _, _, err = svc.Register(ctx, RegisterInput{BusinessName: "Short", Email: "b@example.com", Password: "short"})
	assert.ErrorIs(t, err, ErrWeakPassword)

	_, _, err = svc.Login(ctx, "ana@example.com", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = svc.Login(ctx, "nobody@example.com", "correct-horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	got, pair, err := svc.Login(ctx, "ANA@example.com", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	claims, err := svc.Tokens().ParseAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, profile.ID, claims.BusinessID)
}

func TestSlugCollision(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, p1, _, err := svc.Register(ctx, RegisterInput{BusinessName: "Acme", Email: "a@x.io", Password: "password1"})
	require.NoError(t, err)
	_, p2, _, err := svc.Register(ctx, RegisterInput{BusinessName: "ACME!", Email: "b@x.io", Password: "password1"})
	require.NoError(t, err)
	assert.Equal(t, "acme", p1.Slug)
	assert.NotEqual(t, p1.Slug, p2.Slug)
	assert.Contains(t, p2.Slug, "acme-")
}

func TestRefreshRotation(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()

	_, _, first, err := svc.Register(ctx, RegisterInput{BusinessName: "Acme", Email: "a@x.io", Password: "password1"})
	require.NoError(t, err)

	clock.advance(time.Minute)
	second, err := svc.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// Replaying the rotated token is treated as theft: everything is revoked.
	_, err = svc.Refresh(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, ErrSessionRevoked)
	_, err = svc.Refresh(ctx, second.RefreshToken)
	assert.ErrorIs(t, err, ErrSessionRevoked)
}

func TestRefreshExpired(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()

	_, _, pair, err := svc.Register(ctx, RegisterInput{BusinessName: "Acme", Email: "a@x.io", Password: "password1"})
	require.NoError(t, err)

	clock.advance(15 * 24 * time.Hour)
	_, err = svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestLogout(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, _, pair, err := svc.Register(ctx, RegisterInput{BusinessName: "Acme", Email: "a@x.io", Password: "password1"})
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, pair.RefreshToken))
	require.NoError(t, svc.Logout(ctx, pair.RefreshToken))

	_, err = svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrSessionRevoked)

	assert.ErrorIs(t, svc.Logout(ctx, "garbage"), ErrInvalidToken)
}

func TestCreateUserRoles(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, profile, _, err := svc.Register(ctx, RegisterInput{BusinessName: "Acme", Email: "a@x.io", Password: "password1"})
	require.NoError(t, err)

	agent, err := svc.CreateUser(ctx, profile.ID, UserInput{Email: "agent@x.io", Password: "password1", Role: models.RoleAgent})
	require.NoError(t, err)
	assert.Equal(t, profile.ID, agent.BusinessID)

	_, err = svc.CreateUser(ctx, profile.ID, UserInput{Email: "root@x.io", Password: "password1", Role: models.RoleAdmin})
	assert.ErrorIs(t, err, ErrInvalidRole)

	_, err = svc.CreateUser(ctx, "", UserInput{Email: "root@x.io", Password: "password1", Role: models.RoleAdmin})
	assert.NoError(t, err)

	_, err = svc.CreateUser(ctx, profile.ID, UserInput{Email: "x@x.io", Password: "password1", Role: "superuser"})
	assert.ErrorIs(t, err, ErrInvalidRole)

	_, err = svc.CreateUser(ctx, "no-such-business", UserInput{Email: "orphan@x.io", Password: "password1", Role: models.RoleOwner})
	assert.ErrorIs(t, err, ErrUnknownBusiness)
	var n int64
	require.NoError(t, svc.db.Model(&models.User{}).Where("email = ?", "orphan@x.io").Count(&n).Error)
	assert.Zero(t, n)
}

package authctx

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborline/receiving/pkg/faults"
)

func validAC(role Role) AuthContext {
	return AuthContext{TenantID: uuid.New(), UserID: uuid.New(), Role: role}
}

func TestAuthContext_Valid(t *testing.T) {
	assert.True(t, validAC(RoleCrew).Valid())
	assert.True(t, validAC(RoleHOD).Valid())
	assert.True(t, validAC(RoleService).Valid())

	assert.False(t, AuthContext{UserID: uuid.New(), Role: RoleCrew}.Valid())
	assert.False(t, AuthContext{TenantID: uuid.New(), Role: RoleCrew}.Valid())
	assert.False(t, validAC("captain").Valid())
}

func TestAuthContext_Can(t *testing.T) {
	cases := []struct {
		role Role
		cap  Capability
		want bool
	}{
		{RoleCrew, CapUpload, true},
		{RoleCrew, CapVerify, true},
		{RoleCrew, CapCommit, false},
		{RoleHOD, CapUpload, true},
		{RoleHOD, CapCommit, true},
		{RoleService, CapCommit, true},
		{RoleCrew, Capability("reboot"), false},
	}
	for _, tc := range cases {
		t.Run(string(tc.role)+"/"+string(tc.cap), func(t *testing.T) {
			assert.Equal(t, tc.want, validAC(tc.role).Can(tc.cap))
		})
	}
}

func TestAuthContext_Require(t *testing.T) {
	assert.NoError(t, validAC(RoleHOD).Require(CapCommit))

	err := validAC(RoleCrew).Require(CapCommit)
	assert.True(t, faults.Is(err, faults.KindForbidden))

	err = AuthContext{}.Require(CapUpload)
	assert.True(t, faults.Is(err, faults.KindUnauthorised))
}

func TestIntoAndFrom(t *testing.T) {
	ac := validAC(RoleCrew)
	ctx := Into(context.Background(), ac)

	got, err := From(ctx)
	require.NoError(t, err)
	assert.Equal(t, ac, got)

	_, err = From(context.Background())
	assert.True(t, faults.Is(err, faults.KindUnauthorised))

	// A malformed context stored on the request fails closed too.
	_, err = From(Into(context.Background(), AuthContext{}))
	assert.True(t, faults.Is(err, faults.KindUnauthorised))
}

var parserKey = []byte("parser-test-key")

func signed(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func defaultClaims(tenant, user uuid.UUID, role Role) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: tenant.String(),
		Role:     string(role),
	}
}

func TestTokenParser_Parse(t *testing.T) {
	parser := NewTokenParser(func(token *jwt.Token) (any, error) { return parserKey, nil })
	tenant, user := uuid.New(), uuid.New()

	ac, err := parser.Parse(signed(t, defaultClaims(tenant, user, RoleHOD), parserKey))
	require.NoError(t, err)
	assert.Equal(t, AuthContext{TenantID: tenant, UserID: user, Role: RoleHOD}, ac)
}

func TestTokenParser_Rejections(t *testing.T) {
	parser := NewTokenParser(func(token *jwt.Token) (any, error) { return parserKey, nil })
	tenant, user := uuid.New(), uuid.New()

	t.Run("wrong key", func(t *testing.T) {
		_, err := parser.Parse(signed(t, defaultClaims(tenant, user, RoleCrew), []byte("wrong")))
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		claims := defaultClaims(tenant, user, RoleCrew)
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
		_, err := parser.Parse(signed(t, claims, parserKey))
		assert.Error(t, err)
	})

	t.Run("malformed tenant claim", func(t *testing.T) {
		claims := defaultClaims(tenant, user, RoleCrew)
		claims.TenantID = "fleet-7"
		_, err := parser.Parse(signed(t, claims, parserKey))
		assert.Error(t, err)
	})

	t.Run("unknown role", func(t *testing.T) {
		_, err := parser.Parse(signed(t, defaultClaims(tenant, user, "captain"), parserKey))
		assert.Error(t, err)
	})

	t.Run("nil key func fails closed", func(t *testing.T) {
		closed := NewTokenParser(nil)
		_, err := closed.Parse(signed(t, defaultClaims(tenant, user, RoleCrew), parserKey))
		assert.Error(t, err)
	})

	t.Run("garbage token", func(t *testing.T) {
		_, err := parser.Parse("not.a.jwt")
		assert.Error(t, err)
	})
}

package authctx

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims are the JWT claims expected from the transport's identity provider.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
}

// TokenParser turns validated bearer tokens into AuthContexts. It is a
// convenience for transports; the core never calls it.
type TokenParser struct {
	keyFunc jwt.Keyfunc
}

// NewTokenParser creates a parser with the given key resolution function.
// A nil keyFunc rejects every token (fail closed).
func NewTokenParser(keyFunc jwt.Keyfunc) *TokenParser {
	return &TokenParser{keyFunc: keyFunc}
}

// Parse validates the token and builds an AuthContext from its claims.
func (p *TokenParser) Parse(tokenStr string) (AuthContext, error) {
	if p.keyFunc == nil {
		return AuthContext{}, fmt.Errorf("authctx: parser has no key set")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, p.keyFunc)
	if err != nil {
		return AuthContext{}, fmt.Errorf("authctx: token validation failed: %w", err)
	}
	if !token.Valid {
		return AuthContext{}, fmt.Errorf("authctx: invalid token")
	}

	tenantID, err := uuid.Parse(claims.TenantID)
	if err != nil {
		return AuthContext{}, fmt.Errorf("authctx: token tenant binding: %w", err)
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return AuthContext{}, fmt.Errorf("authctx: token subject: %w", err)
	}

	ac := AuthContext{TenantID: tenantID, UserID: userID, Role: Role(claims.Role)}
	if !ac.Valid() {
		return AuthContext{}, fmt.Errorf("authctx: token yields malformed context")
	}
	return ac, nil
}

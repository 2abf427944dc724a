package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MinSecretLength is the shortest HMAC secret accepted for operator tokens
const MinSecretLength = 16

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidRole  = errors.New("invalid operator role")
)

// TokenManager issues and validates operator bearer tokens
type TokenManager struct {
	secret []byte
	issuer string
	expiry time.Duration
}

// NewTokenManager creates a new TokenManager
func NewTokenManager(secret, issuer string, expiry time.Duration) (*TokenManager, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("token secret must be at least %d characters", MinSecretLength)
	}
	if expiry <= 0 {
		return nil, errors.New("token expiry must be positive")
	}
	return &TokenManager{
		secret: []byte(secret),
		issuer: issuer,
		expiry: expiry,
	}, nil
}

// ValidRole reports whether role may be granted to an operator token
func ValidRole(role string) bool {
	return role == models.RoleOperator || role == models.RoleViewer
}

// GenerateOperatorToken signs a token for the named operator. A non-positive
// ttl falls back to the manager's default expiry.
func (tm *TokenManager) GenerateOperatorToken(operator, role string, ttl time.Duration) (string, error) {
	if operator == "" {
		return "", errors.New("operator id is required")
	}
	if !ValidRole(role) {
		return "", ErrInvalidRole
	}
	if ttl <= 0 {
		ttl = tm.expiry
	}

	now := time.Now()
	claims := &models.TokenClaims{
		Type:     models.TokenTypeOperator,
		Operator: operator,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    tm.issuer,
			Subject:   operator,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(tm.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign operator token: %w", err)
	}

	return tokenString, nil
}

// ValidateToken parses and validates an operator token
func (tm *TokenManager) ValidateToken(tokenString string) (*models.TokenClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if tm.issuer != "" {
		opts = append(opts, jwt.WithIssuer(tm.issuer))
	}

	claims := &models.TokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return tm.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.Type != models.TokenTypeOperator || claims.Operator == "" {
		return nil, ErrInvalidToken
	}
	if !ValidRole(claims.Role) {
		return nil, ErrInvalidRole
	}

	return claims, nil
}

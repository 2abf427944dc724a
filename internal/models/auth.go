package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// Operator roles accepted by the admin control surface
const (
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// TokenTypeOperator marks bearer tokens issued to operators
const TokenTypeOperator = "operator"

// TokenClaims are the JWT claims carried by operator tokens
type TokenClaims struct {
	Type     string `json:"type"`
	Operator string `json:"operator"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}


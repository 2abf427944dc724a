// Command tokengen mints operator bearer tokens for the /admin API.
//
//	tokengen -operator alice -role operator -ttl 8h
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/joho/godotenv"
)

func main() {
	operator := flag.String("operator", "", "operator identifier recorded in audit logs (required)")
	role := flag.String("role", models.RoleOperator, "token role: operator or viewer")
	ttl := flag.Duration("ttl", 0, "token lifetime (defaults to OPERATOR_TOKEN_EXPIRY or 12h)")
	flag.Parse()

	if err := run(*operator, *role, *ttl); err != nil {
		fmt.Fprintln(os.Stderr, "tokengen:", err)
		os.Exit(1)
	}
}

func run(operator, role string, ttl time.Duration) error {
	_ = godotenv.Load()

	if operator == "" {
		return fmt.Errorf("-operator is required")
	}
	if !auth.ValidRole(role) {
		return fmt.Errorf("unknown role %q", role)
	}

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	issuer := os.Getenv("JWT_ISSUER")
	if issuer == "" {
		issuer = "gatekeeper"
	}

	expiry := 12 * time.Hour
	if v := os.Getenv("OPERATOR_TOKEN_EXPIRY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid OPERATOR_TOKEN_EXPIRY: %w", err)
		}
		expiry = d
	}

	tm, err := auth.NewTokenManager(secret, issuer, expiry)
	if err != nil {
		return err
	}

	token, err := tm.GenerateOperatorToken(operator, role, ttl)
	if err != nil {
		return err
	}

	fmt.Println(token)
	return nil
}

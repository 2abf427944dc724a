package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const TokenKeyLength = 32 // 256 bits

// GenerateToken returns a random URL-safe token and its storage hash.
// Only the hash is persisted; the plain token goes out in the verification link.
func GenerateToken() (plain string, hash string, err error) {
	bytes := make([]byte, TokenKeyLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", "", fmt.Errorf("failed to generate token: %w", err)
	}
	plain = base64.RawURLEncoding.EncodeToString(bytes)
	return plain, HashToken(plain), nil
}

// HashToken returns the hex SHA-256 digest of a plain token
func HashToken(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}

// CompareTokenHash reports whether plain hashes to hash, in constant time
func CompareTokenHash(plain, hash string) bool {
	return subtle.ConstantTimeCompare([]byte(HashToken(plain)), []byte(hash)) == 1
}

package auth

import (
	"fmt"

	"github.com/questhub-engine/internal/domain"
	"golang.org/x/crypto/bcrypt"
)

const minPasswordLen = 8

// HashPassword returns a bcrypt hash of password.
func HashPassword(password string) (string, error) {
	if len(password) < minPasswordLen {
		return "", domain.Invalid("password", fmt.Sprintf("must be at least %d characters", minPasswordLen))
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches hash.
func CheckPassword(hash, password string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

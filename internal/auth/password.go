package auth

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"billdesk/backend/internal/store"
)

const (
	MinPasswordLength = 8
	// bcrypt ignores everything past 72 bytes.
	MaxPasswordLength = 72
)

// dummyHash is compared against when the username is unknown so a failed
// login costs the same either way.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("billdesk-no-such-user"), bcrypt.DefaultCost)

func HashPassword(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func CheckPassword(hash string, plain string) bool {
	if hash == "" || plain == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

func ValidatePassword(plain string) error {
	if strings.TrimSpace(plain) == "" || len(plain) < MinPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", store.ErrInvalidUser, MinPasswordLength)
	}
	if len(plain) > MaxPasswordLength {
		return fmt.Errorf("%w: password must be at most %d bytes", store.ErrInvalidUser, MaxPasswordLength)
	}
	return nil
}

// NormalizeUsername lowercases and validates a login name: 4 to 32
// characters of a-z, 0-9, '.', '_' or '-'.
func NormalizeUsername(raw string) (string, error) {
	username := strings.ToLower(strings.TrimSpace(raw))
	if len(username) < 4 || len(username) > 32 {
		return "", fmt.Errorf("%w: username must be 4 to 32 characters", store.ErrInvalidUser)
	}
	for _, r := range username {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
		default:
			return "", fmt.Errorf("%w: username may only contain letters, digits, '.', '_' and '-'", store.ErrInvalidUser)
		}
	}
	return username, nil
}

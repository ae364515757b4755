package utils

import "golang.org/x/crypto/bcrypt"

// HashAuthToken produces the one-way digest stored for an agent's auth token.
// The raw token is never persisted.
func HashAuthToken(s string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(s), bcrypt.DefaultCost)
}

// CompareAuthToken is a constant-time comparison of a presented token against
// the stored digest.
func CompareAuthToken(digest string, token string) error {
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(token))
}

func HashPassword(s string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(s), bcrypt.DefaultCost)
}

func ComparePassword(hash string, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

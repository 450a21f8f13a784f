package session

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
)

func generateToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// VerifyToken performs a constant-time comparison between the stored
// subscription token and a candidate presented by a client.
func VerifyToken(stored, candidate string) bool {
	if stored == "" || candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(candidate)) == 1
}

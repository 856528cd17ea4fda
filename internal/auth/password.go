package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

const saltBytes = 16

// HashPassword derives a salted SHA-256 digest encoded as "salt$digest",
// both hex. Credential material is otherwise opaque to the controller.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	return hex.EncodeToString(salt) + "$" + digest(salt, password), nil
}

// VerifyPassword reports whether password matches the stored hash. The
// comparison is constant time.
func VerifyPassword(stored, password string) bool {
	saltHex, want, ok := strings.Cut(stored, "$")
	if !ok {
		return false
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	got := digest(salt, password)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func digest(salt []byte, password string) string {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(password))
	return hex.EncodeToString(h.Sum(nil))
}

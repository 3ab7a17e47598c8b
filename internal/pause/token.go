package pause

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/t77yq/drs-orchestrator/internal/model"
)

const (
	// MinTokenLength is the shortest token the callback surface accepts
	MinTokenLength = 100

	tokenEntropyBytes = 96
)

// GenerateToken returns a new URL-safe continuation token of 128 characters
func GenerateToken() (string, error) {
	buf := make([]byte, tokenEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate continuation token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ValidateToken rejects missing, short or non-printable tokens
func ValidateToken(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return model.NewError(model.ErrTokenMalformed, "continuation token is required", nil, nil)
	}
	if len(token) < MinTokenLength {
		return model.NewError(model.ErrTokenMalformed,
			fmt.Sprintf("continuation token is too short: %d characters, at least %d required", len(token), MinTokenLength),
			nil, map[string]any{"length": len(token)})
	}
	for _, r := range token {
		if !tokenRune(r) {
			return model.NewError(model.ErrTokenMalformed, "continuation token contains invalid characters", nil, nil)
		}
	}
	return nil
}

// tokenRune accepts the base64 alphabets and common opaque-token punctuation
func tokenRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-', r == '_', r == '+', r == '/', r == '=', r == '.':
		return true
	}
	return false
}

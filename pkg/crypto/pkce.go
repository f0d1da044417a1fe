// Package crypto implements PKCE (RFC 7636) and the random opaque secrets handed to clients.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
)

const (
	MethodPlain = "plain"
	MethodS256  = "S256"
)

var (
	ErrInvalidCodeVerifier   = errors.New("invalid code verifier")
	ErrInvalidCodeChallenge  = errors.New("invalid code challenge")
	ErrUnsupportedMethod     = errors.New("unsupported code challenge method")
	ErrCodeChallengeMismatch = errors.New("code challenge verification failed")
)

// RandomToken returns n random bytes encoded as unpadded base64url.
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateCodeVerifier returns a 43 character verifier.
func GenerateCodeVerifier() (string, error) {
	return RandomToken(32)
}

// NormalizeMethod applies the S256 default to an empty method.
func NormalizeMethod(method string) (string, error) {
	switch method {
	case "", MethodS256:
		return MethodS256, nil
	case MethodPlain:
		return MethodPlain, nil
	}
	return "", ErrUnsupportedMethod
}

func CodeChallenge(verifier, method string) (string, error) {
	if !IsValidCodeVerifier(verifier) {
		return "", ErrInvalidCodeVerifier
	}
	method, err := NormalizeMethod(method)
	if err != nil {
		return "", err
	}
	if method == MethodPlain {
		return verifier, nil
	}
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// VerifyCodeChallenge checks a verifier against the stored challenge in constant time.
func VerifyCodeChallenge(verifier, challenge, method string) error {
	expected, err := CodeChallenge(verifier, method)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(challenge)) != 1 {
		return ErrCodeChallengeMismatch
	}
	return nil
}

func IsValidCodeVerifier(verifier string) bool {
	return isPKCEString(verifier)
}

func IsValidCodeChallenge(challenge string) bool {
	return isPKCEString(challenge)
}

func isPKCEString(s string) bool {
	if len(s) < 43 || len(s) > 128 {
		return false
	}
	for _, c := range s {
		if !isUnreservedChar(c) {
			return false
		}
	}
	return true
}

func isUnreservedChar(char rune) bool {
	return (char >= 'A' && char <= 'Z') ||
		(char >= 'a' && char <= 'z') ||
		(char >= '0' && char <= '9') ||
		char == '-' || char == '.' || char == '_' || char == '~'
}

func SupportedMethods() []string {
	return []string{MethodS256, MethodPlain}
}

package common

import (
	"crypto/sha1"
	"encoding/base64"
	"fmt"
)

// AuthMethod is the authentication mechanism sent in IPROTO_AUTH
type AuthMethod string

const (
	AuthChapSha1  AuthMethod = "chap-sha1"
	AuthPapSha256 AuthMethod = "pap-sha256"
)

// ParseAuthMethod converts a string to an AuthMethod (empty means chap-sha1)
func ParseAuthMethod(s string) (AuthMethod, error) {
	switch AuthMethod(s) {
	case "", AuthChapSha1:
		return AuthChapSha1, nil
	case AuthPapSha256:
		return AuthPapSha256, nil
	default:
		return "", fmt.Errorf("%w: unknown auth method %q", ErrInvalidConfig, s)
	}
}

// Scramble computes the auth payload for the given method.
//
// chap-sha1: sha1(password) XOR sha1(salt[:20] + sha1(sha1(password)))
// pap-sha256: the plain password (the server hashes it, use it only over a secure channel)
func Scramble(method AuthMethod, salt string, password string) ([]byte, error) {
	switch method {
	case AuthPapSha256:
		return []byte(password), nil
	case AuthChapSha1, "":
	default:
		return nil, fmt.Errorf("%w: unknown auth method %q", ErrInvalidConfig, method)
	}

	rawSalt, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return nil, fmt.Errorf("%w: salt is not base64: %v", ErrBadGreeting, err)
	}
	if len(rawSalt) < sha1.Size {
		return nil, fmt.Errorf("%w: salt too short (%d bytes)", ErrBadGreeting, len(rawSalt))
	}

	step1 := sha1.Sum([]byte(password))
	step2 := sha1.Sum(step1[:])

	h := sha1.New()
	h.Write(rawSalt[:sha1.Size])
	h.Write(step2[:])
	step3 := h.Sum(nil)

	scramble := make([]byte, sha1.Size)
	for i := range scramble {
		scramble[i] = step1[i] ^ step3[i]
	}
	return scramble, nil
}


// Package token signs and verifies the gateway's URL and cookie tokens.
//
// Both token kinds are HS256 JWTs keyed with the shared secret. Verification
// distinguishes a missing token, which lets the caller try another admission
// path, from an invalid one, which must deny the request.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// ErrInvalidToken is wrapped by every verification failure of a present token.
var ErrInvalidToken = errors.New("invalid token")

// Status is the outcome of a verification.
type Status int

const (
	// Missing means no token was presented.
	Missing Status = iota
	// Invalid means a token was presented but failed verification.
	Invalid
	// Valid means the token verified.
	Valid
)

func (s Status) String() string {
	switch s {
	case Missing:
		return "missing"
	case Invalid:
		return "invalid"
	case Valid:
		return "valid"
	default:
		return "unknown"
	}
}

// Result is the tagged outcome of a verification.
type Result struct {
	Status Status
	// Payload is the verified payload; set only when Status is Valid.
	Payload string
	// Err explains an Invalid result and wraps ErrInvalidToken.
	Err error
}

// String describes a Result for logging.
func (r Result) String() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %v", r.Status, r.Err)
	}
	return r.Status.String()
}

func missing() Result { return Result{Status: Missing} }

func valid(payload string) Result { return Result{Status: Valid, Payload: payload} }

func invalid(format string, args ...any) Result {
	return Result{Status: Invalid, Err: fmt.Errorf("%w: %s", ErrInvalidToken, fmt.Sprintf(format, args...))}
}

// signer holds the key shared by both token kinds.
type signer struct {
	secret []byte
	now    func() time.Time
}

func (s signer) sign(claims map[string]any, maxAge time.Duration) (string, error) {
	tok := jwt.New()
	now := s.now()
	if err := tok.Set(jwt.IssuedAtKey, now.Unix()); err != nil {
		return "", fmt.Errorf("failed to set issued at: %w", err)
	}
	if err := tok.Set(jwt.ExpirationKey, now.Add(maxAge).Unix()); err != nil {
		return "", fmt.Errorf("failed to set expiration: %w", err)
	}
	for k, v := range claims {
		if err := tok.Set(k, v); err != nil {
			return "", fmt.Errorf("failed to set %s: %w", k, err)
		}
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, s.secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return string(signed), nil
}

func (s signer) parse(raw string) (jwt.Token, error) {
	return jwt.Parse([]byte(raw),
		jwt.WithKey(jwa.HS256, s.secret),
		jwt.WithValidate(true),
		jwt.WithClock(jwt.ClockFunc(s.now)),
	)
}

func stringClaim(tok jwt.Token, name string) (string, bool) {
	v, ok := tok.Get(name)
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

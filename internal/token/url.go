package token

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// URLParam is the query parameter carrying a URL signature.
const URLParam = "via.sec"

const urlHashClaim = "h"

// SignedURL signs URLs so a link handed out by a trusted service can be
// followed without any other proof of origin.
type SignedURL struct {
	signer signer
}

// NewSignedURL creates a SignedURL keyed with secret.
func NewSignedURL(secret string) *SignedURL {
	return &SignedURL{signer: signer{secret: []byte(secret), now: time.Now}}
}

// Create returns rawURL with a via.sec parameter valid for maxAge. Any
// existing via.sec parameter is replaced.
func (s *SignedURL) Create(rawURL string, maxAge time.Duration) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	unsigned := stripSignature(u)

	tok, err := s.signer.sign(map[string]any{urlHashClaim: hashURL(unsigned)}, maxAge)
	if err != nil {
		return "", err
	}

	// The hash covers a canonical copy; the URL handed out keeps its own
	// query order and spelling.
	out := *u
	out.Fragment = ""
	out.RawFragment = ""
	out.RawQuery = withoutParam(u.RawQuery, URLParam)
	if out.RawQuery != "" {
		out.RawQuery += "&"
	}
	out.RawQuery += url.Values{URLParam: {tok}}.Encode()
	return out.String(), nil
}

// Verify checks the via.sec parameter of a full request URL.
func (s *SignedURL) Verify(rawURL string) Result {
	u, err := url.Parse(rawURL)
	if err != nil {
		// Without a parseable URL there is no token to find.
		return missing()
	}
	raw := u.Query().Get(URLParam)
	if raw == "" {
		if u.Query().Has(URLParam) {
			return invalid("empty %s parameter", URLParam)
		}
		return missing()
	}

	tok, err := s.signer.parse(raw)
	if err != nil {
		return invalid("%v", err)
	}
	got, ok := stringClaim(tok, urlHashClaim)
	if !ok {
		return invalid("token has no url hash")
	}

	unsigned := stripSignature(u)
	want := hashURL(unsigned)
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return invalid("token does not match url")
	}
	return valid(unsigned.String())
}

// stripSignature returns a copy of u without the via.sec parameter, with the
// remaining query in canonical order so signing and verifying agree.
func stripSignature(u *url.URL) *url.URL {
	out := *u
	q := u.Query()
	q.Del(URLParam)
	out.RawQuery = q.Encode()
	out.Fragment = ""
	out.RawFragment = ""
	return &out
}

// withoutParam drops every name pair from rawQuery and keeps the rest as written.
func withoutParam(rawQuery, name string) string {
	var kept []string
	for _, part := range strings.Split(rawQuery, "&") {
		if part == "" {
			continue
		}
		key, _, _ := strings.Cut(part, "=")
		if unescaped, err := url.QueryUnescape(key); err == nil {
			key = unescaped
		}
		if key == name {
			continue
		}
		kept = append(kept, part)
	}
	return strings.Join(kept, "&")
}

func hashURL(u *url.URL) string {
	sum := sha256.Sum256([]byte(strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + u.EscapedPath() + "?" + u.RawQuery))
	return hex.EncodeToString(sum[:])
}

// IsInvalid reports whether err came from verifying a present but bad token.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidToken)
}

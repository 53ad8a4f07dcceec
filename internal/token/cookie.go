package token

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// CookieName is the name of the session cookie.
const CookieName = "via.session"

// SignedCookie issues and checks the session cookie that keeps a browser
// admitted after it arrived through a signed URL.
type SignedCookie struct {
	signer signer
	secure bool
}

// NewSignedCookie creates a SignedCookie keyed with secret. Secure cookies
// are only sent over HTTPS.
func NewSignedCookie(secret string, secure bool) *SignedCookie {
	return &SignedCookie{signer: signer{secret: []byte(secret), now: time.Now}, secure: secure}
}

// Create returns a Set-Cookie header carrying a fresh random nonce, valid for maxAge.
func (c *SignedCookie) Create(maxAge time.Duration) (string, string, error) {
	value, err := c.signer.sign(map[string]any{jwt.JwtIDKey: uuid.NewString()}, maxAge)
	if err != nil {
		return "", "", err
	}

	cookie := &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		Secure:   c.secure,
		HttpOnly: true,
		// The proxied page is usually framed by a partner site.
		SameSite: http.SameSiteNoneMode,
	}
	if !c.secure {
		// SameSite=None is rejected by browsers without Secure.
		cookie.SameSite = http.SameSiteLaxMode
	}
	return "Set-Cookie", cookie.String(), nil
}

// Verify checks a cookie value. An empty value is Missing.
func (c *SignedCookie) Verify(value string) Result {
	if value == "" {
		return missing()
	}

	tok, err := c.signer.parse(value)
	if err != nil {
		return invalid("%v", err)
	}
	nonce := tok.JwtID()
	if nonce == "" {
		return invalid("cookie has no nonce")
	}
	return valid(nonce)
}

// VerifyRequest finds the session cookie on r and verifies it.
func (c *SignedCookie) VerifyRequest(r *http.Request) Result {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return missing()
	}
	return c.Verify(cookie.Value)
}

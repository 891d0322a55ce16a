// Package auth maps a browser request to a user id using an HS256 token.
// Issuing tokens belongs to the surrounding site; Sign exists for tooling.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoToken      = errors.New("no token")
	ErrInvalidToken = errors.New("invalid token")
)

type Verifier struct {
	secret []byte
	issuer string
}

// New returns a verifier. An empty secret disables authentication: every
// request is anonymous.
func New(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

func (v *Verifier) Enabled() bool { return v != nil && len(v.secret) > 0 }

// Verify checks the signature, expiry and issuer and returns the user id
// from "sub" or "user_id".
func (v *Verifier) Verify(token string) (int64, error) {
	if !v.Enabled() {
		return 0, ErrNoToken
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.Parse(token, func(*jwt.Token) (any, error) { return v.secret, nil }, opts...)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return 0, ErrInvalidToken
	}
	if id, ok := numericClaim(claims["user_id"]); ok {
		return id, nil
	}
	if sub, err := claims.GetSubject(); err == nil {
		if id, ok := numericClaim(sub); ok {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: no numeric user id", ErrInvalidToken)
}

// UserID resolves the request's user. ErrNoToken means anonymous.
func (v *Verifier) UserID(r *http.Request) (int64, error) {
	tok := TokenFromRequest(r)
	if tok == "" || !v.Enabled() {
		return 0, ErrNoToken
	}
	return v.Verify(tok)
}

// TokenFromRequest looks at ?token=, the Authorization header and the
// "token" cookie, in that order. Browsers cannot set headers on websocket
// upgrades, hence the query parameter.
func TokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); h != "" {
		if t, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(t)
		}
	}
	if c, err := r.Cookie("token"); err == nil {
		return c.Value
	}
	return ""
}

// Sign issues a token for userID valid for ttl.
func (v *Verifier) Sign(userID int64, ttl time.Duration) (string, error) {
	if !v.Enabled() {
		return "", errors.New("auth: no secret configured")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": strconv.FormatInt(userID, 10),
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if v.issuer != "" {
		claims["iss"] = v.issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

func numericClaim(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	case string:
		id, err := strconv.ParseInt(n, 10, 64)
		return id, err == nil
	}
	return 0, false
}

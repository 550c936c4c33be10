package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenAudience = "inboxsync"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// ownerClaims is the token body: an owner-scoped HS256 token for the
// inboxsync audience.
type ownerClaims struct {
	jwt.RegisteredClaims
	OwnerID string `json:"owner_id"`
}

type tokenClaims struct {
	OwnerID string
	Subject string
	Exp     int64
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

// authorizeBearer verifies the token and requires its owner_id claim to
// match the owner named in the route.
func authorizeBearer(authHeader, jwtSecret, ownerID string, now time.Time) (tokenClaims, *authError) {
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	var parsed ownerClaims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), &parsed, func(*jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return tokenClaims{}, mapJWTError(err)
	}
	if parsed.OwnerID == "" {
		return tokenClaims{}, unauthorized("missing owner_id claim")
	}
	if ownerID != "" && parsed.OwnerID != ownerID {
		return tokenClaims{}, &authError{status: http.StatusForbidden, code: "forbidden", message: "owner mismatch"}
	}
	subject := parsed.Subject
	if subject == "" {
		subject = parsed.OwnerID
	}
	return tokenClaims{OwnerID: parsed.OwnerID, Subject: subject, Exp: parsed.ExpiresAt.Unix()}, nil
}

func mapJWTError(err error) *authError {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return unauthorized("token expired")
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return unauthorized("invalid aud claim")
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return unauthorized("invalid exp claim")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return unauthorized("jwt signature mismatch")
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return unauthorized("unsupported jwt algorithm")
	default:
		return unauthorized("invalid jwt")
	}
}

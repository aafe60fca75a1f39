// Package token validates bearer credentials without any network call.
//
// The client holds no signing key, so validation is structural and temporal
// only: a well-formed three-segment token with a non-elapsed exp claim (or no
// exp claim at all) is considered usable. Signature verification is the
// server's job on every request the token accompanies.
package token

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// IsValid reports whether tokenString is a structurally sound, non-expired
// bearer credential. It never returns an error: any malformation means false.
func IsValid(tokenString string) bool {
	return isValidAt(tokenString, time.Now())
}

func isValidAt(tokenString string, now time.Time) bool {
	if tokenString == "" {
		return false
	}
	if strings.Count(tokenString, ".") != 2 {
		return false
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return false
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return false
	}
	if exp == nil {
		// no exp claim: nothing to time-check
		return true
	}
	return !exp.Time.Before(now)
}

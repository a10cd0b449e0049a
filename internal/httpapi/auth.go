package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// authorizeBearer checks the Authorization header against the admin token.
// Mutating routes are closed when no admin token is configured.
func authorizeBearer(authHeader, adminToken string) *authError {
	if adminToken == "" {
		return &authError{
			status:  http.StatusForbidden,
			code:    "forbidden",
			message: "admin token not configured",
		}
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if raw == "" {
		return &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	if subtle.ConstantTimeCompare([]byte(raw), []byte(adminToken)) != 1 {
		return &authError{
			status:  http.StatusForbidden,
			code:    "forbidden",
			message: "invalid admin token",
		}
	}
	return nil
}

package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const principalContextKey = "lynxa.principal"

// Middleware validates the bearer token on every request and attaches the
// resolved principal to the context. Not-found and malformed tokens get the
// same response body so a caller cannot tell which check failed.
func Middleware(validator *Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var token string
		authHeader := c.GetHeader("Authorization")
		if authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) == 2 && parts[0] == "Bearer" {
				token = strings.TrimSpace(parts[1])
			}
		}

		principal, err := validator.Validate(token)
		if err != nil {
			abortWithAuthError(c, err)
			return
		}

		c.Set(principalContextKey, principal)
		c.Next()
	}
}

// PrincipalFrom returns the principal attached by Middleware, if any.
func PrincipalFrom(c *gin.Context) (*Principal, bool) {
	value, ok := c.Get(principalContextKey)
	if !ok {
		return nil, false
	}
	principal, ok := value.(*Principal)
	return principal, ok
}

func abortWithAuthError(c *gin.Context, err error) {
	status := http.StatusUnauthorized
	code := "invalid_credential"
	message := err.Error()

	switch {
	case errors.Is(err, ErrMissingCredential):
		code = "missing_credential"
	case errors.Is(err, ErrCredentialRevoked):
		code = "credential_revoked"
	case errors.Is(err, ErrCredentialExpired):
		code = "credential_expired"
	case errors.Is(err, ErrBackendUnavailable):
		status = http.StatusServiceUnavailable
		code = "auth_backend_unavailable"
	case errors.Is(err, ErrMalformedToken), errors.Is(err, ErrInvalidCredential):
		// Deliberately coalesced: same code and message whether the token
		// never existed or failed parsing.
		message = ErrInvalidCredential.Error()
	}

	c.AbortWithStatusJSON(status, gin.H{"error": gin.H{"code": code, "message": message}})
}

// AdminMiddleware guards the management API with HTTP basic auth.
func AdminMiddleware(adminPassword string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, password, hasAuth := c.Request.BasicAuth()
		if !hasAuth || user != "admin" || password != adminPassword {
			c.Header("WWW-Authenticate", `Basic realm="Restricted"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": "unauthorized", "message": "admin credentials required"}})
			return
		}
		c.Next()
	}
}

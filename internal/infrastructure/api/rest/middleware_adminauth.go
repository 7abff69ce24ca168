package rest

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/taskmesh/dispatch/internal/infrastructure/logger"
)

// AdminAuthMiddleware gates the operator-facing `/admin/*` routes
// behind a bearer JWT signed with a pre-shared secret. It is distinct
// from the worker-facing surface (register/heartbeat/status_check/
// result), which stays unauthenticated by design — the worker uuid is
// its own credential there. RBAC/user management stays out of scope;
// this is a single shared operator secret, not a user system.
type AdminAuthMiddleware struct {
	secret []byte
	logger *logger.Logger
}

// NewAdminAuthMiddleware creates the middleware. An empty secret
// disables auth entirely (local/dev use), logged once at startup by
// the caller rather than here.
func NewAdminAuthMiddleware(secret string, log *logger.Logger) *AdminAuthMiddleware {
	return &AdminAuthMiddleware{secret: []byte(secret), logger: log}
}

// Enabled reports whether a signing secret was configured.
func (m *AdminAuthMiddleware) Enabled() bool {
	return len(m.secret) > 0
}

// Authorize validates the `Authorization: Bearer <token>` header
// against an HS256 token minted by IssueToken.
func (m *AdminAuthMiddleware) Authorize() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			respondAPIError(c, NewAPIError("UNAUTHORIZED", "missing bearer token", http.StatusUnauthorized))
			c.Abort()
			return
		}

		_, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			return m.secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
		if err != nil {
			m.logger.Warn("admin auth: token rejected", "error", err, "request_id", GetRequestID(c))
			respondAPIError(c, NewAPIError("UNAUTHORIZED", "invalid or expired token", http.StatusUnauthorized))
			c.Abort()
			return
		}

		c.Next()
	}
}

// IssueToken mints a short-lived operator token, used by `taskctl` to
// authenticate against the admin surface.
func (m *AdminAuthMiddleware) IssueToken(subject string, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

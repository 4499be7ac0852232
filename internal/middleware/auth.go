package middleware

import (
	"net/http"
	"strings"

	"bizinbox/internal/auth"
	"bizinbox/internal/models"

	"github.com/gin-gonic/gin"
)

const claimsKey = "auth.claims"

// TokenParser verifies access tokens.
type TokenParser interface {
	ParseAccess(raw string) (*auth.Claims, error)
}

// Authenticate requires a valid bearer access token.
func Authenticate(tokens TokenParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "message": "missing bearer token"})
			return
		}
		claims, err := tokens.ParseAccess(strings.TrimSpace(raw))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "message": "invalid or expired token"})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// Claims returns the authenticated caller. It panics when used on a route
// that is not behind Authenticate.
func Claims(c *gin.Context) *auth.Claims {
	return c.MustGet(claimsKey).(*auth.Claims)
}

// RouteRule grants a path prefix to a set of roles.
type RouteRule struct {
	Prefix string
	Roles  []string
}

// DefaultRules is the dashboard allow list. First matching prefix wins.
var DefaultRules = []RouteRule{
	{Prefix: "/api/admin", Roles: []string{models.RoleAdmin}},
	{Prefix: "/api/business", Roles: []string{models.RoleOwner, models.RoleAdmin}},
	{Prefix: "/api/inbox", Roles: []string{models.RoleAgent, models.RoleOwner, models.RoleAdmin}},
}

// RequireRoles enforces rules against the caller's role. Paths matching no
// rule are open to any authenticated user.
func RequireRoles(rules []RouteRule) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := Claims(c)
		path := c.Request.URL.Path
		for _, rule := range rules {
			if !matchPrefix(path, rule.Prefix) {
				continue
			}
			for _, role := range rule.Roles {
				if role == claims.Role {
					c.Next()
					return
				}
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"ok": false, "message": "forbidden"})
			return
		}
		c.Next()
	}
}

func matchPrefix(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// RequireBusiness rejects callers without a tenant, i.e. platform admins on
// tenant-scoped routes.
func RequireBusiness() gin.HandlerFunc {
	return func(c *gin.Context) {
		if Claims(c).BusinessID == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"ok": false, "message": "no business profile bound to this account"})
			return
		}
		c.Next()
	}
}

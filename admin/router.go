// Package admin exposes the management HTTP surface the core consumes:
// discovery job submission, the job event stream, cancellation, and the
// persisted catalog read.
package admin

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/queryproxy/queryproxy/catalog"
	"github.com/queryproxy/queryproxy/jobs"
)

// Config is the admin HTTP configuration.
type Config struct {
	// JWTSecret is the HMAC key for bearer-token validation. Token
	// issuance lives outside this surface.
	JWTSecret string

	// AllowedOrigins is the CORS allowlist for the admin UI.
	AllowedOrigins []string
}

// Handlers carries the admin surface dependencies.
type Handlers struct {
	cfg    Config
	store  *catalog.Store
	runner *jobs.Runner
}

// Router builds the admin HTTP handler.
func Router(cfg Config, store *catalog.Store, runner *jobs.Runner) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	h := &Handlers{cfg: cfg, store: store, runner: runner}

	r.Use(h.cors())
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := r.Group("/", h.requireAdmin())
	authed.POST("/datasources/:id/discover", h.submitDiscovery)
	authed.GET("/datasources/:id/discover/:job_id", h.discoveryStatus)
	authed.GET("/datasources/:id/discover/:job_id/events", h.discoveryEvents)
	authed.DELETE("/datasources/:id/discover/:job_id", h.cancelDiscovery)
	authed.GET("/datasources/:id/catalog", h.getCatalog)

	return r
}

func (h *Handlers) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && slices.Contains(h.cfg.AllowedOrigins, origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// adminClaims are the bearer-token claims the middleware validates.
type adminClaims struct {
	IsAdmin bool `json:"is_admin"`
	jwt.RegisteredClaims
}

func (h *Handlers) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		var claims adminClaims
		token, err := jwt.ParseWithClaims(header[len(prefix):], &claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(h.cfg.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if !claims.IsAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin access required"})
			return
		}
		c.Next()
	}
}

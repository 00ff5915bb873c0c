// Package httpserver provides the admin HTTP server of a cluster node.
package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/yndnr/meshtopo/internal/server/httpserver/handler"
)

// RouterConfig holds configuration for the admin router.
type RouterConfig struct {
	Node handler.Node

	// Metrics serves /metrics. Nil leaves the endpoint unregistered.
	Metrics http.Handler

	Logger *slog.Logger

	// AdminToken, when set, is required as a bearer token on /admin/v1.
	AdminToken string

	// AdminAllowList is the IP/CIDR allowlist for admin API (empty = no restriction).
	AdminAllowList []string

	// RateLimit is the per-IP rate limit of the admin API (requests/second).
	RateLimit int

	// EnableAudit logs every admin request.
	EnableAudit bool
}

// NewRouter creates the admin router with all routes and middleware.
func NewRouter(cfg *RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := handler.New(cfg.Node, logger)
	mux := http.NewServeMux()

	// Health endpoints are never authenticated.
	probe := Chain(h, RequestID(), Recover(logger))
	mux.Handle("GET /health", probe)
	mux.Handle("GET /ready", probe)

	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", Chain(cfg.Metrics, Recover(logger)))
	}

	// Order: RequestID -> Recover -> Audit -> RateLimit -> NetworkACL -> TokenAuth -> Handler
	admin := []Middleware{RequestID(), Recover(logger)}
	if cfg.EnableAudit {
		admin = append(admin, Audit(logger))
	}
	admin = append(admin,
		RateLimit(cfg.RateLimit),
		NetworkACL(&NetworkACLConfig{AllowList: cfg.AdminAllowList, Logger: logger}),
		TokenAuth(cfg.AdminToken),
	)
	mux.Handle("/admin/v1/", Chain(h, admin...))

	return mux
}

// DefaultRouterConfig returns default router configuration.
func DefaultRouterConfig() *RouterConfig {
	return &RouterConfig{
		RateLimit:   100,
		EnableAudit: true,
	}
}

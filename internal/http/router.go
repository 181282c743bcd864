package httpserver

import (
	"context"
	"log"
	"net/http"

	"github.com/iago/painel-back/internal/http/handlers"
	"github.com/iago/painel-back/internal/http/middleware"
)

type RouterDependencies struct {
	API            *handlers.API
	Logger         *log.Logger
	AuthToken      string
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

// NewRouter wires the report routes behind the middleware chain. ctx bounds
// background work started by the middleware.
func NewRouter(ctx context.Context, deps RouterDependencies) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", deps.API.Health)
	mux.HandleFunc("/v1/reports/sales", deps.API.SalesReport)
	mux.HandleFunc("/v1/reports/messaging", deps.API.MessagingReport)
	mux.HandleFunc("/v1/reports/refresh", deps.API.RefreshReport)
	mux.HandleFunc("/v1/reports", deps.API.Reports)
	mux.HandleFunc("/v1/jobs/", deps.API.JobStatus)

	handler := http.Handler(mux)
	handler = middleware.Auth(deps.AuthToken)(handler)
	handler = middleware.RateLimit(ctx, deps.RateLimitRPS, deps.RateLimitBurst)(handler)
	handler = middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: deps.CORSOrigins,
	})(handler)
	handler = middleware.Trace(deps.Logger)(handler)
	handler = middleware.RequestID(handler)

	return handler
}

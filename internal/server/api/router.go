package api

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter returns the configured chi.Router for the MiniSOC server.
//
// Route layout:
//
//	POST /ingest         – event ingestion (never authenticated; agents hold no credentials)
//	GET  /health         – liveness probe (no authentication)
//	GET  /metrics        – Prometheus exposition (no authentication)
//	GET  /events/recent  – recent raw events (JWT when pubKey is set)
//	GET  /alerts/recent  – recent alerts (JWT when pubKey is set)
//
// pubKey is the RSA public key verifying RS256 bearer tokens on the read
// endpoints; nil leaves them open. reg is the metric registry backing
// /metrics; nil drops the route.
func NewRouter(srv *Server, pubKey *rsa.PublicKey, reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/ingest", srv.handleIngest)
	r.Get("/health", srv.handleHealth)
	if reg != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		if pubKey != nil {
			r.Use(RequireJWT(pubKey, srv.logger))
		}
		r.Get("/events/recent", srv.handleRecentEvents)
		r.Get("/alerts/recent", srv.handleRecentAlerts)
	})

	return r
}

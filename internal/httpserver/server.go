package httpserver

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"smsrouter/internal/auth"
)

type Server struct {
	Mux *mux.Router
}

// New returns a router with /metrics mounted.
func New() *Server {
	m := mux.NewRouter()
	m.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return &Server{Mux: m}
}

// Handler wraps the router in the standard middleware chain.
func (s *Server) Handler() http.Handler {
	return RequestID(Logging(s.Mux))
}

// Operator returns a subrouter whose routes require an operator token.
func (s *Server) Operator(v *auth.Verifier) *mux.Router {
	sub := s.Mux.NewRoute().Subrouter()
	sub.Use(Auth(v))
	return sub
}

// Package api exposes the read-only operations surface of the gateway: health,
// MAC state, provisioned devices and the mesh routing table. Provisioning
// itself stays with the gwkeys tool.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/agrimesh/field-gateway/internal/keystore"
	"github.com/agrimesh/field-gateway/internal/mesh"
)

// Config holds the listen address and the bearer-token secret.
type Config struct {
	Listen    string
	JWTSecret string
}

// Status is the supervisor snapshot served on /api/status.
type Status struct {
	GatewayID  string    `json:"gatewayId"`
	State      string    `json:"state"`
	DevAddr    string    `json:"devAddr,omitempty"`
	FCntUp     uint32    `json:"fCntUp"`
	FCntDown   uint32    `json:"fCntDown"`
	Routes     int       `json:"routes"`
	CloudQueue int       `json:"cloudQueue"`
	LastUplink time.Time `json:"lastUplink"`
}

// Server serves the ops API.
type Server struct {
	cfg    Config
	log    zerolog.Logger
	status func() Status
	routes func() []mesh.Entry
	store  keystore.Store
	srv    *http.Server
}

// NewServer wires the router. The status and routes callbacks read snapshots
// published by the supervisor.
func NewServer(cfg Config, store keystore.Store, status func() Status, routes func() []mesh.Entry, log zerolog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		log:    log.With().Str("component", "api").Logger(),
		status: status,
		routes: routes,
		store:  store,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
		AllowedHeaders: []string{"Authorization"},
	}))

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/status", s.handleStatus)
		r.Get("/devices", s.handleDevices)
		r.Get("/routes", s.handleRoutes)
	})

	s.srv = &http.Server{Addr: cfg.Listen, Handler: r}
	return s
}

// Start serves until the context is cancelled.
func (s *Server) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("listen", s.cfg.Listen).Msg("ops API listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.log.Error().Err(err).Msg("ops API stopped")
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// authenticate checks the bearer token against the configured HS256 secret.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		token, err := jwt.Parse(strings.TrimPrefix(auth, "Bearer "), func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(s.cfg.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.status())
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	infos, err := s.store.List()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, infos)
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.routes())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// IssueToken mints an operator token; used by gwkeys to hand out access.
func IssueToken(secret string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": "operator",
		"exp": time.Now().Add(ttl).Unix(),
		"iat": time.Now().Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

package httpapi

import (
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/ulule/limiter/v3"
	limiterhttp "github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/ent0n29/parley/internal/config"
	"github.com/ent0n29/parley/internal/observability"
	"github.com/ent0n29/parley/internal/session"
	"github.com/ent0n29/parley/internal/ticket"
)

const devUserID = "dev"

type Server struct {
	cfg      config.Config
	tickets  ticket.Store
	deps     session.Deps
	metrics  *observability.Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader
	limit    func(http.Handler) http.Handler
}

// New builds the HTTP surface. deps is handed to every session controller;
// its Manager and Metrics must be set.
func New(cfg config.Config, tickets ticket.Store, deps session.Deps, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rateSpec := cfg.TicketRate
	if rateSpec == "" {
		rateSpec = "30-M"
	}
	rate, err := limiter.NewRateFromFormatted(rateSpec)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		tickets: tickets,
		deps:    deps,
		metrics: deps.Metrics,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 << 10,
			WriteBufferSize: 16 << 10,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only drive a session from the same origin.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}

	lim := limiter.New(memory.NewStore(), rate)
	s.limit = limiterhttp.NewMiddleware(lim,
		limiterhttp.WithKeyGetter(s.rateKey),
		limiterhttp.WithLimitReachedHandler(func(w http.ResponseWriter, _ *http.Request) {
			respondError(w, http.StatusTooManyRequests, "rate_limited", "too many ticket requests")
		}),
	).Handler
	return s, nil
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.With(s.limit).Post("/v1/ticket", s.handleIssueTicket)
	r.Get("/v1/voice/ws", s.handleVoiceWS)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	active := 0
	if s.deps.Manager != nil {
		active = s.deps.Manager.ActiveCount()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"ticket_store":    s.cfg.TicketStore,
		"active_sessions": active,
	})
}

type ticketResponse struct {
	Ticket           string `json:"ticket"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
}

func (s *Server) handleIssueTicket(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.authenticate(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing or unknown API key")
		return
	}
	token, ttl, err := s.tickets.Issue(r.Context(), principal.UserID, principal.TenantID)
	if err != nil {
		s.logger.Error("ticket issue failed", zap.Error(err))
		respondError(w, http.StatusServiceUnavailable, "ticket_store_unavailable", "could not issue ticket")
		return
	}
	s.metrics.TicketsIssued.Inc()
	respondJSON(w, http.StatusOK, ticketResponse{
		Ticket:           token,
		ExpiresInSeconds: int(ttl / time.Second),
	})
}

func (s *Server) handleVoiceWS(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("ticket"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if token == "" {
		s.reject(conn, "missing")
		return
	}
	t, err := s.tickets.Consume(r.Context(), token)
	if err != nil {
		reason := "invalid"
		if !errors.Is(err, ticket.ErrNotFound) {
			reason = "store_error"
			s.logger.Error("ticket consume failed", zap.Error(err))
		}
		s.reject(conn, reason)
		return
	}

	ctrl := session.NewController(s.deps, conn, session.Principal{
		UserID:   t.UserID,
		TenantID: t.TenantID,
		TicketID: t.ID,
	})
	if err := ctrl.Run(r.Context()); err != nil {
		s.logger.Debug("voice session ended with error", zap.Error(err))
	}
}

// reject closes a socket whose ticket failed validation. No data frame is
// ever written.
func (s *Server) reject(conn *websocket.Conn, reason string) {
	s.metrics.TicketRejections.WithLabelValues(reason).Inc()
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid ticket")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// authenticate resolves the caller's API key. In dev mode unknown callers
// are accepted as a shared dev user.
func (s *Server) authenticate(r *http.Request) (config.APIKey, bool) {
	if key := apiKey(r); key != "" {
		if p, ok := s.cfg.APIKeys[key]; ok {
			return p, true
		}
	}
	if s.cfg.DevAuth {
		return config.APIKey{UserID: devUserID, TenantID: "default"}, true
	}
	return config.APIKey{}, false
}

// rateKey buckets ticket requests by API key, falling back to client IP.
func (s *Server) rateKey(r *http.Request) string {
	if key := apiKey(r); key != "" {
		return "key:" + key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

func apiKey(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = sonic.ConfigDefault.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

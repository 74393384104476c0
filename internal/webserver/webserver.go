package webserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsprackett/flowsight-relay/internal/config"
	"github.com/zsprackett/flowsight-relay/internal/db"
	"github.com/zsprackett/flowsight-relay/internal/events"
	"github.com/zsprackett/flowsight-relay/internal/hub"
	"github.com/zsprackett/flowsight-relay/internal/prober"
)

type Config struct {
	Host           string
	Port           int
	AllowedOrigins []string
	// JWTSecret enables client authentication on /ws and /events.
	JWTSecret string
	Webhook   config.WebhookConfig
}

// StatusSource reports the prober's current view of each integration.
type StatusSource interface {
	Snapshot() []prober.IntegrationStatus
	LastCycle() time.Time
}

// HistorySource lists recorded health transitions, newest first.
type HistorySource interface {
	RecentTransitions(integration string, limit int) ([]db.Transition, error)
}

type Server struct {
	hub         *hub.Hub
	status      StatusSource
	history     HistorySource
	cfg         Config
	webhookAuth WebhookAuth
	upgrader    websocket.Upgrader
	logger      *slog.Logger
	startedAt   time.Time
	now         func() time.Time

	mu      sync.Mutex
	httpSrv *http.Server
	addr    net.Addr
}

// New returns a Server. status and history may be nil.
func New(h *hub.Hub, status StatusSource, history HistorySource, cfg Config, logger *slog.Logger) *Server {
	if cfg.Webhook.MaxBodyBytes <= 0 {
		cfg.Webhook.MaxBodyBytes = 1 << 20
	}
	s := &Server{
		hub:         h,
		status:      status,
		history:     history,
		cfg:         cfg,
		webhookAuth: NewWebhookAuth(cfg.Webhook),
		logger:      logger,
		now:         time.Now,
	}
	s.startedAt = s.now()
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(s.cfg.AllowedOrigins, r.Header.Get("Origin"))
		},
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/health/history", s.handleHealthHistory)
	mux.HandleFunc("POST /webhook/{source}", s.handleWebhook)
	mux.HandleFunc("POST /api/ghl/webhook", s.legacyWebhook(events.SourceCRM))
	mux.HandleFunc("POST /api/n8n/webhook", s.legacyWebhook(events.SourceAutomation))
	mux.Handle("GET /ws", s.clientAuth(http.HandlerFunc(s.handleWS)))
	mux.Handle("GET /events", s.clientAuth(http.HandlerFunc(s.handleSSE)))
	return requestID(s.logRequests(cors(s.cfg.AllowedOrigins, mux)))
}

func (s *Server) clientAuth(next http.Handler) http.Handler {
	if s.cfg.JWTSecret == "" {
		return next
	}
	return requireClientToken(s.cfg.JWTSecret, next)
}

// Start binds the listen address and serves in the background. Bind errors
// are returned; later serve errors are logged.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	s.mu.Lock()
	s.httpSrv, s.addr = srv, ln.Addr()
	s.mu.Unlock()

	if !s.webhookAuth.Enabled() {
		s.logger.Warn("webserver: webhook authentication disabled; set webhook.tokenHash or webhook.signingSecret")
	}
	s.logger.Info("webserver: listening", "addr", ln.Addr().String())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("webserver: serve failed", "err", err)
		}
	}()
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "FlowSight relay is running.")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

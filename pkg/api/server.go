// PicoWidget - Gateway API Server
// Serves the conversation REST endpoints, the refresh-token grant and the
// websocket push channel web clients watch for mobile sessions.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sipeed/picowidget/pkg/app"
	"github.com/sipeed/picowidget/pkg/config"
	"github.com/sipeed/picowidget/pkg/domain"
	"github.com/sipeed/picowidget/pkg/envelope"
	"github.com/sipeed/picowidget/pkg/logger"
	"github.com/sipeed/picowidget/pkg/push"
)

// Server is the HTTP API server of the gateway.
type Server struct {
	config      *config.Config
	container   *app.Container
	origins     *envelope.Guard
	wsHub       *WSHub
	eventBridge *EventBridge
	startTime   time.Time
	server      *http.Server
}

// NewServer creates a new API server instance.
func NewServer(cfg *config.Config, container *app.Container, transport *push.Transport) *Server {
	// --- Secure-by-default: auto-generate API key if none is configured ---
	// Random key per process, printed once at startup.
	// Set gateway.api_key in the config file or PICOWIDGET_GATEWAY_API_KEY for a persistent key.
	if cfg.Gateway.APIKey == "" {
		raw := make([]byte, 24)
		if _, err := rand.Read(raw); err == nil {
			cfg.Gateway.APIKey = hex.EncodeToString(raw)
			fmt.Println()
			fmt.Println("╔══════════════════════════════════════════════════════╗")
			fmt.Println("║         PICOWIDGET API KEY (session token)           ║")
			fmt.Printf("║  %-52s  ║\n", cfg.Gateway.APIKey)
			fmt.Println("║  Set gateway.api_key in the config file to make      ║")
			fmt.Println("║  this permanent. Rotate it any time.                 ║")
			fmt.Println("╚══════════════════════════════════════════════════════╝")
			fmt.Println()
		}
	}

	origins, err := envelope.NewGuard(cfg.Gateway.AllowedOrigins...)
	if err != nil {
		logger.ErrorCF("api", "Ignoring invalid gateway.allowed_origins", map[string]interface{}{
			"error": err.Error(),
		})
		origins, _ = envelope.NewGuard()
	}

	s := &Server{
		config:    cfg,
		container: container,
		origins:   origins,
		startTime: time.Now(),
	}
	s.wsHub = NewWSHub(s)
	var sub Subscriber
	if transport != nil {
		sub = transport
	}
	s.eventBridge = NewEventBridge(sub, s.wsHub)

	if container.Widgets != nil {
		logger.InfoCF("api", "Widget profiles registered", map[string]interface{}{
			"count": container.Widgets.Count(),
		})
	}
	return s
}

// Handler builds the routed, authenticated handler tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)

	// Conversations
	mux.HandleFunc("POST /api/conversations", s.handleCreateConversation)
	mux.HandleFunc("GET /api/conversations/{first}/{second}", s.handleConversationRead)
	mux.HandleFunc("POST /api/conversations/{id}/join-mobile", s.handleJoinMobile)
	mux.HandleFunc("POST /api/conversations/{id}/leave-mobile", s.handleLeaveMobile)

	// Refresh-token grant
	mux.HandleFunc("POST /api/auth/token", s.handleToken)

	// Embed profiles
	mux.HandleFunc("GET /api/widgets", s.handleListWidgets)
	mux.HandleFunc("GET /api/widgets/{botId}/embed-config", s.handleEmbedConfig)

	// WebSocket push channel
	mux.HandleFunc("GET /api/ws", s.wsHub.HandleWebSocket)

	return s.corsMiddleware(authMiddleware(s.config.Gateway.APIKey, s.container.Tokens, mux))
}

// Start begins listening on the configured host:port.
func (s *Server) Start(ctx context.Context) error {
	addr := s.config.Addr()

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.InfoCF("api", "Gateway API server starting", map[string]interface{}{
		"addr": addr,
	})

	go s.wsHub.Run(ctx)
	if err := s.eventBridge.Run(ctx); err != nil {
		return err
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("api", "Server error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// originAllowed accepts localhost, gateway.allowed_origins and every domain a
// widget profile may be embedded on.
func (s *Server) originAllowed(origin string) bool {
	if isLocalOrigin(origin) || s.origins.Allows(origin) {
		return true
	}
	return s.container.Widgets != nil && s.container.Widgets.AllowsOrigin(origin)
}

// isLocalOrigin checks if the origin is a trusted localhost address.
func isLocalOrigin(origin string) bool {
	normalised, err := envelope.ParseOrigin(origin)
	if err != nil {
		return false
	}
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
		if normalised == prefix || strings.HasPrefix(normalised, prefix+":") {
			return true
		}
	}
	return false
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"uptime_human": formatDuration(time.Since(s.startTime)),
		"ws_clients":   s.wsHub.ClientCount(),
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps a classified error onto its HTTP status.
func writeError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.ErrorCF("api", "Request failed", map[string]interface{}{
			"op":    op,
			"error": err.Error(),
		})
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindExpired:
		return http.StatusGone
	case domain.KindLockConflict:
		return http.StatusConflict
	case domain.KindProtocol, domain.KindConfig:
		return http.StatusBadRequest
	case domain.KindSessionTerminated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

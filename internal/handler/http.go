package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/questhub-engine/internal/auth"
	"github.com/questhub-engine/internal/domain"
	"github.com/questhub-engine/internal/identity"
	"github.com/questhub-engine/internal/service"
	"github.com/questhub-engine/internal/verify"
	"github.com/questhub-engine/internal/websocket"
	"github.com/questhub-engine/internal/xp"
)

// VerificationQueue accepts verification requests for asynchronous processing
type VerificationQueue interface {
	EnqueueVerification(ctx context.Context, req domain.VerificationRequest) error
}

// TaskWriter stores task definitions
type TaskWriter interface {
	UpsertTask(ctx context.Context, task *domain.Task) error
}

// ReadyCheck reports whether a dependency can serve traffic
type ReadyCheck func(ctx context.Context) error

// Deps are the components the HTTP API is built on. Queue may be nil when
// asynchronous verification is disabled.
type Deps struct {
	Resolver    *identity.Resolver
	Challenges  *identity.Challenges
	Links       *service.LinkService
	Engine      *verify.Engine
	Ledger      *xp.Ledger
	Leaderboard *service.LeaderboardService
	Tasks       TaskWriter
	Tokens      *auth.TokenIssuer
	Sessions    *auth.SessionManager
	Queue       VerificationQueue
	Hub         *websocket.Hub
	Checks      map[string]ReadyCheck
}

// Handler provides HTTP handlers for the quest API
type Handler struct {
	Deps
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(deps Deps, logger *slog.Logger) *Handler {
	validate := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their json names
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{
		Deps:     deps,
		validate: validate,
		logger:   logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	// Hint tells the client what to do next for actionable errors.
	Hint string `json:"hint,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	// WebSocket endpoint
	r.With(h.authenticate).Get("/ws", h.HandleWebSocket)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/wallet/challenge", h.WalletChallenge)
			r.Post("/wallet", h.WalletLogin)
			r.Post("/email/signup", h.EmailSignup)
			r.Post("/email/login", h.EmailLogin)
			r.Post("/logout", h.Logout)
		})

		r.Get("/leaderboard", h.GetLeaderboard)

		// Participant operations
		r.Group(func(r chi.Router) {
			r.Use(h.authenticate)

			r.Route("/me", func(r chi.Router) {
				r.Get("/", h.GetMe)
				r.Get("/rank", h.GetMyRank)
				r.Post("/wallet", h.LinkWallet)
				r.Delete("/identities/{platform}", h.UnlinkIdentity)
			})

			r.Route("/oauth/{platform}", func(r chi.Router) {
				r.Get("/begin", h.BeginOAuth)
				r.Get("/callback", h.OAuthCallback)
				r.Post("/callback", h.OAuthCallback)
			})

			r.Route("/tasks/{taskID}", func(r chi.Router) {
				r.Post("/verify", h.VerifyTask)
				r.Post("/verify/async", h.VerifyTaskAsync)
				r.Get("/verification", h.GetVerification)
			})
		})

		// Admin operations
		r.Route("/admin", func(r chi.Router) {
			r.Use(h.authenticate)
			r.Use(h.requireRole(domain.RoleAdmin))

			r.Put("/tasks/{taskID}", h.UpsertTask)
			r.Post("/submissions/{submissionID}/revoke", h.RevokeSubmission)
			r.Post("/submissions/{submissionID}/review", h.ReviewSubmission)
		})

		// WebSocket info endpoint
		r.Get("/ws/stats", h.GetWebSocketStats)
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// decode reads a JSON body into dst and validates its struct tags.
func (h *Handler) decode(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return domain.Invalid("body", "malformed json")
	}
	return h.check(dst)
}

func (h *Handler) check(v interface{}) error {
	err := h.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		if fe.Param() != "" {
			return domain.Invalid(fe.Field(), fe.Tag()+"="+fe.Param())
		}
		return domain.Invalid(fe.Field(), fe.Tag())
	}
	return domain.Invalid("body", err.Error())
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	p := participantFrom(r.Context())
	websocket.ServeWs(h.Hub, p.ID, h.logger, w, r)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]interface{}{
		"total_connections":       h.Hub.GetTotalConnections(),
		"leaderboard_subscribers": h.Hub.GetSubscriberCount(websocket.TopicLeaderboard),
	})
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck returns service readiness status
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := make(map[string]string)
	for name, check := range h.Checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		h.logger.Warn("readiness check failed", "failed", failed)
		h.writeJSON(w, http.StatusServiceUnavailable, APIResponse{
			Success: false,
			Data:    failed,
			Error:   "not ready",
		})
		return
	}
	h.writeSuccess(w, map[string]string{"status": "ready"})
}

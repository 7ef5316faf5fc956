// ABOUTME: Dashboard HTTP API built on chi with CORS, JWT auth and request logging
// ABOUTME: Mounts conversation, account, ticket, websocket and metrics endpoints

package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/2389/relay-gateway/internal/accounts"
	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/hub"
	"github.com/2389/relay-gateway/internal/registry"
	"github.com/2389/relay-gateway/internal/store"
)

// Store is the persistence the API reads and edits.
type Store interface {
	Ping(ctx context.Context) error
	ListConversations(ctx context.Context) ([]*store.Conversation, error)
	GetConversation(ctx context.Context, id int64) (*store.Conversation, error)
	ListMessages(ctx context.Context, conversationID int64, limit int) ([]*store.Message, error)
	DeleteConversation(ctx context.Context, id int64) (bool, error)

	CreateTicket(ctx context.Context, t *store.Ticket) error
	GetTicket(ctx context.Context, id string) (*store.Ticket, error)
	ListTickets(ctx context.Context, status store.TicketStatus) ([]*store.Ticket, error)
	UpdateTicket(ctx context.Context, id string, upd store.TicketUpdate) (*store.Ticket, error)
	DeleteTicket(ctx context.Context, id string) error
	TicketHistory(ctx context.Context, ticketID string) ([]*store.TicketChange, error)
	SummarizeTickets(ctx context.Context, f store.TicketSummaryFilter) (*store.TicketSummary, error)

	GetAgentAttributes(ctx context.Context, accountID string) (*store.AgentAttributes, error)
	UpdateAgentAttributes(ctx context.Context, accountID string, upd store.AgentAttributes) (*store.AgentAttributes, error)
	DeleteAgentAttributes(ctx context.Context, accountID string) error
}

// Replier sends operator replies.
type Replier interface {
	Reply(ctx context.Context, conversationID int64, text string) (*store.Message, error)
}

// Clients manages live account connections.
type Clients interface {
	AddClient(ctx context.Context, creds registry.Credentials) (*registry.Handle, error)
	RemoveClient(ctx context.Context, accountID string) error
	IsConnected(accountID string) bool
	Accounts() []string
}

// Viewers is the live dashboard fanout.
type Viewers interface {
	Broadcast(ctx context.Context, evt hub.Event) int
	Count() int
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

// Deps are the collaborators behind the handlers.
type Deps struct {
	Store     Store
	Replier   Replier
	Clients   Clients
	Directory accounts.Directory
	Viewers   Viewers
}

// Options configures the router.
type Options struct {
	CORSOrigins []string
	// Verifier authenticates /api requests. Nil disables authentication.
	Verifier auth.TokenVerifier
	// Metrics is mounted at MetricsPath when set.
	Metrics     http.Handler
	MetricsPath string
	Logger      *slog.Logger
}

// Server holds the API handlers.
type Server struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
}

// New creates a Server.
func New(deps Deps, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{deps: deps, opts: opts, logger: logger.With("component", "api")}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	if len(s.opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.opts.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	if s.opts.Metrics != nil {
		path := s.opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, s.opts.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			if s.opts.Verifier != nil {
				r.Use(auth.HTTPAuthMiddleware(s.opts.Verifier))
			} else {
				s.logger.Warn("api authentication disabled: auth.jwt_secret is not set")
			}

			r.Get("/ws", s.deps.Viewers.ServeHTTP)

			r.Route("/conversations", func(r chi.Router) {
				r.Get("/", s.handleListConversations)
				r.Get("/{conversationID}/messages", s.handleListMessages)
				r.Post("/{conversationID}/reply", s.handleReply)
				r.Delete("/{conversationID}", s.handleDeleteConversation)
			})

			r.Route("/accounts", func(r chi.Router) {
				r.Get("/", s.handleListAccounts)
				r.Patch("/{accountID}", s.handleUpdateAccount)
				r.Delete("/{accountID}", s.handleDeleteAccount)
				r.Post("/{accountID}/toggle", s.handleToggleAccount)
				r.Get("/{accountID}/attributes", s.handleGetAttributes)
				r.Patch("/{accountID}/attributes", s.handleUpdateAttributes)
			})

			r.Route("/tickets", func(r chi.Router) {
				r.Get("/", s.handleListTickets)
				r.Post("/", s.handleCreateTicket)
				r.Get("/summary", s.handleTicketSummary)
				r.Get("/{ticketID}", s.handleGetTicket)
				r.Patch("/{ticketID}", s.handleUpdateTicket)
				r.Delete("/{ticketID}", s.handleDeleteTicket)
				r.Get("/{ticketID}/history", s.handleTicketHistory)
			})
		})
	})

	return r
}

// requestLogger logs each request through slog.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status           string   `json:"status"`
	Database         string   `json:"database"`
	ConnectedClients int      `json:"connected_clients"`
	Accounts         []string `json:"accounts"`
	Viewers          int      `json:"viewers"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:   "ok",
		Database: "ok",
		Accounts: s.deps.Clients.Accounts(),
		Viewers:  s.deps.Viewers.Count(),
	}
	resp.ConnectedClients = len(resp.Accounts)

	status := http.StatusOK
	if err := s.deps.Store.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Database = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

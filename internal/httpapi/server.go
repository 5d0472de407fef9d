package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ent0n29/codecat/internal/chat"
	"github.com/ent0n29/codecat/internal/config"
	"github.com/ent0n29/codecat/internal/devicelink"
	"github.com/ent0n29/codecat/internal/observability"
	"github.com/ent0n29/codecat/internal/workflow"
)

// Workflow is the task lifecycle the command surface drives.
type Workflow interface {
	Submit(ctx context.Context, req workflow.SubmitRequest) (workflow.SubmitResult, error)
	Resolve(ctx context.Context, taskID, action, actorID string) (workflow.ResolveResult, error)
	RefreshPending(ctx context.Context, guildID string) (workflow.RefreshResult, error)
	CurrentRepo(ctx context.Context, guildID string) (workflow.RepoSummary, error)
	Help(ctx context.Context, guildID, userID string) (workflow.HelpResult, error)
}

type Linker interface {
	Connect(ctx context.Context, req devicelink.ConnectRequest) (devicelink.Instructions, error)
}

// Bridge is the chat hub as seen by bridge websockets.
type Bridge interface {
	chat.Messenger
	chat.Directory
	Subscribe() (<-chan any, func())
	Dispatch(ctx context.Context, frame any) any
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Workflow Workflow
	// Linker is nil when GitHub OAuth is not configured.
	Linker   Linker
	Bridge   Bridge
	Store    Pinger
	Logger   *zap.Logger
	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer
}

type Server struct {
	cfg      config.Config
	workflow Workflow
	linker   Linker
	bridge   Bridge
	store    Pinger
	logger   *zap.Logger
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		workflow: deps.Workflow,
		linker:   deps.Linker,
		bridge:   deps.Bridge,
		store:    deps.Store,
		logger:   logger,
		metrics:  deps.Metrics,
		gatherer: deps.Gatherer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Bridges are not browsers and usually omit Origin.
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
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if s.gatherer != nil {
			observability.HandlerFor(s.gatherer).ServeHTTP(w, r)
			return
		}
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.With(s.verifySignature).Post("/interactions", s.handleInteraction)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats/steps", s.handleStepStats)
		r.Get("/chat/ws", s.handleBridgeWS)

		// Member ids in these bodies are trusted, so only the bridge may call them.
		r.Group(func(r chi.Router) {
			r.Use(s.requireBridgeToken)
			r.Post("/commands/codecat", s.handleSubmit)
			r.Post("/commands/update", s.handleUpdate)
			r.Post("/commands/connect-github", s.handleConnectGithub)
			r.Post("/commands/help", s.handleHelp)
			r.Get("/guilds/{guild_id}/repo", s.handleCurrentRepo)
			r.Post("/tasks/{id}/actions", s.handleTaskAction)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":              "ok",
		"device_flow_enabled": s.linker != nil,
		"codegen_provider":    s.cfg.CodegenProvider,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			respondError(w, http.StatusServiceUnavailable, "store_unavailable", "record store is not reachable")
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondWorkflowError maps an orchestrator error onto a status and the text
// shown to the member.
func respondWorkflowError(w http.ResponseWriter, err error) {
	status, code := workflowStatus(err)
	respondError(w, status, code, workflow.UserMessage(err))
}

func workflowStatus(err error) (int, string) {
	switch {
	case errors.Is(err, workflow.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, workflow.ErrUnknownAction):
		return http.StatusBadRequest, "unknown_action"
	case errors.Is(err, workflow.ErrNotAuthorized):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, workflow.ErrGuildNotConfigured):
		return http.StatusNotFound, "guild_not_configured"
	case errors.Is(err, workflow.ErrAlreadyResolved):
		return http.StatusNotFound, "already_resolved"
	case errors.Is(err, workflow.ErrNoRepository):
		return http.StatusConflict, "no_repository"
	case errors.Is(err, workflow.ErrNoCredential):
		return http.StatusPreconditionFailed, "no_credential"
	case errors.Is(err, workflow.ErrNoHostingToken):
		return http.StatusPreconditionFailed, "no_hosting_token"
	case errors.Is(err, workflow.ErrMemberUnavailable):
		return http.StatusBadGateway, "member_unavailable"
	case errors.Is(err, workflow.ErrOriginUnavailable):
		return http.StatusBadGateway, "origin_unavailable"
	case errors.Is(err, workflow.ErrGuildUnavailable),
		errors.Is(err, workflow.ErrCreateFailed),
		errors.Is(err, workflow.ErrStartFailed),
		errors.Is(err, workflow.ErrResolveFailed):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

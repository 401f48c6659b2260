// Package console — HTTP-поверхность шлюза: вызовы инструментов для
// агента, операторский API (политики, апрувы, рубильник, аудит),
// websocket-вход исполнителей и метрики.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xela07ax/browsergate/internal/approval"
	"github.com/xela07ax/browsergate/internal/audit"
	"github.com/xela07ax/browsergate/internal/bridge"
	"github.com/xela07ax/browsergate/internal/domain"
	"github.com/xela07ax/browsergate/internal/engine"
	"github.com/xela07ax/browsergate/internal/infra"
	"github.com/xela07ax/browsergate/internal/infra/auth"
	"github.com/xela07ax/browsergate/internal/policy"
	"github.com/xela07ax/browsergate/internal/tools"
)

// AuditReader чтение журнала для консоли; nil — хранилище не подключено
type AuditReader interface {
	Recent(ctx context.Context, limit int) ([]audit.Event, error)
}

// Server собирает роутер и владеет http.Server
type Server struct {
	cfg        infra.ServerConfig
	dispatcher *tools.Dispatcher
	engine     *policy.Engine
	kill       *engine.KillSwitch
	approvals  *approval.Store
	hub        *bridge.Hub
	auth       *auth.Service
	auditRead  AuditReader
	registry   *prometheus.Registry

	httpSrv *http.Server
	logger  *zap.Logger
}

func NewServer(
	cfg infra.ServerConfig,
	dispatcher *tools.Dispatcher,
	eng *policy.Engine,
	kill *engine.KillSwitch,
	approvals *approval.Store,
	hub *bridge.Hub,
	authSvc *auth.Service,
	auditRead AuditReader,
	registry *prometheus.Registry,
	logger *zap.Logger,
) *Server {
	s := &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		engine:     eng,
		kill:       kill,
		approvals:  approvals,
		hub:        hub,
		auth:       authSvc,
		auditRead:  auditRead,
		registry:   registry,
		logger:     logger.Named("console"),
	}
	s.httpSrv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.Post("/auth/token", s.handleLogin)

	// Вход исполнителей; авторизация handshake живет в самом хабе
	r.Handle("/ws", s.hub)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.auth.Middleware)

		r.Get("/status", s.handleStatus)
		r.Get("/tools", s.handleToolCatalog)
		r.Post("/tools/execute", s.handleExecute)

		r.Get("/policies", s.handlePolicyList)
		r.Put("/policies/{domain}", s.handlePolicySet)
		r.Delete("/policies/{domain}", s.handlePolicyDelete)

		r.Get("/approvals", s.handleApprovalList)
		r.Post("/approvals/{id}/decision", s.handleApprovalDecide)

		r.Post("/killswitch/engage", s.handleEngage)
		r.Post("/killswitch/disengage", s.handleDisengage)
		r.Post("/killswitch/domains", s.handleBlockDomain)
		r.Delete("/killswitch/domains/{domain}", s.handleUnblockDomain)

		r.Get("/audit/recent", s.handleAuditRecent)
	})
	return r
}

// Start блокируется до остановки сервера
func (s *Server) Start() error {
	s.logger.Info("console listening", zap.String("addr", s.cfg.Addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown мягкая остановка с дедлайном из конфигурации
func (s *Server) Shutdown(ctx context.Context) error {
	shCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(shCtx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)))
	})
}

// --- handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":              "ok",
		"connected_executors": s.hub.ConnectedCount(),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if !readJSON(w, r, &req) {
		return
	}
	resp, err := s.auth.Login(req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"session":             s.engine.SessionStats(),
		"killswitch":          s.kill.Snapshot(),
		"connected_executors": s.hub.ConnectedCount(),
		"pending_commands":    s.hub.PendingCount(),
	})
}

func (s *Server) handleToolCatalog(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.dispatcher.Registry().Names()})
}

// executeRequest вызов инструмента агентом
type executeRequest struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// handleExecute единственная рабочая ручка агента. HTTP-статус всегда 200:
// отказ политики — не ошибка транспорта, а содержимое результата.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Tool == "" {
		writeError(w, http.StatusBadRequest, "tool name is required")
		return
	}
	result := s.dispatcher.ExecuteTool(r.Context(), req.Tool, req.Args)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePolicyList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"allowlist": s.engine.AllowlistSnapshot()})
}

func (s *Server) handlePolicySet(w http.ResponseWriter, r *http.Request) {
	host := chi.URLParam(r, "domain")
	var pol domain.DomainPolicy
	if !readJSON(w, r, &pol) {
		return
	}
	s.engine.SetDomainPolicy(host, pol)
	writeJSON(w, http.StatusOK, map[string]any{"domain": host, "policy": pol})
}

func (s *Server) handlePolicyDelete(w http.ResponseWriter, r *http.Request) {
	host := chi.URLParam(r, "domain")
	if !s.engine.RemoveDomainPolicy(host) {
		writeError(w, http.StatusNotFound, "no policy for domain")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleApprovalList(w http.ResponseWriter, r *http.Request) {
	status := domain.ApprovalStatus(r.URL.Query().Get("status"))
	writeJSON(w, http.StatusOK, map[string]any{"approvals": s.approvals.List(status)})
}

// decisionRequest вердикт оператора по запросу апрува
type decisionRequest struct {
	Status  domain.ApprovalStatus `json:"status"` // APPROVED | REJECTED
	Comment string                `json:"comment"`
}

func (s *Server) handleApprovalDecide(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req decisionRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Status != domain.StatusApproved && req.Status != domain.StatusRejected {
		writeError(w, http.StatusBadRequest, "status must be APPROVED or REJECTED")
		return
	}

	reviewer := ""
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		reviewer = claims.Subject
	}
	decided, err := s.approvals.Decide(id, req.Status, reviewer, req.Comment)
	switch {
	case errors.Is(err, approval.ErrNotFound):
		writeError(w, http.StatusNotFound, "approval request not found")
	case errors.Is(err, domain.ErrAlreadyProcessed), errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, decided)
	}
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleEngage(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "manual engage via console"
	}
	s.kill.Engage(req.Reason)
	writeJSON(w, http.StatusOK, s.kill.Snapshot())
}

func (s *Server) handleDisengage(w http.ResponseWriter, _ *http.Request) {
	s.kill.Disengage()
	writeJSON(w, http.StatusOK, s.kill.Snapshot())
}

type blockDomainRequest struct {
	Domain string `json:"domain"`
	Reason string `json:"reason"`
}

func (s *Server) handleBlockDomain(w http.ResponseWriter, r *http.Request) {
	var req blockDomainRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Domain == "" {
		writeError(w, http.StatusBadRequest, "domain is required")
		return
	}
	s.kill.BlockDomain(req.Domain, req.Reason)
	writeJSON(w, http.StatusOK, s.kill.Snapshot())
}

func (s *Server) handleUnblockDomain(w http.ResponseWriter, r *http.Request) {
	host := chi.URLParam(r, "domain")
	if !s.kill.UnblockDomain(host) {
		writeError(w, http.StatusNotFound, "domain is not blocked")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	if s.auditRead == nil {
		writeError(w, http.StatusNotImplemented, "audit storage is not configured")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.auditRead.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("audit query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// --- json helpers ---

func readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type contextKey string

const claimsKey contextKey = "claims"

// APIServer exposes the command surface as authenticated JSON over HTTP
type APIServer struct {
	http     *http.Server
	commands *Commands
	monitor  *Monitor
	auth     *Authenticator
	limiter  *loginLimiter
	metrics  *Metrics
	cfg      APIConfig
	logger   *zap.Logger
}

// NewAPIServer builds the router and HTTP server
func NewAPIServer(cfg APIConfig, commands *Commands, monitor *Monitor, auth *Authenticator, metrics *Metrics, logger *zap.Logger) *APIServer {
	s := &APIServer{
		commands: commands,
		monitor:  monitor,
		auth:     auth,
		limiter:  newLoginLimiter(cfg.LoginRate, cfg.LoginBurst),
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger.Named("api"),
	}
	s.http = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s
}

// Handler returns the root handler
func (s *APIServer) Handler() http.Handler {
	return s.http.Handler
}

func (s *APIServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Post("/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.requireRole(RoleViewer))
			r.Get("/status", s.handleStatus)
			r.Get("/logins", s.handleLoginHistory)
			r.Get("/events", s.handleRecentEvents)
			r.Get("/targets", s.handleTargets)
			r.Get("/servers", s.handleServerList)
			r.Get("/servers/{name}", s.handleServerStatus)
			r.Get("/permbans", s.handlePermBanList)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireRole(RoleAdmin))
			r.Post("/mute", s.handleMute)
			r.Post("/unmute", s.handleUnmute)
			r.Get("/fail2ban/jails", s.handleFail2banList)
			r.Get("/fail2ban/jails/{jail}", s.handleFail2banStatus)
			r.Get("/fail2ban/banned", s.handleFail2banAllBanned)
			r.Post("/fail2ban/ban", s.handleFail2banBan)
			r.Post("/fail2ban/unban", s.handleFail2banUnban)
			r.Post("/permbans", s.handlePermBanAdd)
			r.Delete("/permbans/{ip}", s.handlePermBanRemove)
			r.Post("/actions/{token}", s.handleResolveAction)
		})
	})
	return r
}

// Start serves until Shutdown is called
func (s *APIServer) Start() error {
	s.logger.Info("HTTP API listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *APIServer) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// statusWriter captures the status code for the access log
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (s *APIServer) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_ip", clientIP(r, s.cfg.TrustProxy)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// requireRole rejects requests without a valid bearer token granting role
func (s *APIServer) requireRole(role Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="securewatch"`)
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			claims, err := s.auth.ParseToken(token)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="securewatch", error="invalid_token"`)
				writeError(w, http.StatusUnauthorized, errInvalidToken.Error())
				return
			}
			if !claims.Role.Allows(role) {
				writeError(w, http.StatusForbidden, "admin role required")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
		})
	}
}

// principal returns the username of the authenticated caller
func principal(r *http.Request) string {
	if claims, ok := r.Context().Value(claimsKey).(*Claims); ok {
		return claims.Username
	}
	return ""
}

// callerRole returns the role of the authenticated caller
func callerRole(r *http.Request) Role {
	if claims, ok := r.Context().Value(claimsKey).(*Claims); ok {
		return claims.Role
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"error": reason})
}

// errorStatus maps command failures to HTTP status codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnknownHost):
		return http.StatusNotFound
	case errors.Is(err, ErrUnreachable), errors.Is(err, ErrCommandFailed), errors.Is(err, ErrParseMismatch):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeResult writes payload, or the command error with any partial report
func writeResult(w http.ResponseWriter, payload any, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, payload)
		return
	}
	body := map[string]any{"error": err.Error()}
	if report, ok := payload.(*ActionReport); ok && report != nil {
		body["report"] = report
	}
	writeJSON(w, errorStatus(err), body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func queryInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}

func (s *APIServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	Role      Role      `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *APIServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r, s.cfg.TrustProxy)
	if !s.limiter.Allow(ip) {
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusTooManyRequests, "too many login attempts")
		return
	}

	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	role, err := s.auth.Authenticate(req.Username, req.Password)
	if err != nil {
		s.logger.Warn("login failed", zap.String("user", req.Username), zap.String("ip", ip))
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	token, expires, err := s.auth.IssueToken(req.Username, role)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	s.logger.Info("login", zap.String("user", req.Username), zap.String("role", string(role)), zap.String("ip", ip))
	writeJSON(w, http.StatusOK, loginResponse{Token: token, Role: role, ExpiresAt: expires})
}

func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.commands.Status(r.Context())
	writeResult(w, status, err)
}

func (s *APIServer) handleLoginHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.commands.LoginHistory(r.Context(), queryInt(r, "n"))
	writeResult(w, history, err)
}

func (s *APIServer) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.Recent(queryInt(r, "n")))
}

func (s *APIServer) handleTargets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.Targets())
}

func (s *APIServer) handleServerList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.commands.ServerList())
}

func (s *APIServer) handleServerStatus(w http.ResponseWriter, r *http.Request) {
	// Only admins may trigger a reconnect
	detail, err := s.commands.ServerStatus(r.Context(), chi.URLParam(r, "name"), callerRole(r) == RoleAdmin)
	writeResult(w, detail, err)
}

func (s *APIServer) handlePermBanList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.commands.PermBanList())
}

type muteRequest struct {
	Minutes int `json:"minutes"`
}

func (s *APIServer) handleMute(w http.ResponseWriter, r *http.Request) {
	var req muteRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.commands.Mute(req.Minutes))
}

func (s *APIServer) handleUnmute(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.commands.Unmute())
}

func (s *APIServer) handleFail2banList(w http.ResponseWriter, r *http.Request) {
	jails, err := s.commands.Fail2banList(r.Context(), r.URL.Query().Get("host"))
	writeResult(w, jails, err)
}

func (s *APIServer) handleFail2banStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.commands.Fail2banStatus(r.Context(), chi.URLParam(r, "jail"), r.URL.Query().Get("host"))
	writeResult(w, status, err)
}

func (s *APIServer) handleFail2banAllBanned(w http.ResponseWriter, r *http.Request) {
	overview, err := s.commands.Fail2banAllBanned(r.Context(), r.URL.Query().Get("host"))
	writeResult(w, overview, err)
}

type banRequest struct {
	IP   string `json:"ip"`
	Jail string `json:"jail"`
	Host string `json:"host"`
}

func (s *APIServer) handleFail2banBan(w http.ResponseWriter, r *http.Request) {
	var req banRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.logger.Info("ban requested", zap.String("ip", req.IP), zap.String("jail", req.Jail), zap.String("host", req.Host), zap.String("user", principal(r)))
	report, err := s.commands.Fail2banBan(r.Context(), req.IP, req.Jail, req.Host)
	writeResult(w, report, err)
}

func (s *APIServer) handleFail2banUnban(w http.ResponseWriter, r *http.Request) {
	var req banRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.logger.Info("unban requested", zap.String("ip", req.IP), zap.String("jail", req.Jail), zap.String("host", req.Host), zap.String("user", principal(r)))
	report, err := s.commands.Fail2banUnban(r.Context(), req.IP, req.Jail, req.Host)
	writeResult(w, report, err)
}

type permBanRequest struct {
	IP     string `json:"ip"`
	Reason string `json:"reason"`
}

func (s *APIServer) handlePermBanAdd(w http.ResponseWriter, r *http.Request) {
	var req permBanRequest
	if !decodeBody(w, r, &req) {
		return
	}
	report, err := s.commands.PermBanAdd(r.Context(), req.IP, req.Reason, principal(r))
	writeResult(w, report, err)
}

func (s *APIServer) handlePermBanRemove(w http.ResponseWriter, r *http.Request) {
	report, err := s.commands.PermBanRemove(r.Context(), chi.URLParam(r, "ip"))
	writeResult(w, report, err)
}

func (s *APIServer) handleResolveAction(w http.ResponseWriter, r *http.Request) {
	report, err := s.commands.ResolveAction(r.Context(), chi.URLParam(r, "token"), principal(r))
	writeResult(w, report, err)
}

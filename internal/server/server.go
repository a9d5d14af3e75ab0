package server

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"

	"modelchat/internal/authclient"
	"modelchat/internal/catalog"
	"modelchat/internal/chatstore"
	"modelchat/internal/conversation"
	"modelchat/internal/policy"
	"modelchat/internal/ratelimit"
	"modelchat/internal/usertoken"
	"modelchat/internal/util"
	"modelchat/pkg/ai"
	"modelchat/pkg/domain"
)

const accessTokenCookie = "access_token"

// Config wires required dependencies for the HTTP server.
type Config struct {
	Auth             *authclient.Client
	TokenVerifier    *usertoken.Verifier
	Catalog          *catalog.Client
	Store            *chatstore.Store
	Conversations    *conversation.Manager
	Streamer         ai.ChatStreamer
	AnonymousAllowed bool
	CookieSecure     bool
	LoginLimiter     *ratelimit.FixedWindowLimiter
}

// Server exposes the web front-end API: auth session plumbing, the model
// catalog, chat history and the streaming turn endpoint.
type Server struct {
	auth             *authclient.Client
	tokenVerifier    *usertoken.Verifier
	catalog          *catalog.Client
	store            *chatstore.Store
	conversations    *conversation.Manager
	streamer         ai.ChatStreamer
	anonymousAllowed bool
	cookieSecure     bool
	loginLimiter     *ratelimit.FixedWindowLimiter
	mux              *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		auth:             cfg.Auth,
		tokenVerifier:    cfg.TokenVerifier,
		catalog:          cfg.Catalog,
		store:            cfg.Store,
		conversations:    cfg.Conversations,
		streamer:         cfg.Streamer,
		anonymousAllowed: cfg.AnonymousAllowed,
		cookieSecure:     cfg.CookieSecure,
		loginLimiter:     cfg.LoginLimiter,
		mux:              http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/api/auth/login", s.handleLogin)
	s.mux.HandleFunc("/api/auth/logout", s.handleLogout)
	s.mux.HandleFunc("/api/auth/session", s.handleSession)

	// catalog & chats
	s.mux.HandleFunc("/api/models", s.handleModels)
	s.mux.Handle("/api/chats", s.withOwner(s.handleChats))
	s.mux.Handle("/api/chats/", s.withOwner(s.handleChatByID))
	s.mux.HandleFunc("/api/share/", s.handleSharedChat)

	// page paths (admission redirects + app shell)
	s.mux.HandleFunc("/", s.handlePage)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// credential reads the access token, cookie first with a bearer fallback so
// API clients without a cookie jar still work.
func credential(r *http.Request) string {
	if c, err := r.Cookie(accessTokenCookie); err == nil && strings.TrimSpace(c.Value) != "" {
		return strings.TrimSpace(c.Value)
	}
	if token, ok := bearerToken(r); ok {
		return token
	}
	return ""
}

// identity resolves the caller, failing closed to nil on any verification or
// upstream problem.
func (s *Server) identity(r *http.Request) *domain.Identity {
	token := credential(r)
	if token == "" {
		return nil
	}
	if s.tokenVerifier != nil {
		if _, err := s.tokenVerifier.VerifySubject(token); err != nil {
			s.audit(r, "web.token.verify", "fail", "reason", "invalid_signature_or_claims")
			return nil
		}
	}
	return s.auth.ResolveIdentity(r.Context(), token)
}

type ownerHandler func(http.ResponseWriter, *http.Request, string)

// withOwner resolves the effective owner for API routes: the authenticated
// identity's ID, or the shared anonymous owner when that is allowed.
func (s *Server) withOwner(next ownerHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := s.identity(r)
		if identity == nil && !s.anonymousAllowed {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ownerID := domain.AnonymousOwner
		if identity != nil {
			ownerID = identity.ID
		}
		next(w, r, ownerID)
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, "too many login attempts") {
		s.audit(r, "web.login", "rate_limited")
		return
	}
	var req loginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.audit(r, "web.login", "fail", "reason", "invalid_json")
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	tok, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.audit(r, "web.login", "fail", "reason", err.Error())
		writeAuthError(w, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     accessTokenCookie,
		Value:    tok.AccessToken,
		Path:     "/",
		MaxAge:   tok.ExpiresIn,
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	s.audit(r, "web.login", "success", "username", req.Username)
	writeJSON(w, http.StatusOK, loginResponse{TokenType: tok.TokenType, ExpiresIn: tok.ExpiresIn})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     accessTokenCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	s.audit(r, "web.logout", "success")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	identity := s.identity(r)
	if identity != nil {
		writeJSON(w, http.StatusOK, sessionResponse{Identity: identity})
		return
	}
	if s.anonymousAllowed {
		writeJSON(w, http.StatusOK, sessionResponse{Anonymous: true})
		return
	}
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	models, err := s.catalog.Models(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "model catalog unavailable")
		return
	}
	writeJSON(w, http.StatusOK, models)
}

// handlePage applies the admission gate to page paths and serves the app
// shell. Share pages are public and skip admission.
func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	path := r.URL.Path
	if strings.HasPrefix(path, "/api/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if strings.HasPrefix(path, "/share/") {
		serveShell(w)
		return
	}
	if path != "/" && path != "/login" && !strings.HasPrefix(path, "/chat/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	adm := policy.Admit(s.identity(r), s.anonymousAllowed, path)
	switch adm.Decision {
	case policy.DecisionRedirectLogin, policy.DecisionRedirectHome:
		http.Redirect(w, r, adm.Redirect, http.StatusFound)
	default:
		serveShell(w)
	}
}

const appShell = `<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Model Chat</title></head>
<body><div id="app"></div><script src="/assets/app.js" defer></script></body>
</html>
`

func serveShell(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, appShell)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	TokenType string `json:"tokenType"`
	ExpiresIn int    `json:"expiresIn"`
}

type sessionResponse struct {
	Identity  *domain.Identity `json:"identity,omitempty"`
	Anonymous bool             `json:"anonymous,omitempty"`
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeAuthError(w http.ResponseWriter, err error) {
	if apiErr, ok := err.(*authclient.APIError); ok {
		writeError(w, apiErr.Status, apiErr.Message)
		return
	}
	writeError(w, http.StatusBadGateway, "auth service unavailable")
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", clientIP(r),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, msg string) bool {
	if s.loginLimiter == nil {
		return true
	}
	key := r.URL.Path + "|" + clientIP(r)
	if s.loginLimiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func clientIP(r *http.Request) string {
	if xfwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xfwd != "" {
		parts := strings.Split(xfwd, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}

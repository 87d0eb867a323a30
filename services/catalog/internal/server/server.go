package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"librarycatalog/internal/ratelimit"
	"librarycatalog/internal/util"
	"librarycatalog/pkg/domain"
	"librarycatalog/services/catalog/internal/app"
	"librarycatalog/services/catalog/internal/security"
)

const maxBodyBytes = 1 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                        *app.App
	RedisAddr                  string
	RedisPassword              string
	RegisterRateLimitPerMinute int
	LoginRateLimitPerMinute    int
	TrustedProxies             []string
	Alerter                    *security.AuditAlerter
}

// Server exposes HTTP endpoints for the catalog service.
type Server struct {
	app             *app.App
	mux             *http.ServeMux
	trustedProxies  *util.TrustedProxies
	registerLimiter *ratelimit.FixedWindowLimiter
	loginLimiter    *ratelimit.FixedWindowLimiter
	alerter         *security.AuditAlerter
}

// New constructs the server with routes configured. Rate limits are kept in
// Redis when RedisAddr is set and in process memory otherwise.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app is required")
	}
	registerLimit := cfg.RegisterRateLimitPerMinute
	if registerLimit <= 0 {
		registerLimit = 5
	}
	loginLimit := cfg.LoginRateLimitPerMinute
	if loginLimit <= 0 {
		loginLimit = 10
	}
	rateWindow := time.Minute
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		var (
			limiter *ratelimit.FixedWindowLimiter
			err     error
		)
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			limiter, err = ratelimit.NewMemoryFixedWindowLimiter(limit, rateWindow)
		} else {
			prefix := "catalog:ratelimit:" + name
			limiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, rateWindow)
		}
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	registerLimiter, err := newLimiter("register", registerLimit)
	if err != nil {
		return nil, err
	}
	loginLimiter, err := newLimiter("login", loginLimit)
	if err != nil {
		return nil, err
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	s := &Server{
		app:             cfg.App,
		mux:             http.NewServeMux(),
		trustedProxies:  trusted,
		registerLimiter: registerLimiter,
		loginLimiter:    loginLimiter,
		alerter:         cfg.Alerter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("catalog", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// accounts
	s.handleBoth("/register", http.HandlerFunc(s.handleRegister))
	s.handleBoth("/token", http.HandlerFunc(s.handleToken))

	// catalog (auth required)
	s.mux.Handle("/readers", s.authenticated(s.handleReaders))
	s.mux.Handle("/readers/", s.authenticated(s.handleReaderTree))
	s.handleBoth("/books", s.authenticated(s.handleBooks))
	s.handleBoth("/borrow", s.authenticated(s.handleBorrow))
	s.handleBoth("/return", s.authenticated(s.handleReturn))
}

// handleBoth registers h for path with and without a trailing slash.
func (s *Server) handleBoth(path string, h http.Handler) {
	s.mux.Handle(path, h)
	s.mux.Handle(path+"/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != path+"/" {
			http.NotFound(w, r)
			return
		}
		h.ServeHTTP(w, r)
	}))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrapper
type authHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.securityEvent(r, security.EventAuthorize, security.OutcomeFail, "reason", "missing_token")
			unauthorized(w)
			return
		}
		subject, err := s.app.Authenticate(token)
		if err != nil {
			s.securityEvent(r, security.EventAuthorize, security.OutcomeFail, "reason", "invalid_token")
			unauthorized(w)
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("user", subject))
		next(w, r.WithContext(ctx), subject)
	})
}

// account handlers
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.registerLimiter, security.EventRegister, "Too many registration attempts.") {
		return
	}
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, err := s.app.RegisterUser(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		s.securityEvent(r, security.EventRegister, security.OutcomeFail)
		writeAppError(w, r, err)
		return
	}
	s.securityEvent(r, security.EventRegister, security.OutcomeSuccess, "username", user.Username)
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, security.EventLogin, "Too many login attempts.") {
		return
	}
	var req tokenRequest
	if isJSON(r) {
		if !decodeJSON(w, r, &req) {
			return
		}
	} else {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid form body.")
			return
		}
		req.Username = r.PostForm.Get("username")
		req.Password = r.PostForm.Get("password")
	}
	token, err := s.app.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.securityEvent(r, security.EventLogin, security.OutcomeFail)
		writeAppError(w, r, err)
		return
	}
	s.securityEvent(r, security.EventLogin, security.OutcomeSuccess)
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer"})
}

// catalog handlers
func (s *Server) handleReaders(w http.ResponseWriter, r *http.Request, _ string) {
	switch r.Method {
	case http.MethodGet:
		readers, err := s.app.ListReaders(r.Context())
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, readers)
	case http.MethodPost:
		var req readerRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		reader, err := s.app.AddReader(r.Context(), req.Name, req.Email)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, reader)
	default:
		methodNotAllowed(w)
	}
}

// handleReaderTree serves /readers/ and /readers/{reader_id}/borrowed_books.
func (s *Server) handleReaderTree(w http.ResponseWriter, r *http.Request, subject string) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/readers/"), "/")
	if rest == "" {
		s.handleReaders(w, r, subject)
		return
	}
	idPart, tail, ok := strings.Cut(rest, "/")
	if !ok || tail != "borrowed_books" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	readerID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "reader_id must be an integer.")
		return
	}
	loans, err := s.app.ListActiveLoans(r.Context(), readerID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request, _ string) {
	switch r.Method {
	case http.MethodGet:
		books, err := s.app.ListBooks(r.Context())
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, books)
	case http.MethodPost:
		var req bookRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.ID == nil {
			writeError(w, http.StatusBadRequest, "id is required.")
			return
		}
		copies := 1
		if req.Copies != nil {
			copies = *req.Copies
		}
		book, err := s.app.AddBook(r.Context(), domain.Book{
			ID:     *req.ID,
			Title:  req.Title,
			Author: req.Author,
			Year:   req.Year,
			ISBN:   req.ISBN,
			Copies: copies,
		})
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, book)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request, _ string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	req, ok := loanParams(w, r)
	if !ok {
		return
	}
	if _, err := s.app.Borrow(r.Context(), req.BookID, req.ReaderID); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detailResponse{Detail: "Book borrowed successfully."})
}

func (s *Server) handleReturn(w http.ResponseWriter, r *http.Request, _ string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	req, ok := loanParams(w, r)
	if !ok {
		return
	}
	if _, err := s.app.Return(r.Context(), req.BookID, req.ReaderID); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detailResponse{Detail: "Book returned successfully."})
}

// loanParams reads book_id and reader_id from the query string, falling back
// to a JSON body.
func loanParams(w http.ResponseWriter, r *http.Request) (loanRequest, bool) {
	q := r.URL.Query()
	if q.Has("book_id") || q.Has("reader_id") {
		bookID, err1 := strconv.ParseInt(q.Get("book_id"), 10, 64)
		readerID, err2 := strconv.ParseInt(q.Get("reader_id"), 10, 64)
		if err1 != nil || err2 != nil {
			writeError(w, http.StatusBadRequest, "book_id and reader_id must be integers.")
			return loanRequest{}, false
		}
		return loanRequest{BookID: bookID, ReaderID: readerID}, true
	}
	var body struct {
		BookID   *int64 `json:"book_id"`
		ReaderID *int64 `json:"reader_id"`
	}
	if !decodeJSON(w, r, &body) {
		return loanRequest{}, false
	}
	if body.BookID == nil || body.ReaderID == nil {
		writeError(w, http.StatusBadRequest, "book_id and reader_id are required.")
		return loanRequest{}, false
	}
	return loanRequest{BookID: *body.BookID, ReaderID: *body.ReaderID}, true
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, event, msg string) bool {
	key := strings.TrimSuffix(r.URL.Path, "/") + "|" + util.ClientIP(r, s.trustedProxies)
	if limiter.Allow(r.Context(), key) {
		return true
	}
	s.securityEvent(r, event, security.OutcomeRateLimited)
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

// securityEvent logs an auth-relevant outcome and feeds the alerter.
func (s *Server) securityEvent(r *http.Request, event, outcome string, attrs ...any) {
	ip := util.ClientIP(r, s.trustedProxies)
	logger := util.LoggerFromContext(r.Context())
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", ip,
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == security.OutcomeSuccess {
		logger.Info("security_event", logAttrs...)
	} else {
		logger.Warn("security_event", logAttrs...)
	}

	result, err := s.alerter.Observe(r.Context(), event, outcome, ip)
	if err != nil {
		logger.Warn("security alert evaluation failed", "event", event, "err", err)
		return
	}
	if result.Triggered {
		logger.Error("security_alert",
			"event", event,
			"outcome", outcome,
			"ip", ip,
			"count", result.Count,
			"threshold", result.Threshold,
			"window", result.Window.String(),
		)
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, app.ErrUnauthenticated.Detail)
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type readerRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type bookRequest struct {
	ID     *int64  `json:"id"`
	Title  string  `json:"title"`
	Author string  `json:"author"`
	Year   *int    `json:"year"`
	ISBN   *string `json:"isbn"`
	Copies *int    `json:"copies"`
}

type loanRequest struct {
	BookID   int64
	ReaderID int64
}

type detailResponse struct {
	Detail string `json:"detail"`
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if len(authHeader) < 7 || !strings.EqualFold(authHeader[:7], "Bearer ") {
		slog.Debug("missing bearer prefix", "path", r.URL.Path)
		return "", false
	}
	token := strings.TrimSpace(authHeader[7:])
	if token == "" {
		slog.Debug("empty bearer token", "path", r.URL.Path)
		return "", false
	}
	return token, true
}

func isJSON(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/json"
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body.")
		return false
	}
	return true
}

// writeAppError maps app errors to status codes. Anything that is not an
// *app.Error is logged and reported as a bare 500.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *app.Error
	if !errors.As(err, &appErr) {
		util.LoggerFromContext(r.Context()).Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	switch {
	case errors.Is(appErr, app.ErrUnauthenticated):
		unauthorized(w)
	default:
		writeError(w, http.StatusBadRequest, appErr.Detail)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"securereader/internal/ratelimit"
	"securereader/internal/servicetoken"
	"securereader/internal/usertoken"
	"securereader/internal/util"
	"securereader/pkg/domain"
	"securereader/services/broker/internal/app"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	Store         userResolver
	TokenVerifier *usertoken.Verifier

	InternalJWTVerifyPublicKeys map[string]string

	RedisAddr               string
	RedisPassword           string
	GrantRateLimitPerMinute int
	TrustedProxies          *util.TrustedProxies
}

type userResolver interface {
	GetUserByID(id string) (domain.User, bool, error)
}

// Server exposes the broker's HTTP endpoints.
type Server struct {
	app            *app.App
	users          userResolver
	tokenVerifier  *usertoken.Verifier
	internalVerify *servicetoken.Verifier
	grantLimiter   *ratelimit.FixedWindowLimiter
	proxies        *util.TrustedProxies
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	s := &Server{
		app:           cfg.App,
		users:         cfg.Store,
		tokenVerifier: cfg.TokenVerifier,
		proxies:       cfg.TrustedProxies,
		mux:           http.NewServeMux(),
	}
	if len(cfg.InternalJWTVerifyPublicKeys) > 0 {
		verifier, err := servicetoken.NewVerifier(servicetoken.Options{
			PublicKeys:     cfg.InternalJWTVerifyPublicKeys,
			Audience:       "broker",
			AllowedIssuers: []string{"publisher-pipeline"},
			Leeway:         servicetoken.DefaultLeeway,
		})
		if err != nil {
			return nil, err
		}
		s.internalVerify = verifier
	}
	if cfg.GrantRateLimitPerMinute > 0 {
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(
			cfg.RedisAddr, cfg.RedisPassword, "securereader:grants",
			cfg.GrantRateLimitPerMinute, time.Minute)
		if err != nil {
			return nil, err
		}
		s.grantLimiter = limiter
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("broker", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/api/grants", s.withUser(s.handleGrants))
	s.mux.Handle("/api/contents/", s.withUser(s.handleContentByID))
	s.mux.Handle("/api/devices/claim", s.withUser(s.handleDeviceClaim))
	s.mux.Handle("/internal/contents/", s.withInternal(s.handleInternalContent))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tokenVerifier == nil || s.users == nil {
			writeError(w, http.StatusInternalServerError, "auth not configured")
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		subject, err := s.tokenVerifier.VerifySubject(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, found, err := s.users.GetUserByID(subject)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !found || user.Status == domain.StatusDisabled {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) withInternal(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.internalVerify == nil {
			writeError(w, http.StatusInternalServerError, "internal auth not configured")
			return
		}
		token, ok := servicetoken.BearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if _, err := s.internalVerify.Verify(token); err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	})
}

type grantRequest struct {
	ContentID    string `json:"content_id"`
	SegmentIndex *int   `json:"segment_index,omitempty"`
	DeviceID     string `json:"device_id"`
}

// POST /api/grants
func (s *Server) handleGrants(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.grantLimiter != nil && !s.grantLimiter.Allow("user:"+user.ID) {
		writeError(w, http.StatusTooManyRequests, "too many grant requests")
		return
	}
	var req grantRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.ContentID) == "" {
		writeError(w, http.StatusBadRequest, "content_id required")
		return
	}
	grant, err := s.app.RequestGrant(r.Context(), user, req.ContentID, req.SegmentIndex, strings.TrimSpace(req.DeviceID))
	if err != nil {
		s.writeGrantError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

// /api/contents/{id}/segments or /api/contents/{id}/progress
func (s *Server) handleContentByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	path := strings.TrimPrefix(r.URL.Path, "/api/contents/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		notFound(w, "not found")
		return
	}
	id := parts[0]
	switch parts[1] {
	case "segments":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleSegments(w, user, id)
	case "progress":
		switch r.Method {
		case http.MethodGet:
			s.handleGetProgress(w, user, id)
		case http.MethodPut:
			s.handlePutProgress(w, r, user, id)
		default:
			methodNotAllowed(w)
		}
	default:
		notFound(w, "not found")
	}
}

func (s *Server) handleSegments(w http.ResponseWriter, user domain.User, contentID string) {
	content, segments, err := s.app.SegmentDirectory(user, contentID)
	if err != nil {
		s.writeGrantError(w, err)
		return
	}
	items := make([]map[string]any, 0, len(segments))
	for _, seg := range segments {
		items = append(items, map[string]any{
			"segment_index": seg.Index,
			"start_page":    seg.StartPage,
			"end_page":      seg.EndPage,
			"file_path":     seg.FilePath,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"content_id":  content.ID,
		"total_pages": content.TotalPages,
		"segments":    items,
	})
}

func (s *Server) handleGetProgress(w http.ResponseWriter, user domain.User, contentID string) {
	progress, err := s.app.GetProgress(user, contentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

type progressRequest struct {
	CurrentPage int `json:"current_page"`
	TotalPages  int `json:"total_pages"`
}

func (s *Server) handlePutProgress(w http.ResponseWriter, r *http.Request, user domain.User, contentID string) {
	var req progressRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	progress, err := s.app.SaveProgress(user, contentID, req.CurrentPage, req.TotalPages)
	if err != nil {
		if errors.Is(err, app.ErrInvalidPage) {
			writeError(w, http.StatusBadRequest, "invalid page")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

type claimRequest struct {
	DeviceID string            `json:"device_id"`
	Info     domain.DeviceInfo `json:"device_info"`
	Takeover bool              `json:"takeover"`
}

// POST /api/devices/claim
func (s *Server) handleDeviceClaim(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.grantLimiter != nil && !s.grantLimiter.Allow("claim:"+util.ClientIP(r, s.proxies)) {
		writeError(w, http.StatusTooManyRequests, "too many claim requests")
		return
	}
	var req claimRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	current, conflict, err := s.app.ClaimDevice(r.Context(), user, strings.TrimSpace(req.DeviceID), req.Info, req.Takeover)
	if err != nil {
		if errors.Is(err, app.ErrDeviceIDRequired) {
			writeError(w, http.StatusBadRequest, "device id required")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if conflict {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":          "another device is active",
			"code":           "DEVICE_CONFLICT",
			"active_device":  current,
			"takeover_field": "takeover",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "claimed"})
}

type registerContentRequest struct {
	Title      string `json:"title"`
	TotalPages int    `json:"total_pages"`
	Active     bool   `json:"active"`
	PriceCents int64  `json:"price_cents"`
	Currency   string `json:"currency"`
	StorageKey string `json:"storage_key"`
	Segments   []struct {
		SegmentIndex int    `json:"segment_index"`
		StartPage    int    `json:"start_page"`
		EndPage      int    `json:"end_page"`
		FilePath     string `json:"file_path"`
	} `json:"segments"`
}

// PUT /internal/contents/{id}
func (s *Server) handleInternalContent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/internal/contents/")
	if id == "" || strings.Contains(id, "/") {
		notFound(w, "not found")
		return
	}
	var req registerContentRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	content := domain.ContentItem{
		ID:         id,
		Title:      req.Title,
		TotalPages: req.TotalPages,
		Active:     req.Active,
		PriceCents: req.PriceCents,
		Currency:   req.Currency,
		StorageKey: req.StorageKey,
	}
	segments := make([]domain.Segment, 0, len(req.Segments))
	for _, seg := range req.Segments {
		segments = append(segments, domain.Segment{
			ContentID: id,
			Index:     seg.SegmentIndex,
			StartPage: seg.StartPage,
			EndPage:   seg.EndPage,
			FilePath:  seg.FilePath,
		})
	}
	if err := s.app.RegisterContent(r.Context(), content, segments); err != nil {
		if errors.Is(err, app.ErrDirectoryCorrupt) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered"})
}

func (s *Server) writeGrantError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrDeviceIDRequired):
		writeError(w, http.StatusBadRequest, "device id required")
	case errors.Is(err, domain.ErrDeviceMismatch):
		writeError(w, http.StatusForbidden, "device mismatch")
	case errors.Is(err, domain.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, domain.ErrNotFound):
		notFound(w, "content not found")
	case errors.Is(err, app.ErrDirectoryCorrupt):
		writeError(w, http.StatusConflict, "segment directory corrupt")
	case errors.Is(err, domain.ErrTransient):
		writeError(w, http.StatusBadGateway, "storage unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeForBroker(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCodeForBroker(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "auth not configured", message == "internal auth not configured":
		return "SYSTEM_INTERNAL_ERROR"
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "device mismatch":
		return "DEVICE_MISMATCH"
	case message == "device id required":
		return "DEVICE_ID_REQUIRED"
	case message == "forbidden":
		return "GRANT_FORBIDDEN"
	case message == "content not found":
		return "CONTENT_NOT_FOUND"
	case message == "segment directory corrupt", strings.Contains(message, "segment directory corrupt"):
		return "DIRECTORY_INVALID"
	case message == "storage unavailable":
		return "GRANT_MINT_FAILED"
	case message == "too many grant requests", message == "too many claim requests":
		return "RATE_LIMITED"
	case message == "invalid page":
		return "PROGRESS_INVALID_PAGE"
	case message == "invalid json body":
		return "REQUEST_INVALID_BODY"
	case message == "content_id required":
		return "REQUEST_INVALID_BODY"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case message == "not found":
		return "SYSTEM_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "REQUEST_INVALID_BODY"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusForbidden:
		return "GRANT_FORBIDDEN"
	case http.StatusNotFound:
		return "CONTENT_NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
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

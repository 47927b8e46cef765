// Package api provides the HTTP API and middleware for the messaging server.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/resonat-chat/resonat/internal/auth"
	"github.com/resonat-chat/resonat/internal/config"
	"github.com/resonat-chat/resonat/internal/relay"
	"github.com/resonat-chat/resonat/internal/store"
	"github.com/resonat-chat/resonat/internal/totp"
	"github.com/resonat-chat/resonat/pkg/protocol"
)

// Server is the HTTP API server.
type Server struct {
	store        store.Store
	auth         *auth.Service
	relay        *relay.Relay
	totp         *totp.Provisioner
	logger       *slog.Logger
	mux          *chi.Mux
	startTime    time.Time
	maxBodyBytes int64
	uploadDir    string
	maxFileBytes int64
	loginLimit   *throttle
	apiLimit     *throttle
}

// NewServer creates a new API server.
func NewServer(s store.Store, a *auth.Service, rl *relay.Relay, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:        s,
		auth:         a,
		relay:        rl,
		totp:         totp.NewProvisioner(cfg.Auth.TOTPIssuer),
		logger:       logger.With("component", "api"),
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
		uploadDir:    cfg.Upload.Dir,
		maxFileBytes: cfg.Upload.MaxFileBytes,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Account routes (unauthenticated; login is IP rate limited)
	srv.loginLimit = newThrottle(5, 10)
	mux.Post("/api/auth/register", srv.handleRegister)
	mux.With(throttleLoginsByIP(srv.loginLimit)).Post("/api/auth/login", srv.handleLogin)

	// WebSocket route (auth handled inside, after the upgrade)
	mux.Get("/ws/dialogs/{dialogID}", func(w http.ResponseWriter, r *http.Request) {
		rl.HandleDialogWS(w, r, chi.URLParam(r, "dialogID"))
	})

	// Authenticated API routes
	srv.apiLimit = newThrottle(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(throttleByUser(srv.apiLimit))

		r.Get("/api/users/me", srv.handleGetMe)
		r.Get("/api/users/search", srv.handleSearchUsers)
		r.Put("/api/users/me/public-key", srv.handleSetPublicKey)
		r.Get("/api/users/{userID}/public-key", srv.handleGetPublicKey)
		r.Post("/api/users/me/totp", srv.handleProvisionTOTP)

		r.Post("/api/dialogs", srv.handleCreateDialog)
		r.Get("/api/dialogs", srv.handleListDialogs)
		r.Get("/api/dialogs/{dialogID}/messages", srv.handleGetMessages)
		r.Post("/api/messages", srv.handleSendMessage)

		r.Post("/api/files/upload", srv.handleUploadFile)
		r.Get("/api/files/{fileID}/download", srv.handleDownloadFile)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts the rate limiter sweepers.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginLimit != nil {
		s.loginLimit.runSweeper(ctx, 5*time.Minute, 10*time.Minute)
	}
	if s.apiLimit != nil {
		s.apiLimit.runSweeper(ctx, 5*time.Minute, 10*time.Minute)
	}
}

// --- Account handlers ---

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Email     string `json:"email"`
		Username  string `json:"username"`
		Password  string `json:"password"`
		PublicKey string `json:"public_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !strings.Contains(req.Email, "@") || len(req.Email) > 254 {
		writeError(w, http.StatusBadRequest, "invalid email address")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}
	if len(req.Password) < 8 || len(req.Password) > 128 {
		writeError(w, http.StatusBadRequest, "password must be 8-128 characters")
		return
	}

	user, err := s.auth.Register(r.Context(), req.Email, req.Username, req.Password, req.PublicKey)
	if err != nil {
		if err == auth.ErrUserExists {
			writeError(w, http.StatusConflict, "email already registered")
			return
		}
		s.logger.Warn("register failed", "error", err)
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		TOTPCode string `json:"totp_code,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := s.auth.Login(r.Context(), req.Email, req.Password, req.TOTPCode)
	if err != nil {
		s.logger.Info("login failed", "email", req.Email)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token, "token_type": "bearer"})
}

// --- User handlers ---

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	user, err := s.store.GetUserByID(r.Context(), identity.UserID)
	if err != nil || user == nil {
		writeError(w, http.StatusInternalServerError, "failed to load account")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleSearchUsers(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if len(q) < 2 {
		writeError(w, http.StatusBadRequest, "query must be at least 2 characters")
		return
	}

	users, err := s.store.SearchUsers(r.Context(), q, identity.UserID, 20)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	if users == nil {
		users = []store.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleSetPublicKey(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		PublicKey string `json:"public_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PublicKey == "" {
		writeError(w, http.StatusBadRequest, "public_key is required")
		return
	}

	if err := s.store.SetPublicKey(r.Context(), identity.UserID, req.PublicKey); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store public key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleGetPublicKey(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	user, err := s.store.GetUserByID(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"user_id":    user.ID,
		"public_key": user.PublicKey,
	})
}

func (s *Server) handleProvisionTOTP(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	secret, uri, err := s.totp.Generate(identity.Email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate secret")
		return
	}
	if err := s.store.SetTOTPSecret(r.Context(), identity.UserID, secret); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store secret")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"secret":           secret,
		"provisioning_uri": uri,
	})
}

// --- Dialog handlers ---

type dialogResponse struct {
	ID        string      `json:"id"`
	CreatedAt time.Time   `json:"created_at"`
	Peer      *store.User `json:"peer,omitempty"`
}

func (s *Server) handleCreateDialog(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		PeerID string `json:"peer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PeerID == "" || req.PeerID == identity.UserID {
		writeError(w, http.StatusBadRequest, "peer_id must name another user")
		return
	}

	peer, err := s.store.GetUserByID(r.Context(), req.PeerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "peer lookup failed")
		return
	}
	if peer == nil {
		writeError(w, http.StatusNotFound, "peer not found")
		return
	}

	// A pair shares at most one dialog; return the existing one if present.
	existing, err := s.store.ListDialogsByUser(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "dialog lookup failed")
		return
	}
	for _, d := range existing {
		ok, err := s.store.IsParticipant(r.Context(), d.ID, req.PeerID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "dialog lookup failed")
			return
		}
		if ok {
			writeJSON(w, http.StatusOK, dialogResponse{ID: d.ID, CreatedAt: d.CreatedAt, Peer: peer})
			return
		}
	}

	dialog := &store.Dialog{ID: uuid.New().String(), CreatedAt: time.Now()}
	if err := s.store.CreateDialog(r.Context(), dialog, []string{identity.UserID, req.PeerID}); err != nil {
		s.logger.Warn("create dialog failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create dialog")
		return
	}

	writeJSON(w, http.StatusCreated, dialogResponse{ID: dialog.ID, CreatedAt: dialog.CreatedAt, Peer: peer})
}

func (s *Server) handleListDialogs(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	dialogs, err := s.store.ListDialogsByUser(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list dialogs")
		return
	}

	result := make([]dialogResponse, 0, len(dialogs))
	for _, d := range dialogs {
		peer, err := s.store.GetOtherParticipant(r.Context(), d.ID, identity.UserID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to resolve dialog peer")
			return
		}
		result = append(result, dialogResponse{ID: d.ID, CreatedAt: d.CreatedAt, Peer: peer})
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	dialogID := chi.URLParam(r, "dialogID")
	identity := getIdentityFromContext(r.Context())

	if !s.requireParticipant(w, r, dialogID, identity.UserID) {
		return
	}

	messages, err := s.store.ListMessagesByDialog(r.Context(), dialogID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}

	envelopes := make([]*protocol.Envelope, 0, len(messages))
	for i := range messages {
		envelopes = append(envelopes, relay.EnvelopeFor(&messages[i], messages[i].File))
	}
	writeJSON(w, http.StatusOK, envelopes)
}

// --- Message handlers ---

// handleSendMessage is the REST counterpart of a live relay frame: same
// validation, same persistence, same fan-out to attached peers.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		DialogID   string `json:"dialog_id"`
		Ciphertext string `json:"ciphertext"`
		Nonce      string `json:"nonce"`
		HasLinks   bool   `json:"has_links"`
		HasFiles   bool   `json:"has_files"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Ciphertext == "" || req.Nonce == "" {
		writeError(w, http.StatusBadRequest, "ciphertext and nonce are required")
		return
	}

	if !s.requireParticipant(w, r, req.DialogID, identity.UserID) {
		return
	}

	msg := &store.Message{
		ID:         uuid.New().String(),
		DialogID:   req.DialogID,
		SenderID:   identity.UserID,
		Ciphertext: req.Ciphertext,
		Nonce:      req.Nonce,
		HasLinks:   req.HasLinks,
		HasFiles:   req.HasFiles,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateMessage(r.Context(), msg); err != nil {
		s.logger.Warn("persist message failed", "dialog_id", req.DialogID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to persist message")
		return
	}

	env := relay.EnvelopeFor(msg, nil)
	s.relay.Broadcast(req.DialogID, env)

	writeJSON(w, http.StatusCreated, env)
}

// requireParticipant writes an error response and returns false unless the
// dialog exists and the user belongs to it. A non-participant gets the same
// 404 as a missing dialog so dialog IDs cannot be probed.
func (s *Server) requireParticipant(w http.ResponseWriter, r *http.Request, dialogID, userID string) bool {
	dialog, err := s.store.GetDialog(r.Context(), dialogID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "dialog lookup failed")
		return false
	}
	if dialog == nil {
		writeError(w, http.StatusNotFound, "dialog not found")
		return false
	}
	ok, err := s.store.IsParticipant(r.Context(), dialogID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "dialog lookup failed")
		return false
	}
	if !ok {
		writeError(w, http.StatusNotFound, "dialog not found")
		return false
	}
	return true
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

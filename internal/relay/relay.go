// Package relay maintains live WebSocket sessions on dialogs and fans
// accepted messages out to every attached participant.
package relay

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/resonat-chat/resonat/internal/auth"
	"github.com/resonat-chat/resonat/internal/config"
	"github.com/resonat-chat/resonat/internal/store"
	"github.com/resonat-chat/resonat/pkg/protocol"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Relay owns the dialog registry and the per-connection session lifecycle.
type Relay struct {
	store    store.Store
	auth     *auth.Service
	registry *Registry
	ingestor *Ingestor
	logger   *slog.Logger
	upgrader websocket.Upgrader

	maxFrameBytes   int64
	writeTimeout    time.Duration
	maxConnsPerUser int
}

// New creates a Relay.
func New(s store.Store, a *auth.Service, logger *slog.Logger, cfg config.RelayConfig, allowedOrigins []string) *Relay {
	maxFrame := cfg.MaxFrameBytes
	if maxFrame == 0 {
		maxFrame = 64 * 1024
	}
	writeTimeout := cfg.WriteTimeout.Duration
	if writeTimeout == 0 {
		writeTimeout = 5 * time.Second
	}
	maxConns := cfg.MaxConnsPerUser
	if maxConns == 0 {
		maxConns = 10
	}

	return &Relay{
		store:           s,
		auth:            a,
		registry:        NewRegistry(logger, writeTimeout),
		ingestor:        NewIngestor(s),
		logger:          logger.With("component", "relay"),
		upgrader:        makeUpgrader(allowedOrigins),
		maxFrameBytes:   maxFrame,
		writeTimeout:    writeTimeout,
		maxConnsPerUser: maxConns,
	}
}

// Registry exposes the connection registry for external-event broadcasts.
func (r *Relay) Registry() *Registry {
	return r.registry
}

// Broadcast fans an envelope out to every peer attached to the dialog. Used
// by the REST surface when an upload or other out-of-band event produces a
// message.
func (r *Relay) Broadcast(dialogID string, env *protocol.Envelope) {
	r.registry.Broadcast(dialogID, env)
}

// HandleDialogWS handles a WebSocket session on a single dialog. The
// bearer token comes from the token query parameter or the Authorization
// header; browsers cannot set custom headers during the handshake, so the
// query form is the common path. Authentication and authorization happen
// after the upgrade so rejections arrive as policy-violation close frames
// rather than opaque handshake failures.
func (r *Relay) HandleDialogWS(w http.ResponseWriter, req *http.Request, dialogID string) {
	tokenStr := req.URL.Query().Get("token")
	if tokenStr == "" {
		tokenStr = req.Header.Get("Authorization")
		if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
			tokenStr = tokenStr[7:]
		}
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "dialog_id", dialogID, "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	identity, err := r.auth.VerifyToken(req.Context(), tokenStr)
	if err != nil {
		r.reject(conn, "invalid token")
		return
	}

	dialog, err := r.store.GetDialog(req.Context(), dialogID)
	if err != nil {
		r.logger.Warn("dialog lookup failed", "dialog_id", dialogID, "error", err)
		r.reject(conn, "dialog unavailable")
		return
	}
	if dialog == nil {
		r.reject(conn, "dialog not found")
		return
	}

	ok, err := r.store.IsParticipant(req.Context(), dialogID, identity.UserID)
	if err != nil {
		r.logger.Warn("participant check failed", "dialog_id", dialogID, "error", err)
		r.reject(conn, "dialog unavailable")
		return
	}
	if !ok {
		r.reject(conn, "not a participant")
		return
	}

	if r.registry.ConnsForUser(identity.UserID) >= r.maxConnsPerUser {
		r.logger.Warn("too many connections for user", "user", identity.Username, "limit", r.maxConnsPerUser)
		r.reject(conn, "too many connections")
		return
	}

	peer := NewPeer(uuid.New().String(), identity.UserID, dialogID, conn)
	r.registry.Attach(peer)
	defer r.registry.Detach(peer)

	conn.SetReadLimit(r.maxFrameBytes)
	stopKeepalive := startKeepalive(conn, &peer.mu)
	defer stopKeepalive()

	r.logger.Info("peer attached", "dialog_id", dialogID, "user", identity.Username, "peer_id", peer.ID)
	defer r.logger.Info("peer detached", "dialog_id", dialogID, "user", identity.Username, "peer_id", peer.ID)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			r.logger.Debug("peer read error", "peer_id", peer.ID, "error", err)
			return
		}

		frame, err := protocol.ParseFrame(data)
		if err != nil {
			r.logger.Debug("unparseable frame", "peer_id", peer.ID, "error", err)
			continue
		}
		if frame == nil {
			// Structurally valid but incomplete; dropped without a reply
			// so probes learn nothing about the dialog.
			continue
		}

		env, err := r.ingestor.Ingest(context.Background(), dialogID, identity.UserID, frame)
		if err != nil {
			r.logger.Warn("ingest failed", "dialog_id", dialogID, "error", err)
			continue
		}

		r.registry.Broadcast(dialogID, env)
	}
}

// reject closes the connection with a bare policy-violation frame. Every
// pre-attach failure sends the same payload so a caller cannot tell which
// precondition failed; the reason stays in the server log.
func (r *Relay) reject(conn *websocket.Conn, reason string) {
	r.logger.Debug("session rejected", "reason", reason)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ""),
		time.Now().Add(r.writeTimeout))
}

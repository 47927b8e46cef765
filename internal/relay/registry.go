package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/resonat-chat/resonat/pkg/protocol"
)

// wsConn is the subset of *websocket.Conn a Peer writes to. Tests substitute
// a fake; production code always passes a real connection.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Peer is one attached WebSocket connection of a dialog participant. All
// writes to the underlying connection go through the peer's mutex.
type Peer struct {
	ID       string
	UserID   string
	DialogID string

	conn wsConn
	mu   sync.Mutex
}

// NewPeer wraps a connection for registry attachment.
func NewPeer(id, userID, dialogID string, conn wsConn) *Peer {
	return &Peer{ID: id, UserID: userID, DialogID: dialogID, conn: conn}
}

func (p *Peer) write(data []byte, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if timeout > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the underlying connection.
func (p *Peer) Close() error {
	return p.conn.Close()
}

// Registry tracks which peers are attached to which dialog. A dialog with no
// attached peers has no entry; delivery to it is a no-op.
type Registry struct {
	logger *slog.Logger

	writeTimeout time.Duration

	mu      sync.RWMutex
	dialogs map[string]map[*Peer]bool
	byUser  map[string]int
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger, writeTimeout time.Duration) *Registry {
	return &Registry{
		logger:       logger.With("component", "registry"),
		writeTimeout: writeTimeout,
		dialogs:      make(map[string]map[*Peer]bool),
		byUser:       make(map[string]int),
	}
}

// Attach registers a peer under its dialog. Attaching the same peer twice is
// a no-op.
func (r *Registry) Attach(p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.dialogs[p.DialogID]
	if !ok {
		set = make(map[*Peer]bool)
		r.dialogs[p.DialogID] = set
	}
	if set[p] {
		return
	}
	set[p] = true
	r.byUser[p.UserID]++
}

// Detach removes a peer from its dialog and prunes the dialog entry when it
// empties. Detaching an unknown peer is a no-op.
func (r *Registry) Detach(p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.dialogs[p.DialogID]
	if !ok || !set[p] {
		return
	}
	delete(set, p)
	if len(set) == 0 {
		delete(r.dialogs, p.DialogID)
	}
	r.byUser[p.UserID]--
	if r.byUser[p.UserID] <= 0 {
		delete(r.byUser, p.UserID)
	}
}

// ConnsForUser reports how many connections a user currently has attached
// across all dialogs.
func (r *Registry) ConnsForUser(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byUser[userID]
}

// PeerCount reports how many peers are attached to a dialog.
func (r *Registry) PeerCount(dialogID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.dialogs[dialogID])
}

// Broadcast delivers an envelope to every peer attached to the dialog,
// including the sender's own connections. Peers whose write fails are
// detached and closed; the rest still receive the envelope.
func (r *Registry) Broadcast(dialogID string, env *protocol.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		r.logger.Warn("marshal envelope failed", "dialog_id", dialogID, "error", err)
		return
	}

	// Snapshot under the read lock; write outside it so one slow peer
	// cannot stall attach/detach.
	r.mu.RLock()
	set := r.dialogs[dialogID]
	peers := make([]*Peer, 0, len(set))
	for p := range set {
		peers = append(peers, p)
	}
	r.mu.RUnlock()

	for _, p := range peers {
		if err := p.write(data, r.writeTimeout); err != nil {
			r.logger.Debug("peer write failed, detaching", "dialog_id", dialogID, "user_id", p.UserID, "error", err)
			r.Detach(p)
			_ = p.Close()
		}
	}
}

package relay

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/resonat-chat/resonat/pkg/protocol"
)

// fakeConn collects written frames and can be told to fail writes.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	failed bool
	closed bool
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed {
		return errors.New("broken pipe")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.frames = append(f.frames, cp)
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeConn) lastFrame() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return nil
	}
	return f.frames[len(f.frames)-1]
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newTestRegistry() *Registry {
	return NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)), time.Second)
}

func testEnvelope(dialogID string) *protocol.Envelope {
	return &protocol.Envelope{
		ID:         "msg-1",
		DialogID:   dialogID,
		SenderID:   "user-a",
		Ciphertext: "ct",
		Nonce:      "n",
		CreatedAt:  time.Now(),
	}
}

func TestAttachDetach(t *testing.T) {
	r := newTestRegistry()

	p1 := NewPeer("c1", "user-a", "d1", &fakeConn{})
	p2 := NewPeer("c2", "user-b", "d1", &fakeConn{})

	r.Attach(p1)
	r.Attach(p2)
	if got := r.PeerCount("d1"); got != 2 {
		t.Fatalf("PeerCount: got %d, want 2", got)
	}
	if got := r.ConnsForUser("user-a"); got != 1 {
		t.Fatalf("ConnsForUser: got %d, want 1", got)
	}

	// Double attach is a no-op.
	r.Attach(p1)
	if got := r.PeerCount("d1"); got != 2 {
		t.Fatalf("PeerCount after double attach: got %d, want 2", got)
	}
	if got := r.ConnsForUser("user-a"); got != 1 {
		t.Fatalf("ConnsForUser after double attach: got %d, want 1", got)
	}

	r.Detach(p1)
	if got := r.PeerCount("d1"); got != 1 {
		t.Fatalf("PeerCount after detach: got %d, want 1", got)
	}
	if got := r.ConnsForUser("user-a"); got != 0 {
		t.Fatalf("ConnsForUser after detach: got %d, want 0", got)
	}

	// Double detach is a no-op.
	r.Detach(p1)
	if got := r.PeerCount("d1"); got != 1 {
		t.Fatalf("PeerCount after double detach: got %d, want 1", got)
	}

	// Last peer out prunes the dialog entry.
	r.Detach(p2)
	r.mu.RLock()
	_, exists := r.dialogs["d1"]
	r.mu.RUnlock()
	if exists {
		t.Error("empty dialog entry not pruned")
	}
}

func TestBroadcastReachesAllPeers(t *testing.T) {
	r := newTestRegistry()

	c1, c2, c3 := &fakeConn{}, &fakeConn{}, &fakeConn{}
	r.Attach(NewPeer("c1", "user-a", "d1", c1))
	r.Attach(NewPeer("c2", "user-b", "d1", c2))
	r.Attach(NewPeer("c3", "user-c", "other", c3))

	r.Broadcast("d1", testEnvelope("d1"))

	if c1.frameCount() != 1 || c2.frameCount() != 1 {
		t.Errorf("d1 peers: got %d and %d frames, want 1 each", c1.frameCount(), c2.frameCount())
	}
	if c3.frameCount() != 0 {
		t.Errorf("peer on another dialog received %d frames", c3.frameCount())
	}

	var env protocol.Envelope
	if err := json.Unmarshal(c1.lastFrame(), &env); err != nil {
		t.Fatalf("unmarshal broadcast frame: %v", err)
	}
	if env.ID != "msg-1" || env.DialogID != "d1" || env.Ciphertext != "ct" {
		t.Errorf("unexpected envelope: %+v", env)
	}
}

func TestBroadcastToEmptyDialog(t *testing.T) {
	r := newTestRegistry()
	// Must not panic or create an entry.
	r.Broadcast("nobody-here", testEnvelope("nobody-here"))
	if got := r.PeerCount("nobody-here"); got != 0 {
		t.Errorf("PeerCount: got %d, want 0", got)
	}
}

func TestBroadcastDetachesFailedPeer(t *testing.T) {
	r := newTestRegistry()

	good := &fakeConn{}
	bad := &fakeConn{failed: true}
	r.Attach(NewPeer("c1", "user-a", "d1", good))
	r.Attach(NewPeer("c2", "user-b", "d1", bad))

	r.Broadcast("d1", testEnvelope("d1"))

	if good.frameCount() != 1 {
		t.Errorf("healthy peer: got %d frames, want 1", good.frameCount())
	}
	if !bad.isClosed() {
		t.Error("failed peer not closed")
	}
	if got := r.PeerCount("d1"); got != 1 {
		t.Errorf("PeerCount after failure: got %d, want 1", got)
	}
	if got := r.ConnsForUser("user-b"); got != 0 {
		t.Errorf("ConnsForUser for failed peer: got %d, want 0", got)
	}

	// Subsequent broadcasts only reach the healthy peer.
	r.Broadcast("d1", testEnvelope("d1"))
	if good.frameCount() != 2 {
		t.Errorf("healthy peer after second broadcast: got %d frames, want 2", good.frameCount())
	}
}

func TestConcurrentAttachBroadcast(t *testing.T) {
	r := newTestRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			p := NewPeer("c", "user", "d1", &fakeConn{})
			r.Attach(p)
			r.Detach(p)
		}()
		go func() {
			defer wg.Done()
			r.Broadcast("d1", testEnvelope("d1"))
		}()
	}
	wg.Wait()
}

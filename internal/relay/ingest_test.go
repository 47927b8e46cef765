package relay

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/resonat-chat/resonat/internal/store"
	"github.com/resonat-chat/resonat/pkg/protocol"
)

func newIngestFixture(t *testing.T) (*Ingestor, *store.SQLiteStore, string, string) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	alice := &store.User{ID: uuid.New().String(), Email: "alice@example.com", Username: "alice", PasswordHash: "h", IsActive: true, CreatedAt: time.Now()}
	bob := &store.User{ID: uuid.New().String(), Email: "bob@example.com", Username: "bob", PasswordHash: "h", IsActive: true, CreatedAt: time.Now()}
	for _, u := range []*store.User{alice, bob} {
		if err := s.CreateUser(ctx, u); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
	}
	d := &store.Dialog{ID: uuid.New().String(), CreatedAt: time.Now()}
	if err := s.CreateDialog(ctx, d, []string{alice.ID, bob.ID}); err != nil {
		t.Fatalf("CreateDialog: %v", err)
	}

	return NewIngestor(s), s, d.ID, alice.ID
}

func TestIngestPersistsBeforeEnvelope(t *testing.T) {
	ing, s, dialogID, senderID := newIngestFixture(t)
	ctx := context.Background()

	env, err := ing.Ingest(ctx, dialogID, senderID, &protocol.Frame{Ciphertext: "ct", Nonce: "n", HasLinks: true})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if env.ID == "" {
		t.Fatal("envelope has no message ID")
	}
	if env.DialogID != dialogID || env.SenderID != senderID {
		t.Errorf("envelope routing: %+v", env)
	}
	if env.Ciphertext != "ct" || env.Nonce != "n" || !env.HasLinks {
		t.Errorf("envelope content: %+v", env)
	}
	if env.HasFiles || env.File != nil {
		t.Errorf("text message should carry no file block: %+v", env)
	}
	if env.CreatedAt.IsZero() {
		t.Error("envelope missing created_at")
	}

	// The row exists under the same ID the envelope carries.
	msgs, err := s.ListMessagesByDialog(ctx, dialogID)
	if err != nil {
		t.Fatalf("ListMessagesByDialog: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 stored message, got %d", len(msgs))
	}
	if msgs[0].ID != env.ID {
		t.Errorf("stored ID %q != envelope ID %q", msgs[0].ID, env.ID)
	}
}

func TestIngestCarriesFileHint(t *testing.T) {
	ing, s, dialogID, senderID := newIngestFixture(t)
	ctx := context.Background()

	env, err := ing.Ingest(ctx, dialogID, senderID, &protocol.Frame{Ciphertext: "ct", Nonce: "n", HasFiles: true})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !env.HasFiles {
		t.Errorf("has_files hint dropped from envelope: %+v", env)
	}

	msgs, err := s.ListMessagesByDialog(ctx, dialogID)
	if err != nil {
		t.Fatalf("ListMessagesByDialog: %v", err)
	}
	if len(msgs) != 1 || !msgs[0].HasFiles {
		t.Errorf("has_files hint dropped from storage: %+v", msgs)
	}
}

func TestIngestFailsOnUnknownDialog(t *testing.T) {
	ing, _, _, senderID := newIngestFixture(t)

	_, err := ing.Ingest(context.Background(), "no-such-dialog", senderID, &protocol.Frame{Ciphertext: "ct", Nonce: "n"})
	if err == nil {
		t.Fatal("expected error for unknown dialog")
	}
}

func TestEnvelopeForFileMessage(t *testing.T) {
	f := &store.File{
		ID:           "f1",
		Path:         "uploads/f1.bin",
		OriginalName: "photo.jpg",
		MimeType:     "image/jpeg",
		Size:         42,
	}
	msg := &store.Message{
		ID:        "m1",
		DialogID:  "d1",
		SenderID:  "u1",
		FileID:    "f1",
		HasFiles:  true,
		CreatedAt: time.Now(),
	}

	env := EnvelopeFor(msg, f)
	if !env.HasFiles {
		t.Error("HasFiles not carried")
	}
	if env.File == nil {
		t.Fatal("file block missing")
	}
	if env.File.URL != "/uploads/f1.bin" {
		t.Errorf("URL: got %q, want %q", env.File.URL, "/uploads/f1.bin")
	}
	if env.File.Filename != "photo.jpg" || env.File.Size != 42 || env.File.Mime != "image/jpeg" {
		t.Errorf("file meta: %+v", env.File)
	}
}

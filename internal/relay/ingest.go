package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/resonat-chat/resonat/internal/store"
	"github.com/resonat-chat/resonat/pkg/protocol"
)

// fileMetaFor builds the envelope attachment block for a stored file.
func fileMetaFor(f *store.File) *protocol.FileMeta {
	if f == nil {
		return nil
	}
	return &protocol.FileMeta{
		ID:       f.ID,
		URL:      "/" + f.Path,
		Filename: f.OriginalName,
		Size:     f.Size,
		Mime:     f.MimeType,
	}
}

// EnvelopeFor builds the broadcast envelope for a stored message.
func EnvelopeFor(msg *store.Message, file *store.File) *protocol.Envelope {
	return &protocol.Envelope{
		ID:         msg.ID,
		DialogID:   msg.DialogID,
		SenderID:   msg.SenderID,
		Ciphertext: msg.Ciphertext,
		Nonce:      msg.Nonce,
		HasLinks:   msg.HasLinks,
		HasFiles:   msg.HasFiles,
		CreatedAt:  msg.CreatedAt,
		File:       fileMetaFor(file),
	}
}

// Ingestor turns accepted frames into stored messages. Persistence happens
// before fan-out so every broadcast envelope refers to a durable row.
type Ingestor struct {
	store store.Store
}

// NewIngestor creates an Ingestor backed by the given store.
func NewIngestor(s store.Store) *Ingestor {
	return &Ingestor{store: s}
}

// Ingest persists a frame as a message from senderID in dialogID and returns
// the envelope to broadcast.
func (i *Ingestor) Ingest(ctx context.Context, dialogID, senderID string, f *protocol.Frame) (*protocol.Envelope, error) {
	msg := &store.Message{
		ID:         uuid.New().String(),
		DialogID:   dialogID,
		SenderID:   senderID,
		Ciphertext: f.Ciphertext,
		Nonce:      f.Nonce,
		HasLinks:   f.HasLinks,
		HasFiles:   f.HasFiles,
		CreatedAt:  time.Now().UTC(),
	}
	if err := i.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}
	return EnvelopeFor(msg, nil), nil
}

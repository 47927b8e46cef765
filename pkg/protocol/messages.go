// Package protocol defines the wire format exchanged between resonat clients
// and the server over the dialog WebSocket and the REST message endpoints.
//
// All payloads are JSON-encoded. Message content is end-to-end encrypted:
// the server relays ciphertext and nonce without ever seeing plaintext.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame is one inbound client message on a dialog connection. Content is
// opaque to the server; has_links and has_files are declared by the sender
// because the plaintext is never visible here.
type Frame struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
	HasLinks   bool   `json:"has_links"`
	HasFiles   bool   `json:"has_files"`
}

// Envelope is the wire form of a message fanned out to attached peers. It is
// identical for live sends, REST sends, and external-event broadcasts such
// as uploads.
type Envelope struct {
	ID         string    `json:"id"`
	DialogID   string    `json:"dialog_id"`
	SenderID   string    `json:"sender_id"`
	Ciphertext string    `json:"ciphertext"`
	Nonce      string    `json:"nonce"`
	HasLinks   bool      `json:"has_links"`
	HasFiles   bool      `json:"has_files"`
	CreatedAt  time.Time `json:"created_at"`
	File       *FileMeta `json:"file,omitempty"`
}

// FileMeta describes an attachment inside an envelope.
type FileMeta struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Mime     string `json:"mime"`
}

// ParseFrame decodes an inbound frame. A nil frame with nil error means the
// payload was structurally valid but incomplete and must be silently
// discarded; a non-nil error means the payload was not JSON at all.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Ciphertext == "" || f.Nonce == "" {
		return nil, nil
	}
	return &f, nil
}

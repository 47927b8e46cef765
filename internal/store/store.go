// Package store defines the persistence interface for the messaging server
// and provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"time"
)

// Store is the persistence interface for the server.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	SearchUsers(ctx context.Context, query, excludeUserID string, limit int) ([]User, error)
	SetPublicKey(ctx context.Context, userID, publicKey string) error
	SetTOTPSecret(ctx context.Context, userID, secret string) error

	// Dialogs. CreateDialog inserts the dialog and one participant row per
	// user in a single transaction; participant rows are never mutated
	// afterwards.
	CreateDialog(ctx context.Context, dialog *Dialog, participantIDs []string) error
	GetDialog(ctx context.Context, id string) (*Dialog, error)
	ListDialogsByUser(ctx context.Context, userID string) ([]Dialog, error)
	GetOtherParticipant(ctx context.Context, dialogID, userID string) (*User, error)
	IsParticipant(ctx context.Context, dialogID, userID string) (bool, error)

	// Messages
	CreateMessage(ctx context.Context, msg *Message) error
	ListMessagesByDialog(ctx context.Context, dialogID string) ([]Message, error)

	// Files
	CreateFile(ctx context.Context, f *File) error
	GetFile(ctx context.Context, id string) (*File, error)
	GetMessageByFile(ctx context.Context, fileID string) (*Message, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// User is a registered account.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	PublicKey    string    `json:"public_key,omitempty"`
	TOTPSecret   string    `json:"-"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// Dialog is a pairwise conversation. Group dialogs are modeled but unused.
type Dialog struct {
	ID        string    `json:"id"`
	IsGroup   bool      `json:"is_group"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one stored message in a dialog. Content is opaque ciphertext;
// a file-only message carries empty ciphertext and nonce. Messages are
// immutable once created.
type Message struct {
	ID         string    `json:"id"`
	DialogID   string    `json:"dialog_id"`
	SenderID   string    `json:"sender_id"`
	Ciphertext string    `json:"ciphertext"`
	Nonce      string    `json:"nonce"`
	FileID     string    `json:"file_id,omitempty"`
	HasLinks   bool      `json:"has_links"`
	HasFiles   bool      `json:"has_files"`
	CreatedAt  time.Time `json:"created_at"`

	// File is populated by ListMessagesByDialog when FileID is set.
	File *File `json:"-"`
}

// File is an uploaded attachment stored on disk.
type File struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	Path         string    `json:"path"`
	OriginalName string    `json:"original_name"`
	MimeType     string    `json:"mime_type"`
	Size         int64     `json:"size"`
	IsSafe       bool      `json:"is_safe"`
	CreatedAt    time.Time `json:"created_at"`
}

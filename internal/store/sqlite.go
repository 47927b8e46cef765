package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			username TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			public_key TEXT NOT NULL DEFAULT '',
			totp_secret TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS dialogs (
			id TEXT PRIMARY KEY,
			is_group INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS dialog_participants (
			dialog_id TEXT NOT NULL REFERENCES dialogs(id),
			user_id TEXT NOT NULL REFERENCES users(id),
			PRIMARY KEY (dialog_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS files (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL REFERENCES users(id),
			path TEXT NOT NULL,
			original_name TEXT NOT NULL DEFAULT '',
			mime_type TEXT NOT NULL DEFAULT '',
			size INTEGER NOT NULL DEFAULT 0,
			is_safe INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			dialog_id TEXT NOT NULL REFERENCES dialogs(id),
			sender_id TEXT NOT NULL REFERENCES users(id),
			ciphertext TEXT NOT NULL DEFAULT '',
			nonce TEXT NOT NULL DEFAULT '',
			file_id TEXT REFERENCES files(id),
			has_links INTEGER NOT NULL DEFAULT 0,
			has_files INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_dialog_created ON messages(dialog_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_file_id ON messages(file_id)`,
		`CREATE INDEX IF NOT EXISTS idx_participants_user_id ON dialog_participants(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_users_username ON users(username)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, username, password_hash, public_key, totp_secret, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.Email, user.Username, user.PasswordHash, user.PublicKey, user.TOTPSecret, user.IsActive, user.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, username, password_hash, public_key, totp_secret, is_active, created_at
		 FROM users WHERE email = ?`, email,
	).Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.PublicKey, &u.TOTPSecret, &u.IsActive, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, username, password_hash, public_key, totp_secret, is_active, created_at
		 FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.PublicKey, &u.TOTPSecret, &u.IsActive, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *SQLiteStore) SearchUsers(ctx context.Context, query, excludeUserID string, limit int) ([]User, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, email, username, password_hash, public_key, totp_secret, is_active, created_at
		 FROM users WHERE (username LIKE ? OR email LIKE ?) AND id != ? ORDER BY username LIMIT ?`,
		"%"+query+"%", "%"+query+"%", excludeUserID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.PublicKey, &u.TOTPSecret, &u.IsActive, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *SQLiteStore) SetPublicKey(ctx context.Context, userID, publicKey string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE users SET public_key = ? WHERE id = ?", publicKey, userID,
	)
	return err
}

func (s *SQLiteStore) SetTOTPSecret(ctx context.Context, userID, secret string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE users SET totp_secret = ? WHERE id = ?", secret, userID,
	)
	return err
}

// --- Dialogs ---

func (s *SQLiteStore) CreateDialog(ctx context.Context, dialog *Dialog, participantIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO dialogs (id, is_group, created_at) VALUES (?, ?, ?)",
		dialog.ID, dialog.IsGroup, dialog.CreatedAt,
	); err != nil {
		return err
	}
	for _, uid := range participantIDs {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO dialog_participants (dialog_id, user_id) VALUES (?, ?)",
			dialog.ID, uid,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetDialog(ctx context.Context, id string) (*Dialog, error) {
	var d Dialog
	err := s.db.QueryRowContext(ctx,
		"SELECT id, is_group, created_at FROM dialogs WHERE id = ?", id,
	).Scan(&d.ID, &d.IsGroup, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &d, err
}

func (s *SQLiteStore) ListDialogsByUser(ctx context.Context, userID string) ([]Dialog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.id, d.is_group, d.created_at
		 FROM dialogs d JOIN dialog_participants p ON d.id = p.dialog_id
		 WHERE p.user_id = ? ORDER BY d.created_at DESC`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dialogs []Dialog
	for rows.Next() {
		var d Dialog
		if err := rows.Scan(&d.ID, &d.IsGroup, &d.CreatedAt); err != nil {
			return nil, err
		}
		dialogs = append(dialogs, d)
	}
	return dialogs, rows.Err()
}

func (s *SQLiteStore) GetOtherParticipant(ctx context.Context, dialogID, userID string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT u.id, u.email, u.username, u.password_hash, u.public_key, u.totp_secret, u.is_active, u.created_at
		 FROM users u JOIN dialog_participants p ON u.id = p.user_id
		 WHERE p.dialog_id = ? AND p.user_id != ?`, dialogID, userID,
	).Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.PublicKey, &u.TOTPSecret, &u.IsActive, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *SQLiteStore) IsParticipant(ctx context.Context, dialogID, userID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM dialog_participants WHERE dialog_id = ? AND user_id = ?",
		dialogID, userID,
	).Scan(&count)
	return count > 0, err
}

// --- Messages ---

func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, dialog_id, sender_id, ciphertext, nonce, file_id, has_links, has_files, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.DialogID, msg.SenderID, msg.Ciphertext, msg.Nonce, nullableID(msg.FileID),
		msg.HasLinks, msg.HasFiles, msg.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListMessagesByDialog(ctx context.Context, dialogID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.dialog_id, m.sender_id, m.ciphertext, m.nonce, COALESCE(m.file_id, ''),
		        m.has_links, m.has_files, m.created_at,
		        COALESCE(f.path, ''), COALESCE(f.original_name, ''), COALESCE(f.mime_type, ''), COALESCE(f.size, 0)
		 FROM messages m LEFT JOIN files f ON m.file_id = f.id
		 WHERE m.dialog_id = ? ORDER BY m.created_at, m.id`, dialogID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var path, name, mime string
		var size int64
		if err := rows.Scan(&m.ID, &m.DialogID, &m.SenderID, &m.Ciphertext, &m.Nonce, &m.FileID,
			&m.HasLinks, &m.HasFiles, &m.CreatedAt, &path, &name, &mime, &size); err != nil {
			return nil, err
		}
		if m.FileID != "" {
			m.File = &File{ID: m.FileID, Path: path, OriginalName: name, MimeType: mime, Size: size}
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// --- Files ---

func (s *SQLiteStore) CreateFile(ctx context.Context, f *File) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files (id, owner_id, path, original_name, mime_type, size, is_safe, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.OwnerID, f.Path, f.OriginalName, f.MimeType, f.Size, f.IsSafe, f.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetFile(ctx context.Context, id string) (*File, error) {
	var f File
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, path, original_name, mime_type, size, is_safe, created_at
		 FROM files WHERE id = ?`, id,
	).Scan(&f.ID, &f.OwnerID, &f.Path, &f.OriginalName, &f.MimeType, &f.Size, &f.IsSafe, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &f, err
}

func (s *SQLiteStore) GetMessageByFile(ctx context.Context, fileID string) (*Message, error) {
	var m Message
	err := s.db.QueryRowContext(ctx,
		`SELECT id, dialog_id, sender_id, ciphertext, nonce, COALESCE(file_id, ''), has_links, has_files, created_at
		 FROM messages WHERE file_id = ?`, fileID,
	).Scan(&m.ID, &m.DialogID, &m.SenderID, &m.Ciphertext, &m.Nonce, &m.FileID, &m.HasLinks, &m.HasFiles, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &m, err
}

// nullableID maps an empty string to SQL NULL so foreign keys on optional
// references stay enforceable.
func nullableID(id string) any {
	if id == "" {
		return nil
	}
	return id
}

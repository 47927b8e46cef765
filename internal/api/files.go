package api

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/resonat-chat/resonat/internal/relay"
	"github.com/resonat-chat/resonat/internal/store"
)

// sanitizeFilename removes path separators and unsafe characters from a filename
// for use in Content-Disposition headers.
func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, "\\", "_")
	if name == "." || name == ".." {
		name = "download"
	}
	return name
}

// handleUploadFile handles POST /api/files/upload.
// Accepts a multipart upload bound to a dialog, stores the blob on disk,
// records a file row plus a file-only message, and announces the message to
// every peer attached to the dialog. The message carries no ciphertext; the
// attachment itself is expected to be encrypted client side.
func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	// Limit request body size.
	r.Body = http.MaxBytesReader(w, r.Body, s.maxFileBytes+1024) // small overhead for multipart headers

	if err := r.ParseMultipartForm(s.maxFileBytes); err != nil {
		writeError(w, http.StatusBadRequest, "file too large or invalid multipart form")
		return
	}

	dialogID := r.FormValue("dialog_id")
	if dialogID == "" {
		writeError(w, http.StatusBadRequest, "dialog_id field is required")
		return
	}
	if !s.requireParticipant(w, r, dialogID, identity.UserID) {
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer func() { _ = file.Close() }()

	if header.Size > s.maxFileBytes {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file exceeds maximum size of %d bytes", s.maxFileBytes))
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read file")
		return
	}

	// Determine MIME type.
	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = mime.TypeByExtension(filepath.Ext(header.Filename))
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
	}

	fileID := uuid.New().String()
	fileName := filepath.Base(header.Filename)

	// On-disk name is the file ID plus the original extension; the original
	// name only ever travels through metadata.
	diskName := fileID + filepath.Ext(fileName)
	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		s.logger.Warn("failed to create upload directory", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save file")
		return
	}
	if err := os.WriteFile(filepath.Join(s.uploadDir, diskName), data, 0o644); err != nil {
		s.logger.Warn("failed to write file", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save file")
		return
	}

	f := &store.File{
		ID:           fileID,
		OwnerID:      identity.UserID,
		Path:         "uploads/" + diskName,
		OriginalName: fileName,
		MimeType:     mimeType,
		Size:         int64(len(data)),
		IsSafe:       true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateFile(r.Context(), f); err != nil {
		s.logger.Warn("failed to persist file row", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to persist file")
		return
	}

	msg := &store.Message{
		ID:        uuid.New().String(),
		DialogID:  dialogID,
		SenderID:  identity.UserID,
		FileID:    fileID,
		HasFiles:  true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateMessage(r.Context(), msg); err != nil {
		s.logger.Warn("failed to persist file message", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to persist file message")
		return
	}

	// Announce to attached peers once everything is durable. The uploader
	// gets the exact envelope the peers see.
	env := relay.EnvelopeFor(msg, f)
	s.relay.Broadcast(dialogID, env)

	writeJSON(w, http.StatusCreated, env)
}

// handleDownloadFile handles GET /api/files/{fileID}/download.
// Only participants of the dialog the file was posted to may fetch it; a
// file that never became a message is visible to its owner alone.
func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "fileID")
	identity := getIdentityFromContext(r.Context())

	f, err := s.store.GetFile(r.Context(), fileID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if f == nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}

	msg, err := s.store.GetMessageByFile(r.Context(), fileID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if msg != nil {
		ok, err := s.store.IsParticipant(r.Context(), msg.DialogID, identity.UserID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "lookup failed")
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "file not found")
			return
		}
	} else if f.OwnerID != identity.UserID {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}

	filePath := filepath.Join(s.uploadDir, filepath.Base(f.Path))

	// Reject symlinks to prevent path traversal.
	fi, err := os.Lstat(filePath)
	if err != nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		writeError(w, http.StatusForbidden, "access denied")
		return
	}

	mimeType := f.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	safeName := sanitizeFilename(f.OriginalName)
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "default-src 'none'")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`, safeName, url.PathEscape(safeName)))
	http.ServeFile(w, r, filePath)
}

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/l0p7/tourvista/internal/catalog"
	"github.com/l0p7/tourvista/internal/chat"
	"github.com/l0p7/tourvista/internal/conversation"
	"github.com/l0p7/tourvista/internal/deletion"
	"github.com/l0p7/tourvista/internal/docstore"
)

// maxBodyBytes bounds request bodies; discoveries and postcards carry base64 images.
const maxBodyBytes = 16 << 20

var errBadBody = errors.New("api: malformed request body")

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("response encode failed", slog.Any("error", err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	h.writeJSON(w, status, map[string]string{"error": message})
}

// fail maps a domain error onto a status and a client-safe message.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, message := classify(err)
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.Log(r.Context(), level, "request failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("http_status", status),
		slog.Any("error", err),
	)
	h.writeError(w, status, message)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errBadBody),
		errors.Is(err, catalog.ErrInvalid),
		errors.Is(err, chat.ErrEmptyMessage):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, catalog.ErrNotFound),
		errors.Is(err, docstore.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, conversation.ErrNotResolved):
		return http.StatusConflict, "conversation not ready"
	case errors.Is(err, chat.ErrClosed):
		return http.StatusServiceUnavailable, "shutting down"
	case errors.Is(err, catalog.ErrRemoteFetch),
		errors.Is(err, catalog.ErrGeneration),
		errors.Is(err, deletion.ErrDeleteFailed),
		errors.Is(err, chat.ErrRemote),
		errors.Is(err, conversation.ErrConversationResolution):
		return http.StatusBadGateway, "upstream request failed"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %w", errBadBody, err)
	}
	return nil
}

package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/l0p7/tourvista/internal/catalog"
	"github.com/l0p7/tourvista/internal/chat"
	"github.com/l0p7/tourvista/internal/conversation"
	"github.com/l0p7/tourvista/internal/docstore"
)

func TestClassifyMapsErrorsToStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"empty message", chat.ErrEmptyMessage, http.StatusBadRequest},
		{"invalid input", fmt.Errorf("%w: name required", catalog.ErrInvalid), http.StatusBadRequest},
		{"missing document", fmt.Errorf("%w: users/a/discoveries/x", docstore.ErrNotFound), http.StatusNotFound},
		{"stale conversation", fmt.Errorf("%w: append turns: %w", chat.ErrRemote, docstore.ErrNotFound), http.StatusNotFound},
		{"conversation lookup", fmt.Errorf("%w: %w", conversation.ErrConversationResolution, errors.New("disk I/O error")), http.StatusBadGateway},
		{"turn append", fmt.Errorf("%w: append turns: %w", chat.ErrRemote, errors.New("database is locked")), http.StatusBadGateway},
		{"not subscribed", conversation.ErrNotResolved, http.StatusConflict},
		{"shutting down", chat.ErrClosed, http.StatusServiceUnavailable},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, _ := classify(tc.err)
			if status != tc.want {
				t.Fatalf("classify(%v) = %d, want %d", tc.err, status, tc.want)
			}
		})
	}
}

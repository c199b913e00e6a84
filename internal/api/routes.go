package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/l0p7/tourvista/internal/catalog"
)

func (h *Handler) listDiscoveries(w http.ResponseWriter, r *http.Request, owner string) {
	list, err := h.catalog.Discoveries(r.Context(), h.caches.For(owner), owner)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, list)
}

func (h *Handler) createDiscovery(w http.ResponseWriter, r *http.Request, owner string) {
	var in catalog.NewDiscovery
	if err := decodeBody(w, r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	created, err := h.catalog.SaveDiscovery(r.Context(), h.caches.For(owner), owner, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) getDiscovery(w http.ResponseWriter, r *http.Request, owner string) {
	entry, err := h.catalog.Discovery(r.Context(), h.caches.For(owner), owner, r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) deleteDiscovery(w http.ResponseWriter, r *http.Request, owner string) {
	if err := h.deletion.DeleteDiscovery(r.Context(), h.caches.For(owner), owner, r.PathValue("id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) translateDiscovery(w http.ResponseWriter, r *http.Request, owner string) {
	var in struct {
		Language string `json:"language"`
	}
	if err := decodeBody(w, r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	entry, err := h.catalog.Retranslate(r.Context(), h.caches.For(owner), owner, r.PathValue("id"), in.Language)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) timeline(w http.ResponseWriter, r *http.Request, owner string) {
	text, err := h.catalog.Timeline(r.Context(), h.caches.For(owner), owner, r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"timeline": text})
}

func (h *Handler) discoveryItineraries(w http.ResponseWriter, r *http.Request, owner string) {
	h.itineraries(w, r, owner, r.PathValue("id"))
}

func (h *Handler) listItineraries(w http.ResponseWriter, r *http.Request, owner string) {
	h.itineraries(w, r, owner, strings.TrimSpace(r.URL.Query().Get("discoveryId")))
}

func (h *Handler) itineraries(w http.ResponseWriter, r *http.Request, owner, discoveryID string) {
	list, err := h.catalog.Itineraries(r.Context(), h.caches.For(owner), owner, discoveryID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, list)
}

func (h *Handler) createItinerary(w http.ResponseWriter, r *http.Request, owner string) {
	var in catalog.NewItinerary
	if err := decodeBody(w, r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	created, err := h.catalog.SaveItinerary(r.Context(), h.caches.For(owner), owner, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) deleteItinerary(w http.ResponseWriter, r *http.Request, owner string) {
	if err := h.deletion.DeleteItinerary(r.Context(), h.caches.For(owner), owner, r.PathValue("id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) discoveryPostcards(w http.ResponseWriter, r *http.Request, owner string) {
	h.postcards(w, r, owner, r.PathValue("id"))
}

func (h *Handler) listPostcards(w http.ResponseWriter, r *http.Request, owner string) {
	h.postcards(w, r, owner, strings.TrimSpace(r.URL.Query().Get("discoveryId")))
}

func (h *Handler) postcards(w http.ResponseWriter, r *http.Request, owner, discoveryID string) {
	list, err := h.catalog.Postcards(r.Context(), h.caches.For(owner), owner, discoveryID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, list)
}

func (h *Handler) createPostcard(w http.ResponseWriter, r *http.Request, owner string) {
	var in catalog.NewPostcard
	if err := decodeBody(w, r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	created, err := h.catalog.SavePostcard(r.Context(), h.caches.For(owner), owner, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) deletePostcard(w http.ResponseWriter, r *http.Request, owner string) {
	if err := h.deletion.DeletePostcard(r.Context(), h.caches.For(owner), owner, r.PathValue("id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) nearbyPlaces(w http.ResponseWriter, r *http.Request, owner string) {
	q := r.URL.Query()
	lat, latErr := strconv.ParseFloat(q.Get("lat"), 64)
	lng, lngErr := strconv.ParseFloat(q.Get("lng"), 64)
	if latErr != nil || lngErr != nil {
		h.writeError(w, http.StatusBadRequest, "lat and lng must be numbers")
		return
	}
	places, err := h.catalog.NearbyPlaces(r.Context(), h.caches.For(owner), q.Get("name"), lat, lng)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, places)
}

func (h *Handler) narrate(w http.ResponseWriter, r *http.Request, _ string) {
	var in struct {
		Text     string `json:"text"`
		Voice    string `json:"voice"`
		Language string `json:"language"`
	}
	if err := decodeBody(w, r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	audio, err := h.catalog.Narrate(r.Context(), in.Text, in.Voice, in.Language)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"audio": audio})
}

func (h *Handler) sendChat(w http.ResponseWriter, r *http.Request, owner string) {
	var in struct {
		Message string `json:"message"`
	}
	if err := decodeBody(w, r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	discoveryID := r.PathValue("id")
	// An open stream subscribes to the session's conversation id; pin sends
	// to it so both sides agree.
	conversationID, _ := h.caches.For(owner).ConversationID(discoveryID)
	if err := h.chat.Send(r.Context(), owner, discoveryID, conversationID, in.Message); err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// signOut retires the caller's tokens; the identity listener ends the
// owner's cache session.
func (h *Handler) signOut(w http.ResponseWriter, _ *http.Request, owner string) {
	h.identity.SignOut(owner)
	w.WriteHeader(http.StatusNoContent)
}

package api

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/l0p7/tourvista/internal/catalog"
	"github.com/l0p7/tourvista/internal/conversation"
	"github.com/l0p7/tourvista/internal/deletion"
	"github.com/l0p7/tourvista/internal/entitycache"
	"github.com/l0p7/tourvista/internal/metrics"
)

// Identity authenticates requests and ends owner sessions.
type Identity interface {
	Authenticate(r *http.Request) (string, error)
	SignOut(owner string)
}

// Options carries the collaborators the /api surface dispatches to.
type Options struct {
	Identity      Identity
	Caches        *entitycache.Registry
	Catalog       *catalog.Service
	Deletion      *deletion.Coordinator
	Chat          conversation.Sender
	Conversations conversation.Remote
	Metrics       *metrics.Recorder
	Logger        *slog.Logger
}

// Handler serves every /api route. All routes require a bearer token.
type Handler struct {
	identity      Identity
	caches        *entitycache.Registry
	catalog       *catalog.Service
	deletion      *deletion.Coordinator
	chat          conversation.Sender
	conversations conversation.Remote
	metrics       *metrics.Recorder
	logger        *slog.Logger

	mux *http.ServeMux
}

func New(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		identity:      opts.Identity,
		caches:        opts.Caches,
		catalog:       opts.Catalog,
		deletion:      opts.Deletion,
		chat:          opts.Chat,
		conversations: opts.Conversations,
		metrics:       opts.Metrics,
		logger:        logger.With(slog.String("agent", "api")),
		mux:           http.NewServeMux(),
	}

	h.route("GET /api/discoveries", h.listDiscoveries)
	h.route("POST /api/discoveries", h.createDiscovery)
	h.route("GET /api/discoveries/{id}", h.getDiscovery)
	h.route("DELETE /api/discoveries/{id}", h.deleteDiscovery)
	h.route("POST /api/discoveries/{id}/translate", h.translateDiscovery)
	h.route("GET /api/discoveries/{id}/timeline", h.timeline)
	h.route("GET /api/discoveries/{id}/itineraries", h.discoveryItineraries)
	h.route("GET /api/discoveries/{id}/postcards", h.discoveryPostcards)
	h.route("POST /api/discoveries/{id}/chat", h.sendChat)
	h.route("GET /api/discoveries/{id}/chat/stream", h.streamChat)
	h.route("GET /api/itineraries", h.listItineraries)
	h.route("POST /api/itineraries", h.createItinerary)
	h.route("DELETE /api/itineraries/{id}", h.deleteItinerary)
	h.route("GET /api/postcards", h.listPostcards)
	h.route("POST /api/postcards", h.createPostcard)
	h.route("DELETE /api/postcards/{id}", h.deletePostcard)
	h.route("GET /api/nearby-places", h.nearbyPlaces)
	h.route("POST /api/narrate", h.narrate)
	h.route("POST /api/session/signout", h.signOut)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type authedHandler func(w http.ResponseWriter, r *http.Request, owner string)

// route registers pattern behind authentication and request instrumentation.
func (h *Handler) route(pattern string, fn authedHandler) {
	h.mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		owner, err := h.identity.Authenticate(r)
		if err != nil {
			h.writeError(rec, http.StatusUnauthorized, "authentication required")
		} else {
			fn(rec, r, owner)
		}

		duration := time.Since(start)
		h.metrics.ObserveHTTP(pattern, rec.status, duration)
		h.logger.Debug("request completed",
			slog.String("route", pattern),
			slog.Int("http_status", rec.status),
			slog.Float64("latency_ms", float64(duration)/float64(time.Millisecond)),
		)
	}))
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// Hijack hands the connection to the websocket upgrader. A hijacked
// connection is recorded as 101.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("api: response writer cannot hijack")
	}
	conn, rw, err := hj.Hijack()
	if err == nil && !s.wroteHeader {
		s.status = http.StatusSwitchingProtocols
		s.wroteHeader = true
	}
	return conn, rw, err
}

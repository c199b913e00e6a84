package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/l0p7/tourvista/internal/docstore"
	"github.com/l0p7/tourvista/internal/metrics"
	"github.com/l0p7/tourvista/internal/model"
)

var (
	// ErrConversationResolution reports a failed lookup-or-create or
	// subscription attempt. The reconciler stays in StateResolving and Open
	// may be retried.
	ErrConversationResolution = errors.New("conversation: resolution failed")
	// ErrNotResolved is returned by Send before a conversation is subscribed.
	ErrNotResolved = errors.New("conversation: not resolved")
)

type State int

const (
	StateIdle State = iota
	StateResolving
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateSubscribed:
		return "subscribed"
	default:
		return "unknown"
	}
}

// View is what the change handler receives for each snapshot.
type View struct {
	ConversationID string           `json:"conversationId"`
	Turns          []model.ChatTurn `json:"turns"`
	Producing      bool             `json:"producing"`
	// Degraded is set once the subscription channel failed; Reopen clears it.
	Degraded bool `json:"degraded"`
}

// IDCache remembers conversation ids per discovery.
type IDCache interface {
	ConversationID(discoveryID string) (string, bool)
	CacheConversationID(discoveryID, conversationID string)
}

// CacheFor returns the id cache of an owner.
type CacheFor func(owner string) IDCache

// Sender submits a user message; the remote side appends the turns. A
// non-empty conversationID pins the conversation the caller observes; empty
// lets the sender resolve it.
type Sender interface {
	Send(ctx context.Context, owner, discoveryID, conversationID, message string) error
}

// Reconciler keeps one live conversation subscription for the current
// (owner, discovery) pair and forwards every snapshot, in order, to the
// change handler.
//
// The handler runs on the subscription goroutine and must not call Open,
// Reopen or Close. Once Open or Close returns, the handler is never called
// again for the previous identity.
type Reconciler struct {
	remote   Remote
	caches   CacheFor
	sender   Sender
	onChange func(View)
	logger   *slog.Logger
	metrics  *metrics.Recorder

	// emitMu is held while the handler runs so teardown can wait it out.
	emitMu sync.Mutex

	mu             sync.Mutex
	gen            uint64
	state          State
	owner          string
	discoveryID    string
	conversationID string
	sub            docstore.Subscription
	last           View
}

func NewReconciler(remote Remote, caches CacheFor, sender Sender, onChange func(View), logger *slog.Logger, rec *metrics.Recorder) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if onChange == nil {
		onChange = func(View) {}
	}
	return &Reconciler{
		remote:   remote,
		caches:   caches,
		sender:   sender,
		onChange: onChange,
		logger:   logger.With(slog.String("agent", "reconciler")),
		metrics:  rec,
	}
}

// Open tears down any previous subscription and resolves the conversation
// of (owner, discoveryID). A cached id is subscribed to directly; otherwise
// the remote lookup-or-create runs first. An empty owner or discovery leaves
// the reconciler idle.
func (r *Reconciler) Open(ctx context.Context, owner, discoveryID string) error {
	gen := r.teardown(owner, discoveryID)
	if owner == "" || discoveryID == "" {
		return nil
	}

	cache := r.caches(owner)
	id, ok := cache.ConversationID(discoveryID)
	if !ok {
		resolved, err := r.remote.LookupOrCreate(ctx, owner, discoveryID)
		if err != nil {
			r.logger.Warn("conversation resolution failed",
				slog.String("owner", owner),
				slog.String("discovery_id", discoveryID),
				slog.Any("error", err),
			)
			return fmt.Errorf("%w: %w", ErrConversationResolution, err)
		}
		if !r.live(gen) {
			return nil
		}
		cache.CacheConversationID(discoveryID, resolved)
		id = resolved
	}

	sub, err := r.remote.Subscribe(ctx, owner, id, func(snap docstore.Snapshot) {
		r.deliver(gen, id, snap)
	})
	if err != nil {
		return fmt.Errorf("%w: subscribe %s: %w", ErrConversationResolution, id, err)
	}

	r.mu.Lock()
	if r.gen != gen {
		r.mu.Unlock()
		sub.Close()
		return nil
	}
	r.sub = sub
	r.state = StateSubscribed
	r.conversationID = id
	r.mu.Unlock()
	return nil
}

// Reopen subscribes afresh to the current identity, clearing Degraded.
func (r *Reconciler) Reopen(ctx context.Context) error {
	r.mu.Lock()
	owner, discoveryID := r.owner, r.discoveryID
	r.mu.Unlock()
	return r.Open(ctx, owner, discoveryID)
}

// Close tears down the subscription and returns to StateIdle.
func (r *Reconciler) Close() {
	r.teardown("", "")
}

// Send forwards message for the subscribed conversation.
func (r *Reconciler) Send(ctx context.Context, message string) error {
	r.mu.Lock()
	state, owner, discoveryID, conversationID := r.state, r.owner, r.discoveryID, r.conversationID
	r.mu.Unlock()
	if state != StateSubscribed {
		return ErrNotResolved
	}
	return r.sender.Send(ctx, owner, discoveryID, conversationID, message)
}

// State reports the lifecycle state.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Current returns the most recently delivered view.
func (r *Reconciler) Current() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyView(r.last)
}

// teardown invalidates the current generation, closes the live
// subscription and waits for an in-flight handler call to finish. It
// records the next identity and returns the new generation.
func (r *Reconciler) teardown(owner, discoveryID string) uint64 {
	r.mu.Lock()
	r.gen++
	gen := r.gen
	sub := r.sub
	r.sub = nil
	r.owner, r.discoveryID, r.conversationID = owner, discoveryID, ""
	r.last = View{}
	if owner == "" || discoveryID == "" {
		r.state = StateIdle
	} else {
		r.state = StateResolving
	}
	r.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	// Acquiring emitMu waits out a handler call that passed the generation
	// check before the increment.
	r.emitMu.Lock()
	r.emitMu.Unlock()
	return gen
}

func (r *Reconciler) live(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen == gen
}

func (r *Reconciler) deliver(gen uint64, conversationID string, snap docstore.Snapshot) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	if r.gen != gen {
		r.mu.Unlock()
		r.metrics.ObserveSnapshot(metrics.SnapshotDropped)
		return
	}

	view := View{ConversationID: conversationID}
	switch {
	case snap.Err != nil:
		r.logger.Warn("conversation subscription dropped",
			slog.String("conversation_id", conversationID),
			slog.Any("error", snap.Err),
		)
		r.metrics.ObserveSnapshot(metrics.SnapshotError)
		view = copyView(r.last)
		view.ConversationID = conversationID
		view.Degraded = true
	case !snap.Exists:
		view.Turns = []model.ChatTurn{}
		view.Degraded = r.last.Degraded
		r.metrics.ObserveSnapshot(metrics.SnapshotDelivered)
	default:
		conv, err := model.ConversationFromDocument(snap.Doc)
		if err != nil {
			r.logger.Warn("conversation snapshot undecodable",
				slog.String("conversation_id", conversationID),
				slog.Any("error", err),
			)
			r.metrics.ObserveSnapshot(metrics.SnapshotError)
			view = copyView(r.last)
			view.ConversationID = conversationID
			view.Degraded = true
			break
		}
		view.Turns = conv.History
		view.Producing = model.Producing(conv.History)
		view.Degraded = r.last.Degraded
		r.metrics.ObserveSnapshot(metrics.SnapshotDelivered)
	}
	if view.Turns == nil {
		view.Turns = []model.ChatTurn{}
	}
	r.last = view
	handler := r.onChange
	r.mu.Unlock()

	handler(copyView(view))
}

func copyView(v View) View {
	if v.Turns != nil {
		v.Turns = append([]model.ChatTurn{}, v.Turns...)
	}
	return v
}

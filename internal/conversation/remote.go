package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/l0p7/tourvista/internal/docstore"
	"github.com/l0p7/tourvista/internal/model"
)

// Remote resolves and watches conversations in the document store.
type Remote interface {
	// LookupOrCreate returns the conversation for (owner, discovery),
	// creating an empty one when none exists. Repeated calls return the
	// same id.
	LookupOrCreate(ctx context.Context, owner, discoveryID string) (string, error)
	Subscribe(ctx context.Context, owner, conversationID string, fn func(docstore.Snapshot)) (docstore.Subscription, error)
}

// Collection is the store path of an owner's conversations.
func Collection(owner string) string {
	return docstore.Path("users", owner, "conversations")
}

// DocumentPath is the store path of one conversation.
func DocumentPath(owner, conversationID string) string {
	return docstore.Path("users", owner, "conversations", conversationID)
}

const byDiscoveryFilter = `doc.discoveryId == params.discoveryId`

// StoreRemote implements Remote on a docstore.Store. Lookup-or-create is
// serialized per (owner, discovery) within the process.
type StoreRemote struct {
	store  docstore.Store
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

var _ Remote = (*StoreRemote)(nil)

func NewStoreRemote(store docstore.Store, logger *slog.Logger) *StoreRemote {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreRemote{
		store:  store,
		logger: logger.With(slog.String("agent", "conversation_remote")),
		locks:  make(map[string]*keyLock),
	}
}

func (r *StoreRemote) LookupOrCreate(ctx context.Context, owner, discoveryID string) (string, error) {
	unlock := r.lock(owner + "\x00" + discoveryID)
	defer unlock()

	docs, err := r.store.List(ctx, Collection(owner), docstore.Query{
		Filter: byDiscoveryFilter,
		Params: map[string]any{"discoveryId": discoveryID},
		Limit:  1,
	})
	if err != nil {
		return "", fmt.Errorf("conversation: lookup: %w", err)
	}
	if len(docs) > 0 {
		return docs[0].ID, nil
	}

	fields, err := model.Fields(model.Conversation{
		OwnerID:     owner,
		DiscoveryID: discoveryID,
		History:     []model.ChatTurn{},
	})
	if err != nil {
		return "", err
	}
	doc, err := r.store.Create(ctx, Collection(owner), fields)
	if err != nil {
		return "", fmt.Errorf("conversation: create: %w", err)
	}
	r.logger.Info("conversation created",
		slog.String("owner", owner),
		slog.String("discovery_id", discoveryID),
		slog.String("conversation_id", doc.ID),
	)
	return doc.ID, nil
}

func (r *StoreRemote) Subscribe(ctx context.Context, owner, conversationID string, fn func(docstore.Snapshot)) (docstore.Subscription, error) {
	return r.store.Subscribe(ctx, DocumentPath(owner, conversationID), fn)
}

func (r *StoreRemote) lock(key string) func() {
	r.mu.Lock()
	l, ok := r.locks[key]
	if !ok {
		l = &keyLock{}
		r.locks[key] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, key)
		}
		r.mu.Unlock()
	}
}

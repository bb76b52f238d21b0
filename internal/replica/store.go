package replica

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/automerge/automerge-go"

	"github.com/eternisai/enchanted-sync/internal/logger"
)

// Root container names. The canonical document is provisioned exactly once
// (by the server for a new user); clients bootstrap from a server snapshot so
// that every replica shares the same container identities. Creating the roots
// independently on two replicas would make their children race on merge.
const (
	rootChats   = "chats"
	rootOptions = "options"
)

// ChangeKind distinguishes local mutations from merged remote updates.
type ChangeKind int

const (
	ChangeLocal ChangeKind = iota
	ChangeRemote
)

// ChangeEvent is published once per committed transaction. ChatID is empty
// for document-wide changes (remote merges touch an unknown set of chats).
type ChangeEvent struct {
	ChatID string
	Kind   ChangeKind
}

type pendingKey struct {
	chatID    string
	messageID string
}

// Store owns one user's replicated document: the automerge doc, the pending
// content overlay, and the change event bus. All mutations go through Store
// methods so that each logical operation commits as a single transaction and
// publishes exactly one change event.
type Store struct {
	mu      sync.Mutex
	doc     *automerge.Doc
	pending map[pendingKey]string
	log     *logger.Logger

	trackLocal   bool
	localUpdates []byte

	subMu  sync.Mutex
	subs   map[int]chan ChangeEvent
	nextID int
}

// NewStore creates a store with a freshly provisioned document. Only the
// canonical (server) replica of a user should be created this way; client
// replicas must bootstrap with LoadStore from a server snapshot.
func NewStore(log *logger.Logger) *Store {
	s := newStore(automerge.New(), log)

	chats := automerge.NewMap()
	options := automerge.NewMap()
	if err := s.doc.RootMap().Set(rootChats, chats); err != nil {
		panic(fmt.Sprintf("provisioning root chats map: %v", err))
	}
	if err := s.doc.RootMap().Set(rootOptions, options); err != nil {
		panic(fmt.Sprintf("provisioning root options map: %v", err))
	}
	if _, err := s.doc.Commit("init"); err != nil {
		panic(fmt.Sprintf("committing init transaction: %v", err))
	}
	return s
}

// LoadStore creates a store from a serialized document snapshot.
func LoadStore(raw []byte, log *logger.Logger) (*Store, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	return newStore(doc, log), nil
}

// LoadStoreParts assembles a store from a snapshot plus a log of incremental
// updates, the shape the persistence adapter stores. A corrupt update is
// logged and skipped rather than failing the whole load. Empty parts yield a
// freshly provisioned document.
func LoadStoreParts(snapshot []byte, updates [][]byte, log *logger.Logger) (*Store, error) {
	if len(snapshot) == 0 && len(updates) == 0 {
		return NewStore(log), nil
	}

	var s *Store
	if len(snapshot) > 0 {
		loaded, err := LoadStore(snapshot, log)
		if err != nil {
			return nil, err
		}
		s = loaded
	} else {
		s = NewStore(log)
	}

	for i, update := range updates {
		if err := s.doc.LoadIncremental(update); err != nil {
			log.Warn("skipping corrupt replica update",
				slog.Int("index", i),
				slog.String("error", err.Error()))
		}
	}
	return s, nil
}

func newStore(doc *automerge.Doc, log *logger.Logger) *Store {
	return &Store{
		doc:     doc,
		pending: make(map[pendingKey]string),
		log:     log.WithComponent("replica"),
		subs:    make(map[int]chan ChangeEvent),
	}
}

// Save returns the full serialized document.
func (s *Store) Save() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Save()
}

// SaveIncremental returns the changes made since the previous Save or
// SaveIncremental call. Successive outputs are concatenable: appending one
// update to another yields a valid update.
func (s *Store) SaveIncremental() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.SaveIncremental()
}

// ApplyUpdate merges a binary incremental update into the document. Applying
// the same update twice is a no-op, per CRDT merge semantics.
func (s *Store) ApplyUpdate(update []byte) error {
	s.mu.Lock()
	err := s.doc.LoadIncremental(update)
	if err == nil && s.trackLocal {
		s.doc.SaveIncremental()
	}
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to apply update: %w", err)
	}
	s.publish(ChangeEvent{Kind: ChangeRemote})
	return nil
}

// Heads returns the current heads of the document, for logging.
func (s *Store) Heads() []automerge.ChangeHash {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Heads()
}

// NewSyncState creates a sync state for one reconciliation session against a
// peer replica.
func (s *Store) NewSyncState() *automerge.SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return automerge.NewSyncState(s.doc)
}

// ReceiveSyncMessage feeds one peer sync message into the given state,
// merging any changes it carries into the document.
func (s *Store) ReceiveSyncMessage(state *automerge.SyncState, msg []byte) error {
	s.mu.Lock()
	_, err := state.ReceiveMessage(msg)
	if err == nil && s.trackLocal {
		s.doc.SaveIncremental()
	}
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to receive sync message: %w", err)
	}
	s.publish(ChangeEvent{Kind: ChangeRemote})
	return nil
}

// GenerateSyncMessages drains the messages the given state wants to send.
// An empty result means this side has nothing further for the peer.
func (s *Store) GenerateSyncMessages(state *automerge.SyncState) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out [][]byte
	for {
		msg, valid := state.GenerateMessage()
		if !valid {
			break
		}
		out = append(out, msg.Bytes())
	}
	return out
}

// Subscribe registers for change events. The returned cancel function must be
// called to release the subscription. Slow subscribers drop events rather
// than blocking the mutation path.
func (s *Store) Subscribe() (<-chan ChangeEvent, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan ChangeEvent, 32)
	s.subs[id] = ch

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

func (s *Store) publish(ev ChangeEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// commit finalizes the current transaction and publishes its change event.
// Callers must hold s.mu.
func (s *Store) commitLocked(message string, ev ChangeEvent) error {
	if _, err := s.doc.Commit(message); err != nil {
		return fmt.Errorf("failed to commit %s: %w", message, err)
	}
	if s.trackLocal && ev.Kind == ChangeLocal {
		s.localUpdates = append(s.localUpdates, s.doc.SaveIncremental()...)
	}
	s.publish(ev)
	return nil
}

// TrackLocalUpdates begins journaling the incremental bytes of local commits,
// kept apart from remote merges so TakeLocalUpdates never re-sends changes
// this replica merely merged. The save cursor is reset so earlier changes do
// not leak into the journal.
func (s *Store) TrackLocalUpdates() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trackLocal = true
	s.doc.SaveIncremental()
}

// TakeLocalUpdates returns and clears the journal of local commits. The
// bytes of successive commits concatenate into one valid update.
func (s *Store) TakeLocalUpdates() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.localUpdates
	s.localUpdates = nil
	return out
}

// SetOption sets a global (not chat-scoped) plugin option.
func (s *Store) SetOption(pluginID, optionID, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	options := s.doc.Path(rootOptions).Map()
	if err := options.Set(pluginID+"."+optionID, value); err != nil {
		return fmt.Errorf("failed to set option: %w", err)
	}
	return s.commitLocked("setOption", ChangeEvent{Kind: ChangeLocal})
}

// Option returns a global plugin option.
func (s *Store) Option(pluginID, optionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.doc.Path(rootOptions).Map().Get(pluginID + "." + optionID)
	if err != nil || v.Kind() != automerge.KindStr {
		return "", false
	}
	return v.Str(), true
}

// HasOption reports whether a global plugin option is set.
func (s *Store) HasOption(pluginID, optionID string) bool {
	_, ok := s.Option(pluginID, optionID)
	return ok
}

package syncproto

import (
	"fmt"
	"log/slog"

	"github.com/eternisai/enchanted-sync/internal/logger"
	"github.com/eternisai/enchanted-sync/internal/replica"
)

// Engine answers protocol messages against one user's canonical replica.
//
// The server keeps no reconciliation state between requests: each incoming
// step message is fed into a fresh sync state, which works because every
// step carries the sender's full heads/needs description. A client that
// keeps its own state across rounds converges within a handful of trips.
type Engine struct {
	store *replica.Store
	log   *logger.Logger
}

// NewEngine wraps a replica store for protocol handling.
func NewEngine(store *replica.Store, log *logger.Logger) *Engine {
	return &Engine{store: store, log: log.WithComponent("sync")}
}

// Handle processes one framed protocol message and returns the framed
// responses plus the incremental update the document learned from it (empty
// when the message taught the server nothing new). The caller persists the
// learned bytes.
func (e *Engine) Handle(raw []byte) ([][]byte, []byte, error) {
	typ, payload, err := DecodeMessage(raw)
	if err != nil {
		return nil, nil, err
	}

	switch typ {
	case TypeStep1, TypeStep2:
		return e.handleStep(payload)
	case TypeUpdate:
		if err := e.store.ApplyUpdate(payload); err != nil {
			return nil, nil, err
		}
		return nil, e.store.SaveIncremental(), nil
	}
	return nil, nil, fmt.Errorf("%w: %d", ErrUnknownType, typ)
}

func (e *Engine) handleStep(payload []byte) ([][]byte, []byte, error) {
	state := e.store.NewSyncState()
	if err := e.store.ReceiveSyncMessage(state, payload); err != nil {
		return nil, nil, err
	}
	learned := e.store.SaveIncremental()

	msgs := e.store.GenerateSyncMessages(state)
	out := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, EncodeMessage(TypeStep2, m))
	}
	e.log.Debug("handled sync step",
		slog.Int("responses", len(out)),
		slog.Int("learned_bytes", len(learned)))
	return out, learned, nil
}

// Snapshot returns the full serialized document, the bootstrap payload new
// client replicas load before their first reconciliation.
func (e *Engine) Snapshot() []byte {
	return e.store.Save()
}

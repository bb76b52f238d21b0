package replica

import (
	"encoding/json"
	"fmt"
)

// ChatSnapshot is the portable, non-CRDT representation of one chat, used to
// import pre-replication history and to export chats for sharing.
type ChatSnapshot struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Options  map[string]string `json:"options,omitempty"`
	Messages []Message         `json:"messages"`
}

// MarshalChatSnapshot serializes a snapshot for transport or storage.
func MarshalChatSnapshot(snap ChatSnapshot) ([]byte, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat snapshot: %w", err)
	}
	return raw, nil
}

// UnmarshalChatSnapshot parses a serialized snapshot.
func UnmarshalChatSnapshot(raw []byte) (ChatSnapshot, error) {
	var snap ChatSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return ChatSnapshot{}, fmt.Errorf("failed to unmarshal chat snapshot: %w", err)
	}
	if snap.ID == "" {
		return ChatSnapshot{}, fmt.Errorf("chat snapshot missing id")
	}
	return snap, nil
}

// Snapshot exports the chat as a ChatSnapshot.
func (c *Chat) Snapshot() (ChatSnapshot, error) {
	msgs, err := c.Messages()
	if err != nil {
		return ChatSnapshot{}, err
	}
	snap := ChatSnapshot{ID: c.id, Messages: msgs}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if meta, err := c.containerLocked(keyMetadata); err == nil {
		if keys, err := meta.Keys(); err == nil && len(keys) > 0 {
			snap.Metadata = make(map[string]string, len(keys))
			for _, k := range keys {
				if v := strEntry(meta, k); v != "" {
					snap.Metadata[k] = v
				}
			}
		}
	}
	if imported, err := c.containerLocked(keyImported); err == nil {
		if keys, err := imported.Keys(); err == nil {
			for _, k := range keys {
				if _, ok := snap.Metadata[k]; ok {
					continue
				}
				if v := strEntry(imported, k); v != "" {
					if snap.Metadata == nil {
						snap.Metadata = make(map[string]string)
					}
					snap.Metadata[k] = v
				}
			}
		}
	}
	if opts, err := c.containerLocked(keyPluginOptions); err == nil {
		if keys, err := opts.Keys(); err == nil && len(keys) > 0 {
			snap.Options = make(map[string]string, len(keys))
			for _, k := range keys {
				snap.Options[k] = strEntry(opts, k)
			}
		}
	}
	return snap, nil
}

// ImportChat merges a non-replicated chat snapshot into the document as a
// single transaction: containers, imported metadata, options and every
// message commit together. Importing a chat that already exists is a no-op,
// which makes legacy import safe to repeat across sessions.
func (s *Store) ImportChat(snap ChatSnapshot) error {
	if snap.ID == "" {
		return fmt.Errorf("cannot import chat without id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	created, err := s.createChatLocked(snap.ID)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}

	c := &Chat{store: s, id: snap.ID}
	if len(snap.Metadata) > 0 {
		if err := c.setImportedLocked(snap.Metadata); err != nil {
			return err
		}
	}
	if len(snap.Options) > 0 {
		opts, err := c.containerLocked(keyPluginOptions)
		if err != nil {
			return err
		}
		for k, v := range snap.Options {
			if err := opts.Set(k, v); err != nil {
				return fmt.Errorf("failed to import option %s: %w", k, err)
			}
		}
	}
	for _, msg := range snap.Messages {
		if msg.ID == "" {
			continue
		}
		if err := c.addMessageLocked(msg); err != nil {
			return fmt.Errorf("failed to import message %s: %w", msg.ID, err)
		}
	}
	return s.commitLocked("importChat", ChangeEvent{ChatID: snap.ID, Kind: ChangeLocal})
}

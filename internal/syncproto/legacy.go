package syncproto

import (
	"encoding/json"
	"fmt"

	"github.com/eternisai/enchanted-sync/internal/replica"
)

// LegacyChat is the wire shape of one pre-replication chat served by the
// legacy-sync endpoint. Records come straight from the old storage schema;
// the client converts each into the replicated document exactly once.
type LegacyChat struct {
	ID       string            `json:"id"`
	Title    string            `json:"title,omitempty"`
	Model    string            `json:"model,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Messages []LegacyMessage   `json:"messages"`
}

// LegacyMessage is one message of a legacy chat. Legacy history is linear:
// parent links are implied by order.
type LegacyMessage struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Model     string `json:"model,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// ParseLegacyChat decodes one legacy chat record.
func ParseLegacyChat(raw []byte) (LegacyChat, error) {
	var chat LegacyChat
	if err := json.Unmarshal(raw, &chat); err != nil {
		return LegacyChat{}, fmt.Errorf("failed to parse legacy chat: %w", err)
	}
	if chat.ID == "" {
		return LegacyChat{}, fmt.Errorf("legacy chat missing id")
	}
	return chat, nil
}

// ToSnapshot converts a legacy chat into an importable snapshot, linking its
// linear history into a parent chain.
func (lc LegacyChat) ToSnapshot() replica.ChatSnapshot {
	snap := replica.ChatSnapshot{
		ID:       lc.ID,
		Metadata: make(map[string]string, len(lc.Metadata)+2),
	}
	for k, v := range lc.Metadata {
		snap.Metadata[k] = v
	}
	if lc.Title != "" {
		snap.Metadata["title"] = lc.Title
	}
	if lc.Model != "" {
		snap.Metadata["model"] = lc.Model
	}
	if len(snap.Metadata) == 0 {
		snap.Metadata = nil
	}

	parent := ""
	for _, m := range lc.Messages {
		if m.ID == "" {
			continue
		}
		snap.Messages = append(snap.Messages, replica.Message{
			ID:        m.ID,
			ChatID:    lc.ID,
			ParentID:  parent,
			Role:      m.Role,
			Model:     m.Model,
			Content:   m.Content,
			Timestamp: m.Timestamp,
			Done:      true,
		})
		parent = m.ID
	}
	return snap
}

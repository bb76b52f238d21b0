package replica

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/automerge/automerge-go"
)

// Per-chat container names. Message content lives apart from headers so that
// concurrent character-level edits merge under text CRDT semantics instead of
// last-write-wins on a whole header field.
const (
	keyMetadata      = "metadata"
	keyImported      = "importedMetadata"
	keyPluginOptions = "pluginOptions"
	keyMessages      = "messages"
	keyContent       = "content"
	keyImages        = "images"
	keyToolMessages  = "toolMessages"
	keyToolCalls     = "toolCalls"
	keyCallableTools = "callableTools"
	keyDone          = "done"

	metaDeleted = "deleted"
	metaTitle   = "title"

	hdrParent    = "parent"
	hdrTimestamp = "timestamp"
	hdrRole      = "role"
	hdrModel     = "model"
)

// chatContainers lists every per-chat container provisioned at creation time.
var chatContainers = []string{
	keyMetadata, keyImported, keyPluginOptions, keyMessages, keyContent,
	keyImages, keyToolMessages, keyToolCalls, keyCallableTools, keyDone,
}

var (
	// ErrChatNotProvisioned is returned when a chat is accessed before
	// CreateChat provisioned its containers.
	ErrChatNotProvisioned = errors.New("chat not provisioned")
)

// Chat is a thin facade over one chat's containers in the shared document.
type Chat struct {
	store *Store
	id    string
}

// ID returns the chat's UUID.
func (c *Chat) ID() string { return c.id }

// CreateChat provisions the containers for a new chat in a single
// transaction. Creating an already-provisioned chat is a no-op.
func (s *Store) CreateChat(id string) (*Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	created, err := s.createChatLocked(id)
	if err != nil {
		return nil, err
	}
	if created {
		if err := s.commitLocked("createChat", ChangeEvent{ChatID: id, Kind: ChangeLocal}); err != nil {
			return nil, err
		}
	}
	return &Chat{store: s, id: id}, nil
}

func (s *Store) createChatLocked(id string) (bool, error) {
	chats := s.doc.Path(rootChats).Map()
	v, err := chats.Get(id)
	if err != nil {
		return false, fmt.Errorf("failed to read chats map: %w", err)
	}
	if v.Kind() == automerge.KindMap {
		return false, nil
	}

	if err := chats.Set(id, automerge.NewMap()); err != nil {
		return false, fmt.Errorf("failed to create chat container: %w", err)
	}
	cm, err := s.chatMapLocked(id)
	if err != nil {
		return false, err
	}
	for _, name := range chatContainers {
		if err := cm.Set(name, automerge.NewMap()); err != nil {
			return false, fmt.Errorf("failed to provision %s: %w", name, err)
		}
	}
	return true, nil
}

// Chat returns the facade for a provisioned chat. If the chat is found
// already tombstoned, residual container data is purged before returning;
// the purge is idempotent and re-runs on every access until merge settles.
func (s *Store) Chat(id string) (*Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.chatMapLocked(id); err != nil {
		return nil, err
	}
	c := &Chat{store: s, id: id}

	if c.deletedLocked() {
		changed, err := c.purgeLocked()
		if err != nil {
			return nil, err
		}
		if changed {
			s.log.Debug("purged residual data from deleted chat", slog.String("chat_id", id))
			if err := s.commitLocked("purgeDeleted", ChangeEvent{ChatID: id, Kind: ChangeLocal}); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

// ChatIDs lists the IDs of every chat in the document, deleted ones included.
func (s *Store) ChatIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.doc.Path(rootChats).Map().Keys()
	if err != nil {
		return nil
	}
	sort.Strings(keys)
	return keys
}

func (s *Store) chatMapLocked(id string) (*automerge.Map, error) {
	v, err := s.doc.Path(rootChats).Map().Get(id)
	if err != nil {
		return nil, fmt.Errorf("failed to read chat %s: %w", id, err)
	}
	if v.Kind() != automerge.KindMap {
		return nil, fmt.Errorf("%w: %s", ErrChatNotProvisioned, id)
	}
	return v.Map(), nil
}

func (c *Chat) containerLocked(name string) (*automerge.Map, error) {
	cm, err := c.store.chatMapLocked(c.id)
	if err != nil {
		return nil, err
	}
	v, err := cm.Get(name)
	if err != nil {
		return nil, fmt.Errorf("failed to read container %s: %w", name, err)
	}
	if v.Kind() != automerge.KindMap {
		return nil, fmt.Errorf("%w: container %s", ErrChatNotProvisioned, name)
	}
	return v.Map(), nil
}

// AddMessage writes a message atomically: the header (content stripped), then
// content, payload lists and the done flag, all in one transaction so
// observers never see a header without its content entry.
func (c *Chat) AddMessage(msg Message) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if err := c.addMessageLocked(msg); err != nil {
		return err
	}
	return c.store.commitLocked("addMessage", ChangeEvent{ChatID: c.id, Kind: ChangeLocal})
}

func (c *Chat) addMessageLocked(msg Message) error {
	messages, err := c.containerLocked(keyMessages)
	if err != nil {
		return err
	}
	if err := messages.Set(msg.ID, automerge.NewMap()); err != nil {
		return fmt.Errorf("failed to write message header: %w", err)
	}
	hv, err := messages.Get(msg.ID)
	if err != nil || hv.Kind() != automerge.KindMap {
		return fmt.Errorf("failed to bind message header: %w", err)
	}
	header := hv.Map()
	if err := header.Set(hdrRole, msg.Role); err != nil {
		return err
	}
	if err := header.Set(hdrTimestamp, msg.Timestamp); err != nil {
		return err
	}
	if msg.ParentID != "" {
		if err := header.Set(hdrParent, msg.ParentID); err != nil {
			return err
		}
	}
	if msg.Model != "" {
		if err := header.Set(hdrModel, msg.Model); err != nil {
			return err
		}
	}

	content, err := c.containerLocked(keyContent)
	if err != nil {
		return err
	}
	if err := content.Set(msg.ID, automerge.NewText(msg.Content)); err != nil {
		return fmt.Errorf("failed to write message content: %w", err)
	}

	if err := c.writePayloadsLocked(keyImages, msg.ID, encodeAll(msg.Images)); err != nil {
		return err
	}
	if err := c.writePayloadsLocked(keyToolCalls, msg.ID, encodeAll(msg.ToolCalls)); err != nil {
		return err
	}
	if err := c.writePayloadsLocked(keyToolMessages, msg.ID, encodeAll(msg.ToolMessages)); err != nil {
		return err
	}
	if err := c.writePayloadsLocked(keyCallableTools, msg.ID, encodeAll(msg.CallableTools)); err != nil {
		return err
	}

	done, err := c.containerLocked(keyDone)
	if err != nil {
		return err
	}
	if err := done.Set(msg.ID, msg.Done); err != nil {
		return fmt.Errorf("failed to write done flag: %w", err)
	}

	delete(c.store.pending, pendingKey{chatID: c.id, messageID: msg.ID})
	return nil
}

func (c *Chat) writePayloadsLocked(container, msgID string, items []string) error {
	if len(items) == 0 {
		return nil
	}
	cm, err := c.containerLocked(container)
	if err != nil {
		return err
	}
	if err := cm.Set(msgID, automerge.NewList()); err != nil {
		return fmt.Errorf("failed to create %s list: %w", container, err)
	}
	lv, err := cm.Get(msgID)
	if err != nil || lv.Kind() != automerge.KindList {
		return fmt.Errorf("failed to bind %s list: %w", container, err)
	}
	list := lv.List()
	for _, item := range items {
		if err := list.Append(automerge.NewText(item)); err != nil {
			return fmt.Errorf("failed to append %s item: %w", container, err)
		}
	}
	return nil
}

// SetMessageContent writes the durable content for a message and clears any
// pending overlay for it. Subsequent reads return the new value immediately,
// before the change event fires.
func (c *Chat) SetMessageContent(id, text string) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if err := c.setContentLocked(id, text); err != nil {
		return err
	}
	delete(c.store.pending, pendingKey{chatID: c.id, messageID: id})
	return c.store.commitLocked("setMessageContent", ChangeEvent{ChatID: c.id, Kind: ChangeLocal})
}

func (c *Chat) setContentLocked(id, text string) error {
	content, err := c.containerLocked(keyContent)
	if err != nil {
		return err
	}
	v, err := content.Get(id)
	if err != nil {
		return fmt.Errorf("failed to read content entry: %w", err)
	}
	if v.Kind() == automerge.KindText {
		if err := v.Text().Set(text); err != nil {
			return fmt.Errorf("failed to update content text: %w", err)
		}
		return nil
	}
	if err := content.Set(id, automerge.NewText(text)); err != nil {
		return fmt.Errorf("failed to write content text: %w", err)
	}
	return nil
}

// AppendMessageContent appends a chunk to a message's durable content, the
// common path when persisting streamed tokens.
func (c *Chat) AppendMessageContent(id, chunk string) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	content, err := c.containerLocked(keyContent)
	if err != nil {
		return err
	}
	v, err := content.Get(id)
	if err != nil {
		return fmt.Errorf("failed to read content entry: %w", err)
	}
	if v.Kind() == automerge.KindText {
		if err := v.Text().Append(chunk); err != nil {
			return fmt.Errorf("failed to append content text: %w", err)
		}
	} else if err := content.Set(id, automerge.NewText(chunk)); err != nil {
		return fmt.Errorf("failed to write content text: %w", err)
	}

	delete(c.store.pending, pendingKey{chatID: c.id, messageID: id})
	return c.store.commitLocked("appendMessageContent", ChangeEvent{ChatID: c.id, Kind: ChangeLocal})
}

// MessageContent reads a message's content. A pending overlay value, if one
// exists, takes precedence over the durable text.
func (c *Chat) MessageContent(id string) (string, bool) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if staged, ok := c.store.pending[pendingKey{chatID: c.id, messageID: id}]; ok {
		return staged, true
	}
	content, err := c.containerLocked(keyContent)
	if err != nil {
		return "", false
	}
	return textEntry(content, id)
}

// SetPendingContent stages in-memory content for a message that has not been
// durably written yet (e.g. a streaming reply still arriving). Readers prefer
// it until SetMessageContent finalizes the value.
func (c *Chat) SetPendingContent(id, text string) {
	c.store.mu.Lock()
	c.store.pending[pendingKey{chatID: c.id, messageID: id}] = text
	c.store.mu.Unlock()
	c.store.publish(ChangeEvent{ChatID: c.id, Kind: ChangeLocal})
}

// ClearPendingContent drops the pending overlay for a message, if any.
func (c *Chat) ClearPendingContent(id string) {
	c.store.mu.Lock()
	delete(c.store.pending, pendingKey{chatID: c.id, messageID: id})
	c.store.mu.Unlock()
}

// SetDone marks a message's streaming completion flag.
func (c *Chat) SetDone(id string, done bool) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	dm, err := c.containerLocked(keyDone)
	if err != nil {
		return err
	}
	if err := dm.Set(id, done); err != nil {
		return fmt.Errorf("failed to set done flag: %w", err)
	}
	return c.store.commitLocked("setDone", ChangeEvent{ChatID: c.id, Kind: ChangeLocal})
}

// Done reports whether a message finished streaming.
func (c *Chat) Done(id string) bool {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	dm, err := c.containerLocked(keyDone)
	if err != nil {
		return false
	}
	return boolEntry(dm, id)
}

// SetMetadata sets one metadata field. Setting new metadata on a tombstoned
// chat undeletes it; the purged history stays gone.
func (c *Chat) SetMetadata(key, value string) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	meta, err := c.containerLocked(keyMetadata)
	if err != nil {
		return err
	}
	if err := meta.Set(key, value); err != nil {
		return fmt.Errorf("failed to set metadata: %w", err)
	}
	if key != metaDeleted && c.deletedLocked() {
		if err := meta.Set(metaDeleted, false); err != nil {
			return fmt.Errorf("failed to clear tombstone: %w", err)
		}
	}
	return c.store.commitLocked("setMetadata", ChangeEvent{ChatID: c.id, Kind: ChangeLocal})
}

// Metadata returns one metadata field, falling back to importedMetadata for
// fields not yet set locally (e.g. the title before the user renames it).
func (c *Chat) Metadata(key string) (string, bool) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if meta, err := c.containerLocked(keyMetadata); err == nil {
		if v, err := meta.Get(key); err == nil && v.Kind() == automerge.KindStr {
			return v.Str(), true
		}
	}
	if imported, err := c.containerLocked(keyImported); err == nil {
		if v, err := imported.Get(key); err == nil && v.Kind() == automerge.KindStr {
			return v.Str(), true
		}
	}
	return "", false
}

// Title returns the chat title, falling back to the imported one.
func (c *Chat) Title() string {
	title, _ := c.Metadata(metaTitle)
	return title
}

// SetImportedMetadata populates the read-only import-time metadata map.
func (c *Chat) SetImportedMetadata(fields map[string]string) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if err := c.setImportedLocked(fields); err != nil {
		return err
	}
	return c.store.commitLocked("setImportedMetadata", ChangeEvent{ChatID: c.id, Kind: ChangeLocal})
}

func (c *Chat) setImportedLocked(fields map[string]string) error {
	imported, err := c.containerLocked(keyImported)
	if err != nil {
		return err
	}
	for k, v := range fields {
		if err := imported.Set(k, v); err != nil {
			return fmt.Errorf("failed to set imported metadata: %w", err)
		}
	}
	return nil
}

// SetOption sets a chat-scoped plugin option, keyed pluginID.optionID.
func (c *Chat) SetOption(pluginID, optionID, value string) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	opts, err := c.containerLocked(keyPluginOptions)
	if err != nil {
		return err
	}
	if err := opts.Set(pluginID+"."+optionID, value); err != nil {
		return fmt.Errorf("failed to set option: %w", err)
	}
	return c.store.commitLocked("setOption", ChangeEvent{ChatID: c.id, Kind: ChangeLocal})
}

// Option returns a chat-scoped plugin option.
func (c *Chat) Option(pluginID, optionID string) (string, bool) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	opts, err := c.containerLocked(keyPluginOptions)
	if err != nil {
		return "", false
	}
	v, err := opts.Get(pluginID + "." + optionID)
	if err != nil || v.Kind() != automerge.KindStr {
		return "", false
	}
	return v.Str(), true
}

// HasOption reports whether a chat-scoped plugin option is set.
func (c *Chat) HasOption(pluginID, optionID string) bool {
	_, ok := c.Option(pluginID, optionID)
	return ok
}

// Deleted reports whether the chat is tombstoned. Readers treat the
// tombstone as authoritative regardless of residual container data.
func (c *Chat) Deleted() bool {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	return c.deletedLocked()
}

func (c *Chat) deletedLocked() bool {
	meta, err := c.containerLocked(keyMetadata)
	if err != nil {
		return false
	}
	return boolEntry(meta, metaDeleted)
}

// Delete tombstones the chat and clears every container to reclaim space.
// Deleting an already-deleted chat only purges residual data, so the
// operation is idempotent and converges even against concurrent writers.
func (c *Chat) Delete() error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	cm, err := c.store.chatMapLocked(c.id)
	if err != nil {
		return err
	}

	if !c.deletedLocked() {
		meta := automerge.NewMap()
		if err := cm.Set(keyMetadata, meta); err != nil {
			return fmt.Errorf("failed to reset metadata: %w", err)
		}
		mv, err := cm.Get(keyMetadata)
		if err != nil || mv.Kind() != automerge.KindMap {
			return fmt.Errorf("failed to bind metadata: %w", err)
		}
		if err := mv.Map().Set(metaDeleted, true); err != nil {
			return fmt.Errorf("failed to set tombstone: %w", err)
		}
		for _, name := range chatContainers {
			if name == keyMetadata {
				continue
			}
			if err := cm.Set(name, automerge.NewMap()); err != nil {
				return fmt.Errorf("failed to clear %s: %w", name, err)
			}
		}
	} else {
		if _, err := c.purgeLocked(); err != nil {
			return err
		}
	}

	for key := range c.store.pending {
		if key.chatID == c.id {
			delete(c.store.pending, key)
		}
	}
	return c.store.commitLocked("deleteChat", ChangeEvent{ChatID: c.id, Kind: ChangeLocal})
}

// purgeLocked clears residual data from a tombstoned chat: every non-deleted
// metadata key and any other container that still holds entries. Returns
// whether anything changed.
func (c *Chat) purgeLocked() (bool, error) {
	cm, err := c.store.chatMapLocked(c.id)
	if err != nil {
		return false, err
	}
	changed := false

	meta, err := c.containerLocked(keyMetadata)
	if err != nil {
		return false, err
	}
	metaKeys, err := meta.Keys()
	if err != nil {
		return false, fmt.Errorf("failed to list metadata keys: %w", err)
	}
	if len(metaKeys) > 1 || (len(metaKeys) == 1 && metaKeys[0] != metaDeleted) {
		if err := cm.Set(keyMetadata, automerge.NewMap()); err != nil {
			return false, fmt.Errorf("failed to reset metadata: %w", err)
		}
		mv, err := cm.Get(keyMetadata)
		if err != nil || mv.Kind() != automerge.KindMap {
			return false, fmt.Errorf("failed to bind metadata: %w", err)
		}
		if err := mv.Map().Set(metaDeleted, true); err != nil {
			return false, fmt.Errorf("failed to restore tombstone: %w", err)
		}
		changed = true
	}

	for _, name := range chatContainers {
		if name == keyMetadata {
			continue
		}
		container, err := c.containerLocked(name)
		if err != nil {
			return false, err
		}
		keys, err := container.Keys()
		if err != nil {
			return false, fmt.Errorf("failed to list %s keys: %w", name, err)
		}
		if len(keys) == 0 {
			continue
		}
		if err := cm.Set(name, automerge.NewMap()); err != nil {
			return false, fmt.Errorf("failed to clear %s: %w", name, err)
		}
		changed = true
	}
	return changed, nil
}

// Messages builds the projection of every message in the chat, pending
// overlay included, sorted by timestamp then ID. A tombstoned chat has no
// messages. Content or payload entries without a matching header are
// orphaned and excluded.
func (c *Chat) Messages() ([]Message, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if c.deletedLocked() {
		return nil, nil
	}

	messages, err := c.containerLocked(keyMessages)
	if err != nil {
		return nil, err
	}
	ids, err := messages.Keys()
	if err != nil {
		return nil, fmt.Errorf("failed to list message ids: %w", err)
	}

	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		hv, err := messages.Get(id)
		if err != nil || hv.Kind() != automerge.KindMap {
			c.store.log.Warn("skipping message with malformed header",
				slog.String("chat_id", c.id), slog.String("message_id", id))
			continue
		}
		out = append(out, c.buildMessageLocked(id, hv.Map()))
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (c *Chat) buildMessageLocked(id string, header *automerge.Map) Message {
	msg := Message{
		ID:        id,
		ChatID:    c.id,
		ParentID:  strEntry(header, hdrParent),
		Role:      strEntry(header, hdrRole),
		Model:     strEntry(header, hdrModel),
		Timestamp: int64Entry(header, hdrTimestamp),
	}

	if staged, ok := c.store.pending[pendingKey{chatID: c.id, messageID: id}]; ok {
		msg.Content = staged
	} else if content, err := c.containerLocked(keyContent); err == nil {
		msg.Content, _ = textEntry(content, id)
	}

	if dm, err := c.containerLocked(keyDone); err == nil {
		msg.Done = boolEntry(dm, id)
	}

	for _, raw := range c.payloadStringsLocked(keyImages, id) {
		if item, ok := decodePayload[ImageRef](raw); ok {
			msg.Images = append(msg.Images, item)
		}
	}
	for _, raw := range c.payloadStringsLocked(keyToolCalls, id) {
		if item, ok := decodePayload[ToolCall](raw); ok {
			msg.ToolCalls = append(msg.ToolCalls, item)
		}
	}
	for _, raw := range c.payloadStringsLocked(keyToolMessages, id) {
		if item, ok := decodePayload[ToolResult](raw); ok {
			msg.ToolMessages = append(msg.ToolMessages, item)
		}
	}
	for _, raw := range c.payloadStringsLocked(keyCallableTools, id) {
		if item, ok := decodePayload[ToolSpec](raw); ok {
			msg.CallableTools = append(msg.CallableTools, item)
		}
	}
	return msg
}

func (c *Chat) payloadStringsLocked(container, msgID string) []string {
	cm, err := c.containerLocked(container)
	if err != nil {
		return nil
	}
	v, err := cm.Get(msgID)
	if err != nil || v.Kind() != automerge.KindList {
		return nil
	}
	list := v.List()
	n := list.Len()
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		item, err := list.Get(i)
		if err != nil {
			continue
		}
		switch item.Kind() {
		case automerge.KindText:
			if s, err := item.Text().Get(); err == nil {
				out = append(out, s)
			}
		case automerge.KindStr:
			out = append(out, item.Str())
		}
	}
	return out
}

// OrphanedContent lists content entries that have no matching message
// header. Orphans are ignored by readers; this exists for diagnostics.
func (c *Chat) OrphanedContent() []string {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	messages, err := c.containerLocked(keyMessages)
	if err != nil {
		return nil
	}
	content, err := c.containerLocked(keyContent)
	if err != nil {
		return nil
	}
	contentIDs, err := content.Keys()
	if err != nil {
		return nil
	}

	var orphans []string
	for _, id := range contentIDs {
		hv, err := messages.Get(id)
		if err != nil || hv.Kind() != automerge.KindMap {
			orphans = append(orphans, id)
		}
	}
	sort.Strings(orphans)
	return orphans
}

func encodeAll[T any](items []T) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		raw, err := encodePayload(withVersion(item))
		if err != nil {
			continue
		}
		out = append(out, raw)
	}
	return out
}

// withVersion stamps the current payload version on items that omit it.
func withVersion[T any](item T) any {
	switch v := any(item).(type) {
	case ImageRef:
		if v.Version == 0 {
			v.Version = payloadVersion
		}
		return v
	case ToolCall:
		if v.Version == 0 {
			v.Version = payloadVersion
		}
		return v
	case ToolResult:
		if v.Version == 0 {
			v.Version = payloadVersion
		}
		return v
	case ToolSpec:
		if v.Version == 0 {
			v.Version = payloadVersion
		}
		return v
	}
	return item
}

func strEntry(m *automerge.Map, key string) string {
	v, err := m.Get(key)
	if err != nil || v.Kind() != automerge.KindStr {
		return ""
	}
	return v.Str()
}

func int64Entry(m *automerge.Map, key string) int64 {
	v, err := m.Get(key)
	if err != nil || v.Kind() != automerge.KindInt64 {
		return 0
	}
	return v.Int64()
}

func boolEntry(m *automerge.Map, key string) bool {
	v, err := m.Get(key)
	if err != nil || v.Kind() != automerge.KindBool {
		return false
	}
	return v.Bool()
}

func textEntry(m *automerge.Map, key string) (string, bool) {
	v, err := m.Get(key)
	if err != nil {
		return "", false
	}
	switch v.Kind() {
	case automerge.KindText:
		s, err := v.Text().Get()
		if err != nil {
			return "", false
		}
		return s, true
	case automerge.KindStr:
		return v.Str(), true
	}
	return "", false
}

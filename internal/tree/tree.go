// Package tree maintains the parent/child structure of a chat's messages and
// answers the navigation queries the conversation view needs: the active
// chain, the most recent leaf, and the chat's first message.
package tree

import (
	"errors"
	"log/slog"

	"github.com/eternisai/enchanted-sync/internal/logger"
	"github.com/eternisai/enchanted-sync/internal/replica"
)

var (
	// ErrUnknownMessage is returned when a queried message is not in the tree.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrBrokenChain is returned when a chain walk meets a parent reference
	// that never resolved, or a cycle.
	ErrBrokenChain = errors.New("broken message chain")
)

// Node is one message's position in the tree. Parent is nil for roots and
// for messages whose parent has not arrived yet.
type Node struct {
	Message  replica.Message
	Parent   *Node
	Children []*Node
}

// Tree indexes a chat's messages by parent reference. Messages may be added
// in any order; a node whose parent is missing stays a provisional root until
// the parent arrives, at which point it is re-linked.
type Tree struct {
	nodes     map[string]*Node
	roots     []*Node
	updatedAt int64
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{nodes: make(map[string]*Node)}
}

// Build constructs a tree from a chat's current messages. Messages that
// reference a missing parent are kept as provisional roots and logged once.
func Build(c *replica.Chat, log *logger.Logger) (*Tree, error) {
	msgs, err := c.Messages()
	if err != nil {
		return nil, err
	}
	t := New()
	for _, msg := range msgs {
		t.Add(msg)
	}
	for _, orphan := range t.Orphans() {
		log.Warn("message references missing parent",
			slog.String("chat_id", c.ID()),
			slog.String("message_id", orphan))
	}
	return t, nil
}

// Add inserts or replaces a message. Insertion order does not matter:
// children that arrived before this message are adopted, and if the parent is
// already present the node links under it immediately.
func (t *Tree) Add(msg replica.Message) {
	if msg.ID == "" {
		return
	}
	if msg.Timestamp > t.updatedAt {
		t.updatedAt = msg.Timestamp
	}

	node, exists := t.nodes[msg.ID]
	if exists {
		if node.Parent != nil && node.Parent.Message.ID != msg.ParentID {
			t.unlink(node)
		}
		node.Message = msg
	} else {
		node = &Node{Message: msg}
		t.nodes[msg.ID] = node
		// Adopt any children that arrived first.
		for _, other := range t.nodes {
			if other != node && other.Parent == nil && other.Message.ParentID == msg.ID {
				t.removeRoot(other)
				other.Parent = node
				node.Children = append(node.Children, other)
			}
		}
	}

	if node.Parent == nil {
		if msg.ParentID != "" {
			if parent, ok := t.nodes[msg.ParentID]; ok {
				node.Parent = parent
				parent.Children = append(parent.Children, node)
				t.removeRoot(node)
				return
			}
		}
		if !t.isRoot(node) {
			t.roots = append(t.roots, node)
		}
	}
}

func (t *Tree) unlink(node *Node) {
	p := node.Parent
	if p == nil {
		return
	}
	for i, child := range p.Children {
		if child == node {
			p.Children = append(p.Children[:i], p.Children[i+1:]...)
			break
		}
	}
	node.Parent = nil
}

func (t *Tree) isRoot(node *Node) bool {
	for _, r := range t.roots {
		if r == node {
			return true
		}
	}
	return false
}

func (t *Tree) removeRoot(node *Node) {
	for i, r := range t.roots {
		if r == node {
			t.roots = append(t.roots[:i], t.roots[i+1:]...)
			return
		}
	}
}

// Get returns the message with the given ID.
func (t *Tree) Get(id string) (replica.Message, bool) {
	node, ok := t.nodes[id]
	if !ok {
		return replica.Message{}, false
	}
	return node.Message, true
}

// Len returns the number of messages in the tree.
func (t *Tree) Len() int { return len(t.nodes) }

// UpdatedAt returns the largest message timestamp seen, unix milliseconds.
func (t *Tree) UpdatedAt() int64 { return t.updatedAt }

// Orphans lists messages whose declared parent never resolved. They sit as
// provisional roots until the missing message arrives.
func (t *Tree) Orphans() []string {
	var out []string
	for _, node := range t.roots {
		if node.Message.ParentID != "" {
			out = append(out, node.Message.ID)
		}
	}
	return out
}

// ChainTo returns the root-first path of messages ending at the given
// message: the linear conversation the user sees when that message is the
// active leaf. Fails if the message is unknown, its chain passes through an
// unresolved parent reference, or the parent links form a cycle.
func (t *Tree) ChainTo(id string) ([]replica.Message, error) {
	node, ok := t.nodes[id]
	if !ok {
		return nil, ErrUnknownMessage
	}

	var chain []replica.Message
	seen := make(map[string]bool)
	for n := node; n != nil; n = n.Parent {
		if seen[n.Message.ID] {
			return nil, ErrBrokenChain
		}
		seen[n.Message.ID] = true
		chain = append(chain, n.Message)
		if n.Parent == nil && n.Message.ParentID != "" {
			return nil, ErrBrokenChain
		}
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// MostRecentLeaf returns the leaf with the largest timestamp, the branch the
// view selects by default. Equal timestamps break toward the greater message
// ID so every replica picks the same leaf.
func (t *Tree) MostRecentLeaf() (replica.Message, bool) {
	var best *Node
	for _, node := range t.nodes {
		if len(node.Children) > 0 {
			continue
		}
		if best == nil || leafLess(best, node) {
			best = node
		}
	}
	if best == nil {
		return replica.Message{}, false
	}
	return best.Message, true
}

func leafLess(a, b *Node) bool {
	if a.Message.Timestamp != b.Message.Timestamp {
		return a.Message.Timestamp < b.Message.Timestamp
	}
	return a.Message.ID < b.Message.ID
}

// First returns the chat's first message: the root with the smallest
// timestamp, ties broken toward the smaller ID.
func (t *Tree) First() (replica.Message, bool) {
	var best *Node
	for _, node := range t.roots {
		if best == nil || rootLess(node, best) {
			best = node
		}
	}
	if best == nil {
		return replica.Message{}, false
	}
	return best.Message, true
}

func rootLess(a, b *Node) bool {
	if a.Message.Timestamp != b.Message.Timestamp {
		return a.Message.Timestamp < b.Message.Timestamp
	}
	return a.Message.ID < b.Message.ID
}

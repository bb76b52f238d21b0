package tree

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/eternisai/enchanted-sync/internal/logger"
	"github.com/eternisai/enchanted-sync/internal/replica"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError})
}

func msg(id, parent string, ts int64) replica.Message {
	return replica.Message{ID: id, ChatID: "chat-1", ParentID: parent, Role: "user", Timestamp: ts}
}

func TestAddOutOfOrder(t *testing.T) {
	tr := New()
	// Child arrives before its parent.
	tr.Add(msg("m2", "m1", 2))
	if len(tr.Orphans()) != 1 {
		t.Fatalf("expected provisional orphan, got %v", tr.Orphans())
	}

	tr.Add(msg("m1", "", 1))
	if len(tr.Orphans()) != 0 {
		t.Fatalf("orphan not re-linked after parent arrived: %v", tr.Orphans())
	}

	chain, err := tr.ChainTo("m2")
	if err != nil {
		t.Fatalf("chain failed: %v", err)
	}
	if len(chain) != 2 || chain[0].ID != "m1" || chain[1].ID != "m2" {
		t.Fatalf("wrong chain: %+v", chain)
	}
}

func TestChainToRootFirst(t *testing.T) {
	tr := New()
	tr.Add(msg("m1", "", 1))
	tr.Add(msg("m2", "m1", 2))
	tr.Add(msg("m3", "m2", 3))
	// A sibling branch that must not appear in the chain.
	tr.Add(msg("m2b", "m1", 4))

	chain, err := tr.ChainTo("m3")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"m1", "m2", "m3"}
	if len(chain) != len(want) {
		t.Fatalf("wrong chain length: %+v", chain)
	}
	for i, id := range want {
		if chain[i].ID != id {
			t.Fatalf("chain[%d] = %s, want %s", i, chain[i].ID, id)
		}
	}
}

func TestChainToUnknownMessage(t *testing.T) {
	tr := New()
	if _, err := tr.ChainTo("nope"); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("expected ErrUnknownMessage, got %v", err)
	}
}

func TestChainToUnresolvedParent(t *testing.T) {
	tr := New()
	tr.Add(msg("m2", "missing", 2))
	if _, err := tr.ChainTo("m2"); !errors.Is(err, ErrBrokenChain) {
		t.Fatalf("expected ErrBrokenChain, got %v", err)
	}
}

func TestMostRecentLeaf(t *testing.T) {
	tr := New()
	tr.Add(msg("m1", "", 1))
	tr.Add(msg("m2", "m1", 2))
	tr.Add(msg("m3", "m1", 5))
	tr.Add(msg("m4", "m2", 3))

	leaf, ok := tr.MostRecentLeaf()
	if !ok || leaf.ID != "m3" {
		t.Fatalf("expected leaf m3, got %+v (ok=%v)", leaf, ok)
	}
}

func TestMostRecentLeafTieBreaksOnID(t *testing.T) {
	tr := New()
	tr.Add(msg("m1", "", 1))
	tr.Add(msg("aaa", "m1", 7))
	tr.Add(msg("zzz", "m1", 7))

	// Equal timestamps resolve toward the greater ID so every replica
	// selects the same branch.
	leaf, ok := tr.MostRecentLeaf()
	if !ok || leaf.ID != "zzz" {
		t.Fatalf("expected leaf zzz, got %+v", leaf)
	}
}

func TestMostRecentLeafEmpty(t *testing.T) {
	tr := New()
	if _, ok := tr.MostRecentLeaf(); ok {
		t.Fatal("empty tree should have no leaf")
	}
}

func TestFirst(t *testing.T) {
	tr := New()
	tr.Add(msg("m5", "", 5))
	tr.Add(msg("m1", "", 1))
	tr.Add(msg("m2", "m1", 2))

	first, ok := tr.First()
	if !ok || first.ID != "m1" {
		t.Fatalf("expected first m1, got %+v", first)
	}
}

func TestUpdatedAt(t *testing.T) {
	tr := New()
	tr.Add(msg("m1", "", 10))
	tr.Add(msg("m2", "m1", 40))
	tr.Add(msg("m3", "m2", 20))

	if got := tr.UpdatedAt(); got != 40 {
		t.Fatalf("UpdatedAt = %d, want 40", got)
	}
}

func TestReAddWithNewParentRelinks(t *testing.T) {
	tr := New()
	tr.Add(msg("m1", "", 1))
	tr.Add(msg("m2", "", 2))
	tr.Add(msg("m3", "m1", 3))

	// The same message shows up again under a different parent.
	tr.Add(msg("m3", "m2", 3))

	chain, err := tr.ChainTo("m3")
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 2 || chain[0].ID != "m2" {
		t.Fatalf("re-link failed: %+v", chain)
	}
}

func TestBuildFromChat(t *testing.T) {
	store := replica.NewStore(testLogger())
	chat, err := store.CreateChat("chat-1")
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range []replica.Message{
		{ID: "m1", ChatID: "chat-1", Role: "user", Content: "q", Timestamp: 1},
		{ID: "m2", ChatID: "chat-1", ParentID: "m1", Role: "assistant", Content: "a", Timestamp: 2},
	} {
		if err := chat.AddMessage(m); err != nil {
			t.Fatal(err)
		}
	}

	tr, err := Build(chat, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if tr.Len() != 2 {
		t.Fatalf("expected 2 nodes, got %d", tr.Len())
	}
	leaf, ok := tr.MostRecentLeaf()
	if !ok || leaf.ID != "m2" {
		t.Fatalf("expected leaf m2, got %+v", leaf)
	}
}

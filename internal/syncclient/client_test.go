package syncclient

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eternisai/enchanted-sync/internal/logger"
	"github.com/eternisai/enchanted-sync/internal/replica"
	"github.com/eternisai/enchanted-sync/internal/syncproto"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError})
}

// syncBackend is an in-process stand-in for the sync server: a canonical
// replica behind the same framed-message protocol the HTTP handler speaks.
type syncBackend struct {
	store  *replica.Store
	engine *syncproto.Engine

	requests    atomic.Int64
	legacyChats []syncproto.LegacyChat
}

func newSyncBackend(t *testing.T) *syncBackend {
	t.Helper()
	store := replica.NewStore(testLogger())
	return &syncBackend{
		store:  store,
		engine: syncproto.NewEngine(store, testLogger()),
	}
}

func (b *syncBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync", func(w http.ResponseWriter, r *http.Request) {
		b.requests.Add(1)
		body, _ := io.ReadAll(r.Body)
		replies, _, err := b.engine.Handle(body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write(syncproto.EncodeEnvelope(replies))
	})
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		b.requests.Add(1)
		var heads []string
		for _, h := range b.store.Heads() {
			heads = append(heads, h.String())
		}
		json.NewEncoder(w).Encode(map[string]any{"heads": heads})
	})
	mux.HandleFunc("/legacy-sync", func(w http.ResponseWriter, r *http.Request) {
		b.requests.Add(1)
		json.NewEncoder(w).Encode(b.legacyChats)
	})
	return mux
}

func (b *syncBackend) clone(t *testing.T) *replica.Store {
	t.Helper()
	s, err := replica.LoadStore(b.store.Save(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	s.SaveIncremental()
	return s
}

func addTestMessage(t *testing.T, s *replica.Store, chatID, msgID, content string) {
	t.Helper()
	chat, err := s.Chat(chatID)
	if err != nil {
		chat, err = s.CreateChat(chatID)
		if err != nil {
			t.Fatal(err)
		}
	}
	if err := chat.AddMessage(replica.Message{
		ID: msgID, ChatID: chatID, Role: "user", Content: content, Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}
}

func TestFullSyncConverges(t *testing.T) {
	backend := newSyncBackend(t)
	addTestMessage(t, backend.store, "server-chat", "s1", "from server")

	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	local := backend.clone(t)
	addTestMessage(t, local, "client-chat", "c1", "from client")

	client := New(local, Options{BaseURL: srv.URL}, testLogger())
	client.BufferUpdate(local.SaveIncremental())

	if err := client.FullSync(context.Background()); err != nil {
		t.Fatalf("full sync failed: %v", err)
	}
	if !client.Synced() {
		t.Fatal("client not marked synced")
	}
	if client.PendingBytes() != 0 {
		t.Fatalf("pending buffer not cleared: %d bytes", client.PendingBytes())
	}

	if got := len(backend.store.ChatIDs()); got != 2 {
		t.Fatalf("server holds %d chats, want 2", got)
	}
	if got := len(local.ChatIDs()); got != 2 {
		t.Fatalf("client holds %d chats, want 2", got)
	}
}

func TestFlushUpdatesCoalesces(t *testing.T) {
	backend := newSyncBackend(t)
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	local := backend.clone(t)
	client := New(local, Options{BaseURL: srv.URL}, testLogger())

	// Several edits accumulate between flushes as one concatenated update.
	addTestMessage(t, local, "chat-1", "m1", "one")
	client.BufferUpdate(local.SaveIncremental())
	addTestMessage(t, local, "chat-1", "m2", "two")
	client.BufferUpdate(local.SaveIncremental())

	if err := client.FlushUpdates(context.Background()); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if got := backend.requests.Load(); got != 1 {
		t.Fatalf("expected 1 request for coalesced flush, got %d", got)
	}

	chat, err := backend.store.Chat("chat-1")
	if err != nil {
		t.Fatal(err)
	}
	msgs, err := chat.Messages()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("server merged %d messages, want 2", len(msgs))
	}
}

func TestFlushRequeuesOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	local := replica.NewStore(testLogger())
	local.SaveIncremental()
	client := New(local, Options{BaseURL: srv.URL}, testLogger())

	addTestMessage(t, local, "chat-1", "m1", "kept")
	client.BufferUpdate(local.SaveIncremental())
	before := client.PendingBytes()

	if err := client.FlushUpdates(context.Background()); err == nil {
		t.Fatal("flush should report the server error")
	}
	if client.PendingBytes() != before {
		t.Fatalf("pending buffer lost on failure: %d != %d", client.PendingBytes(), before)
	}
}

func TestRateLimitSuppressesAllTraffic(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	local := replica.NewStore(testLogger())
	local.SaveIncremental()
	client := New(local, Options{BaseURL: srv.URL}, testLogger())

	if err := client.FullSync(context.Background()); err != errThrottled {
		t.Fatalf("expected errThrottled from 429, got %v", err)
	}
	first := hits.Load()

	// Every subsequent operation is suppressed locally until the window ends.
	addTestMessage(t, local, "chat-1", "m1", "held back")
	client.BufferUpdate(local.SaveIncremental())
	if err := client.FlushUpdates(context.Background()); err != errThrottled {
		t.Fatalf("flush should be suppressed, got %v", err)
	}
	if err := client.SessionCheck(context.Background()); err != errThrottled {
		t.Fatalf("session check should be suppressed, got %v", err)
	}
	if err := client.FullSync(context.Background()); err != errThrottled {
		t.Fatalf("full sync should be suppressed, got %v", err)
	}
	if hits.Load() != first {
		t.Fatalf("suppressed operations still reached the server: %d requests", hits.Load())
	}
	if client.PendingBytes() == 0 {
		t.Fatal("local edits should keep accumulating while throttled")
	}
}

func TestSessionCheckDoesNotTriggerEarlyFullSync(t *testing.T) {
	backend := newSyncBackend(t)
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	local := backend.clone(t)
	client := New(local, Options{BaseURL: srv.URL}, testLogger())

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	client.now = func() time.Time { return now }

	sched, err := NewScheduler(client, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := client.FullSync(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Local typing and a remote edit both move heads inside the window;
	// neither breaks the floor between full state exchanges.
	addTestMessage(t, local, "chat-1", "m1", "local typing")
	client.BufferUpdate(local.SaveIncremental())
	addTestMessage(t, backend.store, "chat-2", "m2", "remote edit")

	now = now.Add(10 * time.Second)
	if err := client.SessionCheck(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sched.fullSyncDue() {
		t.Fatal("full sync due only 10s after the previous one")
	}

	// The cheap incremental path still runs inside the window.
	if err := client.FlushUpdates(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := backend.store.Chat("chat-1"); err != nil {
		t.Fatal("flush did not deliver the local edit")
	}

	now = now.Add(fullSyncInterval)
	if !sched.fullSyncDue() {
		t.Fatal("full sync not due after the window elapsed")
	}
}

func TestOutOfSyncIndicator(t *testing.T) {
	backend := newSyncBackend(t)
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	local := backend.clone(t)
	client := New(local, Options{BaseURL: srv.URL}, testLogger())

	if client.OutOfSync() {
		t.Fatal("indicator set before any session check")
	}
	if err := client.SessionCheck(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !client.OutOfSync() {
		t.Fatal("checked but never reconciled should read as out of sync")
	}
	if err := client.FullSync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if client.OutOfSync() {
		t.Fatal("indicator still set after a full reconciliation")
	}
}

func TestFullSyncKeepsMidFlightEdits(t *testing.T) {
	backend := newSyncBackend(t)
	addTestMessage(t, backend.store, "server-chat", "s1", "seed")

	local := backend.clone(t)
	var client *Client
	var midFlight sync.Once
	inner := backend.handler()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		midFlight.Do(func() {
			// An edit lands while the exchange is in flight, like tokens
			// streaming into a message during the round trips.
			addTestMessage(t, local, "chat-1", "typed", "during the exchange")
			client.BufferUpdate(local.SaveIncremental())
		})
		inner.ServeHTTP(w, r)
	}))
	defer srv.Close()

	client = New(local, Options{BaseURL: srv.URL}, testLogger())
	if err := client.FullSync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if client.PendingBytes() == 0 {
		t.Fatal("mid-flight edit dropped from the pending buffer")
	}

	if err := client.FlushUpdates(context.Background()); err != nil {
		t.Fatal(err)
	}
	chat, err := backend.store.Chat("chat-1")
	if err != nil {
		t.Fatal("mid-flight edit never reached the server")
	}
	msgs, err := chat.Messages()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Content != "during the exchange" {
		t.Fatalf("mid-flight message not merged: %+v", msgs)
	}
}

func TestImportLegacyRunsOnce(t *testing.T) {
	backend := newSyncBackend(t)
	backend.legacyChats = []syncproto.LegacyChat{
		{
			ID:    "legacy-1",
			Title: "Old conversation",
			Messages: []syncproto.LegacyMessage{
				{ID: "l1", Role: "user", Content: "hi", Timestamp: 1},
				{ID: "l2", Role: "assistant", Content: "hello", Timestamp: 2},
			},
		},
	}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	local := backend.clone(t)
	client := New(local, Options{BaseURL: srv.URL}, testLogger())

	if err := client.FullSync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := client.ImportLegacy(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := backend.requests.Load()
	if err := client.ImportLegacy(context.Background()); err != nil {
		t.Fatal(err)
	}
	if backend.requests.Load() != first {
		t.Fatal("second import hit the server again")
	}

	chat, err := local.Chat("legacy-1")
	if err != nil {
		t.Fatal(err)
	}
	if chat.Title() != "Old conversation" {
		t.Fatalf("imported title lost: %q", chat.Title())
	}
	msgs, err := chat.Messages()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[1].ParentID != "l1" {
		t.Fatalf("legacy history not chained: %+v", msgs)
	}
}

func TestImportLegacyWaitsForFirstSync(t *testing.T) {
	backend := newSyncBackend(t)
	backend.legacyChats = []syncproto.LegacyChat{
		{
			ID:       "legacy-1",
			Title:    "Old conversation",
			Messages: []syncproto.LegacyMessage{{ID: "l1", Role: "user", Content: "hi", Timestamp: 1}},
		},
	}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	local := backend.clone(t)
	client := New(local, Options{BaseURL: srv.URL}, testLogger())

	if err := client.ImportLegacy(context.Background()); err != nil {
		t.Fatal(err)
	}
	if backend.requests.Load() != 0 {
		t.Fatal("import hit the server before the first successful sync")
	}

	if err := client.FullSync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := client.ImportLegacy(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := local.Chat("legacy-1"); err != nil {
		t.Fatal("legacy chat missing after the post-sync import")
	}
}

func TestFullSyncDueThrottling(t *testing.T) {
	backend := newSyncBackend(t)
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	local := backend.clone(t)
	client := New(local, Options{BaseURL: srv.URL}, testLogger())

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	client.now = func() time.Time { return now }

	sched, err := NewScheduler(client, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	// Never synced: a full sync is always due.
	if !sched.fullSyncDue() {
		t.Fatal("unsynced client should be due for a full sync")
	}

	if err := client.FullSync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sched.fullSyncDue() {
		t.Fatal("full sync just ran; next one should wait for the interval")
	}

	now = now.Add(fullSyncInterval)
	if !sched.fullSyncDue() {
		t.Fatal("elapsed interval should make a full sync due")
	}
}

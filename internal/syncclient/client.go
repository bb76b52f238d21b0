// Package syncclient keeps a local replica converged with the server: it
// buffers local updates, runs full reconciliation rounds, watches the server
// session for remote changes, and imports legacy history once per session.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eternisai/enchanted-sync/internal/logger"
	"github.com/eternisai/enchanted-sync/internal/replica"
	"github.com/eternisai/enchanted-sync/internal/syncproto"
)

// maxSyncRounds caps the request/response trips of one full reconciliation.
// Two replicas converge in at most this many trips; hitting the cap means
// the peer misbehaved.
const maxSyncRounds = 4

// errThrottled marks requests suppressed by the rate-limit gate.
var errThrottled = errors.New("sync throttled")

// TokenProvider supplies the bearer token for server requests.
type TokenProvider func() (string, error)

// Options configures a Client.
type Options struct {
	BaseURL string
	Token   TokenProvider
	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client
}

// Client drives synchronization of one local replica against the server.
type Client struct {
	store    *replica.Store
	baseURL  string
	token    TokenProvider
	http     *http.Client
	throttle *Throttle
	log      *logger.Logger

	mu             sync.Mutex
	pendingUpdates []byte
	lastFullSync   time.Time
	legacyImported bool

	synced         atomic.Bool
	sessionChecked atomic.Bool
	closed         atomic.Bool

	cancelWatch func()
	watchDone   chan struct{}

	now func() time.Time
}

// New creates a sync client for the given replica.
func New(store *replica.Store, opts Options, log *logger.Logger) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		store:    store,
		baseURL:  opts.BaseURL,
		token:    opts.Token,
		http:     hc,
		throttle: NewThrottle(),
		log:      log.WithComponent("syncclient"),
		now:      time.Now,
	}
}

// Start begins watching the replica for local changes. The store journals
// each local commit's incremental bytes separately from remote merges;
// successive automerge updates concatenate into a single valid update, so
// the pending buffer stays one blob regardless of how many edits happened
// between flushes.
func (c *Client) Start() {
	c.store.TrackLocalUpdates()
	events, cancel := c.store.Subscribe()
	c.cancelWatch = cancel
	c.watchDone = make(chan struct{})
	go func() {
		defer close(c.watchDone)
		for ev := range events {
			if ev.Kind != replica.ChangeLocal {
				continue
			}
			c.BufferUpdate(c.store.TakeLocalUpdates())
		}
	}()
}

// Close stops the change watcher and marks the client dead; results from
// in-flight requests arriving after Close are dropped.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if c.cancelWatch != nil {
		c.cancelWatch()
		<-c.watchDone
	}
}

// Synced reports whether at least one full reconciliation has completed since
// the client started.
func (c *Client) Synced() bool { return c.synced.Load() }

// OutOfSync reports the user-facing "not synced" condition: a session check
// has completed but no full reconciliation ever has.
func (c *Client) OutOfSync() bool {
	return c.sessionChecked.Load() && !c.synced.Load()
}

// Throttle exposes the rate-limit gate, mainly for tests.
func (c *Client) Throttle() *Throttle { return c.throttle }

// BufferUpdate appends incremental update bytes to the pending buffer.
func (c *Client) BufferUpdate(update []byte) {
	if len(update) == 0 {
		return
	}
	c.mu.Lock()
	c.pendingUpdates = append(c.pendingUpdates, update...)
	c.mu.Unlock()
}

// PendingBytes returns the size of the unflushed update buffer.
func (c *Client) PendingBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pendingUpdates)
}

// FlushUpdates sends the buffered local updates as a single update message.
// On failure the bytes return to the buffer, ahead of anything that arrived
// during the flight.
func (c *Client) FlushUpdates(ctx context.Context) error {
	if remaining, limited := c.throttle.Limited(); limited {
		c.log.Debug("flush suppressed by rate limit", slog.Duration("remaining", remaining))
		return errThrottled
	}

	c.mu.Lock()
	pending := c.pendingUpdates
	c.pendingUpdates = nil
	c.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}

	body := syncproto.EncodeMessage(syncproto.TypeUpdate, pending)
	if _, err := c.postSync(ctx, body); err != nil {
		c.mu.Lock()
		c.pendingUpdates = append(pending, c.pendingUpdates...)
		c.mu.Unlock()
		return err
	}
	return nil
}

// FullSync runs one complete reconciliation against the server, at most
// maxSyncRounds trips. On success the buffer bytes that predate the exchange
// are dropped: the reconciliation already delivered them. Edits committed
// during the round trips stay buffered for the next flush.
func (c *Client) FullSync(ctx context.Context) error {
	if remaining, limited := c.throttle.Limited(); limited {
		c.log.Debug("full sync suppressed by rate limit", slog.Duration("remaining", remaining))
		return errThrottled
	}

	c.mu.Lock()
	preSync := len(c.pendingUpdates)
	c.mu.Unlock()

	state := c.store.NewSyncState()
	for round := 0; round < maxSyncRounds; round++ {
		msgs := c.store.GenerateSyncMessages(state)
		if len(msgs) == 0 {
			break
		}
		typ := syncproto.TypeStep1
		if round > 0 {
			typ = syncproto.TypeStep2
		}

		var replyCount int
		for _, m := range msgs {
			resp, err := c.postSync(ctx, syncproto.EncodeMessage(typ, m))
			if err != nil {
				return err
			}
			if c.closed.Load() {
				return nil
			}
			replies, err := syncproto.DecodeEnvelope(resp)
			if err != nil {
				return fmt.Errorf("failed to decode sync response: %w", err)
			}
			replyCount += len(replies)
			for _, reply := range replies {
				rtyp, payload, err := syncproto.DecodeMessage(reply)
				if err != nil {
					return err
				}
				switch rtyp {
				case syncproto.TypeStep1, syncproto.TypeStep2:
					if err := c.store.ReceiveSyncMessage(state, payload); err != nil {
						return err
					}
				case syncproto.TypeUpdate:
					if err := c.store.ApplyUpdate(payload); err != nil {
						return err
					}
				}
			}
		}
		if replyCount == 0 {
			break
		}
	}

	c.mu.Lock()
	if preSync > 0 && len(c.pendingUpdates) >= preSync {
		c.pendingUpdates = append([]byte(nil), c.pendingUpdates[preSync:]...)
	}
	c.lastFullSync = c.now()
	c.mu.Unlock()
	c.synced.Store(true)
	return nil
}

// sessionResponse is the server's description of the canonical document.
type sessionResponse struct {
	Heads []string `json:"heads"`
}

// SessionCheck asks the server for its document heads. It feeds the
// not-synced indicator and logs when the server holds changes this replica
// has not merged; the next scheduled full sync picks those up — a differing
// head never shortens the interval between full state exchanges.
func (c *Client) SessionCheck(ctx context.Context) error {
	if _, limited := c.throttle.Limited(); limited {
		return errThrottled
	}

	raw, err := c.get(ctx, "/session")
	if err != nil {
		return err
	}
	var session sessionResponse
	if err := json.Unmarshal(raw, &session); err != nil {
		return fmt.Errorf("failed to parse session response: %w", err)
	}

	local := make(map[string]bool)
	for _, h := range c.store.Heads() {
		local[h.String()] = true
	}
	unmerged := 0
	for _, h := range session.Heads {
		if !local[h] {
			unmerged++
		}
	}
	if unmerged > 0 {
		c.log.Debug("server holds unmerged changes", slog.Int("heads", unmerged))
	}
	c.sessionChecked.Store(true)
	return nil
}

// ImportLegacy fetches pre-replication chats from the server and merges them
// into the replica, once per session after the first successful full
// reconciliation. A record that fails to convert is logged and skipped.
func (c *Client) ImportLegacy(ctx context.Context) error {
	if !c.synced.Load() {
		return nil
	}
	c.mu.Lock()
	done := c.legacyImported
	c.mu.Unlock()
	if done {
		return nil
	}
	if _, limited := c.throttle.Limited(); limited {
		return errThrottled
	}

	raw, err := c.get(ctx, "/legacy-sync")
	if err != nil {
		return err
	}
	var chats []json.RawMessage
	if err := json.Unmarshal(raw, &chats); err != nil {
		return fmt.Errorf("failed to parse legacy chats: %w", err)
	}

	imported := 0
	for _, rec := range chats {
		chat, err := syncproto.ParseLegacyChat(rec)
		if err != nil {
			c.log.Warn("skipping malformed legacy chat", slog.String("error", err.Error()))
			continue
		}
		if err := c.store.ImportChat(chat.ToSnapshot()); err != nil {
			c.log.Warn("failed to import legacy chat",
				slog.String("chat_id", chat.ID),
				slog.String("error", err.Error()))
			continue
		}
		imported++
	}
	c.log.Info("legacy import finished", slog.Int("chats", imported))

	c.mu.Lock()
	c.legacyImported = true
	c.mu.Unlock()
	return nil
}

func (c *Client) postSync(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sync", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	return c.do(req)
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	if c.token != nil {
		token, err := c.token()
		if err != nil {
			return nil, fmt.Errorf("failed to obtain token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), c.now())
		c.throttle.SetRetryAfter(retryAfter)
		c.log.Warn("server rate limited sync traffic", slog.Duration("retry_after", retryAfter))
		return nil, errThrottled
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

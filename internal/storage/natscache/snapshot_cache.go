// Package natscache provides a best-effort distributed snapshot cache backed
// by a JetStream key-value bucket.
//
// In a multi-instance deployment, a user's requests may land on an instance
// that has no in-memory replica for them. Rebuilding from Postgres works but
// replays the whole update log; the KV cache lets the new instance start from
// the last snapshot any instance wrote. Every operation is best-effort: a
// miss or a NATS outage falls back to Postgres.
package natscache

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/eternisai/enchanted-sync/internal/logger"
)

const (
	bucketName  = "replica-snapshots"
	bucketTTL   = 24 * time.Hour
	maxSnapshot = 8 << 20 // 8 MiB per value
)

// SnapshotCache caches serialized documents keyed by user. A nil
// SnapshotCache is valid and behaves as an always-miss cache.
type SnapshotCache struct {
	kv  nats.KeyValue
	log *logger.Logger
}

// NewSnapshotCache binds (or creates) the KV bucket. Returns nil if the NATS
// connection is not available.
func NewSnapshotCache(nc *nats.Conn, log *logger.Logger) *SnapshotCache {
	if nc == nil {
		return nil
	}

	js, err := nc.JetStream()
	if err != nil {
		log.Warn("jetstream unavailable, snapshot cache disabled", slog.String("error", err.Error()))
		return nil
	}

	kv, err := js.KeyValue(bucketName)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:       bucketName,
			TTL:          bucketTTL,
			MaxValueSize: maxSnapshot,
		})
	}
	if err != nil {
		log.Warn("failed to bind snapshot cache bucket", slog.String("error", err.Error()))
		return nil
	}

	return &SnapshotCache{
		kv:  kv,
		log: log.WithComponent("natscache"),
	}
}

// key encodes the user ID so arbitrary identifiers survive KV key rules.
func key(userID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(userID))
}

// Get returns the cached snapshot for a user, or ok=false on miss or error.
func (c *SnapshotCache) Get(userID string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	entry, err := c.kv.Get(key(userID))
	if err != nil {
		if !errors.Is(err, nats.ErrKeyNotFound) {
			c.log.Warn("snapshot cache get failed", slog.String("error", err.Error()))
		}
		return nil, false
	}
	return entry.Value(), true
}

// Put stores a snapshot for a user, best effort.
func (c *SnapshotCache) Put(userID string, snapshot []byte) {
	if c == nil || len(snapshot) == 0 {
		return
	}
	if len(snapshot) > maxSnapshot {
		c.log.Warn("snapshot too large for cache", slog.Int("bytes", len(snapshot)))
		return
	}
	if _, err := c.kv.Put(key(userID), snapshot); err != nil {
		c.log.Warn("snapshot cache put failed", slog.String("error", err.Error()))
	}
}

// Delete drops a user's cached snapshot, best effort.
func (c *SnapshotCache) Delete(userID string) {
	if c == nil {
		return
	}
	if err := c.kv.Delete(key(userID)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		c.log.Warn("snapshot cache delete failed", slog.String("error", err.Error()))
	}
}

// Connect dials NATS, returning nil (cache disabled) when no URL is set.
func Connect(url string, log *logger.Logger) *nats.Conn {
	if url == "" {
		return nil
	}
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		log.Warn("failed to connect to nats", slog.String("error", err.Error()))
		return nil
	}
	return nc
}

package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eternisai/enchanted-sync/internal/logger"
	"github.com/eternisai/enchanted-sync/internal/metrics"
	"github.com/eternisai/enchanted-sync/internal/replica"
	"github.com/eternisai/enchanted-sync/internal/storage/natscache"
	"github.com/eternisai/enchanted-sync/internal/storage/pg"
	"github.com/eternisai/enchanted-sync/internal/syncproto"
)

// janitorInterval is how often idle replicas are checked for eviction.
const janitorInterval = 5 * time.Minute

type replicaEntry struct {
	store  *replica.Store
	engine *syncproto.Engine

	lastAccess          time.Time
	updatesSinceCompact int
	lastUpdateID        int64
}

// Manager owns the canonical in-memory replicas, one per active user.
// Replicas are rebuilt on demand from storage, persisted incrementally as
// they learn updates, and evicted after sitting idle past the TTL.
type Manager struct {
	db      *pg.Store
	cache   *natscache.SnapshotCache
	log     *logger.Logger
	ttl     time.Duration
	backlog int

	mu       sync.Mutex
	replicas map[string]*replicaEntry

	stop chan struct{}
	done chan struct{}
}

// NewManager creates a replica manager and starts its eviction janitor.
func NewManager(db *pg.Store, cache *natscache.SnapshotCache, ttl time.Duration, backlog int, log *logger.Logger) *Manager {
	m := &Manager{
		db:       db,
		cache:    cache,
		log:      log.WithComponent("replica-manager"),
		ttl:      ttl,
		backlog:  backlog,
		replicas: make(map[string]*replicaEntry),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.janitor()
	return m
}

// Acquire returns the user's canonical replica, loading it from storage on
// first access. A brand-new user gets a freshly provisioned document, which
// makes the server the single origin of the document's root containers.
func (m *Manager) Acquire(ctx context.Context, userID string) (*replicaEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.replicas[userID]; ok {
		entry.lastAccess = time.Now()
		return entry, nil
	}

	parts, err := m.db.LoadDocParts(ctx, userID)
	if err != nil {
		return nil, err
	}
	snapshot := parts.Snapshot
	if len(snapshot) == 0 {
		// Another instance may have compacted more recently than our row.
		if cached, ok := m.cache.Get(userID); ok {
			snapshot = cached
		}
	}

	store, err := replica.LoadStoreParts(snapshot, parts.Updates, m.log)
	if err != nil {
		return nil, err
	}
	// Drain the load delta so the first Persist only carries new changes.
	// For a brand-new user the delta is the root provisioning commit, which
	// must reach the log before any client reconciles against it.
	delta := store.SaveIncremental()
	lastID := parts.MaxUpdateID
	pending := len(parts.Updates)
	if len(snapshot) == 0 && len(parts.Updates) == 0 && len(delta) > 0 {
		id, err := m.db.SaveUpdate(ctx, userID, delta)
		if err != nil {
			return nil, err
		}
		lastID = id
		pending = 1
	}

	entry := &replicaEntry{
		store:               store,
		engine:              syncproto.NewEngine(store, m.log),
		lastAccess:          time.Now(),
		updatesSinceCompact: pending,
		lastUpdateID:        lastID,
	}
	m.replicas[userID] = entry
	metrics.ReplicasInMemory.Set(float64(len(m.replicas)))
	m.log.Info("replica loaded",
		slog.String("user_id", userID),
		slog.Int("updates_replayed", len(parts.Updates)))
	return entry, nil
}

// Persist appends what a replica just learned to the update log and compacts
// the log into a fresh snapshot once the backlog threshold is reached.
func (m *Manager) Persist(ctx context.Context, userID string, learned []byte) error {
	if len(learned) == 0 {
		return nil
	}

	id, err := m.db.SaveUpdate(ctx, userID, learned)
	if err != nil {
		return err
	}
	metrics.MergedUpdateBytes.Add(float64(len(learned)))

	m.mu.Lock()
	entry, ok := m.replicas[userID]
	if ok {
		entry.updatesSinceCompact++
		entry.lastUpdateID = id
	}
	needCompact := ok && entry.updatesSinceCompact >= m.backlog
	m.mu.Unlock()

	if needCompact {
		return m.compact(ctx, userID, entry)
	}
	return nil
}

func (m *Manager) compact(ctx context.Context, userID string, entry *replicaEntry) error {
	snapshot := entry.store.Save()

	m.mu.Lock()
	throughID := entry.lastUpdateID
	m.mu.Unlock()

	if err := m.db.CompactReplica(ctx, userID, snapshot, throughID); err != nil {
		return err
	}
	m.cache.Put(userID, snapshot)
	metrics.SnapshotCompactions.Inc()

	m.mu.Lock()
	entry.updatesSinceCompact = 0
	m.mu.Unlock()

	m.log.Info("replica compacted",
		slog.String("user_id", userID),
		slog.Int("snapshot_bytes", len(snapshot)))
	return nil
}

// janitor evicts replicas idle past the TTL, compacting each before the
// memory is released.
func (m *Manager) janitor() {
	defer close(m.done)
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

func (m *Manager) evictIdle() {
	cutoff := time.Now().Add(-m.ttl)

	m.mu.Lock()
	var victims []string
	for userID, entry := range m.replicas {
		if entry.lastAccess.Before(cutoff) {
			victims = append(victims, userID)
		}
	}
	m.mu.Unlock()

	for _, userID := range victims {
		m.mu.Lock()
		entry, ok := m.replicas[userID]
		if !ok || !entry.lastAccess.Before(cutoff) {
			m.mu.Unlock()
			continue
		}
		delete(m.replicas, userID)
		metrics.ReplicasInMemory.Set(float64(len(m.replicas)))
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := m.compact(ctx, userID, entry); err != nil {
			m.log.Error("failed to persist evicted replica",
				slog.String("user_id", userID),
				slog.String("error", err.Error()))
		}
		cancel()
		metrics.ReplicaCacheEvictions.Inc()
		m.log.Info("evicted idle replica", slog.String("user_id", userID))
	}
}

// Shutdown stops the janitor and compacts every resident replica.
func (m *Manager) Shutdown(ctx context.Context) {
	close(m.stop)
	<-m.done

	m.mu.Lock()
	resident := make(map[string]*replicaEntry, len(m.replicas))
	for userID, entry := range m.replicas {
		resident[userID] = entry
	}
	m.replicas = make(map[string]*replicaEntry)
	m.mu.Unlock()

	for userID, entry := range resident {
		if err := m.compact(ctx, userID, entry); err != nil {
			m.log.Error("failed to persist replica during shutdown",
				slog.String("user_id", userID),
				slog.String("error", err.Error()))
		}
	}
}

package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence adapter for replicated documents. Documents are
// stored as a base snapshot plus an append-only log of incremental updates;
// the update log is folded into a fresh snapshot once it grows past the
// configured backlog.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DocParts is the stored form of one user's document.
type DocParts struct {
	Snapshot    []byte
	Updates     [][]byte
	MaxUpdateID int64
}

// LoadDocParts fetches the snapshot and the update log tail for a user.
// A user with no rows yields empty parts, not an error.
func (s *Store) LoadDocParts(ctx context.Context, userID string) (DocParts, error) {
	var parts DocParts

	var compactedThrough int64
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot, compacted_through FROM replica_snapshots WHERE user_id = $1`,
		userID,
	).Scan(&parts.Snapshot, &compactedThrough)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return DocParts{}, fmt.Errorf("failed to load snapshot: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload FROM replica_updates WHERE user_id = $1 AND id > $2 ORDER BY id`,
		userID, compactedThrough,
	)
	if err != nil {
		return DocParts{}, fmt.Errorf("failed to load updates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return DocParts{}, fmt.Errorf("failed to scan update: %w", err)
		}
		parts.Updates = append(parts.Updates, payload)
		parts.MaxUpdateID = id
	}
	if err := rows.Err(); err != nil {
		return DocParts{}, fmt.Errorf("failed to iterate updates: %w", err)
	}
	return parts, nil
}

// SaveUpdate appends one incremental update to a user's log and returns its
// log position.
func (s *Store) SaveUpdate(ctx context.Context, userID string, payload []byte) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO replica_updates (user_id, payload) VALUES ($1, $2) RETURNING id`,
		userID, payload,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to save update: %w", err)
	}
	return id, nil
}

// UpdateBacklog counts the log entries not yet folded into the snapshot.
func (s *Store) UpdateBacklog(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM replica_updates u
		 WHERE u.user_id = $1
		   AND u.id > COALESCE((SELECT compacted_through FROM replica_snapshots WHERE user_id = $1), 0)`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count backlog: %w", err)
	}
	return count, nil
}

// CompactReplica stores a fresh full snapshot and deletes the log entries it
// covers, in one transaction.
func (s *Store) CompactReplica(ctx context.Context, userID string, snapshot []byte, throughID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin compaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO replica_snapshots (user_id, snapshot, compacted_through, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (user_id) DO UPDATE
		 SET snapshot = EXCLUDED.snapshot,
		     compacted_through = EXCLUDED.compacted_through,
		     updated_at = now()`,
		userID, snapshot, throughID,
	)
	if err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM replica_updates WHERE user_id = $1 AND id <= $2`,
		userID, throughID,
	)
	if err != nil {
		return fmt.Errorf("failed to prune update log: %w", err)
	}
	return tx.Commit()
}

// ListLegacyChats returns the raw legacy chat records for a user.
func (s *Store) ListLegacyChats(ctx context.Context, userID string) ([]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM legacy_chats WHERE user_id = $1 ORDER BY created_at`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list legacy chats: %w", err)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var record json.RawMessage
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("failed to scan legacy chat: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate legacy chats: %w", err)
	}
	return out, nil
}

// SaveShare stores a frozen chat snapshot under a share ID.
func (s *Store) SaveShare(ctx context.Context, shareID, userID, chatID string, snapshot []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_shares (id, user_id, chat_id, snapshot) VALUES ($1, $2, $3, $4)`,
		shareID, userID, chatID, snapshot,
	)
	if err != nil {
		return fmt.Errorf("failed to save share: %w", err)
	}
	return nil
}

// GetShare fetches a shared chat snapshot by share ID.
func (s *Store) GetShare(ctx context.Context, shareID string) ([]byte, error) {
	var snapshot []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM chat_shares WHERE id = $1`,
		shareID,
	).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load share: %w", err)
	}
	return snapshot, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrIdentityNotFound is returned when no identity exists for a nickname.
var ErrIdentityNotFound = errors.New("identity not found")

// SystemNickname is the author of announcements.
const SystemNickname = "SYSTEM"

// Activity actions.
const (
	ActionJoin  = "join"
	ActionLeave = "leave"
)

// Identity is the durable per-nickname record.
type Identity struct {
	Nickname      string    `json:"nickname"`
	Reputation    int64     `json:"xp"`
	MessageCount  int64     `json:"messageCount"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	IsMuted       bool      `json:"isMuted"`
	IsOnline      bool      `json:"isOnline"`
	LastActive    time.Time `json:"lastActive"`
	CreatedAt     time.Time `json:"createdAt"`
}

// IdentityPatch describes a keyed update. Nil fields are left untouched;
// deltas are applied atomically by the database.
type IdentityPatch struct {
	IsOnline          *bool
	LastActive        *time.Time
	IsMuted           *bool
	Reputation        *int64
	ReputationDelta   int64
	MessageCountDelta int64
	LastMessageAt     *time.Time
}

// MessageRecord is a persisted chat message.
type MessageRecord struct {
	ID        int64
	Nickname  string
	Content   string
	IsSystem  bool
	CreatedAt time.Time
}

// ActivityRecord is one join/leave log entry.
type ActivityRecord struct {
	ID        int64     `json:"id"`
	Nickname  string    `json:"nickname"`
	Action    string    `json:"action"`
	CreatedAt time.Time `json:"timestamp"`
}

// IdentityFilter restricts CountIdentities.
type IdentityFilter struct {
	Online *bool
	Muted  *bool
}

// SortKey selects the ordering of TopIdentities.
type SortKey string

const (
	SortByReputation   SortKey = "reputation"
	SortByMessageCount SortKey = "message_count"
	SortByLastActive   SortKey = "last_active"
)

// Store persists chat state in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS identities (
	nickname TEXT PRIMARY KEY,
	reputation INTEGER NOT NULL DEFAULT 0 CHECK(reputation >= 0),
	message_count INTEGER NOT NULL DEFAULT 0 CHECK(message_count >= 0),
	last_message_at_unix_ms INTEGER NOT NULL DEFAULT 0,
	is_muted INTEGER NOT NULL DEFAULT 0,
	is_online INTEGER NOT NULL DEFAULT 0,
	last_active_unix_ms INTEGER NOT NULL DEFAULT 0,
	created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_identities_reputation ON identities(reputation);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	nickname TEXT NOT NULL,
	content TEXT NOT NULL,
	is_system INTEGER NOT NULL DEFAULT 0,
	created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at_unix_ms);

CREATE TABLE IF NOT EXISTS activities (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	nickname TEXT NOT NULL,
	action TEXT NOT NULL CHECK(action IN ('join', 'leave')),
	created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activities_created_at ON activities(created_at_unix_ms);
`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	slog.Debug("sqlite migrations applied")
	return nil
}

const identityColumns = `nickname, reputation, message_count, last_message_at_unix_ms, is_muted, is_online, last_active_unix_ms, created_at_unix_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (Identity, error) {
	var (
		id                           Identity
		lastMsg, lastActive, created int64
		muted, online                bool
	)
	if err := row.Scan(&id.Nickname, &id.Reputation, &id.MessageCount, &lastMsg, &muted, &online, &lastActive, &created); err != nil {
		return Identity{}, err
	}
	id.LastMessageAt = fromUnixMilli(lastMsg)
	id.LastActive = fromUnixMilli(lastActive)
	id.CreatedAt = fromUnixMilli(created)
	id.IsMuted = muted
	id.IsOnline = online
	return id, nil
}

// FindIdentity returns the identity for nickname or ErrIdentityNotFound.
func (s *Store) FindIdentity(ctx context.Context, nickname string) (Identity, error) {
	q := `SELECT ` + identityColumns + ` FROM identities WHERE nickname = ?`
	id, err := scanIdentity(s.db.QueryRowContext(ctx, q, nickname))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Identity{}, ErrIdentityNotFound
		}
		return Identity{}, fmt.Errorf("query identity: %w", err)
	}
	return id, nil
}

// UpsertIdentity creates the identity with defaults when absent, applies
// patch and returns the resulting row. Both steps run in one transaction.
func (s *Store) UpsertIdentity(ctx context.Context, nickname string, patch IdentityPatch) (Identity, error) {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return Identity{}, fmt.Errorf("nickname is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Identity{}, fmt.Errorf("begin upsert identity: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const ins = `INSERT INTO identities (nickname, created_at_unix_ms, last_active_unix_ms) VALUES (?, ?, ?) ON CONFLICT(nickname) DO NOTHING`
	now := time.Now().UnixMilli()
	res, err := tx.ExecContext(ctx, ins, nickname, now, now)
	if err != nil {
		return Identity{}, fmt.Errorf("insert identity: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Debug("identity created", "nickname", nickname)
	}

	id, err := updateIdentity(ctx, tx, nickname, patch)
	if err != nil {
		return Identity{}, err
	}
	if err := tx.Commit(); err != nil {
		return Identity{}, fmt.Errorf("commit upsert identity: %w", err)
	}
	return id, nil
}

// UpdateIdentity applies patch to an existing identity and returns the
// resulting row, or ErrIdentityNotFound.
func (s *Store) UpdateIdentity(ctx context.Context, nickname string, patch IdentityPatch) (Identity, error) {
	return updateIdentity(ctx, s.db, nickname, patch)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func updateIdentity(ctx context.Context, q queryer, nickname string, patch IdentityPatch) (Identity, error) {
	sets, args := patchClauses(patch)
	if len(sets) == 0 {
		// Touch nothing but still report the row.
		sets = append(sets, "nickname = nickname")
	}
	stmt := `UPDATE identities SET ` + strings.Join(sets, ", ") + ` WHERE nickname = ? RETURNING ` + identityColumns
	args = append(args, nickname)

	id, err := scanIdentity(q.QueryRowContext(ctx, stmt, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Identity{}, ErrIdentityNotFound
		}
		return Identity{}, fmt.Errorf("update identity: %w", err)
	}
	return id, nil
}

func patchClauses(p IdentityPatch) ([]string, []any) {
	var (
		sets []string
		args []any
	)
	if p.IsOnline != nil {
		sets = append(sets, "is_online = ?")
		args = append(args, *p.IsOnline)
	}
	if p.LastActive != nil {
		sets = append(sets, "last_active_unix_ms = ?")
		args = append(args, p.LastActive.UnixMilli())
	}
	if p.IsMuted != nil {
		sets = append(sets, "is_muted = ?")
		args = append(args, *p.IsMuted)
	}
	switch {
	case p.Reputation != nil:
		sets = append(sets, "reputation = MAX(0, ? + ?)")
		args = append(args, *p.Reputation, p.ReputationDelta)
	case p.ReputationDelta != 0:
		sets = append(sets, "reputation = MAX(0, reputation + ?)")
		args = append(args, p.ReputationDelta)
	}
	if p.MessageCountDelta != 0 {
		sets = append(sets, "message_count = MAX(0, message_count + ?)")
		args = append(args, p.MessageCountDelta)
	}
	if p.LastMessageAt != nil {
		sets = append(sets, "last_message_at_unix_ms = ?")
		args = append(args, p.LastMessageAt.UnixMilli())
	}
	return sets, args
}

// ResetPresence clears is_online for every identity. Presence does not
// survive a restart, so flags left by a previous process are stale.
func (s *Store) ResetPresence(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE identities SET is_online = 0 WHERE is_online = 1`)
	if err != nil {
		return 0, fmt.Errorf("reset presence: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountIdentities counts identities matching filter.
func (s *Store) CountIdentities(ctx context.Context, filter IdentityFilter) (int64, error) {
	var (
		where []string
		args  []any
	)
	if filter.Online != nil {
		where = append(where, "is_online = ?")
		args = append(args, *filter.Online)
	}
	if filter.Muted != nil {
		where = append(where, "is_muted = ?")
		args = append(args, *filter.Muted)
	}
	q := `SELECT COUNT(*) FROM identities`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}

	var n int64
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count identities: %w", err)
	}
	return n, nil
}

// TopIdentities returns up to n identities ordered by key, descending.
func (s *Store) TopIdentities(ctx context.Context, n int, key SortKey) ([]Identity, error) {
	if n <= 0 {
		n = 10
	}
	var order string
	switch key {
	case SortByReputation, "":
		order = "reputation DESC, message_count DESC, nickname ASC"
	case SortByMessageCount:
		order = "message_count DESC, reputation DESC, nickname ASC"
	case SortByLastActive:
		order = "last_active_unix_ms DESC, nickname ASC"
	default:
		return nil, fmt.Errorf("unsupported sort key %q", key)
	}

	q := `SELECT ` + identityColumns + ` FROM identities ORDER BY ` + order + ` LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, n)
	if err != nil {
		return nil, fmt.Errorf("query top identities: %w", err)
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		id, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// AppendMessage persists a message and returns the assigned ID.
func (s *Store) AppendMessage(ctx context.Context, msg MessageRecord) (int64, error) {
	if strings.TrimSpace(msg.Nickname) == "" {
		return 0, fmt.Errorf("message nickname is required")
	}
	if msg.Content == "" {
		return 0, fmt.Errorf("message content is required")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	const q = `INSERT INTO messages (nickname, content, is_system, created_at_unix_ms) VALUES (?, ?, ?, ?)`
	result, err := s.db.ExecContext(ctx, q, msg.Nickname, msg.Content, msg.IsSystem, msg.CreatedAt.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	id, _ := result.LastInsertId()
	slog.Debug("message persisted", "msg_id", id, "nickname", msg.Nickname, "system", msg.IsSystem)
	return id, nil
}

// RecentMessages returns up to limit messages, newest first.
func (s *Store) RecentMessages(ctx context.Context, limit int) ([]MessageRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT id, nickname, content, is_system, created_at_unix_ms
FROM messages
ORDER BY created_at_unix_ms DESC, id DESC
LIMIT ?
`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []MessageRecord
	for rows.Next() {
		var (
			m  MessageRecord
			ts int64
		)
		if err := rows.Scan(&m.ID, &m.Nickname, &m.Content, &m.IsSystem, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = fromUnixMilli(ts)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MessageCount returns the number of persisted messages.
func (s *Store) MessageCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// AppendActivity persists one join/leave record.
func (s *Store) AppendActivity(ctx context.Context, rec ActivityRecord) error {
	if rec.Action != ActionJoin && rec.Action != ActionLeave {
		return fmt.Errorf("unsupported activity action %q", rec.Action)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	const q = `INSERT INTO activities (nickname, action, created_at_unix_ms) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, rec.Nickname, rec.Action, rec.CreatedAt.UnixMilli()); err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// RecentActivities returns up to limit activity records, newest first.
func (s *Store) RecentActivities(ctx context.Context, limit int) ([]ActivityRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `
SELECT id, nickname, action, created_at_unix_ms
FROM activities
ORDER BY created_at_unix_ms DESC, id DESC
LIMIT ?
`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query activities: %w", err)
	}
	defer rows.Close()

	var out []ActivityRecord
	for rows.Next() {
		var (
			a  ActivityRecord
			ts int64
		)
		if err := rows.Scan(&a.ID, &a.Nickname, &a.Action, &ts); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		a.CreatedAt = fromUnixMilli(ts)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Backup writes a consistent copy of the database to destPath.
func (s *Store) Backup(destPath string) error {
	if _, err := s.db.Exec(`VACUUM INTO ?`, destPath); err != nil {
		return fmt.Errorf("backup database: %w", err)
	}
	return nil
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

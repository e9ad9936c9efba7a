// Package store is the persistence bridge: it mirrors each room's durable
// state (configuration, invites, bans, last-seen counters) in an embedded
// SQLite database so a room survives process restarts between connections.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// migrations holds the ordered list of DDL statements that bring the schema
// up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 — settings key/value store
	`CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	// v2 — per-room configuration
	`CREATE TABLE IF NOT EXISTS rooms (
		room_id                TEXT PRIMARY KEY,
		room_type              TEXT NOT NULL,
		creator_id             TEXT NOT NULL,
		enable_message_count   INTEGER NOT NULL DEFAULT 1,
		count_visible_to_user  INTEGER NOT NULL DEFAULT 0,
		count_visible_to_guest INTEGER NOT NULL DEFAULT 0,
		message_count          INTEGER NOT NULL DEFAULT 0 CHECK(message_count >= 0),
		privacy_json           TEXT NOT NULL DEFAULT '',
		created_at             INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v3 — invite links
	`CREATE TABLE IF NOT EXISTS invites (
		code        TEXT NOT NULL,
		room_id     TEXT NOT NULL,
		role        TEXT NOT NULL,
		created_by  TEXT NOT NULL DEFAULT '',
		expires_at  INTEGER NOT NULL DEFAULT 0,
		usage_count INTEGER NOT NULL DEFAULT 0,
		max_usage   INTEGER NOT NULL DEFAULT 0,
		created_at  INTEGER NOT NULL DEFAULT (unixepoch()),
		PRIMARY KEY (room_id, code)
	)`,
	// v4 — ban records
	`CREATE TABLE IF NOT EXISTS bans (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id   TEXT NOT NULL,
		kind      TEXT NOT NULL,
		value     TEXT NOT NULL,
		banned_by TEXT NOT NULL DEFAULT '',
		reason    TEXT NOT NULL DEFAULT '',
		banned_at INTEGER NOT NULL DEFAULT 0
	)`,
	// v5 — last-seen message counters
	`CREATE TABLE IF NOT EXISTS last_seen (
		room_id       TEXT NOT NULL,
		identity      TEXT NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (room_id, identity)
	)`,
	// v6 — indexes for per-room lookups
	`CREATE INDEX IF NOT EXISTS idx_bans_room ON bans(room_id)`,
	// v7 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Store wraps a SQLite database and owns every durable room entity.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage (tests).
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Allow multiple read connections but serialise writes.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		slog.Warn("set busy_timeout", "err", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	slog.Info("sqlite store opened", "path", path)
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the schema_migrations table (if absent) and applies any
// migrations whose version number exceeds the current maximum.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		slog.Debug("applied migration", "version", v)
	}
	return nil
}

// Privacy mirrors a room's guest-visibility configuration. A nil Privacy on
// RoomConfig means the room is public and carries none.
type Privacy struct {
	GuestCanViewMessages bool `json:"guestCanViewMessages"`
	GuestCanViewUserList bool `json:"guestCanViewUserList"`
	RequireInviteToJoin  bool `json:"requireInviteToJoin"`
}

// RoomConfig is one row of the rooms table.
type RoomConfig struct {
	RoomID              string
	Type                string
	CreatorID           string
	EnableMessageCount  bool
	CountVisibleToUser  bool
	CountVisibleToGuest bool
	MessageCount        int64
	Privacy             *Privacy
}

// SaveRoomConfig upserts a room's configuration row.
func (s *Store) SaveRoomConfig(cfg RoomConfig) error {
	privacyJSON := ""
	if cfg.Privacy != nil {
		raw, err := json.Marshal(cfg.Privacy)
		if err != nil {
			return fmt.Errorf("marshal privacy config: %w", err)
		}
		privacyJSON = string(raw)
	}

	_, err := s.db.Exec(
		`INSERT INTO rooms(room_id, room_type, creator_id, enable_message_count,
			count_visible_to_user, count_visible_to_guest, message_count, privacy_json)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(room_id) DO UPDATE SET
			room_type = excluded.room_type,
			creator_id = excluded.creator_id,
			enable_message_count = excluded.enable_message_count,
			count_visible_to_user = excluded.count_visible_to_user,
			count_visible_to_guest = excluded.count_visible_to_guest,
			message_count = excluded.message_count,
			privacy_json = excluded.privacy_json`,
		cfg.RoomID, cfg.Type, cfg.CreatorID,
		boolToInt(cfg.EnableMessageCount),
		boolToInt(cfg.CountVisibleToUser),
		boolToInt(cfg.CountVisibleToGuest),
		cfg.MessageCount, privacyJSON,
	)
	if err != nil {
		return fmt.Errorf("save room config: %w", err)
	}
	slog.Debug("room config saved", "room_id", cfg.RoomID, "type", cfg.Type, "message_count", cfg.MessageCount)
	return nil
}

// LoadRoomConfig returns the configuration for roomID. The second return
// value is false when the room has no persisted configuration.
func (s *Store) LoadRoomConfig(roomID string) (RoomConfig, bool, error) {
	var (
		cfg                     RoomConfig
		enable, toUser, toGuest int
		privacyJSON             string
	)
	err := s.db.QueryRow(
		`SELECT room_id, room_type, creator_id, enable_message_count,
			count_visible_to_user, count_visible_to_guest, message_count, privacy_json
		 FROM rooms WHERE room_id = ?`, roomID,
	).Scan(&cfg.RoomID, &cfg.Type, &cfg.CreatorID, &enable, &toUser, &toGuest, &cfg.MessageCount, &privacyJSON)
	if err == sql.ErrNoRows {
		return RoomConfig{}, false, nil
	}
	if err != nil {
		return RoomConfig{}, false, fmt.Errorf("load room config: %w", err)
	}

	cfg.EnableMessageCount = enable != 0
	cfg.CountVisibleToUser = toUser != 0
	cfg.CountVisibleToGuest = toGuest != 0
	if privacyJSON != "" {
		var p Privacy
		if err := json.Unmarshal([]byte(privacyJSON), &p); err != nil {
			return RoomConfig{}, false, fmt.Errorf("unmarshal privacy config: %w", err)
		}
		cfg.Privacy = &p
	}
	return cfg, true, nil
}

// ListRoomIDs returns the ids of all rooms with persisted configuration.
func (s *Store) ListRoomIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT room_id FROM rooms ORDER BY room_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Invite is one row of the invites table.
type Invite struct {
	Code       string
	RoomID     string
	Role       string
	CreatedBy  string
	ExpiresAt  int64 // Unix ms, 0 = never
	UsageCount int
	MaxUsage   int // 0 = unlimited
}

// UpsertInvite inserts or updates one invite row. Redemption updates reuse
// this to bump the usage counter.
func (s *Store) UpsertInvite(inv Invite) error {
	_, err := s.db.Exec(
		`INSERT INTO invites(code, room_id, role, created_by, expires_at, usage_count, max_usage)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(room_id, code) DO UPDATE SET
			role = excluded.role,
			usage_count = excluded.usage_count,
			expires_at = excluded.expires_at,
			max_usage = excluded.max_usage`,
		inv.Code, inv.RoomID, inv.Role, inv.CreatedBy, inv.ExpiresAt, inv.UsageCount, inv.MaxUsage,
	)
	if err != nil {
		return fmt.Errorf("upsert invite: %w", err)
	}
	return nil
}

// DeleteInvite removes one invite. Deleting an unknown code is not an error.
func (s *Store) DeleteInvite(roomID, code string) error {
	_, err := s.db.Exec(`DELETE FROM invites WHERE room_id = ? AND code = ?`, roomID, code)
	return err
}

// LoadInvites returns all invites for a room keyed by code.
func (s *Store) LoadInvites(roomID string) (map[string]Invite, error) {
	rows, err := s.db.Query(
		`SELECT code, room_id, role, created_by, expires_at, usage_count, max_usage
		 FROM invites WHERE room_id = ?`, roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	invites := make(map[string]Invite)
	for rows.Next() {
		var inv Invite
		if err := rows.Scan(&inv.Code, &inv.RoomID, &inv.Role, &inv.CreatedBy, &inv.ExpiresAt, &inv.UsageCount, &inv.MaxUsage); err != nil {
			return nil, err
		}
		invites[inv.Code] = inv
	}
	return invites, rows.Err()
}

// DeleteAllInvites wipes a room's invite set (used by the private→public reset).
func (s *Store) DeleteAllInvites(roomID string) error {
	_, err := s.db.Exec(`DELETE FROM invites WHERE room_id = ?`, roomID)
	return err
}

// Ban is one row of the bans table.
type Ban struct {
	RoomID   string
	Kind     string // "keyFingerprint" or "ip"
	Value    string
	BannedBy string
	Reason   string
	BannedAt int64 // Unix ms
}

// InsertBan appends one ban record.
func (s *Store) InsertBan(b Ban) error {
	_, err := s.db.Exec(
		`INSERT INTO bans(room_id, kind, value, banned_by, reason, banned_at) VALUES(?,?,?,?,?,?)`,
		b.RoomID, b.Kind, b.Value, b.BannedBy, b.Reason, b.BannedAt,
	)
	if err != nil {
		return fmt.Errorf("insert ban: %w", err)
	}
	return nil
}

// DeleteBans removes every ban matching kind+value in a room (unban).
func (s *Store) DeleteBans(roomID, kind, value string) error {
	_, err := s.db.Exec(
		`DELETE FROM bans WHERE room_id = ? AND kind = ? AND value = ?`,
		roomID, kind, value,
	)
	return err
}

// LoadBans returns a room's ban list in insertion order.
func (s *Store) LoadBans(roomID string) ([]Ban, error) {
	rows, err := s.db.Query(
		`SELECT room_id, kind, value, banned_by, reason, banned_at
		 FROM bans WHERE room_id = ? ORDER BY id ASC`, roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bans []Ban
	for rows.Next() {
		var b Ban
		if err := rows.Scan(&b.RoomID, &b.Kind, &b.Value, &b.BannedBy, &b.Reason, &b.BannedAt); err != nil {
			return nil, err
		}
		bans = append(bans, b)
	}
	return bans, rows.Err()
}

// DeleteAllBans wipes a room's ban list (used by the private→public reset).
func (s *Store) DeleteAllBans(roomID string) error {
	_, err := s.db.Exec(`DELETE FROM bans WHERE room_id = ?`, roomID)
	return err
}

// SetLastSeen records the room message count an identity last observed.
func (s *Store) SetLastSeen(roomID, identity string, messageCount int64) error {
	_, err := s.db.Exec(
		`INSERT INTO last_seen(room_id, identity, message_count) VALUES(?,?,?)
		 ON CONFLICT(room_id, identity) DO UPDATE SET message_count = excluded.message_count`,
		roomID, identity, messageCount,
	)
	if err != nil {
		return fmt.Errorf("set last seen: %w", err)
	}
	return nil
}

// LoadLastSeen returns the identity→last-seen-count map for a room.
func (s *Store) LoadLastSeen(roomID string) (map[string]int64, error) {
	rows, err := s.db.Query(
		`SELECT identity, message_count FROM last_seen WHERE room_id = ?`, roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[string]int64)
	for rows.Next() {
		var identity string
		var count int64
		if err := rows.Scan(&identity, &count); err != nil {
			return nil, err
		}
		seen[identity] = count
	}
	return seen, rows.Err()
}

// ClearRoom deletes every durable entity belonging to roomID in a single
// transaction. This is the room-teardown path: after a fully-empty period
// the room has no memory.
func (s *Store) ClearRoom(roomID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin teardown: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM rooms WHERE room_id = ?`,
		`DELETE FROM invites WHERE room_id = ?`,
		`DELETE FROM bans WHERE room_id = ?`,
		`DELETE FROM last_seen WHERE room_id = ?`,
	} {
		if _, err := tx.Exec(q, roomID); err != nil {
			return fmt.Errorf("teardown room %s: %w", roomID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit teardown: %w", err)
	}
	slog.Info("room state cleared", "room_id", roomID)
	return nil
}

// GetSetting returns the value stored under key. The second return value is
// false when the key does not exist.
func (s *Store) GetSetting(key string) (string, bool, error) {
	var val string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&val)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// SetSetting upserts key → value in the settings table.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// GetAllSettings returns all key/value pairs from the settings table.
func (s *Store) GetAllSettings() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		settings[k] = v
	}
	return settings, rows.Err()
}

// Backup creates a copy of the database at the given path using SQLite's
// backup API through VACUUM INTO.
func (s *Store) Backup(destPath string) error {
	_, err := s.db.Exec(`VACUUM INTO ?`, destPath)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

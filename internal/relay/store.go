package relay

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrCodeNotFound = errors.New("relay: pairing code not found")
	ErrCodeExpired  = errors.New("relay: pairing code expired")
	ErrCodeUsed     = errors.New("relay: pairing code already matched")
	ErrRoomNotFound = errors.New("relay: room not found")
)

// Store persists rooms and pairing codes so pairings survive a relay
// restart.
type Store struct {
	db *sql.DB
}

// OpenStore opens or creates the relay database in dataDir.
func OpenStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, "relay.db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS rooms (
			id         TEXT PRIMARY KEY,
			peer_a     TEXT NOT NULL,
			peer_b     TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS pairing_codes (
			code       TEXT PRIMARY KEY,
			peer_id    TEXT NOT NULL,
			room_id    TEXT REFERENCES rooms(id),
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Store{db: db}, nil
}

// CreateCode stores a fresh pairing code owned by peerID.
func (s *Store) CreateCode(code, peerID string, ttl time.Duration) error {
	_, err := s.db.Exec(
		`INSERT INTO pairing_codes (code, peer_id, expires_at) VALUES (?, ?, ?)`,
		code, peerID, time.Now().Add(ttl).UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert pairing code: %w", err)
	}
	return nil
}

// MatchCode pairs joinerID against an open code, creating the room. Returns
// the code creator's peer ID.
func (s *Store) MatchCode(code, joinerID, roomID string) (creatorID string, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var existingRoom sql.NullString
	var expiresAt time.Time
	err = tx.QueryRow(
		`SELECT peer_id, room_id, expires_at FROM pairing_codes WHERE code = ?`, code,
	).Scan(&creatorID, &existingRoom, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrCodeNotFound
	}
	if err != nil {
		return "", fmt.Errorf("select pairing code: %w", err)
	}
	if existingRoom.Valid {
		return "", ErrCodeUsed
	}
	if time.Now().After(expiresAt) {
		return "", ErrCodeExpired
	}

	if _, err := tx.Exec(
		`INSERT INTO rooms (id, peer_a, peer_b) VALUES (?, ?, ?)`,
		roomID, creatorID, joinerID,
	); err != nil {
		return "", fmt.Errorf("insert room: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE pairing_codes SET room_id = ? WHERE code = ?`, roomID, code,
	); err != nil {
		return "", fmt.Errorf("mark code matched: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return creatorID, nil
}

// CodeStatus reports whether a code has been matched and with which room.
func (s *Store) CodeStatus(code string) (roomID string, matched bool, err error) {
	var room sql.NullString
	err = s.db.QueryRow(
		`SELECT room_id FROM pairing_codes WHERE code = ?`, code,
	).Scan(&room)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, ErrCodeNotFound
	}
	if err != nil {
		return "", false, fmt.Errorf("select pairing code: %w", err)
	}
	return room.String, room.Valid, nil
}

// IsParticipant reports whether peerID belongs to roomID.
func (s *Store) IsParticipant(roomID, peerID string) bool {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM rooms WHERE id = ? AND (peer_a = ? OR peer_b = ?)`,
		roomID, peerID, peerID,
	).Scan(&n)
	return err == nil && n > 0
}

// Room returns the two participants of a room.
func (s *Store) Room(roomID string) (peerA, peerB string, err error) {
	err = s.db.QueryRow(
		`SELECT peer_a, peer_b FROM rooms WHERE id = ?`, roomID,
	).Scan(&peerA, &peerB)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrRoomNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("select room: %w", err)
	}
	return peerA, peerB, nil
}

// PurgeExpired deletes unmatched codes past their expiry.
func (s *Store) PurgeExpired() error {
	_, err := s.db.Exec(
		`DELETE FROM pairing_codes WHERE room_id IS NULL AND expires_at < ?`,
		time.Now().UTC(),
	)
	return err
}

func (s *Store) Close() error { return s.db.Close() }

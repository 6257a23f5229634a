package persist

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB archives final room snapshots when rooms are abandoned. It is the
// optional persistence collaborator: the synchronizer runs fine without it.
type DB struct {
	conn *sql.DB
}

func Connect(dsn string) (*DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	log.Println("[DB] Connected to PostgreSQL")
	return &DB{conn: conn}, nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) Ping() error {
	return d.conn.Ping()
}

func (d *DB) Migrate() error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations dir: %w", err)
	}

	for _, entry := range entries {
		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}
		if _, err := d.conn.Exec(string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", entry.Name(), err)
		}
		log.Printf("[DB] Applied migration: %s\n", entry.Name())
	}
	return nil
}

type Snapshot struct {
	RoomCode    string
	Version     int
	State       json.RawMessage
	AbandonedAt time.Time
}

// SaveSnapshot upserts the final state of an abandoned room. Re-abandoning
// a code (create, abandon, recreate) keeps the latest snapshot.
func (d *DB) SaveSnapshot(code string, version int, state json.RawMessage) error {
	_, err := d.conn.Exec(`
		INSERT INTO room_snapshots (room_code, version, state, abandoned_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (room_code)
		DO UPDATE SET version = $2, state = $3, abandoned_at = now()
	`, code, version, []byte(state))
	if err != nil {
		return fmt.Errorf("saving snapshot for %s: %w", code, err)
	}
	return nil
}

func (d *DB) GetSnapshot(code string) (*Snapshot, error) {
	var snap Snapshot
	var state []byte
	err := d.conn.QueryRow(`
		SELECT room_code, version, state, abandoned_at
		FROM room_snapshots WHERE room_code = $1
	`, code).Scan(&snap.RoomCode, &snap.Version, &state, &snap.AbandonedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot for %s: %w", code, err)
	}
	snap.State = state
	return &snap, nil
}

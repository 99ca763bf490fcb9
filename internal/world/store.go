package world

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"regexp"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrMapNotFound = errors.New("map not found")
	ErrInvalidName = errors.New("invalid map name")
)

var validName = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// MapStore persists obstacle maps in SQLite, one YAML document per row.
type MapStore struct {
	conn *sql.DB
}

// MapInfo is a map listing row.
type MapInfo struct {
	Name      string    `json:"name"`
	Rects     int       `json:"rects"`
	Circles   int       `json:"circles"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// OpenMapStore opens (or creates) the database at path.
func OpenMapStore(path string) (*MapStore, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open map store: %w", err)
	}

	// WAL lets the API read while a save is in flight
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &MapStore{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection
func (s *MapStore) Close() error {
	return s.conn.Close()
}

func (s *MapStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS maps (
		name TEXT PRIMARY KEY,
		body TEXT NOT NULL,
		rects INTEGER NOT NULL DEFAULT 0,
		circles INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.conn.Exec(schema); err != nil {
		log.Printf("⚠️ Map store migration error: %v", err)
		return fmt.Errorf("migrate map store: %w", err)
	}
	return nil
}

// Save inserts or replaces the map stored under name.
func (s *MapStore) Save(name string, m *ObstacleMap) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("save %q: %w", name, ErrInvalidName)
	}
	if err := m.Validate(); err != nil {
		return fmt.Errorf("save %q: %w", name, err)
	}
	stored := *m
	stored.Name = name
	body, err := MarshalMap(&stored)
	if err != nil {
		return fmt.Errorf("save %q: %w", name, err)
	}

	_, err = s.conn.Exec(`
		INSERT INTO maps (name, body, rects, circles, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			body = excluded.body,
			rects = excluded.rects,
			circles = excluded.circles,
			updated_at = excluded.updated_at`,
		name, string(body), len(m.Rects), len(m.Circles), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save %q: %w", name, err)
	}
	return nil
}

// Load returns the map stored under name.
func (s *MapStore) Load(name string) (*ObstacleMap, error) {
	var body string
	err := s.conn.QueryRow("SELECT body FROM maps WHERE name = ?", name).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load %q: %w", name, ErrMapNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", name, err)
	}
	m, err := ParseMap([]byte(body))
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", name, err)
	}
	return m, nil
}

// List returns every stored map, ordered by name.
func (s *MapStore) List() ([]MapInfo, error) {
	rows, err := s.conn.Query("SELECT name, rects, circles, updated_at FROM maps ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list maps: %w", err)
	}
	defer rows.Close()

	out := []MapInfo{}
	for rows.Next() {
		var info MapInfo
		var updated int64
		if err := rows.Scan(&info.Name, &info.Rects, &info.Circles, &updated); err != nil {
			return nil, fmt.Errorf("list maps: %w", err)
		}
		info.UpdatedAt = time.Unix(0, updated)
		out = append(out, info)
	}
	return out, rows.Err()
}

// Delete removes the map stored under name.
func (s *MapStore) Delete(name string) error {
	res, err := s.conn.Exec("DELETE FROM maps WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("delete %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %q: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("delete %q: %w", name, ErrMapNotFound)
	}
	return nil
}

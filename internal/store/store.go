package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store persists the small amount of state the automation core keeps
// between runs: the last time Dependabot PRs were picked up per repository,
// and an activity log of candidate outcomes.
type Store struct {
	conn *sql.DB
}

// ActivityEntry is one recorded candidate outcome.
type ActivityEntry struct {
	ID        string
	Repo      string
	Kind      string
	Number    int
	EventType string
	Detail    string
	CreatedAt time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS dependabot_runs (
	repo TEXT PRIMARY KEY,
	last_processed TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS activity_log (
	id TEXT PRIMARY KEY,
	repo TEXT NOT NULL,
	kind TEXT NOT NULL,
	number INTEGER NOT NULL DEFAULT 0,
	event_type TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);
`

// DefaultPath returns the store location under the user's home directory.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	dir := filepath.Join(home, ".auto-coder")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "auto-coder.db"), nil
}

// Open opens (creating if necessary) the store at the given path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("running schema migration: %w", err)
	}

	return &Store{conn: conn}, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

// LastDependabotRun returns when Dependabot PRs were last processed for the
// repository. ok is false when no run has been recorded.
func (s *Store) LastDependabotRun(repo string) (t time.Time, ok bool, err error) {
	row := s.conn.QueryRow(`SELECT last_processed FROM dependabot_runs WHERE repo = ?`, repo)

	var raw string
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("reading dependabot run: %w", err)
	}

	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing dependabot timestamp %q: %w", raw, err)
	}
	return parsed, true, nil
}

// RecordDependabotRun stores the given time as the last Dependabot pickup
// for the repository, replacing any previous value.
func (s *Store) RecordDependabotRun(repo string, at time.Time) error {
	_, err := s.conn.Exec(`
		INSERT INTO dependabot_runs (repo, last_processed) VALUES (?, ?)
		ON CONFLICT(repo) DO UPDATE SET last_processed = excluded.last_processed`,
		repo, at.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("recording dependabot run: %w", err)
	}
	return nil
}

// LogActivity records a candidate outcome.
func (s *Store) LogActivity(repo, kind string, number int, eventType, detail string) error {
	_, err := s.conn.Exec(`
		INSERT INTO activity_log (id, repo, kind, number, event_type, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), repo, kind, number, eventType, detail,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("logging activity: %w", err)
	}
	return nil
}

// ListActivity returns the most recent activity entries for a repository,
// newest first, up to limit.
func (s *Store) ListActivity(repo string, limit int) ([]ActivityEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.conn.Query(`
		SELECT id, repo, kind, number, event_type, detail, created_at
		FROM activity_log WHERE repo = ?
		ORDER BY created_at DESC, id LIMIT ?`, repo, limit)
	if err != nil {
		return nil, fmt.Errorf("listing activity: %w", err)
	}
	defer rows.Close()

	var entries []ActivityEntry
	for rows.Next() {
		var e ActivityEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Repo, &e.Kind, &e.Number, &e.EventType, &e.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning activity entry: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Package history provides SQLite-based persistence for the turns the
// assistant service answers. If opening the DB or executing queries fails,
// the store falls back to in-memory storage.
package history

import (
	"context"
	"database/sql"
	"slices"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/comigor/tripmate/internal/logger"
)

// Entry is one logged message of a session. Owner is the principal that
// opened the session; every entry of a session carries the same owner.
type Entry struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Owner     string    `json:"-"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionInfo summarizes one session of an owner.
type SessionInfo struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// Store is an append-only turn log keyed by session id.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	entries []Entry // in-memory fallback
	nextID  int64
}

// Open opens (and creates) the SQLite database at path. Failures are logged
// and leave the store in memory-only mode; an empty path skips SQLite.
func Open(path string) *Store {
	s := &Store{}
	if path == "" {
		logger.L.Infow("history DB path not set; using in-memory history")
		return s
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(10000)")
	if err != nil {
		logger.L.Warnw("sqlite open failed; using in-memory history", "error", err)
		return s
	}
	if err := migrate(db); err != nil {
		logger.L.Warnw("sqlite table creation failed; using in-memory history", "error", err)
		_ = db.Close()
		return s
	}
	logger.L.Infow("sqlite history DB initialized", "path", path)
	s.db = db
	return s
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		owner TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);`); err != nil {
		return err
	}
	// logs created before sessions had owners
	if _, err := db.Exec(`ALTER TABLE messages ADD COLUMN owner TEXT NOT NULL DEFAULT '';`); err != nil &&
		!strings.Contains(err.Error(), "duplicate column") {
		return err
	}
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS messages_session ON messages(session_id, id);
	CREATE INDEX IF NOT EXISTS messages_owner ON messages(owner, session_id);`)
	return err
}

// Persistent reports whether entries go to SQLite.
func (s *Store) Persistent() bool { return s.db != nil }

// Append stores e and returns it with its assigned id.
func (s *Store) Append(ctx context.Context, e Entry) (Entry, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.CreatedAt = e.CreatedAt.UTC()

	if s.db != nil {
		res, err := s.db.ExecContext(ctx, `INSERT INTO messages (session_id, owner, role, content, created_at) VALUES (?,?,?,?,?);`,
			e.SessionID, e.Owner, e.Role, e.Content, e.CreatedAt)
		if err == nil {
			e.ID, err = res.LastInsertId()
		}
		if err != nil {
			return Entry{}, err
		}
		return e, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	e.ID = s.nextID
	s.entries = append(s.entries, e)
	return e, nil
}

// Owner returns the owner of a session. found is false for unknown sessions.
func (s *Store) Owner(ctx context.Context, sessionID string) (owner string, found bool, err error) {
	if s.db != nil {
		err = s.db.QueryRowContext(ctx, `SELECT owner FROM messages WHERE session_id = ? ORDER BY id ASC LIMIT 1;`, sessionID).Scan(&owner)
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		if err != nil {
			return "", false, err
		}
		return owner, true, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.SessionID == sessionID {
			return e.Owner, true, nil
		}
	}
	return "", false, nil
}

// List returns the entries of a session owned by owner, in insertion order.
// A session of another owner reads as empty.
func (s *Store) List(ctx context.Context, owner, sessionID string) ([]Entry, error) {
	out := []Entry{}
	if s.db != nil {
		rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, owner, role, content, created_at FROM messages
			WHERE session_id = ? AND owner = ? ORDER BY id ASC;`, sessionID, owner)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		for rows.Next() {
			var e Entry
			if err := rows.Scan(&e.ID, &e.SessionID, &e.Owner, &e.Role, &e.Content, &e.CreatedAt); err != nil {
				return nil, err
			}
			out = append(out, e)
		}
		return out, rows.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.SessionID == sessionID && e.Owner == owner {
			out = append(out, e)
		}
	}
	return out, nil
}

// Sessions lists the sessions of owner, most recently updated first.
func (s *Store) Sessions(ctx context.Context, owner string) ([]SessionInfo, error) {
	out := []SessionInfo{}
	if s.db != nil {
		rows, err := s.db.QueryContext(ctx, `SELECT session_id, MIN(id), MAX(id), COUNT(*) FROM messages
			WHERE owner = ? GROUP BY session_id ORDER BY MAX(id) DESC;`, owner)
		if err != nil {
			return nil, err
		}
		type span struct {
			info        SessionInfo
			first, last int64
		}
		var spans []span
		for rows.Next() {
			var sp span
			if err := rows.Scan(&sp.info.ID, &sp.first, &sp.last, &sp.info.MessageCount); err != nil {
				rows.Close()
				return nil, err
			}
			spans = append(spans, sp)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		// aggregates lose the DATETIME column type, so read the stamps back by id
		for _, sp := range spans {
			if err := s.db.QueryRowContext(ctx, `SELECT created_at FROM messages WHERE id = ?;`, sp.first).Scan(&sp.info.CreatedAt); err != nil {
				return nil, err
			}
			if err := s.db.QueryRowContext(ctx, `SELECT created_at FROM messages WHERE id = ?;`, sp.last).Scan(&sp.info.UpdatedAt); err != nil {
				return nil, err
			}
			out = append(out, sp.info)
		}
		return out, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	index := map[string]int{}
	lastID := map[string]int64{}
	for _, e := range s.entries {
		if e.Owner != owner {
			continue
		}
		i, ok := index[e.SessionID]
		if !ok {
			i = len(out)
			index[e.SessionID] = i
			out = append(out, SessionInfo{ID: e.SessionID, CreatedAt: e.CreatedAt})
		}
		out[i].UpdatedAt = e.CreatedAt
		out[i].MessageCount++
		lastID[e.SessionID] = e.ID
	}
	slices.SortStableFunc(out, func(a, b SessionInfo) int {
		return int(lastID[b.ID] - lastID[a.ID])
	})
	return out, nil
}

// Close closes the database, if any.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

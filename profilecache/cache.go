// Package profilecache persists feedback profiles in SQLite so a restarted
// engine can warm up from what an earlier run learned.
package profilecache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/tiervm/vm"
	"github.com/chazu/tiervm/vm/wire"
)

// ErrNotFound indicates no profile is stored for a function and hash.
var ErrNotFound = errors.New("profile not found")

const schema = `CREATE TABLE IF NOT EXISTS profiles (
	function    TEXT    NOT NULL,
	hash        BLOB    NOT NULL,
	session     TEXT    NOT NULL,
	invocations INTEGER NOT NULL,
	data        BLOB    NOT NULL,
	updated     INTEGER NOT NULL,
	PRIMARY KEY (function, hash)
)`

// Cache stores one profile per function name and bytecode hash. Saving a
// profile for a key already present replaces it.
type Cache struct {
	db   *sql.DB
	path string
	log  commonlog.Logger
	mu   sync.Mutex
}

// Open opens or creates the cache database at path.
func Open(path string) (*Cache, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}
	return &Cache{db: db, path: path, log: commonlog.GetLogger("tiervm.profilecache")}, nil
}

// Close closes the database connection.
func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Path returns the database file.
func (c *Cache) Path() string { return c.path }

// Save stores the profiles of b that saw at least one invocation. It
// returns how many were written.
func (c *Cache) Save(ctx context.Context, b *wire.Bundle) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT OR REPLACE INTO profiles (function, hash, session, invocations, data, updated) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return 0, fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixNano()
	n := 0
	for i := range b.Profiles {
		p := &b.Profiles[i]
		if p.Invocations == 0 {
			continue
		}
		data, err := wire.EncodeProfile(p)
		if err != nil {
			return 0, fmt.Errorf("encoding %s: %w", p.Function, err)
		}
		if _, err := stmt.ExecContext(ctx, p.Function, p.Hash[:], b.Session, int64(p.Invocations), data, now); err != nil {
			return 0, fmt.Errorf("saving %s: %w", p.Function, err)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	c.log.Debugf("saved %d profiles to %s", n, c.path)
	return n, nil
}

// Lookup returns the profile stored for name and hash.
func (c *Cache) Lookup(ctx context.Context, name string, hash [32]byte) (*wire.Profile, error) {
	var data []byte
	err := c.db.QueryRowContext(ctx, "SELECT data FROM profiles WHERE function = ? AND hash = ?", name, hash[:]).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying profile: %w", err)
	}
	return wire.DecodeProfile(data)
}

// Bundle returns every stored profile, most invoked first.
func (c *Cache) Bundle(ctx context.Context) (*wire.Bundle, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT data FROM profiles ORDER BY invocations DESC, function")
	if err != nil {
		return nil, fmt.Errorf("querying profiles: %w", err)
	}
	defer rows.Close()

	b := &wire.Bundle{Version: wire.Version}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning profile: %w", err)
		}
		p, err := wire.DecodeProfile(data)
		if err != nil {
			return nil, err
		}
		b.Profiles = append(b.Profiles, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading profiles: %w", err)
	}
	return b, nil
}

// Count returns the number of stored profiles.
func (c *Cache) Count(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM profiles").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting profiles: %w", err)
	}
	return n, nil
}

// Prune deletes profiles last saved before cutoff.
func (c *Cache) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, err := c.db.ExecContext(ctx, "DELETE FROM profiles WHERE updated < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("pruning profiles: %w", err)
	}
	return res.RowsAffected()
}

// Warm seeds e with every stored profile matching a loaded function.
func (c *Cache) Warm(ctx context.Context, e *vm.Engine) (applied, skipped int, err error) {
	b, err := c.Bundle(ctx)
	if err != nil {
		return 0, 0, err
	}
	applied, skipped = e.ImportProfiles(b)
	return applied, skipped, nil
}

// Persist saves the current feedback of e.
func (c *Cache) Persist(ctx context.Context, e *vm.Engine) (int, error) {
	return c.Save(ctx, e.ExportProfiles())
}

// Package sitecache persists ProbeQuery resolution results keyed by kernel
// build-id and probe pattern, so that recompiling an unchanged probe script
// against an unchanged kernel image can reuse an earlier pattern resolution.
//
// A cache entry stores the resolved global addresses, specifiers, and
// return-probe flags for every ProbeSite a pattern produced; it does not
// (and cannot) store the live *dwarf.Entry scope each ProbeSite carries,
// since that handle is only valid against an open dwarfctx.Session. Callers
// that hit the cache must still open the session and re-walk to the cached
// address to recover a usable Scope; what the cache saves is the pattern
// resolution itself (module filtering, glob matching, prologue-end
// heuristics), which is the expensive part.
package sitecache

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const driverName = "sqlite"

//go:embed schema.sql
var schemaSQL string

// dsn builds a modernc.org/sqlite DSN from a path and pragma key-value
// pairs, each formatted as _pragma=key(value) in the query string.
func dsn(path string, pragmas [][2]string) string {
	s := path
	for i, p := range pragmas {
		if i == 0 {
			s += "?"
		} else {
			s += "&"
		}
		s += "_pragma=" + p[0] + "(" + p[1] + ")"
	}
	return s
}

// Site is the cacheable projection of a probequery.ProbeSite: everything
// except the live DWARF scope.
type Site struct {
	GlobalAddress uint64
	Specifier     string
	Return        bool
}

// Cache is a sqlite-backed (build_id, pattern) -> []Site store.
type Cache struct {
	db     *sql.DB
	logger *slog.Logger

	stmtGetResolution    *sql.Stmt
	stmtInsertResolution *sql.Stmt
	stmtGetSites         *sql.Stmt
	stmtInsertSite       *sql.Stmt
	stmtDeleteSites      *sql.Stmt
	stmtDeleteResolution *sql.Stmt
}

// Open creates or opens a Cache at dbPath.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sitecache", "db", dbPath)

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}

	db, err := sql.Open(driverName, dsn(dbPath, [][2]string{{"journal_mode", "WAL"}, {"foreign_keys", "1"}}))
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}

	c := &Cache{db: db, logger: logger}
	if err := c.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache database: %w", err)
	}
	if err := c.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare cache statements: %w", err)
	}

	logger.Debug("opened cache")
	return c, nil
}

// OpenInMemory creates an in-memory Cache, used by tests.
func OpenInMemory(ctx context.Context, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open(driverName, dsn(":memory:", [][2]string{{"foreign_keys", "1"}}))
	if err != nil {
		return nil, fmt.Errorf("open in-memory cache: %w", err)
	}
	c := &Cache{db: db, logger: logger.With("component", "sitecache", "db", ":memory:")}
	if err := c.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate in-memory cache: %w", err)
	}
	if err := c.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare in-memory cache statements: %w", err)
	}
	return c, nil
}

func (c *Cache) migrate(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

func (c *Cache) prepareStatements() error {
	var err error

	const sqlGetResolution = "SELECT session_id FROM resolutions WHERE build_id = ? AND pattern = ?"
	if c.stmtGetResolution, err = c.db.Prepare(sqlGetResolution); err != nil {
		return fmt.Errorf("prepare GetResolution: %w", err)
	}

	const sqlInsertResolution = `
		INSERT INTO resolutions (build_id, pattern, session_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(build_id, pattern) DO UPDATE SET
		  session_id = excluded.session_id,
		  created_at = excluded.created_at`
	if c.stmtInsertResolution, err = c.db.Prepare(sqlInsertResolution); err != nil {
		return fmt.Errorf("prepare InsertResolution: %w", err)
	}

	const sqlGetSites = `
		SELECT global_address, specifier, is_return
		FROM sites
		WHERE build_id = ? AND pattern = ?
		ORDER BY seq`
	if c.stmtGetSites, err = c.db.Prepare(sqlGetSites); err != nil {
		return fmt.Errorf("prepare GetSites: %w", err)
	}

	const sqlInsertSite = `
		INSERT INTO sites (build_id, pattern, seq, global_address, specifier, is_return)
		VALUES (?, ?, ?, ?, ?, ?)`
	if c.stmtInsertSite, err = c.db.Prepare(sqlInsertSite); err != nil {
		return fmt.Errorf("prepare InsertSite: %w", err)
	}

	const sqlDeleteSites = "DELETE FROM sites WHERE build_id = ? AND pattern = ?"
	if c.stmtDeleteSites, err = c.db.Prepare(sqlDeleteSites); err != nil {
		return fmt.Errorf("prepare DeleteSites: %w", err)
	}

	const sqlDeleteResolution = "DELETE FROM resolutions WHERE build_id = ? AND pattern = ?"
	if c.stmtDeleteResolution, err = c.db.Prepare(sqlDeleteResolution); err != nil {
		return fmt.Errorf("prepare DeleteResolution: %w", err)
	}

	return nil
}

// Close closes all prepared statements and the database connection.
func (c *Cache) Close() error {
	stmts := []*sql.Stmt{
		c.stmtGetResolution, c.stmtInsertResolution,
		c.stmtGetSites, c.stmtInsertSite,
		c.stmtDeleteSites, c.stmtDeleteResolution,
	}
	for _, s := range stmts {
		if s != nil {
			s.Close()
		}
	}
	return c.db.Close()
}

// Lookup returns the cached sites for (buildID, pattern), along with the
// session id that produced them, or ok=false on a cache miss.
func (c *Cache) Lookup(ctx context.Context, buildID, pattern string) (sites []Site, sessionID string, ok bool, err error) {
	row := c.stmtGetResolution.QueryRowContext(ctx, buildID, pattern)
	if err := row.Scan(&sessionID); err != nil {
		if err == sql.ErrNoRows {
			return nil, "", false, nil
		}
		return nil, "", false, fmt.Errorf("lookup resolution: %w", err)
	}

	rows, err := c.stmtGetSites.QueryContext(ctx, buildID, pattern)
	if err != nil {
		return nil, "", false, fmt.Errorf("lookup sites: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var s Site
		var isReturn int
		if err := rows.Scan(&s.GlobalAddress, &s.Specifier, &isReturn); err != nil {
			return nil, "", false, fmt.Errorf("scan site row: %w", err)
		}
		s.Return = isReturn != 0
		sites = append(sites, s)
	}
	if err := rows.Err(); err != nil {
		return nil, "", false, fmt.Errorf("iterate site rows: %w", err)
	}

	c.logger.Debug("cache hit", "build_id", buildID, "pattern", pattern, "sites", len(sites))
	return sites, sessionID, true, nil
}

// Store records the resolution of pattern against buildID, replacing any
// prior entry for the same (buildID, pattern) pair. sessionID correlates
// this write with a compile session in the log stream.
func (c *Cache) Store(ctx context.Context, buildID, pattern, sessionID string, sites []Site) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cache write: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	if _, err := tx.StmtContext(ctx, c.stmtInsertResolution).ExecContext(ctx, buildID, pattern, sessionID, now); err != nil {
		return fmt.Errorf("insert resolution: %w", err)
	}
	if _, err := tx.StmtContext(ctx, c.stmtDeleteSites).ExecContext(ctx, buildID, pattern); err != nil {
		return fmt.Errorf("clear prior sites: %w", err)
	}
	for i, s := range sites {
		isReturn := 0
		if s.Return {
			isReturn = 1
		}
		if _, err := tx.StmtContext(ctx, c.stmtInsertSite).ExecContext(ctx, buildID, pattern, i, s.GlobalAddress, s.Specifier, isReturn); err != nil {
			return fmt.Errorf("insert site %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cache write: %w", err)
	}
	c.logger.Debug("cache store", "build_id", buildID, "pattern", pattern, "sites", len(sites))
	return nil
}

// Invalidate drops any cached resolution for (buildID, pattern). Callers
// invalidate by build-id when a kernel image changes underfoot; a stale
// entry under an old build-id is simply never looked up again, since
// Lookup is always keyed on the current build-id.
func (c *Cache) Invalidate(ctx context.Context, buildID, pattern string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin invalidate: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.StmtContext(ctx, c.stmtDeleteSites).ExecContext(ctx, buildID, pattern); err != nil {
		return fmt.Errorf("delete sites: %w", err)
	}
	if _, err := tx.StmtContext(ctx, c.stmtDeleteResolution).ExecContext(ctx, buildID, pattern); err != nil {
		return fmt.Errorf("delete resolution: %w", err)
	}
	return tx.Commit()
}

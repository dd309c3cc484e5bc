// Package session wraps the backing store behind a thin facade that reuses
// prepared statements. Query text maps to a cached prepared handle in a
// sharded adaptive cache, so hot lookups skip the preparation round trip.
package session

import (
	"context"
	"database/sql"
	"hash/fnv"
	"log/slog"
	"runtime"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/roomcast/backend/internal/logging"
)

const cacheCapacity = 64

// Session is shared by every data-access caller in the process. All methods
// are safe for arbitrary concurrent use.
type Session struct {
	db    *sql.DB
	cache *stmtCache
}

// New wraps the database handle with a prepared-statement cache sized to the
// host's parallelism.
func New(db *sql.DB) (*Session, error) {
	cache, err := newStmtCache(cacheCapacity, runtime.NumCPU())
	if err != nil {
		return nil, err
	}
	return &Session{db: db, cache: cache}, nil
}

// DB exposes the underlying handle for bootstrap-time collaborators.
func (s *Session) DB() *sql.DB {
	return s.db
}

// Query executes a statement without touching the prepared cache. It exists
// for ad hoc statements and one-off setup work.
func (s *Session) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("failed to execute query",
			slog.String("query", query),
			slog.Any("error", err))
		return nil, logging.WrapError(err, "query failed")
	}
	return rows, nil
}

// Exec is the non-row-returning counterpart of Query.
func (s *Session) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		slog.Error("failed to execute statement",
			slog.String("query", query),
			slog.Any("error", err))
		return nil, logging.WrapError(err, "exec failed")
	}
	return res, nil
}

// QueryPrepared executes the query through a cached prepared handle. On a
// miss it prepares a fresh statement, executes it, and only then inserts it
// into the cache. Two concurrent misses on the same query text may both
// prepare; the later insert overwrites the earlier and both handles are
// equivalent, so the race costs duplicate preparation work, nothing more.
func (s *Session) QueryPrepared(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if stmt, ok := s.cache.get(query); ok {
		slog.Debug("using cached prepared statement", slog.String("query", query))
		rows, err := stmt.QueryContext(ctx, args...)
		if err != nil {
			slog.Error("failed to execute prepared statement",
				slog.String("query", query),
				slog.Any("error", err))
			return nil, logging.WrapError(err, "prepared execution failed")
		}
		return rows, nil
	}

	slog.Debug("preparing new statement", slog.String("query", query))
	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		slog.Error("failed to prepare statement",
			slog.String("query", query),
			slog.Any("error", err))
		return nil, logging.WrapError(err, "statement preparation failed")
	}

	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		slog.Error("failed to execute prepared statement",
			slog.String("query", query),
			slog.Any("error", err))
		stmt.Close()
		return nil, logging.WrapError(err, "prepared execution failed")
	}

	s.cache.put(query, stmt)
	return rows, nil
}

// ExecPrepared is the non-row-returning counterpart of QueryPrepared, with
// the same miss-then-insert caching discipline.
func (s *Session) ExecPrepared(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if stmt, ok := s.cache.get(query); ok {
		slog.Debug("using cached prepared statement", slog.String("query", query))
		res, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			slog.Error("failed to execute prepared statement",
				slog.String("query", query),
				slog.Any("error", err))
			return nil, logging.WrapError(err, "prepared execution failed")
		}
		return res, nil
	}

	slog.Debug("preparing new statement", slog.String("query", query))
	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		slog.Error("failed to prepare statement",
			slog.String("query", query),
			slog.Any("error", err))
		return nil, logging.WrapError(err, "statement preparation failed")
	}

	res, err := stmt.ExecContext(ctx, args...)
	if err != nil {
		slog.Error("failed to execute prepared statement",
			slog.String("query", query),
			slog.Any("error", err))
		stmt.Close()
		return nil, logging.WrapError(err, "prepared execution failed")
	}

	s.cache.put(query, stmt)
	return res, nil
}

// Close releases the database handle and every cached statement with it.
func (s *Session) Close() error {
	return s.db.Close()
}

// stmtCache shards query text across independent 2Q caches so unrelated keys
// never contend on one lock. Entries have no expiry; eviction only happens
// under capacity pressure, favoring recently and frequently used statements.
type stmtCache struct {
	shards []*lru.TwoQueueCache[string, *sql.Stmt]
}

func newStmtCache(capacity, shards int) (*stmtCache, error) {
	if shards < 1 {
		shards = 1
	}
	perShard := capacity / shards
	if perShard < 2 {
		perShard = 2
	}

	c := &stmtCache{shards: make([]*lru.TwoQueueCache[string, *sql.Stmt], shards)}
	for i := range c.shards {
		shard, err := lru.New2Q[string, *sql.Stmt](perShard)
		if err != nil {
			return nil, err
		}
		c.shards[i] = shard
	}
	return c, nil
}

func (c *stmtCache) shard(query string) *lru.TwoQueueCache[string, *sql.Stmt] {
	h := fnv.New32a()
	h.Write([]byte(query))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

func (c *stmtCache) get(query string) (*sql.Stmt, bool) {
	return c.shard(query).Get(query)
}

func (c *stmtCache) put(query string, stmt *sql.Stmt) {
	c.shard(query).Add(query, stmt)
}

func (c *stmtCache) len() int {
	n := 0
	for _, shard := range c.shards {
		n += shard.Len()
	}
	return n
}

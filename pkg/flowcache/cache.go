// Package flowcache caches upstream sink and flow definitions in SQLite,
// keyed by the hash of their content. Definitions are immutable once cached:
// caching the same content again returns the stored entry and makes it the
// latest version of its id again.
package flowcache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/cds/pkg/observability"
	"github.com/ethpandaops/cds/pkg/tracking"
)

//go:embed schema.sql
var schemaSQL string

var (
	// ErrNotFound is returned when no definition is cached for an id
	ErrNotFound = errors.New("definition not cached")
	// ErrInvalidDefinition is returned for definitions without an id or name
	ErrInvalidDefinition = errors.New("invalid definition")
)

// Flow is an upstream flow definition
type Flow struct {
	ID      int64           `json:"id"`
	Name    string          `json:"name"`
	Content json.RawMessage `json:"content"`
}

// Cache is the SQLite definition cache
type Cache struct {
	log logrus.FieldLogger
	db  *sql.DB
}

// Open creates or opens the cache database at path
func Open(log logrus.FieldLogger, path string) (*Cache, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	// SQLite allows a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		schemaSQL,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to prepare cache database: %w", err)
		}
	}

	return &Cache{
		log: log.WithField("component", "flowcache"),
		db:  db,
	}, nil
}

// Close closes the database
func (c *Cache) Close() error {
	return c.db.Close()
}

// PutSink caches a sink definition. It returns the cached entry and whether
// it was already present.
func (c *Cache) PutSink(ctx context.Context, sink *tracking.Sink) (*tracking.Sink, bool, error) {
	if sink == nil || sink.ID == 0 || sink.Name == "" {
		return nil, false, fmt.Errorf("%w: sink requires id and name", ErrInvalidDefinition)
	}

	hash, err := contentHash(sink)
	if err != nil {
		return nil, false, err
	}

	res, err := c.db.ExecContext(ctx,
		`INSERT INTO sinks (hash, id, name, strict_ordering, cached_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (hash) DO NOTHING`,
		hash, sink.ID, sink.Name, sink.StrictOrdering, time.Now().UnixNano())
	if err != nil {
		return nil, false, fmt.Errorf("failed to cache sink %d: %w", sink.ID, err)
	}

	hit, err := conflicted(res)
	if err != nil {
		return nil, false, err
	}

	observability.RecordCacheLookup("sink", hit)

	if hit {
		if err := c.touch(ctx, touchSink, hash, sink.ID); err != nil {
			return nil, false, err
		}
	}

	cached, err := c.scanSink(c.db.QueryRowContext(ctx,
		`SELECT id, name, strict_ordering FROM sinks WHERE hash = ?`, hash))
	if err != nil {
		return nil, false, err
	}

	if !hit {
		c.log.WithFields(logrus.Fields{"sink_id": sink.ID, "hash": hash[:12]}).Debug("Cached sink definition")
	}

	return cached, hit, nil
}

// Sink returns the most recently cached definition of a sink
func (c *Cache) Sink(ctx context.Context, id int64) (*tracking.Sink, error) {
	sink, err := c.scanSink(c.db.QueryRowContext(ctx,
		`SELECT id, name, strict_ordering FROM sinks WHERE id = ? ORDER BY cached_at DESC, rowid DESC LIMIT 1`, id))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: sink %d", ErrNotFound, id)
	}

	return sink, err
}

// ResolveSink returns the cached version of a definition, caching it on a miss
func (c *Cache) ResolveSink(ctx context.Context, sink *tracking.Sink) (*tracking.Sink, error) {
	cached, _, err := c.PutSink(ctx, sink)
	return cached, err
}

// PutFlow caches a flow definition. It returns the cached entry and whether
// it was already present.
func (c *Cache) PutFlow(ctx context.Context, flow *Flow) (*Flow, bool, error) {
	if flow == nil || flow.ID == 0 || flow.Name == "" {
		return nil, false, fmt.Errorf("%w: flow requires id and name", ErrInvalidDefinition)
	}

	if len(flow.Content) == 0 {
		flow.Content = json.RawMessage("null")
	}

	hash, err := contentHash(flow)
	if err != nil {
		return nil, false, err
	}

	res, err := c.db.ExecContext(ctx,
		`INSERT INTO flows (hash, id, name, content, cached_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (hash) DO NOTHING`,
		hash, flow.ID, flow.Name, string(flow.Content), time.Now().UnixNano())
	if err != nil {
		return nil, false, fmt.Errorf("failed to cache flow %d: %w", flow.ID, err)
	}

	hit, err := conflicted(res)
	if err != nil {
		return nil, false, err
	}

	observability.RecordCacheLookup("flow", hit)

	if hit {
		if err := c.touch(ctx, touchFlow, hash, flow.ID); err != nil {
			return nil, false, err
		}
	}

	cached, err := c.scanFlow(c.db.QueryRowContext(ctx,
		`SELECT id, name, content FROM flows WHERE hash = ?`, hash))
	if err != nil {
		return nil, false, err
	}

	return cached, hit, nil
}

// Flow returns the most recently cached definition of a flow
func (c *Cache) Flow(ctx context.Context, id int64) (*Flow, error) {
	flow, err := c.scanFlow(c.db.QueryRowContext(ctx,
		`SELECT id, name, content FROM flows WHERE id = ? ORDER BY cached_at DESC, rowid DESC LIMIT 1`, id))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: flow %d", ErrNotFound, id)
	}

	return flow, err
}

// A repeated definition becomes the newest of its id, even within one clock tick.
const (
	touchSink = `UPDATE sinks SET cached_at = MAX(?, (SELECT MAX(cached_at) + 1 FROM sinks WHERE id = ?)) WHERE hash = ?`
	touchFlow = `UPDATE flows SET cached_at = MAX(?, (SELECT MAX(cached_at) + 1 FROM flows WHERE id = ?)) WHERE hash = ?`
)

func (c *Cache) touch(ctx context.Context, query, hash string, id int64) error {
	if _, err := c.db.ExecContext(ctx, query, time.Now().UnixNano(), id, hash); err != nil {
		return fmt.Errorf("failed to refresh cached definition %d: %w", id, err)
	}

	return nil
}

func (c *Cache) scanSink(row *sql.Row) (*tracking.Sink, error) {
	var sink tracking.Sink
	if err := row.Scan(&sink.ID, &sink.Name, &sink.StrictOrdering); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("failed to read sink: %w", err)
	}

	return &sink, nil
}

func (c *Cache) scanFlow(row *sql.Row) (*Flow, error) {
	var (
		flow    Flow
		content string
	)

	if err := row.Scan(&flow.ID, &flow.Name, &content); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("failed to read flow: %w", err)
	}

	flow.Content = json.RawMessage(content)

	return &flow, nil
}

// contentHash hashes the canonical JSON encoding of v
func contentHash(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode definition: %w", err)
	}

	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:]), nil
}

func conflicted(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}

	return n == 0, nil
}

// Package postgres implements the datastore interfaces over PostgreSQL.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nextlinux/govulners"
	"github.com/nextlinux/govulners/datastore"
)

var _ datastore.FeedStore = (*FeedStore)(nil)

// FeedStore persists feed metadata in PostgreSQL.
type FeedStore struct {
	pool *pgxpool.Pool
}

// NewFeedStore returns a FeedStore backed by the pool. Init must be called
// once before use to ensure the schema exists.
func NewFeedStore(pool *pgxpool.Pool) *FeedStore {
	return &FeedStore{pool: pool}
}

const initSchema = `
CREATE TABLE IF NOT EXISTS feed (
	name TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT '',
	access_tier TEXT NOT NULL DEFAULT '0',
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS feed_group (
	feed_name TEXT NOT NULL REFERENCES feed (name) ON DELETE CASCADE,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	access_tier TEXT NOT NULL DEFAULT '0',
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_sync TIMESTAMPTZ,
	PRIMARY KEY (feed_name, name)
);
`

// Init creates the feed metadata tables if they do not exist.
func (s *FeedStore) Init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, initSchema); err != nil {
		return fmt.Errorf("postgres: failed to initialize feed schema: %w", err)
	}
	return nil
}

const (
	selectFeeds = `
SELECT name, description, access_tier, enabled, created_at, updated_at
FROM feed
ORDER BY name;`
	selectGroups = `
SELECT feed_name, name, description, access_tier, enabled, created_at, last_sync
FROM feed_group
ORDER BY feed_name, name;`
	insertFeed = `
INSERT INTO feed (name, description, access_tier, enabled)
VALUES ($1, $2, $3, $4)
ON CONFLICT (name) DO NOTHING;`
	updateFeed = `
UPDATE feed SET description = $2, access_tier = $3, updated_at = now()
WHERE name = $1;`
	insertGroup = `
INSERT INTO feed_group (feed_name, name, description, access_tier, enabled)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (feed_name, name) DO NOTHING;`
	updateGroup = `
UPDATE feed_group SET description = $3, access_tier = $4
WHERE feed_name = $1 AND name = $2;`
	updateFeedEnabled = `
UPDATE feed SET enabled = $2, updated_at = now()
WHERE name = $1;`
	updateGroupEnabled = `
UPDATE feed_group SET enabled = $3
WHERE feed_name = $1 AND name = $2;`
	updateGroupLastSync = `
UPDATE feed_group SET last_sync = $3
WHERE feed_name = $1 AND name = $2;`
)

// AllFeeds implements datastore.FeedStore.
func (s *FeedStore) AllFeeds(ctx context.Context) (feeds []*govulners.FeedMetadata, err error) {
	defer observe("all_feeds", &err)()
	return allFeeds(ctx, s.pool)
}

// Begin implements datastore.FeedStore.
func (s *FeedStore) Begin(ctx context.Context) (datastore.FeedTx, error) {
	pgtx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to begin reconciliation transaction: %w", err)
	}
	return &feedTx{tx: pgtx}, nil
}

// SetFeedEnabled implements datastore.FeedStore.
func (s *FeedStore) SetFeedEnabled(ctx context.Context, name string, enabled bool) (err error) {
	defer observe("set_feed_enabled", &err)()
	err = exactlyOne(s.pool.Exec(ctx, updateFeedEnabled, name, enabled))
	return err
}

// SetGroupEnabled implements datastore.FeedStore.
func (s *FeedStore) SetGroupEnabled(ctx context.Context, feed, group string, enabled bool) (err error) {
	defer observe("set_group_enabled", &err)()
	err = exactlyOne(s.pool.Exec(ctx, updateGroupEnabled, feed, group, enabled))
	return err
}

// SetGroupLastSync implements datastore.FeedStore.
func (s *FeedStore) SetGroupLastSync(ctx context.Context, feed, group string, at time.Time) (err error) {
	defer observe("set_group_last_sync", &err)()
	err = exactlyOne(s.pool.Exec(ctx, updateGroupLastSync, feed, group, at))
	return err
}

type feedTx struct {
	tx pgx.Tx
}

func (t *feedTx) AllFeeds(ctx context.Context) ([]*govulners.FeedMetadata, error) {
	return allFeeds(ctx, t.tx)
}

func (t *feedTx) CreateFeed(ctx context.Context, feed *govulners.FeedMetadata) error {
	_, err := t.tx.Exec(ctx, insertFeed, feed.Name, feed.Description, feed.AccessTier, feed.Enabled)
	if err != nil {
		return fmt.Errorf("postgres: failed to create feed %q: %w", feed.Name, err)
	}
	return nil
}

func (t *feedTx) UpdateFeed(ctx context.Context, name, description, accessTier string) error {
	return exactlyOne(t.tx.Exec(ctx, updateFeed, name, description, accessTier))
}

func (t *feedTx) CreateGroup(ctx context.Context, group *govulners.FeedGroupMetadata) error {
	_, err := t.tx.Exec(ctx, insertGroup, group.FeedName, group.Name, group.Description, group.AccessTier, group.Enabled)
	if err != nil {
		return fmt.Errorf("postgres: failed to create group %q/%q: %w", group.FeedName, group.Name, err)
	}
	return nil
}

func (t *feedTx) UpdateGroup(ctx context.Context, feed, group, description, accessTier string) error {
	return exactlyOne(t.tx.Exec(ctx, updateGroup, feed, group, description, accessTier))
}

// Isolated implements datastore.FeedTx over a savepoint. A server error
// inside fn aborts only the savepoint, not the enclosing transaction.
func (t *feedTx) Isolated(ctx context.Context, fn func(datastore.FeedTx) error) error {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: failed to open savepoint: %w", err)
	}
	if err := fn(&feedTx{tx: sp}); err != nil {
		if rbErr := sp.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("postgres: failed to roll back savepoint: %w (while handling: %v)", rbErr, err)
		}
		return err
	}
	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: failed to release savepoint: %w", err)
	}
	return nil
}

func (t *feedTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *feedTx) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}

// Querier is the subset of pgx shared by pools and transactions.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func allFeeds(ctx context.Context, q querier) ([]*govulners.FeedMetadata, error) {
	rows, err := q.Query(ctx, selectFeeds)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query feeds: %w", err)
	}
	defer rows.Close()
	var feeds []*govulners.FeedMetadata
	byName := make(map[string]*govulners.FeedMetadata)
	for rows.Next() {
		var f govulners.FeedMetadata
		if err := rows.Scan(&f.Name, &f.Description, &f.AccessTier, &f.Enabled, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: feed scan error: %w", err)
		}
		feeds = append(feeds, &f)
		byName[f.Name] = &f
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: feed query error: %w", err)
	}
	rows.Close()

	grows, err := q.Query(ctx, selectGroups)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query groups: %w", err)
	}
	defer grows.Close()
	for grows.Next() {
		var g govulners.FeedGroupMetadata
		if err := grows.Scan(&g.FeedName, &g.Name, &g.Description, &g.AccessTier, &g.Enabled, &g.CreatedAt, &g.LastSync); err != nil {
			return nil, fmt.Errorf("postgres: group scan error: %w", err)
		}
		if f, ok := byName[g.FeedName]; ok {
			f.Groups = append(f.Groups, &g)
		}
	}
	if err := grows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: group query error: %w", err)
	}
	return feeds, nil
}

func exactlyOne(tag interface{ RowsAffected() int64 }, err error) error {
	if err != nil {
		return fmt.Errorf("postgres: exec failed: %w", err)
	}
	if n := tag.RowsAffected(); n != 1 {
		return fmt.Errorf("postgres: expected to affect 1 row, affected %d", n)
	}
	return nil
}

// Package datastore defines the persistence interfaces for locally-tracked
// feed and group metadata.
//
// Implementations live in the postgres and mem subpackages. The interfaces
// are transactional because metadata reconciliation runs as one unit of
// work: feed-scoped failures are tolerated mid-transaction, anything else
// rolls the whole pass back.
package datastore

import (
	"context"
	"time"

	"github.com/nextlinux/govulners"
)

// FeedStore persists feed and group metadata records.
type FeedStore interface {
	// AllFeeds returns every feed record, groups attached, ordered by name.
	AllFeeds(ctx context.Context) ([]*govulners.FeedMetadata, error)
	// Begin opens a reconciliation transaction.
	Begin(ctx context.Context) (FeedTx, error)
	// SetFeedEnabled toggles a feed's enabled flag.
	SetFeedEnabled(ctx context.Context, name string, enabled bool) error
	// SetGroupEnabled toggles a group's enabled flag.
	SetGroupEnabled(ctx context.Context, feed, group string, enabled bool) error
	// SetGroupLastSync records a successful data sync for a group.
	SetGroupLastSync(ctx context.Context, feed, group string, at time.Time) error
}

// FeedTx is one reconciliation transaction.
//
// CreateFeed and CreateGroup are create-only: they never overwrite an
// existing record, preserving creation timestamps and group last_sync
// values. The Update methods touch only the mutable display fields.
type FeedTx interface {
	AllFeeds(ctx context.Context) ([]*govulners.FeedMetadata, error)
	CreateFeed(ctx context.Context, feed *govulners.FeedMetadata) error
	UpdateFeed(ctx context.Context, name, description, accessTier string) error
	CreateGroup(ctx context.Context, group *govulners.FeedGroupMetadata) error
	UpdateGroup(ctx context.Context, feed, group, description, accessTier string) error
	// Isolated runs fn in a nested scope of the transaction. When fn
	// returns an error that scope's writes are discarded and the
	// transaction stays usable; on success they become part of it. A
	// failed SQL statement poisons its enclosing transaction, so per-feed
	// work must run in its own scope for sibling feeds to survive.
	Isolated(ctx context.Context, fn func(FeedTx) error) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

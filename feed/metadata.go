package feed

import (
	"context"
	"fmt"

	"github.com/quay/zlog"

	"github.com/nextlinux/govulners"
	"github.com/nextlinux/govulners/datastore"
)

// MetadataSyncer reconciles upstream feed listings into the stored
// metadata records.
type MetadataSyncer struct {
	store datastore.FeedStore
}

// NewMetadataSyncer returns a MetadataSyncer over the store.
func NewMetadataSyncer(store datastore.FeedStore) *MetadataSyncer {
	return &MetadataSyncer{store: store}
}

// SyncMetadata runs one reconciliation pass as a unit of work.
//
// For each feed named in toSync and present upstream, the feed record is
// created if absent; existing records keep their creation timestamps and
// only the mutable display fields are updated. When withGroups is set the
// same create-or-update pass runs over each feed's groups, preserving group
// creation times and last_sync values.
//
// An error while processing one feed is captured as a FeedError and its
// siblings continue. Only an error outside that per-feed boundary rolls the
// whole transaction back. The returned map holds the post-reconciliation
// records for the feeds that were both requested and found upstream.
func (m *MetadataSyncer) SyncMetadata(ctx context.Context, sourceFeeds []*govulners.SourceFeed, toSync []string, withGroups bool) (map[string]*govulners.FeedMetadata, []govulners.FeedError, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "feed/MetadataSyncer.SyncMetadata")
	if len(toSync) == 0 {
		return map[string]*govulners.FeedMetadata{}, nil, nil
	}
	requested := make(map[string]bool, len(toSync))
	for _, name := range toSync {
		requested[name] = true
	}

	zlog.Info(ctx).Msg("syncing feed and group metadata from upstream source")
	tx, err := m.store.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("feed: failed to begin metadata transaction: %w", err)
	}

	var failed []govulners.FeedError
	upstream := make(map[string]bool, len(sourceFeeds))
	for _, sf := range sourceFeeds {
		name := sf.Meta.Name
		upstream[name] = true
		if !requested[name] {
			continue
		}
		zlog.Info(ctx).Str("feed", name).Msg("syncing metadata for feed")
		// Each feed gets its own nested scope so a failed statement cannot
		// poison the enclosing transaction for its siblings.
		err := tx.Isolated(ctx, func(tx datastore.FeedTx) error {
			return syncOneFeed(ctx, tx, sf, withGroups)
		})
		if err != nil {
			zlog.Warn(ctx).Str("feed", name).Err(err).Msg("could not sync metadata for feed")
			failed = append(failed, govulners.FeedError{Feed: name, Err: err})
		}
	}

	feeds, err := tx.AllFeeds(ctx)
	if err != nil {
		tx.Rollback(ctx)
		zlog.Error(ctx).Err(err).Msg("rolling back feed metadata update")
		return nil, nil, fmt.Errorf("feed: failed to reload metadata records: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("feed: failed to commit metadata transaction: %w", err)
	}
	zlog.Info(ctx).Msg("metadata sync from feeds upstream source complete")

	// Records are only reported when requested and found upstream; a stale
	// local record for a feed the source stopped serving is excluded.
	out := make(map[string]*govulners.FeedMetadata, len(feeds))
	for _, f := range feeds {
		if requested[f.Name] && upstream[f.Name] {
			out[f.Name] = f
		}
	}
	return out, failed, nil
}

func syncOneFeed(ctx context.Context, tx datastore.FeedTx, sf *govulners.SourceFeed, withGroups bool) error {
	err := tx.CreateFeed(ctx, &govulners.FeedMetadata{
		Name:        sf.Meta.Name,
		Description: sf.Meta.Description,
		AccessTier:  sf.Meta.AccessTier,
		Enabled:     true,
	})
	if err != nil {
		return err
	}
	if !withGroups {
		return nil
	}
	if err := tx.UpdateFeed(ctx, sf.Meta.Name, sf.Meta.Description, sf.Meta.AccessTier); err != nil {
		return err
	}
	for i := range sf.Groups {
		g := &sf.Groups[i]
		err := tx.CreateGroup(ctx, &govulners.FeedGroupMetadata{
			Name:        g.Name,
			FeedName:    sf.Meta.Name,
			Description: g.Description,
			AccessTier:  g.AccessTier,
			Enabled:     true,
		})
		if err != nil {
			return err
		}
		if err := tx.UpdateGroup(ctx, sf.Meta.Name, g.Name, g.Description, g.AccessTier); err != nil {
			return err
		}
	}
	return nil
}

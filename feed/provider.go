package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quay/zlog"

	"github.com/nextlinux/govulners"
	"github.com/nextlinux/govulners/client"
	"github.com/nextlinux/govulners/datastore"
)

// GroupLoader consumes one downloaded group's payload pages. Parsing and
// storing the records is the loader's business; the sync flow only cares
// about the reported outcomes.
type GroupLoader interface {
	LoadGroup(ctx context.Context, group *govulners.FeedGroupMetadata, pages []*client.GroupData) ([]*govulners.FeedSyncResult, error)
}

// CountingLoader acknowledges group payloads without storing records,
// reporting only the record counts the client observed while streaming.
// Deployments that persist legacy feed records supply their own loader.
type CountingLoader struct{}

// LoadGroup implements GroupLoader.
func (CountingLoader) LoadGroup(_ context.Context, group *govulners.FeedGroupMetadata, pages []*client.GroupData) ([]*govulners.FeedSyncResult, error) {
	var n int
	for _, p := range pages {
		n += p.RecordCount
	}
	return []*govulners.FeedSyncResult{{
		Feed:   group.FeedName,
		Status: govulners.SyncSuccess,
		Groups: []govulners.GroupSyncResult{{
			Group:              group.Name,
			Status:             govulners.SyncSuccess,
			UpdatedRecordCount: n,
		}},
	}}, nil
}

// Installer is the slice of the database lifecycle manager the
// single-archive provider needs.
type Installer interface {
	InstallArchive(ctx context.Context, localArchivePath, checksum, version string, slot govulners.Slot) (*govulners.EngineMetadata, error)
}

var (
	_ Provider = (*FeedProvider)(nil)
	_ Provider = (*ArchiveProvider)(nil)
)

// FeedProvider syncs each configured feed independently over the paginated
// listing protocol. Groups are tracked persistently, with enable/disable
// flags and last_sync timestamps.
type FeedProvider struct {
	meta   *MetadataSyncer
	cfgs   Configs
	toSync []string
	loader GroupLoader
}

// NewFeedProvider filters cfgs down to the enabled non-archive feeds.
func NewFeedProvider(cfgs Configs, store datastore.FeedStore, loader GroupLoader) (*FeedProvider, error) {
	if loader == nil {
		return nil, errors.New("feed: a GroupLoader is required")
	}
	filtered := filterFeedConfigs(cfgs)
	return &FeedProvider{
		meta:   NewMetadataSyncer(store),
		cfgs:   filtered,
		toSync: feedNames(filtered),
		loader: loader,
	}, nil
}

// Name implements Provider.
func (p *FeedProvider) Name() string { return "feeds" }

// FeedsToSync implements Provider.
func (p *FeedProvider) FeedsToSync() []string { return p.toSync }

// Client implements Provider. Every configured feed is served from one
// service base URL, so any config's endpoint works.
func (p *FeedProvider) Client(_ context.Context) (client.Source, error) {
	if len(p.toSync) == 0 {
		return nil, errors.New("feed: no feeds configured to sync")
	}
	cfg := p.cfgs[p.toSync[0]]
	return client.NewFeedClient(cfg.URL, client.NewAuthClient(clientConfig(cfg)))
}

// SyncMetadata implements Provider. Group records are reconciled along with
// the feed records.
func (p *FeedProvider) SyncMetadata(ctx context.Context, sourceFeeds []*govulners.SourceFeed) (map[string]*govulners.FeedMetadata, []govulners.FeedError, error) {
	return p.meta.SyncMetadata(ctx, sourceFeeds, p.toSync, true)
}

// GroupsToDownload implements Provider: every enabled group of every
// enabled feed.
func (p *FeedProvider) GroupsToDownload(ctx context.Context, _ []*govulners.SourceFeed, synced map[string]*govulners.FeedMetadata) []*govulners.FeedGroupMetadata {
	ctx = zlog.ContextWithValues(ctx, "component", "feed/FeedProvider.GroupsToDownload")
	var groups []*govulners.FeedGroupMetadata
	for _, name := range p.toSync {
		md, ok := synced[name]
		if !ok {
			zlog.Warn(ctx).Str("feed", name).Msg("no metadata found for feed, unexpected but not an error")
			continue
		}
		if !md.Enabled {
			zlog.Info(ctx).Str("feed", name).Msg("skipping feed because it is explicitly not enabled")
			continue
		}
		for _, g := range md.Groups {
			if !g.Enabled {
				zlog.Info(ctx).
					Str("feed", g.FeedName).
					Str("group", g.Name).
					Msg("will not sync group because it is explicitly disabled")
				continue
			}
			groups = append(groups, g)
		}
	}
	return groups
}

// LoadGroupData implements Provider by delegating to the configured
// GroupLoader.
func (p *FeedProvider) LoadGroupData(ctx context.Context, group *govulners.FeedGroupMetadata, pages []*client.GroupData) ([]*govulners.FeedSyncResult, error) {
	return p.loader.LoadGroup(ctx, group, pages)
}

// RetrieveGroupResult implements Provider. The sync flow loads one group at
// a time, so the outcome list is expected to carry exactly one group.
func (p *FeedProvider) RetrieveGroupResult(results []*govulners.FeedSyncResult, _ *govulners.FeedGroupMetadata) (*govulners.GroupSyncResult, error) {
	if len(results) == 0 {
		return nil, errors.New("feed: invalid result list")
	}
	groups := results[0].Groups
	if len(groups) == 0 {
		return nil, errors.New("feed: no groups in result set, expected 1")
	}
	return &groups[0], nil
}

// UpdateFeedResult implements Provider by appending the singular group
// result.
func (p *FeedProvider) UpdateFeedResult(feedResult *govulners.FeedSyncResult, _ []*govulners.FeedSyncResult, groupResult *govulners.GroupSyncResult) {
	feedResult.Groups = append(feedResult.Groups, *groupResult)
}

// ArchiveProvider syncs the whole vulnerability database as one feed with a
// single synthetic group over the archive distribution protocol. The group
// is never persisted; the snapshot's own build timestamp is the only
// freshness signal.
type ArchiveProvider struct {
	meta      *MetadataSyncer
	cfgs      Configs
	toSync    []string
	schema    client.SchemaGetter
	installer Installer
}

// NewArchiveProvider filters cfgs down to the archive feed's config.
func NewArchiveProvider(cfgs Configs, store datastore.FeedStore, schema client.SchemaGetter, installer Installer) (*ArchiveProvider, error) {
	if installer == nil {
		return nil, errors.New("feed: an Installer is required")
	}
	filtered := filterArchiveConfigs(cfgs)
	return &ArchiveProvider{
		meta:      NewMetadataSyncer(store),
		cfgs:      filtered,
		toSync:    feedNames(filtered),
		schema:    schema,
		installer: installer,
	}, nil
}

// Name implements Provider.
func (p *ArchiveProvider) Name() string { return "archive" }

// FeedsToSync implements Provider.
func (p *ArchiveProvider) FeedsToSync() []string { return p.toSync }

// Client implements Provider.
func (p *ArchiveProvider) Client(_ context.Context) (client.Source, error) {
	cfg, ok := p.cfgs[govulners.DBFeedName]
	if !ok {
		return nil, fmt.Errorf("feed: %s is not configured to sync", govulners.DBFeedName)
	}
	return client.NewDBClient(cfg.URL, client.NewAuthClient(clientConfig(cfg)), p.schema)
}

// SyncMetadata implements Provider. Only the feed-level record is
// reconciled; the synthetic group is never stored.
func (p *ArchiveProvider) SyncMetadata(ctx context.Context, sourceFeeds []*govulners.SourceFeed) (map[string]*govulners.FeedMetadata, []govulners.FeedError, error) {
	return p.meta.SyncMetadata(ctx, sourceFeeds, p.toSync, false)
}

// GroupsToDownload implements Provider: at most the one synthetic group,
// when the feed is enabled. The returned record has no creation time, which
// marks it as not persisted.
func (p *ArchiveProvider) GroupsToDownload(ctx context.Context, sourceFeeds []*govulners.SourceFeed, synced map[string]*govulners.FeedMetadata) []*govulners.FeedGroupMetadata {
	ctx = zlog.ContextWithValues(ctx, "component", "feed/ArchiveProvider.GroupsToDownload")
	md, ok := synced[govulners.DBFeedName]
	if !ok {
		zlog.Warn(ctx).Str("feed", govulners.DBFeedName).Msg("no metadata found for feed, unexpected but not an error")
		return nil
	}
	if !md.Enabled {
		zlog.Info(ctx).Str("feed", md.Name).Msg("will not sync feed because it is explicitly disabled")
		return nil
	}
	var apiGroup *govulners.FeedAPIGroupRecord
	for _, sf := range sourceFeeds {
		if sf.Meta.Name == govulners.DBFeedName && len(sf.Groups) > 0 {
			apiGroup = &sf.Groups[0]
			break
		}
	}
	if apiGroup == nil {
		zlog.Warn(ctx).Str("feed", govulners.DBFeedName).Msg("upstream listing reported no groups")
		return nil
	}
	return []*govulners.FeedGroupMetadata{{
		Name:        apiGroup.Name,
		FeedName:    md.Name,
		Description: apiGroup.Description,
		AccessTier:  apiGroup.AccessTier,
		Enabled:     true,
	}}
}

// LoadGroupData implements Provider by installing the downloaded archive
// into the production slot.
func (p *ArchiveProvider) LoadGroupData(ctx context.Context, group *govulners.FeedGroupMetadata, pages []*client.GroupData) ([]*govulners.FeedSyncResult, error) {
	if len(pages) != 1 {
		return nil, fmt.Errorf("feed: expected a single archive payload, got %d", len(pages))
	}
	data := pages[0]
	if data.Descriptor == nil {
		return nil, errors.New("feed: archive payload is missing its listing descriptor")
	}
	start := time.Now()
	_, err := p.installer.InstallArchive(ctx, data.File, data.Descriptor.Checksum, data.Descriptor.Version, govulners.Production)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)
	return []*govulners.FeedSyncResult{{
		Feed:      group.FeedName,
		Status:    govulners.SyncSuccess,
		TotalTime: elapsed,
		Groups: []govulners.GroupSyncResult{{
			Group:              group.Name,
			Status:             govulners.SyncSuccess,
			UpdatedRecordCount: data.RecordCount,
			TotalTime:          elapsed,
		}},
	}}, nil
}

// RetrieveGroupResult implements Provider. There are no true sub-groups, so
// the result is fabricated from the first outcome: same elapsed time, a
// fixed updated-record-count of one installed snapshot.
func (p *ArchiveProvider) RetrieveGroupResult(results []*govulners.FeedSyncResult, group *govulners.FeedGroupMetadata) (*govulners.GroupSyncResult, error) {
	if len(results) == 0 {
		return nil, errors.New("feed: invalid result list")
	}
	groups := results[0].Groups
	if len(groups) == 0 {
		return nil, errors.New("feed: no groups in result set, expected 1")
	}
	return &govulners.GroupSyncResult{
		Group:              group.Name,
		Status:             govulners.SyncSuccess,
		TotalTime:          groups[0].TotalTime,
		UpdatedRecordCount: 1,
	}, nil
}

// UpdateFeedResult implements Provider by adopting the outcome's group list
// wholesale.
func (p *ArchiveProvider) UpdateFeedResult(feedResult *govulners.FeedSyncResult, results []*govulners.FeedSyncResult, _ *govulners.GroupSyncResult) {
	if len(results) == 0 {
		return
	}
	feedResult.Groups = results[0].Groups
}

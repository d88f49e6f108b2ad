// Package feed orchestrates vulnerability data synchronization. It
// reconciles upstream feed listings into persisted metadata records, plans
// which groups need their data downloaded, and aggregates per-group
// outcomes into a per-feed sync report.
//
// Two provider variants exist: the multi-feed variant syncs each configured
// feed independently and tracks groups persistently, and the single-archive
// variant treats the whole database snapshot as one feed with a single
// synthetic group that is never persisted.
package feed

import (
	"context"
	"sort"
	"time"

	"github.com/nextlinux/govulners"
	"github.com/nextlinux/govulners/client"
)

// SyncConfig configures synchronization for one feed.
type SyncConfig struct {
	// Enabled gates the feed out of sync planning entirely when false.
	Enabled bool
	// URL is the upstream endpoint. For the multi-feed variant every
	// config shares one service base URL; for the single-archive variant
	// it is the listing manifest URL.
	URL      string
	Username string
	Password string
	// Zero values fall back to the client package defaults.
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	Retries        int
}

// Configs maps feed names to their sync configuration.
type Configs map[string]SyncConfig

// Provider adapts the sync flow to one of the two upstream protocol
// variants. Implementations decide how metadata persists, which groups get
// downloaded, how downloaded payloads are consumed, and how raw per-group
// outcomes fold into the response model.
type Provider interface {
	// Name identifies the provider variant in logs.
	Name() string
	// FeedsToSync reports the feed names this provider is configured to
	// sync, in stable order.
	FeedsToSync() []string
	// Client constructs the upstream source for this provider.
	Client(ctx context.Context) (client.Source, error)
	// SyncMetadata reconciles upstream listings into stored records and
	// reports per-feed failures without aborting siblings.
	SyncMetadata(ctx context.Context, sourceFeeds []*govulners.SourceFeed) (map[string]*govulners.FeedMetadata, []govulners.FeedError, error)
	// GroupsToDownload plans which groups need data fetched, given the
	// upstream listings and the post-reconciliation records.
	GroupsToDownload(ctx context.Context, sourceFeeds []*govulners.SourceFeed, synced map[string]*govulners.FeedMetadata) []*govulners.FeedGroupMetadata
	// LoadGroupData consumes one group's downloaded pages and reports the
	// raw outcome list.
	LoadGroupData(ctx context.Context, group *govulners.FeedGroupMetadata, pages []*client.GroupData) ([]*govulners.FeedSyncResult, error)
	// RetrieveGroupResult reduces a raw outcome list to the single group
	// result for the named group.
	RetrieveGroupResult(results []*govulners.FeedSyncResult, group *govulners.FeedGroupMetadata) (*govulners.GroupSyncResult, error)
	// UpdateFeedResult folds a group result into the feed's response.
	UpdateFeedResult(feedResult *govulners.FeedSyncResult, results []*govulners.FeedSyncResult, groupResult *govulners.GroupSyncResult)
}

// Keeps enabled configs for every feed except the single-archive database
// feed.
func filterFeedConfigs(cfgs Configs) Configs {
	out := make(Configs, len(cfgs))
	for name, cfg := range cfgs {
		if name == govulners.DBFeedName || !cfg.Enabled {
			continue
		}
		out[name] = cfg
	}
	return out
}

// Keeps only the single-archive database feed's config, if enabled.
func filterArchiveConfigs(cfgs Configs) Configs {
	cfg, ok := cfgs[govulners.DBFeedName]
	if !ok || !cfg.Enabled {
		return Configs{}
	}
	return Configs{govulners.DBFeedName: cfg}
}

func feedNames(cfgs Configs) []string {
	names := make([]string, 0, len(cfgs))
	for name := range cfgs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func clientConfig(cfg SyncConfig) client.Config {
	return client.Config{
		Username:       cfg.Username,
		Password:       cfg.Password,
		ConnectTimeout: cfg.ConnectTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		Retries:        cfg.Retries,
	}
}

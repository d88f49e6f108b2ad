package feed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/nextlinux/govulners"
	"github.com/nextlinux/govulners/client"
	"github.com/nextlinux/govulners/datastore"
)

// DefaultInterval is how often Start runs a sync when not configured
// otherwise.
const DefaultInterval = 6 * time.Hour

// Syncer drives one provider through the full sync flow: list upstream
// feeds and groups, reconcile metadata, download and load the planned
// groups, and aggregate the outcomes.
//
// The Syncer holds no lock itself; slot safety during the archive install
// step is the lifecycle manager's business.
type Syncer struct {
	provider Provider
	store    datastore.FeedStore
	interval time.Duration
	// src, when set, overrides the provider-constructed client.
	src client.Source
}

// SyncerOption tweaks a Syncer under construction.
type SyncerOption func(*Syncer)

// WithInterval sets the period for Start.
func WithInterval(d time.Duration) SyncerOption {
	return func(s *Syncer) { s.interval = d }
}

// WithSource makes the Syncer use src instead of constructing a client
// from the provider's configuration.
func WithSource(src client.Source) SyncerOption {
	return func(s *Syncer) { s.src = src }
}

// NewSyncer returns a Syncer over the provider. The store records group
// last_sync timestamps for persisted groups.
func NewSyncer(p Provider, store datastore.FeedStore, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		provider: p,
		store:    store,
		interval: DefaultInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sync runs one full sync pass and reports the outcome per feed.
//
// Feed-scoped failures land in the returned results with SyncFailure
// status; the error return is reserved for failures that abort the whole
// pass, such as an unreachable upstream or a metadata transaction rollback.
func (s *Syncer) Sync(ctx context.Context) ([]*govulners.FeedSyncResult, error) {
	ctx = zlog.ContextWithValues(ctx,
		"component", "feed/Syncer.Sync",
		"provider", s.provider.Name(),
		"operation_id", uuid.New().String())
	start := time.Now()
	toSync := s.provider.FeedsToSync()
	if len(toSync) == 0 {
		zlog.Info(ctx).Msg("nothing configured to sync")
		return nil, nil
	}
	zlog.Info(ctx).Strs("feeds", toSync).Msg("beginning sync")

	src := s.src
	if src == nil {
		var err error
		src, err = s.provider.Client(ctx)
		if err != nil {
			return nil, fmt.Errorf("feed: failed to construct upstream client: %w", err)
		}
	}
	sourceFeeds, err := listSource(ctx, src, toSync)
	if err != nil {
		return nil, err
	}
	synced, failures, err := s.provider.SyncMetadata(ctx, sourceFeeds)
	if err != nil {
		return nil, err
	}

	results := make(map[string]*govulners.FeedSyncResult, len(toSync))
	var order []string
	feedResult := func(name string) *govulners.FeedSyncResult {
		r, ok := results[name]
		if !ok {
			r = &govulners.FeedSyncResult{Feed: name, Status: govulners.SyncSuccess}
			results[name] = r
			order = append(order, name)
		}
		return r
	}
	for _, f := range failures {
		zlog.Warn(ctx).Str("feed", f.Feed).Err(f.Err).Msg("feed metadata could not be reconciled")
		feedResult(f.Feed).Status = govulners.SyncFailure
	}

	for _, g := range s.provider.GroupsToDownload(ctx, sourceFeeds, synced) {
		r := feedResult(g.FeedName)
		if gr := s.syncGroup(ctx, src, r, g); gr != nil {
			r.Status = govulners.SyncFailure
			r.Groups = append(r.Groups, *gr)
		}
	}

	out := make([]*govulners.FeedSyncResult, 0, len(order))
	for _, name := range order {
		r := results[name]
		r.TotalTime = time.Since(start)
		syncCounter.WithLabelValues(r.Feed, r.Status).Inc()
		out = append(out, r)
	}
	zlog.Info(ctx).Dur("elapsed", time.Since(start)).Msg("sync complete")
	return out, nil
}

// syncGroup downloads and loads one group. On success the provider folds
// the outcome into the feed result and nil is returned; on failure a
// SyncFailure group result is returned for the caller to record.
func (s *Syncer) syncGroup(ctx context.Context, src client.Source, r *govulners.FeedSyncResult, g *govulners.FeedGroupMetadata) *govulners.GroupSyncResult {
	ctx = zlog.ContextWithValues(ctx, "feed", g.FeedName, "group", g.Name)
	start := time.Now()
	fail := func(err error) *govulners.GroupSyncResult {
		zlog.Warn(ctx).Err(err).Msg("group sync failed")
		return &govulners.GroupSyncResult{
			Group:     g.Name,
			Status:    govulners.SyncFailure,
			TotalTime: time.Since(start),
			Err:       err,
		}
	}

	pages, err := fetchGroupPages(ctx, src, g)
	defer removePages(pages)
	if err != nil {
		return fail(err)
	}
	loaded, err := s.provider.LoadGroupData(ctx, g, pages)
	if err != nil {
		return fail(err)
	}
	gr, err := s.provider.RetrieveGroupResult(loaded, g)
	if err != nil {
		return fail(err)
	}
	s.provider.UpdateFeedResult(r, loaded, gr)

	// A group with no creation time was fabricated for this run and has no
	// stored record to stamp.
	if !g.CreatedAt.IsZero() {
		if err := s.store.SetGroupLastSync(ctx, g.FeedName, g.Name, time.Now().UTC()); err != nil {
			zlog.Warn(ctx).Err(err).Msg("failed to record group last_sync")
		}
	}
	elapsed := time.Since(start)
	groupSyncTimer.WithLabelValues(g.FeedName, g.Name).Observe(elapsed.Seconds())
	groupRecordCounter.WithLabelValues(g.FeedName, g.Name).Add(float64(gr.UpdatedRecordCount))
	zlog.Info(ctx).
		Int("records", gr.UpdatedRecordCount).
		Dur("elapsed", elapsed).
		Msg("group sync complete")
	return nil
}

// Start runs Sync on the configured interval until the context is
// canceled. An initial sync runs immediately.
//
// Start is designed to be run as a goroutine.
func (s *Syncer) Start(ctx context.Context) error {
	ctx = zlog.ContextWithValues(ctx, "component", "feed/Syncer.Start")
	if s.interval <= 0 {
		return errors.New("feed: syncer must be configured with an interval to start")
	}

	zlog.Info(ctx).Msg("starting initial sync")
	if _, err := s.Sync(ctx); err != nil {
		zlog.Error(ctx).Err(err).Msg("sync failed")
	}

	zlog.Info(ctx).Str("interval", s.interval.String()).Msg("starting background syncs")
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if _, err := s.Sync(ctx); err != nil {
				zlog.Error(ctx).Err(err).Msg("sync failed")
			}
		}
	}
}

// listSource gathers the upstream view of the requested feeds and their
// groups.
func listSource(ctx context.Context, src client.Source, toSync []string) ([]*govulners.SourceFeed, error) {
	requested := make(map[string]bool, len(toSync))
	for _, name := range toSync {
		requested[name] = true
	}
	feeds, err := src.ListFeeds(ctx)
	if err != nil {
		return nil, fmt.Errorf("feed: failed to list upstream feeds: %w", err)
	}
	var out []*govulners.SourceFeed
	for _, f := range feeds {
		if !requested[f.Name] {
			continue
		}
		groups, err := src.ListGroups(ctx, f.Name)
		if err != nil {
			return nil, fmt.Errorf("feed: failed to list groups for feed %q: %w", f.Name, err)
		}
		out = append(out, &govulners.SourceFeed{Meta: f, Groups: groups})
	}
	return out, nil
}

// fetchGroupPages follows the pagination cursor until exhausted. Pages
// fetched before an error are returned alongside it so the caller can
// clean up their spool files.
func fetchGroupPages(ctx context.Context, src client.Source, g *govulners.FeedGroupMetadata) ([]*client.GroupData, error) {
	var pages []*client.GroupData
	token := ""
	for {
		data, err := src.GroupData(ctx, g.FeedName, g.Name, g.LastSync, token)
		if err != nil {
			return pages, err
		}
		pages = append(pages, data)
		if data.NextToken == "" {
			return pages, nil
		}
		token = data.NextToken
	}
}

func removePages(pages []*client.GroupData) {
	for _, p := range pages {
		if p.File != "" {
			os.Remove(p.File)
		}
	}
}

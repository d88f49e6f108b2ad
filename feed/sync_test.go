package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quay/zlog"

	"github.com/nextlinux/govulners"
	"github.com/nextlinux/govulners/client"
	"github.com/nextlinux/govulners/datastore/mem"
)

// fakeSource serves canned listings and group payloads.
type fakeSource struct {
	feeds  []govulners.FeedAPIRecord
	groups map[string][]govulners.FeedAPIGroupRecord
	// data is keyed by feed/group; each entry is the page sequence.
	data    map[string][]*client.GroupData
	dataErr map[string]error
}

func (f *fakeSource) ListFeeds(_ context.Context) ([]govulners.FeedAPIRecord, error) {
	return f.feeds, nil
}

func (f *fakeSource) ListGroups(_ context.Context, feed string) ([]govulners.FeedAPIGroupRecord, error) {
	return f.groups[feed], nil
}

func (f *fakeSource) GroupData(_ context.Context, feed, group string, _ *time.Time, nextToken string) (*client.GroupData, error) {
	key := feed + "/" + group
	if err := f.dataErr[key]; err != nil {
		return nil, err
	}
	pages := f.data[key]
	idx := 0
	if nextToken != "" {
		for i, p := range pages {
			if p.NextToken == nextToken {
				idx = i + 1
			}
		}
	}
	return pages[idx], nil
}

func feedSyncFixture() *fakeSource {
	return &fakeSource{
		feeds: []govulners.FeedAPIRecord{
			{Name: "vulnerabilities", Description: "os vulns", AccessTier: "0"},
			{Name: "ignored", AccessTier: "0"},
		},
		groups: map[string][]govulners.FeedAPIGroupRecord{
			"vulnerabilities": {
				{Name: "debian:11", AccessTier: "0"},
				{Name: "alpine:3.18", AccessTier: "0"},
			},
		},
		data: map[string][]*client.GroupData{
			"vulnerabilities/debian:11": {
				{RecordCount: 100, NextToken: "page2"},
				{RecordCount: 50},
			},
			"vulnerabilities/alpine:3.18": {
				{RecordCount: 7},
			},
		},
	}
}

func TestSyncMultiFeed(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	store := mem.New()
	p, err := NewFeedProvider(Configs{"vulnerabilities": {Enabled: true}}, store, CountingLoader{})
	if err != nil {
		t.Fatal(err)
	}
	s := NewSyncer(p, store, WithSource(feedSyncFixture()))

	results, err := s.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d feed results, want 1", len(results))
	}
	r := results[0]
	if r.Feed != "vulnerabilities" || r.Status != govulners.SyncSuccess {
		t.Errorf("unexpected result: %+v", r)
	}
	if len(r.Groups) != 2 {
		t.Fatalf("got %d group results, want 2", len(r.Groups))
	}
	counts := map[string]int{}
	for _, g := range r.Groups {
		counts[g.Group] = g.UpdatedRecordCount
	}
	// debian spans two pages; the counts accumulate.
	if counts["debian:11"] != 150 || counts["alpine:3.18"] != 7 {
		t.Errorf("unexpected counts: %v", counts)
	}

	// Both persisted groups got their last_sync stamped.
	feeds, err := store.AllFeeds(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, g := range feeds[0].Groups {
		if g.LastSync == nil {
			t.Errorf("group %q has no last_sync", g.Name)
		}
	}
}

func TestSyncGroupFailureIsolated(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	store := mem.New()
	src := feedSyncFixture()
	src.dataErr = map[string]error{
		"vulnerabilities/debian:11": errors.New("upstream flaked"),
	}
	p, err := NewFeedProvider(Configs{"vulnerabilities": {Enabled: true}}, store, CountingLoader{})
	if err != nil {
		t.Fatal(err)
	}
	s := NewSyncer(p, store, WithSource(src))

	results, err := s.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	r := results[0]
	if r.Status != govulners.SyncFailure {
		t.Errorf("got status %q, want failure", r.Status)
	}
	byGroup := map[string]govulners.GroupSyncResult{}
	for _, g := range r.Groups {
		byGroup[g.Group] = g
	}
	if g := byGroup["debian:11"]; g.Status != govulners.SyncFailure || g.Err == nil {
		t.Errorf("unexpected debian result: %+v", g)
	}
	if g := byGroup["alpine:3.18"]; g.Status != govulners.SyncSuccess {
		t.Errorf("sibling group did not sync: %+v", g)
	}

	// Only the successful group is stamped.
	feeds, err := store.AllFeeds(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, g := range feeds[0].Groups {
		switch g.Name {
		case "debian:11":
			if g.LastSync != nil {
				t.Error("failed group was stamped")
			}
		case "alpine:3.18":
			if g.LastSync == nil {
				t.Error("successful group was not stamped")
			}
		}
	}
}

func TestSyncArchive(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	store := mem.New()
	src := &fakeSource{
		feeds: []govulners.FeedAPIRecord{{Name: govulners.DBFeedName, AccessTier: "0"}},
		groups: map[string][]govulners.FeedAPIGroupRecord{
			govulners.DBFeedName: {{Name: govulners.DBGroupName, AccessTier: "0"}},
		},
		data: map[string][]*client.GroupData{
			govulners.DBFeedName + "/" + govulners.DBGroupName: {{
				RecordCount: 1,
				Descriptor: &govulners.ArchiveDescriptor{
					Checksum: "sha256:cafe",
					Version:  "5",
					Built:    time.Now().UTC(),
				},
			}},
		},
	}
	var calls []installCall
	p, err := NewArchiveProvider(Configs{govulners.DBFeedName: {Enabled: true}}, store, nil, fakeInstaller{calls: &calls})
	if err != nil {
		t.Fatal(err)
	}
	s := NewSyncer(p, store, WithSource(src))

	results, err := s.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 || calls[0].Checksum != "sha256:cafe" {
		t.Fatalf("unexpected installs: %+v", calls)
	}
	if len(results) != 1 {
		t.Fatalf("got %d feed results, want 1", len(results))
	}
	r := results[0]
	if r.Status != govulners.SyncSuccess || len(r.Groups) != 1 {
		t.Fatalf("unexpected result: %+v", r)
	}
	if g := r.Groups[0]; g.Group != govulners.DBGroupName || g.Status != govulners.SyncSuccess {
		t.Errorf("unexpected group result: %+v", g)
	}

	// The synthetic group stays out of the metadata store.
	feeds, err := store.AllFeeds(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(feeds) != 1 || len(feeds[0].Groups) != 0 {
		t.Errorf("synthetic group leaked into the store: %+v", feeds)
	}
}

func TestSyncArchiveInstallFailure(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	store := mem.New()
	src := &fakeSource{
		feeds: []govulners.FeedAPIRecord{{Name: govulners.DBFeedName, AccessTier: "0"}},
		groups: map[string][]govulners.FeedAPIGroupRecord{
			govulners.DBFeedName: {{Name: govulners.DBGroupName, AccessTier: "0"}},
		},
		data: map[string][]*client.GroupData{
			govulners.DBFeedName + "/" + govulners.DBGroupName: {{
				RecordCount: 1,
				Descriptor:  &govulners.ArchiveDescriptor{Checksum: "sha256:cafe", Version: "5"},
			}},
		},
	}
	p, err := NewArchiveProvider(Configs{govulners.DBFeedName: {Enabled: true}}, store, nil, fakeInstaller{err: errors.New("install blew up")})
	if err != nil {
		t.Fatal(err)
	}
	s := NewSyncer(p, store, WithSource(src))

	results, err := s.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	r := results[0]
	if r.Status != govulners.SyncFailure || len(r.Groups) != 1 || r.Groups[0].Err == nil {
		t.Errorf("unexpected result: %+v", r)
	}
}

func TestSyncNothingConfigured(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	store := mem.New()
	p, err := NewFeedProvider(Configs{}, store, CountingLoader{})
	if err != nil {
		t.Fatal(err)
	}
	results, err := NewSyncer(p, store).Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if results != nil {
		t.Errorf("expected a no-op, got %+v", results)
	}
}

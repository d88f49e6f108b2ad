// Package mem is an in-memory FeedStore, suitable for tests and embedded
// deployments that don't want a database dependency for feed bookkeeping.
package mem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nextlinux/govulners"
	"github.com/nextlinux/govulners/datastore"
)

var _ datastore.FeedStore = (*Store)(nil)

// Store buffers feed metadata records in process memory.
type Store struct {
	mu    sync.RWMutex
	feeds map[string]*govulners.FeedMetadata
	now   func() time.Time
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		feeds: make(map[string]*govulners.FeedMetadata),
		now:   time.Now,
	}
}

// NewWithClock is New with an overridden clock, for tests.
func NewWithClock(now func() time.Time) *Store {
	s := New()
	s.now = now
	return s
}

// AllFeeds implements datastore.FeedStore.
func (s *Store) AllFeeds(_ context.Context) ([]*govulners.FeedMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshot(s.feeds), nil
}

// Begin implements datastore.FeedStore.
//
// The transaction operates on a deep copy; Commit swaps it in wholesale.
func (s *Store) Begin(_ context.Context) (datastore.FeedTx, error) {
	s.mu.RLock()
	cp := make(map[string]*govulners.FeedMetadata, len(s.feeds))
	for _, f := range snapshot(s.feeds) {
		cp[f.Name] = f
	}
	s.mu.RUnlock()
	return &tx{s: s, feeds: cp}, nil
}

// SetFeedEnabled implements datastore.FeedStore.
func (s *Store) SetFeedEnabled(_ context.Context, name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.feeds[name]
	if !ok {
		return fmt.Errorf("mem: no such feed %q", name)
	}
	f.Enabled = enabled
	f.UpdatedAt = s.now()
	return nil
}

// SetGroupEnabled implements datastore.FeedStore.
func (s *Store) SetGroupEnabled(_ context.Context, feed, group string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, err := s.group(feed, group)
	if err != nil {
		return err
	}
	g.Enabled = enabled
	return nil
}

// SetGroupLastSync implements datastore.FeedStore.
func (s *Store) SetGroupLastSync(_ context.Context, feed, group string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, err := s.group(feed, group)
	if err != nil {
		return err
	}
	g.LastSync = &at
	return nil
}

func (s *Store) group(feed, group string) (*govulners.FeedGroupMetadata, error) {
	f, ok := s.feeds[feed]
	if !ok {
		return nil, fmt.Errorf("mem: no such feed %q", feed)
	}
	for _, g := range f.Groups {
		if g.Name == group {
			return g, nil
		}
	}
	return nil, fmt.Errorf("mem: no such group %q in feed %q", group, feed)
}

type tx struct {
	s     *Store
	feeds map[string]*govulners.FeedMetadata
	done  bool
}

func (t *tx) AllFeeds(_ context.Context) ([]*govulners.FeedMetadata, error) {
	return snapshot(t.feeds), nil
}

func (t *tx) CreateFeed(_ context.Context, feed *govulners.FeedMetadata) error {
	if _, ok := t.feeds[feed.Name]; ok {
		// Create-only: an existing record keeps its timestamps.
		return nil
	}
	cp := *feed
	now := t.s.now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	cp.Groups = nil
	for _, g := range feed.Groups {
		gcp := *g
		gcp.CreatedAt = now
		cp.Groups = append(cp.Groups, &gcp)
	}
	t.feeds[cp.Name] = &cp
	return nil
}

func (t *tx) UpdateFeed(_ context.Context, name, description, accessTier string) error {
	f, ok := t.feeds[name]
	if !ok {
		return fmt.Errorf("mem: no such feed %q", name)
	}
	f.Description = description
	f.AccessTier = accessTier
	f.UpdatedAt = t.s.now()
	return nil
}

func (t *tx) CreateGroup(_ context.Context, group *govulners.FeedGroupMetadata) error {
	f, ok := t.feeds[group.FeedName]
	if !ok {
		return fmt.Errorf("mem: no such feed %q", group.FeedName)
	}
	for _, g := range f.Groups {
		if g.Name == group.Name {
			return nil
		}
	}
	cp := *group
	cp.CreatedAt = t.s.now()
	f.Groups = append(f.Groups, &cp)
	return nil
}

func (t *tx) UpdateGroup(_ context.Context, feed, group, description, accessTier string) error {
	f, ok := t.feeds[feed]
	if !ok {
		return fmt.Errorf("mem: no such feed %q", feed)
	}
	for _, g := range f.Groups {
		if g.Name == group {
			g.Description = description
			g.AccessTier = accessTier
			return nil
		}
	}
	return fmt.Errorf("mem: no such group %q in feed %q", group, feed)
}

// Isolated implements datastore.FeedTx. The staged state is copied before
// fn runs and restored when fn errors.
func (t *tx) Isolated(ctx context.Context, fn func(datastore.FeedTx) error) error {
	saved := make(map[string]*govulners.FeedMetadata, len(t.feeds))
	for _, f := range snapshot(t.feeds) {
		saved[f.Name] = f
	}
	if err := fn(t); err != nil {
		t.feeds = saved
		return err
	}
	return nil
}

func (t *tx) Commit(_ context.Context) error {
	if t.done {
		return fmt.Errorf("mem: transaction already finished")
	}
	t.done = true
	t.s.mu.Lock()
	t.s.feeds = t.feeds
	t.s.mu.Unlock()
	return nil
}

func (t *tx) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.feeds = nil
	return nil
}

// Snapshot deep-copies the feed map into a name-ordered slice.
func snapshot(feeds map[string]*govulners.FeedMetadata) []*govulners.FeedMetadata {
	out := make([]*govulners.FeedMetadata, 0, len(feeds))
	for _, f := range feeds {
		cp := *f
		cp.Groups = make([]*govulners.FeedGroupMetadata, 0, len(f.Groups))
		for _, g := range f.Groups {
			gcp := *g
			if g.LastSync != nil {
				ls := *g.LastSync
				gcp.LastSync = &ls
			}
			cp.Groups = append(cp.Groups, &gcp)
		}
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

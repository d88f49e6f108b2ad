package libdb

import (
	"context"
	"errors"
	"io"
	"path/filepath"

	"github.com/nextlinux/govulners"
	"github.com/nextlinux/govulners/matcher"
)

// Match submits a content inventory to the external matching engine,
// pointed at the production snapshot. The read lock is held for the whole
// engine invocation so the snapshot cannot be replaced mid-match.
func (m *Manager) Match(ctx context.Context, inventory io.Reader) (*matcher.Report, error) {
	release, dir, err := m.matchDir(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return m.matcher.Match(ctx, dir, inventory)
}

// MatchFile is Match reading the inventory from a file path.
func (m *Manager) MatchFile(ctx context.Context, path string) (*matcher.Report, error) {
	release, dir, err := m.matchDir(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return m.matcher.MatchFile(ctx, dir, path)
}

// matchDir acquires the read lock and resolves the directory the engine
// should be pointed at: the snapshot's parent, which holds the
// {version}/vulnerability.db layout the engine expects.
func (m *Manager) matchDir(ctx context.Context) (func(), string, error) {
	if m.matcher == nil {
		return nil, "", errors.New("libdb: no matching engine configured")
	}
	release, err := m.rlock(ctx)
	if err != nil {
		return nil, "", err
	}
	sl := m.slots[govulners.Production]
	if sl == nil {
		release()
		return nil, "", &govulners.UninitializedSlotError{Slot: govulners.Production}
	}
	return release, filepath.Dir(sl.dir), nil
}

// Package libdb manages the lifecycle of installed govulners database
// snapshots: unpacking archives into a content-addressed directory layout,
// atomically promoting them into the production or staging slot, and
// serving the read-side queries against the active snapshot.
//
// One Manager instance is constructed at process start and shared by all
// callers. A single reader-writer lock guards both slots together: install
// and query must never interleave inconsistently, even across slots.
package libdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/quay/zlog"

	"github.com/nextlinux/govulners"
	"github.com/nextlinux/govulners/internal/rwlock"
	"github.com/nextlinux/govulners/matcher"
)

// Default lock acquisition timeouts. Both sides use the same bound.
const (
	DefaultReadTimeout  = 60 * time.Second
	DefaultWriteTimeout = 60 * time.Second
)

// Sidecar and payload file names inside an unpacked snapshot directory.
const (
	dbFileName             = "vulnerability.db"
	metadataFileName       = "metadata.json"
	engineMetadataFileName = "engine_metadata.json"
)

// Matcher is the slice of the external matching engine the Manager
// delegates to.
type Matcher interface {
	Match(ctx context.Context, dbDir string, inventory io.Reader) (*matcher.Report, error)
	MatchFile(ctx context.Context, dbDir, path string) (*matcher.Report, error)
}

// Options configures a Manager.
type Options struct {
	// Root is the directory snapshots are unpacked under.
	Root string
	// Matcher handles match submissions. Optional; Match and MatchFile
	// fail when unset.
	Matcher Matcher
	// Lock acquisition timeouts. Zero values use the defaults.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// A slot is one managed database location: the unpacked snapshot directory,
// the db version it holds, and a live handle to its relational file. A nil
// slot is uninitialized.
type slot struct {
	dir     string
	version string
	db      *sql.DB
}

// Manager owns the production and staging database slots.
type Manager struct {
	root    string
	matcher Matcher
	lock    *rwlock.Lock
	// slots is indexed by govulners.Slot and only touched under the lock.
	slots [2]*slot
}

// New returns a Manager rooted at opts.Root, creating the directory if
// needed. No snapshot is loaded; every read-side operation fails with
// UninitializedSlotError until the first successful InstallArchive.
func New(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("libdb: a root directory is required")
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("libdb: failed to create root directory: %w", err)
	}
	zlog.Info(ctx).
		Str("component", "libdb/New").
		Str("root", opts.Root).
		Msg("database lifecycle manager initialized")
	return &Manager{
		root:    opts.Root,
		matcher: opts.Matcher,
		lock:    rwlock.New(opts.ReadTimeout, opts.WriteTimeout),
	}, nil
}

// rlock and wlock map acquisition timeouts to the recoverable domain error.
func (m *Manager) rlock(ctx context.Context) (func(), error) {
	release, err := m.lock.RLock(ctx)
	if err != nil {
		return nil, &govulners.LockAcquisitionError{Access: "read"}
	}
	return release, nil
}

func (m *Manager) wlock(ctx context.Context) (func(), error) {
	release, err := m.lock.Lock(ctx)
	if err != nil {
		return nil, &govulners.LockAcquisitionError{Access: "write"}
	}
	return release, nil
}

// InstallArchive unpacks the archive at localArchivePath into
// {root}/{checksum}/{version}/, opens a handle to the relational file,
// writes the engine metadata sidecar, and atomically replaces the target
// slot.
//
// The whole sequence runs under the write lock; readers observe either the
// complete prior slot or the complete new one. A missing source archive
// fails with ArchiveNotFoundError before any state changes. The previous
// snapshot's files are left on disk.
func (m *Manager) InstallArchive(ctx context.Context, localArchivePath, checksum, version string, target govulners.Slot) (*govulners.EngineMetadata, error) {
	ctx = zlog.ContextWithValues(ctx,
		"component", "libdb/Manager.InstallArchive",
		"checksum", checksum,
		"version", version,
		"slot", target.String())
	if _, err := os.Stat(localArchivePath); err != nil {
		return nil, &govulners.ArchiveNotFoundError{Path: localArchivePath}
	}

	release, err := m.wlock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	// Stage the archive inside the managed root, then unpack. The staged
	// copy removes itself on Close.
	staged, err := stageArchive(m.root, localArchivePath)
	if err != nil {
		return nil, fmt.Errorf("libdb: failed to stage archive: %w", err)
	}
	defer func() {
		if err := staged.Close(); err != nil {
			zlog.Warn(ctx).Err(err).Msg("failed to remove staged archive copy")
		}
	}()
	unpackDir := filepath.Join(m.root, checksum)
	if err := untar(unpackDir, staged.Name()); err != nil {
		return nil, fmt.Errorf("libdb: failed to unpack archive: %w", err)
	}

	snapDir := filepath.Join(unpackDir, version)
	md, err := readDBMetadata(snapDir)
	if err != nil {
		return nil, err
	}
	em := &govulners.EngineMetadata{
		ArchiveChecksum: checksum,
		DBChecksum:      md.Checksum,
		DBVersion:       version,
	}
	if err := writeEngineMetadata(snapDir, em); err != nil {
		return nil, err
	}
	db, err := openDatabase(filepath.Join(snapDir, dbFileName))
	if err != nil {
		return nil, err
	}

	// Single atomic replace. The old handle is closed now that no reader
	// can hold it; the old snapshot directory is retained for rollback.
	old := m.slots[target]
	m.slots[target] = &slot{dir: snapDir, version: version, db: db}
	if old != nil {
		if err := old.db.Close(); err != nil {
			zlog.Warn(ctx).Err(err).Msg("failed to close previous snapshot handle")
		}
	}
	zlog.Info(ctx).Str("dir", snapDir).Msg("installed govulners db archive")
	return em, nil
}

// Unstage clears the staging slot and reports the production slot's engine
// metadata. When no production snapshot has been installed yet there is
// nothing to report and both returns are nil.
func (m *Manager) Unstage(ctx context.Context) (*govulners.EngineMetadata, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "libdb/Manager.Unstage")
	release, err := m.wlock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if s := m.slots[govulners.Staging]; s != nil {
		if err := s.db.Close(); err != nil {
			zlog.Warn(ctx).Err(err).Msg("failed to close staging snapshot handle")
		}
		m.slots[govulners.Staging] = nil
		zlog.Info(ctx).Msg("cleared staging slot")
	}
	em, err := m.engineMetadataLocked(govulners.Production)
	switch {
	case err == nil:
		return em, nil
	case errors.As(err, new(*govulners.UninitializedSlotError)):
		zlog.Info(ctx).Msg("no production snapshot available")
		return nil, nil
	default:
		// An installed slot whose sidecar cannot be read is a real fault.
		return nil, err
	}
}

// EngineMetadata reads the locally-written sidecar for the named slot.
func (m *Manager) EngineMetadata(ctx context.Context, s govulners.Slot) (*govulners.EngineMetadata, error) {
	release, err := m.rlock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return m.engineMetadataLocked(s)
}

func (m *Manager) engineMetadataLocked(s govulners.Slot) (*govulners.EngineMetadata, error) {
	sl := m.slots[s]
	if sl == nil {
		return nil, &govulners.UninitializedSlotError{Slot: s}
	}
	return readEngineMetadata(sl.dir)
}

// DBMetadata reads the snapshot's own build metadata for the named slot.
func (m *Manager) DBMetadata(ctx context.Context, s govulners.Slot) (*govulners.DBMetadata, error) {
	release, err := m.rlock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	sl := m.slots[s]
	if sl == nil {
		return nil, &govulners.UninitializedSlotError{Slot: s}
	}
	return readDBMetadata(sl.dir)
}

// CurrentChecksum derives the production snapshot's content address from
// its directory name. It is empty when no snapshot is installed.
func (m *Manager) CurrentChecksum(ctx context.Context) (string, error) {
	release, err := m.rlock(ctx)
	if err != nil {
		return "", err
	}
	defer release()
	sl := m.slots[govulners.Production]
	if sl == nil {
		return "", nil
	}
	return filepath.Base(filepath.Dir(sl.dir)), nil
}

// Package govulners holds the domain types shared by the govulners database
// lifecycle manager, the feed synchronization machinery, and their callers.
//
// The package is intentionally dependency-free; behavior lives in the
// subpackages:
//
//   - libdb: database slot lifecycle and read-path queries
//   - feed: feed/group metadata reconciliation and sync orchestration
//   - client: upstream protocol clients
//   - matcher: the external matching engine collaborator
//   - datastore: feed metadata persistence
package govulners

// Slot names a managed database location.
//
// Exactly one production slot exists once any sync has succeeded. The
// staging slot is optional and independent; it holds a tentative snapshot
// under validation before promotion.
type Slot int

const (
	// Production is the active slot served to readers.
	Production Slot = iota
	// Staging is the tentative slot used to validate a snapshot before
	// promoting it.
	Staging
)

func (s Slot) String() string {
	switch s {
	case Production:
		return "production"
	case Staging:
		return "staging"
	}
	return "invalid"
}

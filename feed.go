package govulners

import "time"

// FeedMetadata is the locally-tracked record of an upstream feed.
//
// Records are create-once: CreatedAt is set when the record is first
// observed and is never overwritten by a later reconciliation pass. Only
// the display fields (Description, AccessTier) are mutable.
type FeedMetadata struct {
	Name        string
	Description string
	AccessTier  string
	Enabled     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Groups      []*FeedGroupMetadata
}

// FeedGroupMetadata is the locally-tracked record of one group within a
// feed. A group is the unit of download planning; LastSync records the last
// successful data sync for the group and, like the feed's CreatedAt, is
// never reset by metadata reconciliation.
type FeedGroupMetadata struct {
	Name        string
	FeedName    string
	Description string
	AccessTier  string
	Enabled     bool
	CreatedAt   time.Time
	// LastSync is nil until the group's data has been synced at least once.
	LastSync *time.Time
}

// Names used by the single-archive distribution, which models the whole
// database as one feed with one synthetic group.
const (
	DBFeedName  = "govulnersdb"
	DBGroupName = "govulnersdb:vulnerabilities"
)

// FeedAPIRecord is a feed as reported by an upstream listing.
type FeedAPIRecord struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	AccessTier  string `json:"access_tier"`
}

// FeedAPIGroupRecord is a group as reported by an upstream listing.
//
// For the single-archive distribution the group carries the listing's
// ArchiveDescriptor, since there is no per-group pagination to speak of.
type FeedAPIGroupRecord struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	AccessTier  string             `json:"access_tier"`
	Listing     *ArchiveDescriptor `json:"-"`
}

// SourceFeed pairs a feed's upstream record with the groups reported for
// it. This is the unit the metadata reconciler consumes.
type SourceFeed struct {
	Meta   FeedAPIRecord
	Groups []FeedAPIGroupRecord
}

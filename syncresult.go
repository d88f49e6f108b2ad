package govulners

import "time"

// Sync statuses reported per feed and per group.
const (
	SyncSuccess = "success"
	SyncFailure = "failure"
)

// GroupSyncResult reports the outcome of syncing one group's data.
type GroupSyncResult struct {
	Group              string        `json:"group"`
	Status             string        `json:"status"`
	UpdatedRecordCount int           `json:"updated_record_count"`
	TotalTime          time.Duration `json:"total_time_seconds"`
	// Err is set when Status is SyncFailure.
	Err error `json:"-"`
}

// FeedSyncResult aggregates group outcomes for one feed's sync attempt.
type FeedSyncResult struct {
	Feed      string            `json:"feed"`
	Status    string            `json:"status"`
	TotalTime time.Duration     `json:"total_time_seconds"`
	Groups    []GroupSyncResult `json:"groups"`
}

// FeedError records a feed-scoped failure during metadata reconciliation.
// Failures are collected, not raised, so one feed's error never aborts its
// siblings.
type FeedError struct {
	Feed string
	Err  error
}

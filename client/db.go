package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/quay/zlog"

	"github.com/nextlinux/govulners"
	"github.com/nextlinux/govulners/internal/httputil"
)

var _ Source = (*DBClient)(nil)

// SchemaGetter reports the database schema version the locally-installed
// matching engine supports. Implemented by matcher.Govulners.
type SchemaGetter interface {
	SupportedSchema(ctx context.Context) (string, error)
}

// DBClient speaks the single-archive distribution protocol: the base URL
// serves a listing manifest keyed by schema version, each entry pointing at
// one tar archive holding a complete database snapshot.
type DBClient struct {
	root   *url.URL
	c      *AuthClient
	schema SchemaGetter
}

// NewDBClient constructs a DBClient rooted at endpoint. The SchemaGetter is
// consulted on every listing to select the manifest entry compatible with
// the installed matching engine.
func NewDBClient(endpoint string, c *AuthClient, schema SchemaGetter) (*DBClient, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("client: endpoint cannot be empty")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("client: bad endpoint: %w", err)
	}
	return &DBClient{root: u, c: c, schema: schema}, nil
}

// ListFeeds returns the one synthetic feed record the archive distribution
// is modeled as.
func (d *DBClient) ListFeeds(_ context.Context) ([]govulners.FeedAPIRecord, error) {
	return []govulners.FeedAPIRecord{{
		Name:        govulners.DBFeedName,
		Description: govulners.DBFeedName + " feed",
		AccessTier:  "0",
	}}, nil
}

// listing is the manifest served at the distribution root.
type listing struct {
	Available map[string][]govulners.ArchiveDescriptor `json:"available"`
}

// ListGroups downloads the listing manifest and returns one synthetic group
// carrying the descriptor whose schema version matches the locally
// supported one. It fails with *govulners.ArchiveUnavailableError when no
// entry matches.
func (d *DBClient) ListGroups(ctx context.Context, _ string) ([]govulners.FeedAPIGroupRecord, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "client/DBClient.ListGroups")
	desc, err := d.selectListing(ctx)
	if err != nil {
		return nil, err
	}
	return []govulners.FeedAPIGroupRecord{{
		Name:        govulners.DBGroupName,
		Description: govulners.DBGroupName + " group",
		AccessTier:  "0",
		Listing:     desc,
	}}, nil
}

func (d *DBClient) selectListing(ctx context.Context) (*govulners.ArchiveDescriptor, error) {
	zlog.Info(ctx).Str("url", d.root.String()).Msg("downloading listing manifest")
	res, err := d.c.Get(ctx, d.root.String())
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	var l listing
	if err := json.NewDecoder(res.Body).Decode(&l); err != nil {
		return nil, fmt.Errorf("client: error decoding listing manifest: %w", err)
	}
	schema, err := d.schema.SupportedSchema(ctx)
	if err != nil {
		return nil, err
	}
	available := l.Available[schema]
	if len(available) == 0 {
		return nil, &govulners.ArchiveUnavailableError{Version: schema}
	}
	// Entries are served newest-first.
	desc := available[0]
	zlog.Info(ctx).
		Str("checksum", desc.Checksum).
		Str("version", desc.Version).
		Time("built", desc.Built).
		Msg("found relevant database listing")
	return &desc, nil
}

// GroupData downloads the archive the current listing points at, verifying
// its content type and its checksum against the listing, and spools it to a
// local file. The returned Descriptor carries the listing's checksum, build
// time, and version.
func (d *DBClient) GroupData(ctx context.Context, _, _ string, since *time.Time, _ string) (*GroupData, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "client/DBClient.GroupData")
	desc, err := d.selectListing(ctx)
	if err != nil {
		return nil, err
	}
	zlog.Info(ctx).Str("url", desc.URL).Msg("downloading database archive")
	res, err := d.c.Get(ctx, desc.URL)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if err := httputil.CheckContentType(res, "application/x-tar"); err != nil {
		return nil, err
	}

	spool, err := os.CreateTemp("", "govulners-db.*.tar")
	if err != nil {
		return nil, err
	}
	var keep bool
	defer func() {
		spool.Close()
		if !keep {
			os.Remove(spool.Name())
		}
	}()
	h := sha256.New()
	if _, err := io.Copy(spool, io.TeeReader(res.Body, h)); err != nil {
		return nil, fmt.Errorf("client: error spooling database archive: %w", err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != strings.TrimPrefix(desc.Checksum, "sha256:") {
		return nil, fmt.Errorf("client: archive checksum mismatch: got sha256:%s, want %s", got, desc.Checksum)
	}
	keep = true
	return &GroupData{
		File:        spool.Name(),
		RecordCount: 1,
		Since:       since,
		Descriptor:  desc,
	}, nil
}

// Package client implements the two upstream protocol variants used to keep
// the local govulners database current: the paginated multi-feed listing
// protocol and the single-archive distribution protocol.
//
// Both variants expose the same capability set via the Source interface, so
// the sync machinery can stay polymorphic over them.
package client

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/quay/zlog"

	"github.com/nextlinux/govulners"
	"github.com/nextlinux/govulners/internal/httputil"
)

// Source is the capability set shared by the protocol variants.
type Source interface {
	// ListFeeds reports the feeds the upstream source serves.
	ListFeeds(ctx context.Context) ([]govulners.FeedAPIRecord, error)
	// ListGroups reports the groups of the named feed.
	ListGroups(ctx context.Context, feed string) ([]govulners.FeedAPIGroupRecord, error)
	// GroupData fetches one group's data page. The payload is spooled to a
	// local file owned by the caller.
	GroupData(ctx context.Context, feed, group string, since *time.Time, nextToken string) (*GroupData, error)
}

// GroupData is one fetched group payload.
type GroupData struct {
	// File is the path of the spooled payload. The caller owns the file and
	// is responsible for removing it.
	File string
	// NextToken is the pagination cursor for the next page, empty when the
	// page is the last one.
	NextToken string
	// RecordCount is the number of items in the payload.
	RecordCount int
	// Since echoes the request's since filter.
	Since *time.Time
	// Descriptor is set by the single-archive variant and carries the
	// listing manifest's checksum, build time, and version for the fetched
	// archive.
	Descriptor *govulners.ArchiveDescriptor
}

// Defaults for the underlying HTTP execution.
//
// The retry count is bounded and is a tunable, not a law; there is no
// backoff between attempts.
const (
	DefaultConnectTimeout = 3 * time.Second
	DefaultReadTimeout    = 60 * time.Second
	DefaultRetries        = 3
)

// Config configures an AuthClient.
type Config struct {
	// Username and Password enable HTTP basic auth when either is set.
	Username string
	Password string
	// ConnectTimeout bounds connection establishment per attempt.
	ConnectTimeout time.Duration
	// ReadTimeout bounds a whole request/response cycle per attempt.
	ReadTimeout time.Duration
	// Retries is the attempt budget per request.
	Retries int
}

// AuthClient executes upstream HTTP requests with optional basic auth, a
// bounded retry count, and typed status-code handling.
type AuthClient struct {
	c        *http.Client
	username string
	password string
	readTO   time.Duration
	retries  int
}

// NewAuthClient constructs an AuthClient from the provided Config,
// defaulting any zero values.
func NewAuthClient(cfg Config) *AuthClient {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Retries == 0 {
		cfg.Retries = DefaultRetries
	}
	d := net.Dialer{Timeout: cfg.ConnectTimeout}
	return &AuthClient{
		c: &http.Client{
			Transport: &http.Transport{
				DialContext:       d.DialContext,
				ForceAttemptHTTP2: true,
			},
		},
		username: cfg.Username,
		password: cfg.Password,
		readTO:   cfg.ReadTimeout,
		retries:  cfg.Retries,
	}
}

// Get issues an authenticated GET against the url.
//
// Transport errors and 5xx responses consume an attempt and are retried
// immediately. A 401 or 403 fails fast with its typed error, as do the
// remaining 4xx statuses, which no amount of retrying will change. The
// response body is open on a nil error and the caller must close it.
func (c *AuthClient) Get(ctx context.Context, url string) (*http.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= c.retries; attempt++ {
		zlog.Debug(ctx).
			Str("url", url).
			Int("attempt", attempt).
			Int("retries", c.retries).
			Msg("making authenticated request")
		res, err := c.do(ctx, url)
		switch {
		case err != nil:
			// Transport-level failure, worth another attempt.
			lastErr = err
			continue
		case res.StatusCode == http.StatusOK:
			return res, nil
		case res.StatusCode == http.StatusUnauthorized:
			res.Body.Close()
			return nil, &govulners.InvalidCredentialsError{User: c.username, URL: url}
		case res.StatusCode == http.StatusForbidden:
			res.Body.Close()
			return nil, &govulners.InsufficientAccessTierError{User: c.username}
		case res.StatusCode >= http.StatusInternalServerError:
			lastErr = statusError(res)
			res.Body.Close()
		default:
			err := statusError(res)
			res.Body.Close()
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *AuthClient) do(ctx context.Context, url string) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.readTO)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	if c.username != "" || c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	res, err := c.c.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	res.Body = &cancelBody{ReadCloser: res.Body, cancel: cancel}
	return res, nil
}

func statusError(res *http.Response) error {
	return httputil.CheckResponse(res, http.StatusOK)
}

// CancelBody ties the per-attempt timeout to the response body's lifetime.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	b.cancel()
	return b.ReadCloser.Close()
}

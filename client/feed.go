package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/quay/zlog"

	"github.com/nextlinux/govulners"
	"github.com/nextlinux/govulners/internal/httputil"
)

var _ Source = (*FeedClient)(nil)

// FeedClient speaks the paginated multi-feed listing protocol:
//
//	GET {base}/{feed}[?next_token=T]
//	GET {base}/{feed}/{group}[?next_token=T]
//	GET {base}/{feed}/{group}[?since=RFC3339][&next_token=T]
type FeedClient struct {
	root *url.URL
	c    *AuthClient
}

// NewFeedClient constructs a FeedClient rooted at endpoint.
func NewFeedClient(endpoint string, c *AuthClient) (*FeedClient, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("client: endpoint cannot be empty")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("client: bad endpoint: %w", err)
	}
	return &FeedClient{root: u, c: c}, nil
}

type feedsPage struct {
	Feeds     []govulners.FeedAPIRecord `json:"feeds"`
	NextToken string                    `json:"next_token"`
}

type groupsPage struct {
	Groups    []govulners.FeedAPIGroupRecord `json:"groups"`
	NextToken string                         `json:"next_token"`
}

// ListFeeds follows the next_token cursor across pages, accumulating feed
// records.
func (f *FeedClient) ListFeeds(ctx context.Context) ([]govulners.FeedAPIRecord, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "client/FeedClient.ListFeeds")
	var out []govulners.FeedAPIRecord
	token := ""
	for {
		var page feedsPage
		if err := f.getPage(ctx, f.root.String(), token, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Feeds...)
		if page.NextToken == "" {
			return out, nil
		}
		token = page.NextToken
	}
}

// ListGroups follows the next_token cursor across the named feed's group
// listing.
func (f *FeedClient) ListGroups(ctx context.Context, feed string) ([]govulners.FeedAPIGroupRecord, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "client/FeedClient.ListGroups")
	u := f.root.JoinPath(feed)
	var out []govulners.FeedAPIGroupRecord
	token := ""
	for {
		var page groupsPage
		if err := f.getPage(ctx, u.String(), token, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Groups...)
		if page.NextToken == "" {
			return out, nil
		}
		token = page.NextToken
	}
}

func (f *FeedClient) getPage(ctx context.Context, base, token string, page any) error {
	u := base
	if token != "" {
		u += "?next_token=" + url.QueryEscape(token)
	}
	res, err := f.c.Get(ctx, u)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if err := json.NewDecoder(res.Body).Decode(page); err != nil {
		return fmt.Errorf("client: error decoding listing page: %w", err)
	}
	return nil
}

// GroupData streams one page of the named group's data to a spool file,
// extracting the payload's next_token and counting the nested item array
// without holding the whole payload in memory.
func (f *FeedClient) GroupData(ctx context.Context, feed, group string, since *time.Time, nextToken string) (*GroupData, error) {
	ctx = zlog.ContextWithValues(ctx,
		"component", "client/FeedClient.GroupData",
		"feed", feed,
		"group", group)
	u := f.root.JoinPath(feed, group)
	q := u.Query()
	if since != nil {
		q.Set("since", since.Format(time.RFC3339))
	}
	if nextToken != "" {
		q.Set("next_token", nextToken)
	}
	u.RawQuery = q.Encode()

	res, err := f.c.Get(ctx, u.String())
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if err := httputil.CheckContentType(res, "application/json"); err != nil {
		return nil, err
	}

	spool, err := os.CreateTemp("", "govulners-feeddata.*.json")
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
	if _, err := io.Copy(spool, res.Body); err != nil {
		return nil, fmt.Errorf("client: error spooling group data: %w", err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	token, count, err := scanGroupPayload(spool)
	if err != nil {
		return nil, fmt.Errorf("client: error scanning group data: %w", err)
	}
	zlog.Debug(ctx).Int("count", count).Msg("found records in data chunk")
	keep = true
	return &GroupData{
		File:        spool.Name(),
		NextToken:   token,
		RecordCount: count,
		Since:       since,
	}, nil
}

// ScanGroupPayload walks a group data payload of the shape
//
//	{"data": {"item": [...]}, "next_token": "..."}
//
// one token at a time, returning the next_token value and the item count.
// Unknown keys are skipped. Items are decoded one at a time, so memory use
// is bounded by the largest single item, not the page.
func scanGroupPayload(r io.Reader) (nextToken string, count int, err error) {
	dec := json.NewDecoder(r)
	if err := expectDelim(dec, '{'); err != nil {
		return "", 0, err
	}
	for dec.More() {
		key, err := stringToken(dec)
		if err != nil {
			return "", 0, err
		}
		switch key {
		case "next_token":
			tok, err := dec.Token()
			if err != nil {
				return "", 0, err
			}
			if s, ok := tok.(string); ok {
				nextToken = s
			}
		case "data":
			if err := expectDelim(dec, '{'); err != nil {
				return "", 0, err
			}
			for dec.More() {
				dkey, err := stringToken(dec)
				if err != nil {
					return "", 0, err
				}
				if dkey != "item" {
					if err := skipValue(dec); err != nil {
						return "", 0, err
					}
					continue
				}
				if err := expectDelim(dec, '['); err != nil {
					return "", 0, err
				}
				for dec.More() {
					var item json.RawMessage
					if err := dec.Decode(&item); err != nil {
						return "", 0, err
					}
					count++
				}
				if _, err := dec.Token(); err != nil { // closing ]
					return "", 0, err
				}
			}
			if _, err := dec.Token(); err != nil { // closing }
				return "", 0, err
			}
		default:
			if err := skipValue(dec); err != nil {
				return "", 0, err
			}
		}
	}
	return nextToken, count, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	d, ok := tok.(json.Delim)
	if !ok || d != want {
		return fmt.Errorf("unexpected token %v, want %v", tok, want)
	}
	return nil
}

func stringToken(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", err
	}
	s, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("unexpected token %v, want string", tok)
	}
	return s, nil
}

// SkipValue consumes exactly one JSON value, descending through composites.
func skipValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	d, ok := tok.(json.Delim)
	if !ok {
		return nil
	}
	switch d {
	case '{', '[':
		for dec.More() {
			if err := skipValue(dec); err != nil {
				return err
			}
		}
		_, err := dec.Token()
		return err
	}
	return fmt.Errorf("unexpected delimiter %v", d)
}

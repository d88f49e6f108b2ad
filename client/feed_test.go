package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/quay/zlog"

	"github.com/nextlinux/govulners"
)

func TestListFeedsPagination(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("next_token") {
		case "":
			fmt.Fprint(w, `{"feeds":[{"name":"vulnerabilities","description":"vuln feed","access_tier":"0"}],"next_token":"page2"}`)
		case "page2":
			fmt.Fprint(w, `{"feeds":[{"name":"packages","description":"pkg feed","access_tier":"1"}]}`)
		default:
			t.Errorf("unexpected token: %q", r.URL.Query().Get("next_token"))
		}
	}))
	defer srv.Close()

	f, err := NewFeedClient(srv.URL, NewAuthClient(Config{}))
	if err != nil {
		t.Fatal(err)
	}
	got, err := f.ListFeeds(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []govulners.FeedAPIRecord{
		{Name: "vulnerabilities", Description: "vuln feed", AccessTier: "0"},
		{Name: "packages", Description: "pkg feed", AccessTier: "1"},
	}
	if !cmp.Equal(got, want) {
		t.Error(cmp.Diff(got, want))
	}
}

func TestListGroupsPagination(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got, want := r.URL.Path, "/vulnerabilities"; got != want {
			t.Errorf("got: %q, want: %q", got, want)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"groups":[{"name":"debian:11","description":"","access_tier":"0"}]}`)
	}))
	defer srv.Close()

	f, err := NewFeedClient(srv.URL, NewAuthClient(Config{}))
	if err != nil {
		t.Fatal(err)
	}
	got, err := f.ListGroups(ctx, "vulnerabilities")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Name != "debian:11" {
		t.Errorf("unexpected groups: %+v", got)
	}
}

func TestGroupData(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	const payload = `{"data":{"item":[{"Vulnerability":{"Name":"CVE-2021-1"}},{"Vulnerability":{"Name":"CVE-2021-2"}},{"Vulnerability":{"Name":"CVE-2021-3"}}]},"next_token":"abcdef"}`
	var gotSince string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSince = r.URL.Query().Get("since")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, payload)
	}))
	defer srv.Close()

	f, err := NewFeedClient(srv.URL, NewAuthClient(Config{}))
	if err != nil {
		t.Fatal(err)
	}
	since := time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)
	gd, err := f.GroupData(ctx, "vulnerabilities", "debian:11", &since, "")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(gd.File)
	if gotSince != "2021-06-01T00:00:00Z" {
		t.Errorf("got: %q, want: %q", gotSince, "2021-06-01T00:00:00Z")
	}
	if gd.NextToken != "abcdef" {
		t.Errorf("got: %q, want: %q", gd.NextToken, "abcdef")
	}
	if gd.RecordCount != 3 {
		t.Errorf("got: %d, want: 3", gd.RecordCount)
	}
	b, err := os.ReadFile(gd.File)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != payload {
		t.Error("spooled payload does not match response body")
	}
}

func TestGroupDataContentType(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html></html>`)
	}))
	defer srv.Close()

	f, err := NewFeedClient(srv.URL, NewAuthClient(Config{}))
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.GroupData(ctx, "vulnerabilities", "debian:11", nil, "")
	var ce *govulners.UnexpectedContentTypeError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *govulners.UnexpectedContentTypeError, got %v", err)
	}
}

func TestStatusMapping(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	tt := []struct {
		Name   string
		Status int
		Check  func(*testing.T, error)
	}{
		{
			Name:   "Unauthorized",
			Status: http.StatusUnauthorized,
			Check: func(t *testing.T, err error) {
				var ce *govulners.InvalidCredentialsError
				if !errors.As(err, &ce) {
					t.Errorf("expected *govulners.InvalidCredentialsError, got %v", err)
				}
				if ce != nil && ce.User != "someuser" {
					t.Errorf("got: %q, want: %q", ce.User, "someuser")
				}
			},
		},
		{
			Name:   "Forbidden",
			Status: http.StatusForbidden,
			Check: func(t *testing.T, err error) {
				var ae *govulners.InsufficientAccessTierError
				if !errors.As(err, &ae) {
					t.Errorf("expected *govulners.InsufficientAccessTierError, got %v", err)
				}
			},
		},
		{
			Name:   "NotFound",
			Status: http.StatusNotFound,
			Check: func(t *testing.T, err error) {
				var he *govulners.HTTPStatusError
				if !errors.As(err, &he) {
					t.Errorf("expected *govulners.HTTPStatusError, got %v", err)
				}
				if he != nil && he.Code != http.StatusNotFound {
					t.Errorf("got: %d, want: %d", he.Code, http.StatusNotFound)
				}
			},
		},
		{
			Name:   "ServerError",
			Status: http.StatusInternalServerError,
			Check: func(t *testing.T, err error) {
				var he *govulners.HTTPStatusError
				if !errors.As(err, &he) {
					t.Errorf("expected *govulners.HTTPStatusError, got %v", err)
				}
				if he != nil && he.Code != http.StatusInternalServerError {
					t.Errorf("got: %d, want: %d", he.Code, http.StatusInternalServerError)
				}
			},
		},
	}
	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			var hits int
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits++
				w.WriteHeader(tc.Status)
			}))
			defer srv.Close()

			c := NewAuthClient(Config{Username: "someuser", Password: "hunter2", Retries: 2})
			f, err := NewFeedClient(srv.URL, c)
			if err != nil {
				t.Fatal(err)
			}
			_, err = f.ListFeeds(ctx)
			if err == nil {
				t.Fatal("expected an error")
			}
			tc.Check(t, err)
			// Only server errors are worth retrying.
			if tc.Status >= http.StatusInternalServerError {
				if hits != 2 {
					t.Errorf("expected retry until budget spent, got %d attempts", hits)
				}
			} else if hits != 1 {
				t.Errorf("expected fail-fast, got %d attempts", hits)
			}
		})
	}
}

func TestScanGroupPayload(t *testing.T) {
	t.Parallel()
	tt := []struct {
		Name      string
		In        string
		WantToken string
		WantCount int
	}{
		{Name: "Empty", In: `{}`, WantToken: "", WantCount: 0},
		{Name: "NoToken", In: `{"data":{"item":[1,2]}}`, WantToken: "", WantCount: 2},
		{Name: "TokenFirst", In: `{"next_token":"t","data":{"item":[{"a":1}]}}`, WantToken: "t", WantCount: 1},
		{Name: "TokenLast", In: `{"data":{"item":[{"a":1},[2,3]]},"next_token":"u"}`, WantToken: "u", WantCount: 2},
		{Name: "UnknownKeys", In: `{"meta":{"x":[1]},"data":{"other":true,"item":[]},"next_token":null}`, WantToken: "", WantCount: 0},
	}
	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			token, count, err := scanGroupPayload(strings.NewReader(tc.In))
			if err != nil {
				t.Fatal(err)
			}
			if token != tc.WantToken {
				t.Errorf("got: %q, want: %q", token, tc.WantToken)
			}
			if count != tc.WantCount {
				t.Errorf("got: %d, want: %d", count, tc.WantCount)
			}
		})
	}
}

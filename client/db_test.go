package client

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/quay/zlog"

	"github.com/nextlinux/govulners"
)

type staticSchema string

func (s staticSchema) SupportedSchema(_ context.Context) (string, error) {
	return string(s), nil
}

func archiveSum(b []byte) string {
	return fmt.Sprintf("sha256:%x", sha256.Sum256(b))
}

func listingSrv(t *testing.T, archive []byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"available":{"5":[{"checksum":%q,"version":"5","built":"2021-06-01T00:00:00Z","url":%q}]}}`, archiveSum(archive), srv.URL+"/archive/vulnerability-db_v5.tar.gz")
	})
	mux.HandleFunc("/archive/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-tar")
		w.Write(archive)
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestDBListFeeds(t *testing.T) {
	t.Parallel()
	d, err := NewDBClient("http://localhost", NewAuthClient(Config{}), staticSchema("5"))
	if err != nil {
		t.Fatal(err)
	}
	feeds, err := d.ListFeeds(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(feeds) != 1 || feeds[0].Name != govulners.DBFeedName {
		t.Errorf("unexpected feeds: %+v", feeds)
	}
}

func TestDBListGroups(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	srv := listingSrv(t, []byte("tar bytes"))

	d, err := NewDBClient(srv.URL, NewAuthClient(Config{}), staticSchema("5"))
	if err != nil {
		t.Fatal(err)
	}
	groups, err := d.ListGroups(ctx, govulners.DBFeedName)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 {
		t.Fatalf("got: %d groups, want: 1", len(groups))
	}
	g := groups[0]
	if g.Name != govulners.DBGroupName {
		t.Errorf("got: %q, want: %q", g.Name, govulners.DBGroupName)
	}
	if g.Listing == nil || g.Listing.Checksum != archiveSum([]byte("tar bytes")) {
		t.Errorf("unexpected listing: %+v", g.Listing)
	}
}

func TestDBSchemaMismatch(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	srv := listingSrv(t, nil)

	d, err := NewDBClient(srv.URL, NewAuthClient(Config{}), staticSchema("6"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = d.ListGroups(ctx, govulners.DBFeedName)
	var ae *govulners.ArchiveUnavailableError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *govulners.ArchiveUnavailableError, got %v", err)
	}
	if ae.Version != "6" {
		t.Errorf("got: %q, want: %q", ae.Version, "6")
	}
}

func TestDBGroupData(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	archive := []byte("pretend this is a tarball")
	srv := listingSrv(t, archive)

	d, err := NewDBClient(srv.URL, NewAuthClient(Config{}), staticSchema("5"))
	if err != nil {
		t.Fatal(err)
	}
	gd, err := d.GroupData(ctx, govulners.DBFeedName, govulners.DBGroupName, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(gd.File)
	if gd.Descriptor == nil || gd.Descriptor.Checksum != archiveSum(archive) {
		t.Errorf("unexpected descriptor: %+v", gd.Descriptor)
	}
	if gd.RecordCount != 1 {
		t.Errorf("got: %d, want: 1", gd.RecordCount)
	}
	b, err := os.ReadFile(gd.File)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != string(archive) {
		t.Error("spooled archive does not match response body")
	}
}

func TestDBGroupDataChecksumMismatch(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"available":{"5":[{"checksum":%q,"version":"5","built":"2021-06-01T00:00:00Z","url":%q}]}}`, archiveSum([]byte("the advertised bytes")), srv.URL+"/archive")
	})
	mux.HandleFunc("/archive", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-tar")
		w.Write([]byte("tampered bytes"))
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	d, err := NewDBClient(srv.URL, NewAuthClient(Config{}), staticSchema("5"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = d.GroupData(ctx, govulners.DBFeedName, govulners.DBGroupName, nil, "")
	if err == nil {
		t.Fatal("expected checksum mismatch error, got nil")
	}
	if !strings.Contains(err.Error(), "checksum mismatch") {
		t.Errorf("unexpected error: %v", err)
	}
	// The corrupt spool file must not be left behind.
	spools, err := filepath.Glob(filepath.Join(os.TempDir(), "govulners-db.*.tar"))
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range spools {
		if b, err := os.ReadFile(p); err == nil && string(b) == "tampered bytes" {
			t.Errorf("spool file %s left behind after checksum failure", p)
		}
	}
}

func TestDBGroupDataContentType(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"available":{"5":[{"checksum":"sha256:abc123","version":"5","built":"2021-06-01T00:00:00Z","url":%q}]}}`, srv.URL+"/archive")
	})
	mux.HandleFunc("/archive", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write([]byte("nope"))
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	d, err := NewDBClient(srv.URL, NewAuthClient(Config{}), staticSchema("5"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = d.GroupData(ctx, govulners.DBFeedName, govulners.DBGroupName, nil, "")
	var ce *govulners.UnexpectedContentTypeError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *govulners.UnexpectedContentTypeError, got %v", err)
	}
}

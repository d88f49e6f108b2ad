package libdb

import (
	"context"
	"testing"
	"time"

	"github.com/quay/zlog"

	"github.com/nextlinux/govulners"
)

func queryManager(t *testing.T, built time.Time) *Manager {
	t.Helper()
	ctx := zlog.Test(context.Background(), t)
	m := newManager(t)
	archive := buildSnapshotArchive(t, "v1", "sha256:feedface", built, defaultRows())
	if _, err := m.InstallArchive(ctx, archive, "abc123", "v1", govulners.Production); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestQueryVulnerabilities(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	m := queryManager(t, time.Now().UTC())

	tt := []struct {
		Name  string
		Query VulnerabilityQuery
		Want  []string // "id/package/namespace"
	}{
		{
			Name: "IDAndNamespace",
			Query: VulnerabilityQuery{
				VulnIDs:    []string{"CVE-2021-1"},
				Namespaces: []string{"debian:11"},
			},
			Want: []string{"CVE-2021-1/pkg-a/debian:11"},
		},
		{
			Name:  "IDOnly",
			Query: VulnerabilityQuery{VulnIDs: []string{"CVE-2021-1"}},
			Want: []string{
				"CVE-2021-1/pkg-a/debian:11",
				"CVE-2021-1/pkg-b/ubuntu:20.04",
			},
		},
		{
			Name:  "Package",
			Query: VulnerabilityQuery{AffectedPackage: "pkg-a"},
			Want: []string{
				"CVE-2021-1/pkg-a/debian:11",
				"CVE-2021-2/pkg-a/debian:11",
			},
		},
		{
			Name:  "NoMatch",
			Query: VulnerabilityQuery{VulnIDs: []string{"CVE-1999-0"}},
			Want:  nil,
		},
	}
	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			rows, err := m.QueryVulnerabilities(ctx, tc.Query)
			if err != nil {
				t.Fatal(err)
			}
			got := make(map[string]bool, len(rows))
			for _, r := range rows {
				v := r.Vulnerability
				got[v.ID+"/"+v.PackageName+"/"+v.Namespace] = true
			}
			if len(got) != len(tc.Want) {
				t.Fatalf("got %v, want %v", got, tc.Want)
			}
			for _, w := range tc.Want {
				if !got[w] {
					t.Errorf("missing row %q", w)
				}
			}
		})
	}
}

func TestQueryVulnerabilitiesOuterJoin(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	m := queryManager(t, time.Now().UTC())

	rows, err := m.QueryVulnerabilities(ctx, VulnerabilityQuery{AffectedPackage: "pkg-a"})
	if err != nil {
		t.Fatal(err)
	}
	byID := map[string]govulners.VulnerabilityRow{}
	for _, r := range rows {
		byID[r.Vulnerability.ID] = r
	}
	// CVE-2021-1 has a metadata row; CVE-2021-2 does not but is still
	// returned.
	if r := byID["CVE-2021-1"]; r.Metadata == nil || r.Metadata.Severity != "High" {
		t.Errorf("unexpected metadata for CVE-2021-1: %+v", r.Metadata)
	}
	if r, ok := byID["CVE-2021-2"]; !ok {
		t.Error("row without metadata was dropped")
	} else if r.Metadata != nil {
		t.Errorf("fabricated metadata: %+v", r.Metadata)
	}
}

func TestQueryVulnerabilityMetadata(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	m := queryManager(t, time.Now().UTC())

	mds, err := m.QueryVulnerabilityMetadata(ctx, []string{"CVE-2021-1"}, []string{"ubuntu:20.04"})
	if err != nil {
		t.Fatal(err)
	}
	if len(mds) != 1 {
		t.Fatalf("got %d rows, want 1", len(mds))
	}
	md := mds[0]
	if md.ID != "CVE-2021-1" || md.Namespace != "ubuntu:20.04" || md.Severity != "High" {
		t.Errorf("unexpected row: %+v", md)
	}

	all, err := m.QueryVulnerabilityMetadata(ctx, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("got %d rows, want 2", len(all))
	}
}

func TestRecordSourceCounts(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	built := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m := queryManager(t, built)

	counts, err := m.RecordSourceCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]int{"debian:11": 2, "ubuntu:20.04": 1}
	if len(counts) != len(want) {
		t.Fatalf("got %d sources, want %d", len(counts), len(want))
	}
	for _, rs := range counts {
		if rs.Feed != "vulnerabilities" {
			t.Errorf("got feed %q, want vulnerabilities", rs.Feed)
		}
		if rs.Count != want[rs.Group] {
			t.Errorf("got %d records for %q, want %d", rs.Count, rs.Group, want[rs.Group])
		}
		if rs.LastSynced != built.Format(time.RFC3339) {
			t.Errorf("got last_synced %q, want %q", rs.LastSynced, built.Format(time.RFC3339))
		}
	}
}

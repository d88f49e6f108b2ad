package libdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v8"
	_ "github.com/doug-martin/goqu/v8/dialect/sqlite3" // register the sqlite3 dialect

	"github.com/nextlinux/govulners"
)

// The feed name record-source counts are reported under. The snapshot has
// no notion of feeds; every namespace in it came from the one vulnerability
// feed.
const recordSourceFeed = "vulnerabilities"

// VulnerabilityQuery filters QueryVulnerabilities. Zero-valued fields are
// unconstrained.
type VulnerabilityQuery struct {
	// VulnIDs restricts results to the listed vulnerability IDs.
	VulnIDs []string
	// AffectedPackage restricts results to rows affecting the named
	// package.
	AffectedPackage string
	// Namespaces restricts results to the listed namespaces.
	Namespaces []string
}

var vulnerabilityColumns = []any{
	goqu.I("v.id"),
	goqu.I("v.package_name"),
	goqu.I("v.namespace"),
	goqu.I("v.version_constraint"),
	goqu.I("v.version_format"),
	goqu.I("v.cpes"),
	goqu.I("v.related_vulnerabilities"),
	goqu.I("v.fixed_in_versions"),
	goqu.I("v.fix_state"),
	goqu.I("v.advisories"),
	goqu.I("m.id"),
	goqu.I("m.namespace"),
	goqu.I("m.data_source"),
	goqu.I("m.record_source"),
	goqu.I("m.severity"),
	goqu.I("m.urls"),
	goqu.I("m.description"),
	goqu.I("m.cvss"),
}

// QueryVulnerabilities runs the read-lock-guarded vulnerability query
// against the production snapshot.
//
// Rows join the vulnerability table against vulnerability_metadata on
// (id, namespace) with outer-join semantics: a vulnerability row with no
// matching metadata row is still returned, with a nil Metadata.
func (m *Manager) QueryVulnerabilities(ctx context.Context, q VulnerabilityQuery) ([]govulners.VulnerabilityRow, error) {
	release, err := m.rlock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	sl := m.slots[govulners.Production]
	if sl == nil {
		return nil, &govulners.UninitializedSlotError{Slot: govulners.Production}
	}

	ds := goqu.Dialect("sqlite3").
		From(goqu.T("vulnerability").As("v")).
		Select(vulnerabilityColumns...).
		LeftOuterJoin(
			goqu.T("vulnerability_metadata").As("m"),
			goqu.On(
				goqu.I("v.id").Eq(goqu.I("m.id")),
				goqu.I("v.namespace").Eq(goqu.I("m.namespace")),
			),
		)
	if len(q.VulnIDs) > 0 {
		ds = ds.Where(goqu.I("v.id").In(q.VulnIDs))
	}
	if q.AffectedPackage != "" {
		ds = ds.Where(goqu.I("v.package_name").Eq(q.AffectedPackage))
	}
	if len(q.Namespaces) > 0 {
		ds = ds.Where(goqu.I("v.namespace").In(q.Namespaces))
	}
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("libdb: failed to build vulnerability query: %w", err)
	}

	rows, err := sl.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("libdb: vulnerability query failed: %w", err)
	}
	defer rows.Close()
	var out []govulners.VulnerabilityRow
	for rows.Next() {
		var r govulners.VulnerabilityRow
		v := &r.Vulnerability
		var md [8]sql.NullString
		err := rows.Scan(
			&v.ID, &v.PackageName, &v.Namespace,
			&v.VersionConstraint, &v.VersionFormat, &v.CPEs,
			&v.RelatedVulnerabilities, &v.FixedInVersions, &v.FixState, &v.Advisories,
			&md[0], &md[1], &md[2], &md[3], &md[4], &md[5], &md[6], &md[7],
		)
		if err != nil {
			return nil, fmt.Errorf("libdb: vulnerability scan error: %w", err)
		}
		if md[0].Valid {
			r.Metadata = &govulners.VulnerabilityMetadata{
				ID:           md[0].String,
				Namespace:    md[1].String,
				DataSource:   md[2].String,
				RecordSource: md[3].String,
				Severity:     md[4].String,
				URLs:         md[5].String,
				Description:  md[6].String,
				CVSS:         md[7].String,
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("libdb: vulnerability query error: %w", err)
	}
	return out, nil
}

// QueryVulnerabilityMetadata reads metadata rows by ID and namespace.
func (m *Manager) QueryVulnerabilityMetadata(ctx context.Context, ids, namespaces []string) ([]govulners.VulnerabilityMetadata, error) {
	release, err := m.rlock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	sl := m.slots[govulners.Production]
	if sl == nil {
		return nil, &govulners.UninitializedSlotError{Slot: govulners.Production}
	}

	ds := goqu.Dialect("sqlite3").
		From("vulnerability_metadata").
		Select("id", "namespace", "data_source", "record_source", "severity", "urls", "description", "cvss")
	if len(ids) > 0 {
		ds = ds.Where(goqu.C("id").In(ids))
	}
	if len(namespaces) > 0 {
		ds = ds.Where(goqu.C("namespace").In(namespaces))
	}
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("libdb: failed to build metadata query: %w", err)
	}

	rows, err := sl.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("libdb: metadata query failed: %w", err)
	}
	defer rows.Close()
	var out []govulners.VulnerabilityMetadata
	for rows.Next() {
		var md govulners.VulnerabilityMetadata
		err := rows.Scan(&md.ID, &md.Namespace, &md.DataSource, &md.RecordSource, &md.Severity, &md.URLs, &md.Description, &md.CVSS)
		if err != nil {
			return nil, fmt.Errorf("libdb: metadata scan error: %w", err)
		}
		out = append(out, md)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("libdb: metadata query error: %w", err)
	}
	return out, nil
}

// RecordSourceCounts reports per-namespace record counts for the
// production snapshot. The snapshot's own build time stands in for a sync
// timestamp, since snapshots are replaced wholesale rather than updated.
func (m *Manager) RecordSourceCounts(ctx context.Context) ([]govulners.RecordSource, error) {
	release, err := m.rlock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	sl := m.slots[govulners.Production]
	if sl == nil {
		return nil, &govulners.UninitializedSlotError{Slot: govulners.Production}
	}
	md, err := readDBMetadata(sl.dir)
	if err != nil {
		return nil, err
	}

	query, args, err := goqu.Dialect("sqlite3").
		From("vulnerability").
		Select(goqu.C("namespace"), goqu.COUNT("*").As("records")).
		GroupBy(goqu.C("namespace")).
		Order(goqu.C("namespace").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("libdb: failed to build record source query: %w", err)
	}
	rows, err := sl.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("libdb: record source query failed: %w", err)
	}
	defer rows.Close()
	var out []govulners.RecordSource
	for rows.Next() {
		rs := govulners.RecordSource{
			Feed:       recordSourceFeed,
			LastSynced: md.Built.Format(time.RFC3339),
		}
		if err := rows.Scan(&rs.Group, &rs.Count); err != nil {
			return nil, fmt.Errorf("libdb: record source scan error: %w", err)
		}
		out = append(out, rs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("libdb: record source query error: %w", err)
	}
	return out, nil
}

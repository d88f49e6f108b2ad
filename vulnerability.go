package govulners

import "encoding/json"

// Vulnerability is one row of the snapshot's vulnerability table: a single
// (vulnerability, affected package) pair. Rows are read-only once loaded
// from an installed snapshot; they are only ever replaced wholesale by
// installing a new snapshot.
type Vulnerability struct {
	ID                string `json:"id"`
	PackageName       string `json:"package_name"`
	Namespace         string `json:"namespace"`
	VersionConstraint string `json:"version_constraint"`
	VersionFormat     string `json:"version_format"`
	CPEs              string `json:"cpes"`
	// RelatedVulnerabilities, FixedInVersions and Advisories are stored as
	// JSON-encoded strings in the snapshot, mirroring the upstream schema.
	RelatedVulnerabilities string `json:"related_vulnerabilities"`
	FixedInVersions        string `json:"fixed_in_versions"`
	FixState               string `json:"fix_state"`
	Advisories             string `json:"advisories"`
}

// RelatedVulnerabilityRefs decodes the JSON-encoded related-vulnerability
// references.
func (v *Vulnerability) RelatedVulnerabilityRefs() ([]map[string]any, error) {
	var refs []map[string]any
	if v.RelatedVulnerabilities == "" {
		return refs, nil
	}
	err := json.Unmarshal([]byte(v.RelatedVulnerabilities), &refs)
	return refs, err
}

// FixedIn decodes the JSON-encoded fixed-in version list.
func (v *Vulnerability) FixedIn() ([]string, error) {
	var vs []string
	if v.FixedInVersions == "" {
		return vs, nil
	}
	err := json.Unmarshal([]byte(v.FixedInVersions), &vs)
	return vs, err
}

// VulnerabilityMetadata is one row of the snapshot's vulnerability_metadata
// table, keyed by (id, namespace). A metadata row describes the
// vulnerability itself; zero or more Vulnerability rows reference it.
type VulnerabilityMetadata struct {
	ID           string `json:"id"`
	Namespace    string `json:"namespace"`
	DataSource   string `json:"data_source"`
	RecordSource string `json:"record_source"`
	Severity     string `json:"severity"`
	// URLs and CVSS are JSON-encoded strings, as stored upstream.
	URLs        string `json:"urls"`
	Description string `json:"description"`
	CVSS        string `json:"cvss"`
}

// SourceURLs decodes the JSON-encoded source URL list.
func (m *VulnerabilityMetadata) SourceURLs() ([]string, error) {
	var urls []string
	if m.URLs == "" {
		return urls, nil
	}
	err := json.Unmarshal([]byte(m.URLs), &urls)
	return urls, err
}

// VulnerabilityRow is the result shape of the vulnerability query: the
// package-level row joined against its metadata, if any. Metadata is nil
// when no metadata row matches the (id, namespace) pair.
type VulnerabilityRow struct {
	Vulnerability Vulnerability          `json:"vulnerability"`
	Metadata      *VulnerabilityMetadata `json:"metadata,omitempty"`
}

// RecordSource reports the per-namespace record count of an installed
// snapshot, decorated with the feed name and the snapshot's build time.
type RecordSource struct {
	Count      int    `json:"count"`
	Feed       string `json:"feed"`
	Group      string `json:"group"`
	LastSynced string `json:"last_synced"`
}

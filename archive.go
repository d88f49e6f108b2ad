package govulners

import "time"

// ArchiveDescriptor identifies one upstream-published database snapshot.
//
// Descriptors are reported by the single-archive distribution's listing
// manifest; the URL points at a tar archive containing the relational data
// file and its build metadata.
type ArchiveDescriptor struct {
	// Checksum is the content address of the archive itself.
	Checksum string `json:"checksum"`
	// Version is the database schema version the archive was built for.
	Version string `json:"version"`
	// Built is when the upstream builder produced the snapshot.
	Built time.Time `json:"built"`
	// URL is where the archive can be downloaded.
	URL string `json:"url"`
}

// DBMetadata is the snapshot's self-reported build metadata, read from the
// metadata.json file inside an unpacked archive. It is authored upstream;
// this process never writes it.
type DBMetadata struct {
	Built    time.Time `json:"built"`
	Version  string    `json:"version"`
	Checksum string    `json:"checksum"`
}

// EngineMetadata is the sidecar record written locally next to each unpacked
// snapshot after a successful install. It ties the archive's content address
// to the database checksum the snapshot reports about itself.
//
// The db_checksum field is copied out of the snapshot's own DBMetadata at
// install time, making the two records distinguishable on disk.
type EngineMetadata struct {
	ArchiveChecksum string `json:"archive_checksum"`
	DBChecksum      string `json:"db_checksum"`
	DBVersion       string `json:"govulners_db_version"`
}

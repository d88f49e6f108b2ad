package libdb

import (
	"archive/tar"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // register the sqlite driver

	"github.com/nextlinux/govulners"
	"github.com/nextlinux/govulners/internal/zreader"
	"github.com/nextlinux/govulners/pkg/tmp"
)

// stageArchive spools the archive at src into a self-removing file under
// dir. Closing the returned file deletes the staged copy.
func stageArchive(dir, src string) (*tmp.File, error) {
	in, err := os.Open(src)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	out, err := tmp.NewFile(dir, "govulners-archive.*")
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return nil, err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return nil, err
	}
	return out, nil
}

// untar unpacks the archive at src into dir. The stream is sniffed for
// compression first, so plain, gzip, zstd, and xz tars all work. Entries
// that would escape dir are rejected.
func untar(dir, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	z, err := zreader.Reader(f)
	if err != nil {
		return err
	}
	defer z.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tr := tar.NewReader(z)
	for {
		h, err := tr.Next()
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return err
		}
		name := filepath.Clean(h.Name)
		if name == ".." || strings.HasPrefix(name, ".."+string(os.PathSeparator)) || filepath.IsAbs(name) {
			return fmt.Errorf("archive entry escapes the unpack directory: %q", h.Name)
		}
		target := filepath.Join(dir, name)
		switch h.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.Create(target)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		default:
			// Links and special files have no business in a db snapshot.
			return fmt.Errorf("unsupported archive entry type %#x for %q", h.Typeflag, h.Name)
		}
	}
}

func readDBMetadata(dir string) (*govulners.DBMetadata, error) {
	b, err := os.ReadFile(filepath.Join(dir, metadataFileName))
	if err != nil {
		return nil, fmt.Errorf("libdb: failed to read snapshot metadata: %w", err)
	}
	var md govulners.DBMetadata
	if err := json.Unmarshal(b, &md); err != nil {
		return nil, fmt.Errorf("libdb: malformed snapshot metadata: %w", err)
	}
	return &md, nil
}

func readEngineMetadata(dir string) (*govulners.EngineMetadata, error) {
	b, err := os.ReadFile(filepath.Join(dir, engineMetadataFileName))
	if err != nil {
		return nil, fmt.Errorf("libdb: failed to read engine metadata: %w", err)
	}
	var em govulners.EngineMetadata
	if err := json.Unmarshal(b, &em); err != nil {
		return nil, fmt.Errorf("libdb: malformed engine metadata: %w", err)
	}
	return &em, nil
}

func writeEngineMetadata(dir string, em *govulners.EngineMetadata) error {
	b, err := json.Marshal(em)
	if err != nil {
		return fmt.Errorf("libdb: failed to encode engine metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, engineMetadataFileName), b, 0o644); err != nil {
		return fmt.Errorf("libdb: failed to write engine metadata: %w", err)
	}
	return nil
}

// openDatabase opens the snapshot's relational file read-only.
func openDatabase(path string) (*sql.DB, error) {
	u := url.URL{
		Scheme: `file`,
		Opaque: path,
		RawQuery: url.Values{
			"_pragma": {
				"query_only(1)",
			},
		}.Encode(),
	}
	db, err := sql.Open(`sqlite`, u.String())
	if err != nil {
		return nil, fmt.Errorf("libdb: failed to open snapshot database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("libdb: failed to open snapshot database: %w", err)
	}
	return db, nil
}

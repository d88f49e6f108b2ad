// Package matcher wraps the external vulnerability-matching engine.
//
// The engine is consumed as an opaque request/response collaborator: it is
// handed a content inventory and a pointer to the currently-promoted
// database directory, and returns a match report. Keeping that pointer
// consistent is the job of the libdb package; nothing here inspects the
// database beyond passing its location along.
package matcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/quay/zlog"
)

// Base environment for every engine invocation. Self-updating is disabled;
// this process owns the database lifecycle.
var baseEnv = []string{
	"GOVULNERS_CHECK_FOR_APP_UPDATE=0",
	"GOVULNERS_LOG_STRUCTURED=1",
	"GOVULNERS_DB_AUTO_UPDATE=0",
}

// Option configures a Govulners.
type Option func(*Govulners)

// WithCommand overrides the engine binary name. Mostly useful in tests.
func WithCommand(cmd string) Option {
	return func(g *Govulners) { g.cmd = cmd }
}

// Govulners executes the matching engine binary.
type Govulners struct {
	cmd string
}

// New constructs a Govulners ready for use.
func New(opts ...Option) *Govulners {
	g := &Govulners{cmd: "govulners"}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Version is the engine's self-reported version information.
type Version struct {
	Version           string `json:"version"`
	SupportedDBSchema int    `json:"supportedDbSchema"`
}

// Descriptor describes the database a report was produced against.
type Descriptor struct {
	Version string `json:"version"`
	DB      struct {
		Checksum      string    `json:"checksum"`
		SchemaVersion int       `json:"schemaVersion"`
		Built         time.Time `json:"built"`
	} `json:"db"`
}

// Report is the engine's response to a match submission. Matches are kept
// opaque; callers that care about their shape decode them themselves.
type Report struct {
	Descriptor Descriptor        `json:"descriptor"`
	Matches    []json.RawMessage `json:"matches"`
}

// Version reports the engine's version information, including the database
// schema version it supports.
func (g *Govulners) Version(ctx context.Context) (*Version, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "matcher/Govulners.Version")
	out, err := g.run(ctx, nil, "", "version", "-o", "json")
	if err != nil {
		return nil, err
	}
	var v Version
	if err := json.Unmarshal(out, &v); err != nil {
		return nil, fmt.Errorf("matcher: unexpected version response: %w", err)
	}
	if v.SupportedDBSchema == 0 {
		return nil, fmt.Errorf("matcher: version response missing supportedDbSchema: %q", out)
	}
	return &v, nil
}

// SupportedSchema reports the database schema version the installed engine
// supports, as the string used in listing manifests.
func (g *Govulners) SupportedSchema(ctx context.Context) (string, error) {
	v, err := g.Version(ctx)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(v.SupportedDBSchema), nil
}

// Match submits a content inventory and returns the engine's report. The
// engine is pointed at dbDir, which must be a fully-installed snapshot
// directory.
func (g *Govulners) Match(ctx context.Context, dbDir string, inventory io.Reader) (*Report, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "matcher/Govulners.Match")
	out, err := g.run(ctx, inventory, dbDir, "-vv", "-o", "json")
	if err != nil {
		return nil, err
	}
	return decodeReport(out)
}

// MatchFile is Match, reading the content inventory from a file.
func (g *Govulners) MatchFile(ctx context.Context, dbDir, path string) (*Report, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "matcher/Govulners.MatchFile")
	out, err := g.run(ctx, nil, dbDir, "-vv", "-o", "json", "sbom:"+path)
	if err != nil {
		return nil, err
	}
	return decodeReport(out)
}

func decodeReport(out []byte) (*Report, error) {
	var r Report
	if err := json.Unmarshal(out, &r); err != nil {
		return nil, fmt.Errorf("matcher: unexpected match response: %w", err)
	}
	return &r, nil
}

func (g *Govulners) run(ctx context.Context, stdin io.Reader, dbDir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, g.cmd, args...)
	cmd.Env = append(os.Environ(), baseEnv...)
	if dbDir != "" {
		cmd.Env = append(cmd.Env, "GOVULNERS_DB_CACHE_DIR="+dbDir)
	}
	cmd.Stdin = stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	zlog.Debug(ctx).Str("cmd", g.cmd).Strs("args", args).Msg("running matching engine")
	if err := cmd.Run(); err != nil {
		zlog.Error(ctx).Err(err).Str("stderr", stderr.String()).Msg("matching engine failed")
		return nil, fmt.Errorf("matcher: %s: %w", g.cmd, err)
	}
	return stdout.Bytes(), nil
}

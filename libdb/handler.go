package libdb

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/quay/zlog"

	"github.com/nextlinux/govulners"
	je "github.com/nextlinux/govulners/pkg/jsonerr"
)

var _ http.Handler = (*HTTP)(nil)

// HTTP exposes the Manager's read path over HTTP.
type HTTP struct {
	*http.ServeMux
	m *Manager
}

// NewHandler returns the query API handler for m.
func NewHandler(m *Manager) *HTTP {
	h := &HTTP{m: m}
	mux := http.NewServeMux()
	mux.HandleFunc("/vulnerabilities", h.Vulnerabilities)
	mux.HandleFunc("/vulnerability_metadata", h.VulnerabilityMetadata)
	mux.HandleFunc("/record_sources", h.RecordSources)
	mux.HandleFunc("/status", h.Status)
	mux.HandleFunc("/match", h.Match)
	h.ServeMux = mux
	return h
}

// writeError maps domain errors onto status codes: precondition failures
// mean no snapshot is installed yet, transient failures mean the caller
// should retry.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, govulners.ErrPrecondition):
		je.Error(w, &je.Response{
			Code:    "no-database",
			Message: err.Error(),
		}, http.StatusServiceUnavailable)
	case errors.Is(err, govulners.ErrTransient):
		je.Error(w, &je.Response{
			Code:    "busy",
			Message: err.Error(),
		}, http.StatusServiceUnavailable)
	default:
		je.Error(w, &je.Response{
			Code:    "internal-error",
			Message: err.Error(),
		}, http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zlog.Warn(r.Context()).Err(err).Msg("failed to write response")
	}
}

func (h *HTTP) Vulnerabilities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		je.Error(w, &je.Response{
			Code:    "method-not-allowed",
			Message: "endpoint only allows GET",
		}, http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	rows, err := h.m.QueryVulnerabilities(r.Context(), VulnerabilityQuery{
		VulnIDs:         q["vuln_id"],
		AffectedPackage: q.Get("affected_package"),
		Namespaces:      q["namespace"],
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, r, rows)
}

func (h *HTTP) VulnerabilityMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		je.Error(w, &je.Response{
			Code:    "method-not-allowed",
			Message: "endpoint only allows GET",
		}, http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	mds, err := h.m.QueryVulnerabilityMetadata(r.Context(), q["vuln_id"], q["namespace"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, r, mds)
}

func (h *HTTP) RecordSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		je.Error(w, &je.Response{
			Code:    "method-not-allowed",
			Message: "endpoint only allows GET",
		}, http.StatusMethodNotAllowed)
		return
	}
	counts, err := h.m.RecordSourceCounts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, r, counts)
}

// Status reports the production snapshot's identity.
func (h *HTTP) Status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		je.Error(w, &je.Response{
			Code:    "method-not-allowed",
			Message: "endpoint only allows GET",
		}, http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	sum, err := h.m.CurrentChecksum(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	out := struct {
		Checksum       string                    `json:"checksum,omitempty"`
		EngineMetadata *govulners.EngineMetadata `json:"engine_metadata,omitempty"`
		DBMetadata     *govulners.DBMetadata     `json:"db_metadata,omitempty"`
	}{Checksum: sum}
	if sum != "" {
		if out.EngineMetadata, err = h.m.EngineMetadata(ctx, govulners.Production); err != nil {
			writeError(w, err)
			return
		}
		if out.DBMetadata, err = h.m.DBMetadata(ctx, govulners.Production); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, r, out)
}

// Match submits the request body as a content inventory.
func (h *HTTP) Match(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		je.Error(w, &je.Response{
			Code:    "method-not-allowed",
			Message: "endpoint only allows POST",
		}, http.StatusMethodNotAllowed)
		return
	}
	report, err := h.m.Match(r.Context(), r.Body)
	if err != nil {
		je.Error(w, &je.Response{
			Code:    "match-error",
			Message: fmt.Sprintf("failed to match inventory: %v", err),
		}, http.StatusInternalServerError)
		return
	}
	writeJSON(w, r, report)
}

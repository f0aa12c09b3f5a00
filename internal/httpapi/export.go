package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"vlmd/internal/export"
	"vlmd/pkg/types"
)

var exporter = export.NewManager()

// handleExport renders the records of POST /export.
func handleExport(w http.ResponseWriter, r *http.Request) {
	if !hasContentType(r, "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var req types.ExportRequest
	if err := dec.Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, bodyErrMessage(err))
		return
	}
	if req.Data == nil {
		writeJSONError(w, http.StatusBadRequest, "data: is required")
		return
	}
	writeExport(w, "export", req.Format, req.Data, export.Options{Columns: req.Columns, Pretty: req.Pretty})
}

// handleBatchExport renders a batch job, one row per item for csv.
func handleBatchExport(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := svc.Batch(id)
		if err != nil {
			writeError(w, err)
			return
		}
		q := r.URL.Query()
		opts := export.Options{Pretty: q.Get("pretty") == "true"}
		if cols := q.Get("columns"); cols != "" {
			opts.Columns = strings.Split(cols, ",")
		}
		writeExport(w, "batch-"+id, q.Get("format"), job, opts)
	}
}

// writeExport sends data as an attachment. An empty format means json.
func writeExport(w http.ResponseWriter, name, format string, data any, opts export.Options) {
	if strings.TrimSpace(format) == "" {
		format = export.FormatJSON
	}
	doc, err := exporter.Export(data, format, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", doc.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+doc.Ext+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc.Body)
}

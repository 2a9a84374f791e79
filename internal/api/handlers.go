package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/krai-io/krai/internal/fault"
	"github.com/krai-io/krai/internal/observability"
	"github.com/krai-io/krai/internal/pipeline"
	"github.com/krai-io/krai/internal/storage"
)

// maxUploadBytes caps multipart uploads at 500 MB; service manuals run
// large but not unbounded.
const maxUploadBytes = 500 << 20

type handlers struct {
	processor *pipeline.Processor
	repos     *storage.Repositories
	logger    *observability.Logger
}

type errorDTO struct {
	Error        string   `json:"error"`
	Kind         string   `json:"kind,omitempty"`
	Remediations []string `json:"remediations,omitempty"`
	Hints        []string `json:"hints,omitempty"`
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (h *handlers) writeError(w http.ResponseWriter, err error) {
	dto := errorDTO{Error: err.Error()}
	status := http.StatusInternalServerError

	if f := fault.As(err); f != nil {
		dto.Kind = string(f.Kind)
		dto.Remediations = f.Remediations
		dto.Hints = f.Hints
		switch f.Kind {
		case fault.KindValidationError, fault.KindUnsupportedDocumentType:
			status = http.StatusBadRequest
		case fault.KindDocumentMissing:
			status = http.StatusNotFound
		case fault.KindQueueSaturated:
			status = http.StatusTooManyRequests
		case fault.KindManufacturerPatternNotFound, fault.KindManufacturerMissing:
			status = http.StatusUnprocessableEntity
		}
	}
	h.writeJSON(w, status, dto)
}

// ingestDocument handles POST /api/v1/documents as a multipart upload.
func (h *handlers) ingestDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		h.writeError(w, fault.New(fault.KindValidationError, "parse multipart form", err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, fault.Newf(fault.KindValidationError, "file field is required"))
		return
	}
	defer file.Close()

	priority := 0
	if v := r.FormValue("priority"); v != "" {
		priority, _ = strconv.Atoi(v)
	}

	result, err := h.processor.Ingest(r.Context(), pipeline.IngestRequest{
		Content:          file,
		Filename:         header.Filename,
		ManufacturerName: r.FormValue("manufacturer"),
		DocumentType:     storage.DocumentType(r.FormValue("document_type")),
		Priority:         priority,
		ForceReprocess:   r.FormValue("force") == "true",
		UploadedBy:       r.FormValue("uploaded_by"),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	status := http.StatusCreated
	if result.AlreadyExists {
		status = http.StatusOK
	}
	h.writeJSON(w, status, result)
}

// listDocuments handles GET /api/v1/documents.
func (h *handlers) listDocuments(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	docs, err := h.repos.Documents.List(r.Context(), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"documents": docs})
}

// documentStatus handles GET /api/v1/documents/{id}/status.
func (h *handlers) documentStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, fault.Newf(fault.KindValidationError, "invalid document id"))
		return
	}

	status, err := h.processor.GetStatus(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// reprocessDocument handles POST /api/v1/documents/{id}/reprocess with an
// optional stage query parameter.
func (h *handlers) reprocessDocument(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, fault.Newf(fault.KindValidationError, "invalid document id"))
		return
	}

	if stage := r.URL.Query().Get("stage"); stage != "" {
		err = h.processor.ReprocessStage(r.Context(), id, storage.Stage(stage))
	} else {
		err = h.processor.ReprocessDocument(r.Context(), id)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// listErrors handles GET /api/v1/errors with document_id, stage, and status
// filters.
func (h *handlers) listErrors(w http.ResponseWriter, r *http.Request) {
	filter := storage.ErrorFilter{
		Stage:  storage.Stage(r.URL.Query().Get("stage")),
		Status: storage.PipelineErrorStatus(r.URL.Query().Get("status")),
	}
	if v := r.URL.Query().Get("document_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			h.writeError(w, fault.Newf(fault.KindValidationError, "invalid document_id"))
			return
		}
		filter.DocumentID = &id
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}

	list, err := h.repos.PipelineErrors.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"errors": list})
}

// search handles GET /api/v1/search?q=...&k=10.
func (h *handlers) search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	k := 10
	if v := r.URL.Query().Get("k"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			k = n
		}
	}

	results, err := h.processor.Search(r.Context(), query, k)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if results == nil {
		results = []pipeline.SearchResult{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

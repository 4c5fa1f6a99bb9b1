package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/intellidoc/internal/admission"
	"github.com/hyperjump/intellidoc/internal/documents"
	"github.com/hyperjump/intellidoc/internal/events"
	"github.com/hyperjump/intellidoc/internal/jobs"
	"github.com/hyperjump/intellidoc/internal/models"
	"github.com/hyperjump/intellidoc/internal/storage"
)

type ownerKey struct{}

func (s *Server) requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.Header.Get(OwnerHeader)
		if owner == "" {
			s.respondError(w, http.StatusUnauthorized, "missing "+OwnerHeader+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
	})
}

func ownerOf(r *http.Request) string {
	owner, _ := r.Context().Value(ownerKey{}).(string)
	return owner
}

// uploadOverhead leaves room for multipart framing on top of the file limit.
const uploadOverhead = 1 << 20

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if limit := s.app.Config.Admission.MaxFileBytes; limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+uploadOverhead)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			s.respondError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		s.respondError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	owner := ownerOf(r)
	s.logger.Debug("upload request", zap.String("owner_id", owner), zap.String("filename", header.Filename))
	doc, err := s.app.Documents.Upload(r.Context(), documents.UploadRequest{
		OwnerID:  owner,
		Title:    r.FormValue("title"),
		Filename: header.Filename,
		Body:     file,
		Size:     header.Size,
	})
	if err != nil {
		s.respondServiceError(w, "upload", err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, doc)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	docs, err := s.app.Documents.List(r.Context(), ownerOf(r), offset, limit)
	if err != nil {
		s.respondServiceError(w, "list documents", err)
		return
	}
	if docs == nil {
		docs = []*models.Document{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"documents": docs, "offset": offset, "limit": limit})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.app.Documents.Get(r.Context(), ownerOf(r), chi.URLParam(r, "id"))
	if err != nil {
		s.respondServiceError(w, "get document", err)
		return
	}
	s.respondJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDocumentStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.app.Documents.Status(r.Context(), ownerOf(r), chi.URLParam(r, "id"))
	if err != nil {
		s.respondServiceError(w, "document status", err)
		return
	}
	s.respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.logger.Debug("delete document request", zap.String("document_id", id))
	if err := s.app.Documents.Delete(r.Context(), ownerOf(r), id); err != nil {
		s.respondServiceError(w, "delete document", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(models.StatusDeleted)})
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	doc, err := s.app.Documents.Reprocess(r.Context(), ownerOf(r), chi.URLParam(r, "id"))
	if err != nil {
		s.respondServiceError(w, "reprocess document", err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, doc)
}

// handleDocumentEvents streams the document's lifecycle events as server-sent events
// until the run completes or the client goes away.
func (s *Server) handleDocumentEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	doc, err := s.app.Documents.Get(r.Context(), ownerOf(r), id)
	if err != nil {
		s.respondServiceError(w, "document events", err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	ch, cancel := s.app.Bus.Subscribe(id)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	// Without an outstanding job no further events will arrive.
	if !s.app.Jobs.Pending(id) {
		writeEvent(w, "status", models.StatusOf(doc))
		flusher.Flush()
		return
	}
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, string(e.Kind), e)
			flusher.Flush()
			if e.Kind == events.KindCompleted {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, data interface{}) {
	b, _ := json.Marshal(data)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, b)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	s.search(w, r, "")
}

func (s *Server) handleKeywordSearch(w http.ResponseWriter, r *http.Request) {
	s.search(w, r, models.SearchModeKeyword)
}

func (s *Server) search(w http.ResponseWriter, r *http.Request, mode models.SearchMode) {
	var query models.SearchQuery
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if mode != "" {
		query.Mode = mode
	}
	query.OwnerID = ownerOf(r)
	s.logger.Debug("search request", zap.String("query", query.Query), zap.Int("k", query.K), zap.String("mode", string(query.Mode)))
	response, err := s.app.Query(r.Context(), &query)
	if err != nil {
		s.respondServiceError(w, "search", err)
		return
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	ids, err := s.app.Sweep(r.Context())
	if err != nil {
		s.respondServiceError(w, "sweep", err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"swept": ids})
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	n, err := s.app.Compact()
	if err != nil {
		s.respondServiceError(w, "compact", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"dropped": n, "vector": s.app.Index.Stats()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.app.Stats(r.Context())
	if err != nil {
		s.respondServiceError(w, "status", err)
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}

// respondServiceError maps service errors to status codes. Unknown errors are
// logged and reported without detail.
func (s *Server) respondServiceError(w http.ResponseWriter, op string, err error) {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, documents.ErrForbidden):
		s.respondError(w, http.StatusNotFound, "document not found")
	case errors.Is(err, storage.ErrDocumentDeleted):
		s.respondError(w, http.StatusGone, "document deleted")
	case errors.Is(err, documents.ErrInvalidUpload), errors.Is(err, models.ErrInvalidQuery):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, admission.ErrLimitExceeded):
		s.respondError(w, http.StatusForbidden, err.Error())
	case errors.As(err, &maxBytes):
		s.respondError(w, http.StatusRequestEntityTooLarge, "file too large")
	case errors.Is(err, documents.ErrBusy), errors.Is(err, jobs.ErrAlreadyScheduled):
		s.respondError(w, http.StatusConflict, "document is being processed")
	case errors.Is(err, jobs.ErrQueueFull):
		s.respondError(w, http.StatusServiceUnavailable, "job queue full")
	default:
		s.logger.Error(op+" failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, op+" failed")
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

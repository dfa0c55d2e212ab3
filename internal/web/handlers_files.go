package web

import (
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pal-kamlesh/buffeNStreams/internal/core"
)

// parseID reads a file id path parameter.
func parseID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, &core.ValidationError{Field: name, Reason: "must be a file id"}
	}
	return id, nil
}

// handleListFiles returns all file records, newest first.
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.service.ListFiles(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

// handleGetFile returns one file record.
func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rec, err := s.service.GetFile(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleDownload sends a stored file as an attachment under its original
// name. Range requests are honored by http.ServeContent.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	dl, err := s.service.OpenDownload(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer dl.Close()

	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": dl.File.Filename}))
	http.ServeContent(w, r, dl.File.Filename, dl.ModTime, dl.Content)
}

// handleDeleteFile removes a file from disk and its record.
func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.service.DeleteFile(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "File deleted successfully"})
}

// handleHealth reports liveness and activity counters.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": s.service.Status(),
	})
}

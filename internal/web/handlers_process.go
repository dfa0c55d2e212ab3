package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/pal-kamlesh/buffeNStreams/internal/core"
)

// maxRulesBody bounds the JSON body of a transform request.
const maxRulesBody = 1 << 20

type processRequest struct {
	Transformations []core.RuleDescriptor `json:"transformations"`
}

type processResponse struct {
	Message string `json:"message"`
	*core.ProcessResult
}

type compressResponse struct {
	Message string `json:"message"`
	*core.CompressResultFile
}

// handleProcessCSV applies transformation rules to a stored CSV file.
func (s *Server) handleProcessCSV(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}

	var req processRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRulesBody))
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.fail(w, r, &core.ValidationError{Field: "transformations", Reason: "invalid transformation rules: " + err.Error()})
		return
	}

	res, err := s.service.ProcessCSV(r.Context(), id, req.Transformations)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, processResponse{Message: "CSV processed successfully", ProcessResult: res})
}

// handleCompress gzips a stored file.
func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.service.CompressFile(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, compressResponse{Message: "File compressed successfully", CompressResultFile: res})
}

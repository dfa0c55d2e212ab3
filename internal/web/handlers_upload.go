package web

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pal-kamlesh/buffeNStreams/internal/core"
	"github.com/pal-kamlesh/buffeNStreams/internal/logging"
)

// Chunk upload headers.
const (
	headerFileID      = "X-File-Id"
	headerFileName    = "X-File-Name"
	headerChunkIndex  = "X-Chunk-Index"
	headerTotalChunks = "X-Total-Chunks"
	headerRestart     = "X-Upload-Restart"
)

type chunkResponse struct {
	Message string `json:"message"`
	*core.ChunkAck
}

// handleUploadChunk appends the request body to the upload named by
// X-File-Id. X-Chunk-Index defaults to the next expected chunk.
func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	meta, err := parseChunkMeta(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	// Bound the body slightly above the chunk limit so oversize chunks are
	// reported by the registry instead of a read error.
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Upload.MaxChunkSize+1)

	ack, err := s.service.WriteChunk(r.Context(), meta, r.Body)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	logging.FromContext(r.Context()).Debug("chunk accepted",
		"upload_id", ack.UploadID,
		"index", meta.Index,
		"bytes", ack.BytesReceived,
		"duplicate", ack.Duplicate,
	)

	msg := "Chunk uploaded successfully"
	if ack.Complete {
		msg = "Upload complete"
	}
	writeJSON(w, http.StatusOK, chunkResponse{Message: msg, ChunkAck: ack})
}

// handleCompleteUpload closes an upload that did not declare its chunk count.
func (s *Server) handleCompleteUpload(w http.ResponseWriter, r *http.Request) {
	ack, err := s.service.CompleteUpload(r.Context(), chi.URLParam(r, "uploadID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chunkResponse{Message: "Upload complete", ChunkAck: ack})
}

func parseChunkMeta(r *http.Request) (core.ChunkMeta, error) {
	meta := core.ChunkMeta{
		UploadID: strings.TrimSpace(r.Header.Get(headerFileID)),
		Filename: strings.TrimSpace(r.Header.Get(headerFileName)),
		Index:    -1,
	}

	if v := r.Header.Get(headerChunkIndex); v != "" {
		idx, err := strconv.Atoi(v)
		if err != nil || idx < 0 {
			return meta, &core.ValidationError{Field: headerChunkIndex, Reason: "must be a non-negative integer"}
		}
		meta.Index = idx
	}
	if v := r.Header.Get(headerTotalChunks); v != "" {
		total, err := strconv.Atoi(v)
		if err != nil || total < 1 {
			return meta, &core.ValidationError{Field: headerTotalChunks, Reason: "must be a positive integer"}
		}
		meta.Total = total
	}
	if v := r.Header.Get(headerRestart); v != "" {
		restart, err := strconv.ParseBool(v)
		if err != nil {
			return meta, &core.ValidationError{Field: headerRestart, Reason: "must be true or false"}
		}
		meta.Restart = restart
	}
	return meta, nil
}

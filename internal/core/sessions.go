package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pal-kamlesh/buffeNStreams/internal/store"
)

// DefaultMaxChunkSize bounds one chunk body.
const DefaultMaxChunkSize = 8 << 20

// progressTimeout bounds the metadata write made after each chunk.
const progressTimeout = 5 * time.Second

var uploadIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ChunkMeta carries the out-of-band identifiers of one chunk.
type ChunkMeta struct {
	UploadID string
	Filename string
	// Index is the zero-based chunk position; -1 means "the next one".
	Index int
	// Total is the declared chunk count; 0 when unknown.
	Total int
	// Restart discards a completed upload with the same id when the first
	// chunk is sent again. Without it the replay is acknowledged as a
	// duplicate.
	Restart bool
}

// ChunkAck acknowledges one chunk.
type ChunkAck struct {
	UploadID      string            `json:"uploadId"`
	FileID        uuid.UUID         `json:"fileId"`
	BytesReceived int64             `json:"bytesReceived"`
	NextIndex     int               `json:"nextIndex"`
	Duplicate     bool              `json:"duplicate,omitempty"`
	Complete      bool              `json:"complete"`
	File          *store.FileRecord `json:"file,omitempty"`
}

type uploadSession struct {
	mu         sync.Mutex
	id         string
	fileID     uuid.UUID
	filename   string
	sink       *IngestSink
	next       int
	total      int
	lastActive time.Time
	done       bool
}

// UploadRegistry keeps one IngestSink per upload id across chunk requests
// and enforces sequential delivery. Chunks for one id are handled one at a
// time; different ids proceed in parallel on disjoint files.
type UploadRegistry struct {
	dir      string
	store    store.Store
	maxChunk int64
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*uploadSession
}

// NewUploadRegistry stores upload bytes under dir.
func NewUploadRegistry(dir string, st store.Store, maxChunk int64, logger *slog.Logger) *UploadRegistry {
	if maxChunk <= 0 {
		maxChunk = DefaultMaxChunkSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UploadRegistry{
		dir:      dir,
		store:    st,
		maxChunk: maxChunk,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*uploadSession),
	}
}

// Path returns the target file for an upload id.
func (r *UploadRegistry) Path(uploadID string) string {
	return filepath.Join(r.dir, uploadID)
}

// Active returns the number of open sessions.
func (r *UploadRegistry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// WriteChunk appends one chunk read from body.
//
// A chunk whose index is below the next expected one was already applied
// and is acknowledged without writing. An index above it fails with
// ErrChunkOutOfOrder. A body that cannot be read in full aborts the session:
// the record is marked failed and the partial file stays on disk.
func (r *UploadRegistry) WriteChunk(ctx context.Context, meta ChunkMeta, body io.Reader) (*ChunkAck, error) {
	if meta.UploadID == "" {
		return nil, invalid("X-File-Id", "is required")
	}
	if !uploadIDPattern.MatchString(meta.UploadID) {
		return nil, invalid("X-File-Id", "must be 1-128 letters, digits, '.', '_' or '-'")
	}
	if meta.Index < -1 {
		return nil, invalid("X-Chunk-Index", "must be non-negative")
	}
	if meta.Total < 0 || (meta.Total > 0 && meta.Index >= meta.Total) {
		return nil, invalid("X-Total-Chunks", "must exceed the chunk index")
	}

	sess, ack, err := r.session(ctx, meta)
	if err != nil || ack != nil {
		return ack, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.done {
		return nil, notFound("upload session %s", meta.UploadID)
	}

	index := meta.Index
	if index == -1 {
		index = sess.next
	}
	if meta.Total > 0 {
		sess.total = meta.Total
	}

	if index < sess.next {
		return &ChunkAck{
			UploadID:      sess.id,
			FileID:        sess.fileID,
			BytesReceived: sess.sink.Written(),
			NextIndex:     sess.next,
			Duplicate:     true,
		}, nil
	}
	if index > sess.next {
		return nil, fmt.Errorf("chunk %d (expected %d): %w", index, sess.next, ErrChunkOutOfOrder)
	}

	data, err := io.ReadAll(io.LimitReader(body, r.maxChunk+1))
	if err != nil {
		ioErr := &IOError{Op: "read chunk", Path: sess.sink.Path(), BytesWritten: sess.sink.Written(), Err: err}
		r.abort(sess, ioErr)
		return nil, ioErr
	}
	if int64(len(data)) > r.maxChunk {
		return nil, invalid("body", "chunk too large: limit is %d bytes", r.maxChunk)
	}

	written, err := sess.sink.Accept(data)
	if err != nil {
		r.abort(sess, err)
		return nil, err
	}
	sess.next++
	sess.lastActive = r.now()

	ack = &ChunkAck{
		UploadID:      sess.id,
		FileID:        sess.fileID,
		BytesReceived: written,
		NextIndex:     sess.next,
	}
	if sess.total > 0 && index == sess.total-1 {
		rec, err := r.finish(ctx, sess)
		if err != nil {
			return nil, err
		}
		ack.Complete = true
		ack.File = rec
	}
	return ack, nil
}

// Complete closes an open session and marks its record complete. Completing
// an already completed upload returns its record again.
func (r *UploadRegistry) Complete(ctx context.Context, uploadID string) (*ChunkAck, error) {
	r.mu.Lock()
	sess := r.sessions[uploadID]
	r.mu.Unlock()

	if sess == nil {
		rec, err := r.store.GetFileByUploadID(ctx, uploadID)
		if err != nil || rec.Status != store.StatusComplete {
			return nil, notFound("upload session %s", uploadID)
		}
		return &ChunkAck{UploadID: uploadID, FileID: rec.ID, BytesReceived: rec.Size, Complete: true, File: rec}, nil
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.done {
		return nil, notFound("upload session %s", uploadID)
	}
	rec, err := r.finish(ctx, sess)
	if err != nil {
		return nil, err
	}
	return &ChunkAck{
		UploadID:      sess.id,
		FileID:        sess.fileID,
		BytesReceived: rec.Size,
		NextIndex:     sess.next,
		Complete:      true,
		File:          rec,
	}, nil
}

// session returns the open session for meta, starting one when meta is the
// first chunk of an unknown id. A non-nil ack means the chunk was a replay
// against an upload that already completed. Holds r.mu; session locks are
// never taken here.
func (r *UploadRegistry) session(ctx context.Context, meta ChunkMeta) (*uploadSession, *ChunkAck, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.sessions[meta.UploadID]; ok {
		return sess, nil, nil
	}

	rec, err := r.store.GetFileByUploadID(ctx, meta.UploadID)
	switch {
	case errors.Is(err, store.ErrFileNotFound):
		rec = nil
	case err != nil:
		return nil, nil, fmt.Errorf("lookup file record: %w", err)
	}

	if rec != nil && rec.Status == store.StatusComplete && (meta.Index > 0 || !meta.Restart) {
		return nil, &ChunkAck{
			UploadID:      meta.UploadID,
			FileID:        rec.ID,
			BytesReceived: rec.Size,
			Duplicate:     true,
			Complete:      true,
			File:          rec,
		}, nil
	}
	if meta.Index > 0 {
		return nil, nil, fmt.Errorf("chunk %d for unknown upload %s (expected 0): %w", meta.Index, meta.UploadID, ErrChunkOutOfOrder)
	}

	if meta.Filename == "" {
		return nil, nil, invalid("X-File-Name", "is required")
	}

	path := r.Path(meta.UploadID)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, nil, &IOError{Op: "remove stale", Path: path, Err: err}
	}

	fileID, err := r.startRecord(ctx, meta, path, rec)
	if err != nil {
		return nil, nil, err
	}

	sess := &uploadSession{
		id:         meta.UploadID,
		fileID:     fileID,
		filename:   meta.Filename,
		total:      meta.Total,
		lastActive: r.now(),
	}
	sess.sink = OpenSink(path, r.progressObserver(meta.UploadID, fileID))
	r.sessions[meta.UploadID] = sess

	r.logger.Info("upload started", "upload_id", meta.UploadID, "file_id", fileID, "filename", meta.Filename, "total_chunks", meta.Total)
	return sess, nil, nil
}

// startRecord creates the file record for a new session, or resets existing
// when an earlier attempt with the same id left one.
func (r *UploadRegistry) startRecord(ctx context.Context, meta ChunkMeta, path string, existing *store.FileRecord) (uuid.UUID, error) {
	if existing != nil {
		if err := r.store.UpdateFileProgress(ctx, existing.ID, 0, store.StatusUploading); err != nil {
			return uuid.Nil, fmt.Errorf("reset file record: %w", err)
		}
		return existing.ID, nil
	}

	rec := &store.FileRecord{
		UploadID:    meta.UploadID,
		Filename:    filepath.Base(meta.Filename),
		Path:        path,
		ProcessKind: store.ProcessNone,
		Status:      store.StatusUploading,
	}
	if err := r.store.CreateFile(ctx, rec); err != nil {
		return uuid.Nil, fmt.Errorf("create file record: %w", err)
	}
	return rec.ID, nil
}

// progressObserver persists the running size after each accepted chunk.
func (r *UploadRegistry) progressObserver(uploadID string, fileID uuid.UUID) ProgressFunc {
	return func(written int64) {
		ctx, cancel := context.WithTimeout(context.Background(), progressTimeout)
		defer cancel()
		if err := r.store.UpdateFileProgress(ctx, fileID, written, store.StatusUploading); err != nil {
			r.logger.Warn("failed to persist upload progress", "upload_id", uploadID, "bytes", written, "error", err)
			return
		}
		r.logger.Debug("upload progress", "upload_id", uploadID, "bytes", written)
	}
}

// finish closes the sink and marks the record complete. Caller holds sess.mu.
func (r *UploadRegistry) finish(ctx context.Context, sess *uploadSession) (*store.FileRecord, error) {
	sess.done = true
	r.remove(sess.id)

	closeErr := sess.sink.Close()
	written := sess.sink.Written()
	if closeErr != nil {
		r.markFailed(sess, written, closeErr)
		return nil, closeErr
	}

	if err := r.store.UpdateFileProgress(ctx, sess.fileID, written, store.StatusComplete); err != nil {
		return nil, fmt.Errorf("complete file record: %w", err)
	}
	rec, err := r.store.GetFile(ctx, sess.fileID)
	if err != nil {
		return nil, fmt.Errorf("load file record: %w", err)
	}
	r.logger.Info("upload complete", "upload_id", sess.id, "file_id", sess.fileID, "bytes", written, "chunks", sess.next)
	return rec, nil
}

// abort ends a session after a failure. Caller holds sess.mu.
func (r *UploadRegistry) abort(sess *uploadSession, cause error) {
	sess.done = true
	r.remove(sess.id)
	if err := sess.sink.Close(); err != nil && !errors.Is(err, ErrClosedSink) {
		cause = errors.Join(cause, err)
	}
	r.markFailed(sess, sess.sink.Written(), cause)
}

func (r *UploadRegistry) markFailed(sess *uploadSession, written int64, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), progressTimeout)
	defer cancel()
	if err := r.store.UpdateFileProgress(ctx, sess.fileID, written, store.StatusFailed); err != nil {
		r.logger.Warn("failed to mark upload failed", "upload_id", sess.id, "error", err)
	}
	r.logger.Warn("upload aborted", "upload_id", sess.id, "bytes", written, "error", cause, "reason", FormatUserError(cause))
}

func (r *UploadRegistry) remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Sweep aborts sessions idle for longer than idle and returns how many it
// closed.
func (r *UploadRegistry) Sweep(idle time.Duration) int {
	r.mu.Lock()
	candidates := make([]*uploadSession, 0, len(r.sessions))
	for _, sess := range r.sessions {
		candidates = append(candidates, sess)
	}
	r.mu.Unlock()

	cutoff := r.now().Add(-idle)
	swept := 0
	for _, sess := range candidates {
		// a session busy with a chunk is not idle
		if !sess.mu.TryLock() {
			continue
		}
		if !sess.done && sess.lastActive.Before(cutoff) {
			r.abort(sess, fmt.Errorf("idle since %s", sess.lastActive.Format(time.RFC3339)))
			swept++
		}
		sess.mu.Unlock()
	}
	return swept
}

// CloseAll aborts every open session. Used at shutdown.
func (r *UploadRegistry) CloseAll() int {
	r.mu.Lock()
	open := make([]*uploadSession, 0, len(r.sessions))
	for _, sess := range r.sessions {
		open = append(open, sess)
	}
	r.mu.Unlock()

	for _, sess := range open {
		sess.mu.Lock()
		if !sess.done {
			r.abort(sess, errors.New("server shutting down"))
		}
		sess.mu.Unlock()
	}
	return len(open)
}

package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pal-kamlesh/buffeNStreams/internal/store"
)

// DefaultJobTimeout is the maximum duration of one derivation job.
var DefaultJobTimeout = 10 * time.Minute

// Options configures a Service. Zero values fall back to package defaults.
type Options struct {
	UploadDir    string
	ProcessedDir string
	MaxChunkSize int64

	MaxConcurrentJobs int
	MaxWaitTime       time.Duration
	JobTimeout        time.Duration
	QueueSize         int

	Logger *slog.Logger
}

// Service wires uploads, derivation jobs, range streaming and the live event
// feed to the file store.
type Service struct {
	store        store.Store
	uploads      *UploadRegistry
	limiter      *JobLimiter
	pipeline     *Pipeline
	events       *Broadcaster
	processedDir string
	jobTimeout   time.Duration
	logger       *slog.Logger

	jobsCtx    context.Context
	cancelJobs context.CancelFunc
}

// NewService creates a Service. events is owned by the caller, which closes
// it after Shutdown.
func NewService(st store.Store, events *Broadcaster, opts Options) (*Service, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if events == nil {
		return nil, errors.New("broadcaster is required")
	}
	if opts.UploadDir == "" || opts.ProcessedDir == "" {
		return nil, errors.New("upload and processed directories are required")
	}
	for _, dir := range []string{opts.UploadDir, opts.ProcessedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	jobTimeout := opts.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = DefaultJobTimeout
	}

	jobsCtx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:        st,
		uploads:      NewUploadRegistry(opts.UploadDir, st, opts.MaxChunkSize, logger),
		limiter:      NewJobLimiter(opts.MaxConcurrentJobs, opts.MaxWaitTime),
		pipeline:     &Pipeline{QueueSize: opts.QueueSize, Logger: logger},
		events:       events,
		processedDir: opts.ProcessedDir,
		jobTimeout:   jobTimeout,
		logger:       logger,
		jobsCtx:      jobsCtx,
		cancelJobs:   cancel,
	}, nil
}

// ProcessedDir returns the directory holding derived outputs.
func (s *Service) ProcessedDir() string { return s.processedDir }

// ---------------------------------------------------------------------------
// Uploads
// ---------------------------------------------------------------------------

// WriteChunk appends one chunk of an upload. See UploadRegistry.WriteChunk.
func (s *Service) WriteChunk(ctx context.Context, meta ChunkMeta, body io.Reader) (*ChunkAck, error) {
	return s.uploads.WriteChunk(ctx, meta, body)
}

// CompleteUpload closes an upload whose chunk count was not declared.
func (s *Service) CompleteUpload(ctx context.Context, uploadID string) (*ChunkAck, error) {
	return s.uploads.Complete(ctx, uploadID)
}

// StartSweeper closes idle upload sessions until ctx is cancelled.
func (s *Service) StartSweeper(ctx context.Context, cfg SweepConfig) {
	s.uploads.StartSweeper(ctx, cfg)
}

// ---------------------------------------------------------------------------
// Files
// ---------------------------------------------------------------------------

// ListFiles returns every file record, newest first.
func (s *Service) ListFiles(ctx context.Context) ([]store.FileRecord, error) {
	files, err := s.store.ListFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return files, nil
}

// GetFile returns one file record.
func (s *Service) GetFile(ctx context.Context, id uuid.UUID) (*store.FileRecord, error) {
	rec, err := s.store.GetFile(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrFileNotFound) {
			return nil, notFound("file %s", id)
		}
		return nil, fmt.Errorf("get file: %w", err)
	}
	return rec, nil
}

// readyFile returns the record of a file whose bytes are fully on disk.
// Uploads still in progress or aborted are rejected.
func (s *Service) readyFile(ctx context.Context, id uuid.UUID) (*store.FileRecord, error) {
	rec, err := s.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != store.StatusComplete {
		return nil, invalid("file", "file is not ready: %s is %s", rec.Filename, rec.Status)
	}
	return rec, nil
}

// Download is an opened stored file. Close releases the handle.
type Download struct {
	File    *store.FileRecord
	Content *os.File
	ModTime time.Time
}

// Close releases the file handle.
func (d *Download) Close() error { return d.Content.Close() }

// OpenDownload opens the bytes of a stored file.
func (s *Service) OpenDownload(ctx context.Context, id uuid.UUID) (*Download, error) {
	rec, err := s.readyFile(ctx, id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(rec.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, notFound("file %s on disk", rec.Filename)
		}
		return nil, &IOError{Op: "open", Path: rec.Path, Err: err}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &IOError{Op: "stat", Path: rec.Path, Err: err}
	}
	return &Download{File: rec, Content: f, ModTime: info.ModTime()}, nil
}

// DeleteFile removes the file from disk and then its record. A file already
// missing from disk does not prevent the record from being removed.
func (s *Service) DeleteFile(ctx context.Context, id uuid.UUID) error {
	rec, err := s.GetFile(ctx, id)
	if err != nil {
		return err
	}
	if err := os.Remove(rec.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &IOError{Op: "remove", Path: rec.Path, Err: err}
	}
	if err := s.store.DeleteFile(ctx, id); err != nil {
		if errors.Is(err, store.ErrFileNotFound) {
			return notFound("file %s", id)
		}
		return fmt.Errorf("delete file record: %w", err)
	}
	s.logger.Info("file deleted", "file_id", id, "filename", rec.Filename)
	return nil
}

// StreamFile prepares the full content or the byte window selected by
// rangeHeader. The caller must close the returned body.
func (s *Service) StreamFile(ctx context.Context, id uuid.UUID, rangeHeader string) (*StreamResult, *store.FileRecord, error) {
	rec, err := s.readyFile(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	responder := RangeStreamResponder{ContentType: MediaType(rec.Filename, DefaultMediaType)}
	res, err := responder.Respond(ctx, rec.Path, rangeHeader)
	if err != nil {
		return nil, nil, err
	}
	return res, rec, nil
}

// ---------------------------------------------------------------------------
// Derivation jobs
// ---------------------------------------------------------------------------

// ProcessResult reports a CSV transform job.
type ProcessResult struct {
	File      *store.FileRecord `json:"file"`
	Transform *TransformResult  `json:"transform"`
}

// ProcessCSV applies rules to a stored CSV file and records the output as a
// derived file.
func (s *Service) ProcessCSV(ctx context.Context, id uuid.UUID, descs []RuleDescriptor) (*ProcessResult, error) {
	rules, err := ParseRules(descs)
	if err != nil {
		return nil, err
	}
	src, err := s.readyFile(ctx, id)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(filepath.Ext(src.Filename), ".csv") {
		return nil, invalid("file", "not a csv file: %s", src.Filename)
	}

	name := strings.TrimSuffix(filepath.Base(src.Filename), filepath.Ext(src.Filename)) + "_processed.csv"
	derivedID := uuid.New()
	out := s.derivedPath(derivedID, name)

	var result *TransformResult
	err = s.runJob(ctx, "csv-transform", src, func(jobCtx context.Context, logger *slog.Logger) error {
		p := *s.pipeline
		p.Logger = logger
		var err error
		result, err = p.Run(jobCtx, src.Path, rules, out)
		return err
	})
	if err != nil {
		return nil, err
	}

	rec, err := s.recordDerived(ctx, src, derivedID, name, out, store.ProcessCSVTransform)
	if err != nil {
		return nil, err
	}
	return &ProcessResult{File: rec, Transform: result}, nil
}

// CompressResultFile reports a compression job.
type CompressResultFile struct {
	File     *store.FileRecord `json:"file"`
	Compress *CompressResult   `json:"compress"`
}

// CompressFile gzips a stored file and records the output as a derived file.
func (s *Service) CompressFile(ctx context.Context, id uuid.UUID) (*CompressResultFile, error) {
	src, err := s.readyFile(ctx, id)
	if err != nil {
		return nil, err
	}

	name := filepath.Base(src.Filename) + ".gz"
	derivedID := uuid.New()
	out := s.derivedPath(derivedID, name)

	var result *CompressResult
	err = s.runJob(ctx, "compression", src, func(jobCtx context.Context, _ *slog.Logger) error {
		var err error
		result, err = CompressFile(jobCtx, src.Path, out, filepath.Base(src.Filename))
		return err
	})
	if err != nil {
		return nil, err
	}

	rec, err := s.recordDerived(ctx, src, derivedID, name, out, store.ProcessCompression)
	if err != nil {
		return nil, err
	}
	return &CompressResultFile{File: rec, Compress: result}, nil
}

// runJob holds a limiter slot for the duration of fn. The job context ends
// at the job timeout, when ctx ends, or when Shutdown cancels jobs.
func (s *Service) runJob(ctx context.Context, kind string, src *store.FileRecord, fn func(context.Context, *slog.Logger) error) error {
	release, err := s.limiter.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	jobCtx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()
	stop := context.AfterFunc(s.jobsCtx, cancel)
	defer stop()

	logger := s.logger.With("job", kind, "file_id", src.ID, "filename", src.Filename)
	start := time.Now()
	logger.Info("job started")

	if err := fn(jobCtx, logger); err != nil {
		logger.Warn("job failed", "error", err, "reason", FormatUserError(err), "duration_ms", time.Since(start).Milliseconds())
		return err
	}
	logger.Info("job completed", "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// derivedPath names a job output on disk. The record id prefix keeps outputs
// of different jobs apart when their display names collide.
func (s *Service) derivedPath(id uuid.UUID, name string) string {
	return filepath.Join(s.processedDir, id.String()+"_"+name)
}

func (s *Service) recordDerived(ctx context.Context, src *store.FileRecord, id uuid.UUID, name, path string, kind store.ProcessKind) (*store.FileRecord, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &IOError{Op: "stat", Path: path, Err: err}
	}
	origin := src.ID
	rec := &store.FileRecord{
		ID:           id,
		Filename:     name,
		Path:         path,
		Size:         info.Size(),
		OriginFileID: &origin,
		ProcessKind:  kind,
		Status:       store.StatusComplete,
	}
	if err := s.store.CreateFile(ctx, rec); err != nil {
		return nil, fmt.Errorf("create derived record: %w", err)
	}
	return rec, nil
}

// ---------------------------------------------------------------------------
// Live events
// ---------------------------------------------------------------------------

// Subscribe registers a live event consumer. Close the subscription when
// the consumer goes away.
func (s *Service) Subscribe() (*Subscription, error) {
	return s.events.Subscribe()
}

// Publish sends one event to every live subscriber.
func (s *Service) Publish(event string) int {
	return s.events.Publish(event)
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Status is a snapshot of service activity for health checks.
type Status struct {
	ActiveUploads int              `json:"activeUploads"`
	Jobs          JobLimiterStatus `json:"jobs"`
	Events        BroadcastStats   `json:"events"`
}

// Status returns current activity counters.
func (s *Service) Status() Status {
	return Status{
		ActiveUploads: s.uploads.Active(),
		Jobs:          s.limiter.Status(),
		Events:        s.events.Stats(),
	}
}

// WaitForJobs blocks until no derivation job is running or ctx ends.
func (s *Service) WaitForJobs(ctx context.Context) error {
	return s.limiter.WaitForDrain(ctx)
}

// Shutdown cancels running jobs, waits for them to release their slots and
// aborts open upload sessions.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancelJobs()
	err := s.WaitForJobs(ctx)
	if n := s.uploads.CloseAll(); n > 0 {
		s.logger.Info("closed open upload sessions", "count", n)
	}
	return err
}

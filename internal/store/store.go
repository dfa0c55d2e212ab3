// Package store persists file metadata for uploaded and derived files.
//
// Two implementations are provided: PostgresStore backed by pgx, and
// MemoryStore for runs without a database and for tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrFileNotFound indicates the file record could not be found.
	ErrFileNotFound = errors.New("file not found")

	// ErrDuplicateUpload indicates a record already exists for the upload id.
	ErrDuplicateUpload = errors.New("upload id already recorded")
)

// ProcessKind describes how a file was produced.
type ProcessKind string

const (
	ProcessNone           ProcessKind = "none"
	ProcessCompression    ProcessKind = "compression"
	ProcessCSVTransform   ProcessKind = "csv-transform"
	ProcessVideoTranscode ProcessKind = "video-transcode"
	ProcessTextProcess    ProcessKind = "text-process"
)

// Valid reports whether k is a known process kind.
func (k ProcessKind) Valid() bool {
	switch k {
	case ProcessNone, ProcessCompression, ProcessCSVTransform, ProcessVideoTranscode, ProcessTextProcess:
		return true
	}
	return false
}

// Status tracks the lifecycle of a file's bytes on disk.
type Status string

const (
	StatusUploading Status = "uploading"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
)

// FileRecord describes one stored file.
type FileRecord struct {
	ID           uuid.UUID   `json:"id"`
	UploadID     string      `json:"uploadId,omitempty"`
	Filename     string      `json:"filename"`
	Path         string      `json:"path"`
	Size         int64       `json:"size"`
	OriginFileID *uuid.UUID  `json:"originalFile,omitempty"`
	ProcessKind  ProcessKind `json:"processType"`
	Status       Status      `json:"status"`
	CreatedAt    time.Time   `json:"uploadDate"`
}

// Store defines persistence behavior for file records.
type Store interface {
	// CreateFile inserts rec. A zero ID is replaced with a new one and a zero
	// CreatedAt with the current time.
	CreateFile(ctx context.Context, rec *FileRecord) error
	GetFile(ctx context.Context, id uuid.UUID) (*FileRecord, error)
	GetFileByUploadID(ctx context.Context, uploadID string) (*FileRecord, error)
	UpdateFileProgress(ctx context.Context, id uuid.UUID, size int64, status Status) error
	// ListFiles returns all records, newest first.
	ListFiles(ctx context.Context) ([]FileRecord, error)
	DeleteFile(ctx context.Context, id uuid.UUID) error
	Close()
}

// prepare fills generated fields before insert.
func prepare(rec *FileRecord) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.ProcessKind == "" {
		rec.ProcessKind = ProcessNone
	}
	if rec.Status == "" {
		rec.Status = StatusComplete
	}
}

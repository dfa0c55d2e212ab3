package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore implements Store in process memory. Records are lost on exit.
type MemoryStore struct {
	mu       sync.RWMutex
	files    map[uuid.UUID]FileRecord
	byUpload map[string]uuid.UUID
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files:    make(map[uuid.UUID]FileRecord),
		byUpload: make(map[string]uuid.UUID),
	}
}

func (s *MemoryStore) CreateFile(_ context.Context, rec *FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.UploadID != "" {
		if _, exists := s.byUpload[rec.UploadID]; exists {
			return ErrDuplicateUpload
		}
	}
	prepare(rec)
	s.files[rec.ID] = *rec
	if rec.UploadID != "" {
		s.byUpload[rec.UploadID] = rec.ID
	}
	return nil
}

func (s *MemoryStore) GetFile(_ context.Context, id uuid.UUID) (*FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.files[id]
	if !ok {
		return nil, ErrFileNotFound
	}
	return &rec, nil
}

func (s *MemoryStore) GetFileByUploadID(_ context.Context, uploadID string) (*FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byUpload[uploadID]
	if !ok {
		return nil, ErrFileNotFound
	}
	rec := s.files[id]
	return &rec, nil
}

func (s *MemoryStore) UpdateFileProgress(_ context.Context, id uuid.UUID, size int64, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.files[id]
	if !ok {
		return ErrFileNotFound
	}
	rec.Size = size
	rec.Status = status
	s.files[id] = rec
	return nil
}

func (s *MemoryStore) ListFiles(_ context.Context) ([]FileRecord, error) {
	s.mu.RLock()
	files := make([]FileRecord, 0, len(s.files))
	for _, rec := range s.files {
		files = append(files, rec)
	}
	s.mu.RUnlock()

	sort.SliceStable(files, func(i, j int) bool {
		return files[i].CreatedAt.After(files[j].CreatedAt)
	})
	return files, nil
}

func (s *MemoryStore) DeleteFile(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.files[id]
	if !ok {
		return ErrFileNotFound
	}
	delete(s.files, id)
	if rec.UploadID != "" {
		delete(s.byUpload, rec.UploadID)
	}
	for otherID, other := range s.files {
		if other.OriginFileID != nil && *other.OriginFileID == id {
			other.OriginFileID = nil
			s.files[otherID] = other
		}
	}
	return nil
}

func (s *MemoryStore) Close() {}

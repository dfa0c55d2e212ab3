package core

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// ChunkSink accepts an ordered sequence of byte chunks for one upload.
type ChunkSink interface {
	// Accept appends chunk and returns the cumulative byte count.
	Accept(chunk []byte) (int64, error)
	Close() error
}

// ProgressFunc observes the cumulative byte count after each accepted chunk.
type ProgressFunc func(written int64)

type sinkState int

const (
	sinkOpen sinkState = iota
	sinkFailed
	sinkClosed
)

// sinkFile is the subset of *os.File the sink writes through.
type sinkFile interface {
	io.Writer
	Truncate(size int64) error
	Sync() error
	Close() error
}

func openAppend(path string) (sinkFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
}

// IngestSink appends chunks to a single target file through one exclusive
// handle. Each Accept is all-or-nothing: a failed append is rolled back to
// the previous byte count and the sink enters a terminal failed state.
type IngestSink struct {
	mu         sync.Mutex
	path       string
	open       func(string) (sinkFile, error)
	f          sinkFile
	written    int64
	state      sinkState
	failure    error
	onProgress ProgressFunc
}

var _ ChunkSink = (*IngestSink)(nil)

// OpenSink returns a sink for path. The file is opened in append mode on
// the first Accept. onProgress may be nil.
func OpenSink(path string, onProgress ProgressFunc) *IngestSink {
	return &IngestSink{
		path:       path,
		open:       openAppend,
		onProgress: onProgress,
	}
}

// Path returns the target file path.
func (s *IngestSink) Path() string { return s.path }

// Written returns the number of bytes successfully appended.
func (s *IngestSink) Written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

func (s *IngestSink) Accept(chunk []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case sinkClosed:
		return s.written, ErrClosedSink
	case sinkFailed:
		return s.written, s.failure
	}

	if s.f == nil {
		f, err := s.open(s.path)
		if err != nil {
			return s.written, s.fail("open", err)
		}
		s.f = f
	}

	n, err := s.f.Write(chunk)
	if err == nil && n < len(chunk) {
		err = io.ErrShortWrite
	}
	if err != nil {
		if n > 0 {
			if terr := s.f.Truncate(s.written); terr != nil {
				err = errors.Join(err, terr)
			}
		}
		return s.written, s.fail("write", err)
	}

	s.written += int64(n)
	if s.onProgress != nil {
		s.onProgress(s.written)
	}
	return s.written, nil
}

// fail records a terminal failure. Caller holds s.mu.
func (s *IngestSink) fail(op string, err error) error {
	s.state = sinkFailed
	s.failure = &IOError{Op: op, Path: s.path, BytesWritten: s.written, Err: err}
	return s.failure
}

// Close flushes and releases the file handle. It releases the handle on
// every path, including after a failed Accept. A second Close returns
// ErrClosedSink.
func (s *IngestSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == sinkClosed {
		return ErrClosedSink
	}
	failed := s.state == sinkFailed
	s.state = sinkClosed

	if s.f == nil {
		return nil
	}
	f := s.f
	s.f = nil

	var syncErr error
	if !failed {
		syncErr = f.Sync()
	}
	closeErr := f.Close()
	if err := errors.Join(syncErr, closeErr); err != nil {
		return &IOError{Op: "close", Path: s.path, BytesWritten: s.written, Err: err}
	}
	return nil
}

package core

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestIngestSink_AppendsInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upload-1")

	var reported []int64
	sink := OpenSink(path, func(n int64) { reported = append(reported, n) })

	chunks := [][]byte{[]byte("hello "), []byte(""), []byte("chunked "), []byte("world")}
	var want []byte
	var last int64
	for _, c := range chunks {
		n, err := sink.Accept(c)
		if err != nil {
			t.Fatalf("Accept() error = %v", err)
		}
		want = append(want, c...)
		last = n
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if last != int64(len(want)) {
		t.Errorf("last cumulative count = %d, want %d", last, len(want))
	}
	if reported[len(reported)-1] != int64(len(want)) {
		t.Errorf("last reported progress = %d, want %d", reported[len(reported)-1], len(want))
	}
	if len(reported) != len(chunks) {
		t.Errorf("progress reported %d times, want %d", len(reported), len(chunks))
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("file = %q, want %q", got, want)
	}
}

func TestIngestSink_EmptyUploadCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "empty")
	sink := OpenSink(path, nil)

	if n, err := sink.Accept(nil); err != nil || n != 0 {
		t.Fatalf("Accept(nil) = %d, %v, want 0, nil", n, err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("size = %d, want 0", info.Size())
	}
}

func TestIngestSink_ClosedSink(t *testing.T) {
	sink := OpenSink(filepath.Join(t.TempDir(), "f"), nil)
	if _, err := sink.Accept([]byte("abc")); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	n, err := sink.Accept([]byte("more"))
	if !errors.Is(err, ErrClosedSink) {
		t.Errorf("Accept() after Close error = %v, want %v", err, ErrClosedSink)
	}
	if n != 3 {
		t.Errorf("Accept() after Close count = %d, want 3", n)
	}
	if err := sink.Close(); !errors.Is(err, ErrClosedSink) {
		t.Errorf("second Close() error = %v, want %v", err, ErrClosedSink)
	}
}

func TestIngestSink_OpenFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	sink := OpenSink(filepath.Join(blocker, "child"), nil)
	_, err := sink.Accept([]byte("data"))
	if !errors.Is(err, ErrIO) {
		t.Fatalf("Accept() error = %v, want %v", err, ErrIO)
	}
	if err := sink.Close(); err != nil {
		t.Errorf("Close() after failed open error = %v, want nil", err)
	}
}

// flakyFile accepts writes until failAt, then writes half of the next chunk and errors.
type flakyFile struct {
	buf       bytes.Buffer
	writes    int
	failAt    int
	truncated int64
	closed    bool
}

func (f *flakyFile) Write(p []byte) (int, error) {
	f.writes++
	if f.writes == f.failAt {
		half := len(p) / 2
		f.buf.Write(p[:half])
		return half, errors.New("disk full")
	}
	return f.buf.Write(p)
}

func (f *flakyFile) Truncate(size int64) error {
	f.truncated = size
	f.buf.Truncate(int(size))
	return nil
}

func (f *flakyFile) Sync() error  { return nil }
func (f *flakyFile) Close() error { f.closed = true; return nil }

func TestIngestSink_FailedAppendRollsBack(t *testing.T) {
	ff := &flakyFile{failAt: 2}
	sink := OpenSink("mem", nil)
	sink.open = func(string) (sinkFile, error) { return ff, nil }

	if _, err := sink.Accept([]byte("first")); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	n, err := sink.Accept([]byte("second-chunk"))
	var ioErr *IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("Accept() error = %v, want IOError", err)
	}
	if n != 5 || ioErr.BytesWritten != 5 {
		t.Errorf("count after failure = %d (reported %d), want 5", n, ioErr.BytesWritten)
	}
	if ff.truncated != 5 || ff.buf.String() != "first" {
		t.Errorf("file after rollback = %q (truncated to %d), want %q", ff.buf.String(), ff.truncated, "first")
	}

	// terminal: no further writes reach the file
	if _, err := sink.Accept([]byte("third")); !errors.Is(err, ErrIO) {
		t.Errorf("Accept() after failure error = %v, want %v", err, ErrIO)
	}
	if ff.writes != 2 {
		t.Errorf("writes = %d, want 2", ff.writes)
	}
	if sink.Written() != 5 {
		t.Errorf("Written() = %d, want 5", sink.Written())
	}

	if err := sink.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if !ff.closed {
		t.Error("Close() should release the handle after a failure")
	}
}

func TestIngestSink_ConcurrentSessionsDoNotInterleave(t *testing.T) {
	dir := t.TempDir()
	const sessions = 8
	const chunks = 50

	var wg sync.WaitGroup
	errs := make(chan error, sessions)
	for s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink := OpenSink(filepath.Join(dir, fmt.Sprintf("session-%d", s)), nil)
			defer sink.Close()
			for c := range chunks {
				if _, err := sink.Accept([]byte(fmt.Sprintf("s%d-c%03d;", s, c))); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Accept() error = %v", err)
	}

	for s := range sessions {
		var want bytes.Buffer
		for c := range chunks {
			fmt.Fprintf(&want, "s%d-c%03d;", s, c)
		}
		got, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("session-%d", s)))
		if err != nil {
			t.Fatalf("ReadFile() error = %v", err)
		}
		if !bytes.Equal(got, want.Bytes()) {
			t.Errorf("session %d content mismatch:\n got %q\nwant %q", s, got, want.Bytes())
		}
	}
}

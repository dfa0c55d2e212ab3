package core

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/pal-kamlesh/buffeNStreams/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	dir := t.TempDir()
	events := NewBroadcaster(16)
	t.Cleanup(events.Close)

	svc, err := NewService(store.NewMemoryStore(), events, Options{
		UploadDir:    filepath.Join(dir, "uploads"),
		ProcessedDir: filepath.Join(dir, "processed"),
		MaxChunkSize: 1 << 16,
		Logger:       quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	t.Cleanup(func() { svc.Shutdown(context.Background()) })
	return svc
}

func uploadFile(t *testing.T, svc *Service, id, name string, chunks ...string) *store.FileRecord {
	t.Helper()
	var ack *ChunkAck
	for i, c := range chunks {
		var err error
		ack, err = svc.WriteChunk(context.Background(), ChunkMeta{
			UploadID: id,
			Filename: name,
			Index:    i,
			Total:    len(chunks),
		}, strings.NewReader(c))
		if err != nil {
			t.Fatalf("WriteChunk(%d) error = %v", i, err)
		}
	}
	if !ack.Complete || ack.File == nil {
		t.Fatalf("upload %s did not complete", id)
	}
	return ack.File
}

func TestService_ProcessCSV(t *testing.T) {
	svc := newTestService(t)
	src := uploadFile(t, svc, "sales", "sales.csv", "name,value\n", "a,50\nb,150\n", "c,300\n")

	res, err := svc.ProcessCSV(context.Background(), src.ID, []RuleDescriptor{
		{Type: RuleFilter, Predicate: "value > 100"},
		{Type: RuleRename, From: "name", To: "label"},
	})
	if err != nil {
		t.Fatalf("ProcessCSV() error = %v", err)
	}

	if res.File.Filename != "sales_processed.csv" {
		t.Errorf("Filename = %q, want sales_processed.csv", res.File.Filename)
	}
	if res.File.ProcessKind != store.ProcessCSVTransform {
		t.Errorf("ProcessKind = %q, want %q", res.File.ProcessKind, store.ProcessCSVTransform)
	}
	if res.File.OriginFileID == nil || *res.File.OriginFileID != src.ID {
		t.Errorf("OriginFileID = %v, want %v", res.File.OriginFileID, src.ID)
	}
	if res.Transform.RowsRetained != 2 || res.Transform.RowsFiltered != 1 {
		t.Errorf("retained/filtered = %d/%d, want 2/1", res.Transform.RowsRetained, res.Transform.RowsFiltered)
	}

	got, err := os.ReadFile(res.File.Path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if want := "label,value\nb,150\nc,300\n"; string(got) != want {
		t.Errorf("output = %q, want %q", got, want)
	}
	if want := res.File.ID.String() + "_sales_processed.csv"; filepath.Base(res.File.Path) != want {
		t.Errorf("output file = %s, want %s", filepath.Base(res.File.Path), want)
	}
	if filepath.Dir(res.File.Path) != svc.ProcessedDir() {
		t.Errorf("output dir = %s, want %s", filepath.Dir(res.File.Path), svc.ProcessedDir())
	}
}

func TestService_ProcessCSV_Rejects(t *testing.T) {
	svc := newTestService(t)
	video := uploadFile(t, svc, "vid", "clip.mp4", "not csv")
	rename := []RuleDescriptor{{Type: RuleRename, From: "a", To: "b"}}

	tests := []struct {
		name  string
		id    uuid.UUID
		rules []RuleDescriptor
		want  error
	}{
		{"empty rules", video.ID, nil, ErrValidation},
		{"not a csv", video.ID, rename, ErrValidation},
		{"unknown file", uuid.New(), rename, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.ProcessCSV(context.Background(), tt.id, tt.rules); !errors.Is(err, tt.want) {
				t.Errorf("ProcessCSV() error = %v, want %v", err, tt.want)
			}
		})
	}

	files, _ := svc.ListFiles(context.Background())
	if len(files) != 1 {
		t.Errorf("ListFiles() = %d records, rejected jobs must not create any", len(files))
	}
}

func TestService_ProcessCSV_SameNameSources(t *testing.T) {
	svc := newTestService(t)
	one := uploadFile(t, svc, "one", "data.csv", "a\n1\n")
	two := uploadFile(t, svc, "two", "data.csv", "a\n2\n")

	resOne, err := svc.ProcessCSV(context.Background(), one.ID, []RuleDescriptor{{Type: RuleRename, From: "a", To: "x"}})
	if err != nil {
		t.Fatalf("ProcessCSV(one) error = %v", err)
	}
	resTwo, err := svc.ProcessCSV(context.Background(), two.ID, []RuleDescriptor{{Type: RuleRename, From: "a", To: "y"}})
	if err != nil {
		t.Fatalf("ProcessCSV(two) error = %v", err)
	}

	if resOne.File.Path == resTwo.File.Path {
		t.Fatalf("both outputs written to %s", resOne.File.Path)
	}
	if resOne.File.Filename != resTwo.File.Filename {
		t.Errorf("display names = %q/%q, want both data_processed.csv", resOne.File.Filename, resTwo.File.Filename)
	}
	if got, _ := os.ReadFile(resOne.File.Path); string(got) != "x\n1\n" {
		t.Errorf("first output = %q, want %q", got, "x\n1\n")
	}

	if err := svc.DeleteFile(context.Background(), resTwo.File.ID); err != nil {
		t.Fatalf("DeleteFile() error = %v", err)
	}
	if _, err := os.Stat(resOne.File.Path); err != nil {
		t.Errorf("deleting one derived file removed the other: %v", err)
	}
}

func TestService_RejectsUnfinishedFiles(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	ack, err := svc.WriteChunk(ctx, ChunkMeta{UploadID: "half", Filename: "d.csv", Index: 0, Total: 3}, strings.NewReader("a\npartial\n"))
	if err != nil {
		t.Fatalf("WriteChunk() error = %v", err)
	}
	failed := uploadFile(t, svc, "broken", "e.csv", "a\n1\n")
	if err := svc.store.UpdateFileProgress(ctx, failed.ID, failed.Size, store.StatusFailed); err != nil {
		t.Fatal(err)
	}
	rename := []RuleDescriptor{{Type: RuleRename, From: "a", To: "b"}}

	for _, id := range []uuid.UUID{ack.FileID, failed.ID} {
		if _, _, err := svc.StreamFile(ctx, id, ""); !errors.Is(err, ErrValidation) {
			t.Errorf("StreamFile(%s) error = %v, want %v", id, err, ErrValidation)
		}
		if _, err := svc.OpenDownload(ctx, id); !errors.Is(err, ErrValidation) {
			t.Errorf("OpenDownload(%s) error = %v, want %v", id, err, ErrValidation)
		}
		if _, err := svc.ProcessCSV(ctx, id, rename); !errors.Is(err, ErrValidation) {
			t.Errorf("ProcessCSV(%s) error = %v, want %v", id, err, ErrValidation)
		}
		if _, err := svc.CompressFile(ctx, id); !errors.Is(err, ErrValidation) {
			t.Errorf("CompressFile(%s) error = %v, want %v", id, err, ErrValidation)
		}
	}

	_, _, err = svc.StreamFile(ctx, ack.FileID, "")
	if got := MapError(err).Code; got != "FILE005" {
		t.Errorf("code = %q, want FILE005", got)
	}
	files, _ := svc.ListFiles(ctx)
	if len(files) != 2 {
		t.Errorf("ListFiles() = %d records, rejected jobs must not create any", len(files))
	}
}

func TestService_CompressFile(t *testing.T) {
	svc := newTestService(t)
	content := strings.Repeat("log line\n", 200)
	src := uploadFile(t, svc, "logs", "app.log", content[:900], content[900:])

	res, err := svc.CompressFile(context.Background(), src.ID)
	if err != nil {
		t.Fatalf("CompressFile() error = %v", err)
	}
	if res.File.Filename != "app.log.gz" || res.File.ProcessKind != store.ProcessCompression {
		t.Errorf("record = %s/%s, want app.log.gz/compression", res.File.Filename, res.File.ProcessKind)
	}
	if res.File.Size != res.Compress.BytesOut {
		t.Errorf("Size = %d, want %d", res.File.Size, res.Compress.BytesOut)
	}

	f, err := os.Open(res.File.Path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip.NewReader() error = %v", err)
	}
	got, _ := io.ReadAll(zr)
	if string(got) != content {
		t.Error("decompressed content does not match upload")
	}
}

func TestService_StreamFile(t *testing.T) {
	svc := newTestService(t)
	data := strings.Repeat("0123456789", 100)
	src := uploadFile(t, svc, "movie", "movie.webm", data)

	res, _, err := svc.StreamFile(context.Background(), src.ID, "bytes=0-99")
	if err != nil {
		t.Fatalf("StreamFile() error = %v", err)
	}
	defer res.Body.Close()

	if !res.Partial || res.Range.ContentRange() != "bytes 0-99/1000" {
		t.Errorf("range = %v %s, want partial bytes 0-99/1000", res.Partial, res.Range.ContentRange())
	}
	if res.ContentType != "video/webm" {
		t.Errorf("ContentType = %q, want video/webm", res.ContentType)
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != data[:100] {
		t.Errorf("body = %q, want first 100 bytes", body)
	}

	_, _, err = svc.StreamFile(context.Background(), src.ID, "bytes=1000-1005")
	var rangeErr *RangeError
	if !errors.As(err, &rangeErr) || rangeErr.Total != 1000 {
		t.Errorf("StreamFile() error = %v, want RangeError with total 1000", err)
	}
}

func TestService_DeleteFile(t *testing.T) {
	svc := newTestService(t)
	src := uploadFile(t, svc, "doc", "doc.txt", "hello")

	if err := svc.DeleteFile(context.Background(), src.ID); err != nil {
		t.Fatalf("DeleteFile() error = %v", err)
	}
	if _, err := os.Stat(src.Path); !os.IsNotExist(err) {
		t.Error("file should be removed from disk")
	}
	if _, err := svc.GetFile(context.Background(), src.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetFile() after delete error = %v, want %v", err, ErrNotFound)
	}
	if err := svc.DeleteFile(context.Background(), src.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteFile() error = %v, want %v", err, ErrNotFound)
	}
}

func TestService_DeleteFile_MissingOnDisk(t *testing.T) {
	svc := newTestService(t)
	src := uploadFile(t, svc, "gone", "gone.txt", "bye")
	os.Remove(src.Path)

	if _, err := svc.OpenDownload(context.Background(), src.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("OpenDownload() error = %v, want %v", err, ErrNotFound)
	}
	if err := svc.DeleteFile(context.Background(), src.ID); err != nil {
		t.Errorf("DeleteFile() error = %v, record should still be removed", err)
	}
}

func TestService_OpenDownload(t *testing.T) {
	svc := newTestService(t)
	src := uploadFile(t, svc, "dl", "report.txt", "abc", "def")

	dl, err := svc.OpenDownload(context.Background(), src.ID)
	if err != nil {
		t.Fatalf("OpenDownload() error = %v", err)
	}
	defer dl.Close()

	got, _ := io.ReadAll(dl.Content)
	if string(got) != "abcdef" || dl.File.Filename != "report.txt" {
		t.Errorf("download = %q (%s), want abcdef (report.txt)", got, dl.File.Filename)
	}
}

func TestService_JobsBusy(t *testing.T) {
	dir := t.TempDir()
	events := NewBroadcaster(4)
	defer events.Close()
	svc, err := NewService(store.NewMemoryStore(), events, Options{
		UploadDir:         filepath.Join(dir, "u"),
		ProcessedDir:      filepath.Join(dir, "p"),
		MaxConcurrentJobs: 1,
		MaxWaitTime:       20 * time.Millisecond,
		Logger:            quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	src := uploadFile(t, svc, "busy", "busy.txt", "x")

	release, ok := svc.limiter.TryAcquire()
	if !ok {
		t.Fatal("TryAcquire() failed on idle limiter")
	}
	if _, err := svc.CompressFile(context.Background(), src.ID); !errors.Is(err, ErrTooManyJobs) {
		t.Errorf("CompressFile() error = %v, want %v", err, ErrTooManyJobs)
	}
	release()

	if err := svc.WaitForJobs(context.Background()); err != nil {
		t.Errorf("WaitForJobs() error = %v", err)
	}
	if st := svc.Status(); st.Jobs.Active != 0 || st.ActiveUploads != 0 {
		t.Errorf("Status() = %+v, want idle", st)
	}
}

func TestService_Subscribe(t *testing.T) {
	svc := newTestService(t)
	sub, err := svc.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	if n := svc.Publish("upload started"); n != 1 {
		t.Errorf("Publish() delivered to %d, want 1", n)
	}
	if ev, _ := recv(t, sub); ev != "upload started" {
		t.Errorf("event = %q, want %q", ev, "upload started")
	}
}

package core

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func writeSized(t *testing.T, name string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path, data
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		name        string
		header      string
		total       int64
		want        ByteRange
		wantPartial bool
		wantErr     bool
	}{
		{"no header", "", 1000, ByteRange{0, 999, 1000}, false, false},
		{"closed range", "bytes=0-99", 1000, ByteRange{0, 99, 1000}, true, false},
		{"open end", "bytes=900-", 1000, ByteRange{900, 999, 1000}, true, false},
		{"single byte", "bytes=5-5", 1000, ByteRange{5, 5, 1000}, true, false},
		{"last byte", "bytes=999-999", 1000, ByteRange{999, 999, 1000}, true, false},
		{"suffix", "bytes=-100", 1000, ByteRange{900, 999, 1000}, true, false},
		{"suffix longer than file", "bytes=-5000", 1000, ByteRange{0, 999, 1000}, true, false},
		{"unit is case insensitive", "Bytes=1-2", 10, ByteRange{1, 2, 10}, true, false},
		{"start past end of file", "bytes=1000-1005", 1000, ByteRange{}, false, true},
		{"end past end of file", "bytes=10-1000", 1000, ByteRange{}, false, true},
		{"start after end", "bytes=50-10", 1000, ByteRange{}, false, true},
		{"zero suffix", "bytes=-0", 1000, ByteRange{}, false, true},
		{"suffix on empty file", "bytes=-10", 0, ByteRange{}, false, true},
		{"range on empty file", "bytes=0-", 0, ByteRange{}, false, true},

		// headers that do not parse are ignored and the whole file is served
		{"multiple ranges", "bytes=0-1,5-6", 1000, ByteRange{0, 999, 1000}, false, false},
		{"wrong unit", "items=0-1", 1000, ByteRange{0, 999, 1000}, false, false},
		{"garbage", "bytes=abc", 1000, ByteRange{0, 999, 1000}, false, false},
		{"no numbers", "bytes=-", 1000, ByteRange{0, 999, 1000}, false, false},
		{"negative start", "bytes=--5", 1000, ByteRange{0, 999, 1000}, false, false},
		{"non numeric end", "bytes=0-x", 1000, ByteRange{0, 999, 1000}, false, false},
		{"missing unit", "0-99", 1000, ByteRange{0, 999, 1000}, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, partial, err := ParseRange(tt.header, tt.total)
			if tt.wantErr {
				var re *RangeError
				if !errors.As(err, &re) {
					t.Fatalf("ParseRange() error = %v, want RangeError", err)
				}
				if re.Total != tt.total {
					t.Errorf("RangeError.Total = %d, want %d", re.Total, tt.total)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRange() error = %v", err)
			}
			if got != tt.want || partial != tt.wantPartial {
				t.Errorf("ParseRange() = %+v partial=%v, want %+v partial=%v", got, partial, tt.want, tt.wantPartial)
			}
		})
	}
}

func TestRespond_PartialContent(t *testing.T) {
	path, data := writeSized(t, "clip.mp4", 1000)

	res, err := RangeStreamResponder{}.Respond(context.Background(), path, "bytes=0-99")
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(body) != 100 || !bytes.Equal(body, data[:100]) {
		t.Errorf("body = %d bytes, want first 100 bytes", len(body))
	}
	if !res.Partial {
		t.Error("Partial = false, want true")
	}
	if got := res.Range.ContentRange(); got != "bytes 0-99/1000" {
		t.Errorf("ContentRange() = %q, want %q", got, "bytes 0-99/1000")
	}
	if res.ContentType != "video/mp4" {
		t.Errorf("ContentType = %q, want %q", res.ContentType, "video/mp4")
	}
}

func TestRespond_MiddleWindow(t *testing.T) {
	path, data := writeSized(t, "clip.webm", 1000)

	res, err := RangeStreamResponder{}.Respond(context.Background(), path, "bytes=500-")
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if !bytes.Equal(body, data[500:]) {
		t.Errorf("body = %d bytes, want bytes 500-999", len(body))
	}
	if res.ContentType != "video/webm" {
		t.Errorf("ContentType = %q, want %q", res.ContentType, "video/webm")
	}
}

func TestRespond_FullContent(t *testing.T) {
	path, data := writeSized(t, "upload-id", 1000)

	res, err := RangeStreamResponder{}.Respond(context.Background(), path, "")
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if !bytes.Equal(body, data) {
		t.Errorf("body = %d bytes, want whole file", len(body))
	}
	if res.Partial {
		t.Error("Partial = true, want false")
	}
	if res.Range.Total != 1000 {
		t.Errorf("Total = %d, want 1000", res.Range.Total)
	}
	if res.ContentType != DefaultMediaType {
		t.Errorf("ContentType = %q, want %q", res.ContentType, DefaultMediaType)
	}
}

func TestRespond_NotSatisfiable(t *testing.T) {
	path, _ := writeSized(t, "clip.mp4", 1000)

	_, err := RangeStreamResponder{}.Respond(context.Background(), path, "bytes=1000-1005")
	var re *RangeError
	if !errors.As(err, &re) {
		t.Fatalf("Respond() error = %v, want RangeError", err)
	}
	if re.Total != 1000 {
		t.Errorf("Total = %d, want 1000", re.Total)
	}
	if !errors.Is(err, ErrRangeNotSatisfiable) {
		t.Error("RangeError should match ErrRangeNotSatisfiable")
	}
}

func TestRespond_NotFound(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		path string
	}{
		{"missing file", filepath.Join(dir, "nope.mp4")},
		{"directory", dir},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := RangeStreamResponder{}.Respond(context.Background(), tt.path, "")
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("Respond() error = %v, want %v", err, ErrNotFound)
			}
		})
	}
}

func TestRespond_ClientAbort(t *testing.T) {
	path, _ := writeSized(t, "clip.mp4", 64*1024)
	ctx, cancel := context.WithCancel(context.Background())

	res, err := RangeStreamResponder{}.Respond(ctx, path, "")
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}

	buf := make([]byte, 1024)
	if _, err := res.Body.Read(buf); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	cancel()
	if _, err := res.Body.Read(buf); !errors.Is(err, context.Canceled) {
		t.Errorf("Read() after abort error = %v, want %v", err, context.Canceled)
	}
	if err := res.Body.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestMediaType(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"movie.MP4", "video/mp4"},
		{"clip.webm", "video/webm"},
		{"song.mp3", "audio/mpeg"},
		{"noext", "fallback/type"},
	}
	for _, tt := range tests {
		if got := MediaType(tt.name, "fallback/type"); got != tt.want {
			t.Errorf("MediaType(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

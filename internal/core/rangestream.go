package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultMediaType is served when a stored file's name has no known media type.
const DefaultMediaType = "video/mp4"

var mediaTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".webm": "video/webm",
	".ogv":  "video/ogg",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
}

// MediaType returns the content type for a file name, or fallback.
func MediaType(name, fallback string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if t, ok := mediaTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return fallback
}

// ByteRange is an inclusive window [Start, End] of a file of Total bytes.
type ByteRange struct {
	Start int64
	End   int64
	Total int64
}

// Length returns the number of bytes in the window.
func (r ByteRange) Length() int64 { return r.End - r.Start + 1 }

// ContentRange formats the window for a Content-Range header.
func (r ByteRange) ContentRange() string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, r.Total)
}

// ParseRange resolves a Range header against a file of total bytes. A single
// "bytes=" range is supported: "start-end", "start-" or the suffix form "-n"
// for the last n bytes. An empty header, another unit, a multi-range list or
// a header that does not parse selects the whole file with partial false, as
// such headers are ignored. A well-formed window outside the file, or with
// start after end, is a *RangeError.
func ParseRange(header string, total int64) (r ByteRange, partial bool, err error) {
	full := ByteRange{Start: 0, End: total - 1, Total: total}

	header = strings.TrimSpace(header)
	unit, spec, ok := strings.Cut(header, "=")
	if !ok || !strings.EqualFold(strings.TrimSpace(unit), "bytes") || strings.Contains(spec, ",") {
		return full, false, nil
	}
	first, last, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return full, false, nil
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	notSatisfiable := &RangeError{Total: total}

	var start, end int64
	switch {
	case first == "" && last == "":
		return full, false, nil

	case first == "":
		n, err := strconv.ParseUint(last, 10, 63)
		if err != nil {
			return full, false, nil
		}
		if n == 0 || total == 0 {
			return ByteRange{}, false, notSatisfiable
		}
		start = max(total-int64(n), 0)
		end = total - 1

	default:
		s, err := strconv.ParseUint(first, 10, 63)
		if err != nil {
			return full, false, nil
		}
		start = int64(s)
		end = total - 1
		if last != "" {
			e, err := strconv.ParseUint(last, 10, 63)
			if err != nil {
				return full, false, nil
			}
			end = int64(e)
		}
	}

	if start >= total || end >= total || start > end {
		return ByteRange{}, false, notSatisfiable
	}
	return ByteRange{Start: start, End: end, Total: total}, true, nil
}

// StreamResult is a ready-to-send response body. The caller must Close Body.
type StreamResult struct {
	Partial     bool
	Range       ByteRange
	ContentType string
	Body        io.ReadCloser
}

type sectionBody struct {
	io.Reader
	io.Closer
}

// RangeStreamResponder serves whole files or single byte windows. Reads are
// read-only and may run concurrently against the same file.
type RangeStreamResponder struct {
	// ContentType is used when the path has no recognized extension.
	ContentType string
}

// Respond opens path and prepares the window selected by rangeHeader. The
// body stops producing bytes once ctx is done; closing it releases the file
// handle. A missing file yields ErrNotFound and a window outside the file a
// *RangeError carrying the total size.
func (rs RangeStreamResponder) Respond(ctx context.Context, path, rangeHeader string) (*StreamResult, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, notFound("file %s", filepath.Base(path))
		}
		return nil, &IOError{Op: "open", Path: path, Err: err}
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &IOError{Op: "stat", Path: path, Err: err}
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, notFound("file %s", filepath.Base(path))
	}

	br, partial, err := ParseRange(rangeHeader, info.Size())
	if err != nil {
		f.Close()
		return nil, err
	}

	fallback := rs.ContentType
	if fallback == "" {
		fallback = DefaultMediaType
	}

	section := io.NewSectionReader(f, br.Start, max(br.Length(), 0))
	return &StreamResult{
		Partial:     partial,
		Range:       br,
		ContentType: MediaType(path, fallback),
		Body:        sectionBody{Reader: contextReader{ctx: ctx, r: section}, Closer: f},
	}, nil
}

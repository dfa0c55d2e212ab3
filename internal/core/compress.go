package core

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
)

// CompressResult reports the sizes of one compression job.
type CompressResult struct {
	BytesIn  int64 `json:"bytesIn"`
	BytesOut int64 `json:"bytesOut"`
}

// CompressFile gzips src into dst. name is recorded in the gzip header as
// the original file name. dst is replaced atomically and is left untouched
// when the job fails or ctx is cancelled.
func CompressFile(ctx context.Context, src, dst, name string) (*CompressResult, error) {
	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, notFound("file %s", filepath.Base(src))
		}
		return nil, &IOError{Op: "open", Path: src, Err: err}
	}
	defer in.Close()

	modTime := time.Now()
	if info, err := in.Stat(); err == nil {
		modTime = info.ModTime()
	}

	out, err := createAtomic(dst)
	if err != nil {
		return nil, err
	}
	defer out.Abort()

	zw, err := gzip.NewWriterLevel(out, gzip.DefaultCompression)
	if err != nil {
		return nil, err
	}
	zw.Name = name
	zw.ModTime = modTime

	cr := &countingReader{r: contextReader{ctx: ctx, r: in}}
	if _, err := io.Copy(zw, cr); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &IOError{Op: "compress", Path: dst, Err: err}
	}
	if err := zw.Close(); err != nil {
		return nil, &IOError{Op: "compress", Path: dst, Err: err}
	}

	info, err := out.Stat()
	if err != nil {
		return nil, &IOError{Op: "stat", Path: dst, Err: err}
	}
	if err := out.Commit(); err != nil {
		return nil, err
	}
	return &CompressResult{BytesIn: cr.n, BytesOut: info.Size()}, nil
}

package core

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
)

// DefaultQueueSize bounds the rows in flight between parsing and writing.
const DefaultQueueSize = 256

// maxLoggedRowErrors caps per-run row error logging; the rest are counted.
const maxLoggedRowErrors = 20

// TransformResult summarizes one pipeline run.
type TransformResult struct {
	RowsRead     int      `json:"rowsRead"`
	RowsRetained int      `json:"rowsRetained"`
	RowsFiltered int      `json:"rowsFiltered"`
	RowsSkipped  int      `json:"rowsSkipped"`
	EvalErrors   int      `json:"evalErrors"`
	Columns      []string `json:"columns"`
}

// Pipeline parses delimited text, applies a RowTransformer to each row and
// writes the surviving rows. Parsing runs one row queue ahead of the writer
// and blocks when the queue is full.
//
// Rows whose key sets differ are written under the union of all retained
// keys in first-seen order, with missing fields left empty. The union is only
// known at the end, so retained rows are spooled to a temp file and the
// output is assembled from the spool.
type Pipeline struct {
	QueueSize int
	Logger    *slog.Logger
}

type parsedRow struct {
	line int
	row  *Row
}

// Run transforms inputPath into outputPath. The output replaces outputPath
// atomically and is not created when the run fails.
func (p *Pipeline) Run(ctx context.Context, inputPath string, t RowTransformer, outputPath string) (*TransformResult, error) {
	in, err := os.Open(inputPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, notFound("file %s", filepath.Base(inputPath))
		}
		return nil, &IOError{Op: "open", Path: inputPath, Err: err}
	}
	defer in.Close()

	return p.transform(ctx, in, inputPath, t, outputPath)
}

func (p *Pipeline) transform(ctx context.Context, src io.Reader, inputPath string, t RowTransformer, outputPath string) (*TransformResult, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queueSize := p.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	reader := newRowReader(NewCSVInput(src))
	header, _, err := reader.Read()
	if err == io.EOF {
		return nil, invalid("file", "empty file: no header line")
	}
	if err != nil {
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			return nil, invalid("file", "invalid csv header: %v", perr.Err)
		}
		return nil, &IOError{Op: "read header", Path: inputPath, Err: err}
	}
	reader.fields = len(header)

	outDir := filepath.Dir(outputPath)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, &IOError{Op: "mkdir", Path: outDir, Err: err}
	}
	spool, err := os.CreateTemp(outDir, ".spool-*")
	if err != nil {
		return nil, &IOError{Op: "create spool", Path: outputPath, Err: err}
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	result := &TransformResult{}
	var skipped int
	cols := newColumnSet()
	rows := make(chan parsedRow, queueSize)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(rows)
		for {
			record, line, err := reader.Read()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				var perr *csv.ParseError
				if errors.As(err, &perr) {
					skipped++
					logger.Debug("skipping malformed row", "line", perr.StartLine, "error", perr.Err)
					continue
				}
				return &IOError{Op: "read", Path: inputPath, Err: err}
			}

			select {
			case rows <- parsedRow{line: line, row: NewRow(header, record)}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	g.Go(func() error {
		w := csv.NewWriter(spool)
		pairs := make([]string, 0, 2*len(header))
		for pr := range rows {
			result.RowsRead++
			out, err := t.Transform(pr.line, pr.row)
			if err != nil {
				p.recordRowErrors(logger, result, err)
			}
			if out == nil {
				result.RowsFiltered++
				continue
			}
			result.RowsRetained++

			pairs = pairs[:0]
			for _, k := range out.Keys() {
				v, _ := out.Get(k)
				cols.add(k)
				pairs = append(pairs, k, v)
			}
			if err := w.Write(pairs); err != nil {
				return &IOError{Op: "spool", Path: outputPath, Err: err}
			}
			if err := gctx.Err(); err != nil {
				return err
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return &IOError{Op: "spool", Path: outputPath, Err: err}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	result.RowsSkipped = skipped

	// a run with no retained rows still emits the input header
	if result.RowsRetained == 0 {
		for _, k := range NewRow(header, nil).Keys() {
			cols.add(k)
		}
	}
	result.Columns = cols.keys

	if err := writeFromSpool(ctx, spool, cols, outputPath); err != nil {
		return nil, err
	}
	return result, nil
}

func (p *Pipeline) recordRowErrors(logger *slog.Logger, result *TransformResult, err error) {
	errs := []error{err}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	}
	for _, e := range errs {
		result.EvalErrors++
		if result.EvalErrors > maxLoggedRowErrors {
			continue
		}
		var re *RowEvalError
		if errors.As(e, &re) {
			logger.Warn("row evaluation failed", "line", re.Line, "rule", re.Rule, "expr", re.Expr, "error", re.Err)
		} else {
			logger.Warn("row evaluation failed", "error", e)
		}
		if result.EvalErrors == maxLoggedRowErrors {
			logger.Warn("further row evaluation errors will be counted but not logged")
		}
	}
}

// writeFromSpool writes the header and every spooled row aligned to cols.
func writeFromSpool(ctx context.Context, spool *os.File, cols *columnSet, outputPath string) error {
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return &IOError{Op: "rewind spool", Path: outputPath, Err: err}
	}

	out, err := createAtomic(outputPath)
	if err != nil {
		return err
	}
	defer out.Abort()

	w := csv.NewWriter(out)
	if err := w.Write(cols.keys); err != nil {
		return &IOError{Op: "write", Path: outputPath, Err: err}
	}

	r := csv.NewReader(bufio.NewReader(spool))
	r.FieldsPerRecord = -1
	r.ReuseRecord = true
	record := make([]string, len(cols.keys))
	for {
		pairs, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return &IOError{Op: "read spool", Path: outputPath, Err: err}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		clear(record)
		for i := 0; i+1 < len(pairs); i += 2 {
			record[cols.index[pairs[i]]] = pairs[i+1]
		}
		if err := w.Write(record); err != nil {
			return &IOError{Op: "write", Path: outputPath, Err: err}
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return &IOError{Op: "write", Path: outputPath, Err: err}
	}
	return out.Commit()
}

// columnSet is an insertion-ordered set of column names.
type columnSet struct {
	keys  []string
	index map[string]int
}

func newColumnSet() *columnSet {
	return &columnSet{index: make(map[string]int)}
}

func (c *columnSet) add(k string) {
	if _, ok := c.index[k]; ok {
		return
	}
	c.index[k] = len(c.keys)
	c.keys = append(c.keys, k)
}

// maxQuotedSpan bounds how far an open quote may run across lines before the
// line that opened it is rejected.
const maxQuotedSpan = 1 << 20

type physLine struct {
	text string
	num  int
}

// rowReader reads CSV records one physical line at a time. A quoted field
// may continue onto following lines when its quote closes within
// maxQuotedSpan bytes. A quote that never closes fails only the line that
// opened it, and reading resumes on the line after it.
type rowReader struct {
	br      *bufio.Reader
	pending []physLine
	nextNum int
	eof     bool
	// fields is the required field count; 0 accepts any count.
	fields int
}

func newRowReader(r io.Reader) *rowReader {
	return &rowReader{br: bufio.NewReaderSize(r, sanitizeBufSize), nextNum: 1}
}

// line returns the next physical line, replaying held-back lines first.
func (r *rowReader) line() (physLine, error) {
	if len(r.pending) > 0 {
		l := r.pending[0]
		r.pending = r.pending[1:]
		return l, nil
	}
	if r.eof {
		return physLine{}, io.EOF
	}
	text, err := r.br.ReadString('\n')
	if err == io.EOF {
		r.eof = true
		if text == "" {
			return physLine{}, io.EOF
		}
	} else if err != nil {
		return physLine{}, err
	}
	l := physLine{text: text, num: r.nextNum}
	r.nextNum++
	return l, nil
}

// hold puts lines back to be read again after a rejected record.
func (r *rowReader) hold(lines []physLine) {
	if len(lines) > 0 {
		r.pending = append(lines, r.pending...)
	}
}

// Read returns the next record and the line it starts on. Blank lines are
// skipped. A malformed record is returned as a *csv.ParseError.
func (r *rowReader) Read() ([]string, int, error) {
	for {
		first, err := r.line()
		if err != nil {
			return nil, 0, err
		}

		var (
			buf    strings.Builder
			held   []physLine
			quotes = strings.Count(first.text, `"`)
		)
		buf.WriteString(first.text)
		for quotes%2 == 1 {
			next, err := r.line()
			if err != nil && err != io.EOF {
				return nil, first.num, err
			}
			if err == io.EOF || buf.Len()+len(next.text) > maxQuotedSpan {
				if err == nil {
					held = append(held, next)
				}
				r.hold(held)
				return nil, first.num, &csv.ParseError{StartLine: first.num, Line: first.num, Err: csv.ErrQuote}
			}
			held = append(held, next)
			buf.WriteString(next.text)
			quotes += strings.Count(next.text, `"`)
		}

		cr := csv.NewReader(strings.NewReader(buf.String()))
		cr.FieldsPerRecord = -1
		record, err := cr.Read()
		if err == io.EOF {
			continue
		}
		if err != nil {
			r.hold(held)
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				perr.StartLine += first.num - 1
				perr.Line += first.num - 1
			}
			return nil, first.num, err
		}
		if r.fields > 0 && len(record) != r.fields {
			return nil, first.num, &csv.ParseError{StartLine: first.num, Line: first.num, Err: csv.ErrFieldCount}
		}
		return record, first.num, nil
	}
}

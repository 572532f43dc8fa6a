package parser

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/Nao-Mk2/log-anomaly-inspector/internal/model"
)

// Batch is the parse result of one source.
type Batch struct {
	Source     string
	Format     model.FormatTag
	Records    []model.LogRecord
	TotalLines int
	Skipped    int
}

// ReadBatch parses every line of r. Line numbers are 1-based positions in the
// source, so dropped lines still advance the counter.
func ReadBatch(r io.Reader, source string, format model.FormatTag) (Batch, error) {
	b := Batch{Source: source, Format: format}
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			b.TotalLines++
			line = strings.TrimRight(line, "\r\n")
			if rec := Parse(line, format); rec != nil {
				rec.LineNumber = b.TotalLines
				rec.SourceFile = source
				b.Records = append(b.Records, *rec)
			} else {
				b.Skipped++
			}
		}
		if errors.Is(err, io.EOF) {
			return b, nil
		}
		if err != nil {
			return b, fmt.Errorf("read %s: %w", source, err)
		}
	}
}

// Open opens path for reading, transparently decompressing .gz and .zst files.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".gz"):
		zr, err := gzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("gzip %s: %w", path, err)
		}
		return &stackedCloser{Reader: zr, closers: []func() error{zr.Close, f.Close}}, nil
	case strings.HasSuffix(lower, ".zst"):
		dec, err := zstd.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("zstd %s: %w", path, err)
		}
		return &stackedCloser{Reader: dec, closers: []func() error{
			func() error { dec.Close(); return nil },
			f.Close,
		}}, nil
	}
	return f, nil
}

// ReadFile opens and parses the file at path.
func ReadFile(path string, format model.FormatTag) (Batch, error) {
	rc, err := Open(path)
	if err != nil {
		return Batch{Source: path, Format: format}, err
	}
	defer rc.Close()
	return ReadBatch(rc, path, format)
}

type stackedCloser struct {
	io.Reader
	closers []func() error
}

func (s *stackedCloser) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Package export streams records into a zip archive, one entry per attachment.
package export

import (
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"docket/internal/records/models"
	"docket/pkg/requestcontext"
)

// Source yields records one at a time. Stream must stop and return fn's error
// as soon as fn fails, and must release whatever it holds before returning.
type Source interface {
	Stream(ctx context.Context, fn func(*models.Record) error) error
}

// Flusher is implemented by sinks that buffer, such as an HTTP response
// controller. The exporter flushes after every entry.
type Flusher interface {
	Flush() error
}

// Result summarizes one export.
type Result struct {
	Entries int
	Skipped int
	Bytes   int64
}

// Exporter writes zip archives with deflate at a fixed level.
type Exporter struct {
	level int
}

type Option func(*Exporter)

// WithLevel overrides the deflate level (default flate.BestCompression).
func WithLevel(level int) Option {
	return func(e *Exporter) {
		e.level = level
	}
}

// New constructs an Exporter.
func New(opts ...Option) *Exporter {
	e := &Exporter{level: flate.BestCompression}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Export pulls records from src in order and appends an entry to the archive
// on w for every record with an attachment. Records without one are skipped.
//
// Each entry's compressed bytes reach w before the next record is pulled.
// The archive is only finalized when src is exhausted without error. On a
// sink failure or cancellation the partial archive is left unterminated and
// the error is returned.
func (e *Exporter) Export(ctx context.Context, src Source, w io.Writer) (Result, error) {
	var res Result
	zw := zip.NewWriter(w)
	// The zip writer only closes an entry's compressor when the next entry
	// starts, so the current one is kept to sync-flush it after each record.
	var current *flate.Writer
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		fw, err := flate.NewWriter(out, e.level)
		current = fw
		return fw, err
	})
	modified := requestcontext.Now(ctx)

	err := src.Stream(ctx, func(rec *models.Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !rec.HasAttachment() {
			res.Skipped++
			return nil
		}
		entry, err := zw.CreateHeader(&zip.FileHeader{
			Name:     EntryName(rec),
			Method:   zip.Deflate,
			Modified: modified,
		})
		if err != nil {
			return fmt.Errorf("create entry for %q: %w", rec.ID, err)
		}
		if _, err := entry.Write(rec.Attachment.Data); err != nil {
			return fmt.Errorf("write entry for %q: %w", rec.ID, err)
		}
		if err := current.Flush(); err != nil {
			return fmt.Errorf("flush entry for %q: %w", rec.ID, err)
		}
		if err := flush(zw, w); err != nil {
			return err
		}
		res.Entries++
		res.Bytes += int64(len(rec.Attachment.Data))
		return nil
	})
	if err != nil {
		return res, err
	}

	if err := zw.Close(); err != nil {
		return res, fmt.Errorf("finalize archive: %w", err)
	}
	if f, ok := w.(Flusher); ok {
		if err := f.Flush(); err != nil {
			return res, fmt.Errorf("flush archive: %w", err)
		}
	}
	return res, nil
}

func flush(zw *zip.Writer, w io.Writer) error {
	if err := zw.Flush(); err != nil {
		return fmt.Errorf("flush archive: %w", err)
	}
	if f, ok := w.(Flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flush sink: %w", err)
		}
	}
	return nil
}

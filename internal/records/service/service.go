package service

//go:generate mockgen -destination=mocks/store.go -package=mocks docket/internal/records/service Store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"docket/internal/records/export"
	"docket/internal/records/metrics"
	"docket/internal/records/models"
	"docket/internal/records/store"
	dErrors "docket/pkg/domain-errors"
	"docket/pkg/requestcontext"
)

// Store is the persistence port for records. Implementations return
// store.ErrNotFound and store.ErrDuplicateID for the matching facts.
type Store interface {
	List(ctx context.Context, filter string) ([]models.Summary, error)
	GetAttachment(ctx context.Context, id string) (*models.Attachment, error)
	Create(ctx context.Context, rec *models.Record) error
	Update(ctx context.Context, id string, meta models.Metadata, attachment *models.Attachment) error
	Delete(ctx context.Context, id string) error
	Stream(ctx context.Context, fn func(*models.Record) error) error
}

// Exporter writes the archive for a record source.
type Exporter interface {
	Export(ctx context.Context, src export.Source, w io.Writer) (export.Result, error)
}

// Service orchestrates record CRUD and bulk export.
type Service struct {
	store    Store
	exporter Exporter
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithExporter(e Exporter) Option {
	return func(s *Service) {
		s.exporter = e
	}
}

// New constructs a Service. The exporter defaults to export.New().
func New(st Store, opts ...Option) *Service {
	s := &Service{
		store:    st,
		exporter: export.New(),
		logger:   slog.New(slog.DiscardHandler),
		tracer:   otel.Tracer("docket/records"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// List returns record summaries, newest first, optionally filtered by a
// case-insensitive substring.
func (s *Service) List(ctx context.Context, filter string) ([]models.Summary, error) {
	ctx, span := s.tracer.Start(ctx, "records.List", trace.WithAttributes(attribute.Bool("records.filtered", filter != "")))
	defer span.End()

	summaries, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, s.fail(ctx, span, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list records"))
	}
	span.SetAttributes(attribute.Int("records.count", len(summaries)))
	return summaries, nil
}

// GetAttachment returns the stored file of a record.
func (s *Service) GetAttachment(ctx context.Context, id string) (*models.Attachment, error) {
	ctx, span := s.tracer.Start(ctx, "records.GetAttachment", trace.WithAttributes(attribute.String("record.id", id)))
	defer span.End()

	att, err := s.store.GetAttachment(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "No file")
		}
		return nil, s.fail(ctx, span, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load attachment"))
	}
	if s.metrics != nil {
		s.metrics.AddAttachmentBytes(len(att.Data))
	}
	return att, nil
}

// Create stores a new record under a caller-supplied id.
func (s *Service) Create(ctx context.Context, id string, meta models.Metadata, attachment *models.Attachment) error {
	ctx, span := s.tracer.Start(ctx, "records.Create", trace.WithAttributes(
		attribute.String("record.id", id),
		attribute.Bool("record.has_attachment", attachment != nil),
	))
	defer span.End()

	rec, err := models.NewRecord(id, meta, attachment)
	if err != nil {
		return err
	}
	if err := s.store.Create(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicateID) {
			return dErrors.New(dErrors.CodeConflict, "ID already exists.")
		}
		return s.fail(ctx, span, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create record"))
	}

	s.logger.InfoContext(ctx, "record created",
		"record_id", id,
		"has_attachment", attachment != nil,
		"request_id", requestcontext.RequestID(ctx),
	)
	s.incrementWritten("create")
	return nil
}

// Update replaces a record's metadata, and its attachment when one is given.
// Unknown ids are reported as not found rather than silently ignored.
func (s *Service) Update(ctx context.Context, id string, meta models.Metadata, attachment *models.Attachment) error {
	ctx, span := s.tracer.Start(ctx, "records.Update", trace.WithAttributes(
		attribute.String("record.id", id),
		attribute.Bool("record.has_attachment", attachment != nil),
	))
	defer span.End()

	if err := meta.Validate(); err != nil {
		return err
	}
	if err := s.store.Update(ctx, id, meta, attachment); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return dErrors.New(dErrors.CodeNotFound, "record not found")
		}
		return s.fail(ctx, span, dErrors.Wrap(err, dErrors.CodeInternal, "failed to update record"))
	}
	s.incrementWritten("update")
	return nil
}

// Delete hard-deletes a record. Deleting an unknown id succeeds.
func (s *Service) Delete(ctx context.Context, id string) error {
	ctx, span := s.tracer.Start(ctx, "records.Delete", trace.WithAttributes(attribute.String("record.id", id)))
	defer span.End()

	if err := s.store.Delete(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.logger.DebugContext(ctx, "delete of unknown record",
				"record_id", id,
				"request_id", requestcontext.RequestID(ctx),
			)
			return nil
		}
		return s.fail(ctx, span, dErrors.Wrap(err, dErrors.CodeInternal, "failed to delete record"))
	}
	s.incrementWritten("delete")
	return nil
}

// Export streams every attachment into a zip archive on w.
func (s *Service) Export(ctx context.Context, w io.Writer) (export.Result, error) {
	ctx, span := s.tracer.Start(ctx, "records.Export")
	defer span.End()

	start := time.Now()
	res, err := s.exporter.Export(ctx, s.store, w)
	if s.metrics != nil {
		s.metrics.ObserveExport(start, res.Entries, res.Bytes, err != nil)
	}
	span.SetAttributes(attribute.Int("export.entries", res.Entries), attribute.Int64("export.bytes", res.Bytes))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			s.logger.WarnContext(ctx, "export cancelled by client",
				"entries", res.Entries,
				"request_id", requestcontext.RequestID(ctx),
			)
			return res, dErrors.Wrap(err, dErrors.CodeInternal, "export cancelled")
		}
		return res, s.fail(ctx, span, dErrors.Wrap(err, dErrors.CodeInternal, "export failed"))
	}

	s.logger.InfoContext(ctx, "export completed",
		"entries", res.Entries,
		"skipped", res.Skipped,
		"bytes", res.Bytes,
		"request_id", requestcontext.RequestID(ctx),
	)
	return res, nil
}

func (s *Service) fail(ctx context.Context, span trace.Span, err *dErrors.Error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Message)
	s.logger.ErrorContext(ctx, err.Message,
		"error", err.Err,
		"request_id", requestcontext.RequestID(ctx),
	)
	return err
}

func (s *Service) incrementWritten(op string) {
	if s.metrics == nil {
		return
	}
	s.metrics.IncrementWritten(op)
}

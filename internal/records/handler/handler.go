package handler

import (
	"context"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"docket/internal/platform/middleware"
	"docket/internal/records/export"
	"docket/internal/records/models"
	dErrors "docket/pkg/domain-errors"
	"docket/pkg/platform/httputil"
)

const basePath = "/api/files"

const (
	defaultMaxUploadBytes = 32 << 20
	defaultExportFilename = "exported_files.zip"
)

// Service defines the record operations exposed over HTTP.
type Service interface {
	List(ctx context.Context, filter string) ([]models.Summary, error)
	GetAttachment(ctx context.Context, id string) (*models.Attachment, error)
	Create(ctx context.Context, id string, meta models.Metadata, attachment *models.Attachment) error
	Update(ctx context.Context, id string, meta models.Metadata, attachment *models.Attachment) error
	Delete(ctx context.Context, id string) error
	Export(ctx context.Context, w io.Writer) (export.Result, error)
}

// Handler serves the record endpoints under /api/files.
type Handler struct {
	logger         *slog.Logger
	records        Service
	maxUploadBytes int64
	exportFilename string
}

type Option func(h *Handler)

func WithMaxUploadBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxUploadBytes = n
		}
	}
}

func WithExportFilename(name string) Option {
	return func(h *Handler) {
		if name != "" {
			h.exportFilename = name
		}
	}
}

// New creates a new records Handler.
func New(records Service, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		logger:         logger,
		records:        records,
		maxUploadBytes: defaultMaxUploadBytes,
		exportFilename: defaultExportFilename,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register registers the record routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Route(basePath, func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Post("/", h.handleCreate)
		r.Get("/export", h.handleExport)
		r.Get("/{id}/attachment", h.handleGetAttachment)
		r.Get("/{id}/photo", h.handleGetAttachment)
		r.Put("/{id}", h.handleUpdate)
		r.Delete("/{id}", h.handleDelete)
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	summaries, err := h.records.List(ctx, r.URL.Query().Get("search"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toRecordResponses(summaries))
}

func (h *Handler) handleGetAttachment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := pathID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	att, err := h.records.GetAttachment(ctx, id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	mimeType := att.MimeType
	if mimeType == "" {
		mimeType = models.DefaultMimeType
	}
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(att.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(att.Data)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	defer cleanupForm(r)
	req, err := parseRecordRequest(w, r, h.maxUploadBytes)
	if err != nil {
		h.logger.WarnContext(ctx, "invalid create request",
			"request_id", requestID,
			"error", err.Error(),
		)
		httputil.WriteError(w, err)
		return
	}
	meta, err := req.Metadata()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := h.records.Create(ctx, req.ID, meta, req.attachment); err != nil {
		// A taken id is a client fault reported as 400 with the conflict code.
		if dErrors.HasCode(err, dErrors.CodeConflict) {
			httputil.WriteErrorStatus(w, http.StatusBadRequest, err)
			return
		}
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, successResponse{Success: true})
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	id, err := pathID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	defer cleanupForm(r)
	req, err := parseRecordRequest(w, r, h.maxUploadBytes)
	if err != nil {
		h.logger.WarnContext(ctx, "invalid update request",
			"request_id", requestID,
			"error", err.Error(),
		)
		httputil.WriteError(w, err)
		return
	}
	meta, err := req.Metadata()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := h.records.Update(ctx, id, meta, req.attachment); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, successResponse{Success: true})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := h.records.Delete(r.Context(), id); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, successResponse{Success: true})
}

// handleExport streams the archive. Failures before the first byte get a
// normal error response; later failures abort the connection so the client
// never mistakes a truncated archive for a complete one.
func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": h.exportFilename}))

	sink := newResponseSink(w)
	_, err := h.records.Export(ctx, sink)
	if err == nil {
		return
	}
	if !sink.started {
		w.Header().Del("Content-Disposition")
		httputil.WriteError(w, err)
		return
	}
	h.logger.ErrorContext(ctx, "aborting partial export",
		"request_id", requestID,
		"bytes_sent", sink.written,
		"error", err.Error(),
	)
	panic(http.ErrAbortHandler)
}

// responseSink tracks whether the response has started and exposes the
// ResponseWriter's flush as export.Flusher.
type responseSink struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
	written int64
}

func newResponseSink(w http.ResponseWriter) *responseSink {
	return &responseSink{w: w, rc: http.NewResponseController(w)}
}

func (s *responseSink) Write(p []byte) (int, error) {
	if len(p) > 0 {
		s.started = true
	}
	n, err := s.w.Write(p)
	s.written += int64(n)
	return n, err
}

func (s *responseSink) Flush() error {
	return s.rc.Flush()
}

var _ export.Flusher = (*responseSink)(nil)

// pathID returns the decoded {id}. chi routes on RawPath when the request
// carries one (an escaped "/" for instance), and only then is the parameter
// still escaped.
func pathID(r *http.Request) (string, error) {
	id := chi.URLParam(r, "id")
	if r.URL.RawPath != "" {
		unescaped, err := url.PathUnescape(id)
		if err != nil {
			return "", dErrors.New(dErrors.CodeBadRequest, "invalid record id")
		}
		id = unescaped
	}
	if id == "" {
		return "", dErrors.New(dErrors.CodeBadRequest, "invalid record id")
	}
	return id, nil
}

func cleanupForm(r *http.Request) {
	if r.MultipartForm != nil {
		_ = r.MultipartForm.RemoveAll()
	}
}

package models

import (
	"strings"
	"time"

	dErrors "docket/pkg/domain-errors"
)

// DateLayout is the textual form of a record date everywhere: JSON, search and
// archive entry names.
const DateLayout = "2006-01-02"

// DefaultMimeType is stored when an attachment arrives without a usable type.
const DefaultMimeType = "application/octet-stream"

// Attachment is the binary payload of a record. A nil *Attachment means the
// record has no file, so bytes and MIME type can only be set or cleared
// together.
type Attachment struct {
	Data     []byte
	MimeType string
}

// NewAttachment returns nil for an empty payload.
func NewAttachment(data []byte, mimeType string) *Attachment {
	if len(data) == 0 {
		return nil
	}
	if strings.TrimSpace(mimeType) == "" {
		mimeType = DefaultMimeType
	}
	return &Attachment{Data: data, MimeType: mimeType}
}

// Metadata holds every replaceable field of a record.
type Metadata struct {
	Name         string
	Date         time.Time
	Place        string
	Number       string
	LetterNumber string
	Other        string
}

// Validate checks the fields required on every write.
func (m Metadata) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return dErrors.New(dErrors.CodeValidation, "name is required")
	}
	if m.Date.IsZero() {
		return dErrors.New(dErrors.CodeValidation, "date is required")
	}
	return nil
}

// Record is one registry entry.
//
// Invariants:
//   - ID is caller-supplied, unique and immutable
//   - Name and Date are set
//   - Attachment is nil or carries non-empty Data and a MimeType
type Record struct {
	ID string
	Metadata
	Attachment *Attachment
}

// NewRecord validates and builds a record for creation.
func NewRecord(id string, meta Metadata, attachment *Attachment) (*Record, error) {
	if strings.TrimSpace(id) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "id is required")
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	return &Record{ID: id, Metadata: meta, Attachment: attachment}, nil
}

// HasAttachment reports whether the record carries a file.
func (r *Record) HasAttachment() bool {
	return r.Attachment != nil
}

// Summary is the list view of a record. It never carries attachment bytes.
type Summary struct {
	ID string
	Metadata
	AttachmentMimeType  string
	AttachmentAvailable bool
}

// Summarize drops the attachment bytes from r.
func (r *Record) Summarize() Summary {
	s := Summary{ID: r.ID, Metadata: r.Metadata}
	if r.Attachment != nil {
		s.AttachmentAvailable = true
		s.AttachmentMimeType = r.Attachment.MimeType
	}
	return s
}

// ParseDate parses a YYYY-MM-DD date. Full RFC 3339 timestamps are accepted
// and truncated to their calendar date.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, dErrors.New(dErrors.CodeValidation, "date must be formatted as YYYY-MM-DD")
	}
	return DateOnly(t), nil
}

// DateOnly strips the time of day, keeping the calendar date as written.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// FormatDate renders t as YYYY-MM-DD, or "" for the zero time.
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(DateLayout)
}

package export

import (
	"strings"

	"docket/internal/records/models"
)

// Archive entry extensions.
const (
	ExtPNG = "png"
	ExtPDF = "pdf"
	ExtBin = "bin"
)

const noDate = "nodate"

// Sanitize replaces every rune outside [A-Za-z0-9_-] with a single '_'.
// The result is safe as a path segment and Sanitize(Sanitize(s)) == Sanitize(s).
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, s)
}

// ExtensionFor maps a stored MIME type to an entry extension. Every image
// type is exported as png regardless of subtype; that mapping is relied upon
// by consumers of existing archives.
func ExtensionFor(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return ExtPNG
	case mimeType == "application/pdf":
		return ExtPDF
	default:
		return ExtBin
	}
}

// EntryName derives the archive entry name for a record carrying an
// attachment:
//
//	id_name_YYYY-MM-DD_place_number_letterNumber_other.ext
//
// Names are not unique; records with equal sanitized metadata collide.
func EntryName(rec *models.Record) string {
	date := noDate
	if !rec.Date.IsZero() {
		date = models.FormatDate(rec.Date)
	}
	var mimeType string
	if rec.Attachment != nil {
		mimeType = rec.Attachment.MimeType
	}
	parts := []string{
		Sanitize(rec.ID),
		Sanitize(rec.Name),
		date,
		Sanitize(rec.Place),
		Sanitize(rec.Number),
		Sanitize(rec.LetterNumber),
		Sanitize(rec.Other),
	}
	return strings.Join(parts, "_") + "." + ExtensionFor(mimeType)
}

package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"docket/internal/records/models"
	dErrors "docket/pkg/domain-errors"
)

// multipartMemory is how much of a multipart body is held in memory before
// file parts spill to temporary files.
const multipartMemory = 8 << 20

// Form field names. The legacy names are still sent by the original web client.
const (
	fieldAttachment       = "attachment"
	fieldLegacyAttachment = "photo"
	fieldLetterNumber     = "letterNumber"
	fieldLegacyLetterNum  = "no_latter"
)

// recordRequest is the create/update payload, from either a form or JSON.
type recordRequest struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Date         string `json:"date"`
	Place        string `json:"place"`
	Number       string `json:"number"`
	LetterNumber string `json:"letterNumber"`
	Other        string `json:"other"`

	attachment *models.Attachment
}

// Normalize trims surrounding whitespace from identifying fields.
func (req *recordRequest) Normalize() {
	req.ID = strings.TrimSpace(req.ID)
	req.Name = strings.TrimSpace(req.Name)
	req.Date = strings.TrimSpace(req.Date)
}

// Metadata converts the request into validated-on-write record metadata.
func (req *recordRequest) Metadata() (models.Metadata, error) {
	date, err := models.ParseDate(req.Date)
	if err != nil {
		return models.Metadata{}, err
	}
	return models.Metadata{
		Name:         req.Name,
		Date:         date,
		Place:        req.Place,
		Number:       req.Number,
		LetterNumber: req.LetterNumber,
		Other:        req.Other,
	}, nil
}

// parseRecordRequest reads multipart, urlencoded or JSON bodies. Only
// multipart bodies can carry an attachment.
func parseRecordRequest(w http.ResponseWriter, r *http.Request, maxBytes int64) (*recordRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		var req recordRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, bodyError(err)
		}
		req.Normalize()
		return &req, nil
	case "multipart/form-data":
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			return nil, bodyError(err)
		}
	default:
		if err := r.ParseForm(); err != nil {
			return nil, bodyError(err)
		}
	}

	req := &recordRequest{
		ID:           r.FormValue("id"),
		Name:         r.FormValue("name"),
		Date:         r.FormValue("date"),
		Place:        r.FormValue("place"),
		Number:       r.FormValue("number"),
		LetterNumber: firstNonEmpty(r.FormValue(fieldLetterNumber), r.FormValue(fieldLegacyLetterNum)),
		Other:        r.FormValue("other"),
	}
	req.Normalize()

	if r.MultipartForm != nil {
		att, err := readAttachment(r.MultipartForm)
		if err != nil {
			return nil, err
		}
		req.attachment = att
	}
	return req, nil
}

func readAttachment(form *multipart.Form) (*models.Attachment, error) {
	headers := form.File[fieldAttachment]
	if len(headers) == 0 {
		headers = form.File[fieldLegacyAttachment]
	}
	if len(headers) == 0 {
		return nil, nil
	}
	fh := headers[0]
	f, err := fh.Open()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeBadRequest, "unreadable attachment")
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeBadRequest, "unreadable attachment")
	}
	mimeType := fh.Header.Get("Content-Type")
	if mimeType == "" && len(data) > 0 {
		mimeType = http.DetectContentType(data)
	}
	return models.NewAttachment(data, mimeType), nil
}

func bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return dErrors.New(dErrors.CodeBadRequest, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
	}
	return dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid request body")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

package handler

import (
	"net/url"

	"docket/internal/records/models"
)

type recordResponse struct {
	ID                  string  `json:"id"`
	Name                string  `json:"name"`
	Date                string  `json:"date"`
	Place               string  `json:"place"`
	Number              string  `json:"number"`
	LetterNumber        string  `json:"letterNumber"`
	Other               string  `json:"other"`
	AttachmentMimeType  *string `json:"attachmentMimeType"`
	AttachmentAvailable bool    `json:"attachmentAvailable"`
	AttachmentURL       *string `json:"attachmentUrl"`
}

type successResponse struct {
	Success bool `json:"success"`
}

// AttachmentPath is the retrieval reference handed out in list responses.
func AttachmentPath(id string) string {
	return basePath + "/" + url.PathEscape(id) + "/attachment"
}

func toRecordResponses(summaries []models.Summary) []recordResponse {
	out := make([]recordResponse, 0, len(summaries))
	for _, s := range summaries {
		resp := recordResponse{
			ID:                  s.ID,
			Name:                s.Name,
			Date:                models.FormatDate(s.Date),
			Place:               s.Place,
			Number:              s.Number,
			LetterNumber:        s.LetterNumber,
			Other:               s.Other,
			AttachmentAvailable: s.AttachmentAvailable,
		}
		if s.AttachmentAvailable {
			mimeType := s.AttachmentMimeType
			link := AttachmentPath(s.ID)
			resp.AttachmentMimeType = &mimeType
			resp.AttachmentURL = &link
		}
		out = append(out, resp)
	}
	return out
}

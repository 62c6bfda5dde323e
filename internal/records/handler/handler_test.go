package handler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docket/internal/records/export"
	"docket/internal/records/models"
	"docket/internal/records/service"
	"docket/internal/records/store"
	dErrors "docket/pkg/domain-errors"
	"docket/pkg/testutil"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type filePart struct {
	field       string
	filename    string
	contentType string
	data        []byte
}

func newRecordsRouter(t *testing.T, opts ...Option) http.Handler {
	t.Helper()
	svc := service.New(store.NewInMemory())
	return newRouterFor(svc, opts...)
}

func newRouterFor(svc Service, opts ...Option) http.Handler {
	r := chi.NewRouter()
	New(svc, slog.New(slog.DiscardHandler), opts...).Register(r)
	return r
}

func multipartRequest(t *testing.T, method, path string, fields map[string]string, file *filePart) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if file != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="`+file.field+`"; filename="`+file.filename+`"`)
		if file.contentType != "" {
			h.Set("Content-Type", file.contentType)
		}
		part, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(file.data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func createRecord(t *testing.T, router http.Handler, fields map[string]string, file *filePart) *httptest.ResponseRecorder {
	t.Helper()
	return testutil.DoRequest(router, multipartRequest(t, http.MethodPost, "/api/files", fields, file))
}

func listRecords(t *testing.T, router http.Handler, search string) []recordResponse {
	t.Helper()
	path := "/api/files"
	if search != "" {
		path += "?search=" + url.QueryEscape(search)
	}
	rec := testutil.DoRequest(router, testutil.NewRequest(t, http.MethodGet, path))
	testutil.AssertStatusOK(t, rec)
	return testutil.UnmarshalResponse[[]recordResponse](t, rec)
}

func TestCreateAndListWithAttachment(t *testing.T) {
	router := newRecordsRouter(t)

	rec := createRecord(t, router, map[string]string{
		"id": "A1", "name": "Test Deed", "date": "2024-01-05", "place": "Dhaka", "letterNumber": "LN/7",
	}, &filePart{field: "attachment", filename: "deed.pdf", contentType: "application/pdf", data: []byte("%PDF-1.4")})
	testutil.AssertStatusOK(t, rec)
	testutil.AssertJSONContains(t, rec, "success", true)

	list := listRecords(t, router, "")
	require.Len(t, list, 1)
	got := list[0]
	assert.Equal(t, "A1", got.ID)
	assert.Equal(t, "2024-01-05", got.Date)
	assert.Equal(t, "LN/7", got.LetterNumber)
	assert.True(t, got.AttachmentAvailable)
	require.NotNil(t, got.AttachmentURL)
	assert.Equal(t, "/api/files/A1/attachment", *got.AttachmentURL)
	require.NotNil(t, got.AttachmentMimeType)
	assert.Equal(t, "application/pdf", *got.AttachmentMimeType)

	att := testutil.DoRequest(router, testutil.NewRequest(t, http.MethodGet, *got.AttachmentURL))
	testutil.AssertStatusOK(t, att)
	assert.Equal(t, "application/pdf", att.Header().Get("Content-Type"))
	assert.Equal(t, "%PDF-1.4", att.Body.String())
}

func TestListOmitsAttachmentURLWhenAbsent(t *testing.T) {
	router := newRecordsRouter(t)
	testutil.AssertStatusOK(t, createRecord(t, router, map[string]string{"id": "B1", "name": "Bare", "date": "2024-02-01"}, nil))

	rec := testutil.DoRequest(router, testutil.NewRequest(t, http.MethodGet, "/api/files"))
	testutil.AssertStatusOK(t, rec)
	assert.Contains(t, rec.Body.String(), `"attachmentUrl":null`)
	assert.NotContains(t, rec.Body.String(), "data")
}

func TestCreateDuplicateIDIsBadRequest(t *testing.T) {
	router := newRecordsRouter(t)
	fields := map[string]string{"id": "A1", "name": "Test", "date": "2024-01-05"}
	testutil.AssertStatusOK(t, createRecord(t, router, fields, nil))

	rec := createRecord(t, router, fields, nil)

	testutil.AssertStatus(t, rec, http.StatusBadRequest)
	body := testutil.UnmarshalErrorResponse(t, rec)
	assert.Equal(t, string(dErrors.CodeConflict), body["error"])
	assert.Equal(t, "ID already exists.", body["error_description"])
}

func TestCreateValidation(t *testing.T) {
	router := newRecordsRouter(t)

	cases := map[string]map[string]string{
		"missing id":   {"name": "n", "date": "2024-01-05"},
		"missing name": {"id": "X", "date": "2024-01-05"},
		"missing date": {"id": "X", "name": "n"},
		"bad date":     {"id": "X", "name": "n", "date": "05/01/2024"},
	}
	for name, fields := range cases {
		t.Run(name, func(t *testing.T) {
			rec := createRecord(t, router, fields, nil)
			testutil.AssertStatus(t, rec, http.StatusBadRequest)
		})
	}
	assert.Empty(t, listRecords(t, router, ""))
}

func TestCreateAcceptsJSONBody(t *testing.T) {
	router := newRecordsRouter(t)
	req := testutil.NewJSONRequest(t, http.MethodPost, "/api/files", map[string]string{
		"id": "J1", "name": "From JSON", "date": "2024-03-03", "other": "note",
	})

	testutil.AssertStatusOK(t, testutil.DoRequest(router, req))

	list := listRecords(t, router, "note")
	require.Len(t, list, 1)
	assert.False(t, list[0].AttachmentAvailable)
}

func TestLegacyFieldNames(t *testing.T) {
	router := newRecordsRouter(t)
	rec := createRecord(t, router,
		map[string]string{"id": "L1", "name": "Legacy", "date": "2024-01-05", "no_latter": "77"},
		&filePart{field: "photo", filename: "scan.png", contentType: "image/png", data: pngHeader},
	)
	testutil.AssertStatusOK(t, rec)

	list := listRecords(t, router, "")
	require.Len(t, list, 1)
	assert.Equal(t, "77", list[0].LetterNumber)
	assert.True(t, list[0].AttachmentAvailable)

	photo := testutil.DoRequest(router, testutil.NewRequest(t, http.MethodGet, "/api/files/L1/photo"))
	testutil.AssertStatusOK(t, photo)
	assert.Equal(t, pngHeader, photo.Body.Bytes())
}

func TestAttachmentMimeTypeIsSniffedWhenMissing(t *testing.T) {
	router := newRecordsRouter(t)
	testutil.AssertStatusOK(t, createRecord(t, router,
		map[string]string{"id": "S1", "name": "Sniffed", "date": "2024-01-05"},
		&filePart{field: "attachment", filename: "scan", data: pngHeader},
	))

	rec := testutil.DoRequest(router, testutil.NewRequest(t, http.MethodGet, "/api/files/S1/attachment"))
	testutil.AssertStatusOK(t, rec)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
}

func TestEmptyFilePartMeansNoAttachment(t *testing.T) {
	router := newRecordsRouter(t)
	testutil.AssertStatusOK(t, createRecord(t, router,
		map[string]string{"id": "E1", "name": "Empty", "date": "2024-01-05"},
		&filePart{field: "attachment", filename: "empty.pdf", contentType: "application/pdf"},
	))

	list := listRecords(t, router, "")
	require.Len(t, list, 1)
	assert.False(t, list[0].AttachmentAvailable)
}

func TestGetAttachmentNotFound(t *testing.T) {
	router := newRecordsRouter(t)
	testutil.AssertStatusOK(t, createRecord(t, router, map[string]string{"id": "N1", "name": "No file", "date": "2024-01-05"}, nil))

	for _, path := range []string{"/api/files/N1/attachment", "/api/files/missing/attachment"} {
		rec := testutil.DoRequest(router, testutil.NewRequest(t, http.MethodGet, path))
		assert.Contains(t, rec.Body.String(), "No file")
		testutil.AssertStatusAndError(t, rec, http.StatusNotFound, string(dErrors.CodeNotFound))
	}
}

func TestUpdateWithoutFileKeepsAttachment(t *testing.T) {
	router := newRecordsRouter(t)
	testutil.AssertStatusOK(t, createRecord(t, router,
		map[string]string{"id": "U1", "name": "Before", "date": "2024-01-05"},
		&filePart{field: "attachment", filename: "a.pdf", contentType: "application/pdf", data: []byte("%PDF-orig")},
	))

	rec := testutil.DoRequest(router, multipartRequest(t, http.MethodPut, "/api/files/U1",
		map[string]string{"name": "After", "date": "2024-06-30", "other": "edited"}, nil))
	testutil.AssertStatusOK(t, rec)
	testutil.AssertJSONContains(t, rec, "success", true)

	list := listRecords(t, router, "")
	require.Len(t, list, 1)
	assert.Equal(t, "After", list[0].Name)
	assert.Equal(t, "2024-06-30", list[0].Date)
	assert.True(t, list[0].AttachmentAvailable)

	att := testutil.DoRequest(router, testutil.NewRequest(t, http.MethodGet, "/api/files/U1/attachment"))
	assert.Equal(t, "%PDF-orig", att.Body.String())
}

func TestUpdateReplacesAttachment(t *testing.T) {
	router := newRecordsRouter(t)
	testutil.AssertStatusOK(t, createRecord(t, router,
		map[string]string{"id": "U2", "name": "Doc", "date": "2024-01-05"},
		&filePart{field: "attachment", filename: "a.pdf", contentType: "application/pdf", data: []byte("%PDF-orig")},
	))

	rec := testutil.DoRequest(router, multipartRequest(t, http.MethodPut, "/api/files/U2",
		map[string]string{"name": "Doc", "date": "2024-01-05"},
		&filePart{field: "attachment", filename: "b.png", contentType: "image/png", data: pngHeader}))
	testutil.AssertStatusOK(t, rec)

	att := testutil.DoRequest(router, testutil.NewRequest(t, http.MethodGet, "/api/files/U2/attachment"))
	assert.Equal(t, "image/png", att.Header().Get("Content-Type"))
	assert.Equal(t, pngHeader, att.Body.Bytes())
}

func TestUpdateUnknownIDIsNotFound(t *testing.T) {
	router := newRecordsRouter(t)
	rec := testutil.DoRequest(router, multipartRequest(t, http.MethodPut, "/api/files/ghost",
		map[string]string{"name": "n", "date": "2024-01-05"}, nil))
	testutil.AssertStatusAndError(t, rec, http.StatusNotFound, string(dErrors.CodeNotFound))
}

func TestDeleteIsIdempotent(t *testing.T) {
	router := newRecordsRouter(t)
	testutil.AssertStatusOK(t, createRecord(t, router, map[string]string{"id": "D1", "name": "n", "date": "2024-01-05"}, nil))

	for range 2 {
		rec := testutil.DoRequest(router, testutil.NewRequest(t, http.MethodDelete, "/api/files/D1"))
		testutil.AssertStatusOK(t, rec)
		testutil.AssertJSONContains(t, rec, "success", true)
	}
	assert.Empty(t, listRecords(t, router, ""))
}

func TestIDsArePathEscaped(t *testing.T) {
	router := newRecordsRouter(t)
	testutil.AssertStatusOK(t, createRecord(t, router,
		map[string]string{"id": "2024/7 #1", "name": "Odd id", "date": "2024-01-05"},
		&filePart{field: "attachment", filename: "a.pdf", contentType: "application/pdf", data: []byte("%PDF")},
	))

	list := listRecords(t, router, "")
	require.Len(t, list, 1)
	require.NotNil(t, list[0].AttachmentURL)
	assert.Equal(t, "/api/files/2024%2F7%20%231/attachment", *list[0].AttachmentURL)

	rec := testutil.DoRequest(router, testutil.NewRequest(t, http.MethodGet, *list[0].AttachmentURL))
	testutil.AssertStatusOK(t, rec)
	assert.Equal(t, "%PDF", rec.Body.String())
}

func TestIDsWithPercentRoundTrip(t *testing.T) {
	for _, id := range []string{"50%off", "a%20b"} {
		t.Run(id, func(t *testing.T) {
			router := newRecordsRouter(t)
			testutil.AssertStatusOK(t, createRecord(t, router,
				map[string]string{"id": id, "name": "Percent", "date": "2024-01-05"},
				&filePart{field: "attachment", filename: "a.pdf", contentType: "application/pdf", data: []byte("%PDF-" + id)},
			))

			list := listRecords(t, router, "")
			require.Len(t, list, 1)
			assert.Equal(t, id, list[0].ID)
			require.NotNil(t, list[0].AttachmentURL)

			att := testutil.DoRequest(router, testutil.NewRequest(t, http.MethodGet, *list[0].AttachmentURL))
			testutil.AssertStatusOK(t, att)
			assert.Equal(t, "%PDF-"+id, att.Body.String())

			upd := testutil.DoRequest(router, multipartRequest(t, http.MethodPut, "/api/files/"+url.PathEscape(id),
				map[string]string{"name": "Renamed", "date": "2024-01-05"}, nil))
			testutil.AssertStatusOK(t, upd)
			assert.Equal(t, "Renamed", listRecords(t, router, "")[0].Name)

			del := testutil.DoRequest(router, testutil.NewRequest(t, http.MethodDelete, "/api/files/"+url.PathEscape(id)))
			testutil.AssertStatusOK(t, del)
			assert.Empty(t, listRecords(t, router, ""))
		})
	}
}

func TestEncodedAndDecodedIDsReachTheirOwnRecords(t *testing.T) {
	router := newRecordsRouter(t)
	for _, id := range []string{"a b", "a%20b"} {
		testutil.AssertStatusOK(t, createRecord(t, router,
			map[string]string{"id": id, "name": "Twin", "date": "2024-01-05"},
			&filePart{field: "attachment", filename: "t.pdf", contentType: "application/pdf", data: []byte("file of " + id)},
		))
	}

	urls := map[string]string{}
	for _, r := range listRecords(t, router, "") {
		require.NotNil(t, r.AttachmentURL)
		urls[r.ID] = *r.AttachmentURL
	}
	require.Len(t, urls, 2)
	assert.NotEqual(t, urls["a b"], urls["a%20b"])

	for id, link := range urls {
		rec := testutil.DoRequest(router, testutil.NewRequest(t, http.MethodGet, link))
		testutil.AssertStatusOK(t, rec)
		assert.Equal(t, "file of "+id, rec.Body.String())
	}

	del := testutil.DoRequest(router, testutil.NewRequest(t, http.MethodDelete, "/api/files/"+url.PathEscape("a%20b")))
	testutil.AssertStatusOK(t, del)

	remaining := listRecords(t, router, "")
	require.Len(t, remaining, 1)
	assert.Equal(t, "a b", remaining[0].ID)
}

func TestSearchTreatsWildcardsLiterally(t *testing.T) {
	router := newRecordsRouter(t)
	testutil.AssertStatusOK(t, createRecord(t, router, map[string]string{"id": "P1", "name": "100% done", "date": "2024-01-05"}, nil))
	testutil.AssertStatusOK(t, createRecord(t, router, map[string]string{"id": "P2", "name": "plain", "date": "2024-01-06"}, nil))

	list := listRecords(t, router, "%")
	require.Len(t, list, 1)
	assert.Equal(t, "P1", list[0].ID)
}

func TestUploadLimit(t *testing.T) {
	router := newRecordsRouter(t, WithMaxUploadBytes(1024))
	rec := createRecord(t, router,
		map[string]string{"id": "BIG", "name": "Too big", "date": "2024-01-05"},
		&filePart{field: "attachment", filename: "big.bin", contentType: "application/octet-stream", data: bytes.Repeat([]byte{1}, 4096)},
	)
	testutil.AssertStatus(t, rec, http.StatusBadRequest)
	assert.Empty(t, listRecords(t, router, ""))
}

func TestExportStreamsZip(t *testing.T) {
	router := newRecordsRouter(t)
	testutil.AssertStatusOK(t, createRecord(t, router,
		map[string]string{"id": "A1", "name": "Test", "date": "2024-01-05"},
		&filePart{field: "attachment", filename: "a.pdf", contentType: "application/pdf", data: []byte("%PDF-1.4")},
	))
	testutil.AssertStatusOK(t, createRecord(t, router, map[string]string{"id": "A2", "name": "Bare", "date": "2024-01-05"}, nil))

	exportedAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	req := testutil.NewRequest(t, http.MethodGet, "/api/files/export")
	req = testutil.WithRequestTime(testutil.WithRequestID(req, "export-1"), exportedAt)
	rec := testutil.DoRequest(router, req)

	testutil.AssertStatusOK(t, rec)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Equal(t, "attachment; filename=exported_files.zip", rec.Header().Get("Content-Disposition"))
	assert.True(t, rec.Flushed)

	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	assert.Equal(t, "A1_Test_2024-01-05____.pdf", zr.File[0].Name)
	assert.True(t, zr.File[0].Modified.Equal(exportedAt), "modified %v", zr.File[0].Modified)
}

func TestExportCustomFilename(t *testing.T) {
	router := newRecordsRouter(t, WithExportFilename("records.zip"))
	rec := testutil.DoRequest(router, testutil.NewRequest(t, http.MethodGet, "/api/files/export"))
	testutil.AssertStatusOK(t, rec)
	assert.Equal(t, "attachment; filename=records.zip", rec.Header().Get("Content-Disposition"))
}

// stubExport fails the export after writing prefix bytes.
type stubExport struct {
	Service
	prefix []byte
	err    error
}

func (s stubExport) Export(_ context.Context, w io.Writer) (export.Result, error) {
	if len(s.prefix) > 0 {
		if _, err := w.Write(s.prefix); err != nil {
			return export.Result{}, err
		}
	}
	return export.Result{}, s.err
}

func TestExportFailureBeforeFirstByte(t *testing.T) {
	router := newRouterFor(stubExport{err: dErrors.Wrap(errors.New("db down"), dErrors.CodeInternal, "export failed")})

	rec := testutil.DoRequest(router, testutil.NewRequest(t, http.MethodGet, "/api/files/export"))

	testutil.AssertStatusAndError(t, rec, http.StatusInternalServerError, string(dErrors.CodeInternal))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Empty(t, rec.Header().Get("Content-Disposition"))
}

func TestExportFailureAfterFirstByteAbortsResponse(t *testing.T) {
	router := newRouterFor(stubExport{
		prefix: []byte("PK\x03\x04"),
		err:    dErrors.Wrap(errors.New("connection reset"), dErrors.CodeInternal, "export failed"),
	})

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		testutil.DoRequest(router, testutil.NewRequest(t, http.MethodGet, "/api/files/export"))
	})
}

func TestRecordResponsesFromSummaries(t *testing.T) {
	out := toRecordResponses([]models.Summary{
		{ID: "a b", AttachmentAvailable: true, AttachmentMimeType: "image/jpeg"},
		{ID: "c"},
	})
	require.Len(t, out, 2)
	assert.Equal(t, "/api/files/a%20b/attachment", *out[0].AttachmentURL)
	assert.Equal(t, "image/jpeg", *out[0].AttachmentMimeType)
	assert.Nil(t, out[1].AttachmentURL)
	assert.Nil(t, out[1].AttachmentMimeType)
	assert.Equal(t, "", out[1].Date)
	assert.Contains(t, testutil.MustMarshal(t, out[1]), `"attachmentUrl":null`)
}

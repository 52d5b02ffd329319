package handler_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/clickmodel/internal/auth"
	"github.com/sakif/clickmodel/internal/handler"
)

// pngHeader is enough for http.DetectContentType to say image/png.
var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01")

func uploadRequest(t *testing.T, field string, data []byte, userID string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, "photo.png")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/uploads", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if userID != "" {
		req = req.WithContext(auth.WithUserID(req.Context(), userID))
	}
	return req
}

func TestHandleUpload(t *testing.T) {
	up := &fakeUploader{url: "https://cdn.example.com/uploads/user-1/a.png"}
	h := handler.NewUploadHandler(up, testLogger())

	rr := httptest.NewRecorder()
	h.HandleUpload(rr, uploadRequest(t, "file", pngHeader, "user-1"))

	require.Equal(t, http.StatusCreated, rr.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Equal(t, "https://cdn.example.com/uploads/user-1/a.png", body["url"])
	assert.Equal(t, "user-1", up.gotOwner)
	assert.Equal(t, "image/png", up.gotType)
	assert.Equal(t, len(pngHeader), up.gotSize)
}

func TestHandleUpload_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		field  string
		data   []byte
		userID string
		status int
	}{
		{"anonymous", "file", pngHeader, "", http.StatusUnauthorized},
		{"wrong field", "image", pngHeader, "user-1", http.StatusBadRequest},
		{"empty file", "file", nil, "user-1", http.StatusBadRequest},
		{"not an image", "file", []byte("#!/bin/sh\necho hi\n"), "user-1", http.StatusBadRequest},
		{"too large", "file", append(append([]byte{}, pngHeader...), make([]byte, handler.MaxUploadSize)...), "user-1", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &fakeUploader{}
			h := handler.NewUploadHandler(up, testLogger())

			rr := httptest.NewRecorder()
			h.HandleUpload(rr, uploadRequest(t, tt.field, tt.data, tt.userID))

			assert.Equal(t, tt.status, rr.Code)
			assert.Empty(t, up.gotOwner, "nothing is stored")
		})
	}
}

func TestHandleUpload_StorageFailure(t *testing.T) {
	up := &fakeUploader{err: errors.New("storage: put object: AccessDenied")}
	h := handler.NewUploadHandler(up, testLogger())

	rr := httptest.NewRecorder()
	h.HandleUpload(rr, uploadRequest(t, "file", pngHeader, "user-1"))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), "AccessDenied")
}

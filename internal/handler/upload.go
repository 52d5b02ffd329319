package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/sakif/clickmodel/internal/apperror"
	"github.com/sakif/clickmodel/internal/auth"
	"github.com/sakif/clickmodel/internal/storage"
)

// MaxUploadSize caps one image upload.
const MaxUploadSize = 10 << 20

// Uploader is satisfied by *storage.Uploader.
type Uploader interface {
	Upload(ctx context.Context, ownerID string, data []byte, contentType string) (string, error)
}

// UploadHandler stores garment and model photos so the provider can fetch
// them by URL.
type UploadHandler struct {
	uploader Uploader
	logger   *slog.Logger
}

func NewUploadHandler(uploader Uploader, logger *slog.Logger) *UploadHandler {
	return &UploadHandler{uploader: uploader, logger: logger}
}

// HandleUpload accepts one image in the multipart field "file".
//
// HTTP: POST /api/uploads
// Response: {"url": "https://..."}
//
// The content type is sniffed from the bytes; the client's claim is ignored.
func (h *UploadHandler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		WriteError(w, apperror.Unauthorized(""))
		return
	}

	// Leave room for the multipart framing around the file.
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize+(1<<20))
	file, _, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, apperror.ValidationFailed("file", "File is larger than 10 MB"))
			return
		}
		WriteError(w, apperror.ValidationFailed("file", "Missing file"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, MaxUploadSize+1))
	if err != nil {
		WriteError(w, apperror.ValidationFailed("file", "Could not read file"))
		return
	}
	if len(data) > MaxUploadSize {
		WriteError(w, apperror.ValidationFailed("file", "File is larger than 10 MB"))
		return
	}
	if len(data) == 0 {
		WriteError(w, apperror.ValidationFailed("file", "File is empty"))
		return
	}

	contentType := http.DetectContentType(data)
	if _, ok := storage.AllowedContentTypes[contentType]; !ok {
		WriteError(w, apperror.ValidationFailed("file", "Only PNG, JPEG and WebP images are accepted"))
		return
	}

	url, err := h.uploader.Upload(r.Context(), userID, data, contentType)
	if err != nil {
		h.logger.Error("upload failed",
			slog.String("userID", userID),
			slog.String("error", err.Error()))
		WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"url": url})
}

package handlers

import (
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/resellerhub/backend/internal/apperr"
	"github.com/resellerhub/backend/internal/middleware"
	"github.com/resellerhub/backend/internal/storage"
)

// Upload size caps per media kind.
const (
	MaxImageBytes = 5 << 20
	MaxVideoBytes = 50 << 20
)

// MediaHandler stores chat attachments and returns their public URL.
type MediaHandler struct {
	Storage     storage.Storage
	ImageBucket string
	VideoBucket string
	Logger      *slog.Logger
}

type mediaResponse struct {
	URL  string `json:"url"`
	Kind string `json:"kind"`
}

// --- POST /api/v1/media (multipart, field "file") ---

func (h *MediaHandler) Upload(w http.ResponseWriter, r *http.Request) {
	p := middleware.ProfileFromCtx(r.Context())
	if p == nil {
		apperr.Write(w, errUnauthorized)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, MaxVideoBytes+(1<<20))
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		apperr.Write(w, apperr.Wrap(apperr.Invalid, "invalid or oversized upload", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		apperr.Write(w, apperr.Wrap(apperr.Invalid, "file is required", err))
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	var bucket, kind string
	var limit int64
	switch {
	case strings.HasPrefix(contentType, "image/"):
		bucket, kind, limit = h.ImageBucket, "image", MaxImageBytes
	case strings.HasPrefix(contentType, "video/"):
		bucket, kind, limit = h.VideoBucket, "video", MaxVideoBytes
	default:
		apperr.Write(w, apperr.New(apperr.Invalid, "only images and videos are accepted"))
		return
	}
	if header.Size > limit {
		apperr.Write(w, apperr.New(apperr.Invalid, kind+" exceeds size limit"))
		return
	}

	path := p.ID.String() + "/" + uuid.NewString() + strings.ToLower(filepath.Ext(header.Filename))
	if err := h.Storage.Upload(r.Context(), bucket, path, file, contentType); err != nil {
		h.Logger.Error("media upload failed", "user_id", p.ID, "bucket", bucket, "error", err)
		apperr.Write(w, apperr.Wrap(apperr.ExternalFailure, "upload failed", err))
		return
	}
	writeJSON(w, http.StatusCreated, mediaResponse{URL: h.Storage.GetPublicURL(bucket, path), Kind: kind})
}

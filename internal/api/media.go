package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"bizinbox/internal/models"
	"bizinbox/internal/whatsapp"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxMediaSize = 16 << 20

var allowedMedia = []string{
	"image/jpeg", "image/png", "image/webp",
	"video/mp4", "video/3gpp",
	"audio/ogg", "audio/mpeg", "audio/aac", "audio/mp4",
	"application/pdf",
}

// MediaUploader stores a file with the provider and returns its media id.
type MediaUploader interface {
	UploadMedia(ctx context.Context, profile models.BusinessProfile, data []byte, mimeType, filename string) (string, error)
}

type MediaHandler struct {
	db       *gorm.DB
	uploader MediaUploader
	log      *zap.Logger
}

func NewMediaHandler(db *gorm.DB, uploader MediaUploader, log *zap.Logger) *MediaHandler {
	return &MediaHandler{db: db, uploader: uploader, log: log}
}

// UploadMedia handles media file uploads. The declared content type is
// ignored; the type is sniffed from the bytes.
func (h *MediaHandler) UploadMedia(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxMediaSize+1<<20)
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		fail(c, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxMediaSize+1))
	if err != nil {
		fail(c, http.StatusBadRequest, "failed to read file")
		return
	}
	if len(data) > maxMediaSize {
		fail(c, http.StatusRequestEntityTooLarge, "file exceeds 16MB")
		return
	}
	mime := mimetype.Detect(data)
	if !mimetype.EqualsAny(mime.String(), allowedMedia...) {
		fail(c, http.StatusUnsupportedMediaType, "unsupported media type "+mime.String())
		return
	}

	ctx := c.Request.Context()
	biz := businessID(c)
	var profile models.BusinessProfile
	if err := h.db.WithContext(ctx).First(&profile, "id = ?", biz).Error; err != nil {
		dbError(c, h.log, err, "profile")
		return
	}
	if profile.Provider == models.ProviderTwilio {
		fail(c, http.StatusBadRequest, "media upload requires a Meta business; send a media_url instead")
		return
	}

	mediaID, err := h.uploader.UploadMedia(ctx, profile, data, mime.String(), header.Filename)
	if errors.Is(err, whatsapp.ErrNotConfigured) {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.log.Warn("upload media", zap.String("business_id", biz), zap.Error(err))
		fail(c, http.StatusBadGateway, "failed to upload media")
		return
	}

	media := models.Media{
		BusinessID: biz,
		MediaID:    mediaID,
		Filename:   header.Filename,
		MimeType:   mime.String(),
		FileSize:   int64(len(data)),
	}
	if err := h.db.WithContext(ctx).Create(&media).Error; err != nil {
		internalError(c, h.log, err)
		return
	}
	ok(c, http.StatusCreated, "Media uploaded", gin.H{"media": media})
}

func (h *MediaHandler) ListMedia(c *gin.Context) {
	var media []models.Media
	if err := h.db.WithContext(c.Request.Context()).
		Where("business_id = ?", businessID(c)).
		Order("uploaded_at DESC").
		Limit(limitQuery(c, 50, 500)).
		Find(&media).Error; err != nil {
		internalError(c, h.log, err)
		return
	}
	ok(c, http.StatusOK, "", gin.H{"media": media})
}

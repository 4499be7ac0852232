package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"bizinbox/internal/contacts"
	"bizinbox/internal/models"
	"bizinbox/internal/whatsapp"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TemplateSource manages a business's message templates at the provider.
type TemplateSource interface {
	GetTemplates(ctx context.Context, profile models.BusinessProfile) ([]byte, error)
	DeleteTemplate(ctx context.Context, profile models.BusinessProfile, name string) error
}

type BroadcastHandler struct {
	db        *gorm.DB
	templates TemplateSource
	pub       Publisher
	log       *zap.Logger
}

func NewBroadcastHandler(db *gorm.DB, templates TemplateSource, pub Publisher, log *zap.Logger) *BroadcastHandler {
	return &BroadcastHandler{db: db, templates: templates, pub: pub, log: log}
}

// SyncTemplates fetches templates from Meta and stores them locally
func (h *BroadcastHandler) SyncTemplates(c *gin.Context) {
	ctx := c.Request.Context()
	biz := businessID(c)

	var profile models.BusinessProfile
	if err := h.db.WithContext(ctx).First(&profile, "id = ?", biz).Error; err != nil {
		dbError(c, h.log, err, "profile")
		return
	}
	if profile.Provider == models.ProviderTwilio {
		fail(c, http.StatusBadRequest, "template sync is only available for Meta businesses")
		return
	}

	raw, err := h.templates.GetTemplates(ctx, profile)
	if errors.Is(err, whatsapp.ErrNotConfigured) {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.log.Warn("fetch templates", zap.String("business_id", biz), zap.Error(err))
		fail(c, http.StatusBadGateway, "failed to fetch templates from Meta")
		return
	}

	templates := ParseTemplates(biz, raw)
	if len(templates) > 0 {
		err = h.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "language", "category", "status", "components"}),
		}).Create(&templates).Error
		if err != nil {
			internalError(c, h.log, err)
			return
		}
	}
	ok(c, http.StatusOK, "Templates synced", gin.H{"count": len(templates)})
}

// ParseTemplates reads the message_templates listing returned by the Graph API.
func ParseTemplates(businessID string, raw []byte) []models.Template {
	var out []models.Template
	gjson.GetBytes(raw, "data").ForEach(func(_, item gjson.Result) bool {
		id, name := item.Get("id").String(), item.Get("name").String()
		if id == "" || name == "" {
			return true
		}
		components := item.Get("components").Raw
		if components == "" {
			components = "[]"
		}
		out = append(out, models.Template{
			ID:         id,
			BusinessID: businessID,
			Name:       name,
			Language:   item.Get("language").String(),
			Category:   item.Get("category").String(),
			Status:     item.Get("status").String(),
			Components: components,
		})
		return true
	})
	return out
}

// GetTemplates returns stored templates from local database
func (h *BroadcastHandler) GetTemplates(c *gin.Context) {
	var templates []models.Template
	if err := h.db.WithContext(c.Request.Context()).
		Where("business_id = ?", businessID(c)).
		Order("name ASC").
		Find(&templates).Error; err != nil {
		internalError(c, h.log, err)
		return
	}
	ok(c, http.StatusOK, "", gin.H{"templates": templates})
}

// DeleteTemplate removes a template at Meta and from the local copy.
func (h *BroadcastHandler) DeleteTemplate(c *gin.Context) {
	ctx := c.Request.Context()
	biz, name := businessID(c), c.Param("name")

	var profile models.BusinessProfile
	if err := h.db.WithContext(ctx).First(&profile, "id = ?", biz).Error; err != nil {
		dbError(c, h.log, err, "profile")
		return
	}
	err := h.templates.DeleteTemplate(ctx, profile, name)
	var apiErr *whatsapp.APIError
	switch {
	case errors.Is(err, whatsapp.ErrNotConfigured):
		fail(c, http.StatusBadRequest, err.Error())
		return
	case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound:
	case err != nil:
		h.log.Warn("delete template", zap.String("business_id", biz), zap.String("name", name), zap.Error(err))
		fail(c, http.StatusBadGateway, "failed to delete template at Meta")
		return
	}

	if err := h.db.WithContext(ctx).Where("business_id = ? AND name = ?", biz, name).Delete(&models.Template{}).Error; err != nil {
		internalError(c, h.log, err)
		return
	}
	ok(c, http.StatusOK, "Template deleted", nil)
}

type broadcastRequest struct {
	TemplateName string   `json:"template_name" binding:"required"`
	Language     string   `json:"language"`
	Contacts     []string `json:"contacts"`
	Tag          string   `json:"tag"`
}

// SendBroadcast queues one template message per recipient. Recipients are
// the explicit contacts list, or every contact carrying tag.
func (h *BroadcastHandler) SendBroadcast(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Contacts) == 0 && req.Tag == "" {
		fail(c, http.StatusBadRequest, "contacts or tag is required")
		return
	}

	ctx := c.Request.Context()
	biz := businessID(c)

	recipients, invalid, err := h.recipients(ctx, biz, req)
	if err != nil {
		internalError(c, h.log, err)
		return
	}

	broadcastID := uuid.NewString()
	queued := 0
	for _, waID := range recipients {
		key := fmt.Sprintf("broadcast:%s:%s", broadcastID, waID)
		msg := models.Message{BusinessID: biz, Content: "[template]:" + req.TemplateName, IdempotencyKey: &key}
		created, err := enqueueMessage(ctx, h.db, &msg, models.OutboundPayload{
			To:           waID,
			Type:         "template",
			TemplateName: req.TemplateName,
			Language:     req.Language,
		})
		if err != nil {
			h.log.Error("queue broadcast message",
				zap.String("broadcast_id", broadcastID),
				zap.String("wa_id", waID),
				zap.Error(err))
			continue
		}
		if created {
			queued++
			h.pub.Publish(biz, "message.created", msg)
		}
	}

	h.log.Info("broadcast queued",
		zap.String("business_id", biz),
		zap.String("broadcast_id", broadcastID),
		zap.Int("queued", queued),
		zap.Int("invalid", len(invalid)))
	ok(c, http.StatusAccepted, "Broadcast queued", gin.H{
		"broadcast_id": broadcastID,
		"queued":       queued,
		"total":        len(recipients),
		"invalid":      invalid,
	})
}

// recipients resolves and deduplicates the broadcast audience. Numbers that
// fail normalization are returned separately.
func (h *BroadcastHandler) recipients(ctx context.Context, biz string, req broadcastRequest) ([]string, []string, error) {
	seen := map[string]bool{}
	recipients := []string{}
	invalid := []string{}
	add := func(raw string) {
		waID, _, err := contacts.Normalize(raw, "")
		if err != nil {
			invalid = append(invalid, strings.TrimSpace(raw))
			return
		}
		if !seen[waID] {
			seen[waID] = true
			recipients = append(recipients, waID)
		}
	}

	for _, raw := range req.Contacts {
		add(raw)
	}
	if req.Tag != "" {
		var rows []models.Contact
		if err := h.db.WithContext(ctx).Where("business_id = ?", biz).Order("wa_id ASC").Find(&rows).Error; err != nil {
			return nil, nil, err
		}
		for _, row := range rows {
			if contacts.HasTag(row.Tags, req.Tag) {
				add(row.WaID)
			}
		}
	}
	return recipients, invalid, nil
}

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"bizinbox/internal/contacts"
	"bizinbox/internal/delivery"
	"bizinbox/internal/models"
	"bizinbox/internal/outbox"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const idempotencyHeader = "Idempotency-Key"

// Publisher pushes realtime events to a tenant's dashboards.
type Publisher interface {
	Publish(businessID, eventType string, data interface{})
}

type InboxHandler struct {
	db  *gorm.DB
	pub Publisher
	log *zap.Logger
}

func NewInboxHandler(db *gorm.DB, pub Publisher, log *zap.Logger) *InboxHandler {
	return &InboxHandler{db: db, pub: pub, log: log}
}

type conversation struct {
	WaID        string          `json:"wa_id"`
	Name        string          `json:"name"`
	Unread      int64           `json:"unread"`
	LastMessage *models.Message `json:"last_message"`
}

// GetConversations lists one row per contact that has messages, most
// recent first.
func (h *InboxHandler) GetConversations(c *gin.Context) {
	ctx := c.Request.Context()
	biz := businessID(c)

	var rows []struct {
		ContactWaID string
		LastID      uint
		Unread      int64
	}
	err := h.db.WithContext(ctx).Model(&models.Message{}).
		Select("contact_wa_id, MAX(id) AS last_id, SUM(CASE WHEN direction = ? AND status = ? THEN 1 ELSE 0 END) AS unread",
			models.DirectionInbound, delivery.StatusReceived).
		Where("business_id = ?", biz).
		Group("contact_wa_id").
		Order("last_id DESC").
		Limit(limitQuery(c, 50, 200)).
		Scan(&rows).Error
	if err != nil {
		internalError(c, h.log, err)
		return
	}

	ids := make([]uint, 0, len(rows))
	waIDs := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.LastID)
		waIDs = append(waIDs, r.ContactWaID)
	}

	last := map[uint]models.Message{}
	names := map[string]string{}
	if len(rows) > 0 {
		var msgs []models.Message
		if err := h.db.WithContext(ctx).Where("id IN ?", ids).Find(&msgs).Error; err != nil {
			internalError(c, h.log, err)
			return
		}
		for _, m := range msgs {
			last[m.ID] = m
		}
		var cs []models.Contact
		if err := h.db.WithContext(ctx).Where("business_id = ? AND wa_id IN ?", biz, waIDs).Find(&cs).Error; err != nil {
			internalError(c, h.log, err)
			return
		}
		for _, ct := range cs {
			names[ct.WaID] = ct.Name
		}
	}

	list := make([]conversation, 0, len(rows))
	for _, r := range rows {
		conv := conversation{WaID: r.ContactWaID, Name: names[r.ContactWaID], Unread: r.Unread}
		if m, found := last[r.LastID]; found {
			conv.LastMessage = &m
		}
		list = append(list, conv)
	}
	ok(c, http.StatusOK, "", gin.H{"conversations": list})
}

// GetMessages returns a conversation in ascending order. ?before=<id> pages
// backwards.
func (h *InboxHandler) GetMessages(c *gin.Context) {
	q := h.db.WithContext(c.Request.Context()).
		Where("business_id = ? AND contact_wa_id = ?", businessID(c), c.Param("waId"))
	if before, err := strconv.ParseUint(c.Query("before"), 10, 64); err == nil && before > 0 {
		q = q.Where("id < ?", before)
	}

	var msgs []models.Message
	if err := q.Order("id DESC").Limit(limitQuery(c, 50, 500)).Find(&msgs).Error; err != nil {
		internalError(c, h.log, err)
		return
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	ok(c, http.StatusOK, "", gin.H{"messages": msgs})
}

// MarkRead marks the conversation's inbound messages as read by an agent.
func (h *InboxHandler) MarkRead(c *gin.Context) {
	biz, waID := businessID(c), c.Param("waId")
	res := h.db.WithContext(c.Request.Context()).Model(&models.Message{}).
		Where("business_id = ? AND contact_wa_id = ? AND direction = ? AND status = ?",
			biz, waID, models.DirectionInbound, delivery.StatusReceived).
		Updates(map[string]interface{}{
			"status":  delivery.StatusRead,
			"version": gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		internalError(c, h.log, res.Error)
		return
	}
	if res.RowsAffected > 0 {
		h.pub.Publish(biz, "conversation.read", gin.H{"wa_id": waID, "count": res.RowsAffected})
	}
	ok(c, http.StatusOK, "Conversation marked read", gin.H{"updated": res.RowsAffected})
}

type sendRequest struct {
	To       string `json:"to" binding:"required"`
	Type     string `json:"type" binding:"omitempty,oneof=text image template"`
	Text     string `json:"text"`
	MediaID  string `json:"media_id"`
	MediaURL string `json:"media_url"`
	Caption  string `json:"caption"`
	Template string `json:"template_name"`
	Language string `json:"language"`
}

func (r sendRequest) payload(waID string) (models.OutboundPayload, string, error) {
	p := models.OutboundPayload{To: waID, Type: r.Type}
	switch r.Type {
	case "", "text":
		if strings.TrimSpace(r.Text) == "" {
			return p, "", errors.New("text is required")
		}
		p.Type, p.Text = "text", r.Text
		return p, r.Text, nil
	case "image":
		if r.MediaID == "" && r.MediaURL == "" {
			return p, "", errors.New("media_id or media_url is required")
		}
		p.MediaID, p.MediaURL, p.Caption = r.MediaID, r.MediaURL, r.Caption
		return p, mediaContent(r.MediaID, r.MediaURL, r.Caption), nil
	default:
		if r.Template == "" {
			return p, "", errors.New("template_name is required")
		}
		p.TemplateName, p.Language = r.Template, r.Language
		return p, "[template]:" + r.Template, nil
	}
}

func mediaContent(id, url, caption string) string {
	ref := id
	if ref == "" {
		ref = url
	}
	content := "[image]:" + ref
	if caption != "" {
		content += ":" + caption
	}
	return content
}

// SendMessage queues an outbound message. A repeated Idempotency-Key
// returns the message created by the first request.
func (h *InboxHandler) SendMessage(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	waID, _, err := contacts.Normalize(req.To, "")
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	payload, content, err := req.payload(waID)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	h.enqueue(c, payload, content, c.GetHeader(idempotencyHeader))
}

func (h *InboxHandler) enqueue(c *gin.Context, payload models.OutboundPayload, content, key string) {
	biz := businessID(c)
	msg := models.Message{BusinessID: biz, Content: content}
	if key = strings.TrimSpace(key); key != "" {
		msg.IdempotencyKey = &key
	}

	created, err := enqueueMessage(c.Request.Context(), h.db, &msg, payload)
	if err != nil {
		internalError(c, h.log, err)
		return
	}
	if !created {
		ok(c, http.StatusOK, "Message already queued", gin.H{"message_record": msg})
		return
	}
	h.pub.Publish(biz, "message.created", msg)
	ok(c, http.StatusAccepted, "Message queued", gin.H{"message_record": msg})
}

// enqueueMessage records the contact and queues msg in one transaction.
func enqueueMessage(ctx context.Context, db *gorm.DB, msg *models.Message, payload models.OutboundPayload) (bool, error) {
	var created bool
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := contacts.Upsert(ctx, tx, msg.BusinessID, payload.To, ""); err != nil {
			return err
		}
		var err error
		created, err = outbox.Enqueue(ctx, tx, msg, payload)
		return err
	})
	return created, err
}

// ShareProduct sends a catalogue item into a conversation: a native product
// message when the business has a Meta catalogue, a text card otherwise.
func (h *InboxHandler) ShareProduct(c *gin.Context) {
	id, valid := uintParam(c, "id")
	if !valid {
		return
	}
	ctx := c.Request.Context()
	biz := businessID(c)

	var product models.Product
	if err := h.db.WithContext(ctx).Where("business_id = ? AND id = ? AND active = ?", biz, id, true).First(&product).Error; err != nil {
		dbError(c, h.log, err, "product")
		return
	}
	var profile models.BusinessProfile
	if err := h.db.WithContext(ctx).First(&profile, "id = ?", biz).Error; err != nil {
		dbError(c, h.log, err, "profile")
		return
	}

	waID, _, err := contacts.Normalize(c.Param("waId"), "")
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	card := ProductCard(product)
	payload := models.OutboundPayload{To: waID, Type: "product", Text: card}
	if profile.Provider != models.ProviderTwilio && profile.CatalogID != "" {
		payload.CatalogID = profile.CatalogID
		payload.ProductRetailerID = product.RetailerID
	} else {
		payload.Type = "text"
		if product.ImageURL != "" {
			payload.Type, payload.MediaURL, payload.Caption, payload.Text = "image", product.ImageURL, card, ""
		}
	}
	h.enqueue(c, payload, "[product]:"+product.Name, c.GetHeader(idempotencyHeader))
}

// ProductCard renders a product as plain text.
func ProductCard(p models.Product) string {
	card := fmt.Sprintf("%s - %s %.2f", p.Name, p.Currency, float64(p.PriceCents)/100)
	if p.Description != "" {
		card += "\n" + p.Description
	}
	return card
}

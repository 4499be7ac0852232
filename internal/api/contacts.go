package api

import (
	"encoding/csv"
	"net/http"
	"strings"
	"time"

	"bizinbox/internal/contacts"
	"bizinbox/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ContactHandler struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewContactHandler(db *gorm.DB, log *zap.Logger) *ContactHandler {
	return &ContactHandler{db: db, log: log}
}

type contactView struct {
	WaID      string    `json:"wa_id"`
	Name      string    `json:"name"`
	Country   string    `json:"country"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
}

func viewContact(c models.Contact) contactView {
	tags := contacts.DecodeTags(c.Tags)
	if tags == nil {
		tags = []string{}
	}
	return contactView{WaID: c.WaID, Name: c.Name, Country: c.Country, Tags: tags, CreatedAt: c.CreatedAt}
}

func (h *ContactHandler) query(c *gin.Context) *gorm.DB {
	q := h.db.WithContext(c.Request.Context()).Where("business_id = ?", businessID(c))
	if search := strings.TrimSpace(c.Query("q")); search != "" {
		like := "%" + strings.ToLower(search) + "%"
		q = q.Where("LOWER(name) LIKE ? OR wa_id LIKE ?", like, like)
	}
	return q.Order("created_at DESC")
}

func (h *ContactHandler) GetContacts(c *gin.Context) {
	var rows []models.Contact
	if err := h.query(c).Find(&rows).Error; err != nil {
		internalError(c, h.log, err)
		return
	}
	tag := c.Query("tag")
	list := make([]contactView, 0, len(rows))
	for _, row := range rows {
		if tag != "" && !contacts.HasTag(row.Tags, tag) {
			continue
		}
		list = append(list, viewContact(row))
	}
	ok(c, http.StatusOK, "", gin.H{"contacts": list})
}

type createContactRequest struct {
	WaID    string   `json:"wa_id" binding:"required"`
	Name    string   `json:"name"`
	Country string   `json:"country"`
	Tags    []string `json:"tags"`
}

func (h *ContactHandler) CreateContact(c *gin.Context) {
	var req createContactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	waID, country, err := contacts.Normalize(req.WaID, req.Country)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = waID
	}
	contact := models.Contact{
		BusinessID: businessID(c),
		WaID:       waID,
		Name:       name,
		Country:    country,
		Tags:       contacts.EncodeTags(req.Tags),
	}
	err = h.db.WithContext(c.Request.Context()).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "business_id"}, {Name: "wa_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "tags", "updated_at"}),
	}).Create(&contact).Error
	if err != nil {
		internalError(c, h.log, err)
		return
	}
	ok(c, http.StatusCreated, "Contact saved", gin.H{"contact": viewContact(contact)})
}

type updateContactRequest struct {
	Name *string   `json:"name"`
	Tags *[]string `json:"tags"`
}

func (h *ContactHandler) UpdateContact(c *gin.Context) {
	var req updateContactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	updates := map[string]interface{}{}
	if req.Name != nil {
		updates["name"] = strings.TrimSpace(*req.Name)
	}
	if req.Tags != nil {
		updates["tags"] = contacts.EncodeTags(*req.Tags)
	}
	if len(updates) == 0 {
		fail(c, http.StatusBadRequest, "nothing to update")
		return
	}

	ctx := c.Request.Context()
	res := h.db.WithContext(ctx).Model(&models.Contact{}).
		Where("business_id = ? AND wa_id = ?", businessID(c), c.Param("waId")).
		Updates(updates)
	if res.Error != nil {
		internalError(c, h.log, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		fail(c, http.StatusNotFound, "contact not found")
		return
	}
	var contact models.Contact
	if err := h.db.WithContext(ctx).Where("business_id = ? AND wa_id = ?", businessID(c), c.Param("waId")).First(&contact).Error; err != nil {
		dbError(c, h.log, err, "contact")
		return
	}
	ok(c, http.StatusOK, "Contact updated", gin.H{"contact": viewContact(contact)})
}

func (h *ContactHandler) DeleteContact(c *gin.Context) {
	res := h.db.WithContext(c.Request.Context()).
		Where("business_id = ? AND wa_id = ?", businessID(c), c.Param("waId")).
		Delete(&models.Contact{})
	if res.Error != nil {
		internalError(c, h.log, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		fail(c, http.StatusNotFound, "contact not found")
		return
	}
	ok(c, http.StatusOK, "Contact deleted", nil)
}

func (h *ContactHandler) ExportContacts(c *gin.Context) {
	var rows []models.Contact
	if err := h.query(c).Find(&rows).Error; err != nil {
		internalError(c, h.log, err)
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", "attachment; filename=contacts.csv")
	c.Status(http.StatusOK)

	w := csv.NewWriter(c.Writer)
	w.Write([]string{"WhatsApp ID", "Name", "Country", "Tags", "Created At"})
	for _, row := range rows {
		w.Write([]string{
			row.WaID,
			row.Name,
			row.Country,
			strings.Join(contacts.DecodeTags(row.Tags), ";"),
			row.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		h.log.Warn("write contacts csv", zap.Error(err))
	}
}

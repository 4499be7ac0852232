package api

import (
	"net/http"
	"strings"

	"bizinbox/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CatalogHandler struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewCatalogHandler(db *gorm.DB, log *zap.Logger) *CatalogHandler {
	return &CatalogHandler{db: db, log: log}
}

type productRequest struct {
	RetailerID  *string `json:"retailer_id"`
	Name        *string `json:"name"`
	Description *string `json:"description"`
	PriceCents  *int64  `json:"price_cents" binding:"omitempty,min=0"`
	Currency    *string `json:"currency" binding:"omitempty,len=3"`
	ImageURL    *string `json:"image_url" binding:"omitempty,url"`
	Active      *bool   `json:"active"`
}

func (r productRequest) apply(p *models.Product) {
	setIf(&p.RetailerID, r.RetailerID)
	setIf(&p.Name, r.Name)
	setIf(&p.Description, r.Description)
	setIf(&p.ImageURL, r.ImageURL)
	if r.Currency != nil {
		p.Currency = strings.ToUpper(strings.TrimSpace(*r.Currency))
	}
	if r.PriceCents != nil {
		p.PriceCents = *r.PriceCents
	}
	if r.Active != nil {
		p.Active = *r.Active
	}
}

func (h *CatalogHandler) ListProducts(c *gin.Context) {
	q := h.db.WithContext(c.Request.Context()).Where("business_id = ?", businessID(c))
	if c.Query("active") == "true" {
		q = q.Where("active = ?", true)
	}
	var products []models.Product
	if err := q.Order("name ASC").Find(&products).Error; err != nil {
		internalError(c, h.log, err)
		return
	}
	ok(c, http.StatusOK, "", gin.H{"products": products})
}

func (h *CatalogHandler) GetProduct(c *gin.Context) {
	id, valid := uintParam(c, "id")
	if !valid {
		return
	}
	var product models.Product
	if err := h.db.WithContext(c.Request.Context()).Where("business_id = ?", businessID(c)).First(&product, id).Error; err != nil {
		dbError(c, h.log, err, "product")
		return
	}
	ok(c, http.StatusOK, "", gin.H{"product": product})
}

func (h *CatalogHandler) CreateProduct(c *gin.Context) {
	var req productRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	product := models.Product{BusinessID: businessID(c), Currency: "USD", Active: true}
	req.apply(&product)
	if product.Name == "" || product.RetailerID == "" {
		fail(c, http.StatusBadRequest, "name and retailer_id are required")
		return
	}

	res := h.db.WithContext(c.Request.Context()).Clauses(clause.OnConflict{DoNothing: true}).Create(&product)
	if res.Error != nil {
		internalError(c, h.log, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		fail(c, http.StatusConflict, "retailer_id already exists")
		return
	}
	ok(c, http.StatusCreated, "Product created", gin.H{"product": product})
}

func (h *CatalogHandler) UpdateProduct(c *gin.Context) {
	id, valid := uintParam(c, "id")
	if !valid {
		return
	}
	var req productRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx := c.Request.Context()
	biz := businessID(c)
	var product models.Product
	if err := h.db.WithContext(ctx).Where("business_id = ?", biz).First(&product, id).Error; err != nil {
		dbError(c, h.log, err, "product")
		return
	}
	req.apply(&product)
	if product.Name == "" || product.RetailerID == "" {
		fail(c, http.StatusBadRequest, "name and retailer_id cannot be empty")
		return
	}

	var clash int64
	if err := h.db.WithContext(ctx).Model(&models.Product{}).
		Where("business_id = ? AND retailer_id = ? AND id <> ?", biz, product.RetailerID, product.ID).
		Count(&clash).Error; err != nil {
		internalError(c, h.log, err)
		return
	}
	if clash > 0 {
		fail(c, http.StatusConflict, "retailer_id already exists")
		return
	}

	if err := h.db.WithContext(ctx).Save(&product).Error; err != nil {
		internalError(c, h.log, err)
		return
	}
	ok(c, http.StatusOK, "Product updated", gin.H{"product": product})
}

func (h *CatalogHandler) DeleteProduct(c *gin.Context) {
	id, valid := uintParam(c, "id")
	if !valid {
		return
	}
	res := h.db.WithContext(c.Request.Context()).Where("business_id = ?", businessID(c)).Delete(&models.Product{}, id)
	if res.Error != nil {
		internalError(c, h.log, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		fail(c, http.StatusNotFound, "product not found")
		return
	}
	ok(c, http.StatusOK, "Product deleted", nil)
}

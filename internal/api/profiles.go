package api

import (
	"net/http"
	"strings"

	"bizinbox/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ProfileInvalidator drops cached tenant lookups after a profile changes.
type ProfileInvalidator interface {
	Invalidate(p models.BusinessProfile)
}

type ProfileHandler struct {
	db      *gorm.DB
	tenants ProfileInvalidator
	log     *zap.Logger
}

func NewProfileHandler(db *gorm.DB, tenants ProfileInvalidator, log *zap.Logger) *ProfileHandler {
	return &ProfileHandler{db: db, tenants: tenants, log: log}
}

type updateProfileRequest struct {
	Name             *string `json:"name"`
	Provider         *string `json:"provider" binding:"omitempty,oneof=meta twilio"`
	PhoneNumberID    *string `json:"phone_number_id"`
	WABAID           *string `json:"waba_id"`
	AccessToken      *string `json:"access_token"`
	TwilioAccountSID *string `json:"twilio_account_sid"`
	TwilioAuthToken  *string `json:"twilio_auth_token"`
	TwilioFrom       *string `json:"twilio_from"`
	NotifyEmail      *string `json:"notify_email" binding:"omitempty,email"`
	CatalogID        *string `json:"catalog_id"`
}

func (h *ProfileHandler) GetOwn(c *gin.Context) {
	h.get(c, businessID(c))
}

func (h *ProfileHandler) Get(c *gin.Context) {
	h.get(c, c.Param("id"))
}

func (h *ProfileHandler) get(c *gin.Context, id string) {
	var profile models.BusinessProfile
	if err := h.db.WithContext(c.Request.Context()).First(&profile, "id = ?", id).Error; err != nil {
		dbError(c, h.log, err, "profile")
		return
	}
	ok(c, http.StatusOK, "", gin.H{"profile": profile})
}

func (h *ProfileHandler) List(c *gin.Context) {
	var profiles []models.BusinessProfile
	if err := h.db.WithContext(c.Request.Context()).Order("created_at DESC").Find(&profiles).Error; err != nil {
		internalError(c, h.log, err)
		return
	}
	ok(c, http.StatusOK, "", gin.H{"profiles": profiles})
}

func (h *ProfileHandler) UpdateOwn(c *gin.Context) {
	var req updateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx := c.Request.Context()
	var profile models.BusinessProfile
	if err := h.db.WithContext(ctx).First(&profile, "id = ?", businessID(c)).Error; err != nil {
		dbError(c, h.log, err, "profile")
		return
	}
	before := profile

	if req.Name != nil {
		if strings.TrimSpace(*req.Name) == "" {
			fail(c, http.StatusBadRequest, "name cannot be empty")
			return
		}
		profile.Name = strings.TrimSpace(*req.Name)
	}
	if req.Provider != nil {
		profile.Provider = *req.Provider
	}
	if req.PhoneNumberID != nil {
		profile.PhoneNumberID = optional(*req.PhoneNumberID)
	}
	if req.TwilioAccountSID != nil {
		profile.TwilioAccountSID = optional(*req.TwilioAccountSID)
	}
	setIf(&profile.WABAID, req.WABAID)
	setIf(&profile.AccessToken, req.AccessToken)
	setIf(&profile.TwilioAuthToken, req.TwilioAuthToken)
	setIf(&profile.TwilioFrom, req.TwilioFrom)
	setIf(&profile.NotifyEmail, req.NotifyEmail)
	setIf(&profile.CatalogID, req.CatalogID)

	if taken, err := h.routingKeyTaken(c, profile); err != nil {
		internalError(c, h.log, err)
		return
	} else if taken != "" {
		fail(c, http.StatusConflict, taken+" is already bound to another business")
		return
	}

	if err := h.db.WithContext(ctx).Save(&profile).Error; err != nil {
		internalError(c, h.log, err)
		return
	}
	h.tenants.Invalidate(before)
	h.log.Info("business profile updated", zap.String("business_id", profile.ID))
	ok(c, http.StatusOK, "Profile updated", gin.H{"profile": profile})
}

// routingKeyTaken returns the name of a provider routing key that another
// business already uses.
func (h *ProfileHandler) routingKeyTaken(c *gin.Context, p models.BusinessProfile) (string, error) {
	check := func(column string, value *string) (bool, error) {
		if value == nil {
			return false, nil
		}
		var n int64
		err := h.db.WithContext(c.Request.Context()).Model(&models.BusinessProfile{}).
			Where(column+" = ? AND id <> ?", *value, p.ID).
			Count(&n).Error
		return n > 0, err
	}
	if taken, err := check("phone_number_id", p.PhoneNumberID); err != nil || taken {
		return "phone_number_id", err
	}
	if taken, err := check("twilio_account_sid", p.TwilioAccountSID); err != nil || taken {
		return "twilio_account_sid", err
	}
	return "", nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func setIf(dst *string, v *string) {
	if v != nil {
		*dst = strings.TrimSpace(*v)
	}
}

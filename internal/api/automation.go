package api

import (
	"encoding/json"
	"net/http"

	"bizinbox/internal/automation"
	"bizinbox/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type AutomationHandler struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewAutomationHandler(db *gorm.DB, log *zap.Logger) *AutomationHandler {
	return &AutomationHandler{db: db, log: log}
}

func (h *AutomationHandler) scoped(c *gin.Context) *gorm.DB {
	return h.db.WithContext(c.Request.Context()).Where("business_id = ?", businessID(c))
}

// GetRules returns all automation rules
func (h *AutomationHandler) GetRules(c *gin.Context) {
	var rules []models.AutomationRule
	if err := h.scoped(c).Order("priority DESC, created_at DESC").Find(&rules).Error; err != nil {
		internalError(c, h.log, err)
		return
	}
	ok(c, http.StatusOK, "", gin.H{"rules": rules})
}

// CreateRule creates a new automation rule
func (h *AutomationHandler) CreateRule(c *gin.Context) {
	var req struct {
		Name       string          `json:"name" binding:"required"`
		Priority   int             `json:"priority"`
		Enabled    *bool           `json:"enabled"`
		Conditions json.RawMessage `json:"conditions" binding:"required"`
		Actions    json.RawMessage `json:"actions" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := automation.ValidateRule(string(req.Conditions), string(req.Actions)); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	rule := models.AutomationRule{
		BusinessID: businessID(c),
		Name:       req.Name,
		Enabled:    req.Enabled == nil || *req.Enabled,
		Priority:   req.Priority,
		Conditions: string(req.Conditions),
		Actions:    string(req.Actions),
	}
	if err := h.db.WithContext(c.Request.Context()).Create(&rule).Error; err != nil {
		internalError(c, h.log, err)
		return
	}
	ok(c, http.StatusCreated, "Rule created successfully", gin.H{"rule": rule})
}

// UpdateRule updates an existing automation rule
func (h *AutomationHandler) UpdateRule(c *gin.Context) {
	id, valid := uintParam(c, "id")
	if !valid {
		return
	}
	var req struct {
		Name       string          `json:"name"`
		Priority   *int            `json:"priority"`
		Conditions json.RawMessage `json:"conditions"`
		Actions    json.RawMessage `json:"actions"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	var rule models.AutomationRule
	if err := h.scoped(c).First(&rule, id).Error; err != nil {
		dbError(c, h.log, err, "rule")
		return
	}
	if req.Name != "" {
		rule.Name = req.Name
	}
	if req.Priority != nil {
		rule.Priority = *req.Priority
	}
	if len(req.Conditions) > 0 {
		rule.Conditions = string(req.Conditions)
	}
	if len(req.Actions) > 0 {
		rule.Actions = string(req.Actions)
	}
	if err := automation.ValidateRule(rule.Conditions, rule.Actions); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.db.WithContext(c.Request.Context()).Save(&rule).Error; err != nil {
		internalError(c, h.log, err)
		return
	}
	ok(c, http.StatusOK, "Rule updated successfully", gin.H{"rule": rule})
}

// DeleteRule deletes an automation rule
func (h *AutomationHandler) DeleteRule(c *gin.Context) {
	id, valid := uintParam(c, "id")
	if !valid {
		return
	}
	res := h.scoped(c).Delete(&models.AutomationRule{}, id)
	if res.Error != nil {
		internalError(c, h.log, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		fail(c, http.StatusNotFound, "rule not found")
		return
	}
	ok(c, http.StatusOK, "Rule deleted successfully", nil)
}

// ToggleRule enables or disables a rule
func (h *AutomationHandler) ToggleRule(c *gin.Context) {
	id, valid := uintParam(c, "id")
	if !valid {
		return
	}
	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	res := h.scoped(c).Model(&models.AutomationRule{}).Where("id = ?", id).Update("enabled", *req.Enabled)
	if res.Error != nil {
		internalError(c, h.log, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		fail(c, http.StatusNotFound, "rule not found")
		return
	}
	ok(c, http.StatusOK, "Rule toggled successfully", gin.H{"enabled": *req.Enabled})
}

// GetLogs returns automation execution logs
func (h *AutomationHandler) GetLogs(c *gin.Context) {
	q := h.scoped(c)
	if rule := c.Query("rule_id"); rule != "" {
		q = q.Where("rule_id = ?", rule)
	}
	var logs []models.AutomationLog
	if err := q.Order("created_at DESC, id DESC").Limit(limitQuery(c, 50, 500)).Find(&logs).Error; err != nil {
		internalError(c, h.log, err)
		return
	}
	ok(c, http.StatusOK, "", gin.H{"logs": logs})
}

// GetAnalytics returns automation analytics
func (h *AutomationHandler) GetAnalytics(c *gin.Context) {
	var stats struct {
		TotalRules      int64 `json:"total_rules"`
		ActiveRules     int64 `json:"active_rules"`
		TotalExecutions int64 `json:"total_executions"`
		SuccessfulExecs int64 `json:"successful_executions"`
		FailedExecs     int64 `json:"failed_executions"`
	}

	counts := []struct {
		model interface{}
		where string
		args  []interface{}
		dst   *int64
	}{
		{&models.AutomationRule{}, "", nil, &stats.TotalRules},
		{&models.AutomationRule{}, "enabled = ?", []interface{}{true}, &stats.ActiveRules},
		{&models.AutomationLog{}, "", nil, &stats.TotalExecutions},
		{&models.AutomationLog{}, "success = ?", []interface{}{true}, &stats.SuccessfulExecs},
		{&models.AutomationLog{}, "success = ?", []interface{}{false}, &stats.FailedExecs},
	}
	for _, q := range counts {
		db := h.scoped(c).Model(q.model)
		if q.where != "" {
			db = db.Where(q.where, q.args...)
		}
		if err := db.Count(q.dst).Error; err != nil {
			internalError(c, h.log, err)
			return
		}
	}
	ok(c, http.StatusOK, "", gin.H{"analytics": stats})
}

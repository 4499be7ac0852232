package api

import (
	"errors"
	"net/http"

	"bizinbox/internal/auth"
	"bizinbox/internal/middleware"
	"bizinbox/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type AuthHandler struct {
	svc *auth.Service
	db  *gorm.DB
	log *zap.Logger
}

func NewAuthHandler(svc *auth.Service, db *gorm.DB, log *zap.Logger) *AuthHandler {
	return &AuthHandler{svc: svc, db: db, log: log}
}

type registerRequest struct {
	BusinessName string `json:"business_name" binding:"required"`
	Name         string `json:"name" binding:"required"`
	Email        string `json:"email" binding:"required,email"`
	Password     string `json:"password" binding:"required"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

func tokenPayload(pair auth.TokenPair) gin.H {
	return gin.H{
		"access_token":       pair.AccessToken,
		"refresh_token":      pair.RefreshToken,
		"access_expires_at":  pair.AccessExpiresAt,
		"refresh_expires_at": pair.RefreshExpiresAt,
	}
}

func (h *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	user, profile, pair, err := h.svc.Register(c.Request.Context(), auth.RegisterInput{
		BusinessName: req.BusinessName,
		Name:         req.Name,
		Email:        req.Email,
		Password:     req.Password,
	})
	switch {
	case errors.Is(err, auth.ErrEmailTaken):
		fail(c, http.StatusConflict, err.Error())
		return
	case errors.Is(err, auth.ErrWeakPassword):
		fail(c, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		internalError(c, h.log, err)
		return
	}
	ok(c, http.StatusCreated, "Business registered", gin.H{"user": user, "profile": profile, "tokens": tokenPayload(pair)})
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	user, pair, err := h.svc.Login(c.Request.Context(), req.Email, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		fail(c, http.StatusUnauthorized, err.Error())
		return
	}
	if err != nil {
		internalError(c, h.log, err)
		return
	}
	ok(c, http.StatusOK, "Logged in", gin.H{"user": user, "tokens": tokenPayload(pair)})
}

func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	pair, err := h.svc.Refresh(c.Request.Context(), req.RefreshToken)
	switch {
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrSessionRevoked), errors.Is(err, auth.ErrSessionExpired):
		fail(c, http.StatusUnauthorized, err.Error())
		return
	case err != nil:
		internalError(c, h.log, err)
		return
	}
	ok(c, http.StatusOK, "Session refreshed", gin.H{"tokens": tokenPayload(pair)})
}

func (h *AuthHandler) Logout(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.svc.Logout(c.Request.Context(), req.RefreshToken); err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			fail(c, http.StatusUnauthorized, err.Error())
			return
		}
		internalError(c, h.log, err)
		return
	}
	ok(c, http.StatusOK, "Logged out", nil)
}

// Me returns the caller and, for tenant users, their business profile.
func (h *AuthHandler) Me(c *gin.Context) {
	claims := middleware.Claims(c)
	var user models.User
	if err := h.db.WithContext(c.Request.Context()).First(&user, "id = ?", claims.UserID).Error; err != nil {
		dbError(c, h.log, err, "user")
		return
	}
	payload := gin.H{"user": user}
	if user.BusinessID != "" {
		var profile models.BusinessProfile
		if err := h.db.WithContext(c.Request.Context()).First(&profile, "id = ?", user.BusinessID).Error; err != nil {
			dbError(c, h.log, err, "profile")
			return
		}
		payload["profile"] = profile
	}
	ok(c, http.StatusOK, "", payload)
}

type inviteRequest struct {
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
	Role     string `json:"role"`
}

// InviteUser lets an owner add agents (or co-owners) to their business.
func (h *AuthHandler) InviteUser(c *gin.Context) {
	var req inviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.Role == "" {
		req.Role = models.RoleAgent
	}
	if req.Role == models.RoleAdmin {
		fail(c, http.StatusBadRequest, "admins cannot be invited into a business")
		return
	}
	h.createUser(c, businessID(c), req)
}

// CreateUser is the admin endpoint: it can create users for any business,
// or platform admins when business_id is empty.
func (h *AuthHandler) CreateUser(c *gin.Context) {
	var req struct {
		inviteRequest
		BusinessID string `json:"business_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	h.createUser(c, req.BusinessID, req.inviteRequest)
}

func (h *AuthHandler) createUser(c *gin.Context, businessID string, req inviteRequest) {
	user, err := h.svc.CreateUser(c.Request.Context(), businessID, auth.UserInput{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
		Role:     req.Role,
	})
	switch {
	case errors.Is(err, auth.ErrEmailTaken):
		fail(c, http.StatusConflict, err.Error())
		return
	case errors.Is(err, auth.ErrUnknownBusiness):
		fail(c, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, auth.ErrInvalidRole), errors.Is(err, auth.ErrWeakPassword):
		fail(c, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		internalError(c, h.log, err)
		return
	}
	ok(c, http.StatusCreated, "User created", gin.H{"user": user})
}

func (h *AuthHandler) ListUsers(c *gin.Context) {
	var users []models.User
	if err := h.db.WithContext(c.Request.Context()).
		Where("business_id = ?", businessID(c)).
		Order("created_at ASC").
		Find(&users).Error; err != nil {
		internalError(c, h.log, err)
		return
	}
	ok(c, http.StatusOK, "", gin.H{"users": users})
}

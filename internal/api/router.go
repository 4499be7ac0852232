package api

import (
	"net/http"

	"bizinbox/internal/auth"
	"bizinbox/internal/metrics"
	"bizinbox/internal/middleware"
	"bizinbox/internal/webhook"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Realtime is the websocket hub as seen by the HTTP layer.
type Realtime interface {
	Publisher
	ServeWs(w http.ResponseWriter, r *http.Request, businessID string)
}

// Deps carries everything the HTTP surface needs.
type Deps struct {
	DB        *gorm.DB
	Auth      *auth.Service
	Tenants   ProfileInvalidator
	Hub       Realtime
	Webhooks  *webhook.Handler
	Templates TemplateSource
	Media     MediaUploader
	Metrics   *metrics.Registry
	Log       *zap.Logger
}

func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(d.Log), middleware.Logger(d.Log), d.Metrics.Middleware(), middleware.CORS())

	r.GET("/healthz", func(c *gin.Context) {
		sqlDB, err := d.DB.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			fail(c, http.StatusServiceUnavailable, "database unavailable")
			return
		}
		ok(c, http.StatusOK, "healthy", nil)
	})
	r.GET("/metrics", d.Metrics.Handler())

	authHandler := NewAuthHandler(d.Auth, d.DB, d.Log)
	profileHandler := NewProfileHandler(d.DB, d.Tenants, d.Log)
	contactHandler := NewContactHandler(d.DB, d.Log)
	inboxHandler := NewInboxHandler(d.DB, d.Hub, d.Log)
	catalogHandler := NewCatalogHandler(d.DB, d.Log)
	broadcastHandler := NewBroadcastHandler(d.DB, d.Templates, d.Hub, d.Log)
	automationHandler := NewAutomationHandler(d.DB, d.Log)
	mediaHandler := NewMediaHandler(d.DB, d.Media, d.Log)

	// Webhook Routes
	if d.Webhooks != nil {
		for _, path := range []string{"/webhook", "/webhooks/whatsapp"} {
			r.GET(path, d.Webhooks.VerifyWebhook)
			r.POST(path, d.Webhooks.HandleMessage)
		}
		r.POST("/webhooks/twilio/status", d.Webhooks.HandleTwilioStatus)
		r.POST("/webhooks/twilio/inbound", d.Webhooks.HandleTwilioInbound)
	}

	r.GET("/ws", func(c *gin.Context) {
		claims, err := d.Auth.Tokens().ParseAccess(c.Query("token"))
		if err != nil {
			fail(c, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		if claims.BusinessID == "" {
			fail(c, http.StatusForbidden, "no business profile bound to this account")
			return
		}
		d.Hub.ServeWs(c.Writer, c.Request, claims.BusinessID)
	})

	authGroup := r.Group("/api/auth")
	{
		authGroup.POST("/register", authHandler.Register)
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/refresh", authHandler.Refresh)
		authGroup.POST("/logout", authHandler.Logout)
		authGroup.GET("/me", middleware.Authenticate(d.Auth.Tokens()), authHandler.Me)
	}

	apiGroup := r.Group("/api", middleware.Authenticate(d.Auth.Tokens()), middleware.RequireRoles(middleware.DefaultRules))

	admin := apiGroup.Group("/admin")
	{
		admin.GET("/profiles", profileHandler.List)
		admin.GET("/profiles/:id", profileHandler.Get)
		admin.POST("/users", authHandler.CreateUser)
	}

	business := apiGroup.Group("/business", middleware.RequireBusiness())
	{
		business.GET("/profile", profileHandler.GetOwn)
		business.PUT("/profile", profileHandler.UpdateOwn)
		business.GET("/users", authHandler.ListUsers)
		business.POST("/users", authHandler.InviteUser)

		// Catalog Routes
		business.GET("/catalog", catalogHandler.ListProducts)
		business.POST("/catalog", catalogHandler.CreateProduct)
		business.GET("/catalog/:id", catalogHandler.GetProduct)
		business.PUT("/catalog/:id", catalogHandler.UpdateProduct)
		business.DELETE("/catalog/:id", catalogHandler.DeleteProduct)

		// Broadcast Routes
		business.GET("/templates", broadcastHandler.GetTemplates)
		business.POST("/templates/sync", broadcastHandler.SyncTemplates)
		business.DELETE("/templates/:name", broadcastHandler.DeleteTemplate)
		business.POST("/broadcast", broadcastHandler.SendBroadcast)

		// Automation Routes
		business.GET("/automation/rules", automationHandler.GetRules)
		business.POST("/automation/rules", automationHandler.CreateRule)
		business.PUT("/automation/rules/:id", automationHandler.UpdateRule)
		business.DELETE("/automation/rules/:id", automationHandler.DeleteRule)
		business.POST("/automation/rules/:id/toggle", automationHandler.ToggleRule)
		business.GET("/automation/logs", automationHandler.GetLogs)
		business.GET("/automation/analytics", automationHandler.GetAnalytics)
	}

	inbox := apiGroup.Group("/inbox", middleware.RequireBusiness())
	{
		inbox.GET("/conversations", inboxHandler.GetConversations)
		inbox.GET("/conversations/:waId/messages", inboxHandler.GetMessages)
		inbox.POST("/conversations/:waId/read", inboxHandler.MarkRead)
		inbox.POST("/conversations/:waId/products/:id", inboxHandler.ShareProduct)
		inbox.POST("/messages", inboxHandler.SendMessage)
		inbox.GET("/catalog", catalogHandler.ListProducts)

		// CRM Routes
		inbox.GET("/contacts", contactHandler.GetContacts)
		inbox.POST("/contacts", contactHandler.CreateContact)
		inbox.GET("/contacts/export", contactHandler.ExportContacts)
		inbox.PUT("/contacts/:waId", contactHandler.UpdateContact)
		inbox.DELETE("/contacts/:waId", contactHandler.DeleteContact)

		inbox.GET("/media", mediaHandler.ListMedia)
		inbox.POST("/media", mediaHandler.UploadMedia)
	}

	return r
}

package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"bizinbox/internal/automation"
	"bizinbox/internal/contacts"
	"bizinbox/internal/delivery"
	"bizinbox/internal/metrics"
	"bizinbox/internal/models"
	"bizinbox/internal/tenant"
	"bizinbox/internal/twilio"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	signatureHeader   = "X-Hub-Signature-256"
	maxBodyBytes      = 1 << 20
	automationTimeout = 30 * time.Second
)

// TenantResolver maps provider routing keys to business profiles.
type TenantResolver interface {
	ByPhoneNumberID(ctx context.Context, phoneNumberID string) (models.BusinessProfile, error)
	ByTwilioAccount(ctx context.Context, accountSID string) (models.BusinessProfile, error)
}

type StatusApplier interface {
	Apply(ctx context.Context, u delivery.Update) (string, error)
}

type Automation interface {
	ProcessIncomingMessage(ctx context.Context, in automation.Incoming) error
}

type Publisher interface {
	Publish(businessID, eventType string, data interface{})
}

type Options struct {
	VerifyToken   string
	AppSecret     string
	PublicBaseURL string
}

type Handler struct {
	db         *gorm.DB
	tenants    TenantResolver
	statuses   StatusApplier
	automation Automation
	pub        Publisher
	metrics    *metrics.Registry
	log        *zap.Logger
	opts       Options
	validate   *validator.Validate

	wg sync.WaitGroup
}

func NewHandler(db *gorm.DB, tenants TenantResolver, statuses StatusApplier, engine Automation, pub Publisher, m *metrics.Registry, log *zap.Logger, opts Options) *Handler {
	return &Handler{
		db:         db,
		tenants:    tenants,
		statuses:   statuses,
		automation: engine,
		pub:        pub,
		metrics:    m,
		log:        log,
		opts:       opts,
		validate:   validator.New(),
	}
}

// Wait blocks until background automation runs have finished.
func (h *Handler) Wait() {
	h.wg.Wait()
}

func (h *Handler) VerifyWebhook(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode != "" && token != "" {
		if mode == "subscribe" && h.opts.VerifyToken != "" && token == h.opts.VerifyToken {
			h.log.Info("webhook verified")
			c.String(http.StatusOK, challenge)
		} else {
			c.Status(http.StatusForbidden)
		}
	} else {
		c.Status(http.StatusBadRequest)
	}
}

// ValidSignature checks a Meta X-Hub-Signature-256 header against body.
func ValidSignature(appSecret string, body []byte, header string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func (h *Handler) HandleMessage(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		c.Status(http.StatusRequestEntityTooLarge)
		return
	}
	if h.opts.AppSecret != "" && !ValidSignature(h.opts.AppSecret, body, c.GetHeader(signatureHeader)) {
		h.metrics.WebhookEvents.WithLabelValues(models.ProviderMeta, "batch", "bad_signature").Inc()
		h.log.Warn("rejected webhook with invalid signature", zap.String("remote", c.ClientIP()))
		c.Status(http.StatusUnauthorized)
		return
	}

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.log.Warn("invalid webhook body", zap.Error(err))
		c.Status(http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		h.log.Warn("webhook payload failed validation", zap.Error(err))
		c.Status(http.StatusBadRequest)
		return
	}

	if err := h.processPayload(c.Request.Context(), payload); err != nil {
		// Ingestion is idempotent, so a provider retry is safe.
		h.log.Error("webhook processing failed", zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handler) processPayload(ctx context.Context, payload Payload) error {
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "" && change.Field != "messages" {
				continue
			}
			value := change.Value
			profile, err := h.tenants.ByPhoneNumberID(ctx, value.Metadata.PhoneNumberID)
			if errors.Is(err, tenant.ErrNotFound) {
				h.metrics.WebhookEvents.WithLabelValues(models.ProviderMeta, "change", "unknown_tenant").Inc()
				h.log.Warn("webhook for unknown phone number", zap.String("phone_number_id", value.Metadata.PhoneNumberID))
				continue
			}
			if err != nil {
				return err
			}

			names := make(map[string]string, len(value.Contacts))
			for _, ct := range value.Contacts {
				names[ct.WaID] = ct.Profile.Name
			}

			for _, msg := range value.Messages {
				err := h.storeInbound(ctx, profile, models.ProviderMeta, Inbound{
					WaID:              msg.From,
					Name:              names[msg.From],
					ProviderMessageID: msg.ID,
					Type:              msg.Type,
					Content:           msg.Content(),
					At:                unixTime(msg.Timestamp),
				})
				if err != nil {
					return err
				}
			}

			for _, st := range value.Statuses {
				status, err := delivery.MapMetaStatus(st.Status)
				if err != nil {
					h.metrics.WebhookEvents.WithLabelValues(models.ProviderMeta, "status", "ignored").Inc()
					h.log.Debug("ignoring status", zap.String("status", st.Status))
					continue
				}
				u := delivery.Update{
					BusinessID:        profile.ID,
					Provider:          models.ProviderMeta,
					ProviderMessageID: st.ID,
					Status:            status,
					OccurredAt:        unixTime(st.Timestamp),
				}
				if len(st.Errors) > 0 {
					u.ErrorCode = strconv.Itoa(st.Errors[0].Code)
					u.ErrorMessage = st.Errors[0].Title
					if st.Errors[0].Message != "" {
						u.ErrorMessage = st.Errors[0].Message
					}
				}
				if err := h.applyStatus(ctx, u); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// HandleTwilioStatus receives Twilio StatusCallback requests.
func (h *Handler) HandleTwilioStatus(c *gin.Context) {
	profile, ok := h.twilioTenant(c)
	if !ok {
		return
	}
	form := c.Request.PostForm

	status, err := delivery.MapTwilioStatus(form.Get("MessageStatus"))
	if err != nil {
		h.metrics.WebhookEvents.WithLabelValues(models.ProviderTwilio, "status", "ignored").Inc()
		c.Status(http.StatusOK)
		return
	}
	u := delivery.Update{
		BusinessID:        profile.ID,
		Provider:          models.ProviderTwilio,
		ProviderMessageID: form.Get("MessageSid"),
		Status:            status,
		ErrorCode:         form.Get("ErrorCode"),
		ErrorMessage:      form.Get("ErrorMessage"),
	}
	if u.ProviderMessageID == "" {
		c.Status(http.StatusBadRequest)
		return
	}
	if err := h.applyStatus(c.Request.Context(), u); err != nil {
		h.log.Error("twilio status processing failed", zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusOK)
}

// HandleTwilioInbound receives messages sent to a Twilio WhatsApp sender.
func (h *Handler) HandleTwilioInbound(c *gin.Context) {
	profile, ok := h.twilioTenant(c)
	if !ok {
		return
	}
	form := c.Request.PostForm

	waID, _, err := contacts.Normalize(form.Get("From"), "")
	if err != nil || form.Get("MessageSid") == "" {
		c.Status(http.StatusBadRequest)
		return
	}
	in := Inbound{
		WaID:              waID,
		Name:              form.Get("ProfileName"),
		ProviderMessageID: form.Get("MessageSid"),
		Type:              "text",
		Content:           form.Get("Body"),
		At:                time.Now(),
	}
	if n, _ := strconv.Atoi(form.Get("NumMedia")); n > 0 {
		kind := strings.SplitN(form.Get("MediaContentType0"), "/", 2)[0]
		if kind == "" || kind == "application" {
			kind = "document"
		}
		in.Type = kind
		in.Content = "[" + kind + "]:" + form.Get("MediaUrl0")
		if body := form.Get("Body"); body != "" {
			in.Content += ":" + body
		}
	}

	if err := h.storeInbound(c.Request.Context(), profile, models.ProviderTwilio, in); err != nil {
		h.log.Error("twilio inbound processing failed", zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, "text/xml; charset=utf-8", []byte("<Response></Response>"))
}

// twilioTenant resolves the tenant from AccountSid and checks the request
// signature with that tenant's auth token. It writes the response when it
// returns false.
func (h *Handler) twilioTenant(c *gin.Context) (models.BusinessProfile, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	if err := c.Request.ParseForm(); err != nil {
		c.Status(http.StatusBadRequest)
		return models.BusinessProfile{}, false
	}
	form := c.Request.PostForm

	profile, err := h.tenants.ByTwilioAccount(c.Request.Context(), form.Get("AccountSid"))
	if errors.Is(err, tenant.ErrNotFound) {
		h.metrics.WebhookEvents.WithLabelValues(models.ProviderTwilio, "request", "unknown_tenant").Inc()
		h.log.Warn("twilio callback for unknown account", zap.String("account_sid", form.Get("AccountSid")))
		c.Status(http.StatusOK)
		return profile, false
	}
	if err != nil {
		h.log.Error("resolve twilio tenant", zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return profile, false
	}

	if !twilio.ValidSignature(profile.TwilioAuthToken, h.requestURL(c), form, c.GetHeader(twilio.SignatureHeader)) {
		h.metrics.WebhookEvents.WithLabelValues(models.ProviderTwilio, "request", "bad_signature").Inc()
		h.log.Warn("rejected twilio callback with invalid signature", zap.String("business_id", profile.ID))
		c.Status(http.StatusForbidden)
		return profile, false
	}
	return profile, true
}

// requestURL reconstructs the URL Twilio signed.
func (h *Handler) requestURL(c *gin.Context) string {
	if h.opts.PublicBaseURL != "" {
		return strings.TrimRight(h.opts.PublicBaseURL, "/") + c.Request.URL.RequestURI()
	}
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return fmt.Sprintf("%s://%s%s", scheme, c.Request.Host, c.Request.URL.RequestURI())
}

// Inbound is a provider-neutral inbound message.
type Inbound struct {
	WaID              string
	Name              string
	ProviderMessageID string
	Type              string
	Content           string
	At                time.Time
}

// storeInbound records an inbound message once per provider message id,
// then notifies dashboards and runs automations.
func (h *Handler) storeInbound(ctx context.Context, profile models.BusinessProfile, provider string, in Inbound) error {
	if err := contacts.Upsert(ctx, h.db, profile.ID, in.WaID, in.Name); err != nil {
		return err
	}

	at := in.At
	providerID := in.ProviderMessageID
	msg := models.Message{
		BusinessID:        profile.ID,
		ContactWaID:       in.WaID,
		Direction:         models.DirectionInbound,
		Type:              in.Type,
		Content:           in.Content,
		Status:            delivery.StatusReceived,
		ProviderMessageID: &providerID,
		StatusAt:          &at,
		Version:           1,
	}
	res := h.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&msg)
	if res.Error != nil {
		return fmt.Errorf("store inbound message: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		h.metrics.WebhookEvents.WithLabelValues(provider, "message", "duplicate").Inc()
		h.log.Debug("duplicate inbound message", zap.String("provider_message_id", providerID))
		return nil
	}
	h.metrics.WebhookEvents.WithLabelValues(provider, "message", "stored").Inc()
	h.log.Info("inbound message",
		zap.String("business_id", profile.ID),
		zap.String("wa_id", in.WaID),
		zap.String("type", in.Type))

	if h.pub != nil {
		h.pub.Publish(profile.ID, "message.created", msg)
	}

	if h.automation != nil && in.Type == "text" {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), automationTimeout)
			defer cancel()
			err := h.automation.ProcessIncomingMessage(actx, automation.Incoming{
				BusinessID:  profile.ID,
				WaID:        in.WaID,
				ContactName: in.Name,
				Content:     in.Content,
			})
			if err != nil {
				h.log.Warn("automation failed", zap.String("business_id", profile.ID), zap.Error(err))
			}
		}()
	}
	return nil
}

func (h *Handler) applyStatus(ctx context.Context, u delivery.Update) error {
	outcome, err := h.statuses.Apply(ctx, u)
	if err != nil {
		return err
	}
	h.metrics.WebhookEvents.WithLabelValues(u.Provider, "status", outcome).Inc()
	return nil
}

func unixTime(ts string) time.Time {
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || sec <= 0 {
		return time.Now()
	}
	return time.Unix(sec, 0)
}

package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"bizinbox/internal/auth"
	"bizinbox/internal/contacts"
	"bizinbox/internal/database"
	"bizinbox/internal/delivery"
	"bizinbox/internal/metrics"
	"bizinbox/internal/models"
	"bizinbox/internal/tenant"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type hubStub struct {
	mu     sync.Mutex
	events []string
}

func (h *hubStub) Publish(businessID, eventType string, _ interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, businessID+":"+eventType)
}

func (h *hubStub) ServeWs(w http.ResponseWriter, _ *http.Request, _ string) {
	w.WriteHeader(http.StatusNoContent)
}

type graphStub struct {
	templates []byte
	deleted   []string
	uploads   int
}

func (g *graphStub) GetTemplates(context.Context, models.BusinessProfile) ([]byte, error) {
	return g.templates, nil
}

func (g *graphStub) DeleteTemplate(_ context.Context, _ models.BusinessProfile, name string) error {
	g.deleted = append(g.deleted, name)
	return nil
}

func (g *graphStub) UploadMedia(context.Context, models.BusinessProfile, []byte, string, string) (string, error) {
	g.uploads++
	return "media-1", nil
}

type fixture struct {
	t      *testing.T
	db     *gorm.DB
	hub    *hubStub
	graph  *graphStub
	router *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := database.OpenTest(t)
	log := zap.NewNop()

	issuer := auth.NewTokenIssuer("test-secret", 30*time.Minute, 14*24*time.Hour)
	hub := &hubStub{}
	graph := &graphStub{}
	r := NewRouter(Deps{
		DB:        db,
		Auth:      auth.NewService(db, issuer, log),
		Tenants:   tenant.NewDirectory(db, time.Minute),
		Hub:       hub,
		Templates: graph,
		Media:     graph,
		Metrics:   metrics.New(),
		Log:       log,
	})
	return &fixture{t: t, db: db, hub: hub, graph: graph, router: r}
}

func (f *fixture) do(method, path, token string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	f.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(f.t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

// register signs up a business and returns the owner's access token and
// the business id.
func (f *fixture) register(business, email string) (string, string) {
	f.t.Helper()
	w := f.do(http.MethodPost, "/api/auth/register", "", gin.H{
		"business_name": business,
		"name":          "Owner",
		"email":         email,
		"password":      "correct-horse",
	})
	require.Equal(f.t, http.StatusCreated, w.Code, w.Body.String())
	body := w.Body.String()
	return gjson.Get(body, "tokens.access_token").String(), gjson.Get(body, "profile.id").String()
}

func (f *fixture) login(email, password string) string {
	f.t.Helper()
	w := f.do(http.MethodPost, "/api/auth/login", "", gin.H{"email": email, "password": password})
	require.Equal(f.t, http.StatusOK, w.Code, w.Body.String())
	return gjson.Get(w.Body.String(), "tokens.access_token").String()
}

func TestAuthFlow(t *testing.T) {
	f := newFixture(t)
	token, biz := f.register("Acme Shoes", "owner@acme.test")
	require.NotEmpty(t, token)
	require.NotEmpty(t, biz)

	w := f.do(http.MethodPost, "/api/auth/register", "", gin.H{
		"business_name": "Other", "name": "X", "email": "owner@acme.test", "password": "correct-horse",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(http.MethodPost, "/api/auth/login", "", gin.H{"email": "owner@acme.test", "password": "wrong-password"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, gjson.Get(w.Body.String(), "ok").Bool())

	w = f.do(http.MethodPost, "/api/auth/login", "", gin.H{"email": "owner@acme.test", "password": "correct-horse"})
	require.Equal(t, http.StatusOK, w.Code)
	refresh := gjson.Get(w.Body.String(), "tokens.refresh_token").String()

	w = f.do(http.MethodGet, "/api/auth/me", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "owner", gjson.Get(w.Body.String(), "user.role").String())
	assert.Equal(t, biz, gjson.Get(w.Body.String(), "profile.id").String())

	w = f.do(http.MethodPost, "/api/auth/refresh", "", gin.H{"refresh_token": refresh})
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, gjson.Get(w.Body.String(), "tokens.access_token").String())

	w = f.do(http.MethodPost, "/api/auth/refresh", "", gin.H{"refresh_token": refresh})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRoleGating(t *testing.T) {
	f := newFixture(t)
	owner, _ := f.register("Acme", "owner@acme.test")

	w := f.do(http.MethodPost, "/api/business/users", owner, gin.H{
		"name": "Agent", "email": "agent@acme.test", "password": "agent-password",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "agent", gjson.Get(w.Body.String(), "user.role").String())

	agent := f.login("agent@acme.test", "agent-password")

	assert.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/api/business/profile", agent, nil).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/inbox/conversations", agent, nil).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/business/profile", owner, nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/api/admin/profiles", owner, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/inbox/conversations", "", nil).Code)

	w = f.do(http.MethodPost, "/api/business/users", owner, gin.H{
		"name": "Boss", "email": "boss@acme.test", "password": "boss-password", "role": "admin",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminCreateUserRequiresExistingBusiness(t *testing.T) {
	f := newFixture(t)
	_, biz := f.register("Acme", "owner@acme.test")

	svc := auth.NewService(f.db, auth.NewTokenIssuer("test-secret", time.Minute, time.Hour), zap.NewNop())
	_, err := svc.CreateUser(context.Background(), "", auth.UserInput{
		Name: "Root", Email: "root@platform.test", Password: "root-password", Role: models.RoleAdmin,
	})
	require.NoError(t, err)
	admin := f.login("root@platform.test", "root-password")

	w := f.do(http.MethodPost, "/api/admin/users", admin, gin.H{
		"name": "Ghost", "email": "ghost@acme.test", "password": "ghost-password", "role": "owner", "business_id": "no-such-business",
	})
	assert.Equal(t, http.StatusNotFound, w.Code, w.Body.String())

	w = f.do(http.MethodPost, "/api/admin/users", admin, gin.H{
		"name": "Second", "email": "second@acme.test", "password": "second-password", "role": "owner", "business_id": biz,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, biz, gjson.Get(w.Body.String(), "user.business_id").String())
}

func TestSendMessageIsIdempotent(t *testing.T) {
	f := newFixture(t)
	token, biz := f.register("Acme", "owner@acme.test")
	body := gin.H{"to": "+1 555 123 4567", "text": "hello"}

	first := f.do(http.MethodPost, "/api/inbox/messages", token, body, idempotencyHeader, "req-1")
	require.Equal(t, http.StatusAccepted, first.Code, first.Body.String())
	id := gjson.Get(first.Body.String(), "message_record.id").Int()
	assert.Equal(t, "pending", gjson.Get(first.Body.String(), "message_record.status").String())

	again := f.do(http.MethodPost, "/api/inbox/messages", token, body, idempotencyHeader, "req-1")
	require.Equal(t, http.StatusOK, again.Code, again.Body.String())
	assert.Equal(t, id, gjson.Get(again.Body.String(), "message_record.id").Int())

	var jobs int64
	require.NoError(t, f.db.Model(&models.OutboxJob{}).Count(&jobs).Error)
	assert.EqualValues(t, 1, jobs)

	other := f.do(http.MethodPost, "/api/inbox/messages", token, body, idempotencyHeader, "req-2")
	require.Equal(t, http.StatusAccepted, other.Code)
	require.NoError(t, f.db.Model(&models.OutboxJob{}).Count(&jobs).Error)
	assert.EqualValues(t, 2, jobs)

	waID, _, err := contacts.Normalize("+1 555 123 4567", "")
	require.NoError(t, err)
	var contact models.Contact
	require.NoError(t, f.db.Where("business_id = ? AND wa_id = ?", biz, waID).First(&contact).Error)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/inbox/messages", token, gin.H{"to": "+15551234567"}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/inbox/messages", token, gin.H{"to": "12", "text": "x"}).Code)

	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()
	assert.Equal(t, []string{biz + ":message.created", biz + ":message.created"}, f.hub.events)
}

func inbound(t *testing.T, db *gorm.DB, biz, waID, text string) {
	t.Helper()
	require.NoError(t, db.Create(&models.Message{
		BusinessID:  biz,
		ContactWaID: waID,
		Direction:   models.DirectionInbound,
		Type:        "text",
		Content:     text,
		Status:      delivery.StatusReceived,
		Version:     1,
	}).Error)
}

func TestConversations(t *testing.T) {
	f := newFixture(t)
	token, biz := f.register("Acme", "owner@acme.test")
	_, otherBiz := f.register("Globex", "owner@globex.test")

	require.NoError(t, contacts.Upsert(context.Background(), f.db, biz, "15550000001", "Ann"))
	inbound(t, f.db, biz, "15550000001", "hi")
	inbound(t, f.db, biz, "15550000001", "anyone there?")
	inbound(t, f.db, biz, "15550000002", "price?")
	inbound(t, f.db, otherBiz, "15550000003", "not yours")

	w := f.do(http.MethodGet, "/api/inbox/conversations", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	convs := gjson.Get(w.Body.String(), "conversations").Array()
	require.Len(t, convs, 2)
	assert.Equal(t, "15550000002", convs[0].Get("wa_id").String())
	assert.Equal(t, "15550000001", convs[1].Get("wa_id").String())
	assert.Equal(t, "Ann", convs[1].Get("name").String())
	assert.EqualValues(t, 2, convs[1].Get("unread").Int())
	assert.Equal(t, "anyone there?", convs[1].Get("last_message.content").String())

	w = f.do(http.MethodGet, "/api/inbox/conversations/15550000001/messages", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	msgs := gjson.Get(w.Body.String(), "messages").Array()
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Get("content").String())
	assert.Equal(t, "anyone there?", msgs[1].Get("content").String())

	w = f.do(http.MethodPost, "/api/inbox/conversations/15550000001/read", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, gjson.Get(w.Body.String(), "updated").Int())

	w = f.do(http.MethodGet, "/api/inbox/conversations", token, nil)
	assert.EqualValues(t, 0, gjson.Get(w.Body.String(), "conversations.1.unread").Int())
}

func TestContactsCRUDAndExport(t *testing.T) {
	f := newFixture(t)
	token, _ := f.register("Acme", "owner@acme.test")
	other, _ := f.register("Globex", "owner@globex.test")

	w := f.do(http.MethodPost, "/api/inbox/contacts", token, gin.H{
		"wa_id": "+44 20 7946 0958", "name": "Bob", "tags": []string{"vip", "vip", " lead "},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	waID := gjson.Get(w.Body.String(), "contact.wa_id").String()
	assert.Equal(t, []interface{}{"vip", "lead"}, gjson.Get(w.Body.String(), "contact.tags").Value())

	w = f.do(http.MethodPost, "/api/inbox/contacts", token, gin.H{"wa_id": "abc"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPut, "/api/inbox/contacts/"+waID, token, gin.H{"name": "Robert"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Robert", gjson.Get(w.Body.String(), "contact.name").String())

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPut, "/api/inbox/contacts/"+waID, other, gin.H{"name": "x"}).Code)

	w = f.do(http.MethodGet, "/api/inbox/contacts?tag=vip", token, nil)
	assert.Len(t, gjson.Get(w.Body.String(), "contacts").Array(), 1)
	w = f.do(http.MethodGet, "/api/inbox/contacts", other, nil)
	assert.Len(t, gjson.Get(w.Body.String(), "contacts").Array(), 0)

	w = f.do(http.MethodGet, "/api/inbox/contacts/export", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	records, err := csv.NewReader(strings.NewReader(w.Body.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "WhatsApp ID", records[0][0])
	assert.Equal(t, waID, records[1][0])
	assert.Equal(t, "Robert", records[1][1])
	assert.Equal(t, "vip;lead", records[1][3])

	assert.Equal(t, http.StatusOK, f.do(http.MethodDelete, "/api/inbox/contacts/"+waID, token, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/api/inbox/contacts/"+waID, token, nil).Code)
}

func TestBroadcastDeduplicatesRecipients(t *testing.T) {
	f := newFixture(t)
	token, biz := f.register("Acme", "owner@acme.test")

	w := f.do(http.MethodPost, "/api/business/broadcast", token, gin.H{
		"template_name": "spring_sale",
		"contacts":      []string{"+15551234567", "15551234567", "whatsapp:+15551234567", "+15557654321", "nope"},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	body := w.Body.String()
	assert.EqualValues(t, 2, gjson.Get(body, "queued").Int())
	assert.EqualValues(t, 2, gjson.Get(body, "total").Int())
	assert.Equal(t, []interface{}{"nope"}, gjson.Get(body, "invalid").Value())
	broadcastID := gjson.Get(body, "broadcast_id").String()
	require.NotEmpty(t, broadcastID)

	var msgs []models.Message
	require.NoError(t, f.db.Where("business_id = ?", biz).Order("id").Find(&msgs).Error)
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		require.NotNil(t, m.IdempotencyKey)
		assert.Equal(t, "broadcast:"+broadcastID+":"+m.ContactWaID, *m.IdempotencyKey)
		assert.Equal(t, "template", m.Type)
	}

	var job models.OutboxJob
	require.NoError(t, f.db.Where("message_id = ?", msgs[0].ID).First(&job).Error)
	var payload models.OutboundPayload
	require.NoError(t, json.Unmarshal([]byte(job.Payload), &payload))
	assert.Equal(t, "spring_sale", payload.TemplateName)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/business/broadcast", token, gin.H{"template_name": "x"}).Code)
}

func TestBroadcastByTag(t *testing.T) {
	f := newFixture(t)
	token, biz := f.register("Acme", "owner@acme.test")
	ctx := context.Background()
	require.NoError(t, contacts.Upsert(ctx, f.db, biz, "15550000001", "A"))
	require.NoError(t, contacts.Upsert(ctx, f.db, biz, "15550000002", "B"))
	require.NoError(t, contacts.AddTag(ctx, f.db, biz, "15550000001", "vip"))

	w := f.do(http.MethodPost, "/api/business/broadcast", token, gin.H{"template_name": "vip_offer", "tag": "vip"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.EqualValues(t, 1, gjson.Get(w.Body.String(), "queued").Int())
}

func TestTemplatesSync(t *testing.T) {
	f := newFixture(t)
	token, _ := f.register("Acme", "owner@acme.test")
	f.graph.templates = []byte(`{"data":[
		{"id":"t1","name":"hello_world","language":"en_US","category":"UTILITY","status":"APPROVED","components":[{"type":"BODY","text":"Hi"}]},
		{"id":"t2","name":"spring_sale","language":"en_US","status":"PENDING"},
		{"name":"missing_id"}
	],"paging":{}}`)

	w := f.do(http.MethodPost, "/api/business/templates/sync", token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 2, gjson.Get(w.Body.String(), "count").Int())

	f.graph.templates = []byte(`{"data":[{"id":"t2","name":"spring_sale","language":"en_US","status":"APPROVED"}]}`)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/business/templates/sync", token, nil).Code)

	w = f.do(http.MethodGet, "/api/business/templates", token, nil)
	templates := gjson.Get(w.Body.String(), "templates").Array()
	require.Len(t, templates, 2)
	assert.Equal(t, "hello_world", templates[0].Get("name").String())
	assert.JSONEq(t, `[{"type":"BODY","text":"Hi"}]`, templates[0].Get("components").String())
	assert.Equal(t, "APPROVED", templates[1].Get("status").String())

	require.Equal(t, http.StatusOK, f.do(http.MethodDelete, "/api/business/templates/spring_sale", token, nil).Code)
	assert.Equal(t, []string{"spring_sale"}, f.graph.deleted)
	w = f.do(http.MethodGet, "/api/business/templates", token, nil)
	assert.Len(t, gjson.Get(w.Body.String(), "templates").Array(), 1)
}

func TestCatalogAndShareProduct(t *testing.T) {
	f := newFixture(t)
	token, biz := f.register("Acme", "owner@acme.test")

	w := f.do(http.MethodPost, "/api/business/catalog", token, gin.H{
		"retailer_id": "SKU-1", "name": "Runner", "price_cents": 4999, "currency": "usd",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := gjson.Get(w.Body.String(), "product.id").String()
	assert.True(t, gjson.Get(w.Body.String(), "product.active").Bool())
	assert.Equal(t, "USD", gjson.Get(w.Body.String(), "product.currency").String())

	dup := f.do(http.MethodPost, "/api/business/catalog", token, gin.H{"retailer_id": "SKU-1", "name": "Again"})
	assert.Equal(t, http.StatusConflict, dup.Code)

	w = f.do(http.MethodPost, "/api/inbox/conversations/15551234567/products/"+id, token, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "[product]:Runner", gjson.Get(w.Body.String(), "message_record.content").String())

	var job models.OutboxJob
	require.NoError(t, f.db.Order("id DESC").First(&job).Error)
	var payload models.OutboundPayload
	require.NoError(t, json.Unmarshal([]byte(job.Payload), &payload))
	assert.Equal(t, "text", payload.Type)
	assert.Equal(t, "Runner - USD 49.99", payload.Text)

	require.NoError(t, f.db.Model(&models.BusinessProfile{}).Where("id = ?", biz).Update("catalog_id", "CAT-9").Error)
	w = f.do(http.MethodPost, "/api/inbox/conversations/15551234567/products/"+id, token, nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.NoError(t, f.db.Order("id DESC").First(&job).Error)
	require.NoError(t, json.Unmarshal([]byte(job.Payload), &payload))
	assert.Equal(t, "product", payload.Type)
	assert.Equal(t, "CAT-9", payload.CatalogID)
	assert.Equal(t, "SKU-1", payload.ProductRetailerID)

	w = f.do(http.MethodPut, "/api/business/catalog/"+id, token, gin.H{"active": false})
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, gjson.Get(w.Body.String(), "product.active").Bool())
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/inbox/conversations/15551234567/products/"+id, token, nil).Code)

	assert.Equal(t, http.StatusOK, f.do(http.MethodDelete, "/api/business/catalog/"+id, token, nil).Code)
}

func TestAutomationRules(t *testing.T) {
	f := newFixture(t)
	token, _ := f.register("Acme", "owner@acme.test")
	other, _ := f.register("Globex", "owner@globex.test")

	w := f.do(http.MethodPost, "/api/business/automation/rules", token, gin.H{
		"name":       "bad",
		"conditions": []gin.H{{"type": "keyword", "operator": "regex", "value": "("}},
		"actions":    []gin.H{{"type": "send_message", "params": gin.H{"message": "x"}}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/api/business/automation/rules", token, gin.H{
		"name":       "greeting",
		"priority":   5,
		"conditions": []gin.H{{"type": "keyword", "operator": "contains", "value": "hello"}},
		"actions":    []gin.H{{"type": "send_message", "params": gin.H{"message": "Hi {{contact_name}}"}}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := gjson.Get(w.Body.String(), "rule.id").String()
	assert.True(t, gjson.Get(w.Body.String(), "rule.enabled").Bool())

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/business/automation/rules/"+id+"/toggle", other, gin.H{"enabled": false}).Code)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/business/automation/rules/"+id+"/toggle", token, gin.H{"enabled": false}).Code)

	w = f.do(http.MethodGet, "/api/business/automation/analytics", token, nil)
	assert.EqualValues(t, 1, gjson.Get(w.Body.String(), "analytics.total_rules").Int())
	assert.EqualValues(t, 0, gjson.Get(w.Body.String(), "analytics.active_rules").Int())

	w = f.do(http.MethodGet, "/api/business/automation/rules", other, nil)
	assert.Len(t, gjson.Get(w.Body.String(), "rules").Array(), 0)

	assert.Equal(t, http.StatusOK, f.do(http.MethodDelete, "/api/business/automation/rules/"+id, token, nil).Code)
}

func TestMediaUploadSniffsType(t *testing.T) {
	f := newFixture(t)
	token, biz := f.register("Acme", "owner@acme.test")

	upload := func(name string, data []byte) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		part, err := mw.CreateFormFile("file", name)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
		require.NoError(t, mw.Close())

		req := httptest.NewRequest(http.MethodPost, "/api/inbox/media", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)
		return w
	}

	png := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...)
	w := upload("photo.jpg", png)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "image/png", gjson.Get(w.Body.String(), "media.mime_type").String())
	assert.Equal(t, "media-1", gjson.Get(w.Body.String(), "media.media_id").String())

	w = upload("notes.png", []byte("just some text"))
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
	assert.Equal(t, 1, f.graph.uploads)

	var stored models.Media
	require.NoError(t, f.db.Where("business_id = ?", biz).First(&stored).Error)
	assert.Equal(t, "photo.jpg", stored.Filename)
}

func TestProfileUpdateRejectsTakenPhoneNumber(t *testing.T) {
	f := newFixture(t)
	a, _ := f.register("Acme", "owner@acme.test")
	b, _ := f.register("Globex", "owner@globex.test")

	w := f.do(http.MethodPut, "/api/business/profile", a, gin.H{"phone_number_id": "1000", "access_token": "tok"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "1000", gjson.Get(w.Body.String(), "profile.phone_number_id").String())
	assert.False(t, gjson.Get(w.Body.String(), "profile.access_token").Exists())

	w = f.do(http.MethodPut, "/api/business/profile", b, gin.H{"phone_number_id": "1000"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHealthAndWebsocketAuth(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/ws?token=garbage", "", nil).Code)

	token, _ := f.register("Acme", "owner@acme.test")
	assert.Equal(t, http.StatusNoContent, f.do(http.MethodGet, "/ws?token="+token, "", nil).Code)

	w := f.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "bizinbox_http_requests_total")
}

package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bizinbox/internal/models"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"
)

var ErrNotConfigured = errors.New("whatsapp credentials not configured")

// APIError is a non-2xx Graph API response.
type APIError struct {
	StatusCode int
	Code       int64
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("graph api %d (code %d): %s", e.StatusCode, e.Code, e.Message)
}

// HTTPStatus lets retry logic classify the failure.
func (e *APIError) HTTPStatus() int {
	return e.StatusCode
}

type Client struct {
	BaseURL      string
	DefaultToken string
	HTTP         *http.Client
}

func NewClient(baseURL, defaultToken string) *Client {
	return &Client{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		DefaultToken: defaultToken,
		HTTP:         &http.Client{Timeout: 30 * time.Second},
	}
}

// --- Message Structures ---

type GenericMessage struct {
	MessagingProduct string          `json:"messaging_product"`
	RecipientType    string          `json:"recipient_type,omitempty"`
	To               string          `json:"to"`
	Type             string          `json:"type"`
	Text             *TextObj        `json:"text,omitempty"`
	Image            *MediaObj       `json:"image,omitempty"`
	Template         *TemplateObj    `json:"template,omitempty"`
	Interactive      *InteractiveObj `json:"interactive,omitempty"`
}

type TextObj struct {
	Body       string `json:"body"`
	PreviewUrl bool   `json:"preview_url,omitempty"`
}

type MediaObj struct {
	ID      string `json:"id,omitempty"`
	Link    string `json:"link,omitempty"`
	Caption string `json:"caption,omitempty"`
}

type TemplateObj struct {
	Name     string      `json:"name"`
	Language LanguageObj `json:"language"`
}

type LanguageObj struct {
	Code string `json:"code"`
}

type InteractiveObj struct {
	Type   string    `json:"type"`
	Body   *BodyObj  `json:"body,omitempty"`
	Action ActionObj `json:"action"`
}

type BodyObj struct {
	Text string `json:"text"`
}

type ActionObj struct {
	CatalogID         string `json:"catalog_id,omitempty"`
	ProductRetailerID string `json:"product_retailer_id,omitempty"`
}

// BuildMessage converts an outbox payload into the Cloud API request body.
func BuildMessage(p models.OutboundPayload) (GenericMessage, error) {
	msg := GenericMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               p.To,
		Type:             p.Type,
	}
	switch p.Type {
	case "text":
		if p.Text == "" {
			return msg, errors.New("text message without body")
		}
		msg.Text = &TextObj{Body: p.Text, PreviewUrl: strings.Contains(p.Text, "http")}
	case "template":
		if p.TemplateName == "" {
			return msg, errors.New("template message without name")
		}
		lang := p.Language
		if lang == "" {
			lang = "en_US"
		}
		msg.Template = &TemplateObj{Name: p.TemplateName, Language: LanguageObj{Code: lang}}
	case "image":
		if p.MediaID == "" && p.MediaURL == "" {
			return msg, errors.New("image message without media")
		}
		msg.Image = &MediaObj{ID: p.MediaID, Link: p.MediaURL, Caption: p.Caption}
	case "product":
		msg.Type = "interactive"
		msg.Interactive = &InteractiveObj{
			Type: "product",
			Action: ActionObj{
				CatalogID:         p.CatalogID,
				ProductRetailerID: p.ProductRetailerID,
			},
		}
		if p.Text != "" {
			msg.Interactive.Body = &BodyObj{Text: p.Text}
		}
	default:
		return msg, fmt.Errorf("unsupported message type %q", p.Type)
	}
	return msg, nil
}

// --- Helper Functions ---

func (c *Client) token(profile models.BusinessProfile) string {
	if profile.AccessToken != "" {
		return profile.AccessToken
	}
	return c.DefaultToken
}

func (c *Client) do(ctx context.Context, token, method, url string, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
		if parsed := gjson.GetBytes(respBody, "error"); parsed.Exists() {
			apiErr.Code = parsed.Get("code").Int()
			apiErr.Message = parsed.Get("message").String()
		}
		return respBody, apiErr
	}
	return respBody, nil
}

func (c *Client) sendJSON(ctx context.Context, token, method, url string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	return c.do(ctx, token, method, url, reader, "application/json")
}

// --- Messaging Methods ---

// Send delivers one outbound message and returns the wamid.
func (c *Client) Send(ctx context.Context, profile models.BusinessProfile, p models.OutboundPayload) (string, error) {
	if profile.PhoneNumberID == nil || *profile.PhoneNumberID == "" || c.token(profile) == "" {
		return "", backoff.Permanent(ErrNotConfigured)
	}
	if p.Type == "product" && p.CatalogID == "" {
		p.CatalogID = profile.CatalogID
	}
	msg, err := BuildMessage(p)
	if err != nil {
		return "", backoff.Permanent(err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.BaseURL, *profile.PhoneNumberID)
	resp, err := c.sendJSON(ctx, c.token(profile), http.MethodPost, url, msg)
	if err != nil {
		return "", err
	}
	id := gjson.GetBytes(resp, "messages.0.id").String()
	if id == "" {
		return "", fmt.Errorf("send response without message id: %s", resp)
	}
	return id, nil
}

// --- Media Methods ---

func (c *Client) UploadMedia(ctx context.Context, profile models.BusinessProfile, fileData []byte, mimeType, filename string) (string, error) {
	if profile.PhoneNumberID == nil || *profile.PhoneNumberID == "" {
		return "", ErrNotConfigured
	}
	url := fmt.Sprintf("%s/%s/media", c.BaseURL, *profile.PhoneNumberID)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("messaging_product", "whatsapp"); err != nil {
		return "", err
	}
	if err := writer.WriteField("type", mimeType); err != nil {
		return "", err
	}
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(fileData); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	resp, err := c.do(ctx, c.token(profile), http.MethodPost, url, body, writer.FormDataContentType())
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}
	id := gjson.GetBytes(resp, "id").String()
	if id == "" {
		return "", fmt.Errorf("upload response without id: %s", resp)
	}
	return id, nil
}

// --- Template Management Methods ---

// GetTemplates returns the raw message_templates listing for the account.
func (c *Client) GetTemplates(ctx context.Context, profile models.BusinessProfile) ([]byte, error) {
	if profile.WABAID == "" {
		return nil, ErrNotConfigured
	}
	url := fmt.Sprintf("%s/%s/message_templates?limit=250", c.BaseURL, profile.WABAID)
	return c.do(ctx, c.token(profile), http.MethodGet, url, nil, "")
}

func (c *Client) DeleteTemplate(ctx context.Context, profile models.BusinessProfile, name string) error {
	if profile.WABAID == "" {
		return ErrNotConfigured
	}
	endpoint := fmt.Sprintf("%s/%s/message_templates?name=%s", c.BaseURL, profile.WABAID, url.QueryEscape(name))
	_, err := c.do(ctx, c.token(profile), http.MethodDelete, endpoint, nil, "")
	return err
}

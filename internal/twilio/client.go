package twilio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bizinbox/internal/models"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"
)

var ErrNotConfigured = errors.New("twilio credentials not configured")

// APIError is a non-2xx response from the Twilio REST API.
type APIError struct {
	StatusCode int
	Code       int64
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twilio %d (code %d): %s", e.StatusCode, e.Code, e.Message)
}

func (e *APIError) HTTPStatus() int {
	return e.StatusCode
}

type Client struct {
	BaseURL       string
	StatusBaseURL string // public URL of this service, for StatusCallback
	HTTP          *http.Client
}

func NewClient(baseURL, publicBaseURL string) *Client {
	return &Client{
		BaseURL:       strings.TrimRight(baseURL, "/"),
		StatusBaseURL: strings.TrimRight(publicBaseURL, "/"),
		HTTP:          &http.Client{Timeout: 30 * time.Second},
	}
}

// Address formats a number as a Twilio WhatsApp address.
func Address(number string) string {
	number = strings.TrimPrefix(strings.TrimPrefix(number, "whatsapp:"), "+")
	return "whatsapp:+" + number
}

// FormValues builds the Messages.json form for a payload.
func FormValues(from string, p models.OutboundPayload) (url.Values, error) {
	form := url.Values{}
	form.Set("From", Address(from))
	form.Set("To", Address(p.To))

	switch p.Type {
	case "text":
		if p.Text == "" {
			return nil, errors.New("text message without body")
		}
		form.Set("Body", p.Text)
	case "image":
		if p.MediaURL == "" {
			return nil, errors.New("twilio image messages need a public media url")
		}
		form.Set("MediaUrl", p.MediaURL)
		if p.Caption != "" {
			form.Set("Body", p.Caption)
		}
	case "template":
		// Approved templates are Twilio Content resources.
		if p.TemplateName == "" {
			return nil, errors.New("template message without content sid")
		}
		form.Set("ContentSid", p.TemplateName)
	case "product":
		// No catalogue messages on Twilio; the caller supplies a text rendering.
		if p.Text == "" {
			return nil, errors.New("product message without text fallback")
		}
		form.Set("Body", p.Text)
	default:
		return nil, fmt.Errorf("unsupported message type %q", p.Type)
	}
	return form, nil
}

// Send posts one message and returns the Twilio message SID.
func (c *Client) Send(ctx context.Context, profile models.BusinessProfile, p models.OutboundPayload) (string, error) {
	if profile.TwilioAccountSID == nil || *profile.TwilioAccountSID == "" || profile.TwilioAuthToken == "" || profile.TwilioFrom == "" {
		return "", backoff.Permanent(ErrNotConfigured)
	}
	form, err := FormValues(profile.TwilioFrom, p)
	if err != nil {
		return "", backoff.Permanent(err)
	}
	if c.StatusBaseURL != "" {
		form.Set("StatusCallback", c.StatusBaseURL+"/webhooks/twilio/status")
	}

	sid := *profile.TwilioAccountSID
	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", c.BaseURL, url.PathEscape(sid))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(sid, profile.TwilioAuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	if resp.StatusCode >= 400 {
		return "", &APIError{
			StatusCode: resp.StatusCode,
			Code:       gjson.GetBytes(body, "code").Int(),
			Message:    gjson.GetBytes(body, "message").String(),
		}
	}
	msgSID := gjson.GetBytes(body, "sid").String()
	if msgSID == "" {
		return "", fmt.Errorf("twilio response without sid: %s", body)
	}
	return msgSID, nil
}

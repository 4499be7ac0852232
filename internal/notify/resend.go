package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const maxTries = 4

// Resend sends transactional email through the Resend HTTP API. A notifier
// without an API key logs and drops mail.
type Resend struct {
	APIKey         string
	From           string
	BaseURL        string
	HTTP           *http.Client
	InitialBackoff time.Duration

	log *zap.Logger
}

func NewResend(apiKey, from, baseURL string, log *zap.Logger) *Resend {
	return &Resend{
		APIKey:         apiKey,
		From:           from,
		BaseURL:        strings.TrimRight(baseURL, "/"),
		HTTP:           &http.Client{Timeout: 15 * time.Second},
		InitialBackoff: 500 * time.Millisecond,
		log:            log,
	}
}

type email struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

func (r *Resend) Notify(ctx context.Context, to, subject, html string) error {
	if r.APIKey == "" {
		r.log.Debug("email notifier disabled, dropping mail", zap.String("to", to), zap.String("subject", subject))
		return nil
	}
	body, err := json.Marshal(email{From: r.From, To: []string{to}, Subject: subject, HTML: html})
	if err != nil {
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.InitialBackoff

	id, err := backoff.Retry(ctx, func() (string, error) {
		return r.post(ctx, body)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(maxTries))
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	r.log.Info("email sent", zap.String("to", to), zap.String("email_id", id))
	return nil
}

func (r *Resend) post(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+r.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", fmt.Errorf("resend returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return "", backoff.Permanent(fmt.Errorf("resend returned %d: %s", resp.StatusCode, gjson.GetBytes(raw, "message").String()))
	}
	return gjson.GetBytes(raw, "id").String(), nil
}

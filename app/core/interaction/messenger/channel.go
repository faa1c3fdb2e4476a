package messenger

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const defaultAPIRoot = "https://graph.facebook.com/v17.0"

type Config struct {
	APIRoot string
	Timeout time.Duration
}

// Channel delivers replies through the Graph API send endpoint. The page
// access token travels per call, one process serves every configured page.
type Channel struct {
	cfg    Config
	client *http.Client
}

func NewChannel(cfg Config) *Channel {
	if strings.TrimSpace(cfg.APIRoot) == "" {
		cfg.APIRoot = defaultAPIRoot
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Channel{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *Channel) Send(ctx context.Context, recipientID, text, token string) error {
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return fmt.Errorf("messenger: recipient id is required")
	}
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("messenger: page access token is required")
	}
	if text == "" {
		return fmt.Errorf("messenger: message text is required")
	}

	payload, err := buildSendPayload(recipientID, text)
	if err != nil {
		return fmt.Errorf("messenger: build payload: %w", err)
	}

	endpoint := strings.TrimRight(c.cfg.APIRoot, "/") + "/me/messages?access_token=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("messenger: send to %s: %w", recipientID, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("messenger: api status=%d: %s", resp.StatusCode, apiErrorDetail(body))
	}
	if detail := apiErrorDetail(body); detail != "" {
		return fmt.Errorf("messenger: api error: %s", detail)
	}
	return nil
}

func buildSendPayload(recipientID, text string) ([]byte, error) {
	payload := []byte(`{}`)
	var err error
	if payload, err = sjson.SetBytes(payload, "recipient.id", recipientID); err != nil {
		return nil, err
	}
	if payload, err = sjson.SetBytes(payload, "message.text", text); err != nil {
		return nil, err
	}
	return sjson.SetBytes(payload, "messaging_type", "RESPONSE")
}

func apiErrorDetail(body []byte) string {
	errField := gjson.GetBytes(body, "error")
	if !errField.Exists() {
		return ""
	}
	message := errField.Get("message").String()
	code := errField.Get("code").Int()
	if message == "" {
		return strings.TrimSpace(errField.Raw)
	}
	return fmt.Sprintf("%s (code %d)", message, code)
}

package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultPlunkURL = "https://api.useplunk.com/v1/send"

// PlunkMailer sends transactional email through the Plunk API.
type PlunkMailer struct {
	APIKey string
	From   string
	APIURL string
	HTTP   *http.Client
}

func NewPlunkMailer(apiKey, from string) *PlunkMailer {
	return &PlunkMailer{
		APIKey: apiKey,
		From:   from,
		APIURL: defaultPlunkURL,
		HTTP:   &http.Client{Timeout: 10 * time.Second},
	}
}

type plunkSendBody struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	From    string `json:"from,omitempty"`
}

func (m *PlunkMailer) Send(ctx context.Context, to, subject, body string) error {
	if m.APIKey == "" {
		return fmt.Errorf("plunk not configured: set PLUNK_API_KEY")
	}
	b, err := json.Marshal(plunkSendBody{To: to, Subject: subject, Body: body, From: m.From})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.APIURL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.APIKey)

	resp, err := m.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("plunk send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// body usually carries the reason
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if len(msg) > 0 {
			return fmt.Errorf("plunk send failed: status=%d body=%s", resp.StatusCode, msg)
		}
		return fmt.Errorf("plunk send failed: status=%d", resp.StatusCode)
	}
	return nil
}

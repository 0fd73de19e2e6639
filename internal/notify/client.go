// Package notify предоставляет клиент канала взаимодействия с пользователями.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client инкапсулирует отправку сообщений в канал взаимодействия.
// Доставка — best effort: зафиксированный переход заказа не откатывается
// и не блокируется из-за неудачной отправки, поэтому клиент не ретраит.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type message struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

// NewClient создаёт клиент канала взаимодействия по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Send отправляет текстовое сообщение в указанный чат.
func (c *Client) Send(ctx context.Context, chatID int64, text string) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("notify client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(message{ChatID: chatID, Text: text})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}

// Package catalog предоставляет клиент сервиса каталога.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/ndmitriev/metroshop-system/internal/model"
)

// Client инкапсулирует HTTP-взаимодействие с сервисом каталога.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// SaleEvent описывает событие "продажа засчитана" по одному товару заказа.
// EventID позволяет потребителю отбрасывать дубликаты при повторной доставке.
type SaleEvent struct {
	EventID     string `json:"event_id"`
	OrderNumber string `json:"order_number"`
	ProductID   int64  `json:"product_id"`
	Quantity    int    `json:"quantity"`
}

// NewClient создаёт HTTP-клиент каталога по указанному адресу.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc,
	}
}

// CountSale отправляет каталогу события о засчитанных продажах по позициям
// подтверждённого заказа. Вызывается после фиксации перехода: неудача
// доставки не влияет на статус заказа.
func (c *Client) CountSale(ctx context.Context, order *model.Order) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("catalog client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	events := make([]SaleEvent, 0, len(order.Items))
	for _, it := range order.Items {
		events = append(events, SaleEvent{
			EventID:     uuid.NewString(),
			OrderNumber: order.Number,
			ProductID:   it.ProductID,
			Quantity:    it.Quantity,
		})
	}

	body, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}

	url := base + "/api/sales"
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}

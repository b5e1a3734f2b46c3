// Package groundcontrol предоставляет клиент внешнего сервиса доставки
// push-уведомлений об оплате инвойсов. Доставка — best effort: её сбой
// не влияет на состояние леджера.
package groundcontrol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client инкапсулирует HTTP-взаимодействие с сервисом уведомлений.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// SettledNotification — тело уведомления об оплаченном инвойсе.
type SettledNotification struct {
	Memo       string `json:"memo"`
	Preimage   string `json:"preimage"`
	Hash       string `json:"hash"`
	AmtPaidSat int64  `json:"amt_paid_sat"`
}

// NewClient создаёт HTTP-клиент для обращения к сервису уведомлений по указанному адресу.
func NewClient(baseURL string) *Client {
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 3
	httpClient.HTTPClient.Timeout = 5 * time.Second
	httpClient.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// InvoiceSettled отправляет уведомление об оплате инвойса.
func (c *Client) InvoiceSettled(ctx context.Context, n SettledNotification) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("groundcontrol client not configured")
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/lightningInvoiceGotSettled", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}

// Package payment initiates gateway payments and applies their verdicts.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type GatewayRequest struct {
	Handle      string          `json:"handle"`
	OrderID     int64           `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	Method      string          `json:"method"`
	Amount      decimal.Decimal `json:"amount"`
}

type GatewayResponse struct {
	TransactionID string `json:"transaction_id"`
	RedirectURL   string `json:"redirect_url,omitempty"`
}

type Gateway interface {
	Initiate(ctx context.Context, req GatewayRequest) (GatewayResponse, error)
}

// HTTPGateway posts the request as JSON to {baseURL}/payments.
type HTTPGateway struct {
	baseURL string
	client  *http.Client
}

func NewHTTPGateway(baseURL string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (g *HTTPGateway) Initiate(ctx context.Context, req GatewayRequest) (GatewayResponse, error) {
	var out GatewayResponse
	if err := postJSON(ctx, g.client, g.baseURL+"/payments", req, &out); err != nil {
		return GatewayResponse{}, err
	}
	if out.TransactionID == "" {
		return GatewayResponse{}, fmt.Errorf("gateway returned no transaction id")
	}
	return out, nil
}

func postJSON(ctx context.Context, client *http.Client, url string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.NewString())

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// SandboxGateway accepts every request without a network call. It is used
// when no gateway URL is configured.
type SandboxGateway struct{}

func (SandboxGateway) Initiate(ctx context.Context, req GatewayRequest) (GatewayResponse, error) {
	if err := ctx.Err(); err != nil {
		return GatewayResponse{}, err
	}
	return GatewayResponse{
		TransactionID: "sandbox-" + uuid.NewString(),
		RedirectURL:   "/payments/sandbox/" + req.Handle,
	}, nil
}

package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"settlement-service/internal/models"
	"settlement-service/internal/util"

	"go.uber.org/zap"
)

// Client wraps the external payment gateway's initialize and verify calls
// and authenticates inbound webhook deliveries.
type Client struct {
	baseURL       string
	secretKey     string
	webhookSecret string
	httpClient    *http.Client
	logger        *zap.Logger
}

// NewClient creates a new gateway client with a bounded call timeout
func NewClient(baseURL, secretKey, webhookSecret string, timeout time.Duration) *Client {
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		secretKey:     secretKey,
		webhookSecret: webhookSecret,
		httpClient:    &http.Client{Timeout: timeout},
		logger:        util.GetLogger(),
	}
}

// InitializeRequest carries the named, validated fields for starting a
// gateway transaction. Metadata is the only free-form part and is never
// interpreted locally.
type InitializeRequest struct {
	Email       string            `json:"email"`
	AmountMinor int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Reference   string            `json:"reference"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Validate rejects malformed requests at the boundary
func (r *InitializeRequest) Validate() error {
	if r.Email == "" || !strings.Contains(r.Email, "@") {
		return fmt.Errorf("%w: invalid email", models.ErrGatewayRejected)
	}
	if r.AmountMinor <= 0 {
		return fmt.Errorf("%w: amount must be positive", models.ErrGatewayRejected)
	}
	if r.Reference == "" {
		return fmt.Errorf("%w: reference required", models.ErrGatewayRejected)
	}
	if len(r.Currency) != 3 {
		return fmt.Errorf("%w: invalid currency code", models.ErrGatewayRejected)
	}
	return nil
}

// Initialization is the gateway's answer to a successful initialize call
type Initialization struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

// Verification is the gateway's read-only view of a transaction
type Verification struct {
	Status      string          `json:"status"`
	AmountMinor int64           `json:"amount"`
	Currency    string          `json:"currency"`
	PayerEmail  string          `json:"payer_email"`
	Raw         json.RawMessage `json:"-"`
}

// Gateway transaction statuses
const (
	VerifyStatusSuccess   = "success"
	VerifyStatusFailed    = "failed"
	VerifyStatusPending   = "pending"
	VerifyStatusAbandoned = "abandoned"
)

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// InitializeTransaction creates a pending transaction at the gateway and
// returns the redirect URL for the buyer's browser. Safe to retry with a
// fresh reference only.
func (c *Client) InitializeTransaction(ctx context.Context, req *InitializeRequest) (*Initialization, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() {
		util.GatewayRequestLatency.WithLabelValues("initialize").Observe(time.Since(start).Seconds())
	}()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal initialize request: %w", err)
	}

	data, err := c.do(ctx, http.MethodPost, "/transaction/initialize", bytes.NewReader(body), "initialize")
	if err != nil {
		return nil, err
	}

	var init Initialization
	if err := json.Unmarshal(data, &init); err != nil {
		return nil, fmt.Errorf("%w: malformed initialize response", models.ErrGatewayUnavailable)
	}

	c.logger.Info("Gateway transaction initialized",
		zap.String("reference", req.Reference),
		zap.Int64("amount_minor", req.AmountMinor))

	return &init, nil
}

// VerifyTransaction asks the gateway for the current outcome of a
// transaction. Read-only on the gateway side; callable arbitrarily often.
func (c *Client) VerifyTransaction(ctx context.Context, reference string) (*Verification, error) {
	start := time.Now()
	defer func() {
		util.GatewayRequestLatency.WithLabelValues("verify").Observe(time.Since(start).Seconds())
	}()

	data, err := c.do(ctx, http.MethodGet, "/transaction/verify/"+reference, nil, "verify")
	if err != nil {
		return nil, err
	}

	var payload struct {
		Status   string `json:"status"`
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
		Customer struct {
			Email string `json:"email"`
		} `json:"customer"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: malformed verify response", models.ErrGatewayUnavailable)
	}

	return &Verification{
		Status:      payload.Status,
		AmountMinor: payload.Amount,
		Currency:    payload.Currency,
		PayerEmail:  payload.Customer.Email,
		Raw:         data,
	}, nil
}

// AuthenticateWebhook checks the keyed MAC over the raw payload bytes.
// Returns false on any mismatch, missing secret, or malformed input; it
// never errors, and a false return means "reject, do not process".
func (c *Client) AuthenticateWebhook(payload []byte, providedSignature string) bool {
	if c.webhookSecret == "" || providedSignature == "" || len(payload) == 0 {
		return false
	}

	mac := hmac.New(sha512.New, []byte(c.webhookSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	provided := strings.ToLower(strings.TrimSpace(providedSignature))
	if len(provided) != len(expected) {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, operation string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build gateway request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		util.GatewayErrorsTotal.WithLabelValues(operation, "transport").Inc()
		return nil, fmt.Errorf("%w: %v", models.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		util.GatewayErrorsTotal.WithLabelValues(operation, "transport").Inc()
		return nil, fmt.Errorf("%w: %v", models.ErrGatewayUnavailable, err)
	}

	if resp.StatusCode >= 500 {
		util.GatewayErrorsTotal.WithLabelValues(operation, "server").Inc()
		return nil, fmt.Errorf("%w: gateway returned %d", models.ErrGatewayUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		util.GatewayErrorsTotal.WithLabelValues(operation, "client").Inc()
		return nil, fmt.Errorf("%w: gateway returned %d", models.ErrGatewayRejected, resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		util.GatewayErrorsTotal.WithLabelValues(operation, "decode").Inc()
		return nil, fmt.Errorf("%w: malformed gateway response", models.ErrGatewayUnavailable)
	}
	if !env.Status {
		util.GatewayErrorsTotal.WithLabelValues(operation, "rejected").Inc()
		return nil, fmt.Errorf("%w: %s", models.ErrGatewayRejected, env.Message)
	}

	return env.Data, nil
}

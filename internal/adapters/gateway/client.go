// Package gateway talks to the external payment network over HTTP.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/cinema-booking-engine/internal/domain"
	"github.com/robertarktes/cinema-booking-engine/internal/observability"
	"github.com/robertarktes/cinema-booking-engine/internal/payment"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// StatusError is a non-2xx answer from the gateway.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway responded %d: %s", e.Code, e.Body)
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	logger  observability.Logger
}

var _ payment.Gateway = (*Client)(nil)

func NewClient(baseURL, apiKey string, timeout time.Duration, logger observability.Logger) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "payment-gateway",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Rejections are answers, not outages.
		IsSuccessful: func(err error) bool {
			var se *StatusError
			return err == nil || (errors.As(err, &se) && se.Code < 500)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.GatewayBreakerState.WithLabelValues(name).Set(float64(to))
			logger.WithField("breaker", name).WithField("from", from.String()).WithField("to", to.String()).Warn("circuit breaker state changed")
		},
	})
	return c
}

type intentRequest struct {
	PaymentID string `json:"payment_id"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Method    string `json:"method"`
}

type intentResponse struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
}

type confirmResponse struct {
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
	FailureReason string `json:"failure_reason"`
}

func (c *Client) CreateIntent(ctx context.Context, req payment.IntentRequest) (payment.Intent, error) {
	var out intentResponse
	err := c.post(ctx, "/v1/payment_intents", req.PaymentID.String(), intentRequest{
		PaymentID: req.PaymentID.String(),
		Amount:    req.Amount.StringFixed(2),
		Currency:  req.Currency,
		Method:    strings.ToLower(string(req.Method)),
	}, &out)
	if err != nil {
		return payment.Intent{}, err
	}
	return payment.Intent{ID: out.ID, ClientSecret: out.ClientSecret}, nil
}

func (c *Client) Confirm(ctx context.Context, clientSecret string) (domain.ExternalResult, error) {
	var out confirmResponse
	err := c.post(ctx, "/v1/payment_intents/confirm", "", map[string]string{"client_secret": clientSecret}, &out)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return domain.ExternalResult{}, errors.Wrap(domain.ErrTransactionNotFound, "unknown client secret")
	}
	if err != nil {
		return domain.ExternalResult{}, err
	}
	switch out.Status {
	case "succeeded":
		return domain.ExternalResult{Succeeded: true, TransactionID: out.TransactionID}, nil
	case "failed", "canceled":
		return domain.ExternalResult{TransactionID: out.TransactionID, Reason: out.FailureReason}, nil
	default:
		return domain.ExternalResult{}, payment.ErrPending
	}
}

func (c *Client) Refund(ctx context.Context, transactionID string, amount decimal.Decimal) error {
	return c.post(ctx, "/v1/refunds", "refund-"+transactionID, map[string]string{
		"transaction_id": transactionID,
		"amount":         amount.StringFixed(2),
	}, nil)
}

func (c *Client) post(ctx context.Context, path, idempotencyKey string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	raw, err := c.breaker.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		if idempotencyKey != "" {
			req.Header.Set("Idempotency-Key", idempotencyKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 300 {
			return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
		}
		return data, nil
	})
	if err != nil {
		return errors.Wrapf(err, "gateway %s", path)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

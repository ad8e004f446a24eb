package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/enrollpay/internal/obs"
	"github.com/noah-isme/enrollpay/internal/resilience"
)

// Currency is the only currency the mobile-money operators settle in.
const Currency = "XAF"

// Breaker routes. Status polling runs on its own breaker so a degraded status
// endpoint cannot refuse new charges or cancels.
const (
	RouteCharge = "charge"
	RouteStatus = "status"
	RouteCancel = "cancel"
)

// HTTP talks to the gateway REST API.
type HTTP struct {
	BaseURL string
	APIKey  string
	Doer    resilience.HTTPClient
}

type chargeBody struct {
	CartID   string `json:"cart_id"`
	Phone    string `json:"phone"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Network  string `json:"network"`
	PromoID  string `json:"promo_id,omitempty"`
}

type chargeReply struct {
	Reference     string `json:"reference"`
	NeedsFallback bool   `json:"needs_fallback"`
	RedirectURL   string `json:"redirect_url"`
}

type statusReply struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

type errorReply struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ChargeDirect issues the direct debit. It is never retried by the transport
// because a retried charge could debit the wallet twice.
func (h HTTP) ChargeDirect(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	ctx, span := otel.Tracer("gateway.HTTP").Start(ctx, "Gateway.ChargeDirect")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.network", req.Network.String()),
		attribute.Int64("payment.amount", req.Amount),
	)

	result := "error"
	defer func() {
		if obs.PaymentChargeTotal != nil {
			obs.PaymentChargeTotal.WithLabelValues(strings.ToLower(req.Network.String()), result).Inc()
		}
	}()

	payload, err := json.Marshal(chargeBody{
		CartID:   req.CartID,
		Phone:    req.Phone,
		Amount:   req.Amount,
		Currency: Currency,
		Network:  strings.ToLower(req.Network.String()),
		PromoID:  req.PromoID,
	})
	if err != nil {
		return ChargeResult{}, err
	}
	var reply chargeReply
	if err := h.call(ctx, h.Doer.WithRoute(RouteCharge).WithAttempts(1), http.MethodPost, "/v1/charges", payload, &reply); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var gwErr *Error
		if errors.As(err, &gwErr) {
			result = "rejected"
		}
		return ChargeResult{}, err
	}
	result = "accepted"
	if reply.NeedsFallback {
		result = "fallback"
	}
	span.SetAttributes(attribute.String("payment.trx_reference", reply.Reference), attribute.Bool("payment.needs_fallback", reply.NeedsFallback))
	return ChargeResult{
		Reference:     strings.TrimSpace(reply.Reference),
		NeedsFallback: reply.NeedsFallback,
		RedirectURL:   strings.TrimSpace(reply.RedirectURL),
	}, nil
}

// CheckStatus returns the current transaction status.
func (h HTTP) CheckStatus(ctx context.Context, reference string) (Status, error) {
	ctx, span := otel.Tracer("gateway.HTTP").Start(ctx, "Gateway.CheckStatus")
	defer span.End()
	span.SetAttributes(attribute.String("payment.trx_reference", reference))

	var reply statusReply
	err := h.call(ctx, h.Doer.WithRoute(RouteStatus), http.MethodGet, "/v1/charges/"+url.PathEscape(reference), nil, &reply)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	status := ParseStatus(reply.Status)
	span.SetAttributes(attribute.String("payment.status", status.String()))
	return status, nil
}

// Cancel asks the gateway to abandon the transaction.
func (h HTTP) Cancel(ctx context.Context, reference string) error {
	ctx, span := otel.Tracer("gateway.HTTP").Start(ctx, "Gateway.Cancel")
	defer span.End()
	span.SetAttributes(attribute.String("payment.trx_reference", reference))
	err := h.call(ctx, h.Doer.WithRoute(RouteCancel), http.MethodPost, "/v1/charges/"+url.PathEscape(reference)+"/cancel", nil, nil)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (h HTTP) call(ctx context.Context, doer resilience.HTTPClient, method, path string, body []byte, out any) error {
	base := strings.TrimRight(strings.TrimSpace(h.BaseURL), "/")
	if base == "" {
		return errors.New("gateway: base url not configured")
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := strings.TrimSpace(h.APIKey); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := doer.Do(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrTransient, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound && method == http.MethodGet:
		return ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout:
		return fmt.Errorf("%w: %s", ErrTransient, resp.Status)
	case resp.StatusCode >= 400:
		var reply errorReply
		_ = json.Unmarshal(data, &reply)
		if reply.Message == "" {
			reply.Message = http.StatusText(resp.StatusCode)
		}
		return &Error{Code: reply.Code, Message: reply.Message, HTTPStatus: resp.StatusCode}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("gateway: decode response: %w", err)
	}
	return nil
}

// NewHTTPClient builds the traced *http.Client used by HTTP.
func NewHTTPClient(timeout time.Duration, transport http.RoundTripper) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(transport)}
}

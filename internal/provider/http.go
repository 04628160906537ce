package provider

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

	"github.com/mbd888/genforge/internal/circuitbreaker"
	"github.com/mbd888/genforge/internal/job"
	"github.com/mbd888/genforge/internal/retry"
)

const maxResponseBytes = 1 << 20

// HTTPConfig configures an HTTPProvider.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration // per request
	Retry   retry.Policy
	Breaker *circuitbreaker.Breaker
}

// HTTPProvider calls a JSON generation API:
//
//	POST {base}/v1/generations        {"module": ..., "input": {...}}
//	GET  {base}/v1/generations/{id}
//
// Both return a Result document. Transient failures are retried and counted
// against a per-operation circuit breaker.
type HTTPProvider struct {
	base    string
	apiKey  string
	client  *http.Client
	retry   retry.Policy
	breaker *circuitbreaker.Breaker
}

// NewHTTPProvider creates a provider client.
func NewHTTPProvider(cfg HTTPConfig) *HTTPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy
	}
	if cfg.Breaker == nil {
		cfg.Breaker = circuitbreaker.New(circuitbreaker.Config{})
	}
	return &HTTPProvider{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout},
		retry:   cfg.Retry,
		breaker: cfg.Breaker,
	}
}

type generateRequest struct {
	Module job.Module `json:"module"`
	Input  job.Input  `json:"input"`
}

func (p *HTTPProvider) Generate(ctx context.Context, m job.Module, in job.Input) (*Result, error) {
	body, err := json.Marshal(generateRequest{Module: m, Input: in})
	if err != nil {
		return nil, err
	}
	return p.call(ctx, circuitbreaker.GenerateKey(m), http.MethodPost, "/v1/generations", body)
}

func (p *HTTPProvider) CheckStatus(ctx context.Context, providerJobID string) (*Result, error) {
	return p.call(ctx, circuitbreaker.StatusKey, http.MethodGet, "/v1/generations/"+url.PathEscape(providerJobID), nil)
}

func (p *HTTPProvider) call(ctx context.Context, op, method, path string, body []byte) (*Result, error) {
	var res *Result
	err := p.breaker.Execute(op, countable, func() error {
		var err error
		res, err = retry.DoValue(ctx, p.retry, func() (*Result, error) {
			return p.do(ctx, method, path, body)
		})
		return err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, &Error{Code: "unavailable", Message: "generation service circuit open", Retryable: true}
	}
	return res, err
}

func (p *HTTPProvider) do(ctx context.Context, method, path string, body []byte) (*Result, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.base+path, reader)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, retry.Permanent(err)
		}
		return nil, &Error{Code: "unreachable", Message: err.Error(), Retryable: true}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &Error{Code: "read_failed", Message: err.Error(), Retryable: true}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &Error{Code: "upstream_unavailable", Message: fmt.Sprintf("status %d", resp.StatusCode), Retryable: true}
	case resp.StatusCode >= 400:
		perr := &Error{Code: "rejected", Message: fmt.Sprintf("status %d", resp.StatusCode)}
		var doc struct {
			Error *Error `json:"error"`
		}
		if json.Unmarshal(raw, &doc) == nil && doc.Error != nil {
			perr = doc.Error
		}
		return nil, retry.Permanent(perr)
	}

	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, retry.Permanent(&Error{Code: "bad_response", Message: err.Error()})
	}
	switch res.State {
	case StatePending, StateSucceeded, StateFailed:
	default:
		return nil, retry.Permanent(&Error{Code: "bad_response", Message: "unknown status " + string(res.State)})
	}
	return &res, nil
}

// countable reports whether err reflects upstream health.
func countable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Retryable
	}
	return true
}

var _ Provider = (*HTTPProvider)(nil)

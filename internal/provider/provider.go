// Package provider talks to the external generation service.
//
// Generation is asynchronous upstream: Generate submits work and CheckStatus
// polls it. Await drives a submission to completion under the caller's
// deadline.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/genforge/internal/job"
)

var (
	ErrProvider = errors.New("provider: generation failed")
	ErrTimeout  = errors.New("provider: generation timed out")
)

// Error is a failure reported by or about the upstream service.
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return ErrProvider }

// State is the upstream lifecycle of one generation.
type State string

const (
	StatePending   State = "pending"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Result is the upstream view of a generation.
type Result struct {
	ProviderJobID string       `json:"id"`
	State         State        `json:"status"`
	Outputs       []job.Output `json:"outputs,omitempty"`
	Error         *Error       `json:"error,omitempty"`
}

// Provider submits and polls generations.
type Provider interface {
	Generate(ctx context.Context, m job.Module, in job.Input) (*Result, error)
	CheckStatus(ctx context.Context, providerJobID string) (*Result, error)
}

// DefaultPollInterval is used when Await is given no interval.
const DefaultPollInterval = 5 * time.Second

// Await submits a generation and polls until it settles or ctx ends.
// onSubmit, when non-nil, receives the upstream id once it is known.
// A context deadline is reported as ErrTimeout.
func Await(ctx context.Context, p Provider, m job.Module, in job.Input, poll time.Duration, onSubmit func(providerJobID string)) (*Result, error) {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	res, err := p.Generate(ctx, m, in)
	if err != nil {
		return nil, timeoutOr(ctx, err)
	}
	if onSubmit != nil && res.ProviderJobID != "" {
		onSubmit(res.ProviderJobID)
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		switch res.State {
		case StateSucceeded:
			return res, nil
		case StateFailed:
			if res.Error == nil {
				res.Error = &Error{Code: "failed", Message: "generation failed"}
			}
			return res, res.Error
		}

		select {
		case <-ctx.Done():
			return nil, timeoutOr(ctx, ctx.Err())
		case <-ticker.C:
		}

		next, err := p.CheckStatus(ctx, res.ProviderJobID)
		if err != nil {
			return nil, timeoutOr(ctx, err)
		}
		res = next
	}
}

func timeoutOr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

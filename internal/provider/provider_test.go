package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/genforge/internal/circuitbreaker"
	"github.com/mbd888/genforge/internal/job"
	"github.com/mbd888/genforge/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAwait_SimulatedSuccess(t *testing.T) {
	sim := NewSimulated(2)
	var submitted string
	res, err := Await(context.Background(), sim, job.TextToVideo, job.Input{Prompt: "a fox"}, time.Millisecond,
		func(id string) { submitted = id })
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, res.State)
	assert.Equal(t, submitted, res.ProviderJobID)
	require.Len(t, res.Outputs, 1)
	assert.True(t, strings.HasSuffix(res.Outputs[0].URL, ".mp4"))
	assert.Equal(t, "video/mp4", res.Outputs[0].MimeType)
}

func TestAwait_SimulatedFailure(t *testing.T) {
	sim := NewSimulated(1)
	_, err := Await(context.Background(), sim, job.TextToImage, job.Input{Prompt: "nope " + MarkerFail}, time.Millisecond, nil)
	require.ErrorIs(t, err, ErrProvider)
	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "content_rejected", perr.Code)
}

func TestAwait_DeadlineIsTimeout(t *testing.T) {
	sim := NewSimulated(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := Await(ctx, sim, job.TextToAudio, job.Input{Prompt: MarkerHang}, time.Millisecond, nil)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestAwait_CancelIsNotTimeout(t *testing.T) {
	sim := NewSimulated(1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := Await(ctx, sim, job.TextToAudio, job.Input{Prompt: MarkerHang}, time.Millisecond, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
}

func TestHTTPProvider_GenerateAndPoll(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/generations":
			var req generateRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, job.TextToImage, req.Module)
			assert.Equal(t, "a cat", req.Input.Prompt)
			_ = json.NewEncoder(w).Encode(Result{ProviderJobID: "up_1", State: StatePending})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/generations/up_1":
			if polls.Add(1) < 2 {
				_ = json.NewEncoder(w).Encode(Result{ProviderJobID: "up_1", State: StatePending})
				return
			}
			_ = json.NewEncoder(w).Encode(Result{ProviderJobID: "up_1", State: StateSucceeded,
				Outputs: []job.Output{{URL: "https://cdn/x.png"}}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPConfig{BaseURL: srv.URL + "/", APIKey: "key", Retry: fastPolicy()})
	res, err := Await(context.Background(), p, job.TextToImage, job.Input{Prompt: "a cat"}, time.Millisecond, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/x.png", res.Outputs[0].URL)
	assert.EqualValues(t, 2, polls.Load())
}

func TestHTTPProvider_RetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(Result{ProviderJobID: "up_2", State: StateSucceeded})
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPConfig{BaseURL: srv.URL, Retry: fastPolicy()})
	res, err := p.Generate(context.Background(), job.TextToImage, job.Input{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, res.State)
	assert.EqualValues(t, 2, calls.Load())
}

func TestHTTPProvider_RejectionIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":{"code":"nsfw","message":"prompt rejected"}}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPConfig{BaseURL: srv.URL, Retry: fastPolicy()})
	_, err := p.Generate(context.Background(), job.TextToImage, job.Input{Prompt: "x"})
	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "nsfw", perr.Code)
	assert.EqualValues(t, 1, calls.Load())
}

func TestHTTPProvider_BreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPConfig{
		BaseURL: srv.URL,
		Retry:   retry.Policy{MaxAttempts: 1},
		Breaker: circuitbreaker.New(circuitbreaker.Config{Threshold: 2, Cooldown: time.Minute}),
	})
	for i := 0; i < 2; i++ {
		_, err := p.Generate(context.Background(), job.TextToImage, job.Input{Prompt: "x"})
		require.ErrorIs(t, err, ErrProvider)
	}
	_, err := p.Generate(context.Background(), job.TextToImage, job.Input{Prompt: "x"})
	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "unavailable", perr.Code)
	assert.EqualValues(t, 2, calls.Load())
}

func TestOpenAIText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
			"choices":[{"index":0,"message":{"role":"assistant","content":"Hello there"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	gen := NewOpenAIText("sk-test", "", srv.URL+"/v1")
	out, err := gen.GenerateText(context.Background(), "system", "prompt")
	require.NoError(t, err)
	assert.Equal(t, "Hello there", out)
}

func TestOpenAIText_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"m","choices":[]}`))
	}))
	defer srv.Close()

	_, err := NewOpenAIText("sk-test", "m", srv.URL+"/v1").GenerateText(context.Background(), "s", "p")
	assert.ErrorIs(t, err, ErrNoCompletion)
}

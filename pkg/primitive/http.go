package primitive

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/keelworks/keel/pkg/fault"
)

const (
	defaultHTTPTimeout  = 30 * time.Second
	defaultMaxBodyBytes = 8 << 20 // 8 MiB
)

// RetryPolicy controls the transient-failure retry loop. Transport errors
// and 5xx responses are retried; 4xx client errors never are.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// HTTPRequest describes a single outbound request.
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
	Timeout time.Duration
}

type HTTPResult struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// HTTPExecutor performs outbound requests with retry, circuit breaking, and
// rate pacing. Response bodies are read through a hard size ceiling instead
// of buffered unbounded.
type HTTPExecutor struct {
	client       *http.Client
	retry        RetryPolicy
	breaker      *CircuitBreaker
	limiter      *rate.Limiter
	maxBodyBytes int64
	sleep        func(time.Duration)
}

type HTTPOption func(*HTTPExecutor)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(e *HTTPExecutor) { e.client = c }
}

func WithRetryPolicy(p RetryPolicy) HTTPOption {
	return func(e *HTTPExecutor) { e.retry = p }
}

func WithRateLimit(rps float64, burst int) HTTPOption {
	return func(e *HTTPExecutor) { e.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

func WithMaxBodyBytes(n int64) HTTPOption {
	return func(e *HTTPExecutor) { e.maxBodyBytes = n }
}

func WithBreaker(cb *CircuitBreaker) HTTPOption {
	return func(e *HTTPExecutor) { e.breaker = cb }
}

// withSleep replaces the backoff sleep in tests.
func withSleep(fn func(time.Duration)) HTTPOption {
	return func(e *HTTPExecutor) { e.sleep = fn }
}

func NewHTTPExecutor(opts ...HTTPOption) *HTTPExecutor {
	e := &HTTPExecutor{
		client:       &http.Client{Timeout: defaultHTTPTimeout},
		retry:        DefaultRetryPolicy(),
		breaker:      NewCircuitBreaker("http", 5, 10*time.Second),
		limiter:      rate.NewLimiter(rate.Inf, 1),
		maxBodyBytes: defaultMaxBodyBytes,
		sleep:        time.Sleep,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *HTTPExecutor) ID() string { return "http_request" }

// Request executes the request, retrying transient failures with
// exponential backoff and jitter. A non-2xx status is a result, not an
// error; only transport-level failures surface as NetworkError.
func (e *HTTPExecutor) Request(ctx context.Context, req HTTPRequest) (*HTTPResult, error) {
	if req.URL == "" {
		return nil, fault.New(fault.CodeConfigInvalid, "http: empty URL")
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fault.New(fault.CodeTimeout, "http: rate limiter wait canceled").WithCause(err)
	}
	if !e.breaker.Allow() {
		return nil, fault.New(fault.CodeNetwork, "http: circuit open for %s", req.URL)
	}

	attempts := e.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if ctx.Err() != nil {
				e.breaker.Failure()
				return nil, ctxFault(ctx, req.URL, lastErr)
			}
			e.sleep(e.backoff(i - 1))
		}

		hr, err := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(req.Body))
		if err != nil {
			return nil, fault.New(fault.CodeConfigInvalid, "http: invalid request for %s", req.URL).WithCause(err)
		}
		for k, v := range req.Headers {
			hr.Header.Set(k, v)
		}

		resp, err := e.client.Do(hr)
		if err != nil {
			if ctx.Err() != nil {
				e.breaker.Failure()
				return nil, ctxFault(ctx, req.URL, err)
			}
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 && i < attempts-1 {
			// Drain so the connection can be reused, then retry.
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, e.maxBodyBytes))
			_ = resp.Body.Close()
			lastErr = fmt.Errorf("server returned %d", resp.StatusCode)
			continue
		}

		body, err := e.readBody(resp)
		if err != nil {
			e.breaker.Failure()
			return nil, err
		}
		if resp.StatusCode >= 500 {
			e.breaker.Failure()
		} else {
			e.breaker.Success()
		}
		return &HTTPResult{Status: resp.StatusCode, Headers: resp.Header, Body: body}, nil
	}

	e.breaker.Failure()
	return nil, fault.New(fault.CodeNetwork, "http: request to %s failed after %d attempts", req.URL, attempts).WithCause(lastErr)
}

// ctxFault maps a terminated context to the timeout fault, naming deadline
// expiry and caller cancellation distinctly. Never retried: a dead context
// dooms every remaining attempt.
func ctxFault(ctx context.Context, url string, cause error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fault.New(fault.CodeTimeout, "http: request to %s timed out", url).WithCause(cause)
	}
	return fault.New(fault.CodeTimeout, "http: request to %s canceled", url).WithCause(cause)
}

func (e *HTTPExecutor) readBody(resp *http.Response) ([]byte, error) {
	defer func() { _ = resp.Body.Close() }()
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(resp.Body, e.maxBodyBytes+1))
	if err != nil {
		return nil, fault.New(fault.CodeNetwork, "http: reading response body").WithCause(err)
	}
	if n > e.maxBodyBytes {
		return nil, fault.New(fault.CodeNetwork, "http: response body exceeds %d byte ceiling", e.maxBodyBytes)
	}
	return buf.Bytes(), nil
}

// backoff computes base * 2^attempt plus up to 50ms of jitter, capped at
// the policy's MaxDelay.
func (e *HTTPExecutor) backoff(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt))) * e.retry.BaseDelay
	if n, err := rand.Int(rand.Reader, big.NewInt(50)); err == nil {
		d += time.Duration(n.Int64()) * time.Millisecond
	}
	if e.retry.MaxDelay > 0 && d > e.retry.MaxDelay {
		d = e.retry.MaxDelay
	}
	return d
}

func (e *HTTPExecutor) Execute(ctx context.Context, call Call) (*Result, error) {
	req := HTTPRequest{Timeout: call.Timeout}
	if v, ok := call.Params["method"].(string); ok {
		req.Method = v
	}
	if v, ok := call.Params["url"].(string); ok {
		req.URL = v
	}
	if headers, ok := call.Params["headers"].(map[string]any); ok {
		req.Headers = make(map[string]string, len(headers))
		for k, v := range headers {
			req.Headers[k] = fmt.Sprint(v)
		}
	}
	if v, ok := call.Params["body"].(string); ok {
		req.Body = []byte(v)
	}

	res, err := e.Request(ctx, req)
	if err != nil {
		return nil, err
	}
	headers := make(map[string]any, len(res.Headers))
	for k := range res.Headers {
		headers[k] = res.Headers.Get(k)
	}
	return &Result{Output: map[string]any{
		"status":  res.Status,
		"headers": headers,
		"body":    base64.StdEncoding.EncodeToString(res.Body),
	}}, nil
}

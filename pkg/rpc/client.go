// Package rpc is a JSON-RPC 2.0 client for the node: HTTP request/response
// calls with bounded retries, and a reconnecting WebSocket subscription.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jamesainslie/minepref/pkg/minepref/logging"
)

// Caller is the part of Client used by the sampler and the applier.
type Caller interface {
	Call(ctx context.Context, method string, result any, params ...any) error
}

// Config configures an HTTP client.
type Config struct {
	Endpoint string

	// Timeout bounds each attempt.
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	RetryInitial time.Duration
	RetryMax     time.Duration

	// HTTPClient overrides the transport. Nil uses a dedicated client.
	HTTPClient *http.Client

	Observer Observer
}

// Client issues JSON-RPC calls over HTTP.
type Client struct {
	cfg    Config
	http   *http.Client
	nextID atomic.Uint64
	log    *logging.Logger
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewClient creates an HTTP JSON-RPC client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("rpc: endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 250 * time.Millisecond
	}
	if cfg.RetryMax < cfg.RetryInitial {
		cfg.RetryMax = cfg.RetryInitial
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}

	return &Client{
		cfg:  cfg,
		http: hc,
		log:  logging.Get("rpc"),
	}, nil
}

// Endpoint returns the configured endpoint URL.
func (c *Client) Endpoint() string {
	return c.cfg.Endpoint
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInitial
	b.MaxInterval = c.cfg.RetryMax
	b.MaxElapsedTime = 0
	return b
}

// Call invokes method with params and decodes the result into result, which
// may be nil. Timeouts, transport errors and 5xx responses are retried; when
// retries run out the error is a *ConnectionError.
func (c *Client) Call(ctx context.Context, method string, result any, params ...any) (err error) {
	start := time.Now()
	defer func() { c.cfg.Observer.CallDone(method, time.Since(start), err) }()

	if params == nil {
		params = []any{}
	}

	attempts := 0
	op := func() error {
		attempts++
		err := c.attempt(ctx, method, result, params)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		var te *transientError
		if errors.As(err, &te) {
			c.log.Debug("call attempt failed", "method", method, "attempt", attempts, "err", te.err)
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.cfg.MaxRetries)), ctx)
	err = backoff.Retry(op, policy)
	if err == nil {
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", method, ctxErr)
	}

	var te *transientError
	if errors.As(err, &te) {
		return &ConnectionError{
			Endpoint: c.cfg.Endpoint,
			Method:   method,
			Attempts: attempts,
			Err:      te.err,
		}
	}
	return fmt.Errorf("%s: %w", method, err)
}

func (c *Client) attempt(ctx context.Context, method string, result any, params []any) error {
	body, err := json.Marshal(request{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	actx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &transientError{err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &transientError{err: fmt.Errorf("reading response: %w", err)}
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return &transientError{err: &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}}
	}

	var msg response
	if err := json.Unmarshal(data, &msg); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
		}
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}

	if msg.Error != nil {
		return msg.Error
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	if len(msg.Result) == 0 || bytes.Equal(bytes.TrimSpace(msg.Result), []byte("null")) {
		return ErrNullResult
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(msg.Result, result); err != nil {
		return fmt.Errorf("%w: result: %v", ErrDecode, err)
	}
	return nil
}

// Probe checks that the node answers method, retrying up to attempts times
// with the client's backoff. A JSON-RPC error still proves reachability.
func (c *Client) Probe(ctx context.Context, method string, attempts int) error {
	if attempts < 1 {
		attempts = 1
	}

	n := 0
	op := func() error {
		n++
		err := c.Call(ctx, method, nil)
		var rpcErr *Error
		switch {
		case err == nil, errors.As(err, &rpcErr), errors.Is(err, ErrNullResult):
			return nil
		case errors.Is(err, ErrUnavailable):
			c.log.Warn("node not reachable yet", "endpoint", c.cfg.Endpoint, "attempt", n, "of", attempts)
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(attempts-1)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("probing %s: %w", c.cfg.Endpoint, err)
	}
	return nil
}

// MissingNamespaces asks the node for its enabled modules (rpc_modules) and
// returns the wanted namespaces it does not expose. ok is false when the node
// does not answer rpc_modules, in which case nothing can be said.
func (c *Client) MissingNamespaces(ctx context.Context, want []string) (missing []string, ok bool, err error) {
	var modules map[string]string
	err = c.Call(ctx, "rpc_modules", &modules)
	var rpcErr *Error
	switch {
	case err == nil:
	case errors.As(err, &rpcErr), errors.Is(err, ErrNullResult):
		return nil, false, nil
	default:
		return nil, false, err
	}

	for _, ns := range want {
		if _, found := modules[ns]; !found {
			missing = append(missing, ns)
		}
	}
	return missing, true, nil
}

// Package bizsync is the offline-first data layer of the business dashboard.
//
// It serves entity reads from a TTL cache or a durable local store, queues
// mutations made while disconnected, and reconciles them against the remote
// server once connectivity returns. Bills carry a deterministic GST split.
//
// Example:
//
//	client := bizsync.NewClient("https://dash.example.com", bizsync.WithToken(token))
//	ws, _ := bizsync.NewWorkspace(ctx, client, store, bizsync.NewNetworkMonitor(true))
//	ws.Init()
//	defer ws.Destroy()
//
//	projects, err := ws.Projects.FetchCollection(ctx, nil, false)
//	res, err := ws.Bills.Create(ctx, bill)
package bizsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultTimeout = 30 * time.Second

// ============================================================================
// Client
// ============================================================================

// Client performs remote calls under a single retry policy and error taxonomy.
type Client struct {
	baseURL        string
	token          string
	httpClient     *http.Client
	retry          RetryPolicy
	logger         *slog.Logger
	onUnauthorized func()
}

type ClientOption func(*Client)

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(c *Client) { c.retry = p }
}

func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithUnauthorizedHandler registers fn to run on every 401 so the session
// layer can start re-authentication.
func WithUnauthorizedHandler(fn func()) ClientOption {
	return func(c *Client) { c.onUnauthorized = fn }
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		retry:  DefaultRetryPolicy(),
		logger: discardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token, e.g. after re-authentication.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the server root the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// Do sends one logical request, retrying transient failures per the policy.
func (c *Client) Do(ctx context.Context, method, path string, body any, query url.Values) (*Envelope, error) {
	p := c.retry
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.logger.Warn("retrying remote call",
			"method", method, "path", path, "attempt", attempt, "delay", delay, "err", err)
	}
	return WithRetry(ctx, p, func(ctx context.Context) (*Envelope, error) {
		return c.doRequest(ctx, method, path, body, query)
	})
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query url.Values) (*Envelope, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, validationError("failed to marshal request: %v", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, validationError("failed to create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(fmt.Errorf("reading response: %w", err))
	}

	var env Envelope
	decodeErr := json.Unmarshal(data, &env)

	if _, failed := KindForStatus(resp.StatusCode); failed {
		msg := env.Error
		if msg == "" {
			msg = env.Message
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		e := statusError(resp.StatusCode, msg)
		if e.Kind == KindUnauthorized && c.onUnauthorized != nil {
			c.onUnauthorized()
		}
		return nil, e
	}

	if decodeErr != nil {
		return nil, &Error{Kind: KindValidation, Status: resp.StatusCode, Message: "malformed response", Err: decodeErr}
	}
	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = "request rejected"
		}
		return nil, &Error{Kind: KindValidation, Status: resp.StatusCode, Message: msg}
	}
	return &env, nil
}

func decodeData[T any](env *Envelope) (T, error) {
	var v T
	if err := env.Decode(&v); err != nil {
		return v, &Error{Kind: KindValidation, Message: "malformed response data", Err: err}
	}
	return v, nil
}

// ============================================================================
// Typed collection endpoints
// ============================================================================

// Remote is the server side of one entity collection.
type Remote[T any] interface {
	List(ctx context.Context, filters Filters) ([]T, error)
	Get(ctx context.Context, id string) (T, error)
	Create(ctx context.Context, item T) (T, error)
	Update(ctx context.Context, item T) (T, error)
	Delete(ctx context.Context, id string) error
}

// Endpoint implements Remote over the client's HTTP transport:
//
//	GET    {path}?filters
//	GET    {path}/{id}
//	POST   {path}
//	PUT    {path}        (body carries id)
//	DELETE {path}?id=
type Endpoint[T any] struct {
	client *Client
	path   string
}

var _ Remote[Project] = (*Endpoint[Project])(nil)

// NewEndpoint binds the collection at kind.Path to the client.
func NewEndpoint[T any](c *Client, kind Kind) *Endpoint[T] {
	return &Endpoint[T]{client: c, path: kind.Path}
}

func (e *Endpoint[T]) List(ctx context.Context, filters Filters) ([]T, error) {
	var q url.Values
	if len(filters) > 0 {
		q = url.Values{}
		for k, v := range filters {
			q.Set(k, v)
		}
	}
	env, err := e.client.Do(ctx, http.MethodGet, e.path, nil, q)
	if err != nil {
		return nil, err
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return []T{}, nil
	}
	return decodeData[[]T](env)
}

func (e *Endpoint[T]) Get(ctx context.Context, id string) (T, error) {
	env, err := e.client.Do(ctx, http.MethodGet, e.path+"/"+url.PathEscape(id), nil, nil)
	if err != nil {
		var zero T
		return zero, err
	}
	return decodeData[T](env)
}

func (e *Endpoint[T]) Create(ctx context.Context, item T) (T, error) {
	env, err := e.client.Do(ctx, http.MethodPost, e.path, item, nil)
	if err != nil {
		var zero T
		return zero, err
	}
	return decodeData[T](env)
}

func (e *Endpoint[T]) Update(ctx context.Context, item T) (T, error) {
	env, err := e.client.Do(ctx, http.MethodPut, e.path, item, nil)
	if err != nil {
		var zero T
		return zero, err
	}
	return decodeData[T](env)
}

func (e *Endpoint[T]) Delete(ctx context.Context, id string) error {
	_, err := e.client.Do(ctx, http.MethodDelete, e.path, nil, url.Values{"id": {id}})
	return err
}

// ============================================================================
// Helpers
// ============================================================================

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

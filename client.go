// Package messenger is a client for the Messenger endpoints of the Facebook
// Graph API. It builds authenticated requests, sends outbound messages and
// inspects access tokens. Transport and JSON decoding are left to net/http and
// encoding/json; the client only assembles URLs, query parameters and bodies.
package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

const (
	// DefaultAPIVersion is the Graph API version used when Config.APIVersion is empty.
	DefaultAPIVersion = "3.2"
	// DefaultBaseURL is the Graph API host used when Config.BaseURL is empty.
	DefaultBaseURL = "https://graph.facebook.com"

	maxBodyBytes = 4 << 20
)

// Config carries the credentials and API coordinates of a Client.
type Config struct {
	AccessToken string
	AppID       string
	AppSecret   string
	APIVersion  string
	BaseURL     string
}

// LogValue keeps secrets out of structured logs.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("access_token", redact(c.AccessToken)),
		slog.String("app_id", c.AppID),
		slog.String("app_secret", redact(c.AppSecret)),
		slog.String("api_version", c.APIVersion),
		slog.String("base_url", c.BaseURL),
	)
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "[redacted]"
}

// Object is a decoded JSON object. Message payloads and API responses are
// passed through as Objects without interpretation.
type Object map[string]any

// Params are the query parameters of a Graph request. A nil Params means the
// default {access_token: <token>}; a non-nil value replaces it entirely.
type Params map[string]string

// Observer receives one notification per completed Graph call.
type Observer interface {
	ObserveGraphCall(method, endpoint string, status int, err error, duration time.Duration)
}

// Option customises a Client at construction.
type Option func(*options)

type options struct {
	httpClient *http.Client
	transport  http.RoundTripper
	logger     *slog.Logger
	observer   Observer
	userAgent  string
}

// WithHTTPClient makes the client use an externally owned *http.Client. Close
// leaves a borrowed client untouched.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

// WithTransport names the transport requests must run on. When combined with
// WithHTTPClient the client's transport has to be the same value.
func WithTransport(transport http.RoundTripper) Option {
	return func(o *options) {
		o.transport = transport
	}
}

// WithLogger attaches a logger for per-call debug records.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithObserver registers an Observer, typically a metrics recorder.
func WithObserver(observer Observer) Option {
	return func(o *options) {
		o.observer = observer
	}
}

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(userAgent string) Option {
	return func(o *options) {
		o.userAgent = strings.TrimSpace(userAgent)
	}
}

// Client talks to the Graph API on behalf of a single page access token. It
// is safe for concurrent use; configuration is fixed at construction.
type Client struct {
	cfg      Config
	baseURL  string
	http     *http.Client
	owned    bool
	headers  http.Header
	logger   *slog.Logger
	observer Observer
	closed   atomic.Bool
}

// New validates cfg, applies defaults and prepares the HTTP session.
func New(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, fmt.Errorf("%w: access token required", ErrConfiguration)
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}

	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	c := &Client{
		cfg:      cfg,
		baseURL:  fmt.Sprintf("%s/v%s", cfg.BaseURL, cfg.APIVersion),
		headers:  make(http.Header),
		logger:   o.logger,
		observer: o.observer,
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}

	switch {
	case o.httpClient != nil:
		if o.transport != nil && !sameTransport(o.httpClient.Transport, o.transport) {
			return nil, fmt.Errorf("%w: http client and transport must share the same transport", ErrConfiguration)
		}
		c.http = o.httpClient
	case o.transport != nil:
		c.http = &http.Client{Transport: o.transport}
		c.owned = true
		c.headers.Set("Content-Type", "application/json")
	default:
		c.http = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
		c.owned = true
		c.headers.Set("Content-Type", "application/json")
	}
	if o.userAgent != "" {
		c.headers.Set("User-Agent", o.userAgent)
	}
	return c, nil
}

// sameTransport compares transports by identity. A nil client transport means
// http.DefaultTransport, matching net/http. Function-typed round trippers
// (promhttp instrumentation, for one) are not comparable with ==.
func sameTransport(clientTransport, want http.RoundTripper) bool {
	if clientTransport == nil {
		clientTransport = http.DefaultTransport
	}
	have, other := reflect.ValueOf(clientTransport), reflect.ValueOf(want)
	if have.Type() != other.Type() {
		return false
	}
	if have.Type().Comparable() {
		return clientTransport == want
	}
	switch have.Kind() {
	case reflect.Func, reflect.Map, reflect.Slice:
		return have.Pointer() == other.Pointer()
	default:
		return false
	}
}

// BaseURL returns the versioned API root, {BaseURL}/v{APIVersion}.
func (c *Client) BaseURL() string { return c.baseURL }

// Config returns a copy of the effective configuration.
func (c *Client) Config() Config { return c.cfg }

// Close releases pooled connections of an owned session. It is idempotent
// and never touches a session supplied through WithHTTPClient.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.owned {
		c.http.CloseIdleConnections()
	}
	return nil
}

// Get issues a GET to BaseURL()+endpoint. Nil params default to the access
// token.
func (c *Client) Get(ctx context.Context, endpoint string, params Params) (Object, error) {
	return c.do(ctx, http.MethodGet, endpoint, c.paramsOrDefault(params), nil)
}

// Post issues a POST to BaseURL()+endpoint with data JSON-encoded as the
// body. Nil params default to the access token; nil data is sent as {}.
func (c *Client) Post(ctx context.Context, endpoint string, params Params, data any) (Object, error) {
	if isNilBody(data) {
		data = Object{}
	}
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("messenger: encode %s body: %w", endpoint, err)
	}
	return c.do(ctx, http.MethodPost, endpoint, c.paramsOrDefault(params), body)
}

// isNilBody reports whether data is absent: nil itself, or a nil map or
// pointer.
func isNilBody(data any) bool {
	if data == nil {
		return true
	}
	v := reflect.ValueOf(data)
	switch v.Kind() {
	case reflect.Map, reflect.Pointer:
		return v.IsNil()
	default:
		return false
	}
}

func (c *Client) paramsOrDefault(params Params) Params {
	if params != nil {
		return params
	}
	return Params{"access_token": c.cfg.AccessToken}
}

func (c *Client) do(ctx context.Context, method, endpoint string, params Params, body []byte) (Object, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}

	target, err := url.Parse(c.baseURL + endpoint)
	if err != nil {
		return nil, fmt.Errorf("messenger: request url: %w", err)
	}
	if len(params) > 0 {
		query := target.Query()
		for name, value := range params {
			query.Set(name, value)
		}
		target.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("messenger: request build: %w", err)
	}
	for name, values := range c.headers {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	status, payload, err := c.roundTrip(req, endpoint)
	elapsed := time.Since(start)

	if c.observer != nil {
		c.observer.ObserveGraphCall(method, endpoint, status, err, elapsed)
	}
	attrs := []any{
		slog.String("method", method),
		slog.String("endpoint", endpoint),
		slog.Int("status", status),
		slog.Duration("duration", elapsed),
	}
	if err != nil {
		c.logger.Debug("graph request failed", append(attrs, slog.Any("error", err))...)
		return nil, err
	}
	c.logger.Debug("graph request completed", attrs...)
	return payload, nil
}

func (c *Client) roundTrip(req *http.Request, endpoint string) (int, Object, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, &TransportError{Method: req.Method, Endpoint: endpoint, Err: stripQuery(err)}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	closeErr := resp.Body.Close()
	if err != nil {
		return resp.StatusCode, nil, &TransportError{Method: req.Method, Endpoint: endpoint, Err: err}
	}
	if closeErr != nil {
		return resp.StatusCode, nil, &TransportError{Method: req.Method, Endpoint: endpoint, Err: closeErr}
	}

	payload, err := decodeObject(raw)
	if err != nil {
		return resp.StatusCode, nil, &DecodingError{
			StatusCode: resp.StatusCode,
			Body:       excerpt(raw),
			Err:        err,
		}
	}
	return resp.StatusCode, payload, nil
}

// decodeObject parses raw as exactly one JSON value, which must be an object.
func decodeObject(raw []byte) (Object, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	if _, err := decoder.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after JSON value")
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: got %s", ErrNonObjectBody, jsonKind(value))
	}
	return Object(obj), nil
}

func jsonKind(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	default:
		return "number"
	}
}

// stripQuery removes the request URL from *url.Error values so access tokens
// carried in the query string never reach error messages.
func stripQuery(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if parsed, parseErr := url.Parse(urlErr.URL); parseErr == nil {
			parsed.RawQuery = ""
			return &url.Error{Op: urlErr.Op, URL: parsed.String(), Err: urlErr.Err}
		}
	}
	return err
}

func excerpt(raw []byte) string {
	const limit = 512
	text := strings.TrimSpace(string(raw))
	if len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}

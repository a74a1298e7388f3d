package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// capturedRequest is what the fake Graph server saw for a single call.
type capturedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

type graphServer struct {
	*httptest.Server

	mu       sync.Mutex
	requests []capturedRequest
	status   int
	body     string
}

func newGraphServer(t *testing.T) *graphServer {
	t.Helper()
	gs := &graphServer{status: http.StatusOK, body: `{"ok":true}`}
	gs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gs.mu.Lock()
		gs.requests = append(gs.requests, capturedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.Query(),
			Header: r.Header.Clone(),
			Body:   body,
		})
		status, payload := gs.status, gs.body
		gs.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, payload)
	}))
	t.Cleanup(gs.Close)
	return gs
}

func (gs *graphServer) respond(status int, body string) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.status = status
	gs.body = body
}

func (gs *graphServer) calls() []capturedRequest {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return append([]capturedRequest(nil), gs.requests...)
}

func (gs *graphServer) last(t *testing.T) capturedRequest {
	t.Helper()
	calls := gs.calls()
	require.NotEmpty(t, calls, "expected at least one graph request")
	return calls[len(calls)-1]
}

func testConfig(baseURL string) Config {
	return Config{
		AccessToken: "page-token",
		AppID:       "app-id",
		AppSecret:   "app-secret",
		APIVersion:  "3.2",
		BaseURL:     baseURL,
	}
}

func newTestClient(t *testing.T, gs *graphServer, opts ...Option) *Client {
	t.Helper()
	client, err := New(testConfig(gs.URL), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, client.Close()) })
	return client
}

func TestNewBaseURL(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantURL string
	}{
		{
			name:    "defaults",
			cfg:     Config{AccessToken: "token"},
			wantURL: "https://graph.facebook.com/v3.2",
		},
		{
			name:    "custom version",
			cfg:     Config{AccessToken: "token", APIVersion: "19.0"},
			wantURL: "https://graph.facebook.com/v19.0",
		},
		{
			name:    "custom host and version",
			cfg:     Config{AccessToken: "token", APIVersion: "3.0", BaseURL: "http://127.0.0.1:9000"},
			wantURL: "http://127.0.0.1:9000/v3.0",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			client, err := New(tc.cfg)
			require.NoError(t, err)
			t.Cleanup(func() { _ = client.Close() })
			require.Equal(t, tc.wantURL, client.BaseURL())
		})
	}
}

func TestNewKeepsCredentials(t *testing.T) {
	cfg := Config{AccessToken: "mock_access_token", AppID: "mock_app_id", AppSecret: "some_app_secret", APIVersion: "3.0"}
	client, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	got := client.Config()
	require.Equal(t, "mock_access_token", got.AccessToken)
	require.Equal(t, "mock_app_id", got.AppID)
	require.Equal(t, "some_app_secret", got.AppSecret)
	require.Equal(t, "3.0", got.APIVersion)
	require.Equal(t, DefaultBaseURL, got.BaseURL)
}

func TestNewRequiresAccessToken(t *testing.T) {
	_, err := New(Config{AppID: "app"})
	require.ErrorIs(t, err, ErrConfiguration)
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestNewSessionTransportAgreement(t *testing.T) {
	shared := &http.Transport{}
	other := &http.Transport{}
	fn := roundTripperFunc(http.DefaultTransport.RoundTrip)

	tests := []struct {
		name      string
		client    *http.Client
		transport http.RoundTripper
		wantErr   bool
	}{
		{name: "client only", client: &http.Client{Transport: shared}},
		{name: "transport only", transport: shared},
		{name: "matching pair", client: &http.Client{Transport: shared}, transport: shared},
		{name: "nil client transport matches default", client: &http.Client{}, transport: http.DefaultTransport},
		{name: "matching function transport", client: &http.Client{Transport: fn}, transport: fn},
		{name: "mismatched pair", client: &http.Client{Transport: shared}, transport: other, wantErr: true},
		{name: "nil client transport against custom", client: &http.Client{}, transport: other, wantErr: true},
		{name: "different transport types", client: &http.Client{Transport: fn}, transport: shared, wantErr: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			opts := []Option{}
			if tc.client != nil {
				opts = append(opts, WithHTTPClient(tc.client))
			}
			if tc.transport != nil {
				opts = append(opts, WithTransport(tc.transport))
			}
			client, err := New(Config{AccessToken: "token"}, opts...)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrConfiguration)
				require.Nil(t, client)
				return
			}
			require.NoError(t, err)
			require.NoError(t, client.Close())
		})
	}
}

func TestGetDefaultsToAccessToken(t *testing.T) {
	gs := newGraphServer(t)
	client := newTestClient(t, gs)

	resp, err := client.Get(context.Background(), "/me", nil)
	require.NoError(t, err)
	require.Equal(t, Object{"ok": true}, resp)

	req := gs.last(t)
	require.Equal(t, http.MethodGet, req.Method)
	require.Equal(t, "/v3.2/me", req.Path)
	require.Equal(t, url.Values{"access_token": {"page-token"}}, req.Query)
	require.Equal(t, "application/json", req.Header.Get("Content-Type"))
	require.Empty(t, req.Body)
}

func TestGetUsesCallerParams(t *testing.T) {
	gs := newGraphServer(t)
	client := newTestClient(t, gs)

	_, err := client.Get(context.Background(), "/me/persona", Params{"fields": "name", "access_token": "other"})
	require.NoError(t, err)

	req := gs.last(t)
	require.Equal(t, url.Values{"fields": {"name"}, "access_token": {"other"}}, req.Query)
}

func TestGetEmptyParamsDropsAccessToken(t *testing.T) {
	gs := newGraphServer(t)
	client := newTestClient(t, gs)

	_, err := client.Get(context.Background(), "/me", Params{})
	require.NoError(t, err)
	require.Empty(t, gs.last(t).Query)
}

func TestPostDefaults(t *testing.T) {
	gs := newGraphServer(t)
	client := newTestClient(t, gs)

	_, err := client.Post(context.Background(), "/me/messenger_profile", nil, nil)
	require.NoError(t, err)

	req := gs.last(t)
	require.Equal(t, http.MethodPost, req.Method)
	require.Equal(t, "/v3.2/me/messenger_profile", req.Path)
	require.Equal(t, url.Values{"access_token": {"page-token"}}, req.Query)
	require.Equal(t, "application/json", req.Header.Get("Content-Type"))
	require.JSONEq(t, `{}`, string(req.Body))
}

func TestPostEncodesData(t *testing.T) {
	gs := newGraphServer(t)
	client := newTestClient(t, gs)

	data := Object{"greeting": []any{Object{"locale": "default", "text": "hello"}}}
	_, err := client.Post(context.Background(), "/me/messenger_profile", Params{"access_token": "override"}, data)
	require.NoError(t, err)

	req := gs.last(t)
	require.Equal(t, "override", req.Query.Get("access_token"))
	require.JSONEq(t, `{"greeting":[{"locale":"default","text":"hello"}]}`, string(req.Body))
}

func TestPostAbsentDataIsEmptyBody(t *testing.T) {
	type profile struct {
		Greeting string `json:"greeting"`
	}
	tests := []struct {
		name string
		data any
	}{
		{name: "untyped nil", data: nil},
		{name: "nil Object", data: Object(nil)},
		{name: "nil map", data: map[string]any(nil)},
		{name: "nil string map", data: map[string]string(nil)},
		{name: "nil struct pointer", data: (*profile)(nil)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			gs := newGraphServer(t)
			client := newTestClient(t, gs)

			_, err := client.Post(context.Background(), "/me/messages", nil, tc.data)
			require.NoError(t, err)
			require.JSONEq(t, `{}`, string(gs.last(t).Body))
		})
	}
}

func TestPostRejectsUnencodableData(t *testing.T) {
	gs := newGraphServer(t)
	client := newTestClient(t, gs)

	_, err := client.Post(context.Background(), "/me/messages", nil, Object{"bad": make(chan int)})
	require.Error(t, err)
	require.Empty(t, gs.calls())
}

func TestErrorResponsesAreReturnedUnmodified(t *testing.T) {
	gs := newGraphServer(t)
	gs.respond(http.StatusBadRequest, `{"error":{"message":"Invalid OAuth access token.","type":"OAuthException","code":190,"fbtrace_id":"AbC"}}`)
	client := newTestClient(t, gs)

	resp, err := client.Get(context.Background(), "/me", nil)
	require.NoError(t, err)
	require.Contains(t, resp, "error")

	apiErr := APIErrorFrom(resp)
	require.NotNil(t, apiErr)
	assert.Equal(t, "Invalid OAuth access token.", apiErr.Message)
	assert.Equal(t, "OAuthException", apiErr.Type)
	assert.Equal(t, int64(190), apiErr.Code)
	assert.Equal(t, "AbC", apiErr.TraceID)
	assert.Contains(t, apiErr.Error(), "190")
}

func TestDecodingError(t *testing.T) {
	gs := newGraphServer(t)
	gs.respond(http.StatusBadGateway, "<html>bad gateway</html>")
	client := newTestClient(t, gs)

	_, err := client.Get(context.Background(), "/me", nil)
	var decodeErr *DecodingError
	require.ErrorAs(t, err, &decodeErr)
	require.Equal(t, http.StatusBadGateway, decodeErr.StatusCode)
	require.Contains(t, decodeErr.Body, "bad gateway")
}

func TestDecodingRejectsMalformedBodies(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		nonObject bool
	}{
		{name: "trailing garbage", body: `{"ok":true} this is not json`},
		{name: "second value", body: `{"ok":true}{"ok":false}`},
		{name: "truncated object", body: `{"ok":`},
		{name: "empty body", body: ``},
		{name: "top-level array", body: `[{"id":"1"}]`, nonObject: true},
		{name: "top-level string", body: `"ok"`, nonObject: true},
		{name: "null", body: `null`, nonObject: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			gs := newGraphServer(t)
			gs.respond(http.StatusOK, tc.body)
			client := newTestClient(t, gs)

			resp, err := client.Get(context.Background(), "/me", nil)
			require.Nil(t, resp)
			var decodeErr *DecodingError
			require.ErrorAs(t, err, &decodeErr)
			require.Equal(t, http.StatusOK, decodeErr.StatusCode)
			require.Equal(t, tc.nonObject, errors.Is(err, ErrNonObjectBody))
		})
	}
}

func TestDecodingAllowsTrailingWhitespace(t *testing.T) {
	gs := newGraphServer(t)
	gs.respond(http.StatusOK, "{\"id\":\"42\"}\n\n  ")
	client := newTestClient(t, gs)

	resp, err := client.Get(context.Background(), "/me", nil)
	require.NoError(t, err)
	require.Equal(t, "42", resp["id"])
}

func TestExcerptKeepsRunesWhole(t *testing.T) {
	body := strings.Repeat("a", 511) + strings.Repeat("é", 10)
	got := excerpt([]byte(body))
	require.True(t, utf8.ValidString(got))
	require.Equal(t, strings.Repeat("a", 511)+"...", got)

	require.Equal(t, "short", excerpt([]byte("  short \n")))
}

func TestTransportErrorHidesToken(t *testing.T) {
	failing := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})
	client, err := New(testConfig("http://graph.invalid"), WithTransport(failing))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = client.Get(context.Background(), "/me", nil)
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, http.MethodGet, transportErr.Method)
	require.Equal(t, "/me", transportErr.Endpoint)
	require.NotContains(t, err.Error(), "page-token")
	require.Contains(t, err.Error(), "connection refused")
}

func TestContextCancellationSurfacesAsTransportError(t *testing.T) {
	gs := newGraphServer(t)
	client := newTestClient(t, gs)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Get(ctx, "/me", nil)
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCloseOwnedSession(t *testing.T) {
	gs := newGraphServer(t)
	client, err := New(testConfig(gs.URL))
	require.NoError(t, err)

	_, err = client.Get(context.Background(), "/me", nil)
	require.NoError(t, err)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close(), "close must be idempotent")

	_, err = client.Get(context.Background(), "/me", nil)
	require.ErrorIs(t, err, ErrClosed)
	require.Len(t, gs.calls(), 1)
}

func TestCloseLeavesBorrowedSessionUsable(t *testing.T) {
	gs := newGraphServer(t)
	borrowed := &http.Client{Transport: &http.Transport{}}
	client, err := New(testConfig(gs.URL), WithHTTPClient(borrowed))
	require.NoError(t, err)
	require.NoError(t, client.Close())

	resp, err := borrowed.Get(gs.URL + "/still-usable")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
}

func TestBorrowedSessionHasNoDefaultContentTypeOnGet(t *testing.T) {
	gs := newGraphServer(t)
	client := newTestClient(t, gs, WithHTTPClient(&http.Client{}), WithUserAgent("messenger-test/1.0"))

	_, err := client.Get(context.Background(), "/me", nil)
	require.NoError(t, err)
	req := gs.last(t)
	require.Empty(t, req.Header.Get("Content-Type"))
	require.Equal(t, "messenger-test/1.0", req.Header.Get("User-Agent"))
}

type mockObserver struct {
	mock.Mock
}

func (m *mockObserver) ObserveGraphCall(method, endpoint string, status int, err error, duration time.Duration) {
	m.Called(method, endpoint, status, err, duration)
}

func TestObserverNotifiedPerCall(t *testing.T) {
	gs := newGraphServer(t)
	observer := &mockObserver{}
	observer.On("ObserveGraphCall", http.MethodPost, "/me/messages", http.StatusOK, nil, mock.AnythingOfType("time.Duration")).Once()
	client := newTestClient(t, gs, WithObserver(observer))

	_, err := client.Post(context.Background(), "/me/messages", nil, nil)
	require.NoError(t, err)
	observer.AssertExpectations(t)
}

func TestConfigLogValueRedactsSecrets(t *testing.T) {
	var buf strings.Builder
	cfg := testConfig("https://graph.facebook.com")
	value := cfg.LogValue()
	for _, attr := range value.Group() {
		buf.WriteString(attr.Key + "=" + attr.Value.String() + " ")
	}
	out := buf.String()
	require.NotContains(t, out, "page-token")
	require.NotContains(t, out, "app-secret")
	require.Contains(t, out, "app_id=app-id")
}

func TestConcurrentCalls(t *testing.T) {
	gs := newGraphServer(t)
	client := newTestClient(t, gs)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Get(context.Background(), "/me", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Len(t, gs.calls(), 8)
}

func decodeBody(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

package testhelpers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
)

// TokenRequest records the form fields of a request to the mock token
// endpoint.
type TokenRequest struct {
	ContentType  string
	GrantType    string
	ClientID     string
	ClientSecret string
	Scope        string
}

// MockTokenServer is a configurable OAuth2 token endpoint.
type MockTokenServer struct {
	Server *httptest.Server

	mu           sync.Mutex
	token        string
	expiresIn    int
	statusCode   int
	errorBody    string
	rawBody      string
	rawType      string
	requests     []TokenRequest
	beforeHandle func()
}

// SetupMockTokenServer creates a token endpoint that issues "test-access-token"
// valid for an hour. The server is closed when the test completes.
func SetupMockTokenServer(t *testing.T) *MockTokenServer {
	t.Helper()

	mock := &MockTokenServer{
		token:      "test-access-token",
		expiresIn:  3600,
		statusCode: http.StatusOK,
	}

	router := http.NewServeMux()
	router.HandleFunc("POST /oauth2/token", mock.handle)

	mock.Server = httptest.NewServer(router)
	t.Cleanup(mock.Server.Close)

	return mock
}

func (m *MockTokenServer) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	before := m.beforeHandle
	m.mu.Unlock()

	if before != nil {
		before()
	}

	_ = r.ParseForm()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, TokenRequest{
		ContentType:  r.Header.Get("Content-Type"),
		GrantType:    r.PostForm.Get("grant_type"),
		ClientID:     r.PostForm.Get("client_id"),
		ClientSecret: r.PostForm.Get("client_secret"),
		Scope:        r.PostForm.Get("scope"),
	})

	if m.statusCode != http.StatusOK {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(m.statusCode)
		_, _ = w.Write([]byte(m.errorBody))
		return
	}

	if m.rawBody != "" {
		w.Header().Set("Content-Type", m.rawType)
		_, _ = w.Write([]byte(m.rawBody))
		return
	}

	payload := map[string]any{
		"access_token": m.token,
		"token_type":   "Bearer",
	}
	if m.expiresIn > 0 {
		payload["expires_in"] = m.expiresIn
	}

	WriteJSON(w, payload)
}

// URL returns the token endpoint URL.
func (m *MockTokenServer) URL() string {
	return m.Server.URL + "/oauth2/token"
}

// IssueToken configures the token and lifetime returned by subsequent requests.
// A non-positive lifetime omits expires_in from the response.
func (m *MockTokenServer) IssueToken(token string, expiresIn int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	m.expiresIn = expiresIn
	m.statusCode = http.StatusOK
	m.rawBody = ""
	m.rawType = ""
}

// Fail makes subsequent requests return the given status and body.
func (m *MockTokenServer) Fail(statusCode int, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCode = statusCode
	m.errorBody = body
}

// RespondWith makes subsequent successful requests return body verbatim.
func (m *MockTokenServer) RespondWith(body string) {
	m.RespondWithContentType("application/json", body)
}

// RespondWithContentType is RespondWith with an explicit Content-Type.
func (m *MockTokenServer) RespondWithContentType(contentType, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rawBody = body
	m.rawType = contentType
}

// BeforeHandle installs a function run at the start of each request, before
// any state is recorded.
func (m *MockTokenServer) BeforeHandle(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beforeHandle = fn
}

// Requests returns a copy of the requests received so far.
func (m *MockTokenServer) Requests() []TokenRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TokenRequest(nil), m.requests...)
}

// RequestCount returns the number of token requests received.
func (m *MockTokenServer) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// ODataRequest records a request received by the mock OData service.
type ODataRequest struct {
	Method        string
	RequestURI    string
	Path          string
	RawQuery      string
	Query         url.Values
	Authorization string
	Accept        string
}

// MockODataServer is a configurable upstream OData service. Every request is
// answered with the configured status, content type and body.
type MockODataServer struct {
	Server *httptest.Server

	mu          sync.Mutex
	statusCode  int
	contentType string
	body        string
	requests    []ODataRequest
}

// SetupMockODataServer creates an upstream that returns an empty OData
// collection for every path. The server is closed when the test completes.
func SetupMockODataServer(t *testing.T) *MockODataServer {
	t.Helper()

	mock := &MockODataServer{
		statusCode:  http.StatusOK,
		contentType: "application/json; charset=utf-8",
		body:        `{"value":[]}`,
	}

	mock.Server = httptest.NewServer(http.HandlerFunc(mock.handle))
	t.Cleanup(mock.Server.Close)

	return mock
}

func (m *MockODataServer) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, ODataRequest{
		Method:        r.Method,
		RequestURI:    r.RequestURI,
		Path:          r.URL.Path,
		RawQuery:      r.URL.RawQuery,
		Query:         r.URL.Query(),
		Authorization: r.Header.Get("Authorization"),
		Accept:        r.Header.Get("Accept"),
	})

	if m.contentType != "" {
		w.Header().Set("Content-Type", m.contentType)
	} else {
		// suppress content sniffing so the response carries no content type
		w.Header()["Content-Type"] = nil
	}
	w.WriteHeader(m.statusCode)
	_, _ = w.Write([]byte(m.body))
}

// BaseURL returns the service root the proxy should be configured with.
func (m *MockODataServer) BaseURL() string {
	return m.Server.URL + "/odata"
}

// Respond configures the response for subsequent requests. An empty content
// type sends no Content-Type header.
func (m *MockODataServer) Respond(statusCode int, contentType, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCode = statusCode
	m.contentType = contentType
	m.body = body
}

// Requests returns a copy of the requests received so far.
func (m *MockODataServer) Requests() []ODataRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ODataRequest(nil), m.requests...)
}

// RequestCount returns the number of upstream requests received.
func (m *MockODataServer) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// WriteJSON is a helper function that writes a JSON response.
// It sets the Content-Type header and marshals the payload to JSON.
func WriteJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(payload)
	if err != nil {
		// In test context, this should never happen with valid test data
		http.Error(w, fmt.Sprintf("failed to marshal JSON: %v", err), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(data)
}

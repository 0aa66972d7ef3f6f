package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/odatabridge/odata-bridge/internal/config"
	"github.com/odatabridge/odata-bridge/internal/odata"
	"github.com/odatabridge/odata-bridge/internal/secret"
	"github.com/odatabridge/odata-bridge/internal/testhelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// APITestHarness runs the full route configuration against mock token and
// OData servers.
type APITestHarness struct {
	Server   *httptest.Server
	TokenAPI *testhelpers.MockTokenServer
	OData    *testhelpers.MockODataServer
	Config   config.Config
}

func NewAPITestHarness(t *testing.T) *APITestHarness {
	t.Helper()
	testhelpers.SetupLogger(t)

	tokenAPI := testhelpers.SetupMockTokenServer(t)
	upstreamAPI := testhelpers.SetupMockODataServer(t)

	cfg := config.Config{
		CORS: config.CORSConfig{AllowOrigin: "*"},
		OAuth: config.OAuthConfig{
			TokenURL:     tokenAPI.URL(),
			ClientID:     "bridge-client",
			ClientSecret: "bridge-secret",
		},
		OData: config.ODataConfig{BaseURL: upstreamAPI.BaseURL()},
	}

	noKMS := func(context.Context) (secret.KMSClient, error) {
		return nil, errors.New("KMS not expected")
	}

	provider, upstream, tokenCache, err := configureProxy(context.Background(), cfg, noKMS)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tokenCache.Close() })

	server := httptest.NewServer(configureServerRoutes(cfg, provider, upstream))
	t.Cleanup(server.Close)

	return &APITestHarness{
		Server:   server,
		TokenAPI: tokenAPI,
		OData:    upstreamAPI,
		Config:   cfg,
	}
}

func (h *APITestHarness) Request(t *testing.T, method, path string) (*http.Response, string) {
	t.Helper()

	req, err := http.NewRequest(method, h.Server.URL+path, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, string(body)
}

func TestAPI_ProxiesWithBearerToken(t *testing.T) {
	h := NewAPITestHarness(t)
	h.OData.Respond(http.StatusOK, "application/json; charset=utf-8", `{"value":[{"Id":1}]}`)

	resp, body := h.Request(t, http.MethodGet, "/odata/Customers?$filter=Id%20eq%201&$select=Id")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, `{"value":[{"Id":1}]}`, body)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	tokenRequests := h.TokenAPI.Requests()
	require.Len(t, tokenRequests, 1)
	assert.Equal(t, "client_credentials", tokenRequests[0].GrantType)
	assert.Equal(t, "bridge-client", tokenRequests[0].ClientID)
	assert.Equal(t, "bridge-secret", tokenRequests[0].ClientSecret)
	assert.Equal(t, "dataservices/read", tokenRequests[0].Scope)

	upstreamRequests := h.OData.Requests()
	require.Len(t, upstreamRequests, 1)
	assert.Equal(t, http.MethodGet, upstreamRequests[0].Method)
	assert.Equal(t, "/odata/Customers?$filter=Id%20eq%201&$select=Id", upstreamRequests[0].RequestURI)
	assert.Equal(t, "Bearer test-access-token", upstreamRequests[0].Authorization)
	assert.Equal(t, odata.Accept, upstreamRequests[0].Accept)
}

func TestAPI_ReusesCachedToken(t *testing.T) {
	h := NewAPITestHarness(t)

	h.Request(t, http.MethodGet, "/odata/Customers")
	h.TokenAPI.IssueToken("second-token", 3600)
	h.Request(t, http.MethodGet, "/odata/Orders")

	assert.Equal(t, 1, h.TokenAPI.RequestCount())

	upstreamRequests := h.OData.Requests()
	require.Len(t, upstreamRequests, 2)
	assert.Equal(t, upstreamRequests[0].Authorization, upstreamRequests[1].Authorization)
}

func TestAPI_PreflightMakesNoCalls(t *testing.T) {
	h := NewAPITestHarness(t)

	resp, body := h.Request(t, http.MethodOptions, "/odata/Customers")

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, body)
	assert.Equal(t, "GET,POST,OPTIONS", resp.Header.Get("Access-Control-Allow-Methods"))
	assert.Zero(t, h.TokenAPI.RequestCount())
	assert.Zero(t, h.OData.RequestCount())
}

func TestAPI_PostIsForwardedAsGet(t *testing.T) {
	h := NewAPITestHarness(t)

	resp, _ := h.Request(t, http.MethodPost, "/odata/Customers")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	upstreamRequests := h.OData.Requests()
	require.Len(t, upstreamRequests, 1)
	assert.Equal(t, http.MethodGet, upstreamRequests[0].Method)
}

func TestAPI_RelaysUpstreamErrorStatus(t *testing.T) {
	h := NewAPITestHarness(t)
	h.OData.Respond(http.StatusNotFound, "application/json", `{"error":"not found"}`)

	resp, body := h.Request(t, http.MethodGet, "/odata/Customers(999)")

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, `{"error":"not found"}`, body)
}

func TestAPI_DefaultsMissingContentType(t *testing.T) {
	h := NewAPITestHarness(t)
	h.OData.Respond(http.StatusOK, "", `{"value":[]}`)

	resp, body := h.Request(t, http.MethodGet, "/odata/Customers")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, `{"value":[]}`, body)
}

func TestAPI_TokenEndpointFailure(t *testing.T) {
	h := NewAPITestHarness(t)
	h.TokenAPI.Fail(http.StatusUnauthorized, "invalid_client")

	resp, body := h.Request(t, http.MethodGet, "/odata/Customers")

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.JSONEq(t, `{"error":"proxy_error","message":"token_error 401: invalid_client"}`, body)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Zero(t, h.OData.RequestCount())
}

func TestAPI_UpstreamUnreachable(t *testing.T) {
	h := NewAPITestHarness(t)
	h.OData.Server.Close()

	resp, body := h.Request(t, http.MethodGet, "/odata/Customers")

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var envelope ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(body), &envelope))
	assert.Equal(t, "proxy_error", envelope.Error)
	assert.Contains(t, envelope.Message, "upstream_error")
}

func TestAPI_HealthCheck(t *testing.T) {
	h := NewAPITestHarness(t)

	resp, body := h.Request(t, http.MethodGet, "/healthcheck")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", body)
	assert.Zero(t, h.TokenAPI.RequestCount())
}

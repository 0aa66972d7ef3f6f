// Package odata issues authenticated requests to the upstream OData service
// and returns its responses without interpretation.
package odata

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/odatabridge/odata-bridge/internal/audit"
	"github.com/rs/zerolog/log"
)

// Accept is sent on every upstream request, asking for JSON without OData
// metadata annotations.
const Accept = "application/json;odata.metadata=none"

// DefaultContentType is relayed when the upstream omits a content type.
const DefaultContentType = "application/json"

// Response is a fully read upstream response.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// UpstreamError is returned when the upstream service could not be reached or
// its response could not be read.
type UpstreamError struct {
	URL string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream_error: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Status maps the failure to the response the proxy gives its caller.
func (e *UpstreamError) Status() (int, string) {
	return http.StatusBadGateway, e.Error()
}

// BuildURL joins the path segments with "/" and appends them to base,
// followed by query. The query is appended byte for byte: it is neither
// parsed nor re-encoded, so OData expressions reach the upstream exactly as
// the caller wrote them.
func BuildURL(base string, segments []string, query string) string {
	return base + "/" + strings.Join(segments, "/") + query
}

// RawQuery returns the query of u including its leading "?", or "" when the
// request had no query. A bare trailing "?" is preserved.
func RawQuery(u *url.URL) string {
	if u.RawQuery == "" && !u.ForceQuery {
		return ""
	}
	return "?" + u.RawQuery
}

// Segments splits a captured wildcard path into its components.
func Segments(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Client calls the upstream OData service rooted at a fixed base URL.
type Client struct {
	client  *http.Client
	baseURL string
}

// NewClient creates a client for the service at baseURL. A nil http client
// uses http.DefaultClient.
func NewClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = http.DefaultClient
	}

	return &Client{
		client:  client,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

// Get requests the resource at the given path segments and query with the
// bearer token attached. The body is read in full before returning, so a
// failure part way through yields an error rather than a truncated response.
// Upstream error statuses are not errors: they are returned for relay.
func (c *Client) Get(ctx context.Context, segments []string, query string, bearer string) (Response, error) {
	target := BuildURL(c.baseURL, segments, query)

	entry := audit.Log(ctx)
	entry.UpstreamURL = target

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Response{}, &UpstreamError{URL: target, Err: err}
	}

	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", Accept)

	resp, err := c.client.Do(req)
	if err != nil {
		return Response{}, &UpstreamError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, &UpstreamError{URL: target, Err: fmt.Errorf("reading response body: %w", err)}
	}

	entry.UpstreamStatus = resp.StatusCode

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = DefaultContentType
	}

	log.Ctx(ctx).Debug().
		Str("url", target).
		Int("status", resp.StatusCode).
		Int("bytes", len(body)).
		Msg("upstream response received")

	return Response{
		StatusCode:  resp.StatusCode,
		ContentType: contentType,
		Body:        body,
	}, nil
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/odatabridge/odata-bridge/internal/audit"
	"github.com/odatabridge/odata-bridge/internal/config"
	"github.com/odatabridge/odata-bridge/internal/odata"
	"github.com/rs/zerolog/log"
)

const (
	proxyRoutePrefix = "/odata/"

	corsAllowMethods = "GET,POST,OPTIONS"
	corsAllowHeaders = "content-type,authorization"
)

// HTTPStatuser provides HTTP status information for errors
type HTTPStatuser interface {
	Status() (int, string)
}

// TokenSource supplies the bearer token attached to upstream requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Upstream issues the authenticated request to the OData service.
type Upstream interface {
	Get(ctx context.Context, segments []string, query string, bearer string) (odata.Response, error)
}

// handleProxy relays the request to the upstream service. Whatever the inbound
// method, the upstream request is a GET.
func handleProxy(tokens TokenSource, upstream Upstream) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		ctx := r.Context()

		bearer, err := tokens.Token(ctx)
		if err != nil {
			proxyError(w, r, err)
			return
		}

		resp, err := upstream.Get(ctx, odata.Segments(proxiedPath(r)), odata.RawQuery(r.URL), bearer)
		if err != nil {
			proxyError(w, r, err)
			return
		}

		w.Header().Set("Content-Type", resp.ContentType)
		w.WriteHeader(resp.StatusCode)

		_, err = w.Write(resp.Body)
		if err != nil {
			// record failure to log: trying to respond to the client at this
			// point will likely fail
			log.Ctx(ctx).Info().Msgf("failed to write response: %v", err)
			return
		}
	})
}

// proxiedPath returns the escaped path following the route prefix, so
// percent-encoded characters reach the upstream as the caller sent them.
func proxiedPath(r *http.Request) string {
	if path, ok := strings.CutPrefix(r.URL.EscapedPath(), proxyRoutePrefix); ok {
		return path
	}
	return r.PathValue("path")
}

func proxyError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := errorStatus(err)
	audit.Log(r.Context()).Error = message
	log.Ctx(r.Context()).Info().Msgf("proxy request failed: %v", err)
	writeJSONError(w, status, message)
}

// cors sets the cross-origin headers on every response and answers preflight
// requests directly.
func cors(cfg config.CORSConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", cfg.AllowOrigin)
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)

			if r.Method == http.MethodOptions {
				drainRequestBody(r)
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// corsForPrefix applies cors to requests at or below prefix, leaving other
// routes untouched.
func corsForPrefix(prefix string, cfg config.CORSConfig) func(http.Handler) http.Handler {
	root := strings.TrimSuffix(prefix, "/")

	return func(next http.Handler) http.Handler {
		withCORS := cors(cfg)(next)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == root || strings.HasPrefix(r.URL.Path, prefix) {
				withCORS.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func handleHealthCheck() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

func maxRequestSize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.MaxBytesHandler(next, limit)
	}
}

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeJSONError writes a proxy_error response with the given status code and message.
func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{Error: "proxy_error", Message: message}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		// At this point the status code has been written, so we can only log
		log.Info().Msgf("failed to write JSON error response: %v", err)
	}
}

// errorStatus extracts HTTP status code and message from an error.
// Returns (StatusBadGateway, err.Error()) for errors that don't implement HTTPStatuser.
func errorStatus(err error) (int, string) {
	var statuser HTTPStatuser
	if errors.As(err, &statuser) {
		return statuser.Status()
	}
	return http.StatusBadGateway, err.Error()
}

// drainRequestBody drains the request body by reading and discarding the contents.
// This is useful to ensure the request body is fully consumed, which is important
// for connection reuse in HTTP/1 clients.
func drainRequestBody(r *http.Request) {
	if r.Body != nil {
		// 5MB max: after this we'll assume the client is broken or malicious
		// and close the connection
		io.CopyN(io.Discard, r.Body, 5*1024*1024)
	}
}

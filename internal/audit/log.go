package audit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/rs/zerolog"
)

// Level is the level audit entries are written at. It sits above the
// standard levels so audit output survives any configured log level.
const Level = zerolog.Level(20)

type key struct{}

var logKey = key{}

// Entry is a single audit record for a proxied request. Components in the
// request path fill in the fields relevant to them via Log.
type Entry struct {
	Method    string
	Path      string
	Status    int
	SourceIP  string
	UserAgent string

	UpstreamURL    string
	UpstreamStatus int

	TokenCached bool
	TokenExpiry time.Time

	Error string
}

// MarshalZerologObject nests related fields into dicts, omitting dicts that
// have no content.
func (e *Entry) MarshalZerologObject(event *zerolog.Event) {
	event.Dict("request", zerolog.Dict().
		Str("method", e.Method).
		Str("path", e.Path).
		Int("status", e.Status).
		Str("sourceIP", e.SourceIP).
		Str("userAgent", e.UserAgent),
	)

	NewOptionalEvent(nil).
		Str("url", e.UpstreamURL).
		Int("status", e.UpstreamStatus).
		Set(event, "upstream")

	token := NewOptionalEvent(nil)
	if !e.TokenExpiry.IsZero() {
		token.Event().Time("expiry", e.TokenExpiry)
		token.Bool("cached", e.TokenCached)
	}
	token.Set(event, "token")

	if e.Error != "" {
		event.Str("error", e.Error)
	}
}

// Begin records the request attributes known before the handler runs.
func (e *Entry) Begin(r *http.Request) {
	e.Method = r.Method
	e.Path = r.URL.Path
	e.UserAgent = r.UserAgent()
	e.SourceIP = sourceIP(r)
}

// End returns a function to be deferred by the caller: it writes the entry
// and, if the handler panicked, records the panic before re-panicking.
func (e *Entry) End(ctx context.Context) func() {
	return func() {
		r := recover()
		if r != nil {
			if e.Error != "" {
				e.Error += "; "
			}
			e.Error += fmt.Sprintf("panic: %v", r)
		}

		if e.Status == 0 {
			e.Status = http.StatusOK
		}

		zerolog.Ctx(ctx).WithLevel(Level).EmbedObject(e).Msg("audit_event")

		if r != nil {
			panic(r)
		}
	}
}

// Context returns the audit entry stored in ctx, creating and attaching a new
// one when absent.
func Context(ctx context.Context) (context.Context, *Entry) {
	if e, ok := ctx.Value(logKey).(*Entry); ok {
		return ctx, e
	}

	e := &Entry{}
	return context.WithValue(ctx, logKey, e), e
}

// Log returns the audit entry for the request. Outside the middleware it
// returns a detached entry, so callers never need a nil check.
func Log(ctx context.Context) *Entry {
	if e, ok := ctx.Value(logKey).(*Entry); ok {
		return e
	}
	return &Entry{}
}

// Middleware attaches an audit entry to each request and writes it once the
// request completes.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, entry := Context(r.Context())
			entry.Begin(r)
			defer entry.End(ctx)()

			wrapped := httpsnoop.Wrap(w, httpsnoop.Hooks{
				WriteHeader: func(next httpsnoop.WriteHeaderFunc) httpsnoop.WriteHeaderFunc {
					return func(code int) {
						if entry.Status == 0 {
							entry.Status = code
						}
						next(code)
					}
				},
			})

			next.ServeHTTP(wrapped, r.WithContext(ctx))
		})
	}
}

func sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

package requestid

import (
	"context"
	"net/http"

	"github.com/renstrom/shortuuid"
)

// Request Ids are embedded in HTTP headers using this key.
// This is the standard key used for request Ids. For example, opentelemetry uses the same one.
const MetadataKey = "x-request-id"

type contextKey int

const requestIdKey contextKey = 0

// FromContext returns the request Id stored in a context, if one is available.
// The second return value is true if the operation was successful.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIdKey).(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// FromContextOrMissing returns the request Id stored in a context,
// if one is available. If none is available, the string "missing" is returned.
func FromContextOrMissing(ctx context.Context) string {
	if id, ok := FromContext(ctx); ok {
		return id
	}
	return "missing"
}

// AddToContext returns a new context derived from ctx that is annotated with an Id.
// If ctx already has an Id, it is overwritten.
func AddToContext(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIdKey, id)
}

// Middleware returns an http middleware that annotates incoming requests with an Id.
// Ids are read from the x-request-id header if present and otherwise generated using
// github.com/renstrom/shortuuid. If replace is true, any client-provided Id is discarded.
// The assigned Id is echoed back to the client in the response headers.
func Middleware(replace bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(MetadataKey)
			if id == "" || replace {
				id = shortuuid.New()
			}
			w.Header().Set(MetadataKey, id)
			next.ServeHTTP(w, r.WithContext(AddToContext(r.Context(), id)))
		})
	}
}

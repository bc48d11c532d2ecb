package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/xid"
)

// Header carries correlation identifiers across HTTP hops.
const Header = "X-Correlation-Id"

// MaxIDLength defines the maximum number of characters accepted for correlation identifiers.
const MaxIDLength = 128

type contextKey struct{}

// Set records id on ctx when it normalizes; otherwise ctx is returned as is.
func Set(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID retrieves the correlation ID stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Ensure returns ctx carrying a correlation ID, generating one when absent.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := ID(ctx); id != "" {
		return ctx, id
	}
	id := Generate()
	return Set(ctx, id), id
}

// FromRequest adopts the inbound correlation header or mints a new ID and
// returns the derived context.
func FromRequest(r *http.Request) (context.Context, string) {
	ctx := r.Context()
	if id, ok := Normalize(r.Header.Get(Header)); ok {
		return Set(ctx, id), id
	}
	return Ensure(ctx)
}

// Normalize validates and canonicalizes an external correlation identifier.
// It returns the normalized ID and true if the input is acceptable.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate produces a new sortable correlation identifier.
func Generate() string {
	return xid.New().String()
}

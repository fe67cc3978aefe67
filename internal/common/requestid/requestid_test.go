package requestid

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/renstrom/shortuuid"
)

func TestAddGet(t *testing.T) {
	ctx := context.Background()

	// Test adding and getting an id
	id := shortuuid.New()
	ctx = AddToContext(ctx, id)

	readId, ok := FromContext(ctx)
	if !ok {
		t.Fatal("error getting id from context")
	}
	if readId != id {
		t.Fatalf("expected %q, but got %q", id, readId)
	}

	// Test overwriting the id
	id = shortuuid.New()
	ctx = AddToContext(ctx, id)

	readId, ok = FromContext(ctx)
	if !ok {
		t.Fatal("error getting overwritten id from context")
	}
	if readId != id {
		t.Fatalf("expected new id to be %q, but got %q", id, readId)
	}
}

func TestMiddleware(t *testing.T) {
	handler := Middleware(false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := FromContext(r.Context())
		if !ok {
			t.Fatal("error getting id from context")
		}
		if id == "" {
			t.Fatal("got the empty string as id")
		}
	}))

	req := httptest.NewRequest("GET", "/api/info", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Header().Get(MetadataKey) == "" {
		t.Fatal("expected id to be echoed in response headers")
	}
}

func TestMiddleware_KeepsClientId(t *testing.T) {
	var seen string
	handler := Middleware(false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
	}))

	req := httptest.NewRequest("GET", "/api/info", nil)
	req.Header.Set(MetadataKey, "client-id")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if seen != "client-id" {
		t.Fatalf("expected client-id to be preserved, got %q", seen)
	}
}

func TestMiddleware_Replace(t *testing.T) {
	var seen string
	handler := Middleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
	}))

	req := httptest.NewRequest("GET", "/api/info", nil)
	req.Header.Set(MetadataKey, "client-id")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if seen == "client-id" || seen == "" {
		t.Fatalf("expected a fresh id, got %q", seen)
	}
}

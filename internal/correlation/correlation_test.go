package correlation

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	valid := "abc-123"
	if got, ok := Normalize(valid); !ok || got != valid {
		t.Fatalf("expected %q to normalize, got %q ok=%v", valid, got, ok)
	}
	if got, ok := Normalize("  xyz  "); !ok || got != "xyz" {
		t.Fatalf("expected trimmed normalize to xyz, got %q ok=%v", got, ok)
	}
	if _, ok := Normalize(""); ok {
		t.Fatal("empty id should be invalid")
	}
	if _, ok := Normalize(strings.Repeat("a", MaxIDLength+1)); ok {
		t.Fatal("overlong id should be invalid")
	}
	if _, ok := Normalize("bad\x01suffix"); ok {
		t.Fatal("non-printable should be invalid")
	}
}

func TestSetIgnoresInvalid(t *testing.T) {
	ctx := Set(context.Background(), "abc")
	if ID(ctx) != "abc" {
		t.Fatalf("expected abc, got %q", ID(ctx))
	}
	ctx = Set(ctx, "\x00")
	if ID(ctx) != "abc" {
		t.Fatalf("invalid id must not replace existing one, got %q", ID(ctx))
	}
}

func TestEnsureGeneratesOnce(t *testing.T) {
	ctx, id := Ensure(context.Background())
	if id == "" || ID(ctx) != id {
		t.Fatalf("expected generated id on context, got %q/%q", id, ID(ctx))
	}
	again, same := Ensure(ctx)
	if same != id || ID(again) != id {
		t.Fatalf("Ensure replaced existing id: %q vs %q", same, id)
	}
}

func TestFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "http://example.com/", nil)
	req.Header.Set(Header, "upstream-1")
	if _, id := FromRequest(req); id != "upstream-1" {
		t.Fatalf("expected inbound id, got %q", id)
	}
	req.Header.Set(Header, "\x7f")
	if _, id := FromRequest(req); id == "" || id == "\x7f" {
		t.Fatalf("expected generated id, got %q", id)
	}
}

package azure

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"pkt.systems/veneer/internal/storage"
)

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{Container: "c"}); err == nil {
		t.Fatal("expected error without account")
	}
	if _, err := New(Config{Account: "a"}); err == nil {
		t.Fatal("expected error without container")
	}
	if _, err := New(Config{Account: "a", Container: "c"}); err == nil {
		t.Fatal("expected error without credentials")
	}
}

func TestObjectBlobRoundTripsEscapedKeys(t *testing.T) {
	store := &Store{prefix: "veneer"}
	name, err := store.objectBlob("default", "behaviors/api.example.com%3A8443.json")
	if err != nil {
		t.Fatalf("objectBlob: %v", err)
	}
	if name != "veneer/default/behaviors/api.example.com%253A8443.json" {
		t.Fatalf("unexpected blob name %q", name)
	}
	key, ok := store.logicalKey("default", name)
	if !ok || key != "behaviors/api.example.com%3A8443.json" {
		t.Fatalf("logicalKey=%q ok=%v", key, ok)
	}
	if _, ok := store.logicalKey("other", name); ok {
		t.Fatal("expected foreign namespace to be rejected")
	}
	if _, err := store.objectBlob("default", ""); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestAppendSASToken(t *testing.T) {
	got, err := appendSASToken("https://acct.blob.core.windows.net/?a=1", "?sv=2020&sig=x")
	if err != nil {
		t.Fatalf("appendSASToken: %v", err)
	}
	if got != "https://acct.blob.core.windows.net/?a=1&sv=2020&sig=x" {
		t.Fatalf("unexpected url %q", got)
	}
}

func TestErrorClassification(t *testing.T) {
	precondition := &azcore.ResponseError{StatusCode: http.StatusPreconditionFailed}
	missing := &azcore.ResponseError{StatusCode: http.StatusNotFound}
	throttled := &azcore.ResponseError{StatusCode: http.StatusServiceUnavailable}
	exists := &azcore.ResponseError{StatusCode: http.StatusConflict, ErrorCode: "ContainerAlreadyExists"}

	if !isPreconditionFailed(precondition) || isPreconditionFailed(missing) {
		t.Fatal("precondition classification mismatch")
	}
	if !isNotFound(missing) || isNotFound(precondition) {
		t.Fatal("not found classification mismatch")
	}
	if !isContainerExists(exists) || isContainerExists(missing) {
		t.Fatal("container exists classification mismatch")
	}
	if err := wrapError(throttled, "azure: list"); !storage.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if err := wrapError(missing, "azure: list"); storage.IsTransient(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if err := wrapError(context.DeadlineExceeded, "azure: list"); !storage.IsTransient(err) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected transient deadline error, got %v", err)
	}
}

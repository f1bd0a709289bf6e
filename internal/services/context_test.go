package services_test

import (
	"context"
	"testing"

	"ecobin/internal/services"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithRequestID(ctx, "req-123")
	ctx = services.WithSource(ctx, "reader")

	if rid, ok := services.RequestIDFromContext(ctx); !ok || rid != "req-123" {
		t.Fatalf("unexpected request id: %v %v", rid, ok)
	}
	if src, ok := services.SourceFromContext(ctx); !ok || src != "reader" {
		t.Fatalf("unexpected source: %v %v", src, ok)
	}
}

func TestBlankSourcePreservesContext(t *testing.T) {
	ctx := services.WithSource(context.Background(), "")
	if _, ok := services.SourceFromContext(ctx); ok {
		t.Fatal("expected no source value")
	}
}

package otel

import (
	"context"
	"testing"

	"escrowdesk/config"
)

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders(" x-tenant = escrow ,broken, =skip,auth=Bearer abc")
	if len(got) != 2 || got["x-tenant"] != "escrow" || got["auth"] != "Bearer abc" {
		t.Fatalf("unexpected headers: %v", got)
	}
}

func TestInitDisabledIsNoop(t *testing.T) {
	cfg := FromSettings("escrowd", "test", config.Telemetry{Traces: true})
	if cfg.Enabled() {
		t.Fatalf("no endpoint should disable export")
	}
	shutdown, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error without service name")
	}
}

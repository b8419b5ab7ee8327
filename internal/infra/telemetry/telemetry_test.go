package telemetry

import (
	"context"
	"testing"
)

func TestDisabledProviderFallsBackToGlobalMeter(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false, Environment: "Staging"})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if p.Enabled() {
		t.Fatal("expected disabled provider")
	}
	if p.Meter("aisbus") == nil {
		t.Fatal("expected a meter")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if got := Environment(); got != "staging" {
		t.Fatalf("expected environment staging, got %q", got)
	}
	SetEnvironment("")
	if got := Environment(); got != "development" {
		t.Fatalf("expected development fallback, got %q", got)
	}
}

func TestStripScheme(t *testing.T) {
	cases := map[string]string{
		"http://collector:4318":  "collector:4318",
		"https://collector:4318": "collector:4318",
		"collector:4318":         "collector:4318",
	}
	for in, want := range cases {
		if got := stripScheme(in); got != want {
			t.Fatalf("stripScheme(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPacketAttributesOmitUnknownType(t *testing.T) {
	if got := len(PacketAttributes("dev", "s", 0)); got != 2 {
		t.Fatalf("expected 2 attributes, got %d", got)
	}
	attrs := PacketAttributes("dev", "s", 5)
	if len(attrs) != 3 || attrs[2].Value.AsString() != "5" {
		t.Fatalf("unexpected attributes %v", attrs)
	}
}

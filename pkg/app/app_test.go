package app

import (
	"context"
	"strings"
	"testing"

	"github.com/voxhall/relay/pkg/stt"
)

func TestBuildSTTFactory(t *testing.T) {
	factory, err := buildSTTFactory(VendorConfig{
		Provider: "assemblyai",
		Settings: map[string]any{"api_key": "k", "min_confidence": 0.8},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	client := factory(stt.Config{CallSID: "CA1", SampleRate: 8000})
	if client.Name() != "assemblyai" {
		t.Fatalf("unexpected provider: %s", client.Name())
	}

	factory, err = buildSTTFactory(VendorConfig{
		Provider: "deepgram",
		Settings: map[string]any{"api_key": "k", "model": "nova-2"},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := factory(stt.Config{}).Name(); got != "deepgram" {
		t.Fatalf("unexpected provider: %s", got)
	}
}

func TestBuildSTTFactoryRejectsBadSettings(t *testing.T) {
	if _, err := buildSTTFactory(VendorConfig{Provider: "assemblyai"}); err == nil || !strings.Contains(err.Error(), "api_key") {
		t.Fatalf("expected missing api_key error, got %v", err)
	}
	if _, err := buildSTTFactory(VendorConfig{
		Provider: "assemblyai",
		Settings: map[string]any{"api_key": "k", "api_keey": "typo"},
	}); err == nil || !strings.Contains(err.Error(), "unknown") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
	if _, err := buildSTTFactory(VendorConfig{Provider: "whisperx"}); err == nil {
		t.Fatalf("expected unsupported provider error")
	}
}

func TestBuildAdvisor(t *testing.T) {
	adv, err := buildAdvisor(context.Background(), VendorConfig{})
	if err != nil || adv != nil {
		t.Fatalf("empty provider should disable the advisor, got %v %v", adv, err)
	}

	adv, err = buildAdvisor(context.Background(), VendorConfig{
		Provider: "openai",
		Settings: map[string]any{"api_key": "k"},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if adv.Name() != "openai" {
		t.Fatalf("unexpected advisor: %s", adv.Name())
	}

	if _, err := buildAdvisor(context.Background(), VendorConfig{Provider: "openai"}); err == nil {
		t.Fatalf("expected missing api_key error")
	}
	if _, err := buildAdvisor(context.Background(), VendorConfig{Provider: "oracle"}); err == nil {
		t.Fatalf("expected unsupported provider error")
	}
}

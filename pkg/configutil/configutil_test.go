package configutil

import (
	"strings"
	"testing"
)

func TestDecodeSettingsKeyNormalization(t *testing.T) {
	var out struct {
		APIKey     string  `mapstructure:"api_key"`
		SampleRate int     `mapstructure:"sample_rate"`
		Threshold  float64 `mapstructure:"threshold"`
	}
	err := DecodeSettings(map[string]any{
		"API-Key":    "secret",
		"samplerate": 8000,
		"threshold":  "0.7", // weakly typed
	}, &out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.APIKey != "secret" || out.SampleRate != 8000 || out.Threshold != 0.7 {
		t.Fatalf("unexpected decode result: %+v", out)
	}
}

func TestDecodeSettingsEmptyInput(t *testing.T) {
	var out struct {
		APIKey string `mapstructure:"api_key"`
	}
	if err := DecodeSettings(nil, &out); err != nil {
		t.Fatalf("nil input: %v", err)
	}
	if out.APIKey != "" {
		t.Fatalf("nil input mutated output: %+v", out)
	}
}

func TestValidateSettings(t *testing.T) {
	schema := Schema{Required: []string{"api_key"}, Optional: []string{"model"}}

	if err := ValidateSettings(map[string]any{"api_key": "k", "model": "m"}, schema); err != nil {
		t.Fatalf("valid settings rejected: %v", err)
	}

	err := ValidateSettings(map[string]any{"model": "m"}, schema)
	if err == nil || !strings.Contains(err.Error(), "missing: api_key") {
		t.Fatalf("expected missing api_key, got %v", err)
	}

	err = ValidateSettings(map[string]any{"api_key": "  "}, schema)
	if err == nil || !strings.Contains(err.Error(), "missing: api_key") {
		t.Fatalf("blank required value must count as missing, got %v", err)
	}

	err = ValidateSettings(map[string]any{"api_key": "k", "modle": "typo"}, schema)
	if err == nil || !strings.Contains(err.Error(), "unknown: modle") {
		t.Fatalf("expected unknown key, got %v", err)
	}

	schema.AllowUnknown = true
	if err := ValidateSettings(map[string]any{"api_key": "k", "extra": 1}, schema); err != nil {
		t.Fatalf("AllowUnknown ignored: %v", err)
	}
}

func TestRequireString(t *testing.T) {
	if err := RequireString("value", "field"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := RequireString("  ", "vendors.stt.provider")
	if err == nil || !strings.Contains(err.Error(), "vendors.stt.provider") {
		t.Fatalf("expected error naming the field, got %v", err)
	}
}

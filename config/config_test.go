package config

import (
	"strings"
	"testing"
)

func validConfig() *Config {
	return &Config{
		APIKey:        "sk-test",
		BaseURL:       "https://api.example.com/v1",
		TranscribeURL: "https://transcribe.example.com",
	}
}

func TestValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	t.Run("missing API key", func(t *testing.T) {
		cfg := validConfig()
		cfg.APIKey = "  "
		err := cfg.Validate()
		if err == nil {
			t.Fatal("expected validation error")
		}
		if !strings.Contains(err.Error(), "API key") {
			t.Errorf("error = %v, want it to name the API key", err)
		}
	})

	t.Run("missing transcription URL", func(t *testing.T) {
		cfg := validConfig()
		cfg.TranscribeURL = ""
		err := cfg.Validate()
		if err == nil {
			t.Fatal("expected validation error")
		}
		if !strings.Contains(err.Error(), "transcription service URL") {
			t.Errorf("error = %v, want it to name the transcription URL", err)
		}
	})

	t.Run("all problems reported together", func(t *testing.T) {
		cfg := &Config{}
		err := cfg.Validate()
		if err == nil {
			t.Fatal("expected validation error")
		}
		for _, want := range []string{"API key", "base URL", "transcription service URL"} {
			if !strings.Contains(err.Error(), want) {
				t.Errorf("error %v missing %q", err, want)
			}
		}
	})
}

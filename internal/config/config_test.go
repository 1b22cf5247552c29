package config

import (
	"testing"

	"github.com/dic/gateway/internal/platform/auth"
)

func validConfig() *Config {
	return &Config{
		Port:                "8080",
		Env:                 "test",
		DatabaseURL:         "postgres://localhost/gateway",
		ExchangeIDSystem:    "TOKEN",
		SyncIntervalSeconds: 60,
		Request:             Endpoint{URL: "http://request.example"},
		Input:               Endpoint{URL: "http://input.example"},
		Output:              Endpoint{URL: "http://output.example"},
	}
}

func TestValidateMinimal(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidateMissingRequired(t *testing.T) {
	mutations := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no database", func(c *Config) { c.DatabaseURL = "" }},
		{"no request url", func(c *Config) { c.Request.URL = "" }},
		{"no input url", func(c *Config) { c.Input.URL = "" }},
		{"no output url", func(c *Config) { c.Output.URL = "" }},
		{"empty exchange system", func(c *Config) { c.ExchangeIDSystem = "" }},
		{"zero interval", func(c *Config) { c.SyncIntervalSeconds = 0 }},
		{"bad auth mode", func(c *Config) { c.Input.AuthMode = "kerberos" }},
		{"jwt without key", func(c *Config) { c.Output.AuthMode = "jwt-bearer" }},
	}
	for _, m := range mutations {
		c := validConfig()
		m.mutate(c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: expected validation error", m.name)
		}
	}
}

func TestValidateTTP(t *testing.T) {
	c := validConfig()
	c.TTP.Backend = "mainzelliste"
	if err := c.Validate(); err == nil {
		t.Error("expected error without TTP_URL")
	}
	c.TTP.URL = "http://ttp.example"
	c.TTP.ProjectIDSystem = "https://dic.example/sid/project-x"
	if err := c.Validate(); err != nil {
		t.Errorf("mainzelliste: %v", err)
	}

	c.TTP.Backend = "greifswald"
	c.TTP.Mode = "soap"
	if err := c.Validate(); err == nil {
		t.Error("greifswald without domains must fail")
	}
	c.TTP.Source = "dic"
	c.TTP.EpixDomain = "epix"
	c.TTP.GpasDomain = "gpas"
	if err := c.Validate(); err != nil {
		t.Errorf("greifswald: %v", err)
	}

	c.TTP.Mode = "graphql"
	if err := c.Validate(); err == nil {
		t.Error("unknown mode must fail")
	}

	c.TTP.Mode = "fhir"
	c.TTP.Backend = "verifier"
	if err := c.Validate(); err == nil {
		t.Error("unknown backend must fail")
	}
}

func TestEndpointMethod(t *testing.T) {
	m, err := Endpoint{AuthMode: "basic", User: "u", Password: "p"}.Method()
	if err != nil || m.Kind != auth.KindBasic {
		t.Errorf("basic: %+v, %v", m, err)
	}

	m, err = Endpoint{}.Method()
	if err != nil || m.Kind != auth.KindNone {
		t.Errorf("default: %+v, %v", m, err)
	}

	m, err = Endpoint{AuthMode: "oauth", ClientID: "c", ClientSecret: "s", TokenURL: "http://t", Scope: "x"}.Method()
	if err != nil || m.Kind != auth.KindOAuth || m.Scope != "x" {
		t.Errorf("oauth: %+v, %v", m, err)
	}

	if _, err := (Endpoint{AuthMode: "oauth"}).Method(); err == nil {
		t.Error("oauth without credentials must fail")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/gateway")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("port = %q", cfg.Port)
	}
	if cfg.ExchangeIDSystem != "TOKEN" {
		t.Errorf("exchange system = %q", cfg.ExchangeIDSystem)
	}
	if cfg.SyncIntervalSeconds != 60 {
		t.Errorf("interval = %d", cfg.SyncIntervalSeconds)
	}
	if cfg.TTPEnabled() {
		t.Error("ttp must default to disabled")
	}
}

func TestLoadEndpointEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/gateway")
	t.Setenv("INPUT_FHIR_URL", "http://input.example")
	t.Setenv("INPUT_AUTH_MODE", "basic")
	t.Setenv("INPUT_AUTH_USER", "gw")
	t.Setenv("TTP_BACKEND", "greifswald")
	t.Setenv("TTP_URL", "http://ttp.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Input.URL != "http://input.example" || cfg.Input.AuthMode != "basic" || cfg.Input.User != "gw" {
		t.Errorf("input endpoint = %+v", cfg.Input)
	}
	if cfg.TTP.URL != "http://ttp.example" || cfg.TTP.Mode != "soap" {
		t.Errorf("ttp = %+v", cfg.TTP)
	}
}

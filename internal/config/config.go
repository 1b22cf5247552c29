// Package config loads the gateway configuration from the environment or a
// .env file and validates it before anything starts talking to the outside.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dic/gateway/internal/platform/auth"
	"github.com/dic/gateway/internal/ttp"
)

// Endpoint describes one remote HTTP endpoint and how to authenticate
// against it.
type Endpoint struct {
	URL            string
	AuthMode       string
	User           string
	Password       string
	ClientID       string
	ClientSecret   string
	TokenURL       string
	Scope          string
	PrivateKeyFile string
}

// Method builds the auth.Method for the endpoint, loading the signing key
// when the jwt-bearer mode asks for one.
func (e Endpoint) Method() (auth.Method, error) {
	var m auth.Method
	switch e.AuthMode {
	case "", "none":
		m = auth.None()
	case "basic":
		m = auth.Basic(e.User, e.Password)
	case "oauth":
		m = auth.OAuth(e.ClientID, e.ClientSecret, e.TokenURL)
		m.Scope = e.Scope
	case "jwt-bearer":
		key, err := auth.LoadRSAPrivateKey(e.PrivateKeyFile)
		if err != nil {
			return auth.Method{}, err
		}
		m = auth.JWTBearer(e.ClientID, e.TokenURL, e.Scope, key)
	default:
		return auth.Method{}, fmt.Errorf("unknown auth mode %q", e.AuthMode)
	}
	if err := m.Validate(); err != nil {
		return auth.Method{}, err
	}
	return m, nil
}

// validateMode checks the mode string without touching the key file, so
// Validate stays side-effect free.
func (e Endpoint) validateMode(name string) error {
	switch e.AuthMode {
	case "", "none", "basic", "oauth", "jwt-bearer":
	default:
		return fmt.Errorf("%s_AUTH_MODE must be none, basic, oauth or jwt-bearer, got %q", name, e.AuthMode)
	}
	if e.AuthMode == "jwt-bearer" && e.PrivateKeyFile == "" {
		return fmt.Errorf("%s_PRIVATE_KEY_FILE is required for jwt-bearer", name)
	}
	return nil
}

// TTPConfig is the trusted-third-party block. An empty Backend disables
// pseudonymization entirely.
type TTPConfig struct {
	Endpoint
	Backend         string
	APIKey          string
	ProjectIDSystem string
	Source          string
	EpixDomain      string
	GpasDomain      string
	Mode            string
	VerifyStartup   bool
}

// ClientConfig assembles the ttp.Config, resolving the auth method.
func (t TTPConfig) ClientConfig(exchangeIDSystem string) (ttp.Config, error) {
	method, err := t.Method()
	if err != nil {
		return ttp.Config{}, err
	}
	mode := ttp.Mode(t.Mode)
	if mode == "" {
		mode = ttp.ModeSOAP
	}
	return ttp.Config{
		Backend:          ttp.Backend(t.Backend),
		URL:              t.URL,
		Auth:             method,
		ProjectIDSystem:  t.ProjectIDSystem,
		ExchangeIDSystem: exchangeIDSystem,
		APIKey:           t.APIKey,
		Source:           t.Source,
		EpixDomain:       t.EpixDomain,
		GpasDomain:       t.GpasDomain,
		Mode:             mode,
	}, nil
}

type Config struct {
	Port                string
	Env                 string
	DatabaseURL         string
	DBMaxConns          int32
	DBMinConns          int32
	ExchangeIDSystem    string
	SyncIntervalSeconds int

	Request Endpoint
	Input   Endpoint
	Output  Endpoint
	TTP     TTPConfig
}

var endpointKeys = []string{
	"FHIR_URL", "AUTH_MODE", "AUTH_USER", "AUTH_PASSWORD",
	"CLIENT_ID", "CLIENT_SECRET", "TOKEN_URL", "SCOPE", "PRIVATE_KEY_FILE",
}

func bindEndpoint(v *viper.Viper, prefix string) {
	for _, k := range endpointKeys {
		v.BindEnv(prefix + "_" + k)
	}
}

func loadEndpoint(v *viper.Viper, prefix string) Endpoint {
	get := func(k string) string { return v.GetString(prefix + "_" + k) }
	return Endpoint{
		URL:            get("FHIR_URL"),
		AuthMode:       get("AUTH_MODE"),
		User:           get("AUTH_USER"),
		Password:       get("AUTH_PASSWORD"),
		ClientID:       get("CLIENT_ID"),
		ClientSecret:   get("CLIENT_SECRET"),
		TokenURL:       get("TOKEN_URL"),
		Scope:          get("SCOPE"),
		PrivateKeyFile: get("PRIVATE_KEY_FILE"),
	}
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("EXCHANGE_ID_SYSTEM", "TOKEN")
	v.SetDefault("SYNC_INTERVAL_SECONDS", 60)
	v.SetDefault("TTP_MODE", "soap")
	v.SetDefault("TTP_VERIFY_STARTUP", true)

	// Bind env vars explicitly so they are visible without a .env file.
	for _, k := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"EXCHANGE_ID_SYSTEM", "SYNC_INTERVAL_SECONDS",
		"TTP_BACKEND", "TTP_URL", "TTP_API_KEY", "TTP_PROJECT_ID_SYSTEM",
		"TTP_SOURCE", "TTP_EPIX_DOMAIN", "TTP_GPAS_DOMAIN", "TTP_MODE",
		"TTP_VERIFY_STARTUP",
	} {
		v.BindEnv(k)
	}
	bindEndpoint(v, "REQUEST")
	bindEndpoint(v, "INPUT")
	bindEndpoint(v, "OUTPUT")
	bindEndpoint(v, "TTP")

	// Try reading .env, but don't fail if missing.
	_ = v.ReadInConfig()

	cfg := &Config{
		Port:                v.GetString("PORT"),
		Env:                 v.GetString("ENV"),
		DatabaseURL:         v.GetString("DATABASE_URL"),
		DBMaxConns:          v.GetInt32("DB_MAX_CONNS"),
		DBMinConns:          v.GetInt32("DB_MIN_CONNS"),
		ExchangeIDSystem:    v.GetString("EXCHANGE_ID_SYSTEM"),
		SyncIntervalSeconds: v.GetInt("SYNC_INTERVAL_SECONDS"),
		Request:             loadEndpoint(v, "REQUEST"),
		Input:               loadEndpoint(v, "INPUT"),
		Output:              loadEndpoint(v, "OUTPUT"),
		TTP: TTPConfig{
			Endpoint:        loadEndpoint(v, "TTP"),
			Backend:         v.GetString("TTP_BACKEND"),
			APIKey:          v.GetString("TTP_API_KEY"),
			ProjectIDSystem: v.GetString("TTP_PROJECT_ID_SYSTEM"),
			Source:          v.GetString("TTP_SOURCE"),
			EpixDomain:      v.GetString("TTP_EPIX_DOMAIN"),
			GpasDomain:      v.GetString("TTP_GPAS_DOMAIN"),
			Mode:            v.GetString("TTP_MODE"),
			VerifyStartup:   v.GetBool("TTP_VERIFY_STARTUP"),
		},
	}
	// The TTP base URL rides on the endpoint prefix but is not a FHIR url.
	if cfg.TTP.URL == "" {
		cfg.TTP.URL = v.GetString("TTP_URL")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool { return c.Env == "development" }

// TTPEnabled reports whether a pseudonymization backend is configured.
func (c *Config) TTPEnabled() bool { return c.TTP.Backend != "" }

// SyncInterval returns the engine cadence.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSeconds) * time.Second
}

// Validate refuses configurations that cannot work.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.ExchangeIDSystem == "" {
		return fmt.Errorf("EXCHANGE_ID_SYSTEM must not be empty")
	}
	if c.SyncIntervalSeconds <= 0 {
		return fmt.Errorf("SYNC_INTERVAL_SECONDS must be positive, got %d", c.SyncIntervalSeconds)
	}

	for _, ep := range []struct {
		name string
		Endpoint
	}{
		{"REQUEST", c.Request},
		{"INPUT", c.Input},
		{"OUTPUT", c.Output},
	} {
		if ep.URL == "" {
			return fmt.Errorf("%s_FHIR_URL is required", ep.name)
		}
		if err := ep.validateMode(ep.name); err != nil {
			return err
		}
	}

	if !c.TTPEnabled() {
		return nil
	}
	switch ttp.Backend(c.TTP.Backend) {
	case ttp.BackendMainzelliste, ttp.BackendGreifswald:
	default:
		return fmt.Errorf("TTP_BACKEND must be %q or %q, got %q",
			ttp.BackendMainzelliste, ttp.BackendGreifswald, c.TTP.Backend)
	}
	if c.TTP.URL == "" {
		return fmt.Errorf("TTP_URL is required when TTP_BACKEND is set")
	}
	if c.TTP.ProjectIDSystem == "" {
		return fmt.Errorf("TTP_PROJECT_ID_SYSTEM is required when TTP_BACKEND is set")
	}
	if err := c.TTP.validateMode("TTP"); err != nil {
		return err
	}
	if ttp.Backend(c.TTP.Backend) == ttp.BackendGreifswald {
		if c.TTP.Source == "" || c.TTP.EpixDomain == "" || c.TTP.GpasDomain == "" {
			return fmt.Errorf("TTP_SOURCE, TTP_EPIX_DOMAIN and TTP_GPAS_DOMAIN are required for the greifswald backend")
		}
		if m := ttp.Mode(c.TTP.Mode); m != ttp.ModeSOAP && m != ttp.ModeFHIR {
			return fmt.Errorf("TTP_MODE must be soap or fhir, got %q", c.TTP.Mode)
		}
	}
	return nil
}

// Redacted returns a loggable one-line summary without secrets.
func (c *Config) Redacted() string {
	parts := []string{
		"port=" + c.Port,
		"env=" + c.Env,
		"request=" + c.Request.URL,
		"input=" + c.Input.URL,
		"output=" + c.Output.URL,
	}
	if c.TTPEnabled() {
		parts = append(parts, "ttp="+c.TTP.Backend+"@"+c.TTP.URL)
	} else {
		parts = append(parts, "ttp=disabled")
	}
	return strings.Join(parts, " ")
}

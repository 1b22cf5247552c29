package ttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dic/gateway/internal/platform/auth"
	"github.com/dic/gateway/internal/platform/fhir"
)

const apiKeyHeader = "mainzellisteApiKey"

// Mainzelliste speaks the Mainzelliste REST API. Pseudonyms are allocated by
// posting the patient to the FHIR facade with value-less identifier requests
// attached; consents go through the session/token dance of the native API.
type Mainzelliste struct {
	baseURL          string
	apiKey           string
	projectIDSystem  string
	exchangeIDSystem string
	authMethod       auth.Method
	provider         *auth.Provider
	client           *http.Client
	logger           zerolog.Logger
}

func newMainzelliste(cfg Config, provider *auth.Provider, client *http.Client, logger zerolog.Logger) *Mainzelliste {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Mainzelliste{
		baseURL:          ensureTrailingSlash(cfg.URL),
		apiKey:           cfg.APIKey,
		projectIDSystem:  cfg.ProjectIDSystem,
		exchangeIDSystem: cfg.ExchangeIDSystem,
		authMethod:       cfg.Auth,
		provider:         provider,
		client:           client,
		logger:           logger.With().Str("component", "ttp").Str("backend", "mainzelliste").Logger(),
	}
}

func (m *Mainzelliste) do(ctx context.Context, method, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set(apiKeyHeader, m.apiKey)
	if err := m.provider.Apply(ctx, m.authMethod, req); err != nil {
		return nil, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, url, err)
	}
	return resp, nil
}

// CheckAvailability treats any answer, including an error status, as alive.
func (m *Mainzelliste) CheckAvailability(ctx context.Context) bool {
	resp, err := m.do(ctx, http.MethodGet, m.baseURL, "", nil)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// CheckIDTypeAvailable asks the instance for its configured id types.
func (m *Mainzelliste) CheckIDTypeAvailable(ctx context.Context, idType string) (bool, error) {
	resp, err := m.do(ctx, http.MethodGet, m.baseURL+"configuration/idTypes", "", nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, fmt.Errorf("%w: read idTypes: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("%w: idTypes returned %s: %s", ErrBadResponse, resp.Status, strings.TrimSpace(string(body)))
	}

	var idTypes []string
	if err := json.Unmarshal(body, &idTypes); err != nil {
		return false, fmt.Errorf("%w: decode idTypes: %v", ErrBadResponse, err)
	}
	for _, t := range idTypes {
		if t == idType {
			return true, nil
		}
	}
	return false, nil
}

// RequestProjectPseudonym posts the patient to the FHIR facade and returns
// the patient the instance answers with, identifiers filled in.
func (m *Mainzelliste) RequestProjectPseudonym(ctx context.Context, patient *fhir.Patient) (*fhir.Patient, error) {
	payload, err := json.Marshal(patient)
	if err != nil {
		return nil, fmt.Errorf("marshal patient: %w", err)
	}

	resp, err := m.do(ctx, http.MethodPost, m.baseURL+"fhir/Patient", "application/fhir+json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read patient response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		m.logger.Error().Int("status", resp.StatusCode).Str("body", strings.TrimSpace(string(body))).Msg("pseudonym request refused")
		return nil, fmt.Errorf("%w: pseudonym request returned %s", ErrBadResponse, resp.Status)
	}

	var result fhir.Patient
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("%w: decode patient: %v", ErrBadResponse, err)
	}
	if result.IdentifierBySystem(m.projectIDSystem) == nil {
		return nil, fmt.Errorf("%w: response carries no identifier for %q", ErrBadResponse, m.projectIDSystem)
	}
	return &result, nil
}

type mlSession struct {
	URI string `json:"uri"`
}

type mlToken struct {
	TokenID string `json:"tokenId"`
}

// DocumentPatientConsent stores the consent via an addConsent session token.
// The consent must not reference a patient yet; the reference is derived here
// from the patient's exchange identifier.
func (m *Mainzelliste) DocumentPatientConsent(ctx context.Context, consent *fhir.Consent, patient *fhir.Patient) error {
	if consent.Patient != nil {
		return ErrConsentAlreadyLinked
	}
	exchangeID := patient.IdentifierBySystem(m.exchangeIDSystem)
	if exchangeID == nil || exchangeID.Value == "" {
		return fmt.Errorf("document consent: %w %q", fhir.ErrNoIdentifier, m.exchangeIDSystem)
	}

	session, err := m.createSession(ctx)
	if err != nil {
		return err
	}
	token, err := m.createConsentToken(ctx, session)
	if err != nil {
		return err
	}

	// The instance resolves the patient through its own derived id system.
	linked := *consent
	linked.Patient = &fhir.Reference{Identifier: &fhir.Identifier{
		System: m.baseURL + "pid/" + m.exchangeIDSystem,
		Value:  exchangeID.Value,
	}}

	payload, err := json.Marshal(&linked)
	if err != nil {
		return fmt.Errorf("marshal consent: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"fhir/Consent", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/fhir+json")
	req.Header.Set("Authorization", "MainzellisteToken "+token)

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: post consent: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		m.logger.Error().Int("status", resp.StatusCode).Str("body", strings.TrimSpace(string(body))).Msg("consent refused")
		return fmt.Errorf("%w: consent returned %s", ErrBadResponse, resp.Status)
	}
	return nil
}

func (m *Mainzelliste) createSession(ctx context.Context) (*mlSession, error) {
	resp, err := m.do(ctx, http.MethodPost, m.baseURL+"sessions", "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("%w: create session returned %s", ErrBadResponse, resp.Status)
	}
	var s mlSession
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("%w: decode session: %v", ErrBadResponse, err)
	}
	if s.URI == "" {
		return nil, fmt.Errorf("%w: session without uri", ErrBadResponse)
	}
	return &s, nil
}

func (m *Mainzelliste) createConsentToken(ctx context.Context, session *mlSession) (string, error) {
	body := strings.NewReader(`{"type":"addConsent"}`)
	resp, err := m.do(ctx, http.MethodPost, ensureTrailingSlash(session.URI)+"tokens", "application/json", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("%w: create token returned %s", ErrBadResponse, resp.Status)
	}
	var t mlToken
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return "", fmt.Errorf("%w: decode token: %v", ErrBadResponse, err)
	}
	if t.TokenID == "" {
		return "", fmt.Errorf("%w: token without id", ErrBadResponse)
	}
	return t.TokenID, nil
}

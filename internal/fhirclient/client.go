// Package fhirclient talks to the clinical FHIR endpoints surrounding the
// gateway: the request server receiving data requests, the input server the
// sync engine pulls from and the output server it relays to.
package fhirclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dic/gateway/internal/platform/auth"
	"github.com/dic/gateway/internal/platform/fhir"
)

var (
	// ErrUnavailable wraps transport failures.
	ErrUnavailable = errors.New("fhir endpoint unreachable")
	// ErrBadResponse wraps refusals and undecodable replies.
	ErrBadResponse = errors.New("unexpected fhir endpoint response")
)

// lastUpdatedLayout is the second-precision timestamp format used in
// _lastUpdated search clauses.
const lastUpdatedLayout = "2006-01-02T15:04:05"

// Client addresses one FHIR endpoint with one credential method.
type Client struct {
	baseURL    string
	authMethod auth.Method
	provider   *auth.Provider
	client     *http.Client
	logger     zerolog.Logger
}

func New(baseURL string, method auth.Method, provider *auth.Provider, client *http.Client, logger zerolog.Logger) *Client {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if baseURL != "" && baseURL[len(baseURL)-1] == '/' {
		baseURL = baseURL[:len(baseURL)-1]
	}
	return &Client{
		baseURL:    baseURL,
		authMethod: method,
		provider:   provider,
		client:     client,
		logger:     logger.With().Str("component", "fhirclient").Str("endpoint", baseURL).Logger(),
	}
}

func (c *Client) do(ctx context.Context, method, url string, body []byte) (*http.Response, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/fhir+json")
	}
	req.Header.Set("Accept", "application/fhir+json")
	if err := c.provider.Apply(ctx, c.authMethod, req); err != nil {
		return nil, nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return resp, nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	return resp, respBody, nil
}

// CreateBundle posts the bundle as a new Bundle resource and returns the id
// the endpoint assigned.
func (c *Client) CreateBundle(ctx context.Context, bundle *fhir.Bundle) (string, error) {
	payload, err := json.Marshal(bundle)
	if err != nil {
		return "", fmt.Errorf("marshal bundle: %w", err)
	}

	resp, body, err := c.do(ctx, http.MethodPost, c.baseURL+"/fhir/Bundle", payload)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Error().Int("status", resp.StatusCode).Str("body", strings.TrimSpace(string(body))).Msg("create bundle refused")
		return "", fmt.Errorf("%w: create bundle returned %s", ErrBadResponse, resp.Status)
	}

	var created fhir.Bundle
	if err := json.Unmarshal(body, &created); err != nil {
		return "", fmt.Errorf("%w: decode created bundle: %v", ErrBadResponse, err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("%w: created bundle without id", ErrBadResponse)
	}
	return created.ID, nil
}

// SearchBundlesSince pulls all bundles updated after the given instant.
func (c *Client) SearchBundlesSince(ctx context.Context, since time.Time) (*fhir.Bundle, error) {
	query := url.Values{}
	query.Set("_lastUpdated", "gt"+since.UTC().Format(lastUpdatedLayout))

	resp, body, err := c.do(ctx, http.MethodGet, c.baseURL+"/fhir/Bundle?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Error().Int("status", resp.StatusCode).Str("body", strings.TrimSpace(string(body))).Msg("bundle search refused")
		return nil, fmt.Errorf("%w: bundle search returned %s", ErrBadResponse, resp.Status)
	}

	var result fhir.Bundle
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("%w: decode search result: %v", ErrBadResponse, err)
	}
	return &result, nil
}

// PostBundle submits the bundle to the endpoint root for processing. The
// response is only logged; delivery is judged by the status code.
func (c *Client) PostBundle(ctx context.Context, bundle *fhir.Bundle) error {
	payload, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("marshal bundle: %w", err)
	}

	resp, body, err := c.do(ctx, http.MethodPost, c.baseURL+"/fhir", payload)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Error().Int("status", resp.StatusCode).Str("body", strings.TrimSpace(string(body))).Msg("bundle relay refused")
		return fmt.Errorf("%w: bundle relay returned %s", ErrBadResponse, resp.Status)
	}
	c.logger.Debug().Int("status", resp.StatusCode).Msg("bundle relayed")
	return nil
}

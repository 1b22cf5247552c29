package ttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dic/gateway/internal/platform/auth"
	"github.com/dic/gateway/internal/platform/fhir"
)

const (
	gpasIdentifierSystem = "https://ths-greifswald.de/fhir/gpas"
	epixIdentifierPrefix = "https://ths-greifswald.de/fhir/epix/identifier/"

	matchStatusError = "MATCH_ERROR"
)

// ErrInvalidPatient marks patient payloads the backend cannot process, such
// as unparseable birth dates.
var ErrInvalidPatient = errors.New("invalid patient data")

// Greifswald drives the Greifswald tool suite: ePIX for record linkage, gPAS
// for pseudonyms and gICS for consents. Depending on the deployment the
// services are reached over their SOAP endpoints or their FHIR gateway;
// Mode selects which.
type Greifswald struct {
	baseURL         string
	source          string
	epixDomain      string
	gpasDomain      string
	mode            Mode
	projectIDSystem string
	authMethod      auth.Method
	provider        *auth.Provider
	client          *http.Client
	logger          zerolog.Logger
}

func newGreifswald(cfg Config, provider *auth.Provider, client *http.Client, logger zerolog.Logger) (*Greifswald, error) {
	if cfg.Mode != ModeSOAP && cfg.Mode != ModeFHIR {
		return nil, fmt.Errorf("unknown greifswald mode %q", cfg.Mode)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Greifswald{
		baseURL:         ensureTrailingSlash(cfg.URL),
		source:          cfg.Source,
		epixDomain:      cfg.EpixDomain,
		gpasDomain:      cfg.GpasDomain,
		mode:            cfg.Mode,
		projectIDSystem: cfg.ProjectIDSystem,
		authMethod:      cfg.Auth,
		provider:        provider,
		client:          client,
		logger:          logger.With().Str("component", "ttp").Str("backend", "greifswald").Logger(),
	}, nil
}

// CheckAvailability treats any answer as alive.
func (g *Greifswald) CheckAvailability(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL, nil)
	if err != nil {
		return false
	}
	if err := g.provider.Apply(ctx, g.authMethod, req); err != nil {
		return false
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// CheckIDTypeAvailable knows the suite's fixed identifier systems: the gPAS
// system and the ePIX identifier domain prefix.
func (g *Greifswald) CheckIDTypeAvailable(_ context.Context, idType string) (bool, error) {
	if idType == gpasIdentifierSystem {
		return true, nil
	}
	return strings.HasPrefix(idType, epixIdentifierPrefix), nil
}

// identity is the demographic subset ePIX matches on.
type identity struct {
	FirstName string
	LastName  string
	Gender    string
	BirthDate string
	Street    string
	City      string
	ZipCode   string
}

func identityFromPatient(p *fhir.Patient) (identity, error) {
	var id identity
	if len(p.Name) > 0 {
		id.LastName = p.Name[0].Family
		if len(p.Name[0].Given) > 0 {
			id.FirstName = p.Name[0].Given[0]
		}
	}
	switch p.Gender {
	case "male":
		id.Gender = "M"
	case "female":
		id.Gender = "F"
	case "other":
		id.Gender = "O"
	default:
		id.Gender = "U"
	}
	if p.BirthDate != "" {
		d, err := fhir.ParseDate(p.BirthDate)
		if err != nil {
			return identity{}, fmt.Errorf("%w: %v", ErrInvalidPatient, err)
		}
		id.BirthDate = d.StartDateTime()
	}
	if len(p.Address) > 0 {
		addr := p.Address[0]
		if len(addr.Line) > 0 {
			id.Street = addr.Line[0]
		}
		id.City = addr.City
		id.ZipCode = addr.PostalCode
	}
	return id, nil
}

// RequestProjectPseudonym matches the patient against ePIX, pseudonymizes
// the resulting MPI with gPAS and returns a patient carrying only the
// project pseudonym.
func (g *Greifswald) RequestProjectPseudonym(ctx context.Context, patient *fhir.Patient) (*fhir.Patient, error) {
	ident, err := identityFromPatient(patient)
	if err != nil {
		return nil, err
	}

	var mpi string
	switch g.mode {
	case ModeSOAP:
		mpi, err = g.requestMPISOAP(ctx, ident)
	default:
		mpi, err = g.requestMPIFHIR(ctx, patient)
	}
	if err != nil {
		return nil, err
	}

	var psn string
	switch g.mode {
	case ModeSOAP:
		psn, err = g.pseudonymSOAP(ctx, mpi)
	default:
		psn, err = g.pseudonymFHIR(ctx, mpi)
	}
	if err != nil {
		return nil, err
	}

	result := fhir.NewPatient()
	result.Identifier = []fhir.Identifier{{System: g.projectIDSystem, Value: psn}}
	return result, nil
}

// DocumentPatientConsent stores the consent in gICS. Only the FHIR gateway
// exposes this; SOAP deployments report ErrNotImplemented.
func (g *Greifswald) DocumentPatientConsent(ctx context.Context, consent *fhir.Consent, patient *fhir.Patient) error {
	if g.mode != ModeFHIR {
		return fmt.Errorf("document consent over soap: %w", ErrNotImplemented)
	}
	if consent.Patient != nil {
		return ErrConsentAlreadyLinked
	}

	params := fhir.NewParameters().
		AddResource("patient", patient).
		AddResource("questionnaireResponse", &fhir.QuestionnaireResponse{
			ResourceType: "QuestionnaireResponse",
			Status:       "completed",
		}).
		AddString("domain", g.gpasDomain)

	var bundle fhir.Bundle
	if err := g.postOperation(ctx, "ttp-fhir/fhir/gics/$addConsent", params, &bundle); err != nil {
		return err
	}
	if got := fhir.ResourceTypeOf(bundle.FirstEntry()); got != "Consent" {
		return fmt.Errorf("%w: $addConsent answered with %q, want Consent", ErrBadResponse, got)
	}
	return nil
}

func (g *Greifswald) requestMPIFHIR(ctx context.Context, patient *fhir.Patient) (string, error) {
	params := fhir.NewParameters().
		AddString("source", g.source).
		AddString("domain", g.epixDomain).
		AddResource("identity", patient)

	var result fhir.Parameters
	if err := g.postOperation(ctx, "ttp-fhir/fhir/epix/$addPatient", params, &result); err != nil {
		return "", err
	}

	match := result.Find("matchResult")
	if match == nil {
		return "", fmt.Errorf("%w: $addPatient answered without matchResult", ErrBadResponse)
	}
	status := ""
	if s := match.FindPart("matchStatus"); s != nil {
		status = s.Code()
	}
	if status == "" || status == matchStatusError {
		return "", fmt.Errorf("%w: match status %q", ErrBadResponse, status)
	}

	person := match.FindPart("person")
	if person == nil || len(person.Resource) == 0 {
		return "", fmt.Errorf("%w: matchResult without person", ErrBadResponse)
	}
	var matched fhir.Patient
	if err := json.Unmarshal(person.Resource, &matched); err != nil {
		return "", fmt.Errorf("%w: decode matched person: %v", ErrBadResponse, err)
	}
	for _, id := range matched.Identifier {
		if strings.HasPrefix(id.System, epixIdentifierPrefix) && id.Value != "" {
			return id.Value, nil
		}
	}
	return "", fmt.Errorf("%w: matched person carries no mpi identifier", ErrBadResponse)
}

func (g *Greifswald) pseudonymFHIR(ctx context.Context, mpi string) (string, error) {
	params := fhir.NewParameters().
		AddString("target", g.gpasDomain).
		AddString("original", mpi)

	var result fhir.Parameters
	if err := g.postOperation(ctx, "ttp-fhir/fhir/gpas/$pseudonymizeAllowCreate", params, &result); err != nil {
		return "", err
	}

	psn := result.Find("pseudonym")
	if psn == nil {
		return "", fmt.Errorf("%w: $pseudonymizeAllowCreate answered without pseudonym", ErrBadResponse)
	}
	if part := psn.FindPart("pseudonym"); part != nil {
		if part.ValueIdentifier != nil && part.ValueIdentifier.Value != "" {
			return part.ValueIdentifier.Value, nil
		}
		if part.ValueString != "" {
			return part.ValueString, nil
		}
	}
	if psn.ValueString != "" {
		return psn.ValueString, nil
	}
	return "", fmt.Errorf("%w: empty pseudonym", ErrBadResponse)
}

package datarequest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dic/gateway/internal/fhirclient"
	"github.com/dic/gateway/internal/platform/fhir"
	"github.com/dic/gateway/internal/platform/metrics"
	"github.com/dic/gateway/internal/ttp"
)

var (
	// ErrMissingPatient rejects payloads without a patient.
	ErrMissingPatient = errors.New("request carries no patient")
	// ErrMissingExchangeIdentifier rejects patients without the exchange
	// identifier the gateway keys everything on.
	ErrMissingExchangeIdentifier = errors.New("patient carries no exchange identifier")
	// ErrUnsupportedIDType rejects identifier systems the configured TTP
	// cannot handle.
	ErrUnsupportedIDType = errors.New("identifier system not supported by the pseudonymization service")
)

// Service runs the pseudonymization workflow. With a TTP configured it
// resolves project pseudonyms and documents consents; without one it only
// reduces and forwards. In both cases nothing but the exchange identifier
// ever leaves towards the request server.
type Service struct {
	repo             Repository
	ttp              ttp.Client
	requests         *fhirclient.Client
	exchangeIDSystem string
	projectIDSystem  string
	metrics          *metrics.Metrics
	logger           zerolog.Logger
}

// NewService wires the workflow. ttpClient may be nil when no TTP is
// configured.
func NewService(repo Repository, ttpClient ttp.Client, requests *fhirclient.Client,
	exchangeIDSystem, projectIDSystem string, m *metrics.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		repo:             repo,
		ttp:              ttpClient,
		requests:         requests,
		exchangeIDSystem: exchangeIDSystem,
		projectIDSystem:  projectIDSystem,
		metrics:          m,
		logger:           logger.With().Str("component", "datarequest").Logger(),
	}
}

// Create runs one submission through the workflow and persists the resulting
// data request in state Created.
func (s *Service) Create(ctx context.Context, payload *Payload) (*DataRequest, error) {
	dr, err := s.create(ctx, payload)
	if err != nil {
		s.count(err)
		return nil, err
	}
	s.metrics.DataRequestsTotal.WithLabelValues("created").Inc()
	return dr, nil
}

func (s *Service) create(ctx context.Context, payload *Payload) (*DataRequest, error) {
	if payload == nil || payload.Patient == nil {
		return nil, ErrMissingPatient
	}

	patient := payload.Patient
	exchange := patient.IdentifierBySystem(s.exchangeIDSystem)
	if exchange == nil || exchange.Value == "" {
		return nil, ErrMissingExchangeIdentifier
	}
	exchangeID := exchange.Value

	var projectID *string
	if s.ttp != nil {
		resolved, err := s.resolvePseudonym(ctx, patient)
		if err != nil {
			return nil, err
		}
		patient = resolved

		proj := patient.IdentifierBySystem(s.projectIDSystem)
		if proj == nil || proj.Value == "" {
			return nil, fmt.Errorf("%w: no identifier for %q allocated", ttp.ErrBadResponse, s.projectIDSystem)
		}
		projectID = &proj.Value

		if payload.Consent != nil {
			if err := s.ttp.DocumentPatientConsent(ctx, payload.Consent, patient); err != nil {
				return nil, fmt.Errorf("document consent: %w", err)
			}
		}
	}

	if _, err := s.repo.GetByExchangeAndProject(ctx, exchangeID, projectID); err == nil {
		return nil, ErrDuplicate
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("duplicate check: %w", err)
	}

	reduced, err := patient.Pseudonymized(s.exchangeIDSystem)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingExchangeIdentifier, err)
	}

	var bundle *fhir.Bundle
	if payload.Consent != nil {
		linked := *payload.Consent
		ref := reduced.Identifier[0]
		linked.LinkPatient(&fhir.Reference{Identifier: &ref})
		bundle, err = fhir.NewTransactionBundle(reduced, &linked)
	} else {
		bundle, err = fhir.NewTransactionBundle(reduced)
	}
	if err != nil {
		return nil, fmt.Errorf("build request bundle: %w", err)
	}

	id, err := s.requests.CreateBundle(ctx, bundle)
	if err != nil {
		return nil, fmt.Errorf("submit request bundle: %w", err)
	}

	now := time.Now().UTC()
	dr := &DataRequest{
		ID:         id,
		ExchangeID: exchangeID,
		ProjectID:  projectID,
		Status:     StatusCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.Create(ctx, dr); err != nil {
		return nil, fmt.Errorf("persist data request: %w", err)
	}

	s.logger.Info().Str("id", dr.ID).Str("exchange_id", dr.ExchangeID).Msg("data request created")
	return dr, nil
}

// resolvePseudonym verifies the patient's identifier systems, attaches a
// request for a project pseudonym and resolves it at the TTP. The incoming
// patient is never mutated.
func (s *Service) resolvePseudonym(ctx context.Context, patient *fhir.Patient) (*fhir.Patient, error) {
	for _, id := range patient.Identifier {
		if id.System == "" {
			continue
		}
		ok, err := s.ttp.CheckIDTypeAvailable(ctx, id.System)
		if err != nil {
			return nil, fmt.Errorf("check id type %q: %w", id.System, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedIDType, id.System)
		}
	}

	work := *patient
	work.Identifier = append([]fhir.Identifier(nil), patient.Identifier...)
	if work.IdentifierBySystem(s.projectIDSystem) == nil {
		work.AddIDRequest(s.projectIDSystem)
	}

	resolved, err := s.ttp.RequestProjectPseudonym(ctx, &work)
	if err != nil {
		return nil, fmt.Errorf("request project pseudonym: %w", err)
	}
	work.MergeIdentifiers(resolved)

	// Resolved values win over the value-less id request.
	for i := range work.Identifier {
		if work.Identifier[i].Value != "" {
			continue
		}
		if r := resolved.IdentifierBySystem(work.Identifier[i].System); r != nil {
			work.Identifier[i].Value = r.Value
		}
	}
	return &work, nil
}

func (s *Service) count(err error) {
	switch {
	case errors.Is(err, ErrMissingPatient),
		errors.Is(err, ErrMissingExchangeIdentifier),
		errors.Is(err, ErrUnsupportedIDType),
		errors.Is(err, ErrDuplicate),
		errors.Is(err, ttp.ErrInvalidPatient),
		errors.Is(err, ttp.ErrConsentAlreadyLinked):
		s.metrics.DataRequestsTotal.WithLabelValues("rejected").Inc()
	default:
		s.metrics.DataRequestsTotal.WithLabelValues("failed").Inc()
	}
}

// Get returns a single data request.
func (s *Service) Get(ctx context.Context, id string) (*DataRequest, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns all data requests, newest first.
func (s *Service) List(ctx context.Context) ([]*DataRequest, error) {
	return s.repo.List(ctx)
}

// Package ttp talks to trusted third parties that hold the mapping between
// identifying patient data and per-project pseudonyms. Two backends are
// supported: Mainzelliste and the Greifswald tool suite (ePIX/gPAS/gICS).
package ttp

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/dic/gateway/internal/platform/auth"
	"github.com/dic/gateway/internal/platform/fhir"
)

var (
	// ErrUnavailable wraps transport failures talking to the TTP.
	ErrUnavailable = errors.New("pseudonymization service unreachable")
	// ErrBadResponse wraps replies that violate the backend's contract.
	ErrBadResponse = errors.New("unexpected pseudonymization service response")
	// ErrNotImplemented is returned for operations the configured backend
	// deployment does not offer.
	ErrNotImplemented = errors.New("operation not supported by this backend")
	// ErrConsentAlreadyLinked rejects consents that already reference a
	// patient; the backend allocates that link itself.
	ErrConsentAlreadyLinked = errors.New("consent already references a patient")
)

// Client is the backend-independent surface the gateway uses. Implementations
// are constructed once at startup and safe for concurrent use.
type Client interface {
	// CheckAvailability reports whether the service answers at all.
	CheckAvailability(ctx context.Context) bool
	// CheckIDTypeAvailable reports whether the backend can handle
	// identifiers of the given system.
	CheckIDTypeAvailable(ctx context.Context, idType string) (bool, error)
	// RequestProjectPseudonym resolves the patient to a project pseudonym
	// and returns a patient carrying the allocated identifiers.
	RequestProjectPseudonym(ctx context.Context, patient *fhir.Patient) (*fhir.Patient, error)
	// DocumentPatientConsent records the consent with the TTP, linked to
	// the patient via its exchange identifier.
	DocumentPatientConsent(ctx context.Context, consent *fhir.Consent, patient *fhir.Patient) error
}

// Backend names a supported TTP product.
type Backend string

const (
	BackendMainzelliste Backend = "mainzelliste"
	BackendGreifswald   Backend = "greifswald"
)

// Mode selects how the Greifswald services are addressed.
type Mode string

const (
	ModeSOAP Mode = "soap"
	ModeFHIR Mode = "fhir"
)

// Config carries everything needed to construct a backend client.
type Config struct {
	Backend          Backend
	URL              string
	Auth             auth.Method
	ProjectIDSystem  string
	ExchangeIDSystem string

	// Mainzelliste
	APIKey string

	// Greifswald
	Source     string
	EpixDomain string
	GpasDomain string
	Mode       Mode
}

// NewClient dispatches on the configured backend. The set of backends is
// closed; a new product means a new constructor arm here.
func (c Config) NewClient(provider *auth.Provider, client *http.Client, logger zerolog.Logger) (Client, error) {
	switch c.Backend {
	case BackendMainzelliste:
		return newMainzelliste(c, provider, client, logger), nil
	case BackendGreifswald:
		return newGreifswald(c, provider, client, logger)
	default:
		return nil, fmt.Errorf("unknown ttp backend %q", c.Backend)
	}
}

func ensureTrailingSlash(u string) string {
	if u == "" || u[len(u)-1] == '/' {
		return u
	}
	return u + "/"
}

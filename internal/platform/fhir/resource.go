// Package fhir provides a lightweight FHIR R4 model covering the resources
// the gateway exchanges: patients, consents, bundles and operation parameters.
// Resources the gateway only relays are kept as raw JSON and never re-modelled.
package fhir

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoIdentifier is returned when a patient lacks an identifier for a
// required system.
var ErrNoIdentifier = errors.New("patient has no identifier for system")

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Identifier struct {
	Use    string `json:"use,omitempty"`
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

type Reference struct {
	Reference  string      `json:"reference,omitempty"`
	Type       string      `json:"type,omitempty"`
	Identifier *Identifier `json:"identifier,omitempty"`
	Display    string      `json:"display,omitempty"`
}

type HumanName struct {
	Use    string   `json:"use,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
}

type Address struct {
	Use        string   `json:"use,omitempty"`
	Line       []string `json:"line,omitempty"`
	City       string   `json:"city,omitempty"`
	PostalCode string   `json:"postalCode,omitempty"`
	Country    string   `json:"country,omitempty"`
}

// Patient is the demographic subset the gateway needs for pseudonymization.
type Patient struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	Name         []HumanName  `json:"name,omitempty"`
	Gender       string       `json:"gender,omitempty"`
	BirthDate    string       `json:"birthDate,omitempty"`
	Address      []Address    `json:"address,omitempty"`
}

func NewPatient() *Patient {
	return &Patient{ResourceType: "Patient"}
}

// IdentifierBySystem returns the first identifier with the given system, or nil.
func (p *Patient) IdentifierBySystem(system string) *Identifier {
	for i := range p.Identifier {
		if p.Identifier[i].System == system {
			return &p.Identifier[i]
		}
	}
	return nil
}

// AddIDRequest attaches a value-less secondary identifier for the given
// system, asking the pseudonymization backend to allocate one.
func (p *Patient) AddIDRequest(system string) *Patient {
	p.Identifier = append(p.Identifier, Identifier{Use: "secondary", System: system})
	return p
}

// MergeIdentifiers copies identifiers from other for systems the patient does
// not carry yet.
func (p *Patient) MergeIdentifiers(other *Patient) {
	for _, id := range other.Identifier {
		if id.System == "" || p.IdentifierBySystem(id.System) != nil {
			continue
		}
		p.Identifier = append(p.Identifier, id)
	}
}

// Pseudonymized returns a copy of the patient stripped of all demographics
// and identifiers except the identifier for keepSystem. It fails when that
// identifier is absent, since forwarding an unreduced record would leak
// identifying data.
func (p *Patient) Pseudonymized(keepSystem string) (*Patient, error) {
	id := p.IdentifierBySystem(keepSystem)
	if id == nil || id.Value == "" {
		return nil, fmt.Errorf("%w %q", ErrNoIdentifier, keepSystem)
	}
	return &Patient{
		ResourceType: "Patient",
		ID:           p.ID,
		Identifier:   []Identifier{*id},
	}, nil
}

// Consent models the consent resource far enough to link it to a patient.
// Provision and policy content is carried opaquely.
type Consent struct {
	ResourceType     string            `json:"resourceType"`
	ID               string            `json:"id,omitempty"`
	Identifier       []Identifier      `json:"identifier,omitempty"`
	Status           string            `json:"status,omitempty"`
	Scope            *CodeableConcept  `json:"scope,omitempty"`
	Category         []CodeableConcept `json:"category,omitempty"`
	Patient          *Reference        `json:"patient,omitempty"`
	DateTime         string            `json:"dateTime,omitempty"`
	Organization     []Reference       `json:"organization,omitempty"`
	PolicyRule       *CodeableConcept  `json:"policyRule,omitempty"`
	SourceAttachment json.RawMessage   `json:"sourceAttachment,omitempty"`
	Policy           json.RawMessage   `json:"policy,omitempty"`
	Provision        json.RawMessage   `json:"provision,omitempty"`
}

// LinkPatient points the consent at the patient carried by ref, replacing any
// previous reference.
func (c *Consent) LinkPatient(ref *Reference) {
	c.Patient = ref
}

// QuestionnaireResponse is the minimal completed response some consent
// services expect alongside the consent itself.
type QuestionnaireResponse struct {
	ResourceType string `json:"resourceType"`
	Status       string `json:"status"`
}

// ResourceTypeOf decodes only the resourceType of a raw resource. It returns
// an empty string when the payload is not a JSON object or lacks the field.
func ResourceTypeOf(raw json.RawMessage) string {
	var probe struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.ResourceType
}

// Package datarequest implements the pseudonymization workflow: incoming
// patient/consent payloads are resolved to project pseudonyms, reduced to
// their exchange identifier and submitted to the request server, with one
// DataRequest row tracking each submission.
package datarequest

import (
	"time"

	"github.com/dic/gateway/internal/platform/fhir"
)

// Status is the lifecycle state of a data request. A request starts as
// Created and is moved exactly once to Success or Error by the sync engine.
type Status string

const (
	StatusCreated Status = "Created"
	StatusSuccess Status = "Success"
	StatusError   Status = "Error"
)

// DataRequest tracks one submission to the request server. ID is the bundle
// id the request server assigned and never changes; only Status and Message
// are mutable.
type DataRequest struct {
	ID         string    `json:"id"`
	ExchangeID string    `json:"exchangeId"`
	ProjectID  *string   `json:"projectId,omitempty"`
	Status     Status    `json:"status"`
	Message    *string   `json:"message,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Payload is the intake body: the patient to pseudonymize and an optional
// consent to document alongside.
type Payload struct {
	Patient *fhir.Patient `json:"patient"`
	Consent *fhir.Consent `json:"consent,omitempty"`
}

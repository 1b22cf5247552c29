package fhir

import (
	"encoding/json"
	"fmt"
	"time"
)

// Bundle represents a FHIR Bundle resource. Entry resources are kept raw so
// relayed clinical content survives round-trips untouched.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Identifier   *Identifier   `json:"identifier,omitempty"`
	Type         string        `json:"type,omitempty"`
	Total        *int          `json:"total,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

type BundleResponse struct {
	Status   string `json:"status"`
	Location string `json:"location,omitempty"`
}

// NewTransactionBundle builds a transaction bundle with one POST entry per
// resource. Resources must carry a resourceType field.
func NewTransactionBundle(resources ...interface{}) (*Bundle, error) {
	now := time.Now().UTC()
	b := &Bundle{
		ResourceType: "Bundle",
		Type:         "transaction",
		Timestamp:    &now,
	}
	for _, r := range resources {
		if r == nil {
			continue
		}
		raw, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("marshal bundle entry: %w", err)
		}
		rt := ResourceTypeOf(raw)
		if rt == "" {
			return nil, fmt.Errorf("bundle entry without resourceType")
		}
		b.Entry = append(b.Entry, BundleEntry{
			Resource: raw,
			Request:  &BundleRequest{Method: "POST", URL: rt},
		})
	}
	return b, nil
}

// FirstEntry returns the raw resource of the first entry, or nil when the
// bundle has no entries.
func (b *Bundle) FirstEntry() json.RawMessage {
	if len(b.Entry) == 0 {
		return nil
	}
	return b.Entry[0].Resource
}

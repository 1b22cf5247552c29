package fhir

import "encoding/json"

// Parameters models the FHIR Parameters resource used for operation calls.
type Parameters struct {
	ResourceType string               `json:"resourceType"`
	Parameter    []ParametersParameter `json:"parameter,omitempty"`
}

type ParametersParameter struct {
	Name            string                `json:"name"`
	ValueString     string                `json:"valueString,omitempty"`
	ValueBoolean    *bool                 `json:"valueBoolean,omitempty"`
	ValueCoding     *Coding               `json:"valueCoding,omitempty"`
	ValueIdentifier *Identifier           `json:"valueIdentifier,omitempty"`
	Resource        json.RawMessage       `json:"resource,omitempty"`
	Part            []ParametersParameter `json:"part,omitempty"`
}

func NewParameters() *Parameters {
	return &Parameters{ResourceType: "Parameters"}
}

// AddString appends a valueString parameter.
func (p *Parameters) AddString(name, value string) *Parameters {
	p.Parameter = append(p.Parameter, ParametersParameter{Name: name, ValueString: value})
	return p
}

// AddResource appends a parameter carrying an inline resource. Marshal errors
// surface later as an empty resource, which callers treat as a missing
// parameter.
func (p *Parameters) AddResource(name string, resource interface{}) *Parameters {
	raw, err := json.Marshal(resource)
	if err != nil {
		raw = nil
	}
	p.Parameter = append(p.Parameter, ParametersParameter{Name: name, Resource: raw})
	return p
}

// Find returns the first parameter with the given name, or nil.
func (p *Parameters) Find(name string) *ParametersParameter {
	return findParameter(p.Parameter, name)
}

// Part returns the first sub-parameter with the given name, or nil.
func (pp *ParametersParameter) FindPart(name string) *ParametersParameter {
	return findParameter(pp.Part, name)
}

func findParameter(params []ParametersParameter, name string) *ParametersParameter {
	for i := range params {
		if params[i].Name == name {
			return &params[i]
		}
	}
	return nil
}

// Code returns the coded or string value of a parameter, preferring the
// coding's code.
func (pp *ParametersParameter) Code() string {
	if pp.ValueCoding != nil && pp.ValueCoding.Code != "" {
		return pp.ValueCoding.Code
	}
	return pp.ValueString
}

package sync

import (
	"fmt"
	"strings"

	"github.com/dic/gateway/internal/domain/datarequest"
)

// OutcomeKind classifies what happened to one clinical record during
// relinking.
type OutcomeKind int

const (
	OutcomeLinked OutcomeKind = iota
	OutcomeMissingResource
	OutcomeUnknownResource
	OutcomeMissingIdentifier
	OutcomeWrongIdentifierType
	OutcomeUnlinked
)

// Outcome is the per-record result. A single failed record marks the whole
// data request as failed, but never stops the other records.
type Outcome struct {
	Kind         OutcomeKind
	ResourceType string
}

func (o Outcome) Failed() bool { return o.Kind != OutcomeLinked }

// Label is the metrics label for the outcome.
func (o Outcome) Label() string {
	switch o.Kind {
	case OutcomeLinked:
		return "linked"
	case OutcomeMissingResource:
		return "missing_resource"
	case OutcomeUnknownResource:
		return "unknown_resource"
	case OutcomeMissingIdentifier:
		return "missing_identifier"
	case OutcomeWrongIdentifierType:
		return "wrong_identifier"
	case OutcomeUnlinked:
		return "unlinked"
	default:
		return "unknown"
	}
}

func (o Outcome) String() string {
	rt := o.ResourceType
	if rt == "" {
		rt = "entry"
	}
	switch o.Kind {
	case OutcomeLinked:
		return rt + ": linked"
	case OutcomeMissingResource:
		return rt + ": entry carries no resource"
	case OutcomeUnknownResource:
		return rt + ": unknown resource type"
	case OutcomeMissingIdentifier:
		return rt + ": subject carries no identifier"
	case OutcomeWrongIdentifierType:
		return rt + ": subject identifier is not an exchange identifier"
	case OutcomeUnlinked:
		return rt + ": unable to link identifier"
	default:
		return fmt.Sprintf("%s: outcome(%d)", rt, int(o.Kind))
	}
}

// Summarize folds record outcomes into the data request's aggregate status:
// Error as soon as any record failed, Success otherwise.
func Summarize(outcomes []Outcome) (datarequest.Status, string) {
	status := datarequest.StatusSuccess
	parts := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Failed() {
			status = datarequest.StatusError
		}
		parts = append(parts, o.String())
	}
	return status, strings.Join(parts, "; ")
}

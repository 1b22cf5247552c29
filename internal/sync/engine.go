// Package sync implements the background engine that pulls freshly updated
// clinical bundles from the input server, relinks patient identifiers from
// exchange tokens to project pseudonyms and relays the bundles onward.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/dic/gateway/internal/domain/datarequest"
	"github.com/dic/gateway/internal/fhirclient"
	"github.com/dic/gateway/internal/platform/fhir"
	"github.com/dic/gateway/internal/platform/metrics"
)

// DataRequestSystem is the identifier system tagging an inner bundle with
// the data request it answers.
const DataRequestSystem = "DataRequestId"

// DefaultInterval is the cycle cadence when none is configured.
const DefaultInterval = 60 * time.Second

// subjectField maps the clinical resource kinds the engine relinks to the
// name of their patient reference element.
var subjectField = map[string]string{
	"Consent":   "patient",
	"Condition": "subject",
	"Procedure": "subject",
}

// Engine is the sync and relink loop. Exactly one instance runs per gateway.
type Engine struct {
	repo             datarequest.Repository
	state            datarequest.SyncStateRepository
	input            *fhirclient.Client
	output           *fhirclient.Client
	exchangeIDSystem string
	// projectIDSystem is empty when no TTP is configured; records are then
	// relayed untouched.
	projectIDSystem string
	interval        time.Duration
	metrics         *metrics.Metrics
	logger          zerolog.Logger
	now             func() time.Time
}

func NewEngine(repo datarequest.Repository, state datarequest.SyncStateRepository,
	input, output *fhirclient.Client, exchangeIDSystem, projectIDSystem string,
	interval time.Duration, m *metrics.Metrics, logger zerolog.Logger) *Engine {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Engine{
		repo:             repo,
		state:            state,
		input:            input,
		output:           output,
		exchangeIDSystem: exchangeIDSystem,
		projectIDSystem:  projectIDSystem,
		interval:         interval,
		metrics:          m,
		logger:           logger.With().Str("component", "sync").Logger(),
		now:              time.Now,
	}
}

// Run cycles until ctx is cancelled. The first cycle starts immediately.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info().Dur("interval", e.interval).Msg("sync engine started")
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		if err := e.RunCycle(ctx); err != nil {
			e.logger.Error().Err(err).Msg("sync cycle failed")
		}
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("sync engine stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunCycle processes one window. The new window end is captured before the
// pull and persisted unconditionally once the entries were processed, so a
// record failure never blocks the window from moving on.
func (e *Engine) RunCycle(ctx context.Context) error {
	started := e.now().UTC()

	windowStart, err := e.state.LastWindowEnd(ctx)
	if err != nil {
		e.metrics.SyncCyclesTotal.WithLabelValues("error").Inc()
		return err
	}
	if windowStart.IsZero() {
		windowStart = started
	}

	bundle, err := e.input.SearchBundlesSince(ctx, windowStart)
	if err != nil {
		e.metrics.SyncCyclesTotal.WithLabelValues("error").Inc()
		return err
	}

	for i := range bundle.Entry {
		e.processEntry(ctx, &bundle.Entry[i])
	}

	if err := e.state.SetLastWindowEnd(ctx, started); err != nil {
		e.metrics.SyncCyclesTotal.WithLabelValues("error").Inc()
		return err
	}

	e.metrics.SyncCyclesTotal.WithLabelValues("ok").Inc()
	e.metrics.SyncCycleDuration.Observe(time.Since(started).Seconds())
	e.logger.Debug().Time("window_start", windowStart).Time("window_end", started).
		Int("entries", len(bundle.Entry)).Msg("sync cycle done")
	return nil
}

// processEntry handles one pulled search entry, expected to be an inner
// bundle tagged with a data request identifier. Anything else is skipped
// with a log line; one bad entry never affects its neighbours.
func (e *Engine) processEntry(ctx context.Context, entry *fhir.BundleEntry) {
	if len(entry.Resource) == 0 {
		e.logger.Warn().Msg("skipping entry without resource")
		return
	}
	if rt := fhir.ResourceTypeOf(entry.Resource); rt != "Bundle" {
		e.logger.Warn().Str("resource_type", rt).Msg("skipping non-bundle entry")
		return
	}

	var inner fhir.Bundle
	if err := json.Unmarshal(entry.Resource, &inner); err != nil {
		e.logger.Warn().Err(err).Msg("skipping undecodable bundle")
		return
	}
	if inner.Identifier == nil || inner.Identifier.System != DataRequestSystem || inner.Identifier.Value == "" {
		e.logger.Warn().Str("bundle_id", inner.ID).Msg("skipping bundle without data request identifier")
		return
	}
	requestID := inner.Identifier.Value
	logger := e.logger.With().Str("data_request_id", requestID).Logger()

	var outcomes []Outcome
	if e.projectIDSystem != "" {
		dr, err := e.repo.GetByID(ctx, requestID)
		if err != nil && !errors.Is(err, datarequest.ErrNotFound) {
			logger.Error().Err(err).Msg("data request lookup failed")
		}
		for i := range inner.Entry {
			o := e.relinkEntry(&inner.Entry[i], dr)
			outcomes = append(outcomes, o)
			e.metrics.SyncRecordsTotal.WithLabelValues(o.Label()).Inc()
			if o.Failed() {
				logger.Warn().Str("outcome", o.String()).Msg("record not linked")
			}
		}
	}

	if err := e.output.PostBundle(ctx, &inner); err != nil {
		logger.Error().Err(err).Msg("bundle relay failed")
	}

	status, message := datarequest.StatusSuccess, "records transferred without linkage"
	if e.projectIDSystem != "" {
		status, message = Summarize(outcomes)
	}
	if err := e.repo.UpdateStatus(ctx, requestID, status, message); err != nil {
		logger.Error().Err(err).Msg("data request status update failed")
		return
	}
	logger.Info().Str("status", string(status)).Msg("data request synced")
}

// relinkEntry rewrites the record's subject identifier from the exchange
// token to the project pseudonym stored for the data request. The record is
// manipulated as a generic JSON object so unmodelled content survives.
func (e *Engine) relinkEntry(entry *fhir.BundleEntry, dr *datarequest.DataRequest) Outcome {
	if len(entry.Resource) == 0 {
		return Outcome{Kind: OutcomeMissingResource}
	}

	var record map[string]interface{}
	if err := json.Unmarshal(entry.Resource, &record); err != nil {
		return Outcome{Kind: OutcomeMissingResource}
	}
	rt, _ := record["resourceType"].(string)

	field, known := subjectField[rt]
	if !known {
		return Outcome{Kind: OutcomeUnknownResource, ResourceType: rt}
	}

	subject, _ := record[field].(map[string]interface{})
	if subject == nil {
		return Outcome{Kind: OutcomeMissingIdentifier, ResourceType: rt}
	}
	identifier, _ := subject["identifier"].(map[string]interface{})
	if identifier == nil {
		return Outcome{Kind: OutcomeMissingIdentifier, ResourceType: rt}
	}
	if system, _ := identifier["system"].(string); system != e.exchangeIDSystem {
		return Outcome{Kind: OutcomeWrongIdentifierType, ResourceType: rt}
	}

	// The system is rewritten even when the lookup below fails, so an
	// exchange token never travels onward under its own system.
	identifier["system"] = e.projectIDSystem

	outcome := Outcome{Kind: OutcomeLinked, ResourceType: rt}
	if dr == nil || dr.ProjectID == nil || *dr.ProjectID == "" {
		outcome = Outcome{Kind: OutcomeUnlinked, ResourceType: rt}
	} else {
		identifier["value"] = *dr.ProjectID
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return Outcome{Kind: OutcomeMissingResource, ResourceType: rt}
	}
	entry.Resource = raw
	return outcome
}

package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/dic/gateway/internal/domain/datarequest"
	"github.com/dic/gateway/internal/fhirclient"
	"github.com/dic/gateway/internal/platform/auth"
	"github.com/dic/gateway/internal/platform/fhir"
	"github.com/dic/gateway/internal/platform/metrics"
)

const (
	testExchangeSystem = "TOKEN"
	testProjectSystem  = "https://dic.example/sid/project-x"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type engineFixture struct {
	engine  *Engine
	repo    datarequest.Repository
	state   datarequest.SyncStateRepository
	pulled  *string // _lastUpdated parameter of the last pull
	relayed []*fhir.Bundle
}

// newEngineFixture wires an engine against fake input/output servers. The
// input server answers every pull with a searchset holding the given inner
// resources.
func newEngineFixture(t *testing.T, projectSystem string, inputStatus int, inner ...interface{}) *engineFixture {
	t.Helper()
	f := &engineFixture{
		repo:  datarequest.NewMemoryRepo(),
		state: datarequest.NewMemorySyncState(),
	}

	var entries []fhir.BundleEntry
	for _, r := range inner {
		raw, err := json.Marshal(r)
		if err != nil {
			t.Fatalf("marshal inner resource: %v", err)
		}
		entries = append(entries, fhir.BundleEntry{Resource: raw})
	}

	inputSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("_lastUpdated")
		f.pulled = &q
		if inputStatus >= 400 {
			w.WriteHeader(inputStatus)
			return
		}
		json.NewEncoder(w).Encode(&fhir.Bundle{ResourceType: "Bundle", Type: "searchset", Entry: entries})
	}))
	t.Cleanup(inputSrv.Close)

	outputSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var b fhir.Bundle
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			t.Fatalf("decode relayed bundle: %v", err)
		}
		f.relayed = append(f.relayed, &b)
	}))
	t.Cleanup(outputSrv.Close)

	provider := auth.NewProvider(cache.New(time.Minute, time.Minute), http.DefaultClient, zerolog.Nop())
	input := fhirclient.New(inputSrv.URL, auth.None(), provider, http.DefaultClient, zerolog.Nop())
	output := fhirclient.New(outputSrv.URL, auth.None(), provider, http.DefaultClient, zerolog.Nop())

	f.engine = NewEngine(f.repo, f.state, input, output, testExchangeSystem, projectSystem,
		time.Second, metrics.New(), zerolog.Nop())
	f.engine.now = func() time.Time { return fixedNow }
	return f
}

func innerBundle(requestID string, records ...map[string]interface{}) *fhir.Bundle {
	b := &fhir.Bundle{
		ResourceType: "Bundle",
		Type:         "collection",
		Identifier:   &fhir.Identifier{System: DataRequestSystem, Value: requestID},
	}
	for _, r := range records {
		raw, _ := json.Marshal(r)
		b.Entry = append(b.Entry, fhir.BundleEntry{Resource: raw})
	}
	return b
}

func conditionRecord(system, value string) map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "Condition",
		"code":         map[string]interface{}{"text": "finding"},
		"subject": map[string]interface{}{
			"identifier": map[string]interface{}{"system": system, "value": value},
		},
	}
}

func seedRequest(t *testing.T, repo datarequest.Repository, id, exchangeID, projectID string) {
	t.Helper()
	dr := &datarequest.DataRequest{ID: id, ExchangeID: exchangeID, Status: datarequest.StatusCreated}
	if projectID != "" {
		dr.ProjectID = &projectID
	}
	if err := repo.Create(context.Background(), dr); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestCycleRelinksAndRelays(t *testing.T) {
	f := newEngineFixture(t, testProjectSystem, 0,
		innerBundle("req-1", conditionRecord(testExchangeSystem, "tok-1")))
	seedRequest(t, f.repo, "req-1", "tok-1", "psn-9")

	if err := f.engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if len(f.relayed) != 1 {
		t.Fatalf("relayed %d bundles, want 1", len(f.relayed))
	}
	var record map[string]interface{}
	json.Unmarshal(f.relayed[0].Entry[0].Resource, &record)
	ident := record["subject"].(map[string]interface{})["identifier"].(map[string]interface{})
	if ident["system"] != testProjectSystem || ident["value"] != "psn-9" {
		t.Errorf("identifier not relinked: %v", ident)
	}
	if _, ok := record["code"]; !ok {
		t.Error("record content dropped during relink")
	}

	dr, err := f.repo.GetByID(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if dr.Status != datarequest.StatusSuccess {
		t.Errorf("status = %q, message %v", dr.Status, dr.Message)
	}

	end, _ := f.state.LastWindowEnd(context.Background())
	if !end.Equal(fixedNow) {
		t.Errorf("window end = %v, want %v", end, fixedNow)
	}
}

func TestCycleUnknownResourceMarksError(t *testing.T) {
	observation := map[string]interface{}{"resourceType": "Observation"}
	f := newEngineFixture(t, testProjectSystem, 0,
		innerBundle("req-1", conditionRecord(testExchangeSystem, "tok-1"), observation))
	seedRequest(t, f.repo, "req-1", "tok-1", "psn-9")

	if err := f.engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	// One bad record fails the request but the bundle is still relayed and
	// the good record still linked.
	if len(f.relayed) != 1 {
		t.Fatalf("relayed %d bundles, want 1", len(f.relayed))
	}
	dr, _ := f.repo.GetByID(context.Background(), "req-1")
	if dr.Status != datarequest.StatusError {
		t.Fatalf("status = %q", dr.Status)
	}
	if dr.Message == nil || !strings.Contains(*dr.Message, "unknown resource type") {
		t.Errorf("message = %v", dr.Message)
	}
	if !strings.Contains(*dr.Message, "Condition: linked") {
		t.Errorf("good record outcome missing from message: %v", dr.Message)
	}
}

func TestCycleWrongIdentifierType(t *testing.T) {
	f := newEngineFixture(t, testProjectSystem, 0,
		innerBundle("req-1", conditionRecord("https://other.example/mrn", "1234")))
	seedRequest(t, f.repo, "req-1", "tok-1", "psn-9")

	if err := f.engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	dr, _ := f.repo.GetByID(context.Background(), "req-1")
	if dr.Status != datarequest.StatusError {
		t.Errorf("status = %q", dr.Status)
	}
	// The foreign identifier must pass through unmodified.
	var record map[string]interface{}
	json.Unmarshal(f.relayed[0].Entry[0].Resource, &record)
	ident := record["subject"].(map[string]interface{})["identifier"].(map[string]interface{})
	if ident["value"] != "1234" {
		t.Errorf("identifier mutated: %v", ident)
	}
}

func TestCycleUnlinkedWithoutStoredRequest(t *testing.T) {
	f := newEngineFixture(t, testProjectSystem, 0,
		innerBundle("req-unknown", conditionRecord(testExchangeSystem, "tok-1")))

	if err := f.engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	// Relay still happens. The system is rewritten even though no pseudonym
	// was found, but the value is left alone.
	if len(f.relayed) != 1 {
		t.Fatalf("relayed %d bundles, want 1", len(f.relayed))
	}
	var record map[string]interface{}
	json.Unmarshal(f.relayed[0].Entry[0].Resource, &record)
	ident := record["subject"].(map[string]interface{})["identifier"].(map[string]interface{})
	if ident["system"] != testProjectSystem {
		t.Errorf("identifier system not rewritten: %v", ident)
	}
	if ident["value"] != "tok-1" {
		t.Errorf("identifier value invented without stored pseudonym: %v", ident)
	}
	end, _ := f.state.LastWindowEnd(context.Background())
	if !end.Equal(fixedNow) {
		t.Errorf("window must advance despite failures, got %v", end)
	}
}

func TestCycleWithoutTTPForwardsUntouched(t *testing.T) {
	f := newEngineFixture(t, "", 0,
		innerBundle("req-1", conditionRecord(testExchangeSystem, "tok-1")))
	seedRequest(t, f.repo, "req-1", "tok-1", "")

	if err := f.engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	var record map[string]interface{}
	json.Unmarshal(f.relayed[0].Entry[0].Resource, &record)
	ident := record["subject"].(map[string]interface{})["identifier"].(map[string]interface{})
	if ident["system"] != testExchangeSystem || ident["value"] != "tok-1" {
		t.Errorf("record mutated without ttp: %v", ident)
	}

	dr, _ := f.repo.GetByID(context.Background(), "req-1")
	if dr.Status != datarequest.StatusSuccess {
		t.Errorf("status = %q", dr.Status)
	}
	if dr.Message == nil || *dr.Message != "records transferred without linkage" {
		t.Errorf("message = %v", dr.Message)
	}
}

func TestCycleSkipsUntaggedBundles(t *testing.T) {
	plain := &fhir.Bundle{ResourceType: "Bundle", Type: "collection"}
	patient := map[string]interface{}{"resourceType": "Patient"}
	f := newEngineFixture(t, testProjectSystem, 0, plain, patient)

	if err := f.engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(f.relayed) != 0 {
		t.Errorf("untagged entries must not be relayed, got %d", len(f.relayed))
	}
	end, _ := f.state.LastWindowEnd(context.Background())
	if !end.Equal(fixedNow) {
		t.Errorf("window end = %v", end)
	}
}

func TestCyclePullFailureKeepsWindow(t *testing.T) {
	f := newEngineFixture(t, testProjectSystem, http.StatusInternalServerError)
	before := fixedNow.Add(-time.Hour)
	f.state.SetLastWindowEnd(context.Background(), before)

	if err := f.engine.RunCycle(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	end, _ := f.state.LastWindowEnd(context.Background())
	if !end.Equal(before) {
		t.Errorf("window advanced on failed pull: %v", end)
	}
}

func TestCycleWindowStart(t *testing.T) {
	f := newEngineFixture(t, testProjectSystem, 0)
	start := time.Date(2024, 2, 29, 23, 59, 58, 0, time.UTC)
	f.state.SetLastWindowEnd(context.Background(), start)

	if err := f.engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if f.pulled == nil || *f.pulled != "gt2024-02-29T23:59:58" {
		t.Errorf("_lastUpdated = %v", f.pulled)
	}
}

func TestSummarize(t *testing.T) {
	status, msg := Summarize([]Outcome{
		{Kind: OutcomeLinked, ResourceType: "Condition"},
		{Kind: OutcomeUnlinked, ResourceType: "Procedure"},
	})
	if status != datarequest.StatusError {
		t.Errorf("status = %q", status)
	}
	if msg != "Condition: linked; Procedure: unable to link identifier" {
		t.Errorf("msg = %q", msg)
	}

	status, _ = Summarize([]Outcome{{Kind: OutcomeLinked, ResourceType: "Consent"}})
	if status != datarequest.StatusSuccess {
		t.Errorf("status = %q", status)
	}
}

package medmem

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	backend, err := Open(Config{Kind: BackendFull, Path: ":memory:", Embedder: mockEmbedder{}})
	if err != nil {
		t.Fatalf("failed to open backend: %v", err)
	}

	service, err := NewService(backend)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	t.Cleanup(func() { service.Close() })

	return service
}

type staticExtractor struct {
	findings []ExtractedFinding
	err      error
}

func (s staticExtractor) Extract(ctx context.Context, reportText string) ([]ExtractedFinding, error) {
	return s.findings, s.err
}

func TestRecordMemoryRoundTrip(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	text := "patient reports chest pain after exercise"
	id, err := service.RecordMemory(ctx, &MemoryItem{Text: text, Kind: KindEncounter, UserID: "u1"}, []SourceRef{
		{SourceType: SourceChat, SourceID: "turn-3"},
	})
	if err != nil {
		t.Fatalf("record memory failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected generated memory id")
	}

	results, err := service.QueryMemories(ctx, text, QueryScope{UserID: "u1"}, 5)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(results) != 1 || results[0].Item.MemoryID != id {
		t.Fatalf("expected recorded memory as top result, got %+v", results)
	}

	sources, err := service.MemorySources(ctx, id)
	if err != nil {
		t.Fatalf("sources failed: %v", err)
	}
	if len(sources) != 1 || sources[0].SourceID != "turn-3" {
		t.Fatalf("expected chat provenance, got %+v", sources)
	}
}

func TestPatientTimelineScenario(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if _, err := service.UpsertEntity(ctx, &PatientProfile{PatientID: "P1", Name: "Jane Roe"}, 0); err != nil {
		t.Fatalf("patient upsert failed: %v", err)
	}

	start := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	enc := &Encounter{EncounterID: "E1", PatientID: "P1", StartTime: &start, ChiefComplaint: "headache"}
	if _, err := service.UpsertEntity(ctx, enc, 0); err != nil {
		t.Fatalf("encounter upsert failed: %v", err)
	}

	systolic := 120.0
	obs := &Observation{
		ObservationID: "O1", PatientID: "P1", EncounterID: "E1",
		Category: CategoryVital, Name: "Systolic BP", ValueNumeric: &systolic, Unit: "mmHg",
	}
	if _, err := service.UpsertEntity(ctx, obs, 0); err != nil {
		t.Fatalf("observation upsert failed: %v", err)
	}

	timeline, err := service.GetPatientTimeline(ctx, "P1")
	if err != nil {
		t.Fatalf("timeline failed: %v", err)
	}
	if len(timeline) != 1 {
		t.Fatalf("expected 1 encounter, got %d", len(timeline))
	}
	entry := timeline[0]
	if entry.Encounter.EncounterID != "E1" {
		t.Errorf("expected E1, got %s", entry.Encounter.EncounterID)
	}
	if len(entry.Observations) != 1 {
		t.Fatalf("expected 1 observation, got %d", len(entry.Observations))
	}
	got := entry.Observations[0]
	if got.ValueNumeric == nil || *got.ValueNumeric != 120 || got.Unit != "mmHg" {
		t.Errorf("expected 120 mmHg, got %+v", got)
	}
}

func TestMedicationStatusChangeKeepsEdge(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if _, err := service.UpsertEntity(ctx, &PatientProfile{PatientID: "P1"}, 0); err != nil {
		t.Fatalf("patient upsert failed: %v", err)
	}

	med := &Medication{MedicationID: "M1", PatientID: "P1", Name: "Atorvastatin", Status: MedicationActive}
	if _, err := service.UpsertEntity(ctx, med, 0); err != nil {
		t.Fatalf("medication upsert failed: %v", err)
	}

	med.Status = MedicationStopped
	v, err := service.UpsertEntity(ctx, med, 0)
	if err != nil {
		t.Fatalf("medication update failed: %v", err)
	}
	if v != 2 {
		t.Errorf("expected version 2, got %d", v)
	}

	entries, err := service.History(ctx, TypeMedication, "M1")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 history entries, got %d", len(entries))
	}

	ids, err := service.Backend().Traverse(ctx, "P1", []Relation{RelTakesMedication}, 1)
	if err != nil {
		t.Fatalf("traverse failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "M1" {
		t.Errorf("expected TAKES_MEDICATION edge to survive the update, got %v", ids)
	}
}

func TestDeleteMemoryExcludedFromQueries(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	text := "flu shot administered in october"
	id, err := service.RecordMemory(ctx, &MemoryItem{Text: text, Kind: KindSummary}, nil)
	if err != nil {
		t.Fatalf("record memory failed: %v", err)
	}

	if err := service.DeleteMemory(ctx, id); err != nil {
		t.Fatalf("delete memory failed: %v", err)
	}

	results, err := service.QueryMemories(ctx, text, QueryScope{}, 5)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	for _, r := range results {
		if r.Item.MemoryID == id {
			t.Error("deleted memory returned by query")
		}
	}

	entries, err := service.History(ctx, TypeMemory, id)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(entries) == 0 || entries[len(entries)-1].Operation != OpDelete {
		t.Errorf("expected delete as latest history entry, got %+v", entries)
	}
}

func TestMetadataMergeOnUpdate(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	p := &PatientProfile{PatientID: "P1", Metadata: map[string]string{"lang": "es", "insurer": "acme"}}
	if _, err := service.UpsertEntity(ctx, p, 0); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}

	update := &PatientProfile{PatientID: "P1", Metadata: map[string]string{"insurer": "zenith", "plan": "gold"}}
	if _, err := service.UpsertEntity(ctx, update, 0); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	rec, err := service.GetEntity(ctx, TypePatient, "P1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	meta := rec.(*PatientProfile).Metadata
	want := map[string]string{"lang": "es", "insurer": "zenith", "plan": "gold"}
	for k, v := range want {
		if meta[k] != v {
			t.Errorf("metadata[%s]: expected %q, got %q", k, v, meta[k])
		}
	}
}

func TestRectifyCreatesNewVersion(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if _, err := service.UpsertEntity(ctx, &PatientProfile{PatientID: "P1"}, 0); err != nil {
		t.Fatalf("patient upsert failed: %v", err)
	}
	wrong := 210.0
	obs := &Observation{
		ObservationID: "O1", PatientID: "P1",
		Category: CategoryLab, Name: "Glucose", ValueNumeric: &wrong, Unit: "mg/dL",
	}
	if _, err := service.UpsertEntity(ctx, obs, 0); err != nil {
		t.Fatalf("observation upsert failed: %v", err)
	}

	v, err := service.Rectify(ctx, TypeObservation, "O1", map[string]any{"ValueNumeric": 110.0})
	if err != nil {
		t.Fatalf("rectify failed: %v", err)
	}
	if v != 2 {
		t.Errorf("expected version 2 after rectification, got %d", v)
	}

	rec, err := service.GetEntity(ctx, TypeObservation, "O1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got := rec.(*Observation); got.ValueNumeric == nil || *got.ValueNumeric != 110 {
		t.Errorf("expected corrected value 110, got %+v", got.ValueNumeric)
	}

	// the wrong value stays in history
	entries, err := service.History(ctx, TypeObservation, "O1")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(entries))
	}
	var snap Observation
	if err := json.Unmarshal(entries[0].Snapshot, &snap); err != nil {
		t.Fatalf("snapshot unmarshal failed: %v", err)
	}
	if snap.ValueNumeric == nil || *snap.ValueNumeric != 210 {
		t.Errorf("expected original value 210 preserved in history, got %+v", snap.ValueNumeric)
	}
}

func TestIngestReportCreatesRecords(t *testing.T) {
	backend, err := Open(Config{Kind: BackendFull, Path: ":memory:", Embedder: mockEmbedder{}})
	if err != nil {
		t.Fatalf("failed to open backend: %v", err)
	}
	n := 12.3
	service, err := NewService(backend, WithExtractor(staticExtractor{findings: []ExtractedFinding{
		{Name: "Hemoglobin", Value: "12.3", ValueNumeric: &n, Unit: "g/dL", Category: CategoryLab, Confidence: 0.9},
	}}))
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	defer service.Close()

	ctx := context.Background()
	if _, err := service.UpsertEntity(ctx, &PatientProfile{PatientID: "P1"}, 0); err != nil {
		t.Fatalf("patient upsert failed: %v", err)
	}

	result, err := service.IngestReport(ctx, ReportIngest{
		PatientID: "P1", UserID: "u1", Title: "cbc", ReportText: "Hemoglobin: 12.3 g/dL",
	})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if result.AlreadyIngested {
		t.Fatal("fresh report flagged as already ingested")
	}
	// document + observation + memory item
	if len(result.CreatedIDs) != 3 {
		t.Fatalf("expected 3 created ids, got %v", result.CreatedIDs)
	}

	observations, err := service.ListEntities(ctx, TypeObservation, RecordFilter{PatientID: "P1"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(observations) != 1 {
		t.Fatalf("expected 1 observation, got %d", len(observations))
	}
	obs := observations[0].(*Observation)
	if obs.Name != "Hemoglobin" || obs.ValueNumeric == nil || *obs.ValueNumeric != 12.3 || obs.Unit != "g/dL" {
		t.Errorf("unexpected observation: %+v", obs)
	}

	results, err := service.QueryMemories(ctx, "Hemoglobin 12.3 g/dL", QueryScope{PatientID: "P1"}, 5)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected ingested finding to be retrievable")
	}
}

func TestIngestReportIdempotentByHash(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if _, err := service.UpsertEntity(ctx, &PatientProfile{PatientID: "P1"}, 0); err != nil {
		t.Fatalf("patient upsert failed: %v", err)
	}

	req := ReportIngest{PatientID: "P1", UserID: "u1", ReportText: "Glucose: 105 mg/dL"}
	first, err := service.IngestReport(ctx, req)
	if err != nil {
		t.Fatalf("first ingest failed: %v", err)
	}

	second, err := service.IngestReport(ctx, req)
	if err != nil {
		t.Fatalf("second ingest failed: %v", err)
	}
	if !second.AlreadyIngested {
		t.Error("expected second ingest to be flagged already ingested")
	}
	if second.DocumentID != first.DocumentID {
		t.Errorf("expected same document id, got %s and %s", first.DocumentID, second.DocumentID)
	}

	docs, err := service.ListEntities(ctx, TypeDocument, RecordFilter{PatientID: "P1"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(docs) != 1 {
		t.Errorf("expected 1 document after re-ingest, got %d", len(docs))
	}
}

func TestIngestReportPartialFailure(t *testing.T) {
	backend, err := Open(Config{Kind: BackendFull, Path: ":memory:", Embedder: mockEmbedder{}})
	if err != nil {
		t.Fatalf("failed to open backend: %v", err)
	}
	ok := 5.0
	service, err := NewService(backend, WithExtractor(staticExtractor{findings: []ExtractedFinding{
		{Name: "Potassium", ValueNumeric: &ok, Unit: "mmol/L", Category: CategoryLab},
		{Name: "", Value: "broken"}, // rejected by validation mid-batch
	}}))
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	defer service.Close()

	ctx := context.Background()
	if _, err := service.UpsertEntity(ctx, &PatientProfile{PatientID: "P1"}, 0); err != nil {
		t.Fatalf("patient upsert failed: %v", err)
	}

	_, err = service.IngestReport(ctx, ReportIngest{PatientID: "P1", UserID: "u1", ReportText: "panel"})
	var partial *PartialIngestError
	if !errors.As(err, &partial) {
		t.Fatalf("expected PartialIngestError, got %v", err)
	}
	// document, first observation and its memory item committed before the failure
	if len(partial.CommittedIDs) != 3 {
		t.Errorf("expected 3 committed ids, got %v", partial.CommittedIDs)
	}
	for _, id := range partial.CommittedIDs {
		if id == "" {
			t.Error("empty committed id")
		}
	}
	if partial.Failed == "" {
		t.Error("expected failed id to be named")
	}
}

func TestChatBuildsAnswerFromMemories(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if _, err := service.RecordMemory(ctx, &MemoryItem{
		Text: "allergic to penicillin, reaction was hives", Kind: KindProfile, UserID: "u1",
	}, nil); err != nil {
		t.Fatalf("record memory failed: %v", err)
	}

	resp, err := service.Chat(ctx, ChatRequest{Message: "any penicillin allergy?", UserID: "u1"})
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	if len(resp.Memories) == 0 {
		t.Fatal("expected supporting memories")
	}
	if !strings.Contains(resp.ResponseText, "penicillin") {
		t.Errorf("expected answer to surface the memory, got %q", resp.ResponseText)
	}

	empty, err := service.Chat(ctx, ChatRequest{Message: "summarize yesterday's concert", UserID: "nobody"})
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	if len(empty.Memories) != 0 || empty.ResponseText == "" {
		t.Errorf("expected empty-but-polite response, got %+v", empty)
	}
}

func TestActiveMedications(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if _, err := service.UpsertEntity(ctx, &PatientProfile{PatientID: "P1"}, 0); err != nil {
		t.Fatalf("patient upsert failed: %v", err)
	}
	for _, m := range []*Medication{
		{MedicationID: "m1", PatientID: "P1", Name: "Metformin", Status: MedicationActive},
		{MedicationID: "m2", PatientID: "P1", Name: "Amoxicillin", Status: MedicationStopped},
	} {
		if _, err := service.UpsertEntity(ctx, m, 0); err != nil {
			t.Fatalf("medication upsert failed: %v", err)
		}
	}

	active, err := service.ActiveMedications(ctx, "P1")
	if err != nil {
		t.Fatalf("active medications failed: %v", err)
	}
	if len(active) != 1 || active[0].MedicationID != "m1" {
		t.Fatalf("expected only m1 active, got %+v", active)
	}
}

func TestChatRecordsExchange(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	resp, err := service.Chat(ctx, ChatRequest{Message: "is naltrexone safe with my liver values?", UserID: "u1"})
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}

	results, err := service.QueryMemories(ctx, "naltrexone liver", QueryScope{UserID: "u1"}, 10)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}

	var exchange *MemoryItem
	for _, r := range results {
		if r.Item.ActorRole == RoleAssistant && strings.Contains(r.Item.Text, "naltrexone") {
			exchange = r.Item
			break
		}
	}
	if exchange == nil {
		t.Fatalf("no conversation memory stored after chat, got %+v", results)
	}
	if !strings.Contains(exchange.Text, resp.ResponseText) {
		t.Errorf("stored exchange misses the answer: %q", exchange.Text)
	}

	sources, err := service.MemorySources(ctx, exchange.MemoryID)
	if err != nil {
		t.Fatalf("sources failed: %v", err)
	}
	if len(sources) != 1 || sources[0].SourceType != SourceChat {
		t.Errorf("expected chat provenance, got %+v", sources)
	}
}

func TestMedicationPairs(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if _, err := service.UpsertEntity(ctx, &PatientProfile{PatientID: "P1"}, 0); err != nil {
		t.Fatalf("patient upsert failed: %v", err)
	}
	for _, m := range []*Medication{
		{MedicationID: "m1", PatientID: "P1", Name: "Metformin", Status: MedicationActive},
		{MedicationID: "m2", PatientID: "P1", Name: "Lisinopril", Status: MedicationActive},
		{MedicationID: "m3", PatientID: "P1", Name: "Atorvastatin", Status: MedicationActive},
		{MedicationID: "m4", PatientID: "P1", Name: "Amoxicillin", Status: MedicationStopped},
	} {
		if _, err := service.UpsertEntity(ctx, m, 0); err != nil {
			t.Fatalf("medication upsert failed: %v", err)
		}
	}

	pairs, err := service.MedicationPairs(ctx, "P1")
	if err != nil {
		t.Fatalf("medication pairs failed: %v", err)
	}

	want := [][2]string{{"m1", "m2"}, {"m1", "m3"}, {"m2", "m3"}}
	if len(pairs) != len(want) {
		t.Fatalf("expected %d pairs, got %+v", len(want), pairs)
	}
	for i, p := range pairs {
		if p.First.MedicationID != want[i][0] || p.Second.MedicationID != want[i][1] {
			t.Errorf("pair %d: expected %v, got (%s, %s)", i, want[i], p.First.MedicationID, p.Second.MedicationID)
		}
	}
}

func TestSummarizeReportKeepsRunesIntact(t *testing.T) {
	summary := summarizeReport(strings.Repeat("血", 300))
	if !utf8.ValidString(summary) {
		t.Fatalf("summary split a rune: %q", summary)
	}
	if n := utf8.RuneCountInString(summary); n != 200 {
		t.Errorf("expected 200 runes, got %d", n)
	}
}

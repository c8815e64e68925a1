package medmem

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ylouis83/aim-medical/internal/logger"
)

const defaultConfidence = 0.8

// readAttempts bounds retries on transient read failures. Writes are never
// retried, a duplicated write is worse than a surfaced error.
const readAttempts = 2

// ExtractedFinding is one structured candidate pulled out of raw report
// text by an Extractor.
type ExtractedFinding struct {
	Name         string
	Value        string
	ValueNumeric *float64
	Unit         string
	Category     ObservationCategory
	Confidence   float64
}

// Extractor turns raw report text into structured draft records. The
// service validates and persists whatever it returns; it never second
// guesses the extraction itself.
type Extractor interface {
	Extract(ctx context.Context, reportText string) ([]ExtractedFinding, error)
}

// Service is the single mutation path over a Backend. It owns id
// generation, the query cache, provenance bookkeeping and the cross-store
// consistency policy for multi-entity ingestion.
type Service struct {
	backend   Backend
	cache     *queryCache
	extractor Extractor
}

type ServiceOption func(*Service)

// WithExtractor wires the report extractor used by IngestReport.
func WithExtractor(e Extractor) ServiceOption {
	return func(s *Service) { s.extractor = e }
}

func NewService(backend Backend, opts ...ServiceOption) (*Service, error) {
	cache, err := newQueryCache(defaultCacheTTL)
	if err != nil {
		return nil, err
	}

	s := &Service{backend: backend, cache: cache}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

func (s *Service) Backend() Backend { return s.backend }

func (s *Service) Close() error {
	s.cache.close()
	return s.backend.Close()
}

// RecordMemory stores one memory item with its provenance and returns the
// memory id, generating one when the caller did not.
func (s *Service) RecordMemory(ctx context.Context, item *MemoryItem, sources []SourceRef) (string, error) {
	if item.MemoryID == "" {
		item.MemoryID = uuid.NewString()
	}
	if item.Confidence == 0 {
		item.Confidence = defaultConfidence
	}

	version, err := s.backend.UpsertMemory(ctx, item)
	if err != nil {
		return "", err
	}

	for i := range sources {
		sources[i].MemoryID = item.MemoryID
	}
	if err := s.backend.AddSources(ctx, sources); err != nil {
		return "", err
	}

	s.cache.clear()
	logger.Debug("memory recorded", "memory_id", item.MemoryID, "kind", item.Kind, "version", version)

	return item.MemoryID, nil
}

// UpsertEntity writes a new version of rec. Open metadata maps merge on
// update: keys absent from rec are carried over from the stored version,
// keys present overwrite; there is no deep merge.
func (s *Service) UpsertEntity(ctx context.Context, rec Record, expected int64) (int64, error) {
	if prev, err := s.backend.Get(ctx, rec.Type(), rec.ID()); err == nil {
		mergeMetadata(rec, prev)
	} else if !IsNotFound(err) {
		return 0, err
	}

	version, err := s.backend.Put(ctx, rec, expected)
	if err != nil {
		return 0, err
	}

	logger.Debug("entity upserted", "type", rec.Type(), "id", rec.ID(), "version", version)
	return version, nil
}

func (s *Service) GetEntity(ctx context.Context, t EntityType, id string) (Record, error) {
	return s.backend.Get(ctx, t, id)
}

func (s *Service) ListEntities(ctx context.Context, t EntityType, f RecordFilter) ([]Record, error) {
	return s.backend.List(ctx, t, f)
}

func (s *Service) DeleteEntity(ctx context.Context, t EntityType, id string, expected int64) (int64, error) {
	version, err := s.backend.SoftDelete(ctx, t, id, expected)
	if err != nil {
		return 0, err
	}

	logger.Info("entity deleted", "type", t, "id", id, "version", version)
	return version, nil
}

// QueryMemories runs a ranked hybrid search. Results are cached per
// request; transient backend failures are retried a bounded number of
// times before surfacing.
func (s *Service) QueryMemories(ctx context.Context, query string, scope QueryScope, topK int) ([]ScoredMemory, error) {
	key := cacheKey(query, scope, topK)
	if results, ok := s.cache.get(key); ok {
		return results, nil
	}

	var results []ScoredMemory
	var err error
	for attempt := 0; attempt < readAttempts; attempt++ {
		results, err = s.backend.SearchMemories(ctx, query, scope, topK)
		if err == nil || !IsUnavailable(err) {
			break
		}
		logger.Warn("memory search failed, retrying", "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	if err != nil {
		return nil, err
	}

	s.cache.set(key, results)
	return results, nil
}

func (s *Service) GetMemory(ctx context.Context, memoryID string) (*MemoryItem, error) {
	return s.backend.GetMemory(ctx, memoryID)
}

func (s *Service) MemorySources(ctx context.Context, memoryID string) ([]SourceRef, error) {
	return s.backend.Sources(ctx, memoryID)
}

func (s *Service) DeleteMemory(ctx context.Context, memoryID string) error {
	if err := s.backend.DeleteMemory(ctx, memoryID); err != nil {
		return err
	}

	s.cache.clear()
	logger.Info("memory deleted", "memory_id", memoryID)

	return nil
}

func (s *Service) History(ctx context.Context, t EntityType, id string) ([]HistoryEntry, error) {
	return s.backend.History(ctx, t, id)
}

// Rectify applies an explicit correction to a stored entity. The corrected
// fields are merged over the current version by their JSON names and the
// result is written as a new version; history keeps the wrong one. Works
// for memory items too via entity type "memory".
func (s *Service) Rectify(ctx context.Context, t EntityType, id string, correctedFields map[string]any) (int64, error) {
	if len(correctedFields) == 0 {
		return 0, &ValidationError{Entity: t, Field: "correctedFields", Reason: "empty correction"}
	}

	if t == TypeMemory {
		return s.rectifyMemory(ctx, id, correctedFields)
	}

	rec, err := s.backend.Get(ctx, t, id)
	if err != nil {
		return 0, err
	}

	corrected, err := mergeFields(rec, correctedFields)
	if err != nil {
		return 0, err
	}

	version, err := s.backend.Put(ctx, corrected, rec.Envelope().Version)
	if err != nil {
		return 0, err
	}

	logger.Info("entity rectified", "type", t, "id", id, "version", version)
	return version, nil
}

func (s *Service) rectifyMemory(ctx context.Context, id string, correctedFields map[string]any) (int64, error) {
	item, err := s.backend.GetMemory(ctx, id)
	if err != nil {
		return 0, err
	}

	b, err := json.Marshal(item)
	if err != nil {
		return 0, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return 0, err
	}
	for k, v := range correctedFields {
		m[k] = v
	}
	b, err = json.Marshal(m)
	if err != nil {
		return 0, err
	}
	corrected := &MemoryItem{}
	if err := json.Unmarshal(b, corrected); err != nil {
		return 0, err
	}
	corrected.MemoryID = id
	corrected.Embedding = nil // force re-embedding of the corrected text

	version, err := s.backend.UpsertMemory(ctx, corrected)
	if err != nil {
		return 0, err
	}

	s.cache.clear()
	logger.Info("memory rectified", "memory_id", id, "version", version)

	return version, nil
}

// ReportIngest is one raw report to ingest for a patient.
type ReportIngest struct {
	PatientID  string
	UserID     string
	Title      string
	ReportText string
}

// IngestResult enumerates what one accepted ingestion created.
type IngestResult struct {
	DocumentID      string
	CreatedIDs      []string
	AlreadyIngested bool
}

// IngestReport turns one raw report into a Document, extracted
// Observations and memory items. The Document write is the acceptance
// gate: if it fails nothing is committed. Later failures surface as
// PartialIngestError listing every id already committed so the caller can
// resume; the service never auto-compensates. Re-ingesting a byte
// identical report for the same patient is a no-op.
func (s *Service) IngestReport(ctx context.Context, req ReportIngest) (*IngestResult, error) {
	if req.ReportText == "" {
		return nil, &ValidationError{Entity: TypeDocument, Field: "report_text", Reason: "required"}
	}
	if _, err := s.backend.Get(ctx, TypePatient, req.PatientID); err != nil {
		return nil, err
	}

	hash := sha256.Sum256([]byte(req.ReportText))
	fileHash := hex.EncodeToString(hash[:])

	existing, err := s.backend.List(ctx, TypeDocument, RecordFilter{PatientID: req.PatientID, FileHash: fileHash})
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		logger.Info("report already ingested", "patient_id", req.PatientID, "document_id", existing[0].ID())
		return &IngestResult{DocumentID: existing[0].ID(), AlreadyIngested: true}, nil
	}

	now := time.Now().UTC()
	doc := &Document{
		DocumentID:  uuid.NewString(),
		PatientID:   req.PatientID,
		DocType:     DocReport,
		Title:       req.Title,
		Summary:     summarizeReport(req.ReportText),
		FileHash:    fileHash,
		ExtractedAt: &now,
	}
	if _, err := s.backend.Put(ctx, doc, 0); err != nil {
		return nil, err
	}
	committed := []string{doc.DocumentID}

	var findings []ExtractedFinding
	if s.extractor != nil {
		findings, err = s.extractor.Extract(ctx, req.ReportText)
		if err != nil {
			return nil, &PartialIngestError{CommittedIDs: committed, Failed: "extraction", Err: err}
		}
	}

	for _, f := range findings {
		obs := &Observation{
			ObservationID: uuid.NewString(),
			PatientID:     req.PatientID,
			Category:      f.Category,
			Name:          f.Name,
			Value:         f.Value,
			ValueNumeric:  f.ValueNumeric,
			Unit:          f.Unit,
			ObservedAt:    &now,
		}
		if _, err := s.backend.Put(ctx, obs, 0); err != nil {
			logger.Error("ingest partially committed", "patient_id", req.PatientID, "failed", obs.ObservationID, "error", err)
			return nil, &PartialIngestError{CommittedIDs: committed, Failed: obs.ObservationID, Err: err}
		}
		committed = append(committed, obs.ObservationID)

		confidence := f.Confidence
		if confidence == 0 {
			confidence = defaultConfidence
		}
		item := &MemoryItem{
			MemoryID:   uuid.NewString(),
			Text:       findingText(f),
			Kind:       KindObservation,
			UserID:     req.UserID,
			PatientID:  req.PatientID,
			ActorRole:  RoleSystem,
			Confidence: confidence,
		}
		if _, err := s.backend.UpsertMemory(ctx, item); err != nil {
			logger.Error("ingest partially committed", "patient_id", req.PatientID, "failed", item.MemoryID, "error", err)
			return nil, &PartialIngestError{CommittedIDs: committed, Failed: item.MemoryID, Err: err}
		}
		if err := s.backend.AddSources(ctx, []SourceRef{{
			MemoryID:   item.MemoryID,
			SourceType: SourceReport,
			SourceID:   doc.DocumentID,
		}}); err != nil {
			return nil, &PartialIngestError{CommittedIDs: append(committed, item.MemoryID), Failed: "sources:" + item.MemoryID, Err: err}
		}
		committed = append(committed, item.MemoryID)
	}

	s.cache.clear()
	logger.Info("report ingested", "patient_id", req.PatientID, "document_id", doc.DocumentID, "created", len(committed))

	return &IngestResult{DocumentID: doc.DocumentID, CreatedIDs: committed}, nil
}

// ChatRequest is one conversational turn asking the memory layer for
// context.
type ChatRequest struct {
	Message   string
	UserID    string
	PatientID string
	TopK      int
}

// ChatResponse pairs a short textual answer with the ranked memories it
// was built from. The answer is assembled from stored memories only; there
// is no generative model behind it.
type ChatResponse struct {
	ResponseText string
	Memories     []ScoredMemory
}

func (s *Service) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	scope := QueryScope{UserID: req.UserID, PatientID: req.PatientID}
	memories, err := s.QueryMemories(ctx, req.Message, scope, req.TopK)
	if err != nil {
		return nil, err
	}

	resp := &ChatResponse{ResponseText: "No matching records on file."}
	if len(memories) > 0 {
		var b strings.Builder
		b.WriteString("Relevant records:\n")
		for i, m := range memories {
			if i == 3 {
				break
			}
			fmt.Fprintf(&b, "- %s\n", m.Item.Text)
		}
		resp = &ChatResponse{ResponseText: strings.TrimRight(b.String(), "\n"), Memories: memories}
	}

	// the exchange itself becomes a retrievable memory with chat provenance
	exchange := &MemoryItem{
		Text:      "user: " + req.Message + "\nassistant: " + resp.ResponseText,
		Kind:      KindSummary,
		UserID:    req.UserID,
		PatientID: req.PatientID,
		ActorRole: RoleAssistant,
		Tags:      []string{"conversation"},
	}
	if _, err := s.RecordMemory(ctx, exchange, []SourceRef{{SourceType: SourceChat, SourceID: req.UserID}}); err != nil {
		return nil, err
	}

	return resp, nil
}

func mergeMetadata(rec, prev Record) {
	merge := func(cur, old map[string]string) map[string]string {
		if len(old) == 0 {
			return cur
		}
		out := make(map[string]string, len(old)+len(cur))
		for k, v := range old {
			out[k] = v
		}
		for k, v := range cur {
			out[k] = v
		}
		return out
	}

	switch r := rec.(type) {
	case *PatientProfile:
		if p, ok := prev.(*PatientProfile); ok {
			r.Metadata = merge(r.Metadata, p.Metadata)
		}
	case *Encounter:
		if p, ok := prev.(*Encounter); ok {
			r.Metadata = merge(r.Metadata, p.Metadata)
		}
	case *Observation:
		if p, ok := prev.(*Observation); ok {
			r.Metadata = merge(r.Metadata, p.Metadata)
		}
	case *Medication:
		if p, ok := prev.(*Medication); ok {
			r.Metadata = merge(r.Metadata, p.Metadata)
		}
	case *Document:
		if p, ok := prev.(*Document); ok {
			r.Metadata = merge(r.Metadata, p.Metadata)
		}
	}
}

// mergeFields overlays correctedFields onto rec by JSON field names and
// returns a fresh record of the same type.
func mergeFields(rec Record, correctedFields map[string]any) (Record, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}

	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	for k, v := range correctedFields {
		m[k] = v
	}

	b, err = json.Marshal(m)
	if err != nil {
		return nil, err
	}

	out, err := cloneRecord(rec)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return nil, err
	}

	return out, nil
}

func summarizeReport(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.IndexByte(text, '\n'); idx > 0 {
		text = text[:idx]
	}
	if len(text) > 200 {
		// cut on a rune boundary, report text is often not ASCII
		if r := []rune(text); len(r) > 200 {
			text = string(r[:200])
		}
	}

	return text
}

func findingText(f ExtractedFinding) string {
	parts := []string{f.Name}
	if f.Value != "" {
		parts = append(parts, f.Value)
	} else if f.ValueNumeric != nil {
		parts = append(parts, fmt.Sprintf("%g", *f.ValueNumeric))
	}
	if f.Unit != "" {
		parts = append(parts, f.Unit)
	}

	return strings.Join(parts, " ")
}

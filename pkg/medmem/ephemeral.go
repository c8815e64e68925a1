package medmem

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// ephemeralStore is the in-process backend. Everything lives in maps behind
// one mutex; contents vanish when the process exits. Keyword search only, no
// vector index, but the graph and the history log behave like the full
// backend so the service layer is exercised identically in tests.
type ephemeralStore struct {
	mu       sync.RWMutex
	records  map[EntityType]map[string]Record
	memories map[string]*MemoryItem
	sources  map[string][]SourceRef
	edges    []Edge
	history  map[EntityType]map[string][]HistoryEntry
	historyN int64
}

func newEphemeral() *ephemeralStore {
	return &ephemeralStore{
		records:  make(map[EntityType]map[string]Record),
		memories: make(map[string]*MemoryItem),
		sources:  make(map[string][]SourceRef),
		history:  make(map[EntityType]map[string][]HistoryEntry),
	}
}

func (s *ephemeralStore) Kind() BackendKind { return BackendEphemeral }

func (s *ephemeralStore) Capabilities() Capabilities {
	return Capabilities{VectorSearch: false, Graph: true}
}

func (s *ephemeralStore) Close() error { return nil }

func (s *ephemeralStore) Put(ctx context.Context, rec Record, expected int64) (int64, error) {
	if err := rec.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.records[rec.Type()][rec.ID()]
	var cur int64
	if prev != nil {
		cur = prev.Envelope().Version
	}
	if expected != 0 && expected != cur {
		return 0, &ConflictError{Entity: rec.Type(), ID: rec.ID(), Expected: expected, Actual: cur}
	}

	if err := s.checkRefsLocked(rec); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	env := rec.Envelope()
	env.Version = cur + 1
	env.IsDeleted = false
	env.UpdatedAt = now
	if prev != nil {
		env.CreatedAt = prev.Envelope().CreatedAt
	} else {
		env.CreatedAt = now
	}

	clone, err := cloneRecord(rec)
	if err != nil {
		return 0, err
	}

	if s.records[rec.Type()] == nil {
		s.records[rec.Type()] = make(map[string]Record)
	}
	s.records[rec.Type()][rec.ID()] = clone

	op := OpUpdate
	if prev == nil || prev.Envelope().IsDeleted {
		op = OpCreate
	}
	if err := s.appendHistoryLocked(clone.Type(), clone.ID(), clone.Envelope().Version, op, clone, now); err != nil {
		return 0, err
	}

	s.recordEdgesLocked(rec, now)

	return env.Version, nil
}

func (s *ephemeralStore) Get(ctx context.Context, t EntityType, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec := s.records[t][id]
	if rec == nil || rec.Envelope().IsDeleted {
		return nil, &NotFoundError{Entity: t, ID: id}
	}

	return cloneRecord(rec)
}

func (s *ephemeralStore) List(ctx context.Context, t EntityType, f RecordFilter) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for _, rec := range s.records[t] {
		if rec.Envelope().IsDeleted && !f.IncludeDeleted {
			continue
		}
		if !matchFilter(rec, f) {
			continue
		}
		clone, err := cloneRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, clone)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

func (s *ephemeralStore) SoftDelete(ctx context.Context, t EntityType, id string, expected int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.records[t][id]
	if rec == nil || rec.Envelope().IsDeleted {
		return 0, &NotFoundError{Entity: t, ID: id}
	}
	if expected != 0 && expected != rec.Envelope().Version {
		return 0, &ConflictError{Entity: t, ID: id, Expected: expected, Actual: rec.Envelope().Version}
	}

	now := time.Now().UTC()
	env := rec.Envelope()
	env.Version++
	env.IsDeleted = true
	env.UpdatedAt = now

	if err := s.appendHistoryLocked(t, id, env.Version, OpDelete, rec, now); err != nil {
		return 0, err
	}

	return env.Version, nil
}

func (s *ephemeralStore) UpsertMemory(ctx context.Context, item *MemoryItem) (int64, error) {
	if item.MemoryID == "" {
		return 0, &ValidationError{Entity: TypeMemory, Field: "memory_id", Reason: "required"}
	}
	if err := item.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.memories[item.MemoryID]
	var cur int64
	if prev != nil {
		cur = prev.Env.Version
	}

	now := time.Now().UTC()
	item.Env.Version = cur + 1
	item.Env.IsDeleted = false
	item.Env.UpdatedAt = now
	if prev != nil {
		item.Env.CreatedAt = prev.Env.CreatedAt
	} else {
		item.Env.CreatedAt = now
	}

	s.memories[item.MemoryID] = cloneMemory(item)

	op := OpUpdate
	if prev == nil || prev.Env.IsDeleted {
		op = OpCreate
	}
	if err := s.appendHistoryLocked(TypeMemory, item.MemoryID, item.Env.Version, op, item, now); err != nil {
		return 0, err
	}

	return item.Env.Version, nil
}

func (s *ephemeralStore) GetMemory(ctx context.Context, memoryID string) (*MemoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item := s.memories[memoryID]
	if item == nil || item.Env.IsDeleted {
		return nil, &NotFoundError{Entity: TypeMemory, ID: memoryID}
	}

	return cloneMemory(item), nil
}

func (s *ephemeralStore) SearchMemories(ctx context.Context, query string, scope QueryScope, limit int) ([]ScoredMemory, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	s.mu.RLock()
	tokens := tokenize(query)
	var results []ScoredMemory
	for _, item := range s.memories {
		if item.Env.IsDeleted {
			continue
		}
		if scope.UserID != "" && item.UserID != scope.UserID {
			continue
		}
		if scope.PatientID != "" && item.PatientID != scope.PatientID {
			continue
		}
		if scope.Kind != "" && item.Kind != scope.Kind {
			continue
		}
		score := overlapScore(tokens, item.Text)
		if score > 0 {
			results = append(results, ScoredMemory{Item: cloneMemory(item), Score: score})
		}
	}
	s.mu.RUnlock()

	rankMemories(query, results)
	if len(results) > limit {
		results = results[:limit]
	}

	return results, nil
}

func (s *ephemeralStore) DeleteMemory(ctx context.Context, memoryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.memories[memoryID]
	if item == nil || item.Env.IsDeleted {
		return &NotFoundError{Entity: TypeMemory, ID: memoryID}
	}

	now := time.Now().UTC()
	item.Env.Version++
	item.Env.IsDeleted = true
	item.Env.UpdatedAt = now

	return s.appendHistoryLocked(TypeMemory, memoryID, item.Env.Version, OpDelete, item, now)
}

func (s *ephemeralStore) AddSources(ctx context.Context, refs []SourceRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ref := range refs {
		item := s.memories[ref.MemoryID]
		if item == nil {
			return &ForeignKeyError{Entity: TypeMemory, ID: ref.MemoryID, RefType: TypeMemory, RefID: ref.MemoryID}
		}
		if item.Env.IsDeleted {
			return &ForeignKeyError{Entity: TypeMemory, ID: ref.MemoryID, RefType: TypeMemory, RefID: ref.MemoryID, Deleted: true}
		}
	}

	now := time.Now().UTC()
	for _, ref := range refs {
		ref.CreatedAt = now
		s.sources[ref.MemoryID] = append(s.sources[ref.MemoryID], ref)
	}

	return nil
}

func (s *ephemeralStore) Sources(ctx context.Context, memoryID string) ([]SourceRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]SourceRef(nil), s.sources[memoryID]...), nil
}

func (s *ephemeralStore) AddEdge(ctx context.Context, e Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.addEdgeLocked(e.FromID, e.Relation, e.ToID, e.Attrs, time.Now().UTC())
	return nil
}

func (s *ephemeralStore) EdgesFrom(ctx context.Context, id string, rel Relation) ([]Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Edge
	for _, e := range s.edges {
		if e.FromID == id && (rel == "" || e.Relation == rel) {
			out = append(out, e)
		}
	}

	return out, nil
}

func (s *ephemeralStore) EdgesTo(ctx context.Context, id string, rel Relation) ([]Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Edge
	for _, e := range s.edges {
		if e.ToID == id && (rel == "" || e.Relation == rel) {
			out = append(out, e)
		}
	}

	return out, nil
}

func (s *ephemeralStore) Traverse(ctx context.Context, startID string, path []Relation, maxDepth int) ([]string, error) {
	if maxDepth <= 0 {
		maxDepth = 3
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	frontier := []string{startID}
	seen := map[string]bool{startID: true}
	var out []string

	step := func(rel Relation) {
		var next []string
		for _, id := range frontier {
			for _, e := range s.edges {
				if e.FromID != id {
					continue
				}
				if rel != "" && e.Relation != rel {
					continue
				}
				if seen[e.ToID] {
					continue
				}
				seen[e.ToID] = true
				next = append(next, e.ToID)
				out = append(out, e.ToID)
			}
		}
		frontier = next
	}

	if len(path) > 0 {
		if len(path) > maxDepth {
			path = path[:maxDepth]
		}
		for _, rel := range path {
			step(rel)
		}
	} else {
		for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
			step("")
		}
	}

	sort.Strings(out)
	return out, nil
}

func (s *ephemeralStore) History(ctx context.Context, t EntityType, id string) ([]HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]HistoryEntry(nil), s.history[t][id]...), nil
}

func (s *ephemeralStore) checkRefsLocked(rec Record) error {
	check := func(refType EntityType, refID string) error {
		if refID == "" {
			return nil
		}
		ref := s.records[refType][refID]
		if ref == nil {
			return &ForeignKeyError{Entity: rec.Type(), ID: rec.ID(), RefType: refType, RefID: refID}
		}
		if ref.Envelope().IsDeleted {
			return &ForeignKeyError{Entity: rec.Type(), ID: rec.ID(), RefType: refType, RefID: refID, Deleted: true}
		}
		return nil
	}

	switch r := rec.(type) {
	case *Encounter:
		return check(TypePatient, r.PatientID)
	case *Observation:
		if err := check(TypePatient, r.PatientID); err != nil {
			return err
		}
		return check(TypeEncounter, r.EncounterID)
	case *Medication:
		if err := check(TypePatient, r.PatientID); err != nil {
			return err
		}
		return check(TypeEncounter, r.EncounterID)
	case *Document:
		if err := check(TypePatient, r.PatientID); err != nil {
			return err
		}
		return check(TypeEncounter, r.EncounterID)
	}

	return nil
}

func (s *ephemeralStore) recordEdgesLocked(rec Record, now time.Time) {
	switch r := rec.(type) {
	case *Encounter:
		s.addEdgeLocked(r.PatientID, RelHasEncounter, r.EncounterID, nil, now)
	case *Observation:
		if r.EncounterID != "" {
			s.addEdgeLocked(r.EncounterID, RelHasObservation, r.ObservationID, nil, now)
		} else {
			s.addEdgeLocked(r.PatientID, RelHasObservation, r.ObservationID, nil, now)
		}
	case *Medication:
		if r.EncounterID != "" {
			s.addEdgeLocked(r.EncounterID, RelHasMedication, r.MedicationID, nil, now)
		}
		s.addEdgeLocked(r.PatientID, RelTakesMedication, r.MedicationID, medicationEdgeAttrs(r), now)
	case *Document:
		if r.EncounterID != "" {
			s.addEdgeLocked(r.EncounterID, RelHasDocument, r.DocumentID, nil, now)
		} else {
			s.addEdgeLocked(r.PatientID, RelHasDocumentDirect, r.DocumentID, nil, now)
		}
	}
}

func (s *ephemeralStore) addEdgeLocked(from string, rel Relation, to string, attrs map[string]string, now time.Time) {
	for _, e := range s.edges {
		if e.FromID == from && e.Relation == rel && e.ToID == to {
			return
		}
	}

	s.edges = append(s.edges, Edge{FromID: from, Relation: rel, ToID: to, Attrs: attrs, CreatedAt: now})
}

func (s *ephemeralStore) appendHistoryLocked(t EntityType, id string, version int64, op Operation, v any, now time.Time) error {
	if item, ok := v.(*MemoryItem); ok {
		snap := *item
		snap.Embedding = nil
		v = &snap
	}

	snapshot, err := json.Marshal(v)
	if err != nil {
		return err
	}

	if s.history[t] == nil {
		s.history[t] = make(map[string][]HistoryEntry)
	}
	s.historyN++
	s.history[t][id] = append(s.history[t][id], HistoryEntry{
		ID:         s.historyN,
		EntityType: t,
		EntityID:   id,
		Version:    version,
		Operation:  op,
		Snapshot:   snapshot,
		CreatedAt:  now,
	})

	return nil
}

// cloneRecord deep-copies a record through its JSON form so callers can
// never mutate stored state through a returned pointer.
// cloneMemory copies an item deeply enough that the store and the caller
// never share slices or maps.
func cloneMemory(item *MemoryItem) *MemoryItem {
	clone := *item
	if item.Embedding != nil {
		clone.Embedding = append([]float32(nil), item.Embedding...)
	}
	if item.Tags != nil {
		clone.Tags = append([]string(nil), item.Tags...)
	}
	if item.Extra != nil {
		clone.Extra = make(map[string]string, len(item.Extra))
		for k, v := range item.Extra {
			clone.Extra[k] = v
		}
	}

	return &clone
}

func cloneRecord(rec Record) (Record, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}

	var out Record
	switch rec.(type) {
	case *PatientProfile:
		out = &PatientProfile{}
	case *Encounter:
		out = &Encounter{}
	case *Observation:
		out = &Observation{}
	case *Medication:
		out = &Medication{}
	case *Document:
		out = &Document{}
	default:
		return nil, &ValidationError{Entity: rec.Type(), Field: "type", Reason: "unknown record type"}
	}

	if err := json.Unmarshal(b, out); err != nil {
		return nil, err
	}

	return out, nil
}

func matchFilter(rec Record, f RecordFilter) bool {
	patientID := func() string {
		switch r := rec.(type) {
		case *PatientProfile:
			return r.PatientID
		case *Encounter:
			return r.PatientID
		case *Observation:
			return r.PatientID
		case *Medication:
			return r.PatientID
		case *Document:
			return r.PatientID
		}
		return ""
	}()
	if f.PatientID != "" && patientID != f.PatientID {
		return false
	}

	encounterID := func() string {
		switch r := rec.(type) {
		case *Encounter:
			return r.EncounterID
		case *Observation:
			return r.EncounterID
		case *Medication:
			return r.EncounterID
		case *Document:
			return r.EncounterID
		}
		return ""
	}()
	if f.EncounterID != "" && encounterID != f.EncounterID {
		return false
	}

	if f.FileHash != "" {
		d, ok := rec.(*Document)
		if !ok || d.FileHash != f.FileHash {
			return false
		}
	}

	return true
}

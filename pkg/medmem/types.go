package medmem

import (
	"context"
	"time"
)

// Embedder turns text into a fixed-length vector. Implementations may do
// network I/O; the store treats them as pure functions.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorDimensions is the embedding width used by the vector index.
const VectorDimensions = 768

type EntityType string

const (
	TypePatient     EntityType = "patient"
	TypeEncounter   EntityType = "encounter"
	TypeObservation EntityType = "observation"
	TypeMedication  EntityType = "medication"
	TypeDocument    EntityType = "document"
	TypeMemory      EntityType = "memory"
)

type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Relation is one of the six fixed edge types in the patient graph.
type Relation string

const (
	RelHasEncounter      Relation = "HAS_ENCOUNTER"
	RelHasObservation    Relation = "HAS_OBSERVATION"
	RelHasMedication     Relation = "HAS_MEDICATION"
	RelTakesMedication   Relation = "TAKES_MEDICATION"
	RelHasDocument       Relation = "HAS_DOCUMENT"
	RelHasDocumentDirect Relation = "HAS_DOCUMENT_DIRECT"
)

type ObservationCategory string

const (
	CategoryVital   ObservationCategory = "vital"
	CategoryLab     ObservationCategory = "lab"
	CategoryImaging ObservationCategory = "imaging"
	CategoryNote    ObservationCategory = "note"
)

type MedicationStatus string

const (
	MedicationActive  MedicationStatus = "active"
	MedicationStopped MedicationStatus = "stopped"
	MedicationUnknown MedicationStatus = "unknown"
)

type MemoryKind string

const (
	KindProfile     MemoryKind = "profile"
	KindEncounter   MemoryKind = "encounter"
	KindObservation MemoryKind = "observation"
	KindMedication  MemoryKind = "medication"
	KindDocument    MemoryKind = "document"
	KindSummary     MemoryKind = "summary"
)

type DocumentType string

const (
	DocReport       DocumentType = "report"
	DocPrescription DocumentType = "prescription"
	DocLab          DocumentType = "lab"
	DocImaging      DocumentType = "imaging"
	DocDischarge    DocumentType = "discharge"
	DocNote         DocumentType = "note"
	DocOther        DocumentType = "other"
)

type SourceType string

const (
	SourceChat     SourceType = "chat"
	SourceReport   SourceType = "report"
	SourceDocument SourceType = "document"
	SourceImport   SourceType = "import"
)

type ActorRole string

const (
	RolePatient   ActorRole = "patient"
	RoleClinician ActorRole = "clinician"
	RoleAssistant ActorRole = "assistant"
	RoleSystem    ActorRole = "system"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Envelope is the audit envelope shared by every persisted entity. Version
// starts at 1 and increments on every accepted mutation, including soft
// delete. Rows are never physically removed.
type Envelope struct {
	Version   int64
	IsDeleted bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Record is implemented by every versioned clinical entity.
type Record interface {
	Type() EntityType
	ID() string
	Envelope() *Envelope
	Validate() error
}

type PatientProfile struct {
	PatientID   string
	Name        string
	DateOfBirth string
	Sex         string
	Identifiers map[string]string
	Allergies   []string
	Conditions  []string
	RiskFactors []string
	Summary     string
	Metadata    map[string]string

	Env Envelope
}

type Encounter struct {
	EncounterID    string
	PatientID      string
	EncounterType  string
	StartTime      *time.Time
	EndTime        *time.Time // nil while the encounter is in progress
	ChiefComplaint string
	Assessment     string
	Plan           string
	Practitioner   string
	Facility       string
	Metadata       map[string]string

	Env Envelope
}

// Observation carries a textual value, a numeric value, or both. When both
// are set the numeric value is the canonical interpretation and the text is
// treated as a qualifier.
type Observation struct {
	ObservationID  string
	PatientID      string
	EncounterID    string // optional, observations may exist outside encounters
	Category       ObservationCategory
	Name           string
	Value          string
	ValueNumeric   *float64
	Unit           string
	ReferenceRange string
	ObservedAt     *time.Time
	Metadata       map[string]string

	Env Envelope
}

type Medication struct {
	MedicationID string
	PatientID    string
	EncounterID  string
	Name         string
	Dose         string
	Frequency    string
	Route        string
	Indication   string
	Prescriber   string
	Status       MedicationStatus
	StartDate    *time.Time
	EndDate      *time.Time // nil while active
	Metadata     map[string]string

	Env Envelope
}

type Document struct {
	DocumentID  string
	PatientID   string
	EncounterID string
	DocType     DocumentType
	Title       string
	Summary     string
	SourceURI   string
	FileHash    string // same hash for the same patient means already ingested
	ExtractedAt *time.Time
	Metadata    map[string]string

	Env Envelope
}

// MemoryItem is a discrete retrievable fact or conversational snippet.
type MemoryItem struct {
	MemoryID    string
	Text        string
	Kind        MemoryKind
	Embedding   []float32 // populated only by vector-capable backends
	UserID      string
	PatientID   string
	EncounterID string
	ActorRole   ActorRole
	Confidence  float64
	RiskLevel   RiskLevel
	Tags        []string
	Extra       map[string]string

	Env Envelope
}

// SourceRef records where a memory was derived from.
type SourceRef struct {
	ID         int64
	MemoryID   string
	SourceType SourceType
	SourceID   string
	Page       *int
	Span       string
	CreatedAt  time.Time
}

// HistoryEntry is one immutable audit record per accepted mutation.
type HistoryEntry struct {
	ID         int64
	EntityType EntityType
	EntityID   string
	Version    int64
	Operation  Operation
	Snapshot   []byte // JSON snapshot of the entity at this version
	CreatedAt  time.Time
}

// Edge is a typed directed relation between two entity ids.
type Edge struct {
	FromID    string
	Relation  Relation
	ToID      string
	Attrs     map[string]string
	CreatedAt time.Time
}

// ScoredMemory pairs a retrieved item with its relevance score, higher is
// more relevant.
type ScoredMemory struct {
	Item  *MemoryItem
	Score float64
}

// QueryScope holds the hard filters for a memory query. Empty fields match
// everything.
type QueryScope struct {
	UserID    string
	PatientID string
	Kind      MemoryKind
}

// RecordFilter narrows List results. Zero values match everything.
type RecordFilter struct {
	PatientID      string
	EncounterID    string
	FileHash       string
	IncludeDeleted bool
}

// TimelineEncounter groups an encounter with the records attached to it.
type TimelineEncounter struct {
	Encounter    *Encounter
	Observations []*Observation
	Medications  []*Medication
	Documents    []*Document
}

func (p *PatientProfile) Type() EntityType    { return TypePatient }
func (p *PatientProfile) ID() string          { return p.PatientID }
func (p *PatientProfile) Envelope() *Envelope { return &p.Env }

func (e *Encounter) Type() EntityType    { return TypeEncounter }
func (e *Encounter) ID() string          { return e.EncounterID }
func (e *Encounter) Envelope() *Envelope { return &e.Env }

func (o *Observation) Type() EntityType    { return TypeObservation }
func (o *Observation) ID() string          { return o.ObservationID }
func (o *Observation) Envelope() *Envelope { return &o.Env }

func (m *Medication) Type() EntityType    { return TypeMedication }
func (m *Medication) ID() string          { return m.MedicationID }
func (m *Medication) Envelope() *Envelope { return &m.Env }

func (d *Document) Type() EntityType    { return TypeDocument }
func (d *Document) ID() string          { return d.DocumentID }
func (d *Document) Envelope() *Envelope { return &d.Env }

func (p *PatientProfile) Validate() error {
	if p.PatientID == "" {
		return &ValidationError{Entity: TypePatient, Field: "patient_id", Reason: "required"}
	}
	return nil
}

func (e *Encounter) Validate() error {
	if e.EncounterID == "" {
		return &ValidationError{Entity: TypeEncounter, Field: "encounter_id", Reason: "required"}
	}
	if e.PatientID == "" {
		return &ValidationError{Entity: TypeEncounter, Field: "patient_id", Reason: "required"}
	}
	return nil
}

func (o *Observation) Validate() error {
	if o.ObservationID == "" {
		return &ValidationError{Entity: TypeObservation, Field: "observation_id", Reason: "required"}
	}
	if o.PatientID == "" {
		return &ValidationError{Entity: TypeObservation, Field: "patient_id", Reason: "required"}
	}
	if o.Name == "" {
		return &ValidationError{Entity: TypeObservation, Field: "name", Reason: "required"}
	}
	switch o.Category {
	case CategoryVital, CategoryLab, CategoryImaging, CategoryNote:
	default:
		return &ValidationError{Entity: TypeObservation, Field: "category", Reason: "unknown value " + string(o.Category)}
	}
	return nil
}

func (m *Medication) Validate() error {
	if m.MedicationID == "" {
		return &ValidationError{Entity: TypeMedication, Field: "medication_id", Reason: "required"}
	}
	if m.PatientID == "" {
		return &ValidationError{Entity: TypeMedication, Field: "patient_id", Reason: "required"}
	}
	if m.Name == "" {
		return &ValidationError{Entity: TypeMedication, Field: "name", Reason: "required"}
	}
	switch m.Status {
	case MedicationActive, MedicationStopped, MedicationUnknown:
	default:
		return &ValidationError{Entity: TypeMedication, Field: "status", Reason: "unknown value " + string(m.Status)}
	}
	return nil
}

func (d *Document) Validate() error {
	if d.DocumentID == "" {
		return &ValidationError{Entity: TypeDocument, Field: "document_id", Reason: "required"}
	}
	if d.PatientID == "" {
		return &ValidationError{Entity: TypeDocument, Field: "patient_id", Reason: "required"}
	}
	switch d.DocType {
	case DocReport, DocPrescription, DocLab, DocImaging, DocDischarge, DocNote, DocOther:
	default:
		return &ValidationError{Entity: TypeDocument, Field: "doc_type", Reason: "unknown value " + string(d.DocType)}
	}
	return nil
}

func (m *MemoryItem) Validate() error {
	if m.Text == "" {
		return &ValidationError{Entity: TypeMemory, Field: "text", Reason: "required"}
	}
	switch m.Kind {
	case KindProfile, KindEncounter, KindObservation, KindMedication, KindDocument, KindSummary:
	default:
		return &ValidationError{Entity: TypeMemory, Field: "kind", Reason: "unknown value " + string(m.Kind)}
	}
	if m.Confidence < 0 || m.Confidence > 1 {
		return &ValidationError{Entity: TypeMemory, Field: "confidence", Reason: "out of range [0,1]"}
	}
	if m.ActorRole != "" {
		switch m.ActorRole {
		case RolePatient, RoleClinician, RoleAssistant, RoleSystem:
		default:
			return &ValidationError{Entity: TypeMemory, Field: "actor_role", Reason: "unknown value " + string(m.ActorRole)}
		}
	}
	if m.RiskLevel != "" {
		switch m.RiskLevel {
		case RiskLow, RiskMedium, RiskHigh:
		default:
			return &ValidationError{Entity: TypeMemory, Field: "risk_level", Reason: "unknown value " + string(m.RiskLevel)}
		}
	}
	return nil
}

package medmem

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// recordTable maps one entity type onto its SQL table. cols lists the data
// columns between the envelope prefix and the timestamps; insertArgs and
// scan must agree with that order.
type recordTable struct {
	table      string
	idCol      string
	cols       []string
	insertArgs func(Record) []any
	scan       func(rowScanner) (Record, error)
}

var recordTables = map[EntityType]recordTable{
	TypePatient: {
		table: "patients",
		idCol: "patient_id",
		cols:  []string{"name", "date_of_birth", "sex", "identifiers", "allergies", "conditions", "risk_factors", "summary", "metadata"},
		insertArgs: func(r Record) []any {
			p := r.(*PatientProfile)
			return []any{p.Name, p.DateOfBirth, p.Sex, jsonText(p.Identifiers), jsonText(p.Allergies), jsonText(p.Conditions), jsonText(p.RiskFactors), p.Summary, jsonText(p.Metadata)}
		},
		scan: func(row rowScanner) (Record, error) {
			p := &PatientProfile{}
			var identifiers, allergies, conditions, riskFactors, metadata sql.NullString
			err := row.Scan(&p.PatientID, &p.Env.Version, &p.Env.IsDeleted,
				&p.Name, &p.DateOfBirth, &p.Sex, &identifiers, &allergies, &conditions, &riskFactors, &p.Summary, &metadata,
				&p.Env.CreatedAt, &p.Env.UpdatedAt)
			if err != nil {
				return nil, err
			}
			p.Identifiers = jsonMap(identifiers)
			p.Allergies = jsonSlice(allergies)
			p.Conditions = jsonSlice(conditions)
			p.RiskFactors = jsonSlice(riskFactors)
			p.Metadata = jsonMap(metadata)
			return p, nil
		},
	},
	TypeEncounter: {
		table: "encounters",
		idCol: "encounter_id",
		cols:  []string{"patient_id", "encounter_type", "start_time", "end_time", "chief_complaint", "assessment", "plan", "practitioner", "facility", "metadata"},
		insertArgs: func(r Record) []any {
			e := r.(*Encounter)
			return []any{e.PatientID, e.EncounterType, nullTime(e.StartTime), nullTime(e.EndTime), e.ChiefComplaint, e.Assessment, e.Plan, e.Practitioner, e.Facility, jsonText(e.Metadata)}
		},
		scan: func(row rowScanner) (Record, error) {
			e := &Encounter{}
			var start, end sql.NullTime
			var metadata sql.NullString
			err := row.Scan(&e.EncounterID, &e.Env.Version, &e.Env.IsDeleted,
				&e.PatientID, &e.EncounterType, &start, &end, &e.ChiefComplaint, &e.Assessment, &e.Plan, &e.Practitioner, &e.Facility, &metadata,
				&e.Env.CreatedAt, &e.Env.UpdatedAt)
			if err != nil {
				return nil, err
			}
			e.StartTime = timePtr(start)
			e.EndTime = timePtr(end)
			e.Metadata = jsonMap(metadata)
			return e, nil
		},
	},
	TypeObservation: {
		table: "observations",
		idCol: "observation_id",
		cols:  []string{"patient_id", "encounter_id", "category", "name", "value", "value_numeric", "unit", "reference_range", "observed_at", "metadata"},
		insertArgs: func(r Record) []any {
			o := r.(*Observation)
			return []any{o.PatientID, o.EncounterID, string(o.Category), o.Name, o.Value, nullFloat(o.ValueNumeric), o.Unit, o.ReferenceRange, nullTime(o.ObservedAt), jsonText(o.Metadata)}
		},
		scan: func(row rowScanner) (Record, error) {
			o := &Observation{}
			var numeric sql.NullFloat64
			var observed sql.NullTime
			var metadata sql.NullString
			err := row.Scan(&o.ObservationID, &o.Env.Version, &o.Env.IsDeleted,
				&o.PatientID, &o.EncounterID, &o.Category, &o.Name, &o.Value, &numeric, &o.Unit, &o.ReferenceRange, &observed, &metadata,
				&o.Env.CreatedAt, &o.Env.UpdatedAt)
			if err != nil {
				return nil, err
			}
			o.ValueNumeric = floatPtr(numeric)
			o.ObservedAt = timePtr(observed)
			o.Metadata = jsonMap(metadata)
			return o, nil
		},
	},
	TypeMedication: {
		table: "medications",
		idCol: "medication_id",
		cols:  []string{"patient_id", "encounter_id", "name", "dose", "frequency", "route", "indication", "prescriber", "status", "start_date", "end_date", "metadata"},
		insertArgs: func(r Record) []any {
			m := r.(*Medication)
			return []any{m.PatientID, m.EncounterID, m.Name, m.Dose, m.Frequency, m.Route, m.Indication, m.Prescriber, string(m.Status), nullTime(m.StartDate), nullTime(m.EndDate), jsonText(m.Metadata)}
		},
		scan: func(row rowScanner) (Record, error) {
			m := &Medication{}
			var start, end sql.NullTime
			var metadata sql.NullString
			err := row.Scan(&m.MedicationID, &m.Env.Version, &m.Env.IsDeleted,
				&m.PatientID, &m.EncounterID, &m.Name, &m.Dose, &m.Frequency, &m.Route, &m.Indication, &m.Prescriber, &m.Status, &start, &end, &metadata,
				&m.Env.CreatedAt, &m.Env.UpdatedAt)
			if err != nil {
				return nil, err
			}
			m.StartDate = timePtr(start)
			m.EndDate = timePtr(end)
			m.Metadata = jsonMap(metadata)
			return m, nil
		},
	},
	TypeDocument: {
		table: "documents",
		idCol: "document_id",
		cols:  []string{"patient_id", "encounter_id", "doc_type", "title", "summary", "source_uri", "file_hash", "extracted_at", "metadata"},
		insertArgs: func(r Record) []any {
			d := r.(*Document)
			return []any{d.PatientID, d.EncounterID, string(d.DocType), d.Title, d.Summary, d.SourceURI, d.FileHash, nullTime(d.ExtractedAt), jsonText(d.Metadata)}
		},
		scan: func(row rowScanner) (Record, error) {
			d := &Document{}
			var extracted sql.NullTime
			var metadata sql.NullString
			err := row.Scan(&d.DocumentID, &d.Env.Version, &d.Env.IsDeleted,
				&d.PatientID, &d.EncounterID, &d.DocType, &d.Title, &d.Summary, &d.SourceURI, &d.FileHash, &extracted, &metadata,
				&d.Env.CreatedAt, &d.Env.UpdatedAt)
			if err != nil {
				return nil, err
			}
			d.ExtractedAt = timePtr(extracted)
			d.Metadata = jsonMap(metadata)
			return d, nil
		},
	},
}

func (rt recordTable) selectCols() string {
	return rt.idCol + ", version, is_deleted, " + strings.Join(rt.cols, ", ") + ", created_at, updated_at"
}

func (rt recordTable) insertSQL() string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(rt.cols)), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s, version, is_deleted, is_current, %s, created_at, updated_at) VALUES (?, ?, ?, 1, %s, ?, ?)",
		rt.table, rt.idCol, strings.Join(rt.cols, ", "), placeholders)
}

func (rt recordTable) selectCurrentSQL() string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s = ? AND is_current = 1", rt.selectCols(), rt.table, rt.idCol)
}

func (rt recordTable) retireSQL() string {
	return fmt.Sprintf("UPDATE %s SET is_current = 0 WHERE %s = ? AND is_current = 1", rt.table, rt.idCol)
}

func (s *sqliteStore) Put(ctx context.Context, rec Record, expected int64) (int64, error) {
	if err := rec.Validate(); err != nil {
		return 0, err
	}

	rt, ok := recordTables[rec.Type()]
	if !ok {
		return 0, fmt.Errorf("unknown entity type: %s", rec.Type())
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	prev, err := currentRecordTx(ctx, tx, rt, rec.ID())
	if err != nil {
		return 0, err
	}

	var cur int64
	if prev != nil {
		cur = prev.Envelope().Version
	}
	if expected != 0 && expected != cur {
		return 0, &ConflictError{Entity: rec.Type(), ID: rec.ID(), Expected: expected, Actual: cur}
	}

	if err := checkRefsTx(ctx, tx, rec); err != nil {
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

	if _, err := tx.ExecContext(ctx, rt.retireSQL(), rec.ID()); err != nil {
		return 0, err
	}

	args := append([]any{rec.ID(), env.Version, env.IsDeleted}, rt.insertArgs(rec)...)
	args = append(args, env.CreatedAt, env.UpdatedAt)
	if _, err := tx.ExecContext(ctx, rt.insertSQL(), args...); err != nil {
		return 0, err
	}

	op := OpUpdate
	if prev == nil || prev.Envelope().IsDeleted {
		op = OpCreate
	}
	if err := appendHistoryTx(ctx, tx, rec, op, now); err != nil {
		return 0, err
	}

	if s.opts.graph {
		if err := recordEdgesTx(ctx, tx, rec, now); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	return env.Version, nil
}

func (s *sqliteStore) Get(ctx context.Context, t EntityType, id string) (Record, error) {
	rt, ok := recordTables[t]
	if !ok {
		return nil, fmt.Errorf("unknown entity type: %s", t)
	}

	rec, err := rt.scan(s.db.QueryRowContext(ctx, rt.selectCurrentSQL(), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: t, ID: id}
	}
	if err != nil {
		return nil, err
	}
	if rec.Envelope().IsDeleted {
		return nil, &NotFoundError{Entity: t, ID: id}
	}

	return rec, nil
}

func (s *sqliteStore) List(ctx context.Context, t EntityType, f RecordFilter) ([]Record, error) {
	rt, ok := recordTables[t]
	if !ok {
		return nil, fmt.Errorf("unknown entity type: %s", t)
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE is_current = 1", rt.selectCols(), rt.table)
	var args []any
	if !f.IncludeDeleted {
		query += " AND is_deleted = 0"
	}
	if f.PatientID != "" {
		query += " AND patient_id = ?"
		args = append(args, f.PatientID)
	}
	if f.EncounterID != "" {
		query += " AND encounter_id = ?"
		args = append(args, f.EncounterID)
	}
	if f.FileHash != "" {
		query += " AND file_hash = ?"
		args = append(args, f.FileHash)
	}
	query += " ORDER BY " + rt.idCol

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := rt.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}

	return out, rows.Err()
}

func (s *sqliteStore) SoftDelete(ctx context.Context, t EntityType, id string, expected int64) (int64, error) {
	rt, ok := recordTables[t]
	if !ok {
		return 0, fmt.Errorf("unknown entity type: %s", t)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	prev, err := currentRecordTx(ctx, tx, rt, id)
	if err != nil {
		return 0, err
	}
	if prev == nil || prev.Envelope().IsDeleted {
		return 0, &NotFoundError{Entity: t, ID: id}
	}
	if expected != 0 && expected != prev.Envelope().Version {
		return 0, &ConflictError{Entity: t, ID: id, Expected: expected, Actual: prev.Envelope().Version}
	}

	now := time.Now().UTC()
	env := prev.Envelope()
	env.Version++
	env.IsDeleted = true
	env.UpdatedAt = now

	if _, err := tx.ExecContext(ctx, rt.retireSQL(), id); err != nil {
		return 0, err
	}

	args := append([]any{id, env.Version, env.IsDeleted}, rt.insertArgs(prev)...)
	args = append(args, env.CreatedAt, env.UpdatedAt)
	if _, err := tx.ExecContext(ctx, rt.insertSQL(), args...); err != nil {
		return 0, err
	}

	if err := appendHistoryTx(ctx, tx, prev, OpDelete, now); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	return env.Version, nil
}

func (s *sqliteStore) History(ctx context.Context, t EntityType, id string) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, queryGetHistory, string(t), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		var snapshot string
		if err := rows.Scan(&h.EntityType, &h.EntityID, &h.Version, &h.Operation, &snapshot, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.Snapshot = []byte(snapshot)
		out = append(out, h)
	}

	return out, rows.Err()
}

func currentRecordTx(ctx context.Context, tx *sql.Tx, rt recordTable, id string) (Record, error) {
	rec, err := rt.scan(tx.QueryRowContext(ctx, rt.selectCurrentSQL(), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// checkRefsTx verifies every parent an entity names exists and is not soft
// deleted. The check runs inside the write transaction so a concurrent
// delete cannot slip between check and insert.
func checkRefsTx(ctx context.Context, tx *sql.Tx, rec Record) error {
	check := func(refType EntityType, refID string) error {
		if refID == "" {
			return nil
		}
		rt := recordTables[refType]
		ref, err := currentRecordTx(ctx, tx, rt, refID)
		if err != nil {
			return err
		}
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

func appendHistoryTx(ctx context.Context, tx *sql.Tx, rec Record, op Operation, now time.Time) error {
	snapshot, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, queryInsertHistory,
		string(rec.Type()), rec.ID(), rec.Envelope().Version, string(op), string(snapshot), now)

	return err
}

// recordEdgesTx derives the graph edges implied by a record. Edges are
// idempotent, so re-upserting an entity never duplicates them.
func recordEdgesTx(ctx context.Context, tx *sql.Tx, rec Record, now time.Time) error {
	insert := func(from string, rel Relation, to string, attrs map[string]string) error {
		_, err := tx.ExecContext(ctx, queryInsertEdge, from, string(rel), to, jsonText(attrs), now)
		return err
	}

	switch r := rec.(type) {
	case *Encounter:
		return insert(r.PatientID, RelHasEncounter, r.EncounterID, nil)
	case *Observation:
		if r.EncounterID != "" {
			return insert(r.EncounterID, RelHasObservation, r.ObservationID, nil)
		}
		return insert(r.PatientID, RelHasObservation, r.ObservationID, nil)
	case *Medication:
		if r.EncounterID != "" {
			if err := insert(r.EncounterID, RelHasMedication, r.MedicationID, nil); err != nil {
				return err
			}
		}
		return insert(r.PatientID, RelTakesMedication, r.MedicationID, medicationEdgeAttrs(r))
	case *Document:
		if r.EncounterID != "" {
			return insert(r.EncounterID, RelHasDocument, r.DocumentID, nil)
		}
		return insert(r.PatientID, RelHasDocumentDirect, r.DocumentID, nil)
	}

	return nil
}

// medicationEdgeAttrs carries the prescription context onto the
// TAKES_MEDICATION edge so interaction checks can read it without a
// record lookup.
func medicationEdgeAttrs(m *Medication) map[string]string {
	var attrs map[string]string
	set := func(k, v string) {
		if v == "" {
			return
		}
		if attrs == nil {
			attrs = make(map[string]string, 2)
		}
		attrs[k] = v
	}
	set("indication", m.Indication)
	if m.StartDate != nil {
		set("prescribed_at", m.StartDate.UTC().Format(time.RFC3339))
	}

	return attrs
}

func jsonText(v any) any {
	switch t := v.(type) {
	case map[string]string:
		if len(t) == 0 {
			return nil
		}
	case []string:
		if len(t) == 0 {
			return nil
		}
	case nil:
		return nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}

	return string(b)
}

func jsonMap(s sql.NullString) map[string]string {
	if !s.Valid || s.String == "" {
		return nil
	}

	var m map[string]string
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil
	}

	return m
}

func jsonSlice(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}

	var out []string
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil
	}

	return out
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}

	return *t
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}

	v := t.Time
	return &v
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}

	return *f
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}

	v := f.Float64
	return &v
}

package medmem

import (
	"context"
	"sort"
)

// GetPatientTimeline returns the patient's encounters in chronological
// order, each bundled with its observations, medications and documents.
// The read is advisory: concurrent writes may be partially visible.
func (s *Service) GetPatientTimeline(ctx context.Context, patientID string) ([]TimelineEncounter, error) {
	if _, err := s.backend.Get(ctx, TypePatient, patientID); err != nil {
		return nil, err
	}

	encounters, err := s.backend.List(ctx, TypeEncounter, RecordFilter{PatientID: patientID})
	if err != nil {
		return nil, err
	}

	timeline := make([]TimelineEncounter, 0, len(encounters))
	for _, rec := range encounters {
		enc := rec.(*Encounter)
		entry := TimelineEncounter{Encounter: enc}

		filter := RecordFilter{EncounterID: enc.EncounterID}
		observations, err := s.backend.List(ctx, TypeObservation, filter)
		if err != nil {
			return nil, err
		}
		for _, o := range observations {
			entry.Observations = append(entry.Observations, o.(*Observation))
		}

		medications, err := s.backend.List(ctx, TypeMedication, filter)
		if err != nil {
			return nil, err
		}
		for _, m := range medications {
			entry.Medications = append(entry.Medications, m.(*Medication))
		}

		documents, err := s.backend.List(ctx, TypeDocument, filter)
		if err != nil {
			return nil, err
		}
		for _, d := range documents {
			entry.Documents = append(entry.Documents, d.(*Document))
		}

		timeline = append(timeline, entry)
	}

	sort.SliceStable(timeline, func(i, j int) bool {
		a, b := timeline[i].Encounter, timeline[j].Encounter
		switch {
		case a.StartTime == nil && b.StartTime == nil:
			return a.EncounterID < b.EncounterID
		case a.StartTime == nil:
			return false
		case b.StartTime == nil:
			return true
		case !a.StartTime.Equal(*b.StartTime):
			return a.StartTime.Before(*b.StartTime)
		}
		return a.EncounterID < b.EncounterID
	})

	return timeline, nil
}

// ActiveMedications returns the patient's medications with status active,
// resolved through the graph when the backend has one and through the
// record store otherwise.
func (s *Service) ActiveMedications(ctx context.Context, patientID string) ([]*Medication, error) {
	var ids []string
	if s.backend.Capabilities().Graph {
		edges, err := s.backend.EdgesFrom(ctx, patientID, RelTakesMedication)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			ids = append(ids, e.ToID)
		}
	} else {
		records, err := s.backend.List(ctx, TypeMedication, RecordFilter{PatientID: patientID})
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			ids = append(ids, rec.ID())
		}
	}

	var out []*Medication
	for _, id := range ids {
		rec, err := s.backend.Get(ctx, TypeMedication, id)
		if IsNotFound(err) {
			continue // soft-deleted, edge still present
		}
		if err != nil {
			return nil, err
		}
		med := rec.(*Medication)
		if med.Status == MedicationActive {
			out = append(out, med)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].MedicationID < out[j].MedicationID })
	return out, nil
}

// MedicationPair is one unordered pair of medications a patient takes
// concurrently, the unit an interaction check operates on.
type MedicationPair struct {
	First  *Medication
	Second *Medication
}

// MedicationPairs returns every distinct pair of the patient's active
// medications, ordered by medication id within and across pairs.
func (s *Service) MedicationPairs(ctx context.Context, patientID string) ([]MedicationPair, error) {
	meds, err := s.ActiveMedications(ctx, patientID)
	if err != nil {
		return nil, err
	}

	var pairs []MedicationPair
	for i := 0; i < len(meds); i++ {
		for j := i + 1; j < len(meds); j++ {
			pairs = append(pairs, MedicationPair{First: meds[i], Second: meds[j]})
		}
	}

	return pairs, nil
}

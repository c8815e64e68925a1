package medmem

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/ncruces"
)

func (s *sqliteStore) UpsertMemory(ctx context.Context, item *MemoryItem) (int64, error) {
	if item.MemoryID == "" {
		return 0, &ValidationError{Entity: TypeMemory, Field: "memory_id", Reason: "required"}
	}
	if err := item.Validate(); err != nil {
		return 0, err
	}

	// embed before opening the transaction, the embedder may do network I/O
	var blob []byte
	if s.opts.vector && s.opts.embedder != nil {
		embedding := item.Embedding
		if embedding == nil {
			var err error
			embedding, err = s.opts.embedder.Embed(ctx, item.Text)
			if err != nil {
				return 0, err
			}
			item.Embedding = embedding
		}

		var err error
		blob, err = sqlite_vec.SerializeFloat32(normalize(embedding))
		if err != nil {
			return 0, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	prevRow, prev, err := currentMemoryTx(ctx, tx, item.MemoryID)
	if err != nil {
		return 0, err
	}

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

	if _, err := tx.ExecContext(ctx, queryRetireMemory, item.MemoryID); err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, queryInsertMemory,
		item.MemoryID, item.Env.Version, item.Env.IsDeleted,
		item.Text, string(item.Kind), item.UserID, item.PatientID, item.EncounterID,
		string(item.ActorRole), item.Confidence, string(item.RiskLevel),
		jsonText(item.Tags), jsonText(item.Extra),
		item.Env.CreatedAt, item.Env.UpdatedAt)
	if err != nil {
		return 0, err
	}

	rowID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if blob != nil {
		if prevRow != 0 {
			if _, err := tx.ExecContext(ctx, queryDeleteVec, prevRow); err != nil {
				return 0, err
			}
		}
		if _, err := tx.ExecContext(ctx, queryInsertVec, rowID, blob); err != nil {
			return 0, err
		}
	}

	op := OpUpdate
	if prev == nil || prev.Env.IsDeleted {
		op = OpCreate
	}
	if err := appendMemoryHistoryTx(ctx, tx, item, op, now); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	return item.Env.Version, nil
}

func (s *sqliteStore) GetMemory(ctx context.Context, memoryID string) (*MemoryItem, error) {
	_, item, err := scanMemory(s.db.QueryRowContext(ctx, queryGetMemory, memoryID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: TypeMemory, ID: memoryID}
	}
	if err != nil {
		return nil, err
	}
	if item.Env.IsDeleted {
		return nil, &NotFoundError{Entity: TypeMemory, ID: memoryID}
	}

	return item, nil
}

func (s *sqliteStore) DeleteMemory(ctx context.Context, memoryID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	prevRow, prev, err := currentMemoryTx(ctx, tx, memoryID)
	if err != nil {
		return err
	}
	if prev == nil || prev.Env.IsDeleted {
		return &NotFoundError{Entity: TypeMemory, ID: memoryID}
	}

	now := time.Now().UTC()
	prev.Env.Version++
	prev.Env.IsDeleted = true
	prev.Env.UpdatedAt = now

	if _, err := tx.ExecContext(ctx, queryRetireMemory, memoryID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, queryInsertMemory,
		prev.MemoryID, prev.Env.Version, prev.Env.IsDeleted,
		prev.Text, string(prev.Kind), prev.UserID, prev.PatientID, prev.EncounterID,
		string(prev.ActorRole), prev.Confidence, string(prev.RiskLevel),
		jsonText(prev.Tags), jsonText(prev.Extra),
		prev.Env.CreatedAt, prev.Env.UpdatedAt); err != nil {
		return err
	}

	if s.opts.vector {
		if _, err := tx.ExecContext(ctx, queryDeleteVec, prevRow); err != nil {
			return err
		}
	}

	if err := appendMemoryHistoryTx(ctx, tx, prev, OpDelete, now); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *sqliteStore) AddSources(ctx context.Context, refs []SourceRef) error {
	if len(refs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// a source row must hang off a live memory; the check runs inside the
	// transaction so a concurrent delete cannot slip between check and insert
	checked := make(map[string]bool, len(refs))
	for _, ref := range refs {
		if checked[ref.MemoryID] {
			continue
		}
		_, cur, err := currentMemoryTx(ctx, tx, ref.MemoryID)
		if err != nil {
			return err
		}
		if cur == nil {
			return &ForeignKeyError{Entity: TypeMemory, ID: ref.MemoryID, RefType: TypeMemory, RefID: ref.MemoryID}
		}
		if cur.Env.IsDeleted {
			return &ForeignKeyError{Entity: TypeMemory, ID: ref.MemoryID, RefType: TypeMemory, RefID: ref.MemoryID, Deleted: true}
		}
		checked[ref.MemoryID] = true
	}

	now := time.Now().UTC()
	for _, ref := range refs {
		var page any
		if ref.Page != nil {
			page = *ref.Page
		}
		if _, err := tx.ExecContext(ctx, queryInsertSource,
			ref.MemoryID, string(ref.SourceType), ref.SourceID, page, ref.Span, now); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *sqliteStore) Sources(ctx context.Context, memoryID string) ([]SourceRef, error) {
	rows, err := s.db.QueryContext(ctx, queryGetSources, memoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SourceRef
	for rows.Next() {
		ref := SourceRef{MemoryID: memoryID}
		var page sql.NullInt64
		if err := rows.Scan(&ref.SourceType, &ref.SourceID, &page, &ref.Span); err != nil {
			return nil, err
		}
		if page.Valid {
			p := int(page.Int64)
			ref.Page = &p
		}
		out = append(out, ref)
	}

	return out, rows.Err()
}

func currentMemoryTx(ctx context.Context, tx *sql.Tx, memoryID string) (int64, *MemoryItem, error) {
	rowID, item, err := scanMemory(tx.QueryRowContext(ctx, queryGetMemory, memoryID))
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, err
	}

	return rowID, item, nil
}

func scanMemory(row rowScanner) (int64, *MemoryItem, error) {
	item := &MemoryItem{}
	var rowID int64
	var tags, extra sql.NullString
	err := row.Scan(&rowID, &item.MemoryID, &item.Env.Version, &item.Env.IsDeleted,
		&item.Text, &item.Kind, &item.UserID, &item.PatientID, &item.EncounterID,
		&item.ActorRole, &item.Confidence, &item.RiskLevel, &tags, &extra,
		&item.Env.CreatedAt, &item.Env.UpdatedAt)
	if err != nil {
		return 0, nil, err
	}
	item.Tags = jsonSlice(tags)
	item.Extra = jsonMap(extra)

	return rowID, item, nil
}

func appendMemoryHistoryTx(ctx context.Context, tx *sql.Tx, item *MemoryItem, op Operation, now time.Time) error {
	// the raw embedding has no audit value and would bloat every snapshot
	snap := *item
	snap.Embedding = nil
	snapshot, err := json.Marshal(&snap)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, queryInsertHistory,
		string(TypeMemory), item.MemoryID, item.Env.Version, string(op), string(snapshot), now)

	return err
}

package medmem

const (
	queryInsertMemory = `INSERT INTO memories (memory_id, version, is_deleted, is_current, text, kind, user_id, patient_id, encounter_id, actor_role, confidence, risk_level, tags, extra, created_at, updated_at)
VALUES (?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	queryGetMemory        = `SELECT id, memory_id, version, is_deleted, text, kind, user_id, patient_id, encounter_id, actor_role, confidence, risk_level, tags, extra, created_at, updated_at FROM memories WHERE memory_id = ? AND is_current = 1`
	queryRetireMemory     = `UPDATE memories SET is_current = 0 WHERE memory_id = ? AND is_current = 1`
	queryListMemoryPrefix = `SELECT id, memory_id, version, is_deleted, text, kind, user_id, patient_id, encounter_id, actor_role, confidence, risk_level, tags, extra, created_at, updated_at FROM memories WHERE is_current = 1 AND is_deleted = 0`

	queryInsertSource = `INSERT INTO memory_sources (memory_id, source_type, source_id, page, span, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	queryGetSources   = `SELECT source_type, source_id, page, span FROM memory_sources WHERE memory_id = ? ORDER BY id`

	queryInsertEdge = `INSERT OR IGNORE INTO edges (from_id, relation, to_id, attrs, created_at) VALUES (?, ?, ?, ?, ?)`
	queryEdgesFrom  = `SELECT from_id, relation, to_id, attrs, created_at FROM edges WHERE from_id = ? ORDER BY relation, to_id`
	queryEdgesTo    = `SELECT from_id, relation, to_id, attrs, created_at FROM edges WHERE to_id = ? ORDER BY relation, from_id`
	queryEdgesStep  = `SELECT from_id, relation, to_id, attrs, created_at FROM edges WHERE from_id = ? AND relation = ? ORDER BY to_id`

	queryInsertHistory = `INSERT INTO history (entity_type, entity_id, version, operation, snapshot, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	queryGetHistory    = `SELECT entity_type, entity_id, version, operation, snapshot, created_at FROM history WHERE entity_type = ? AND entity_id = ? ORDER BY version, id`

	queryInsertVec = `INSERT INTO vec_memories (memory_row, embedding) VALUES (?, ?)`
	queryDeleteVec = `DELETE FROM vec_memories WHERE memory_row = ?`

	queryUnembedded = `SELECT id, text FROM memories WHERE is_current = 1 AND is_deleted = 0 AND id NOT IN (SELECT memory_row FROM vec_memories)`

	// Joins the KNN result back to the current memory rows so soft-deleted and
	// superseded versions never surface. Scope filters are appended before the
	// ORDER BY at call time.
	querySemanticPrefix = `SELECT m.id, m.memory_id, m.version, m.is_deleted, m.text, m.kind, m.user_id, m.patient_id, m.encounter_id, m.actor_role, m.confidence, m.risk_level, m.tags, m.extra, m.created_at, m.updated_at, v.distance
FROM vec_memories v
JOIN memories m ON m.id = v.memory_row
WHERE v.embedding MATCH ? AND k = ? AND m.is_current = 1 AND m.is_deleted = 0`
	querySemanticSuffix = ` ORDER BY v.distance`
)

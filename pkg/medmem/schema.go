package medmem

// Every record table carries the audit envelope columns and a composite
// (id, version) primary key. The current state of an entity is the row with
// is_current = 1; older versions are kept for replay and are never removed.
const schema = `
CREATE TABLE IF NOT EXISTS patients (
    patient_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    is_deleted INTEGER NOT NULL DEFAULT 0,
    is_current INTEGER NOT NULL DEFAULT 1,
    name TEXT,
    date_of_birth TEXT,
    sex TEXT,
    identifiers TEXT,
    allergies TEXT,
    conditions TEXT,
    risk_factors TEXT,
    summary TEXT,
    metadata TEXT,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    PRIMARY KEY (patient_id, version)
);

CREATE INDEX IF NOT EXISTS idx_patients_current ON patients(patient_id) WHERE is_current = 1;

CREATE TABLE IF NOT EXISTS encounters (
    encounter_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    is_deleted INTEGER NOT NULL DEFAULT 0,
    is_current INTEGER NOT NULL DEFAULT 1,
    patient_id TEXT NOT NULL,
    encounter_type TEXT,
    start_time DATETIME,
    end_time DATETIME,
    chief_complaint TEXT,
    assessment TEXT,
    plan TEXT,
    practitioner TEXT,
    facility TEXT,
    metadata TEXT,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    PRIMARY KEY (encounter_id, version)
);

CREATE INDEX IF NOT EXISTS idx_encounters_current ON encounters(encounter_id) WHERE is_current = 1;
CREATE INDEX IF NOT EXISTS idx_encounters_patient ON encounters(patient_id) WHERE is_current = 1;

CREATE TABLE IF NOT EXISTS observations (
    observation_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    is_deleted INTEGER NOT NULL DEFAULT 0,
    is_current INTEGER NOT NULL DEFAULT 1,
    patient_id TEXT NOT NULL,
    encounter_id TEXT,
    category TEXT NOT NULL,
    name TEXT NOT NULL,
    value TEXT,
    value_numeric REAL,
    unit TEXT,
    reference_range TEXT,
    observed_at DATETIME,
    metadata TEXT,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    PRIMARY KEY (observation_id, version)
);

CREATE INDEX IF NOT EXISTS idx_observations_current ON observations(observation_id) WHERE is_current = 1;
CREATE INDEX IF NOT EXISTS idx_observations_patient ON observations(patient_id) WHERE is_current = 1;
CREATE INDEX IF NOT EXISTS idx_observations_encounter ON observations(encounter_id) WHERE is_current = 1;

CREATE TABLE IF NOT EXISTS medications (
    medication_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    is_deleted INTEGER NOT NULL DEFAULT 0,
    is_current INTEGER NOT NULL DEFAULT 1,
    patient_id TEXT NOT NULL,
    encounter_id TEXT,
    name TEXT NOT NULL,
    dose TEXT,
    frequency TEXT,
    route TEXT,
    indication TEXT,
    prescriber TEXT,
    status TEXT NOT NULL DEFAULT 'unknown',
    start_date DATETIME,
    end_date DATETIME,
    metadata TEXT,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    PRIMARY KEY (medication_id, version)
);

CREATE INDEX IF NOT EXISTS idx_medications_current ON medications(medication_id) WHERE is_current = 1;
CREATE INDEX IF NOT EXISTS idx_medications_patient ON medications(patient_id) WHERE is_current = 1;
CREATE INDEX IF NOT EXISTS idx_medications_encounter ON medications(encounter_id) WHERE is_current = 1;

CREATE TABLE IF NOT EXISTS documents (
    document_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    is_deleted INTEGER NOT NULL DEFAULT 0,
    is_current INTEGER NOT NULL DEFAULT 1,
    patient_id TEXT NOT NULL,
    encounter_id TEXT,
    doc_type TEXT NOT NULL DEFAULT 'other',
    title TEXT,
    summary TEXT,
    source_uri TEXT,
    file_hash TEXT,
    extracted_at DATETIME,
    metadata TEXT,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    PRIMARY KEY (document_id, version)
);

CREATE INDEX IF NOT EXISTS idx_documents_current ON documents(document_id) WHERE is_current = 1;
CREATE INDEX IF NOT EXISTS idx_documents_patient ON documents(patient_id) WHERE is_current = 1;
CREATE INDEX IF NOT EXISTS idx_documents_hash ON documents(patient_id, file_hash) WHERE is_current = 1;

CREATE TABLE IF NOT EXISTS memories (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    memory_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    is_deleted INTEGER NOT NULL DEFAULT 0,
    is_current INTEGER NOT NULL DEFAULT 1,
    text TEXT NOT NULL,
    kind TEXT NOT NULL,
    user_id TEXT,
    patient_id TEXT,
    encounter_id TEXT,
    actor_role TEXT,
    confidence REAL NOT NULL DEFAULT 0.8,
    risk_level TEXT,
    tags TEXT,
    extra TEXT,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memories_id ON memories(memory_id);
CREATE INDEX IF NOT EXISTS idx_memories_current ON memories(memory_id) WHERE is_current = 1;
CREATE INDEX IF NOT EXISTS idx_memories_patient ON memories(patient_id) WHERE is_current = 1;
CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id) WHERE is_current = 1;

CREATE TABLE IF NOT EXISTS memory_sources (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    memory_id TEXT NOT NULL,
    source_type TEXT NOT NULL,
    source_id TEXT NOT NULL,
    page INTEGER,
    span TEXT,
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memory_sources_memory ON memory_sources(memory_id);

CREATE TABLE IF NOT EXISTS history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    operation TEXT NOT NULL,
    snapshot TEXT NOT NULL,
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_entity ON history(entity_type, entity_id, version);
`

const graphSchema = `
CREATE TABLE IF NOT EXISTS edges (
    from_id TEXT NOT NULL,
    relation TEXT NOT NULL,
    to_id TEXT NOT NULL,
    attrs TEXT,
    created_at DATETIME NOT NULL,
    UNIQUE (from_id, relation, to_id)
);

CREATE INDEX IF NOT EXISTS idx_edges_from ON edges(from_id);
CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(to_id);
`

// The vector index keys off the integer rowid of the current memories row.
// Text primary keys partition vec0 tables and break KNN, so the memory_id
// mapping stays in the memories table. Embeddings are stored unit-length,
// which makes L2 distance order identical to cosine order.
const vecSchema = `
CREATE VIRTUAL TABLE IF NOT EXISTS vec_memories USING vec0(
    memory_row INTEGER PRIMARY KEY,
    embedding FLOAT[768]
);
`

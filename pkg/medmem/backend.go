package medmem

import (
	"context"
	"fmt"
)

type BackendKind string

const (
	// BackendEphemeral keeps everything in process memory. No persistence,
	// no vector search. Development and testing only.
	BackendEphemeral BackendKind = "ephemeral"
	// BackendRelational is a durable SQLite store with keyword memory
	// search. No relation graph.
	BackendRelational BackendKind = "relational"
	// BackendFull is SQLite plus the sqlite-vec index and the relation
	// graph.
	BackendFull BackendKind = "full"
)

// Capabilities declares what the active backend offers. Callers degrade to
// the nearest supported behavior instead of probing.
type Capabilities struct {
	VectorSearch bool
	Graph        bool
}

// Backend mediates all reads and writes for one storage implementation. The
// three implementations satisfy the same contracts; capability gaps surface
// as UnsupportedOperationError only where a caller explicitly requires them.
//
// The Service owns the mutation path. Backends never accept external writes
// that bypass the history log: every accepted record or memory mutation
// appends a history entry in the same logical transaction.
type Backend interface {
	Kind() BackendKind
	Capabilities() Capabilities

	// Record store.

	// Put writes a new version of rec. expected is the optimistic
	// concurrency check: 0 means unconditional overwrite, any other value
	// must match the stored version or the write fails with ConflictError.
	// Returns the new version.
	Put(ctx context.Context, rec Record, expected int64) (int64, error)
	Get(ctx context.Context, t EntityType, id string) (Record, error)
	List(ctx context.Context, t EntityType, f RecordFilter) ([]Record, error)
	SoftDelete(ctx context.Context, t EntityType, id string, expected int64) (int64, error)

	// Memory index.

	UpsertMemory(ctx context.Context, item *MemoryItem) (int64, error)
	GetMemory(ctx context.Context, memoryID string) (*MemoryItem, error)
	SearchMemories(ctx context.Context, query string, scope QueryScope, limit int) ([]ScoredMemory, error)
	DeleteMemory(ctx context.Context, memoryID string) error
	AddSources(ctx context.Context, refs []SourceRef) error
	Sources(ctx context.Context, memoryID string) ([]SourceRef, error)

	// Relation graph.

	AddEdge(ctx context.Context, e Edge) error
	EdgesFrom(ctx context.Context, id string, rel Relation) ([]Edge, error)
	EdgesTo(ctx context.Context, id string, rel Relation) ([]Edge, error)
	Traverse(ctx context.Context, startID string, path []Relation, maxDepth int) ([]string, error)

	// History log.

	History(ctx context.Context, t EntityType, id string) ([]HistoryEntry, error)

	Close() error
}

// Config selects and configures a backend. The choice is made once at
// startup and fixed for the process lifetime.
type Config struct {
	Kind BackendKind
	// Path is the SQLite database path for the relational and full
	// backends. ":memory:" is accepted for tests.
	Path string
	// Embedder powers vector search on the full backend. Optional; without
	// one the full backend falls back to keyword matching.
	Embedder Embedder
}

// Open builds the backend named by cfg.
func Open(cfg Config) (Backend, error) {
	switch cfg.Kind {
	case BackendEphemeral, "":
		return newEphemeral(), nil
	case BackendRelational:
		return openSQLite(cfg.Path, sqliteOptions{})
	case BackendFull:
		return openSQLite(cfg.Path, sqliteOptions{vector: true, graph: true, embedder: cfg.Embedder})
	default:
		return nil, fmt.Errorf("unknown backend kind: %s", cfg.Kind)
	}
}

package medmem

import (
	"database/sql"
	"fmt"

	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	_ "github.com/ncruces/go-sqlite3/driver"
)

type sqliteOptions struct {
	vector   bool
	graph    bool
	embedder Embedder
}

// sqliteStore backs both the embedded-relational and the full backend. The
// relational flavor skips the vector index and the edge table; everything
// else is shared.
type sqliteStore struct {
	db   *sql.DB
	opts sqliteOptions
	kind BackendKind
}

func openSQLite(path string, opts sqliteOptions) (*sqliteStore, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, &BackendUnavailableError{Backend: BackendRelational, Err: err}
	}

	// a single connection keeps :memory: databases and write transactions sane
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, err
	}

	kind := BackendRelational
	if opts.vector || opts.graph {
		kind = BackendFull
	}

	s := &sqliteStore{db: db, opts: opts, kind: kind}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *sqliteStore) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}

	if s.opts.graph {
		if _, err := s.db.Exec(graphSchema); err != nil {
			return fmt.Errorf("migrate graph schema: %w", err)
		}
	}

	if s.opts.vector {
		if _, err := s.db.Exec(vecSchema); err != nil {
			return fmt.Errorf("migrate vector schema: %w", err)
		}
	}

	return nil
}

func (s *sqliteStore) Capabilities() Capabilities {
	return Capabilities{VectorSearch: s.opts.vector && s.opts.embedder != nil, Graph: s.opts.graph}
}

func (s *sqliteStore) Kind() BackendKind {
	return s.kind
}

func (s *sqliteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}

	return nil
}

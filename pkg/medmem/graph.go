package medmem

import (
	"context"
	"database/sql"
	"sort"
	"time"
)

func (s *sqliteStore) AddEdge(ctx context.Context, e Edge) error {
	if !s.opts.graph {
		return &UnsupportedOperationError{Backend: s.kind, Operation: "graph edges"}
	}

	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, queryInsertEdge,
		e.FromID, string(e.Relation), e.ToID, jsonText(e.Attrs), created)

	return err
}

func (s *sqliteStore) EdgesFrom(ctx context.Context, id string, rel Relation) ([]Edge, error) {
	if !s.opts.graph {
		return nil, &UnsupportedOperationError{Backend: s.kind, Operation: "graph edges"}
	}

	if rel != "" {
		return s.queryEdges(ctx, queryEdgesStep, id, string(rel))
	}

	return s.queryEdges(ctx, queryEdgesFrom, id)
}

func (s *sqliteStore) EdgesTo(ctx context.Context, id string, rel Relation) ([]Edge, error) {
	if !s.opts.graph {
		return nil, &UnsupportedOperationError{Backend: s.kind, Operation: "graph edges"}
	}

	edges, err := s.queryEdges(ctx, queryEdgesTo, id)
	if err != nil || rel == "" {
		return edges, err
	}

	filtered := edges[:0]
	for _, e := range edges {
		if e.Relation == rel {
			filtered = append(filtered, e)
		}
	}

	return filtered, nil
}

// Traverse walks the graph from startID. With a relation path it follows the
// relations in order, one hop per element; with an empty path it collects
// every node reachable within maxDepth hops over any relation. The start
// node is never part of the result.
func (s *sqliteStore) Traverse(ctx context.Context, startID string, path []Relation, maxDepth int) ([]string, error) {
	if !s.opts.graph {
		return nil, &UnsupportedOperationError{Backend: s.kind, Operation: "graph traversal"}
	}

	if maxDepth <= 0 {
		maxDepth = 3
	}

	frontier := []string{startID}
	seen := map[string]bool{startID: true}
	var out []string

	step := func(rel Relation) error {
		var next []string
		for _, id := range frontier {
			edges, err := s.queryEdges(ctx, queryEdgesFrom, id)
			if err != nil {
				return err
			}
			for _, e := range edges {
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
		return nil
	}

	if len(path) > 0 {
		if len(path) > maxDepth {
			path = path[:maxDepth]
		}
		for _, rel := range path {
			if err := step(rel); err != nil {
				return nil, err
			}
		}
	} else {
		for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
			if err := step(""); err != nil {
				return nil, err
			}
		}
	}

	sort.Strings(out)
	return out, nil
}

func (s *sqliteStore) queryEdges(ctx context.Context, query string, args ...any) ([]Edge, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		var attrs sql.NullString
		if err := rows.Scan(&e.FromID, &e.Relation, &e.ToID, &attrs, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Attrs = jsonMap(attrs)
		edges = append(edges, e)
	}

	return edges, rows.Err()
}

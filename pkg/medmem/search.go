package medmem

import (
	"context"
	"database/sql"
	"sort"
	"strings"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/ncruces"
)

const (
	defaultSearchLimit = 10
	// overfetch factor for the KNN pass, the post-filter set shrinks when
	// scope filters are tight
	searchOverfetch = 4
	// rerank triggers
	rerankQueryTokens = 12
	rerankMargin      = 0.05
)

func (s *sqliteStore) SearchMemories(ctx context.Context, query string, scope QueryScope, limit int) ([]ScoredMemory, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	var results []ScoredMemory
	if s.opts.vector && s.opts.embedder != nil {
		var err error
		results, err = s.semanticSearch(ctx, query, scope, limit)
		if err != nil {
			return nil, err
		}
	}

	if len(results) == 0 {
		var err error
		results, err = s.keywordSearch(ctx, query, scope)
		if err != nil {
			return nil, err
		}
	}

	rankMemories(query, results)
	if len(results) > limit {
		results = results[:limit]
	}

	return results, nil
}

func (s *sqliteStore) semanticSearch(ctx context.Context, query string, scope QueryScope, limit int) ([]ScoredMemory, error) {
	embedding, err := s.opts.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	blob, err := sqlite_vec.SerializeFloat32(normalize(embedding))
	if err != nil {
		return nil, err
	}

	q := querySemanticPrefix
	args := []any{blob, limit * searchOverfetch}
	if scope.UserID != "" {
		q += " AND m.user_id = ?"
		args = append(args, scope.UserID)
	}
	if scope.PatientID != "" {
		q += " AND m.patient_id = ?"
		args = append(args, scope.PatientID)
	}
	if scope.Kind != "" {
		q += " AND m.kind = ?"
		args = append(args, string(scope.Kind))
	}
	q += querySemanticSuffix

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScoredMemory
	for rows.Next() {
		item := &MemoryItem{}
		var tags, extra sql.NullString
		var rowID int64
		var distance float64
		if err := rows.Scan(&rowID, &item.MemoryID, &item.Env.Version, &item.Env.IsDeleted,
			&item.Text, &item.Kind, &item.UserID, &item.PatientID, &item.EncounterID,
			&item.ActorRole, &item.Confidence, &item.RiskLevel, &tags, &extra,
			&item.Env.CreatedAt, &item.Env.UpdatedAt, &distance); err != nil {
			return nil, err
		}
		item.Tags = jsonSlice(tags)
		item.Extra = jsonMap(extra)
		out = append(out, ScoredMemory{Item: item, Score: cosineFromL2(distance)})
	}

	return out, rows.Err()
}

func (s *sqliteStore) keywordSearch(ctx context.Context, query string, scope QueryScope) ([]ScoredMemory, error) {
	q := queryListMemoryPrefix
	var args []any
	if scope.UserID != "" {
		q += " AND user_id = ?"
		args = append(args, scope.UserID)
	}
	if scope.PatientID != "" {
		q += " AND patient_id = ?"
		args = append(args, scope.PatientID)
	}
	if scope.Kind != "" {
		q += " AND kind = ?"
		args = append(args, string(scope.Kind))
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tokens := tokenize(query)
	var out []ScoredMemory
	for rows.Next() {
		_, item, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		score := overlapScore(tokens, item.Text)
		if score > 0 {
			out = append(out, ScoredMemory{Item: item, Score: score})
		}
	}

	return out, rows.Err()
}

// rankMemories orders by score descending with memory_id as the
// deterministic tiebreak. Long or ambiguous queries get a second pass that
// blends keyword overlap into the vector score, which separates near-ties
// the embedding alone cannot.
func rankMemories(query string, results []ScoredMemory) {
	sortByScore(results)

	tokens := tokenize(query)
	ambiguous := len(results) > 1 && results[0].Score-results[1].Score < rerankMargin
	if len(tokens) > rerankQueryTokens || ambiguous {
		for i := range results {
			results[i].Score = 0.7*results[i].Score + 0.3*overlapScore(tokens, results[i].Item.Text)
		}
		sortByScore(results)
	}
}

func sortByScore(results []ScoredMemory) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].Item.Env.UpdatedAt.Equal(results[j].Item.Env.UpdatedAt) {
			return results[i].Item.Env.UpdatedAt.After(results[j].Item.Env.UpdatedAt)
		}
		return results[i].Item.MemoryID < results[j].Item.MemoryID
	})
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') && r < 0x80
	})

	out := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			out = append(out, f)
		}
	}

	return out
}

// overlapScore is the fraction of query tokens present in text.
func overlapScore(queryTokens []string, text string) float64 {
	if len(queryTokens) == 0 {
		return 0
	}

	haystack := make(map[string]bool)
	for _, t := range tokenize(text) {
		haystack[t] = true
	}

	matched := 0
	for _, t := range queryTokens {
		if haystack[t] {
			matched++
		}
	}

	return float64(matched) / float64(len(queryTokens))
}

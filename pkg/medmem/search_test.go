package medmem

import (
	"context"
	"hash/fnv"
	"testing"
	"time"
)

// mockEmbedder hashes tokens into a fixed-width bag-of-words vector.
// Identical texts embed identically; overlapping texts land close.
type mockEmbedder struct{}

func (mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v := make([]float32, VectorDimensions)
	for _, tok := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		v[h.Sum32()%VectorDimensions]++
	}

	return v, nil
}

func openFullBackend(t *testing.T) Backend {
	t.Helper()

	b, err := Open(Config{Kind: BackendFull, Path: ":memory:", Embedder: mockEmbedder{}})
	if err != nil {
		t.Fatalf("failed to open full backend: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	return b
}

func addMemory(t *testing.T, b Backend, id, text string, scope QueryScope) {
	t.Helper()

	item := &MemoryItem{
		MemoryID:  id,
		Text:      text,
		Kind:      KindProfile,
		UserID:    scope.UserID,
		PatientID: scope.PatientID,
	}
	if scope.Kind != "" {
		item.Kind = scope.Kind
	}
	item.Confidence = 0.8
	if _, err := b.UpsertMemory(context.Background(), item); err != nil {
		t.Fatalf("failed to add memory %s: %v", id, err)
	}
}

func TestSemanticRoundTrip(t *testing.T) {
	b := openFullBackend(t)
	ctx := context.Background()

	text := "patient is allergic to penicillin"
	addMemory(t, b, "mem1", text, QueryScope{})

	results, err := b.SearchMemories(ctx, text, QueryScope{}, 5)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Item.MemoryID != "mem1" {
		t.Errorf("expected mem1 on top, got %s", results[0].Item.MemoryID)
	}
	if results[0].Score < 0.99 {
		t.Errorf("expected near-maximal score for exact text, got %f", results[0].Score)
	}
}

func TestSearchRanksCloserTextHigher(t *testing.T) {
	b := openFullBackend(t)
	ctx := context.Background()

	addMemory(t, b, "mem1", "blood pressure reading 120 over 80", QueryScope{})
	addMemory(t, b, "mem2", "discussed vacation plans for the summer", QueryScope{})

	results, err := b.SearchMemories(ctx, "blood pressure reading today", QueryScope{}, 5)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) == 0 || results[0].Item.MemoryID != "mem1" {
		t.Fatalf("expected mem1 on top, got %+v", results)
	}
}

func TestSearchHardFilters(t *testing.T) {
	b := openFullBackend(t)
	ctx := context.Background()

	addMemory(t, b, "mem1", "takes metformin every morning", QueryScope{UserID: "u1", PatientID: "p1", Kind: KindMedication})
	addMemory(t, b, "mem2", "takes metformin every morning", QueryScope{UserID: "u2", PatientID: "p2", Kind: KindMedication})
	addMemory(t, b, "mem3", "takes metformin every morning", QueryScope{UserID: "u1", PatientID: "p1", Kind: KindSummary})

	results, err := b.SearchMemories(ctx, "metformin morning", QueryScope{UserID: "u1", PatientID: "p1", Kind: KindMedication}, 10)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected exactly 1 scoped result, got %d", len(results))
	}
	got := results[0].Item
	if got.MemoryID != "mem1" || got.UserID != "u1" || got.PatientID != "p1" || got.Kind != KindMedication {
		t.Errorf("filter violated: %+v", got)
	}
}

func TestSearchExcludesDeleted(t *testing.T) {
	b := openFullBackend(t)
	ctx := context.Background()

	addMemory(t, b, "mem1", "fasting glucose was elevated", QueryScope{})
	addMemory(t, b, "mem2", "fasting glucose was elevated again", QueryScope{})

	if err := b.DeleteMemory(ctx, "mem1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	results, err := b.SearchMemories(ctx, "fasting glucose elevated", QueryScope{}, 10)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	for _, r := range results {
		if r.Item.MemoryID == "mem1" {
			t.Error("deleted memory surfaced in results")
		}
		if r.Item.Env.IsDeleted {
			t.Error("result flagged deleted")
		}
	}
	if len(results) != 1 {
		t.Errorf("expected 1 live result, got %d", len(results))
	}
}

func TestKeywordFallbackWithoutEmbedder(t *testing.T) {
	for name, cfg := range map[string]Config{
		"relational":       {Kind: BackendRelational, Path: ":memory:"},
		"full-no-embedder": {Kind: BackendFull, Path: ":memory:"},
	} {
		t.Run(name, func(t *testing.T) {
			b, err := Open(cfg)
			if err != nil {
				t.Fatalf("failed to open backend: %v", err)
			}
			defer b.Close()

			ctx := context.Background()
			addMemory(t, b, "mem1", "complains of persistent headache", QueryScope{})
			addMemory(t, b, "mem2", "annual flu vaccination done", QueryScope{})

			results, err := b.SearchMemories(ctx, "persistent headache", QueryScope{}, 5)
			if err != nil {
				t.Fatalf("search failed: %v", err)
			}
			if len(results) != 1 || results[0].Item.MemoryID != "mem1" {
				t.Fatalf("expected keyword match on mem1, got %+v", results)
			}
		})
	}
}

func TestSearchDeterministicTiebreak(t *testing.T) {
	b := openFullBackend(t)
	ctx := context.Background()

	// identical text, so identical embeddings and identical scores;
	// later update wins, then memory_id ascending
	addMemory(t, b, "z-first", "sodium 140 mmol/L", QueryScope{})
	time.Sleep(2 * time.Millisecond)
	addMemory(t, b, "a-second", "sodium 140 mmol/L", QueryScope{})

	for i := 0; i < 3; i++ {
		results, err := b.SearchMemories(ctx, "sodium 140 mmol/L", QueryScope{}, 5)
		if err != nil {
			t.Fatalf("search failed: %v", err)
		}
		if len(results) != 2 {
			t.Fatalf("expected 2 results, got %d", len(results))
		}
		if results[0].Item.MemoryID != "a-second" {
			t.Fatalf("run %d: expected a-second first, got %s", i, results[0].Item.MemoryID)
		}
	}
}

func TestRankMemoriesRerankOnAmbiguity(t *testing.T) {
	near := func(id, text string, score float64) ScoredMemory {
		return ScoredMemory{Item: &MemoryItem{MemoryID: id, Text: text}, Score: score}
	}

	// margin below threshold: keyword overlap should break the near-tie
	results := []ScoredMemory{
		near("a", "no overlap with anything here", 0.90),
		near("b", "aspirin dose changed yesterday", 0.89),
	}
	rankMemories("aspirin dose changed", results)
	if results[0].Item.MemoryID != "b" {
		t.Errorf("expected keyword blend to promote b, got %s", results[0].Item.MemoryID)
	}

	// wide margin and short query: order untouched
	results = []ScoredMemory{
		near("a", "no overlap with anything here", 0.90),
		near("b", "aspirin dose changed yesterday", 0.40),
	}
	rankMemories("aspirin", results)
	if results[0].Item.MemoryID != "a" {
		t.Errorf("expected order preserved, got %s", results[0].Item.MemoryID)
	}
}

func TestTokenizeAndOverlap(t *testing.T) {
	tokens := tokenize("Blood-Pressure: 120/80 mmHg!")
	want := map[string]bool{"blood": true, "pressure": true, "120": true, "80": true, "mmhg": true}
	for _, tok := range tokens {
		if !want[tok] {
			t.Errorf("unexpected token %q", tok)
		}
	}
	if len(tokens) != len(want) {
		t.Errorf("expected %d tokens, got %d (%v)", len(want), len(tokens), tokens)
	}

	if got := overlapScore(tokenize("blood pressure"), "blood pressure 120"); got != 1 {
		t.Errorf("expected full overlap, got %f", got)
	}
	if got := overlapScore(tokenize("blood sugar"), "blood pressure 120"); got != 0.5 {
		t.Errorf("expected half overlap, got %f", got)
	}
}

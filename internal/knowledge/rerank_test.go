package knowledge

import "testing"

func result(id, content string, similarity float32) Result {
	return Result{
		Document:   Document{ID: id, Content: content},
		Similarity: similarity,
	}
}

func TestRerank_PromotesLexicalOverlap(t *testing.T) {
	results := []Result{
		result("a", "general background information", 0.9),
		result("b", "the billing pipeline project used kafka", 0.7),
	}

	reranked, applied := Rerank("tell me about the billing pipeline", results)
	if !applied {
		t.Fatal("Rerank() reported no signal")
	}
	if reranked[0].Document.ID != "b" {
		t.Errorf("reranked[0] = %q, want overlap winner b", reranked[0].Document.ID)
	}
}

func TestRerank_TieBrokenBySimilarityThenID(t *testing.T) {
	results := []Result{
		result("b", "go services in production", 0.5),
		result("a", "go services in production", 0.5),
		result("c", "go services in production", 0.8),
	}

	reranked, applied := Rerank("go services", results)
	if !applied {
		t.Fatal("Rerank() reported no signal")
	}
	// Equal overlap everywhere: similarity decides, then ID.
	want := []string{"c", "a", "b"}
	for i, id := range want {
		if reranked[i].Document.ID != id {
			t.Errorf("reranked[%d] = %q, want %q", i, reranked[i].Document.ID, id)
		}
	}
}

func TestRerank_NoTokensKeepsDistanceOrder(t *testing.T) {
	results := []Result{
		result("a", "first", 0.9),
		result("b", "second", 0.8),
	}

	reranked, applied := Rerank("??", results)
	if applied {
		t.Error("Rerank() claimed signal from empty token set")
	}
	if reranked[0].Document.ID != "a" || reranked[1].Document.ID != "b" {
		t.Error("distance order not preserved")
	}
}

func TestRerank_NoOverlapKeepsDistanceOrder(t *testing.T) {
	results := []Result{
		result("a", "completely unrelated text", 0.9),
		result("b", "also unrelated material", 0.8),
	}

	reranked, applied := Rerank("quantum chromodynamics", results)
	if applied {
		t.Error("Rerank() claimed signal with zero overlap everywhere")
	}
	if reranked[0].Document.ID != "a" {
		t.Error("distance order not preserved")
	}
}

func TestRerank_Deterministic(t *testing.T) {
	results := []Result{
		result("b", "go and postgres work", 0.5),
		result("a", "go and postgres work", 0.5),
	}

	first, _ := Rerank("postgres", results)
	second, _ := Rerank("postgres", results)
	for i := range first {
		if first[i].Document.ID != second[i].Document.ID {
			t.Fatalf("ordering not deterministic at %d", i)
		}
	}
}

func TestTokenize(t *testing.T) {
	tokens := tokenize("What's the B2B project, really?")
	for _, tok := range tokens {
		if len(tok) < 3 {
			t.Errorf("short token %q not dropped", tok)
		}
	}
	found := false
	for _, tok := range tokens {
		if tok == "b2b" {
			found = true
		}
	}
	if !found {
		t.Errorf("tokens = %v, want b2b kept", tokens)
	}
}

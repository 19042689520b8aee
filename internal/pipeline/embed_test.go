package pipeline

import (
	"math"
	"testing"
)

func TestEmbedTextDeterministic(t *testing.T) {
	a := embedText("Fix the login bug")
	b := embedText("fix the LOGIN bug")
	if len(a) != embeddingDims {
		t.Fatalf("dims = %d, want %d", len(a), embeddingDims)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("case must not change the vector, differs at bucket %d", i)
		}
	}
	c := embedText("Write the release notes")
	same := true
	for i := range a {
		if a[i] != c[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("different content produced identical vectors")
	}
}

func TestEmbedTextNormalized(t *testing.T) {
	vec := embedText("fix the login bug, fix it now!")
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Errorf("|v|^2 = %v, want 1", norm)
	}
}

func TestEmbedTextEmptyContent(t *testing.T) {
	for _, content := range []string{"", "   ", "!!! ..."} {
		vec := embedText(content)
		for i, v := range vec {
			if v != 0 {
				t.Fatalf("embedText(%q)[%d] = %v, want an all-zero vector", content, i, v)
			}
		}
	}
}

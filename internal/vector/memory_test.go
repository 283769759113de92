package vector

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestMemoryIndex_AddSearch(t *testing.T) {
	idx, err := NewMemoryIndex(3)
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	ctx := context.Background()

	vecs := [][]float32{
		{1, 0, 0},
		{0.9, 0.1, 0},
		{0, 1, 0},
	}
	ids := []string{"a", "b", "c"}
	if err := idx.Add(ctx, ids, vecs); err != nil {
		t.Fatal(err)
	}
	if idx.Size() != 3 {
		t.Errorf("Size=%d", idx.Size())
	}

	results, err := idx.Search(ctx, []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != "a" || results[1].ID != "b" {
		t.Errorf("order: got %s, %s", results[0].ID, results[1].ID)
	}
	if results[0].Score < results[1].Score {
		t.Error("results should be ordered by descending score")
	}
}

func TestMemoryIndex_SearchReturnsMinKSize(t *testing.T) {
	idx, _ := NewMemoryIndex(2)
	ctx := context.Background()
	_ = idx.Add(ctx, []string{"x", "y"}, [][]float32{{1, 0}, {0, 1}})
	for _, k := range []int{1, 2, 3, 10} {
		results, err := idx.Search(ctx, []float32{1, 0}, k)
		if err != nil {
			t.Fatal(err)
		}
		want := k
		if want > 2 {
			want = 2
		}
		if len(results) != want {
			t.Errorf("k=%d: got %d results, want %d", k, len(results), want)
		}
	}
	if results, _ := idx.Search(ctx, []float32{1, 0}, 0); len(results) != 0 {
		t.Errorf("k=0 should return nothing, got %d", len(results))
	}
}

func TestMemoryIndex_TiesKeepInsertionOrder(t *testing.T) {
	idx, _ := NewMemoryIndex(2)
	ctx := context.Background()
	ids := []string{"first", "second", "third", "fourth"}
	vecs := [][]float32{{0, 1}, {0, 1}, {0, 1}, {0, 1}}
	if err := idx.Add(ctx, ids, vecs); err != nil {
		t.Fatal(err)
	}
	results, err := idx.Search(ctx, []float32{0, 1}, 3)
	if err != nil {
		t.Fatal(err)
	}
	for i, r := range results {
		if r.ID != ids[i] {
			t.Errorf("result %d = %s, want %s", i, r.ID, ids[i])
		}
	}
}

func TestMemoryIndex_DimensionMismatch(t *testing.T) {
	idx, _ := NewMemoryIndex(3)
	ctx := context.Background()
	if err := idx.Add(ctx, []string{"a"}, [][]float32{{1, 0}}); err == nil {
		t.Error("expected dimension mismatch on Add")
	}
	if _, err := idx.Search(ctx, []float32{1, 0}, 1); err == nil {
		t.Error("expected dimension mismatch on Search")
	}
	if _, err := NewMemoryIndex(0); err == nil {
		t.Error("expected error for zero dimensions")
	}
}

func TestMemoryIndex_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index", "vectors.idx")
	ctx := context.Background()
	src, _ := NewMemoryIndex(3)
	_ = src.Add(ctx, []string{"fees_1", "dispute_4"}, [][]float32{{1, 0, 0}, {0, 0.6, 0.8}})
	if err := src.Save(path); err != nil {
		t.Fatal(err)
	}

	dst, _ := NewMemoryIndex(3)
	if err := dst.Load(path); err != nil {
		t.Fatal(err)
	}
	if dst.Size() != 2 {
		t.Fatalf("loaded size = %d, want 2", dst.Size())
	}
	results, err := dst.Search(ctx, []float32{0, 0.6, 0.8}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if results[0].ID != "dispute_4" {
		t.Errorf("top result = %s, want dispute_4", results[0].ID)
	}

	wrongDim, _ := NewMemoryIndex(4)
	if err := wrongDim.Load(path); err == nil {
		t.Error("expected dimension mismatch on Load")
	}
}

func TestMemoryIndex_LoadMissing(t *testing.T) {
	idx, _ := NewMemoryIndex(3)
	err := idx.Load(filepath.Join(t.TempDir(), "missing.idx"))
	if !errors.Is(err, ErrIndexFileNotFound) {
		t.Errorf("Load(missing) error = %v, want ErrIndexFileNotFound", err)
	}
}

func TestInnerProduct(t *testing.T) {
	if got := InnerProduct([]float32{1, 2}, []float32{3, 4}); got != 11 {
		t.Errorf("InnerProduct = %v, want 11", got)
	}
	if got := InnerProduct([]float32{1}, []float32{1, 2}); got != 0 {
		t.Errorf("mismatched lengths should give 0, got %v", got)
	}
}

package crossval

import (
	"fmt"
	"sort"
	"testing"
)

func TestKFoldPartitions(t *testing.T) {
	for _, k := range []int{2, 3, 4, 5, 10} {
		for _, n := range []int{k, k + 1, 17, 64, 101} {
			t.Run(fmt.Sprintf("n=%d,k=%d", n, k), func(t *testing.T) {
				folds, err := KFold(n, k)
				if err != nil {
					t.Fatalf("KFold failed: %v", err)
				}
				if len(folds) != k {
					t.Fatalf("Expected %d folds, got %d", k, len(folds))
				}

				seen := make(map[int]int)
				for i, fold := range folds {
					if fold.Index != i {
						t.Errorf("Fold %d has index %d", i, fold.Index)
					}
					if len(fold.Train)+len(fold.Validation) != n {
						t.Errorf("Fold %d does not cover all positions", i)
					}
					inValidation := make(map[int]bool)
					for _, p := range fold.Validation {
						seen[p]++
						inValidation[p] = true
					}
					for _, p := range fold.Train {
						if inValidation[p] {
							t.Errorf("Fold %d trains and validates on %d", i, p)
						}
					}
					if !sort.IntsAreSorted(fold.Train) || !sort.IntsAreSorted(fold.Validation) {
						t.Errorf("Fold %d positions are not ordered", i)
					}
				}

				// Validation slices are pairwise disjoint and cover [0, n)
				if len(seen) != n {
					t.Errorf("Validation slices cover %d of %d positions", len(seen), n)
				}
				for p, count := range seen {
					if count != 1 || p < 0 || p >= n {
						t.Errorf("Position %d validated %d times", p, count)
					}
				}
			})
		}
	}
}

func TestKFoldSizes(t *testing.T) {
	folds, err := KFold(10, 3)
	if err != nil {
		t.Fatal(err)
	}
	expected := [][]int{{0, 1, 2, 3}, {4, 5, 6}, {7, 8, 9}}
	for i, fold := range folds {
		if fmt.Sprint(fold.Validation) != fmt.Sprint(expected[i]) {
			t.Errorf("Fold %d: expected validation %v, got %v", i, expected[i], fold.Validation)
		}
	}
}

func TestKFoldErrors(t *testing.T) {
	if _, err := KFold(10, 1); err == nil {
		t.Error("Expected error for a single fold")
	}
	if _, err := KFold(3, 4); err == nil {
		t.Error("Expected error for fewer samples than folds")
	}
}

func TestSelectBest(t *testing.T) {
	tests := []struct {
		name     string
		values   []float64
		expected int
	}{
		{"Empty", nil, -1},
		{"Single", []float64{0.3}, 0},
		{"UniqueMax", []float64{0.5, 0.9, 0.7}, 1},
		{"TieGoesToLowestFold", []float64{0.5, 0.8, 0.8, 0.8}, 1},
		{"AllEqual", []float64{0.75, 0.75, 0.75}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := SelectBest(tc.values); got != tc.expected {
				t.Errorf("Expected %d, got %d", tc.expected, got)
			}
		})
	}
}

// Package runcomb enumerates and samples combinations of anchor runs and
// stores them one combination per line.
package runcomb

import (
	"errors"
	"fmt"
	"iter"
	"math/rand/v2"
	"slices"
	"sort"

	"gonum.org/v1/gonum/stat/combin"
	"gonum.org/v1/gonum/stat/sampleuv"
)

var (
	ErrSize       = errors.New("invalid combination size")
	ErrDuplicate  = errors.New("duplicate run name")
	ErrTooMany    = errors.New("too many combinations")
	ErrNoRuns     = errors.New("no runs")
	ErrDuplicated = errors.New("duplicate combination")
)

// maxCombinations keeps combination indices exactly representable.
const maxCombinations = 1 << 53

func sortedItems(items []string) ([]string, error) {
	if len(items) == 0 {
		return nil, ErrNoRuns
	}
	s := append([]string(nil), items...)
	sort.Strings(s)
	for i := 1; i < len(s); i++ {
		if s[i] == s[i-1] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, s[i])
		}
	}
	return s, nil
}

func checkSize(n, k int) error {
	if k < 1 || k > n {
		return fmt.Errorf("%w: k=%d with %d runs", ErrSize, k, n)
	}
	if combin.GeneralizedBinomial(float64(n), float64(k)) > maxCombinations {
		return fmt.Errorf("%w: C(%d, %d)", ErrTooMany, n, k)
	}
	return nil
}

func pick(items []string, idx []int) []string {
	out := make([]string, len(idx))
	for i, j := range idx {
		out[i] = items[j]
	}
	return out
}

// Count returns C(n, k).
func Count(n, k int) (int, error) {
	if err := checkSize(n, k); err != nil {
		return 0, err
	}
	return combin.Binomial(n, k), nil
}

// UniqueCombinations returns a lazy sequence of every sorted k-subset of
// items in lexicographic order. Each range over the sequence starts afresh.
func UniqueCombinations(items []string, k int) (iter.Seq[[]string], error) {
	s, err := sortedItems(items)
	if err != nil {
		return nil, err
	}
	if err := checkSize(len(s), k); err != nil {
		return nil, err
	}
	return func(yield func([]string) bool) {
		gen := combin.NewCombinationGenerator(len(s), k)
		idx := make([]int, k)
		for gen.Next() {
			if !yield(pick(s, gen.Combination(idx))) {
				return
			}
		}
	}, nil
}

// RandomUniqueCombinations returns a lazy sequence of up to m distinct
// sorted k-subsets of items, drawn uniformly without replacement. The same
// seed yields the same sequence.
func RandomUniqueCombinations(items []string, k, m int, seed uint64) (iter.Seq[[]string], error) {
	s, err := sortedItems(items)
	if err != nil {
		return nil, err
	}
	if err := checkSize(len(s), k); err != nil {
		return nil, err
	}
	total := combin.Binomial(len(s), k)
	if m <= 0 || m > total {
		m = total
	}
	return func(yield func([]string) bool) {
		draws := make([]int, m)
		sampleuv.WithoutReplacement(draws, total, rand.NewPCG(seed, seed))
		idx := make([]int, k)
		for _, d := range draws {
			if !yield(pick(s, combin.IndexToCombination(idx, d, len(s), k))) {
				return
			}
		}
	}, nil
}

// Manager holds the pool of anchor runs combinations are drawn from.
type Manager struct {
	runs []string
}

// NewManager sorts runs and rejects duplicates.
func NewManager(runs []string) (*Manager, error) {
	s, err := sortedItems(runs)
	if err != nil {
		return nil, err
	}
	return &Manager{runs: s}, nil
}

// Runs returns the sorted run pool.
func (m *Manager) Runs() []string { return slices.Clone(m.runs) }

// Combinations returns num random k-subsets, or all of them in
// lexicographic order when num <= 0 or num covers every combination.
func (m *Manager) Combinations(k, num int, seed uint64) (iter.Seq[[]string], error) {
	total, err := Count(len(m.runs), k)
	if err != nil {
		return nil, err
	}
	if num <= 0 || num >= total {
		return UniqueCombinations(m.runs, k)
	}
	return RandomUniqueCombinations(m.runs, k, num, seed)
}

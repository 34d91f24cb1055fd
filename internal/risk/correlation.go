package risk

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Matrix holds pairwise return correlations, symmetric with unit diagonal.
type Matrix struct {
	values map[[2]string]float64
}

func NewMatrix() *Matrix {
	return &Matrix{values: map[[2]string]float64{}}
}

func pairKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

// Set records the correlation between two symbols.
func (m *Matrix) Set(a, b string, corr float64) {
	if a == b {
		return
	}
	m.values[pairKey(a, b)] = corr
}

// Get returns the correlation between two symbols, zero when unknown.
func (m *Matrix) Get(a, b string) float64 {
	if a == b {
		return 1
	}
	if m == nil || m.values == nil {
		return 0
	}
	return m.values[pairKey(a, b)]
}

// BuildMatrix computes pairwise correlations from aligned daily return
// series. Symbols with mismatched or too-short series are skipped.
func BuildMatrix(returns map[string][]float64, minObservations int) *Matrix {
	if minObservations < 2 {
		minObservations = 2
	}
	m := NewMatrix()

	symbols := make([]string, 0, len(returns))
	for s := range returns {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	for i := 0; i < len(symbols); i++ {
		for j := i + 1; j < len(symbols); j++ {
			a, b := returns[symbols[i]], returns[symbols[j]]
			n := len(a)
			if len(b) < n {
				n = len(b)
			}
			if n < minObservations {
				continue
			}
			m.Set(symbols[i], symbols[j], stat.Correlation(a[len(a)-n:], b[len(b)-n:], nil))
		}
	}
	return m
}

package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildMatrix(t *testing.T) {
	returns := map[string][]float64{
		"SBER": {0.01, -0.02, 0.015, 0.005, -0.01},
		"VTBR": {0.012, -0.018, 0.014, 0.006, -0.009}, // tracks SBER closely
		"GMKN": {-0.01, 0.02, -0.015, -0.005, 0.01},   // inverse of SBER
		"MTSS": {0.001},                               // too short, skipped
	}

	m := BuildMatrix(returns, 3)

	assert.Greater(t, m.Get("SBER", "VTBR"), 0.9)
	assert.Less(t, m.Get("SBER", "GMKN"), -0.9)
	assert.Zero(t, m.Get("SBER", "MTSS"))
	assert.Equal(t, 1.0, m.Get("SBER", "SBER"))
	assert.Equal(t, m.Get("SBER", "VTBR"), m.Get("VTBR", "SBER"))
}

func TestMatrixGetNilSafe(t *testing.T) {
	var m *Matrix
	assert.Zero(t, m.Get("SBER", "GAZP"))
	assert.Equal(t, 1.0, m.Get("SBER", "SBER"))
}

// Package datatypes holds the serializable result types that cross
// process boundaries: fit reports travel from the receiver to its
// HTTP clients and into the reporters as JSON or parquet rows.
package datatypes

import (
	"github.com/svdfed/svdfed/lib/basis"
)

// A BasisSnapshot is a plain-data copy of a fitted global basis plus
// the fit metadata a consumer needs to judge it. It is what the
// receiver serves and what the reporters persist; the engines
// themselves never hand out anything mutable.
type BasisSnapshot struct {
	Mode                string  `json:"mode"`
	StrideCounter       int     `json:"strideCounter"`
	Features            int     `json:"features"`
	RequestedComponents int     `json:"requestedComponents"`
	Components          int     `json:"components"`
	SampleCount         int     `json:"sampleCount"`
	TotalSquaredSpectrum float64 `json:"totalSquaredSpectrum"`

	SingularValues         []float64   `json:"singularValues"`
	ExplainedVarianceRatio []float64   `json:"explainedVarianceRatio"`
	Mean                   []float64   `json:"mean"`
	Directions             [][]float64 `json:"directions"`

	// Federated-only fields; zero values in distributed mode.
	Converged        bool      `json:"converged,omitempty"`
	RefinementRounds int       `json:"refinementRounds,omitempty"`
	IterationDeltas  []float64 `json:"iterationDeltas,omitempty"`
}

// SnapshotBasis flattens a fitted basis into a BasisSnapshot.
func SnapshotBasis(b *basis.GlobalBasis, mode string, strideCounter int) BasisSnapshot {
	k := b.Components()
	d := b.Features()
	directions := make([][]float64, k)
	for i := 0; i < k; i++ {
		row := make([]float64, d)
		for j := 0; j < d; j++ {
			row[j] = b.Directions.At(i, j)
		}
		directions[i] = row
	}
	singularValues := make([]float64, k)
	copy(singularValues, b.SingularValues)
	mean := make([]float64, d)
	copy(mean, b.Mean)

	return BasisSnapshot{
		Mode:                 mode,
		StrideCounter:        strideCounter,
		Features:             d,
		RequestedComponents:  b.RequestedComponents,
		Components:           k,
		SampleCount:          b.SampleCount,
		TotalSquaredSpectrum: b.TotalSquaredSpectrum,

		SingularValues:         singularValues,
		ExplainedVarianceRatio: b.ExplainedVarianceRatio(),
		Mean:                   mean,
		Directions:             directions,
	}
}

// Truncated reports whether the fit retained fewer directions than the
// caller asked for, i.e. the input was rank deficient. This is a
// degraded but valid result, not an error.
func (s BasisSnapshot) Truncated() bool {
	return s.RequestedComponents > 0 && s.Components < s.RequestedComponents
}

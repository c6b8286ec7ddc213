// Package basis holds the fitted artifact shared by the distributed and
// federated composition engines: an orthonormal set of direction vectors
// in feature space plus their singular values, and the projection logic
// that works against it.
package basis

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// A GlobalBasis is the result of composing per-partition decompositions.
// It is built once by an engine's Fit and never mutated afterwards; a
// refit replaces the whole value.
type GlobalBasis struct {
	// Directions is k x d. Each row is a unit-norm direction in
	// feature space; rows are pairwise orthogonal to numerical
	// tolerance and ordered by descending singular value.
	Directions *mat.Dense

	// SingularValues has one non-negative entry per direction,
	// non-increasing.
	SingularValues []float64

	// Mean is the global per-feature mean recorded during Fit.
	// Transform centers its input by this before projecting.
	Mean []float64

	// TotalSquaredSpectrum is the sum of squares over the full
	// spectrum seen during Fit, including components that were
	// truncated away. It is the denominator for the explained
	// variance ratio.
	TotalSquaredSpectrum float64

	// RequestedComponents is what the caller asked for; len of
	// SingularValues is what the numerical rank allowed.
	RequestedComponents int

	// SampleCount is the total number of rows across all partitions.
	SampleCount int
}

// Components returns the number of retained directions. This can be
// smaller than RequestedComponents when the input was rank deficient.
func (b *GlobalBasis) Components() int {
	return len(b.SingularValues)
}

// Features returns the dimensionality of the original feature space.
func (b *GlobalBasis) Features() int {
	_, d := b.Directions.Dims()
	return d
}

// Transform centers X by the recorded mean and projects it onto the
// retained directions, returning an n x k embedding.
func (b *GlobalBasis) Transform(X *mat.Dense) (*mat.Dense, error) {
	n, d := X.Dims()
	if d != b.Features() {
		return nil, DimensionError{Expected: b.Features(), Got: d}
	}
	centered := mat.NewDense(n, d, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			centered.Set(i, j, X.At(i, j)-b.Mean[j])
		}
	}
	var projected mat.Dense
	projected.Mul(centered, b.Directions.T())
	return &projected, nil
}

// InverseTransform maps an n x k embedding back to feature space.
// The reconstruction is exact only when the basis captured the full
// rank of the training data; otherwise it is the best rank-k
// approximation and lossy.
func (b *GlobalBasis) InverseTransform(embedded *mat.Dense) (*mat.Dense, error) {
	n, k := embedded.Dims()
	if k != b.Components() {
		return nil, DimensionError{Expected: b.Components(), Got: k}
	}
	var reconstructed mat.Dense
	reconstructed.Mul(embedded, b.Directions)
	d := b.Features()
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			reconstructed.Set(i, j, reconstructed.At(i, j)+b.Mean[j])
		}
	}
	return &reconstructed, nil
}

// ExplainedVarianceRatio returns, per retained direction, the fraction
// of the total spectral energy it captures. Entries are non-negative
// and sum to at most 1; they sum to 1 exactly when no truncation
// occurred.
func (b *GlobalBasis) ExplainedVarianceRatio() []float64 {
	ratios := make([]float64, len(b.SingularValues))
	if b.TotalSquaredSpectrum == 0 {
		return ratios
	}
	for i, s := range b.SingularValues {
		ratios[i] = s * s / b.TotalSquaredSpectrum
	}
	return ratios
}

// ExplainedVariance returns the per-direction sample variance, with the
// Bessel correction applied once on the combined sample count.
func (b *GlobalBasis) ExplainedVariance() []float64 {
	variances := make([]float64, len(b.SingularValues))
	if b.SampleCount < 2 {
		return variances
	}
	for i, s := range b.SingularValues {
		variances[i] = s * s / float64(b.SampleCount-1)
	}
	return variances
}

// FixSigns canonicalizes the sign of each direction row so that its
// element of largest magnitude is non-negative. SVD routines only
// determine singular vectors up to sign; without this, repeated fits
// on identical data would flip directions nondeterministically and
// downstream regression coefficients would flip with them.
func FixSigns(directions *mat.Dense) {
	r, c := directions.Dims()
	for i := 0; i < r; i++ {
		maxAbs := 0.0
		maxVal := 0.0
		for j := 0; j < c; j++ {
			v := directions.At(i, j)
			if math.Abs(v) > maxAbs {
				maxAbs = math.Abs(v)
				maxVal = v
			}
		}
		if maxVal < 0 {
			for j := 0; j < c; j++ {
				directions.Set(i, j, -directions.At(i, j))
			}
		}
	}
}

// NumericalRank counts the singular values above tolerance relative to
// the largest one. Values are assumed sorted descending.
func NumericalRank(singularValues []float64, relativeTolerance float64) int {
	if len(singularValues) == 0 {
		return 0
	}
	threshold := relativeTolerance * singularValues[0]
	rank := 0
	for _, s := range singularValues {
		if s > threshold {
			rank++
		}
	}
	return rank
}

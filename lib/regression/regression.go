// Package regression fits an ordinary least squares map from a
// reduced embedding to one or more targets. The composition engines
// produce sign-fixed, deterministic embeddings exactly so that the
// coefficients fitted here are reproducible across runs.
package regression

import (
	"github.com/svdfed/svdfed/lib/basis"
	"gonum.org/v1/gonum/mat"
)

// A RegressionHead holds OLS coefficients fitted in the embedding
// space. Both sides are centered during Fit and the means are folded
// back in at prediction time.
type RegressionHead struct {
	weights *mat.Dense
	meanX   []float64
	meanY   []float64
}

func NewRegressionHead() *RegressionHead {
	return &RegressionHead{}
}

// Fit solves the least squares problem weights = argmin |X w - Y|
// on centered inputs via QR. X is n x k, Y is n x t; multi-target
// works columnwise.
func (h *RegressionHead) Fit(X, Y *mat.Dense) error {
	n, k := X.Dims()
	yRows, t := Y.Dims()
	if yRows != n {
		return basis.DimensionError{Expected: n, Got: yRows}
	}
	if n < k {
		return basis.ValidationError{Reason: "fewer rows than embedding dimensions"}
	}

	meanX := columnMeans(X)
	meanY := columnMeans(Y)
	centeredX := centerColumns(X, meanX)
	centeredY := centerColumns(Y, meanY)

	var qr mat.QR
	qr.Factorize(centeredX)
	weights := mat.NewDense(k, t, nil)
	if err := qr.SolveTo(weights, false, centeredY); err != nil {
		return err
	}

	h.weights = weights
	h.meanX = meanX
	h.meanY = meanY
	return nil
}

// Predict applies the fitted coefficients to an n x k embedding and
// returns n x t predictions.
func (h *RegressionHead) Predict(X *mat.Dense) (*mat.Dense, error) {
	if h.weights == nil {
		return nil, basis.NotFittedError{Op: "Predict"}
	}
	n, k := X.Dims()
	if k != len(h.meanX) {
		return nil, basis.DimensionError{Expected: len(h.meanX), Got: k}
	}
	var predicted mat.Dense
	predicted.Mul(centerColumns(X, h.meanX), h.weights)
	t := len(h.meanY)
	for i := 0; i < n; i++ {
		for j := 0; j < t; j++ {
			predicted.Set(i, j, predicted.At(i, j)+h.meanY[j])
		}
	}
	return &predicted, nil
}

// Score returns the coefficient of determination R^2 of the
// prediction against Y, pooled over all targets.
func (h *RegressionHead) Score(X, Y *mat.Dense) (float64, error) {
	predicted, err := h.Predict(X)
	if err != nil {
		return 0, err
	}
	n, t := Y.Dims()
	pRows, pCols := predicted.Dims()
	if pRows != n || pCols != t {
		return 0, basis.DimensionError{Expected: n * t, Got: pRows * pCols}
	}

	meanY := columnMeans(Y)
	ssRes := 0.0
	ssTot := 0.0
	for i := 0; i < n; i++ {
		for j := 0; j < t; j++ {
			res := Y.At(i, j) - predicted.At(i, j)
			tot := Y.At(i, j) - meanY[j]
			ssRes += res * res
			ssTot += tot * tot
		}
	}
	if ssTot == 0 {
		return 0, basis.ValidationError{Reason: "targets are constant, R^2 is undefined"}
	}
	return 1 - ssRes/ssTot, nil
}

// Weights returns the fitted k x t coefficient matrix, or nil before
// Fit.
func (h *RegressionHead) Weights() *mat.Dense {
	return h.weights
}

func columnMeans(m *mat.Dense) []float64 {
	rows, cols := m.Dims()
	means := make([]float64, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			means[j] += m.At(i, j)
		}
	}
	for j := range means {
		means[j] /= float64(rows)
	}
	return means
}

func centerColumns(m *mat.Dense, means []float64) *mat.Dense {
	rows, cols := m.Dims()
	centered := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			centered.Set(i, j, m.At(i, j)-means[j])
		}
	}
	return centered
}

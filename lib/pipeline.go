// Package lib wires the composition engines, the embedding transform
// and the regression head into a single estimator, and provides the
// accumulator that turns streamed observations into partitions.
package lib

import (
	"fmt"

	"github.com/svdfed/svdfed/lib/basis"
	"github.com/svdfed/svdfed/lib/distributed"
	"github.com/svdfed/svdfed/lib/federated"
	"github.com/svdfed/svdfed/lib/regression"
	"github.com/svdfed/svdfed/lib/settings"
	"gonum.org/v1/gonum/mat"
)

// A CompositionEngine merges per-partition decompositions into one
// global basis and projects data against it. Both the distributed and
// the federated engine satisfy this.
type CompositionEngine interface {
	Fit(partitions []*mat.Dense) (*basis.GlobalBasis, error)

	FitTransform(partitions []*mat.Dense) (*mat.Dense, error)

	Transform(X *mat.Dense) (*mat.Dense, error)

	InverseTransform(embedded *mat.Dense) (*mat.Dense, error)

	ExplainedVarianceRatio() ([]float64, error)

	// Basis returns the fitted basis, or nil before Fit.
	Basis() *basis.GlobalBasis
}

// NewCompositionEngine picks an engine according to the configured
// mode.
func NewCompositionEngine(config settings.SvdFedSettings) (CompositionEngine, error) {
	config = config.ComputeSettingsFields()
	switch config.Mode {
	case settings.MODE_DISTRIBUTED:
		return distributed.NewDistributedSVD(config), nil
	case settings.MODE_FEDERATED:
		return federated.NewFederatedSVD(config), nil
	default:
		return nil, fmt.Errorf("unsupported mode %s", config.Mode)
	}
}

// EmbeddingRegression is the composite estimator: a composition
// engine reduces the partitioned inputs to a shared embedding, and an
// OLS head predicts a target from that embedding.
type EmbeddingRegression struct {
	engine CompositionEngine
	head   *regression.RegressionHead
}

func NewEmbeddingRegression(config settings.SvdFedSettings) (*EmbeddingRegression, error) {
	engine, err := NewCompositionEngine(config)
	if err != nil {
		return nil, err
	}
	return &EmbeddingRegression{
		engine: engine,
		head:   regression.NewRegressionHead(),
	}, nil
}

// Fit composes the global basis from the partitions, embeds all rows,
// and fits the regression head against y. The rows of y line up with
// the partition rows in partition order.
func (e *EmbeddingRegression) Fit(partitions []*mat.Dense, y *mat.Dense) error {
	embedded, err := e.engine.FitTransform(partitions)
	if err != nil {
		return err
	}
	return e.head.Fit(embedded, y)
}

// Predict embeds X and applies the regression coefficients.
func (e *EmbeddingRegression) Predict(X *mat.Dense) (*mat.Dense, error) {
	embedded, err := e.engine.Transform(X)
	if err != nil {
		return nil, err
	}
	return e.head.Predict(embedded)
}

// Score returns the R^2 of the prediction on X against y.
func (e *EmbeddingRegression) Score(X, y *mat.Dense) (float64, error) {
	embedded, err := e.engine.Transform(X)
	if err != nil {
		return 0, err
	}
	return e.head.Score(embedded, y)
}

// Transform exposes the underlying embedding.
func (e *EmbeddingRegression) Transform(X *mat.Dense) (*mat.Dense, error) {
	return e.engine.Transform(X)
}

// Engine returns the composition engine, for callers that need
// mode-specific reporting such as the federated privacy budget.
func (e *EmbeddingRegression) Engine() CompositionEngine {
	return e.engine
}

// Package distributed composes per-partition singular value
// decompositions into one global low-rank basis. Every partition is
// factorized where it lives; only the small local factors (at most
// components x features values each) travel to the composition step,
// never the raw rows beyond what each partition already holds.
package distributed

import (
	"log"
	"sync"

	"github.com/svdfed/svdfed/lib/basis"
	"github.com/svdfed/svdfed/lib/factor"
	"github.com/svdfed/svdfed/lib/settings"
	"gonum.org/v1/gonum/mat"
)

// DistributedSVD computes a global truncated SVD over an ordered list
// of partitions. Fit replaces the basis wholesale; the engine holds no
// other state between calls.
type DistributedSVD struct {
	config settings.SvdFedSettings

	globalBasis *basis.GlobalBasis
}

func NewDistributedSVD(config settings.SvdFedSettings) *DistributedSVD {
	return &DistributedSVD{config: config.ComputeSettingsFields()}
}

// Fit runs a local factorization per partition, stacks the local
// right singular directions weighted by their singular values, and
// factorizes the stack to obtain the global basis.
//
// If the requested component count exceeds the numerical rank of the
// stack, the basis silently retains fewer directions; callers can
// detect this through Basis().Components().
func (e *DistributedSVD) Fit(partitions []*mat.Dense) (*basis.GlobalBasis, error) {
	if len(partitions) == 0 {
		return nil, basis.ValidationError{Reason: "no partitions"}
	}
	if e.config.Components < 0 {
		return nil, basis.ValidationError{Reason: "component count must not be negative"}
	}

	_, features := partitions[0].Dims()
	totalRows := 0
	for _, p := range partitions {
		rows, cols := p.Dims()
		if cols != features {
			return nil, basis.DimensionError{Expected: features, Got: cols}
		}
		if rows < 1 {
			return nil, basis.ValidationError{Reason: "partition has no rows"}
		}
		totalRows += rows
	}

	mean := globalMean(partitions, features, totalRows)
	centered := centerPartitions(partitions, mean)

	// Local factorizations are independent of each other, so they run
	// concurrently. The composition step below is a barrier: it waits
	// for every factor and reduces them in index order, which keeps
	// the result independent of goroutine scheduling.
	factors := make([]*factor.LocalFactor, len(centered))
	errs := make([]error, len(centered))
	var wg sync.WaitGroup
	for i := range centered {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			factors[i], errs[i] = factor.Factorize(centered[i], features, e.config.Components)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	stackRows := 0
	totalSquaredSpectrum := 0.0
	for _, f := range factors {
		stackRows += f.Retained
		totalSquaredSpectrum += f.SquaredSpectrum()
	}

	stack := mat.NewDense(stackRows, features, nil)
	offset := 0
	for _, f := range factors {
		weighted := f.WeightedDirections()
		for i := 0; i < f.Retained; i++ {
			for j := 0; j < features; j++ {
				stack.Set(offset+i, j, weighted.At(i, j))
			}
		}
		offset += f.Retained
	}

	global, err := factor.Factorize(stack, features, 0)
	if err != nil {
		return nil, err
	}

	rank := basis.NumericalRank(global.SingularValues, e.config.RankTolerance)
	k := rank
	if e.config.Components > 0 && e.config.Components < k {
		k = e.config.Components
	}
	if e.config.Components > rank {
		log.Printf("requested %d components but the stack has numerical rank %d, retaining %d\n",
			e.config.Components, rank, k)
	}
	if k == 0 {
		return nil, basis.ValidationError{Reason: "centered partitions have rank zero"}
	}

	directions := mat.DenseCopyOf(global.Directions.Slice(0, k, 0, features))
	basis.FixSigns(directions)

	singularValues := make([]float64, k)
	copy(singularValues, global.SingularValues)

	e.globalBasis = &basis.GlobalBasis{
		Directions:           directions,
		SingularValues:       singularValues,
		Mean:                 mean,
		TotalSquaredSpectrum: totalSquaredSpectrum,
		RequestedComponents:  e.config.Components,
		SampleCount:          totalRows,
	}
	return e.globalBasis, nil
}

// FitTransform fits on the partitions and returns the embedding of all
// partition rows, concatenated in partition order.
func (e *DistributedSVD) FitTransform(partitions []*mat.Dense) (*mat.Dense, error) {
	if _, err := e.Fit(partitions); err != nil {
		return nil, err
	}
	return e.Transform(stackPartitions(partitions))
}

// Transform projects X into the fitted basis.
func (e *DistributedSVD) Transform(X *mat.Dense) (*mat.Dense, error) {
	if e.globalBasis == nil {
		return nil, basis.NotFittedError{Op: "Transform"}
	}
	return e.globalBasis.Transform(X)
}

// InverseTransform reconstructs feature-space rows from an embedding.
// The reconstruction is lossy unless the basis captured the full rank
// of the training data.
func (e *DistributedSVD) InverseTransform(embedded *mat.Dense) (*mat.Dense, error) {
	if e.globalBasis == nil {
		return nil, basis.NotFittedError{Op: "InverseTransform"}
	}
	return e.globalBasis.InverseTransform(embedded)
}

// ExplainedVarianceRatio reports the fraction of total spectral energy
// captured per retained direction. The denominator covers the full
// spectrum of every local factorization, not just the retained top k.
func (e *DistributedSVD) ExplainedVarianceRatio() ([]float64, error) {
	if e.globalBasis == nil {
		return nil, basis.NotFittedError{Op: "ExplainedVarianceRatio"}
	}
	return e.globalBasis.ExplainedVarianceRatio(), nil
}

// Basis returns the fitted basis, or nil before Fit.
func (e *DistributedSVD) Basis() *basis.GlobalBasis {
	return e.globalBasis
}

func globalMean(partitions []*mat.Dense, features int, totalRows int) []float64 {
	mean := make([]float64, features)
	for _, p := range partitions {
		rows, _ := p.Dims()
		for i := 0; i < rows; i++ {
			for j := 0; j < features; j++ {
				mean[j] += p.At(i, j)
			}
		}
	}
	for j := range mean {
		mean[j] /= float64(totalRows)
	}
	return mean
}

func centerPartitions(partitions []*mat.Dense, mean []float64) []*mat.Dense {
	centered := make([]*mat.Dense, len(partitions))
	for i, p := range partitions {
		rows, cols := p.Dims()
		c := mat.NewDense(rows, cols, nil)
		for r := 0; r < rows; r++ {
			for j := 0; j < cols; j++ {
				c.Set(r, j, p.At(r, j)-mean[j])
			}
		}
		centered[i] = c
	}
	return centered
}

func stackPartitions(partitions []*mat.Dense) *mat.Dense {
	totalRows := 0
	_, cols := partitions[0].Dims()
	for _, p := range partitions {
		rows, _ := p.Dims()
		totalRows += rows
	}
	stacked := mat.NewDense(totalRows, cols, nil)
	offset := 0
	for _, p := range partitions {
		rows, _ := p.Dims()
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				stacked.Set(offset+i, j, p.At(i, j))
			}
		}
		offset += rows
	}
	return stacked
}

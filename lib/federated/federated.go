// Package federated composes a global low-rank basis from nodes that
// never reveal their rows. Each node is reduced to aggregate
// statistics (row count, feature sums, second moment); from then on
// the fit only exchanges basis candidates and d x k projections.
//
// The result is an approximation, not an exact global SVD: the
// refinement loop is power iteration against the aggregated scatter
// matrix with a principal-angle stopping rule, and no convergence
// guarantee stronger than monotonic non-degradation on well
// conditioned inputs is claimed. Callers who care should inspect
// IterationDeltas.
package federated

import (
	"log"
	"math"
	"sync"

	"github.com/svdfed/svdfed/lib/basis"
	"github.com/svdfed/svdfed/lib/settings"
	"gonum.org/v1/gonum/mat"
)

// FederatedSVD computes a global basis from per-node statistics. Fit
// replaces the basis and iteration history wholesale on each call.
type FederatedSVD struct {
	config settings.SvdFedSettings

	globalBasis     *basis.GlobalBasis
	iterationDeltas []float64
	converged       bool
	nodeCount       int
	roundsRun       int
}

// A PrivacyBudget describes what left the nodes during a fit. It is a
// bookkeeping record, not a differential privacy accountant and not a
// cryptographic guarantee of any kind.
type PrivacyBudget struct {
	Method                string `json:"method"`
	DataShared            string `json:"dataShared"`
	RawRowsShared         bool   `json:"rawRowsShared"`
	Nodes                 int    `json:"nodes"`
	RefinementRounds      int    `json:"refinementRounds"`
	FloatsPerNodePerRound int    `json:"floatsPerNodePerRound"`
}

func NewFederatedSVD(config settings.SvdFedSettings) *FederatedSVD {
	return &FederatedSVD{config: config.ComputeSettingsFields()}
}

// Fit runs the two-phase federated composition.
//
// Phase one reduces every node to its aggregate statistics and
// combines them: row-count-weighted averaging for the mean, summation
// for the second moments, with the centering correction applied once
// on the combined totals. Phase two starts from an eigendecomposition
// of the combined scatter and refines the candidate basis for at most
// the configured number of rounds, stopping early when the largest
// principal angle between successive candidates falls below the
// convergence tolerance.
func (e *FederatedSVD) Fit(nodes []*mat.Dense) (*basis.GlobalBasis, error) {
	if len(nodes) == 0 {
		return nil, basis.ValidationError{Reason: "no nodes"}
	}
	if e.config.Components < 0 {
		return nil, basis.ValidationError{Reason: "component count must not be negative"}
	}

	_, features := nodes[0].Dims()

	// Phase one: per-node statistics, concurrently, with a barrier
	// before aggregation. The reduction below is a plain sum over the
	// node index, so the result does not depend on which goroutine
	// finished first.
	stats := make([]*NodeStatistics, len(nodes))
	errs := make([]error, len(nodes))
	var wg sync.WaitGroup
	for i := range nodes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stats[i], errs[i] = NewRawNode(nodes[i]).Statistics(features)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	totalRows := 0
	mean := make([]float64, features)
	for _, s := range stats {
		totalRows += s.Rows()
		for j, v := range s.Sum() {
			mean[j] += v
		}
	}
	for j := range mean {
		mean[j] /= float64(totalRows)
	}

	// From here on only committed nodes participate. The raw blocks
	// are unreachable through them.
	committed := make([]*CommittedNode, len(stats))
	for i, s := range stats {
		committed[i] = s.Commit(mean)
	}

	scatter := mat.NewDense(features, features, nil)
	for _, node := range committed {
		node.AddScatterTo(scatter)
	}

	eigenvalues, eigenvectors, err := symmetricEigen(scatter)
	if err != nil {
		return nil, err
	}

	singularValues := make([]float64, features)
	for i, ev := range eigenvalues {
		singularValues[i] = math.Sqrt(math.Max(ev, 0))
	}
	rank := basis.NumericalRank(singularValues, e.config.RankTolerance)
	k := rank
	if e.config.Components > 0 && e.config.Components < k {
		k = e.config.Components
	}
	if e.config.Components > rank {
		log.Printf("requested %d components but the aggregate scatter has numerical rank %d, retaining %d\n",
			e.config.Components, rank, k)
	}
	if k == 0 {
		return nil, basis.ValidationError{Reason: "aggregate scatter has rank zero"}
	}

	// Initial candidate: top k eigenvector columns, d x k.
	candidate := mat.DenseCopyOf(eigenvectors.Slice(0, features, 0, k))

	// Phase two: bounded power iteration. Each round every node
	// projects its scatter contribution onto the candidate, the
	// projections are summed, and a fresh orthonormal candidate is
	// extracted from the sum.
	e.iterationDeltas = make([]float64, 0, e.config.Iterations)
	e.converged = false
	projectedValues := eigenvalues[:k]
	for round := 0; round < e.config.Iterations; round++ {
		projections := make([]*mat.Dense, len(committed))
		for i := range committed {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				projections[i] = committed[i].Project(candidate)
			}(i)
		}
		wg.Wait()

		summed := mat.NewDense(features, k, nil)
		for _, p := range projections {
			summed.Add(summed, p)
		}

		next, values, err := orthonormalize(summed)
		if err != nil {
			return nil, err
		}
		delta := maxPrincipalAngle(candidate, next)
		e.iterationDeltas = append(e.iterationDeltas, delta)
		candidate = next
		projectedValues = values
		e.roundsRun = round + 1
		if delta < e.config.ConvergenceTolerance {
			e.converged = true
			break
		}
	}
	if !e.converged {
		log.Printf("refinement stopped at the %d iteration cap with delta %g\n",
			e.config.Iterations, lastDelta(e.iterationDeltas))
	}

	// At convergence the projection singular values approximate the
	// scatter eigenvalues, so the basis singular values are their
	// square roots.
	retained := make([]float64, k)
	for i, v := range projectedValues {
		retained[i] = math.Sqrt(math.Max(v, 0))
	}

	directions := mat.NewDense(k, features, nil)
	for i := 0; i < k; i++ {
		for j := 0; j < features; j++ {
			directions.Set(i, j, candidate.At(j, i))
		}
	}
	basis.FixSigns(directions)

	totalEnergy := 0.0
	for _, node := range committed {
		totalEnergy += node.ScatterTrace()
	}

	e.nodeCount = len(nodes)
	e.globalBasis = &basis.GlobalBasis{
		Directions:           directions,
		SingularValues:       retained,
		Mean:                 mean,
		TotalSquaredSpectrum: totalEnergy,
		RequestedComponents:  e.config.Components,
		SampleCount:          totalRows,
	}
	return e.globalBasis, nil
}

// FitTransform fits on the nodes and returns the embedding of all node
// rows, concatenated in node order. The concatenation happens at the
// caller's side of the privacy boundary; it is a convenience for the
// case where the caller owns all the data anyway.
func (e *FederatedSVD) FitTransform(nodes []*mat.Dense) (*mat.Dense, error) {
	if _, err := e.Fit(nodes); err != nil {
		return nil, err
	}
	totalRows := 0
	_, cols := nodes[0].Dims()
	for _, node := range nodes {
		rows, _ := node.Dims()
		totalRows += rows
	}
	stacked := mat.NewDense(totalRows, cols, nil)
	offset := 0
	for _, node := range nodes {
		rows, _ := node.Dims()
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				stacked.Set(offset+i, j, node.At(i, j))
			}
		}
		offset += rows
	}
	return e.Transform(stacked)
}

// Transform projects X into the fitted basis.
func (e *FederatedSVD) Transform(X *mat.Dense) (*mat.Dense, error) {
	if e.globalBasis == nil {
		return nil, basis.NotFittedError{Op: "Transform"}
	}
	return e.globalBasis.Transform(X)
}

// InverseTransform reconstructs feature-space rows from an embedding.
func (e *FederatedSVD) InverseTransform(embedded *mat.Dense) (*mat.Dense, error) {
	if e.globalBasis == nil {
		return nil, basis.NotFittedError{Op: "InverseTransform"}
	}
	return e.globalBasis.InverseTransform(embedded)
}

// ExplainedVarianceRatio reports per-direction spectral energy against
// the trace of the aggregate scatter, since a row-level spectrum is
// never centrally available in this mode.
func (e *FederatedSVD) ExplainedVarianceRatio() ([]float64, error) {
	if e.globalBasis == nil {
		return nil, basis.NotFittedError{Op: "ExplainedVarianceRatio"}
	}
	return e.globalBasis.ExplainedVarianceRatio(), nil
}

// IterationDeltas returns the per-round largest principal angle
// between successive candidate bases, in radians. Callers wanting
// their own stopping policy can wrap Fit and inspect these.
func (e *FederatedSVD) IterationDeltas() []float64 {
	out := make([]float64, len(e.iterationDeltas))
	copy(out, e.iterationDeltas)
	return out
}

// Converged reports whether refinement stopped on the tolerance rather
// than the iteration cap. Hitting the cap is not an error; the basis
// is the best candidate seen.
func (e *FederatedSVD) Converged() bool {
	return e.converged
}

// PrivacyBudget describes what was exchanged during the last fit.
func (e *FederatedSVD) PrivacyBudget() (*PrivacyBudget, error) {
	if e.globalBasis == nil {
		return nil, basis.NotFittedError{Op: "PrivacyBudget"}
	}
	return &PrivacyBudget{
		Method:                "federated statistics exchange",
		DataShared:            "row counts, feature sums, second moments, basis projections",
		RawRowsShared:         false,
		Nodes:                 e.nodeCount,
		RefinementRounds:      e.roundsRun,
		FloatsPerNodePerRound: e.globalBasis.Components() * e.globalBasis.Features(),
	}, nil
}

// Basis returns the fitted basis, or nil before Fit.
func (e *FederatedSVD) Basis() *basis.GlobalBasis {
	return e.globalBasis
}

// symmetricEigen returns eigenvalues (descending) and the matching
// eigenvector columns of a nominally symmetric matrix. The input is
// symmetrized first; the scatter sum is symmetric up to floating
// point noise.
func symmetricEigen(m *mat.Dense) ([]float64, *mat.Dense, error) {
	d, _ := m.Dims()
	symData := make([]float64, d*d)
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			symData[i*d+j] = (m.At(i, j) + m.At(j, i)) / 2
		}
	}
	sym := mat.NewSymDense(d, symData)

	var eig mat.EigenSym
	if ok := eig.Factorize(sym, true); !ok {
		return nil, nil, basis.ValidationError{Reason: "eigendecomposition of the aggregate scatter failed"}
	}
	ascending := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	// EigenSym returns eigenvalues in ascending order; flip both.
	values := make([]float64, d)
	flipped := mat.NewDense(d, d, nil)
	for i := 0; i < d; i++ {
		values[i] = ascending[d-1-i]
		for j := 0; j < d; j++ {
			flipped.Set(j, i, vectors.At(j, d-1-i))
		}
	}
	return values, flipped, nil
}

// orthonormalize extracts an orthonormal d x k basis from the summed
// projections via a thin SVD, along with the projection's singular
// values.
func orthonormalize(m *mat.Dense) (*mat.Dense, []float64, error) {
	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDThin); !ok {
		return nil, nil, basis.ValidationError{Reason: "svd of the summed projections failed"}
	}
	var u mat.Dense
	svd.UTo(&u)
	return &u, svd.Values(nil), nil
}

// maxPrincipalAngle measures how far apart the subspaces spanned by
// two d x k bases are. The cosines of the principal angles are the
// singular values of aT b.
func maxPrincipalAngle(a, b *mat.Dense) float64 {
	var product mat.Dense
	product.Mul(a.T(), b)
	var svd mat.SVD
	if ok := svd.Factorize(&product, mat.SVDThin); !ok {
		return math.Pi / 2
	}
	cosines := svd.Values(nil)
	smallest := 1.0
	for _, c := range cosines {
		c = math.Min(math.Max(c, 0), 1)
		if c < smallest {
			smallest = c
		}
	}
	return math.Acos(smallest)
}

func lastDelta(deltas []float64) float64 {
	if len(deltas) == 0 {
		return math.NaN()
	}
	return deltas[len(deltas)-1]
}

package federated

import (
	"github.com/svdfed/svdfed/lib/basis"
	"gonum.org/v1/gonum/mat"
)

// A RawNode wraps one origin's rows before aggregation. It is the only
// type in this package that can see raw data, and it exists only until
// its statistics have been taken.
type RawNode struct {
	data *mat.Dense
}

func NewRawNode(data *mat.Dense) *RawNode {
	return &RawNode{data: data}
}

func (n *RawNode) Dims() (int, int) {
	return n.data.Dims()
}

// Statistics computes the node's aggregate contribution: row count,
// per-feature sum, and the uncentered second moment X^T X. Centering
// happens once on the combined totals, not per node.
func (n *RawNode) Statistics(features int) (*NodeStatistics, error) {
	rows, cols := n.data.Dims()
	if cols != features {
		return nil, basis.DimensionError{Expected: features, Got: cols}
	}
	if rows < 1 {
		return nil, basis.ValidationError{Reason: "node has no rows"}
	}

	sum := make([]float64, features)
	for i := 0; i < rows; i++ {
		for j := 0; j < features; j++ {
			sum[j] += n.data.At(i, j)
		}
	}

	moment := mat.NewDense(features, features, nil)
	moment.Mul(n.data.T(), n.data)

	return &NodeStatistics{rows: rows, sum: sum, moment: moment}, nil
}

// NodeStatistics is the aggregate a node hands to the composition
// step: a row count, a feature-sum vector and a d x d second moment.
// It deliberately has no accessor that returns rows of the original
// data; once a node is reduced to its statistics, the raw block is
// out of reach for the rest of the fit.
type NodeStatistics struct {
	rows   int
	sum    []float64
	moment *mat.Dense
}

func (s *NodeStatistics) Rows() int {
	return s.rows
}

func (s *NodeStatistics) Sum() []float64 {
	out := make([]float64, len(s.sum))
	copy(out, s.sum)
	return out
}

// Commit turns the statistics into a CommittedNode holding the node's
// centered scatter contribution X^T X - rows * mean mean^T. Summing
// the committed scatters over all nodes yields the global centered
// scatter matrix.
func (s *NodeStatistics) Commit(mean []float64) *CommittedNode {
	d := len(mean)
	scatter := mat.NewDense(d, d, nil)
	n := float64(s.rows)
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			scatter.Set(i, j, s.moment.At(i, j)-n*mean[i]*mean[j])
		}
	}
	return &CommittedNode{rows: s.rows, scatter: scatter}
}

// A CommittedNode is all a node exposes during refinement: it can
// project its own scatter contribution onto a candidate basis, and
// nothing else. Each refinement round exchanges only the d x k
// projection, never rows.
type CommittedNode struct {
	rows    int
	scatter *mat.Dense
}

func (n *CommittedNode) Rows() int {
	return n.rows
}

// Project returns scatter * candidate, the node's contribution to the
// next basis estimate. candidate is d x k, so is the result.
func (n *CommittedNode) Project(candidate *mat.Dense) *mat.Dense {
	var projected mat.Dense
	projected.Mul(n.scatter, candidate)
	return &projected
}

// AddScatterTo accumulates the node's scatter contribution into dst.
// The scatter is itself an aggregate statistic, so sharing it does not
// widen what the node exposes.
func (n *CommittedNode) AddScatterTo(dst *mat.Dense) {
	dst.Add(dst, n.scatter)
}

// ScatterTrace is the node's contribution to the total spectral
// energy.
func (n *CommittedNode) ScatterTrace() float64 {
	d, _ := n.scatter.Dims()
	trace := 0.0
	for i := 0; i < d; i++ {
		trace += n.scatter.At(i, i)
	}
	return trace
}

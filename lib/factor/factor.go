// Package factor computes truncated singular value decompositions of
// single in-memory partitions. This is the leaf step of both
// composition engines; the shapes it produces are the only thing that
// ever needs to leave a partition's origin in distributed mode.
package factor

import (
	"fmt"

	"github.com/svdfed/svdfed/lib/basis"
	"gonum.org/v1/gonum/mat"
)

// A LocalFactor is the truncated SVD of one partition: the top right
// singular directions, the partition's full singular value spectrum,
// and the row count of the originating block. It is immutable once
// produced.
//
// Directions are truncated to the requested component count but the
// spectrum is kept whole: the composition engine needs the energy of
// the discarded tail to account for variance correctly.
type LocalFactor struct {
	// Directions is k x d; row i is the i-th right singular
	// direction of the partition.
	Directions *mat.Dense

	// SingularValues is the full spectrum, descending, length
	// min(rows, features). The first k entries belong to Directions.
	SingularValues []float64

	// Retained is k, the number of direction rows kept.
	Retained int

	// Rows is the row count of the partition this factor came from.
	Rows int
}

// Factorize computes a truncated SVD of one partition, retaining at
// most min(nComponents, rows, features) direction rows. nComponents
// <= 0 means "keep everything the partition's shape allows". The
// partition's column count must match the declared feature dimension
// of the run.
func Factorize(partition *mat.Dense, features int, nComponents int) (*LocalFactor, error) {
	rows, cols := partition.Dims()
	if cols != features {
		return nil, basis.DimensionError{Expected: features, Got: cols}
	}
	if rows < 1 {
		return nil, basis.ValidationError{Reason: "partition has no rows"}
	}

	var svd mat.SVD
	ok := svd.Factorize(partition, mat.SVDThin)
	if !ok {
		return nil, fmt.Errorf("svd factorization failed on a %dx%d partition", rows, cols)
	}

	singularValues := svd.Values(nil)
	var v mat.Dense
	svd.VTo(&v)

	k := min(rows, features)
	if nComponents > 0 && nComponents < k {
		k = nComponents
	}

	// v is features x min(rows, features); its columns are the right
	// singular directions. Store the top k as rows.
	directions := mat.NewDense(k, features, nil)
	for i := 0; i < k; i++ {
		for j := 0; j < features; j++ {
			directions.Set(i, j, v.At(j, i))
		}
	}

	return &LocalFactor{
		Directions:     directions,
		SingularValues: singularValues,
		Retained:       k,
		Rows:           rows,
	}, nil
}

// WeightedDirections returns diag(singular values) * Directions, the
// k x d block this factor contributes to the composition stack.
func (f *LocalFactor) WeightedDirections() *mat.Dense {
	k, d := f.Directions.Dims()
	weighted := mat.NewDense(k, d, nil)
	for i := 0; i < k; i++ {
		for j := 0; j < d; j++ {
			weighted.Set(i, j, f.SingularValues[i]*f.Directions.At(i, j))
		}
	}
	return weighted
}

// SquaredSpectrum is the sum over the full spectrum of squared
// singular values, i.e. the squared Frobenius norm of the partition.
// The composition engine sums this across partitions so that the
// explained variance ratio accounts for energy that truncation
// discarded.
func (f *LocalFactor) SquaredSpectrum() float64 {
	total := 0.0
	for _, s := range f.SingularValues {
		total += s * s
	}
	return total
}

package reporter

import (
	"time"

	"github.com/svdfed/svdfed/lib/datatypes"
	"gonum.org/v1/gonum/mat"
)

// A Reporter persists fit results. The receiver calls
// InitializeStride once per stride, then records a basis snapshot and
// optionally the embedding rows, then flushes.
type Reporter interface {
	InitializeStride(strideCounter int, strideStart time.Time, strideEnd time.Time)

	RecordBasis(strideCounter int, snapshot datatypes.BasisSnapshot) error

	// RecordEmbedding writes the embedding rows of one partition.
	// seriesNames[r] names row r of the embedding.
	RecordEmbedding(strideCounter int, origin string, seriesNames []string, embedding *mat.Dense) error

	Flush(strideCounter int) error
}

// Package settings contains all the parameters for the svdfed algorithms.
package settings

const (
	MODE_DISTRIBUTED = "distributed"
	MODE_FEDERATED   = "federated"
	MODE_NONE        = "none" // for tests
)

type SvdFedSettings struct {
	// The number of basis directions to retain.
	// Zero means "use full rank".
	Components int

	// Cap on the number of refinement rounds in federated mode.
	Iterations int

	// Refinement stops early when the largest principal angle between
	// successive candidate bases falls below this (radians).
	ConvergenceTolerance float64

	// Singular values below RankTolerance * largest singular value
	// count as zero when determining the achieved rank.
	RankTolerance float64

	// How many samples the receiver collects per series before it
	// publishes a partition. This is the feature dimension of the
	// partitions handed to the composition engines.
	PartitionColumns int

	// How often we expect new samples, in seconds.
	SampleInterval int

	// Where the reporters write their output files.
	ResultsDirectory string

	// Number of rows per row group in Parquet.
	// Bigger numbers mean more memory usage but better compression.
	MaxRowsPerRowGroup int64

	Mode string
}

func (s SvdFedSettings) ComputeSettingsFields() SvdFedSettings {
	if s.Mode == "" {
		s.Mode = MODE_NONE
	}
	if s.Iterations == 0 {
		s.Iterations = 10
	}
	if s.ConvergenceTolerance == 0 {
		s.ConvergenceTolerance = 1e-6
	}
	if s.RankTolerance == 0 {
		s.RankTolerance = 1e-10
	}
	if s.PartitionColumns == 0 {
		s.PartitionColumns = 100
	}
	if s.SampleInterval == 0 {
		s.SampleInterval = 20
	}
	if s.MaxRowsPerRowGroup == 0 {
		s.MaxRowsPerRowGroup = 100000
	}
	return s
}

package explorer

import (
	"fmt"
	"time"

	"github.com/svdfed/svdfed/lib/reporter"
)

const (
	StrideExists  = "exists"
	StrideRead    = "read"
	StrideError   = "error"
	StrideDeleted = "deleted"
)

// A Stride is one fitted window's worth of persisted results: the
// basis direction rows and the per-origin embedding rows read back
// from the reporter's parquet output.
type Stride struct {
	ID              int    `json:"id"`
	StartTime       int64  `json:"startTime"`
	EndTime         int64  `json:"endTime"`
	StartTimeString string `json:"startTimeString"`
	EndTimeString   string `json:"endTimeString"`
	Status          string `json:"status"`
	Filename        string `json:"filename"`

	basis      []reporter.EmbeddingRow
	embeddings map[string][]reporter.EmbeddingRow
}

// parseStrideFromFilename recovers stride metadata from the
// reporter's file naming scheme, embeddings_<counter>_<start>-<end>.pq
// with compact UTC timestamps.
func parseStrideFromFilename(filename string) (*Stride, error) {
	var strideCounter int
	var startTime int64
	var endTime int64
	n, err := fmt.Sscanf(filename, "embeddings_%d_%d-%d.pq", &strideCounter, &startTime, &endTime)
	if n != 3 || err != nil {
		return nil, fmt.Errorf("failed to parse stride information out of filename %s", filename)
	}
	startT, err := time.Parse("20060102150405", fmt.Sprintf("%d", startTime))
	if err != nil {
		return nil, err
	}
	endT, err := time.Parse("20060102150405", fmt.Sprintf("%d", endTime))
	if err != nil {
		return nil, err
	}
	return &Stride{
		ID:              strideCounter,
		StartTime:       startT.UTC().Unix(),
		StartTimeString: startT.UTC().Format("2006-01-02T15:04:05.000Z"),
		EndTime:         endT.UTC().Unix(),
		EndTimeString:   endT.UTC().Format("2006-01-02T15:04:05.000Z"),
		Status:          StrideExists,
		Filename:        filename,
		embeddings:      make(map[string][]reporter.EmbeddingRow),
	}, nil
}

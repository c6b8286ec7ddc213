package reporter

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/svdfed/svdfed/lib/datatypes"
	"gonum.org/v1/gonum/mat"
)

// EmbeddingRow is one series in the reduced space, or one basis
// direction when Component >= 0.
type EmbeddingRow struct {
	Origin string `parquet:"origin,optional,zstd"`
	Series string `parquet:"series,optional,zstd"`

	// Component is the basis direction index for basis rows, -1 for
	// embedding rows.
	Component int `parquet:"component"`

	SingularValue          float64 `parquet:"singularValue,optional"`
	ExplainedVarianceRatio float64 `parquet:"explainedVarianceRatio,optional"`

	Coordinates []float64 `parquet:"coordinates"`
}

type ParquetReporter struct {
	filenameBase     string
	strideStartTimes map[int]string
	strideEndTimes   map[int]string
	// I tried a SortingWriter but it used too much memory.
	strideWriters      map[int](*parquet.GenericWriter[EmbeddingRow])
	maxRowsPerRowGroup int64
}

func NewParquetReporter(filenameBase string, maxRows int64) *ParquetReporter {
	return &ParquetReporter{
		filenameBase:       filenameBase,
		strideStartTimes:   make(map[int]string),
		strideEndTimes:     make(map[int]string),
		strideWriters:      make(map[int]*parquet.GenericWriter[EmbeddingRow]),
		maxRowsPerRowGroup: maxRows,
	}
}

func (r *ParquetReporter) InitializeStride(strideCounter int,
	strideStart time.Time, strideEnd time.Time) {

	writer, exists := r.strideWriters[strideCounter]
	if exists && writer != nil {
		return
	}

	r.strideStartTimes[strideCounter] = strideStart.UTC().Format("20060102150405")
	r.strideEndTimes[strideCounter] = strideEnd.UTC().Format("20060102150405")

	startTime := r.strideStartTimes[strideCounter]
	endTime := r.strideEndTimes[strideCounter]
	filename := fmt.Sprintf("embeddings_%d_%s-%s.pq", strideCounter, startTime, endTime)
	path := filepath.Join(r.filenameBase, filename)

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0640)
	if err != nil {
		log.Printf("failed to open embeddings parquet file: %e\n", err)
		return
	}

	r.strideWriters[strideCounter] = parquet.NewGenericWriter[EmbeddingRow](file,
		parquet.MaxRowsPerRowGroup(r.maxRowsPerRowGroup))
}

func (r *ParquetReporter) RecordBasis(strideCounter int, snapshot datatypes.BasisSnapshot) error {
	writer, exists := r.strideWriters[strideCounter]
	if !exists || writer == nil {
		return fmt.Errorf("missing writer for stride %d", strideCounter)
	}

	rows := make([]EmbeddingRow, snapshot.Components)
	for i := 0; i < snapshot.Components; i++ {
		rows[i] = EmbeddingRow{
			Component:              i,
			SingularValue:          snapshot.SingularValues[i],
			ExplainedVarianceRatio: snapshot.ExplainedVarianceRatio[i],
			Coordinates:            snapshot.Directions[i],
		}
	}
	n, err := writer.Write(rows)
	log.Printf("wrote %d basis directions for stride %d\n", n, strideCounter)
	return err
}

func (r *ParquetReporter) RecordEmbedding(strideCounter int, origin string, seriesNames []string,
	embedding *mat.Dense) error {
	writer, exists := r.strideWriters[strideCounter]
	if !exists || writer == nil {
		return fmt.Errorf("missing writer for stride %d", strideCounter)
	}

	rowCount, cols := embedding.Dims()
	rows := make([]EmbeddingRow, rowCount)
	for i := 0; i < rowCount; i++ {
		name := ""
		if i < len(seriesNames) {
			name = seriesNames[i]
		}
		coordinates := make([]float64, cols)
		for j := 0; j < cols; j++ {
			coordinates[j] = embedding.At(i, j)
		}
		rows[i] = EmbeddingRow{
			Origin:      origin,
			Series:      name,
			Component:   -1,
			Coordinates: coordinates,
		}
	}
	_, err := writer.Write(rows)
	return err
}

func (r *ParquetReporter) Flush(strideCounter int) error {
	if strideCounter < 0 {
		for counter := range r.strideWriters {
			if err := r.Flush(counter); err != nil {
				return err
			}
		}
		return nil
	}
	writer, exists := r.strideWriters[strideCounter]
	if !exists || writer == nil {
		return nil
	}
	delete(r.strideWriters, strideCounter)
	defer writer.Close()
	return writer.Flush()
}

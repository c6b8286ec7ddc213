package reporter

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/svdfed/svdfed/lib/datatypes"
	"gonum.org/v1/gonum/mat"
)

type CsvReporter struct {
	filenameBase     string
	strideStartTimes map[int]string
	strideEndTimes   map[int]string
}

func NewCsvReporter(filenameBase string) *CsvReporter {
	return &CsvReporter{
		filenameBase:     filenameBase,
		strideStartTimes: make(map[int]string),
		strideEndTimes:   make(map[int]string),
	}
}

func (c *CsvReporter) InitializeStride(strideCounter int, strideStart time.Time, strideEnd time.Time) {
	c.strideStartTimes[strideCounter] = strideStart.UTC().Format("20060102150405")
	c.strideEndTimes[strideCounter] = strideEnd.UTC().Format("20060102150405")
	log.Printf("initializing with strideCounter %d, start time %s (%s), end time %s (%s)\n",
		strideCounter, c.strideStartTimes[strideCounter], strideStart.UTC().String(),
		c.strideEndTimes[strideCounter], strideEnd.UTC().String())
}

func (c *CsvReporter) strideFile(prefix string, strideCounter int) (string, error) {
	startTime, ok := c.strideStartTimes[strideCounter]
	if !ok {
		return "", fmt.Errorf("missing stride start time for %d", strideCounter)
	}
	endTime, ok := c.strideEndTimes[strideCounter]
	if !ok {
		return "", fmt.Errorf("missing stride end time for %d", strideCounter)
	}
	filename := fmt.Sprintf("%s_%d_%s-%s.csv", prefix, strideCounter, startTime, endTime)
	return filepath.Join(c.filenameBase, filename), nil
}

// RecordBasis writes one row per retained direction: component index,
// singular value, explained variance ratio, then the direction
// entries.
func (c *CsvReporter) RecordBasis(strideCounter int, snapshot datatypes.BasisSnapshot) error {
	path, err := c.strideFile("basis", strideCounter)
	if err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0640)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	for i := 0; i < snapshot.Components; i++ {
		record := []string{
			fmt.Sprintf("%d", i),
			fmt.Sprintf("%f", snapshot.SingularValues[i]),
			fmt.Sprintf("%f", snapshot.ExplainedVarianceRatio[i]),
		}
		for _, v := range snapshot.Directions[i] {
			record = append(record, fmt.Sprintf("%f", v))
		}
		if err = writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func (c *CsvReporter) RecordEmbedding(strideCounter int, origin string, seriesNames []string,
	embedding *mat.Dense) error {
	path, err := c.strideFile("embedding", strideCounter)
	if err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0640)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	rows, cols := embedding.Dims()
	ctr := 0
	for i := 0; i < rows; i++ {
		name := ""
		if i < len(seriesNames) {
			name = seriesNames[i]
		}
		record := []string{origin, name}
		for j := 0; j < cols; j++ {
			record = append(record, fmt.Sprintf("%f", embedding.At(i, j)))
		}
		if err = writer.Write(record); err != nil {
			return err
		}
		ctr++
		if ctr%1000 == 0 {
			writer.Flush()
		}
	}
	writer.Flush()
	return writer.Error()
}

func (c *CsvReporter) Flush(_ int) error {
	// This reporter does no internal buffering, so Flush is a noop.
	return nil
}

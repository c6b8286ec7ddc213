package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	svdfed "github.com/svdfed/svdfed/lib"
	"github.com/svdfed/svdfed/lib/datatypes"
	"github.com/svdfed/svdfed/lib/federated"
	"github.com/svdfed/svdfed/lib/reporter"
	"github.com/svdfed/svdfed/lib/settings"
	"gonum.org/v1/gonum/mat"
)

func readMatrix(filename string) (*mat.Dense, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	lineCount := 0
	columnCount := 0
	data := make([]float64, 0)
	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadString('\n')
		line = strings.TrimSuffix(line, "\n")
		if len(line) > 0 {
			lineCount++
			parts := strings.Fields(line)
			if columnCount == 0 {
				columnCount = len(parts)
			} else if columnCount != len(parts) {
				return nil, fmt.Errorf("inconsistent number of values in line %d: expected %d but got %d",
					lineCount, columnCount, len(parts))
			}
			for _, p := range parts {
				value, err := strconv.ParseFloat(p, 64)
				if err != nil {
					return nil, fmt.Errorf("on line %d of %s, failed to parse %s into a float: %v",
						lineCount, filename, p, err)
				}
				data = append(data, value)
			}
		}
		if err != nil {
			break // err is usually io.EOF
		}
	}
	if lineCount == 0 {
		return nil, fmt.Errorf("no data in %s", filename)
	}
	return mat.NewDense(lineCount, columnCount, data), nil
}

// splitRows cuts the matrix into count contiguous row blocks of
// near-equal size.
func splitRows(m *mat.Dense, count int) []*mat.Dense {
	rows, cols := m.Dims()
	if count > rows {
		count = rows
	}
	partitions := make([]*mat.Dense, 0, count)
	chunk := rows / count
	remainder := rows % count
	offset := 0
	for i := 0; i < count; i++ {
		size := chunk
		if i < remainder {
			size++
		}
		partitions = append(partitions, m.Slice(offset, offset+size, 0, cols).(*mat.Dense))
		offset += size
	}
	return partitions
}

// extractTarget removes the target column from the matrix and returns
// the remaining features plus the target vector.
func extractTarget(m *mat.Dense, targetColumn int) (*mat.Dense, *mat.Dense) {
	rows, cols := m.Dims()
	features := mat.NewDense(rows, cols-1, nil)
	target := mat.NewDense(rows, 1, nil)
	for i := 0; i < rows; i++ {
		fc := 0
		for j := 0; j < cols; j++ {
			if j == targetColumn {
				target.Set(i, 0, m.At(i, j))
				continue
			}
			features.Set(i, fc, m.At(i, j))
			fc++
		}
	}
	return features, target
}

func main() {
	filename := flag.String("filename", "", "Name of the file to read")
	partitionCount := flag.Int("partitions", 3, "How many partitions to split the rows into")
	mode := flag.String("mode", settings.MODE_DISTRIBUTED, "Composition mode: distributed or federated")
	components := flag.Int("components", 5, "How many basis directions to retain. 0 means full rank")
	iterations := flag.Int("iterations", 10, "Refinement round cap for federated mode")
	targetColumn := flag.Int("targetColumn", -1, "Column to regress on after embedding. -1 disables regression")
	resultsDirectory := flag.String("resultsDirectory", "", "Write the basis to a csv file in this directory")
	cpuprofile := flag.String("cpuprofile", "", "write cpu profile here")
	flag.Parse()

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			panic(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	matrix, err := readMatrix(*filename)
	if err != nil {
		panic(err)
	}

	config := settings.SvdFedSettings{
		Mode:       *mode,
		Components: *components,
		Iterations: *iterations,
	}.ComputeSettingsFields()

	if *targetColumn >= 0 {
		features, target := extractTarget(matrix, *targetColumn)
		model, err := svdfed.NewEmbeddingRegression(config)
		if err != nil {
			panic(err)
		}
		if err := model.Fit(splitRows(features, *partitionCount), target); err != nil {
			panic(err)
		}
		score, err := model.Score(features, target)
		if err != nil {
			panic(err)
		}
		fmt.Printf("training R^2: %f\n", score)
		return
	}

	engine, err := svdfed.NewCompositionEngine(config)
	if err != nil {
		panic(err)
	}

	partitions := splitRows(matrix, *partitionCount)
	start := time.Now()
	fitted, err := engine.Fit(partitions)
	if err != nil {
		panic(err)
	}
	fmt.Printf("fitted %d directions over %d partitions in %d milliseconds\n",
		fitted.Components(), len(partitions), time.Since(start).Milliseconds())

	ratios := fitted.ExplainedVarianceRatio()
	total := 0.0
	for i, ratio := range ratios {
		fmt.Printf("component %d: singular value %f, explained variance ratio %f\n",
			i, fitted.SingularValues[i], ratio)
		total += ratio
	}
	fmt.Printf("retained directions explain %f of total variance\n", total)

	if fed, ok := engine.(*federated.FederatedSVD); ok {
		fmt.Printf("refinement deltas: %v\n", fed.IterationDeltas())
		budget, err := fed.PrivacyBudget()
		if err == nil {
			fmt.Printf("privacy budget: %+v\n", *budget)
		}
	}

	if *resultsDirectory != "" {
		rep := reporter.NewCsvReporter(*resultsDirectory)
		rep.InitializeStride(0, start, time.Now())
		snapshot := datatypes.SnapshotBasis(fitted, config.Mode, 0)
		if err := rep.RecordBasis(0, snapshot); err != nil {
			log.Printf("failed to write basis csv: %v\n", err)
		}
	}
}

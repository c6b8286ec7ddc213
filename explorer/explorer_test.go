package explorer

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/svdfed/svdfed/lib/datatypes"
	"github.com/svdfed/svdfed/lib/reporter"
	"github.com/svdfed/svdfed/lib/settings"
	"gonum.org/v1/gonum/mat"
)

// writeStrideFile persists one stride through the parquet reporter,
// exactly the way the receiver does.
func writeStrideFile(t *testing.T, dir string) {
	t.Helper()
	rep := reporter.NewParquetReporter(dir, 1000)
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rep.InitializeStride(0, start, start.Add(59*time.Second))

	snapshot := datatypes.BasisSnapshot{
		Mode:                   settings.MODE_DISTRIBUTED,
		Features:               3,
		RequestedComponents:    2,
		Components:             2,
		SingularValues:         []float64{4, 2},
		ExplainedVarianceRatio: []float64{0.64, 0.16},
		Mean:                   []float64{0, 0, 0},
		Directions:             [][]float64{{1, 0, 0}, {0, 1, 0}},
	}
	if err := rep.RecordBasis(0, snapshot); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	embedding := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	if err := rep.RecordEmbedding(0, "node-a", []string{"cpu", "mem"}, embedding); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := rep.Flush(0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestScanReadsReporterOutput(t *testing.T) {
	dir := t.TempDir()
	writeStrideFile(t, dir)

	c := NewResultsExplorer(dir)
	if err := c.Initialize(0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer c.ticker.Stop()

	stride := c.getLatestStride()
	if stride == nil {
		t.Fatalf("expected a cached stride after the initial scan")
	}
	if stride.Status != StrideRead {
		t.Fatalf("expected status %s but got %s", StrideRead, stride.Status)
	}
	if len(stride.basis) != 2 {
		t.Errorf("expected 2 basis directions but got %d", len(stride.basis))
	}
	if stride.basis[0].Component != 0 || stride.basis[1].Component != 1 {
		t.Errorf("expected basis rows sorted by component, got %d and %d",
			stride.basis[0].Component, stride.basis[1].Component)
	}
	if stride.basis[0].SingularValue != 4 {
		t.Errorf("expected singular value 4 but got %f", stride.basis[0].SingularValue)
	}
	rows := stride.embeddings["node-a"]
	if len(rows) != 2 {
		t.Fatalf("expected 2 embedding rows for node-a but got %d", len(rows))
	}
	if rows[0].Series != "cpu" || rows[0].Coordinates[1] != 2 {
		t.Errorf("unexpected embedding row %+v", rows[0])
	}
}

func TestBasisAndEmbeddingEndpoints(t *testing.T) {
	dir := t.TempDir()
	writeStrideFile(t, dir)

	c := NewResultsExplorer(dir)
	if err := c.Initialize(0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer c.ticker.Stop()

	w := httptest.NewRecorder()
	c.GetBasis(w, httptest.NewRequest("GET", "/getBasis", nil))
	if w.Code != 200 {
		t.Fatalf("expected status 200 but got %d: %s", w.Code, w.Body.String())
	}
	var basis basisResponse
	if err := json.Unmarshal(w.Body.Bytes(), &basis); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(basis.Directions) != 2 || basis.Directions[1].SingularValue != 2 {
		t.Errorf("unexpected basis response %+v", basis)
	}

	w = httptest.NewRecorder()
	c.GetEmbeddings(w, httptest.NewRequest("GET", "/getEmbeddings?origin=node-a", nil))
	if w.Code != 200 {
		t.Fatalf("expected status 200 but got %d: %s", w.Code, w.Body.String())
	}
	var embedding embeddingResponse
	if err := json.Unmarshal(w.Body.Bytes(), &embedding); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(embedding.Rows) != 2 || embedding.Rows[1].Series != "mem" {
		t.Errorf("unexpected embedding response %+v", embedding)
	}

	w = httptest.NewRecorder()
	c.GetEmbeddings(w, httptest.NewRequest("GET", "/getEmbeddings?origin=unknown", nil))
	if w.Code != 404 {
		t.Errorf("expected status 404 for an unknown origin but got %d", w.Code)
	}

	w = httptest.NewRecorder()
	c.GetSeriesEmbedding(w, httptest.NewRequest("GET", "/getSeries?origin=node-a&series=cpu", nil))
	if w.Code != 200 {
		t.Fatalf("expected status 200 but got %d: %s", w.Code, w.Body.String())
	}
	var row embeddingRowResponse
	if err := json.Unmarshal(w.Body.Bytes(), &row); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row.Coordinates[0] != 1 {
		t.Errorf("unexpected series embedding %+v", row)
	}
}

func TestEndpointsWithEmptyCache(t *testing.T) {
	c := NewResultsExplorer(t.TempDir())
	if err := c.Initialize(0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer c.ticker.Stop()

	w := httptest.NewRecorder()
	c.GetStrides(w, httptest.NewRequest("GET", "/getStrides", nil))
	if w.Code != 200 {
		t.Errorf("expected status 200 but got %d", w.Code)
	}
	var strides strideListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &strides); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(strides.Strides) != 0 {
		t.Errorf("expected no strides but got %+v", strides.Strides)
	}

	w = httptest.NewRecorder()
	c.GetBasis(w, httptest.NewRequest("GET", "/getBasis", nil))
	if w.Code != 404 {
		t.Errorf("expected status 404 on an empty cache but got %d", w.Code)
	}
}

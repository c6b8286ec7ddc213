package datatypes

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/svdfed/svdfed/lib/basis"
	"github.com/svdfed/svdfed/lib/settings"
	"gonum.org/v1/gonum/mat"
)

func fittedBasis() *basis.GlobalBasis {
	return &basis.GlobalBasis{
		Directions: mat.NewDense(2, 3, []float64{
			1, 0, 0,
			0, 1, 0,
		}),
		SingularValues:       []float64{4, 2},
		Mean:                 []float64{1, 2, 3},
		TotalSquaredSpectrum: 25,
		RequestedComponents:  2,
		SampleCount:          50,
	}
}

func TestSnapshotBasis(t *testing.T) {
	snapshot := SnapshotBasis(fittedBasis(), settings.MODE_DISTRIBUTED, 3)
	if snapshot.Mode != settings.MODE_DISTRIBUTED {
		t.Errorf("expected mode %s but got %s", settings.MODE_DISTRIBUTED, snapshot.Mode)
	}
	if snapshot.StrideCounter != 3 {
		t.Errorf("expected stride counter 3 but got %d", snapshot.StrideCounter)
	}
	if snapshot.Features != 3 || snapshot.Components != 2 {
		t.Errorf("expected 3 features and 2 components but got %d and %d",
			snapshot.Features, snapshot.Components)
	}
	if snapshot.SampleCount != 50 {
		t.Errorf("expected sample count 50 but got %d", snapshot.SampleCount)
	}
	if len(snapshot.Directions) != 2 || len(snapshot.Directions[0]) != 3 {
		t.Errorf("expected 2x3 directions but got %v", snapshot.Directions)
	}
	if snapshot.Directions[1][1] != 1 {
		t.Errorf("expected direction entry 1 but got %f", snapshot.Directions[1][1])
	}
	if snapshot.ExplainedVarianceRatio[0] != 16.0/25.0 {
		t.Errorf("expected ratio 0.64 but got %f", snapshot.ExplainedVarianceRatio[0])
	}
	if snapshot.Truncated() {
		t.Errorf("2 of 2 requested components is not a truncation")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	b := fittedBasis()
	snapshot := SnapshotBasis(b, settings.MODE_DISTRIBUTED, 0)
	b.Directions.Set(0, 0, 99)
	b.SingularValues[0] = 99
	b.Mean[0] = 99
	if snapshot.Directions[0][0] == 99 || snapshot.SingularValues[0] == 99 || snapshot.Mean[0] == 99 {
		t.Errorf("snapshot shares storage with the basis")
	}
}

func TestTruncated(t *testing.T) {
	b := fittedBasis()
	b.RequestedComponents = 5
	if !SnapshotBasis(b, settings.MODE_DISTRIBUTED, 0).Truncated() {
		t.Errorf("2 retained of 5 requested should report truncation")
	}
	// Zero requested means full rank on purpose, never a truncation.
	b.RequestedComponents = 0
	if SnapshotBasis(b, settings.MODE_DISTRIBUTED, 0).Truncated() {
		t.Errorf("a full-rank request should not report truncation")
	}
}

func TestSnapshotJSONOmitsFederatedFieldsWhenUnset(t *testing.T) {
	snapshot := SnapshotBasis(fittedBasis(), settings.MODE_DISTRIBUTED, 0)
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(string(encoded), "iterationDeltas") {
		t.Errorf("distributed snapshots should not carry refinement fields: %s", encoded)
	}

	snapshot.Converged = true
	snapshot.RefinementRounds = 4
	snapshot.IterationDeltas = []float64{0.1, 0.001}
	encoded, err = json.Marshal(snapshot)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded BasisSnapshot
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decoded.Converged || decoded.RefinementRounds != 4 || len(decoded.IterationDeltas) != 2 {
		t.Errorf("refinement fields did not survive the round trip: %+v", decoded)
	}
}

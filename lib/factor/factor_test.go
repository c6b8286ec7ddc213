package factor

import (
	"math"
	"testing"

	"github.com/svdfed/svdfed/lib/basis"
	"gonum.org/v1/gonum/mat"
)

func TestFactorizeKeepsFullSpectrum(t *testing.T) {
	// Rank-2 block whose rows are multiples of (1,0,0) and (0,1,0).
	partition := mat.NewDense(4, 3, []float64{
		3, 0, 0,
		0, 2, 0,
		3, 0, 0,
		0, 2, 0,
	})
	f, err := Factorize(partition, 3, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Retained != 1 {
		t.Errorf("expected 1 retained direction but got %d", f.Retained)
	}
	rows, cols := f.Directions.Dims()
	if rows != 1 || cols != 3 {
		t.Errorf("expected 1x3 directions but got %dx%d", rows, cols)
	}
	// The spectrum must stay whole even though directions were cut.
	if len(f.SingularValues) != 3 {
		t.Errorf("expected the full spectrum of length 3 but got %d", len(f.SingularValues))
	}
	if math.Abs(f.SquaredSpectrum()-26.0) > 1e-9 {
		t.Errorf("expected squared spectrum 26 (the squared Frobenius norm) but got %f",
			f.SquaredSpectrum())
	}
	if f.Rows != 4 {
		t.Errorf("expected 4 rows but got %d", f.Rows)
	}
}

func TestFactorizeDirectionsAreOrthonormal(t *testing.T) {
	partition := mat.NewDense(5, 4, []float64{
		1, 2, 0, 1,
		0, 1, 3, 2,
		2, 0, 1, 0,
		1, 1, 1, 1,
		0, 2, 2, 1,
	})
	f, err := Factorize(partition, 4, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Retained != 4 {
		t.Errorf("expected min(rows, features) = 4 directions but got %d", f.Retained)
	}
	for i := 0; i < f.Retained; i++ {
		for j := i; j < f.Retained; j++ {
			dot := mat.Dot(f.Directions.RowView(i), f.Directions.RowView(j))
			expected := 0.0
			if i == j {
				expected = 1.0
			}
			if math.Abs(dot-expected) > 1e-10 {
				t.Errorf("directions %d and %d have dot product %f, expected %f",
					i, j, dot, expected)
			}
		}
	}
	for i := 1; i < len(f.SingularValues); i++ {
		if f.SingularValues[i] > f.SingularValues[i-1] {
			t.Errorf("singular values increase at %d", i)
		}
	}
}

func TestFactorizeWideBlock(t *testing.T) {
	// Fewer rows than features: the shape caps the direction count.
	partition := mat.NewDense(2, 5, []float64{
		1, 0, 2, 0, 1,
		0, 3, 0, 1, 0,
	})
	f, err := Factorize(partition, 5, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Retained != 2 {
		t.Errorf("expected 2 directions from a 2-row block but got %d", f.Retained)
	}
	if len(f.SingularValues) != 2 {
		t.Errorf("expected spectrum length 2 but got %d", len(f.SingularValues))
	}
}

func TestWeightedDirections(t *testing.T) {
	partition := mat.NewDense(3, 3, []float64{
		2, 0, 0,
		0, 1, 0,
		0, 0, 0.5,
	})
	f, err := Factorize(partition, 3, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	weighted := f.WeightedDirections()
	// Each row of the weighted block has norm equal to its singular
	// value.
	for i := 0; i < f.Retained; i++ {
		norm := math.Sqrt(mat.Dot(weighted.RowView(i), weighted.RowView(i)))
		if math.Abs(norm-f.SingularValues[i]) > 1e-10 {
			t.Errorf("weighted row %d has norm %f, expected %f",
				i, norm, f.SingularValues[i])
		}
	}
}

func TestFactorizeValidation(t *testing.T) {
	partition := mat.NewDense(3, 4, nil)
	if _, err := Factorize(partition, 5, 2); err == nil {
		t.Errorf("expected an error for a mismatched feature count")
	} else if _, ok := err.(basis.DimensionError); !ok {
		t.Errorf("expected a DimensionError but got %T", err)
	}
}

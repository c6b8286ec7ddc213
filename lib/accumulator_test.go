package lib

import (
	"testing"
	"time"

	"gonum.org/v1/gonum/mat"
)

func observationAt(origin string, fingerprint uint64, name string, value float64,
	ts time.Time) *Observation {
	return &Observation{
		Origin:            origin,
		SeriesFingerprint: fingerprint,
		SeriesName:        name,
		Value:             value,
		Timestamp:         ts,
	}
}

func TestAccumulatorPublishesOnStrideOverflow(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	pc := make(chan *PartitionSet, 1)
	acc := NewPartitionAccumulator(3, start, 1, pc)

	// Two origins, two series each, three samples per series.
	for slot := 0; slot < 3; slot++ {
		ts := start.Add(time.Duration(slot) * time.Second)
		acc.AddObservation(observationAt("node-a", 1, "cpu", float64(slot), ts))
		acc.AddObservation(observationAt("node-a", 2, "mem", float64(10+slot), ts))
		acc.AddObservation(observationAt("node-b", 3, "cpu", float64(20+slot), ts))
		acc.AddObservation(observationAt("node-b", 4, "mem", float64(30+slot), ts))
	}

	select {
	case <-pc:
		t.Fatalf("nothing should be published before the stride overflows")
	default:
	}

	// The first observation past the stride end triggers publication.
	acc.AddObservation(observationAt("node-a", 1, "cpu", 99, start.Add(3*time.Second)))

	var set *PartitionSet
	select {
	case set = <-pc:
	default:
		t.Fatalf("expected a published partition set")
	}

	if len(set.Partitions) != 2 {
		t.Fatalf("expected 2 partitions but got %d", len(set.Partitions))
	}
	// Origins are listed sorted.
	if set.Origins[0] != "node-a" || set.Origins[1] != "node-b" {
		t.Errorf("expected sorted origins but got %v", set.Origins)
	}
	expectedA := mat.NewDense(2, 3, []float64{
		0, 1, 2,
		10, 11, 12,
	})
	if !mat.EqualApprox(set.Partitions[0], expectedA, 1e-12) {
		t.Errorf("got partition %v", mat.Formatted(set.Partitions[0]))
	}
	if set.SeriesNames[0][0] != "cpu" || set.SeriesNames[0][1] != "mem" {
		t.Errorf("expected series names per row but got %v", set.SeriesNames[0])
	}
	if !set.StrideStart.Equal(start) {
		t.Errorf("expected stride start %v but got %v", start, set.StrideStart)
	}
}

func TestAccumulatorPadsShortRows(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	pc := make(chan *PartitionSet, 1)
	acc := NewPartitionAccumulator(3, start, 1, pc)

	// One series only sees two of the three slots.
	acc.AddObservation(observationAt("node-a", 1, "cpu", 5, start))
	acc.AddObservation(observationAt("node-a", 1, "cpu", 7, start.Add(1*time.Second)))
	acc.AddObservation(observationAt("node-a", 1, "cpu", 1, start.Add(10*time.Second)))

	set := <-pc
	expected := mat.NewDense(1, 3, []float64{5, 7, 7})
	if !mat.EqualApprox(set.Partitions[0], expected, 1e-12) {
		t.Errorf("expected the last value padded out, got %v", mat.Formatted(set.Partitions[0]))
	}
}

func TestAccumulatorInterpolatesGaps(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	pc := make(chan *PartitionSet, 1)
	acc := NewPartitionAccumulator(3, start, 1, pc)

	// Slot 1 is missing; the gap gets the average of its neighbours.
	acc.AddObservation(observationAt("node-a", 1, "cpu", 2, start))
	acc.AddObservation(observationAt("node-a", 1, "cpu", 6, start.Add(2*time.Second)))
	acc.AddObservation(observationAt("node-a", 1, "cpu", 1, start.Add(10*time.Second)))

	set := <-pc
	expected := mat.NewDense(1, 3, []float64{2, 4, 6})
	if !mat.EqualApprox(set.Partitions[0], expected, 1e-12) {
		t.Errorf("expected the gap interpolated, got %v", mat.Formatted(set.Partitions[0]))
	}
}

func TestAccumulatorIgnoresBackfillAndDuplicates(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	pc := make(chan *PartitionSet, 1)
	acc := NewPartitionAccumulator(3, start, 1, pc)

	acc.AddObservation(observationAt("node-a", 1, "cpu", 2, start))
	// Backfill from before the stride.
	acc.AddObservation(observationAt("node-a", 1, "cpu", 99, start.Add(-5*time.Second)))
	// Duplicate for slot 0.
	acc.AddObservation(observationAt("node-a", 1, "cpu", 50, start))
	acc.AddObservation(observationAt("node-a", 1, "cpu", 3, start.Add(1*time.Second)))
	acc.AddObservation(observationAt("node-a", 1, "cpu", 4, start.Add(2*time.Second)))
	acc.AddObservation(observationAt("node-a", 1, "cpu", 1, start.Add(10*time.Second)))

	set := <-pc
	expected := mat.NewDense(1, 3, []float64{2, 3, 4})
	if !mat.EqualApprox(set.Partitions[0], expected, 1e-12) {
		t.Errorf("got %v", mat.Formatted(set.Partitions[0]))
	}
}

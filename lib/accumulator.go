package lib

import (
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"
)

// An Observation is one sample of one series from one origin. The
// origin is the partition key: all series sharing an origin end up as
// rows of the same partition.
type Observation struct {
	Origin            string
	SeriesFingerprint uint64
	SeriesName        string
	Value             float64
	Timestamp         time.Time
}

// A PartitionSet is what the accumulator publishes when a stride of
// observations is complete: one rows x features block per origin,
// ready for a composition engine's Fit.
type PartitionSet struct {
	Partitions []*mat.Dense
	Origins    []string
	// SeriesNames[i][r] names row r of partition i.
	SeriesNames [][]string
	Err         error

	StrideStart time.Time
	StrideEnd   time.Time
}

type originBuffer struct {
	// rowmap maps series fingerprints to row ids.
	// invariant: names[rowmap[f]] is the series behind fingerprint f.
	rowmap  map[uint64]int
	names   []string
	buffers map[int][]float64
	maxRow  int
}

// A PartitionAccumulator collects observations as they arrive and
// groups them into per-origin row buffers. Each series becomes a row;
// each sample interval becomes a column. When a stride's worth of
// columns is full, the buffers are published as a PartitionSet on the
// output channel and the accumulator starts over for the next stride.
type PartitionAccumulator struct {
	// features is the number of samples per row in a published
	// partition, i.e. the feature dimension of the run.
	features int

	origins map[string]*originBuffer

	currentStrideStartTs time.Time
	currentStrideMaxTs   time.Time
	sampleTime           int
	strideDuration       time.Duration

	partitionChannel chan<- *PartitionSet
}

func maxTime(startTime time.Time, strideDuration time.Duration) time.Time {
	t1 := startTime.Add(strideDuration)

	// This uses Add not Sub because Sub returns a Duration.
	return t1.Add(-1 * time.Second)
}

func NewPartitionAccumulator(features int, startTime time.Time, sampleInterval int,
	pc chan<- *PartitionSet) *PartitionAccumulator {
	strideDuration, _ := time.ParseDuration(fmt.Sprintf("%ds", features*sampleInterval))
	acc := &PartitionAccumulator{
		features:             features,
		origins:              make(map[string]*originBuffer),
		sampleTime:           sampleInterval,
		currentStrideStartTs: startTime,
		currentStrideMaxTs:   maxTime(startTime, strideDuration),
		strideDuration:       strideDuration,
		partitionChannel:     pc,
	}
	log.Printf("created accumulator with start time %v and end time %v\n",
		acc.currentStrideStartTs.UTC().Format("20060102150405"),
		acc.currentStrideMaxTs.UTC().Format("20060102150405"))
	return acc
}

func (a *PartitionAccumulator) computeSlotIndex(timestamp time.Time) (int, error) {
	if timestamp.After(a.currentStrideMaxTs) {
		return -1, nil
	}
	if timestamp.Before(a.currentStrideStartTs) {
		return -2, fmt.Errorf("backfill timestamp, ignore")
	}
	diff := timestamp.Sub(a.currentStrideStartTs).Seconds()
	return int(diff / float64(a.sampleTime)), nil
}

// completeRows pads short rows to the full feature count with their
// last value so every row of a published partition has equal width.
func (a *PartitionAccumulator) completeRows() {
	for _, origin := range a.origins {
		for j, b := range origin.buffers {
			if len(b) < a.features {
				padValue := float64(0)
				if len(b) > 0 {
					padValue = b[len(b)-1]
				}
				for i := len(b); i < a.features; i++ {
					origin.buffers[j] = append(origin.buffers[j], padValue)
				}
			}
		}
	}
}

func (a *PartitionAccumulator) extractPartitions() *PartitionSet {
	names := make([]string, 0, len(a.origins))
	for name := range a.origins {
		names = append(names, name)
	}
	// Aggregation downstream is order independent, but a stable
	// listing keeps the published set deterministic.
	sort.Strings(names)

	ret := &PartitionSet{
		Partitions:  make([]*mat.Dense, 0, len(names)),
		Origins:     names,
		SeriesNames: make([][]string, 0, len(names)),
		StrideStart: a.currentStrideStartTs,
		StrideEnd:   a.currentStrideMaxTs,
	}
	for _, name := range names {
		origin := a.origins[name]
		data := make([]float64, 0, origin.maxRow*a.features)
		for i := 0; i < origin.maxRow; i++ {
			data = append(data, origin.buffers[i]...)
			origin.buffers[i] = make([]float64, 0, a.features)
		}
		ret.Partitions = append(ret.Partitions, mat.NewDense(origin.maxRow, a.features, data))
		ret.SeriesNames = append(ret.SeriesNames, origin.names)
	}
	return ret
}

func (a *PartitionAccumulator) AddObservation(observation *Observation) {
	slot, err := a.computeSlotIndex(observation.Timestamp)
	if err != nil {
		// This is a backfill, it is safe to ignore.
		return
	}
	if slot < 0 {
		a.completeRows()

		log.Printf("publish %d partitions to channel\n", len(a.origins))
		a.partitionChannel <- a.extractPartitions()

		// Now prepare for the next stride.
		a.currentStrideStartTs = observation.Timestamp
		a.currentStrideMaxTs = maxTime(observation.Timestamp, a.strideDuration)
		slot, err = a.computeSlotIndex(observation.Timestamp)
		if err != nil || slot < 0 {
			log.Printf("failed to compute slot index after stride reset: %v\n", err)
			panic("got negative timestamp after resetting buffers")
		}
	}

	origin, ok := a.origins[observation.Origin]
	if !ok {
		origin = &originBuffer{
			rowmap:  make(map[uint64]int),
			names:   make([]string, 0, 100),
			buffers: make(map[int][]float64),
		}
		a.origins[observation.Origin] = origin
	}

	rowid, ok := origin.rowmap[observation.SeriesFingerprint]
	if !ok {
		rowid = origin.maxRow
		origin.rowmap[observation.SeriesFingerprint] = rowid
		origin.buffers[rowid] = make([]float64, 0, a.features)
		origin.names = append(origin.names, observation.SeriesName)
		origin.maxRow += 1
	}

	if math.IsNaN(observation.Value) {
		observation.Value = float64(0)
	}

	if slot < len(origin.buffers[rowid]) {
		// Sometimes there is a double message for the same slot, just ignore it.
		return
	}

	lastSlot := len(origin.buffers[rowid]) - 1
	// If we have skipped a timeslot, fill the gap with an interpolated value.
	if lastSlot < slot-1 {
		interpolatedValue := float64(0)
		if len(origin.buffers[rowid]) > 0 {
			interpolatedValue = (origin.buffers[rowid][lastSlot] + observation.Value) / float64(2)
		}
		for i := lastSlot + 1; i < slot; i++ {
			origin.buffers[rowid] = append(origin.buffers[rowid], interpolatedValue)
		}
	}
	origin.buffers[rowid] = append(origin.buffers[rowid], observation.Value)
}

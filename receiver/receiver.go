// Package receiver ingests Prometheus remote-write data, groups it
// into per-origin partitions, and runs the configured composition
// engine whenever a stride of observations is complete. The fitted
// basis is exported over HTTP and persisted through a reporter.
package receiver

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/model"
	"github.com/prometheus/prometheus/prompb"
	"github.com/prometheus/prometheus/storage/remote"
	svdfed "github.com/svdfed/svdfed/lib"
	"github.com/svdfed/svdfed/lib/datatypes"
	"github.com/svdfed/svdfed/lib/federated"
	"github.com/svdfed/svdfed/lib/reporter"
	"github.com/svdfed/svdfed/lib/settings"
)

var (
	receivedSamples = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "svdfed_received_samples_total",
			Help: "Total number of received samples.",
		},
	)
	requestedFits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "svdfed_requested_fits_total",
			Help: "Total number of times a basis fit has been requested.",
		},
	)
	retainedComponents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "svdfed_retained_components",
			Help: "Number of directions in the most recent basis.",
		},
	)
	partitionCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "svdfed_partition_count",
			Help: "Number of partitions in the most recent fit.",
		},
	)
	fitDurationHist = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:                            "svdfed_fit_duration_milliseconds_histogram",
			Help:                            "Duration of basis fit calls.",
			Buckets:                         prometheus.DefBuckets,
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  10,
			NativeHistogramMinResetDuration: 1 * time.Hour,
		},
	)
	fitDuration = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "svdfed_fit_duration_milliseconds",
			Help: "Duration of basis fit calls.",
		},
	)
	failedFits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "svdfed_failed_fits_total",
			Help: "Number of basis fits that returned an error.",
		},
	)
)

func init() {
	prometheus.MustRegister(receivedSamples)
	prometheus.MustRegister(requestedFits)
	prometheus.MustRegister(retainedComponents)
	prometheus.MustRegister(partitionCount)
	prometheus.MustRegister(fitDurationHist)
	prometheus.MustRegister(fitDuration)
	prometheus.MustRegister(failedFits)
}

// A Processor accumulates remote-write samples into per-origin
// partitions and refits the global basis once per stride.
type Processor struct {
	accumulator      *svdfed.PartitionAccumulator
	settings         settings.SvdFedSettings
	engine           svdfed.CompositionEngine
	observationQueue chan *svdfed.Observation
	partitionChannel chan *svdfed.PartitionSet
	reporter         reporter.Reporter
	originLabel      model.LabelName
	strideCounter    int

	mu     sync.RWMutex
	latest *datatypes.BasisSnapshot
}

// NewProcessor sets up the ingestion pipeline. originLabel is the
// metric label whose value decides which partition a series belongs
// to; series missing the label share one partition.
func NewProcessor(config settings.SvdFedSettings, originLabel string, rep reporter.Reporter) (*Processor, error) {
	config = config.ComputeSettingsFields()
	engine, err := svdfed.NewCompositionEngine(config)
	if err != nil {
		return nil, err
	}

	observationQueue := make(chan *svdfed.Observation, 1)
	partitionChannel := make(chan *svdfed.PartitionSet, 1)

	processor := &Processor{
		accumulator: svdfed.NewPartitionAccumulator(config.PartitionColumns,
			time.Now().UTC(), config.SampleInterval, partitionChannel),
		settings:         config,
		engine:           engine,
		observationQueue: observationQueue,
		partitionChannel: partitionChannel,
		reporter:         rep,
		originLabel:      model.LabelName(originLabel),
	}

	go func() {
		log.Println("watching observation queue")
		for observation := range observationQueue {
			processor.accumulator.AddObservation(observation)
		}
	}()

	go func() {
		log.Println("waiting for partitions")
		for {
			select {
			case partitionSet := <-partitionChannel:
				if partitionSet.Err != nil {
					log.Printf("failed to accumulate partitions: %v", partitionSet.Err)
					continue
				}
				processor.processPartitionSet(partitionSet)
			case <-time.After(10 * time.Minute):
				log.Printf("got no partition data for 10 minutes")
			}
		}
	}()

	return processor, nil
}

func (p *Processor) processPartitionSet(partitionSet *svdfed.PartitionSet) {
	if len(partitionSet.Partitions) == 0 {
		log.Printf("skipping empty partition set\n")
		return
	}
	requestedFits.Inc()
	partitionCount.Set(float64(len(partitionSet.Partitions)))

	p.strideCounter++
	stride := p.strideCounter
	if p.reporter != nil {
		p.reporter.InitializeStride(stride, partitionSet.StrideStart, partitionSet.StrideEnd)
	}

	fitStart := time.Now()
	fitted, err := p.engine.Fit(partitionSet.Partitions)
	elapsed := time.Since(fitStart)
	fitDurationHist.Observe(float64(elapsed.Milliseconds()))
	fitDuration.Set(float64(elapsed.Milliseconds()))
	if err != nil {
		failedFits.Inc()
		log.Printf("fit failed on stride %d: %v\n", stride, err)
		return
	}
	log.Printf("fitted a basis with %d directions over %d partitions in %d milliseconds\n",
		fitted.Components(), len(partitionSet.Partitions), elapsed.Milliseconds())
	retainedComponents.Set(float64(fitted.Components()))

	snapshot := datatypes.SnapshotBasis(fitted, p.settings.Mode, stride)
	if fed, ok := p.engine.(*federated.FederatedSVD); ok {
		snapshot.Converged = fed.Converged()
		snapshot.IterationDeltas = fed.IterationDeltas()
		snapshot.RefinementRounds = len(snapshot.IterationDeltas)
	}
	if snapshot.Truncated() {
		log.Printf("stride %d basis is rank deficient: %d directions instead of %d\n",
			stride, snapshot.Components, snapshot.RequestedComponents)
	}

	p.mu.Lock()
	p.latest = &snapshot
	p.mu.Unlock()

	if p.reporter == nil {
		return
	}
	if err := p.reporter.RecordBasis(stride, snapshot); err != nil {
		log.Printf("failed to record basis: %v\n", err)
	}
	for i, partition := range partitionSet.Partitions {
		embedded, err := p.engine.Transform(partition)
		if err != nil {
			log.Printf("failed to embed partition %s: %v\n", partitionSet.Origins[i], err)
			continue
		}
		err = p.reporter.RecordEmbedding(stride, partitionSet.Origins[i],
			partitionSet.SeriesNames[i], embedded)
		if err != nil {
			log.Printf("failed to record embedding for %s: %v\n", partitionSet.Origins[i], err)
		}
	}
	if err := p.reporter.Flush(stride); err != nil {
		log.Printf("failed to flush reporter: %v\n", err)
	}
}

func (p *Processor) observeTs(req *prompb.WriteRequest) error {
	for _, ts := range req.Timeseries {
		metric := make(model.Metric, len(ts.Labels))
		for _, l := range ts.Labels {
			metric[model.LabelName(l.Name)] = model.LabelValue(l.Value)
		}
		mjson, err := json.Marshal(metric)
		if err != nil {
			return err
		}
		origin := string(metric[p.originLabel])
		sampleCounter := 0
		for _, s := range ts.Samples {
			p.observationQueue <- &svdfed.Observation{
				Origin:            origin,
				SeriesFingerprint: (uint64)(metric.Fingerprint()),
				SeriesName:        string(mjson),
				Value:             s.Value,
				Timestamp:         time.Unix(s.Timestamp/1000, 0).UTC(),
			}
			sampleCounter++
		}
		receivedSamples.Add(float64(sampleCounter))
	}
	return nil
}

// ReceivePrometheusData is the remote-write endpoint handler.
func (p *Processor) ReceivePrometheusData(w http.ResponseWriter, r *http.Request) {
	req, err := remote.DecodeWriteRequest(r.Body)
	if err != nil {
		log.Printf("failed to decode write request: %v\n", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err = p.observeTs(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ServeBasis returns the most recent basis snapshot as JSON.
func (p *Processor) ServeBasis(w http.ResponseWriter, r *http.Request) {
	p.mu.RLock()
	latest := p.latest
	p.mu.RUnlock()
	if latest == nil {
		http.Error(w, "no basis fitted yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(latest); err != nil {
		log.Printf("failed to encode basis snapshot: %v\n", err)
	}
}

// ServePrivacyBudget reports what the last federated fit exchanged.
// Returns 404 in distributed mode.
func (p *Processor) ServePrivacyBudget(w http.ResponseWriter, r *http.Request) {
	fed, ok := p.engine.(*federated.FederatedSVD)
	if !ok {
		http.Error(w, "privacy budget only exists in federated mode", http.StatusNotFound)
		return
	}
	budget, err := fed.PrivacyBudget()
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(budget); err != nil {
		log.Printf("failed to encode privacy budget: %v\n", err)
	}
}

// Shutdown flushes any pending reporter output.
func (p *Processor) Shutdown() error {
	if p.reporter != nil {
		return p.reporter.Flush(-1) // Flush all writers
	}
	return nil
}

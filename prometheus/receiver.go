package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/svdfed/svdfed/lib/reporter"
	"github.com/svdfed/svdfed/lib/settings"
	"github.com/svdfed/svdfed/receiver"
)

type config struct {
	listenAddress  string
	metricsAddress string
}

func main() {
	var metricsAddr string
	var listenAddr string
	var originLabel string
	var mode string
	var components int
	var iterations int
	var partitionColumns int
	var sampleInterval int
	var resultsDirectory string

	flag.StringVar(&metricsAddr, "metrics-address", ":9203", "The address the metrics endpoint binds to.")
	flag.StringVar(&listenAddr, "listen-address", ":9201", "The address that the write endpoint binds to.")
	flag.StringVar(&originLabel, "origin-label", "job", "The metric label that assigns a series to a partition.")
	flag.StringVar(&mode, "mode", settings.MODE_DISTRIBUTED, "Composition mode: distributed or federated.")
	flag.IntVar(&components, "components", 5, "Number of basis directions to retain. 0 means full rank.")
	flag.IntVar(&iterations, "iterations", 10, "Refinement round cap in federated mode.")
	flag.IntVar(&partitionColumns, "partition-columns", 100, "Samples per series before a fit is triggered.")
	flag.IntVar(&sampleInterval, "sample-interval", 20, "Expected seconds between samples.")
	flag.StringVar(&resultsDirectory, "results-directory", "/tmp/svdfed", "Where fit results get written.")

	flag.Parse()

	cfg := &config{
		listenAddress:  listenAddr,
		metricsAddress: metricsAddr,
	}

	svdfedConfig := settings.SvdFedSettings{
		Mode:             mode,
		Components:       components,
		Iterations:       iterations,
		PartitionColumns: partitionColumns,
		SampleInterval:   sampleInterval,
		ResultsDirectory: resultsDirectory,
	}.ComputeSettingsFields()

	rep := reporter.NewParquetReporter(svdfedConfig.ResultsDirectory, svdfedConfig.MaxRowsPerRowGroup)

	processor, err := receiver.NewProcessor(svdfedConfig, originLabel, rep)
	if err != nil {
		log.Fatal(err)
	}

	router := mux.NewRouter().StrictSlash(true)
	router.HandleFunc("/api/v1/write", processor.ReceivePrometheusData)
	router.HandleFunc("/api/v1/basis", processor.ServeBasis)
	router.HandleFunc("/api/v1/privacy", processor.ServePrivacyBudget)

	http.Handle("/metrics", promhttp.Handler())
	go http.ListenAndServe(cfg.metricsAddress, nil)

	server := &http.Server{
		Addr:    cfg.listenAddress,
		Handler: router,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	go func() {
		log.Printf("svdfed service listening on %s\n", cfg.listenAddress)
		if err := server.ListenAndServe(); err != nil {
			if err != http.ErrServerClosed {
				log.Fatal(err)
			}
		}
	}()

	<-stop
	log.Println("svdfed service shutting down")

	// Give the reporter a chance to dump pending results to disk.
	if err := processor.Shutdown(); err != nil {
		log.Printf("failed to flush results: %v\n", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatal(err)
	}
}

// The combined service binary: runs the remote-write ingestion
// endpoint and the results explorer in one process. Either side can
// be switched off, so the same binary also serves as a standalone
// explorer next to an existing receiver deployment.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/svdfed/svdfed/explorer"
	"github.com/svdfed/svdfed/lib/reporter"
	"github.com/svdfed/svdfed/lib/settings"
	"github.com/svdfed/svdfed/receiver"
)

func main() {
	var metricsAddr string
	var listenAddr string
	var explorerAddr string
	var originLabel string
	var mode string
	var components int
	var iterations int
	var partitionColumns int
	var sampleInterval int
	var parquetMaxRowsPerRowGroup int
	var resultsDirectory string
	var justExplore bool
	var noExplore bool
	var strideMaxAgeSeconds int

	flag.StringVar(&metricsAddr, "metrics-address", ":9203", "The address the metrics endpoint binds to.")
	flag.StringVar(&listenAddr, "listen-address", ":9201", "The address that the write endpoint binds to.")
	flag.StringVar(&explorerAddr, "explorer-address", ":9205", "The address that the explorer endpoint binds to.")
	flag.StringVar(&originLabel, "origin-label", "job", "The metric label that assigns a series to a partition.")
	flag.StringVar(&mode, "mode", settings.MODE_DISTRIBUTED, "Composition mode: distributed or federated.")
	flag.IntVar(&components, "components", 5, "Number of basis directions to retain. 0 means full rank.")
	flag.IntVar(&iterations, "iterations", 10, "Refinement round cap in federated mode.")
	flag.IntVar(&partitionColumns, "partition-columns", 100, "Samples per series before a fit is triggered.")
	flag.IntVar(&sampleInterval, "sample-interval", 20, "Expected seconds between samples.")
	flag.IntVar(&parquetMaxRowsPerRowGroup, "parquetMaxRowsPerRowGroup", 100000, "Number of rows per row group in Parquet.")
	flag.StringVar(&resultsDirectory, "results-directory", "/tmp/svdfed", "Where fit results get written.")
	flag.BoolVar(&justExplore, "justExplore", false, "If true, launch only the explorer endpoint.")
	flag.BoolVar(&noExplore, "noExplore", false, "If true, do not launch the explorer endpoint.")
	flag.IntVar(&strideMaxAgeSeconds, "strideMaxAgeSeconds", 7200, "The maximum time to keep stride data around for.")

	flag.Parse()

	config := settings.SvdFedSettings{
		Mode:               mode,
		Components:         components,
		Iterations:         iterations,
		PartitionColumns:   partitionColumns,
		SampleInterval:     sampleInterval,
		ResultsDirectory:   resultsDirectory,
		MaxRowsPerRowGroup: int64(parquetMaxRowsPerRowGroup),
	}
	config = config.ComputeSettingsFields()

	var explorerRouter *mux.Router
	if !noExplore {
		expl := explorer.NewResultsExplorer(resultsDirectory)
		if err := expl.Initialize(strideMaxAgeSeconds); err != nil {
			log.Printf("failed to initialize explorer: %v\n", err)
		}
		explorerRouter = mux.NewRouter().StrictSlash(true)
		explorerRouter.HandleFunc("/getStrides", expl.GetStrides).Methods("GET")
		explorerRouter.HandleFunc("/getBasis", expl.GetBasis).Methods("GET")
		explorerRouter.HandleFunc("/getEmbeddings", expl.GetEmbeddings).Methods("GET")
		explorerRouter.HandleFunc("/getSeriesEmbedding", expl.GetSeriesEmbedding).Methods("GET")
	}

	http.Handle("/metrics", promhttp.Handler())
	go http.ListenAndServe(metricsAddr, nil)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	var processor *receiver.Processor
	var writeServer *http.Server

	if !justExplore {
		rep := reporter.NewParquetReporter(config.ResultsDirectory, config.MaxRowsPerRowGroup)
		var err error
		processor, err = receiver.NewProcessor(config, originLabel, rep)
		if err != nil {
			log.Fatal(err)
		}
		writeRouter := mux.NewRouter().StrictSlash(true)
		writeRouter.HandleFunc("/api/v1/write", processor.ReceivePrometheusData)
		writeRouter.HandleFunc("/api/v1/basis", processor.ServeBasis).Methods("GET")
		writeRouter.HandleFunc("/api/v1/privacy", processor.ServePrivacyBudget).Methods("GET")
		writeServer = &http.Server{
			Addr:    listenAddr,
			Handler: writeRouter,
		}
		go func() {
			log.Printf("composition service listening on %s\n", listenAddr)
			if err := writeServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				processor.Shutdown()
				log.Fatal(err)
			}
		}()
	}

	var explorerServer *http.Server
	if !noExplore {
		explorerServer = &http.Server{
			Addr:    explorerAddr,
			Handler: explorerRouter,
		}
		go func() {
			log.Printf("explorer service listening on %s\n", explorerAddr)
			if err := explorerServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatal(err)
			}
		}()
	}

	<-stop
	log.Println("composition service shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if processor != nil {
		if err := processor.Shutdown(); err != nil {
			log.Printf("failed to flush results on shutdown: %v\n", err)
		}
	}
	if writeServer != nil {
		if err := writeServer.Shutdown(ctx); err != nil {
			log.Fatal(err)
		}
	}
	if explorerServer != nil {
		if err := explorerServer.Shutdown(ctx); err != nil {
			log.Fatal(err)
		}
	}
}

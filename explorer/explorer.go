// Package explorer serves persisted fit results back out over HTTP.
// It watches the results directory for the parquet files the reporter
// writes, keeps a bounded cache of recent strides in memory, and
// exposes the basis directions and per-origin embeddings of each
// stride as JSON.
package explorer

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

type ResultsExplorer struct {
	filenameBase  string
	strideCache   []*Stride
	maxAgeSeconds int
	ticker        *time.Ticker
	mu            sync.RWMutex
}

// Types for the REST API.
type strideListResponse struct {
	Strides []Stride `json:"strides"`
}

type basisDirectionResponse struct {
	Component              int       `json:"component"`
	SingularValue          float64   `json:"singularValue"`
	ExplainedVarianceRatio float64   `json:"explainedVarianceRatio"`
	Direction              []float64 `json:"direction"`
}

type basisResponse struct {
	StrideID   int                      `json:"strideId"`
	Directions []basisDirectionResponse `json:"directions"`
}

type embeddingRowResponse struct {
	Series      string    `json:"series"`
	Coordinates []float64 `json:"coordinates"`
}

type embeddingResponse struct {
	StrideID int                    `json:"strideId"`
	Origin   string                 `json:"origin"`
	Rows     []embeddingRowResponse `json:"rows"`
}

func NewResultsExplorer(filenameBase string) *ResultsExplorer {
	return &ResultsExplorer{filenameBase: filenameBase}
}

// Initialize starts the background scan of the results directory.
// Strides older than maxAgeSeconds are deleted from disk as they are
// encountered; zero disables the cleanup.
func (c *ResultsExplorer) Initialize(maxAgeSeconds int) error {
	c.maxAgeSeconds = maxAgeSeconds
	c.strideCache = make([]*Stride, STRIDE_CACHE_SIZE)
	c.ticker = time.NewTicker(60 * time.Second)

	go func() {
		for range c.ticker.C {
			c.scanResultFiles()
		}
	}()
	return c.scanResultFiles()
}

func (c *ResultsExplorer) GetStrides(w http.ResponseWriter, r *http.Request) {
	ret := strideListResponse{
		Strides: make([]Stride, 0, STRIDE_CACHE_SIZE),
	}
	c.mu.RLock()
	for _, stride := range c.strideCache {
		if stride == nil || stride.Status == StrideDeleted {
			continue
		}
		ret.Strides = append(ret.Strides, *stride)
	}
	c.mu.RUnlock()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(ret)
}

func (c *ResultsExplorer) GetBasis(w http.ResponseWriter, r *http.Request) {
	stride, err := c.strideFromParams(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if stride == nil {
		http.Error(w, "no stride found", http.StatusNotFound)
		return
	}

	resp := basisResponse{
		StrideID:   stride.ID,
		Directions: make([]basisDirectionResponse, 0, len(stride.basis)),
	}
	for _, row := range stride.basis {
		resp.Directions = append(resp.Directions, basisDirectionResponse{
			Component:              row.Component,
			SingularValue:          row.SingularValue,
			ExplainedVarianceRatio: row.ExplainedVarianceRatio,
			Direction:              row.Coordinates,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

func (c *ResultsExplorer) GetEmbeddings(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	stride, err := c.strideFromParams(params)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if stride == nil {
		http.Error(w, "no stride found", http.StatusNotFound)
		return
	}
	origin, ok := params["origin"]
	if !ok {
		http.Error(w, "missing origin parameter", http.StatusBadRequest)
		return
	}
	rows, exists := stride.embeddings[origin[0]]
	if !exists {
		http.Error(w, fmt.Sprintf("no embeddings for origin %s", origin[0]), http.StatusNotFound)
		return
	}

	resp := embeddingResponse{
		StrideID: stride.ID,
		Origin:   origin[0],
		Rows:     make([]embeddingRowResponse, 0, len(rows)),
	}
	for _, row := range rows {
		resp.Rows = append(resp.Rows, embeddingRowResponse{
			Series:      row.Series,
			Coordinates: row.Coordinates,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

// GetSeriesEmbedding looks up the reduced coordinates of one series
// of one origin.
func (c *ResultsExplorer) GetSeriesEmbedding(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	stride, err := c.strideFromParams(params)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if stride == nil {
		http.Error(w, "no stride found", http.StatusNotFound)
		return
	}
	origin, ok := params["origin"]
	if !ok {
		http.Error(w, "missing origin parameter", http.StatusBadRequest)
		return
	}
	series, ok := params["series"]
	if !ok {
		http.Error(w, "missing series parameter", http.StatusBadRequest)
		return
	}
	for _, row := range stride.embeddings[origin[0]] {
		if row.Series == series[0] {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(embeddingRowResponse{
				Series:      row.Series,
				Coordinates: row.Coordinates,
			})
			return
		}
	}
	http.Error(w, fmt.Sprintf("no embedding for series %s", series[0]), http.StatusNotFound)
}

// strideFromParams resolves the timeTo query parameter to a cached
// stride, defaulting to the latest one.
func (c *ResultsExplorer) strideFromParams(params url.Values) (*Stride, error) {
	timeToString, ok := params["timeTo"]
	if !ok {
		return c.getLatestStride(), nil
	}
	timeTo, err := strconv.ParseInt(strings.TrimSpace(timeToString[0]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse int from timeTo parameter %s: %v", timeToString[0], err)
	}
	return c.getStrideForTime(timeTo), nil
}

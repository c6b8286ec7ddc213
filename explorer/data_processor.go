package explorer

import (
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/svdfed/svdfed/lib/reporter"
)

const (
	STRIDE_CACHE_SIZE = 10
)

// scanResultFiles looks for new stride files in the results directory
// and reads at most one of them per invocation, so a large backlog
// cannot starve the request handlers.
func (c *ResultsExplorer) scanResultFiles() error {
	entries, err := os.ReadDir(c.filenameBase)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool {
		t1, _ := entries[i].Info()
		t2, _ := entries[j].Info()
		return t1.ModTime().Unix() > t2.ModTime().Unix()
	})
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		parsed, err := parseStrideFromFilename(e.Name())
		if err != nil {
			// This is not a stride file.
			continue
		}

		t, err := e.Info()
		if err != nil {
			continue
		}
		age := int(time.Now().UTC().Unix() - t.ModTime().UTC().Unix())
		if c.maxAgeSeconds > 0 && age > c.maxAgeSeconds {
			fullPath := filepath.Join(c.filenameBase, e.Name())
			log.Printf("removing expired stride file %s\n", fullPath)
			if err := os.Remove(fullPath); err != nil {
				log.Printf("failed to remove %s: %v\n", fullPath, err)
				continue
			}
			c.markDeleted(e.Name())
			continue
		}
		if t.Size() == 0 {
			// The reporter has created the file but not flushed yet.
			continue
		}
		if c.contains(e.Name()) {
			continue
		}

		if err := c.readResultFile(parsed); err != nil {
			log.Printf("failed to read result file %s: %v\n", e.Name(), err)
			parsed.Status = StrideError
		} else {
			parsed.Status = StrideRead
		}
		c.addStrideCacheEntry(parsed)

		// Only read one file per scan.
		break
	}
	return nil
}

// readResultFile loads all rows of one stride file and splits them
// into the basis directions (component >= 0) and the per-origin
// embedding rows.
func (c *ResultsExplorer) readResultFile(stride *Stride) error {
	path := filepath.Join(c.filenameBase, stride.Filename)
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	stat, err := file.Stat()
	if err != nil {
		return err
	}
	pqfile, err := parquet.OpenFile(file, stat.Size())
	if err != nil {
		return err
	}

	reader := parquet.NewGenericReader[reporter.EmbeddingRow](pqfile)
	defer reader.Close()
	rows := make([]reporter.EmbeddingRow, 100)
	for done := false; !done; {
		numRead, err := reader.Read(rows)
		if err != nil {
			if errors.Is(err, io.EOF) {
				done = true
			} else {
				return err
			}
		}
		for i := 0; i < numRead; i++ {
			row := rows[i]
			if row.Component >= 0 {
				stride.basis = append(stride.basis, row)
			} else {
				stride.embeddings[row.Origin] = append(stride.embeddings[row.Origin], row)
			}
		}
	}
	sort.Slice(stride.basis, func(i, j int) bool {
		return stride.basis[i].Component < stride.basis[j].Component
	})
	log.Printf("read stride %d with %d basis directions and %d origins\n",
		stride.ID, len(stride.basis), len(stride.embeddings))
	return nil
}

func (c *ResultsExplorer) contains(filename string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.strideCache {
		if s != nil && s.Filename == filename {
			return true
		}
	}
	return false
}

func (c *ResultsExplorer) markDeleted(filename string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.strideCache {
		if s != nil && s.Filename == filename {
			s.Status = StrideDeleted
		}
	}
}

// addStrideCacheEntry inserts into the first free slot, or replaces
// the oldest entry when the cache is full.
func (c *ResultsExplorer) addStrideCacheEntry(stride *Stride) {
	c.mu.Lock()
	defer c.mu.Unlock()
	oldestTime := stride.StartTime
	oldestEntry := -1
	for i, s := range c.strideCache {
		if s == nil || s.Status == StrideDeleted {
			c.strideCache[i] = stride
			return
		}
		if oldestEntry == -1 || s.StartTime < oldestTime {
			oldestTime = s.StartTime
			oldestEntry = i
		}
	}
	if oldestEntry == -1 {
		// Every cached stride is newer than the incoming one.
		return
	}
	c.strideCache[oldestEntry] = stride
}

func (c *ResultsExplorer) getLatestStride() *Stride {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var newest *Stride
	for _, s := range c.strideCache {
		if s == nil || s.Status == StrideDeleted {
			continue
		}
		if newest == nil || s.StartTime > newest.StartTime {
			newest = s
		}
	}
	return newest
}

// getStrideForTime returns the cached stride whose window covers the
// given unix timestamp, or nil.
func (c *ResultsExplorer) getStrideForTime(timeTo int64) *Stride {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.strideCache {
		if s == nil || s.Status == StrideDeleted {
			continue
		}
		if timeTo >= s.StartTime && timeTo <= s.EndTime {
			return s
		}
	}
	return nil
}

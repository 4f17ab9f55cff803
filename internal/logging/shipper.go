package logging

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultBatchInterval = 30 * time.Second
	defaultMaxBatchSize  = 200
	defaultBufferSize    = 1000
)

// LogEntry is a single record sent to the audit endpoint.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Component string         `json:"component"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Version   string         `json:"installerVersion"`
}

// Shipper buffers log entries and POSTs them to the audit endpoint in
// gzip-compressed batches.
type Shipper struct {
	url           string
	apiKey        string
	version       string
	httpClient    *http.Client
	batchInterval time.Duration
	buffer        chan LogEntry
	stopChan      chan struct{}
	wg            sync.WaitGroup
	stopOnce      sync.Once
	minLevel      slog.Level
	droppedCount  atomic.Int64
}

// ShipperConfig configures the audit shipper.
type ShipperConfig struct {
	URL           string
	APIKey        string
	Version       string
	HTTPClient    *http.Client
	MinLevel      string // "debug", "info", "warn", "error"
	BatchInterval time.Duration
}

// NewShipper creates a new audit shipper. Call Start to begin shipping.
func NewShipper(cfg ShipperConfig) *Shipper {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	interval := cfg.BatchInterval
	if interval <= 0 {
		interval = defaultBatchInterval
	}
	return &Shipper{
		url:           cfg.URL,
		apiKey:        cfg.APIKey,
		version:       cfg.Version,
		httpClient:    client,
		batchInterval: interval,
		buffer:        make(chan LogEntry, defaultBufferSize),
		stopChan:      make(chan struct{}),
		minLevel:      parseLevel(cfg.MinLevel),
	}
}

// Start begins the background shipping loop.
func (s *Shipper) Start() {
	s.wg.Add(1)
	go s.shipLoop()
}

// Stop flushes remaining entries and stops the loop. Safe to call multiple times.
func (s *Shipper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

// Enqueue adds an entry to the buffer. Non-blocking; drops if the buffer is full.
func (s *Shipper) Enqueue(entry LogEntry) {
	select {
	case s.buffer <- entry:
	default:
		dropped := s.droppedCount.Add(1)
		if dropped == 1 || dropped%100 == 0 {
			fmt.Fprintf(os.Stderr, "[audit] buffer full, dropped %d log entries\n", dropped)
		}
	}
}

// ShouldShip reports whether the level meets the minimum threshold.
func (s *Shipper) ShouldShip(level slog.Level) bool {
	return level >= s.minLevel
}

// Dropped returns how many entries were discarded because the buffer was full.
func (s *Shipper) Dropped() int64 {
	return s.droppedCount.Load()
}

func (s *Shipper) shipLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.batchInterval)
	defer ticker.Stop()

	batch := make([]LogEntry, 0, defaultMaxBatchSize)

	for {
		select {
		case <-s.stopChan:
		drain:
			for {
				select {
				case entry := <-s.buffer:
					batch = append(batch, entry)
					if len(batch) >= defaultMaxBatchSize {
						s.shipBatch(batch)
						batch = batch[:0]
					}
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				s.shipBatch(batch)
			}
			return

		case entry := <-s.buffer:
			batch = append(batch, entry)
			if len(batch) >= defaultMaxBatchSize {
				s.shipBatch(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.shipBatch(batch)
				batch = batch[:0]
			}
		}
	}
}

func (s *Shipper) shipBatch(entries []LogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	payload, err := json.Marshal(map[string]any{"logs": entries})
	if err != nil {
		fmt.Fprintf(os.Stderr, "[audit] marshal error: %v\n", err)
		return
	}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(payload); err != nil {
		fmt.Fprintf(os.Stderr, "[audit] gzip write error: %v\n", err)
		return
	}
	if err := gw.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "[audit] gzip close error: %v\n", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, &buf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[audit] request build error: %v\n", err)
		return
	}
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[audit] HTTP error: %v\n", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		fmt.Fprintf(os.Stderr, "[audit] server returned %d for %d entries: %s\n", resp.StatusCode, len(entries), string(body))
		return
	}
	io.Copy(io.Discard, resp.Body)
}

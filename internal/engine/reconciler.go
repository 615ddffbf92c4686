package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"netwatch/internal/metrics"
	"netwatch/internal/store"
)

var (
	// ErrInvalidBatch means the payload was not a JSON list.
	ErrInvalidBatch = errors.New("report batch must be a JSON list")
	// ErrInternal means ingestion failed for reasons other than bad input.
	ErrInternal = errors.New("internal error")
)

// IngestResult counts what happened to each element of a batch.
type IngestResult struct {
	Received  int `json:"received"`
	Applied   int `json:"applied"` // device records updated
	Skipped   int `json:"skipped"` // malformed elements
	Unmatched int `json:"unmatched"`
	Failed    int `json:"failed"`
}

type rawReport struct {
	Address string          `json:"address"`
	Status  string          `json:"status"`
	Latency json.RawMessage `json:"latency"`
}

// Reconciler merges agent report batches into the engine.
type Reconciler struct {
	engine *Engine
	logger *slog.Logger
	now    func() time.Time
}

func NewReconciler(eng *Engine, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		engine: eng,
		logger: logger.With("component", "reconciler"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// IngestJSON decodes payload as a list and ingests it. A payload that is not
// a JSON list yields ErrInvalidBatch and nothing is applied.
func (r *Reconciler) IngestJSON(payload []byte) (IngestResult, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return IngestResult{}, ErrInvalidBatch
	}
	var batch []json.RawMessage
	if err := json.Unmarshal(trimmed, &batch); err != nil {
		return IngestResult{}, fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}
	return r.Ingest(batch)
}

// Ingest applies every well-formed element of batch. Bad elements are
// skipped; store failures on one element do not stop the rest, but are
// reported together as ErrInternal once the batch is done.
func (r *Reconciler) Ingest(batch []json.RawMessage) (res IngestResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("report ingest panic", "panic", p)
			err = fmt.Errorf("%w: %v", ErrInternal, p)
		}
	}()

	res.Received = len(batch)
	observedAt := r.now()
	var failures []error

	for i, raw := range batch {
		rep, ok := parseReport(raw)
		if !ok {
			res.Skipped++
			metrics.ReportElements.WithLabelValues("skipped").Inc()
			r.logger.Debug("skipping malformed report element", "index", i)
			continue
		}

		devices, lerr := r.engine.Store().ListDevicesByAddress(rep.address)
		if lerr != nil {
			res.Failed++
			metrics.ReportElements.WithLabelValues("failed").Inc()
			failures = append(failures, fmt.Errorf("element %d: %w", i, lerr))
			continue
		}
		if len(devices) == 0 {
			res.Unmatched++
			metrics.ReportElements.WithLabelValues("unmatched").Inc()
			r.logger.Debug("report for unknown address", "address", rep.address)
			continue
		}

		for _, dev := range devices {
			_, aerr := r.engine.Apply(Observation{
				DeviceID:   dev.ID,
				Status:     rep.status,
				LatencyMS:  rep.latency,
				ObservedAt: observedAt,
				Source:     SourceAgent,
			})
			switch {
			case aerr == nil:
				res.Applied++
				metrics.ReportElements.WithLabelValues("applied").Inc()
			case errors.Is(aerr, store.ErrNotFound):
				// deleted between lookup and apply
				r.logger.Debug("device vanished during ingest", "device_id", dev.ID)
			default:
				res.Failed++
				metrics.ReportElements.WithLabelValues("failed").Inc()
				failures = append(failures, fmt.Errorf("element %d: %w", i, aerr))
			}
		}
	}

	if len(failures) > 0 {
		joined := errors.Join(failures...)
		r.logger.Error("report ingest failed", "failed", res.Failed, "err", joined)
		return res, fmt.Errorf("%w: %w", ErrInternal, joined)
	}
	return res, nil
}

type report struct {
	address string
	status  store.Status
	latency int
}

func parseReport(raw json.RawMessage) (report, bool) {
	var rr rawReport
	if err := json.Unmarshal(raw, &rr); err != nil {
		return report{}, false
	}
	addr := strings.TrimSpace(rr.Address)
	if addr == "" {
		return report{}, false
	}
	status, ok := store.ParseStatus(rr.Status)
	if !ok {
		return report{}, false
	}
	latency, ok := parseLatency(rr.Latency)
	if !ok {
		return report{}, false
	}
	return report{address: addr, status: status, latency: latency}, true
}

// parseLatency accepts a JSON number or numeric string in milliseconds.
// Missing or null means not measured.
func parseLatency(raw json.RawMessage) (int, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, true
	}
	var f float64
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, true
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = v
	} else if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f > math.MaxInt32 {
		return 0, false
	}
	return int(math.Round(f)), true
}

package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

type StepStats struct {
	Step        string  `json:"step"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type StepIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type StepSnapshot struct {
	GeneratedAt time.Time       `json:"generated_at"`
	WindowSize  int             `json:"window_size"`
	Stages      []StepStats     `json:"stages"`
	Indicators  []StepIndicator `json:"indicators,omitempty"`
}

type stepWindow struct {
	mu         sync.RWMutex
	maxSamples int
	steps      map[string]*stepBuffer
	indicators map[string]int
}

type stepBuffer struct {
	values []float64
	next   int
	filled bool
	last   float64
}

func newStepWindow(maxSamples int) *stepWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &stepWindow{
		maxSamples: maxSamples,
		steps:      make(map[string]*stepBuffer),
		indicators: make(map[string]int),
	}
}

func (w *stepWindow) Observe(step string, ms float64) {
	if step == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	buf, ok := w.steps[step]
	if !ok {
		buf = &stepBuffer{values: make([]float64, w.maxSamples)}
		w.steps[step] = buf
	}
	buf.values[buf.next] = ms
	buf.last = ms
	buf.next++
	if buf.next >= len(buf.values) {
		buf.next = 0
		buf.filled = true
	}
}

func (w *stepWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *stepWindow) Snapshot() StepSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	keys := make([]string, 0, len(w.steps))
	for step := range w.steps {
		keys = append(keys, step)
	}
	sort.Strings(keys)

	stats := make([]StepStats, 0, len(keys))
	for _, step := range keys {
		buf := w.steps[step]
		n := buf.next
		if buf.filled {
			n = len(buf.values)
		}
		if n <= 0 {
			continue
		}
		samples := make([]float64, n)
		copy(samples, buf.values[:n])
		sort.Float64s(samples)

		sum := 0.0
		for _, v := range samples {
			sum += v
		}
		stats = append(stats, StepStats{
			Step:        step,
			Samples:     n,
			LastMS:      round2(buf.last),
			AvgMS:       round2(sum / float64(n)),
			P50MS:       round2(quantile(samples, 0.50)),
			P95MS:       round2(quantile(samples, 0.95)),
			P99MS:       round2(quantile(samples, 0.99)),
			TargetP95MS: stepTargetP95MS(step),
		})
	}

	names := make([]string, 0, len(w.indicators))
	for name := range w.indicators {
		names = append(names, name)
	}
	sort.Strings(names)
	indicators := make([]StepIndicator, 0, len(names))
	for _, name := range names {
		indicators = append(indicators, StepIndicator{Name: name, Count: w.indicators[name]})
	}

	return StepSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Stages:      stats,
		Indicators:  indicators,
	}
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func stepTargetP95MS(step string) float64 {
	switch step {
	case "mark_in_progress", "mark_completed":
		return 250
	case "ensure_branch":
		return 1500
	case "commit":
		return 5000
	case "pull_request":
		return 3000
	case "generate":
		return 90000
	default:
		return 0
	}
}

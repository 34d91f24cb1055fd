package observ

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type registry struct {
	mu       sync.Mutex
	counters map[string]map[string]int64   // name -> labelsKey -> count
	gauges   map[string]map[string]float64 // name -> labelsKey -> value
	hist     map[string]map[string][]float64
}

var reg = &registry{
	counters: map[string]map[string]int64{},
	gauges:   map[string]map[string]float64{},
	hist:     map[string]map[string][]float64{},
}

// canonicalize label map so key order is stable
func canonLabels(lbl map[string]string) string {
	if len(lbl) == 0 {
		return ""
	}
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(lbl[k])
	}
	return b.String()
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1)
}

func IncCounterBy(name string, labels map[string]string, value int64) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.counters[name]
	if !ok {
		m = map[string]int64{}
		reg.counters[name] = m
	}
	m[canonLabels(labels)] += value
}

func SetGauge(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.gauges[name]
	if !ok {
		m = map[string]float64{}
		reg.gauges[name] = m
	}
	m[canonLabels(labels)] = value
}

func Observe(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.hist[name]
	if !ok {
		m = map[string][]float64{}
		reg.hist[name] = m
	}
	k := canonLabels(labels)
	m[k] = append(m[k], value)
}

// ObserveDuration records a duration observation in milliseconds.
func ObserveDuration(name string, d time.Duration, labels map[string]string) {
	Observe(name+"_ms", float64(d.Milliseconds()), labels)
}

// CounterValue returns the summed value of a counter across all label sets.
func CounterValue(name string) int64 {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	var total int64
	for _, v := range reg.counters[name] {
		total += v
	}
	return total
}

// Basic JSON dump for quick checks (not Prometheus format on purpose)
func Handler() http.Handler {
	type dump struct {
		Counters map[string]map[string]int64     `json:"counters"`
		Gauges   map[string]map[string]float64   `json:"gauges"`
		Hist     map[string]map[string][]float64 `json:"histograms"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(dump{Counters: reg.counters, Gauges: reg.gauges, Hist: reg.hist})
	})
}

// HealthStatus summarizes pipeline health for the operator endpoint.
type HealthStatus struct {
	Status    string        `json:"status"` // "healthy", "degraded", "halted"
	Timestamp string        `json:"timestamp"`
	Uptime    string        `json:"uptime"`
	Metrics   HealthMetrics `json:"metrics"`
}

// HealthMetrics holds the key figures an operator checks first.
type HealthMetrics struct {
	CyclesTotal        int64   `json:"cycles_total"`
	CycleLatencyP95Ms  int64   `json:"cycle_latency_p95_ms"`
	SignalsEmitted     int64   `json:"signals_emitted_total"`
	OrdersSubmitted    int64   `json:"orders_submitted_total"`
	OrdersFailed       int64   `json:"orders_failed_total"`
	RetryRate          float64 `json:"retry_rate"`
	LossBreakerActive  bool    `json:"loss_breaker_active"`
	InvariantViolation bool    `json:"invariant_violation"`
}

var startTime = time.Now()

// HealthHandler reports pipeline health derived from the metrics registry.
// An invariant violation reports 503 so external monitors page immediately.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reg.mu.Lock()
		metrics := healthMetricsLocked()
		reg.mu.Unlock()

		status := "healthy"
		code := http.StatusOK
		switch {
		case metrics.InvariantViolation:
			status = "halted"
			code = http.StatusServiceUnavailable
		case metrics.LossBreakerActive || metrics.RetryRate > 0.2:
			status = "degraded"
		}

		health := HealthStatus{
			Status:    status,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Uptime:    time.Since(startTime).String(),
			Metrics:   metrics,
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(health)
	})
}

func healthMetricsLocked() HealthMetrics {
	m := HealthMetrics{}

	sum := func(name string) int64 {
		var total int64
		for _, v := range reg.counters[name] {
			total += v
		}
		return total
	}
	m.CyclesTotal = sum("cycles_total")
	m.SignalsEmitted = sum("signals_emitted_total")
	m.OrdersSubmitted = sum("orders_submitted_total")
	m.OrdersFailed = sum("orders_failed_total")

	retries := sum("order_retries_total")
	if m.OrdersSubmitted > 0 {
		m.RetryRate = float64(retries) / float64(m.OrdersSubmitted)
	}

	for _, v := range reg.gauges["loss_breaker_active"] {
		m.LossBreakerActive = v == 1
	}
	for _, v := range reg.gauges["ledger_invariant_violated"] {
		m.InvariantViolation = v == 1
	}

	if samples, ok := reg.hist["cycle_latency_ms"]; ok {
		for _, s := range samples {
			if len(s) == 0 {
				continue
			}
			sorted := make([]float64, len(s))
			copy(sorted, s)
			sort.Float64s(sorted)
			idx := int(float64(len(sorted)) * 0.95)
			if idx >= len(sorted) {
				idx = len(sorted) - 1
			}
			m.CycleLatencyP95Ms = int64(sorted[idx])
			break
		}
	}

	return m
}

package metrics

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Namespace prefixes every exported metric name.
const Namespace = "mdpreview"

// Metrics holds the server's counters and exports them in the Prometheus
// text format.
type Metrics struct {
	start time.Time
	now   func() time.Time // injectable for deterministic tests

	Renders      atomic.Uint64
	RenderErrors atomic.Uint64
	Refreshes    atomic.Uint64

	mu       sync.Mutex
	requests map[int]uint64 // status code -> count
	funcs    []funcMetric
}

type funcMetric struct {
	name string
	help string
	typ  dto.MetricType
	fn   func() float64
}

// New creates an empty Metrics.
func New() *Metrics {
	return &Metrics{
		start:    time.Now(),
		now:      time.Now,
		requests: make(map[int]uint64),
	}
}

// ObserveRequest counts one HTTP response with the given status code.
func (m *Metrics) ObserveRequest(status int) {
	m.mu.Lock()
	m.requests[status]++
	m.mu.Unlock()
}

// CounterFunc exports a counter read from fn at scrape time. name is
// prefixed with the namespace.
func (m *Metrics) CounterFunc(name, help string, fn func() float64) {
	m.register(name, help, dto.MetricType_COUNTER, fn)
}

// GaugeFunc exports a gauge read from fn at scrape time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	m.register(name, help, dto.MetricType_GAUGE, fn)
}

func (m *Metrics) register(name, help string, typ dto.MetricType, fn func() float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funcs = append(m.funcs, funcMetric{name: Namespace + "_" + name, help: help, typ: typ, fn: fn})
}

// Families returns the current values as metric families, sorted by name.
func (m *Metrics) Families() []*dto.MetricFamily {
	fams := []*dto.MetricFamily{
		counter("renders_total", "Markdown documents rendered.", float64(m.Renders.Load())),
		counter("render_errors_total", "Render attempts that failed.", float64(m.RenderErrors.Load())),
		counter("refresh_signals_total", "Refresh signals published to listeners.", float64(m.Refreshes.Load())),
		gauge("uptime_seconds", "Seconds since the server started.", m.now().Sub(m.start).Seconds()),
	}

	m.mu.Lock()
	codes := make([]int, 0, len(m.requests))
	for code := range m.requests {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	reqs := &dto.MetricFamily{
		Name: ptr(Namespace + "_http_requests_total"),
		Help: ptr("HTTP responses by status code."),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	for _, code := range codes {
		reqs.Metric = append(reqs.Metric, &dto.Metric{
			Label:   []*dto.LabelPair{{Name: ptr("code"), Value: ptr(strconv.Itoa(code))}},
			Counter: &dto.Counter{Value: ptr(float64(m.requests[code]))},
		})
	}
	funcs := append([]funcMetric(nil), m.funcs...)
	m.mu.Unlock()

	if len(reqs.Metric) > 0 {
		fams = append(fams, reqs)
	}
	for _, f := range funcs {
		fams = append(fams, family(f.name, f.help, f.typ, f.fn()))
	}

	sort.Slice(fams, func(i, j int) bool { return fams[i].GetName() < fams[j].GetName() })
	return fams
}

// WriteText writes all families in the Prometheus text exposition format.
func (m *Metrics) WriteText(w io.Writer) error {
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range m.Families() {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("metrics: encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// Handler serves the text exposition.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
		if err := m.WriteText(w); err != nil {
			slog.Warn("metrics: write failed", "err", err)
		}
	})
}

func counter(name, help string, v float64) *dto.MetricFamily {
	return family(Namespace+"_"+name, help, dto.MetricType_COUNTER, v)
}

func gauge(name, help string, v float64) *dto.MetricFamily {
	return family(Namespace+"_"+name, help, dto.MetricType_GAUGE, v)
}

func family(name, help string, typ dto.MetricType, v float64) *dto.MetricFamily {
	m := &dto.Metric{}
	if typ == dto.MetricType_COUNTER {
		m.Counter = &dto.Counter{Value: ptr(v)}
	} else {
		m.Gauge = &dto.Gauge{Value: ptr(v)}
	}
	return &dto.MetricFamily{
		Name:   ptr(name),
		Help:   ptr(help),
		Type:   typ.Enum(),
		Metric: []*dto.Metric{m},
	}
}

func ptr[T any](v T) *T { return &v }

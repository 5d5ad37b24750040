package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/odyssey-erp/stockcount/internal/stockcount"
)

// StockCountMetrics implements stockcount.Metrics on Prometheus collectors.
type StockCountMetrics struct {
	scans       *prometheus.CounterVec
	transitions *prometheus.CounterVec
	moves       prometheus.Counter
	flagged     prometheus.Counter
}

// NewStockCountMetrics registers the stock count collectors.
func NewStockCountMetrics(registerer prometheus.Registerer) *StockCountMetrics {
	scans := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockcount_scans_total",
		Help: "Barcode scans grouped by result.",
	}, []string{"result"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockcount_transitions_total",
		Help: "Adjustment state transitions.",
	}, []string{"from", "to"})
	moves := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stockcount_moves_posted_total",
		Help: "Stock moves posted by counts.",
	})
	flagged := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stockcount_flagged_lines_total",
		Help: "Lines skipped at posting because they need attention.",
	})
	registerer.MustRegister(scans, transitions, moves, flagged)
	return &StockCountMetrics{scans: scans, transitions: transitions, moves: moves, flagged: flagged}
}

// ObserveScan counts one scan attempt.
func (m *StockCountMetrics) ObserveScan(result string) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(result).Inc()
}

// ObserveTransition counts a state change. Creation is recorded with an empty from label.
func (m *StockCountMetrics) ObserveTransition(from, to stockcount.State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// ObserveMoves adds posted moves.
func (m *StockCountMetrics) ObserveMoves(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.moves.Add(float64(n))
}

// ObserveFlaggedLines adds lines skipped during posting.
func (m *StockCountMetrics) ObserveFlaggedLines(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.flagged.Add(float64(n))
}

var _ stockcount.Metrics = (*StockCountMetrics)(nil)

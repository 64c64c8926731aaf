// Package metrics exposes Prometheus counters for sync runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors updated after every page sync.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ItemsFetched  *prometheus.CounterVec
	ItemsInserted *prometheus.CounterVec
	ItemsSkipped  *prometheus.CounterVec
	SyncRuns      *prometheus.CounterVec
	SyncDuration  *prometheus.HistogramVec
	CursorSeconds *prometheus.GaugeVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ItemsFetched: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pagesync_items_fetched_total",
			Help: "Items returned by the data source, per page",
		}, []string{"page"}),

		ItemsInserted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pagesync_items_inserted_total",
			Help: "Posts newly written to the store, per page",
		}, []string{"page"}),

		ItemsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pagesync_items_skipped_total",
			Help: "Malformed items skipped, per page",
		}, []string{"page"}),

		SyncRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pagesync_sync_runs_total",
			Help: "Sync attempts by page and status",
		}, []string{"page", "status"}),

		// Actor runs routinely take minutes.
		SyncDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pagesync_sync_duration_seconds",
			Help:    "Duration of a page sync in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"page"}),

		CursorSeconds: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pagesync_cursor_timestamp_seconds",
			Help: "Unix time of the newest stored post, per page",
		}, []string{"page"}),
	}
}

// Observation is what one page sync reports.
type Observation struct {
	PageID   string
	Status   string
	Fetched  int
	Inserted int
	Skipped  int
	Duration time.Duration
	Cursor   *time.Time
}

// Observe records one page sync.
func (m *Metrics) Observe(o Observation) {
	if m == nil {
		return
	}
	m.ItemsFetched.WithLabelValues(o.PageID).Add(float64(o.Fetched))
	m.ItemsInserted.WithLabelValues(o.PageID).Add(float64(o.Inserted))
	m.ItemsSkipped.WithLabelValues(o.PageID).Add(float64(o.Skipped))
	m.SyncRuns.WithLabelValues(o.PageID, o.Status).Inc()
	m.SyncDuration.WithLabelValues(o.PageID).Observe(o.Duration.Seconds())
	if o.Cursor != nil {
		m.CursorSeconds.WithLabelValues(o.PageID).Set(float64(o.Cursor.Unix()))
	}
}

// Package metrics exports synchronization statistics to prometheus.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/astromechza/automerge-whiteboard/pkg/collab"
	"github.com/astromechza/automerge-whiteboard/pkg/observable"
)

// StatisticsCollector reports the latest value of a statistics stream.
type StatisticsCollector struct {
	mu          sync.Mutex
	latest      collab.Statistics
	unsubscribe func()

	documentSize        *prometheus.Desc
	contentSize         *prometheus.Desc
	snapshotsSent       *prometheus.Desc
	snapshotsReceived   *prometheus.Desc
	snapshotOutstanding *prometheus.Desc
}

var _ prometheus.Collector = (*StatisticsCollector)(nil)

func NewStatisticsCollector(documentID string, stats observable.Observable[collab.Statistics]) *StatisticsCollector {
	labels := prometheus.Labels{"document": documentID}
	c := &StatisticsCollector{
		documentSize: prometheus.NewDesc(
			"whiteboard_document_size_bytes",
			"Size of the serialized document including history",
			nil, labels,
		),
		contentSize: prometheus.NewDesc(
			"whiteboard_content_size_bytes",
			"Size of the JSON encoded document content",
			nil, labels,
		),
		snapshotsSent: prometheus.NewDesc(
			"whiteboard_snapshots_sent_total",
			"Snapshots uploaded by this session",
			nil, labels,
		),
		snapshotsReceived: prometheus.NewDesc(
			"whiteboard_snapshots_received_total",
			"Snapshots loaded by this session",
			nil, labels,
		),
		snapshotOutstanding: prometheus.NewDesc(
			"whiteboard_snapshot_outstanding",
			"1 while local changes have not been written to a snapshot",
			nil, labels,
		),
	}
	c.unsubscribe = stats.Subscribe(func(s collab.Statistics) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.latest = s
	})
	return c
}

// Close stops following the stream. The last value is still reported.
func (c *StatisticsCollector) Close() {
	c.unsubscribe()
}

func (c *StatisticsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.documentSize
	ch <- c.contentSize
	ch <- c.snapshotsSent
	ch <- c.snapshotsReceived
	ch <- c.snapshotOutstanding
}

func (c *StatisticsCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	s := c.latest
	c.mu.Unlock()

	outstanding := 0.0
	if s.SnapshotOutstanding {
		outstanding = 1
	}
	ch <- prometheus.MustNewConstMetric(c.documentSize, prometheus.GaugeValue, float64(s.DocumentSizeInBytes))
	ch <- prometheus.MustNewConstMetric(c.contentSize, prometheus.GaugeValue, float64(s.ContentSizeInBytes))
	ch <- prometheus.MustNewConstMetric(c.snapshotsSent, prometheus.CounterValue, float64(s.SnapshotsSent))
	ch <- prometheus.MustNewConstMetric(c.snapshotsReceived, prometheus.CounterValue, float64(s.SnapshotsReceived))
	ch <- prometheus.MustNewConstMetric(c.snapshotOutstanding, prometheus.GaugeValue, outstanding)
}

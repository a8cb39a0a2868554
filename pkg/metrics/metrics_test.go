package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-whiteboard/pkg/collab"
	"github.com/astromechza/automerge-whiteboard/pkg/observable"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]float64)
	for _, f := range families {
		for _, m := range f.GetMetric() {
			require.Len(t, m.GetLabel(), 1)
			assert.Equal(t, "board", m.GetLabel()[0].GetValue())
			if g := m.GetGauge(); g != nil {
				out[f.GetName()] = g.GetValue()
			} else if c := m.GetCounter(); c != nil {
				out[f.GetName()] = c.GetValue()
			}
		}
	}
	return out
}

func TestCollectorFollowsStream(t *testing.T) {
	stats := observable.NewBehavior(collab.Statistics{DocumentSizeInBytes: 10})
	c := NewStatisticsCollector("board", stats)
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))

	assert.Equal(t, 10.0, gather(t, reg)["whiteboard_document_size_bytes"])

	stats.Set(collab.Statistics{
		DocumentSizeInBytes: 20,
		ContentSizeInBytes:  5,
		SnapshotsSent:       2,
		SnapshotsReceived:   1,
		SnapshotOutstanding: true,
	})
	assert.Equal(t, map[string]float64{
		"whiteboard_document_size_bytes":      20,
		"whiteboard_content_size_bytes":       5,
		"whiteboard_snapshots_sent_total":     2,
		"whiteboard_snapshots_received_total": 1,
		"whiteboard_snapshot_outstanding":     1,
	}, gather(t, reg))

	c.Close()
	stats.Set(collab.Statistics{})
	assert.Equal(t, 20.0, gather(t, reg)["whiteboard_document_size_bytes"])
}

package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// value returns the sample of name whose labels include want.
func value(t *testing.T, e *PrometheusExporter, name string, want map[string]string) float64 {
	t.Helper()
	families, err := e.GetRegistry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if matches(m, want) {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
				return m.GetGauge().GetValue()
			}
		}
	}
	return 0
}

func matches(m *dto.Metric, want map[string]string) bool {
	found := 0
	for _, l := range m.GetLabel() {
		if v, ok := want[l.GetName()]; ok && v == l.GetValue() {
			found++
		}
	}
	return found == len(want)
}

func TestPrometheusExporter(t *testing.T) {
	exporter := NewPrometheusExporter(DefaultConfig())

	exporter.ReplyStarted()
	exporter.ReplyStarted()
	assert.Equal(t, 2.0, value(t, exporter, "investd_assistant_replies_active", nil))

	exporter.ReplyFinished("send", StatusSuccess, 800*time.Millisecond)
	exporter.ReplyFinished("regenerate", StatusCanceled, 100*time.Millisecond)
	assert.Equal(t, 0.0, value(t, exporter, "investd_assistant_replies_active", nil))
	assert.Equal(t, 1.0, value(t, exporter, "investd_assistant_replies_total", map[string]string{"operation": "send", "status": StatusSuccess}))

	exporter.RecordChunk("text")
	exporter.RecordChunk("text")
	exporter.RecordChunk("reasoning")
	assert.Equal(t, 2.0, value(t, exporter, "investd_assistant_chunks_total", map[string]string{"kind": "text"}))

	exporter.RecordCancellation("generation")
	assert.Equal(t, 1.0, value(t, exporter, "investd_assistant_cancellations_total", map[string]string{"class": "generation"}))

	exporter.RecordSummary(StatusSuccess, 2*time.Second)
	exporter.RecordFirstChunk(300 * time.Millisecond)
}

func TestPrometheusExporterHandler(t *testing.T) {
	exporter := NewPrometheusExporter(DefaultConfig())
	exporter.RecordChunk("tool_calls")
	exporter.RecordCancellation("reasoning")

	req := httptest.NewRequest("GET", "/metrics", http.NoBody)
	w := httptest.NewRecorder()
	exporter.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "investd_assistant_chunks_total")
	assert.Contains(t, body, "investd_assistant_cancellations_total")
	assert.Contains(t, body, "investd_assistant_replies_active")
}

func TestPrometheusExporterExportText(t *testing.T) {
	exporter := NewPrometheusExporter(DefaultConfig())
	exporter.RecordChunk("text")
	exporter.RecordSummary(StatusError, time.Second)

	output, err := exporter.ExportText()
	require.NoError(t, err)
	assert.Contains(t, output, "# HELP")
	assert.Contains(t, output, "# TYPE investd_assistant_chunks_total counter")
	assert.Contains(t, output, `investd_assistant_chunks_total{kind="text"} 1`)
	assert.Contains(t, output, "investd_assistant_history_summary_latency_seconds 1")
}

func BenchmarkPrometheusExporter(b *testing.B) {
	exporter := NewPrometheusExporter(DefaultConfig())

	b.Run("RecordChunk", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			exporter.RecordChunk("text")
		}
	})
}

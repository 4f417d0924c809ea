package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		total := 0.0
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			}
		}
		return total
	}
	return 0
}

func TestCountersAndGauge(t *testing.T) {
	Init()
	Init()

	reg := prometheus.NewRegistry()
	reg.MustRegister(pagesRecognized, activeRuns, exportsTotal)

	before := gather(t, reg, "pdfocr_pages_recognized_total")
	ObservePage("ok", "ocr", 20*time.Millisecond)
	assert.Equal(t, before+1, gather(t, reg, "pdfocr_pages_recognized_total"))

	baseRuns := gather(t, reg, "pdfocr_active_runs")
	done := RunStarted("recognition")
	assert.Equal(t, baseRuns+1, gather(t, reg, "pdfocr_active_runs"))
	done()
	assert.Equal(t, baseRuns, gather(t, reg, "pdfocr_active_runs"))

	beforeExports := gather(t, reg, "pdfocr_exports_total")
	IncExport("md", "enhanced")
	assert.Equal(t, beforeExports+1, gather(t, reg, "pdfocr_exports_total"))
}

package metrics_test

import (
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/hwbridge/devshared/internal/metrics"
)

func TestSetStatusOneHot(t *testing.T) {
	reg := metrics.New()
	reg.SetStatus("READY")

	m, err := reg.InstanceStatus.GetMetricWithLabelValues("READY")
	if err != nil {
		t.Fatal(err)
	}
	var out dto.Metric
	if err := m.Write(&out); err != nil {
		t.Fatal(err)
	}
	if out.GetGauge().GetValue() != 1.0 {
		t.Errorf("READY gauge = %v, want 1", out.GetGauge().GetValue())
	}

	other, err := reg.InstanceStatus.GetMetricWithLabelValues("INIT")
	if err != nil {
		t.Fatal(err)
	}
	var otherOut dto.Metric
	if err := other.Write(&otherOut); err != nil {
		t.Fatal(err)
	}
	if otherOut.GetGauge().GetValue() != 0.0 {
		t.Errorf("INIT gauge = %v, want 0", otherOut.GetGauge().GetValue())
	}
}

func TestSetStatusSwitches(t *testing.T) {
	reg := metrics.New()
	reg.SetStatus("INIT")
	reg.SetStatus("TERMINATED")

	initM, _ := reg.InstanceStatus.GetMetricWithLabelValues("INIT")
	var initOut dto.Metric
	_ = initM.Write(&initOut)
	if initOut.GetGauge().GetValue() != 0.0 {
		t.Errorf("INIT gauge after switch = %v, want 0", initOut.GetGauge().GetValue())
	}

	termM, _ := reg.InstanceStatus.GetMetricWithLabelValues("TERMINATED")
	var termOut dto.Metric
	_ = termM.Write(&termOut)
	if termOut.GetGauge().GetValue() != 1.0 {
		t.Errorf("TERMINATED gauge after switch = %v, want 1", termOut.GetGauge().GetValue())
	}
}

func TestCountersIncrement(t *testing.T) {
	reg := metrics.New()
	reg.ReconnectAttempts.Inc()
	reg.Launches.WithLabelValues("accepted").Inc()
	reg.Respawns.WithLabelValues("sshtun").Inc()

	var out dto.Metric
	if err := reg.ReconnectAttempts.Write(&out); err != nil {
		t.Fatal(err)
	}
	if out.GetCounter().GetValue() != 1.0 {
		t.Errorf("ReconnectAttempts = %v, want 1", out.GetCounter().GetValue())
	}
}
